// Package discovery implements the fabric's name registry and the
// well-known-id mapping table that is its sibling (spec §4.F, §4.H).
package discovery

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/privilege"
	"github.com/vmci-host/fabric/internal/vmci/resource"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
	"github.com/vmci-host/fabric/internal/vmci/vmcontext"
)

// WellKnownReservedRange is the Open-Question-1 policy boundary: ids below
// it are reserved for the discovery service and core fabric endpoints.
const WellKnownReservedRange uint32 = 1024

// Entry is one registered name binding (spec §4.F).
type Entry struct {
	Name   string
	Handle handle.Handle
	Owner  uint32
}

// Service is the fabric's name registry. It also owns the well-known
// id->context mapping table consulted by the datagram dispatcher's source
// verification and destination resolution steps (spec §4.H).
type Service struct {
	resources *resource.Table
	contexts  *vmcontext.Registry

	mu      sync.Mutex
	entries []Entry

	wellKnown map[uint32]uint32 // id -> owning context id

	lookupCache *lru.Cache[string, handle.Handle]
}

// New constructs a Service backed by resources for RegistrationCount
// bookkeeping and contexts for well_known_set membership. cacheSize bounds
// the LOOKUP front-cache, which caches name->Handle results of Lookup;
// well-known id resolution reads its map directly and is not cached.
func New(resources *resource.Table, contexts *vmcontext.Registry, cacheSize int) *Service {
	cache, _ := lru.New[string, handle.Handle](cacheSize)
	return &Service{
		resources:   resources,
		contexts:    contexts,
		wellKnown:   make(map[uint32]uint32),
		lookupCache: cache,
	}
}

// Register implements spec §4.F register.
func (s *Service) Register(name string, h handle.Handle, ctx uint32) vmcierr.Status {
	s.mu.Lock()
	for _, e := range s.entries {
		if e.Name == name {
			s.mu.Unlock()
			return vmcierr.AlreadyExists
		}
	}
	s.entries = append(s.entries, Entry{Name: name, Handle: h, Owner: ctx})
	s.mu.Unlock()

	s.lookupCache.Remove(name)
	s.bumpRegistrationCount(h, 1)
	return vmcierr.OK
}

// Unregister implements spec §4.F unregister.
func (s *Service) Unregister(name string, ctx uint32) vmcierr.Status {
	s.mu.Lock()
	idx := -1
	for i, e := range s.entries {
		if e.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return vmcierr.NotFound
	}
	e := s.entries[idx]
	if ctx != handle.HostContext && ctx != e.Owner {
		s.mu.Unlock()
		return vmcierr.NoAccess
	}
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	s.mu.Unlock()

	s.lookupCache.Remove(name)
	s.bumpRegistrationCount(e.Handle, -1)
	return vmcierr.OK
}

// UnregisterResource removes every entry bound to h, decrementing the
// target's registration count once per removed entry (spec §4.F
// unregister_resource).
func (s *Service) UnregisterResource(h handle.Handle) int {
	s.mu.Lock()
	kept := s.entries[:0]
	removed := 0
	var removedNames []string
	for _, e := range s.entries {
		if e.Handle == h {
			removed++
			removedNames = append(removedNames, e.Name)
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	s.mu.Unlock()

	for _, name := range removedNames {
		s.lookupCache.Remove(name)
	}
	for i := 0; i < removed; i++ {
		s.bumpRegistrationCount(h, -1)
	}
	return removed
}

// RemoveContextEntries drops every entry owned by cid (spec §4.F:
// "Context removal triggers removal of all that context's entries").
func (s *Service) RemoveContextEntries(cid uint32) {
	s.mu.Lock()
	kept := s.entries[:0]
	var dropped []Entry
	for _, e := range s.entries {
		if e.Owner == cid {
			dropped = append(dropped, e)
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	s.mu.Unlock()

	for _, e := range dropped {
		s.lookupCache.Remove(e.Name)
		s.bumpRegistrationCount(e.Handle, -1)
	}
}

// Lookup resolves name to its handle, consulting the LRU front-cache
// first.
func (s *Service) Lookup(name string) (handle.Handle, vmcierr.Status) {
	if h, ok := s.lookupCache.Get(name); ok {
		return h, vmcierr.OK
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Name == name {
			s.lookupCache.Add(name, e.Handle)
			return e.Handle, vmcierr.OK
		}
	}
	return handle.Invalid, vmcierr.NotFound
}

func (s *Service) bumpRegistrationCount(h handle.Handle, delta int32) {
	ref, status := s.resources.Get(h, resource.TypeAny)
	if status != vmcierr.OK {
		return
	}
	defer s.resources.Release(ref)
	ref.Value().RegistrationCount += delta
}

// AllowWellKnownMap implements SPEC_FULL.md §5 decision 1: ids below
// WellKnownReservedRange are reserved for the discovery service and core
// fabric endpoints; ids at or above it are allowed unless priv carries
// RESTRICTED.
func AllowWellKnownMap(id uint32, priv privilege.Flags) bool {
	if id < WellKnownReservedRange {
		return false
	}
	return !priv.Has(privilege.Restricted)
}

// RequestWellKnownMap implements spec §4.H request_well_known_map.
func (s *Service) RequestWellKnownMap(id uint32, ctx uint32, priv privilege.Flags) vmcierr.Status {
	if !AllowWellKnownMap(id, priv) {
		return vmcierr.NoAccess
	}

	s.mu.Lock()
	if _, exists := s.wellKnown[id]; exists {
		s.mu.Unlock()
		return vmcierr.AlreadyExists
	}
	s.wellKnown[id] = ctx
	s.mu.Unlock()

	if c, status := s.contexts.Get(ctx); status == vmcierr.OK {
		c.WithLock(func() {
			c.WellKnownSet().Append(handle.New(handle.WellKnownContext, id))
		})
		s.contexts.Release(c)
	}
	return vmcierr.OK
}

// RemoveWellKnownMap implements spec §4.H remove_well_known_map. It
// satisfies vmcontext.WellKnownRemover.
func (s *Service) RemoveWellKnownMap(id, ctx uint32) vmcierr.Status {
	s.mu.Lock()
	owner, exists := s.wellKnown[id]
	if !exists {
		s.mu.Unlock()
		return vmcierr.NotFound
	}
	if owner != ctx {
		s.mu.Unlock()
		return vmcierr.NoAccess
	}
	delete(s.wellKnown, id)
	s.mu.Unlock()

	if c, status := s.contexts.Get(ctx); status == vmcierr.OK {
		c.WithLock(func() {
			c.WellKnownSet().Remove(handle.New(handle.WellKnownContext, id))
		})
		s.contexts.Release(c)
	}
	return vmcierr.OK
}

// ResolveWellKnown returns the owning context id for a well-known id, used
// by the datagram dispatcher's source-verification and destination
// resolution steps (spec §4.H steps 2-3).
func (s *Service) ResolveWellKnown(id uint32) (uint32, vmcierr.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, exists := s.wellKnown[id]
	if !exists {
		return 0, vmcierr.DstUnreachable
	}
	return owner, vmcierr.OK
}

// Action selects the operation carried by a datagram-RPC request addressed
// to the discovery service's well-known endpoint (spec §4.F).
type Action string

const (
	ActionLookup     Action = "LOOKUP"
	ActionRegister   Action = "REGISTER"
	ActionUnregister Action = "UNREGISTER"
)

// Request is the wire body of a datagram-RPC request (spec §4.F: "requests
// carry {action, name, handle}").
type Request struct {
	Action Action        `json:"action"`
	Name   string        `json:"name"`
	Handle handle.Handle `json:"handle"`
}

// Reply is the wire body of a datagram-RPC reply (spec §4.F: "replies carry
// {code, handle, message}").
type Reply struct {
	Code    vmcierr.Status `json:"code"`
	Handle  handle.Handle  `json:"handle"`
	Message string         `json:"message"`
}

// HandleDatagramRequest implements the discovery service's exposure as a
// well-known datagram endpoint (spec §4.F). callerCtx is the datagram's
// verified source context; trusted reports whether that source's effective
// priv_flags carry Trusted — non-trusted senders may only LOOKUP, the rest
// get NoAccess regardless of which mutating action they asked for. The
// datagram dispatcher is expected to have already run the endpoint's normal
// source-verification and domain-isolation checks (spec §4.H steps 2, 5)
// before calling this.
func (s *Service) HandleDatagramRequest(req Request, callerCtx uint32, trusted bool) Reply {
	if !trusted && req.Action != ActionLookup {
		return Reply{Code: vmcierr.NoAccess, Message: "non-trusted senders may only LOOKUP"}
	}

	switch req.Action {
	case ActionLookup:
		h, status := s.Lookup(req.Name)
		if status != vmcierr.OK {
			return Reply{Code: status, Message: "not found"}
		}
		return Reply{Code: vmcierr.OK, Handle: h}
	case ActionRegister:
		status := s.Register(req.Name, req.Handle, callerCtx)
		return Reply{Code: status, Handle: req.Handle}
	case ActionUnregister:
		status := s.Unregister(req.Name, callerCtx)
		return Reply{Code: status}
	default:
		return Reply{Code: vmcierr.InvalidArgs, Message: "unknown action"}
	}
}
