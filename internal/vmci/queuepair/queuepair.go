// Package queuepair implements the fabric's queue-pair create/attach/
// set-page-store/detach state machine (spec §4.I).
package queuepair

import (
	"math"
	"sync"

	"github.com/vmci-host/fabric/internal/vmci/eventbus"
	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/privilege"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
	"github.com/vmci-host/fabric/internal/vmci/vmcontext"
)

// invalidCID marks "no stored peer restriction" / "no attacher yet".
const invalidCID = math.MaxUint32

// Flags mirror the create/attach flag bits (original_source/vmci-only/
// common/vmciQueuePair.c); only AttachOnly is meaningful to this package's
// state machine, the rest pass through for mismatch comparison.
type Flags uint32

const (
	FlagNone       Flags = 0
	FlagAttachOnly Flags = 1 << 0
)

// state is the per-handle lifecycle stage.
type state int

const (
	stateNone state = iota
	stateCreated
	statePageStoreSet
	stateDetached
)

// PageStore is the opaque page-naming/mapping payload bound by
// set_page_store. Its contents are platform glue (spec §1 out of scope);
// only the producer/consumer naming orientation is modeled here.
type PageStore struct {
	ProducerName string
	ConsumerName string
}

type entry struct {
	h        handle.Handle
	st       state
	createID uint32
	attachID uint32
	peerCID  uint32

	flags                Flags
	produceSize          uint64
	consumeSize          uint64
	priv                 privilege.Flags
	refCount             int32
	allowAttach          bool
	requireTrustedAttach bool
	createdByTrusted     bool

	pageStore    *PageStore
	deferredAttach bool
}

// Manager owns the live queue-pair table. This fabric models a hosted
// platform only (the VMKERNEL-style "page store must already exist at
// attach time" branch of spec §4.I never applies here — see DESIGN.md),
// so hosted-platform deferred-event semantics are always in effect.
type Manager struct {
	contexts *vmcontext.Registry
	bus      *eventbus.Bus

	mu      sync.Mutex
	entries map[handle.Handle]*entry
}

// New constructs an empty Manager.
func New(contexts *vmcontext.Registry, bus *eventbus.Bus) *Manager {
	return &Manager{contexts: contexts, bus: bus, entries: make(map[handle.Handle]*entry)}
}

func denyConnection(contexts *vmcontext.Registry, a, b uint32) bool {
	var flags [2]privilege.Flags
	var domains [2]string
	for i, cid := range [2]uint32{a, b} {
		// The host is not a registered context; like the datagram
		// dispatcher, treat it as having no priv flags and no domain.
		if cid == handle.HostContext {
			continue
		}
		c, status := contexts.Get(cid)
		if status != vmcierr.OK {
			return true
		}
		flags[i], domains[i] = c.PrivFlags(), c.DomainName()
		contexts.Release(c)
	}
	return privilege.DenyInteraction(flags[0], flags[1], domains[0], domains[1])
}

// Alloc implements spec §4.I alloc, both the create and attach cases.
func (m *Manager) Alloc(h handle.Handle, callerCtx, peerCID uint32, flags Flags, priv privilege.Flags, produceSize, consumeSize uint64, pageStore *PageStore) vmcierr.Status {
	if produceSize == 0 && consumeSize == 0 {
		return vmcierr.InvalidArgs
	}
	if h.IsInvalid() {
		return vmcierr.InvalidArgs
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[h]
	if !exists {
		return m.createLocked(h, callerCtx, peerCID, flags, priv, produceSize, consumeSize)
	}
	return m.attachLocked(e, callerCtx, flags, priv, produceSize, consumeSize, pageStore)
}

func (m *Manager) createLocked(h handle.Handle, callerCtx, peerCID uint32, flags Flags, priv privilege.Flags, produceSize, consumeSize uint64) vmcierr.Status {
	if ctx, status := m.contexts.Get(callerCtx); status == vmcierr.OK {
		var alreadyHeld bool
		ctx.WithLock(func() {
			alreadyHeld = ctx.QueuePairSet().Has(h)
		})
		m.contexts.Release(ctx)
		if alreadyHeld {
			return vmcierr.AlreadyExists
		}
	}
	if flags&FlagAttachOnly != 0 {
		return vmcierr.NotFound
	}
	if h.Context != callerCtx && h.Context != peerCID {
		return vmcierr.InvalidArgs
	}
	if peerCID != invalidCID && denyConnection(m.contexts, callerCtx, peerCID) {
		return vmcierr.NoAccess
	}

	m.entries[h] = &entry{
		h:                    h,
		st:                   stateCreated,
		createID:             callerCtx,
		attachID:             invalidCID,
		peerCID:              peerCID,
		flags:                flags,
		produceSize:          produceSize,
		consumeSize:          consumeSize,
		priv:                 priv,
		refCount:             1,
		allowAttach:          true,
		requireTrustedAttach: priv.Has(privilege.Restricted),
		createdByTrusted:     priv.Has(privilege.Trusted),
	}

	if c, status := m.contexts.Get(callerCtx); status == vmcierr.OK {
		c.WithLock(func() { c.QueuePairSet().Append(h) })
		m.contexts.Release(c)
	}

	return vmcierr.QueuePairCreate
}

func (m *Manager) attachLocked(e *entry, callerCtx uint32, flags Flags, priv privilege.Flags, produceSize, consumeSize uint64, ps *PageStore) vmcierr.Status {
	if callerCtx == e.createID || callerCtx == e.attachID {
		return vmcierr.AlreadyExists
	}
	if !e.allowAttach {
		return vmcierr.Unavailable
	}
	if priv.Has(privilege.Restricted) && !e.createdByTrusted {
		return vmcierr.NoAccess
	}
	if e.requireTrustedAttach && !priv.Has(privilege.Trusted) {
		return vmcierr.NoAccess
	}
	if e.peerCID != invalidCID && e.peerCID != callerCtx {
		return vmcierr.NoAccess
	}
	if produceSize != e.consumeSize || consumeSize != e.produceSize {
		return vmcierr.QueuePairMismatch
	}
	if (flags &^ FlagAttachOnly) != (e.flags &^ FlagAttachOnly) {
		return vmcierr.QueuePairMismatch
	}
	if denyConnection(m.contexts, callerCtx, e.createID) {
		return vmcierr.NoAccess
	}

	hostCreated := e.createID == handle.HostContext
	if hostCreated {
		// Defer QP_PEER_ATTACH until set_page_store on this hosted
		// platform (spec §4.I attach case, last bullet).
		e.deferredAttach = true
	} else if m.bus != nil {
		m.bus.Dispatch(eventbus.NewQPPeerAttach(e.h, callerCtx))
	}

	e.attachID = callerCtx
	e.refCount = 2
	e.allowAttach = false

	if c, status := m.contexts.Get(callerCtx); status == vmcierr.OK {
		c.WithLock(func() { c.QueuePairSet().Append(e.h) })
		m.contexts.Release(c)
	}

	if hostCreated {
		return vmcierr.QueuePairCreate
	}
	return vmcierr.QueuePairAttach
}

// SetPageStore implements spec §4.I set_page_store.
func (m *Manager) SetPageStore(h handle.Handle, ps PageStore, caller uint32) vmcierr.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[h]
	if !exists {
		return vmcierr.NotFound
	}
	if caller != e.createID && caller != e.attachID {
		return vmcierr.NoAccess
	}
	if e.pageStore != nil {
		return vmcierr.Unavailable
	}

	normalised := ps
	if caller == e.attachID {
		// Normalised orientation: stored state stays in the creator's
		// frame of reference, so swap if the attacher is the one binding
		// the pages.
		normalised = PageStore{ProducerName: ps.ConsumerName, ConsumerName: ps.ProducerName}
	}
	e.pageStore = &normalised
	e.st = statePageStoreSet

	if e.deferredAttach && caller == e.attachID {
		e.deferredAttach = false
		if m.bus != nil {
			m.bus.Dispatch(eventbus.NewQPPeerAttach(e.h, e.attachID))
		}
	}

	return vmcierr.OK
}

// Detach implements spec §4.I detach. In probe mode (commit=false) it
// reports the status a real detach would yield without mutating state.
func (m *Manager) Detach(h handle.Handle, caller uint32, commit bool) vmcierr.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[h]
	if !exists {
		return vmcierr.NotFound
	}
	if caller != e.createID && caller != e.attachID {
		return vmcierr.NoAccess
	}

	if !commit {
		if e.refCount <= 1 {
			return vmcierr.LastDetach
		}
		survivor := e.attachID
		if caller == e.attachID {
			survivor = e.createID
		}
		if survivor == handle.HostContext {
			return vmcierr.LastDetach
		}
		return vmcierr.OK
	}

	var survivor uint32
	if caller == e.createID {
		e.createID = invalidCID
		survivor = e.attachID
	} else {
		e.attachID = invalidCID
		survivor = e.createID
	}
	e.refCount--

	m.detachFromContextLocked(caller, h)

	if e.refCount <= 0 {
		delete(m.entries, h)
		return vmcierr.LastDetach
	}

	if m.bus != nil && survivor != invalidCID {
		m.bus.Dispatch(eventbus.NewQPPeerDetach(h, caller))
	}
	if survivor == handle.HostContext {
		return vmcierr.LastDetach
	}
	return vmcierr.OK
}

func (m *Manager) detachFromContextLocked(cid uint32, h handle.Handle) {
	if cid == invalidCID {
		return
	}
	if c, status := m.contexts.Get(cid); status == vmcierr.OK {
		c.WithLock(func() { c.QueuePairSet().Remove(h) })
		m.contexts.Release(c)
	}
}
