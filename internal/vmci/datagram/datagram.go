// Package datagram implements the fabric's datagram endpoints and the
// dispatch routing engine (spec §4.H).
package datagram

import (
	"encoding/json"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/vmci-host/fabric/internal/vmci/discovery"
	"github.com/vmci-host/fabric/internal/vmci/eventbus"
	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/privilege"
	"github.com/vmci-host/fabric/internal/vmci/resource"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
	"github.com/vmci-host/fabric/internal/vmci/vmcontext"
	"github.com/vmci-host/fabric/internal/vmci/wire"
)

// Create flags (spec §4.H, original_source/vmci-only/common/vmciDatagram.c).
type Flags uint32

const (
	FlagNone Flags = 0
	// FlagWellKnown requires an explicit resource id and reserves the id
	// through the discovery service's well-known mapping table.
	FlagWellKnown Flags = 1 << 0
	// FlagPrivileged marks an endpoint whose recv_cb may only be invoked
	// for dispatches whose effective source priv_flags carry Trusted
	// (original_source supplement — see SPEC_FULL.md §4).
	FlagPrivileged Flags = 1 << 1
)

// RecvCallback is invoked on the host-local delivery path with the
// dispatched payload.
type RecvCallback func(src, dst handle.Handle, payload []byte)

// endpointBody is the resource-specific container for a datagram endpoint.
type endpointBody struct {
	flags     Flags
	privFlags privilege.Flags
	recvCB    RecvCallback

	destroyMu   sync.Mutex
	destroyCond *sync.Cond
	destroyed   bool
}

// Manager owns endpoint lifecycle and the dispatch hot path.
type Manager struct {
	resources  *resource.Table
	contexts   *vmcontext.Registry
	discovery  *discovery.Service
	bus        *eventbus.Bus
	recvBreaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	nextRes uint32
}

// New constructs a Manager. The circuit breaker wraps every recv_cb
// invocation so a misbehaving host callback cannot wedge the dispatch hot
// path for the whole fabric (no teacher dependency precedent covers host
// callback isolation directly; gobreaker is the pack's circuit-breaker
// library, applied here per SPEC_FULL.md §2).
func New(resources *resource.Table, contexts *vmcontext.Registry, disc *discovery.Service, bus *eventbus.Bus) *Manager {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "datagram.recv_cb",
		MaxRequests: 1,
	})
	return &Manager{
		resources:   resources,
		contexts:    contexts,
		discovery:   disc,
		bus:         bus,
		recvBreaker: cb,
		nextRes:     handle.ReservedCIDLimit,
	}
}

// CreateHandle implements spec §4.H create_handle.
func (m *Manager) CreateHandle(resID uint32, auto bool, flags Flags, priv privilege.Flags, cb RecvCallback) (handle.Handle, vmcierr.Status) {
	body := &endpointBody{flags: flags, privFlags: priv, recvCB: cb}
	body.destroyCond = sync.NewCond(&body.destroyMu)

	var h handle.Handle
	if flags&FlagWellKnown != 0 {
		if auto {
			return handle.Invalid, vmcierr.InvalidArgs
		}
		if status := m.discovery.RequestWellKnownMap(resID, handle.WellKnownContext, priv); status != vmcierr.OK {
			return handle.Invalid, status
		}
		h = handle.New(handle.WellKnownContext, resID)
	} else {
		id := resID
		if auto {
			m.mu.Lock()
			id = m.nextRes
			m.nextRes++
			m.mu.Unlock()
		}
		h = handle.New(handle.HostContext, id)
	}

	owner := handle.New(handle.HostContext, handle.ContextResourceID)
	res := &resource.Resource{}
	status := m.resources.Add(res, resource.TypeDatagram, h, owner,
		[]resource.Privilege{resource.DgSend},
		func(container any) {
			b := container.(*endpointBody)
			b.destroyMu.Lock()
			b.destroyed = true
			b.destroyCond.Broadcast()
			b.destroyMu.Unlock()
		},
		body)
	if status != vmcierr.OK {
		return handle.Invalid, status
	}
	return h, vmcierr.OK
}

// Destroy implements spec §4.H destroy: unlink, wait for destroy_event,
// free.
func (m *Manager) Destroy(h handle.Handle) vmcierr.Status {
	ref, status := m.resources.Get(h, resource.TypeDatagram)
	if status != vmcierr.OK {
		return status
	}
	body := ref.Value().Container().(*endpointBody)
	m.resources.Release(ref)

	status = m.resources.Remove(h, resource.TypeDatagram)
	if status != vmcierr.OK && status != vmcierr.EntryDead {
		return status
	}

	body.destroyMu.Lock()
	for !body.destroyed {
		body.destroyCond.Wait()
	}
	body.destroyMu.Unlock()

	return vmcierr.OK
}

// Dispatch implements spec §4.H dispatch, the hot path.
func (m *Manager) Dispatch(senderCID uint32, dg wire.Datagram) (int, vmcierr.Status) {
	// Step 1.
	if dg.Size() > wire.MaxDgSize {
		return 0, vmcierr.InvalidArgs
	}
	if senderCID == handle.HostContext && dg.Dst.Context == handle.HypervisorContext {
		return 0, vmcierr.NoAccess
	}

	// Step 2: verify source.
	if dg.Src.Context != senderCID {
		if dg.Src.Context != handle.WellKnownContext {
			return 0, vmcierr.NoAccess
		}
		owner, status := m.discovery.ResolveWellKnown(dg.Src.Resource)
		if status != vmcierr.OK || owner != senderCID {
			return 0, vmcierr.NoAccess
		}
	}

	// Step 3: resolve destination.
	dstCtx := dg.Dst.Context
	if dstCtx == handle.WellKnownContext {
		owner, status := m.discovery.ResolveWellKnown(dg.Dst.Resource)
		if status != vmcierr.OK {
			return 0, vmcierr.DstUnreachable
		}
		dstCtx = owner
	}

	// Step 4: effective source priv flags.
	var srcPriv privilege.Flags
	var srcDomain string
	switch senderCID {
	case handle.HostContext:
		ref, status := m.resources.Get(dg.Src, resource.TypeDatagram)
		if status != vmcierr.OK {
			return 0, vmcierr.NoAccess
		}
		srcPriv = ref.Value().Container().(*endpointBody).privFlags
		m.resources.Release(ref)
	case handle.HypervisorContext:
		srcPriv = privilege.MaxPrivilege
	default:
		c, status := m.contexts.Get(senderCID)
		if status != vmcierr.OK {
			return 0, vmcierr.NoAccess
		}
		srcPriv = c.PrivFlags()
		srcDomain = c.DomainName()
		m.contexts.Release(c)
	}

	var dstPriv privilege.Flags
	var dstDomain string
	if dstCtx != handle.HostContext {
		dc, status := m.contexts.Get(dstCtx)
		if status == vmcierr.OK {
			dstPriv = dc.PrivFlags()
			dstDomain = dc.DomainName()
			m.contexts.Release(dc)
		}
	}

	// Step 5: domain isolation, skipped for hypervisor-sourced datagrams.
	if senderCID != handle.HypervisorContext {
		if privilege.DenyInteraction(srcPriv, dstPriv, srcDomain, dstDomain) {
			return 0, vmcierr.NoAccess
		}
	}

	// Step 6: route.
	if dstCtx == handle.HostContext && dg.Dst.Resource == handle.EventHandlerResourceID && dg.Src.Context == handle.HypervisorContext {
		if status := m.dispatchHostEvent(dg); status != vmcierr.OK {
			return 0, status
		}
		return dg.Size(), vmcierr.OK
	}

	if dstCtx == handle.HostContext && dg.Dst.Resource == handle.DiscoveryResourceID {
		return m.dispatchDiscoveryRequest(senderCID, dg, srcPriv)
	}

	if dstCtx == handle.HostContext {
		ref, status := m.resources.Get(dg.Dst, resource.TypeDatagram)
		if status != vmcierr.OK {
			return 0, vmcierr.DstUnreachable
		}
		body := ref.Value().Container().(*endpointBody)
		if body.flags&FlagPrivileged != 0 && !srcPriv.Has(privilege.Trusted) {
			m.resources.Release(ref)
			return 0, vmcierr.NoAccess
		}
		_, err := m.recvBreaker.Execute(func() (any, error) {
			body.recvCB(dg.Src, dg.Dst, dg.Payload)
			return nil, nil
		})
		m.resources.Release(ref)
		if err != nil {
			return 0, vmcierr.Generic
		}
		return dg.Size(), vmcierr.OK
	}

	cp := dg.Clone()
	if _, status := m.contexts.EnqueueDatagram(dstCtx, cp); status != vmcierr.OK {
		return 0, status
	}
	return dg.Size(), vmcierr.OK
}

// dispatchDiscoveryRequest implements the discovery service's exposure as a
// well-known datagram endpoint (spec §4.F): decode the JSON request body,
// enforce the trust check via the already-computed effective source
// priv_flags, run it against the discovery service, and — for non-host
// senders — enqueue the JSON-encoded reply back to the caller's own
// endpoint so an RPC-style caller can dequeue it off its normal receive
// path.
func (m *Manager) dispatchDiscoveryRequest(senderCID uint32, dg wire.Datagram, srcPriv privilege.Flags) (int, vmcierr.Status) {
	var req discovery.Request
	if err := json.Unmarshal(dg.Payload, &req); err != nil {
		return 0, vmcierr.InvalidArgs
	}

	reply := m.discovery.HandleDatagramRequest(req, senderCID, srcPriv.Has(privilege.Trusted))

	if senderCID != handle.HostContext {
		payload, err := json.Marshal(reply)
		if err != nil {
			return 0, vmcierr.Generic
		}
		replyDg := wire.Datagram{
			Src:     handle.New(handle.HostContext, handle.DiscoveryResourceID),
			Dst:     handle.New(senderCID, dg.Src.Resource),
			Payload: payload,
		}
		m.contexts.EnqueueDatagram(senderCID, replyDg)
	}

	return dg.Size(), vmcierr.OK
}

// dispatchHostEvent hands a hypervisor-sourced event-class datagram to the
// Event Bus. By convention on this route the datagram payload is the
// JSON-encoded event body (spec §4.D's event_msg), matching the encoding
// eventbus.Bus uses internally.
func (m *Manager) dispatchHostEvent(dg wire.Datagram) vmcierr.Status {
	if len(dg.Payload) == 0 || len(dg.Payload) > eventbus.MaxEventPayload {
		return vmcierr.InvalidArgs
	}
	if m.bus == nil {
		return vmcierr.OK
	}
	var p eventbus.CtxRemovedPayload
	if err := json.Unmarshal(dg.Payload, &p); err != nil {
		return vmcierr.InvalidArgs
	}
	return m.bus.Dispatch(p)
}
