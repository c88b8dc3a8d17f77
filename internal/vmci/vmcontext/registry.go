package vmcontext

import (
	"math"
	"sync"

	"github.com/vmci-host/fabric/internal/vmci/eventbus"
	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/privilege"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
	"github.com/vmci-host/fabric/internal/vmci/wire"
)

// WellKnownRemover lets Registry drain a released context's well-known
// reservations without importing the discovery package (spec §4.E
// release_context step 2).
type WellKnownRemover interface {
	RemoveWellKnownMap(id, ctx uint32) vmcierr.Status
}

// QueuePairDetacher lets Registry force-detach a released context's queue
// pairs without importing the queuepair package (spec §4.E step 3).
type QueuePairDetacher interface {
	Detach(h handle.Handle, caller uint32, commit bool) vmcierr.Status
}

// GroupLeaver lets Registry drain a released context's group memberships
// without importing the group package (spec §4.E step 4).
type GroupLeaver interface {
	RemoveMember(group handle.Handle, member handle.Handle) vmcierr.Status
}

// ContextEntryRemover lets Registry drain a released context's discovery
// registrations without importing the discovery package (spec §4.F:
// "Context removal triggers removal of all that context's entries").
type ContextEntryRemover interface {
	RemoveContextEntries(cid uint32)
}

// Registry is the process-wide (per-Fabric-instance) context list (spec
// §4.E). The zero value is not usable; construct with New.
type Registry struct {
	mu       sync.Mutex // list lock (HIGHER rank)
	firingMu sync.Mutex // notifier fan-out lock (MIDDLE_LOW rank, acquired before mu)

	contexts map[uint32]*Context
	nextCID  uint32

	bus          *eventbus.Bus
	wellKnown    WellKnownRemover
	qpDetacher   QueuePairDetacher
	groupLeaver  GroupLeaver
	entryRemover ContextEntryRemover
}

// New constructs an empty Registry. The four collaborator interfaces are
// nil until SetCollaborators is called — the discovery/queuepair/group
// packages all depend on *Registry, so Fabric constructs this first and
// wires them back in once they exist (InitContext/Get/Enqueue/Dequeue
// work fine in the interim; only ReleaseContext's drain steps need them).
func New(bus *eventbus.Bus) *Registry {
	return &Registry{
		contexts: make(map[uint32]*Context),
		nextCID:  handle.ReservedCIDLimit,
		bus:      bus,
	}
}

// SetCollaborators installs the well-known/queue-pair/group/discovery drain
// collaborators ReleaseContext needs. Called exactly once by Fabric after
// constructing all of A-I.
func (r *Registry) SetCollaborators(wk WellKnownRemover, qp QueuePairDetacher, gl GroupLeaver, er ContextEntryRemover) {
	r.wellKnown = wk
	r.qpDetacher = qp
	r.groupLeaver = gl
	r.entryRemover = er
}

// InitContext implements spec §4.E init_context.
func (r *Registry) InitContext(cid uint32, privFlags privilege.Flags, userVersion uint32) (*Context, vmcierr.Status) {
	if !privFlags.Valid() || userVersion == 0 {
		return nil, vmcierr.InvalidArgs
	}

	c := newContext(cid, privFlags, userVersion)

	r.mu.Lock()
	assigned := cid
	for {
		if _, exists := r.contexts[assigned]; !exists {
			break
		}
		if assigned == math.MaxUint32 {
			assigned = handle.ReservedCIDLimit
			continue
		}
		base := assigned
		if base < handle.ReservedCIDLimit-1 {
			base = handle.ReservedCIDLimit - 1
		}
		assigned = base + 1
	}
	c.cid = assigned
	r.contexts[assigned] = c
	r.mu.Unlock()

	return c, vmcierr.OK
}

// Get implements spec §4.E get: under the list lock, find and bump
// refcount atomically with membership so a concurrent ReleaseContext can
// never observe a 1->2 transition after unlink.
func (r *Registry) Get(cid uint32) (*Context, vmcierr.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[cid]
	if !ok {
		return nil, vmcierr.NotFound
	}
	c.addRef()
	return c, vmcierr.OK
}

// Release drops one reference on c, acquired via a prior Get or InitContext.
// It is the caller's responsibility to have called ReleaseContext exactly
// once to drop the registry's own reference.
func (r *Registry) Release(c *Context) {
	c.release()
}

// ReleaseContext implements spec §4.E release_context: unlink from the
// list, drop the registry's own reference, and on the dead transition drain
// every subsystem that still references the context.
func (r *Registry) ReleaseContext(c *Context) vmcierr.Status {
	r.mu.Lock()
	delete(r.contexts, c.cid)
	r.mu.Unlock()

	if !c.release() {
		return vmcierr.OK
	}

	r.fireCtxRemoved(c)

	if r.wellKnown != nil {
		var wkHandles []handle.Handle
		c.WithLock(func() {
			wkHandles = c.wellKnownSet.Snapshot()
		})
		for _, h := range wkHandles {
			r.wellKnown.RemoveWellKnownMap(h.Resource, c.cid)
		}
	}

	// Capture the queue-pair handles under the context's own lock and
	// release it before calling Detach, so Detach never runs with
	// Context.lock or ContextList.lock held by this goroutine (SPEC_FULL.md
	// §5 decision 3).
	var qpHandles []handle.Handle
	c.WithLock(func() {
		qpHandles = c.qpSet.Snapshot()
	})
	if r.qpDetacher != nil {
		for _, h := range qpHandles {
			r.qpDetacher.Detach(h, c.cid, true)
		}
	}

	if r.groupLeaver != nil {
		var groupHandles []handle.Handle
		c.WithLock(func() {
			groupHandles = c.groupSet.Snapshot()
		})
		for _, g := range groupHandles {
			r.groupLeaver.RemoveMember(g, handle.New(c.cid, handle.ContextResourceID))
		}
	}

	c.mu.Lock()
	c.queue = nil
	c.queuedBytes = 0
	c.mu.Unlock()

	if r.entryRemover != nil {
		r.entryRemover.RemoveContextEntries(c.cid)
	}

	return vmcierr.OK
}

// fireCtxRemoved scans every live context's notifier_set under firingMu
// (acquired before the list lock, per §5) and collects the subscribers,
// then fires CTX_REMOVED to each outside both locks — the "scan-collect-
// then-fire" pattern that avoids nested per-context locking during fan-out.
func (r *Registry) fireCtxRemoved(removed *Context) {
	target := handle.New(removed.cid, handle.EventHandlerResourceID)

	r.firingMu.Lock()
	r.mu.Lock()
	var subscribers []*Context
	for _, c := range r.contexts {
		if c.notifierSet.Has(target) {
			if privilege.DenyInteraction(removed.privFlags, c.privFlags, removed.domain, c.domain) {
				continue
			}
			subscribers = append(subscribers, c)
		}
	}
	r.mu.Unlock()
	r.firingMu.Unlock()

	payload := ctxRemovedPayload(removed.cid)
	for _, sub := range subscribers {
		dg := wire.Datagram{
			Src:     handle.New(handle.HypervisorContext, handle.ContextResourceID),
			Dst:     handle.New(sub.cid, handle.EventHandlerResourceID),
			Payload: payload,
		}
		r.EnqueueDatagram(sub.cid, dg.Clone())
	}

	if r.bus != nil {
		r.bus.Dispatch(eventbus.CtxRemovedPayload{ContextID: removed.cid})
	}
}

func ctxRemovedPayload(cid uint32) []byte {
	return []byte{byte(cid), byte(cid >> 8), byte(cid >> 16), byte(cid >> 24)}
}

// EnqueueDatagram implements spec §4.E enqueue_datagram.
func (r *Registry) EnqueueDatagram(cid uint32, dg wire.Datagram) (int, vmcierr.Status) {
	c, status := r.Get(cid)
	if status != vmcierr.OK {
		return 0, status
	}
	defer r.Release(c)

	size := dg.Size()

	c.mu.Lock()
	defer c.mu.Unlock()

	limit := uint64(MaxDatagramQueueSize)
	if dg.Src == handle.New(handle.HypervisorContext, handle.ContextResourceID) {
		limit = MaxDatagramQueueSize + HypervisorQueueBonus
	}
	if c.queuedBytes+uint64(size) >= limit {
		return 0, vmcierr.NoResources
	}

	c.queue = append(c.queue, queueEntry{dg: dg, size: size})
	c.queuedBytes += uint64(size)

	if c.notifyFlag != nil {
		*c.notifyFlag = 1
	}
	if c.waker != nil {
		c.waker()
	}

	return size, vmcierr.OK
}

// DequeueDatagram implements spec §4.E dequeue_datagram. maxSize is both an
// input (the caller's buffer capacity) and an output (rewritten with the
// required size on NoMem).
func (r *Registry) DequeueDatagram(c *Context, maxSize *int) (wire.Datagram, int, vmcierr.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		if c.notifyFlag != nil {
			*c.notifyFlag = 0
		}
		return wire.Datagram{}, 0, vmcierr.NoMoreDatagrams
	}

	head := c.queue[0]
	if head.size > *maxSize {
		*maxSize = head.size
		return wire.Datagram{}, 0, vmcierr.NoMem
	}

	c.queue = c.queue[1:]
	c.queuedBytes -= uint64(head.size)

	next := 0
	if len(c.queue) > 0 {
		next = c.queue[0].size
	}
	return head.dg, next, vmcierr.OK
}

// AddNotification registers remoteCID's EVENT_HANDLER resource into c's
// notifier_set (spec §4.E / §6.3 add_notification).
func (r *Registry) AddNotification(c *Context, remoteCID uint32) vmcierr.Status {
	h := handle.New(remoteCID, handle.EventHandlerResourceID)
	c.WithLock(func() {
		if !c.notifierSet.Has(h) {
			c.notifierSet.Append(h)
		}
	})
	return vmcierr.OK
}

// RemoveNotification reverses AddNotification.
func (r *Registry) RemoveNotification(c *Context, remoteCID uint32) vmcierr.Status {
	h := handle.New(remoteCID, handle.EventHandlerResourceID)
	removed := false
	c.WithLock(func() {
		removed = c.notifierSet.Remove(h) != handle.Invalid
	})
	if !removed {
		return vmcierr.NotFound
	}
	return vmcierr.OK
}

// CheckpointKind selects which per-context set get/set_checkpoint_state
// operates over (spec §4.E).
type CheckpointKind int

const (
	CheckpointNotifier CheckpointKind = iota
	CheckpointWellKnown
)

// GetCheckpointState serialises the selected set's member ids.
func (r *Registry) GetCheckpointState(c *Context, kind CheckpointKind) []uint32 {
	var out []uint32
	c.WithLock(func() {
		switch kind {
		case CheckpointNotifier:
			for _, h := range c.notifierSet.Snapshot() {
				out = append(out, h.Context)
			}
		case CheckpointWellKnown:
			for _, h := range c.wellKnownSet.Snapshot() {
				out = append(out, h.Resource)
			}
		}
	})
	return out
}

// SetCheckpointState replays a previously captured checkpoint. For
// CheckpointNotifier each id is re-applied through AddNotification. Only
// the notifier kind is replayed: CheckpointWellKnown (or any other kind)
// returns InvalidArgs and restores nothing, and no other part of the
// fabric replays well-known checkpoints.
func (r *Registry) SetCheckpointState(c *Context, kind CheckpointKind, ids []uint32) vmcierr.Status {
	if kind != CheckpointNotifier {
		return vmcierr.InvalidArgs
	}
	for _, id := range ids {
		r.AddNotification(c, id)
	}
	return vmcierr.OK
}
