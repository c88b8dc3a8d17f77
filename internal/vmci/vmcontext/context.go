// Package vmcontext implements the fabric's context registry and
// per-context datagram mailbox (spec §4.E). The package is named
// vmcontext, not context, so it never shadows the standard library's
// context.Context in call sites that need both.
package vmcontext

import (
	"sync"
	"sync/atomic"

	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/privilege"
	"github.com/vmci-host/fabric/internal/vmci/wire"
)

// MaxDatagramQueueSize is the general per-context mailbox byte ceiling
// (spec §4.E, §8).
const MaxDatagramQueueSize = 256 * 1024

// HypervisorQueueBonus is the additional headroom granted to
// hypervisor-sourced datagrams on top of MaxDatagramQueueSize (spec §4.E:
// "1024*(sizeof(Datagram)+MAX_EVENT_PAYLOAD)").
const HypervisorQueueBonus = 1024 * (wire.HeaderSize + 256)

type queueEntry struct {
	dg   wire.Datagram
	size int
}

// Context is one endpoint of the fabric: an id, a mailbox, and a
// privilege set (spec §3).
type Context struct {
	cid       uint32
	privFlags privilege.Flags
	userVer   uint32
	domain    string

	refCount int32

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []queueEntry
	queuedBytes uint64

	notifierSet  *handle.Array
	wellKnownSet *handle.Array
	groupSet     *handle.Array
	qpSet        *handle.Array

	notifyFlag *int32
	waker      func()

	hostContext any
}

// CID returns the context's id.
func (c *Context) CID() uint32 { return c.cid }

// PrivFlags returns the context's trust level.
func (c *Context) PrivFlags() privilege.Flags { return c.privFlags }

// UserVersion returns the caller-supplied version tag from InitContext.
func (c *Context) UserVersion() uint32 { return c.userVer }

// DomainName returns the platform domain-isolation label, or "" if the
// platform does not carry one (spec §4.H step 5).
func (c *Context) DomainName() string { return c.domain }

// SetDomainName updates the domain label.
func (c *Context) SetDomainName(d string) { c.domain = d }

// SetHostContext stores the opaque OS-glue handle associated with this
// context (spec §1: out of scope here, just a pass-through slot).
func (c *Context) SetHostContext(v any) { c.hostContext = v }

// HostContext returns the opaque OS-glue handle, if any.
func (c *Context) HostContext() any { return c.hostContext }

// SetNotifyFlag installs the pointer the OS glue pins on behalf of the
// guest's notify-flag page (spec §1/§3); EnqueueDatagram raises it.
func (c *Context) SetNotifyFlag(p *int32) { c.notifyFlag = p }

// SetWaker installs the host-side wake primitive invoked after a
// successful enqueue (spec §4.E).
func (c *Context) SetWaker(fn func()) { c.waker = fn }

// QueuedBytes and PendingCount report the live invariants of spec §8.
func (c *Context) QueuedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuedBytes
}

func (c *Context) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// NotifierSet, WellKnownSet, GroupSet, QueuePairSet expose the context's
// HandleArrays. Callers must hold no assumption about internal locking
// beyond what Array itself documents; Registry serializes membership
// changes through the context's own lock via the With* helpers below.
func (c *Context) NotifierSet() *handle.Array  { return c.notifierSet }
func (c *Context) WellKnownSet() *handle.Array { return c.wellKnownSet }
func (c *Context) GroupSet() *handle.Array     { return c.qpSetOrGroup() }
func (c *Context) QueuePairSet() *handle.Array { return c.qpSet }

func (c *Context) qpSetOrGroup() *handle.Array { return c.groupSet }

// WithLock runs fn with the context's own lock held, for callers (Registry,
// group, discovery) that need to mutate one of the HandleArrays under the
// correct lock rank (spec §5 lock inventory: Context.lock).
func (c *Context) WithLock(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func newContext(cid uint32, privFlags privilege.Flags, userVer uint32) *Context {
	c := &Context{
		cid:          cid,
		privFlags:    privFlags,
		userVer:      userVer,
		refCount:     1,
		notifierSet:  handle.NewArray(4),
		wellKnownSet: handle.NewArray(4),
		groupSet:     handle.NewArray(4),
		qpSet:        handle.NewArray(4),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Context) addRef() { atomic.AddInt32(&c.refCount, 1) }

// release decrements the refcount, returning true exactly once — to the
// caller whose release brings it to zero.
func (c *Context) release() bool {
	return atomic.AddInt32(&c.refCount, -1) == 0
}
