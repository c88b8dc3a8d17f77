package queuepair

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmci-host/fabric/internal/vmci/eventbus"
	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/privilege"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
	"github.com/vmci-host/fabric/internal/vmci/vmcontext"
)

func newFixture() (*Manager, *vmcontext.Registry) {
	contexts := vmcontext.New(eventbus.New())
	return New(contexts, eventbus.New()), contexts
}

func TestAllocCreateThenAttach(t *testing.T) {
	mgr, contexts := newFixture()
	creator, status := contexts.InitContext(100, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	attacher, status := contexts.InitContext(101, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	h := handle.New(creator.CID(), 1)
	status = mgr.Alloc(h, creator.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil)
	require.Equal(t, vmcierr.QueuePairCreate, status)
	assert.True(t, creator.QueuePairSet().Has(h))

	status = mgr.Alloc(h, attacher.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil)
	assert.Equal(t, vmcierr.QueuePairAttach, status)
	assert.True(t, attacher.QueuePairSet().Has(h))
}

func TestAttachOnlyFailsWithoutExistingEntry(t *testing.T) {
	mgr, contexts := newFixture()
	ctx, status := contexts.InitContext(102, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	h := handle.New(ctx.CID(), 2)
	status = mgr.Alloc(h, ctx.CID(), invalidCID, FlagAttachOnly, privilege.LeastPrivilege, 10, 10, nil)
	assert.Equal(t, vmcierr.NotFound, status)
}

func TestAttachRejectsSizeMismatch(t *testing.T) {
	mgr, contexts := newFixture()
	creator, status := contexts.InitContext(103, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	attacher, status := contexts.InitContext(104, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	h := handle.New(creator.CID(), 3)
	require.Equal(t, vmcierr.QueuePairCreate, mgr.Alloc(h, creator.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 20, nil))

	status = mgr.Alloc(h, attacher.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 20, nil)
	assert.Equal(t, vmcierr.QueuePairMismatch, status, "attach sizes must be swapped relative to create")
}

func TestAttachRestrictedToPinnedPeer(t *testing.T) {
	mgr, contexts := newFixture()
	creator, status := contexts.InitContext(105, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	allowedPeer, status := contexts.InitContext(106, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	otherPeer, status := contexts.InitContext(107, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	h := handle.New(creator.CID(), 4)
	require.Equal(t, vmcierr.QueuePairCreate,
		mgr.Alloc(h, creator.CID(), allowedPeer.CID(), FlagNone, privilege.LeastPrivilege, 10, 10, nil))

	status = mgr.Alloc(h, otherPeer.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil)
	assert.Equal(t, vmcierr.NoAccess, status)
}

func TestSetPageStoreDefersAttachEventUntilSet(t *testing.T) {
	mgr, contexts := newFixture()
	attacher, status := contexts.InitContext(108, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	h := handle.New(handle.HostContext, 5)
	require.Equal(t, vmcierr.QueuePairCreate,
		mgr.Alloc(h, handle.HostContext, invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil))

	require.Equal(t, vmcierr.QueuePairCreate,
		mgr.Alloc(h, attacher.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil),
		"host-created entries report QueuePairCreate on attach too, deferring QP_PEER_ATTACH")

	require.Equal(t, vmcierr.OK, mgr.SetPageStore(h, PageStore{ProducerName: "p", ConsumerName: "c"}, attacher.CID()))

	assert.Equal(t, vmcierr.Unavailable,
		mgr.SetPageStore(h, PageStore{ProducerName: "p2", ConsumerName: "c2"}, attacher.CID()),
		"page store may only be set once")
}

func TestDetachProbeDoesNotMutate(t *testing.T) {
	mgr, contexts := newFixture()
	creator, status := contexts.InitContext(109, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	h := handle.New(creator.CID(), 6)
	require.Equal(t, vmcierr.QueuePairCreate,
		mgr.Alloc(h, creator.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil))

	status = mgr.Detach(h, creator.CID(), false)
	assert.Equal(t, vmcierr.LastDetach, status, "probe mode reports the result without committing")

	status = mgr.Detach(h, creator.CID(), true)
	assert.Equal(t, vmcierr.LastDetach, status)
	assert.False(t, creator.QueuePairSet().Has(h))
}

func TestDetachProbePredictsLastDetachWhenHostSurvives(t *testing.T) {
	mgr, contexts := newFixture()
	attacher, status := contexts.InitContext(113, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	h := handle.New(handle.HostContext, 20)
	require.Equal(t, vmcierr.QueuePairCreate,
		mgr.Alloc(h, handle.HostContext, invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil))
	require.Equal(t, vmcierr.QueuePairCreate,
		mgr.Alloc(h, attacher.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil))

	status = mgr.Detach(h, attacher.CID(), false)
	assert.Equal(t, vmcierr.LastDetach, status,
		"probe mode must predict LastDetach when the surviving peer would be HOST")

	status = mgr.Detach(h, attacher.CID(), true)
	assert.Equal(t, vmcierr.LastDetach, status, "commit mode agrees with the probe")
}

func TestContextCanHoldTwoDistinctQueuePairs(t *testing.T) {
	mgr, contexts := newFixture()
	ctx, status := contexts.InitContext(114, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	h1 := handle.New(ctx.CID(), 30)
	h2 := handle.New(ctx.CID(), 31)

	require.Equal(t, vmcierr.QueuePairCreate,
		mgr.Alloc(h1, ctx.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil))
	require.Equal(t, vmcierr.QueuePairCreate,
		mgr.Alloc(h2, ctx.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil),
		"a context already holding one queue pair must still be able to create another")

	assert.True(t, ctx.QueuePairSet().Has(h1))
	assert.True(t, ctx.QueuePairSet().Has(h2))
}

func TestDetachWithAttachedPeerKeepsEntryAlive(t *testing.T) {
	mgr, contexts := newFixture()
	creator, status := contexts.InitContext(110, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	attacher, status := contexts.InitContext(111, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	h := handle.New(creator.CID(), 7)
	require.Equal(t, vmcierr.QueuePairCreate,
		mgr.Alloc(h, creator.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil))
	require.Equal(t, vmcierr.QueuePairAttach,
		mgr.Alloc(h, attacher.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil))

	status = mgr.Detach(h, creator.CID(), true)
	assert.Equal(t, vmcierr.OK, status, "the surviving attacher keeps the entry alive")
	assert.False(t, creator.QueuePairSet().Has(h))
	assert.True(t, attacher.QueuePairSet().Has(h))
}

func TestDetachUnknownCallerIsNoAccess(t *testing.T) {
	mgr, contexts := newFixture()
	creator, status := contexts.InitContext(112, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	h := handle.New(creator.CID(), 8)
	require.Equal(t, vmcierr.QueuePairCreate,
		mgr.Alloc(h, creator.CID(), invalidCID, FlagNone, privilege.LeastPrivilege, 10, 10, nil))

	status = mgr.Detach(h, 9999, true)
	assert.Equal(t, vmcierr.NoAccess, status)
}
