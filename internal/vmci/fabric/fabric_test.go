package fabric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/privilege"
	"github.com/vmci-host/fabric/internal/vmci/resource"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
	"github.com/vmci-host/fabric/internal/vmci/wire"
)

func TestNewWiresEveryComponent(t *testing.T) {
	f := New()
	require.NotNil(t, f.Events)
	require.NotNil(t, f.Resources)
	require.NotNil(t, f.Contexts)
	require.NotNil(t, f.Discovery)
	require.NotNil(t, f.Groups)
	require.NotNil(t, f.Datagrams)
	require.NotNil(t, f.QueuePairs)
}

func TestEndToEndDatagramDelivery(t *testing.T) {
	f := New()

	sender, status := f.Contexts.InitContext(1000, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	receiver, status := f.Contexts.InitContext(1001, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	dg := wire.Datagram{
		Src:     handle.New(sender.CID(), handle.ContextResourceID),
		Dst:     handle.New(receiver.CID(), 1),
		Payload: []byte("payload"),
	}
	_, status = f.Datagrams.Dispatch(sender.CID(), dg)
	require.Equal(t, vmcierr.OK, status)

	maxSize := wire.MaxDgSize
	out, _, status := f.Contexts.DequeueDatagram(receiver, &maxSize)
	require.Equal(t, vmcierr.OK, status)
	assert.Equal(t, []byte("payload"), out.Payload)
}

func TestCheckClientPrivilegeConsultsGroupMembership(t *testing.T) {
	f := New()

	owner := handle.New(1, 0)
	groupH := handle.New(1, 5)
	require.Equal(t, vmcierr.OK, f.Groups.Create(groupH, owner))

	member, status := f.Contexts.InitContext(1002, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	memberH := handle.New(member.CID(), handle.ContextResourceID)
	require.Equal(t, vmcierr.OK, f.Groups.AddMember(groupH, memberH, true))

	res := &resource.Resource{}
	resH := handle.New(owner.Context, 6)
	require.Equal(t, vmcierr.OK, f.Resources.Add(res, resource.TypeDatagram, resH, owner, []resource.Privilege{resource.AssignClient}, nil, nil))
	require.Equal(t, vmcierr.OK, f.Resources.AddClientPrivileges(res, groupH, []resource.Privilege{resource.AssignClient}, nil))

	assert.Equal(t, vmcierr.AccessGranted, f.CheckClientPrivilege(res, memberH, resource.AssignClient))
}

func TestReleaseContextDrainsGroupMembership(t *testing.T) {
	f := New()

	owner := handle.New(1, 0)
	groupH := handle.New(1, 7)
	require.Equal(t, vmcierr.OK, f.Groups.Create(groupH, owner))

	ctx, status := f.Contexts.InitContext(1003, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	memberH := handle.New(ctx.CID(), handle.ContextResourceID)
	require.Equal(t, vmcierr.OK, f.Groups.AddMember(groupH, memberH, true))

	require.Equal(t, vmcierr.OK, f.Contexts.ReleaseContext(ctx))

	assert.False(t, f.Groups.IsMember(groupH, memberH), "context release should drain group membership")
}

func TestReleaseContextDropsDiscoveryEntries(t *testing.T) {
	f := New()

	ctx, status := f.Contexts.InitContext(1004, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	require.Equal(t, vmcierr.OK, f.Discovery.Register("svc.orphan", handle.New(ctx.CID(), 1), ctx.CID()))

	require.Equal(t, vmcierr.OK, f.Contexts.ReleaseContext(ctx))

	_, status = f.Discovery.Lookup("svc.orphan")
	assert.Equal(t, vmcierr.NotFound, status, "context release must drop entries registered outside the well-known-set path")
}
