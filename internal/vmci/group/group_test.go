package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmci-host/fabric/internal/vmci/eventbus"
	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/privilege"
	"github.com/vmci-host/fabric/internal/vmci/resource"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
	"github.com/vmci-host/fabric/internal/vmci/vmcontext"
)

func newManager() (*Manager, *vmcontext.Registry) {
	resources := resource.NewTable()
	contexts := vmcontext.New(eventbus.New())
	return New(resources, contexts), contexts
}

func TestCreateAddMemberIsMember(t *testing.T) {
	mgr, contexts := newManager()
	owner := handle.New(1, 0)
	groupH := handle.New(1, 10)
	require.Equal(t, vmcierr.OK, mgr.Create(groupH, owner))

	member, status := contexts.InitContext(2, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	memberH := handle.New(member.CID(), handle.ContextResourceID)

	require.Equal(t, vmcierr.OK, mgr.AddMember(groupH, memberH, true))
	assert.True(t, mgr.IsMember(groupH, memberH))
	assert.True(t, member.GroupSet().Has(groupH), "membership is mirrored onto the member context's own group set")
}

func TestAddMemberWithoutAssignDeniesAssignClient(t *testing.T) {
	resources := resource.NewTable()
	contexts := vmcontext.New(eventbus.New())
	mgr := New(resources, contexts)

	owner := handle.New(1, 0)
	groupH := handle.New(1, 11)
	require.Equal(t, vmcierr.OK, mgr.Create(groupH, owner))

	member, status := contexts.InitContext(3, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	memberH := handle.New(member.CID(), handle.ContextResourceID)

	require.Equal(t, vmcierr.OK, mgr.AddMember(groupH, memberH, false))

	groupRef, status := resources.Get(groupH, resource.TypeGroup)
	require.Equal(t, vmcierr.OK, status)
	defer resources.Release(groupRef)

	assert.Equal(t, vmcierr.NoAccess,
		resources.CheckClientPrivilege(groupRef.Value(), memberH, resource.AssignClient, nil),
		"canAssign=false denies ASSIGN_CLIENT")
}

func TestRemoveMemberClearsListAndPrivilegesAndGroupSet(t *testing.T) {
	mgr, contexts := newManager()
	owner := handle.New(1, 0)
	groupH := handle.New(1, 12)
	require.Equal(t, vmcierr.OK, mgr.Create(groupH, owner))

	member, status := contexts.InitContext(4, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	memberH := handle.New(member.CID(), handle.ContextResourceID)

	require.Equal(t, vmcierr.OK, mgr.AddMember(groupH, memberH, true))
	require.Equal(t, vmcierr.OK, mgr.RemoveMember(groupH, memberH))

	assert.False(t, mgr.IsMember(groupH, memberH))
	assert.False(t, member.GroupSet().Has(groupH))
}

func TestMembershipIndexReflectsContextGroupSet(t *testing.T) {
	mgr, contexts := newManager()
	owner := handle.New(1, 0)
	groupH := handle.New(1, 13)
	require.Equal(t, vmcierr.OK, mgr.Create(groupH, owner))

	member, status := contexts.InitContext(5, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)
	memberH := handle.New(member.CID(), handle.ContextResourceID)

	require.Equal(t, vmcierr.OK, mgr.AddMember(groupH, memberH, true))

	idx := NewMembershipIndex(contexts)
	assert.Equal(t, []handle.Handle{groupH}, idx.Groups(memberH))
}

func TestAddMemberUnknownGroupIsNotFound(t *testing.T) {
	mgr, _ := newManager()
	status := mgr.AddMember(handle.New(9, 9), handle.New(1, handle.ContextResourceID), true)
	assert.Equal(t, vmcierr.NotFound, status)
}
