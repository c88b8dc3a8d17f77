package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
)

func TestAddOwnerGetsBasePrivileges(t *testing.T) {
	tbl := NewTable()
	h := handle.New(1, 1)
	owner := handle.New(1, 0)
	res := &Resource{}

	status := tbl.Add(res, TypeDatagram, h, owner, []Privilege{DgSend}, nil, nil)
	require.Equal(t, vmcierr.OK, status)

	assert.Equal(t, vmcierr.AccessGranted, tbl.CheckClientPrivilege(res, owner, ChPriv, nil))
	assert.Equal(t, vmcierr.AccessGranted, tbl.CheckClientPrivilege(res, owner, DestroyResource, nil))
}

func TestGetWrongTypeIsInvalidResource(t *testing.T) {
	tbl := NewTable()
	h := handle.New(2, 1)
	owner := handle.New(2, 0)
	res := &Resource{}
	require.Equal(t, vmcierr.OK, tbl.Add(res, TypeGroup, h, owner, nil, nil, nil))

	_, status := tbl.Get(h, TypeDatagram)
	assert.Equal(t, vmcierr.InvalidResource, status)

	ref, status := tbl.Get(h, TypeGroup)
	require.Equal(t, vmcierr.OK, status)
	tbl.Release(ref)
}

func TestAddClientPrivilegesRejectsUnregisteredPriv(t *testing.T) {
	tbl := NewTable()
	h := handle.New(3, 1)
	owner := handle.New(3, 0)
	res := &Resource{}
	require.Equal(t, vmcierr.OK, tbl.Add(res, TypeDatagram, h, owner, nil, nil, nil))

	client := handle.New(3, 2)
	status := tbl.AddClientPrivileges(res, client, []Privilege{DgSend}, nil)
	assert.Equal(t, vmcierr.InvalidPriv, status, "DgSend was never validated for this resource")
}

func TestAddAndRemoveClientPrivileges(t *testing.T) {
	tbl := NewTable()
	h := handle.New(4, 1)
	owner := handle.New(4, 0)
	res := &Resource{}
	require.Equal(t, vmcierr.OK, tbl.Add(res, TypeDatagram, h, owner, []Privilege{DgSend}, nil, nil))

	client := handle.New(4, 2)
	require.Equal(t, vmcierr.OK, tbl.AddClientPrivileges(res, client, []Privilege{DgSend}, nil))
	assert.Equal(t, vmcierr.AccessGranted, tbl.CheckClientPrivilege(res, client, DgSend, nil))

	require.Equal(t, vmcierr.OK, tbl.RemoveClientPrivileges(res, client, []Privilege{DgSend}))
	assert.Equal(t, vmcierr.InvalidPriv, tbl.CheckClientPrivilege(res, client, DgSend, nil))
}

func TestDenyPrivilegeWins(t *testing.T) {
	tbl := NewTable()
	h := handle.New(5, 1)
	owner := handle.New(5, 0)
	res := &Resource{}
	require.Equal(t, vmcierr.OK, tbl.Add(res, TypeDatagram, h, owner, []Privilege{DgSend}, nil, nil))

	client := handle.New(5, 2)
	require.Equal(t, vmcierr.OK, tbl.AddClientPrivileges(res, client, nil, []Privilege{DgSend}))
	assert.Equal(t, vmcierr.NoAccess, tbl.CheckClientPrivilege(res, client, DgSend, nil))
}

type fakeGroups map[handle.Handle][]handle.Handle

func (f fakeGroups) Groups(ctx handle.Handle) []handle.Handle { return f[ctx] }

func TestCheckClientPrivilegeFallsBackToGroupMembership(t *testing.T) {
	tbl := NewTable()
	resH := handle.New(6, 1)
	owner := handle.New(6, 0)
	res := &Resource{}
	require.Equal(t, vmcierr.OK, tbl.Add(res, TypeDatagram, resH, owner, []Privilege{DgSend}, nil, nil))

	groupH := handle.New(6, 9)
	groupRes := &Resource{}
	require.Equal(t, vmcierr.OK, tbl.Add(groupRes, TypeGroup, groupH, owner, []Privilege{DgSend}, nil, nil))

	member := handle.New(6, 2)
	require.Equal(t, vmcierr.OK, tbl.AddClientPrivileges(groupRes, member, []Privilege{DgSend}, nil))

	groups := fakeGroups{member: {groupH}}
	assert.Equal(t, vmcierr.AccessGranted, tbl.CheckClientPrivilege(res, member, DgSend, groups))
}

func TestDisableACLGrantsEverything(t *testing.T) {
	tbl := NewTable()
	tbl.DisableACL = true
	h := handle.New(7, 1)
	owner := handle.New(7, 0)
	res := &Resource{}
	require.Equal(t, vmcierr.OK, tbl.Add(res, TypeDatagram, h, owner, nil, nil, nil))

	stranger := handle.New(7, 99)
	assert.Equal(t, vmcierr.AccessGranted, tbl.CheckClientPrivilege(res, stranger, ChPriv, nil))
}

func TestRemoveFreesContainerExactlyOnce(t *testing.T) {
	tbl := NewTable()
	h := handle.New(8, 1)
	owner := handle.New(8, 0)
	res := &Resource{}

	freed := 0
	container := "payload"
	require.Equal(t, vmcierr.OK, tbl.Add(res, TypeDatagram, h, owner, nil, func(c any) {
		freed++
		assert.Equal(t, container, c)
	}, container))

	assert.Equal(t, vmcierr.EntryDead, tbl.Remove(h, TypeDatagram))
	assert.Equal(t, 1, freed)

	_, status := tbl.Get(h, TypeDatagram)
	assert.Equal(t, vmcierr.NotFound, status)
}
