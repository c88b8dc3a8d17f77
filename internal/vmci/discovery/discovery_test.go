package discovery

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

func newService() (*Service, *vmcontext.Registry) {
	resources := resource.NewTable()
	contexts := vmcontext.New(eventbus.New())
	return New(resources, contexts, 16), contexts
}

func TestRegisterLookupUnregisterRoundTrip(t *testing.T) {
	svc, _ := newService()
	h := handle.New(1, 1)

	require.Equal(t, vmcierr.OK, svc.Register("svc.one", h, 1))
	assert.Equal(t, vmcierr.AlreadyExists, svc.Register("svc.one", h, 1))

	got, status := svc.Lookup("svc.one")
	require.Equal(t, vmcierr.OK, status)
	assert.Equal(t, h, got)

	require.Equal(t, vmcierr.OK, svc.Unregister("svc.one", 1))
	_, status = svc.Lookup("svc.one")
	assert.Equal(t, vmcierr.NotFound, status)
}

func TestUnregisterWrongOwnerDenied(t *testing.T) {
	svc, _ := newService()
	h := handle.New(1, 1)
	require.Equal(t, vmcierr.OK, svc.Register("svc.two", h, 1))

	assert.Equal(t, vmcierr.NoAccess, svc.Unregister("svc.two", 2))
	assert.Equal(t, vmcierr.OK, svc.Unregister("svc.two", handle.HostContext),
		"host context may unregister on anyone's behalf")
}

func TestUnregisterResourceDropsEveryBoundEntry(t *testing.T) {
	svc, _ := newService()
	h := handle.New(1, 1)
	require.Equal(t, vmcierr.OK, svc.Register("a", h, 1))
	require.Equal(t, vmcierr.OK, svc.Register("b", h, 1))

	assert.Equal(t, 2, svc.UnregisterResource(h))
	_, status := svc.Lookup("a")
	assert.Equal(t, vmcierr.NotFound, status)
}

func TestRemoveContextEntriesScopedToOwner(t *testing.T) {
	svc, _ := newService()
	require.Equal(t, vmcierr.OK, svc.Register("a", handle.New(1, 1), 1))
	require.Equal(t, vmcierr.OK, svc.Register("b", handle.New(2, 1), 2))

	svc.RemoveContextEntries(1)

	_, status := svc.Lookup("a")
	assert.Equal(t, vmcierr.NotFound, status)
	_, status = svc.Lookup("b")
	assert.Equal(t, vmcierr.OK, status)
}

func TestAllowWellKnownMapPolicy(t *testing.T) {
	assert.False(t, AllowWellKnownMap(WellKnownReservedRange-1, privilege.LeastPrivilege))
	assert.True(t, AllowWellKnownMap(WellKnownReservedRange, privilege.LeastPrivilege))
	assert.False(t, AllowWellKnownMap(WellKnownReservedRange, privilege.Restricted))
}

func TestRequestAndRemoveWellKnownMapSyncsContextSet(t *testing.T) {
	svc, contexts := newService()
	ctx, status := contexts.InitContext(100, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	id := WellKnownReservedRange + 1
	require.Equal(t, vmcierr.OK, svc.RequestWellKnownMap(id, ctx.CID(), privilege.LeastPrivilege))
	assert.True(t, ctx.WellKnownSet().Has(handle.New(handle.WellKnownContext, id)))

	assert.Equal(t, vmcierr.AlreadyExists, svc.RequestWellKnownMap(id, ctx.CID(), privilege.LeastPrivilege))

	owner, status := svc.ResolveWellKnown(id)
	require.Equal(t, vmcierr.OK, status)
	assert.Equal(t, ctx.CID(), owner)

	require.Equal(t, vmcierr.OK, svc.RemoveWellKnownMap(id, ctx.CID()))
	assert.False(t, ctx.WellKnownSet().Has(handle.New(handle.WellKnownContext, id)))

	_, status = svc.ResolveWellKnown(id)
	assert.Equal(t, vmcierr.DstUnreachable, status)
}

func TestRemoveWellKnownMapWrongOwnerDenied(t *testing.T) {
	svc, contexts := newService()
	ctx, status := contexts.InitContext(101, privilege.LeastPrivilege, 1)
	require.Equal(t, vmcierr.OK, status)

	id := WellKnownReservedRange + 2
	require.Equal(t, vmcierr.OK, svc.RequestWellKnownMap(id, ctx.CID(), privilege.LeastPrivilege))
	assert.Equal(t, vmcierr.NoAccess, svc.RemoveWellKnownMap(id, 9999))
}
