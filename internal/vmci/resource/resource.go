// Package resource implements the fabric's typed resource table (spec
// §4.C): a wrapper over hashtable.Table that adds a type tag, an owner, a
// per-client ACL built from (allow, deny, not-set) privilege triples, and
// a container free-callback invoked once at the dead transition.
package resource

import (
	"sync"

	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/hashtable"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
)

// Type tags the kind of object a Resource represents.
type Type int

const (
	TypeAPI Type = iota
	TypeGroup
	TypeDatagram
	TypeSharedMem
	TypeAny
)

// Privilege is one ACL slot. The base set (ChPriv, DestroyResource) is
// valid on every resource; DgSend and AssignClient are requested by
// datagram endpoints and groups respectively, per spec §4.C step 2.
type Privilege int

const (
	ChPriv Privilege = iota
	DestroyResource
	DgSend
	AssignClient
)

// PrivState is the tri(+)-state value of one ACL slot.
type PrivState int

const (
	NotSet PrivState = iota
	Valid
	Allow
	Deny
)

// Client is a handle granted privileges on a Resource.
type Client struct {
	Handle   handle.Handle
	refCount int32
	privs    map[Privilege]PrivState
}

// FreeContainer is invoked exactly once, at the dead transition, with the
// opaque container the Resource was embedded in. It must destroy the
// resource-specific payload (HandleArray, event, buffers, ...) and then
// free the container itself.
type FreeContainer func(container any)

// Resource is a reference-counted, ACL-guarded object keyed by a Handle.
// Concrete resources (datagram endpoints, groups) embed one.
type Resource struct {
	handle handle.Handle
	typ    Type
	owner  handle.Handle

	validPrivs map[Privilege]PrivState

	clientsMu sync.Mutex
	clients   []*Client

	containerFree FreeContainer
	container     any

	// RegistrationCount is bumped by the discovery service on every name
	// that currently resolves to this resource (spec §4.F / original
	// source vmciResource.c).
	RegistrationCount int32
}

func (r *Resource) Handle() handle.Handle { return r.handle }
func (r *Resource) Type() Type            { return r.typ }
func (r *Resource) Owner() handle.Handle  { return r.owner }
func (r *Resource) Container() any        { return r.container }

// Table is the process-wide (per spec Design Notes §9: per-Fabric-instance,
// never package-global) map of live resources.
type Table struct {
	ht *hashtable.Table[*Resource]

	// DisableACL reproduces the source's early "return ACCESS_GRANTED"
	// stub ahead of the ACL engine, should a test harness want the
	// historical (spec §9 Open Question #2) behaviour. Off by default —
	// see SPEC_FULL.md §5 decision 2.
	DisableACL bool
}

// NewTable returns an empty resource table.
func NewTable() *Table {
	return &Table{ht: hashtable.New[*Resource]()}
}

// Add registers res under h, owned by owner, with validPrivs additionally
// marked Valid beyond the always-valid ChPriv/DestroyResource pair, and
// the owner installed as the resource's first client with Allow on
// {ChPriv, DestroyResource} (spec §4.C steps 1-4).
func (t *Table) Add(res *Resource, typ Type, h, owner handle.Handle, validPrivs []Privilege, free FreeContainer, container any) vmcierr.Status {
	res.handle = h
	res.typ = typ
	res.owner = owner
	res.containerFree = free
	res.container = container

	res.validPrivs = map[Privilege]PrivState{
		ChPriv:          Valid,
		DestroyResource: Valid,
	}
	for _, p := range validPrivs {
		res.validPrivs[p] = Valid
	}

	res.clients = []*Client{{
		Handle:   owner,
		refCount: 1,
		privs: map[Privilege]PrivState{
			ChPriv:          Allow,
			DestroyResource: Allow,
		},
	}}

	_, status := t.ht.Add(h, res, func(r *Resource) {
		if r.containerFree != nil {
			r.containerFree(r.container)
		}
	})
	return status
}

// Get resolves h to a live resource of the given type, if typ is not
// TypeAny. The returned Ref must be Released by the caller.
func (t *Table) Get(h handle.Handle, typ Type) (*hashtable.Ref[*Resource], vmcierr.Status) {
	ref, status := t.ht.Get(h)
	if status != vmcierr.OK {
		return nil, status
	}
	if typ != TypeAny && ref.Value().typ != typ {
		t.ht.Release(ref)
		return nil, vmcierr.InvalidResource
	}
	return ref, vmcierr.OK
}

// GetPair atomically resolves two handles (spec §4.C get_pair).
func (t *Table) GetPair(a, b handle.Handle) (*hashtable.Ref[*Resource], *hashtable.Ref[*Resource], vmcierr.Status) {
	return t.ht.GetPair(a, b)
}

// Release drops a reference obtained via Get.
func (t *Table) Release(ref *hashtable.Ref[*Resource]) vmcierr.Status {
	return t.ht.Release(ref)
}

// Remove implements spec §4.C's remove: get, synchronously drop every
// client, unlink from the table, release the reference from get.
func (t *Table) Remove(h handle.Handle, typ Type) vmcierr.Status {
	ref, status := t.Get(h, typ)
	if status != vmcierr.OK {
		return status
	}
	res := ref.Value()

	res.clientsMu.Lock()
	res.clients = nil
	res.clientsMu.Unlock()

	if _, ustatus := t.ht.Unlink(h); ustatus != vmcierr.OK && ustatus != vmcierr.EntryDead {
		t.ht.Release(ref)
		return ustatus
	}

	return t.ht.Release(ref)
}

func validatePrivs(res *Resource, privs []Privilege) vmcierr.Status {
	for _, p := range privs {
		if res.validPrivs[p] != Valid {
			return vmcierr.InvalidPriv
		}
	}
	return vmcierr.OK
}

// AddClientPrivileges implements spec §4.C: validate every listed
// privilege, then create the client if absent or update it in place.
func (t *Table) AddClientPrivileges(res *Resource, client handle.Handle, allow, deny []Privilege) vmcierr.Status {
	if status := validatePrivs(res, allow); status != vmcierr.OK {
		return status
	}
	if status := validatePrivs(res, deny); status != vmcierr.OK {
		return status
	}

	res.clientsMu.Lock()
	defer res.clientsMu.Unlock()

	c := findClientLocked(res, client)
	if c == nil {
		c = &Client{Handle: client, refCount: 1, privs: map[Privilege]PrivState{}}
		res.clients = append(res.clients, c)
	}
	for _, p := range allow {
		c.privs[p] = Allow
	}
	for _, p := range deny {
		c.privs[p] = Deny
	}
	return vmcierr.OK
}

// RemoveClientPrivileges clears the listed privileges to NotSet, removing
// the client entirely if every privilege becomes NotSet.
func (t *Table) RemoveClientPrivileges(res *Resource, client handle.Handle, privs []Privilege) vmcierr.Status {
	res.clientsMu.Lock()
	defer res.clientsMu.Unlock()

	c := findClientLocked(res, client)
	if c == nil {
		return vmcierr.NotFound
	}
	for _, p := range privs {
		c.privs[p] = NotSet
	}
	if clientIsEmptyLocked(c) {
		removeClientLocked(res, client)
	}
	return vmcierr.OK
}

func findClientLocked(res *Resource, h handle.Handle) *Client {
	for _, c := range res.clients {
		if c.Handle == h {
			return c
		}
	}
	return nil
}

func clientIsEmptyLocked(c *Client) bool {
	for _, v := range c.privs {
		if v != NotSet {
			return false
		}
	}
	return true
}

func removeClientLocked(res *Resource, h handle.Handle) {
	for i, c := range res.clients {
		if c.Handle == h {
			res.clients = append(res.clients[:i], res.clients[i+1:]...)
			return
		}
	}
}

// GroupMembership is consulted by CheckClientPrivilege to walk a
// context's group set when a direct client lookup is NotSet (spec §4.C).
// vmcontext and group live above this package in the dependency graph, so
// the dependency runs through this small interface rather than an import
// cycle.
type GroupMembership interface {
	// Groups returns the handles of every group the context (identified
	// by its handle) currently belongs to.
	Groups(ctxHandle handle.Handle) []handle.Handle
}

// CheckClientPrivilege implements spec §4.C: consult the client's direct
// entry; if it is a context handle and NotSet, walk its group set and
// consult each group-resource's client entry, first ALLOW/DENY wins.
func (t *Table) CheckClientPrivilege(res *Resource, client handle.Handle, priv Privilege, groups GroupMembership) vmcierr.Status {
	if t.DisableACL {
		return vmcierr.AccessGranted
	}

	res.clientsMu.Lock()
	c := findClientLocked(res, client)
	var direct PrivState = NotSet
	if c != nil {
		direct = c.privs[priv]
	}
	res.clientsMu.Unlock()

	switch direct {
	case Allow:
		return vmcierr.AccessGranted
	case Deny:
		return vmcierr.NoAccess
	}

	if groups != nil {
		for _, gh := range groups.Groups(client) {
			gref, status := t.Get(gh, TypeGroup)
			if status != vmcierr.OK {
				continue
			}
			g := gref.Value()
			g.clientsMu.Lock()
			gc := findClientLocked(g, client)
			var gstate PrivState = NotSet
			if gc != nil {
				gstate = gc.privs[priv]
			}
			g.clientsMu.Unlock()
			t.Release(gref)

			switch gstate {
			case Allow:
				return vmcierr.AccessGranted
			case Deny:
				return vmcierr.NoAccess
			}
		}
	}

	return vmcierr.InvalidPriv
}
