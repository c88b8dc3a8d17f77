// Package group implements the fabric's Group resource (spec §4.G): a
// Resource whose ACL grants group-membership privileges to other handles.
package group

import (
	"sync"

	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/resource"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
	"github.com/vmci-host/fabric/internal/vmci/vmcontext"
)

// Body is the resource-specific container embedded behind
// resource.Resource.Container() for a group.
type Body struct {
	mu      sync.Mutex
	members *handle.Array
}

// Manager creates and mutates Group resources, and answers
// vmcontext.GroupLeaver calls on behalf of the rest of the fabric
// (MembershipIndex, below, answers resource.GroupMembership queries). It depends on vmcontext.Registry to keep each member
// context's own group_set HandleArray (spec §3) in sync with group
// membership, since that set is what resource.Table.CheckClientPrivilege
// walks (spec §4.C: "walk that context's group set").
type Manager struct {
	resources *resource.Table
	contexts  *vmcontext.Registry
}

// New constructs a Manager backed by resources and contexts.
func New(resources *resource.Table, contexts *vmcontext.Registry) *Manager {
	return &Manager{resources: resources, contexts: contexts}
}

// Create registers a new group resource at h, owned by owner (spec §4.G,
// built on resource.Table.Add with valid_privs={ASSIGN_CLIENT}).
func (m *Manager) Create(h, owner handle.Handle) vmcierr.Status {
	res := &resource.Resource{}
	body := &Body{members: handle.NewArray(4)}

	return m.resources.Add(res, resource.TypeGroup, h, owner,
		[]resource.Privilege{resource.AssignClient},
		func(container any) {},
		body)
}

func (m *Manager) memberContext(member handle.Handle) *vmcontext.Context {
	if member.Resource != handle.ContextResourceID {
		return nil
	}
	c, status := m.contexts.Get(member.Context)
	if status != vmcierr.OK {
		return nil
	}
	return c
}

// AddMember implements spec §4.G add_member: updates both the member_set
// and, via the resource ACL, grants ALLOW or DENY on ASSIGN_CLIENT
// depending on canAssign.
func (m *Manager) AddMember(groupHandle, member handle.Handle, canAssign bool) vmcierr.Status {
	ref, status := m.resources.Get(groupHandle, resource.TypeGroup)
	if status != vmcierr.OK {
		return status
	}
	defer m.resources.Release(ref)

	res := ref.Value()
	body := res.Container().(*Body)

	body.mu.Lock()
	if !body.members.Has(member) {
		body.members.Append(member)
	}
	body.mu.Unlock()

	var allow, deny []resource.Privilege
	if canAssign {
		allow = []resource.Privilege{resource.AssignClient}
	} else {
		deny = []resource.Privilege{resource.AssignClient}
	}
	if status := m.resources.AddClientPrivileges(res, member, allow, deny); status != vmcierr.OK {
		return status
	}

	if c := m.memberContext(member); c != nil {
		c.WithLock(func() {
			if !c.GroupSet().Has(groupHandle) {
				c.GroupSet().Append(groupHandle)
			}
		})
		m.contexts.Release(c)
	}

	return vmcierr.OK
}

// RemoveMember implements spec §4.G remove_member: removes both the list
// entry and all client privileges. It satisfies vmcontext.GroupLeaver.
func (m *Manager) RemoveMember(groupHandle, member handle.Handle) vmcierr.Status {
	ref, status := m.resources.Get(groupHandle, resource.TypeGroup)
	if status != vmcierr.OK {
		return status
	}
	defer m.resources.Release(ref)

	res := ref.Value()
	body := res.Container().(*Body)

	body.mu.Lock()
	body.members.Remove(member)
	body.mu.Unlock()

	status = m.resources.RemoveClientPrivileges(res, member,
		[]resource.Privilege{resource.ChPriv, resource.DestroyResource, resource.AssignClient, resource.DgSend})

	if c := m.memberContext(member); c != nil {
		c.WithLock(func() {
			c.GroupSet().Remove(groupHandle)
		})
		m.contexts.Release(c)
	}

	if status != vmcierr.OK && status != vmcierr.NotFound {
		return status
	}
	return vmcierr.OK
}

// IsMember implements spec §4.G is_member: a list scan under the group's
// lock.
func (m *Manager) IsMember(groupHandle, candidate handle.Handle) bool {
	ref, status := m.resources.Get(groupHandle, resource.TypeGroup)
	if status != vmcierr.OK {
		return false
	}
	defer m.resources.Release(ref)

	body := ref.Value().Container().(*Body)
	body.mu.Lock()
	defer body.mu.Unlock()
	return body.members.Has(candidate)
}

// MembershipIndex adapts a Manager's context-tracked group_set into
// resource.GroupMembership, for resource.Table.CheckClientPrivilege.
type MembershipIndex struct {
	contexts *vmcontext.Registry
}

// NewMembershipIndex returns a resource.GroupMembership adapter backed by
// contexts.
func NewMembershipIndex(contexts *vmcontext.Registry) *MembershipIndex {
	return &MembershipIndex{contexts: contexts}
}

// Groups implements resource.GroupMembership by reading the candidate
// context's own group_set, per spec §4.C.
func (idx *MembershipIndex) Groups(ctxHandle handle.Handle) []handle.Handle {
	if ctxHandle.Resource != handle.ContextResourceID {
		return nil
	}
	c, status := idx.contexts.Get(ctxHandle.Context)
	if status != vmcierr.OK {
		return nil
	}
	defer idx.contexts.Release(c)

	var out []handle.Handle
	c.WithLock(func() {
		out = c.GroupSet().Snapshot()
	})
	return out
}
