// Package fabric is the single owned composition root wiring components
// A-I into one fabric instance (spec Design Notes §9: "expose each as a
// single owned service object... no process-wide state").
package fabric

import (
	"go.uber.org/fx"

	"github.com/vmci-host/fabric/internal/vmci/datagram"
	"github.com/vmci-host/fabric/internal/vmci/discovery"
	"github.com/vmci-host/fabric/internal/vmci/eventbus"
	"github.com/vmci-host/fabric/internal/vmci/group"
	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/queuepair"
	"github.com/vmci-host/fabric/internal/vmci/resource"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
	"github.com/vmci-host/fabric/internal/vmci/vmcontext"
)

const wellKnownLookupCacheSize = 1024

// Fabric owns every live fabric subsystem. It is constructed once per
// process (or once per test) and never reaches for package-level state.
type Fabric struct {
	Events     *eventbus.Bus
	Resources  *resource.Table
	Contexts   *vmcontext.Registry
	Discovery  *discovery.Service
	Groups     *group.Manager
	Datagrams  *datagram.Manager
	QueuePairs *queuepair.Manager

	groupMembership *group.MembershipIndex
}

// New wires A-I in dependency order: the event bus and resource table have
// no dependencies; the context registry depends on the bus alone (its
// well-known/queue-pair/group collaborators are wired in after they exist,
// via SetCollaborators, since all three depend on the registry); discovery/
// group/queuepair depend on contexts and resources; the datagram
// dispatcher depends on all of the above.
func New() *Fabric {
	events := eventbus.New()
	resources := resource.NewTable()
	contexts := vmcontext.New(events)

	disc := discovery.New(resources, contexts, wellKnownLookupCacheSize)
	groups := group.New(resources, contexts)
	qp := queuepair.New(contexts, events)
	contexts.SetCollaborators(disc, qp, groups, disc)

	membership := group.NewMembershipIndex(contexts)
	dgrams := datagram.New(resources, contexts, disc, events)

	return &Fabric{
		Events:          events,
		Resources:       resources,
		Contexts:        contexts,
		Discovery:       disc,
		Groups:          groups,
		Datagrams:       dgrams,
		QueuePairs:      qp,
		groupMembership: membership,
	}
}

// CheckClientPrivilege exposes resource.Table.CheckClientPrivilege with the
// fabric's group-membership adapter already supplied, so control-surface
// callers never need to know about the resource/group import-cycle
// avoidance internal to those two packages.
func (f *Fabric) CheckClientPrivilege(res *resource.Resource, client handle.Handle, priv resource.Privilege) vmcierr.Status {
	return f.Resources.CheckClientPrivilege(res, client, priv, f.groupMembership)
}

// Module is the fx wiring for the fabric composition root.
var Module = fx.Module("fabric",
	fx.Provide(New),
)
