// Package http exposes the fabric's control-surface operation table (spec
// §6.4) as JSON endpoints, grounded on the teacher's chi-routed handler
// shape (internal/handler/lp/delivery.go's "decode request, call the
// domain service, marshal response" pattern generalized from a single
// long-poll endpoint to the full operation table).
package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vmci-host/fabric/internal/vmci/fabric"
)

// NewRouter builds the chi router exposing f's operations.
func NewRouter(f *fabric.Fabric) chi.Router {
	h := &handler{fabric: f}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/contexts", h.initContext)
		r.Delete("/contexts/{cid}", h.releaseContext)
		r.Get("/contexts/{cid}/priv-flags", h.contextPrivFlags)

		r.Post("/contexts/{cid}/datagrams", h.enqueueDatagram)
		r.Get("/contexts/{cid}/datagrams", h.dequeueDatagram)

		r.Post("/contexts/{cid}/notifications", h.addNotification)
		r.Delete("/contexts/{cid}/notifications/{remote_cid}", h.removeNotification)

		r.Get("/contexts/{cid}/checkpoint/{kind}", h.getCheckpointState)
		r.Put("/contexts/{cid}/checkpoint/{kind}", h.setCheckpointState)

		r.Post("/datagram-endpoints", h.datagramCreate)
		r.Delete("/datagram-endpoints/{context}/{resource}", h.datagramDestroy)
		r.Post("/datagram-endpoints/dispatch", h.datagramDispatch)

		r.Post("/queue-pairs/{context}/{resource}", h.queuePairAlloc)
		r.Put("/queue-pairs/{context}/{resource}/page-store", h.queuePairSetPageStore)
		r.Post("/queue-pairs/{context}/{resource}/detach", h.queuePairDetach)

		r.Post("/discovery/register", h.discoveryRegister)
		r.Post("/discovery/unregister", h.discoveryUnregister)
		r.Get("/discovery/lookup", h.discoveryLookup)

		r.Get("/events/{kind}", h.eventSubscribeStream)

		r.Post("/groups/{context}/{resource}", h.groupCreate)
		r.Post("/groups/{context}/{resource}/members", h.groupAddMember)
		r.Delete("/groups/{context}/{resource}/members", h.groupRemoveMember)
	})

	return r
}
