package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vmci-host/fabric/internal/vmci/eventbus"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
)

func eventKindFromParam(s string) (eventbus.Kind, bool) {
	switch s {
	case "ctx-removed":
		return eventbus.CtxRemoved, true
	case "qp-peer-attach":
		return eventbus.QPPeerAttach, true
	case "qp-peer-detach":
		return eventbus.QPPeerDetach, true
	default:
		return 0, false
	}
}

// eventSubscribeStream implements spec §6.4 event_subscribe/
// event_unsubscribe as a server-sent-events stream: the subscription id
// only needs to outlive the connection that requested it, so there is no
// separate unsubscribe endpoint — closing the stream unsubscribes.
func (h *handler) eventSubscribeStream(w http.ResponseWriter, r *http.Request) {
	kind, ok := eventKindFromParam(chi.URLParam(r, "kind"))
	if !ok {
		writeStatus(w, "event_subscribe", vmcierr.InvalidArgs)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeStatus(w, "event_subscribe", vmcierr.Unavailable)
		return
	}

	events := make(chan eventbus.Payload, 16)
	id, status := h.fabric.Events.Subscribe(kind, func(p eventbus.Payload) {
		select {
		case events <- p:
		default:
		}
	})
	if status != vmcierr.OK {
		writeStatus(w, "event_subscribe", status)
		return
	}
	defer h.fabric.Events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
