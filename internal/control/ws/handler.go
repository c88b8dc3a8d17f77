package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/vmci-host/fabric/internal/vmci/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireFrame is the JSON envelope written to a subscribed websocket client
// for each dequeued datagram.
type wireFrame struct {
	Src     [2]uint32 `json:"src"`
	Dst     [2]uint32 `json:"dst"`
	Payload []byte    `json:"payload"`
}

// Handler upgrades an HTTP request into a streaming subscription on the
// context id given by the "cid" query parameter, per spec §6.4
// dequeue_datagram exposed as a blocking-receive stream.
func Handler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cidStr := r.URL.Query().Get("cid")
		cid, err := strconv.ParseUint(cidStr, 10, 32)
		if err != nil {
			http.Error(w, "invalid or missing cid", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("ws: upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		connector := newConnector(r.Context(), uint32(cid), 64)
		hub.Subscribe(uint32(cid), connector)
		defer hub.Unsubscribe(uint32(cid), connector.GetID())
		defer connector.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go discardInbound(ctx, conn, cancel)

		for {
			select {
			case <-ctx.Done():
				return
			case dg, ok := <-connector.Recv():
				if !ok {
					return
				}
				if err := writeFrame(conn, dg); err != nil {
					return
				}
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, dg wire.Datagram) error {
	frame := wireFrame{
		Src:     [2]uint32{dg.Src.Context, dg.Src.Resource},
		Dst:     [2]uint32{dg.Dst.Context, dg.Dst.Resource},
		Payload: dg.Payload,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// discardInbound drains (and ignores) client frames so the read pump
// notices a closed connection promptly; this endpoint is receive-only.
func discardInbound(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
