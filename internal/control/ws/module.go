package ws

import (
	"context"
	"log/slog"
	"net/http"

	"go.uber.org/fx"

	"github.com/vmci-host/fabric/config"
)

// Module provides the streaming control surface's Hub and starts its
// websocket listener alongside the fx app lifecycle.
var Module = fx.Module("control-ws",
	fx.Provide(
		New,
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, hub *Hub, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", Handler(hub))
	srv := &http.Server{Addr: cfg.Control.WSAddr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("control/ws: listener stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			hub.Shutdown()
			return srv.Shutdown(ctx)
		},
	})
}
