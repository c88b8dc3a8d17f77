package http

import (
	"context"
	"log/slog"
	"net/http"

	"go.uber.org/fx"

	"github.com/vmci-host/fabric/config"
	"github.com/vmci-host/fabric/internal/vmci/fabric"
)

// Module starts the chi-routed control surface listener alongside the fx
// app lifecycle.
var Module = fx.Module("control-http", fx.Invoke(registerLifecycle))

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, f *fabric.Fabric, logger *slog.Logger) {
	srv := &http.Server{Addr: cfg.Control.HTTPAddr, Handler: NewRouter(f)}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("control/http: listener stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
