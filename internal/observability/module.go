package observability

import (
	"context"
	"log/slog"
	"net/http"

	"go.uber.org/fx"

	"github.com/vmci-host/fabric/config"
)

const serviceName = "vmci-fabric"

// Module wires the logger and tracer from *config.Config and starts the
// Prometheus metrics listener alongside the fx app lifecycle.
var Module = fx.Module("observability",
	fx.Provide(
		func(cfg *config.Config) *slog.Logger { return NewLogger(cfg.Logging) },
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) {
	var shutdownTracing func(context.Context) error
	metricsSrv := &http.Server{Addr: cfg.Control.MetricsAddr, Handler: Handler()}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			stop, err := InitTracing(ctx, serviceName, cfg.Telemetry)
			if err != nil {
				return err
			}
			shutdownTracing = stop

			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("observability: metrics listener stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := metricsSrv.Shutdown(ctx); err != nil {
				logger.Warn("observability: metrics server shutdown error", "error", err)
			}
			if shutdownTracing != nil {
				return shutdownTracing(ctx)
			}
			return nil
		},
	})
}
