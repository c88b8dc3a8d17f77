package grpc

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/vmci-host/fabric/config"
)

// Module starts the gRPC health/reflection listener alongside the fx app
// lifecycle.
var Module = fx.Module("control-grpc", fx.Invoke(registerLifecycle))

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) {
	SetLogger(logger)
	srv, _ := NewServer()

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := Listen(srv, cfg.Control.GRPCAddr); err != nil {
					logger.Error("control/grpc: listener stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			srv.GracefulStop()
			return nil
		},
	})
}
