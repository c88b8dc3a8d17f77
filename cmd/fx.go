package cmd

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/vmci-host/fabric/config"
	controlgrpc "github.com/vmci-host/fabric/internal/control/grpc"
	controlhttp "github.com/vmci-host/fabric/internal/control/http"
	"github.com/vmci-host/fabric/internal/control/ws"
	"github.com/vmci-host/fabric/internal/observability"
	"github.com/vmci-host/fabric/internal/vmci/fabric"
)

// NewApp wires the fabric's core and its control surfaces into a single fx
// application, mirroring the teacher's NewApp(cfg) shape.
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(func() *config.Config { return cfg }),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
		observability.Module,
		fabric.Module,
		controlhttp.Module,
		ws.Module,
		controlgrpc.Module,
	)
}
