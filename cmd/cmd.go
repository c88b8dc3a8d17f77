package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vmci-host/fabric/config"
)

const (
	ServiceName      = "vmci-fabric"
	ServiceNamespace = "vmci-host"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Host-side VMCI message fabric",
		Commands: []*cli.Command{
			serverCmd(),
			inspectCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the fabric's control surfaces",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			configFile := c.String("config_file")
			cfg, err := config.Load(nil, configFile)
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stopWatch, err := config.Watch(configFile, func(next *config.Config) {
				slog.Info("config: reloaded", "file", configFile)
				*cfg = *next
			})
			if err != nil {
				slog.Warn("config: hot-reload disabled", "error", err)
			} else {
				defer stopWatch()
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down")
			return app.Stop(context.Background())
		},
	}
}
