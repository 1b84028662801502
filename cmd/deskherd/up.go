package main

import (
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/deskherd/internal/appconfig"
	"pkt.systems/deskherd/internal/desktop"
	"pkt.systems/deskherd/internal/engine"
	"pkt.systems/pslog"
)

func newUpCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Create or start the desktop container and wait until ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := engine.New(engine.Config{Binary: cfg.Engine.Binary})
			if err != nil {
				return err
			}
			if err := awaitEngine(ctx, eng, cfg); err != nil {
				return err
			}
			manager, err := desktop.NewManager(managerConfig(cfg, eng, nil))
			if err != nil {
				return err
			}

			fresh, err := manager.Ensure(ctx)
			if err != nil {
				return err
			}
			logger.Info("desktop up",
				"container", cfg.Desktop.Container,
				"fresh", fresh,
				"vnc", net.JoinHostPort(cfg.Desktop.HostIP, strconv.Itoa(cfg.Desktop.HostPort)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}
