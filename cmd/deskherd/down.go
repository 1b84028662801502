package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/deskherd/internal/appconfig"
	"pkt.systems/deskherd/internal/desktop"
	"pkt.systems/deskherd/internal/engine"
	"pkt.systems/pslog"
)

func newDownCmd() *cobra.Command {
	var cfgPath string
	var remove bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the desktop container",
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
			manager, err := desktop.NewManager(managerConfig(cfg, eng, nil))
			if err != nil {
				return err
			}

			if remove {
				if err := manager.Remove(ctx); err != nil {
					return err
				}
				logger.Info("desktop removed, home volume kept",
					"container", cfg.Desktop.Container,
					"volume", cfg.Desktop.Volume)
				return nil
			}
			if err := manager.Stop(ctx); err != nil {
				return err
			}
			logger.Info("desktop stopped", "container", cfg.Desktop.Container)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&remove, "rm", false, "remove the container instead of stopping it")
	return cmd
}
