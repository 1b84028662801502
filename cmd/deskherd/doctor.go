package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"pkt.systems/deskherd/internal/appconfig"
	"pkt.systems/deskherd/internal/desktop"
	"pkt.systems/deskherd/internal/engine"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run deskherd diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				defaultPath, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = defaultPath
			}
			logger.Info("doctor start", "config", configPath)

			if err := checkStateDir(cfg.StateDir); err != nil {
				return err
			}
			logger.Info("doctor state dir ok", "path", cfg.StateDir)

			reportHostResources(cfg, logger)

			binPath, err := exec.LookPath(cfg.Engine.Binary)
			if err != nil {
				return fmt.Errorf("engine binary not found in PATH: %w", err)
			}
			logger.Info("doctor engine binary ok", "path", binPath)

			eng, err := engine.New(engine.Config{Binary: cfg.Engine.Binary})
			if err != nil {
				return err
			}
			if err := awaitEngine(ctx, eng, cfg); err != nil {
				return err
			}
			logger.Info("doctor engine ok", "binary", cfg.Engine.Binary)

			exists, err := eng.ImageExists(ctx, cfg.Desktop.Image)
			if err != nil {
				return err
			}
			if exists {
				logger.Info("doctor image ok", "image", cfg.Desktop.Image)
			} else {
				logger.Warn("doctor image missing locally", "image", cfg.Desktop.Image)
			}

			manager, err := desktop.NewManager(managerConfig(cfg, eng, nil))
			if err != nil {
				return err
			}
			snap, err := manager.Inspect(ctx)
			if err != nil {
				return err
			}
			logger.Info("doctor desktop inspected", "state", snap.State)
			if snap.State == engine.StateRunning {
				running := 0
				for _, p := range snap.Processes {
					if p.State == "RUNNING" {
						running++
					}
				}
				logger.Info("doctor desktop detail",
					"resolution", snap.Resolution,
					"resolution_ok", snap.ResolutionOK,
					"programs_running", running,
					"port_open", snap.PortOpen)
			}

			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func checkStateDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("doctor state dir: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("doctor state dir not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

func reportHostResources(cfg appconfig.Config, logger pslog.Logger) {
	if pct, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pct) > 0 {
		logger.Info("doctor host cpu ok", "busy_pct", fmt.Sprintf("%.1f", pct[0]))
	} else if err != nil {
		logger.With("err", err).Warn("doctor host cpu unavailable")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		logger.Info("doctor host memory ok",
			"used_pct", fmt.Sprintf("%.1f", vm.UsedPercent),
			"available_mb", vm.Available/1024/1024)
	} else {
		logger.With("err", err).Warn("doctor host memory unavailable")
	}
	if du, err := disk.Usage(cfg.StateDir); err == nil {
		logger.Info("doctor host disk ok",
			"free_gb", fmt.Sprintf("%.1f", float64(du.Free)/(1<<30)),
			"used_pct", fmt.Sprintf("%.1f", du.UsedPercent))
	} else {
		logger.With("err", err).Warn("doctor host disk unavailable")
	}
}
