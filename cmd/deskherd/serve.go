package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/deskherd"
	"pkt.systems/deskherd/internal/appconfig"
	"pkt.systems/deskherd/internal/desktop"
	"pkt.systems/deskherd/internal/engine"
	"pkt.systems/deskherd/internal/metrics"
	"pkt.systems/deskherd/internal/retry"
	"pkt.systems/deskherd/internal/workload"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the desktop supervision loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Serve.MetricsAddr = metricsAddr
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
			if exists, err := eng.ImageExists(ctx, cfg.Desktop.Image); err != nil {
				logger.With("err", err).Warn("image check failed, continuing")
			} else if !exists {
				logger.Warn("desktop image not present locally, the engine will pull it on create", "image", cfg.Desktop.Image)
			}

			var set *metrics.Set
			if cfg.Serve.MetricsAddr != "" {
				set = metrics.New()
			}

			manager, err := desktop.NewManager(managerConfig(cfg, eng, set))
			if err != nil {
				return err
			}
			runner, err := workload.NewRunner(workloadConfig(cfg, eng))
			if err != nil {
				return err
			}
			heartbeat, err := deskherd.NewFileHeartbeat(cfg.Heartbeat.Path)
			if err != nil {
				return err
			}
			sup, err := deskherd.NewSupervisor(deskherd.SupervisorConfig{
				Desktop:           manager,
				Workload:          runner,
				Heartbeat:         heartbeat,
				HeartbeatInterval: time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
				Metrics:           set,
			})
			if err != nil {
				return err
			}

			if cfg.Serve.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", set.Handler())
				srv := &http.Server{
					Addr:              cfg.Serve.MetricsAddr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.With("err", err).Warn("metrics listener failed")
					}
				}()
				logger.Info("metrics listening", "addr", cfg.Serve.MetricsAddr)
			}

			logger.Info("deskherd supervising",
				"container", cfg.Desktop.Container,
				"image", cfg.Desktop.Image,
				"heartbeat", cfg.Heartbeat.Path)
			if err := sup.Run(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Info("deskherd stopped")
					return nil
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// awaitEngine waits for the engine daemon to answer, bringing it up first
// when configured to do so.
func awaitEngine(ctx context.Context, eng *engine.CLI, cfg appconfig.Config) error {
	logger := pslog.Ctx(ctx)
	err := eng.Ping(ctx)
	if err == nil {
		return nil
	}
	if cfg.Engine.EnsureDaemon {
		logger.Info("engine daemon starting", "command", strings.Join(cfg.Engine.DaemonCommand, " "))
		if _, err := engine.StartDaemon(ctx, engine.DaemonConfig{
			Command: cfg.Engine.DaemonCommand,
			LogPath: cfg.Engine.DaemonLog,
		}); err != nil {
			return err
		}
	} else {
		logger.With("err", err).Warn("engine not answering, retrying", "binary", cfg.Engine.Binary)
	}
	pol := retry.Policy{
		Attempts: cfg.Retry.CommandAttempts,
		Delay:    time.Duration(cfg.Retry.CommandDelaySeconds) * time.Second,
	}
	return retry.Do(ctx, pol, "engine ping", eng.Ping)
}

func managerConfig(cfg appconfig.Config, eng engine.Engine, set *metrics.Set) desktop.Config {
	return desktop.Config{
		Engine:          eng,
		Container:       cfg.Desktop.Container,
		Image:           cfg.Desktop.Image,
		Volume:          cfg.Desktop.Volume,
		VolumeTarget:    cfg.Desktop.VolumeTarget,
		HostIP:          cfg.Desktop.HostIP,
		HostPort:        cfg.Desktop.HostPort,
		VNCPort:         cfg.Desktop.VNCPort,
		Display:         cfg.Desktop.Display,
		Resolution:      cfg.Desktop.Resolution,
		ColorDepth:      cfg.Desktop.ColorDepth,
		User:            cfg.Desktop.User,
		Home:            cfg.Desktop.Home,
		ManagerConf:     cfg.Desktop.SupervisorConf,
		DisplayProgram:  cfg.Desktop.DisplayProgram,
		VNCProgram:      cfg.Desktop.VNCProgram,
		Env:             cfg.Desktop.Env,
		CommandRetry:    secondsPolicy(cfg.Retry.CommandAttempts, cfg.Retry.CommandDelaySeconds),
		ResolutionRetry: secondsPolicy(cfg.Retry.ResolutionAttempts, cfg.Retry.ResolutionDelaySeconds),
		ReadyRetry:      secondsPolicy(cfg.Retry.ReadyAttempts, cfg.Retry.ReadyDelaySeconds),
		PortRetry:       secondsPolicy(cfg.Retry.PortAttempts, cfg.Retry.PortDelaySeconds),
		ManagerWait:     secondsPolicy(cfg.Retry.ManagerWaitAttempts, cfg.Retry.ManagerWaitDelaySeconds),
		Settle:          time.Duration(cfg.Retry.SettleSeconds) * time.Second,
		RecreateBudget:  cfg.Retry.RecreateAttempts,
		ExecTimeout:     time.Duration(cfg.Engine.ExecTimeoutSeconds) * time.Second,
		Metrics:         set,
	}
}

func workloadConfig(cfg appconfig.Config, eng engine.Engine) workload.Config {
	return workload.Config{
		Engine:        eng,
		Container:     cfg.Desktop.Container,
		Dir:           cfg.Workload.Dir,
		SetupCommand:  cfg.Workload.SetupArgs,
		ResumeCommand: cfg.Workload.ResumeArgs,
		Env:           cfg.Workload.Env,
		User:          cfg.Desktop.User,
		Home:          cfg.Desktop.Home,
		Display:       cfg.Desktop.Display,
		AuthFile:      path.Join(cfg.Desktop.Home, ".Xauthority"),
		Timeout:       time.Duration(cfg.Workload.TimeoutMinutes) * time.Minute,
		Output:        os.Stdout,
	}
}

func secondsPolicy(attempts, delaySeconds int) retry.Policy {
	return retry.Policy{
		Attempts: attempts,
		Delay:    time.Duration(delaySeconds) * time.Second,
	}
}
