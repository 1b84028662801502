// Package deskherd supervises one long-lived desktop container and the
// workload that runs inside it: ensure the desktop is verified running, run
// the workload, replace the desktop when the workload fails, and heartbeat
// forever once it succeeds.
package deskherd

import (
	"context"
	"errors"
	"time"

	"pkt.systems/deskherd/internal/metrics"
	"pkt.systems/deskherd/internal/retry"
	"pkt.systems/pslog"
)

// Phase is one state of the supervision loop.
type Phase string

const (
	// PhaseEnsure brings the desktop container to verified running state.
	PhaseEnsure Phase = "ensure"
	// PhaseRun executes the workload inside the desktop.
	PhaseRun Phase = "run"
	// PhaseIdle heartbeats after workload success; the loop never leaves it.
	PhaseIdle Phase = "idle"
)

// DesktopManager prepares and tears down the desktop container.
type DesktopManager interface {
	// Ensure drives the container to verified running state, reporting
	// whether it was freshly created. Errors are terminal.
	Ensure(ctx context.Context) (bool, error)
	// Teardown force-removes the container.
	Teardown(ctx context.Context) error
}

// WorkloadRunner executes the application inside the desktop.
type WorkloadRunner interface {
	Run(ctx context.Context, fresh bool) error
}

// Heartbeat records liveness after workload success.
type Heartbeat interface {
	Beat(ctx context.Context) error
}

// SupervisorConfig configures the supervision loop.
type SupervisorConfig struct {
	Desktop   DesktopManager
	Workload  WorkloadRunner
	Heartbeat Heartbeat

	// HeartbeatInterval is the pause between heartbeat records.
	HeartbeatInterval time.Duration
	// Metrics receives supervision observations; nil disables them.
	Metrics *metrics.Set
	// Sleep overrides the heartbeat pause for tests.
	Sleep retry.SleepFunc
}

// Supervisor runs the ensure/run/idle loop.
type Supervisor struct {
	cfg   SupervisorConfig
	phase Phase
	fresh bool
	cycle int
}

// NewSupervisor validates the config and constructs a Supervisor in the
// ensure phase.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Desktop == nil {
		return nil, errors.New("desktop manager is required")
	}
	if cfg.Workload == nil {
		return nil, errors.New("workload runner is required")
	}
	if cfg.Heartbeat == nil {
		return nil, errors.New("heartbeat is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	return &Supervisor{cfg: cfg, phase: PhaseEnsure}, nil
}

// Phase reports the current loop phase.
func (s *Supervisor) Phase() Phase { return s.phase }

// Run steps the loop until the context ends or the desktop cannot be brought
// up. Workload failures are absorbed by replacing the desktop; ensure
// failures are terminal.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.Step(ctx); err != nil {
			return err
		}
	}
}

// Step executes one loop transition and returns the next phase. Exposed so
// the loop can be driven one transition at a time.
func (s *Supervisor) Step(ctx context.Context) (Phase, error) {
	log := pslog.Ctx(ctx)
	switch s.phase {
	case PhaseEnsure:
		s.cycle++
		s.cfg.Metrics.ObserveCycle()
		log.Info("supervision cycle start", "cycle", s.cycle)
		fresh, err := s.cfg.Desktop.Ensure(ctx)
		if err != nil {
			s.cfg.Metrics.SetContainerUp(false)
			return s.phase, err
		}
		s.fresh = fresh
		s.cfg.Metrics.SetContainerUp(true)
		s.phase = PhaseRun

	case PhaseRun:
		if err := s.cfg.Workload.Run(ctx, s.fresh); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return s.phase, ctxErr
			}
			s.cfg.Metrics.ObserveWorkloadFailure()
			s.cfg.Metrics.SetContainerUp(false)
			log.Warn("workload failed, replacing desktop", "err", err)
			if tdErr := s.cfg.Desktop.Teardown(ctx); tdErr != nil {
				log.Warn("desktop teardown failed", "err", tdErr)
			}
			s.phase = PhaseEnsure
			break
		}
		log.Info("workload complete, heartbeat begins", "interval", s.cfg.HeartbeatInterval.String())
		s.phase = PhaseIdle

	case PhaseIdle:
		if err := s.cfg.Heartbeat.Beat(ctx); err != nil {
			log.Warn("heartbeat write failed", "err", err)
		} else {
			s.cfg.Metrics.ObserveHeartbeat()
		}
		if err := s.cfg.Sleep(ctx, s.cfg.HeartbeatInterval); err != nil {
			return s.phase, err
		}
	}
	return s.phase, nil
}
