// Package workload runs the application entry script inside the desktop
// container, in setup mode on a fresh container and resume mode otherwise.
package workload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pkt.systems/deskherd/internal/engine"
	"pkt.systems/pslog"
)

// Execer runs commands inside a named container. engine.Engine satisfies it.
type Execer interface {
	Exec(ctx context.Context, name string, spec engine.ExecSpec) (engine.ExecResult, error)
}

// ExitError reports a workload command that ran to completion with a non-zero
// exit code.
type ExitError struct {
	Mode string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("workload %s exited %d", e.Mode, e.Code)
}

// Config configures the workload runner.
type Config struct {
	Engine    Execer
	Container string

	// Dir is the working directory for the entry script.
	Dir string
	// SetupCommand runs once against a freshly created container.
	SetupCommand []string
	// ResumeCommand runs against a surviving container.
	ResumeCommand []string
	// Env adds environment beyond the forced desktop variables.
	Env map[string]string

	User     string
	Home     string
	Display  string
	AuthFile string

	// Timeout bounds one workload run; zero means unbounded.
	Timeout time.Duration
	// Output receives the streamed combined output; nil discards it.
	Output io.Writer
}

// Runner executes the workload inside the desktop container.
type Runner struct {
	cfg Config
}

// NewRunner validates the config and constructs a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if strings.TrimSpace(cfg.Container) == "" {
		return nil, errors.New("container name is required")
	}
	if len(cfg.SetupCommand) == 0 {
		return nil, errors.New("setup command is required")
	}
	if len(cfg.ResumeCommand) == 0 {
		return nil, errors.New("resume command is required")
	}
	return &Runner{cfg: cfg}, nil
}

// Run executes the entry script, choosing setup or resume mode by freshness.
// A non-zero exit is returned as *ExitError; the caller decides whether the
// container survives it.
func (r *Runner) Run(ctx context.Context, fresh bool) error {
	mode, command := r.command(fresh)
	log := pslog.Ctx(ctx).With("container", r.cfg.Container, "mode", mode)
	log.Info("workload start", "command", strings.Join(command, " "))
	started := time.Now()
	res, err := r.cfg.Engine.Exec(ctx, r.cfg.Container, engine.ExecSpec{
		Command:    command,
		User:       r.cfg.User,
		WorkingDir: r.cfg.Dir,
		Env:        r.environment(),
		Stdout:     r.cfg.Output,
		Stderr:     r.cfg.Output,
		Timeout:    r.cfg.Timeout,
	})
	duration := time.Since(started)
	if err != nil {
		log.Warn("workload did not run", "err", err, "duration_ms", duration.Milliseconds())
		return fmt.Errorf("workload %s: %w", mode, err)
	}
	if res.ExitCode != 0 {
		log.Warn("workload failed", "exit_code", res.ExitCode, "duration_ms", duration.Milliseconds())
		return &ExitError{Mode: mode, Code: res.ExitCode}
	}
	log.Info("workload finished", "duration_ms", duration.Milliseconds())
	return nil
}

func (r *Runner) command(fresh bool) (string, []string) {
	if fresh {
		return "setup", r.cfg.SetupCommand
	}
	return "resume", r.cfg.ResumeCommand
}

// environment merges configured extras under the forced desktop variables;
// the display wiring always wins.
func (r *Runner) environment() map[string]string {
	env := make(map[string]string, len(r.cfg.Env)+3)
	for key, value := range r.cfg.Env {
		env[key] = value
	}
	if r.cfg.Home != "" {
		env["HOME"] = r.cfg.Home
	}
	if r.cfg.Display != "" {
		env["DISPLAY"] = r.cfg.Display
	}
	if r.cfg.AuthFile != "" {
		env["XAUTHORITY"] = r.cfg.AuthFile
	}
	return env
}
