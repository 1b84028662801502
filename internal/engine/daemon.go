package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"pkt.systems/pslog"
)

// DaemonConfig configures detached engine daemon startup.
type DaemonConfig struct {
	// Command is the daemon invocation, e.g. ["dockerd"].
	Command []string
	// LogPath receives the daemon's combined output, append-only.
	LogPath string
}

// StartDaemon launches the engine daemon in its own session, detached from
// the caller. The daemon is never awaited; callers poll Ping for liveness.
func StartDaemon(ctx context.Context, cfg DaemonConfig) (int, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return 0, errors.New("daemon command is required")
	}
	if cfg.LogPath == "" {
		return 0, errors.New("daemon log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return 0, fmt.Errorf("daemon log dir: %w", err)
	}
	logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("daemon log open: %w", err)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return 0, fmt.Errorf("daemon start: %w", err)
	}
	pid := cmd.Process.Pid
	// Reap the child if it dies while we are alive; it outlives us otherwise.
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()
	pslog.Ctx(ctx).Info("engine daemon started", "pid", pid, "log", cfg.LogPath)
	return pid, nil
}
