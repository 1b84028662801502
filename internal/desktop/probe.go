package desktop

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"pkt.systems/deskherd/internal/engine"
	"pkt.systems/deskherd/internal/retry"
)

// VerifyResolution polls the display until it reports exactly the configured
// resolution. Nothing "close" passes; the comparison is string equality.
func (m *Manager) VerifyResolution(ctx context.Context) error {
	return retry.Poll(ctx, m.cfg.ResolutionRetry, "display resolution", func(ctx context.Context) (bool, error) {
		got, err := m.probeResolution(ctx)
		if err != nil {
			return false, err
		}
		if got != m.cfg.Resolution {
			return false, fmt.Errorf("display reports %q, want %q", got, m.cfg.Resolution)
		}
		return true, nil
	})
}

func (m *Manager) probeResolution(ctx context.Context) (string, error) {
	res, err := m.runChecked(ctx, m.userSpec("xdpyinfo", "-display", m.cfg.Display))
	if err != nil {
		return "", err
	}
	got := parseDimensions(res.Stdout)
	if got == "" {
		return "", fmt.Errorf("no dimensions line in xdpyinfo output")
	}
	return got, nil
}

// parseDimensions extracts WIDTHxHEIGHT from xdpyinfo output, e.g.
// "  dimensions:    1366x641 pixels (361x169 millimeters)".
func parseDimensions(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "dimensions:" {
			return fields[1]
		}
	}
	return ""
}

// awaitManager waits for the process manager daemon to answer. Best effort:
// exhaustion is logged and ignored, the load-bearing readiness check runs
// after configuration.
func (m *Manager) awaitManager(ctx context.Context) {
	err := retry.Poll(ctx, m.cfg.ManagerWait, "process manager", func(ctx context.Context) (bool, error) {
		res, err := m.cfg.Engine.Exec(ctx, m.cfg.Container, m.rootSpec("supervisorctl", "pid"))
		if err != nil {
			return false, err
		}
		return res.ExitCode == 0, nil
	})
	if err != nil {
		m.logger(ctx).Warn("process manager not answering yet, continuing", "err", err)
	}
}

// waitProcessesReady polls supervisorctl until both managed programs report
// RUNNING. supervisorctl status exits non-zero while programs are starting,
// so the exit code is ignored and only stdout is parsed.
func (m *Manager) waitProcessesReady(ctx context.Context) error {
	names := []string{m.cfg.DisplayProgram, m.cfg.VNCProgram}
	return retry.Poll(ctx, m.cfg.ReadyRetry, "desktop processes", func(ctx context.Context) (bool, error) {
		res, err := m.cfg.Engine.Exec(ctx, m.cfg.Container, m.rootSpec(append([]string{"supervisorctl", "status"}, names...)...))
		if err != nil {
			return false, err
		}
		running := countRunning(res.Stdout, names)
		if running != len(names) {
			return false, fmt.Errorf("%d/%d programs running", running, len(names))
		}
		return true, nil
	})
}

func countRunning(out string, names []string) int {
	count := 0
	for _, proc := range parseProcesses(out) {
		for _, name := range names {
			if proc.Name == name && proc.State == "RUNNING" {
				count++
			}
		}
	}
	return count
}

// Process is one program line from supervisorctl status.
type Process struct {
	Name  string
	State string
}

func parseProcesses(out string) []Process {
	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		procs = append(procs, Process{Name: fields[0], State: fields[1]})
	}
	return procs
}

// waitPort polls the published VNC port until a TCP connect succeeds.
func (m *Manager) waitPort(ctx context.Context) error {
	addr := net.JoinHostPort(m.cfg.HostIP, strconv.Itoa(m.cfg.HostPort))
	return retry.Poll(ctx, m.cfg.PortRetry, "vnc port "+addr, func(ctx context.Context) (bool, error) {
		conn, err := m.cfg.Dial(ctx, "tcp", addr)
		if err != nil {
			return false, err
		}
		conn.Close()
		return true, nil
	})
}

// Snapshot is a point-in-time view of the desktop for status reporting.
type Snapshot struct {
	State        engine.State
	ID           string
	Image        string
	Resolution   string
	ResolutionOK bool
	Processes    []Process
	PortOpen     bool
}

// Inspect reports the current desktop state without retrying: one engine
// inspect and, when running, one resolution probe, one process listing and
// one port dial.
func (m *Manager) Inspect(ctx context.Context) (Snapshot, error) {
	status, err := m.cfg.Engine.Inspect(ctx, m.cfg.Container)
	if err != nil {
		return Snapshot{}, NewLifecycleError(FailureEngine, "inspect", err)
	}
	snap := Snapshot{State: status.State, ID: status.ID, Image: status.Image}
	if status.State != engine.StateRunning {
		return snap, nil
	}
	if got, err := m.probeResolution(ctx); err == nil {
		snap.Resolution = got
		snap.ResolutionOK = got == m.cfg.Resolution
	}
	if res, err := m.cfg.Engine.Exec(ctx, m.cfg.Container, m.rootSpec("supervisorctl", "status")); err == nil {
		snap.Processes = parseProcesses(res.Stdout)
	}
	addr := net.JoinHostPort(m.cfg.HostIP, strconv.Itoa(m.cfg.HostPort))
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if conn, err := m.cfg.Dial(dialCtx, "tcp", addr); err == nil {
		conn.Close()
		snap.PortOpen = true
	}
	return snap, nil
}
