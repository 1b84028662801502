// Package desktop manages the lifecycle of the single long-lived desktop
// container: create/start/recreate decisions over the observed engine state,
// display and auth configuration applied on every transition into running,
// and the readiness probes that gate the workload.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"pkt.systems/deskherd/internal/engine"
	"pkt.systems/deskherd/internal/metrics"
	"pkt.systems/deskherd/internal/retry"
	"pkt.systems/pslog"
)

const (
	defaultCommandAttempts     = 3
	defaultCommandDelay        = 5 * time.Second
	defaultResolutionAttempts  = 5
	defaultResolutionDelay     = 4 * time.Second
	defaultReadyAttempts       = 10
	defaultReadyDelay          = 3 * time.Second
	defaultPortAttempts        = 10
	defaultPortDelay           = 2 * time.Second
	defaultManagerWaitAttempts = 10
	defaultManagerWaitDelay    = 2 * time.Second
	defaultSettle              = 5 * time.Second
	defaultStopTimeout         = 10 * time.Second
	defaultExecTimeout         = time.Minute
	defaultRecreateBudget      = 1

	managedLabel = "deskherd.managed"
)

// DialFunc probes TCP connectivity; it matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config configures the desktop container manager.
type Config struct {
	Engine engine.Engine

	Container    string
	Image        string
	Volume       string
	VolumeTarget string

	HostIP   string
	HostPort int
	VNCPort  int

	Display    string
	Resolution string
	ColorDepth int
	User       string
	Home       string

	ManagerConf    string
	DisplayProgram string
	VNCProgram     string

	// Env adds container environment beyond the resolution/depth defaults.
	Env map[string]string

	CommandRetry    retry.Policy
	ResolutionRetry retry.Policy
	ReadyRetry      retry.Policy
	PortRetry       retry.Policy
	ManagerWait     retry.Policy
	// Settle is the stabilization pause after a soft restart.
	Settle time.Duration
	// RecreateBudget bounds full recreations per Ensure when resolution
	// verification keeps failing.
	RecreateBudget int
	StopTimeout    time.Duration
	// ExecTimeout bounds each container-side command.
	ExecTimeout time.Duration

	// Metrics receives lifecycle observations; nil disables them.
	Metrics *metrics.Set

	// Dial overrides the port probe dialer.
	Dial DialFunc
	// Sleep overrides inter-attempt sleeping for all probes and retries.
	Sleep retry.SleepFunc
	// NewCookie overrides display auth cookie generation.
	NewCookie func() (string, error)
}

// Manager drives the desktop container to verified running state.
type Manager struct {
	cfg Config
}

// NewManager validates the config and constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if strings.TrimSpace(cfg.Container) == "" {
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("image is required")
	}
	if strings.TrimSpace(cfg.Volume) == "" {
		return nil, errors.New("volume name is required")
	}
	if strings.TrimSpace(cfg.VolumeTarget) == "" {
		return nil, errors.New("volume target is required")
	}
	if cfg.HostPort < 1 || cfg.HostPort > 65535 {
		return nil, fmt.Errorf("host port %d out of range", cfg.HostPort)
	}
	if cfg.VNCPort < 1 || cfg.VNCPort > 65535 {
		return nil, fmt.Errorf("vnc port %d out of range", cfg.VNCPort)
	}
	if !strings.HasPrefix(cfg.Display, ":") {
		return nil, fmt.Errorf("display %q must start with a colon", cfg.Display)
	}
	if !validResolution(cfg.Resolution) {
		return nil, fmt.Errorf("resolution %q must be WIDTHxHEIGHT", cfg.Resolution)
	}
	if strings.TrimSpace(cfg.User) == "" {
		return nil, errors.New("user is required")
	}
	if strings.TrimSpace(cfg.Home) == "" {
		return nil, errors.New("home is required")
	}
	if strings.TrimSpace(cfg.ManagerConf) == "" {
		return nil, errors.New("manager config path is required")
	}
	if strings.TrimSpace(cfg.DisplayProgram) == "" || strings.TrimSpace(cfg.VNCProgram) == "" {
		return nil, errors.New("display and vnc program names are required")
	}
	if cfg.ColorDepth <= 0 {
		cfg.ColorDepth = 24
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.RecreateBudget < 0 {
		cfg.RecreateBudget = 0
	} else if cfg.RecreateBudget == 0 {
		cfg.RecreateBudget = defaultRecreateBudget
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	if cfg.Dial == nil {
		dialer := &net.Dialer{Timeout: time.Second}
		cfg.Dial = dialer.DialContext
	}
	if cfg.NewCookie == nil {
		cfg.NewCookie = newAuthCookie
	}
	cfg.CommandRetry = normalizePolicy(cfg.CommandRetry, defaultCommandAttempts, defaultCommandDelay, cfg.Sleep)
	cfg.ResolutionRetry = normalizePolicy(cfg.ResolutionRetry, defaultResolutionAttempts, defaultResolutionDelay, cfg.Sleep)
	cfg.ReadyRetry = normalizePolicy(cfg.ReadyRetry, defaultReadyAttempts, defaultReadyDelay, cfg.Sleep)
	cfg.PortRetry = normalizePolicy(cfg.PortRetry, defaultPortAttempts, defaultPortDelay, cfg.Sleep)
	cfg.ManagerWait = normalizePolicy(cfg.ManagerWait, defaultManagerWaitAttempts, defaultManagerWaitDelay, cfg.Sleep)
	return &Manager{cfg: cfg}, nil
}

// Container returns the managed container name.
func (m *Manager) Container() string { return m.cfg.Container }

func (m *Manager) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("container", m.cfg.Container)
}

// Ensure drives the container to verified running state and reports whether
// it was freshly created along the way. Errors from Ensure are terminal for
// the current run.
func (m *Manager) Ensure(ctx context.Context) (bool, error) {
	log := m.logger(ctx)
	status, err := m.cfg.Engine.Inspect(ctx, m.cfg.Container)
	if err != nil {
		return false, NewLifecycleError(FailureEngine, "inspect", err)
	}
	log.Info("desktop ensure start", "state", string(status.State))

	fresh := false
	switch status.State {
	case engine.StateAbsent:
		if err := m.create(ctx); err != nil {
			return false, err
		}
		fresh = true
	case engine.StateStopped:
		if err := m.start(ctx); err != nil {
			log.Warn("desktop start exhausted, recreating", "err", err)
			if err := m.removeForce(ctx); err != nil {
				return false, NewLifecycleError(FailureStart, "remove after start", err)
			}
			if err := m.create(ctx); err != nil {
				return false, err
			}
			fresh = true
		}
	case engine.StateRunning:
		// Nothing to do; configuration below is idempotent.
	}

	m.awaitManager(ctx)
	if err := m.Configure(ctx, fresh); err != nil {
		return fresh, err
	}
	fresh, err = m.verifyWithRecreate(ctx, fresh)
	if err != nil {
		return fresh, err
	}
	if err := m.waitProcessesReady(ctx); err != nil {
		m.cfg.Metrics.ObserveProbeFailure("ready")
		return fresh, NewLifecycleError(FailureReady, "manager readiness", err)
	}
	if err := m.waitPort(ctx); err != nil {
		m.cfg.Metrics.ObserveProbeFailure("port")
		return fresh, NewLifecycleError(FailurePort, "port probe", err)
	}
	log.Info("desktop ready", "fresh", fresh)
	return fresh, nil
}

// Teardown force-removes the container, tailing its recent output first for
// forensics.
func (m *Manager) Teardown(ctx context.Context) error {
	m.logRecentOutput(ctx, "teardown")
	return m.removeForce(ctx)
}

// Stop stops the container without removing it.
func (m *Manager) Stop(ctx context.Context) error {
	return m.cfg.Engine.Stop(ctx, m.cfg.Container, m.cfg.StopTimeout)
}

// Remove force-removes the container.
func (m *Manager) Remove(ctx context.Context) error {
	return m.removeForce(ctx)
}

func (m *Manager) create(ctx context.Context) error {
	err := retry.Do(ctx, m.cfg.CommandRetry, "volume create", func(ctx context.Context) error {
		return m.cfg.Engine.EnsureVolume(ctx, m.cfg.Volume)
	})
	if err != nil {
		return NewLifecycleError(FailureCreate, "volume create", err)
	}
	err = retry.Do(ctx, m.cfg.CommandRetry, "container create", func(ctx context.Context) error {
		_, err := m.cfg.Engine.Create(ctx, m.createSpec())
		return err
	})
	if err != nil {
		return NewLifecycleError(FailureCreate, "container create", err)
	}
	m.cfg.Metrics.ObserveCreate()
	return nil
}

func (m *Manager) start(ctx context.Context) error {
	return retry.Do(ctx, m.cfg.CommandRetry, "container start", func(ctx context.Context) error {
		return m.cfg.Engine.Start(ctx, m.cfg.Container)
	})
}

func (m *Manager) removeForce(ctx context.Context) error {
	return retry.Do(ctx, m.cfg.CommandRetry, "container remove", func(ctx context.Context) error {
		return m.cfg.Engine.Remove(ctx, m.cfg.Container, true)
	})
}

// verifyWithRecreate verifies the display resolution, destroying and
// recreating the whole container when verification exhausts its attempts.
// Reconfiguration alone is not trusted at that point; the recreate budget
// makes the escalation policy explicit.
func (m *Manager) verifyWithRecreate(ctx context.Context, fresh bool) (bool, error) {
	err := m.VerifyResolution(ctx)
	if err == nil {
		return fresh, nil
	}
	log := m.logger(ctx)
	for attempt := 1; attempt <= m.cfg.RecreateBudget; attempt++ {
		log.Warn("desktop resolution verify failed, recreating", "attempt", attempt, "budget", m.cfg.RecreateBudget, "err", err)
		m.logRecentOutput(ctx, "verify failed")
		if rmErr := m.removeForce(ctx); rmErr != nil {
			return fresh, NewLifecycleError(FailureVerify, "remove for recreate", rmErr)
		}
		if cErr := m.create(ctx); cErr != nil {
			return fresh, cErr
		}
		fresh = true
		m.cfg.Metrics.ObserveRecreate()
		m.awaitManager(ctx)
		if cfgErr := m.Configure(ctx, true); cfgErr != nil {
			return fresh, cfgErr
		}
		err = m.VerifyResolution(ctx)
		if err == nil {
			return fresh, nil
		}
	}
	m.cfg.Metrics.ObserveProbeFailure("resolution")
	return fresh, NewLifecycleError(FailureVerify, "resolution verify", err)
}

func (m *Manager) createSpec() engine.CreateSpec {
	env := map[string]string{
		"VNC_RESOLUTION": m.cfg.Resolution,
		"VNC_COL_DEPTH":  strconv.Itoa(m.cfg.ColorDepth),
	}
	for key, value := range m.cfg.Env {
		env[key] = value
	}
	return engine.CreateSpec{
		Name:  m.cfg.Container,
		Image: m.cfg.Image,
		Ports: []engine.PortMap{{
			HostIP:        m.cfg.HostIP,
			HostPort:      m.cfg.HostPort,
			ContainerPort: m.cfg.VNCPort,
		}},
		Volumes: []engine.VolumeMount{{
			Volume: m.cfg.Volume,
			Target: m.cfg.VolumeTarget,
		}},
		Env:    env,
		Labels: map[string]string{managedLabel: "true"},
	}
}

func (m *Manager) logRecentOutput(ctx context.Context, reason string) {
	log := m.logger(ctx)
	tailCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	tail, err := m.cfg.Engine.TailLogs(tailCtx, m.cfg.Container, 50)
	if err != nil {
		log.Debug("desktop container logs unavailable", "reason", reason, "err", err)
		return
	}
	payload, truncated := clipTail(tail, 2000)
	log.Warn("desktop container log tail", "reason", reason, "truncated", truncated, "tail", payload)
}

func clipTail(text string, maxBytes int) (string, bool) {
	text = strings.TrimSpace(text)
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text, false
	}
	return text[len(text)-maxBytes:], true
}

func normalizePolicy(pol retry.Policy, attempts int, delay time.Duration, sleep retry.SleepFunc) retry.Policy {
	if pol.Attempts < 1 {
		pol.Attempts = attempts
	}
	if pol.Delay <= 0 {
		pol.Delay = delay
	}
	if pol.Sleep == nil {
		pol.Sleep = sleep
	}
	return pol
}

func validResolution(value string) bool {
	width, height, ok := strings.Cut(value, "x")
	if !ok || width == "" || height == "" {
		return false
	}
	for _, r := range width + height {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
