package desktop

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"pkt.systems/deskherd/internal/engine"
	"pkt.systems/deskherd/internal/retry"
	"pkt.systems/deskherd/internal/superconf"
)

// Configure rewrites the process manager config inside the container, resets
// the display auth token and, when the container is not fresh, soft-restarts
// the display and VNC programs. The rewrite is idempotent; applying it to an
// already-configured container produces the same file.
func (m *Manager) Configure(ctx context.Context, fresh bool) error {
	log := m.logger(ctx)
	log.Debug("desktop configure start", "fresh", fresh)
	err := retry.Do(ctx, m.cfg.CommandRetry, "manager config rewrite", func(ctx context.Context) error {
		return m.rewriteManagerConfig(ctx)
	})
	if err != nil {
		return NewLifecycleError(FailureConfigure, "manager config rewrite", err)
	}
	err = retry.Do(ctx, m.cfg.CommandRetry, "auth token reset", func(ctx context.Context) error {
		return m.resetAuthToken(ctx)
	})
	if err != nil {
		return NewLifecycleError(FailureConfigure, "auth token reset", err)
	}
	if !fresh {
		if err := m.softRestart(ctx); err != nil {
			return NewLifecycleError(FailureConfigure, "soft restart", err)
		}
	}
	log.Info("desktop configured", "fresh", fresh)
	return nil
}

// rewriteManagerConfig reads the supervisor config out of the container,
// forces the managed program sections and writes it back when changed.
func (m *Manager) rewriteManagerConfig(ctx context.Context) error {
	res, err := m.runChecked(ctx, m.rootSpec("cat", m.cfg.ManagerConf))
	if err != nil {
		return fmt.Errorf("read %s: %w", m.cfg.ManagerConf, err)
	}
	file, err := superconf.Parse([]byte(res.Stdout))
	if err != nil {
		return fmt.Errorf("parse %s: %w", m.cfg.ManagerConf, err)
	}
	m.applyManagedPrograms(file)
	rendered, err := file.Serialize()
	if err != nil {
		return fmt.Errorf("serialize %s: %w", m.cfg.ManagerConf, err)
	}
	if string(rendered) == res.Stdout {
		m.logger(ctx).Debug("desktop manager config unchanged")
		return nil
	}
	spec := m.rootSpec("tee", m.cfg.ManagerConf)
	spec.Stdin = strings.NewReader(string(rendered))
	if _, err := m.runChecked(ctx, spec); err != nil {
		return fmt.Errorf("write %s: %w", m.cfg.ManagerConf, err)
	}
	m.logger(ctx).Info("desktop manager config rewritten", "path", m.cfg.ManagerConf)
	return nil
}

// applyManagedPrograms forces the display and VNC sections: command lines
// carrying the configured resolution and port, the desktop user and home, and
// the shared X auth file.
func (m *Manager) applyManagedPrograms(file *superconf.File) {
	env := map[string]string{
		"HOME":       m.cfg.Home,
		"DISPLAY":    m.cfg.Display,
		"XAUTHORITY": m.authPath(),
	}
	display := file.Program(m.cfg.DisplayProgram)
	display.SetCommand(m.displayCommand())
	display.Set("user", m.cfg.User)
	display.Set("autorestart", "true")
	display.SetEnvironment(env)

	vnc := file.Program(m.cfg.VNCProgram)
	vnc.SetCommand(m.vncCommand())
	vnc.Set("user", m.cfg.User)
	vnc.Set("autorestart", "true")
	vnc.SetEnvironment(env)
}

func (m *Manager) displayCommand() string {
	return fmt.Sprintf("/usr/bin/Xvfb %s -screen 0 %sx%d -ac -nolisten tcp",
		m.cfg.Display, m.cfg.Resolution, m.cfg.ColorDepth)
}

func (m *Manager) vncCommand() string {
	return fmt.Sprintf("/usr/bin/x11vnc -display %s -rfbport %d -forever -shared -repeat -auth %s",
		m.cfg.Display, m.cfg.VNCPort, m.authPath())
}

func (m *Manager) authPath() string {
	return path.Join(m.cfg.Home, ".Xauthority")
}

// resetAuthToken replaces the X auth file with a single fresh cookie for the
// configured display.
func (m *Manager) resetAuthToken(ctx context.Context) error {
	cookie, err := m.cfg.NewCookie()
	if err != nil {
		return fmt.Errorf("generate cookie: %w", err)
	}
	if _, err := m.runChecked(ctx, m.userSpec("rm", "-f", m.authPath())); err != nil {
		return err
	}
	if _, err := m.runChecked(ctx, m.userSpec("xauth", "-f", m.authPath(), "add", m.cfg.Display, ".", cookie)); err != nil {
		return err
	}
	m.logger(ctx).Debug("desktop auth token reset", "path", m.authPath())
	return nil
}

// softRestart reloads the process manager config and restarts the display and
// VNC programs, then waits for them to settle.
func (m *Manager) softRestart(ctx context.Context) error {
	log := m.logger(ctx)
	log.Info("desktop soft restart", "programs", m.cfg.DisplayProgram+" "+m.cfg.VNCProgram)
	steps := [][]string{
		{"supervisorctl", "reread"},
		{"supervisorctl", "update"},
		{"supervisorctl", "restart", m.cfg.DisplayProgram, m.cfg.VNCProgram},
	}
	for _, argv := range steps {
		err := retry.Do(ctx, m.cfg.CommandRetry, "supervisorctl "+argv[1], func(ctx context.Context) error {
			_, err := m.runChecked(ctx, m.rootSpec(argv...))
			return err
		})
		if err != nil {
			return err
		}
	}
	if err := m.cfg.Sleep(ctx, m.cfg.Settle); err != nil {
		return err
	}
	return nil
}

func (m *Manager) runChecked(ctx context.Context, spec engine.ExecSpec) (engine.ExecResult, error) {
	res, err := m.cfg.Engine.Exec(ctx, m.cfg.Container, spec)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("%s exited %d: %s", spec.Command[0], res.ExitCode, lastLine(res.Stderr))
	}
	return res, nil
}

func (m *Manager) rootSpec(argv ...string) engine.ExecSpec {
	return engine.ExecSpec{Command: argv, Timeout: m.cfg.ExecTimeout}
}

func (m *Manager) userSpec(argv ...string) engine.ExecSpec {
	return engine.ExecSpec{
		Command: argv,
		User:    m.cfg.User,
		Env: map[string]string{
			"HOME":       m.cfg.Home,
			"DISPLAY":    m.cfg.Display,
			"XAUTHORITY": m.authPath(),
		},
		Timeout: m.cfg.ExecTimeout,
	}
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func newAuthCookie() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
