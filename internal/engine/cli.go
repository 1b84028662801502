package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// Config configures the CLI engine.
type Config struct {
	// Binary is the engine CLI name or path (docker or podman).
	Binary string
	// Commander overrides command execution; nil execs Binary directly.
	Commander Commander
}

// CLI implements Engine by invoking the engine binary. Arguments stay within
// the docker/podman shared command surface.
type CLI struct {
	binary string
	run    Commander
}

// New constructs a CLI engine.
func New(cfg Config) (*CLI, error) {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		return nil, errors.New("engine binary is required")
	}
	run := cfg.Commander
	if run == nil {
		run = NewCommander(binary)
	}
	return &CLI{binary: binary, run: run}, nil
}

// Binary returns the configured engine binary.
func (c *CLI) Binary() string { return c.binary }

func (c *CLI) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("engine", c.binary)
}

// Ping verifies the engine daemon answers.
func (c *CLI) Ping(ctx context.Context) error {
	log := c.logger(ctx)
	res, err := c.run.Run(ctx, Request{Args: []string{"info"}})
	if err != nil {
		log.Debug("engine ping failed", "err", err)
		return fmt.Errorf("engine ping: %w", err)
	}
	if res.ExitCode != 0 {
		log.Debug("engine ping failed", "exit_code", res.ExitCode, "stderr", stderrTail(res.Stderr))
		return commandError("ping", res)
	}
	log.Debug("engine ping ok", "duration_ms", res.Duration.Milliseconds())
	return nil
}

// Inspect reports container state by name. A missing container is
// StateAbsent, not an error.
func (c *CLI) Inspect(ctx context.Context, name string) (Status, error) {
	if strings.TrimSpace(name) == "" {
		return Status{}, errors.New("container name is required")
	}
	log := c.logger(ctx).With("container", name)
	res, err := c.run.Run(ctx, Request{Args: []string{
		"container", "inspect", "--format", "{{.Id}}|{{.State.Status}}|{{.Config.Image}}", name,
	}})
	if err != nil {
		log.Warn("engine inspect failed", "err", err)
		return Status{}, fmt.Errorf("engine inspect %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		if isNotFound(res.Stderr) {
			log.Debug("engine inspect absent")
			return Status{State: StateAbsent}, nil
		}
		log.Warn("engine inspect failed", "exit_code", res.ExitCode, "stderr", stderrTail(res.Stderr))
		return Status{}, commandError("inspect", res)
	}
	status, err := parseInspect(res.Stdout)
	if err != nil {
		log.Warn("engine inspect failed", "err", err)
		return Status{}, err
	}
	log.Debug("engine inspect ok", "state", string(status.State), "id", status.ID)
	return status, nil
}

// Create creates and starts a detached container.
func (c *CLI) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", errors.New("container image is required")
	}
	log := c.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("engine create start")
	args := []string{"run", "--detach", "--name", spec.Name}
	for _, port := range spec.Ports {
		args = append(args, "--publish", formatPort(port))
	}
	for _, mount := range spec.Volumes {
		args = append(args, "--volume", mount.Volume+":"+mount.Target)
	}
	for _, kv := range mapToArgs(spec.Env) {
		args = append(args, "--env", kv)
	}
	for _, kv := range mapToArgs(spec.Labels) {
		args = append(args, "--label", kv)
	}
	args = append(args, spec.Image)

	res, err := c.run.Run(ctx, Request{Args: args})
	if err != nil {
		log.Warn("engine create failed", "err", err)
		return "", fmt.Errorf("engine create %s: %w", spec.Name, err)
	}
	if res.ExitCode != 0 {
		log.Warn("engine create failed", "exit_code", res.ExitCode, "stderr", stderrTail(res.Stderr))
		return "", commandError("create", res)
	}
	id := strings.TrimSpace(res.Stdout)
	log.Info("engine create ok", "id", id)
	return id, nil
}

// Start starts an existing stopped container.
func (c *CLI) Start(ctx context.Context, name string) error {
	log := c.logger(ctx).With("container", name)
	log.Info("engine start start")
	res, err := c.run.Run(ctx, Request{Args: []string{"start", name}})
	if err != nil {
		log.Warn("engine start failed", "err", err)
		return fmt.Errorf("engine start %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		log.Warn("engine start failed", "exit_code", res.ExitCode, "stderr", stderrTail(res.Stderr))
		return commandError("start", res)
	}
	log.Info("engine start ok")
	return nil
}

// Stop stops a running container. Missing containers are not an error.
func (c *CLI) Stop(ctx context.Context, name string, timeout time.Duration) error {
	log := c.logger(ctx).With("container", name)
	seconds := int(timeout.Seconds())
	if seconds <= 0 {
		seconds = 10
	}
	log.Info("engine stop start", "timeout_s", seconds)
	res, err := c.run.Run(ctx, Request{Args: []string{"stop", "--time", strconv.Itoa(seconds), name}})
	if err != nil {
		log.Warn("engine stop failed", "err", err)
		return fmt.Errorf("engine stop %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		if isNotFound(res.Stderr) {
			log.Info("engine stop skipped", "reason", "not found")
			return nil
		}
		log.Warn("engine stop failed", "exit_code", res.ExitCode, "stderr", stderrTail(res.Stderr))
		return commandError("stop", res)
	}
	log.Info("engine stop ok")
	return nil
}

// Remove removes a container. Missing containers are not an error.
func (c *CLI) Remove(ctx context.Context, name string, force bool) error {
	log := c.logger(ctx).With("container", name)
	log.Info("engine remove start", "force", force)
	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, name)
	res, err := c.run.Run(ctx, Request{Args: args})
	if err != nil {
		log.Warn("engine remove failed", "err", err)
		return fmt.Errorf("engine remove %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		if isNotFound(res.Stderr) {
			log.Info("engine remove skipped", "reason", "not found")
			return nil
		}
		log.Warn("engine remove failed", "exit_code", res.ExitCode, "stderr", stderrTail(res.Stderr))
		return commandError("remove", res)
	}
	log.Info("engine remove ok")
	return nil
}

// EnsureVolume creates the named volume when it does not already exist.
func (c *CLI) EnsureVolume(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("volume name is required")
	}
	log := c.logger(ctx).With("volume", name)
	res, err := c.run.Run(ctx, Request{Args: []string{"volume", "create", name}})
	if err != nil {
		log.Warn("engine volume create failed", "err", err)
		return fmt.Errorf("engine volume create %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		if isAlreadyExists(res.Stderr) {
			log.Debug("engine volume exists")
			return nil
		}
		log.Warn("engine volume create failed", "exit_code", res.ExitCode, "stderr", stderrTail(res.Stderr))
		return commandError("volume create", res)
	}
	log.Info("engine volume create ok")
	return nil
}

// Exec runs a command inside a running container.
func (c *CLI) Exec(ctx context.Context, name string, spec ExecSpec) (ExecResult, error) {
	if strings.TrimSpace(name) == "" {
		return ExecResult{}, errors.New("container name is required")
	}
	if len(spec.Command) == 0 {
		return ExecResult{}, errors.New("exec command is required")
	}
	log := c.logger(ctx).With("container", name, "cmd", spec.Command[0])
	log.Debug("engine exec start")
	ctx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()

	args := []string{"exec"}
	if spec.Stdin != nil {
		args = append(args, "--interactive")
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.WorkingDir != "" {
		args = append(args, "--workdir", spec.WorkingDir)
	}
	for _, kv := range mapToArgs(spec.Env) {
		args = append(args, "--env", kv)
	}
	args = append(args, name)
	args = append(args, spec.Command...)

	started := time.Now()
	res, err := c.run.Run(ctx, Request{
		Args:   args,
		Stdin:  spec.Stdin,
		Stdout: spec.Stdout,
		Stderr: spec.Stderr,
	})
	finished := time.Now()
	if err != nil {
		log.Warn("engine exec failed", "err", err)
		return ExecResult{}, fmt.Errorf("engine exec %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		log.Warn("engine exec nonzero", "exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds())
	} else {
		log.Debug("engine exec ok", "exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds())
	}
	return ExecResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Started:  started,
		Finished: finished,
	}, nil
}

// TailLogs returns up to limit recent log lines, stdout then stderr.
func (c *CLI) TailLogs(ctx context.Context, name string, limit int) (string, error) {
	if limit <= 0 {
		limit = 50
	}
	log := c.logger(ctx).With("container", name)
	res, err := c.run.Run(ctx, Request{Args: []string{"logs", "--tail", strconv.Itoa(limit), name}})
	if err != nil {
		log.Warn("engine logs failed", "err", err)
		return "", fmt.Errorf("engine logs %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		log.Warn("engine logs failed", "exit_code", res.ExitCode, "stderr", stderrTail(res.Stderr))
		return "", commandError("logs", res)
	}
	out := res.Stdout
	if res.Stderr != "" {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += res.Stderr
	}
	return out, nil
}

// ImageExists reports whether the image is present locally.
func (c *CLI) ImageExists(ctx context.Context, image string) (bool, error) {
	if strings.TrimSpace(image) == "" {
		return false, errors.New("image is required")
	}
	res, err := c.run.Run(ctx, Request{Args: []string{"image", "inspect", "--format", "{{.Id}}", image}})
	if err != nil {
		return false, fmt.Errorf("engine image inspect %s: %w", image, err)
	}
	if res.ExitCode != 0 {
		if isNotFound(res.Stderr) {
			return false, nil
		}
		return false, commandError("image inspect", res)
	}
	return true, nil
}

func parseInspect(out string) (Status, error) {
	line := strings.TrimSpace(out)
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return Status{}, fmt.Errorf("engine inspect: unexpected output %q", line)
	}
	status := Status{ID: parts[0], Image: parts[2]}
	if parts[1] == "running" {
		status.State = StateRunning
	} else {
		status.State = StateStopped
	}
	return status, nil
}

func formatPort(port PortMap) string {
	if strings.TrimSpace(port.HostIP) != "" {
		return fmt.Sprintf("%s:%d:%d", port.HostIP, port.HostPort, port.ContainerPort)
	}
	return fmt.Sprintf("%d:%d", port.HostPort, port.ContainerPort)
}

func mapToArgs(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for key, value := range values {
		out = append(out, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(out)
	return out
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func commandError(op string, res Result) error {
	detail := stderrTail(res.Stderr)
	if detail == "" {
		detail = stderrTail(res.Stdout)
	}
	if detail == "" {
		return fmt.Errorf("engine %s failed: exit %d", op, res.ExitCode)
	}
	return fmt.Errorf("engine %s failed: exit %d: %s", op, res.ExitCode, detail)
}

// stderrTail returns the last non-empty line, enough for a log field without
// dumping full command output.
func stderrTail(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func isNotFound(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "no such") || strings.Contains(lower, "not found")
}

func isAlreadyExists(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "already exists")
}
