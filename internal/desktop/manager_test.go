package desktop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/deskherd/internal/engine"
	"pkt.systems/deskherd/internal/metrics"
	"pkt.systems/deskherd/internal/retry"
)

const testImage = "docker.io/pktsystems/deskherd-desktop:latest"

// imageConf is what the desktop image ships before any rewrite.
const imageConf = `[supervisord]
nodaemon=true

[program:xvfb]
command=/usr/bin/Xvfb :1 -screen 0 1024x768x16
autorestart=false

[program:x11vnc]
command=/usr/bin/x11vnc -display :1 -rfbport 5901
autorestart=false
`

// fakeEngine simulates a one-container engine. Exec is dispatched on argv so
// the manager's container-side commands run against predictable answers.
type fakeEngine struct {
	state engine.State
	id    string
	image string

	conf string

	// resolutions are successive xdpyinfo answers; the last entry repeats.
	resolutions []string
	resIdx      int

	// managerDelay is how many supervisorctl pid probes fail before the
	// daemon answers.
	managerDelay int
	pidProbes    int

	procsUp  bool
	portOpen bool

	// catFails makes that many config reads fail before succeeding.
	catFails int

	inspectErr error
	createErr  error
	startErr   error
	removeErr  error
	volumeErr  error
	execErr    error

	calls    []string
	creates  int
	starts   int
	removes  int
	tees     int
	restarts int
}

func newFakeEngine(state engine.State) *fakeEngine {
	f := &fakeEngine{state: state, portOpen: true}
	if state != engine.StateAbsent {
		f.id = "c0"
		f.image = testImage
		f.conf = imageConf
		f.procsUp = true
	}
	return f
}

func (f *fakeEngine) record(parts ...string) {
	f.calls = append(f.calls, strings.Join(parts, " "))
}

func (f *fakeEngine) Ping(ctx context.Context) error {
	f.record("ping")
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, name string) (engine.Status, error) {
	f.record("inspect", name)
	if f.inspectErr != nil {
		return engine.Status{}, f.inspectErr
	}
	return engine.Status{State: f.state, ID: f.id, Image: f.image}, nil
}

func (f *fakeEngine) Create(ctx context.Context, spec engine.CreateSpec) (string, error) {
	f.record("create", spec.Image)
	f.creates++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.state = engine.StateRunning
	f.id = fmt.Sprintf("c%d", f.creates)
	f.image = spec.Image
	f.conf = imageConf
	f.procsUp = true
	return f.id, nil
}

func (f *fakeEngine) Start(ctx context.Context, name string) error {
	f.record("start", name)
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.state = engine.StateRunning
	f.procsUp = true
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context, name string, timeout time.Duration) error {
	f.record("stop", name)
	f.state = engine.StateStopped
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, name string, force bool) error {
	f.record("remove", name)
	f.removes++
	if f.removeErr != nil {
		return f.removeErr
	}
	f.state = engine.StateAbsent
	f.id = ""
	return nil
}

func (f *fakeEngine) EnsureVolume(ctx context.Context, name string) error {
	f.record("volume", name)
	return f.volumeErr
}

func (f *fakeEngine) Exec(ctx context.Context, name string, spec engine.ExecSpec) (engine.ExecResult, error) {
	f.record(append([]string{"exec"}, spec.Command...)...)
	if f.execErr != nil {
		return engine.ExecResult{}, f.execErr
	}
	if f.state != engine.StateRunning {
		return engine.ExecResult{}, fmt.Errorf("container %s is not running", name)
	}
	argv := spec.Command
	switch argv[0] {
	case "cat":
		if f.catFails > 0 {
			f.catFails--
			return engine.ExecResult{ExitCode: 1, Stderr: "cat: " + argv[1] + ": No such file or directory"}, nil
		}
		return engine.ExecResult{Stdout: f.conf}, nil
	case "tee":
		data, err := io.ReadAll(spec.Stdin)
		if err != nil {
			return engine.ExecResult{}, err
		}
		f.conf = string(data)
		f.tees++
		return engine.ExecResult{Stdout: string(data)}, nil
	case "rm", "xauth":
		return engine.ExecResult{}, nil
	case "xdpyinfo":
		out := fmt.Sprintf("screen #0:\n  dimensions:    %s pixels (361x169 millimeters)\n", f.nextResolution())
		return engine.ExecResult{Stdout: out}, nil
	case "supervisorctl":
		return f.supervisorctl(argv[1:]), nil
	}
	return engine.ExecResult{ExitCode: 127, Stderr: "command not found: " + argv[0]}, nil
}

func (f *fakeEngine) supervisorctl(args []string) engine.ExecResult {
	switch args[0] {
	case "pid":
		if f.pidProbes < f.managerDelay {
			f.pidProbes++
			return engine.ExecResult{ExitCode: 2, Stderr: "unix:///run/supervisor.sock no such file"}
		}
		f.pidProbes++
		return engine.ExecResult{Stdout: "7\n"}
	case "reread", "update":
		return engine.ExecResult{}
	case "restart":
		f.restarts++
		return engine.ExecResult{}
	case "status":
		names := args[1:]
		if len(names) == 0 {
			names = []string{"xvfb", "x11vnc"}
		}
		var b strings.Builder
		exit := 0
		for _, name := range names {
			if f.procsUp {
				fmt.Fprintf(&b, "%-32s RUNNING   pid 10, uptime 0:00:12\n", name)
			} else {
				fmt.Fprintf(&b, "%-32s STARTING\n", name)
				exit = 3
			}
		}
		return engine.ExecResult{Stdout: b.String(), ExitCode: exit}
	}
	return engine.ExecResult{ExitCode: 2, Stderr: "unknown action"}
}

func (f *fakeEngine) nextResolution() string {
	if len(f.resolutions) == 0 {
		return "1366x641"
	}
	i := f.resIdx
	if i >= len(f.resolutions) {
		i = len(f.resolutions) - 1
	}
	f.resIdx++
	return f.resolutions[i]
}

func (f *fakeEngine) TailLogs(ctx context.Context, name string, limit int) (string, error) {
	f.record("logs", name)
	return "supervisord started\nxvfb entered RUNNING state\n", nil
}

func (f *fakeEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	f.record("image", image)
	return true, nil
}

func countCalls(eng *fakeEngine, prefix string) int {
	n := 0
	for _, call := range eng.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func callIndex(eng *fakeEngine, prefix string) int {
	for i, call := range eng.calls {
		if strings.HasPrefix(call, prefix) {
			return i
		}
	}
	return -1
}

func testConfig(eng *fakeEngine) Config {
	return Config{
		Engine:          eng,
		Container:       "deskherd-desktop",
		Image:           testImage,
		Volume:          "deskherd-home",
		VolumeTarget:    "/home/headless",
		HostIP:          "127.0.0.1",
		HostPort:        5901,
		VNCPort:         5901,
		Display:         ":1",
		Resolution:      "1366x641",
		ColorDepth:      24,
		User:            "headless",
		Home:            "/home/headless",
		ManagerConf:     "/etc/supervisor/conf.d/desktop.conf",
		DisplayProgram:  "xvfb",
		VNCProgram:      "x11vnc",
		CommandRetry:    retry.Policy{Attempts: 2, Delay: time.Millisecond},
		ResolutionRetry: retry.Policy{Attempts: 2, Delay: time.Millisecond},
		ReadyRetry:      retry.Policy{Attempts: 3, Delay: time.Millisecond},
		PortRetry:       retry.Policy{Attempts: 2, Delay: time.Millisecond},
		ManagerWait:     retry.Policy{Attempts: 3, Delay: time.Millisecond},
		RecreateBudget:  1,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return ctx.Err()
		},
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			if !eng.portOpen {
				return nil, errors.New("connection refused")
			}
			client, server := net.Pipe()
			server.Close()
			return client, nil
		},
		NewCookie: func() (string, error) { return "deadbeefcafe", nil },
	}
}

func newTestManager(t *testing.T, eng *fakeEngine) *Manager {
	t.Helper()
	m, err := NewManager(testConfig(eng))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestEnsureCreatesWhenAbsent(t *testing.T) {
	eng := newFakeEngine(engine.StateAbsent)
	m := newTestManager(t, eng)

	fresh, err := m.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !fresh {
		t.Fatalf("expected fresh container")
	}
	if eng.creates != 1 {
		t.Fatalf("expected 1 create, got %d", eng.creates)
	}
	if n := countCalls(eng, "volume"); n != 1 {
		t.Fatalf("expected 1 volume create, got %d", n)
	}
	if eng.restarts != 0 {
		t.Fatalf("fresh container must not be soft-restarted, got %d restarts", eng.restarts)
	}
	if !strings.Contains(eng.conf, "1366x641x24") {
		t.Fatalf("display command not forced into config:\n%s", eng.conf)
	}
	if !strings.Contains(eng.conf, "user=headless") {
		t.Fatalf("user not forced into config:\n%s", eng.conf)
	}
}

func TestEnsureCreatesOnceAndReappliesConfig(t *testing.T) {
	eng := newFakeEngine(engine.StateAbsent)
	m := newTestManager(t, eng)
	ctx := context.Background()

	if _, err := m.Ensure(ctx); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	firstConf := eng.conf
	fresh, err := m.Ensure(ctx)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if fresh {
		t.Fatalf("second Ensure must not report fresh")
	}
	if eng.creates != 1 {
		t.Fatalf("expected exactly 1 create across both runs, got %d", eng.creates)
	}
	if eng.tees != 1 {
		t.Fatalf("expected config written once, rewrite must be idempotent, got %d writes", eng.tees)
	}
	if eng.conf != firstConf {
		t.Fatalf("config changed on re-apply:\n%s", eng.conf)
	}
	if eng.restarts != 1 {
		t.Fatalf("expected soft restart on the non-fresh run, got %d", eng.restarts)
	}
}

func TestEnsureStartsStoppedContainer(t *testing.T) {
	eng := newFakeEngine(engine.StateStopped)
	m := newTestManager(t, eng)

	fresh, err := m.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if fresh {
		t.Fatalf("started container must not report fresh")
	}
	if eng.starts != 1 || eng.creates != 0 {
		t.Fatalf("expected 1 start and 0 creates, got %d starts %d creates", eng.starts, eng.creates)
	}
	if eng.restarts != 1 {
		t.Fatalf("expected soft restart after start, got %d", eng.restarts)
	}
	if eng.tees != 1 {
		t.Fatalf("expected config rewritten, got %d writes", eng.tees)
	}
}

func TestEnsureRecreatesWhenStartExhausts(t *testing.T) {
	eng := newFakeEngine(engine.StateStopped)
	eng.startErr = errors.New("oci runtime error")
	m := newTestManager(t, eng)

	fresh, err := m.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !fresh {
		t.Fatalf("replacement container must report fresh")
	}
	if eng.starts != 2 {
		t.Fatalf("expected start retried twice, got %d", eng.starts)
	}
	if eng.removes != 1 || eng.creates != 1 {
		t.Fatalf("expected 1 remove and 1 create, got %d removes %d creates", eng.removes, eng.creates)
	}
}

func TestEnsureReplacesContainerOnceWhenVerifyExhausts(t *testing.T) {
	eng := newFakeEngine(engine.StateAbsent)
	eng.resolutions = []string{"1024x768"}
	m := newTestManager(t, eng)

	fresh, err := m.Ensure(context.Background())
	if err == nil {
		t.Fatalf("expected verify failure")
	}
	var le *LifecycleError
	if !errors.As(err, &le) || le.Kind != FailureVerify {
		t.Fatalf("expected %s error, got %v", FailureVerify, err)
	}
	if !fresh {
		t.Fatalf("replacement attempt must report fresh")
	}
	if eng.creates != 2 {
		t.Fatalf("expected initial create plus exactly one replacement, got %d creates", eng.creates)
	}
	if eng.removes != 1 {
		t.Fatalf("expected exactly one remove, got %d", eng.removes)
	}
	if !strings.Contains(err.Error(), "1024x768") {
		t.Fatalf("error should carry the observed resolution, got %v", err)
	}
	if countCalls(eng, "logs") == 0 {
		t.Fatalf("expected container log tail before replacement")
	}
}

func TestEnsureRecoversWhenReplacementVerifies(t *testing.T) {
	eng := newFakeEngine(engine.StateAbsent)
	eng.resolutions = []string{"800x600", "800x600", "1366x641"}
	m := newTestManager(t, eng)

	fresh, err := m.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !fresh {
		t.Fatalf("expected fresh after replacement")
	}
	if eng.creates != 2 || eng.removes != 1 {
		t.Fatalf("expected 2 creates and 1 remove, got %d and %d", eng.creates, eng.removes)
	}
}

func TestEnsureWaitsForManager(t *testing.T) {
	eng := newFakeEngine(engine.StateRunning)
	eng.managerDelay = 1
	m := newTestManager(t, eng)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if n := countCalls(eng, "exec supervisorctl pid"); n != 2 {
		t.Fatalf("expected 2 manager probes, got %d", n)
	}
}

func TestEnsureContinuesWhenManagerProbeExhausts(t *testing.T) {
	eng := newFakeEngine(engine.StateRunning)
	eng.managerDelay = 99
	m := newTestManager(t, eng)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("manager probe exhaustion must not fail Ensure: %v", err)
	}
	if n := countCalls(eng, "exec supervisorctl pid"); n != 3 {
		t.Fatalf("expected 3 manager probes, got %d", n)
	}
}

func TestEnsureFailsWhenProcessesNeverReady(t *testing.T) {
	eng := newFakeEngine(engine.StateRunning)
	eng.procsUp = false
	m := newTestManager(t, eng)

	_, err := m.Ensure(context.Background())
	var le *LifecycleError
	if !errors.As(err, &le) || le.Kind != FailureReady {
		t.Fatalf("expected %s error, got %v", FailureReady, err)
	}
	if n := countCalls(eng, "exec supervisorctl status"); n != 3 {
		t.Fatalf("expected readiness polled 3 times, got %d", n)
	}
}

func TestEnsureFailsWhenPortNeverOpens(t *testing.T) {
	eng := newFakeEngine(engine.StateRunning)
	eng.portOpen = false
	m := newTestManager(t, eng)

	_, err := m.Ensure(context.Background())
	var le *LifecycleError
	if !errors.As(err, &le) || le.Kind != FailurePort {
		t.Fatalf("expected %s error, got %v", FailurePort, err)
	}
}

func TestEnsureWrapsInspectFailure(t *testing.T) {
	eng := newFakeEngine(engine.StateAbsent)
	eng.inspectErr = errors.New("cannot connect to the engine daemon")
	m := newTestManager(t, eng)

	_, err := m.Ensure(context.Background())
	var le *LifecycleError
	if !errors.As(err, &le) || le.Kind != FailureEngine {
		t.Fatalf("expected %s error, got %v", FailureEngine, err)
	}
}

func TestTeardownTailsLogsBeforeRemoving(t *testing.T) {
	eng := newFakeEngine(engine.StateRunning)
	m := newTestManager(t, eng)

	if err := m.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	logsAt := callIndex(eng, "logs")
	removeAt := callIndex(eng, "remove")
	if logsAt == -1 || removeAt == -1 || logsAt > removeAt {
		t.Fatalf("expected log tail before remove, calls: %v", eng.calls)
	}
	if eng.state != engine.StateAbsent {
		t.Fatalf("expected container removed, state %s", eng.state)
	}
}

func TestEnsureObservesLifecycleMetrics(t *testing.T) {
	eng := newFakeEngine(engine.StateAbsent)
	eng.resolutions = []string{"1024x768"}
	cfg := testConfig(eng)
	cfg.Metrics = metrics.New()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := m.Ensure(context.Background()); err == nil {
		t.Fatalf("expected verify failure")
	}
	rec := httptest.NewRecorder()
	cfg.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"deskherd_container_creates_total 2",
		"deskherd_container_recreates_total 1",
		`deskherd_probe_failures_total{probe="resolution"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestNewManagerValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing engine", func(c *Config) { c.Engine = nil }, "engine is required"},
		{"missing container", func(c *Config) { c.Container = " " }, "container name"},
		{"bad resolution", func(c *Config) { c.Resolution = "1366" }, "WIDTHxHEIGHT"},
		{"non-numeric resolution", func(c *Config) { c.Resolution = "axb" }, "WIDTHxHEIGHT"},
		{"bad display", func(c *Config) { c.Display = "1" }, "colon"},
		{"bad host port", func(c *Config) { c.HostPort = 0 }, "out of range"},
		{"missing manager conf", func(c *Config) { c.ManagerConf = "" }, "manager config path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(newFakeEngine(engine.StateAbsent))
			tc.mutate(&cfg)
			_, err := NewManager(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
