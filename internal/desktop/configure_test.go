package desktop

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/deskherd/internal/engine"
	"pkt.systems/deskherd/internal/superconf"
)

func TestConfigureForcesManagedSections(t *testing.T) {
	eng := newFakeEngine(engine.StateRunning)
	m := newTestManager(t, eng)

	if err := m.Configure(context.Background(), true); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	file, err := superconf.Parse([]byte(eng.conf))
	if err != nil {
		t.Fatalf("parse rewritten config: %v", err)
	}
	display := file.Program("xvfb")
	if got, want := display.Command(), "/usr/bin/Xvfb :1 -screen 0 1366x641x24 -ac -nolisten tcp"; got != want {
		t.Fatalf("display command = %q, want %q", got, want)
	}
	vnc := file.Program("x11vnc")
	if got, want := vnc.Command(), "/usr/bin/x11vnc -display :1 -rfbport 5901 -forever -shared -repeat -auth /home/headless/.Xauthority"; got != want {
		t.Fatalf("vnc command = %q, want %q", got, want)
	}
	for _, prog := range []*superconf.Program{display, vnc} {
		if got := prog.Get("user"); got != "headless" {
			t.Fatalf("%s user = %q, want headless", prog.Name(), got)
		}
		if got := prog.Get("autorestart"); got != "true" {
			t.Fatalf("%s autorestart = %q, want true", prog.Name(), got)
		}
		env := prog.Get("environment")
		for _, want := range []string{`DISPLAY=":1"`, `HOME="/home/headless"`, `XAUTHORITY="/home/headless/.Xauthority"`} {
			if !strings.Contains(env, want) {
				t.Fatalf("%s environment %q missing %q", prog.Name(), env, want)
			}
		}
	}
	if eng.restarts != 0 {
		t.Fatalf("fresh configure must not restart programs, got %d", eng.restarts)
	}
}

func TestConfigureSoftRestartsWhenNotFresh(t *testing.T) {
	eng := newFakeEngine(engine.StateRunning)
	m := newTestManager(t, eng)

	if err := m.Configure(context.Background(), false); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if eng.restarts != 1 {
		t.Fatalf("expected 1 restart, got %d", eng.restarts)
	}
	reread := callIndex(eng, "exec supervisorctl reread")
	update := callIndex(eng, "exec supervisorctl update")
	restart := callIndex(eng, "exec supervisorctl restart xvfb x11vnc")
	if reread == -1 || update == -1 || restart == -1 {
		t.Fatalf("missing supervisorctl step, calls: %v", eng.calls)
	}
	if !(reread < update && update < restart) {
		t.Fatalf("supervisorctl steps out of order: reread=%d update=%d restart=%d", reread, update, restart)
	}
}

func TestConfigureResetsAuthToken(t *testing.T) {
	eng := newFakeEngine(engine.StateRunning)
	m := newTestManager(t, eng)

	if err := m.Configure(context.Background(), true); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if callIndex(eng, "exec rm -f /home/headless/.Xauthority") == -1 {
		t.Fatalf("auth file not removed, calls: %v", eng.calls)
	}
	if callIndex(eng, "exec xauth -f /home/headless/.Xauthority add :1 . deadbeefcafe") == -1 {
		t.Fatalf("auth cookie not installed, calls: %v", eng.calls)
	}
}

func TestConfigureSkipsWriteWhenUnchanged(t *testing.T) {
	eng := newFakeEngine(engine.StateRunning)
	m := newTestManager(t, eng)
	ctx := context.Background()

	if err := m.Configure(ctx, true); err != nil {
		t.Fatalf("first Configure: %v", err)
	}
	if err := m.Configure(ctx, true); err != nil {
		t.Fatalf("second Configure: %v", err)
	}
	if eng.tees != 1 {
		t.Fatalf("expected 1 config write, got %d", eng.tees)
	}
}

func TestConfigureRetriesTransientReadFailure(t *testing.T) {
	eng := newFakeEngine(engine.StateRunning)
	eng.catFails = 1
	m := newTestManager(t, eng)

	if err := m.Configure(context.Background(), true); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if n := countCalls(eng, "exec cat"); n != 2 {
		t.Fatalf("expected 2 config reads, got %d", n)
	}
}

func TestConfigureFailsWhenRewriteExhausts(t *testing.T) {
	eng := newFakeEngine(engine.StateRunning)
	eng.catFails = 99
	m := newTestManager(t, eng)

	err := m.Configure(context.Background(), true)
	var le *LifecycleError
	if !errors.As(err, &le) || le.Kind != FailureConfigure {
		t.Fatalf("expected %s error, got %v", FailureConfigure, err)
	}
	if n := countCalls(eng, "exec cat"); n != 2 {
		t.Fatalf("expected rewrite bounded to 2 attempts, got %d reads", n)
	}
}
