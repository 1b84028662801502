package main

import (
	"testing"
	"time"

	"pkt.systems/deskherd/internal/appconfig"
)

func TestManagerConfigMapsRetryPolicies(t *testing.T) {
	cfg := appconfig.Config{
		Desktop: appconfig.DesktopConfig{
			Container:      "desk",
			Image:          "img",
			Volume:         "vol",
			VolumeTarget:   "/home/headless",
			HostIP:         "127.0.0.1",
			HostPort:       5901,
			VNCPort:        5901,
			Display:        ":1",
			Resolution:     "1366x641",
			ColorDepth:     24,
			User:           "headless",
			Home:           "/home/headless",
			SupervisorConf: "/etc/supervisor/conf.d/desktop.conf",
			DisplayProgram: "xvfb",
			VNCProgram:     "x11vnc",
		},
		Retry: appconfig.RetryConfig{
			CommandAttempts:     3,
			CommandDelaySeconds: 5,
			ReadyAttempts:       10,
			ReadyDelaySeconds:   3,
			SettleSeconds:       7,
			RecreateAttempts:    2,
		},
		Engine: appconfig.EngineConfig{ExecTimeoutSeconds: 90},
	}

	out := managerConfig(cfg, nil, nil)
	if out.CommandRetry.Attempts != 3 || out.CommandRetry.Delay != 5*time.Second {
		t.Fatalf("command retry = %d/%s, want 3/5s", out.CommandRetry.Attempts, out.CommandRetry.Delay)
	}
	if out.ReadyRetry.Attempts != 10 || out.ReadyRetry.Delay != 3*time.Second {
		t.Fatalf("ready retry = %d/%s, want 10/3s", out.ReadyRetry.Attempts, out.ReadyRetry.Delay)
	}
	if out.Settle != 7*time.Second {
		t.Fatalf("settle = %s, want 7s", out.Settle)
	}
	if out.RecreateBudget != 2 {
		t.Fatalf("recreate budget = %d, want 2", out.RecreateBudget)
	}
	if out.ExecTimeout != 90*time.Second {
		t.Fatalf("exec timeout = %s, want 90s", out.ExecTimeout)
	}
	if out.ManagerConf != "/etc/supervisor/conf.d/desktop.conf" {
		t.Fatalf("manager conf = %q", out.ManagerConf)
	}
}

func TestWorkloadConfigForcesDesktopIdentity(t *testing.T) {
	cfg := appconfig.Config{
		Desktop: appconfig.DesktopConfig{
			Container: "desk",
			User:      "headless",
			Home:      "/home/headless",
			Display:   ":1",
		},
		Workload: appconfig.WorkloadConfig{
			Dir:            "/opt/workload",
			SetupArgs:      []string{"/opt/workload/entry.sh", "--setup"},
			ResumeArgs:     []string{"/opt/workload/entry.sh", "--resume"},
			TimeoutMinutes: 30,
		},
	}

	out := workloadConfig(cfg, nil)
	if out.Container != "desk" {
		t.Fatalf("container = %q, want desk", out.Container)
	}
	if out.User != "headless" || out.Display != ":1" {
		t.Fatalf("identity = %q/%q, want headless/:1", out.User, out.Display)
	}
	if out.AuthFile != "/home/headless/.Xauthority" {
		t.Fatalf("auth file = %q", out.AuthFile)
	}
	if out.Timeout != 30*time.Minute {
		t.Fatalf("timeout = %s, want 30m", out.Timeout)
	}
}

func TestSecondsPolicy(t *testing.T) {
	pol := secondsPolicy(4, 2)
	if pol.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", pol.Attempts)
	}
	if pol.Delay != 2*time.Second {
		t.Fatalf("delay = %s, want 2s", pol.Delay)
	}
}
