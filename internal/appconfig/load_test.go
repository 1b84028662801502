package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
desktop:
  container: deskherd-desktop
  image: demo
  resolution: 1366x641
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsMalformedResolution(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
desktop:
  container: deskherd-desktop
  image: demo
  resolution: wide
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "desktop.resolution") {
		t.Fatalf("expected resolution error, got %v", err)
	}
}

func TestLoadRejectsDaemonBringUpWithoutCommand(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
engine:
  ensure_daemon: true
desktop:
  container: deskherd-desktop
  image: demo
  resolution: 1366x641
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "engine.daemon_command") {
		t.Fatalf("expected daemon_command error, got %v", err)
	}
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
desktop:
  container: deskherd-desktop
  image: demo
  resolution: 1366x641
  host_port: 6901
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Desktop.HostPort != 6901 {
		t.Fatalf("expected host_port override, got %d", cfg.Desktop.HostPort)
	}
	if cfg.Desktop.Display != ":1" {
		t.Fatalf("expected display default, got %q", cfg.Desktop.Display)
	}
	if cfg.Retry.RecreateAttempts != 1 {
		t.Fatalf("expected recreate default, got %d", cfg.Retry.RecreateAttempts)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load without file: %v", err)
	}
	if cfg.Desktop.Resolution != "1366x641" {
		t.Fatalf("expected default resolution, got %q", cfg.Desktop.Resolution)
	}
	if cfg.Engine.Binary != "docker" {
		t.Fatalf("expected default engine binary, got %q", cfg.Engine.Binary)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
