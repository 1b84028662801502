package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	Engine        EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Desktop       DesktopConfig   `mapstructure:"desktop" yaml:"desktop"`
	Retry         RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Workload      WorkloadConfig  `mapstructure:"workload" yaml:"workload"`
	Heartbeat     HeartbeatConfig `mapstructure:"heartbeat" yaml:"heartbeat"`
	Serve         ServeConfig     `mapstructure:"serve" yaml:"serve"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// EngineConfig selects the container engine CLI and its daemon handling.
type EngineConfig struct {
	Binary             string   `mapstructure:"binary" yaml:"binary"`
	EnsureDaemon       bool     `mapstructure:"ensure_daemon" yaml:"ensure_daemon"`
	DaemonCommand      []string `mapstructure:"daemon_command" yaml:"daemon_command"`
	DaemonLog          string   `mapstructure:"daemon_log" yaml:"daemon_log"`
	ExecTimeoutSeconds int      `mapstructure:"exec_timeout_seconds" yaml:"exec_timeout_seconds"`
}

// DesktopConfig describes the managed desktop container.
type DesktopConfig struct {
	Container      string            `mapstructure:"container" yaml:"container"`
	Image          string            `mapstructure:"image" yaml:"image"`
	Volume         string            `mapstructure:"volume" yaml:"volume"`
	VolumeTarget   string            `mapstructure:"volume_target" yaml:"volume_target"`
	HostIP         string            `mapstructure:"host_ip" yaml:"host_ip"`
	HostPort       int               `mapstructure:"host_port" yaml:"host_port"`
	VNCPort        int               `mapstructure:"vnc_port" yaml:"vnc_port"`
	Display        string            `mapstructure:"display" yaml:"display"`
	Resolution     string            `mapstructure:"resolution" yaml:"resolution"`
	ColorDepth     int               `mapstructure:"color_depth" yaml:"color_depth"`
	User           string            `mapstructure:"user" yaml:"user"`
	Home           string            `mapstructure:"home" yaml:"home"`
	SupervisorConf string            `mapstructure:"supervisor_conf" yaml:"supervisor_conf"`
	DisplayProgram string            `mapstructure:"display_program" yaml:"display_program"`
	VNCProgram     string            `mapstructure:"vnc_program" yaml:"vnc_program"`
	Env            map[string]string `mapstructure:"env" yaml:"env"`
}

// RetryConfig holds the fixed-delay attempt budgets.
type RetryConfig struct {
	CommandAttempts         int `mapstructure:"command_attempts" yaml:"command_attempts"`
	CommandDelaySeconds     int `mapstructure:"command_delay_seconds" yaml:"command_delay_seconds"`
	ResolutionAttempts      int `mapstructure:"resolution_attempts" yaml:"resolution_attempts"`
	ResolutionDelaySeconds  int `mapstructure:"resolution_delay_seconds" yaml:"resolution_delay_seconds"`
	ReadyAttempts           int `mapstructure:"ready_attempts" yaml:"ready_attempts"`
	ReadyDelaySeconds       int `mapstructure:"ready_delay_seconds" yaml:"ready_delay_seconds"`
	PortAttempts            int `mapstructure:"port_attempts" yaml:"port_attempts"`
	PortDelaySeconds        int `mapstructure:"port_delay_seconds" yaml:"port_delay_seconds"`
	ManagerWaitAttempts     int `mapstructure:"manager_wait_attempts" yaml:"manager_wait_attempts"`
	ManagerWaitDelaySeconds int `mapstructure:"manager_wait_delay_seconds" yaml:"manager_wait_delay_seconds"`
	SettleSeconds           int `mapstructure:"settle_seconds" yaml:"settle_seconds"`
	RecreateAttempts        int `mapstructure:"recreate_attempts" yaml:"recreate_attempts"`
}

// WorkloadConfig describes the entry script run inside the desktop.
type WorkloadConfig struct {
	Dir            string            `mapstructure:"dir" yaml:"dir"`
	SetupArgs      []string          `mapstructure:"setup_args" yaml:"setup_args"`
	ResumeArgs     []string          `mapstructure:"resume_args" yaml:"resume_args"`
	Env            map[string]string `mapstructure:"env" yaml:"env"`
	TimeoutMinutes int               `mapstructure:"timeout_minutes" yaml:"timeout_minutes"`
}

// HeartbeatConfig controls the post-success liveness trace.
type HeartbeatConfig struct {
	Path            string `mapstructure:"path" yaml:"path"`
	IntervalSeconds int    `mapstructure:"interval_seconds" yaml:"interval_seconds"`
}

// ServeConfig configures the supervision service surface.
type ServeConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".deskherd", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Engine: EngineConfig{
			Binary:             "docker",
			EnsureDaemon:       false,
			DaemonCommand:      []string{},
			DaemonLog:          filepath.Join(stateDir, "engine.log"),
			ExecTimeoutSeconds: 60,
		},
		Desktop: DesktopConfig{
			Container:      "deskherd-desktop",
			Image:          "docker.io/pktsystems/deskherd-desktop:latest",
			Volume:         "deskherd-home",
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
			Env:            map[string]string{},
		},
		Retry: RetryConfig{
			CommandAttempts:         3,
			CommandDelaySeconds:     5,
			ResolutionAttempts:      5,
			ResolutionDelaySeconds:  4,
			ReadyAttempts:           10,
			ReadyDelaySeconds:       3,
			PortAttempts:            10,
			PortDelaySeconds:        2,
			ManagerWaitAttempts:     10,
			ManagerWaitDelaySeconds: 2,
			SettleSeconds:           5,
			RecreateAttempts:        1,
		},
		Workload: WorkloadConfig{
			Dir:            "/opt/workload",
			SetupArgs:      []string{"/opt/workload/entry.sh", "--setup"},
			ResumeArgs:     []string{"/opt/workload/entry.sh", "--resume"},
			Env:            map[string]string{},
			TimeoutMinutes: 0,
		},
		Heartbeat: HeartbeatConfig{
			Path:            filepath.Join(stateDir, "heartbeat.log"),
			IntervalSeconds: 300,
		},
		Serve: ServeConfig{
			MetricsAddr: "",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".deskherd", "config.yaml"), nil
}
