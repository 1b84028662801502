package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("engine.binary", cfg.Engine.Binary)
	v.SetDefault("engine.ensure_daemon", cfg.Engine.EnsureDaemon)
	v.SetDefault("engine.daemon_command", cfg.Engine.DaemonCommand)
	v.SetDefault("engine.daemon_log", cfg.Engine.DaemonLog)
	v.SetDefault("engine.exec_timeout_seconds", cfg.Engine.ExecTimeoutSeconds)
	v.SetDefault("desktop.container", cfg.Desktop.Container)
	v.SetDefault("desktop.image", cfg.Desktop.Image)
	v.SetDefault("desktop.volume", cfg.Desktop.Volume)
	v.SetDefault("desktop.volume_target", cfg.Desktop.VolumeTarget)
	v.SetDefault("desktop.host_ip", cfg.Desktop.HostIP)
	v.SetDefault("desktop.host_port", cfg.Desktop.HostPort)
	v.SetDefault("desktop.vnc_port", cfg.Desktop.VNCPort)
	v.SetDefault("desktop.display", cfg.Desktop.Display)
	v.SetDefault("desktop.resolution", cfg.Desktop.Resolution)
	v.SetDefault("desktop.color_depth", cfg.Desktop.ColorDepth)
	v.SetDefault("desktop.user", cfg.Desktop.User)
	v.SetDefault("desktop.home", cfg.Desktop.Home)
	v.SetDefault("desktop.supervisor_conf", cfg.Desktop.SupervisorConf)
	v.SetDefault("desktop.display_program", cfg.Desktop.DisplayProgram)
	v.SetDefault("desktop.vnc_program", cfg.Desktop.VNCProgram)
	v.SetDefault("desktop.env", cfg.Desktop.Env)
	v.SetDefault("retry.command_attempts", cfg.Retry.CommandAttempts)
	v.SetDefault("retry.command_delay_seconds", cfg.Retry.CommandDelaySeconds)
	v.SetDefault("retry.resolution_attempts", cfg.Retry.ResolutionAttempts)
	v.SetDefault("retry.resolution_delay_seconds", cfg.Retry.ResolutionDelaySeconds)
	v.SetDefault("retry.ready_attempts", cfg.Retry.ReadyAttempts)
	v.SetDefault("retry.ready_delay_seconds", cfg.Retry.ReadyDelaySeconds)
	v.SetDefault("retry.port_attempts", cfg.Retry.PortAttempts)
	v.SetDefault("retry.port_delay_seconds", cfg.Retry.PortDelaySeconds)
	v.SetDefault("retry.manager_wait_attempts", cfg.Retry.ManagerWaitAttempts)
	v.SetDefault("retry.manager_wait_delay_seconds", cfg.Retry.ManagerWaitDelaySeconds)
	v.SetDefault("retry.settle_seconds", cfg.Retry.SettleSeconds)
	v.SetDefault("retry.recreate_attempts", cfg.Retry.RecreateAttempts)
	v.SetDefault("workload.dir", cfg.Workload.Dir)
	v.SetDefault("workload.setup_args", cfg.Workload.SetupArgs)
	v.SetDefault("workload.resume_args", cfg.Workload.ResumeArgs)
	v.SetDefault("workload.env", cfg.Workload.Env)
	v.SetDefault("workload.timeout_minutes", cfg.Workload.TimeoutMinutes)
	v.SetDefault("heartbeat.path", cfg.Heartbeat.Path)
	v.SetDefault("heartbeat.interval_seconds", cfg.Heartbeat.IntervalSeconds)
	v.SetDefault("serve.metrics_addr", cfg.Serve.MetricsAddr)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if !v.IsSet("desktop.container") {
			return Config{}, fmt.Errorf("desktop.container is required for config_version %d", CurrentConfigVersion)
		}
		if !v.IsSet("desktop.image") {
			return Config{}, fmt.Errorf("desktop.image is required for config_version %d", CurrentConfigVersion)
		}
		if !v.IsSet("desktop.resolution") {
			return Config{}, fmt.Errorf("desktop.resolution is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Engine.Binary) == "" {
		return fmt.Errorf("engine.binary must not be empty")
	}
	if cfg.Engine.EnsureDaemon && len(cfg.Engine.DaemonCommand) == 0 {
		return fmt.Errorf("engine.daemon_command is required when engine.ensure_daemon is set")
	}
	if !validResolution(cfg.Desktop.Resolution) {
		return fmt.Errorf("desktop.resolution must be WIDTHxHEIGHT (e.g. 1366x641), got %q", cfg.Desktop.Resolution)
	}
	if !strings.HasPrefix(cfg.Desktop.Display, ":") {
		return fmt.Errorf("desktop.display must be an X display like :1, got %q", cfg.Desktop.Display)
	}
	if cfg.Desktop.HostPort < 1 || cfg.Desktop.HostPort > 65535 {
		return fmt.Errorf("desktop.host_port %d out of range", cfg.Desktop.HostPort)
	}
	if cfg.Desktop.VNCPort < 1 || cfg.Desktop.VNCPort > 65535 {
		return fmt.Errorf("desktop.vnc_port %d out of range", cfg.Desktop.VNCPort)
	}
	if len(cfg.Workload.SetupArgs) == 0 || len(cfg.Workload.ResumeArgs) == 0 {
		return fmt.Errorf("workload.setup_args and workload.resume_args must not be empty")
	}
	return nil
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

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Engine.Binary = expandEnv(cfg.Engine.Binary)
	cfg.Engine.DaemonLog = expandEnv(cfg.Engine.DaemonLog)
	cfg.Heartbeat.Path = expandEnv(cfg.Heartbeat.Path)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
