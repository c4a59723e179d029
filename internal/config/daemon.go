package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig mirrors internal/obs.Config's fields in file form, the
// way the teacher's Config embeds its own telemetry section.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "stdout", "otlp-http", "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// DaemonSandboxConfig selects the daemon-wide sandbox backend (§4.3): which
// Provider cmd/claudorc constructs at startup. Distinct from a project's own
// ProjectConfig.Sandbox, which only records the image a Docker-backed
// project wants.
type DaemonSandboxConfig struct {
	Kind            string `yaml:"kind"` // "docker" or "wasm"
	WasmBinaryPath  string `yaml:"wasm_binary_path"`
	WasmMemoryPages uint32 `yaml:"wasm_memory_pages"`
}

// DaemonConfig is the process-wide settings file at $CLAUDORC_HOME/config.yaml:
// everything cmd/claudorc needs before it has admitted a single project.
// Per-project settings (worktree root, allowed tools, concurrency) live in
// each project's own claudorc.yaml (ProjectConfig), loaded separately.
type DaemonConfig struct {
	HomeDir string `yaml:"-"`

	LogLevel    string              `yaml:"log_level"`
	AgentBinary string              `yaml:"agent_binary"`
	StopGrace   int                 `yaml:"stop_grace_seconds"`
	Telemetry   TelemetryConfig     `yaml:"telemetry"`
	Sandbox     DaemonSandboxConfig `yaml:"sandbox"`
}

func defaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		LogLevel:    "info",
		AgentBinary: "claudorc-agent",
		StopGrace:   30,
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "claudorc",
			SampleRate:  1.0,
		},
		Sandbox: DaemonSandboxConfig{
			Kind:            "docker",
			WasmMemoryPages: 4096,
		},
	}
}

// DaemonHomeDir resolves the daemon's data directory: CLAUDORC_HOME if set,
// else os.UserHomeDir()/.claudorc, mirroring the teacher's GOCLAW_HOME
// resolution.
func DaemonHomeDir() string {
	if override := os.Getenv("CLAUDORC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".claudorc")
}

// DaemonConfigPath returns the path to a home directory's config.yaml.
func DaemonConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// LoadDaemonConfig reads $CLAUDORC_HOME/config.yaml, creating the home
// directory if it doesn't exist yet. A missing config.yaml yields defaults.
func LoadDaemonConfig() (DaemonConfig, error) {
	cfg := defaultDaemonConfig()
	cfg.HomeDir = DaemonHomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create claudorc home: %w", err)
	}

	data, err := os.ReadFile(DaemonConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}
