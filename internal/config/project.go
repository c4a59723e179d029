package config

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SandboxBackendConfig selects and tunes the container/VM backend a project's
// agents run in (§4.3).
type SandboxBackendConfig struct {
	Kind  string `yaml:"kind"` // "docker", "firecracker", ...
	Image string `yaml:"image"`
}

// ProjectConfig is the per-project settings file (claudorc.yaml) living at
// the project's root, distinct from the top-level HomeDir config.yaml.
// It supplies the fields agentsvc.Project needs to admit and run agents.
type ProjectConfig struct {
	ID                  string               `yaml:"id"`
	Path                string               `yaml:"path"`
	WorktreeRoot        string               `yaml:"worktree_root"`
	DefaultBranch       string               `yaml:"default_branch"`
	AllowedTools        []string             `yaml:"allowed_tools"`
	MaxTurns            int                  `yaml:"max_turns"`
	MaxConcurrentAgents int                  `yaml:"max_concurrent_agents"`
	StopGraceSeconds    int                  `yaml:"stop_grace_seconds"`
	Sandbox             SandboxBackendConfig `yaml:"sandbox"`
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		DefaultBranch:       "main",
		MaxTurns:            40,
		MaxConcurrentAgents: 1,
		StopGraceSeconds:    30,
		Sandbox:             SandboxBackendConfig{Kind: "docker"},
	}
}

// ProjectConfigPath returns the path to a project's claudorc.yaml.
func ProjectConfigPath(projectDir string) string {
	return filepath.Join(projectDir, "claudorc.yaml")
}

// LoadProjectConfig reads claudorc.yaml from projectDir, applying defaults
// for any field the file leaves unset. A missing file yields the defaults
// with Path set to projectDir.
func LoadProjectConfig(projectDir string) (ProjectConfig, error) {
	cfg := defaultProjectConfig()
	cfg.Path = projectDir

	path := ProjectConfigPath(projectDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if cfg.WorktreeRoot == "" {
				cfg.WorktreeRoot = filepath.Join(projectDir, ".claudorc", "worktrees")
			}
			return cfg, nil
		}
		return cfg, fmt.Errorf("read claudorc.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse claudorc.yaml: %w", err)
	}
	cfg.Path = projectDir
	if cfg.WorktreeRoot == "" {
		cfg.WorktreeRoot = filepath.Join(projectDir, ".claudorc", "worktrees")
	}
	return cfg, nil
}

// SaveProjectConfig writes cfg back to projectDir/claudorc.yaml.
func SaveProjectConfig(projectDir string, cfg ProjectConfig) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal claudorc.yaml: %w", err)
	}
	return os.WriteFile(ProjectConfigPath(projectDir), out, 0o644)
}

// Fingerprint returns a stable hash of the fields that change agent
// admission/execution behavior, so callers can detect a reload that
// actually matters versus a cosmetic edit.
func (c ProjectConfig) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "branch=%s|turns=%d|concurrency=%d|grace=%d|sandbox=%s:%s|tools=%v",
		c.DefaultBranch, c.MaxTurns, c.MaxConcurrentAgents, c.StopGraceSeconds,
		c.Sandbox.Kind, c.Sandbox.Image, c.AllowedTools)
	return fmt.Sprintf("proj-%x", h.Sum64())
}

// NewProjectWatcher builds a Watcher over a single project's claudorc.yaml,
// reusing the same fsnotify plumbing the top-level config watcher uses.
func NewProjectWatcher(projectDir string, logger *slog.Logger) *Watcher {
	return NewFileWatcher([]string{ProjectConfigPath(projectDir)}, logger)
}
