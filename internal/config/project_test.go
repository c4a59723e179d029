package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentdevsl/claudorc/internal/config"
)

func TestLoadProjectConfigDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()

	cfg, err := config.LoadProjectConfig(dir)
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	if cfg.Path != dir {
		t.Fatalf("Path = %q, want %q", cfg.Path, dir)
	}
	if cfg.DefaultBranch != "main" {
		t.Fatalf("DefaultBranch = %q, want main", cfg.DefaultBranch)
	}
	if cfg.MaxConcurrentAgents != 1 {
		t.Fatalf("MaxConcurrentAgents = %d, want 1", cfg.MaxConcurrentAgents)
	}
	if cfg.Sandbox.Kind != "docker" {
		t.Fatalf("Sandbox.Kind = %q, want docker", cfg.Sandbox.Kind)
	}
	wantRoot := filepath.Join(dir, ".claudorc", "worktrees")
	if cfg.WorktreeRoot != wantRoot {
		t.Fatalf("WorktreeRoot = %q, want %q", cfg.WorktreeRoot, wantRoot)
	}
}

func TestLoadProjectConfigReadsYAML(t *testing.T) {
	dir := t.TempDir()
	contents := "default_branch: develop\nmax_turns: 80\nmax_concurrent_agents: 3\nallowed_tools:\n  - bash\n  - edit\nsandbox:\n  kind: firecracker\n  image: agent-base:latest\n"
	if err := os.WriteFile(config.ProjectConfigPath(dir), []byte(contents), 0o644); err != nil {
		t.Fatalf("write claudorc.yaml: %v", err)
	}

	cfg, err := config.LoadProjectConfig(dir)
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	if cfg.DefaultBranch != "develop" {
		t.Fatalf("DefaultBranch = %q, want develop", cfg.DefaultBranch)
	}
	if cfg.MaxTurns != 80 {
		t.Fatalf("MaxTurns = %d, want 80", cfg.MaxTurns)
	}
	if cfg.MaxConcurrentAgents != 3 {
		t.Fatalf("MaxConcurrentAgents = %d, want 3", cfg.MaxConcurrentAgents)
	}
	if len(cfg.AllowedTools) != 2 || cfg.AllowedTools[0] != "bash" {
		t.Fatalf("AllowedTools = %v, want [bash edit]", cfg.AllowedTools)
	}
	if cfg.Sandbox.Kind != "firecracker" || cfg.Sandbox.Image != "agent-base:latest" {
		t.Fatalf("Sandbox = %+v, unexpected", cfg.Sandbox)
	}
}

func TestSaveProjectConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadProjectConfig(dir)
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	cfg.MaxTurns = 99
	cfg.Sandbox.Image = "custom:latest"

	if err := config.SaveProjectConfig(dir, cfg); err != nil {
		t.Fatalf("SaveProjectConfig: %v", err)
	}

	reloaded, err := config.LoadProjectConfig(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.MaxTurns != 99 {
		t.Fatalf("MaxTurns = %d, want 99", reloaded.MaxTurns)
	}
	if reloaded.Sandbox.Image != "custom:latest" {
		t.Fatalf("Sandbox.Image = %q, want custom:latest", reloaded.Sandbox.Image)
	}
}

func TestProjectConfigFingerprintChangesWithMaxTurns(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadProjectConfig(dir)
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	before := cfg.Fingerprint()
	cfg.MaxTurns++
	after := cfg.Fingerprint()
	if before == after {
		t.Fatalf("Fingerprint did not change after editing MaxTurns")
	}
}

func TestNewProjectWatcherWatchesOnlyProjectFile(t *testing.T) {
	dir := t.TempDir()
	w := config.NewProjectWatcher(dir, nil)
	if w == nil {
		t.Fatalf("NewProjectWatcher returned nil")
	}
}
