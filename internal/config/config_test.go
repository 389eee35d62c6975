package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.Binary != "claude" {
		t.Errorf("Agent.Binary = %q, want claude", cfg.Agent.Binary)
	}
	if cfg.Events.HistoryCap != 2000 {
		t.Errorf("Events.HistoryCap = %d, want 2000", cfg.Events.HistoryCap)
	}
	if cfg.HITL.MaxConcurrent != 1 {
		t.Errorf("HITL.MaxConcurrent = %d, want 1", cfg.HITL.MaxConcurrent)
	}
	if cfg.Labels.HITL != "hydra-hitl" {
		t.Errorf("Labels.HITL = %q, want hydra-hitl", cfg.Labels.HITL)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hydra.yaml")
	content := `
repo:
  owner: acme
  name: widgets
  base_branch: develop
agent:
  model: sonnet
  output_format: text
stages:
  test_command: make test
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Repo.Owner != "acme" || cfg.Repo.Name != "widgets" {
		t.Errorf("repo = %s/%s, want acme/widgets", cfg.Repo.Owner, cfg.Repo.Name)
	}
	if cfg.Repo.BaseBranch != "develop" {
		t.Errorf("BaseBranch = %q, want develop", cfg.Repo.BaseBranch)
	}
	if cfg.Agent.Model != "sonnet" {
		t.Errorf("Model = %q, want sonnet", cfg.Agent.Model)
	}
	if cfg.Stages.TestCommand != "make test" {
		t.Errorf("TestCommand = %q, want make test", cfg.Stages.TestCommand)
	}
	// Untouched fields keep defaults.
	if cfg.Agent.Binary != "claude" {
		t.Errorf("Binary = %q, want claude", cfg.Agent.Binary)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hydra.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  model: sonnet\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HYDRA_AGENT_MODEL", "opus")
	t.Setenv("HYDRA_HITL_MAX_CONCURRENT", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.Model != "opus" {
		t.Errorf("Model = %q, want opus (env override)", cfg.Agent.Model)
	}
	if cfg.HITL.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.HITL.MaxConcurrent)
	}
}

func TestGitHubTokenFallback(t *testing.T) {
	t.Setenv("HYDRA_GITHUB_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "ghp_fallback")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GitHub.Token != "ghp_fallback" {
		t.Errorf("Token = %q, want ghp_fallback", cfg.GitHub.Token)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero history cap", func(c *Config) { c.Events.HistoryCap = 0 }},
		{"zero hitl concurrency", func(c *Config) { c.HITL.MaxConcurrent = 0 }},
		{"bad output format", func(c *Config) { c.Agent.OutputFormat = "xml" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.Binary != "claude" {
		t.Errorf("Binary = %q, want claude", cfg.Agent.Binary)
	}
}
