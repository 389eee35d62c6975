// Package config loads pipeline configuration from an optional YAML file
// with environment-variable overrides. Precedence: defaults, then file,
// then HYDRA_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hydradev/hydra/internal/labels"
)

// Config is the full pipeline configuration.
type Config struct {
	Repo    RepoConfig    `yaml:"repo"`
	GitHub  GitHubConfig  `yaml:"github"`
	Agent   AgentConfig   `yaml:"agent"`
	Events  EventsConfig  `yaml:"events"`
	Stages  StagesConfig  `yaml:"stages"`
	HITL    HITLConfig    `yaml:"hitl"`
	Logging LoggingConfig `yaml:"logging"`
	Labels  labels.Set    `yaml:"labels"`

	// StatePath is the SQLite state database location
	// Default: .hydra/state.db
	StatePath string `yaml:"state_path"`
}

// RepoConfig identifies the repository the pipeline operates on.
type RepoConfig struct {
	// Owner and Name identify the GitHub repository
	Owner string `yaml:"owner"`
	Name  string `yaml:"name"`

	// Path is the local checkout the pipeline works in
	// Default: .
	Path string `yaml:"path"`

	// BaseBranch is the branch worktrees fork from and diffs compare to
	// Default: main
	BaseBranch string `yaml:"base_branch"`

	// WorktreeRoot is where per-issue worktrees are created
	// Default: .hydra/worktrees
	WorktreeRoot string `yaml:"worktree_root"`
}

// GitHubConfig holds API access settings.
type GitHubConfig struct {
	// Token is the API token; HYDRA_GITHUB_TOKEN or GITHUB_TOKEN override
	Token string `yaml:"token"`

	// BaseURL overrides the API endpoint for GitHub Enterprise
	BaseURL string `yaml:"base_url"`

	// RequestsPerSecond throttles API calls
	// Default: 2
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// AgentConfig configures the coding-agent CLI invocation.
type AgentConfig struct {
	// Binary is the agent CLI executable
	// Default: claude
	Binary string `yaml:"binary"`

	// Model selects the model; empty uses the CLI's default
	Model string `yaml:"model"`

	// MaxBudgetUSD caps spend per invocation; 0 means no cap
	MaxBudgetUSD float64 `yaml:"max_budget_usd"`

	// OutputFormat is "text" or "stream-json"
	// Default: stream-json
	OutputFormat string `yaml:"output_format"`

	// BypassPermissions passes --permission-mode bypassPermissions
	// Default: true (the pipeline runs unattended)
	BypassPermissions bool `yaml:"bypass_permissions"`
}

// EventsConfig configures the event bus and journal.
type EventsConfig struct {
	// LogPath is the NDJSON event journal; empty disables journaling
	// Default: .hydra/events.ndjson
	LogPath string `yaml:"log_path"`

	// HistoryCap bounds the in-memory bus history
	// Default: 2000
	HistoryCap int `yaml:"history_cap"`

	// RotateMaxBytes triggers journal rotation past this size
	// Default: 10 MiB
	RotateMaxBytes int64 `yaml:"rotate_max_bytes"`

	// RotateMaxAge is the entry age cutoff kept on rotation
	// Default: 720h (30 days)
	RotateMaxAge time.Duration `yaml:"rotate_max_age"`
}

// StagesConfig configures stage runner behavior.
type StagesConfig struct {
	// TestCommand gates implementation success
	// Default: go test ./...
	TestCommand string `yaml:"test_command"`

	// SummarizerEnabled is the transcript summarizer feature flag
	// Default: false
	SummarizerEnabled bool `yaml:"summarizer_enabled"`

	// DiscoverIssues lets the planner file follow-up issues
	// Default: false
	DiscoverIssues bool `yaml:"discover_issues"`
}

// HITLConfig configures the correction phase.
type HITLConfig struct {
	// MaxConcurrent bounds simultaneous correction runs
	// Default: 1
	MaxConcurrent int64 `yaml:"max_concurrent"`
}

// LoggingConfig configures the process log.
type LoggingConfig struct {
	// Level is debug, info, warn, or error
	// Default: info
	Level string `yaml:"level"`

	// File is the rotating log file; empty logs to stderr only
	File string `yaml:"file"`

	// MaxSizeMB, MaxBackups, MaxAgeDays control log file rotation
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Repo: RepoConfig{
			Path:         ".",
			BaseBranch:   "main",
			WorktreeRoot: ".hydra/worktrees",
		},
		GitHub: GitHubConfig{
			RequestsPerSecond: 2,
		},
		Agent: AgentConfig{
			Binary:            "claude",
			OutputFormat:      "stream-json",
			BypassPermissions: true,
		},
		Events: EventsConfig{
			LogPath:        ".hydra/events.ndjson",
			HistoryCap:     2000,
			RotateMaxBytes: 10 << 20,
			RotateMaxAge:   30 * 24 * time.Hour,
		},
		Stages: StagesConfig{
			TestCommand: "go test ./...",
		},
		HITL: HITLConfig{
			MaxConcurrent: 1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Labels:    labels.Defaults(),
		StatePath: ".hydra/state.db",
	}
}

// Load reads configuration: defaults, overlaid by the YAML file at path
// (when it exists), overlaid by environment variables. An empty path skips
// the file step.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects unusable configurations.
func (c *Config) Validate() error {
	if c.Events.HistoryCap < 1 {
		return fmt.Errorf("events.history_cap must be >= 1, got %d", c.Events.HistoryCap)
	}
	if c.HITL.MaxConcurrent < 1 {
		return fmt.Errorf("hitl.max_concurrent must be >= 1, got %d", c.HITL.MaxConcurrent)
	}
	switch c.Agent.OutputFormat {
	case "text", "stream-json":
	default:
		return fmt.Errorf("agent.output_format must be text or stream-json, got %q", c.Agent.OutputFormat)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}

// applyEnv overlays HYDRA_* environment variables.
func applyEnv(cfg *Config) {
	setString(&cfg.Repo.Owner, "HYDRA_REPO_OWNER")
	setString(&cfg.Repo.Name, "HYDRA_REPO_NAME")
	setString(&cfg.Repo.Path, "HYDRA_REPO_PATH")
	setString(&cfg.Repo.BaseBranch, "HYDRA_BASE_BRANCH")

	setString(&cfg.GitHub.Token, "HYDRA_GITHUB_TOKEN")
	if cfg.GitHub.Token == "" {
		setString(&cfg.GitHub.Token, "GITHUB_TOKEN")
	}
	setString(&cfg.GitHub.BaseURL, "HYDRA_GITHUB_BASE_URL")

	setString(&cfg.Agent.Binary, "HYDRA_AGENT_BINARY")
	setString(&cfg.Agent.Model, "HYDRA_AGENT_MODEL")
	setFloat(&cfg.Agent.MaxBudgetUSD, "HYDRA_AGENT_MAX_BUDGET_USD")

	setString(&cfg.Events.LogPath, "HYDRA_EVENT_LOG")
	setInt(&cfg.Events.HistoryCap, "HYDRA_EVENT_HISTORY_CAP")

	setString(&cfg.Stages.TestCommand, "HYDRA_TEST_COMMAND")
	setBool(&cfg.Stages.SummarizerEnabled, "HYDRA_SUMMARIZER_ENABLED")

	setInt64(&cfg.HITL.MaxConcurrent, "HYDRA_HITL_MAX_CONCURRENT")

	setString(&cfg.Logging.Level, "HYDRA_LOG_LEVEL")
	setString(&cfg.Logging.File, "HYDRA_LOG_FILE")
	setString(&cfg.StatePath, "HYDRA_STATE_PATH")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
