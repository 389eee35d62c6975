package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hydradev/hydra/internal/agent"
	"github.com/hydradev/hydra/internal/config"
	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/gh"
	"github.com/hydradev/hydra/internal/logging"
	"github.com/hydradev/hydra/internal/state"
	"github.com/hydradev/hydra/internal/worktree"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hydra",
	Short: "Autonomous GitHub-issue engineering pipeline",
	Long: `Hydra drives GitHub issues through an autonomous engineering pipeline:
triage, planning, implementation in isolated worktrees, verification against
acceptance criteria, and human-in-the-loop correction when a stage escalates.

Configuration is read from hydra.yaml (override with --config) and HYDRA_*
environment variables.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "hydra.yaml",
		"path to the configuration file")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime bundles the shared collaborators commands build on startup.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	bus    *events.Bus
	log    *events.Log
	store  *state.Store
	svc    gh.Service
	agent  *agent.Runner
	wts    worktree.Manager
}

// command returns the base agent CLI configuration.
func (r *runtime) command() agent.Command {
	return agent.Command{
		Binary:            r.cfg.Agent.Binary,
		Model:             r.cfg.Agent.Model,
		MaxBudgetUSD:      r.cfg.Agent.MaxBudgetUSD,
		OutputFormat:      r.cfg.Agent.OutputFormat,
		BypassPermissions: r.cfg.Agent.BypassPermissions,
	}
}

// newRuntime builds the shared dependency context. needGitHub selects the
// real API client; commands that only read local state pass false and get
// no gh service.
func newRuntime(needGitHub bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	r := &runtime{cfg: cfg, logger: logger}

	if cfg.Events.LogPath != "" {
		r.log, err = events.OpenLog(cfg.Events.LogPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		// Journal maintenance happens on startup, not mid-run.
		if err := r.log.Rotate(cfg.Events.RotateMaxBytes, cfg.Events.RotateMaxAge); err != nil {
			logger.Warn("event log rotation failed", zap.Error(err))
		}
	}
	busOpts := []events.BusOption{events.WithHistoryCap(cfg.Events.HistoryCap)}
	if r.log != nil {
		busOpts = append(busOpts, events.WithJournal(r.log))
	}
	r.bus = events.NewBus(logger, busOpts...)

	r.store, err = state.Open(cfg.StatePath)
	if err != nil {
		r.close()
		return nil, err
	}

	if needGitHub {
		r.svc, err = gh.NewGitHub(gh.Options{
			Owner:             cfg.Repo.Owner,
			Repo:              cfg.Repo.Name,
			Token:             cfg.GitHub.Token,
			BaseURL:           cfg.GitHub.BaseURL,
			RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
		}, logger)
		if err != nil {
			r.close()
			return nil, err
		}
	}

	r.agent = agent.NewRunner(agent.NewTracker(logger), r.bus, logger)
	r.wts = worktree.NewGitManager(worktree.Config{
		Root:       cfg.Repo.WorktreeRoot,
		ParentRepo: cfg.Repo.Path,
		BaseBranch: cfg.Repo.BaseBranch,
	}, logger)
	return r, nil
}

func (r *runtime) close() {
	if r.bus != nil {
		r.bus.Close()
	}
	if r.log != nil {
		_ = r.log.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.logger != nil {
		_ = r.logger.Sync()
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
