// Package stages implements the per-stage pipeline runners: triage,
// planner, implementation agent, verification judge, and transcript
// summarizer. Each runner builds a stage-specific prompt, streams the
// coding-agent CLI through internal/agent, and parses the transcript
// against markers unique to that stage.
package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hydradev/hydra/internal/agent"
	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/gh"
	"github.com/hydradev/hydra/internal/labels"
	"github.com/hydradev/hydra/internal/state"
	"github.com/hydradev/hydra/internal/worktree"
)

// Paths for persisted stage artifacts. All are plain UTF-8 text,
// overwritten wholesale on each run.
const (
	ImplementLogDir = ".hydra-logs"
	PlanDir         = ".hydra/plans"
	VerificationDir = ".hydra/verification"
	StageLogDir     = ".hydra/logs"
)

// Streamer runs one agent CLI invocation. *agent.Runner is the production
// implementation; tests substitute scripted fakes.
type Streamer interface {
	Stream(ctx context.Context, req agent.Request) (string, error)
}

// Deps is the explicit dependency context passed to every stage runner at
// construction. It replaces any notion of process-wide singletons: the
// orchestrator builds one Deps on startup and closes it on shutdown.
type Deps struct {
	Bus       *events.Bus
	Svc       gh.Service
	Store     *state.Store
	Worktrees worktree.Manager
	Agent     Streamer
	Labels    labels.Set
	Logger    *zap.Logger

	// Command is the base agent CLI configuration; runners override
	// per-stage fields (output format, disallowed tools, budget)
	Command agent.Command

	// RepoDir is the main checkout, used for artifact paths and diffs
	RepoDir string

	// TestCommand is the project test command run inside worktrees to
	// gate implementation success (e.g. "go test ./...")
	TestCommand string

	// BaseBranch is the pipeline's base branch for commit counting
	BaseBranch string

	// Diff returns the merged diff for an issue's branch, consumed by the
	// verification judge. Defaults to git diff in RepoDir.
	Diff func(ctx context.Context, issue int) (string, error)
}

// Validate fills defaults and rejects unusable configurations.
func (d *Deps) Validate() error {
	if d.Svc == nil {
		return fmt.Errorf("gh service is required")
	}
	if d.Agent == nil {
		return fmt.Errorf("agent runner is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.RepoDir == "" {
		d.RepoDir = "."
	}
	if d.BaseBranch == "" {
		d.BaseBranch = "main"
	}
	if d.TestCommand == "" {
		d.TestCommand = "go test ./..."
	}
	if d.Labels == (labels.Set{}) {
		d.Labels = labels.Defaults()
	}
	return nil
}

// publish sends an event when a bus is configured.
func (d *Deps) publish(e events.Event) {
	if d.Bus != nil {
		d.Bus.Publish(e)
	}
}

// TranscriptPath returns where the issue's implementation transcript is
// persisted.
func (d *Deps) TranscriptPath(issue int) string {
	return d.artifactPath(ImplementLogDir, fmt.Sprintf("issue-%d.txt", issue))
}

// artifactPath joins the repo dir with a stage artifact path.
func (d *Deps) artifactPath(parts ...string) string {
	return filepath.Join(append([]string{d.RepoDir}, parts...)...)
}

// writeArtifact overwrites a stage artifact wholesale.
func (d *Deps) writeArtifact(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", path, err)
	}
	return nil
}

// seconds converts a duration to the float seconds used in result records.
func seconds(d time.Duration) float64 {
	return d.Seconds()
}
