package stages

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hydradev/hydra/internal/agent"
	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/state"
)

// ImplementResult is the outcome of one implementation run.
type ImplementResult struct {
	IssueNumber     int     `json:"issue_number"`
	Success         bool    `json:"success"`
	Branch          string  `json:"branch,omitempty"`
	WorktreePath    string  `json:"worktree_path,omitempty"`
	Commits         int     `json:"commits"`
	TestsPassed     bool    `json:"tests_passed"`
	TestOutput      string  `json:"test_output,omitempty"`
	Error           string  `json:"error,omitempty"`
	QuotaExhausted  bool    `json:"quota_exhausted,omitempty"`
	ResumeAt        string  `json:"resume_at,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Implementer runs the coding agent against an issue inside an isolated
// worktree. Success requires both real commits and a passing test run;
// an agent that "completes" without committing anything has done nothing.
type Implementer struct {
	deps *Deps
	// Timeout bounds one implementation run
	Timeout time.Duration
}

// NewImplementer creates an implementation runner.
func NewImplementer(deps *Deps) (*Implementer, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.Worktrees == nil {
		return nil, fmt.Errorf("worktree manager is required")
	}
	return &Implementer{
		deps:    deps,
		Timeout: 45 * time.Minute,
	}, nil
}

// Run implements one issue. The transcript is persisted whether the run
// succeeds or fails; failed transcripts are the main debugging artifact.
func (im *Implementer) Run(ctx context.Context, issue int) (*ImplementResult, error) {
	start := time.Now()
	im.deps.publish(events.StageStarted(events.EventTypeImplementStarted, issue, events.StageImplement))

	result := &ImplementResult{IssueNumber: issue}
	defer func() {
		result.DurationSeconds = seconds(time.Since(start))
		im.recordCounters(ctx, result)
	}()

	iss, err := im.deps.Svc.GetIssue(ctx, issue)
	if err != nil {
		return im.fail(result, fmt.Sprintf("failed to fetch issue: %v", err)), nil
	}
	comments, err := im.deps.Svc.ListComments(ctx, issue)
	if err != nil {
		im.deps.Logger.Warn("failed to fetch discussion, implementing without it",
			zap.Int("issue", issue), zap.Error(err))
	}

	wt, err := im.deps.Worktrees.Create(ctx, issue)
	if err != nil {
		return im.fail(result, fmt.Sprintf("failed to create worktree: %v", err)), nil
	}
	result.Branch = wt.Branch
	result.WorktreePath = wt.Path

	prompt := im.buildPrompt(issueHeader(iss),
		formatDiscussion(comments, implementDiscussionMaxChars, implementDiscussionMaxLines),
		im.loadPlan(issue))

	transcript, err := im.deps.Agent.Stream(ctx, agent.Request{
		Command: im.deps.Command,
		Prompt:  prompt,
		Dir:     wt.Path,
		Timeout: im.Timeout,
		Issue:   issue,
		Stage:   events.StageImplement,
	})

	if perr := im.persistTranscript(issue, transcript); perr != nil {
		im.deps.Logger.Warn("failed to persist transcript",
			zap.Int("issue", issue), zap.Error(perr))
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if qe, ok := agent.IsQuotaError(err); ok {
			result.QuotaExhausted = true
			if !qe.ResumeAt.IsZero() {
				result.ResumeAt = qe.ResumeAt.Format(time.RFC3339)
				im.recordPause(ctx, result.ResumeAt)
			}
			im.deps.publish(events.QuotaExhausted(issue, events.StageImplement, result.ResumeAt))
			return im.fail(result, fmt.Sprintf("agent quota exhausted: %s", qe.Message)), nil
		}
		return im.fail(result, err.Error()), nil
	}

	commits, err := im.deps.Worktrees.CommitsAhead(ctx, wt)
	if err != nil {
		return im.fail(result, fmt.Sprintf("failed to count commits: %v", err)), nil
	}
	result.Commits = commits
	if commits == 0 {
		return im.fail(result, "agent produced no commits"), nil
	}

	testOut, testErr := im.runTests(ctx, wt.Path)
	result.TestOutput = testOut
	result.TestsPassed = testErr == nil
	if testErr != nil {
		return im.fail(result, fmt.Sprintf("tests failed: %v", testErr)), nil
	}

	result.Success = true
	im.deps.publish(events.StageDone(events.EventTypeImplementCompleted, issue, events.StageImplement, map[string]string{
		events.KeyBranch:  wt.Branch,
		events.KeyCommits: strconv.Itoa(commits),
	}))
	im.deps.Logger.Info("implementation succeeded",
		zap.Int("issue", issue),
		zap.Int("commits", commits),
		zap.String("branch", wt.Branch))
	return result, nil
}

func (im *Implementer) fail(result *ImplementResult, msg string) *ImplementResult {
	result.Success = false
	result.Error = msg
	im.deps.publish(events.StageFailed(events.EventTypeImplementFailed, result.IssueNumber, events.StageImplement, msg))
	return result
}

func (im *Implementer) buildPrompt(header, discussion, plan string) string {
	var b strings.Builder
	b.WriteString("You are the implementation stage of an autonomous engineering pipeline,\n")
	b.WriteString("working in an isolated git worktree on a dedicated branch.\n\n")
	b.WriteString(header)
	b.WriteString("\n\nDiscussion:\n")
	b.WriteString(discussion)
	if plan != "" {
		b.WriteString("\n\nApproved implementation plan:\n")
		b.WriteString(plan)
	}
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Write or update tests for the change FIRST, then make them pass.\n")
	b.WriteString(fmt.Sprintf("- Run %q and fix failures before finishing.\n", im.deps.TestCommand))
	b.WriteString("- Commit your work in logical units with clear messages.\n")
	b.WriteString("- NEVER push. NEVER touch branches other than the current one.\n")
	return b.String()
}

// loadPlan reads a previously persisted plan, or "" when none exists. A
// missing plan is normal for issues implemented without a planning pass.
func (im *Implementer) loadPlan(issue int) string {
	path := im.deps.artifactPath(PlanDir, fmt.Sprintf("issue-%d.md", issue))
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (im *Implementer) persistTranscript(issue int, transcript string) error {
	path := im.deps.artifactPath(ImplementLogDir, fmt.Sprintf("issue-%d.txt", issue))
	return im.deps.writeArtifact(path, transcript)
}

// runTests runs the configured test command inside the worktree through the
// shell so compound commands work.
func (im *Implementer) runTests(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", im.deps.TestCommand)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return truncateFront(string(out), 20000), err
}

// recordPause persists the quota reset time so later runs can refuse to
// start before it.
func (im *Implementer) recordPause(ctx context.Context, resumeAt string) {
	if im.deps.Store == nil {
		return
	}
	if err := im.deps.Store.SetKV(ctx, state.KeyPausedUntil, resumeAt); err != nil {
		im.deps.Logger.Warn("failed to record quota pause", zap.Error(err))
	}
}

func (im *Implementer) recordCounters(ctx context.Context, result *ImplementResult) {
	if im.deps.Store == nil {
		return
	}
	if result.Success {
		if _, err := im.deps.Store.IncrementCounter(ctx, state.CounterImplementations, 1); err != nil {
			im.deps.Logger.Warn("failed to increment counter", zap.Error(err))
		}
	}
	if _, err := im.deps.Store.IncrementCounter(ctx, state.CounterImplementSeconds, int64(result.DurationSeconds)); err != nil {
		im.deps.Logger.Warn("failed to increment counter", zap.Error(err))
	}
}
