// Package hitl owns the human-in-the-loop correction phase: the queue of
// pending correction texts, bounded concurrent correction runs, and the
// routing of corrected issues back to their origin stage.
package hitl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hydradev/hydra/internal/agent"
	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/gh"
	"github.com/hydradev/hydra/internal/labels"
	"github.com/hydradev/hydra/internal/state"
	"github.com/hydradev/hydra/internal/worktree"
)

// Cause categories, each with its own prompt framing.
const (
	causeCI            = "ci_failure"
	causeMergeConflict = "merge_conflict"
	causeInsufficient  = "insufficient_detail"
	causeDefault       = "default"
)

// CorrectionResult is the outcome of one correction run.
type CorrectionResult struct {
	IssueNumber     int     `json:"issue_number"`
	Success         bool    `json:"success"`
	RoutedTo        string  `json:"routed_to,omitempty"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Controller runs human corrections against escalated issues.
type Controller struct {
	svc       gh.Service
	store     *state.Store
	worktrees worktree.Manager
	agent     Streamer
	bus       *events.Bus
	labels    labels.Set
	logger    *zap.Logger

	// Command is the base agent CLI configuration for correction runs
	Command agent.Command
	// Timeout bounds one correction run
	Timeout time.Duration
	// LogDir is where correction transcripts are persisted
	LogDir string

	sem  *semaphore.Weighted
	stop chan struct{}

	mu      sync.Mutex
	pending map[int]string
	active  map[int]bool
}

// Streamer runs one agent CLI invocation (satisfied by *agent.Runner).
type Streamer interface {
	Stream(ctx context.Context, req agent.Request) (string, error)
}

// New creates a controller bounding concurrent correction runs to maxConcurrent.
func New(svc gh.Service, store *state.Store, worktrees worktree.Manager,
	streamer Streamer, bus *events.Bus, lbls labels.Set,
	maxConcurrent int64, logger *zap.Logger) *Controller {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		svc:       svc,
		store:     store,
		worktrees: worktrees,
		agent:     streamer,
		bus:       bus,
		labels:    lbls,
		logger:    logger.Named("hitl"),
		Timeout:   30 * time.Minute,
		LogDir:    ".hydra/logs",
		sem:       semaphore.NewWeighted(maxConcurrent),
		stop:      make(chan struct{}),
		pending:   make(map[int]string),
		active:    make(map[int]bool),
	}
}

// SubmitCorrection queues correction text for an issue, replacing any
// previously submitted text.
func (c *Controller) SubmitCorrection(issue int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[issue] = text
}

// SkipIssue discards any pending correction for an issue.
func (c *Controller) SkipIssue(issue int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, issue)
}

// Pending returns the issues with queued corrections.
func (c *Controller) Pending() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.pending))
	for issue := range c.pending {
		out = append(out, issue)
	}
	return out
}

// Active returns the issues whose correction run is currently in flight.
func (c *Controller) Active() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.active))
	for issue := range c.active {
		out = append(out, issue)
	}
	return out
}

// Stop cancels correction processing cooperatively: in-flight runs finish,
// queued ones are not started.
func (c *Controller) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// ProcessCorrections snapshots and clears the pending map, then runs one
// correction task per issue bounded by the configured semaphore.
// Corrections submitted while processing is underway land in the next
// snapshot; they are neither dropped nor reprocessed.
func (c *Controller) ProcessCorrections(ctx context.Context) []CorrectionResult {
	c.mu.Lock()
	snapshot := c.pending
	c.pending = make(map[int]string)
	c.mu.Unlock()

	results := make([]CorrectionResult, 0, len(snapshot))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for issue, text := range snapshot {
		select {
		case <-c.stop:
			c.logger.Info("stop requested, abandoning remaining corrections")
			wg.Wait()
			return results
		case <-ctx.Done():
			wg.Wait()
			return results
		default:
		}

		if err := c.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(issue int, text string) {
			defer wg.Done()
			defer c.sem.Release(1)
			r := c.runCorrection(ctx, issue, text)
			resultsMu.Lock()
			results = append(results, r)
			resultsMu.Unlock()
		}(issue, text)
	}
	wg.Wait()
	return results
}

// runCorrection executes one correction task end to end. The result is a
// named return so the deferred duration write applies on every exit path.
func (c *Controller) runCorrection(ctx context.Context, issue int, correction string) (result CorrectionResult) {
	start := time.Now()
	result.IssueNumber = issue

	c.mu.Lock()
	c.active[issue] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, issue)
		c.mu.Unlock()
		result.DurationSeconds = time.Since(start).Seconds()
	}()

	c.publish(events.New(events.EventTypeHITLStarted, map[string]string{
		events.KeyIssue: fmt.Sprintf("%d", issue),
		events.KeyStage: "hitl",
	}))

	origin, cause, _, err := c.store.GetEscalation(ctx, issue)
	if err != nil {
		c.logger.Warn("failed to read escalation state",
			zap.Int("issue", issue), zap.Error(err))
	}

	// Swap the waiting label for the active one for dashboard visibility.
	if err := labels.Transition(ctx, c.svc, issue, c.labels.HITL, c.labels.HITLActive); err != nil {
		c.logger.Warn("failed to mark issue active",
			zap.Int("issue", issue), zap.Error(err))
	}

	wt, err := c.worktrees.Create(ctx, issue)
	if err != nil {
		return c.failCorrection(ctx, result, fmt.Sprintf("failed to create worktree: %v", err))
	}

	prompt := buildCorrectionPrompt(classifyCause(cause), cause, correction)
	transcript, err := c.agent.Stream(ctx, agent.Request{
		Command: c.Command,
		Prompt:  prompt,
		Dir:     wt.Path,
		Timeout: c.Timeout,
		Issue:   issue,
		Stage:   "hitl",
	})
	if perr := c.persistTranscript(issue, transcript); perr != nil {
		c.logger.Warn("failed to persist correction transcript",
			zap.Int("issue", issue), zap.Error(perr))
	}
	if err != nil {
		return c.failCorrection(ctx, result, err.Error())
	}

	if err := c.svc.PushBranch(ctx, wt.Path, wt.Branch); err != nil {
		return c.failCorrection(ctx, result, fmt.Sprintf("failed to push branch: %v", err))
	}

	// Route the issue back to its origin stage. Improve-origin issues (and
	// issues with no recorded origin) restart at triage.
	target := c.labels.Triage
	routed := "triage"
	if stage, ok := c.labels.OriginStage(origin); ok {
		routed = stage
		switch stage {
		case "plan":
			target = c.labels.Plan
		case "implement":
			target = c.labels.Implement
		default:
			target = c.labels.Triage
		}
	}
	if err := labels.Transition(ctx, c.svc, issue, c.labels.HITLActive, target); err != nil {
		return c.failCorrection(ctx, result, fmt.Sprintf("failed to route issue: %v", err))
	}

	if err := c.store.ClearEscalation(ctx, issue); err != nil {
		c.logger.Warn("failed to clear escalation state",
			zap.Int("issue", issue), zap.Error(err))
	}
	// Worktrees are destroyed only on success; failed runs keep theirs
	// for inspection and retry.
	if err := c.worktrees.Destroy(ctx, issue); err != nil {
		c.logger.Warn("failed to destroy worktree",
			zap.Int("issue", issue), zap.Error(err))
	}

	result.Success = true
	result.RoutedTo = routed
	c.publish(events.New(events.EventTypeHITLCompleted, map[string]string{
		events.KeyIssue:  fmt.Sprintf("%d", issue),
		events.KeyStage:  "hitl",
		events.KeyStatus: events.StatusDone,
		"routed_to":      routed,
	}))
	c.logger.Info("correction succeeded",
		zap.Int("issue", issue), zap.String("routed_to", routed))
	return result
}

// failCorrection restores the waiting label and invites a new correction.
func (c *Controller) failCorrection(ctx context.Context, result CorrectionResult, msg string) CorrectionResult {
	result.Success = false
	result.Error = msg

	if err := labels.Transition(ctx, c.svc, result.IssueNumber, c.labels.HITLActive, c.labels.HITL); err != nil {
		c.logger.Warn("failed to restore HITL label",
			zap.Int("issue", result.IssueNumber), zap.Error(err))
	}
	comment := fmt.Sprintf("Correction run failed: %s\n\nPlease submit a new correction.", msg)
	if err := c.svc.CreateComment(ctx, result.IssueNumber, comment); err != nil {
		c.logger.Warn("failed to post failure comment",
			zap.Int("issue", result.IssueNumber), zap.Error(err))
	}

	c.publish(events.New(events.EventTypeHITLFailed, map[string]string{
		events.KeyIssue:  fmt.Sprintf("%d", result.IssueNumber),
		events.KeyStage:  "hitl",
		events.KeyStatus: events.StatusFailed,
		events.KeyError:  msg,
	}))
	c.logger.Warn("correction failed",
		zap.Int("issue", result.IssueNumber), zap.String("error", msg))
	return result
}

func (c *Controller) publish(e events.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

func (c *Controller) persistTranscript(issue int, transcript string) error {
	if transcript == "" {
		return nil
	}
	path := filepath.Join(c.LogDir, fmt.Sprintf("hitl-issue-%d.txt", issue))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(transcript), 0o644)
}

// classifyCause buckets an escalation cause into a prompt template.
// Insufficient-detail is checked before CI keywords: "insufficient"
// contains the substring "ci".
func classifyCause(cause string) string {
	lower := strings.ToLower(cause)
	switch {
	case strings.Contains(lower, "insufficient") || strings.Contains(lower, "detail") ||
		strings.Contains(lower, "unclear"):
		return causeInsufficient
	case strings.Contains(lower, "conflict"):
		return causeMergeConflict
	case strings.Contains(lower, "ci") || strings.Contains(lower, "check") ||
		strings.Contains(lower, "test fail"):
		return causeCI
	default:
		return causeDefault
	}
}

// buildCorrectionPrompt frames the human correction by cause category.
func buildCorrectionPrompt(category, cause, correction string) string {
	var b strings.Builder
	switch category {
	case causeCI:
		b.WriteString("A previous implementation run failed CI checks.\n")
		b.WriteString("Apply the human guidance below, then make the tests pass.\n")
	case causeMergeConflict:
		b.WriteString("A previous implementation run hit a merge conflict.\n")
		b.WriteString("Apply the human guidance below and resolve the conflict cleanly.\n")
	case causeInsufficient:
		b.WriteString("A previous run stalled because the issue lacked detail.\n")
		b.WriteString("The human guidance below supplies the missing context; act on it.\n")
	default:
		b.WriteString("A previous run was escalated for human review.\n")
		b.WriteString("Apply the human guidance below.\n")
	}
	if cause != "" {
		fmt.Fprintf(&b, "\nEscalation cause: %s\n", cause)
	}
	b.WriteString("\nHuman guidance:\n")
	b.WriteString(correction)
	b.WriteString("\n\nCommit your work. Do not push; the pipeline pushes after review.\n")
	return b.String()
}
