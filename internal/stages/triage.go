package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hydradev/hydra/internal/events"
)

// Triage readiness thresholds. An issue is ready for planning only when
// its title and body each carry enough signal for an agent to act on.
const (
	MinTitleChars = 10
	MinBodyChars  = 40
)

// TriageResult is the outcome of one triage evaluation.
type TriageResult struct {
	IssueNumber     int      `json:"issue_number"`
	Ready           bool     `json:"ready"`
	Reasons         []string `json:"reasons,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
}

// Triage evaluates issue readiness. The ready path is a deterministic
// rule, not a model call: agents burn real money, so issues that can't
// possibly produce a good run are bounced with specific reasons instead.
type Triage struct {
	deps *Deps
}

// NewTriage creates a triage runner.
func NewTriage(deps *Deps) (*Triage, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	return &Triage{deps: deps}, nil
}

// Run evaluates one issue and publishes the triage outcome.
func (t *Triage) Run(ctx context.Context, issue int) (*TriageResult, error) {
	start := time.Now()
	t.deps.publish(events.StageStarted(events.EventTypeTriageStarted, issue, events.StageTriage))

	iss, err := t.deps.Svc.GetIssue(ctx, issue)
	if err != nil {
		t.deps.publish(events.StageFailed(events.EventTypeTriageBlocked, issue, events.StageTriage, err.Error()))
		return &TriageResult{
			IssueNumber:     issue,
			Ready:           false,
			Reasons:         []string{fmt.Sprintf("failed to fetch issue: %v", err)},
			DurationSeconds: seconds(time.Since(start)),
		}, nil
	}

	var reasons []string
	if n := len(strings.TrimSpace(iss.Title)); n < MinTitleChars {
		reasons = append(reasons, fmt.Sprintf(
			"title too short (%d chars, need at least %d): a planner can't scope this", n, MinTitleChars))
	}
	if n := len(strings.TrimSpace(iss.Body)); n < MinBodyChars {
		reasons = append(reasons, fmt.Sprintf(
			"body too short (%d chars, need at least %d): add context, expected behavior, and acceptance criteria", n, MinBodyChars))
	}

	result := &TriageResult{
		IssueNumber:     issue,
		Ready:           len(reasons) == 0,
		Reasons:         reasons,
		DurationSeconds: seconds(time.Since(start)),
	}

	if result.Ready {
		t.deps.publish(events.StageDone(events.EventTypeTriageReady, issue, events.StageTriage, nil))
		t.deps.Logger.Info("issue ready for planning", zap.Int("issue", issue))
	} else {
		t.deps.publish(events.StageFailed(events.EventTypeTriageBlocked, issue, events.StageTriage,
			strings.Join(reasons, "; ")))
		t.deps.Logger.Info("issue kept in triage",
			zap.Int("issue", issue),
			zap.Strings("reasons", reasons))
	}
	return result, nil
}
