package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hydradev/hydra/internal/agent"
	"github.com/hydradev/hydra/internal/events"
)

// Plan transcript markers. The parser is a strict block grammar: exact
// marker tokens on their own lines, fixed order. Loosening this to
// best-effort matching makes failure modes unenumerable, so don't.
const (
	planStartMarker      = "PLAN_START"
	planEndMarker        = "PLAN_END"
	planSummaryPrefix    = "SUMMARY:"
	newIssuesStartMarker = "NEW_ISSUES_START"
	newIssuesEndMarker   = "NEW_ISSUES_END"
)

// NewIssue is a follow-up issue discovered during planning.
type NewIssue struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Label string `json:"label"`
}

// PlanResult is the outcome of one planning run.
type PlanResult struct {
	IssueNumber     int        `json:"issue_number"`
	Success         bool       `json:"success"`
	Plan            string     `json:"plan"`
	Summary         string     `json:"summary"`
	NewIssues       []NewIssue `json:"new_issues,omitempty"`
	Warnings        []string   `json:"warnings,omitempty"`
	Error           string     `json:"error,omitempty"`
	Transcript      string     `json:"transcript,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// Planner produces an implementation plan for a triaged issue. Planning
// runs are read-only: the agent is denied all file-mutating tools.
type Planner struct {
	deps *Deps
	// DiscoverIssues enables the optional NEW_ISSUES block
	DiscoverIssues bool
	// Timeout bounds one planning run
	Timeout time.Duration
}

// NewPlanner creates a planner runner.
func NewPlanner(deps *Deps) (*Planner, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	return &Planner{
		deps:    deps,
		Timeout: 15 * time.Minute,
	}, nil
}

// Run plans one issue. Errors are converted into a failed result; only
// context cancellation propagates.
func (p *Planner) Run(ctx context.Context, issue int) (*PlanResult, error) {
	start := time.Now()
	p.deps.publish(events.StageStarted(events.EventTypePlanStarted, issue, events.StagePlan))

	result := &PlanResult{IssueNumber: issue}
	defer func() { result.DurationSeconds = seconds(time.Since(start)) }()

	iss, err := p.deps.Svc.GetIssue(ctx, issue)
	if err != nil {
		return p.fail(result, fmt.Sprintf("failed to fetch issue: %v", err)), nil
	}
	comments, err := p.deps.Svc.ListComments(ctx, issue)
	if err != nil {
		p.deps.Logger.Warn("failed to fetch discussion, planning without it",
			zap.Int("issue", issue), zap.Error(err))
	}

	prompt := p.buildPrompt(issueHeader(iss),
		formatDiscussion(comments, planDiscussionMaxChars, planDiscussionMaxLines))

	cmd := p.deps.Command
	cmd.DisallowedTools = []string{"Write", "Edit", "MultiEdit", "NotebookEdit", "Bash"}

	endMarker := planEndMarker
	if p.DiscoverIssues {
		endMarker = newIssuesEndMarker
	}
	transcript, err := p.deps.Agent.Stream(ctx, agent.Request{
		Command: cmd,
		Prompt:  prompt,
		Dir:     p.deps.RepoDir,
		Timeout: p.Timeout,
		Issue:   issue,
		Stage:   events.StagePlan,
		// Stop as soon as the closing marker appears; everything after
		// it is noise and every extra token costs money.
		OnOutput: func(cumulative string) bool {
			return strings.Contains(cumulative, endMarker)
		},
	})
	result.Transcript = transcript
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return p.fail(result, err.Error()), nil
	}

	// Extract between markers. An absent block yields an empty plan, not
	// the transcript: quota banners and error text must never be
	// mistaken for a plan.
	result.Plan = extractBlock(transcript, planStartMarker, planEndMarker)
	result.Summary = extractPrefixedLine(transcript, planSummaryPrefix)
	if p.DiscoverIssues {
		result.NewIssues = p.parseNewIssues(transcript)
	}

	if result.Plan == "" {
		return p.fail(result, "no plan found between PLAN_START/PLAN_END markers"), nil
	}

	if w := vocabularyWarning(iss.Title, result.Plan); w != "" {
		// Soft validation only: warn, never reject.
		result.Warnings = append(result.Warnings, w)
		p.deps.Logger.Warn("plan shares no significant vocabulary with issue title",
			zap.Int("issue", issue))
	}

	if err := p.persist(issue, result); err != nil {
		p.deps.Logger.Warn("failed to persist plan", zap.Int("issue", issue), zap.Error(err))
	}

	result.Success = true
	p.deps.publish(events.StageDone(events.EventTypePlanCompleted, issue, events.StagePlan, map[string]string{
		"summary": result.Summary,
	}))
	return result, nil
}

func (p *Planner) fail(result *PlanResult, msg string) *PlanResult {
	result.Success = false
	result.Error = msg
	p.deps.publish(events.StageFailed(events.EventTypePlanFailed, result.IssueNumber, events.StagePlan, msg))
	return result
}

func (p *Planner) buildPrompt(header, discussion string) string {
	var b strings.Builder
	b.WriteString("You are the planning stage of an autonomous engineering pipeline.\n")
	b.WriteString("Study the issue below and the repository, then produce an implementation plan.\n")
	b.WriteString("You may read files but must not modify anything.\n\n")
	b.WriteString(header)
	b.WriteString("\n\nDiscussion:\n")
	b.WriteString(discussion)
	b.WriteString("\n\nOutput format (markers must appear exactly, each on its own line):\n")
	b.WriteString(planStartMarker + "\n<numbered implementation steps>\n" + planEndMarker + "\n")
	b.WriteString(planSummaryPrefix + " <one line summary>\n")
	if p.DiscoverIssues {
		b.WriteString("\nIf you notice unrelated defects worth filing, list them as:\n")
		b.WriteString(newIssuesStartMarker + "\n- <title> :: <one line description>\n" + newIssuesEndMarker + "\n")
	}
	return b.String()
}

// parseNewIssues reads the optional NEW_ISSUES block. Every discovered
// issue gets exactly the allow-listed improve label; the planner may not
// assign arbitrary labels.
func (p *Planner) parseNewIssues(transcript string) []NewIssue {
	block := extractBlock(transcript, newIssuesStartMarker, newIssuesEndMarker)
	if block == "" {
		return nil
	}
	var out []NewIssue
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		entry := strings.TrimPrefix(line, "- ")
		title, body := entry, ""
		if idx := strings.Index(entry, "::"); idx >= 0 {
			title = strings.TrimSpace(entry[:idx])
			body = strings.TrimSpace(entry[idx+2:])
		}
		if title == "" {
			continue
		}
		out = append(out, NewIssue{
			Title: title,
			Body:  body,
			Label: p.deps.Labels.Improve,
		})
	}
	return out
}

func (p *Planner) persist(issue int, result *PlanResult) error {
	content := fmt.Sprintf("# Plan for issue #%d\n\n%s\n\n## Summary\n\n%s\n",
		issue, result.Plan, result.Summary)
	path := p.deps.artifactPath(PlanDir, fmt.Sprintf("issue-%d.md", issue))
	if err := p.deps.writeArtifact(path, content); err != nil {
		return err
	}
	logPath := p.deps.artifactPath(StageLogDir, fmt.Sprintf("planner-issue-%d.txt", issue))
	return p.deps.writeArtifact(logPath, result.Transcript)
}

// extractBlock returns the text strictly between the first start marker
// line and the next end marker line, or "" when either is absent.
func extractBlock(text, start, end string) string {
	startIdx := strings.Index(text, start)
	if startIdx < 0 {
		return ""
	}
	rest := text[startIdx+len(start):]
	endIdx := strings.Index(rest, end)
	if endIdx < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:endIdx])
}

// extractPrefixedLine returns the remainder of the first line starting
// with prefix, or "".
func extractPrefixedLine(text, prefix string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

// vocabularyWarning returns a warning when the plan shares no significant
// word (longer than 3 chars) with the issue title.
func vocabularyWarning(title, plan string) string {
	planLower := strings.ToLower(plan)
	significant := 0
	for _, word := range strings.Fields(strings.ToLower(title)) {
		word = strings.Trim(word, `.,:;!?"'()[]`)
		if len(word) <= 3 {
			continue
		}
		significant++
		if strings.Contains(planLower, word) {
			return ""
		}
	}
	if significant == 0 {
		return ""
	}
	return "plan shares no significant vocabulary with the issue title; it may address the wrong problem"
}
