package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hydradev/hydra/internal/agent"
	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/state"
)

// Summarizer gates and caps.
const (
	// summaryMinTranscriptChars skips summarization of transcripts too
	// short to contain anything worth distilling
	summaryMinTranscriptChars = 2000
	// summaryMaxTranscriptChars front-truncates oversized transcripts;
	// the tail carries the most recent decisions and errors
	summaryMaxTranscriptChars = 60000
)

// summarySections are the optional sections requested from the model, in
// report order. Empty sections are omitted from the filed issue.
var summarySections = []string{"decisions", "patterns", "errors", "workarounds", "insights"}

// SummaryResult is the outcome of one summarization run.
type SummaryResult struct {
	SourceIssue     int     `json:"source_issue"`
	Filed           bool    `json:"filed"`
	SummaryIssue    int     `json:"summary_issue,omitempty"`
	SkipReason      string  `json:"skip_reason,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Summarizer distills a stage transcript into a self-filed follow-up
// issue. It never fails the pipeline: every error path logs and files
// nothing.
type Summarizer struct {
	deps *Deps
	// Enabled is the feature flag; disabled summarizers skip every run
	Enabled bool
	// Timeout bounds one summarization call
	Timeout time.Duration
}

// NewSummarizer creates a transcript summarizer.
func NewSummarizer(deps *Deps, enabled bool) (*Summarizer, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	return &Summarizer{
		deps:    deps,
		Enabled: enabled,
		Timeout: 10 * time.Minute,
	}, nil
}

// Run summarizes one transcript from the named stage of sourceIssue. The
// returned result is informational; Run never returns an error.
func (s *Summarizer) Run(ctx context.Context, sourceIssue int, stage, transcript string) *SummaryResult {
	start := time.Now()
	result := &SummaryResult{SourceIssue: sourceIssue}
	defer func() { result.DurationSeconds = seconds(time.Since(start)) }()

	if !s.Enabled {
		result.SkipReason = "summarizer disabled"
		return result
	}
	if len(transcript) < summaryMinTranscriptChars {
		result.SkipReason = fmt.Sprintf("transcript too short (%d chars)", len(transcript))
		return result
	}
	transcript = truncateFront(transcript, summaryMaxTranscriptChars)

	body, err := s.summarize(ctx, sourceIssue, stage, transcript)
	if err != nil {
		s.deps.Logger.Warn("summarization failed, no issue filed",
			zap.Int("issue", sourceIssue),
			zap.String("stage", stage),
			zap.Error(err))
		result.SkipReason = err.Error()
		return result
	}
	if strings.TrimSpace(body) == "" {
		s.deps.Logger.Warn("summarization produced no content, no issue filed",
			zap.Int("issue", sourceIssue), zap.String("stage", stage))
		result.SkipReason = "empty summary"
		return result
	}

	title := fmt.Sprintf("Improvement notes from issue #%d (%s stage)", sourceIssue, stage)
	summaryIssue, err := s.deps.Svc.CreateIssue(ctx, title, body,
		[]string{s.deps.Labels.Improve, s.deps.Labels.HITL})
	if err != nil {
		s.deps.Logger.Warn("failed to file summary issue",
			zap.Int("issue", sourceIssue), zap.Error(err))
		result.SkipReason = err.Error()
		return result
	}

	if s.deps.Store != nil {
		cause := fmt.Sprintf("transcript summary from issue #%d %s stage", sourceIssue, stage)
		if err := s.deps.Store.SetEscalation(ctx, summaryIssue, s.deps.Labels.Improve, cause); err != nil {
			s.deps.Logger.Warn("failed to record summary escalation origin",
				zap.Int("issue", summaryIssue), zap.Error(err))
		}
		if _, err := s.deps.Store.IncrementCounter(ctx, state.CounterQualityFixes, 1); err != nil {
			s.deps.Logger.Warn("failed to increment counter", zap.Error(err))
		}
	}

	result.Filed = true
	result.SummaryIssue = summaryIssue
	s.deps.publish(events.SummaryCreated(sourceIssue, summaryIssue, stage))
	s.deps.Logger.Info("filed summary issue",
		zap.Int("source_issue", sourceIssue),
		zap.Int("summary_issue", summaryIssue))
	return result
}

// summarize runs the model call and assembles the non-empty sections.
func (s *Summarizer) summarize(ctx context.Context, issue int, stage, transcript string) (string, error) {
	var b strings.Builder
	b.WriteString("Distill the agent transcript below into improvement notes.\n")
	b.WriteString("For each section output a markdown heading and bullet points,\n")
	b.WriteString("or omit the section entirely when there is nothing to report:\n")
	for _, sec := range summarySections {
		fmt.Fprintf(&b, "## %s\n", sec)
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(transcript)

	cmd := s.deps.Command
	cmd.DisallowedTools = []string{"Write", "Edit", "MultiEdit", "NotebookEdit", "Bash"}
	out, err := s.deps.Agent.Stream(ctx, agent.Request{
		Command: cmd,
		Prompt:  b.String(),
		Dir:     s.deps.RepoDir,
		Timeout: s.Timeout,
		Issue:   issue,
		Stage:   stage,
	})
	if err != nil {
		return "", err
	}
	return assembleSections(out), nil
}

// assembleSections keeps only the known sections that have content, in
// fixed order. Unknown headings and empty sections are dropped.
func assembleSections(out string) string {
	content := make(map[string]string, len(summarySections))
	var current string
	var buf strings.Builder
	flush := func() {
		if current != "" {
			content[current] = strings.TrimSpace(buf.String())
		}
		buf.Reset()
	}
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			flush()
			current = ""
			name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "## ")))
			for _, sec := range summarySections {
				if name == sec {
					current = sec
					break
				}
			}
			continue
		}
		if current != "" {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()

	var b strings.Builder
	for _, sec := range summarySections {
		body := content[sec]
		if body == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", strings.ToUpper(sec[:1])+sec[1:], body)
	}
	return strings.TrimSpace(b.String())
}
