package events

import "strconv"

// Fixed stage names used in event data and timelines.
const (
	StageTriage    = "triage"
	StagePlan      = "plan"
	StageImplement = "implement"
	StageReview    = "review"
	StageMerge     = "merge"
)

// Data keys shared across event constructors. Consumers correlate by issue
// number where present, falling back to PR number for merge/CI events.
const (
	KeyIssue    = "issue"
	KeyPR       = "pr"
	KeyStage    = "stage"
	KeyStatus   = "status"
	KeyLine     = "line"
	KeyTitle    = "title"
	KeyError    = "error"
	KeyCause    = "cause"
	KeyOrigin   = "origin"
	KeyBranch   = "branch"
	KeyURL      = "url"
	KeyVerdict  = "verdict"
	KeyCommits  = "commits"
	KeyDuration = "duration_seconds"
	KeyResumeAt = "resume_at"
)

// Terminal status values recognized by the timeline builder.
const (
	StatusDone   = "done"
	StatusMerged = "merged"
	StatusPassed = "passed"
	StatusFailed = "failed"
)

func itoa(n int) string { return strconv.Itoa(n) }

// StageStarted builds a stage start event for an issue.
func StageStarted(t EventType, issue int, stage string) Event {
	return New(t, map[string]string{
		KeyIssue: itoa(issue),
		KeyStage: stage,
	})
}

// StageDone builds a terminal "done" event for a stage.
func StageDone(t EventType, issue int, stage string, extra map[string]string) Event {
	data := map[string]string{
		KeyIssue:  itoa(issue),
		KeyStage:  stage,
		KeyStatus: StatusDone,
	}
	for k, v := range extra {
		data[k] = v
	}
	return New(t, data)
}

// StageFailed builds a terminal "failed" event for a stage.
func StageFailed(t EventType, issue int, stage string, errMsg string) Event {
	return New(t, map[string]string{
		KeyIssue:  itoa(issue),
		KeyStage:  stage,
		KeyStatus: StatusFailed,
		KeyError:  errMsg,
	})
}

// TranscriptLine builds a transcript-line event tagged with the issue and
// stage that produced it.
func TranscriptLine(issue int, stage, line string) Event {
	return New(EventTypeTranscriptLine, map[string]string{
		KeyIssue: itoa(issue),
		KeyStage: stage,
		KeyLine:  line,
	})
}

// PRCreated builds the event that establishes the PR-to-issue correlation
// used by the timeline builder.
func PRCreated(issue, pr int, url, branch string) Event {
	return New(EventTypePRCreated, map[string]string{
		KeyIssue:  itoa(issue),
		KeyPR:     itoa(pr),
		KeyStage:  StageMerge,
		KeyURL:    url,
		KeyBranch: branch,
	})
}

// CICheck builds a CI check event. CI events only carry a PR number; the
// timeline builder maps them back to an issue via PRCreated events.
func CICheck(pr int, status string) Event {
	return New(EventTypeCICheck, map[string]string{
		KeyPR:     itoa(pr),
		KeyStage:  StageMerge,
		KeyStatus: status,
	})
}

// MergeCompleted builds the terminal merge event for a PR.
func MergeCompleted(pr int) Event {
	return New(EventTypeMergeCompleted, map[string]string{
		KeyPR:     itoa(pr),
		KeyStage:  StageMerge,
		KeyStatus: StatusMerged,
	})
}

// HITLEscalated builds the escalation event recording cause and origin.
func HITLEscalated(issue int, cause, origin string) Event {
	return New(EventTypeHITLEscalated, map[string]string{
		KeyIssue:  itoa(issue),
		KeyCause:  cause,
		KeyOrigin: origin,
	})
}

// SummaryCreated builds the event recording a filed summary issue.
func SummaryCreated(sourceIssue, summaryIssue int, stage string) Event {
	return New(EventTypeSummaryCreated, map[string]string{
		KeyIssue:        itoa(sourceIssue),
		KeyStage:        stage,
		"summary_issue": itoa(summaryIssue),
	})
}

// QuotaExhausted builds the event signaling upstream credit exhaustion.
// resumeAt is an RFC3339 time or empty when the source gave none.
func QuotaExhausted(issue int, stage, resumeAt string) Event {
	data := map[string]string{
		KeyIssue: itoa(issue),
		KeyStage: stage,
	}
	if resumeAt != "" {
		data[KeyResumeAt] = resumeAt
	}
	return New(EventTypeQuotaExhausted, data)
}

// IssueNumber extracts the issue number from an event, or 0 when absent.
func (e Event) IssueNumber() int {
	n, err := strconv.Atoi(e.Data[KeyIssue])
	if err != nil {
		return 0
	}
	return n
}

// PRNumber extracts the PR number from an event, or 0 when absent.
func (e Event) PRNumber() int {
	n, err := strconv.Atoi(e.Data[KeyPR])
	if err != nil {
		return 0
	}
	return n
}
