// Package timeline reconstructs per-issue stage timelines from the event
// log. Timelines are derived on demand and never persisted; the event log
// is the only source of truth.
package timeline

import (
	"sort"
	"strings"
	"time"

	"github.com/hydradev/hydra/internal/events"
)

// Stage statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// maxPreviewLines bounds the transcript preview per stage: the first and
// last halves of the transcript, never the whole thing.
const maxPreviewLines = 10

// stageOrder is the fixed stage sequence of an issue's lifecycle.
var stageOrder = []string{
	events.StageTriage,
	events.StagePlan,
	events.StageImplement,
	events.StageReview,
	events.StageMerge,
}

// TimelineStage is one stage of an issue's lifecycle.
type TimelineStage struct {
	Name              string            `json:"stage"`
	Status            string            `json:"status"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       time.Time         `json:"completed_at,omitempty"`
	DurationSeconds   float64           `json:"duration_seconds"`
	TranscriptPreview []string          `json:"transcript_preview,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// IssueTimeline is the derived lifecycle view of one issue.
type IssueTimeline struct {
	IssueNumber          int             `json:"issue_number"`
	Title                string          `json:"title,omitempty"`
	CurrentStage         string          `json:"current_stage"`
	Stages               []TimelineStage `json:"stages"`
	TotalDurationSeconds float64         `json:"total_duration_seconds"`
	PRNumber             int             `json:"pr_number,omitempty"`
	PRURL                string          `json:"pr_url,omitempty"`
	Branch               string          `json:"branch,omitempty"`
}

// Builder turns event history into issue timelines.
type Builder struct{}

// NewBuilder creates a timeline builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// BuildAll builds timelines for every issue present in history, ordered by
// issue number.
func (b *Builder) BuildAll(history []events.Event) []IssueTimeline {
	byIssue := b.group(history)
	issues := make([]int, 0, len(byIssue))
	for issue := range byIssue {
		issues = append(issues, issue)
	}
	sort.Ints(issues)

	out := make([]IssueTimeline, 0, len(issues))
	for _, issue := range issues {
		out = append(out, b.build(issue, byIssue[issue]))
	}
	return out
}

// BuildIssue builds the timeline for one issue; ok is false when history
// contains no events for it.
func (b *Builder) BuildIssue(history []events.Event, issue int) (IssueTimeline, bool) {
	byIssue := b.group(history)
	evs, ok := byIssue[issue]
	if !ok {
		return IssueTimeline{}, false
	}
	return b.build(issue, evs), true
}

// group buckets events by issue number, mapping PR-only events (CI checks,
// merges) back to their issue via PR-creation events seen in the same
// history. Events correlating to no issue are dropped.
func (b *Builder) group(history []events.Event) map[int][]events.Event {
	prToIssue := make(map[int]int)
	for _, e := range history {
		if e.Type == events.EventTypePRCreated {
			if pr, issue := e.PRNumber(), e.IssueNumber(); pr > 0 && issue > 0 {
				prToIssue[pr] = issue
			}
		}
	}

	byIssue := make(map[int][]events.Event)
	for _, e := range history {
		issue := e.IssueNumber()
		if issue == 0 {
			issue = prToIssue[e.PRNumber()]
		}
		if issue == 0 {
			continue
		}
		byIssue[issue] = append(byIssue[issue], e)
	}
	return byIssue
}

func (b *Builder) build(issue int, evs []events.Event) IssueTimeline {
	sort.Slice(evs, func(i, j int) bool { return evs[i].ID < evs[j].ID })

	tl := IssueTimeline{IssueNumber: issue}

	byStage := make(map[string][]events.Event)
	var escalationCause, escalationOrigin string
	for _, e := range evs {
		if t := e.Data[events.KeyTitle]; t != "" {
			tl.Title = t
		}
		switch e.Type {
		case events.EventTypePRCreated:
			tl.PRNumber = e.PRNumber()
			tl.PRURL = e.Data[events.KeyURL]
			tl.Branch = e.Data[events.KeyBranch]
		case events.EventTypeHITLEscalated:
			escalationCause = e.Data[events.KeyCause]
			escalationOrigin = e.Data[events.KeyOrigin]
		}
		if stage := e.Data[events.KeyStage]; stage != "" {
			byStage[stage] = append(byStage[stage], e)
		}
	}

	var latest time.Time
	for _, name := range stageOrder {
		stageEvents := byStage[name]
		if len(stageEvents) == 0 {
			// A stage with zero events is omitted, not padded: partial
			// issues produce short timelines.
			continue
		}
		st := buildStage(name, stageEvents)
		if escalationCause != "" && strings.Contains(escalationOrigin, name) {
			if st.Metadata == nil {
				st.Metadata = make(map[string]string)
			}
			st.Metadata["escalation_cause"] = escalationCause
		}
		tl.Stages = append(tl.Stages, st)
		tl.TotalDurationSeconds += st.DurationSeconds

		// Ties go to the later lifecycle stage: stages are visited in
		// lifecycle order and event timestamps may collide.
		if last := stageEvents[len(stageEvents)-1].Timestamp; !last.Before(latest) || tl.CurrentStage == "" {
			latest = last
			tl.CurrentStage = name
		}
	}
	return tl
}

func buildStage(name string, evs []events.Event) TimelineStage {
	st := TimelineStage{
		Name:      name,
		Status:    StatusInProgress,
		StartedAt: evs[0].Timestamp,
	}

	var preview []string
	meta := make(map[string]string)
	for _, e := range evs {
		if e.Type == events.EventTypeTranscriptLine {
			preview = append(preview, e.Data[events.KeyLine])
			continue
		}
		// Status reflects the last terminal status seen in the stage.
		switch e.Data[events.KeyStatus] {
		case events.StatusDone, events.StatusMerged, events.StatusPassed:
			st.Status = StatusDone
			st.CompletedAt = e.Timestamp
		case events.StatusFailed:
			st.Status = StatusFailed
			st.CompletedAt = e.Timestamp
		}
		if v := e.Data[events.KeyVerdict]; v != "" {
			meta["verdict"] = v
		}
		if v := e.Data[events.KeyCommits]; v != "" {
			meta["commits"] = v
		}
		if v := e.Data[events.KeyError]; v != "" {
			meta["error"] = v
		}
	}

	if !st.CompletedAt.IsZero() {
		st.DurationSeconds = st.CompletedAt.Sub(st.StartedAt).Seconds()
	}
	st.TranscriptPreview = previewLines(preview)
	if len(meta) > 0 {
		st.Metadata = meta
	}
	return st
}

// previewLines bounds a transcript to its first and last halves.
func previewLines(lines []string) []string {
	if len(lines) <= maxPreviewLines {
		return lines
	}
	half := maxPreviewLines / 2
	out := make([]string, 0, maxPreviewLines+1)
	out = append(out, lines[:half]...)
	out = append(out, "[...]")
	out = append(out, lines[len(lines)-half:]...)
	return out
}
