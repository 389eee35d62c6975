// Package events provides the pipeline event model: an in-process pub/sub
// bus with bounded history and an append-only on-disk journal.
//
// Every stage of the pipeline publishes events here; the timeline builder
// and metrics manager reconstruct issue lifecycles from the resulting log.
package events

import (
	"sync/atomic"
	"time"
)

// EventType identifies what happened in the pipeline.
type EventType string

const (
	// EventTypeTriageStarted indicates triage evaluation began for an issue
	EventTypeTriageStarted EventType = "triage_started"
	// EventTypeTriageReady indicates an issue passed triage and is ready for planning
	EventTypeTriageReady EventType = "triage_ready"
	// EventTypeTriageBlocked indicates an issue failed triage and stays in triage
	EventTypeTriageBlocked EventType = "triage_blocked"

	// EventTypePlanStarted indicates planning began for an issue
	EventTypePlanStarted EventType = "plan_started"
	// EventTypePlanCompleted indicates a plan was produced
	EventTypePlanCompleted EventType = "plan_completed"
	// EventTypePlanFailed indicates planning failed
	EventTypePlanFailed EventType = "plan_failed"

	// EventTypeImplementStarted indicates an implementation agent was spawned
	EventTypeImplementStarted EventType = "implement_started"
	// EventTypeImplementCompleted indicates implementation finished successfully
	EventTypeImplementCompleted EventType = "implement_completed"
	// EventTypeImplementFailed indicates implementation failed
	EventTypeImplementFailed EventType = "implement_failed"

	// EventTypeReviewStarted indicates verification of acceptance criteria began
	EventTypeReviewStarted EventType = "review_started"
	// EventTypeReviewPassed indicates all acceptance criteria passed
	EventTypeReviewPassed EventType = "review_passed"
	// EventTypeReviewFailed indicates one or more acceptance criteria failed
	EventTypeReviewFailed EventType = "review_failed"

	// EventTypePRCreated indicates a pull request was opened for an issue
	EventTypePRCreated EventType = "pr_created"
	// EventTypeCICheck indicates a CI check result was observed on a PR
	EventTypeCICheck EventType = "ci_check"
	// EventTypeMergeCompleted indicates a PR was merged
	EventTypeMergeCompleted EventType = "merge_completed"
	// EventTypeMergeFailed indicates a merge attempt failed
	EventTypeMergeFailed EventType = "merge_failed"

	// EventTypeTranscriptLine indicates one display line of agent output
	EventTypeTranscriptLine EventType = "transcript_line"

	// EventTypeHITLEscalated indicates an issue was routed to human review
	EventTypeHITLEscalated EventType = "hitl_escalated"
	// EventTypeHITLStarted indicates a correction run began for an issue
	EventTypeHITLStarted EventType = "hitl_started"
	// EventTypeHITLCompleted indicates a correction run succeeded
	EventTypeHITLCompleted EventType = "hitl_completed"
	// EventTypeHITLFailed indicates a correction run failed
	EventTypeHITLFailed EventType = "hitl_failed"

	// EventTypeSummaryCreated indicates a transcript summary was filed as an issue
	EventTypeSummaryCreated EventType = "summary_created"

	// EventTypeMetricsPosted indicates a metrics snapshot was posted
	EventTypeMetricsPosted EventType = "metrics_posted"

	// EventTypeQuotaExhausted indicates upstream credit/quota exhaustion was detected
	EventTypeQuotaExhausted EventType = "quota_exhausted"
)

// Event is a single immutable pipeline occurrence.
//
// IDs are assigned at construction from a process-wide counter and are
// strictly increasing for the lifetime of the process. They are used for
// ordering and dedup within one process, never for cross-process identity.
type Event struct {
	// ID is the monotonic in-process sequence number
	ID int64 `json:"id"`
	// Type is the type of event
	Type EventType `json:"type"`
	// Timestamp is when the event occurred (UTC)
	Timestamp time.Time `json:"timestamp"`
	// Data contains string-keyed, string-valued event payload
	Data map[string]string `json:"data"`
}

var eventSeq atomic.Int64

// New constructs an event with the next sequence ID and the current UTC time.
// The data map is not copied; callers must not mutate it after construction.
func New(t EventType, data map[string]string) Event {
	if data == nil {
		data = map[string]string{}
	}
	return Event{
		ID:        eventSeq.Add(1),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
