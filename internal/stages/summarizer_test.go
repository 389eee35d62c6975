package stages

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/labels"
	"github.com/hydradev/hydra/internal/state"
)

func longTranscript() string {
	return strings.Repeat("the agent tried an approach and revised it after a test failure\n", 60)
}

func TestSummarizerFilesIssueWithBothLabels(t *testing.T) {
	streamer := &fakeStreamer{outputs: []string{
		"## decisions\n- chose temp-file rotation over in-place truncation\n" +
			"## errors\n- first attempt raced the append loop\n" +
			"## insights\n\n",
	}}
	deps, svc, bus := newDeps(t, streamer)

	s, err := NewSummarizer(deps, true)
	require.NoError(t, err)
	result := s.Run(context.Background(), 40, events.StageImplement, longTranscript())
	require.True(t, result.Filed)
	require.NotZero(t, result.SummaryIssue)

	filed, err := svc.GetIssue(context.Background(), result.SummaryIssue)
	require.NoError(t, err)
	require.True(t, filed.HasLabel(labels.LabelImprove))
	require.True(t, filed.HasLabel(labels.LabelHITL))
	require.Contains(t, filed.Body, "temp-file rotation")
	// Empty sections are omitted.
	require.NotContains(t, filed.Body, "Insights")

	// Escalation origin recorded for the new issue.
	origin, cause, ok, err := deps.Store.GetEscalation(context.Background(), result.SummaryIssue)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, labels.LabelImprove, origin)
	require.Contains(t, cause, "#40")

	require.Contains(t, eventTypes(bus), events.EventTypeSummaryCreated)
}

func TestSummarizerSkipsShortTranscripts(t *testing.T) {
	streamer := &fakeStreamer{}
	deps, _, _ := newDeps(t, streamer)

	s, err := NewSummarizer(deps, true)
	require.NoError(t, err)
	result := s.Run(context.Background(), 41, events.StageImplement, "short")
	require.False(t, result.Filed)
	require.Contains(t, result.SkipReason, "too short")
	require.Zero(t, streamer.calls())
}

func TestSummarizerDisabledByFlag(t *testing.T) {
	streamer := &fakeStreamer{}
	deps, _, _ := newDeps(t, streamer)

	s, err := NewSummarizer(deps, false)
	require.NoError(t, err)
	result := s.Run(context.Background(), 42, events.StageImplement, longTranscript())
	require.False(t, result.Filed)
	require.Zero(t, streamer.calls())
}

func TestSummarizerNeverPropagatesFailures(t *testing.T) {
	streamer := &fakeStreamer{
		outputs: []string{""},
		errs:    []error{context.DeadlineExceeded},
	}
	deps, svc, bus := newDeps(t, streamer)

	s, err := NewSummarizer(deps, true)
	require.NoError(t, err)
	result := s.Run(context.Background(), 43, events.StageImplement, longTranscript())
	require.False(t, result.Filed)
	require.NotEmpty(t, result.SkipReason)
	require.Empty(t, svc.Ops)
	require.Empty(t, bus.History())

	// Empty model output also files nothing.
	streamer2 := &fakeStreamer{outputs: []string{"no recognized sections here"}}
	deps2, svc2, _ := newDeps(t, streamer2)
	s2, err := NewSummarizer(deps2, true)
	require.NoError(t, err)
	result2 := s2.Run(context.Background(), 44, events.StageImplement, longTranscript())
	require.False(t, result2.Filed)
	require.Equal(t, "empty summary", result2.SkipReason)
	require.Empty(t, svc2.Ops)
}

func TestSummarizerCountsQualityFixes(t *testing.T) {
	// Filed summaries are the pipeline's quality-fix feed.
	streamer := &fakeStreamer{outputs: []string{"## insights\n- worth a followup\n"}}
	deps, _, _ := newDeps(t, streamer)

	s, err := NewSummarizer(deps, true)
	require.NoError(t, err)
	result := s.Run(context.Background(), 45, events.StageImplement, longTranscript())
	require.True(t, result.Filed)

	n, err := deps.Store.GetCounter(context.Background(), state.CounterQualityFixes)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
