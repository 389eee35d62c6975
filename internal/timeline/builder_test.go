package timeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hydradev/hydra/internal/events"
)

func TestTriageOnlyTimelineHasOneStage(t *testing.T) {
	history := []events.Event{
		events.StageStarted(events.EventTypeTriageStarted, 1, events.StageTriage),
		events.StageDone(events.EventTypeTriageReady, 1, events.StageTriage, nil),
	}

	tl, ok := NewBuilder().BuildIssue(history, 1)
	require.True(t, ok)
	require.Len(t, tl.Stages, 1)
	require.Equal(t, events.StageTriage, tl.Stages[0].Name)
	require.Equal(t, StatusDone, tl.Stages[0].Status)
	require.Equal(t, events.StageTriage, tl.CurrentStage)
	require.Zero(t, tl.PRNumber)
}

func TestCIEventsCorrelateViaPRMap(t *testing.T) {
	history := []events.Event{
		events.StageStarted(events.EventTypeImplementStarted, 2, events.StageImplement),
		events.StageDone(events.EventTypeImplementCompleted, 2, events.StageImplement, nil),
		events.PRCreated(2, 55, "https://example.test/pull/55", "hydra/issue-2"),
		events.CICheck(55, events.StatusPassed),
		events.MergeCompleted(55),
	}

	tl, ok := NewBuilder().BuildIssue(history, 2)
	require.True(t, ok)
	require.Equal(t, 55, tl.PRNumber)
	require.Equal(t, "https://example.test/pull/55", tl.PRURL)
	require.Equal(t, "hydra/issue-2", tl.Branch)

	require.Len(t, tl.Stages, 2)
	require.Equal(t, events.StageImplement, tl.Stages[0].Name)
	require.Equal(t, events.StageMerge, tl.Stages[1].Name)
	require.Equal(t, StatusDone, tl.Stages[1].Status)
	require.Equal(t, events.StageMerge, tl.CurrentStage)
}

func TestStatusReflectsLastTerminalEvent(t *testing.T) {
	history := []events.Event{
		events.StageStarted(events.EventTypeImplementStarted, 3, events.StageImplement),
		events.StageFailed(events.EventTypeImplementFailed, 3, events.StageImplement, "tests failed"),
		events.StageStarted(events.EventTypeImplementStarted, 3, events.StageImplement),
		events.StageDone(events.EventTypeImplementCompleted, 3, events.StageImplement, nil),
	}

	tl, ok := NewBuilder().BuildIssue(history, 3)
	require.True(t, ok)
	require.Len(t, tl.Stages, 1)
	require.Equal(t, StatusDone, tl.Stages[0].Status)
}

func TestInProgressStageHasNoCompletion(t *testing.T) {
	history := []events.Event{
		events.StageStarted(events.EventTypePlanStarted, 4, events.StagePlan),
	}
	tl, ok := NewBuilder().BuildIssue(history, 4)
	require.True(t, ok)
	require.Equal(t, StatusInProgress, tl.Stages[0].Status)
	require.True(t, tl.Stages[0].CompletedAt.IsZero())
	require.Zero(t, tl.Stages[0].DurationSeconds)
}

func TestTranscriptPreviewIsBounded(t *testing.T) {
	history := []events.Event{
		events.StageStarted(events.EventTypeImplementStarted, 5, events.StageImplement),
	}
	for i := 0; i < 40; i++ {
		history = append(history,
			events.TranscriptLine(5, events.StageImplement, fmt.Sprintf("line %d", i)))
	}

	tl, ok := NewBuilder().BuildIssue(history, 5)
	require.True(t, ok)
	preview := tl.Stages[0].TranscriptPreview
	require.Len(t, preview, maxPreviewLines+1)
	require.Equal(t, "line 0", preview[0])
	require.Equal(t, "[...]", preview[maxPreviewLines/2])
	require.Equal(t, "line 39", preview[len(preview)-1])
}

func TestEscalationCauseLandsOnOriginStage(t *testing.T) {
	history := []events.Event{
		events.StageStarted(events.EventTypeImplementStarted, 6, events.StageImplement),
		events.StageFailed(events.EventTypeImplementFailed, 6, events.StageImplement, "ci"),
		events.HITLEscalated(6, "ci failure on PR", "hydra-implement"),
	}

	tl, ok := NewBuilder().BuildIssue(history, 6)
	require.True(t, ok)
	require.Equal(t, "ci failure on PR", tl.Stages[0].Metadata["escalation_cause"])
}

func TestBuildAllOrdersByIssue(t *testing.T) {
	history := []events.Event{
		events.StageStarted(events.EventTypeTriageStarted, 9, events.StageTriage),
		events.StageStarted(events.EventTypeTriageStarted, 3, events.StageTriage),
	}
	all := NewBuilder().BuildAll(history)
	require.Len(t, all, 2)
	require.Equal(t, 3, all[0].IssueNumber)
	require.Equal(t, 9, all[1].IssueNumber)
}

func TestUnknownIssueNotFound(t *testing.T) {
	_, ok := NewBuilder().BuildIssue(nil, 1)
	require.False(t, ok)
}
