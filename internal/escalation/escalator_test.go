package escalation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/gh"
	"github.com/hydradev/hydra/internal/gh/ghtest"
	"github.com/hydradev/hydra/internal/labels"
	"github.com/hydradev/hydra/internal/state"
)

func newEscalator(t *testing.T) (*Escalator, *ghtest.FakeService, *state.Store, *events.Bus) {
	t.Helper()
	svc := ghtest.NewFakeService()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	return New(svc, store, bus, labels.Defaults(), nil), svc, store, bus
}

func TestEscalateFullSequence(t *testing.T) {
	e, svc, store, bus := newEscalator(t)
	ctx := context.Background()

	svc.AddIssue(&gh.Issue{Number: 5, Labels: []string{"hydra-implement"}, State: "open"})
	svc.AddIssue(&gh.Issue{Number: 88, State: "open"}) // the PR

	ev := events.HITLEscalated(5, "ci failure", "hydra-implement")
	err := e.Escalate(ctx, Request{
		Issue:         5,
		Cause:         "ci failure",
		OriginLabel:   "hydra-implement",
		CurrentLabels: []string{"hydra-implement"},
		PRNumber:      88,
		Comment:       "CI failed, escalating for human review",
		CommentOnPR:   true,
		Event:         &ev,
	})
	require.NoError(t, err)

	// Comment went to the PR, not the issue.
	require.Empty(t, svc.CommentBodies(5))
	require.Len(t, svc.CommentBodies(88), 1)

	// State recorded.
	origin, cause, ok, err := store.GetEscalation(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hydra-implement", origin)
	require.Equal(t, "ci failure", cause)
	n, err := store.GetCounter(ctx, state.CounterHITLEscalations)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Labels swapped on both issue and PR.
	iss, _ := svc.GetIssue(ctx, 5)
	require.False(t, iss.HasLabel("hydra-implement"))
	require.True(t, iss.HasLabel(labels.LabelHITL))
	pr, _ := svc.GetIssue(ctx, 88)
	require.True(t, pr.HasLabel(labels.LabelHITL))

	// Event published.
	history := bus.History()
	require.Len(t, history, 1)
	require.Equal(t, events.EventTypeHITLEscalated, history[0].Type)
}

func TestEscalateEmptyInputsSkipOnlyTheirStep(t *testing.T) {
	e, svc, store, bus := newEscalator(t)
	ctx := context.Background()

	svc.AddIssue(&gh.Issue{Number: 6, State: "open"})

	// No comment, no labels, no PR, no event: only state + HITL label.
	err := e.Escalate(ctx, Request{
		Issue:       6,
		Cause:       "needs detail",
		OriginLabel: "hydra-triage",
	})
	require.NoError(t, err)

	require.Empty(t, svc.CommentBodies(6))
	iss, _ := svc.GetIssue(ctx, 6)
	require.True(t, iss.HasLabel(labels.LabelHITL))

	_, _, ok, err := store.GetEscalation(ctx, 6)
	require.NoError(t, err)
	require.True(t, ok)

	require.Empty(t, bus.History())
}

func TestEscalateCommentOnPRWithoutPRFallsBackToIssue(t *testing.T) {
	e, svc, _, _ := newEscalator(t)
	svc.AddIssue(&gh.Issue{Number: 7, State: "open"})

	err := e.Escalate(context.Background(), Request{
		Issue:       7,
		Cause:       "x",
		Comment:     "please advise",
		CommentOnPR: true, // no PR number supplied
	})
	require.NoError(t, err)
	require.Len(t, svc.CommentBodies(7), 1)
}

func TestEscalateContinuesPastStepFailures(t *testing.T) {
	e, svc, _, _ := newEscalator(t)
	ctx := context.Background()
	svc.AddIssue(&gh.Issue{Number: 8, State: "open"})
	svc.Fail["create_comment"] = context.DeadlineExceeded

	err := e.Escalate(ctx, Request{
		Issue:   8,
		Cause:   "x",
		Comment: "will fail",
	})
	require.Error(t, err)

	// Later steps still ran: the HITL label landed.
	iss, _ := svc.GetIssue(ctx, 8)
	require.True(t, iss.HasLabel(labels.LabelHITL))
}
