package hitl

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hydradev/hydra/internal/agent"
	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/gh"
	"github.com/hydradev/hydra/internal/gh/ghtest"
	"github.com/hydradev/hydra/internal/labels"
	"github.com/hydradev/hydra/internal/state"
	"github.com/hydradev/hydra/internal/worktree"
)

// concurrencyStreamer tracks how many Stream calls overlap.
type concurrencyStreamer struct {
	mu      sync.Mutex
	current int
	max     int
	err     error
}

func (s *concurrencyStreamer) Stream(_ context.Context, _ agent.Request) (string, error) {
	s.mu.Lock()
	s.current++
	if s.current > s.max {
		s.max = s.current
	}
	s.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	s.current--
	s.mu.Unlock()
	return "applied the correction and committed", s.err
}

type fakeWorktrees struct {
	mu        sync.Mutex
	destroyed []int
}

func (f *fakeWorktrees) Create(_ context.Context, issue int) (*worktree.Worktree, error) {
	return &worktree.Worktree{Issue: issue, Path: ".", Branch: worktree.BranchName(issue)}, nil
}

func (f *fakeWorktrees) Get(int) (*worktree.Worktree, bool) { return nil, false }

func (f *fakeWorktrees) Destroy(_ context.Context, issue int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, issue)
	return nil
}

func (f *fakeWorktrees) CommitsAhead(context.Context, *worktree.Worktree) (int, error) {
	return 1, nil
}

func newController(t *testing.T, streamer Streamer, maxConcurrent int64) (*Controller, *ghtest.FakeService, *state.Store, *fakeWorktrees, *events.Bus) {
	t.Helper()
	svc := ghtest.NewFakeService()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	wts := &fakeWorktrees{}
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	c := New(svc, store, wts, streamer, bus, labels.Defaults(), maxConcurrent, nil)
	c.LogDir = t.TempDir()
	return c, svc, store, wts, bus
}

func TestProcessCorrectionsSequentialWithConcurrencyOne(t *testing.T) {
	streamer := &concurrencyStreamer{}
	c, svc, store, _, _ := newController(t, streamer, 1)
	ctx := context.Background()

	for _, n := range []int{1, 2} {
		svc.AddIssue(&gh.Issue{Number: n, Labels: []string{labels.LabelHITL}, State: "open"})
		require.NoError(t, store.SetEscalation(ctx, n, labels.LabelImplement, "ci failure"))
	}
	c.SubmitCorrection(1, "fix the failing assertion")
	c.SubmitCorrection(2, "bump the fixture timestamp")

	results := c.ProcessCorrections(ctx)
	require.Len(t, results, 2)
	require.Equal(t, 1, streamer.max, "corrections must not overlap with max concurrency 1")
	require.Empty(t, c.Pending())
	require.Empty(t, c.Active())
}

func TestSubmitCorrectionReplacesPendingText(t *testing.T) {
	c, _, _, _, _ := newController(t, &concurrencyStreamer{}, 1)
	c.SubmitCorrection(5, "first attempt")
	c.SubmitCorrection(5, "second attempt")

	c.mu.Lock()
	text := c.pending[5]
	c.mu.Unlock()
	require.Equal(t, "second attempt", text)
	require.Equal(t, []int{5}, c.Pending())
}

func TestSkipIssueDiscardsCorrection(t *testing.T) {
	c, _, _, _, _ := newController(t, &concurrencyStreamer{}, 1)
	c.SubmitCorrection(6, "text")
	c.SkipIssue(6)
	require.Empty(t, c.Pending())
	require.Empty(t, c.ProcessCorrections(context.Background()))
}

func TestSuccessRoutesToOriginAndCleansUp(t *testing.T) {
	c, svc, store, wts, bus := newController(t, &concurrencyStreamer{}, 1)
	ctx := context.Background()

	svc.AddIssue(&gh.Issue{Number: 7, Labels: []string{labels.LabelHITL}, State: "open"})
	require.NoError(t, store.SetEscalation(ctx, 7, labels.LabelImplement, "ci failure"))
	c.SubmitCorrection(7, "pin the flaky dependency")

	results := c.ProcessCorrections(ctx)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, "implement", results[0].RoutedTo)

	iss, _ := svc.GetIssue(ctx, 7)
	require.True(t, iss.HasLabel(labels.LabelImplement))
	require.False(t, iss.HasLabel(labels.LabelHITL))
	require.False(t, iss.HasLabel(labels.LabelHITLActive))

	require.Len(t, svc.Pushed, 1)
	require.Equal(t, []int{7}, wts.destroyed)

	_, _, ok, err := store.GetEscalation(ctx, 7)
	require.NoError(t, err)
	require.False(t, ok)

	var types []events.EventType
	for _, e := range bus.History() {
		types = append(types, e.Type)
	}
	require.Contains(t, types, events.EventTypeHITLStarted)
	require.Contains(t, types, events.EventTypeHITLCompleted)
}

func TestCorrectionResultRecordsDuration(t *testing.T) {
	// The streamer sleeps 20ms, so a correctly recorded duration is
	// strictly positive on both the success and failure paths.
	c, svc, store, _, _ := newController(t, &concurrencyStreamer{}, 1)
	ctx := context.Background()

	svc.AddIssue(&gh.Issue{Number: 12, Labels: []string{labels.LabelHITL}, State: "open"})
	require.NoError(t, store.SetEscalation(ctx, 12, labels.LabelImplement, "ci failure"))
	c.SubmitCorrection(12, "fix it")

	results := c.ProcessCorrections(ctx)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Greater(t, results[0].DurationSeconds, 0.0)

	fc, fsvc, fstore, _, _ := newController(t, &concurrencyStreamer{err: context.DeadlineExceeded}, 1)
	fsvc.AddIssue(&gh.Issue{Number: 13, Labels: []string{labels.LabelHITL}, State: "open"})
	require.NoError(t, fstore.SetEscalation(ctx, 13, labels.LabelImplement, "ci failure"))
	fc.SubmitCorrection(13, "fix it")

	results = fc.ProcessCorrections(ctx)
	require.Len(t, results, 1)
	require.False(t, results[0].Success)
	require.Greater(t, results[0].DurationSeconds, 0.0)
}

func TestImproveOriginRoutesToTriage(t *testing.T) {
	c, svc, store, _, _ := newController(t, &concurrencyStreamer{}, 1)
	ctx := context.Background()

	svc.AddIssue(&gh.Issue{Number: 8, Labels: []string{labels.LabelHITL}, State: "open"})
	require.NoError(t, store.SetEscalation(ctx, 8, labels.LabelImprove, "transcript summary"))
	c.SubmitCorrection(8, "clarified scope")

	results := c.ProcessCorrections(ctx)
	require.Len(t, results, 1)
	require.Equal(t, "triage", results[0].RoutedTo)

	iss, _ := svc.GetIssue(ctx, 8)
	require.True(t, iss.HasLabel(labels.LabelTriage))
}

func TestNoRecordedOriginRoutesToTriage(t *testing.T) {
	c, svc, _, _, _ := newController(t, &concurrencyStreamer{}, 1)
	ctx := context.Background()

	svc.AddIssue(&gh.Issue{Number: 9, Labels: []string{labels.LabelHITL}, State: "open"})
	c.SubmitCorrection(9, "guidance")

	results := c.ProcessCorrections(ctx)
	require.Len(t, results, 1)
	require.Equal(t, "triage", results[0].RoutedTo)
}

func TestFailureRestoresLabelAndKeepsWorktree(t *testing.T) {
	streamer := &concurrencyStreamer{err: context.DeadlineExceeded}
	c, svc, store, wts, bus := newController(t, streamer, 1)
	ctx := context.Background()

	svc.AddIssue(&gh.Issue{Number: 10, Labels: []string{labels.LabelHITL}, State: "open"})
	require.NoError(t, store.SetEscalation(ctx, 10, labels.LabelImplement, "ci failure"))
	c.SubmitCorrection(10, "try again")

	results := c.ProcessCorrections(ctx)
	require.Len(t, results, 1)
	require.False(t, results[0].Success)

	iss, _ := svc.GetIssue(ctx, 10)
	require.True(t, iss.HasLabel(labels.LabelHITL))
	require.False(t, iss.HasLabel(labels.LabelHITLActive))
	require.NotEmpty(t, svc.CommentBodies(10))
	require.Empty(t, wts.destroyed, "failed runs keep their worktree")
	require.Empty(t, svc.Pushed)

	// Escalation state survives for the retry.
	_, _, ok, err := store.GetEscalation(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)

	var types []events.EventType
	for _, e := range bus.History() {
		types = append(types, e.Type)
	}
	require.Contains(t, types, events.EventTypeHITLFailed)
}

func TestStopAbandonsQueuedCorrections(t *testing.T) {
	c, svc, _, _, _ := newController(t, &concurrencyStreamer{}, 1)
	svc.AddIssue(&gh.Issue{Number: 11, Labels: []string{labels.LabelHITL}, State: "open"})
	c.SubmitCorrection(11, "text")
	c.Stop()

	results := c.ProcessCorrections(context.Background())
	require.Empty(t, results)
}

func TestClassifyCauseKeywordOrder(t *testing.T) {
	// "insufficient" contains "ci"; the insufficient check must win.
	require.Equal(t, causeInsufficient, classifyCause("insufficient detail in issue"))
	require.Equal(t, causeCI, classifyCause("CI checks failed on the PR"))
	require.Equal(t, causeMergeConflict, classifyCause("merge conflict with main"))
	require.Equal(t, causeDefault, classifyCause("needs a human look"))
}
