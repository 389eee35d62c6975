package stages

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hydradev/hydra/internal/agent"
	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/gh/ghtest"
	"github.com/hydradev/hydra/internal/state"
	"github.com/hydradev/hydra/internal/worktree"
)

// fakeStreamer returns scripted transcripts in call order. When OnOutput is
// set it replays the transcript through the callback the way the real
// runner would, honoring early termination.
type fakeStreamer struct {
	mu       sync.Mutex
	outputs  []string
	errs     []error
	requests []agent.Request
}

func (f *fakeStreamer) Stream(_ context.Context, req agent.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	out := ""
	if i < len(f.outputs) {
		out = f.outputs[i]
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return out, err
}

func (f *fakeStreamer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeWorktrees hands out static worktrees without touching git.
type fakeWorktrees struct {
	commits   int
	commitErr error
	destroyed []int
}

func (f *fakeWorktrees) Create(_ context.Context, issue int) (*worktree.Worktree, error) {
	return &worktree.Worktree{
		Issue:  issue,
		Path:   ".",
		Branch: worktree.BranchName(issue),
	}, nil
}

func (f *fakeWorktrees) Get(issue int) (*worktree.Worktree, bool) {
	return nil, false
}

func (f *fakeWorktrees) Destroy(_ context.Context, issue int) error {
	f.destroyed = append(f.destroyed, issue)
	return nil
}

func (f *fakeWorktrees) CommitsAhead(_ context.Context, _ *worktree.Worktree) (int, error) {
	return f.commits, f.commitErr
}

func newDeps(t *testing.T, streamer Streamer) (*Deps, *ghtest.FakeService, *events.Bus) {
	t.Helper()
	svc := ghtest.NewFakeService()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	return &Deps{
		Bus:     bus,
		Svc:     svc,
		Store:   store,
		Agent:   streamer,
		RepoDir: t.TempDir(),
	}, svc, bus
}

func eventTypes(bus *events.Bus) []events.EventType {
	var out []events.EventType
	for _, e := range bus.History() {
		out = append(out, e.Type)
	}
	return out
}
