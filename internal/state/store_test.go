package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEscalationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, ok, err := s.GetEscalation(ctx, 42)
	require.NoError(t, err)
	require.False(t, ok, "no record expected before SetEscalation")

	require.NoError(t, s.SetEscalation(ctx, 42, "hydra-implement", "ci failure"))
	origin, cause, ok, err := s.GetEscalation(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hydra-implement", origin)
	require.Equal(t, "ci failure", cause)

	// A later escalation supersedes the previous record.
	require.NoError(t, s.SetEscalation(ctx, 42, "hydra-plan", "merge conflict"))
	origin, cause, _, err = s.GetEscalation(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "hydra-plan", origin)
	require.Equal(t, "merge conflict", cause)

	require.NoError(t, s.ClearEscalation(ctx, 42))
	_, _, ok, err = s.GetEscalation(ctx, 42)
	require.NoError(t, err)
	require.False(t, ok)

	// Clearing again is a no-op.
	require.NoError(t, s.ClearEscalation(ctx, 42))
}

func TestCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.GetCounter(ctx, CounterMerges)
	require.NoError(t, err)
	require.EqualValues(t, 0, v)

	v, err = s.IncrementCounter(ctx, CounterMerges, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	v, err = s.IncrementCounter(ctx, CounterMerges, 3)
	require.NoError(t, err)
	require.EqualValues(t, 4, v)

	_, err = s.IncrementCounter(ctx, CounterHITLEscalations, 1)
	require.NoError(t, err)

	all, err := s.Counters(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, all[CounterMerges])
	require.EqualValues(t, 1, all[CounterHITLEscalations])
}

func TestKV(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.GetKV(ctx, KeyMetricsIssue)
	require.NoError(t, err)
	require.Empty(t, v)

	require.NoError(t, s.SetKV(ctx, KeyMetricsIssue, "317"))
	v, err = s.GetKV(ctx, KeyMetricsIssue)
	require.NoError(t, err)
	require.Equal(t, "317", v)

	require.NoError(t, s.SetKV(ctx, KeyMetricsIssue, "318"))
	v, err = s.GetKV(ctx, KeyMetricsIssue)
	require.NoError(t, err)
	require.Equal(t, "318", v)
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.IncrementCounter(ctx, CounterImplementations, 7)
	require.NoError(t, err)
	require.NoError(t, s.SetEscalation(ctx, 9, "hydra-triage", "insufficient detail"))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	v, err := s2.GetCounter(ctx, CounterImplementations)
	require.NoError(t, err)
	require.EqualValues(t, 7, v)

	origin, _, ok, err := s2.GetEscalation(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hydra-triage", origin)
}
