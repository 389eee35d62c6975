// Package metrics builds pipeline health snapshots and posts them to a
// label-designated tracking issue, deduplicated by content hash.
package metrics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/gh"
	"github.com/hydradev/hydra/internal/labels"
	"github.com/hydradev/hydra/internal/state"
)

// Sync statuses.
const (
	StatusPosted    = "posted"
	StatusUnchanged = "unchanged"
)

// Snapshot is a point-in-time aggregate of pipeline health.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at"`

	// Lifetime counters from the state store
	Counters map[string]int64 `json:"counters"`

	// Live open-issue counts per pipeline label; fetch failures degrade
	// to zero rather than aborting the snapshot
	LabelCounts map[string]int `json:"label_counts"`

	// Derived rates, all zero-denominator guarded
	MergeRate             float64 `json:"merge_rate"`
	EscalationRate        float64 `json:"hitl_escalation_rate"`
	QualityFixRate        float64 `json:"quality_fix_rate"`
	FirstPassApprovalRate float64 `json:"first_pass_approval_rate"`
	AvgImplementationSecs float64 `json:"avg_implementation_seconds"`

	// Hash is the content hash used for change detection; the timestamp
	// is excluded so identical metrics hash identically
	Hash string `json:"hash"`
}

// Manager builds and posts snapshots.
type Manager struct {
	svc    gh.Service
	store  *state.Store
	bus    *events.Bus
	labels labels.Set
	logger *zap.Logger

	mu     sync.Mutex
	latest *Snapshot
}

// New creates a metrics manager.
func New(svc gh.Service, store *state.Store, bus *events.Bus, lbls labels.Set, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		svc:    svc,
		store:  store,
		bus:    bus,
		labels: lbls,
		logger: logger.Named("metrics"),
	}
}

// Latest returns the most recently built snapshot, posted or not.
func (m *Manager) Latest() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// BuildSnapshot assembles the current snapshot and caches it.
func (m *Manager) BuildSnapshot(ctx context.Context) (*Snapshot, error) {
	counters, err := m.store.Counters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	snap := &Snapshot{
		TakenAt:     time.Now().UTC(),
		Counters:    counters,
		LabelCounts: m.labelCounts(ctx),
	}

	impl := counters[state.CounterImplementations]
	reviews := counters[state.CounterReviews]
	snap.MergeRate = ratio(counters[state.CounterMerges], impl)
	snap.EscalationRate = ratio(counters[state.CounterHITLEscalations], impl)
	snap.QualityFixRate = ratio(counters[state.CounterQualityFixes], impl)
	snap.FirstPassApprovalRate = ratio(counters[state.CounterFirstPassApprovals], reviews)
	snap.AvgImplementationSecs = ratio(counters[state.CounterImplementSeconds], impl)
	snap.Hash = contentHash(snap)

	m.mu.Lock()
	m.latest = snap
	m.mu.Unlock()
	return snap, nil
}

// Sync builds a snapshot and posts it to the tracking issue when its
// content differs from the previously posted one. Returns StatusPosted or
// StatusUnchanged.
func (m *Manager) Sync(ctx context.Context) (string, error) {
	snap, err := m.BuildSnapshot(ctx)
	if err != nil {
		return "", err
	}

	lastHash, err := m.store.GetKV(ctx, state.KeyLastMetricsHash)
	if err != nil {
		return "", err
	}
	if snap.Hash == lastHash {
		m.logger.Debug("metrics unchanged, skipping post")
		return StatusUnchanged, nil
	}

	issue, err := m.trackingIssue(ctx)
	if err != nil {
		return "", err
	}
	if err := m.svc.CreateComment(ctx, issue, Render(snap)); err != nil {
		return "", fmt.Errorf("failed to post metrics comment: %w", err)
	}
	if err := m.store.SetKV(ctx, state.KeyLastMetricsHash, snap.Hash); err != nil {
		m.logger.Warn("failed to cache metrics hash", zap.Error(err))
	}

	if m.bus != nil {
		m.bus.Publish(events.New(events.EventTypeMetricsPosted, map[string]string{
			events.KeyIssue: fmt.Sprintf("%d", issue),
			"hash":          snap.Hash,
		}))
	}
	m.logger.Info("posted metrics snapshot", zap.Int("issue", issue))
	return StatusPosted, nil
}

// trackingIssue returns the metrics tracking issue, resolving in order:
// cached number, find by label, create.
func (m *Manager) trackingIssue(ctx context.Context) (int, error) {
	if cached, err := m.store.GetKV(ctx, state.KeyMetricsIssue); err == nil && cached != "" {
		var n int
		if _, err := fmt.Sscanf(cached, "%d", &n); err == nil && n > 0 {
			return n, nil
		}
	}

	n, err := m.svc.FindIssueByLabel(ctx, m.labels.Metrics)
	if err != nil {
		return 0, fmt.Errorf("failed to find tracking issue: %w", err)
	}
	if n == 0 {
		n, err = m.svc.CreateIssue(ctx, "Pipeline metrics",
			"Automated pipeline health snapshots are posted here.",
			[]string{m.labels.Metrics})
		if err != nil {
			return 0, fmt.Errorf("failed to create tracking issue: %w", err)
		}
	}
	if err := m.store.SetKV(ctx, state.KeyMetricsIssue, fmt.Sprintf("%d", n)); err != nil {
		m.logger.Warn("failed to cache tracking issue number", zap.Error(err))
	}
	return n, nil
}

// labelCounts fetches live open-issue counts per pipeline label. A failed
// fetch degrades that label to zero; the snapshot always completes.
func (m *Manager) labelCounts(ctx context.Context) map[string]int {
	out := make(map[string]int)
	for _, label := range []string{
		m.labels.Triage, m.labels.Plan, m.labels.Implement,
		m.labels.HITL, m.labels.HITLActive, m.labels.Improve,
	} {
		if label == "" {
			continue
		}
		n, err := m.svc.CountByLabel(ctx, label)
		if err != nil {
			m.logger.Warn("label count failed, degrading to zero",
				zap.String("label", label), zap.Error(err))
			n = 0
		}
		out[label] = n
	}
	return out
}

// Render formats a snapshot as the markdown comment body.
func Render(s *Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Pipeline metrics (%s)\n\n", s.TakenAt.Format(time.RFC3339))

	b.WriteString("| Rate | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Merge rate | %.1f%% |\n", s.MergeRate*100)
	fmt.Fprintf(&b, "| HITL escalation rate | %.1f%% |\n", s.EscalationRate*100)
	fmt.Fprintf(&b, "| Quality-fix rate | %.1f%% |\n", s.QualityFixRate*100)
	fmt.Fprintf(&b, "| First-pass approval rate | %.1f%% |\n", s.FirstPassApprovalRate*100)
	fmt.Fprintf(&b, "| Avg implementation time | %.0fs |\n", s.AvgImplementationSecs)

	b.WriteString("\n| Label | Open issues |\n|---|---|\n")
	for _, label := range sortedKeys(s.LabelCounts) {
		fmt.Fprintf(&b, "| %s | %d |\n", label, s.LabelCounts[label])
	}

	b.WriteString("\n| Counter | Total |\n|---|---|\n")
	for _, name := range sortedKeysInt64(s.Counters) {
		fmt.Fprintf(&b, "| %s | %d |\n", name, s.Counters[name])
	}
	return b.String()
}

// contentHash hashes the snapshot's metrics content, excluding the
// timestamp so identical metrics dedupe across runs.
func contentHash(s *Snapshot) string {
	h := sha256.New()
	for _, name := range sortedKeysInt64(s.Counters) {
		fmt.Fprintf(h, "%s=%d;", name, s.Counters[name])
	}
	for _, label := range sortedKeys(s.LabelCounts) {
		fmt.Fprintf(h, "%s=%d;", label, s.LabelCounts[label])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ratio guards against zero denominators.
func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysInt64(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
