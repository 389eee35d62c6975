// Package state persists the small amount of cross-restart pipeline state
// that does not belong in the event log: HITL escalation origin and cause,
// lifetime counters, and the cached metrics tracking-issue number.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Lifetime counter names.
const (
	CounterImplementations    = "implementations_total"
	CounterMerges             = "merges_total"
	CounterHITLEscalations    = "hitl_escalations_total"
	CounterQualityFixes       = "quality_fixes_total"
	CounterReviews            = "reviews_total"
	CounterFirstPassApprovals = "first_pass_approvals_total"
	CounterImplementSeconds   = "implementation_seconds_total"
)

// Config keys for KV storage.
const (
	KeyMetricsIssue    = "metrics_issue_number"
	KeyLastMetricsHash = "last_metrics_hash"
	KeyPausedUntil     = "paused_until"
)

const schema = `
CREATE TABLE IF NOT EXISTS escalations (
	issue        INTEGER PRIMARY KEY,
	origin_label TEXT NOT NULL DEFAULT '',
	cause        TEXT NOT NULL DEFAULT '',
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the SQLite-backed state store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the state database at path. ":memory:" gives an
// ephemeral store for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SetEscalation records the origin label and cause for an escalated issue,
// replacing any previous record.
func (s *Store) SetEscalation(ctx context.Context, issue int, originLabel, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (issue, origin_label, cause, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(issue) DO UPDATE SET
			origin_label = excluded.origin_label,
			cause        = excluded.cause,
			updated_at   = excluded.updated_at`,
		issue, originLabel, cause, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record escalation for #%d: %w", issue, err)
	}
	return nil
}

// GetEscalation returns the recorded origin label and cause for an issue.
// ok is false when the issue has no escalation record.
func (s *Store) GetEscalation(ctx context.Context, issue int) (originLabel, cause string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT origin_label, cause FROM escalations WHERE issue = ?`, issue)
	if scanErr := row.Scan(&originLabel, &cause); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("failed to read escalation for #%d: %w", issue, scanErr)
	}
	return originLabel, cause, true, nil
}

// ClearEscalation deletes the escalation record for an issue. Clearing an
// absent record is a no-op.
func (s *Store) ClearEscalation(ctx context.Context, issue int) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM escalations WHERE issue = ?`, issue); err != nil {
		return fmt.Errorf("failed to clear escalation for #%d: %w", issue, err)
	}
	return nil
}

// IncrementCounter adds delta to a lifetime counter and returns the new value.
func (s *Store) IncrementCounter(ctx context.Context, name string, delta int64) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`,
		name, delta)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", name, err)
	}
	return s.GetCounter(ctx, name)
}

// GetCounter returns a lifetime counter's value (0 when never set).
func (s *Store) GetCounter(ctx context.Context, name string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name)
	var v int64
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read counter %s: %w", name, err)
	}
	return v, nil
}

// Counters returns all lifetime counters.
func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("failed to list counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var v int64
		if err := rows.Scan(&name, &v); err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, rows.Err()
}

// SetKV stores a string value under a key, replacing any previous value.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetKV returns the value for a key, or "" when unset.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
