package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Log is an append-only, newline-delimited JSON journal of events.
//
// One serialized Event per line. Readers must tolerate corrupt lines:
// Load skips them with a warning and never fails because of them.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	logger *zap.Logger
}

// OpenLog opens (or creates) the journal at path for appending.
func OpenLog(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &Log{
		path:   path,
		file:   f,
		w:      bufio.NewWriter(f),
		logger: logger,
	}, nil
}

// Append writes one event as a single JSON line and flushes it.
func (l *Log) Append(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event %d: %w", e.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("event log is closed")
	}
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return l.w.Flush()
}

// Load reads events from the journal. Events older than since are
// filtered out (zero since means no filter), unparsable lines are skipped
// with a warning, and at most the newest limit entries are returned
// (limit <= 0 means unlimited).
func (l *Log) Load(since time.Time, limit int) ([]Event, error) {
	l.mu.Lock()
	// Flush buffered writes so readers observe everything appended so far.
	if l.w != nil {
		_ = l.w.Flush()
	}
	path := l.path
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Warn("skipping corrupt event log line",
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Rotate rewrites the journal keeping only entries newer than maxAge, but
// only once the file has grown past maxBytes. The rewrite goes through a
// temp file with an explicit fsync before the atomic rename, so a crash
// mid-rotation leaves either the old complete file or the new complete
// file, never a truncated one.
func (l *Log) Rotate(maxBytes int64, maxAge time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("event log is closed")
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotation: %w", err)
	}

	info, err := os.Stat(l.path)
	if err != nil {
		return fmt.Errorf("failed to stat event log: %w", err)
	}
	if info.Size() <= maxBytes {
		return nil
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	kept, err := l.loadNewerThanLocked(cutoff)
	if err != nil {
		return err
	}

	tmpPath := l.path + ".rotate.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create rotation temp file: %w", err)
	}
	bw := bufio.NewWriter(tmp)
	for _, e := range kept {
		data, err := json.Marshal(e)
		if err != nil {
			// Should be impossible for an event we just decoded.
			continue
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write rotation temp file: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to flush rotation temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync rotation temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close rotation temp file: %w", err)
	}

	// Swap the live file handle before the rename so no append lands on
	// the unlinked inode.
	l.file.Close()
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		// Reopen the original for appending; rotation failed but the
		// log must stay writable.
		if f, openErr := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); openErr == nil {
			l.file = f
			l.w = bufio.NewWriter(f)
		}
		return fmt.Errorf("failed to rename rotated log: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen rotated log: %w", err)
	}
	l.file = f
	l.w = bufio.NewWriter(f)

	l.logger.Info("rotated event log",
		zap.String("path", l.path),
		zap.Int("entries_kept", len(kept)),
		zap.Int64("old_size_bytes", info.Size()))
	return nil
}

// loadNewerThanLocked reads entries newer than cutoff. Caller holds l.mu.
func (l *Log) loadNewerThanLocked(cutoff time.Time) ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log for rotation: %w", err)
	}
	defer f.Close()

	var kept []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan event log for rotation: %w", err)
	}
	return kept, nil
}

// Path returns the journal file path.
func (l *Log) Path() string {
	return l.path
}

// Close flushes and closes the journal. Idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	flushErr := l.w.Flush()
	closeErr := l.file.Close()
	l.file = nil
	l.w = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
