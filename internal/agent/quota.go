package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// QuotaError signals upstream credit/quota exhaustion detected from process
// output. It is distinct from a normal run failure: the pipeline pauses on
// it instead of retrying.
type QuotaError struct {
	// Message is the matched source text
	Message string
	// ResumeAt is when the quota is expected to reset; zero when the
	// source text carried no parsable time.
	ResumeAt time.Time
}

func (e *QuotaError) Error() string {
	if e.ResumeAt.IsZero() {
		return fmt.Sprintf("agent quota exhausted: %s", e.Message)
	}
	return fmt.Sprintf("agent quota exhausted until %s: %s",
		e.ResumeAt.Format(time.RFC3339), e.Message)
}

// quotaPhrases are the trigger substrings, matched case-insensitively
// against combined stderr + display output after a run finishes.
var quotaPhrases = []string{
	"credit balance is too low",
	"usage limit reached",
	"usage limit will reset",
	"quota exceeded",
	"out of credits",
	"insufficient credits",
	"rate limit exceeded",
}

// resumeAtPatterns extract a reset time from quota banners. Supported
// forms, tried in order:
//
//	resets at 2025-01-02T15:04:05Z     (RFC3339)
//	resets at 1735833845               (unix seconds)
//	resets at 4:30pm / 16:30           (clock time, next occurrence)
var (
	resumeRFC3339 = regexp.MustCompile(`(?i)(?:reset|resume)s?\s+(?:at|after)\s+(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:Z|[+-]\d{2}:\d{2}))`)
	resumeUnix    = regexp.MustCompile(`(?i)(?:reset|resume)s?\s+(?:at|after)\s+(\d{9,11})\b`)
	resumeClock   = regexp.MustCompile(`(?i)(?:reset|resume)s?\s+(?:at|after)\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`)
)

// DetectQuota scans text for quota-exhaustion phrases. Returns nil when
// none match. The scan is intentionally applied only to completed runs;
// callers skip it when a run was killed early on purpose, because
// legitimate transcript content may quote these phrases.
func DetectQuota(text string) *QuotaError {
	lower := strings.ToLower(text)
	for _, phrase := range quotaPhrases {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		// Report the matched line, not the whole transcript.
		lineStart := strings.LastIndexByte(text[:idx], '\n') + 1
		lineEnd := strings.IndexByte(text[idx:], '\n')
		if lineEnd < 0 {
			lineEnd = len(text) - idx
		}
		line := strings.TrimSpace(text[lineStart : idx+lineEnd])

		return &QuotaError{
			Message:  line,
			ResumeAt: parseResumeAt(text),
		}
	}
	return nil
}

// parseResumeAt extracts a reset time from the text, or zero.
func parseResumeAt(text string) time.Time {
	if m := resumeRFC3339.FindStringSubmatch(text); m != nil {
		if ts, err := time.Parse(time.RFC3339, m[1]); err == nil {
			return ts.UTC()
		}
	}
	if m := resumeUnix.FindStringSubmatch(text); m != nil {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	}
	if m := resumeClock.FindStringSubmatch(text); m != nil {
		hour, err := strconv.Atoi(m[1])
		if err != nil || hour > 23 {
			return time.Time{}
		}
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		switch strings.ToLower(m[3]) {
		case "pm":
			if hour < 12 {
				hour += 12
			}
		case "am":
			if hour == 12 {
				hour = 0
			}
		}
		now := time.Now().UTC()
		at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
		if !at.After(now) {
			at = at.Add(24 * time.Hour)
		}
		return at
	}
	return time.Time{}
}

// IsQuotaError reports whether err is (or wraps) a QuotaError.
func IsQuotaError(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if err == nil {
		return nil, false
	}
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
