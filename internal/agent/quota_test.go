package agent

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDetectQuotaPhrases(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"credit balance", "Error: Your credit balance is too low to run this request", true},
		{"usage limit", "Claude usage limit reached. Your limit will reset at 4pm.", true},
		{"quota exceeded", "API error: quota exceeded for this billing period", true},
		{"mixed case", "USAGE LIMIT REACHED", true},
		{"clean output", "All tests passed.\nCommitted changes.", false},
		{"empty", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DetectQuota(tc.text)
			if (got != nil) != tc.want {
				t.Errorf("DetectQuota(%q) = %v, want detection=%v", tc.text, got, tc.want)
			}
		})
	}
}

func TestDetectQuotaReportsMatchedLine(t *testing.T) {
	text := "working on it\nError: quota exceeded for project\nmore output"
	qe := DetectQuota(text)
	if qe == nil {
		t.Fatal("expected quota detection")
	}
	if qe.Message != "Error: quota exceeded for project" {
		t.Errorf("expected matched line in message, got %q", qe.Message)
	}
}

func TestParseResumeAtRFC3339(t *testing.T) {
	qe := DetectQuota("usage limit reached, resets at 2026-08-23T15:00:00Z")
	if qe == nil {
		t.Fatal("expected quota detection")
	}
	want := time.Date(2026, 8, 23, 15, 0, 0, 0, time.UTC)
	if !qe.ResumeAt.Equal(want) {
		t.Errorf("ResumeAt = %v, want %v", qe.ResumeAt, want)
	}
}

func TestParseResumeAtUnixSeconds(t *testing.T) {
	qe := DetectQuota("usage limit reached, resets at 1787410800")
	if qe == nil {
		t.Fatal("expected quota detection")
	}
	if qe.ResumeAt.IsZero() {
		t.Error("expected a parsed resume time from unix seconds")
	}
	if qe.ResumeAt != time.Unix(1787410800, 0).UTC() {
		t.Errorf("ResumeAt = %v", qe.ResumeAt)
	}
}

func TestParseResumeAtClockTime(t *testing.T) {
	qe := DetectQuota("Claude usage limit reached. Your limit will reset at 4pm.")
	if qe == nil {
		t.Fatal("expected quota detection")
	}
	if qe.ResumeAt.IsZero() {
		t.Fatal("expected a parsed resume time from clock time")
	}
	if qe.ResumeAt.Hour() != 16 {
		t.Errorf("expected 16:00, got %v", qe.ResumeAt)
	}
	if !qe.ResumeAt.After(time.Now().UTC()) {
		t.Error("clock-time resume must be in the future")
	}
}

func TestParseResumeAtAbsent(t *testing.T) {
	qe := DetectQuota("credit balance is too low")
	if qe == nil {
		t.Fatal("expected quota detection")
	}
	if !qe.ResumeAt.IsZero() {
		t.Errorf("expected zero ResumeAt, got %v", qe.ResumeAt)
	}
}

func TestIsQuotaErrorUnwraps(t *testing.T) {
	base := &QuotaError{Message: "quota exceeded"}
	wrapped := fmt.Errorf("planner failed: %w", base)

	qe, ok := IsQuotaError(wrapped)
	if !ok || qe != base {
		t.Error("expected IsQuotaError to unwrap the QuotaError")
	}

	if _, ok := IsQuotaError(errors.New("ordinary failure")); ok {
		t.Error("ordinary errors must not classify as quota errors")
	}
	if _, ok := IsQuotaError(nil); ok {
		t.Error("nil must not classify as a quota error")
	}
}
