//go:build !windows

package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hydradev/hydra/internal/events"
)

// runScript streams `sh -c script` through a fresh Runner, bypassing agent
// CLI argument construction.
func runScript(t *testing.T, script string, mutate func(*Request)) (string, error) {
	t.Helper()
	r := NewRunner(NewTracker(nil), nil, nil)
	req := Request{Timeout: 10 * time.Second}
	if mutate != nil {
		mutate(&req)
	}
	return r.stream(context.Background(), req, "sh", []string{"-c", script})
}

func TestStreamReturnsResultPayloadOverTrailingLines(t *testing.T) {
	script := `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"thinking"}]}}'
echo '{"type":"result","result":"the final answer"}'
`
	out, err := runScript(t, script, func(req *Request) {
		req.Parser = StreamJSONParser{}
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if out != "the final answer" {
		t.Errorf("expected result payload, got %q", out)
	}
}

func TestStreamReturnsDisplayTextWithoutResult(t *testing.T) {
	out, err := runScript(t, "echo 'line one'; echo 'line two'", nil)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if out != "line one\nline two" {
		t.Errorf("expected accumulated display text, got %q", out)
	}
}

func TestStreamEmptyOutput(t *testing.T) {
	out, err := runScript(t, "true", nil)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if out != "" {
		t.Errorf("expected empty result for silent process, got %q", out)
	}
}

func TestStreamQuotaFromStderr(t *testing.T) {
	script := `echo 'Error: credit balance is too low' >&2; echo 'partial work'`
	_, err := runScript(t, script, nil)
	qe, ok := IsQuotaError(err)
	if !ok {
		t.Fatalf("expected quota error, got %v", err)
	}
	if !strings.Contains(qe.Message, "credit balance is too low") {
		t.Errorf("unexpected quota message: %q", qe.Message)
	}
}

func TestStreamQuotaFromTranscript(t *testing.T) {
	_, err := runScript(t, `echo 'Claude usage limit reached.'`, nil)
	if _, ok := IsQuotaError(err); !ok {
		t.Fatalf("expected quota error from transcript text, got %v", err)
	}
}

func TestStreamEarlyKillSkipsQuotaDetection(t *testing.T) {
	// The script prints a quota phrase then sleeps; the callback kills it
	// after the first line, so no quota error may be raised.
	script := `echo 'usage limit reached in some quoted doc'; sleep 30`
	out, err := runScript(t, script, func(req *Request) {
		req.OnOutput = func(cumulative string) bool {
			return strings.Contains(cumulative, "quoted doc")
		}
	})
	if err != nil {
		t.Fatalf("early-terminated run must not error, got %v", err)
	}
	if !strings.Contains(out, "usage limit reached") {
		t.Errorf("expected accumulated output from early-killed run, got %q", out)
	}
}

func TestStreamTimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	_, err := runScript(t, "sleep 30", func(req *Request) {
		req.Timeout = 200 * time.Millisecond
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout did not kill the process promptly (took %v)", elapsed)
	}
}

func TestStreamCancellationKillsProcess(t *testing.T) {
	r := NewRunner(NewTracker(nil), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := r.stream(ctx, Request{}, "sh", []string{"-c", "sleep 30"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation did not kill the process promptly (took %v)", elapsed)
	}
}

func TestStreamTrackerEmptyOnAllExitPaths(t *testing.T) {
	tracker := NewTracker(nil)
	r := NewRunner(tracker, nil, nil)
	ctx := context.Background()

	// Success path.
	if _, err := r.stream(ctx, Request{}, "sh", []string{"-c", "echo ok"}); err != nil {
		t.Fatal(err)
	}
	// Failure path.
	if _, err := r.stream(ctx, Request{}, "sh", []string{"-c", "exit 3"}); err == nil {
		t.Fatal("expected exit error")
	}
	// Timeout path.
	req := Request{Timeout: 100 * time.Millisecond}
	if _, err := r.stream(ctx, req, "sh", []string{"-c", "sleep 30"}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	if n := tracker.Len(); n != 0 {
		t.Errorf("expected empty tracker after all exit paths, got %d", n)
	}
}

func TestStreamNonZeroExitStillReturnsOutput(t *testing.T) {
	out, err := runScript(t, `echo 'partial transcript'; exit 1`, nil)
	if err == nil {
		t.Fatal("expected exit error")
	}
	if out != "partial transcript" {
		t.Errorf("expected partial output alongside error, got %q", out)
	}
}

func TestStreamPromptDeliveredOnStdin(t *testing.T) {
	r := NewRunner(NewTracker(nil), nil, nil)
	req := Request{Prompt: "fix issue 12\n", Timeout: 10 * time.Second}
	out, err := r.stream(context.Background(), req, "sh", []string{"-c", "cat"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "fix issue 12" {
		t.Errorf("prompt not delivered via stdin, got %q", out)
	}
}

func TestStreamPublishesTranscriptEvents(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	r := NewRunner(NewTracker(nil), bus, nil)

	req := Request{Issue: 7, Stage: events.StageImplement, Timeout: 10 * time.Second}
	if _, err := r.stream(context.Background(), req, "sh", []string{"-c", "echo hello; echo; echo world"}); err != nil {
		t.Fatal(err)
	}

	var lines []string
	for _, e := range bus.History() {
		if e.Type != events.EventTypeTranscriptLine {
			continue
		}
		if e.IssueNumber() != 7 || e.Data[events.KeyStage] != events.StageImplement {
			t.Errorf("transcript event missing caller context: %+v", e.Data)
		}
		lines = append(lines, e.Data[events.KeyLine])
	}
	// The blank line must not have been published.
	if len(lines) != 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Errorf("unexpected transcript lines: %v", lines)
	}
}
