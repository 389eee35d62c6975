package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hydradev/hydra/internal/events"
)

// ErrTimeout is returned when a run exceeds its configured timeout.
var ErrTimeout = errors.New("agent run timed out")

const (
	// maxRawLines caps raw output retention to bound memory on
	// long-running agents
	maxRawLines = 10000
)

// Request describes one streamed agent invocation.
type Request struct {
	// Command is the CLI invocation to run
	Command Command
	// Prompt is written to the process's stdin, which is then closed
	Prompt string
	// Dir is the working directory for the process
	Dir string
	// Parser classifies output lines; nil defaults to TextParser
	Parser StreamParser
	// OnOutput, when non-nil, receives the cumulative display text after
	// each display line and may return true to terminate the run early.
	// Early-terminated runs skip quota detection: legitimate content may
	// quote quota phrases.
	OnOutput func(cumulative string) bool
	// Timeout bounds the whole run; 0 means no timeout
	Timeout time.Duration
	// Issue and Stage tag the transcript-line events published for this run
	Issue int
	Stage string
}

// Runner streams agent subprocesses. All stage runners share one Runner so
// every live process is registered in the same tracker for shutdown.
type Runner struct {
	tracker *Tracker
	bus     *events.Bus
	logger  *zap.Logger
}

// NewRunner creates a Runner. bus may be nil to disable transcript events.
func NewRunner(tracker *Tracker, bus *events.Bus, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = NewTracker(logger)
	}
	return &Runner{tracker: tracker, bus: bus, logger: logger}
}

// Tracker returns the shared process tracker.
func (r *Runner) Tracker() *Tracker {
	return r.tracker
}

// Stream spawns the agent CLI, feeds it the prompt, and consumes its output
// incrementally.
//
// The returned string follows result precedence: explicit result payload,
// then accumulated display text, then raw output lines — never empty when
// the process produced any output. It is returned even alongside a non-nil
// error so callers can persist partial transcripts.
//
// Error cases: *QuotaError on detected credit exhaustion (suppressed for
// early-terminated runs), ErrTimeout on expiry, ctx.Err() on cancellation,
// and a plain error for non-zero exits. On every exit path the process is
// removed from the tracker and its process group is dead.
func (r *Runner) Stream(ctx context.Context, req Request) (string, error) {
	return r.stream(ctx, req, req.Command.BinaryOrDefault(), req.Command.Args())
}

// stream is the argv-level implementation behind Stream.
func (r *Runner) stream(ctx context.Context, req Request, binary string, args []string) (string, error) {
	parser := req.Parser
	if parser == nil {
		parser = TextParser{}
	}

	runID := uuid.NewString()[:8]
	log := r.logger.With(
		zap.String("run_id", runID),
		zap.Int("issue", req.Issue),
		zap.String("stage", req.Stage),
	)

	cmd := exec.Command(binary, args...)
	cmd.Dir = req.Dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start agent: %w", err)
	}
	proc := cmd.Process
	r.tracker.Add(proc)
	defer r.tracker.Remove(proc.Pid)

	log.Debug("agent spawned",
		zap.Int("pid", proc.Pid),
		zap.String("binary", binary))

	// Feed the prompt and close stdin so the CLI knows input is complete.
	// Written from a goroutine: a process that exits without reading must
	// not wedge the caller on a full pipe.
	go func() {
		_, _ = io.WriteString(stdin, req.Prompt)
		_ = stdin.Close()
	}()

	// Drain stderr concurrently with stdout to prevent pipe deadlock on
	// processes that write large amounts to both streams.
	var stderrBuf strings.Builder
	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			stderrBuf.WriteString(scanner.Text())
			stderrBuf.WriteByte('\n')
		}
	}()

	var (
		timedOut   bool
		killedByCb bool
		canceled   bool
		mu         sync.Mutex // guards the three flags above
	)

	var timer *time.Timer
	if req.Timeout > 0 {
		timer = time.AfterFunc(req.Timeout, func() {
			mu.Lock()
			timedOut = true
			mu.Unlock()
			_ = killProcessGroup(proc)
		})
		defer timer.Stop()
	}

	// Cooperative cancellation: the caller abandoning the run must kill
	// the process before the error propagates.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			canceled = true
			mu.Unlock()
			_ = killProcessGroup(proc)
		case <-watchDone:
		}
	}()

	// Read loop: an explicit per-line state machine over stdout. Each line
	// is classified by the parser, display text is accumulated and
	// published, and the optional callback may stop the run.
	var (
		displayBuf strings.Builder
		rawLines   []string
		result     string
		sawResult  bool
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(rawLines) < maxRawLines {
			rawLines = append(rawLines, line)
		}

		parsed := parser.ParseLine(line)
		if parsed.HasResult {
			result = parsed.Result
			sawResult = true
			// Keep draining: trailing raw lines after the result payload
			// must not corrupt it.
			continue
		}
		if parsed.Display == "" {
			continue
		}

		if displayBuf.Len() > 0 {
			displayBuf.WriteByte('\n')
		}
		displayBuf.WriteString(parsed.Display)

		if r.bus != nil {
			r.bus.Publish(events.TranscriptLine(req.Issue, req.Stage, parsed.Display))
		}

		mu.Lock()
		alreadyKilled := killedByCb
		mu.Unlock()
		if req.OnOutput != nil && !alreadyKilled {
			if req.OnOutput(displayBuf.String()) {
				mu.Lock()
				killedByCb = true
				mu.Unlock()
				_ = killProcessGroup(proc)
				// Fall through and keep draining until EOF so Wait
				// doesn't race the pipe readers.
			}
		}
	}

	drainWG.Wait()
	waitErr := cmd.Wait()
	close(watchDone)

	mu.Lock()
	wasTimedOut, wasKilledByCb, wasCanceled := timedOut, killedByCb, canceled
	mu.Unlock()

	display := displayBuf.String()
	output := result
	if !sawResult || output == "" {
		output = display
	}
	if output == "" {
		output = strings.Join(rawLines, "\n")
	}

	switch {
	case wasKilledByCb:
		// Intentional early termination is a success path; quota
		// detection is skipped to avoid false positives.
		log.Debug("agent terminated early by output callback")
		return output, nil
	case wasTimedOut:
		log.Warn("agent run timed out", zap.Duration("timeout", req.Timeout))
		return output, fmt.Errorf("%w after %v", ErrTimeout, req.Timeout)
	case wasCanceled:
		return output, ctx.Err()
	}

	combined := stderrBuf.String() + "\n" + display
	if qe := DetectQuota(combined); qe != nil {
		log.Warn("agent quota exhaustion detected",
			zap.Time("resume_at", qe.ResumeAt))
		return output, qe
	}

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return output, fmt.Errorf("agent exited with code %d: %s",
			exitCode, lastLine(stderrBuf.String()))
	}

	return output, nil
}

// lastLine returns the final non-empty line of s, for compact error text.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
