package agent

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

// Tracker holds every live agent process so shutdown can reap all of them,
// including grandchildren the agents spawned, via process-group signals.
type Tracker struct {
	mu     sync.Mutex
	procs  map[int]*os.Process
	logger *zap.Logger
}

// NewTracker creates an empty process tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		procs:  make(map[int]*os.Process),
		logger: logger,
	}
}

// Add registers a live process.
func (t *Tracker) Add(p *os.Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[p.Pid] = p
}

// Remove deregisters a process. Idempotent; called on every exit path.
func (t *Tracker) Remove(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// Len returns the number of tracked processes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// KillAll terminates every tracked process by its process group so that
// subprocesses the agent spawned are also reaped. A process without a
// resolvable group falls back to direct termination. Signaling an
// already-dead process is not an error.
func (t *Tracker) KillAll() {
	t.mu.Lock()
	procs := make([]*os.Process, 0, len(t.procs))
	for _, p := range t.procs {
		procs = append(procs, p)
	}
	t.procs = make(map[int]*os.Process)
	t.mu.Unlock()

	for _, p := range procs {
		if err := killProcessGroup(p); err != nil {
			t.logger.Debug("failed to kill agent process",
				zap.Int("pid", p.Pid),
				zap.Error(err))
		}
	}
}
