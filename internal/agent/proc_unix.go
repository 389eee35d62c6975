//go:build !windows

package agent

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup makes the child the leader of a new session so the whole
// tree can be signaled with one kill. Without this, bulk termination cannot
// reliably reap child-of-child processes.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// killProcessGroup terminates the process's entire group, falling back to
// a direct kill when the group cannot be resolved. ESRCH (already dead) is
// swallowed.
func killProcessGroup(p *os.Process) error {
	pgid, err := syscall.Getpgid(p.Pid)
	if err != nil {
		// No resolvable group: kill the direct child only.
		if killErr := p.Kill(); killErr != nil && killErr != os.ErrProcessDone {
			return killErr
		}
		return nil
	}
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
