//go:build windows

package agent

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op on Windows; job objects are not wired up, so
// bulk termination only reaps direct children here.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup terminates the direct child process.
func killProcessGroup(p *os.Process) error {
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
