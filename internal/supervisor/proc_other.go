//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func isolate(cmd *exec.Cmd) {}

// Without process groups there is no graceful signal; terminate kills.
func terminateGroup(pid int) error {
	return killGroup(pid)
}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func pidAlive(pid int) bool {
	// FindProcess opens a handle on Windows and fails for dead pids.
	_, err := os.FindProcess(pid)
	return pid > 0 && err == nil
}

// killLeftovers is a no-op: without process groups there is nothing left
// to find once the child has exited.
func killLeftovers(int) error { return nil }
