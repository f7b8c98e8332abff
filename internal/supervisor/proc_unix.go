//go:build unix

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolate puts the child in its own process group so signals reach any
// helpers it forks.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup asks the process group led by pid to exit.
func terminateGroup(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// killGroup force-kills the process group led by pid.
func killGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

// killLeftovers force-kills what remains of the group once its leader has
// exited. The leader's pid is never signalled on its own: it may have been
// reused.
func killLeftovers(pgid int) error {
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		// Fall back to the leader alone if the group is gone.
		if err2 := unix.Kill(pid, sig); err2 != nil && !errors.Is(err2, unix.ESRCH) {
			return err2
		}
	}
	return nil
}

// pidAlive reports whether a process with pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
