package supervisor

import (
	"errors"
	"time"
)

// State is the lifecycle state of a supervised process.
type State int

const (
	// Stopped means no child and no tunnel. It is the initial state.
	Stopped State = iota

	// Starting covers a cycle in flight: tunnel negotiation, spawn and the
	// grace period. A second Start is refused with ErrAlreadyActive.
	Starting

	// Running means the child outlived its grace period and the tunnel is
	// published. It lasts until Stop, or until Reap after the child dies.
	Running

	// Failed means the last cycle could not open a tunnel or the child
	// died during its grace period. Status().Diagnostic says why. Stop or
	// a new Start leaves it.
	Failed
)

// String returns the lower-case state name used in logs.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyActive is reported by Start when a start cycle is in flight
	// or the service is already running.
	ErrAlreadyActive = errors.New("service already active")

	// ErrStopped is reported by a start cycle that Stop superseded.
	ErrStopped = errors.New("start superseded by stop")

	// ErrKillFailed is returned by Stop when the child could not be
	// confirmed dead after a forced kill. The supervisor is Stopped anyway.
	ErrKillFailed = errors.New("process did not exit after kill")
)

// StartError describes a failed start. Diagnostic is the verbatim text an
// operator should see: the tunnel provider's error, or everything the
// service wrote to stderr before it died.
type StartError struct {
	Err        error
	Diagnostic string
}

// Error returns the diagnostic prefixed with "start failed: ".
func (e *StartError) Error() string {
	return "start failed: " + e.Diagnostic
}

// Unwrap returns the underlying cause.
func (e *StartError) Unwrap() error {
	return e.Err
}

// Result is the single terminal message of a start cycle.
type Result struct {
	Err     error
	Address string
}

// Status is a point-in-time view of a Supervisor.
type Status struct {
	Since      time.Time
	Address    string
	Diagnostic string
	State      State
	PID        int

	// Alive reports whether the child handle has not exited yet. It is
	// false whenever there is no child.
	Alive bool
}
