// Package supervisor runs the catalog service as a child process behind a
// public tunnel and watches it stay alive.
// See doc.go for complete package documentation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultGracePeriod is how long a freshly spawned child must survive
	// before Start reports it Running.
	DefaultGracePeriod = 1500 * time.Millisecond

	// DefaultStopTimeout bounds each of the two waits in Stop: after the
	// graceful termination request, and again after the forced kill.
	DefaultStopTimeout = 2 * time.Second
)

// Options configures a Supervisor. Zero values select the defaults.
type Options struct {
	Logger *slog.Logger

	// Env is appended to the inherited environment of the child.
	Env []string

	// GracePeriod is how long the child must stay up before it counts as
	// running.
	GracePeriod time.Duration

	// StopTimeout bounds the wait after a graceful termination request
	// and again after the forced kill.
	StopTimeout time.Duration
}

// drainWait bounds how long a dead child's output may take to reach its
// buffer. Helpers the child forked can hold the pipes open indefinitely.
const drainWait = 250 * time.Millisecond

// child is one spawned process.
type child struct {
	waitErr error
	cmd     *exec.Cmd
	stderr  *outputBuffer
	done    chan struct{} // closed when the process itself exits
	drained chan struct{} // closed when both output pipes reach EOF
}

// diagnostic returns the captured stderr of an exited child, waiting up to
// drainWait for output still in the pipe.
func (c *child) diagnostic() string {
	timer := time.NewTimer(drainWait)
	defer timer.Stop()
	select {
	case <-c.drained:
	case <-timer.C:
	}
	return c.stderr.String()
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Supervisor owns at most one running instance of the service and the
// tunnel that exposes it.
//
// Every state change happens under mu. Slow work (tunnel negotiation, the
// grace period, waiting for a child to die) happens outside it, so Status
// never blocks behind a start or stop in progress. Each start cycle carries
// a number; Stop bumps it, which tells an in-flight cycle that it has been
// superseded and must clean up after itself.
type Supervisor struct {
	tunnel   Tunnel
	logger   *slog.Logger
	proc     *child
	endpoint Endpoint
	since    time.Time
	address  string
	diag     string
	env      []string
	grace    time.Duration
	stopWait time.Duration
	cycle    uint64
	mu       sync.Mutex
	state    State
}

// New creates a stopped Supervisor that publishes through tunnel.
func New(tunnel Tunnel, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Supervisor{
		tunnel:   tunnel,
		logger:   opts.Logger,
		env:      opts.Env,
		grace:    opts.GracePeriod,
		stopWait: opts.StopTimeout,
		state:    Stopped,
		since:    time.Now(),
	}
}

// Start begins a start cycle for executable listening on port and returns
// a channel that receives exactly one Result.
//
// If a cycle is in flight or the service is running, the Result carries
// ErrAlreadyActive and the current address, and nothing else happens.
// Otherwise the cycle runs in its own goroutine: reset stale tunnels, open
// a tunnel, spawn the child, wait out the grace period. There is no way to
// cancel it; call Stop once it has reported.
func (s *Supervisor) Start(port int, executable string) <-chan Result {
	results := make(chan Result, 1)

	s.mu.Lock()
	if s.state == Starting || s.state == Running {
		address := s.address
		s.mu.Unlock()
		results <- Result{Address: address, Err: ErrAlreadyActive}
		return results
	}
	s.cycle++
	cycle := s.cycle
	s.setStateLocked(Starting)
	s.address = ""
	s.diag = ""
	s.mu.Unlock()

	s.logger.Info("starting service", "executable", executable, "port", port, "cycle", cycle)
	go func() {
		results <- s.run(cycle, port, executable)
	}()
	return results
}

func (s *Supervisor) run(cycle uint64, port int, executable string) Result {
	if err := s.tunnel.Reset(); err != nil {
		s.logger.Warn("reset tunnels", "error", err)
	}

	endpoint, err := s.tunnel.Open(context.Background(), port)
	if err != nil {
		return s.fail(cycle, err.Error(), fmt.Errorf("open tunnel: %w", err))
	}

	s.mu.Lock()
	if cycle != s.cycle {
		s.mu.Unlock()
		s.closeEndpoint(endpoint)
		return Result{Err: ErrStopped}
	}
	// Spawn under the lock so a concurrent Stop either prevents the spawn
	// or finds the child to kill.
	proc, err := s.spawn(port, executable)
	if err != nil {
		s.mu.Unlock()
		s.closeEndpoint(endpoint)
		return s.fail(cycle, err.Error(), err)
	}
	s.proc = proc
	s.endpoint = endpoint
	s.mu.Unlock()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-proc.done:
	case <-timer.C:
	}

	s.mu.Lock()
	if cycle != s.cycle {
		s.mu.Unlock()
		return Result{Err: ErrStopped}
	}
	if proc.exited() {
		diag := proc.diagnostic()
		s.proc = nil
		s.endpoint = nil
		s.diag = diag
		s.setStateLocked(Failed)
		s.mu.Unlock()

		s.closeEndpoint(endpoint)
		s.reapGroup(proc)
		s.logger.Error("service exited during grace period", "error", proc.waitErr, "stderr", diag)
		return Result{Err: &StartError{Diagnostic: diag, Err: proc.waitErr}}
	}
	s.address = endpoint.URL()
	s.setStateLocked(Running)
	s.mu.Unlock()

	s.logger.Info("service running", "address", endpoint.URL(), "pid", proc.cmd.Process.Pid)
	return Result{Address: endpoint.URL()}
}

// fail moves cycle to Failed unless Stop superseded it.
func (s *Supervisor) fail(cycle uint64, diag string, err error) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cycle != s.cycle {
		return Result{Err: ErrStopped}
	}
	s.diag = diag
	s.setStateLocked(Failed)
	s.logger.Error("start failed", "error", err)
	return Result{Err: &StartError{Diagnostic: diag, Err: err}}
}

// spawn starts executable from its own directory with the inherited
// environment, capturing its output.
func (s *Supervisor) spawn(port int, executable string) (*child, error) {
	path, err := filepath.Abs(executable)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", executable, err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("executable not found: %w", err)
	}

	cmd := exec.Command(path)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("ECHO_SERVER_ADDR=:%d", port))
	isolate(cmd)

	// Output goes through pipes copied here rather than through exec's own
	// copying, so Wait returns when the process exits even if a helper it
	// forked still holds stdout or stderr.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	startErr := cmd.Start()
	outW.Close()
	errW.Close()
	if startErr != nil {
		outR.Close()
		errR.Close()
		return nil, fmt.Errorf("spawn %s: %w", path, startErr)
	}

	stdout, stderr := &outputBuffer{}, &outputBuffer{}
	proc := &child{
		cmd:     cmd,
		stderr:  stderr,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}

	var copies sync.WaitGroup
	copies.Add(2)
	go copyOutput(&copies, stdout, outR)
	go copyOutput(&copies, stderr, errR)
	go func() {
		copies.Wait()
		close(proc.drained)
	}()
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

func copyOutput(wg *sync.WaitGroup, dst *outputBuffer, src *os.File) {
	defer wg.Done()
	defer src.Close()
	_, _ = io.Copy(dst, src)
}

// reapGroup kills whatever the exited leader left behind in its process
// group, which also releases the output pipes.
func (s *Supervisor) reapGroup(proc *child) {
	if err := killLeftovers(proc.cmd.Process.Pid); err != nil {
		s.logger.Debug("kill leftover process group", "pid", proc.cmd.Process.Pid, "error", err)
	}
}

// Stop terminates the child and tears down the tunnel. It always leaves the
// supervisor Stopped; the returned error is only a warning that the child
// could not be confirmed dead. Stopping a stopped supervisor does nothing.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return nil
	}
	s.cycle++
	proc, endpoint := s.proc, s.endpoint
	s.proc, s.endpoint = nil, nil
	s.address = ""
	s.diag = ""
	s.setStateLocked(Stopped)
	s.mu.Unlock()

	var errs []error
	if proc != nil {
		if err := s.terminate(proc); err != nil {
			s.logger.Warn("service may still be running", "error", err)
			errs = append(errs, err)
		}
	}
	if endpoint != nil {
		s.closeEndpoint(endpoint)
	}
	// An in-flight cycle may be negotiating a tunnel that is not recorded
	// yet; Reset makes that negotiation fail.
	if err := s.tunnel.Reset(); err != nil {
		s.logger.Warn("reset tunnels", "error", err)
	}

	s.logger.Info("service stopped")
	return errors.Join(errs...)
}

// terminate asks proc to exit, then kills it after stopWait.
func (s *Supervisor) terminate(proc *child) error {
	if proc.exited() {
		return nil
	}
	pid := proc.cmd.Process.Pid

	if err := terminateGroup(pid); err != nil {
		s.logger.Debug("terminate", "pid", pid, "error", err)
	}
	select {
	case <-proc.done:
		return nil
	case <-time.After(s.stopWait):
	}

	s.logger.Warn("service did not stop gracefully, force killing", "pid", pid)
	if err := killGroup(pid); err != nil {
		s.logger.Debug("kill", "pid", pid, "error", err)
	}
	select {
	case <-proc.done:
		return nil
	case <-time.After(s.stopWait):
		return fmt.Errorf("pid %d: %w", pid, ErrKillFailed)
	}
}

func (s *Supervisor) closeEndpoint(endpoint Endpoint) {
	if err := endpoint.Close(); err != nil {
		s.logger.Warn("close tunnel", "url", endpoint.URL(), "error", err)
	}
}

// Reap moves a Running supervisor whose child has exited to Stopped and
// closes its tunnel. It reports whether it did so. The Liveness Poller's
// exit callback is the intended caller; there is no restart.
func (s *Supervisor) Reap() bool {
	s.mu.Lock()
	if s.state != Running || s.proc == nil || !s.proc.exited() {
		s.mu.Unlock()
		return false
	}
	proc, endpoint := s.proc, s.endpoint
	s.cycle++
	s.proc, s.endpoint = nil, nil
	s.address = ""
	s.setStateLocked(Stopped)
	s.mu.Unlock()

	if endpoint != nil {
		s.closeEndpoint(endpoint)
	}
	s.reapGroup(proc)
	diag := proc.diagnostic()
	s.mu.Lock()
	if s.state == Stopped && s.proc == nil {
		s.diag = diag
	}
	s.mu.Unlock()

	s.logger.Warn("service exited unexpectedly", "error", proc.waitErr, "stderr", diag)
	return true
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:      s.state,
		Address:    s.address,
		Diagnostic: s.diag,
		Since:      s.since,
	}
	if s.proc != nil {
		st.PID = s.proc.cmd.Process.Pid
		st.Alive = !s.proc.exited()
	}
	return st
}

// setStateLocked records a transition. Caller must hold s.mu.
func (s *Supervisor) setStateLocked(state State) {
	if s.state != state {
		s.logger.Debug("state change", "from", s.state, "to", state)
	}
	s.state = state
	s.since = time.Now()
}
