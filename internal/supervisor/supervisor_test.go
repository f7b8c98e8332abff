package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	url    string
	closed atomic.Bool
}

func (e *fakeEndpoint) URL() string { return e.url }

func (e *fakeEndpoint) Close() error {
	e.closed.Store(true)
	return nil
}

type fakeTunnel struct {
	openErr   error
	gate      chan struct{}
	url       string
	endpoints []*fakeEndpoint
	opens     int
	resets    int
	mu        sync.Mutex
}

func (f *fakeTunnel) Open(_ context.Context, port int) (Endpoint, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	ep := &fakeEndpoint{url: f.url}
	f.endpoints = append(f.endpoints, ep)
	return ep, nil
}

func (f *fakeTunnel) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeTunnel) counts() (opens, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.resets
}

func (f *fakeTunnel) endpoint(i int) *fakeEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoints[i]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(tunnel Tunnel, grace time.Duration) *Supervisor {
	return New(tunnel, Options{
		Logger:      quietLogger(),
		GracePeriod: grace,
		StopTimeout: 300 * time.Millisecond,
	})
}

// writeScript creates an executable shell script in a fresh directory.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func await(t *testing.T, results <-chan Result) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("start did not report")
		return Result{}
	}
}

func TestStartAndStop(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://abc.ngrok.app"}
	sup := newTestSupervisor(tunnel, 200*time.Millisecond)
	script := writeScript(t, "exec sleep 30")

	res := await(t, sup.Start(5000, script))
	require.NoError(t, res.Err)
	assert.Equal(t, "https://abc.ngrok.app", res.Address)

	st := sup.Status()
	assert.Equal(t, Running, st.State)
	assert.Equal(t, "https://abc.ngrok.app", st.Address)
	assert.True(t, st.Alive)
	require.Positive(t, st.PID)

	opens, resets := tunnel.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, resets, "stale tunnels reset before opening")

	require.NoError(t, sup.Stop())
	st2 := sup.Status()
	assert.Equal(t, Stopped, st2.State)
	assert.Empty(t, st2.Address)
	assert.False(t, st2.Alive)
	assert.True(t, tunnel.endpoint(0).closed.Load())
	assert.False(t, pidAlive(st.PID), "child reaped after stop")
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://x"}
	sup := newTestSupervisor(tunnel, 50*time.Millisecond)

	require.NoError(t, sup.Stop())
	require.NoError(t, sup.Stop())
	assert.Equal(t, Stopped, sup.Status().State)

	_, resets := tunnel.counts()
	assert.Zero(t, resets)
}

func TestStartWhileActive(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://first", gate: make(chan struct{})}
	sup := newTestSupervisor(tunnel, 100*time.Millisecond)
	script := writeScript(t, "exec sleep 30")
	t.Cleanup(func() { _ = sup.Stop() })

	first := sup.Start(5000, script)
	assert.Equal(t, Starting, sup.Status().State)

	// A second start while Starting does nothing.
	dup := await(t, sup.Start(5000, script))
	assert.ErrorIs(t, dup.Err, ErrAlreadyActive)

	close(tunnel.gate)
	res := await(t, first)
	require.NoError(t, res.Err)

	pid := sup.Status().PID
	dup = await(t, sup.Start(6000, script))
	assert.ErrorIs(t, dup.Err, ErrAlreadyActive)
	assert.Equal(t, "https://first", dup.Address)

	st := sup.Status()
	assert.Equal(t, Running, st.State)
	assert.Equal(t, "https://first", st.Address)
	assert.Equal(t, pid, st.PID, "no second process")
	opens, _ := tunnel.counts()
	assert.Equal(t, 1, opens, "no second tunnel")
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://once"}
	sup := newTestSupervisor(tunnel, 100*time.Millisecond)
	script := writeScript(t, "exec sleep 30")
	t.Cleanup(func() { _ = sup.Stop() })

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = <-sup.Start(5000, script)
		}(i)
	}
	wg.Wait()

	ok, active := 0, 0
	for _, r := range results {
		switch {
		case r.Err == nil:
			ok++
		case errors.Is(r.Err, ErrAlreadyActive):
			active++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, active)
	opens, _ := tunnel.counts()
	assert.Equal(t, 1, opens)
}

func TestStartFailsWithVerbatimStderr(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://x"}
	sup := newTestSupervisor(tunnel, 2*time.Second)
	script := writeScript(t, `echo "starting" ; printf 'Traceback: no such table: songs\n  line 2\n' >&2 ; exit 3`)

	res := await(t, sup.Start(5000, script))
	var startErr *StartError
	require.ErrorAs(t, res.Err, &startErr)
	assert.Equal(t, "Traceback: no such table: songs\n  line 2\n", startErr.Diagnostic)
	assert.Empty(t, res.Address)

	st := sup.Status()
	assert.Equal(t, Failed, st.State)
	assert.Equal(t, startErr.Diagnostic, st.Diagnostic)
	assert.Empty(t, st.Address)
	assert.True(t, tunnel.endpoint(0).closed.Load(), "tunnel torn down on failure")

	require.NoError(t, sup.Stop())
	assert.Equal(t, Stopped, sup.Status().State)
}

func TestChildEnvironmentAndWorkingDirectory(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://x"}
	sup := newTestSupervisor(tunnel, 2*time.Second)
	t.Setenv("ECHO_TEST_INHERITED", "yes")
	script := writeScript(t, `echo "$(pwd)|$ECHO_SERVER_ADDR|$ECHO_TEST_INHERITED" >&2 ; exit 1`)

	res := await(t, sup.Start(5055, script))
	var startErr *StartError
	require.ErrorAs(t, res.Err, &startErr)

	dir, err := filepath.EvalSymlinks(filepath.Dir(script))
	require.NoError(t, err)
	parts := strings.Split(strings.TrimSpace(startErr.Diagnostic), "|")
	require.Len(t, parts, 3)
	gotDir, err := filepath.EvalSymlinks(parts[0])
	require.NoError(t, err)
	assert.Equal(t, dir, gotDir)
	assert.Equal(t, ":5055", parts[1])
	assert.Equal(t, "yes", parts[2])
}

func TestTunnelFailure(t *testing.T) {
	tunnel := &fakeTunnel{openErr: errors.New("ERR_NGROK_108: authentication failed")}
	sup := newTestSupervisor(tunnel, 50*time.Millisecond)
	marker := filepath.Join(t.TempDir(), "spawned")
	script := writeScript(t, "touch "+marker+"; exec sleep 30")

	res := await(t, sup.Start(5000, script))
	var startErr *StartError
	require.ErrorAs(t, res.Err, &startErr)
	assert.Equal(t, "ERR_NGROK_108: authentication failed", startErr.Diagnostic)

	st := sup.Status()
	assert.Equal(t, Failed, st.State)
	assert.Zero(t, st.PID)
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "child must not be spawned")
}

func TestMissingExecutableFails(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://x"}
	sup := newTestSupervisor(tunnel, 50*time.Millisecond)

	res := await(t, sup.Start(5000, filepath.Join(t.TempDir(), "nope")))
	var startErr *StartError
	require.ErrorAs(t, res.Err, &startErr)
	assert.Contains(t, startErr.Diagnostic, "executable not found")
	assert.Equal(t, Failed, sup.Status().State)
	assert.True(t, tunnel.endpoint(0).closed.Load())

	// Failed is not terminal: a new start is allowed.
	script := writeScript(t, "exec sleep 30")
	res = await(t, sup.Start(5000, script))
	require.NoError(t, res.Err)
	assert.Equal(t, Running, sup.Status().State)
	require.NoError(t, sup.Stop())
}

func TestStopBeforeSpawn(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://x", gate: make(chan struct{})}
	sup := newTestSupervisor(tunnel, 50*time.Millisecond)
	marker := filepath.Join(t.TempDir(), "spawned")
	script := writeScript(t, "touch "+marker+"; exec sleep 30")

	results := sup.Start(5000, script)
	require.NoError(t, sup.Stop())
	assert.Equal(t, Stopped, sup.Status().State)

	close(tunnel.gate)
	res := await(t, results)
	assert.ErrorIs(t, res.Err, ErrStopped)

	assert.Equal(t, Stopped, sup.Status().State)
	assert.True(t, tunnel.endpoint(0).closed.Load(), "late tunnel closed by the superseded cycle")
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestStopDuringGracePeriodLeavesNoOrphan(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://x"}
	sup := newTestSupervisor(tunnel, 5*time.Second)
	pidFile := filepath.Join(t.TempDir(), "pid")
	script := writeScript(t, "echo $$ > "+pidFile+"; exec sleep 30")

	results := sup.Start(5000, script)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		return err == nil && strings.TrimSpace(string(data)) != ""
	}, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	require.NoError(t, sup.Stop())
	assert.False(t, pidAlive(pid), "child must be dead when Stop returns")

	res := await(t, results)
	assert.ErrorIs(t, res.Err, ErrStopped)
	assert.Equal(t, Stopped, sup.Status().State)
	assert.True(t, tunnel.endpoint(0).closed.Load())
}

func TestStopForceKillsStubbornChild(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://x"}
	sup := newTestSupervisor(tunnel, 100*time.Millisecond)
	script := writeScript(t, "trap '' TERM\nwhile :; do sleep 0.05; done")

	res := await(t, sup.Start(5000, script))
	require.NoError(t, res.Err)
	pid := sup.Status().PID

	start := time.Now()
	require.NoError(t, sup.Stop())
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond, "waited for graceful exit first")
	assert.False(t, pidAlive(pid))
	assert.Equal(t, Stopped, sup.Status().State)
}

func TestReapAfterUnexpectedExit(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://x"}
	sup := newTestSupervisor(tunnel, 50*time.Millisecond)
	script := writeScript(t, "sleep 0.3; echo crashed >&2; exit 1")

	res := await(t, sup.Start(5000, script))
	require.NoError(t, res.Err)
	assert.False(t, sup.Reap(), "still alive")

	require.Eventually(t, func() bool { return !sup.Status().Alive }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, Running, sup.Status().State, "exit alone does not change state")

	assert.True(t, sup.Reap())
	st := sup.Status()
	assert.Equal(t, Stopped, st.State)
	assert.Equal(t, "crashed\n", st.Diagnostic)
	assert.True(t, tunnel.endpoint(0).closed.Load())
	assert.False(t, sup.Reap())
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Stopped:  "stopped",
		Starting: "starting",
		Running:  "running",
		Failed:   "failed",
		State(9): "unknown",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}

func TestLANTunnel(t *testing.T) {
	ep, err := LANTunnel{Host: "192.168.1.20"}.Open(context.Background(), 5000)
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.20:5000", ep.URL())
	assert.NoError(t, ep.Close())
	assert.NoError(t, LANTunnel{}.Reset())
}

func TestStartFailsWhenForkedHelperHoldsStderr(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://x"}
	sup := New(tunnel, Options{
		Logger:      quietLogger(),
		GracePeriod: 300 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	})
	helperPID := filepath.Join(t.TempDir(), "helper")
	script := writeScript(t, "sleep 5 &\necho $! > "+helperPID+"\necho boom >&2\nexit 1")

	res := await(t, sup.Start(5000, script))
	var startErr *StartError
	require.ErrorAs(t, res.Err, &startErr)
	assert.Equal(t, "boom\n", startErr.Diagnostic)
	assert.Empty(t, res.Address)

	st := sup.Status()
	assert.Equal(t, Failed, st.State)
	assert.False(t, st.Alive)
	assert.True(t, tunnel.endpoint(0).closed.Load())

	data, err := os.ReadFile(helperPID)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return processGone(pid) }, 2*time.Second, 20*time.Millisecond,
		"helper left in the process group is killed")
}

// processGone reports whether pid has exited. An orphan that was killed may
// linger as a zombie until its new parent reaps it, which counts as gone.
func processGone(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return !pidAlive(pid)
	}
	// The state follows the parenthesised command name.
	stat := string(data)
	i := strings.LastIndexByte(stat, ')')
	return i >= 0 && i+2 < len(stat) && stat[i+2] == 'Z'
}

func TestLargeStderrIsVerbatim(t *testing.T) {
	tunnel := &fakeTunnel{url: "https://x"}
	sup := newTestSupervisor(tunnel, 2*time.Second)
	script := writeScript(t, `head -c 100000 /dev/zero | tr '\0' x >&2 ; exit 1`)

	res := await(t, sup.Start(5000, script))
	var startErr *StartError
	require.ErrorAs(t, res.Err, &startErr)
	assert.Equal(t, strings.Repeat("x", 100000), startErr.Diagnostic)
}
