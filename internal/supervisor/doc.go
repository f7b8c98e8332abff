// Package supervisor starts, verifies, stops and watches the Echo catalog
// service on behalf of an operator.
//
// # Overview
//
// A Supervisor owns one logical service. Its lifecycle is a small state
// machine:
//
//	         Start                 grace period passed
//	Stopped ───────▶ Starting ─────────────────────────▶ Running
//	   ▲                │                                   │
//	   │                │ tunnel error, or child exited      │ Stop, or
//	   │                ▼ during the grace period            │ Reap after an
//	   └──────────── Failed ◀                                │ unexpected exit
//	   ▲     Stop                                            │
//	   └─────────────────────────────────────────────────────┘
//
// Start returns immediately with a channel. The slow part of a cycle runs
// in its own goroutine:
//
//  1. Reset the tunnel provider, killing any agent orphaned by a previous run.
//  2. Open a tunnel to the port and learn the public address.
//  3. Spawn the executable from its own directory with the inherited
//     environment plus ECHO_SERVER_ADDR, capturing stdout and stderr.
//  4. Wait out the grace period. A child that died in the meantime fails the
//     cycle with its captured stderr as the diagnostic, verbatim.
//
// Process exit and output capture are tracked separately. Output flows
// through pipes drained by the supervisor's own goroutines, so a child that
// exits is seen to have exited at once, even when a helper it forked still
// holds stderr open. Whatever the dead child left in its process group is
// then killed. Up to 1 MiB of stderr is kept; beyond that the diagnostic
// holds the most recent 1 MiB.
//
// The goroutine posts exactly one Result. Starting while Starting or Running
// posts ErrAlreadyActive without side effects. Starting from Failed is
// allowed and acts as the reset.
//
// # Stopping
//
// Stop sends SIGTERM to the child's process group, waits StopTimeout, then
// sends SIGKILL and waits again. The tunnel is always torn down and the
// supervisor always ends Stopped; if the child still could not be confirmed
// dead, Stop returns an ErrKillFailed warning.
//
// Stop is safe to call while a start cycle is in flight. Every cycle carries
// a number that Stop increments. The child is spawned while holding the
// supervisor lock, so a racing Stop either runs first and the cycle never
// spawns, or runs after and finds the child to kill. A superseded cycle
// closes whatever tunnel it opened and reports ErrStopped.
//
// # Liveness
//
// LivenessPoller samples registered targets on a fixed interval and derives
// the status shown to the operator (ONLINE, STARTING, FAILED, EXITED,
// OFFLINE). It never changes supervisor state itself. When a running child
// dies without a stop it fires the exit callback once; the control panel
// wires that to Reap, which moves the supervisor to Stopped and closes the
// tunnel. Nothing is restarted automatically.
//
// # Tunnels
//
// NgrokTunnel runs the ngrok agent and polls its local API for the public
// https URL. LANTunnel publishes nothing and reports the LAN address.
//
// The agent's pid is written to <StateDir>/tunnel.pid while it runs. Reset
// reads that file and kills the recorded agent, which is how step 1 cleans
// up after a panel that crashed with a tunnel open.
//
// # Concurrency Model
//
//   - Supervisor: one mutex guards state, child, endpoint and cycle number.
//     Tunnel negotiation, the grace period and waiting for a child to die
//     all happen without it, so Status never blocks behind Start or Stop.
//   - LivenessPoller: an RWMutex guards targets and statuses. Callbacks run
//     after the lock is released, so an exit callback may call back into
//     the poller or the supervisor.
//   - Each child has two goroutines copying its output and one waiting on
//     it. None of them touch supervisor state.
//
// # Failure Handling
//
// Tunnel errors:
//   - The provider's message becomes the diagnostic, verbatim (for example
//     an ngrok authentication or quota error).
//   - No child is spawned.
//
// Child errors:
//   - A missing executable fails the cycle before anything is spawned.
//   - A child that exits during the grace period fails the cycle with its
//     stderr.
//   - A child that exits later is only noticed by the poller. It is never
//     restarted; the operator starts again.
//
// Stop errors:
//   - A child that ignores SIGTERM is killed after StopTimeout.
//   - A child that survives SIGKILL for another StopTimeout yields
//     ErrKillFailed. The supervisor is Stopped regardless.
//
// # Usage Example
//
//	sup := supervisor.New(supervisor.LANTunnel{}, supervisor.Options{Logger: logger})
//
//	poller := supervisor.NewLivenessPoller(500*time.Millisecond, logger)
//	poller.Watch("echo", sup)
//	poller.SetOnExit(func(string) { sup.Reap() })
//	go poller.Start(ctx)
//	defer poller.Stop()
//
//	res := <-sup.Start(5000, "/opt/echo/echo-server")
//	var startErr *supervisor.StartError
//	switch {
//	case errors.As(res.Err, &startErr):
//	    fmt.Println(startErr.Diagnostic)
//	case res.Err != nil:
//	    log.Fatal(res.Err)
//	default:
//	    fmt.Println("online at", res.Address)
//	}
//	defer sup.Stop()
//
// # Testing
//
// Tests drive real child processes written as shell scripts into
// t.TempDir(), with a fake Tunnel and an httptest server standing in for the
// ngrok agent API:
//
//	go test ./internal/supervisor/... -race
//
// # See Also
//
//   - internal/panel: the operator console driving a Supervisor
//   - cmd/echo-panel: wiring of config, tunnel, supervisor and poller
package supervisor
