package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/echo/internal/netutil"
	"github.com/dreamware/echo/internal/protocol"
)

// Tunnel publishes a local port at an address reachable from outside the
// local network.
type Tunnel interface {
	// Open publishes port and returns the live endpoint. It blocks until
	// the provider reports a public address or fails.
	Open(ctx context.Context, port int) (Endpoint, error)

	// Reset tears down every tunnel this provider owns, including ones
	// left behind by a previous process.
	Reset() error
}

// Endpoint is one open tunnel.
type Endpoint interface {
	// URL is the public address clients should use.
	URL() string

	// Close tears the tunnel down. Closing twice is harmless.
	Close() error
}

// LANTunnel is the "none" provider: it publishes nothing and reports the
// machine's LAN address, so the service is reachable on the local network
// only.
type LANTunnel struct {
	// Host overrides LAN address discovery when set.
	Host string
}

// Open returns http://<host>:<port> without contacting anything.
func (t LANTunnel) Open(_ context.Context, port int) (Endpoint, error) {
	host := t.Host
	if host == "" {
		host = netutil.LocalIP()
	}
	return staticEndpoint(fmt.Sprintf("http://%s:%d", host, port)), nil
}

// Reset is a no-op: a LAN tunnel owns no resources.
func (LANTunnel) Reset() error { return nil }

type staticEndpoint string

func (e staticEndpoint) URL() string { return string(e) }
func (staticEndpoint) Close() error  { return nil }

// NgrokTunnel runs an ngrok agent per tunnel and reads the public URL from
// the agent's local API.
//
// The agent pid is recorded in StateDir/tunnel.pid so Reset can kill an
// agent orphaned by a crashed panel.
type NgrokTunnel struct {
	Logger       *slog.Logger
	Binary       string
	APIAddr      string
	AuthToken    string
	StateDir     string
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

type ngrokTunnels struct {
	Tunnels []struct {
		Name      string `json:"name"`
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
	} `json:"tunnels"`
}

func (n *NgrokTunnel) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n *NgrokTunnel) pidFile() string {
	return filepath.Join(n.StateDir, "tunnel.pid")
}

// Open starts an agent forwarding to port and waits for its public URL.
func (n *NgrokTunnel) Open(ctx context.Context, port int) (Endpoint, error) {
	binary := n.Binary
	if binary == "" {
		binary = "ngrok"
	}
	cmd := exec.Command(binary, "http", strconv.Itoa(port), "--log", "stdout")
	cmd.Env = os.Environ()
	if n.AuthToken != "" {
		cmd.Env = append(cmd.Env, "NGROK_AUTHTOKEN="+n.AuthToken)
	}
	output := &outputBuffer{}
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = time.Second
	isolate(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tunnel agent: %w", err)
	}
	agent := &ngrokEndpoint{tunnel: n, cmd: cmd, done: make(chan struct{})}
	go func() {
		agent.waitErr = cmd.Wait()
		close(agent.done)
	}()

	if err := n.writePID(cmd.Process.Pid); err != nil {
		n.logger().Warn("record tunnel pid", "error", err)
	}

	url, err := n.awaitURL(ctx, agent)
	if err != nil {
		agent.Close()
		if text := strings.TrimSpace(output.String()); text != "" {
			return nil, fmt.Errorf("%w\n%s", err, text)
		}
		return nil, err
	}
	agent.url = url
	n.logger().Info("tunnel open", "url", url, "port", port, "pid", cmd.Process.Pid)
	return agent, nil
}

func (n *NgrokTunnel) awaitURL(ctx context.Context, agent *ngrokEndpoint) (string, error) {
	timeout := n.ReadyTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	interval := n.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	apiAddr := n.APIAddr
	if apiAddr == "" {
		apiAddr = "127.0.0.1:4040"
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var tunnels ngrokTunnels
		if err := protocol.GetJSON(ctx, "http://"+apiAddr+"/api/tunnels", &tunnels); err == nil {
			for _, t := range tunnels.Tunnels {
				if t.PublicURL != "" && (t.Proto == "https" || strings.HasPrefix(t.PublicURL, "https://")) {
					return t.PublicURL, nil
				}
			}
		}

		select {
		case <-agent.done:
			return "", fmt.Errorf("tunnel agent exited: %v", agent.waitErr)
		case <-ctx.Done():
			return "", fmt.Errorf("tunnel agent did not publish a url: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Reset kills the agent recorded in the pid file, if it is still alive.
func (n *NgrokTunnel) Reset() error {
	data, err := os.ReadFile(n.pidFile())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tunnel pid: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pidAlive(pid) {
		n.logger().Info("killing orphaned tunnel agent", "pid", pid)
		if err := killGroup(pid); err != nil {
			return fmt.Errorf("kill tunnel agent %d: %w", pid, err)
		}
	}
	n.clearPID(pid)
	return nil
}

var pidFileMu sync.Mutex

func (n *NgrokTunnel) writePID(pid int) error {
	pidFileMu.Lock()
	defer pidFileMu.Unlock()
	if err := os.MkdirAll(n.StateDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(n.pidFile(), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// clearPID removes the pid file if it still names pid.
func (n *NgrokTunnel) clearPID(pid int) {
	pidFileMu.Lock()
	defer pidFileMu.Unlock()
	data, err := os.ReadFile(n.pidFile())
	if err != nil {
		return
	}
	if recorded, err := strconv.Atoi(strings.TrimSpace(string(data))); err != nil || recorded == pid {
		_ = os.Remove(n.pidFile())
	}
}

type ngrokEndpoint struct {
	waitErr error
	tunnel  *NgrokTunnel
	cmd     *exec.Cmd
	done    chan struct{}
	url     string
	once    sync.Once
}

func (e *ngrokEndpoint) URL() string { return e.url }

// Close kills the agent and waits for it to exit.
func (e *ngrokEndpoint) Close() error {
	var err error
	e.once.Do(func() {
		pid := e.cmd.Process.Pid
		if killErr := killGroup(pid); killErr != nil {
			err = fmt.Errorf("kill tunnel agent %d: %w", pid, killErr)
		}
		select {
		case <-e.done:
		case <-time.After(2 * time.Second):
			err = errors.Join(err, fmt.Errorf("tunnel agent %d: %w", pid, ErrKillFailed))
		}
		e.tunnel.clearPID(pid)
	})
	return err
}
