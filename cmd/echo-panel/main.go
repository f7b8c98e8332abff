// Package main implements the Echo control panel, which runs the Echo
// server as a child process on the operator's machine and publishes it
// through a tunnel so musicians outside the LAN can join.
//
// Architecture:
//
//	┌───────────────────────────────────────────┐
//	│                 echo-panel                 │
//	├───────────────────────────────────────────┤
//	│  panel.Model       - TUI (s/x/q)           │
//	│  LivenessPoller    - status every tick     │
//	│  Supervisor        - start/stop/reap       │
//	│    ├─ Tunnel       - ngrok agent or LAN    │
//	│    └─ echo-server  - child process group   │
//	└───────────────────────────────────────────┘
//
// Configuration is read by internal/config; the most used settings are
// ECHO_PANEL_PORT, ECHO_PANEL_EXECUTABLE, ECHO_TUNNEL_PROVIDER and
// ECHO_TUNNEL_AUTHTOKEN. Logs go to <state_dir>/panel.log because the
// terminal belongs to the TUI.
//
// Example usage:
//
//	# Interactive panel with an ngrok tunnel
//	ECHO_TUNNEL_AUTHTOKEN=... ./echo-panel
//
//	# LAN only, no TUI
//	./echo-panel --tunnel.provider none --headless
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dreamware/echo/internal/config"
	"github.com/dreamware/echo/internal/netutil"
	"github.com/dreamware/echo/internal/panel"
	"github.com/dreamware/echo/internal/supervisor"
)

const serviceName = "echo"

func main() {
	flags := config.PanelFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	headless, _ := flags.GetBool("headless")

	logger, closeLog, err := openLog(cfg.Panel.StateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup := supervisor.New(newTunnel(cfg, logger), supervisor.Options{
		Logger:      logger,
		GracePeriod: cfg.Panel.GracePeriod,
		StopTimeout: cfg.Panel.StopTimeout,
	})

	exited := make(chan struct{}, 1)
	poller := supervisor.NewLivenessPoller(cfg.Panel.PollInterval, logger)
	poller.Watch(serviceName, sup)
	poller.SetOnExit(func(name string) {
		if sup.Reap() {
			logger.Warn("service exited unexpectedly", "name", name, "output", sup.Status().Diagnostic)
			select {
			case exited <- struct{}{}:
			default:
			}
		}
	})
	go poller.Start(ctx)
	defer poller.Stop()

	if headless {
		err = runHeadless(ctx, sup, cfg.Panel.Port, cfg.Panel.Executable, exited, os.Stdout)
	} else {
		err = runTUI(ctx, sup, poller, cfg)
	}
	if err != nil {
		logger.Error("panel exited", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newTunnel(cfg config.Config, logger *slog.Logger) supervisor.Tunnel {
	if cfg.Tunnel.Provider == config.ProviderNone {
		return supervisor.LANTunnel{}
	}
	return &supervisor.NgrokTunnel{
		Logger:       logger,
		Binary:       cfg.Tunnel.Binary,
		APIAddr:      cfg.Tunnel.APIAddr,
		AuthToken:    cfg.Tunnel.AuthToken,
		StateDir:     cfg.Panel.StateDir,
		ReadyTimeout: cfg.Tunnel.ReadyTimeout,
	}
}

func openLog(stateDir string) (*slog.Logger, func(), error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(stateDir, "panel.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log: %w", err)
	}
	return config.NewLogger(f), func() { f.Close() }, nil
}

func runTUI(ctx context.Context, sup *supervisor.Supervisor, poller *supervisor.LivenessPoller, cfg config.Config) error {
	model := panel.New(panel.Options{
		Controller: sup,
		Status:     poller,
		Audience:   panel.HTTPAudience(cfg.Panel.ServerURL),
		Copy:       panel.CopyToClipboard,
		Name:       serviceName,
		Executable: cfg.Panel.Executable,
		LANIP:      netutil.LocalIP(),
		Port:       cfg.Panel.Port,
		Interval:   cfg.Panel.PollInterval,
	})

	final, err := tea.NewProgram(model, tea.WithContext(ctx)).Run()
	if m, ok := final.(panel.Model); ok && m.Quitting() && err == nil {
		return nil
	}
	// Killed by a signal or a program error: nothing stopped the service yet.
	stopErr := sup.Stop()
	if errors.Is(err, tea.ErrProgramKilled) {
		err = nil
	}
	return errors.Join(err, stopErr)
}

// runHeadless starts the service, reports its address and keeps it up
// until ctx is cancelled or it exits on its own.
func runHeadless(ctx context.Context, ctrl panel.Controller, port int, executable string, exited <-chan struct{}, out io.Writer) error {
	res := <-ctrl.Start(port, executable)
	if res.Err != nil {
		var startErr *supervisor.StartError
		if errors.As(res.Err, &startErr) {
			fmt.Fprintln(out, startErr.Diagnostic)
		}
		return res.Err
	}
	fmt.Fprintf(out, "echo is online at %s\n", res.Address)
	fmt.Fprint(out, panel.QRCode(res.Address))
	fmt.Fprintf(out, "on this network: http://%s:%d\n", netutil.LocalIP(), port)

	select {
	case <-ctx.Done():
		return ctrl.Stop()
	case <-exited:
		return fmt.Errorf("service exited: %s", ctrl.Status().Diagnostic)
	}
}
