package config

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
)

// ServerFlags returns the command-line flags understood by echo-server.
func ServerFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("echo-server", pflag.ContinueOnError)
	fs.String("server.addr", ":5000", "listen address")
	fs.String("server.db_path", "", "path to the sqlite catalog")
	fs.Int("server.outbox_size", 32, "per-connection outbound queue length")
	return fs
}

// PanelFlags returns the command-line flags understood by echo-panel.
func PanelFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("echo-panel", pflag.ContinueOnError)
	fs.Int("panel.port", 5000, "port the server listens on")
	fs.String("panel.executable", "", "path to the echo-server binary")
	fs.String("tunnel.provider", ProviderNgrok, "tunnel provider: ngrok or none")
	fs.Bool("headless", false, "start the server and wait for a signal instead of showing the panel")
	return fs
}

// NewLogger returns a text logger writing to w. ECHO_DEBUG set to any value enables debug
// output.
func NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("ECHO_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
