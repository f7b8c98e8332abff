// Package config loads settings for the Echo binaries from defaults, an
// optional YAML file, ECHO_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Server ServerConfig
	Panel  PanelConfig
	Tunnel TunnelConfig
}

// ServerConfig configures echo-server.
type ServerConfig struct {
	Addr         string
	DBPath       string        `mapstructure:"db_path"`
	OutboxSize   int           `mapstructure:"outbox_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PanelConfig configures echo-panel and its supervisor.
type PanelConfig struct {
	Executable   string
	StateDir     string `mapstructure:"state_dir"`
	ServerURL    string `mapstructure:"server_url"`
	Port         int
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// TunnelConfig selects and configures the tunnel provider.
type TunnelConfig struct {
	Provider     string
	Binary       string
	APIAddr      string        `mapstructure:"api_addr"`
	AuthToken    string        `mapstructure:"authtoken"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
}

// Tunnel providers accepted by tunnel.provider.
const (
	ProviderNgrok = "ngrok"
	ProviderNone  = "none"
)

func setDefaults(v *viper.Viper) {
	home := os.Getenv("HOME")

	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.db_path", filepath.Join(home, ".local", "share", "echo", "echo.db"))
	v.SetDefault("server.outbox_size", 32)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("panel.port", 5000)
	v.SetDefault("panel.executable", defaultExecutable())
	v.SetDefault("panel.grace_period", 1500*time.Millisecond)
	v.SetDefault("panel.stop_timeout", 2*time.Second)
	v.SetDefault("panel.poll_interval", 500*time.Millisecond)
	v.SetDefault("panel.state_dir", filepath.Join(home, ".local", "state", "echo"))
	v.SetDefault("panel.server_url", "") // derived from panel.port when empty

	v.SetDefault("tunnel.provider", ProviderNgrok)
	v.SetDefault("tunnel.binary", "ngrok")
	v.SetDefault("tunnel.api_addr", "127.0.0.1:4040")
	v.SetDefault("tunnel.authtoken", "")
	v.SetDefault("tunnel.ready_timeout", 15*time.Second)
}

// defaultExecutable is echo-server next to the running binary.
func defaultExecutable() string {
	self, err := os.Executable()
	if err != nil {
		return "echo-server"
	}
	return filepath.Join(filepath.Dir(self), "echo-server")
}

// Load reads configuration. Env var overrides use prefix ECHO_, so
// server.addr is ECHO_SERVER_ADDR. Flags in flags that were set on the
// command line override everything else; flag names use the config keys
// ("server.addr").
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path := os.Getenv("ECHO_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "echo"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("ECHO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Panel.ServerURL == "" {
		c.Panel.ServerURL = fmt.Sprintf("http://127.0.0.1:%d", c.Panel.Port)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the binaries cannot run with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Panel.Port <= 0 || c.Panel.Port > 65535 {
		return fmt.Errorf("panel.port %d out of range", c.Panel.Port)
	}
	switch c.Tunnel.Provider {
	case ProviderNgrok, ProviderNone:
	default:
		return fmt.Errorf("tunnel.provider %q: want %q or %q", c.Tunnel.Provider, ProviderNgrok, ProviderNone)
	}
	return nil
}
