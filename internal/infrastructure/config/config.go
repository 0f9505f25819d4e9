package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all subsystem configuration.
type Config struct {
	API       APIConfig
	Daemon    DaemonConfig
	Control   ControlConfig
	Socks     SocksConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// APIConfig holds the HTTP status API configuration.
type APIConfig struct {
	Port string `envconfig:"API_PORT" default:"8742"`
	Host string `envconfig:"API_HOST" default:"127.0.0.1"`
}

// DaemonConfig holds daemon process configuration.
type DaemonConfig struct {
	BinaryPath       string        `envconfig:"TOR_BINARY"`
	BundledDir       string        `envconfig:"TOR_BUNDLED_DIR"`
	DataDir          string        `envconfig:"TOR_DATA_DIR"`
	GeoIPFile        string        `envconfig:"TOR_GEOIP_FILE"`
	GeoIPv6File      string        `envconfig:"TOR_GEOIP6_FILE"`
	BootstrapTimeout time.Duration `envconfig:"TOR_BOOTSTRAP_TIMEOUT" default:"90s"`
	StopGracePeriod  time.Duration `envconfig:"TOR_STOP_GRACE" default:"5s"`
	RestartSettle    time.Duration `envconfig:"TOR_RESTART_SETTLE" default:"1s"`
}

// ControlConfig holds control-port session configuration.
type ControlConfig struct {
	Host           string        `envconfig:"TOR_CONTROL_HOST" default:"127.0.0.1"`
	Port           int           `envconfig:"TOR_CONTROL_PORT" default:"9051"`
	Password       string        `envconfig:"TOR_CONTROL_PASSWORD"`
	CookiePath     string        `envconfig:"TOR_CONTROL_COOKIE"`
	AuthTimeout    time.Duration `envconfig:"TOR_AUTH_TIMEOUT" default:"5s"`
	CommandTimeout time.Duration `envconfig:"TOR_COMMAND_TIMEOUT" default:"10s"`
	SettleDelay    time.Duration `envconfig:"TOR_NEWNYM_SETTLE" default:"2s"`
}

// SocksConfig holds SOCKS proxy configuration.
type SocksConfig struct {
	Host       string `envconfig:"TOR_SOCKS_HOST" default:"127.0.0.1"`
	Port       int    `envconfig:"TOR_SOCKS_PORT" default:"9052"`
	PortWindow int    `envconfig:"TOR_ISOLATION_WINDOW" default:"50"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyFallbacks()
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	cfg := &Config{
		API: APIConfig{
			Port: "8742",
			Host: "127.0.0.1",
		},
		Daemon: DaemonConfig{
			BootstrapTimeout: 90 * time.Second,
			StopGracePeriod:  5 * time.Second,
			RestartSettle:    time.Second,
		},
		Control: ControlConfig{
			Host:           "127.0.0.1",
			Port:           9051,
			AuthTimeout:    5 * time.Second,
			CommandTimeout: 10 * time.Second,
			SettleDelay:    2 * time.Second,
		},
		Socks: SocksConfig{
			Host:       "127.0.0.1",
			Port:       9052,
			PortWindow: 50,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
	cfg.applyFallbacks()
	return cfg
}

// ControlAddr returns the control port dial address.
func (c *Config) ControlAddr() string {
	return fmt.Sprintf("%s:%d", c.Control.Host, c.Control.Port)
}

// SocksAddr returns the base SOCKS proxy address.
func (c *Config) SocksAddr() string {
	return fmt.Sprintf("%s:%d", c.Socks.Host, c.Socks.Port)
}

// applyFallbacks fills derived defaults that depend on the environment.
func (c *Config) applyFallbacks() {
	if c.Daemon.DataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = os.TempDir()
		}
		c.Daemon.DataDir = filepath.Join(base, "torgate", "tor-data")
	}
	if c.Control.CookiePath == "" {
		c.Control.CookiePath = filepath.Join(c.Daemon.DataDir, "control_auth_cookie")
	}
}
