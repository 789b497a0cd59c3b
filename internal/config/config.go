// Package config loads sockethub's process configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration. Every variable carries the
// SOCKETHUB_ prefix.
type Config struct {
	Addr           string   `env:"ADDR" envDefault:":3000"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// NATSURL empty runs the instance without a bus.
	NATSURL   string `env:"NATS_URL"`
	NATSName  string `env:"NATS_NAME" envDefault:"sockethub"`
	BusPrefix string `env:"BUS_PREFIX" envDefault:"sockethub"`

	JWTSecret string `env:"JWT_SECRET,required,unset"`
	DBPath    string `env:"DB_PATH" envDefault:"sockethub.db"`

	PingInterval      time.Duration `env:"PING_INTERVAL" envDefault:"25s"`
	PingTimeout       time.Duration `env:"PING_TIMEOUT" envDefault:"20s"`
	MaxPayload        int64         `env:"MAX_PAYLOAD" envDefault:"1000000"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"2s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"15s"`

	JoinRate  float64 `env:"JOIN_RATE" envDefault:"5"`
	JoinBurst int     `env:"JOIN_BURST" envDefault:"10"`

	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	OTelEndpoint    string        `env:"OTEL_ENDPOINT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: "SOCKETHUB_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the process configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	if c.JoinRate <= 0 {
		errs = append(errs, fmt.Errorf("join rate must be positive, got %v", c.JoinRate))
	}
	if c.JoinBurst <= 0 {
		errs = append(errs, fmt.Errorf("join burst must be positive, got %d", c.JoinBurst))
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("heartbeat timeout %s must exceed interval %s", c.HeartbeatTimeout, c.HeartbeatInterval))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", name, err)
	}
	return level, nil
}
