package chat

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every configuration variable, e.g. CHAT_PORT.
const EnvPrefix = "chat"

// Config holds the runtime settings of the chat server. It is read once at
// process start.
type Config struct {
	Host            string        `envconfig:"HOST" default:"127.0.0.1" validate:"required"`
	Port            int           `envconfig:"PORT" default:"8888" validate:"min=0,max=65535"`
	MetricsAddr     string        `envconfig:"METRICS_ADDR"`
	HistoryLimit    int           `envconfig:"HISTORY_LIMIT" default:"1000" validate:"min=0"`
	HistoryReplay   int           `envconfig:"HISTORY_REPLAY" default:"10"`
	OutboundBuffer  int           `envconfig:"OUTBOUND_BUFFER" default:"256" validate:"min=1"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s" validate:"gt=0"`
	MaxLineBytes    int           `envconfig:"MAX_LINE_BYTES" default:"65536" validate:"min=16"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s" validate:"gt=0"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            8888,
		HistoryLimit:    1000,
		HistoryReplay:   10,
		OutboundBuffer:  256,
		WriteTimeout:    10 * time.Second,
		MaxLineBytes:    64 * 1024,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
	}
}

// ReadEnv reads CHAT_* variables from the environment without validating
// them, so callers can apply overrides first.
func ReadEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads CHAT_* variables from the environment and validates them.
func LoadConfig() (Config, error) {
	cfg, err := ReadEnv()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr is the host:port the listener binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (c Config) sessionOptions() SessionOptions {
	return SessionOptions{
		OutboundBuffer: c.OutboundBuffer,
		WriteTimeout:   c.WriteTimeout,
		MaxLineBytes:   c.MaxLineBytes,
		HistoryReplay:  c.HistoryReplay,
	}
}
