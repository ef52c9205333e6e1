// Package config manages rconctl configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gorcon/rcon"
)

// Protocol names accepted by the configuration surface.
const (
	// ProtocolSource selects the Source RCON engine (TCP).
	ProtocolSource = "source"

	// ProtocolBattlEye selects the BattlEye RCON engine (UDP).
	ProtocolBattlEye = "battleye"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete rconctl configuration. The server fields map
// 1:1 onto rcon.Config; the rest configures the CLI front end itself.
type Config struct {
	// Protocol selects the engine: "source" or "battleye".
	Protocol string `koanf:"protocol" yaml:"protocol"`

	// Host is the server hostname or IP address.
	Host string `koanf:"host" yaml:"host"`

	// Port is the RCON port. Zero selects the protocol default
	// (25575 for Source, 2305 for BattlEye).
	Port uint16 `koanf:"port" yaml:"port"`

	// Password is the RCON password.
	Password string `koanf:"password" yaml:"password"`

	// Timeout bounds connection establishment and each command.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`

	// Debug enables wire-level debug logging.
	Debug bool `koanf:"debug" yaml:"debug"`

	Log     LogConfig     `koanf:"log" yaml:"log"`
	Metrics MetricsConfig `koanf:"metrics" yaml:"metrics"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level" yaml:"level"`

	// Format is the log output format: "json" or "text".
	Format string `koanf:"format" yaml:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration,
// used by the long-running monitor command.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9100"). Empty disables the endpoint.
	Addr string `koanf:"addr" yaml:"addr"`

	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path" yaml:"path"`
}

// Client maps the configuration onto an engine configuration.
func (c *Config) Client() rcon.Config {
	return rcon.Config{
		Host:           c.Host,
		Port:           c.Port,
		Password:       c.Password,
		ConnectTimeout: c.Timeout,
		IOTimeout:      c.Timeout,
		Debug:          c.Debug,
	}
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Protocol: ProtocolSource,
		Timeout:  5 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for rconctl configuration.
// Variables are named RCONCTL_<section>_<key>, e.g., RCONCTL_LOG_LEVEL.
const envPrefix = "RCONCTL_"

// Load builds the configuration: defaults first, then the YAML file at
// path (skipped when path is empty), then RCONCTL_ environment variable
// overrides. Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	RCONCTL_PROTOCOL     -> protocol
//	RCONCTL_HOST         -> host
//	RCONCTL_PASSWORD     -> password
//	RCONCTL_LOG_LEVEL    -> log.level
//	RCONCTL_METRICS_ADDR -> metrics.addr
//
// Uses koanf/v2 with file + env providers and the YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// RCONCTL_LOG_LEVEL -> log.level (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms RCONCTL_LOG_LEVEL -> log.level.
// Strips the RCONCTL_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"protocol":     defaults.Protocol,
		"host":         defaults.Host,
		"port":         defaults.Port,
		"password":     defaults.Password,
		"timeout":      defaults.Timeout.String(),
		"debug":        defaults.Debug,
		"log.level":    defaults.Log.Level,
		"log.format":   defaults.Log.Format,
		"metrics.addr": defaults.Metrics.Addr,
		"metrics.path": defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrUnknownProtocol indicates a protocol outside {source, battleye}.
	ErrUnknownProtocol = errors.New("protocol must be source or battleye")

	// ErrInvalidTimeout indicates a non-positive timeout.
	ErrInvalidTimeout = errors.New("timeout must be > 0")

	// ErrInvalidLogFormat indicates a log format outside {json, text}.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
//
// The host may legitimately be empty here: it is supplied per-invocation
// via CLI flags and checked by rcon.Config.Validate at connect time.
func Validate(cfg *Config) error {
	switch cfg.Protocol {
	case ProtocolSource, ProtocolBattlEye:
	default:
		return fmt.Errorf("protocol %q: %w", cfg.Protocol, ErrUnknownProtocol)
	}

	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout %s: %w", cfg.Timeout, ErrInvalidTimeout)
	}

	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format %q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
