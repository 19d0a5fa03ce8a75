package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/billm/baaaht/ipcserver/pkg/types"
)

// Config represents the complete configuration for the IPC server
type Config struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// ServerConfig sizes the IPC server and names the service it publishes
type ServerConfig struct {
	MaxPorts          uint32 `json:"max_ports" yaml:"max_ports"`
	MaxSessions       uint32 `json:"max_sessions" yaml:"max_sessions"`
	PointerBufferSize int    `json:"pointer_buffer_size" yaml:"pointer_buffer_size"` // bytes
	ServiceName       string `json:"service_name" yaml:"service_name"`
}

// MetricsConfig contains Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns a configuration populated entirely from defaults
func Default() *Config {
	return &Config{
		Logging: DefaultLoggingConfig(),
		Server:  DefaultServerConfig(),
		Metrics: DefaultMetricsConfig(),
	}
}

// applyDefaults fills zero-valued fields that a YAML file left out
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultServer := DefaultServerConfig()
	if cfg.Server.MaxPorts == 0 {
		cfg.Server.MaxPorts = defaultServer.MaxPorts
	}
	if cfg.Server.MaxSessions == 0 {
		cfg.Server.MaxSessions = defaultServer.MaxSessions
	}
	if cfg.Server.PointerBufferSize == 0 {
		cfg.Server.PointerBufferSize = defaultServer.PointerBufferSize
	}
	if cfg.Server.ServiceName == "" {
		cfg.Server.ServiceName = defaultServer.ServiceName
	}

	defaultMetrics := DefaultMetricsConfig()
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = defaultMetrics.Address
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetrics.Path
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvMaxPorts); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvMaxPorts, err)
		}
		cfg.Server.MaxPorts = uint32(n)
	}
	if v := os.Getenv(EnvMaxSessions); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvMaxSessions, err)
		}
		cfg.Server.MaxSessions = uint32(n)
	}
	if v := os.Getenv(EnvPointerBufferSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvPointerBufferSize, err)
		}
		cfg.Server.PointerBufferSize = n
	}
	if v := os.Getenv(EnvServiceName); v != "" {
		cfg.Server.ServiceName = v
	}

	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvMetricsAddress); v != "" {
		cfg.Metrics.Address = v
	}

	return nil
}

// Load builds a Config from defaults, the YAML file at path (when path is
// not empty) and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Server.MaxPorts == 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max ports must be positive")
	}
	if c.Server.MaxSessions == 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max sessions must be positive")
	}
	if c.Server.PointerBufferSize < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "pointer buffer size cannot be negative")
	}
	if n := len(c.Server.ServiceName); n == 0 || n > MaxServiceNameLength {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("service name must be 1 to %d bytes, got %q", MaxServiceNameLength, c.Server.ServiceName))
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics address cannot be empty when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics path must start with /")
		}
	}

	return nil
}

// ApplyOverrides applies CLI flag overrides after file and environment
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
	if opts.ServiceName != "" {
		c.Server.ServiceName = opts.ServiceName
	}
	if opts.MetricsAddress != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = opts.MetricsAddress
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	LogLevel       string
	LogFormat      string
	LogOutput      string
	ServiceName    string
	MetricsAddress string
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Server: %s, Metrics: %s}",
		c.Logging.String(), c.Server.String(), c.Metrics.String())
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}",
		c.Level, c.Format, c.Output)
}

func (c ServerConfig) String() string {
	return fmt.Sprintf("ServerConfig{MaxPorts: %d, MaxSessions: %d, PointerBufferSize: %d, ServiceName: %s}",
		c.MaxPorts, c.MaxSessions, c.PointerBufferSize, c.ServiceName)
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %v, Address: %s, Path: %s}",
		c.Enabled, c.Address, c.Path)
}
