// Package config loads the herochatd configuration: a TOML file with
// defaults, then HEROCHAT_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress       = ":7777"
	defaultStorePath     = "herochat.db"
	defaultControlSocket = "/tmp/herochatd.sock"
	defaultLogLevel      = "NOTICE"
	defaultReadTimeout   = 120 // seconds
	defaultWriteTimeout  = 30  // seconds
	defaultProbeInterval = 60  // seconds
)

// Server holds the listener and protocol timing knobs.
type Server struct {
	// Address is the TCP listen address.
	Address string

	// ControlSocket is the unix socket path for admin commands.
	ControlSocket string

	// ReadTimeout bounds a single blocking socket read, in seconds.
	ReadTimeout int

	// WriteTimeout bounds a single socket write, in seconds.
	WriteTimeout int

	// ProbeInterval is the liveness broadcast period, in seconds.
	ProbeInterval int
}

// Storage points at the sqlite account store.
type Storage struct {
	Path string
}

// Logging mirrors the logging backend options.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

// Metrics configures the optional prometheus endpoint. An empty address
// disables it.
type Metrics struct {
	Address string
}

type Config struct {
	Server  Server
	Storage Storage
	Logging Logging
	Metrics Metrics
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = defaultAddress
	}
	if c.Server.ControlSocket == "" {
		c.Server.ControlSocket = defaultControlSocket
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = defaultWriteTimeout
	}
	if c.Server.ProbeInterval == 0 {
		c.Server.ProbeInterval = defaultProbeInterval
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStorePath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HEROCHAT_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("HEROCHAT_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("HEROCHAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HEROCHAT_READ_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.ReadTimeout = n
		}
	}
	if v := os.Getenv("HEROCHAT_WRITE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.WriteTimeout = n
		}
	}
	if v := os.Getenv("HEROCHAT_PROBE_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.ProbeInterval = n
		}
	}
	if v := os.Getenv("HEROCHAT_METRICS_ADDRESS"); v != "" {
		c.Metrics.Address = v
	}
}

func (c *Config) validate() error {
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.Server.ProbeInterval <= 0 {
		return fmt.Errorf("config: probe interval must be positive")
	}
	switch c.Logging.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: invalid log level: '%v'", c.Logging.Level)
	}
	return nil
}

// ReadDeadline returns the read timeout as a duration.
func (s *Server) ReadDeadline() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteDeadline returns the write timeout as a duration.
func (s *Server) WriteDeadline() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ProbePeriod returns the liveness broadcast interval as a duration.
func (s *Server) ProbePeriod() time.Duration {
	return time.Duration(s.ProbeInterval) * time.Second
}

// Load parses a config file. An empty path yields pure defaults plus any
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: %v", err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
