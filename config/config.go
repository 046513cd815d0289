// Package config loads the daemon's YAML configuration.
//
// Only the role is required; every timing knob falls back to a
// production default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"segid"
)

// Defaults for every optional knob.
const (
	DefaultListen               = "127.0.0.1:8680"
	DefaultDBPath               = "/var/lib/segid/segid.db"
	DefaultStepSize             = 1000
	DefaultRefreshThreshold     = 0.1
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultFailoverScanInterval = 30 * time.Second
	DefaultStaleAfter           = 90 * time.Second
	DefaultRefreshTimeout       = 10 * time.Second
	DefaultPrefetchDeadline     = 5 * time.Second
)

// Config is the daemon configuration file.
type Config struct {
	// Role is this node's interval-parity class: "even" or "odd".
	Role string `yaml:"role"`
	// NodeName identifies the node in the shared registry. Defaults to
	// hostname-role.
	NodeName string `yaml:"node_name,omitempty"`
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen,omitempty"`
	// DBPath locates the shared SQLite database.
	DBPath string `yaml:"db_path,omitempty"`

	DefaultStepSize  int     `yaml:"default_step_size,omitempty"`
	RefreshThreshold float64 `yaml:"refresh_threshold,omitempty"`

	HeartbeatIntervalMS    int `yaml:"heartbeat_interval_ms,omitempty"`
	FailoverScanIntervalMS int `yaml:"failover_scan_interval_ms,omitempty"`
	StaleAfterMS           int `yaml:"stale_after_ms,omitempty"`
	RefreshTimeoutMS       int `yaml:"refresh_timeout_ms,omitempty"`
	PrefetchDeadlineMS     int `yaml:"prefetch_deadline_ms,omitempty"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level,omitempty"`
	// NTPCheck enables the startup clock-drift probe.
	NTPCheck bool `yaml:"ntp_check,omitempty"`
	// OTLPEndpoint enables trace export when set (host:port of an
	// OTLP/HTTP collector).
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// Parse reads a config file without defaulting or validating, so
// callers can layer flag overrides on top first.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	if c.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "segid"
		}
		c.NodeName = host + "-" + strings.ToLower(strings.TrimSpace(c.Role))
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.DefaultStepSize == 0 {
		c.DefaultStepSize = DefaultStepSize
	}
	if c.RefreshThreshold == 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.HeartbeatIntervalMS == 0 {
		c.HeartbeatIntervalMS = int(DefaultHeartbeatInterval.Milliseconds())
	}
	if c.FailoverScanIntervalMS == 0 {
		c.FailoverScanIntervalMS = int(DefaultFailoverScanInterval.Milliseconds())
	}
	if c.StaleAfterMS == 0 {
		c.StaleAfterMS = int(DefaultStaleAfter.Milliseconds())
	}
	if c.RefreshTimeoutMS == 0 {
		c.RefreshTimeoutMS = int(DefaultRefreshTimeout.Milliseconds())
	}
	if c.PrefetchDeadlineMS == 0 {
		c.PrefetchDeadlineMS = int(DefaultPrefetchDeadline.Milliseconds())
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configs that cannot run.
func (c *Config) Validate() error {
	if _, err := c.ParsedRole(); err != nil {
		return err
	}
	if c.DefaultStepSize < 1 {
		return fmt.Errorf("default_step_size must be positive, got %d", c.DefaultStepSize)
	}
	if c.RefreshThreshold <= 0 || c.RefreshThreshold > 1 {
		return fmt.Errorf("refresh_threshold must be in (0,1], got %v", c.RefreshThreshold)
	}
	if c.HeartbeatIntervalMS < 1000 {
		return fmt.Errorf("heartbeat_interval_ms must be at least 1000, got %d", c.HeartbeatIntervalMS)
	}
	if c.StaleAfterMS <= c.HeartbeatIntervalMS {
		return fmt.Errorf("stale_after_ms (%d) must exceed heartbeat_interval_ms (%d)",
			c.StaleAfterMS, c.HeartbeatIntervalMS)
	}
	return nil
}

// ParsedRole converts the role string to its enum.
func (c *Config) ParsedRole() (segid.Role, error) {
	if strings.TrimSpace(c.Role) == "" {
		return 0, errors.New("role is required (even or odd)")
	}
	role, err := segid.ParseRole(strings.ToLower(strings.TrimSpace(c.Role)))
	if err != nil {
		return 0, fmt.Errorf("invalid role %q: %w", c.Role, err)
	}
	return role, nil
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) FailoverScanInterval() time.Duration {
	return time.Duration(c.FailoverScanIntervalMS) * time.Millisecond
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMS) * time.Millisecond
}

func (c *Config) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutMS) * time.Millisecond
}

func (c *Config) PrefetchDeadline() time.Duration {
	return time.Duration(c.PrefetchDeadlineMS) * time.Millisecond
}
