// Package config loads the hub configuration for the processhub daemon.
//
// Config is stored as YAML; Default() carries the spec defaults so a
// minimal file only names the hub and its seeds.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "15s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library view of d.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Sync configures the gossip synchronizer.
type Sync struct {
	Interval       Duration `yaml:"interval"`
	Fanout         int      `yaml:"fanout"`
	RestrictedInit *bool    `yaml:"restricted_init,omitempty"`
}

// Migration configures the hot-swap migrator.
type Migration struct {
	Retention       Duration `yaml:"retention"`
	Handover        bool     `yaml:"handover"`
	StartTimeout    Duration `yaml:"start_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Distribution configures placement.
type Distribution struct {
	// Kind is consistent_hash (default), uniform, or guided.
	Kind string `yaml:"kind,omitempty"`
	// Guided maps child ids to their preferred nodes, for kind guided.
	Guided map[string][]string `yaml:"guided,omitempty"`
}

// Config is one hub node's configuration.
type Config struct {
	Hub               string       `yaml:"hub"`
	NodeName          string       `yaml:"node_name,omitempty"`
	BindAddr          string       `yaml:"bind_addr,omitempty"`
	BindPort          int          `yaml:"bind_port,omitempty"`
	AdvertiseAddr     string       `yaml:"advertise_addr,omitempty"`
	AdvertisePort     int          `yaml:"advertise_port,omitempty"`
	EncryptionKey     string       `yaml:"encryption_key,omitempty"`
	Seeds             []string     `yaml:"seeds,omitempty"`
	LogLevel          string       `yaml:"log_level,omitempty"`
	ReplicationFactor int          `yaml:"replication_factor"`
	Sync              Sync         `yaml:"sync"`
	Migration         Migration    `yaml:"migration"`
	Distribution      Distribution `yaml:"distribution"`
	NTPCheck          bool         `yaml:"ntp_check,omitempty"`
	// StatusAddr is the loopback address of the local introspection API.
	StatusAddr string `yaml:"status_addr,omitempty"`
}

// Default returns the spec defaults.
func Default() *Config {
	restricted := true
	return &Config{
		Hub:               "default",
		BindPort:          7946,
		ReplicationFactor: 1,
		Sync: Sync{
			Interval:       Duration(15 * time.Second),
			Fanout:         3,
			RestrictedInit: &restricted,
		},
		Migration: Migration{
			Retention:       Duration(5 * time.Second),
			Handover:        false,
			StartTimeout:    Duration(15 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		StatusAddr: "127.0.0.1:8091",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the hub would refuse at startup anyway.
func (c *Config) Validate() error {
	if c.Hub == "" {
		return fmt.Errorf("hub is required")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be >= 1, got %d", c.ReplicationFactor)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.Fanout < 1 {
		return fmt.Errorf("sync.fanout must be >= 1")
	}
	switch c.Distribution.Kind {
	case "", "consistent_hash", "uniform", "guided":
	default:
		return fmt.Errorf("unknown distribution kind %q", c.Distribution.Kind)
	}
	return nil
}

// RestrictedInit resolves the tri-state flag, defaulting to true.
func (c *Config) RestrictedInit() bool {
	if c.Sync.RestrictedInit == nil {
		return true
	}
	return *c.Sync.RestrictedInit
}
