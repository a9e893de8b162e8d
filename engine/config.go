package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veritylabs/verity/runs"
)

// Config configures the engine and its background workers.
type Config struct {
	// DBPath is the SQLite database file. ":memory:" is accepted for tests.
	DBPath string `yaml:"db_path"`

	// BindingsPath points at the reducer bindings YAML. Either BindingsPath
	// or Bindings must be set.
	BindingsPath string `yaml:"bindings_path"`

	// Bindings is an inline bindings document, used when no file is given.
	Bindings string `yaml:"bindings"`

	// HTTPAddr is the listen address for the HTTP surface.
	HTTPAddr string `yaml:"http_addr"`

	// Vigil settings.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Run tracking settings. HeartbeatGrace is how long a run past its
	// deadline survives on a live heartbeat before the reaper kills it.
	RunTimeout     time.Duration `yaml:"run_timeout"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
	HeartbeatGrace time.Duration `yaml:"heartbeat_grace"`

	// Repair queue settings.
	RepairVisibility  time.Duration `yaml:"repair_visibility"`
	RepairMaxAttempts int           `yaml:"repair_max_attempts"`

	// EventRetention bounds the business event log.
	EventRetention time.Duration `yaml:"event_retention"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "data/verity.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = runs.DefaultHeartbeatGrace
	}
	if c.RepairVisibility <= 0 {
		c.RepairVisibility = 30 * time.Second
	}
	if c.RepairMaxAttempts == 0 {
		c.RepairMaxAttempts = 5
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 30 * 24 * time.Hour
	}
}

// LoadConfig reads a YAML config file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("engine: parse config %s: %w", path, err)
	}
	c.defaults()
	return &c, nil
}
