// Package loader reads and validates PetalHive runtime configuration
// files (YAML).
package loader

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5s" or "250ms"
// parse with time.ParseDuration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level runtime configuration.
type Config struct {
	Bus    BusConfig     `yaml:"bus"`
	State  StateConfig   `yaml:"state"`
	Agents []AgentConfig `yaml:"agents"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	// HistoryCapacity bounds the event history ring (default 1000).
	HistoryCapacity int `yaml:"history_capacity"`

	// DeadLetterCapacity bounds the dead letter ring (default 100).
	DeadLetterCapacity int `yaml:"dead_letter_capacity"`

	// HandlerTimeout bounds a single handler invocation (0 = unbounded).
	HandlerTimeout Duration `yaml:"handler_timeout"`
}

// StateConfig configures the shared state store.
type StateConfig struct {
	// Driver selects the store backend: "memory" (default) or "sqlite".
	Driver string `yaml:"driver"`

	// DSN is the database connection string for the sqlite driver.
	DSN string `yaml:"dsn"`

	// RetentionAge prunes entries not updated within this duration
	// (sqlite only, 0 = keep forever).
	RetentionAge Duration `yaml:"retention_age"`
}

// AgentConfig declares one agent to construct at startup.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Tier         string   `yaml:"tier"`
	Description  string   `yaml:"description"`
	Dependencies []string `yaml:"dependencies"`
	Enabled      *bool    `yaml:"enabled"`
	TickInterval Duration `yaml:"tick_interval"`
	CronSchedule string   `yaml:"cron_schedule"`
}

// State store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)
