package loader

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one validation finding.
type Diagnostic struct {
	Severity Severity
	Message  string
}

// Errors filters a diagnostic list down to errors.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	return len(Errors(diags)) > 0
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}

// Load reads, parses, and validates a runtime config file. Validation
// warnings do not fail the load; errors do, wrapped in a DiagnosticError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates raw config bytes.
func LoadBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	diags := Validate(&cfg)
	if HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	return &cfg, nil
}

// Validate checks a parsed config and returns all findings.
func Validate(cfg *Config) []Diagnostic {
	var diags []Diagnostic

	errf := func(format string, args ...any) {
		diags = append(diags, Diagnostic{Severity: SeverityError, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(format string, args ...any) {
		diags = append(diags, Diagnostic{Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Bus.HistoryCapacity < 0 {
		errf("bus.history_capacity must not be negative")
	}
	if cfg.Bus.DeadLetterCapacity < 0 {
		errf("bus.dead_letter_capacity must not be negative")
	}
	if cfg.Bus.HandlerTimeout < 0 {
		errf("bus.handler_timeout must not be negative")
	}

	switch cfg.State.Driver {
	case "", DriverMemory:
	case DriverSQLite:
		if cfg.State.DSN == "" {
			errf("state.dsn is required for the sqlite driver")
		}
	default:
		errf("unknown state.driver %q (want %q or %q)", cfg.State.Driver, DriverMemory, DriverSQLite)
	}

	ids := make(map[string]struct{}, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.ID == "" {
			errf("agents[%d]: id is required", i)
			continue
		}
		if _, dup := ids[a.ID]; dup {
			errf("duplicate agent id %q", a.ID)
		}
		ids[a.ID] = struct{}{}
	}

	for _, a := range cfg.Agents {
		if a.ID == "" {
			continue
		}
		for _, dep := range a.Dependencies {
			if dep == a.ID {
				errf("agent %q depends on itself", a.ID)
				continue
			}
			if _, ok := ids[dep]; !ok {
				errf("agent %q depends on unknown agent %q", a.ID, dep)
			}
		}
		if a.CronSchedule != "" {
			if _, err := cron.ParseStandard(a.CronSchedule); err != nil {
				errf("agent %q: invalid cron schedule %q: %v", a.ID, a.CronSchedule, err)
			}
		}
		if a.TickInterval < 0 {
			errf("agent %q: tick_interval must not be negative", a.ID)
		}
		if a.TickInterval == 0 && a.CronSchedule == "" {
			warnf("agent %q has no tick_interval or cron_schedule and will only react to events", a.ID)
		}
	}

	if !HasErrors(diags) {
		if _, err := sortAgents(cfg.Agents); err != nil {
			errf("%v", err)
		}
	}

	return diags
}

// SortedAgents returns the agent declarations ordered so every dependency
// precedes its dependents, suitable for sequential registration.
func (c *Config) SortedAgents() ([]AgentConfig, error) {
	return sortAgents(c.Agents)
}

// sortAgents topologically sorts agent declarations, preserving the
// declared order among independent agents. Cycles are an error.
func sortAgents(agents []AgentConfig) ([]AgentConfig, error) {
	byID := make(map[string]AgentConfig, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(agents))
	out := make([]AgentConfig, 0, len(agents))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle involving agent %q", id)
		}
		state[id] = visiting
		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		out = append(out, byID[id])
		return nil
	}

	for _, a := range agents {
		if err := visit(a.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}
