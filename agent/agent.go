// Package agent provides the lifecycle contract for PetalHive agents: a
// status state machine, a periodic tick loop, and bus conveniences that
// contain hook failures instead of propagating them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the agent lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// ErrInvalidTransition is returned for lifecycle calls that are not valid
// from the agent's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Config is an agent's immutable identity and policy.
type Config struct {
	// ID uniquely identifies the agent within a registry.
	ID string

	// Name is the human-readable agent name.
	Name string

	// Tier is a coarse classification tag grouping agents by role.
	Tier string

	// Description is free-form documentation.
	Description string

	// Version is the agent implementation version.
	Version string

	// Dependencies lists agent ids that must be registered and started
	// before this agent.
	Dependencies []string

	// Enabled defaults to true when nil. Disabled agents are skipped by
	// bulk start.
	Enabled *bool

	// TickInterval is the periodic tick period. Zero or less means
	// event-driven only: no periodic tick.
	TickInterval time.Duration

	// CronSchedule optionally ticks the agent on a cron expression in
	// addition to (or instead of) the fixed interval.
	CronSchedule string
}

// IsEnabled reports whether the agent participates in bulk start.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Hooks are the three extension points a concrete agent supplies.
// The base contract invokes them and contains any failure.
type Hooks interface {
	// OnStart runs once after the status flips to running and before the
	// tick timer is armed; used to establish subscriptions and seed state.
	OnStart(ctx context.Context) error

	// OnStop runs once after the tick timer is cancelled and the agent's
	// subscriptions are released; used for final cleanup.
	OnStop(ctx context.Context) error

	// OnTick runs on every tick while the agent is running.
	OnTick(ctx context.Context) error
}

// NopHooks implements Hooks with no-ops. Embed it to override only the
// hooks an agent needs.
type NopHooks struct{}

func (NopHooks) OnStart(context.Context) error { return nil }
func (NopHooks) OnStop(context.Context) error  { return nil }
func (NopHooks) OnTick(context.Context) error  { return nil }

// HookFuncs adapts plain functions to the Hooks interface. Nil fields
// are no-ops.
type HookFuncs struct {
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
	Tick  func(ctx context.Context) error
}

func (h HookFuncs) OnStart(ctx context.Context) error {
	if h.Start == nil {
		return nil
	}
	return h.Start(ctx)
}

func (h HookFuncs) OnStop(ctx context.Context) error {
	if h.Stop == nil {
		return nil
	}
	return h.Stop(ctx)
}

func (h HookFuncs) OnTick(ctx context.Context) error {
	if h.Tick == nil {
		return nil
	}
	return h.Tick(ctx)
}

// Agent is the lifecycle surface the registry orchestrates.
type Agent interface {
	// ID returns the agent's unique id.
	ID() string

	// Config returns the agent's immutable configuration.
	Config() Config

	// Status returns the current lifecycle status.
	Status() Status

	// Start transitions the agent to running and arms its tick timer.
	// No-op if already running.
	Start(ctx context.Context) error

	// Stop cancels the tick timer, releases the agent's subscriptions,
	// and runs the stop hook. No-op if already stopped.
	Stop(ctx context.Context) error

	// Pause cancels the tick timer but keeps subscriptions. Only valid
	// from running.
	Pause() error

	// Resume re-arms the tick timer. Only valid from paused.
	Resume() error

	// State returns a snapshot of the agent's mutable state and metrics.
	State() StateSnapshot
}

// StateSnapshot is a point-in-time copy of an agent's mutable state.
type StateSnapshot struct {
	Status           Status
	TickCount        uint64
	LastTick         time.Time
	EventsProcessed  uint64
	EventsEmitted    uint64
	LastTickDuration time.Duration
	AvgTickDuration  time.Duration
	Uptime           time.Duration
	ErrorCount       int
	LastError        *Error
}

// Error records one contained agent failure.
type Error struct {
	AgentID     string
	Message     string
	Recoverable bool
	Time        time.Time
	Cause       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s: %s", e.AgentID, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// unrecoverableError marks a failure that must not auto-heal.
type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable wraps an error so the agent stays in error status instead
// of auto-recovering. Hook implementations return this for failures the
// surrounding application must handle.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// recoverable reports whether the error allows auto-recovery (the default).
func recoverable(err error) bool {
	var u *unrecoverableError
	return !errors.As(err, &u)
}

// MetricsSink receives per-tick observations. The kernel writes to it and
// does not implement it; the otel package provides an implementation.
type MetricsSink interface {
	ObserveTick(agentID string, duration time.Duration, err error)
}

// StateWriter is the narrow slice of the shared key/value state store the
// kernel writes per tick. Satisfied by state.Store.
type StateWriter interface {
	Put(ctx context.Context, scope, key string, value any) error
}
