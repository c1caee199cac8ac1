// Package petalhive provides an in-process agent runtime kernel: a
// priority event bus with wildcard subscriptions and dead letter
// isolation, plus a lifecycle-managed agent scheduler with
// dependency-ordered startup and shutdown.
//
// This file provides re-exports for the types and constructors most
// applications need. For clearer dependencies, consider importing the
// subpackages directly:
//
//	import "github.com/petal-labs/petalhive/core"
//	import "github.com/petal-labs/petalhive/bus"
//	import "github.com/petal-labs/petalhive/agent"
//	import "github.com/petal-labs/petalhive/registry"
package petalhive

import (
	"context"
	"errors"
	"log/slog"

	"github.com/petal-labs/petalhive/agent"
	"github.com/petal-labs/petalhive/bus"
	"github.com/petal-labs/petalhive/core"
	"github.com/petal-labs/petalhive/registry"
	"github.com/petal-labs/petalhive/state"
)

// =============================================================================
// Core Package Re-exports
// =============================================================================

// Type aliases from core package
type (
	// Event is the unit of communication between agents.
	Event = core.Event

	// Priority orders queued events for dispatch.
	Priority = core.Priority

	// Handler processes one delivered event.
	Handler = core.Handler

	// Filter is an additional per-subscription predicate.
	Filter = core.Filter

	// Matcher decides whether a subscription receives an event type.
	Matcher = core.Matcher

	// DeadLetter records one failed delivery.
	DeadLetter = core.DeadLetter
)

// Priority constants
const (
	PriorityCritical = core.PriorityCritical
	PriorityHigh     = core.PriorityHigh
	PriorityNormal   = core.PriorityNormal
	PriorityLow      = core.PriorityLow
)

// System event types
const (
	EventDeadLetter     = core.EventDeadLetter
	EventAgentStarted   = core.EventAgentStarted
	EventAgentStopped   = core.EventAgentStopped
	EventAgentError     = core.EventAgentError
	EventAgentRecovered = core.EventAgentRecovered
	EventAgentTick      = core.EventAgentTick
)

// Wildcard matches every event type.
const Wildcard = core.Wildcard

// Core package constructors
var (
	NewEvent       = core.NewEvent
	CompileMatcher = core.CompileMatcher
	ParsePriority  = core.ParsePriority
)

// =============================================================================
// Bus Package Re-exports
// =============================================================================

// Type aliases from bus package
type (
	// Bus is the event dispatch surface.
	Bus = bus.Bus

	// MemBus is the in-memory Bus implementation.
	MemBus = bus.MemBus

	// MemBusConfig configures a MemBus.
	MemBusConfig = bus.MemBusConfig

	// HistoryFilter narrows History queries.
	HistoryFilter = bus.HistoryFilter

	// BusStats is a point-in-time snapshot of bus depths.
	BusStats = bus.Stats
)

// Bus package constructors and options
var (
	NewMemBus           = bus.NewMemBus
	WithHandlerPriority = bus.WithHandlerPriority
	WithFilter          = bus.WithFilter
	WithOnce            = bus.WithOnce
	WithSource          = bus.WithSource
	WithTarget          = bus.WithTarget
	WithPriority        = bus.WithPriority
	WithCorrelationID   = bus.WithCorrelationID
	WithMeta            = bus.WithMeta
)

// =============================================================================
// Agent Package Re-exports
// =============================================================================

// Type aliases from agent package
type (
	// Agent is the lifecycle surface the registry orchestrates.
	Agent = agent.Agent

	// BaseAgent is the standard Agent implementation.
	BaseAgent = agent.BaseAgent

	// AgentConfig is an agent's immutable identity and policy.
	AgentConfig = agent.Config

	// Hooks are the extension points a concrete agent supplies.
	Hooks = agent.Hooks

	// HookFuncs adapts plain functions to the Hooks interface.
	HookFuncs = agent.HookFuncs

	// NopHooks implements Hooks with no-ops.
	NopHooks = agent.NopHooks

	// Status is the agent lifecycle state.
	Status = agent.Status

	// StateSnapshot is a point-in-time copy of an agent's mutable state.
	StateSnapshot = agent.StateSnapshot

	// AgentError records one contained agent failure.
	AgentError = agent.Error
)

// Status constants
const (
	StatusIdle    = agent.StatusIdle
	StatusRunning = agent.StatusRunning
	StatusPaused  = agent.StatusPaused
	StatusError   = agent.StatusError
	StatusStopped = agent.StatusStopped
)

// Agent package constructors and helpers
var (
	NewAgent      = agent.New
	Unrecoverable = agent.Unrecoverable
)

// =============================================================================
// Registry and State Package Re-exports
// =============================================================================

type (
	// Registry holds all registered agents and their dependency edges.
	Registry = registry.Registry

	// Criteria filters agents for Registry.Find.
	Criteria = registry.Criteria

	// RegistryStats is an aggregate snapshot of the registry.
	RegistryStats = registry.Stats

	// StateStore is the shared key/value persistence contract.
	StateStore = state.Store
)

var (
	NewRegistry = registry.New
	NewMemStore = state.NewMemStore
)

// =============================================================================
// Runtime
// =============================================================================

// Config assembles a Runtime.
type Config struct {
	// Bus configures the event bus.
	Bus MemBusConfig

	// States is the shared state store (default: in-memory).
	States state.Store

	// Metrics receives per-tick observations for every agent added
	// through AddAgent. Optional.
	Metrics agent.MetricsSink

	// Logger is passed to the bus, registry, and agents
	// (default: slog.Default()).
	Logger *slog.Logger
}

// Runtime bundles a bus, a registry, and a state store into one kernel
// with a single start/stop surface.
type Runtime struct {
	Bus      *MemBus
	Registry *Registry
	States   state.Store

	metrics agent.MetricsSink
	logger  *slog.Logger
}

// New creates a Runtime. Zero-value config fields get defaults.
func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bus.Logger == nil {
		cfg.Bus.Logger = logger
	}
	states := cfg.States
	if states == nil {
		states = state.NewMemStore()
	}

	return &Runtime{
		Bus:      bus.NewMemBus(cfg.Bus),
		Registry: registry.New(registry.WithLogger(logger)),
		States:   states,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// AddAgent constructs an agent wired to the runtime's bus, state store,
// and metrics sink, then registers it. Extra options override the
// runtime defaults.
func (r *Runtime) AddAgent(cfg AgentConfig, hooks Hooks, opts ...agent.Option) (*BaseAgent, error) {
	base := []agent.Option{
		agent.WithLogger(r.logger),
		agent.WithStateWriter(r.States),
	}
	if r.metrics != nil {
		base = append(base, agent.WithMetricsSink(r.metrics))
	}
	base = append(base, opts...)

	a, err := agent.New(cfg, r.Bus, hooks, base...)
	if err != nil {
		return nil, err
	}
	if err := r.Registry.Register(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Start starts every enabled registered agent in dependency order.
func (r *Runtime) Start(ctx context.Context) error {
	return r.Registry.StartAll(ctx)
}

// Stop stops all agents in reverse dependency order, then shuts down
// the bus and the state store.
func (r *Runtime) Stop(ctx context.Context) error {
	var errs []error
	if err := r.Registry.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.Bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.States.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
