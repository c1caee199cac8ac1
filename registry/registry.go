// Package registry provides the authoritative collection of live agents
// plus dependency-aware bulk lifecycle control. Start order is computed by
// depth-first post-order traversal over the dependency graph, so a
// dependency is always fully initialized before anything depending on it
// begins; shutdown uses the exact reverse order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/petal-labs/petalhive/agent"
	"github.com/petal-labs/petalhive/core"
)

// Registration and graph errors. These are hard, synchronous failures:
// ignoring them would corrupt the ordering invariant bulk start/stop
// relies on.
var (
	ErrNotFound           = errors.New("agent not found")
	ErrDuplicateAgent     = errors.New("agent id already registered")
	ErrMissingDependency  = errors.New("dependency not registered")
	ErrDanglingDependents = errors.New("agent still has registered dependents")
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Registry holds all registered agents and their dependency edges.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]agent.Agent
	order  []string                       // preserves registration order
	byTier map[string][]string            // tier -> agent ids
	deps   map[string]map[string]struct{} // id -> ids it depends on
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger: slog.Default(),
		agents: make(map[string]agent.Agent),
		byTier: make(map[string][]string),
		deps:   make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an agent. It fails if the id is already registered or if
// any declared dependency is not yet registered.
func (r *Registry) Register(a agent.Agent) error {
	cfg := a.Config()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[cfg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, cfg.ID)
	}
	for _, dep := range cfg.Dependencies {
		if _, ok := r.agents[dep]; !ok {
			return fmt.Errorf("%w: agent %s requires %s", ErrMissingDependency, cfg.ID, dep)
		}
	}

	r.agents[cfg.ID] = a
	r.order = append(r.order, cfg.ID)
	r.byTier[cfg.Tier] = append(r.byTier[cfg.Tier], cfg.ID)

	edges := make(map[string]struct{}, len(cfg.Dependencies))
	for _, dep := range cfg.Dependencies {
		edges[dep] = struct{}{}
	}
	r.deps[cfg.ID] = edges

	r.logger.Debug("agent registered", "agent_id", cfg.ID, "tier", cfg.Tier, "dependencies", cfg.Dependencies)
	return nil
}

// Unregister stops and removes an agent. It fails if any registered agent
// still lists the id as a dependency.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if dependents := r.dependentsLocked(id); len(dependents) > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is required by %v", ErrDanglingDependents, id, dependents)
	}
	r.mu.Unlock()

	if err := a.Stop(ctx); err != nil {
		return fmt.Errorf("stopping agent %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.agents, id)
	delete(r.deps, id)
	r.order = removeString(r.order, id)
	tier := a.Config().Tier
	r.byTier[tier] = removeString(r.byTier[tier], id)
	if len(r.byTier[tier]) == 0 {
		delete(r.byTier, tier)
	}

	r.logger.Debug("agent unregistered", "agent_id", id)
	return nil
}

// Get returns an agent by id.
func (r *Registry) Get(id string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// All returns every registered agent in registration order.
func (r *Registry) All() []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// ByTier returns the agents registered under a tier, in registration order.
func (r *Registry) ByTier(tier string) []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byTier[tier]
	out := make([]agent.Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.agents[id])
	}
	return out
}

// Dependencies returns the ids the given agent depends on.
func (r *Registry) Dependencies(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for dep := range r.deps[id] {
		out = append(out, dep)
	}
	return out
}

// Dependents returns the ids of agents that list the given id as a
// dependency.
func (r *Registry) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dependentsLocked(id)
}

func (r *Registry) dependentsLocked(id string) []string {
	var out []string
	for _, other := range r.order {
		if _, ok := r.deps[other][id]; ok {
			out = append(out, other)
		}
	}
	return out
}

// StartAll starts every enabled agent in dependency order, awaiting each
// agent's start before moving to the next. Disabled agents are skipped.
func (r *Registry) StartAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.startOrder() {
		a, ok := r.Get(id)
		if !ok {
			continue
		}
		if !a.Config().IsEnabled() {
			r.logger.Debug("skipping disabled agent", "agent_id", id)
			continue
		}
		if err := a.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("starting agent %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every agent in the exact reverse of the start order, so a
// dependency outlives everything that depends on it.
func (r *Registry) StopAll(ctx context.Context) error {
	order := r.startOrder()
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		a, ok := r.Get(order[i])
		if !ok {
			continue
		}
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping agent %s: %w", order[i], err))
		}
	}
	return errors.Join(errs...)
}

// startOrder computes a deterministic dependency-first order: depth-first
// traversal in registration order, recording post-order. Registration
// validation guarantees the graph is acyclic (a dependency always exists
// before its dependent).
func (r *Registry) startOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visited := make(map[string]struct{}, len(r.order))
	order := make([]string, 0, len(r.order))

	var visit func(id string)
	visit = func(id string) {
		if _, done := visited[id]; done {
			return
		}
		visited[id] = struct{}{}
		for _, dep := range r.order {
			if _, ok := r.deps[id][dep]; ok {
				visit(dep)
			}
		}
		order = append(order, id)
	}

	for _, id := range r.order {
		visit(id)
	}
	return order
}

// Criteria filters agents for Find. Zero-value fields match everything.
type Criteria struct {
	// Tier matches the agent's tier exactly.
	Tier string

	// Status matches the agent's current status.
	Status agent.Status

	// Name is an exact or wildcard pattern matched against the agent name.
	Name string
}

// Find returns agents matching all set criteria, in registration order.
func (r *Registry) Find(c Criteria) []agent.Agent {
	var nameMatcher core.Matcher
	if c.Name != "" {
		nameMatcher = core.CompileMatcher(c.Name)
	}

	var out []agent.Agent
	for _, a := range r.All() {
		cfg := a.Config()
		if c.Tier != "" && cfg.Tier != c.Tier {
			continue
		}
		if c.Status != "" && a.Status() != c.Status {
			continue
		}
		if nameMatcher != nil && !nameMatcher.Match(cfg.Name) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Stats is an aggregate snapshot of the registry.
type Stats struct {
	Total    int
	ByTier   map[string]int
	ByStatus map[agent.Status]int
}

// GetStats returns counts of registered agents by tier and status.
func (r *Registry) GetStats() Stats {
	stats := Stats{
		ByTier:   make(map[string]int),
		ByStatus: make(map[agent.Status]int),
	}
	for _, a := range r.All() {
		stats.Total++
		stats.ByTier[a.Config().Tier]++
		stats.ByStatus[a.Status()]++
	}
	return stats
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
