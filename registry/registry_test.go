package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/petal-labs/petalhive/agent"
	"github.com/petal-labs/petalhive/bus"
)

// hookLog records hook invocations across agents to assert ordering.
type hookLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *hookLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *hookLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *hookLog) indexOf(t *testing.T, entry string) int {
	t.Helper()
	for i, e := range l.snapshot() {
		if e == entry {
			return i
		}
	}
	t.Fatalf("entry %q not recorded in %v", entry, l.snapshot())
	return -1
}

func newLoggedAgent(t *testing.T, b bus.Bus, log *hookLog, cfg agent.Config) *agent.BaseAgent {
	t.Helper()
	hooks := agent.HookFuncs{
		Start: func(context.Context) error {
			log.add(cfg.ID + ":start")
			return nil
		},
		Stop: func(context.Context) error {
			log.add(cfg.ID + ":stop")
			return nil
		},
	}
	a, err := agent.New(cfg, b, hooks)
	if err != nil {
		t.Fatalf("agent.New(%s): %v", cfg.ID, err)
	}
	return a
}

func newTestBus(t *testing.T) *bus.MemBus {
	t.Helper()
	b := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRegister_DuplicateID(t *testing.T) {
	b := newTestBus(t)
	r := New()
	log := &hookLog{}

	if err := r.Register(newLoggedAgent(t, b, log, agent.Config{ID: "a"})); err != nil {
		t.Fatal(err)
	}
	err := r.Register(newLoggedAgent(t, b, log, agent.Config{ID: "a"}))
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Errorf("err = %v, want ErrDuplicateAgent", err)
	}
}

func TestRegister_MissingDependency(t *testing.T) {
	b := newTestBus(t)
	r := New()
	log := &hookLog{}

	err := r.Register(newLoggedAgent(t, b, log, agent.Config{ID: "b", Dependencies: []string{"a"}}))
	if !errors.Is(err, ErrMissingDependency) {
		t.Errorf("err = %v, want ErrMissingDependency", err)
	}

	// Once the dependency exists, registration succeeds.
	if err := r.Register(newLoggedAgent(t, b, log, agent.Config{ID: "a"})); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newLoggedAgent(t, b, log, agent.Config{ID: "b", Dependencies: []string{"a"}})); err != nil {
		t.Errorf("register after dependency exists: %v", err)
	}
}

func TestUnregister_DanglingDependents(t *testing.T) {
	b := newTestBus(t)
	r := New()
	log := &hookLog{}
	ctx := context.Background()

	if err := r.Register(newLoggedAgent(t, b, log, agent.Config{ID: "a"})); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newLoggedAgent(t, b, log, agent.Config{ID: "b", Dependencies: []string{"a"}})); err != nil {
		t.Fatal(err)
	}

	if err := r.Unregister(ctx, "a"); !errors.Is(err, ErrDanglingDependents) {
		t.Errorf("err = %v, want ErrDanglingDependents", err)
	}

	// Removing the dependent first unblocks the dependency.
	if err := r.Unregister(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUnregister_StopsAgent(t *testing.T) {
	b := newTestBus(t)
	r := New()
	log := &hookLog{}
	ctx := context.Background()

	a := newLoggedAgent(t, b, log, agent.Config{ID: "a"})
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := r.Unregister(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if a.Status() != agent.StatusStopped {
		t.Errorf("status = %s, want stopped", a.Status())
	}
}

func TestStartAll_DependencyOrder(t *testing.T) {
	b := newTestBus(t)
	r := New()
	log := &hookLog{}
	ctx := context.Background()

	// Diamond graph: left and right depend on base, top depends on both.
	for _, cfg := range []agent.Config{
		{ID: "base"},
		{ID: "left", Dependencies: []string{"base"}},
		{ID: "right", Dependencies: []string{"base"}},
		{ID: "top", Dependencies: []string{"left", "right"}},
	} {
		if err := r.Register(newLoggedAgent(t, b, log, cfg)); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.StartAll(ctx); err != nil {
		t.Fatal(err)
	}

	if log.indexOf(t, "base:start") > log.indexOf(t, "left:start") {
		t.Error("base must start before left")
	}
	if log.indexOf(t, "base:start") > log.indexOf(t, "right:start") {
		t.Error("base must start before right")
	}
	if log.indexOf(t, "left:start") > log.indexOf(t, "top:start") {
		t.Error("left must start before top")
	}
	if log.indexOf(t, "right:start") > log.indexOf(t, "top:start") {
		t.Error("right must start before top")
	}

	if err := r.StopAll(ctx); err != nil {
		t.Fatal(err)
	}

	if log.indexOf(t, "top:stop") > log.indexOf(t, "left:stop") {
		t.Error("top must stop before left")
	}
	if log.indexOf(t, "top:stop") > log.indexOf(t, "right:stop") {
		t.Error("top must stop before right")
	}
	if log.indexOf(t, "left:stop") > log.indexOf(t, "base:stop") {
		t.Error("left must stop before base")
	}
	if log.indexOf(t, "right:stop") > log.indexOf(t, "base:stop") {
		t.Error("right must stop before base")
	}
}

func TestStartAll_StopAll_TwoAgentScenario(t *testing.T) {
	b := newTestBus(t)
	r := New()
	log := &hookLog{}
	ctx := context.Background()

	if err := r.Register(newLoggedAgent(t, b, log, agent.Config{ID: "a"})); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newLoggedAgent(t, b, log, agent.Config{ID: "b", Dependencies: []string{"a"}})); err != nil {
		t.Fatal(err)
	}

	if err := r.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.StopAll(ctx); err != nil {
		t.Fatal(err)
	}

	got := log.snapshot()
	want := []string{"a:start", "b:start", "b:stop", "a:stop"}
	if len(got) != len(want) {
		t.Fatalf("hook log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hook log = %v, want %v", got, want)
		}
	}
}

func TestStartAll_SkipsDisabledAgents(t *testing.T) {
	b := newTestBus(t)
	r := New()
	log := &hookLog{}
	ctx := context.Background()

	disabled := false
	if err := r.Register(newLoggedAgent(t, b, log, agent.Config{ID: "off", Enabled: &disabled})); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newLoggedAgent(t, b, log, agent.Config{ID: "on"})); err != nil {
		t.Fatal(err)
	}

	if err := r.StartAll(ctx); err != nil {
		t.Fatal(err)
	}

	off, _ := r.Get("off")
	if off.Status() != agent.StatusIdle {
		t.Errorf("disabled agent status = %s, want idle", off.Status())
	}
	on, _ := r.Get("on")
	if on.Status() != agent.StatusRunning {
		t.Errorf("enabled agent status = %s, want running", on.Status())
	}

	if err := r.StopAll(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestQuerySurface(t *testing.T) {
	b := newTestBus(t)
	r := New()
	log := &hookLog{}
	ctx := context.Background()

	for _, cfg := range []agent.Config{
		{ID: "ind-1", Name: "sma calculator", Tier: "indicator"},
		{ID: "ind-2", Name: "ema calculator", Tier: "indicator", Dependencies: []string{"ind-1"}},
		{ID: "risk-1", Name: "exposure monitor", Tier: "risk"},
	} {
		if err := r.Register(newLoggedAgent(t, b, log, cfg)); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(r.All()); got != 3 {
		t.Errorf("All() = %d agents, want 3", got)
	}
	if got := len(r.ByTier("indicator")); got != 2 {
		t.Errorf("ByTier(indicator) = %d, want 2", got)
	}
	if _, ok := r.Get("risk-1"); !ok {
		t.Error("Get(risk-1) should succeed")
	}

	deps := r.Dependencies("ind-2")
	if len(deps) != 1 || deps[0] != "ind-1" {
		t.Errorf("Dependencies(ind-2) = %v, want [ind-1]", deps)
	}
	dependents := r.Dependents("ind-1")
	if len(dependents) != 1 || dependents[0] != "ind-2" {
		t.Errorf("Dependents(ind-1) = %v, want [ind-2]", dependents)
	}

	if got := r.Find(Criteria{Name: "*calculator"}); len(got) != 2 {
		t.Errorf("Find(name=*calculator) = %d, want 2", len(got))
	}
	if got := r.Find(Criteria{Tier: "risk"}); len(got) != 1 {
		t.Errorf("Find(tier=risk) = %d, want 1", len(got))
	}

	if err := r.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := r.Find(Criteria{Status: agent.StatusRunning, Tier: "indicator"}); len(got) != 2 {
		t.Errorf("Find(running indicators) = %d, want 2", len(got))
	}

	stats := r.GetStats()
	if stats.Total != 3 {
		t.Errorf("stats.Total = %d, want 3", stats.Total)
	}
	if stats.ByTier["indicator"] != 2 {
		t.Errorf("stats.ByTier[indicator] = %d, want 2", stats.ByTier["indicator"])
	}
	if stats.ByStatus[agent.StatusRunning] != 3 {
		t.Errorf("stats.ByStatus[running] = %d, want 3", stats.ByStatus[agent.StatusRunning])
	}

	if err := r.StopAll(ctx); err != nil {
		t.Fatal(err)
	}
}
