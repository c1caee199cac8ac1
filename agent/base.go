package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/petalhive/bus"
	"github.com/petal-labs/petalhive/core"
)

const defaultRecoveryDelay = 5 * time.Second

// Option configures a BaseAgent.
type Option func(*BaseAgent)

// WithLogger sets the agent's logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(a *BaseAgent) { a.logger = logger }
}

// WithMetricsSink wires the per-tick metrics sink.
func WithMetricsSink(sink MetricsSink) Option {
	return func(a *BaseAgent) { a.metrics = sink }
}

// WithStateWriter wires the shared state store written per tick.
func WithStateWriter(states StateWriter) Option {
	return func(a *BaseAgent) { a.states = states }
}

// WithRecoveryDelay overrides the auto-recovery grace period (default: 5s).
func WithRecoveryDelay(d time.Duration) Option {
	return func(a *BaseAgent) { a.recoveryDelay = d }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(a *BaseAgent) { a.now = now }
}

// BaseAgent implements the Agent lifecycle contract around a set of Hooks.
// Concrete agents embed or wrap it and supply their hooks; all hook
// failures are contained and routed through the error transition rather
// than propagated.
type BaseAgent struct {
	cfg           Config
	hooks         Hooks
	bus           bus.Bus
	logger        *slog.Logger
	metrics       MetricsSink
	states        StateWriter
	recoveryDelay time.Duration
	now           func() time.Time

	mu         sync.Mutex
	status     Status
	subIDs     []string
	tickCount  uint64
	lastTick   time.Time
	lastDur    time.Duration
	totalDur   time.Duration
	processed  uint64
	emitted    uint64
	errorCount int
	lastErr    *Error
	startedAt  time.Time
	recovery   *time.Timer
	stopTicker chan struct{}
	tickerDone chan struct{}
	cron       *cron.Cron
}

// New creates an agent with the given configuration, bus, and hooks.
// A nil hooks value means the agent only reacts to events it subscribes to.
func New(cfg Config, b bus.Bus, hooks Hooks, opts ...Option) (*BaseAgent, error) {
	if cfg.ID == "" {
		return nil, errors.New("agent: config requires an id")
	}
	if b == nil {
		return nil, errors.New("agent: bus is nil")
	}
	if cfg.CronSchedule != "" {
		if _, err := cron.ParseStandard(cfg.CronSchedule); err != nil {
			return nil, fmt.Errorf("agent %s: invalid cron schedule %q: %w", cfg.ID, cfg.CronSchedule, err)
		}
	}
	if hooks == nil {
		hooks = NopHooks{}
	}

	a := &BaseAgent{
		cfg:           cfg,
		hooks:         hooks,
		bus:           b,
		logger:        slog.Default(),
		recoveryDelay: defaultRecoveryDelay,
		now:           time.Now,
		status:        StatusIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ID returns the agent's unique id.
func (a *BaseAgent) ID() string {
	return a.cfg.ID
}

// Config returns the agent's immutable configuration.
func (a *BaseAgent) Config() Config {
	return a.cfg
}

// Status returns the current lifecycle status.
func (a *BaseAgent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Start transitions the agent to running, runs the start hook, then arms
// the tick timer. Hook failures are contained via the error transition
// and never propagate to the caller.
func (a *BaseAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status == StatusRunning {
		a.mu.Unlock()
		return nil
	}
	a.cancelRecoveryLocked()
	a.status = StatusRunning
	a.startedAt = a.now()
	a.mu.Unlock()

	if err := a.safeHook(ctx, a.hooks.OnStart); err != nil {
		a.fail(err)
	}

	a.startTicking()

	a.logger.Info("agent started", "agent_id", a.cfg.ID, "tier", a.cfg.Tier)
	a.bus.Emit(core.EventAgentStarted, map[string]any{
		"agent": a.cfg.ID,
		"tier":  a.cfg.Tier,
	}, bus.WithSource(a.cfg.ID))
	return nil
}

// Stop cancels the tick timer, releases every subscription this agent
// created, and runs the stop hook. No-op if already stopped.
func (a *BaseAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.status == StatusStopped {
		a.mu.Unlock()
		return nil
	}
	a.cancelRecoveryLocked()
	a.status = StatusStopped
	subIDs := a.subIDs
	a.subIDs = nil
	a.mu.Unlock()

	a.stopTicking()

	for _, id := range subIDs {
		a.bus.Unsubscribe(id)
	}

	if err := a.safeHook(ctx, a.hooks.OnStop); err != nil {
		a.logger.Error("agent stop hook failed", "agent_id", a.cfg.ID, "error", err)
	}

	a.logger.Info("agent stopped", "agent_id", a.cfg.ID)
	a.bus.Emit(core.EventAgentStopped, map[string]any{
		"agent": a.cfg.ID,
	}, bus.WithSource(a.cfg.ID))
	return nil
}

// Pause cancels the tick timer but leaves subscriptions intact.
// Only valid from running.
func (a *BaseAgent) Pause() error {
	a.mu.Lock()
	if a.status != StatusRunning {
		status := a.status
		a.mu.Unlock()
		return fmt.Errorf("%w: pause requires running, agent %s is %s", ErrInvalidTransition, a.cfg.ID, status)
	}
	a.status = StatusPaused
	a.mu.Unlock()

	a.stopTicking()
	a.logger.Debug("agent paused", "agent_id", a.cfg.ID)
	return nil
}

// Resume re-arms the tick timer. Only valid from paused.
func (a *BaseAgent) Resume() error {
	a.mu.Lock()
	if a.status != StatusPaused {
		status := a.status
		a.mu.Unlock()
		return fmt.Errorf("%w: resume requires paused, agent %s is %s", ErrInvalidTransition, a.cfg.ID, status)
	}
	a.status = StatusRunning
	a.mu.Unlock()

	a.startTicking()
	a.logger.Debug("agent resumed", "agent_id", a.cfg.ID)
	return nil
}

// State returns a snapshot of the agent's mutable state and metrics.
func (a *BaseAgent) State() StateSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := StateSnapshot{
		Status:           a.status,
		TickCount:        a.tickCount,
		LastTick:         a.lastTick,
		EventsProcessed:  a.processed,
		EventsEmitted:    a.emitted,
		LastTickDuration: a.lastDur,
		ErrorCount:       a.errorCount,
		LastError:        a.lastErr,
	}
	if a.tickCount > 0 {
		snap.AvgTickDuration = a.totalDur / time.Duration(a.tickCount)
	}
	if a.status == StatusRunning || a.status == StatusPaused || a.status == StatusError {
		snap.Uptime = a.now().Sub(a.startedAt)
	}
	return snap
}

// Subscribe registers a bus handler owned by this agent. The agent tracks
// the subscription for release on stop, counts the delivery, and funnels
// handler failures into the error transition so they never reach the bus
// as handler errors.
func (a *BaseAgent) Subscribe(pattern string, h core.Handler, opts ...bus.SubscribeOption) string {
	wrapped := func(ctx context.Context, evt core.Event) error {
		a.mu.Lock()
		a.processed++
		a.mu.Unlock()

		if err := safeInvoke(ctx, h, evt); err != nil {
			a.fail(err)
		}
		return nil
	}

	id := a.bus.Subscribe(pattern, wrapped, opts...)

	a.mu.Lock()
	a.subIDs = append(a.subIDs, id)
	a.mu.Unlock()
	return id
}

// Unsubscribe releases one of this agent's subscriptions early.
func (a *BaseAgent) Unsubscribe(id string) bool {
	a.mu.Lock()
	for i, subID := range a.subIDs {
		if subID == id {
			a.subIDs = append(a.subIDs[:i:i], a.subIDs[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
	return a.bus.Unsubscribe(id)
}

// Emit publishes an event stamped with this agent as the source.
func (a *BaseAgent) Emit(eventType string, payload any, target ...string) string {
	a.mu.Lock()
	a.emitted++
	a.mu.Unlock()

	opts := []bus.EmitOption{bus.WithSource(a.cfg.ID)}
	if len(target) > 0 {
		opts = append(opts, bus.WithTarget(target...))
	}
	return a.bus.Emit(eventType, payload, opts...)
}

// startTicking arms the interval ticker and/or cron schedule. Ticks that
// fire while the agent is not running are silent no-ops.
func (a *BaseAgent) startTicking() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == StatusStopped {
		return
	}

	if a.cfg.TickInterval > 0 && a.stopTicker == nil {
		stop := make(chan struct{})
		done := make(chan struct{})
		a.stopTicker = stop
		a.tickerDone = done

		interval := a.cfg.TickInterval
		go func() {
			defer close(done)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					a.runTick(context.Background())
				}
			}
		}()
	}

	if a.cfg.CronSchedule != "" && a.cron == nil {
		c := cron.New()
		// Schedule validated in New; AddFunc cannot fail here.
		_, _ = c.AddFunc(a.cfg.CronSchedule, func() {
			a.runTick(context.Background())
		})
		c.Start()
		a.cron = c
	}
}

// stopTicking cancels the interval ticker and cron schedule and waits for
// any in-flight tick loop iteration to finish.
func (a *BaseAgent) stopTicking() {
	a.mu.Lock()
	stop := a.stopTicker
	done := a.tickerDone
	c := a.cron
	a.stopTicker = nil
	a.tickerDone = nil
	a.cron = nil
	a.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if c != nil {
		<-c.Stop().Done()
	}
}

// runTick executes one tick: it times the hook, records metrics, writes
// last-tick state, and routes failures to the error transition. A tick
// while the agent is not running is a silent no-op.
func (a *BaseAgent) runTick(ctx context.Context) {
	a.mu.Lock()
	if a.status != StatusRunning {
		a.mu.Unlock()
		return
	}
	a.tickCount++
	a.mu.Unlock()

	start := a.now()
	err := a.safeHook(ctx, a.hooks.OnTick)
	elapsed := a.now().Sub(start)

	a.mu.Lock()
	a.lastTick = start
	a.lastDur = elapsed
	a.totalDur += elapsed
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ObserveTick(a.cfg.ID, elapsed, err)
	}
	if a.states != nil {
		if perr := a.states.Put(ctx, a.cfg.ID, "last_tick", map[string]any{
			"time":        start,
			"duration_ms": elapsed.Milliseconds(),
			"ok":          err == nil,
		}); perr != nil {
			a.logger.Warn("agent state write failed", "agent_id", a.cfg.ID, "error", perr)
		}
	}

	a.bus.Emit(core.EventAgentTick, map[string]any{
		"agent":       a.cfg.ID,
		"duration_ms": elapsed.Milliseconds(),
		"ok":          err == nil,
	}, bus.WithSource(a.cfg.ID), bus.WithPriority(core.PriorityLow))

	if err != nil {
		a.fail(err)
	}
}

// fail records a contained failure and performs the running -> error
// transition, arming the auto-recovery timer for recoverable errors.
func (a *BaseAgent) fail(err error) {
	canRecover := recoverable(err)
	agentErr := &Error{
		AgentID:     a.cfg.ID,
		Message:     err.Error(),
		Recoverable: canRecover,
		Time:        a.now(),
		Cause:       err,
	}

	a.mu.Lock()
	a.errorCount++
	a.lastErr = agentErr
	if a.status == StatusRunning {
		a.status = StatusError
		if canRecover {
			a.recovery = time.AfterFunc(a.recoveryDelay, a.recoverFromError)
		}
	}
	a.mu.Unlock()

	a.logger.Error("agent error", "agent_id", a.cfg.ID, "recoverable", canRecover, "error", err)
	a.bus.Emit(core.EventAgentError, map[string]any{
		"agent":       a.cfg.ID,
		"error":       err.Error(),
		"recoverable": canRecover,
	}, bus.WithSource(a.cfg.ID), bus.WithPriority(core.PriorityHigh))
}

// recoverFromError flips the agent back to running after the grace period,
// unless some other transition intervened.
func (a *BaseAgent) recoverFromError() {
	a.mu.Lock()
	if a.status != StatusError {
		a.mu.Unlock()
		return
	}
	a.status = StatusRunning
	a.recovery = nil
	a.mu.Unlock()

	a.logger.Info("agent recovered", "agent_id", a.cfg.ID)
	a.bus.Emit(core.EventAgentRecovered, map[string]any{
		"agent": a.cfg.ID,
	}, bus.WithSource(a.cfg.ID))
}

// cancelRecoveryLocked stops a pending recovery timer. Caller holds a.mu.
func (a *BaseAgent) cancelRecoveryLocked() {
	if a.recovery != nil {
		a.recovery.Stop()
		a.recovery = nil
	}
}

// safeHook invokes a lifecycle hook with panic containment.
func (a *BaseAgent) safeHook(ctx context.Context, hook func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return hook(ctx)
}

func safeInvoke(ctx context.Context, h core.Handler, evt core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

// Compile-time interface check.
var _ Agent = (*BaseAgent)(nil)
