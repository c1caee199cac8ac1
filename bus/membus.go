package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalhive/core"
)

const (
	defaultHistoryCapacity    = 1000
	defaultDeadLetterCapacity = 100
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// HistoryCapacity bounds the dispatched-event history (default: 1000).
	HistoryCapacity int

	// DeadLetterCapacity bounds the dead-letter store (default: 100).
	DeadLetterCapacity int

	// HandlerTimeout bounds a single handler invocation. On expiry the
	// invocation is treated as failed and dead-lettered; the abandoned
	// handler keeps running on its own goroutine. Zero disables the
	// timeout, letting a hung handler block the drain loop.
	HandlerTimeout time.Duration

	// Logger receives dispatch warnings (default: slog.Default()).
	Logger *slog.Logger
}

// MemBus is the in-memory Bus implementation. A single dispatch goroutine
// drains the pending queue, so one event's handlers always complete before
// the next event starts. All public methods are safe for concurrent use.
type MemBus struct {
	cfg    MemBusConfig
	logger *slog.Logger

	mu          sync.Mutex
	queue       *eventQueue
	table       *subscriptionTable
	history     *ring[core.Event]
	deadLetters *ring[core.DeadLetter]
	retries     map[string]int // eventID -> prior delivery attempts
	closed      bool

	seq  atomic.Uint64
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewMemBus creates an in-memory event bus and starts its dispatch loop.
func NewMemBus(cfg MemBusConfig) *MemBus {
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = defaultHistoryCapacity
	}
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = defaultDeadLetterCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &MemBus{
		cfg:         cfg,
		logger:      cfg.Logger,
		queue:       newEventQueue(),
		table:       newSubscriptionTable(),
		history:     newRing[core.Event](cfg.HistoryCapacity),
		deadLetters: newRing[core.DeadLetter](cfg.DeadLetterCapacity),
		retries:     make(map[string]int),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	go b.run()

	return b
}

// Subscribe registers a handler for event types matching the pattern.
func (b *MemBus) Subscribe(pattern string, h core.Handler, opts ...SubscribeOption) string {
	return b.SubscribeMatcher(core.CompileMatcher(pattern), h, opts...)
}

// SubscribeMatcher registers a handler with an explicit matcher.
func (b *MemBus) SubscribeMatcher(m core.Matcher, h core.Handler, opts ...SubscribeOption) string {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	sub := &subscription{
		id:       uuid.NewString(),
		matcher:  m,
		handler:  h,
		priority: o.priority,
		filter:   o.filter,
		once:     o.once,
	}

	b.mu.Lock()
	b.table.add(sub)
	b.mu.Unlock()

	return sub.id
}

// Once registers a handler that is removed after its first invocation.
func (b *MemBus) Once(pattern string, h core.Handler) string {
	return b.Subscribe(pattern, h, WithOnce())
}

// Unsubscribe removes the subscription with the given id. Idempotent.
func (b *MemBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table.remove(id)
}

// Emit enqueues an event for asynchronous dispatch and returns its id.
// If the bus is closed the event is silently dropped.
func (b *MemBus) Emit(eventType string, payload any, opts ...EmitOption) string {
	evt := b.buildEvent(eventType, payload, opts)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return evt.ID
	}
	b.queue.push(evt)
	b.mu.Unlock()

	b.signal()
	return evt.ID
}

// EmitSync bypasses the queue and dispatches the event inline. Handler
// failures are still dead-lettered; the follow-up dead-letter notification
// goes through the normal queue.
func (b *MemBus) EmitSync(eventType string, payload any, source string) {
	var opts []EmitOption
	if source != "" {
		opts = append(opts, WithSource(source))
	}
	b.dispatch(b.buildEvent(eventType, payload, opts))
}

func (b *MemBus) buildEvent(eventType string, payload any, opts []EmitOption) core.Event {
	o := emitOptions{priority: core.PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}

	seq := b.seq.Add(1)
	return core.Event{
		ID:            fmt.Sprintf("evt-%d", seq),
		Seq:           seq,
		Type:          eventType,
		Source:        o.source,
		Target:        o.target,
		Payload:       payload,
		Time:          time.Now(),
		Priority:      o.priority,
		CorrelationID: o.correlationID,
		Meta:          o.meta,
	}
}

// History returns a filtered snapshot of dispatched events.
func (b *MemBus) History(filter HistoryFilter) []core.Event {
	b.mu.Lock()
	all := b.history.snapshot()
	b.mu.Unlock()

	out := make([]core.Event, 0, len(all))
	for _, evt := range all {
		if filter.Type != "" && evt.Type != filter.Type {
			continue
		}
		if filter.Source != "" && evt.Source != filter.Source {
			continue
		}
		if !filter.Since.IsZero() && evt.Time.Before(filter.Since) {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// DeadLetters returns a snapshot of the dead-letter store.
func (b *MemBus) DeadLetters() []core.DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadLetters.snapshot()
}

// RetryDeadLetter removes the matching dead letter and replays its event
// through the pending queue at the original priority.
func (b *MemBus) RetryDeadLetter(eventID string) bool {
	b.mu.Lock()
	dl, ok := b.deadLetters.removeFirst(func(d core.DeadLetter) bool {
		return d.Event.ID == eventID
	})
	if !ok {
		b.mu.Unlock()
		return false
	}
	b.retries[eventID] = dl.Attempts
	b.queue.push(dl.Event)
	b.mu.Unlock()

	b.signal()
	return true
}

// ClearDeadLetters empties the dead-letter store.
func (b *MemBus) ClearDeadLetters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters.clear()
}

// Stats returns current queue, history, dead-letter, and subscription counts.
func (b *MemBus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		QueueDepth:      b.queue.depth(),
		HistoryDepth:    b.history.len(),
		DeadLetterDepth: b.deadLetters.len(),
		Subscriptions:   b.table.count(),
	}
}

// Close stops the dispatch loop and waits for it to finish the event in
// flight. Pending events are dropped. Safe to call multiple times.
func (b *MemBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	<-b.done
	return nil
}

// signal wakes the dispatch loop without blocking.
func (b *MemBus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// run is the single-consumer dispatch loop: it drains the queue to empty,
// event by event, then blocks until woken. Draining one event fully before
// popping the next preserves per-event handler-completion ordering.
func (b *MemBus) run() {
	defer close(b.done)

	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
			b.drain()
		}
	}
}

func (b *MemBus) drain() {
	for {
		select {
		case <-b.stop:
			return
		default:
		}

		b.mu.Lock()
		evt, ok := b.queue.pop()
		b.mu.Unlock()
		if !ok {
			return
		}

		b.dispatch(evt)
	}
}

// dispatch runs every matched handler for the event in priority order,
// dead-lettering individual failures, then retires one-shot subscriptions
// and appends the event to history. An event with no matching subscribers
// still advances through history normally.
func (b *MemBus) dispatch(evt core.Event) {
	b.mu.Lock()
	subs := b.table.matches(evt.Type)
	attempt := 1
	if prior, ok := b.retries[evt.ID]; ok {
		attempt = prior + 1
		delete(b.retries, evt.ID)
	}
	b.mu.Unlock()

	var invokedOnce []string
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}

		err := b.invoke(sub.handler, evt)
		if sub.once {
			invokedOnce = append(invokedOnce, sub.id)
		}
		if err == nil {
			continue
		}

		b.logger.Warn("event handler failed",
			"event_type", evt.Type,
			"event_id", evt.ID,
			"subscription_id", sub.id,
			"attempt", attempt,
			"error", err,
		)

		b.mu.Lock()
		b.deadLetters.push(core.DeadLetter{
			Event:    evt,
			Err:      err,
			Time:     time.Now(),
			Attempts: attempt,
		})
		b.mu.Unlock()

		b.Emit(core.EventDeadLetter, map[string]any{
			"event": evt,
			"error": err.Error(),
		}, WithSource("bus"), WithCorrelationID(evt.ID))
	}

	b.mu.Lock()
	for _, id := range invokedOnce {
		b.table.remove(id)
	}
	b.history.push(evt)
	b.mu.Unlock()
}

// invoke calls a handler with panic containment and the optional
// per-handler timeout.
func (b *MemBus) invoke(h core.Handler, evt core.Event) error {
	if b.cfg.HandlerTimeout <= 0 {
		return safeCall(context.Background(), h, evt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- safeCall(ctx, h, evt)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handler timed out after %s: %w", b.cfg.HandlerTimeout, ctx.Err())
	}
}

func safeCall(ctx context.Context, h core.Handler, evt core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

// Compile-time interface check.
var _ Bus = (*MemBus)(nil)
