// Package bus provides the event distribution kernel for PetalHive agents.
// It owns a priority-ordered pending queue, a single dispatch loop, a bounded
// event history, and a bounded dead-letter store, enabling decoupled
// communication between agents and observers such as loggers, metrics
// handlers, and dashboards.
package bus

import (
	"time"

	"github.com/petal-labs/petalhive/core"
)

// Bus distributes events to interested subscribers in priority order.
type Bus interface {
	// Subscribe registers a handler for event types matching the pattern.
	// Patterns containing "*" match any run of characters; everything else
	// matches exactly. Returns the subscription id.
	Subscribe(pattern string, h core.Handler, opts ...SubscribeOption) string

	// SubscribeMatcher registers a handler with an explicit matcher,
	// including predicate matchers the pattern syntax cannot express.
	SubscribeMatcher(m core.Matcher, h core.Handler, opts ...SubscribeOption) string

	// Once registers a handler that is removed after its first invocation.
	Once(pattern string, h core.Handler) string

	// Unsubscribe removes the subscription with the given id.
	// Returns false if no such subscription exists; removing twice
	// returns false the second time.
	Unsubscribe(id string) bool

	// Emit enqueues an event for asynchronous dispatch and returns its id.
	// It does not wait for delivery.
	Emit(eventType string, payload any, opts ...EmitOption) string

	// EmitSync bypasses the queue and dispatches the event to matching
	// handlers inline, before returning.
	EmitSync(eventType string, payload any, source string)

	// History returns a filtered snapshot of dispatched events.
	History(filter HistoryFilter) []core.Event

	// DeadLetters returns a snapshot of the dead-letter store.
	DeadLetters() []core.DeadLetter

	// RetryDeadLetter removes the matching dead letter and re-enqueues its
	// original event at its original priority. Returns whether an entry
	// was found.
	RetryDeadLetter(eventID string) bool

	// ClearDeadLetters empties the dead-letter store.
	ClearDeadLetters()

	// Stats returns current queue, history, dead-letter, and subscription
	// counts.
	Stats() Stats

	// Close stops the dispatch loop. Pending events are dropped.
	Close() error
}

// HistoryFilter selects events from the history snapshot.
// Zero-value fields match everything.
type HistoryFilter struct {
	// Type matches the event type exactly.
	Type string

	// Source matches the emitting component id exactly.
	Source string

	// Since keeps only events created at or after this time.
	Since time.Time
}

// Stats is a point-in-time snapshot of bus depths.
type Stats struct {
	QueueDepth      int
	HistoryDepth    int
	DeadLetterDepth int
	Subscriptions   int
}

type subscribeOptions struct {
	priority int
	filter   core.Filter
	once     bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

// WithHandlerPriority sets the subscription priority. Higher-priority
// handlers run first for the same event; ties preserve registration order.
func WithHandlerPriority(priority int) SubscribeOption {
	return func(o *subscribeOptions) { o.priority = priority }
}

// WithFilter attaches a predicate evaluated per event. A false result
// skips the handler without error.
func WithFilter(f core.Filter) SubscribeOption {
	return func(o *subscribeOptions) { o.filter = f }
}

// WithOnce marks the subscription for removal after its first invocation.
func WithOnce() SubscribeOption {
	return func(o *subscribeOptions) { o.once = true }
}

type emitOptions struct {
	source        string
	target        []string
	priority      core.Priority
	correlationID string
	meta          map[string]any
}

// EmitOption configures an emitted event.
type EmitOption func(*emitOptions)

// WithSource sets the originating component id.
func WithSource(source string) EmitOption {
	return func(o *emitOptions) { o.source = source }
}

// WithTarget sets the advisory recipient list.
func WithTarget(target ...string) EmitOption {
	return func(o *emitOptions) { o.target = target }
}

// WithPriority sets the event's dispatch priority (default normal).
func WithPriority(p core.Priority) EmitOption {
	return func(o *emitOptions) { o.priority = p }
}

// WithCorrelationID links the event to related events.
func WithCorrelationID(id string) EmitOption {
	return func(o *emitOptions) { o.correlationID = id }
}

// WithMeta adds a metadata key-value pair to the event.
func WithMeta(key string, value any) EmitOption {
	return func(o *emitOptions) {
		if o.meta == nil {
			o.meta = make(map[string]any)
		}
		o.meta[key] = value
	}
}
