// Package core provides the foundational types for the PetalHive agent runtime.
//
// This package contains:
//   - Event: the immutable record routed through the bus
//   - Priority: the four-level dispatch ordering for events
//   - Matcher: exact, glob, and predicate subscription matchers
//   - DeadLetter: a failed delivery retained for inspection and retry
package core

import (
	"context"
	"fmt"
	"time"
)

// Priority orders event dispatch. Lower rank dispatches first.
// The set of levels is closed; unknown levels are rejected at parse time.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns the numeric dispatch rank for the priority.
// Critical is 0 and dispatches before all others.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return int(^uint(0) >> 1) // unknown sorts last; callers should validate first
}

// String returns the string representation of the Priority.
func (p Priority) String() string {
	return string(p)
}

// ParsePriority converts a string to a Priority.
// Only the four named levels are supported.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Event types emitted by the kernel itself. Collaborators may subscribe to
// these like any other event; the "system:" and "agent:" prefixes are
// reserved for kernel-originated notifications.
const (
	EventDeadLetter     = "system:dead_letter"
	EventAgentStarted   = "agent:started"
	EventAgentStopped   = "agent:stopped"
	EventAgentError     = "agent:error"
	EventAgentRecovered = "agent:recovered"
	EventAgentTick      = "agent:tick"
)

// Event is an immutable record of one occurrence routed through the bus.
// Events should be kept small; large data belongs in the state store and
// should be referenced from the payload.
type Event struct {
	// ID uniquely identifies the event. IDs are generation-ordered.
	ID string

	// Seq is the monotonic emission sequence assigned by the bus.
	Seq uint64

	// Type is the routing key matched against subscription patterns.
	Type string

	// Source is the id of the emitting agent or component.
	Source string

	// Target optionally names intended recipients. Advisory only; the bus
	// does not enforce it.
	Target []string

	// Payload is the opaque event value.
	Payload any

	// Time is when the event was created.
	Time time.Time

	// Priority determines dispatch order relative to other pending events.
	Priority Priority

	// CorrelationID optionally links related events.
	CorrelationID string

	// Meta carries optional free-form metadata.
	Meta map[string]any
}

// NewEvent creates an event of the given type with the current timestamp
// and normal priority.
func NewEvent(eventType string, payload any) Event {
	return Event{
		Type:     eventType,
		Payload:  payload,
		Time:     time.Now(),
		Priority: PriorityNormal,
	}
}

// WithSource sets the originating component id on the event.
func (e Event) WithSource(source string) Event {
	e.Source = source
	return e
}

// WithTarget sets the advisory recipient list on the event.
func (e Event) WithTarget(target ...string) Event {
	e.Target = target
	return e
}

// WithPriority sets the dispatch priority on the event.
func (e Event) WithPriority(p Priority) Event {
	e.Priority = p
	return e
}

// WithCorrelationID sets the correlation id on the event.
func (e Event) WithCorrelationID(id string) Event {
	e.CorrelationID = id
	return e
}

// WithMeta adds a key-value pair to the event metadata.
func (e Event) WithMeta(key string, value any) Event {
	meta := make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[key] = value
	e.Meta = meta
	return e
}

// Handler processes a delivered event. A non-nil error dead-letters the
// event for this handler without affecting other handlers.
type Handler func(ctx context.Context, evt Event) error

// Filter decides whether a subscription's handler runs for an event.
// Returning false skips the handler; it is not an error.
type Filter func(evt Event) bool

// DeadLetter retains an event whose handler invocation failed.
type DeadLetter struct {
	// Event is the original event as dispatched.
	Event Event

	// Err is the captured handler error.
	Err error

	// Time is when the failure was captured.
	Time time.Time

	// Attempts counts delivery attempts for this event, starting at 1.
	Attempts int
}
