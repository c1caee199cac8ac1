// Package otel provides OpenTelemetry integration for the agent kernel.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalhive/core"
)

// TracingHandler translates agent lifecycle events into OpenTelemetry
// spans. It maintains a map of active agent spans, opening one when an
// agent starts and ending it when the agent stops; errors, recoveries,
// and dead letters become span events in between.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	agentSpans map[string]trace.Span // agent id -> span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer
// to create spans from lifecycle events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		agentSpans: make(map[string]trace.Span),
	}
}

// HandleEvent processes a lifecycle event and creates or ends spans
// accordingly. Subscribe it to the bus with the "agent:*" pattern.
func (h *TracingHandler) HandleEvent(_ context.Context, evt core.Event) error {
	switch evt.Type {
	case core.EventAgentStarted:
		h.handleStarted(evt)
	case core.EventAgentStopped:
		h.handleStopped(evt)
	case core.EventAgentError:
		h.handleError(evt)
	case core.EventAgentRecovered:
		h.handleRecovered(evt)
	}
	return nil
}

func (h *TracingHandler) handleStarted(evt core.Event) {
	agentID := payloadString(evt, "agent")
	if agentID == "" {
		return
	}

	_, span := h.tracer.Start(context.Background(), "agent:"+agentID,
		trace.WithAttributes(
			attribute.String("petalhive.agent_id", agentID),
		),
		trace.WithTimestamp(evt.Time),
	)

	if tier := payloadString(evt, "tier"); tier != "" {
		span.SetAttributes(attribute.String("petalhive.tier", tier))
	}

	h.mu.Lock()
	h.agentSpans[agentID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleStopped(evt core.Event) {
	agentID := payloadString(evt, "agent")

	h.mu.Lock()
	span, ok := h.agentSpans[agentID]
	if ok {
		delete(h.agentSpans, agentID)
	}
	h.mu.Unlock()

	if ok {
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(evt.Time))
	}
}

func (h *TracingHandler) handleError(evt core.Event) {
	h.mu.RLock()
	span, ok := h.agentSpans[payloadString(evt, "agent")]
	h.mu.RUnlock()
	if !ok {
		return
	}

	errMsg := payloadString(evt, "error")
	if errMsg == "" {
		errMsg = "unknown error"
	}
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(spanError(errMsg), trace.WithTimestamp(evt.Time))
}

func (h *TracingHandler) handleRecovered(evt core.Event) {
	h.mu.RLock()
	span, ok := h.agentSpans[payloadString(evt, "agent")]
	h.mu.RUnlock()
	if !ok {
		return
	}

	span.AddEvent("recovered", trace.WithTimestamp(evt.Time))
	span.SetStatus(codes.Ok, "")
}

// ActiveSpanContext returns the SpanContext for an agent's active span.
// Returns an empty SpanContext if the agent has no open span.
func (h *TracingHandler) ActiveSpanContext(agentID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.agentSpans[agentID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// payloadString extracts a string field from a map-shaped event payload.
func payloadString(evt core.Event, field string) string {
	m, ok := evt.Payload.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[field].(string)
	return s
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
