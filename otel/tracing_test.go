package otel_test

import (
	"context"
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/petalhive/core"
	petalotel "github.com/petal-labs/petalhive/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func lifecycleEvent(eventType, agentID string, at time.Time, extra map[string]any) core.Event {
	payload := map[string]any{"agent": agentID}
	for k, v := range extra {
		payload[k] = v
	}
	return core.Event{
		Type:    eventType,
		Source:  agentID,
		Payload: payload,
		Time:    at,
	}
}

func TestTracingHandler_AgentStartedOpensSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := petalotel.NewTracingHandler(tracer)
	ctx := context.Background()

	now := time.Now()

	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentStarted, "momentum-1", now, map[string]any{"tier": "strategy"}))

	sc := h.ActiveSpanContext("momentum-1")
	if !sc.IsValid() {
		t.Fatal("expected valid span context after agent:started")
	}

	// Stop the agent to flush the span.
	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentStopped, "momentum-1", now.Add(100*time.Millisecond), nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name != "agent:momentum-1" {
		t.Errorf("expected span name 'agent:momentum-1', got %q", span.Name)
	}
	if span.Status.Code != otelcodes.Ok {
		t.Errorf("expected Ok status, got %v", span.Status.Code)
	}

	agentIDFound, tierFound := false, false
	for _, attr := range span.Attributes {
		if string(attr.Key) == "petalhive.agent_id" && attr.Value.AsString() == "momentum-1" {
			agentIDFound = true
		}
		if string(attr.Key) == "petalhive.tier" && attr.Value.AsString() == "strategy" {
			tierFound = true
		}
	}
	if !agentIDFound {
		t.Error("expected petalhive.agent_id attribute on agent span")
	}
	if !tierFound {
		t.Error("expected petalhive.tier attribute on agent span")
	}
}

func TestTracingHandler_AgentErrorRecordsOnSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := petalotel.NewTracingHandler(tracer)
	ctx := context.Background()

	now := time.Now()

	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentStarted, "risk-1", now, nil))
	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentError, "risk-1", now.Add(10*time.Millisecond), map[string]any{
		"error":       "exposure limit exceeded",
		"recoverable": true,
	}))
	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentStopped, "risk-1", now.Add(20*time.Millisecond), nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if len(span.Events) == 0 {
		t.Fatal("expected recorded error event on span")
	}
	errFound := false
	for _, ev := range span.Events {
		if ev.Name == "exception" {
			errFound = true
		}
	}
	if !errFound {
		t.Error("expected exception event on agent span")
	}
}

func TestTracingHandler_AgentRecoveredClearsErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := petalotel.NewTracingHandler(tracer)
	ctx := context.Background()

	now := time.Now()

	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentStarted, "risk-1", now, nil))
	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentError, "risk-1", now.Add(10*time.Millisecond), map[string]any{"error": "boom"}))
	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentRecovered, "risk-1", now.Add(20*time.Millisecond), nil))
	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentStopped, "risk-1", now.Add(30*time.Millisecond), nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Status.Code != otelcodes.Ok {
		t.Errorf("expected Ok status after recovery, got %v", span.Status.Code)
	}
	recoveredFound := false
	for _, ev := range span.Events {
		if ev.Name == "recovered" {
			recoveredFound = true
		}
	}
	if !recoveredFound {
		t.Error("expected 'recovered' event on agent span")
	}
}

func TestTracingHandler_UnknownAgentEventsAreIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := petalotel.NewTracingHandler(tracer)
	ctx := context.Background()

	now := time.Now()

	// Stop and error without a preceding start must not panic or emit spans.
	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentStopped, "ghost", now, nil))
	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentError, "ghost", now, map[string]any{"error": "boom"}))

	if sc := h.ActiveSpanContext("ghost"); sc.IsValid() {
		t.Error("expected no active span for unknown agent")
	}
	if spans := exporter.GetSpans(); len(spans) != 0 {
		t.Errorf("expected 0 spans, got %d", len(spans))
	}
}

func TestTracingHandler_TwoAgentsGetSeparateSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := petalotel.NewTracingHandler(tracer)
	ctx := context.Background()

	now := time.Now()

	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentStarted, "a", now, nil))
	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentStarted, "b", now, nil))
	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentStopped, "b", now.Add(10*time.Millisecond), nil))
	_ = h.HandleEvent(ctx, lifecycleEvent(core.EventAgentStopped, "a", now.Add(20*time.Millisecond), nil))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name] = true
	}
	if !names["agent:a"] || !names["agent:b"] {
		t.Errorf("expected spans for both agents, got %v", names)
	}
}
