package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalhive/core"
)

// MetricsHandler translates agent kernel activity into OpenTelemetry
// metrics. It serves two roles: it implements the per-tick metrics sink
// the agent runtime writes to, and its HandleEvent method can be
// subscribed to the bus wildcard to count event traffic and dead letters.
type MetricsHandler struct {
	ticks        metric.Int64Counter
	tickFailures metric.Int64Counter
	tickDuration metric.Float64Histogram
	busEvents    metric.Int64Counter
	deadLetters  metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording kernel metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	ticks, err := meter.Int64Counter("petalhive.agent.ticks",
		metric.WithDescription("Number of agent ticks"),
	)
	if err != nil {
		return nil, err
	}

	tickFail, err := meter.Int64Counter("petalhive.agent.tick_failures",
		metric.WithDescription("Number of failed agent ticks"),
	)
	if err != nil {
		return nil, err
	}

	tickDur, err := meter.Float64Histogram("petalhive.agent.tick.duration",
		metric.WithDescription("Duration of agent tick execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	busEvents, err := meter.Int64Counter("petalhive.bus.events",
		metric.WithDescription("Number of events delivered by the bus"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("petalhive.bus.dead_letters",
		metric.WithDescription("Number of events routed to the dead letter queue"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		ticks:        ticks,
		tickFailures: tickFail,
		tickDuration: tickDur,
		busEvents:    busEvents,
		deadLetters:  deadLetters,
	}, nil
}

// ObserveTick records one tick observation. It satisfies the agent
// package's metrics sink.
func (h *MetricsHandler) ObserveTick(agentID string, duration time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("agent_id", agentID),
	)
	h.ticks.Add(ctx, 1, attrs)
	h.tickDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		h.tickFailures.Add(ctx, 1, attrs)
	}
}

// HandleEvent records bus traffic metrics. Subscribe it to the bus with
// the wildcard pattern to count every delivered event.
func (h *MetricsHandler) HandleEvent(ctx context.Context, evt core.Event) error {
	attrs := metric.WithAttributes(
		attribute.String("event_type", evt.Type),
		attribute.String("priority", string(evt.Priority)),
	)
	h.busEvents.Add(ctx, 1, attrs)

	if evt.Type == core.EventDeadLetter {
		h.deadLetters.Add(ctx, 1, metric.WithAttributes(
			attribute.String("correlation_id", evt.CorrelationID),
		))
	}
	return nil
}
