package otel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petal-labs/petalhive/core"
	petalotel "github.com/petal-labs/petalhive/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestMetricsHandler_ObserveTickRecordsCounterAndHistogram(t *testing.T) {
	reader, mp := newTestMeter()
	meter := mp.Meter("test")

	h, err := petalotel.NewMetricsHandler(meter)
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.ObserveTick("momentum-1", 150*time.Millisecond, nil)
	h.ObserveTick("risk-1", 50*time.Millisecond, nil)

	rm := collectMetrics(t, reader)

	tickMetric := findMetric(rm, "petalhive.agent.ticks")
	if tickMetric == nil {
		t.Fatal("petalhive.agent.ticks metric not found")
	}
	sumData, ok := tickMetric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", tickMetric.Data)
	}
	// One data point per agent_id attribute set.
	if len(sumData.DataPoints) != 2 {
		t.Fatalf("expected 2 data points, got %d", len(sumData.DataPoints))
	}
	for _, dp := range sumData.DataPoints {
		if dp.Value != 1 {
			t.Errorf("expected counter value 1, got %d", dp.Value)
		}
	}

	durMetric := findMetric(rm, "petalhive.agent.tick.duration")
	if durMetric == nil {
		t.Fatal("petalhive.agent.tick.duration metric not found")
	}
	histData, ok := durMetric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64] data, got %T", durMetric.Data)
	}
	if len(histData.DataPoints) != 2 {
		t.Fatalf("expected 2 histogram data points, got %d", len(histData.DataPoints))
	}
	for _, dp := range histData.DataPoints {
		if dp.Count != 1 {
			t.Errorf("expected histogram count 1, got %d", dp.Count)
		}
	}
}

func TestMetricsHandler_ObserveTickCountsFailures(t *testing.T) {
	reader, mp := newTestMeter()
	meter := mp.Meter("test")

	h, err := petalotel.NewMetricsHandler(meter)
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.ObserveTick("momentum-1", 10*time.Millisecond, errors.New("feed stalled"))
	h.ObserveTick("momentum-1", 20*time.Millisecond, errors.New("feed stalled again"))
	h.ObserveTick("momentum-1", 5*time.Millisecond, nil)

	rm := collectMetrics(t, reader)

	failMetric := findMetric(rm, "petalhive.agent.tick_failures")
	if failMetric == nil {
		t.Fatal("petalhive.agent.tick_failures metric not found")
	}
	sumData, ok := failMetric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", failMetric.Data)
	}
	if len(sumData.DataPoints) != 1 {
		t.Fatalf("expected 1 data point (same attributes), got %d", len(sumData.DataPoints))
	}
	if sumData.DataPoints[0].Value != 2 {
		t.Errorf("expected failure counter value 2, got %d", sumData.DataPoints[0].Value)
	}

	agentIDFound := false
	for _, attr := range sumData.DataPoints[0].Attributes.ToSlice() {
		if string(attr.Key) == "agent_id" && attr.Value.AsString() == "momentum-1" {
			agentIDFound = true
		}
	}
	if !agentIDFound {
		t.Error("expected agent_id attribute on failure counter")
	}

	tickMetric := findMetric(rm, "petalhive.agent.ticks")
	if tickMetric == nil {
		t.Fatal("petalhive.agent.ticks metric not found")
	}
	tickSum := tickMetric.Data.(metricdata.Sum[int64])
	if tickSum.DataPoints[0].Value != 3 {
		t.Errorf("expected tick counter value 3, got %d", tickSum.DataPoints[0].Value)
	}
}

func TestMetricsHandler_HandleEventCountsBusTraffic(t *testing.T) {
	reader, mp := newTestMeter()
	meter := mp.Meter("test")

	h, err := petalotel.NewMetricsHandler(meter)
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	ctx := context.Background()
	events := []core.Event{
		{Type: "market:tick", Priority: core.PriorityNormal, Time: time.Now()},
		{Type: "market:tick", Priority: core.PriorityNormal, Time: time.Now()},
		{Type: "risk:alert", Priority: core.PriorityCritical, Time: time.Now()},
	}
	for _, e := range events {
		if err := h.HandleEvent(ctx, e); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
	}

	rm := collectMetrics(t, reader)

	busMetric := findMetric(rm, "petalhive.bus.events")
	if busMetric == nil {
		t.Fatal("petalhive.bus.events metric not found")
	}
	sumData, ok := busMetric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", busMetric.Data)
	}
	// Two attribute sets: market:tick/normal and risk:alert/critical.
	if len(sumData.DataPoints) != 2 {
		t.Fatalf("expected 2 data points, got %d", len(sumData.DataPoints))
	}
	var total int64
	for _, dp := range sumData.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("expected 3 events counted, got %d", total)
	}
}

func TestMetricsHandler_HandleEventCountsDeadLetters(t *testing.T) {
	reader, mp := newTestMeter()
	meter := mp.Meter("test")

	h, err := petalotel.NewMetricsHandler(meter)
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	ctx := context.Background()
	_ = h.HandleEvent(ctx, core.Event{
		Type:          core.EventDeadLetter,
		Priority:      core.PriorityNormal,
		CorrelationID: "evt-7",
		Time:          time.Now(),
	})

	rm := collectMetrics(t, reader)

	dlMetric := findMetric(rm, "petalhive.bus.dead_letters")
	if dlMetric == nil {
		t.Fatal("petalhive.bus.dead_letters metric not found")
	}
	sumData, ok := dlMetric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", dlMetric.Data)
	}
	if len(sumData.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(sumData.DataPoints))
	}
	if sumData.DataPoints[0].Value != 1 {
		t.Errorf("expected dead letter counter value 1, got %d", sumData.DataPoints[0].Value)
	}

	// A dead letter is still a delivered event.
	busMetric := findMetric(rm, "petalhive.bus.events")
	if busMetric == nil {
		t.Fatal("petalhive.bus.events metric not found")
	}
}
