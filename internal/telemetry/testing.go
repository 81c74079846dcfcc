package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry provides in-memory telemetry for testing.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
	MetricReader *sdkmetric.ManualReader
}

// NewTestTelemetry creates telemetry backed by a span recorder and a manual
// metric reader.
func NewTestTelemetry() *TestTelemetry {
	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	tel := &Telemetry{
		cfg: Config{ServiceName: "stepwise-test", SampleRate: 1},
		tp:  trace.NewTracerProvider(trace.WithSpanProcessor(recorder)),
		mp:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
	return &TestTelemetry{Telemetry: tel, SpanRecorder: recorder, MetricReader: reader}
}

// Spans returns all ended spans.
func (t *TestTelemetry) Spans() []trace.ReadOnlySpan {
	return t.SpanRecorder.Ended()
}

// SpanNames returns the names of all ended spans in end order.
func (t *TestTelemetry) SpanNames() []string {
	spans := t.Spans()
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.Name()
	}
	return names
}

// AssertSpanExists verifies a span with the given name was recorded.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	for _, span := range t.Spans() {
		if span.Name() == name {
			return
		}
	}
	tb.Errorf("expected span %q not found, got: %v", name, t.SpanNames())
}

// CounterTotal sums every data point of an int64 counter.
func (t *TestTelemetry) CounterTotal(tb testing.TB, name string) int64 {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.MetricReader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
