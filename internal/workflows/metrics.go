package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/stepwise/internal/workflows"

// activityMetrics instruments ExecuteTask.
type activityMetrics struct {
	executions metric.Int64Counter
	duration   metric.Float64Histogram
	errors     metric.Int64Counter
}

func newActivityMetrics(meter metric.Meter) (*activityMetrics, error) {
	m := &activityMetrics{}
	var err error

	m.executions, err = meter.Int64Counter(
		"stepwise.workflows.task.executions",
		metric.WithDescription("Tasks executed by the workflow activity, by outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating task executions counter: %w", err)
	}

	m.duration, err = meter.Float64Histogram(
		"stepwise.workflows.task.duration",
		metric.WithDescription("Duration of task activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating task duration histogram: %w", err)
	}

	m.errors, err = meter.Int64Counter(
		"stepwise.workflows.activity.errors",
		metric.WithDescription("Activity executions that could not run a task"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating activity error counter: %w", err)
	}
	return m, nil
}

func (m *activityMetrics) record(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

func (m *activityMetrics) failed(ctx context.Context, errType string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errType)))
}
