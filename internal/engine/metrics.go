package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/stepwise/internal/engine"

type metrics struct {
	phaseAttempts metric.Int64Counter
	phaseDuration metric.Float64Histogram
	plans         metric.Int64Counter
	steps         metric.Int64Counter
	rollbacks     metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m    metrics
		err  error
		errs []error
	)

	m.phaseAttempts, err = meter.Int64Counter(
		"stepwise.engine.phase.attempts",
		metric.WithDescription("Model calls per phase by outcome"),
		metric.WithUnit("{attempt}"),
	)
	errs = append(errs, err)

	m.phaseDuration, err = meter.Float64Histogram(
		"stepwise.engine.phase.duration",
		metric.WithDescription("Duration of completed or failed phases"),
		metric.WithUnit("ms"),
	)
	errs = append(errs, err)

	m.plans, err = meter.Int64Counter(
		"stepwise.engine.plans",
		metric.WithDescription("Finished plans by outcome"),
		metric.WithUnit("{plan}"),
	)
	errs = append(errs, err)

	m.steps, err = meter.Int64Counter(
		"stepwise.engine.steps",
		metric.WithDescription("Execution steps by tool and outcome"),
		metric.WithUnit("{step}"),
	)
	errs = append(errs, err)

	m.rollbacks, err = meter.Int64Counter(
		"stepwise.engine.rollbacks",
		metric.WithDescription("Executed rollback plans by outcome"),
		metric.WithUnit("{rollback}"),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("creating engine metrics: %w", err)
	}
	return &m, nil
}

func (m *metrics) attempt(ctx context.Context, phase, outcome string) {
	m.phaseAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) phaseDone(ctx context.Context, phase string, ms int64, ok bool) {
	m.phaseDuration.Record(ctx, float64(ms), metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.Bool("success", ok),
	))
}

func (m *metrics) plan(ctx context.Context, p *ExecutionPlan) {
	attrs := []attribute.KeyValue{attribute.String("outcome", phaseName(p.CurrentPhase))}
	if p.Failure != nil {
		attrs = append(attrs, attribute.String("failed_at", p.Failure.FailedAt))
	}
	m.plans.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) step(ctx context.Context, tool string, status StepStatus) {
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", string(status)),
	))
}

func (m *metrics) rollback(ctx context.Context, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
