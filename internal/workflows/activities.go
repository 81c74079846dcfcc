package workflows

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/engine"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
)

// Runner executes one task. *engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, taskID, description string, sink engine.EventSink) *engine.ExecutionPlan
}

// Progress is the heartbeat detail recorded on every engine event.
type Progress struct {
	Event  string `json:"event"`
	Phase  string `json:"phase"`
	StepID string `json:"step_id,omitempty"`
}

// Activities holds the worker-side dependencies of TaskWorkflow.
type Activities struct {
	runner  Runner
	logger  *logging.Logger
	metrics *activityMetrics
}

// Option configures Activities.
type Option func(*activityOptions)

type activityOptions struct {
	logger *logging.Logger
	meter  metric.Meter
}

// WithLogger sets the activity logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *activityOptions) { o.logger = l }
}

// WithMeter sets the meter for activity metrics.
func WithMeter(m metric.Meter) Option {
	return func(o *activityOptions) { o.meter = m }
}

// NewActivities builds the activity set around runner.
func NewActivities(runner Runner, opts ...Option) (*Activities, error) {
	if runner == nil {
		return nil, errors.New("task runner cannot be nil")
	}
	o := activityOptions{logger: logging.NewNop(), meter: otel.Meter(instrumentationName)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	m, err := newActivityMetrics(o.meter)
	if err != nil {
		return nil, err
	}
	return &Activities{runner: runner, logger: o.logger.Named("workflows"), metrics: m}, nil
}

// ExecuteTask runs the task and returns its condensed result. A failed plan
// is returned as a result, not an error.
func (a *Activities) ExecuteTask(ctx context.Context, in TaskInput) (*TaskResult, error) {
	if a == nil || a.runner == nil {
		return nil, temporal.NewNonRetryableApplicationError("no task runner configured", ErrTypeConfiguration, nil)
	}
	if strings.TrimSpace(in.TaskID) == "" {
		a.metrics.failed(ctx, ErrTypeInvalidInput)
		return nil, temporal.NewNonRetryableApplicationError("task id is required", ErrTypeInvalidInput, nil)
	}

	info := activity.GetInfo(ctx)
	ctx = logging.WithTaskID(ctx, in.TaskID)
	a.logger.Info(ctx, "task activity started",
		zap.String("workflow_id", info.WorkflowExecution.ID),
		zap.Int32("attempt", info.Attempt))

	start := time.Now()
	heartbeat := engine.SinkFunc(func(_ context.Context, ev engine.Event) error {
		activity.RecordHeartbeat(ctx, Progress{Event: string(ev.Type), Phase: ev.Phase, StepID: ev.StepID})
		return nil
	})
	plan := a.runner.Run(ctx, in.TaskID, in.Description, heartbeat)
	if plan == nil {
		a.metrics.failed(ctx, ErrTypeConfiguration)
		return nil, temporal.NewNonRetryableApplicationError("runner returned no plan", ErrTypeConfiguration, nil)
	}

	res := NewTaskResult(plan)
	outcome := StateCompleted
	if !res.Succeeded {
		outcome = StateFailed
	}
	a.metrics.record(ctx, outcome, time.Since(start))

	fields := []zap.Field{zap.String("phase", res.Summary.Phase), zap.Int("steps", len(res.Steps))}
	if f := res.Summary.Failure; f != nil {
		fields = append(fields, zap.String("reason", f.Reason))
	}
	a.logger.Info(ctx, "task activity finished", fields...)
	return res, nil
}
