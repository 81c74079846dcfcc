// Package engine drives a task through the sequential phases Understanding,
// Approach, Planning, Executing and Validating. Model output is parsed and
// confidence-gated per phase; every execution step passes the guardrail
// before it reaches a tool.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/llm"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
	"github.com/fyrsmithlabs/stepwise/internal/parser"
	"github.com/fyrsmithlabs/stepwise/internal/prompt"
	"github.com/fyrsmithlabs/stepwise/internal/tools"
)

// Deps are the collaborators of an Engine. LLM, Guardrail and Tools are
// required.
type Deps struct {
	LLM       llm.Client
	Prompts   prompt.Renderer
	Parser    *parser.Parser
	Guardrail *guardrail.Guardrail
	Tools     tools.Registry
	// Rollback applies rollback steps. Defaults to Tools when it implements
	// guardrail.RollbackExecutor.
	Rollback guardrail.RollbackExecutor
	// ToolDescriptions are listed in the planning prompt. Defaults to the
	// local tool set.
	ToolDescriptions []string
}

// Engine runs tasks. It holds no per-task state and is safe for concurrent
// use; each call gets its own ExecutionPlan.
type Engine struct {
	cfg      Config
	deps     Deps
	guard    *guardrail.Guardrail
	logger   *logging.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	metrics  *metrics
	sink     EventSink
	now      func() time.Time
	toolDocs []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer for task, phase and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithMeter sets the meter for engine metrics.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) {
		if m != nil {
			e.meter = m
		}
	}
}

// WithEventSink adds a sink that receives every event of every task.
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New validates cfg and deps and builds an Engine. These are the only
// errors the engine reports directly; task failures live in the plan.
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var missing []string
	if deps.LLM == nil {
		missing = append(missing, "llm client")
	}
	if deps.Guardrail == nil {
		missing = append(missing, "guardrail")
	}
	if deps.Tools == nil {
		missing = append(missing, "tool registry")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}

	if deps.Prompts == nil {
		deps.Prompts = prompt.Default()
	}
	if deps.Parser == nil {
		deps.Parser = parser.New(cfg.MinConfidenceThreshold)
	} else if deps.Parser.Threshold() != cfg.MinConfidenceThreshold {
		return nil, fmt.Errorf("%w: parser threshold %g differs from min_confidence_threshold %g",
			ErrInvalidConfig, deps.Parser.Threshold(), cfg.MinConfidenceThreshold)
	}
	if deps.Rollback == nil {
		if rx, ok := deps.Tools.(guardrail.RollbackExecutor); ok {
			deps.Rollback = rx
		}
	}

	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		guard:    deps.Guardrail.WithRequireConfirmation(cfg.RequireConfirmation),
		logger:   logging.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		now:      time.Now,
		toolDocs: deps.ToolDescriptions,
	}
	if e.toolDocs == nil {
		e.toolDocs = tools.Descriptions()
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")
	e.guard = e.guard.WrapConfirmer(func(next guardrail.Confirmer) guardrail.Confirmer {
		return stepConfirmer{e: e, next: next}
	})

	m, err := newMetrics(e.meter)
	if err != nil {
		return nil, err
	}
	e.metrics = m
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Guardrail returns the guardrail the engine consults, with the engine's
// confirmation requirement applied.
func (e *Engine) Guardrail() *guardrail.Guardrail {
	return e.guard
}

// DryRun previews op without confirmation or side effects.
func (e *Engine) DryRun(op guardrail.OperationGuard) guardrail.DryRunResult {
	return e.guard.DryRun(op)
}

// ExecuteTask runs description to completion under a fresh task id. The
// returned plan is always non-nil for a constructed engine, whatever the
// outcome; the error is reserved for an engine not built with New.
func (e *Engine) ExecuteTask(ctx context.Context, description string) (*ExecutionPlan, error) {
	if e == nil || e.metrics == nil {
		return nil, fmt.Errorf("%w: engine not initialized", ErrMissingDependency)
	}
	return e.Run(ctx, uuid.NewString(), description, nil), nil
}

// Stream runs description in a new goroutine and delivers its events. The
// last event is plan_completed or plan_failed, after which the channel is
// closed. Callers must drain the channel.
func (e *Engine) Stream(ctx context.Context, description string) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		e.Run(ctx, uuid.NewString(), description, SinkFunc(func(_ context.Context, ev Event) error {
			ch <- ev
			return nil
		}))
	}()
	return ch
}

// run is the mutable state of one task. Only the goroutine executing Run
// touches it.
type run struct {
	plan *ExecutionPlan
	sink EventSink
	// undo holds History indexes of steps with a rollback plan, oldest first.
	undo []int
}

// Run executes description under taskID and also delivers events to sink.
func (e *Engine) Run(ctx context.Context, taskID, description string, sink EventSink) *ExecutionPlan {
	r := &run{
		plan: newPlan(taskID, description, e.now()),
		sink: MultiSink{e.sink, sink},
	}

	ctx = logging.WithTaskID(ctx, taskID)
	ctx, span := e.tracer.Start(ctx, "engine.task", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	e.logger.Info(ctx, "task started", logging.Truncated("description", description, 200))

	for !r.plan.Done() {
		before := r.plan.CurrentPhase
		e.dispatch(ctx, r)
		if r.plan.CurrentPhase == before {
			e.fail(ctx, r, before, "phase did not advance")
		}
	}

	e.metrics.plan(ctx, r.plan)
	if f := r.plan.Failure; f != nil {
		span.SetStatus(codes.Error, f.Reason)
		e.logger.Warn(ctx, "task failed", zap.String("failed_at", f.FailedAt), zap.String("reason", f.Reason), zap.Strings("errors", r.plan.Errors))
		e.emit(ctx, r, EventPlanFailed, r.plan.CurrentPhase, "", f.Reason)
	} else {
		e.logger.Info(ctx, "task completed", zap.Int("steps", len(r.plan.History)))
		e.emit(ctx, r, EventPlanCompleted, r.plan.CurrentPhase, "", "")
	}
	return r.plan
}

// dispatch runs the current phase. Every branch either advances the plan or
// fails it.
func (e *Engine) dispatch(ctx context.Context, r *run) {
	switch p := r.plan.CurrentPhase.(type) {
	case NotStarted:
		if strings.TrimSpace(r.plan.Description) == "" {
			r.plan.Understanding = &PhaseResult[parser.Understanding]{Status: StatusFailed, Error: ErrEmptyTask.Error()}
			e.fail(ctx, r, Understanding{}, ErrEmptyTask.Error())
			return
		}
		e.advance(ctx, r, Understanding{})
	case Understanding:
		if runModelPhase(ctx, e, r, p, prompt.Understanding, &r.plan.Understanding, e.deps.Parser.ParseUnderstanding) {
			e.advance(ctx, r, Approach{})
		}
	case Approach:
		if runModelPhase(ctx, e, r, p, prompt.Approach, &r.plan.Approach, e.deps.Parser.ParseApproach) {
			e.advance(ctx, r, Planning{})
		}
	case Planning:
		if runModelPhase(ctx, e, r, p, prompt.Planning, &r.plan.Planning, e.deps.Parser.ParsePlan) {
			e.advance(ctx, r, Executing{})
		}
	case Executing:
		if e.execute(ctx, r) {
			e.advance(ctx, r, Validating{})
		}
	case Validating:
		if runModelPhase(ctx, e, r, p, prompt.Validation, &r.plan.FinalValidation, e.deps.Parser.ParseFinalValidation) {
			e.advance(ctx, r, Completed{})
		}
	case Completed, Failed:
	default:
		e.fail(ctx, r, NotStarted{}, fmt.Sprintf("unhandled phase %s", phaseName(p)))
	}
}

func (e *Engine) advance(ctx context.Context, r *run, next Phase) {
	if err := r.plan.transition(next, e.now()); err != nil {
		e.logger.Error(ctx, "phase transition rejected", zap.Error(err))
		e.fail(ctx, r, r.plan.CurrentPhase, err.Error())
	}
}

func (e *Engine) fail(ctx context.Context, r *run, at Phase, reason string) {
	if err := r.plan.transition(Failed{FailedAt: at, Reason: reason}, e.now()); err != nil {
		e.logger.Error(ctx, "failure transition rejected", zap.Error(err), zap.String("reason", reason))
	}
}

// emit publishes an event. Phase and plan events carry a plan snapshot.
func (e *Engine) emit(ctx context.Context, r *run, typ EventType, phase Phase, stepID, msg string) {
	ev := Event{
		Type:    typ,
		TaskID:  r.plan.TaskID,
		Phase:   phaseName(phase),
		StepID:  stepID,
		Time:    e.now(),
		Message: msg,
	}
	if stepID == "" {
		ev.Plan = r.plan.Clone()
	}
	if err := r.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn(ctx, "event publish failed", zap.String("event", string(typ)), zap.Error(err))
	}
}

// promptData collects the outputs of completed phases for a prompt.
func (r *run) promptData(toolDocs []string) prompt.Data {
	d := prompt.Data{Task: r.plan.Description, Tools: toolDocs}
	if p := r.plan.Understanding; p != nil {
		d.Understanding = p.Output
	}
	if p := r.plan.Approach; p != nil {
		d.Approach = p.Output
	}
	if p := r.plan.Planning; p != nil {
		d.Plan = p.Output
	}
	for _, rec := range r.plan.History {
		d.History = append(d.History, historyLine(rec))
	}
	return d
}

func historyLine(rec StepRecord) string {
	detail := rec.Error
	if rec.Result != nil && rec.Result.Summary != "" && rec.Status == StepCompleted {
		detail = rec.Result.Summary
	}
	line := fmt.Sprintf("%s %s [%s]: %s", rec.Step.StepID, rec.Step.Tool, rec.Status, detail)
	if rec.RolledBack {
		line += " (rolled back)"
	}
	return line
}
