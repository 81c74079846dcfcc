package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
	"github.com/fyrsmithlabs/stepwise/internal/parser"
	"github.com/fyrsmithlabs/stepwise/internal/tools"
)

// execute runs the planned steps in order. It reports whether every step
// completed; otherwise the plan is already Failed.
func (e *Engine) execute(ctx context.Context, r *run) bool {
	phase := Executing{}
	res := &PhaseResult[[]parser.ExecutionStepResult]{Status: StatusRunning}
	r.plan.Execution = res

	ctx = logging.WithPhase(ctx, phase.Name())
	ctx, span := e.tracer.Start(ctx, "engine.phase.executing")
	defer span.End()

	e.emit(ctx, r, EventPhaseStarted, phase, "", "")
	start := e.now()

	fail := func(reason string) bool {
		res.Status = StatusFailed
		res.Error = reason
		res.DurationMS = e.now().Sub(start).Milliseconds()
		span.SetStatus(codes.Error, reason)
		e.metrics.phaseDone(ctx, phase.Name(), res.DurationMS, false)
		e.fail(ctx, r, phase, reason)
		e.emit(ctx, r, EventPhaseFailed, phase, "", reason)
		return false
	}

	if r.plan.Planning == nil || r.plan.Planning.Output == nil {
		return fail("no execution plan")
	}

	steps := r.plan.Planning.Output.Steps
	results := make([]parser.ExecutionStepResult, 0, len(steps))
	validations := make([]parser.ValidationResult, 0, len(steps))

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return fail("task canceled: " + err.Error())
		}

		status := e.runStep(ctx, r, step)
		last := len(r.plan.History) - 1
		rec := &r.plan.History[last]
		res.RetryCount = max(res.RetryCount, rec.RetryCount)

		if err := ctx.Err(); err != nil {
			// The step ran to completion after cancellation; undo it alone.
			e.rollbackStep(ctx, r, last)
			return fail("task canceled: " + err.Error())
		}

		switch status {
		case StepCompleted:
			results = append(results, *rec.Result)
			validations = append(validations, *rec.Validation)
			continue
		case StepBlocked:
			e.rollbackIfEnabled(ctx, r)
			return fail(fmt.Sprintf("%s blocked: %s", step.StepID, rec.Error))
		default:
			e.rollbackIfEnabled(ctx, r)
			return fail(fmt.Sprintf("%s failed: %s", step.StepID, rec.Error))
		}
	}

	val := aggregate(validations)
	res.Output = &results
	res.Validation = &val
	res.Status = StatusCompleted
	res.DurationMS = e.now().Sub(start).Milliseconds()
	e.metrics.phaseDone(ctx, phase.Name(), res.DurationMS, true)
	e.logger.Info(ctx, "phase completed", zap.Int("steps", len(results)))
	e.emit(ctx, r, EventPhaseCompleted, phase, "", "")
	return true
}

// runStep reviews, plans the rollback for, and dispatches one step. It
// appends exactly one StepRecord to the history.
func (e *Engine) runStep(ctx context.Context, r *run, step parser.ExecutionStep) StepStatus {
	ctx = logging.WithStepID(ctx, step.StepID)
	ctx, span := e.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("step.id", step.StepID),
		attribute.String("tool", step.Tool),
	))
	defer span.End()

	rec := StepRecord{Step: step, StartedAt: e.now()}
	finish := func(status StepStatus, msg string) StepStatus {
		rec.Status = status
		rec.Error = msg
		rec.FinishedAt = e.now()
		r.plan.History = append(r.plan.History, rec)
		if rec.Rollback != nil {
			r.undo = append(r.undo, len(r.plan.History)-1)
		}

		e.metrics.step(ctx, step.Tool, status)
		span.SetAttributes(attribute.String("outcome", string(status)))
		switch status {
		case StepCompleted:
			e.logger.Info(ctx, "step completed", zap.String("tool", step.Tool), zap.Int("attempts", rec.Attempts))
			e.emit(ctx, r, EventStepCompleted, Executing{}, step.StepID, rec.Result.Summary)
		case StepBlocked:
			span.SetStatus(codes.Error, msg)
			e.logger.Warn(ctx, "step blocked", zap.String("tool", step.Tool), zap.String("reason", msg))
			e.emit(ctx, r, EventStepBlocked, Executing{}, step.StepID, msg)
		default:
			span.SetStatus(codes.Error, msg)
			e.logger.Warn(ctx, "step failed", zap.String("tool", step.Tool), zap.String("error", msg))
			e.emit(ctx, r, EventStepFailed, Executing{}, step.StepID, msg)
		}
		return status
	}

	op := tools.OperationFor(step)
	review := e.guard.Evaluate(context.WithValue(ctx, stepKey{}, stepScope{run: r, stepID: step.StepID}), r.plan.TaskID, op)
	rec.Review = review
	if !review.Approved() {
		return finish(StepBlocked, review.Decision.Reason)
	}
	if review.Operation != op {
		step = tools.ApplyModification(step, review.Operation)
		rec.Step = step
	}

	rb, err := e.guard.PlanRollback(ctx, review.Operation)
	if err != nil {
		return finish(StepFailed, "planning rollback: "+err.Error())
	}
	rec.Rollback = rb

	call := tools.CallFor(step)
	for {
		rec.Attempts++
		// A dispatched step is not interrupted by task cancellation.
		dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StepTimeout)
		result, err := e.deps.Tools.Execute(dispatchCtx, call)
		cancel()

		if err == nil {
			if result == nil {
				result = &tools.Result{}
			}
			sr, val := e.deps.Parser.ParseStepResult(step, result.Summary, result.Output, nil)
			sr.Truncated = sr.Truncated || result.Truncated
			rec.Result = &sr
			rec.Validation = &val
			return finish(StepCompleted, "")
		}

		stop := tools.IsFatal(err) || ctx.Err() != nil
		if !stop {
			rec.RetryCount = min(rec.RetryCount+1, e.cfg.MaxRetriesPerPhase)
			stop = rec.RetryCount >= e.cfg.MaxRetriesPerPhase
		}
		if stop {
			sr, val := e.deps.Parser.ParseStepResult(step, "", "", err)
			rec.Result = &sr
			rec.Validation = &val
			return finish(StepFailed, err.Error())
		}
		e.logger.Warn(ctx, "step attempt failed, retrying", zap.Int("attempt", rec.Attempts), zap.Error(err))
	}
}

type stepKey struct{}

// stepScope names the run and step a guardrail review belongs to.
type stepScope struct {
	run    *run
	stepID string
}

// stepConfirmer announces a confirmation request on the run's event sink
// before handing it to the configured confirmer.
type stepConfirmer struct {
	e    *Engine
	next guardrail.Confirmer
}

func (c stepConfirmer) Confirm(ctx context.Context, req guardrail.ConfirmationRequest) (guardrail.ConfirmationResponse, error) {
	if s, ok := ctx.Value(stepKey{}).(stepScope); ok {
		c.e.emit(ctx, s.run, EventConfirmationRequested, Executing{}, s.stepID, req.Summary)
	}
	return c.next.Confirm(ctx, req)
}

func (e *Engine) rollbackIfEnabled(ctx context.Context, r *run) {
	if !e.cfg.EnableAutoRollback {
		return
	}
	for i := len(r.undo) - 1; i >= 0; i-- {
		e.rollbackStep(ctx, r, r.undo[i])
	}
}

// rollbackStep executes the rollback plan of History[idx] at most once.
// Failures are recorded in the plan and never replace its failure reason.
func (e *Engine) rollbackStep(ctx context.Context, r *run, idx int) {
	rec := &r.plan.History[idx]
	rb := rec.Rollback
	if rb == nil || rb.Consumed() {
		return
	}
	if rb.Empty() {
		if !rb.Reversible {
			r.plan.Errors = append(r.plan.Errors, fmt.Sprintf("%s (%s) cannot be rolled back", rec.Step.StepID, rec.Step.Tool))
		}
		return
	}

	ctx = logging.WithStepID(context.WithoutCancel(ctx), rec.Step.StepID)
	ctx, span := e.tracer.Start(ctx, "engine.rollback", trace.WithAttributes(attribute.String("step.id", rec.Step.StepID)))
	defer span.End()

	var err error
	if e.deps.Rollback == nil {
		err = errors.New("no rollback executor configured")
	} else {
		err = rb.Execute(ctx, e.deps.Rollback)
	}

	record := RollbackRecord{
		StepID:     rec.Step.StepID,
		RollbackID: rb.ID,
		Steps:      len(rb.Steps),
		Success:    err == nil,
		At:         e.now(),
	}
	msg := fmt.Sprintf("rolled back %s", rec.Step.StepID)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrRollbackFailed, rec.Step.StepID, err)
		record.Error = err.Error()
		r.plan.Errors = append(r.plan.Errors, err.Error())
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error(ctx, "rollback failed", zap.Error(err))
		msg = err.Error()
	} else {
		rec.RolledBack = true
		e.logger.Info(ctx, "rollback executed", zap.Int("actions", len(rb.Steps)))
	}
	r.plan.Rollbacks = append(r.plan.Rollbacks, record)
	e.metrics.rollback(ctx, err == nil)
	e.emit(ctx, r, EventRollbackExecuted, Executing{}, rec.Step.StepID, msg)
}

// aggregate combines step validations: mean confidence, all must pass.
func aggregate(vals []parser.ValidationResult) parser.ValidationResult {
	out := parser.ValidationResult{Confidence: 1, Passed: true}
	if len(vals) == 0 {
		return out
	}
	sum := 0.0
	for _, v := range vals {
		sum += v.Confidence
		out.Passed = out.Passed && v.Passed
		out.Issues = append(out.Issues, v.Issues...)
	}
	out.Confidence = sum / float64(len(vals))
	return out
}
