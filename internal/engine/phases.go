package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/logging"
	"github.com/fyrsmithlabs/stepwise/internal/parser"
	"github.com/fyrsmithlabs/stepwise/internal/prompt"
)

// runModelPhase asks the model for phase output until the parser passes it
// or the retry budget is spent. It stores the result in *slot and reports
// whether the phase completed; on failure the plan is already Failed.
func runModelPhase[T any](
	ctx context.Context,
	e *Engine,
	r *run,
	phase Phase,
	template string,
	slot **PhaseResult[T],
	parse func(string) (T, parser.ValidationResult),
) bool {
	res := &PhaseResult[T]{Status: StatusRunning}
	*slot = res

	ctx = logging.WithPhase(ctx, phase.Name())
	ctx, span := e.tracer.Start(ctx, "engine.phase."+phase.Name())
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

	var feedback []string
	for {
		if err := ctx.Err(); err != nil {
			return fail("task canceled: " + err.Error())
		}

		data := r.promptData(e.toolDocs)
		if e.cfg.RetryFeedback && len(feedback) > 0 {
			data.Feedback = feedback
			data.Attempt = len(res.Attempts)
		}

		attemptStart := e.now()
		text, err := e.complete(ctx, template, data)
		att := Attempt{Number: len(res.Attempts) + 1, ResponseChars: len(text)}

		var val parser.ValidationResult
		if err == nil {
			var out T
			out, val = parse(text)
			res.Validation = &val
			att.Confidence = val.Confidence
			att.Passed = val.Passed
			att.Issues = val.Messages()
			if val.Passed {
				att.DurationMS = e.now().Sub(attemptStart).Milliseconds()
				res.Attempts = append(res.Attempts, att)
				e.metrics.attempt(ctx, phase.Name(), "passed")

				res.Output = &out
				res.Status = StatusCompleted
				res.DurationMS = e.now().Sub(start).Milliseconds()
				span.SetAttributes(attribute.Float64("confidence", val.Confidence), attribute.Int("retries", res.RetryCount))
				e.metrics.phaseDone(ctx, phase.Name(), res.DurationMS, true)
				e.logger.Info(ctx, "phase completed", zap.Float64("confidence", val.Confidence), zap.Int("retries", res.RetryCount))
				e.emit(ctx, r, EventPhaseCompleted, phase, "", "")
				return true
			}
			feedback = att.Issues
			e.metrics.attempt(ctx, phase.Name(), "rejected")
		} else {
			att.Error = err.Error()
			feedback = nil
			e.metrics.attempt(ctx, phase.Name(), "error")
		}
		att.DurationMS = e.now().Sub(attemptStart).Milliseconds()
		res.Attempts = append(res.Attempts, att)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail("task canceled: " + ctxErr.Error())
		}

		res.RetryCount = min(res.RetryCount+1, e.cfg.MaxRetriesPerPhase)
		if res.RetryCount < e.cfg.MaxRetriesPerPhase {
			e.logger.Warn(ctx, "phase attempt rejected, retrying",
				zap.Int("attempt", att.Number),
				zap.Float64("confidence", att.Confidence),
				zap.Strings("issues", att.Issues),
				zap.String("error", att.Error))
			continue
		}
		return fail(exhaustedReason(res.RetryCount, err, val, e.deps.Parser.Threshold()))
	}
}

// exhaustedReason describes why the last attempt of a phase failed.
func exhaustedReason(retries int, err error, val parser.ValidationResult, threshold float64) string {
	switch {
	case err != nil:
		return fmt.Sprintf("model error after %d retries: %v", retries, err)
	case val.Confidence < threshold:
		return fmt.Sprintf("confidence below threshold after %d retries", retries)
	default:
		var blocking []string
		for _, is := range val.Issues {
			if is.Blocking {
				blocking = append(blocking, is.Message)
			}
		}
		return fmt.Sprintf("validation failed after %d retries: %s", retries, strings.Join(blocking, "; "))
	}
}

// complete renders the phase prompt and calls the model under PhaseTimeout.
func (e *Engine) complete(ctx context.Context, template string, data prompt.Data) (string, error) {
	text, err := e.deps.Prompts.Render(template, data)
	if err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", template, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()

	c, err := e.deps.LLM.Complete(callCtx, text, e.cfg.Model)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", errors.New("model returned no completion")
	}

	if e.cfg.VerboseLogging {
		fields := []zap.Field{zap.Int("prompt_chars", len(text)), zap.Int("response_chars", len(c.Content)), zap.String("model", c.Model)}
		if c.Usage != nil {
			fields = append(fields, zap.Int("total_tokens", c.Usage.TotalTokens))
		}
		e.logger.Debug(ctx, "model call completed", fields...)
	}
	return c.Content, nil
}
