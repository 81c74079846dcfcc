// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := TaskIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("task.id", id))
	}
	if phase := PhaseFromContext(ctx); phase != "" {
		fields = append(fields, zap.String("phase", phase))
	}
	if id := StepIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("step.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

type (
	taskCtxKey    struct{}
	phaseCtxKey   struct{}
	stepCtxKey    struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

// WithTaskID adds the task id to context.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, id)
}

// TaskIDFromContext extracts the task id from context.
func TaskIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(taskCtxKey{}).(string)
	return s
}

// WithPhase adds the current phase name to context.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// PhaseFromContext extracts the phase name from context.
func PhaseFromContext(ctx context.Context) string {
	s, _ := ctx.Value(phaseCtxKey{}).(string)
	return s
}

// WithStepID adds the execution step id to context.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepCtxKey{}, id)
}

// StepIDFromContext extracts the step id from context.
func StepIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(stepCtxKey{}).(string)
	return s
}

// WithRequestID adds an HTTP request id to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext extracts the request id from context.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
