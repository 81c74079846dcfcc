package engine

import (
	"context"
	"time"
)

// EventType names an engine event.
type EventType string

const (
	EventPhaseStarted          EventType = "phase_started"
	EventPhaseCompleted        EventType = "phase_completed"
	EventPhaseFailed           EventType = "phase_failed"
	EventStepCompleted         EventType = "step_completed"
	EventStepBlocked           EventType = "step_blocked"
	EventStepFailed            EventType = "step_failed"
	EventConfirmationRequested EventType = "confirmation_requested"
	EventRollbackExecuted      EventType = "rollback_executed"
	EventPlanCompleted         EventType = "plan_completed"
	EventPlanFailed            EventType = "plan_failed"
)

// Final reports whether the event ends a plan.
func (t EventType) Final() bool {
	return t == EventPlanCompleted || t == EventPlanFailed
}

// Event is emitted as a plan progresses. Phase and plan events carry a
// snapshot of the plan that the receiver owns.
type Event struct {
	Type    EventType      `json:"type"`
	TaskID  string         `json:"task_id"`
	Phase   string         `json:"phase"`
	StepID  string         `json:"step_id,omitempty"`
	Time    time.Time      `json:"time"`
	Message string         `json:"message,omitempty"`
	Plan    *ExecutionPlan `json:"plan,omitempty"`
}

// EventSink receives engine events. Publish errors are logged and otherwise
// ignored; a slow sink slows the plan down.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// MultiSink fans an event out to every sink and returns the first error.
type MultiSink []EventSink

// Publish delivers ev to all sinks.
func (m MultiSink) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
