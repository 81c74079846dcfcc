package engine

import (
	"fmt"
)

// Phase is the current state of an ExecutionPlan. It is a closed set: only
// the variants in this file implement it.
type Phase interface {
	// Name is the stable lowercase identifier used in logs, events and JSON.
	Name() string
	String() string
	isPhase()
}

type (
	// NotStarted is the state of a plan before the first phase runs.
	NotStarted struct{}
	// Understanding asks the model to restate the task.
	Understanding struct{}
	// Approach asks the model for a strategy and success criteria.
	Approach struct{}
	// Planning asks the model for concrete tool steps.
	Planning struct{}
	// Executing runs the planned steps through the guardrail and tools.
	Executing struct{}
	// Validating asks the model to judge the execution history.
	Validating struct{}
	// Completed is terminal success.
	Completed struct{}
	// Failed is terminal failure.
	Failed struct {
		FailedAt Phase
		Reason   string
	}
)

func (NotStarted) isPhase()    {}
func (Understanding) isPhase() {}
func (Approach) isPhase()      {}
func (Planning) isPhase()      {}
func (Executing) isPhase()     {}
func (Validating) isPhase()    {}
func (Completed) isPhase()     {}
func (Failed) isPhase()        {}

func (NotStarted) Name() string    { return "not_started" }
func (Understanding) Name() string { return "understanding" }
func (Approach) Name() string      { return "approach" }
func (Planning) Name() string      { return "planning" }
func (Executing) Name() string     { return "executing" }
func (Validating) Name() string    { return "validating" }
func (Completed) Name() string     { return "completed" }
func (Failed) Name() string        { return "failed" }

func (p NotStarted) String() string    { return p.Name() }
func (p Understanding) String() string { return p.Name() }
func (p Approach) String() string      { return p.Name() }
func (p Planning) String() string      { return p.Name() }
func (p Executing) String() string     { return p.Name() }
func (p Validating) String() string    { return p.Name() }
func (p Completed) String() string     { return p.Name() }

func (f Failed) String() string {
	return fmt.Sprintf("failed at %s: %s", phaseName(f.FailedAt), f.Reason)
}

// AllPhases lists every variant in forward order, Failed last.
func AllPhases() []Phase {
	return []Phase{
		NotStarted{}, Understanding{}, Approach{}, Planning{},
		Executing{}, Validating{}, Completed{}, Failed{},
	}
}

// PhaseByName returns the non-failed variant with the given name.
func PhaseByName(name string) (Phase, bool) {
	for _, p := range AllPhases() {
		if _, failed := p.(Failed); !failed && p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// rank orders the forward phases. Failed ranks after every other phase.
func rank(p Phase) int {
	switch p.(type) {
	case NotStarted:
		return 0
	case Understanding:
		return 1
	case Approach:
		return 2
	case Planning:
		return 3
	case Executing:
		return 4
	case Validating:
		return 5
	case Completed:
		return 6
	case Failed:
		return 7
	default:
		return -1
	}
}

// IsTerminal reports whether p is Completed or Failed.
func IsTerminal(p Phase) bool {
	switch p.(type) {
	case Completed, Failed:
		return true
	default:
		return false
	}
}

// checkTransition permits one step forward or a move to Failed from any
// non-terminal phase.
func checkTransition(from, to Phase) error {
	if from == nil || to == nil {
		return fmt.Errorf("%w: nil phase", ErrInvalidTransition)
	}
	if IsTerminal(from) {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from.Name())
	}
	if f, ok := to.(Failed); ok {
		if f.FailedAt == nil || rank(f.FailedAt) < 0 {
			return fmt.Errorf("%w: failed without a phase", ErrInvalidTransition)
		}
		if _, nested := f.FailedAt.(Failed); nested {
			return fmt.Errorf("%w: failed at failed", ErrInvalidTransition)
		}
		return nil
	}
	if rank(to) != rank(from)+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from.Name(), to.Name())
	}
	return nil
}

func phaseName(p Phase) string {
	if p == nil {
		return "unknown"
	}
	return p.Name()
}
