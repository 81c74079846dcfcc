package engine

import "errors"

var (
	// ErrInvalidConfig is returned by New for an out-of-range Config.
	ErrInvalidConfig = errors.New("invalid engine config")
	// ErrMissingDependency is returned by New when a required dependency is nil.
	ErrMissingDependency = errors.New("missing engine dependency")
	// ErrInvalidTransition rejects a phase change that would move backwards,
	// skip a phase or leave a terminal phase.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrRollbackFailed marks a rollback that could not be fully applied.
	ErrRollbackFailed = errors.New("rollback failed")
	// ErrEmptyTask is the failure reason for a blank task description.
	ErrEmptyTask = errors.New("task description is empty")
)
