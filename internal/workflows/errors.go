package workflows

import (
	"fmt"
)

// Application error types reported by activities. Temporal matches them
// against RetryPolicy.NonRetryableErrorTypes.
const (
	// ErrTypeConfiguration marks a worker that cannot run tasks at all.
	ErrTypeConfiguration = "StepwiseConfiguration"
	// ErrTypeInvalidInput marks input no retry can fix.
	ErrTypeInvalidInput = "StepwiseInvalidInput"
)

// WrapActivityError wraps an activity error with operation context.
func WrapActivityError(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, err)
}

// FormatErrorForResult formats an error for TaskResult.Errors.
func FormatErrorForResult(operation string, err error) string {
	return fmt.Sprintf("%s: %v", operation, err)
}

// Error handling in this package:
//
// A task that runs and fails is not a workflow error. The plan's failure is
// reported in TaskResult and the workflow completes.
//
// An activity that cannot run the task at all (no runner, invalid input)
// returns a non-retryable application error, and the workflow fails with it.
//
// Heartbeat and metric failures are logged and never change the result.
