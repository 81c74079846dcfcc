package guardrail

import "errors"

var (
	// ErrBlocked marks an operation the guardrail refused. Never retried.
	ErrBlocked = errors.New("operation blocked by guardrail")

	// ErrConfirmationTimeout means no answer arrived before the deadline.
	// It resolves to a block.
	ErrConfirmationTimeout = errors.New("confirmation timed out")

	// ErrUnknownConfirmation is returned when resolving an id that is not pending.
	ErrUnknownConfirmation = errors.New("unknown or already resolved confirmation")

	// ErrRollbackConsumed is returned when a rollback plan is executed twice.
	ErrRollbackConsumed = errors.New("rollback plan already executed")

	// ErrInvalidPolicy wraps policy file decoding and validation failures.
	ErrInvalidPolicy = errors.New("invalid guardrail policy")
)
