package engine

import (
	"errors"

	"github.com/kiranshivaraju/renderflow/internal/statemachine"
)

var (
	ErrNotFound                 = errors.New("job not found")
	ErrUnknownEvent             = errors.New("unknown callback event")
	ErrValidation               = errors.New("validation failed")
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	ErrCreditsInsufficient      = errors.New("insufficient credits")
	ErrJobActive                = errors.New("job is still active")
	ErrNotRetryable             = errors.New("job cannot be retried")
	ErrNotExpired               = errors.New("job no longer qualifies for expiry")
	ErrIdempotencyConflict      = errors.New("idempotency key already used by another owner")

	// Re-exported so callers need not import statemachine to classify errors.
	ErrTerminalState     = statemachine.ErrTerminalState
	ErrInvalidTransition = statemachine.ErrInvalidTransition
	ErrInvalidProgress   = statemachine.ErrInvalidProgress
)
