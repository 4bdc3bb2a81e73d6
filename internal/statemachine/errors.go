// Package statemachine holds the pure transition functions for jobs and webhook
// deliveries. Nothing here touches storage; callers persist the returned values.
package statemachine

import "errors"

var (
	ErrTerminalState     = errors.New("entity is in a terminal state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidProgress   = errors.New("invalid progress value")
	ErrRetryExhausted    = errors.New("delivery attempts exhausted")
)
