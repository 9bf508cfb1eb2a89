package faultgate

import (
	"errors"
	"fmt"
)

var (
	// ErrCallNotPermitted is returned when a circuit breaker is OPEN or
	// FORCED_OPEN, or its HALF_OPEN trial budget is exhausted.
	ErrCallNotPermitted = errors.New(`faultgate: call not permitted`)

	// ErrRequestNotPermitted is returned when a rate limiter denies
	// acquisition within the configured timeout.
	ErrRequestNotPermitted = errors.New(`faultgate: request not permitted`)

	// ErrBulkheadFull is returned when a bulkhead denies acquisition
	// within the configured wait budget.
	ErrBulkheadFull = errors.New(`faultgate: bulkhead full`)
)

// MaxRetriesExceededError is returned when retry exhausts its attempt
// budget. It carries the last underlying error, and unwraps to it.
type MaxRetriesExceededError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf(`faultgate: max retries exceeded after %d attempt(s): %v`, e.Attempts, e.Last)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.Last
}
