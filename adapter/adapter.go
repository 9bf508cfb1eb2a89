// Package adapter declares the contract shared by every execution-style
// decorator (sync, future, stream): a Guard is anything that can gate a
// call with a permit and later learn how that call turned out.
// circuitbreaker.Breaker, ratelimiter.Limiter and bulkhead.Bulkhead all
// satisfy Guard[P] for their respective Permit type, which is what lets
// adapter/sync, adapter/future and adapter/stream decorate any of them
// (or a retry.Retryer composed on top) without caring which one it is.
package adapter

import (
	"context"
	"errors"
	"time"
)

// Guard is the uniform acquire/release contract a policy exposes to an
// adapter. P is the policy's own permit type, carrying whatever state it
// needs to correctly attribute the eventual outcome (a circuit breaker's
// generation, a rate limiter's reservation cycle, a bulkhead's release
// token).
type Guard[P any] interface {
	// Acquire blocks (subject to ctx) until permission is granted or
	// definitively refused.
	Acquire(ctx context.Context) (P, error)
	// OnSuccess reports that the guarded call completed normally,
	// returning result after duration.
	OnSuccess(p P, duration time.Duration, result any)
	// OnError reports that the guarded call failed with err after
	// duration.
	OnError(p P, duration time.Duration, err error)
	// OnCancel reports that the guarded call was abandoned - its
	// outcome must not count toward the policy's success/failure
	// accounting. Each permit is released exactly once in total, via one
	// of OnCancel, OnSuccess, or OnError; the adapters in this module
	// ensure that. Only bulkhead.Bulkhead ignores a repeated release;
	// the circuit breaker and rate limiter credit a HALF_OPEN slot or a
	// permit again on each OnCancel call.
	OnCancel(p P)
}

// IsCancellation reports whether err denotes the call's context being
// canceled or timing out, as opposed to a genuine failure - the signal
// every adapter uses to choose OnCancel over OnError.
func IsCancellation(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
