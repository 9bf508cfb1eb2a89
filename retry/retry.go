// Package retry implements a bounded re-execution loop: invoke a callable,
// classify the result or error, and either return it or wait an
// interval-function-determined duration and try again.
//
// Retryer is generic over the callable's result type, in the same spirit
// as the teacher package's Batcher[Job] (microbatch): the policy itself
// is stateless beyond a handful of aggregate counters, so one Retryer
// instance can be reused concurrently across many invocations of Execute.
package retry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/go-faultgate/faultgate"
	"github.com/go-faultgate/faultgate/eventbus"
)

// Event kinds published onto a Retryer's Bus.
const (
	EventSuccess = `Success`
	EventError   = `Error`
	EventRetry   = `Retry`
	EventIgnored = `Ignored`
)

// IntervalFunc computes the wait duration after the given 1-based attempt
// number has failed, before the next call. Attempt 1 is the wait before
// the *second* call.
type IntervalFunc func(attempt int) time.Duration

type (
	// Config parameterises a Retryer.
	Config struct {
		// MaxAttempts is the total call budget, including the first
		// attempt. Must be positive.
		MaxAttempts int
		// IntervalFunc computes the backoff between attempts. Defaults to
		// ConstantBackoff(0) (no wait) if nil.
		IntervalFunc IntervalFunc

		// RetryOnErrorPredicate classifies an error as retryable. Nil
		// means "retry every non-nil error".
		RetryOnErrorPredicate func(error) bool
		// IgnoreErrorPredicate classifies an error as one that should be
		// returned immediately, without consuming further attempts or
		// counting as exhaustion.
		IgnoreErrorPredicate func(error) bool
		// RetryOnResultPredicate classifies a successful result as one
		// that should still be retried (e.g. a response body encoding a
		// retryable failure). Nil means "never retry on result".
		RetryOnResultPredicate func(any) bool

		EventBusCapacity int
		Logger           *logiface.Logger[logiface.Event]
	}

	// Stats is a snapshot of a Retryer's aggregate counters.
	Stats struct {
		Calls                int64
		SuccessWithoutRetry  int64
		SuccessAfterRetry    int64
		FailedWithoutRetry   int64
		FailedAfterRetry     int64
	}

	// Retryer is a single named retry policy, generic over the result
	// type of the callables it wraps.
	Retryer[T any] struct {
		name string
		cfg  Config
		bus  *eventbus.Bus

		calls               atomic.Int64
		successWithoutRetry atomic.Int64
		successAfterRetry   atomic.Int64
		failedWithoutRetry  atomic.Int64
		failedAfterRetry    atomic.Int64
	}
)

func applyDefaults(cfg *Config) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.IntervalFunc == nil {
		cfg.IntervalFunc = ConstantBackoff(0)
	}
}

// New constructs a Retryer named name.
func New[T any](name string, cfg Config) *Retryer[T] {
	applyDefaults(&cfg)
	return &Retryer[T]{
		name: name,
		cfg:  cfg,
		bus:  eventbus.New(name, cfg.EventBusCapacity),
	}
}

// Name returns the retryer's instance name.
func (r *Retryer[T]) Name() string { return r.name }

// Bus returns the retryer's event bus.
func (r *Retryer[T]) Bus() *eventbus.Bus { return r.bus }

// Stats returns a snapshot of the aggregate call counters.
func (r *Retryer[T]) Stats() Stats {
	return Stats{
		Calls:               r.calls.Load(),
		SuccessWithoutRetry: r.successWithoutRetry.Load(),
		SuccessAfterRetry:   r.successAfterRetry.Load(),
		FailedWithoutRetry:  r.failedWithoutRetry.Load(),
		FailedAfterRetry:    r.failedAfterRetry.Load(),
	}
}

// Execute invokes f, retrying per Config until it succeeds (by the
// classification predicates), is exhausted, or ctx is canceled. On
// exhaustion, the returned error is a *faultgate.MaxRetriesExceededError
// wrapping the last error; an ignored error is returned unchanged.
func (r *Retryer[T]) Execute(ctx context.Context, f func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; ; attempt++ {
		result, err := f()
		r.calls.Add(1)

		if err != nil {
			lastErr = err

			if r.cfg.IgnoreErrorPredicate != nil && r.cfg.IgnoreErrorPredicate(err) {
				r.countFailure(attempt)
				r.publish(EventIgnored, err)
				return zero, err
			}

			retryable := r.cfg.RetryOnErrorPredicate == nil || r.cfg.RetryOnErrorPredicate(err)
			if retryable && attempt < r.cfg.MaxAttempts {
				if !r.wait(ctx, attempt) {
					return zero, ctx.Err()
				}
				continue
			}

			r.countFailure(attempt)
			if !retryable {
				r.publish(EventIgnored, err)
				return zero, err
			}
			r.publish(EventError, err)
			return zero, &faultgate.MaxRetriesExceededError{Attempts: attempt, Last: lastErr}
		}

		if r.cfg.RetryOnResultPredicate != nil && r.cfg.RetryOnResultPredicate(result) && attempt < r.cfg.MaxAttempts {
			if !r.wait(ctx, attempt) {
				return zero, ctx.Err()
			}
			continue
		}

		r.countSuccess(attempt)
		r.publish(EventSuccess, nil)
		return result, nil
	}
}

func (r *Retryer[T]) wait(ctx context.Context, attempt int) bool {
	r.publish(EventRetry, nil)
	d := r.cfg.IntervalFunc(attempt)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Retryer[T]) countSuccess(attempt int) {
	if attempt == 1 {
		r.successWithoutRetry.Add(1)
	} else {
		r.successAfterRetry.Add(1)
	}
}

func (r *Retryer[T]) countFailure(attempt int) {
	if attempt == 1 {
		r.failedWithoutRetry.Add(1)
	} else {
		r.failedAfterRetry.Add(1)
	}
}

func (r *Retryer[T]) publish(kind string, err error) {
	var fields map[string]any
	if err != nil {
		fields = map[string]any{`error`: err.Error()}
	}
	r.bus.Publish(r.bus.NewEvent(kind, fields))
	if r.cfg.Logger != nil {
		b := r.cfg.Logger.Debug().Str(`policy`, r.name).Str(`event`, kind)
		if err != nil {
			b = b.Err(err)
		}
		b.Log(`retry event`)
	}
}
