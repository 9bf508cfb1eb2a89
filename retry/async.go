package retry

import (
	"context"
	"sync"

	"github.com/go-faultgate/faultgate"
)

// ExecuteAsync is the async variant of Execute: f produces a
// faultgate.Future per attempt, and the inter-attempt wait is scheduled
// on scheduler rather than blocking a worker thread. Cancelling ctx
// cancels any pending scheduled retry; the in-flight attempt is left to
// f's own Future to cancel (faultgate does not assume control over it).
func (r *Retryer[T]) ExecuteAsync(ctx context.Context, scheduler faultgate.Scheduler, f func(ctx context.Context) faultgate.Future[T]) faultgate.Future[T] {
	ch := make(chan faultgate.FutureResult[T], 1)
	// done is closed exactly once, on whichever terminal path attemptLoop
	// takes, so the ctx.Done watcher below never outlives the attempt it
	// was started for.
	done := make(chan struct{})
	finish := func(res faultgate.FutureResult[T]) {
		ch <- res
		close(done)
	}

	var mu sync.Mutex
	var cancelPending func()
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			c := cancelPending
			mu.Unlock()
			if c != nil {
				c()
			}
		case <-done:
		}
	}()

	var attemptLoop func(attempt int, lastErr error)
	attemptLoop = func(attempt int, lastErr error) {
		value, err := f(ctx).Await(ctx)
		r.calls.Add(1)

		if err != nil {
			if r.cfg.IgnoreErrorPredicate != nil && r.cfg.IgnoreErrorPredicate(err) {
				r.countFailure(attempt)
				r.publish(EventIgnored, err)
				finish(faultgate.FutureResult[T]{Value: value, Err: err})
				return
			}

			retryable := r.cfg.RetryOnErrorPredicate == nil || r.cfg.RetryOnErrorPredicate(err)
			if retryable && attempt < r.cfg.MaxAttempts && ctx.Err() == nil {
				r.publish(EventRetry, nil)
				d := r.cfg.IntervalFunc(attempt)
				next := attempt + 1
				mu.Lock()
				cancelPending = scheduler.Schedule(d, func() { attemptLoop(next, err) })
				mu.Unlock()
				return
			}

			r.countFailure(attempt)
			if !retryable {
				r.publish(EventIgnored, err)
				finish(faultgate.FutureResult[T]{Value: value, Err: err})
				return
			}
			r.publish(EventError, err)
			finish(faultgate.FutureResult[T]{Err: &faultgate.MaxRetriesExceededError{Attempts: attempt, Last: err}})
			return
		}

		if r.cfg.RetryOnResultPredicate != nil && r.cfg.RetryOnResultPredicate(value) && attempt < r.cfg.MaxAttempts && ctx.Err() == nil {
			r.publish(EventRetry, nil)
			d := r.cfg.IntervalFunc(attempt)
			next := attempt + 1
			mu.Lock()
			cancelPending = scheduler.Schedule(d, func() { attemptLoop(next, lastErr) })
			mu.Unlock()
			return
		}

		r.countSuccess(attempt)
		r.publish(EventSuccess, nil)
		finish(faultgate.FutureResult[T]{Value: value})
	}

	go attemptLoop(1, nil)

	return faultgate.ChanFuture[T]{Ch: ch}
}
