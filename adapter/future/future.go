// Package futureadapter decorates a Future-producing callable with an
// adapter.Guard: permission is acquired before the upstream Future is
// even created, and the outcome is reported once that Future resolves.
package futureadapter

import (
	"context"
	"time"

	"github.com/go-faultgate/faultgate"
	"github.com/go-faultgate/faultgate/adapter"
)

// Decorate wraps produce so every call first acquires permission from g
// before produce is invoked, and reports the eventual outcome back to g
// once the produced Future resolves. The returned Future resolves with
// the same value/error as produce's Future; a permission refusal short
// circuits with a Future that resolves immediately.
func Decorate[P any, T any](g adapter.Guard[P], produce func(ctx context.Context) faultgate.Future[T]) func(ctx context.Context) faultgate.Future[T] {
	return func(ctx context.Context) faultgate.Future[T] {
		permit, err := g.Acquire(ctx)
		if err != nil {
			return immediateFuture[T]{err: err}
		}

		start := time.Now()
		inner := produce(ctx)

		ch := make(chan faultgate.FutureResult[T], 1)
		go func() {
			value, err := inner.Await(ctx)
			duration := time.Since(start)

			switch {
			case err == nil:
				g.OnSuccess(permit, duration, value)
			case adapter.IsCancellation(ctx, err):
				g.OnCancel(permit)
			default:
				g.OnError(permit, duration, err)
			}

			ch <- faultgate.FutureResult[T]{Value: value, Err: err}
		}()

		return faultgate.ChanFuture[T]{Ch: ch}
	}
}

type immediateFuture[T any] struct {
	err error
}

func (f immediateFuture[T]) Await(context.Context) (T, error) {
	var zero T
	return zero, f.err
}
