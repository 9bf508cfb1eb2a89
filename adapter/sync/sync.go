// Package syncadapter decorates a plain synchronous callable with an
// adapter.Guard: acquire permission, invoke, report the outcome.
package syncadapter

import (
	"context"
	"time"

	"github.com/go-faultgate/faultgate/adapter"
)

// Decorate wraps f so every call first acquires permission from g, then
// reports the call's outcome back to g. A permission refusal (including
// ctx expiring during the wait) is returned without invoking f at all.
func Decorate[P any, T any](g adapter.Guard[P], f func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var zero T

		permit, err := g.Acquire(ctx)
		if err != nil {
			return zero, err
		}

		start := time.Now()
		result, err := f(ctx)
		duration := time.Since(start)

		switch {
		case err == nil:
			g.OnSuccess(permit, duration, result)
		case adapter.IsCancellation(ctx, err):
			g.OnCancel(permit)
		default:
			g.OnError(permit, duration, err)
		}

		return result, err
	}
}
