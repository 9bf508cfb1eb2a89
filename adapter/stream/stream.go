// Package streamadapter decorates a push-based reactive stream with an
// adapter.Guard. Permission is acquired on the downstream subscribe path,
// before the upstream is subscribed to at all; the guard's outcome is
// released exactly once, whichever happens first: the upstream reaching
// a terminal signal, or the downstream cancelling.
package streamadapter

import (
	"context"
	"sync"
	"time"

	"github.com/go-faultgate/faultgate/adapter"
)

type (
	// Subscriber receives items and a single terminal signal from a
	// stream. A nil error passed to OnComplete denotes normal
	// completion.
	Subscriber[T any] interface {
		OnNext(T)
		OnComplete(err error)
	}

	// Subscribe subscribes sub to an upstream stream, starting delivery,
	// and returns a cancel function that stops it.
	Subscribe[T any] func(ctx context.Context, sub Subscriber[T]) (cancel func())
)

// Decorate wraps subscribe so every downstream subscription first
// acquires permission from g. On refusal, downstream is completed
// immediately with the refusal error and the upstream is never
// subscribed to. On acquisition, items are forwarded unchanged, and the
// guard's outcome is released exactly once: on the upstream's terminal
// signal (OnSuccess for a nil error, OnError otherwise), or on the
// downstream cancelling first (OnCancel).
func Decorate[P any, T any](g adapter.Guard[P], subscribe Subscribe[T]) Subscribe[T] {
	return func(ctx context.Context, downstream Subscriber[T]) (cancel func()) {
		permit, err := g.Acquire(ctx)
		if err != nil {
			downstream.OnComplete(err)
			return func() {}
		}

		start := time.Now()
		var once sync.Once
		release := func(outcomeErr error, cancelled bool) {
			once.Do(func() {
				duration := time.Since(start)
				switch {
				case cancelled:
					g.OnCancel(permit)
				case outcomeErr == nil:
					g.OnSuccess(permit, duration, nil)
				default:
					g.OnError(permit, duration, outcomeErr)
				}
			})
		}

		wrapped := &forwardingSubscriber[T]{
			downstream: downstream,
			onTerminal: func(err error) { release(err, false) },
		}

		upstreamCancel := subscribe(ctx, wrapped)

		return func() {
			release(nil, true)
			upstreamCancel()
		}
	}
}

type forwardingSubscriber[T any] struct {
	downstream Subscriber[T]
	onTerminal func(error)
}

func (f *forwardingSubscriber[T]) OnNext(v T) { f.downstream.OnNext(v) }

func (f *forwardingSubscriber[T]) OnComplete(err error) {
	f.onTerminal(err)
	f.downstream.OnComplete(err)
}
