// Package bulkhead implements a bounded concurrency gate: a
// counting-semaphore permitting at most MaxConcurrentCalls calls in
// flight, with a timed wait for callers that arrive while it is full.
//
// The semaphore itself is a buffered channel of tokens, pre-filled to
// capacity - the same pattern the teacher package (microbatch) uses for
// its MaxConcurrency-bounded batch processor slots (runningBatchCh).
// Acquire takes a token out of the channel; releasing the Permit (via
// OnSuccess, OnError or OnCancel) puts one back.
package bulkhead

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/go-faultgate/faultgate"
	"github.com/go-faultgate/faultgate/eventbus"
)

// Event kinds published onto a Bulkhead's Bus.
const (
	EventCallPermitted = `CallPermitted`
	EventCallRejected  = `CallRejected`
	EventCallFinished  = `CallFinished`
)

type (
	// Config parameterises a Bulkhead.
	Config struct {
		// MaxConcurrentCalls is the concurrency limit. Must be positive.
		MaxConcurrentCalls int
		// MaxWaitDuration is the maximum time AcquirePermission will wait
		// for a free slot. Zero means "fail immediately if full".
		MaxWaitDuration time.Duration

		EventBusCapacity int
		Logger           *logiface.Logger[logiface.Event]
	}

	// Permit must be released exactly once, via OnSuccess, OnError, or
	// OnCancel, regardless of which exit path a decorated call takes.
	// Releasing an already-released (or zero-value) Permit is a no-op.
	Permit struct {
		released *atomic.Bool
	}

	// Bulkhead is a single named bounded-concurrency gate. Construct with
	// New.
	Bulkhead struct {
		name string
		cfg  Config
		bus  *eventbus.Bus

		sem       chan struct{}
		available atomic.Int32
	}
)

// New constructs a Bulkhead named name.
func New(name string, cfg Config) *Bulkhead {
	if cfg.MaxConcurrentCalls <= 0 {
		panic(`bulkhead: MaxConcurrentCalls must be positive`)
	}
	b := &Bulkhead{
		name: name,
		cfg:  cfg,
		bus:  eventbus.New(name, cfg.EventBusCapacity),
		sem:  make(chan struct{}, cfg.MaxConcurrentCalls),
	}
	for i := 0; i < cfg.MaxConcurrentCalls; i++ {
		b.sem <- struct{}{}
	}
	b.available.Store(int32(cfg.MaxConcurrentCalls))
	return b
}

// Name returns the bulkhead's instance name.
func (b *Bulkhead) Name() string { return b.name }

// Bus returns the bulkhead's event bus.
func (b *Bulkhead) Bus() *eventbus.Bus { return b.bus }

// AvailablePermits reports the current number of free concurrency slots,
// always in [0, MaxConcurrentCalls].
func (b *Bulkhead) AvailablePermits() int {
	return int(b.available.Load())
}

// AcquirePermission takes a concurrency slot, waiting up to
// Config.MaxWaitDuration (and honoring ctx cancellation) if none is
// immediately free. Returns faultgate.ErrBulkheadFull on timeout.
func (b *Bulkhead) AcquirePermission(ctx context.Context) (Permit, error) {
	select {
	case <-b.sem:
		return b.granted()
	default:
	}

	if b.cfg.MaxWaitDuration <= 0 {
		b.publish(EventCallRejected)
		return Permit{}, faultgate.ErrBulkheadFull
	}

	timer := time.NewTimer(b.cfg.MaxWaitDuration)
	defer timer.Stop()

	select {
	case <-b.sem:
		return b.granted()
	case <-timer.C:
		b.publish(EventCallRejected)
		return Permit{}, faultgate.ErrBulkheadFull
	case <-ctx.Done():
		b.publish(EventCallRejected)
		return Permit{}, ctx.Err()
	}
}

// Acquire is an alias of AcquirePermission, for adapter.Guard.
func (b *Bulkhead) Acquire(ctx context.Context) (Permit, error) {
	return b.AcquirePermission(ctx)
}

func (b *Bulkhead) granted() (Permit, error) {
	b.available.Add(-1)
	b.publish(EventCallPermitted)
	return Permit{released: new(atomic.Bool)}, nil
}

func (b *Bulkhead) release(p Permit) {
	if p.released == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	b.available.Add(1)
	select {
	case b.sem <- struct{}{}:
	default:
		// unreachable under correct bookkeeping, but never block the
		// releasing goroutine even if it somehow is
	}
	b.publish(EventCallFinished)
}

// OnSuccess releases the permit. result is unused: the bulkhead gates
// concurrency, it does not classify outcomes.
func (b *Bulkhead) OnSuccess(p Permit, _ time.Duration, _ any) { b.release(p) }

// OnError releases the permit.
func (b *Bulkhead) OnError(p Permit, _ time.Duration, _ error) { b.release(p) }

// OnCancel releases the permit. Exactly one of OnSuccess, OnError, or
// OnCancel should be called per acquired Permit; calling more than one
// (or the same one twice) is harmless, since release is idempotent.
func (b *Bulkhead) OnCancel(p Permit) { b.release(p) }

func (b *Bulkhead) publish(kind string) {
	b.bus.Publish(b.bus.NewEvent(kind, map[string]any{`availablePermits`: b.AvailablePermits()}))
	if b.cfg.Logger != nil {
		b.cfg.Logger.Debug().Str(`policy`, b.name).Str(`event`, kind).Log(`bulkhead event`)
	}
}
