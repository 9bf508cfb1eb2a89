// Package ratelimiter implements a refill-based permit dispenser: N
// permits per period, with eager reservation against cycles that haven't
// refilled yet, for callers willing to wait up to a configured timeout.
//
// All state is kept behind a single atomic pointer to an immutable
// {cycle, permitsRemaining} pair, swapped with compare-and-swap - the
// idiomatic Go rendering of "a single atomic state word" (see DESIGN.md).
// cycle always tracks the real wall-clock cycle and is never advanced by a
// reservation; instead permitsRemaining is allowed to go negative, the
// same representation resilience4j's AtomicRateLimiter uses for permits
// already promised to waiters that haven't refilled yet. That keeps a
// caller arriving in the real current cycle from ever observing a
// prematurely-advanced cycle with a falsely-positive permit count - the
// bug in reserving by bumping cycle and resetting permits to
// limitForPeriod-1. The wait duration for a reservation is derived from
// how negative permitsRemaining became, not from an assumed next cycle.
// Parking is done on time.NewTimer plus ctx.Done, so a waiter is always
// interruptible.
package ratelimiter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/go-faultgate/faultgate"
	"github.com/go-faultgate/faultgate/eventbus"
)

// Event kinds published onto a Limiter's Bus.
const (
	EventSuccessfulAcquire = `SuccessfulAcquire`
	EventFailedAcquire     = `FailedAcquire`
)

type (
	// Config parameterises a Limiter.
	Config struct {
		// LimitForPeriod is the number of permits dispensed per
		// LimitRefreshPeriod. Must be positive.
		LimitForPeriod int
		// LimitRefreshPeriod is the cycle duration. Must be positive.
		LimitRefreshPeriod time.Duration
		// TimeoutDuration is the maximum time AcquirePermission will park a
		// caller waiting for a future cycle's permits.
		TimeoutDuration time.Duration

		EventBusCapacity int
		Logger           *logiface.Logger[logiface.Event]
	}

	// Permit identifies the cycle a permit was reserved against, so a
	// best-effort return (on cancellation) can avoid crediting a cycle
	// that a concurrent refill has already superseded.
	Permit struct {
		cycle int64
		valid bool
	}

	// Limiter is a single named rate limiter instance. Construct with New.
	Limiter struct {
		name  string
		cfg   Config
		bus   *eventbus.Bus
		start time.Time

		st atomic.Pointer[state]
	}

	// state.permitsRemaining may be negative: a count of permits already
	// reserved by waiters against a refill that hasn't happened yet.
	state struct {
		cycle            int64
		permitsRemaining int32
	}
)

// for testing
var timeNow = time.Now

// New constructs a Limiter named name.
func New(name string, cfg Config) *Limiter {
	if cfg.LimitForPeriod <= 0 {
		panic(`ratelimiter: LimitForPeriod must be positive`)
	}
	if cfg.LimitRefreshPeriod <= 0 {
		panic(`ratelimiter: LimitRefreshPeriod must be positive`)
	}
	l := &Limiter{
		name:  name,
		cfg:   cfg,
		bus:   eventbus.New(name, cfg.EventBusCapacity),
		start: timeNow(),
	}
	l.st.Store(&state{cycle: 0, permitsRemaining: int32(cfg.LimitForPeriod)})
	return l
}

// Name returns the limiter's instance name.
func (l *Limiter) Name() string { return l.name }

// Bus returns the limiter's event bus.
func (l *Limiter) Bus() *eventbus.Bus { return l.bus }

// AcquirePermission attempts to acquire a permit, waiting up to
// Config.TimeoutDuration (and honoring ctx cancellation) if none is
// immediately available. Returns faultgate.ErrRequestNotPermitted if no
// permit would become available within the timeout.
func (l *Limiter) AcquirePermission(ctx context.Context) (Permit, error) {
	for {
		now := timeNow()
		cur := l.st.Load()

		currentCycle := int64(now.Sub(l.start) / l.cfg.LimitRefreshPeriod)
		permits := cur.permitsRemaining
		if currentCycle != cur.cycle {
			elapsed := currentCycle - cur.cycle
			accumulated := elapsed * int64(l.cfg.LimitForPeriod)
			permits = int32(min64(int64(cur.permitsRemaining)+accumulated, int64(l.cfg.LimitForPeriod)))
		}

		// Reserve eagerly: permits may go negative, representing a
		// backlog of promises against cycles that haven't refilled yet.
		reserved := permits - 1
		next := &state{cycle: currentCycle, permitsRemaining: reserved}
		if !l.st.CompareAndSwap(cur, next) {
			continue
		}

		if reserved >= 0 {
			l.publish(EventSuccessfulAcquire)
			return Permit{cycle: currentCycle, valid: true}, nil
		}

		wait := l.waitDuration(reserved, currentCycle, now)
		if wait > l.cfg.TimeoutDuration {
			l.OnCancel(Permit{cycle: currentCycle, valid: true})
			l.publish(EventFailedAcquire)
			return Permit{}, faultgate.ErrRequestNotPermitted
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.OnCancel(Permit{cycle: currentCycle, valid: true})
			l.publish(EventFailedAcquire)
			return Permit{}, ctx.Err()
		case <-timer.C:
			l.publish(EventSuccessfulAcquire)
			return Permit{cycle: currentCycle, valid: true}, nil
		}
	}
}

// Acquire is an alias of AcquirePermission, for adapter.Guard.
func (l *Limiter) Acquire(ctx context.Context) (Permit, error) {
	return l.AcquirePermission(ctx)
}

// waitDuration computes how long a reservation that left permitsRemaining
// at the negative value permitsAfterReserve must wait for enough future
// cycles to refill and cover it. cycle and now identify the cycle the
// reservation was made in and the instant it was made.
func (l *Limiter) waitDuration(permitsAfterReserve int32, cycle int64, now time.Time) time.Duration {
	cycleStart := l.start.Add(time.Duration(cycle) * l.cfg.LimitRefreshPeriod)
	nanosToNextCycle := cycleStart.Add(l.cfg.LimitRefreshPeriod).Sub(now)

	deficit := -permitsAfterReserve
	remaining := deficit - int32(l.cfg.LimitForPeriod)
	wait := nanosToNextCycle
	for remaining > 0 {
		wait += l.cfg.LimitRefreshPeriod
		remaining -= int32(l.cfg.LimitForPeriod)
	}
	return wait
}

// OnCancel best-effort returns a reservation that its holder never used
// (the wait was cancelled, or the caller chose not to wait at all). If the
// active cycle has since moved past p's cycle, a refill has already
// superseded the reservation and crediting it back would misallocate
// permits, so it's a no-op.
func (l *Limiter) OnCancel(p Permit) {
	if !p.valid {
		return
	}
	for {
		cur := l.st.Load()
		if cur.cycle != p.cycle {
			return // cycle already rolled; nothing to credit
		}
		next := &state{cycle: cur.cycle, permitsRemaining: cur.permitsRemaining + 1}
		if l.st.CompareAndSwap(cur, next) {
			return
		}
	}
}

// OnSuccess and OnError are no-ops: the rate limiter does not classify
// call outcomes, only permit acquisition. Present so Limiter satisfies
// adapter.Guard.
func (l *Limiter) OnSuccess(Permit, time.Duration, any) {}
func (l *Limiter) OnError(Permit, time.Duration, error) {}

func (l *Limiter) publish(kind string) {
	l.bus.Publish(l.bus.NewEvent(kind, nil))
	if l.cfg.Logger != nil {
		l.cfg.Logger.Debug().Str(`policy`, l.name).Str(`event`, kind).Log(`ratelimiter event`)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
