// Package circuitbreaker implements the CLOSED/OPEN/HALF_OPEN/DISABLED/
// FORCED_OPEN state machine described by the sliding-outcome-window spec:
// permission is granted or denied according to the current state, outcomes
// feed a window owned by that state, and window saturation drives
// transitions.
//
// State is held behind a single atomic pointer, swapped with
// compare-and-swap; every transition stamps a fresh, monotonically
// increasing generation. A permit returned by AcquirePermission carries the
// generation it was issued under, so an outcome reported after a
// transition is attributed to the window that was active when the call
// was *permitted*, never the window active when it completed - and a
// losing CAS simply means some other goroutine already made the same
// transition, so the loser re-reads state and retries its own operation.
package circuitbreaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/go-faultgate/faultgate"
	"github.com/go-faultgate/faultgate/eventbus"
	"github.com/go-faultgate/faultgate/window"
)

// State is one of the five circuit breaker states.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
	StateDisabled
	StateForcedOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return `CLOSED`
	case StateOpen:
		return `OPEN`
	case StateHalfOpen:
		return `HALF_OPEN`
	case StateDisabled:
		return `DISABLED`
	case StateForcedOpen:
		return `FORCED_OPEN`
	default:
		return `UNKNOWN`
	}
}

// Event kinds published onto a Breaker's Bus.
const (
	EventSuccess              = `Success`
	EventError                = `Error`
	EventIgnoredError         = `IgnoredError`
	EventNotPermitted         = `NotPermitted`
	EventStateTransition      = `StateTransition`
	EventReset                = `Reset`
	EventFailureRateExceeded  = `FailureRateExceeded`
	EventSlowCallRateExceeded = `SlowCallRateExceeded`
)

type (
	// Config parameterises a Breaker. See faultgateconfig for a
	// YAML-backed loader of the same options.
	Config struct {
		FailureRateThreshold                  float64
		SlowCallRateThreshold                 float64
		SlowCallDurationThreshold             time.Duration
		PermittedNumberOfCallsInHalfOpenState int
		SlidingWindowType                     window.Type
		SlidingWindowSize                     int
		MinimumNumberOfCalls                  int
		WaitDurationInOpenState               time.Duration
		AutomaticTransitionFromOpenToHalfOpen bool

		// RecordFailurePredicate classifies an error as a recordable
		// failure. Nil means "record every non-nil error".
		RecordFailurePredicate func(error) bool
		// IgnoreExceptionPredicate classifies an error as one that bypasses
		// the window entirely (still propagated to the caller). Nil means
		// "ignore nothing".
		IgnoreExceptionPredicate func(error) bool
		// RecordResultPredicate classifies a *successful* result value as
		// a failure. Nil means "never".
		RecordResultPredicate func(any) bool

		// EventBusCapacity overrides eventbus.DefaultCapacity if positive.
		EventBusCapacity int

		Logger *logiface.Logger[logiface.Event]
	}

	// Permit is returned by AcquirePermission and must be passed back to
	// whichever of OnSuccess, OnError, or ReleasePermissionOnCancel
	// terminates the call it was issued for.
	Permit struct {
		generation uint64
		state      State
	}

	// Breaker is a single named circuit breaker instance. Construct with
	// New; the zero value is not usable.
	Breaker struct {
		name string
		cfg  Config
		bus  *eventbus.Bus

		cur atomic.Pointer[epoch]

		timerMu sync.Mutex
		timer   *time.Timer
	}

	epoch struct {
		state          State
		generation     uint64
		win            window.Window // nil in OPEN/DISABLED/FORCED_OPEN: no recording
		openedAt       time.Time
		halfOpenIssued atomic.Int32
	}
)

func applyDefaults(cfg *Config) {
	if cfg.SlidingWindowSize <= 0 {
		cfg.SlidingWindowSize = 100
	}
	if cfg.MinimumNumberOfCalls <= 0 {
		cfg.MinimumNumberOfCalls = cfg.SlidingWindowSize
	}
	if cfg.PermittedNumberOfCallsInHalfOpenState <= 0 {
		cfg.PermittedNumberOfCallsInHalfOpenState = 10
	}
	if cfg.WaitDurationInOpenState <= 0 {
		cfg.WaitDurationInOpenState = 60 * time.Second
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 50
	}
}

// New constructs a Breaker named name, starting CLOSED.
func New(name string, cfg Config) *Breaker {
	applyDefaults(&cfg)
	cb := &Breaker{
		name: name,
		cfg:  cfg,
		bus:  eventbus.New(name, cfg.EventBusCapacity),
	}
	cb.cur.Store(cb.newClosedEpoch(0))
	return cb
}

// Name returns the breaker's instance name.
func (cb *Breaker) Name() string { return cb.name }

// Bus returns the breaker's event bus.
func (cb *Breaker) Bus() *eventbus.Bus { return cb.bus }

// State returns the current state.
func (cb *Breaker) State() State { return cb.cur.Load().state }

// Snapshot reports the window backing the currently active state, for
// metrics export. Returns the zero Snapshot if the current state does not
// maintain a window (OPEN, DISABLED, FORCED_OPEN).
func (cb *Breaker) Snapshot() window.Snapshot {
	ep := cb.cur.Load()
	if ep.win == nil {
		return window.Snapshot{}
	}
	return ep.win.Snapshot()
}

func (cb *Breaker) newClosedEpoch(generation uint64) *epoch {
	return &epoch{
		state:      StateClosed,
		generation: generation,
		win: window.New(window.Config{
			Type:                 cb.cfg.SlidingWindowType,
			Size:                 cb.cfg.SlidingWindowSize,
			MinimumNumberOfCalls: cb.cfg.MinimumNumberOfCalls,
		}),
	}
}

func (cb *Breaker) newHalfOpenEpoch(generation uint64) *epoch {
	return &epoch{
		state:      StateHalfOpen,
		generation: generation,
		win: window.New(window.Config{
			Type:                 window.CountBased,
			Size:                 cb.cfg.PermittedNumberOfCallsInHalfOpenState,
			MinimumNumberOfCalls: cb.cfg.PermittedNumberOfCallsInHalfOpenState,
		}),
	}
}

func (cb *Breaker) newOpenEpoch(generation uint64, openedAt time.Time) *epoch {
	return &epoch{state: StateOpen, generation: generation, openedAt: openedAt}
}

// AcquirePermission reports whether a call may proceed. On denial it
// returns faultgate.ErrCallNotPermitted and an empty Permit.
func (cb *Breaker) AcquirePermission() (Permit, error) {
	for {
		ep := cb.cur.Load()
		switch ep.state {
		case StateDisabled:
			return Permit{generation: ep.generation, state: StateDisabled}, nil

		case StateClosed:
			return Permit{generation: ep.generation, state: StateClosed}, nil

		case StateForcedOpen:
			cb.publishSimple(EventNotPermitted)
			return Permit{}, faultgate.ErrCallNotPermitted

		case StateOpen:
			if time.Since(ep.openedAt) < cb.cfg.WaitDurationInOpenState {
				cb.publishSimple(EventNotPermitted)
				return Permit{}, faultgate.ErrCallNotPermitted
			}
			next := cb.newHalfOpenEpoch(ep.generation + 1)
			if cb.cur.CompareAndSwap(ep, next) {
				cb.cancelScheduledTransition()
				cb.publishTransition(StateOpen, StateHalfOpen)
			}
			continue // re-read (either our transition, or one that beat us to it)

		case StateHalfOpen:
			if ep.halfOpenIssued.Add(1) <= int32(cb.cfg.PermittedNumberOfCallsInHalfOpenState) {
				return Permit{generation: ep.generation, state: StateHalfOpen}, nil
			}
			cb.publishSimple(EventNotPermitted)
			return Permit{}, faultgate.ErrCallNotPermitted

		default:
			return Permit{}, faultgate.ErrCallNotPermitted
		}
	}
}

// Acquire adapts AcquirePermission to the adapter.Guard shape. The circuit
// breaker never blocks, so ctx is only observed for cancellation prior to
// the call.
func (cb *Breaker) Acquire(ctx context.Context) (Permit, error) {
	if err := ctx.Err(); err != nil {
		return Permit{}, err
	}
	return cb.AcquirePermission()
}

// ReleasePermissionOnCancel returns an issued HALF_OPEN trial slot when the
// caller cancels before reporting an outcome. A no-op for CLOSED/DISABLED
// permits, and for permits whose generation is no longer current.
func (cb *Breaker) ReleasePermissionOnCancel(p Permit) {
	if p.state != StateHalfOpen {
		return
	}
	ep := cb.cur.Load()
	if ep.generation == p.generation {
		ep.halfOpenIssued.Add(-1)
	}
}

// OnCancel is an alias of ReleasePermissionOnCancel, for adapter.Guard.
func (cb *Breaker) OnCancel(p Permit) { cb.ReleasePermissionOnCancel(p) }

// OnSuccess reports a successful call. result is passed to
// Config.RecordResultPredicate, which may reclassify it as a failure.
func (cb *Breaker) OnSuccess(p Permit, duration time.Duration, result any) {
	if p.state == StateDisabled {
		return
	}
	ep := cb.cur.Load()
	if ep.generation != p.generation || ep.win == nil {
		return // stale permit: attributable window has already been discarded
	}

	asFailure := cb.cfg.RecordResultPredicate != nil && cb.cfg.RecordResultPredicate(result)
	if asFailure {
		ep.win.Record(window.Outcome{Kind: window.KindFailure, Duration: duration})
		cb.publishSimple(EventError)
	} else {
		slow := cb.cfg.SlowCallDurationThreshold > 0 && duration >= cb.cfg.SlowCallDurationThreshold
		kind := window.KindSuccess
		if slow {
			kind = window.KindSlowSuccess
		}
		ep.win.Record(window.Outcome{Kind: kind, Duration: duration})
		cb.publishSimple(EventSuccess)
	}

	cb.evaluate(ep)
}

// OnError reports a failed call. The error is recorded iff
// Config.RecordFailurePredicate(err) is true and
// Config.IgnoreExceptionPredicate(err) is false; otherwise it is an
// IgnoredError and the window is untouched.
func (cb *Breaker) OnError(p Permit, duration time.Duration, err error) {
	if p.state == StateDisabled {
		return
	}
	ep := cb.cur.Load()
	if ep.generation != p.generation || ep.win == nil {
		return
	}

	if cb.cfg.IgnoreExceptionPredicate != nil && cb.cfg.IgnoreExceptionPredicate(err) {
		cb.publishSimple(EventIgnoredError)
		return
	}
	recordable := cb.cfg.RecordFailurePredicate == nil || cb.cfg.RecordFailurePredicate(err)
	if !recordable {
		cb.publishSimple(EventIgnoredError)
		return
	}

	ep.win.Record(window.Outcome{Kind: window.KindFailure, Duration: duration})
	cb.publishWithError(EventError, err)
	cb.evaluate(ep)
}

// evaluate checks whether ep's window has saturated and crossed a
// threshold, transitioning CLOSED->OPEN or HALF_OPEN->{OPEN,CLOSED} as
// appropriate. Safe to call redundantly from concurrent reporters: only
// the goroutine that wins the CAS performs (and emits) the transition.
func (cb *Breaker) evaluate(ep *epoch) {
	snap := ep.win.Snapshot()
	if !snap.Saturated {
		return
	}

	failureExceeded := cb.cfg.FailureRateThreshold > 0 && snap.FailureRate >= cb.cfg.FailureRateThreshold
	slowExceeded := cb.cfg.SlowCallRateThreshold > 0 && snap.SlowCallRate >= cb.cfg.SlowCallRateThreshold
	exceeded := failureExceeded || slowExceeded

	switch ep.state {
	case StateClosed:
		if !exceeded {
			return
		}
		cb.publishRateExceeded(failureExceeded, slowExceeded)
		next := cb.newOpenEpoch(ep.generation+1, time.Now())
		if cb.cur.CompareAndSwap(ep, next) {
			cb.publishTransition(StateClosed, StateOpen)
			cb.scheduleAutoTransition(next)
		}

	case StateHalfOpen:
		if snap.TotalCalls < uint64(cb.cfg.PermittedNumberOfCallsInHalfOpenState) {
			return
		}
		if exceeded {
			cb.publishRateExceeded(failureExceeded, slowExceeded)
			next := cb.newOpenEpoch(ep.generation+1, time.Now())
			if cb.cur.CompareAndSwap(ep, next) {
				cb.publishTransition(StateHalfOpen, StateOpen)
				cb.scheduleAutoTransition(next)
			}
		} else {
			next := cb.newClosedEpoch(ep.generation + 1)
			if cb.cur.CompareAndSwap(ep, next) {
				cb.publishTransition(StateHalfOpen, StateClosed)
			}
		}
	}
}

// Reset forces the breaker back to CLOSED with a fresh window, regardless
// of its current state. Cancels any pending automatic transition.
func (cb *Breaker) Reset() {
	for {
		ep := cb.cur.Load()
		next := cb.newClosedEpoch(ep.generation + 1)
		if cb.cur.CompareAndSwap(ep, next) {
			cb.cancelScheduledTransition()
			cb.publishTransition(ep.state, StateClosed)
			cb.publishSimple(EventReset)
			return
		}
	}
}

// TransitionToState forces an explicit transition, e.g. into or out of
// DISABLED/FORCED_OPEN. Entering OPEN (re)schedules the automatic
// half-open transition, if configured.
func (cb *Breaker) TransitionToState(target State) {
	for {
		ep := cb.cur.Load()
		var next *epoch
		switch target {
		case StateDisabled, StateForcedOpen:
			next = &epoch{state: target, generation: ep.generation + 1}
		case StateOpen:
			next = cb.newOpenEpoch(ep.generation+1, time.Now())
		case StateHalfOpen:
			next = cb.newHalfOpenEpoch(ep.generation + 1)
		default:
			next = cb.newClosedEpoch(ep.generation + 1)
		}
		if cb.cur.CompareAndSwap(ep, next) {
			cb.cancelScheduledTransition()
			if target == StateOpen {
				cb.scheduleAutoTransition(next)
			}
			cb.publishTransition(ep.state, target)
			return
		}
	}
}

func (cb *Breaker) scheduleAutoTransition(ep *epoch) {
	if !cb.cfg.AutomaticTransitionFromOpenToHalfOpen {
		return
	}
	cb.timerMu.Lock()
	defer cb.timerMu.Unlock()
	if cb.timer != nil {
		cb.timer.Stop()
	}
	generation := ep.generation
	cb.timer = time.AfterFunc(cb.cfg.WaitDurationInOpenState, func() {
		cur := cb.cur.Load()
		if cur.generation != generation || cur.state != StateOpen {
			return
		}
		next := cb.newHalfOpenEpoch(generation + 1)
		if cb.cur.CompareAndSwap(cur, next) {
			cb.publishTransition(StateOpen, StateHalfOpen)
		}
	})
}

func (cb *Breaker) cancelScheduledTransition() {
	cb.timerMu.Lock()
	defer cb.timerMu.Unlock()
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}
}

func (cb *Breaker) publishSimple(kind string) {
	cb.bus.Publish(cb.bus.NewEvent(kind, nil))
	if cb.cfg.Logger != nil {
		cb.cfg.Logger.Debug().Str(`policy`, cb.name).Str(`event`, kind).Log(`circuitbreaker event`)
	}
}

func (cb *Breaker) publishWithError(kind string, err error) {
	cb.bus.Publish(cb.bus.NewEvent(kind, map[string]any{`error`: err.Error()}))
	if cb.cfg.Logger != nil {
		cb.cfg.Logger.Debug().Str(`policy`, cb.name).Str(`event`, kind).Err(err).Log(`circuitbreaker event`)
	}
}

func (cb *Breaker) publishTransition(from, to State) {
	cb.bus.Publish(cb.bus.NewEvent(EventStateTransition, map[string]any{
		`from`: from.String(),
		`to`:   to.String(),
	}))
	if cb.cfg.Logger != nil {
		cb.cfg.Logger.Warning().Str(`policy`, cb.name).Str(`from`, from.String()).Str(`to`, to.String()).Log(`circuitbreaker state transition`)
	}
}

func (cb *Breaker) publishRateExceeded(failure, slow bool) {
	if failure {
		cb.publishSimple(EventFailureRateExceeded)
	}
	if slow {
		cb.publishSimple(EventSlowCallRateExceeded)
	}
}
