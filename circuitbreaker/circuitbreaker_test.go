package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-faultgate/faultgate"
	"github.com/go-faultgate/faultgate/eventbus"
	"github.com/go-faultgate/faultgate/window"
)

type boomError struct{}

func (boomError) Error() string { return `boom` }

func TestBreaker_OpensOnFailureRate(t *testing.T) {
	cb := New(`cb`, Config{
		SlidingWindowType:    window.CountBased,
		SlidingWindowSize:    5,
		MinimumNumberOfCalls: 5,
		FailureRateThreshold: 50,
	})

	outcomes := []bool{false, false, false, true, true} // F,F,F,S,S
	for _, ok := range outcomes {
		p, err := cb.AcquirePermission()
		require.NoError(t, err)
		if ok {
			cb.OnSuccess(p, time.Millisecond, nil)
		} else {
			cb.OnError(p, time.Millisecond, boomError{})
		}
	}

	require.Equal(t, StateOpen, cb.State())

	_, err := cb.AcquirePermission()
	require.ErrorIs(t, err, faultgate.ErrCallNotPermitted)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New(`cb`, Config{
		SlidingWindowType:                     window.CountBased,
		SlidingWindowSize:                     5,
		MinimumNumberOfCalls:                  5,
		FailureRateThreshold:                  50,
		WaitDurationInOpenState:               20 * time.Millisecond,
		PermittedNumberOfCallsInHalfOpenState:  3,
		AutomaticTransitionFromOpenToHalfOpen:  false,
	})

	for _, ok := range []bool{false, false, false, true, true} {
		p, _ := cb.AcquirePermission()
		if ok {
			cb.OnSuccess(p, time.Millisecond, nil)
		} else {
			cb.OnError(p, time.Millisecond, boomError{})
		}
	}
	require.Equal(t, StateOpen, cb.State())

	// observe transitions from OPEN onwards only
	var transitions []eventbus.Event
	cancel := cb.Bus().Subscribe(func(ev eventbus.Event) bool {
		return ev.Kind == EventStateTransition
	}, func(ev eventbus.Event) {
		transitions = append(transitions, ev)
	})
	defer cancel()

	time.Sleep(25 * time.Millisecond)

	p, err := cb.AcquirePermission()
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.OnSuccess(p, time.Millisecond, nil)
	for i := 0; i < 2; i++ {
		p, err := cb.AcquirePermission()
		require.NoError(t, err)
		cb.OnSuccess(p, time.Millisecond, nil)
	}

	require.Equal(t, StateClosed, cb.State())

	// exactly two StateTransition events: OPEN->HALF_OPEN, HALF_OPEN->CLOSED
	require.Len(t, transitions, 2)
	require.Equal(t, `OPEN`, transitions[0].Fields[`from`])
	require.Equal(t, `HALF_OPEN`, transitions[0].Fields[`to`])
	require.Equal(t, `HALF_OPEN`, transitions[1].Fields[`from`])
	require.Equal(t, `CLOSED`, transitions[1].Fields[`to`])
}

// TestBreaker_AutomaticTransitionSchedulesAndCleansUpTimer exercises the
// scheduleAutoTransition/cancelScheduledTransition time.AfterFunc path
// (AutomaticTransitionFromOpenToHalfOpen: true) end to end, and asserts
// the scheduled-transition timer's goroutine doesn't outlive the test.
func TestBreaker_AutomaticTransitionSchedulesAndCleansUpTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	cb := New(`cb`, Config{
		SlidingWindowType:                    window.CountBased,
		SlidingWindowSize:                    5,
		MinimumNumberOfCalls:                 5,
		FailureRateThreshold:                 50,
		WaitDurationInOpenState:              10 * time.Millisecond,
		PermittedNumberOfCallsInHalfOpenState: 3,
		AutomaticTransitionFromOpenToHalfOpen: true,
	})

	for _, ok := range []bool{false, false, false, true, true} {
		p, _ := cb.AcquirePermission()
		if ok {
			cb.OnSuccess(p, time.Millisecond, nil)
		} else {
			cb.OnError(p, time.Millisecond, boomError{})
		}
	}
	require.Equal(t, StateOpen, cb.State())

	require.Eventually(t, func() bool {
		return cb.State() == StateHalfOpen
	}, time.Second, time.Millisecond, `AutomaticTransitionFromOpenToHalfOpen should fire without a caller polling AcquirePermission`)

	for i := 0; i < 3; i++ {
		p, err := cb.AcquirePermission()
		require.NoError(t, err)
		cb.OnSuccess(p, time.Millisecond, nil)
	}
	require.Equal(t, StateClosed, cb.State())
}

func TestBreaker_ForcedOpenAndDisabled(t *testing.T) {
	cb := New(`cb`, Config{SlidingWindowSize: 5, MinimumNumberOfCalls: 5})

	cb.TransitionToState(StateForcedOpen)
	_, err := cb.AcquirePermission()
	require.ErrorIs(t, err, faultgate.ErrCallNotPermitted)

	cb.TransitionToState(StateDisabled)
	p, err := cb.AcquirePermission()
	require.NoError(t, err)
	// outcomes are not recorded while DISABLED
	cb.OnError(p, time.Millisecond, boomError{})
	require.Equal(t, StateDisabled, cb.State())

	cb.Reset()
	require.Equal(t, StateClosed, cb.State())
}

func TestBreaker_DoesNotTransitionBelowMinimumCalls(t *testing.T) {
	cb := New(`cb`, Config{
		SlidingWindowSize:    10,
		MinimumNumberOfCalls: 10,
		FailureRateThreshold: 1,
	})

	for i := 0; i < 9; i++ {
		p, _ := cb.AcquirePermission()
		cb.OnError(p, time.Millisecond, boomError{})
	}

	require.Equal(t, StateClosed, cb.State())
}
