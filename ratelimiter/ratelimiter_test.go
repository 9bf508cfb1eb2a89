package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-faultgate/faultgate"
)

func TestLimiter_TimeoutWithinCycle(t *testing.T) {
	l := New(`rl`, Config{
		LimitForPeriod:     1,
		LimitRefreshPeriod: time.Second,
		TimeoutDuration:    50 * time.Millisecond,
	})

	ctx := context.Background()

	_, err := l.AcquirePermission(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.AcquirePermission(ctx)
	require.ErrorIs(t, err, faultgate.ErrRequestNotPermitted)
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestLimiter_WaitsAndGrantsWithinTimeout(t *testing.T) {
	l := New(`rl`, Config{
		LimitForPeriod:     1,
		LimitRefreshPeriod: 30 * time.Millisecond,
		TimeoutDuration:    100 * time.Millisecond,
	})

	ctx := context.Background()
	_, err := l.AcquirePermission(ctx)
	require.NoError(t, err)

	_, err = l.AcquirePermission(ctx)
	require.NoError(t, err, `should wait for next cycle's refill within the timeout`)
}

func TestLimiter_RespectsPerPeriodLimit(t *testing.T) {
	l := New(`rl`, Config{
		LimitForPeriod:     3,
		LimitRefreshPeriod: time.Second,
		TimeoutDuration:    0,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.AcquirePermission(ctx)
		require.NoError(t, err)
	}
	_, err := l.AcquirePermission(ctx)
	require.ErrorIs(t, err, faultgate.ErrRequestNotPermitted)
}

// TestLimiter_NeverExceedsLimitWithinWindow reproduces a burst of callers
// arriving mid-cycle with LimitForPeriod >= 2: at most LimitForPeriod of
// them may be granted a permit before the window's next refill, however
// many arrive concurrently and however long they're willing to wait.
func TestLimiter_NeverExceedsLimitWithinWindow(t *testing.T) {
	l := New(`rl`, Config{
		LimitForPeriod:     2,
		LimitRefreshPeriod: time.Second,
		TimeoutDuration:    0,
	})

	ctx := context.Background()
	granted := 0
	for i := 0; i < 4; i++ {
		if _, err := l.AcquirePermission(ctx); err == nil {
			granted++
		}
	}
	require.Equal(t, 2, granted, `no more than LimitForPeriod permits may be granted before a refill`)
}

// TestLimiter_ConcurrentReservationsAllWaitForRefill pins four concurrent
// waiters against a LimitForPeriod=2 limiter that has no permits left in
// the current cycle, and checks that every one of them is granted within
// the timeout once the refills covering their reservations arrive.
func TestLimiter_ConcurrentReservationsAllWaitForRefill(t *testing.T) {
	l := New(`rl`, Config{
		LimitForPeriod:     2,
		LimitRefreshPeriod: 40 * time.Millisecond,
		TimeoutDuration:    time.Second,
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := l.AcquirePermission(ctx)
		require.NoError(t, err)
	}

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := l.AcquirePermission(ctx)
			results <- err
		}()
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, <-results, `every waiter should eventually be granted within the timeout`)
	}
}

func TestLimiter_ContextCancellationInterruptsWait(t *testing.T) {
	l := New(`rl`, Config{
		LimitForPeriod:     1,
		LimitRefreshPeriod: time.Second,
		TimeoutDuration:    2 * time.Second,
	})

	ctx := context.Background()
	_, err := l.AcquirePermission(ctx)
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = l.AcquirePermission(cctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
