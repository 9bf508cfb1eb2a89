package futureadapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-faultgate/faultgate"
	"github.com/go-faultgate/faultgate/bulkhead"
)

var errBoom = errors.New(`boom`)

func TestDecorate_SuccessReleasesPermit(t *testing.T) {
	bh := bulkhead.New(`decorated`, bulkhead.Config{MaxConcurrentCalls: 1})

	produce := Decorate[bulkhead.Permit, int](bh, func(context.Context) faultgate.Future[int] {
		ch := make(chan faultgate.FutureResult[int], 1)
		ch <- faultgate.FutureResult[int]{Value: 9}
		return faultgate.ChanFuture[int]{Ch: ch}
	})

	value, err := produce(context.Background()).Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9, value)
	require.Equal(t, 1, bh.AvailablePermits())
}

func TestDecorate_FailureReleasesPermit(t *testing.T) {
	bh := bulkhead.New(`decorated`, bulkhead.Config{MaxConcurrentCalls: 1})

	produce := Decorate[bulkhead.Permit, int](bh, func(context.Context) faultgate.Future[int] {
		ch := make(chan faultgate.FutureResult[int], 1)
		ch <- faultgate.FutureResult[int]{Err: errBoom}
		return faultgate.ChanFuture[int]{Ch: ch}
	})

	_, err := produce(context.Background()).Await(context.Background())
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 1, bh.AvailablePermits())
}

func TestDecorate_RefusalNeverProducesUpstream(t *testing.T) {
	bh := bulkhead.New(`full`, bulkhead.Config{MaxConcurrentCalls: 1})
	_, err := bh.Acquire(context.Background())
	require.NoError(t, err)

	produced := false
	produce := Decorate[bulkhead.Permit, int](bh, func(context.Context) faultgate.Future[int] {
		produced = true
		ch := make(chan faultgate.FutureResult[int], 1)
		ch <- faultgate.FutureResult[int]{Value: 1}
		return faultgate.ChanFuture[int]{Ch: ch}
	})

	_, err = produce(context.Background()).Await(context.Background())
	require.Error(t, err)
	require.False(t, produced)
}
