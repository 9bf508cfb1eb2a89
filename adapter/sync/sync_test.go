package syncadapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-faultgate/faultgate/bulkhead"
)

var errBoom = errors.New(`boom`)

func TestDecorate_SuccessReleasesPermit(t *testing.T) {
	bh := bulkhead.New(`decorated`, bulkhead.Config{MaxConcurrentCalls: 1})
	f := Decorate[bulkhead.Permit, int](bh, func(context.Context) (int, error) {
		return 7, nil
	})

	result, err := f(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, result)
	require.Equal(t, 1, bh.AvailablePermits())
}

func TestDecorate_ErrorReleasesPermit(t *testing.T) {
	bh := bulkhead.New(`decorated`, bulkhead.Config{MaxConcurrentCalls: 1})
	f := Decorate[bulkhead.Permit, int](bh, func(context.Context) (int, error) {
		return 0, errBoom
	})

	_, err := f(context.Background())
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 1, bh.AvailablePermits())
}

func TestDecorate_RefusalNeverInvokesCallable(t *testing.T) {
	bh := bulkhead.New(`full`, bulkhead.Config{MaxConcurrentCalls: 1})
	_, err := bh.Acquire(context.Background())
	require.NoError(t, err)

	called := false
	f := Decorate[bulkhead.Permit, int](bh, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f(ctx)
	require.Error(t, err)
	require.False(t, called)
}
