package faultgatemetrics

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-faultgate/faultgate/bulkhead"
	"github.com/go-faultgate/faultgate/circuitbreaker"
	"github.com/go-faultgate/faultgate/registry"
)

func TestCircuitBreakerCollector_ExposesStateAndRatios(t *testing.T) {
	reg := registry.New[*circuitbreaker.Breaker](`breakers`)
	reg.GetOrCreate(`payments`, func() *circuitbreaker.Breaker {
		return circuitbreaker.New(`payments`, circuitbreaker.Config{MinimumNumberOfCalls: 2, SlidingWindowSize: 2})
	})

	collector := NewCircuitBreakerCollector(reg)

	expected := `
# HELP faultgate_circuitbreaker_state Current circuit breaker state, as an ordinal (CLOSED=0, OPEN=1, HALF_OPEN=2, DISABLED=3, FORCED_OPEN=4).
# TYPE faultgate_circuitbreaker_state gauge
faultgate_circuitbreaker_state{name="payments"} 0
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), `faultgate_circuitbreaker_state`))
}

func TestBulkheadCollector_ExposesAvailablePermitsAndEvents(t *testing.T) {
	reg := registry.New[*bulkhead.Bulkhead](`bulkheads`)
	bh, _ := reg.GetOrCreate(`db`, func() *bulkhead.Bulkhead {
		return bulkhead.New(`db`, bulkhead.Config{MaxConcurrentCalls: 3})
	})

	collector := NewBulkheadCollector(reg)
	defer collector.Close()

	permit, err := bh.Acquire(context.Background())
	require.NoError(t, err)
	bh.OnSuccess(permit, 0, nil)

	expected := `
# HELP faultgate_bulkhead_available_permits Current free concurrency slots.
# TYPE faultgate_bulkhead_available_permits gauge
faultgate_bulkhead_available_permits{name="db"} 3
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), `faultgate_bulkhead_available_permits`))

	count := testutil.CollectAndCount(collector, `faultgate_bulkhead_events_total`)
	require.Equal(t, 2, count) // CallPermitted + CallFinished
}
