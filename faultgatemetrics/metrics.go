// Package faultgatemetrics exposes Registry-held policy instances as
// Prometheus collectors: window ratios and state ordinal for circuit
// breakers, available permits for bulkheads, and call counters for every
// policy kind, polled on every Collect rather than pushed.
package faultgatemetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-faultgate/faultgate/bulkhead"
	"github.com/go-faultgate/faultgate/circuitbreaker"
	"github.com/go-faultgate/faultgate/eventbus"
	"github.com/go-faultgate/faultgate/ratelimiter"
	"github.com/go-faultgate/faultgate/registry"
	"github.com/go-faultgate/faultgate/retry"
)

const namespace = `faultgate`

// eventCounters accumulates a running per-instance, per-event-kind count,
// fed by a registry.Registry.SubscribeAll subscription. Prometheus reads
// it as a monotonically increasing counter on every Collect.
type eventCounters struct {
	mu     sync.Mutex
	counts map[string]map[string]uint64
}

func newEventCounters() *eventCounters {
	return &eventCounters{counts: make(map[string]map[string]uint64)}
}

func (c *eventCounters) handler(ev eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byKind := c.counts[ev.PolicyName]
	if byKind == nil {
		byKind = make(map[string]uint64)
		c.counts[ev.PolicyName] = byKind
	}
	byKind[ev.Kind]++
}

func (c *eventCounters) snapshot() map[string]map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]uint64, len(c.counts))
	for name, byKind := range c.counts {
		cp := make(map[string]uint64, len(byKind))
		for k, v := range byKind {
			cp[k] = v
		}
		out[name] = cp
	}
	return out
}

// CircuitBreakerCollector exposes state ordinal and sliding-window ratios
// for every breaker in a Registry.
type CircuitBreakerCollector struct {
	reg *registry.Registry[*circuitbreaker.Breaker]

	state        *prometheus.Desc
	failureRate  *prometheus.Desc
	slowCallRate *prometheus.Desc
	totalCalls   *prometheus.Desc
}

// NewCircuitBreakerCollector constructs a collector polling reg.
func NewCircuitBreakerCollector(reg *registry.Registry[*circuitbreaker.Breaker]) *CircuitBreakerCollector {
	return &CircuitBreakerCollector{
		reg: reg,
		state: prometheus.NewDesc(
			namespace+`_circuitbreaker_state`, `Current circuit breaker state, as an ordinal (CLOSED=0, OPEN=1, HALF_OPEN=2, DISABLED=3, FORCED_OPEN=4).`,
			[]string{`name`}, nil,
		),
		failureRate: prometheus.NewDesc(
			namespace+`_circuitbreaker_failure_rate`, `Sliding window failure rate percentage.`,
			[]string{`name`}, nil,
		),
		slowCallRate: prometheus.NewDesc(
			namespace+`_circuitbreaker_slow_call_rate`, `Sliding window slow-call rate percentage.`,
			[]string{`name`}, nil,
		),
		totalCalls: prometheus.NewDesc(
			namespace+`_circuitbreaker_calls_total`, `Total calls recorded in the current sliding window.`,
			[]string{`name`}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *CircuitBreakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.failureRate
	ch <- c.slowCallRate
	ch <- c.totalCalls
}

// Collect implements prometheus.Collector.
func (c *CircuitBreakerCollector) Collect(ch chan<- prometheus.Metric) {
	for name, cb := range c.reg.All() {
		snap := cb.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(cb.State()), name)
		ch <- prometheus.MustNewConstMetric(c.failureRate, prometheus.GaugeValue, snap.FailureRate, name)
		ch <- prometheus.MustNewConstMetric(c.slowCallRate, prometheus.GaugeValue, snap.SlowCallRate, name)
		ch <- prometheus.MustNewConstMetric(c.totalCalls, prometheus.CounterValue, float64(snap.TotalCalls), name)
	}
}

// BulkheadCollector exposes available permits and call-lifecycle counters
// for every bulkhead in a Registry.
type BulkheadCollector struct {
	reg      *registry.Registry[*bulkhead.Bulkhead]
	counters *eventCounters
	cancel   func()

	available *prometheus.Desc
	events    *prometheus.Desc
}

// NewBulkheadCollector constructs a collector polling reg. The returned
// collector subscribes to reg's merged event stream immediately; call
// Close when done to release that subscription.
func NewBulkheadCollector(reg *registry.Registry[*bulkhead.Bulkhead]) *BulkheadCollector {
	counters := newEventCounters()
	c := &BulkheadCollector{
		reg:      reg,
		counters: counters,
		available: prometheus.NewDesc(
			namespace+`_bulkhead_available_permits`, `Current free concurrency slots.`,
			[]string{`name`}, nil,
		),
		events: prometheus.NewDesc(
			namespace+`_bulkhead_events_total`, `Cumulative bulkhead lifecycle events by kind.`,
			[]string{`name`, `kind`}, nil,
		),
	}
	c.cancel = reg.SubscribeAll(counters.handler)
	return c
}

// Close releases the underlying merged-event subscription.
func (c *BulkheadCollector) Close() { c.cancel() }

// Describe implements prometheus.Collector.
func (c *BulkheadCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.available
	ch <- c.events
}

// Collect implements prometheus.Collector.
func (c *BulkheadCollector) Collect(ch chan<- prometheus.Metric) {
	for name, bh := range c.reg.All() {
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(bh.AvailablePermits()), name)
	}
	for name, byKind := range c.counters.snapshot() {
		for kind, count := range byKind {
			ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(count), name, kind)
		}
	}
}

// RateLimiterCollector exposes cumulative acquire-outcome counters for
// every limiter in a Registry.
type RateLimiterCollector struct {
	reg      *registry.Registry[*ratelimiter.Limiter]
	counters *eventCounters
	cancel   func()

	events *prometheus.Desc
}

// NewRateLimiterCollector constructs a collector polling reg.
func NewRateLimiterCollector(reg *registry.Registry[*ratelimiter.Limiter]) *RateLimiterCollector {
	counters := newEventCounters()
	c := &RateLimiterCollector{
		reg:      reg,
		counters: counters,
		events: prometheus.NewDesc(
			namespace+`_ratelimiter_events_total`, `Cumulative rate limiter acquire outcomes by kind.`,
			[]string{`name`, `kind`}, nil,
		),
	}
	c.cancel = reg.SubscribeAll(counters.handler)
	return c
}

// Close releases the underlying merged-event subscription.
func (c *RateLimiterCollector) Close() { c.cancel() }

// Describe implements prometheus.Collector.
func (c *RateLimiterCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.events }

// Collect implements prometheus.Collector.
func (c *RateLimiterCollector) Collect(ch chan<- prometheus.Metric) {
	for name, byKind := range c.counters.snapshot() {
		for kind, count := range byKind {
			ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(count), name, kind)
		}
	}
}

// RetryCollector exposes aggregate call counters for every retryer of
// result type T in a Registry.
type RetryCollector[T any] struct {
	reg *registry.Registry[*retry.Retryer[T]]

	calls               *prometheus.Desc
	successWithoutRetry *prometheus.Desc
	successAfterRetry   *prometheus.Desc
	failedWithoutRetry  *prometheus.Desc
	failedAfterRetry    *prometheus.Desc
}

// NewRetryCollector constructs a collector polling reg.
func NewRetryCollector[T any](reg *registry.Registry[*retry.Retryer[T]]) *RetryCollector[T] {
	return &RetryCollector[T]{
		reg: reg,
		calls: prometheus.NewDesc(
			namespace+`_retry_calls_total`, `Total calls made by the retryer (including retried attempts).`,
			[]string{`name`}, nil,
		),
		successWithoutRetry: prometheus.NewDesc(
			namespace+`_retry_success_without_retry_total`, `Calls that succeeded on the first attempt.`,
			[]string{`name`}, nil,
		),
		successAfterRetry: prometheus.NewDesc(
			namespace+`_retry_success_after_retry_total`, `Calls that succeeded after at least one retry.`,
			[]string{`name`}, nil,
		),
		failedWithoutRetry: prometheus.NewDesc(
			namespace+`_retry_failed_without_retry_total`, `Calls that failed on the first attempt, without being retried.`,
			[]string{`name`}, nil,
		),
		failedAfterRetry: prometheus.NewDesc(
			namespace+`_retry_failed_after_retry_total`, `Calls that failed after at least one retry.`,
			[]string{`name`}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *RetryCollector[T]) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.calls
	ch <- c.successWithoutRetry
	ch <- c.successAfterRetry
	ch <- c.failedWithoutRetry
	ch <- c.failedAfterRetry
}

// Collect implements prometheus.Collector.
func (c *RetryCollector[T]) Collect(ch chan<- prometheus.Metric) {
	for name, r := range c.reg.All() {
		stats := r.Stats()
		ch <- prometheus.MustNewConstMetric(c.calls, prometheus.CounterValue, float64(stats.Calls), name)
		ch <- prometheus.MustNewConstMetric(c.successWithoutRetry, prometheus.CounterValue, float64(stats.SuccessWithoutRetry), name)
		ch <- prometheus.MustNewConstMetric(c.successAfterRetry, prometheus.CounterValue, float64(stats.SuccessAfterRetry), name)
		ch <- prometheus.MustNewConstMetric(c.failedWithoutRetry, prometheus.CounterValue, float64(stats.FailedWithoutRetry), name)
		ch <- prometheus.MustNewConstMetric(c.failedAfterRetry, prometheus.CounterValue, float64(stats.FailedAfterRetry), name)
	}
}
