// Package window implements the sliding outcome window shared by the
// circuit breaker's closed and half-open states: a thread-safe accumulator
// of {success, failure, slow-call} outcomes, either count-based (last N
// outcomes) or time-based (bucketed by wall-second over the last N
// seconds).
//
// Count-based storage is the internal/ring circular buffer; time-based
// storage is a fixed array of per-second partial aggregates, rotated on
// epoch-second mismatch, in the spirit of catrate's approach to discarding
// stale entries based on wall-clock boundaries (see catrate.filterEvents).
package window

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faultgate/faultgate/internal/ring"
)

type (
	// Kind classifies a recorded call outcome.
	Kind uint8

	// Type selects the sliding window's eviction strategy.
	Type uint8

	// Outcome is a single recorded call result.
	Outcome struct {
		Kind     Kind
		Duration time.Duration
	}

	// Config parameterises a Window.
	Config struct {
		// Type selects COUNT_BASED or TIME_BASED eviction.
		Type Type
		// Size is N: the outcome count (COUNT_BASED) or second-buckets
		// (TIME_BASED). Must be positive.
		Size int
		// MinimumNumberOfCalls is the saturation threshold. Must be positive
		// and, for COUNT_BASED windows, should not exceed Size.
		MinimumNumberOfCalls int
	}

	// Snapshot is a consistent-enough point-in-time aggregate view. Ratios
	// are expressed as percentages in [0, 100].
	Snapshot struct {
		TotalCalls   uint64
		FailedCalls  uint64
		SlowCalls    uint64
		FailureRate  float64
		SlowCallRate float64
		// Saturated is true while at least MinimumNumberOfCalls outcomes
		// are held in the window (for TIME_BASED windows it turns false
		// again as buckets age out). Until true, FailureRate
		// and SlowCallRate MUST be treated as non-actionable by callers.
		Saturated bool
	}

	// Window accumulates Outcome values and exposes an aggregate Snapshot.
	// Safe for concurrent Record calls, from any number of goroutines.
	Window interface {
		Record(o Outcome)
		Snapshot() Snapshot
	}
)

const (
	KindSuccess Kind = iota
	KindSlowSuccess
	KindFailure
)

const (
	CountBased Type = iota
	TimeBased
)

// New constructs a Window per cfg. Panics on invalid configuration.
func New(cfg Config) Window {
	if cfg.Size <= 0 {
		panic(`window: size must be positive`)
	}
	if cfg.MinimumNumberOfCalls <= 0 {
		panic(`window: minimum number of calls must be positive`)
	}
	switch cfg.Type {
	case TimeBased:
		return newTimeWindow(cfg)
	default:
		return newCountWindow(cfg)
	}
}

func ratios(total, failed, slow uint64) (failureRate, slowCallRate float64) {
	if total == 0 {
		return 0, 0
	}
	return 100 * float64(failed) / float64(total), 100 * float64(slow) / float64(total)
}

// countWindow is the COUNT_BASED implementation: a fixed-size ring of the
// last Size outcomes, with incrementally-maintained aggregate counters -
// on eviction the evicted outcome's contribution is subtracted, so ratios
// are always computed from the aggregates rather than by rescanning.
type countWindow struct {
	minimum int

	mu  sync.Mutex
	buf *ring.Buffer[Outcome]

	total  atomic.Uint64
	failed atomic.Uint64
	slow   atomic.Uint64
}

func newCountWindow(cfg Config) *countWindow {
	return &countWindow{
		minimum: cfg.MinimumNumberOfCalls,
		buf:     ring.New[Outcome](cfg.Size),
	}
}

func (w *countWindow) Record(o Outcome) {
	w.mu.Lock()
	evicted, had := w.buf.Push(o)
	w.mu.Unlock()

	// total only grows while the buffer is still filling; once full, an
	// eviction and an insert cancel out and total is left untouched.
	if had {
		switch evicted.Kind {
		case KindFailure:
			w.failed.Add(^uint64(0)) // -1, two's complement
		case KindSlowSuccess:
			w.slow.Add(^uint64(0))
		}
	} else {
		w.total.Add(1)
	}

	switch o.Kind {
	case KindFailure:
		w.failed.Add(1)
	case KindSlowSuccess:
		w.slow.Add(1)
	}
}

func (w *countWindow) Snapshot() Snapshot {
	total := w.total.Load()
	failed := w.failed.Load()
	slow := w.slow.Load()
	failureRate, slowCallRate := ratios(total, failed, slow)
	return Snapshot{
		TotalCalls:   total,
		FailedCalls:  failed,
		SlowCalls:    slow,
		FailureRate:  failureRate,
		SlowCallRate: slowCallRate,
		Saturated:    total >= uint64(w.minimum),
	}
}

// timeWindow is the TIME_BASED implementation: Size buckets, one per
// second, indexed by floor(now_seconds) mod Size. A bucket is rotated
// (cleared) the first time it is touched in a new epoch-second, matching
// spec.md's "on bucket rotation (detected by epoch-second mismatch) the
// stale bucket is cleared before reuse".
type timeWindow struct {
	minimum int
	size    int64

	mu      sync.Mutex
	buckets []bucket
}

type bucket struct {
	epochSecond int64
	total       uint64
	failed      uint64
	slow        uint64
}

func newTimeWindow(cfg Config) *timeWindow {
	return &timeWindow{
		minimum: cfg.MinimumNumberOfCalls,
		size:    int64(cfg.Size),
		buckets: make([]bucket, cfg.Size),
	}
}

var timeNow = time.Now

func (w *timeWindow) Record(o Outcome) {
	now := timeNow().Unix()
	idx := now % w.size

	w.mu.Lock()
	defer w.mu.Unlock()

	b := &w.buckets[idx]
	if b.epochSecond != now {
		*b = bucket{epochSecond: now}
	}
	b.total++
	switch o.Kind {
	case KindFailure:
		b.failed++
	case KindSlowSuccess:
		b.slow++
	}
}

func (w *timeWindow) Snapshot() Snapshot {
	now := timeNow().Unix()
	oldest := now - w.size + 1

	w.mu.Lock()
	defer w.mu.Unlock()

	var total, failed, slow uint64
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.epochSecond >= oldest && b.epochSecond <= now {
			total += b.total
			failed += b.failed
			slow += b.slow
		}
	}

	failureRate, slowCallRate := ratios(total, failed, slow)
	return Snapshot{
		TotalCalls:   total,
		FailedCalls:  failed,
		SlowCalls:    slow,
		FailureRate:  failureRate,
		SlowCallRate: slowCallRate,
		Saturated:    total >= uint64(w.minimum),
	}
}
