// Package eventbus implements the bounded, in-memory publish/subscribe bus
// shared by every policy instance. Each policy owns exactly one Bus: it
// publishes lifecycle events onto it, and external observers subscribe to
// watch them.
//
// Publish delivers to handlers synchronously on the publisher's goroutine
// and never propagates a panicking handler back to the publisher, so a
// misbehaving subscriber cannot break the hot call path. A slow handler
// does delay Publish's return; handlers that need isolation must hand
// work off to their own goroutine.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-faultgate/faultgate/internal/ring"
)

type (
	// Event is a timestamped, typed lifecycle record. Kind-specific detail
	// lives in the Fields map rather than a closed set of struct fields,
	// so new policy kinds can add event shapes without changing this type.
	Event struct {
		ID         uuid.UUID
		Time       time.Time
		PolicyName string
		Kind       string
		Fields     map[string]any
	}

	// Handler observes published events. It must not block or panic; if it
	// does panic, the Bus recovers and discards it - the panic never
	// reaches Publish's caller.
	Handler func(Event)

	// Predicate filters events delivered to a Handler. A nil Predicate
	// matches everything.
	Predicate func(Event) bool

	subscription struct {
		id        uint64
		predicate Predicate
		handler   Handler
	}

	// Bus is a bounded event history plus a set of active subscribers, all
	// scoped to a single policy instance.
	Bus struct {
		policyName string

		mu      sync.Mutex
		history *ring.Buffer[Event]
		subs    []subscription
		nextID  uint64
	}
)

// DefaultCapacity is the default size of a Bus's ring-buffered history.
const DefaultCapacity = 100

// New constructs a Bus for the named policy instance, retaining up to
// capacity past events (DefaultCapacity if capacity <= 0).
func New(policyName string, capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		policyName: policyName,
		history:    ring.New[Event](capacity),
	}
}

// NewEvent constructs an Event for this Bus's policy, stamped with the
// current time and a fresh correlation ID.
func (b *Bus) NewEvent(kind string, fields map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Time:       time.Now(),
		PolicyName: b.policyName,
		Kind:       kind,
		Fields:     fields,
	}
}

// Publish appends ev to the history (evicting the oldest entry if full)
// and notifies subscribers, in subscription order, synchronously on the
// caller's goroutine. A subscriber whose Handler panics is skipped; the
// panic does not propagate.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.history.Push(ev)
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.predicate != nil && !s.predicate(ev) {
			continue
		}
		deliver(s.handler, ev)
	}
}

func deliver(h Handler, ev Event) {
	defer func() { _ = recover() }()
	h(ev)
}

// Subscribe registers handler for future events matching predicate (or all
// events, if predicate is nil). The returned cancel function removes the
// subscription; it is idempotent and safe to call from any goroutine,
// including from within the handler itself. Cancellation never requires
// cooperation from the handler.
func (b *Bus) Subscribe(predicate Predicate, handler Handler) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, predicate: predicate, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// History returns a chronological snapshot of retained events, optionally
// filtered by predicate (nil returns everything retained).
func (b *Bus) History(predicate Predicate) []Event {
	b.mu.Lock()
	n := b.history.Len()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.history.At(i))
	}
	b.mu.Unlock()

	if predicate == nil {
		return out
	}
	filtered := out[:0]
	for _, ev := range out {
		if predicate(ev) {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}
