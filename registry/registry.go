// Package registry implements a named, process-scoped collection of
// policy instances: GetOrCreate memoises by name so repeated lookups
// (even with a different resolver) return the same instance, matching
// resilience4j's registry semantics referenced by spec.md.
package registry

import (
	"sync"

	"github.com/go-faultgate/faultgate/eventbus"
)

// Event kinds published onto a Registry's own Bus.
const (
	EventEntryAdded    = `EntryAdded`
	EventEntryRemoved  = `EntryRemoved`
	EventEntryReplaced = `EntryReplaced`
)

// Instance is the minimum surface a policy type must expose to live in a
// Registry: its own event bus, so Registry.SubscribeAll can merge every
// instance's event stream.
type Instance interface {
	Bus() *eventbus.Bus
}

type (
	allSub struct {
		id      uint64
		handler eventbus.Handler
	}

	// Registry is a named collection of T, generic over any policy type
	// satisfying Instance (circuitbreaker.Breaker, ratelimiter.Limiter,
	// bulkhead.Bulkhead, or retry.Retryer[X]).
	Registry[T Instance] struct {
		bus *eventbus.Bus

		mu      sync.Mutex
		entries map[string]T

		nextAllID uint64
		allSubs   []allSub
		// instanceCancels[name][allSubID] = cancel for that merged subscription
		instanceCancels map[string]map[uint64]func()
	}
)

// New constructs an empty Registry named name (used as its own Bus's
// policy name, for registry-level events).
func New[T Instance](name string) *Registry[T] {
	return &Registry[T]{
		bus:             eventbus.New(name, 0),
		entries:         make(map[string]T),
		instanceCancels: make(map[string]map[uint64]func()),
	}
}

// Bus returns the registry's own event bus (EntryAdded/Removed/Replaced).
func (r *Registry[T]) Bus() *eventbus.Bus { return r.bus }

// GetOrCreate returns the instance named name, creating it via resolve if
// it does not already exist. created reports whether resolve was invoked.
// Subsequent calls with the same name, even with a different resolve,
// return the original instance.
func (r *Registry[T]) GetOrCreate(name string, resolve func() T) (instance T, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		return existing, false
	}

	instance = resolve()
	r.entries[name] = instance
	r.attachMerged(name, instance)
	r.publish(EventEntryAdded, name)
	return instance, true
}

// Remove deletes the named instance, if present, and unsubscribes any
// merged-stream subscriptions from it.
func (r *Registry[T]) Remove(name string) (removed T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed, ok = r.entries[name]
	if !ok {
		return removed, false
	}
	delete(r.entries, name)
	r.detachMerged(name)
	r.publish(EventEntryRemoved, name)
	return removed, true
}

// Replace swaps the named instance for a new one, returning the
// previous instance if there was one.
func (r *Registry[T]) Replace(name string, instance T) (old T, hadOld bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, hadOld = r.entries[name]
	if hadOld {
		r.detachMerged(name)
	}
	r.entries[name] = instance
	r.attachMerged(name, instance)
	r.publish(EventEntryReplaced, name)
	return old, hadOld
}

// All returns a snapshot copy of every registered instance, keyed by name.
func (r *Registry[T]) All() map[string]T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]T, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Subscribe registers handler for this Registry's own EntryAdded/
// EntryRemoved/EntryReplaced events.
func (r *Registry[T]) Subscribe(handler eventbus.Handler) (cancel func()) {
	return r.bus.Subscribe(nil, handler)
}

// SubscribeAll registers handler against the merged event stream of every
// current and future instance in the Registry; each delivered
// eventbus.Event carries its originating instance's name in PolicyName.
func (r *Registry[T]) SubscribeAll(handler eventbus.Handler) (cancel func()) {
	r.mu.Lock()
	id := r.nextAllID
	r.nextAllID++
	r.allSubs = append(r.allSubs, allSub{id: id, handler: handler})
	for name, instance := range r.entries {
		r.subscribeOne(name, instance, id, handler)
	}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.allSubs {
			if s.id == id {
				r.allSubs = append(r.allSubs[:i], r.allSubs[i+1:]...)
				break
			}
		}
		for _, cancels := range r.instanceCancels {
			if c, ok := cancels[id]; ok {
				c()
				delete(cancels, id)
			}
		}
	}
}

// attachMerged and subscribeOne must be called with r.mu held.
func (r *Registry[T]) attachMerged(name string, instance T) {
	for _, s := range r.allSubs {
		r.subscribeOne(name, instance, s.id, s.handler)
	}
}

func (r *Registry[T]) subscribeOne(name string, instance T, id uint64, handler eventbus.Handler) {
	cancel := instance.Bus().Subscribe(nil, handler)
	if r.instanceCancels[name] == nil {
		r.instanceCancels[name] = make(map[uint64]func())
	}
	r.instanceCancels[name][id] = cancel
}

func (r *Registry[T]) detachMerged(name string) {
	for _, c := range r.instanceCancels[name] {
		c()
	}
	delete(r.instanceCancels, name)
}

func (r *Registry[T]) publish(kind, name string) {
	r.bus.Publish(r.bus.NewEvent(kind, map[string]any{`name`: name}))
}
