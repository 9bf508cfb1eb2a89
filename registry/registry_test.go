package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-faultgate/faultgate/circuitbreaker"
	"github.com/go-faultgate/faultgate/eventbus"
)

func TestRegistry_GetOrCreateMemoisesByName(t *testing.T) {
	reg := New[*circuitbreaker.Breaker](`breakers`)

	var events []eventbus.Event
	reg.Subscribe(func(ev eventbus.Event) { events = append(events, ev) })

	created := 0
	first, wasCreated := reg.GetOrCreate(`payments`, func() *circuitbreaker.Breaker {
		created++
		return circuitbreaker.New(`payments`, circuitbreaker.Config{})
	})
	require.True(t, wasCreated)
	require.Equal(t, 1, created)

	second, wasCreated := reg.GetOrCreate(`payments`, func() *circuitbreaker.Breaker {
		created++
		return circuitbreaker.New(`payments`, circuitbreaker.Config{})
	})
	require.False(t, wasCreated)
	require.Equal(t, 1, created, "resolver must not run again for an existing entry")
	require.Same(t, first, second)

	require.Len(t, events, 1)
	require.Equal(t, EventEntryAdded, events[0].Kind)
}

func TestRegistry_RemoveAndReplace(t *testing.T) {
	reg := New[*circuitbreaker.Breaker](`breakers`)

	cb, _ := reg.GetOrCreate(`a`, func() *circuitbreaker.Breaker {
		return circuitbreaker.New(`a`, circuitbreaker.Config{})
	})

	replacement := circuitbreaker.New(`a`, circuitbreaker.Config{})
	old, hadOld := reg.Replace(`a`, replacement)
	require.True(t, hadOld)
	require.Same(t, cb, old)

	all := reg.All()
	require.Same(t, replacement, all[`a`])

	removed, ok := reg.Remove(`a`)
	require.True(t, ok)
	require.Same(t, replacement, removed)

	_, ok = reg.Remove(`a`)
	require.False(t, ok)

	require.Empty(t, reg.All())
}

func TestRegistry_SubscribeAllMergesInstanceStreams(t *testing.T) {
	reg := New[*circuitbreaker.Breaker](`breakers`)

	var mergedKinds []string
	var mergedNames []string
	cancel := reg.SubscribeAll(func(ev eventbus.Event) {
		mergedKinds = append(mergedKinds, ev.Kind)
		mergedNames = append(mergedNames, ev.PolicyName)
	})

	a, _ := reg.GetOrCreate(`a`, func() *circuitbreaker.Breaker {
		return circuitbreaker.New(`a`, circuitbreaker.Config{})
	})
	b, _ := reg.GetOrCreate(`b`, func() *circuitbreaker.Breaker {
		return circuitbreaker.New(`b`, circuitbreaker.Config{})
	})

	a.TransitionToState(circuitbreaker.StateForcedOpen)
	b.TransitionToState(circuitbreaker.StateForcedOpen)

	require.Len(t, mergedKinds, 2)
	require.ElementsMatch(t, []string{`a`, `b`}, mergedNames)

	cancel()
	a.TransitionToState(circuitbreaker.StateClosed)
	require.Len(t, mergedKinds, 2, "cancel must stop delivery from every merged instance")
}
