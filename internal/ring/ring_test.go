package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer_PushBelowCapacity(t *testing.T) {
	b := New[int](3)

	_, ok := b.Push(1)
	require.False(t, ok)
	_, ok = b.Push(2)
	require.False(t, ok)

	require.Equal(t, 2, b.Len())
	require.Equal(t, 3, b.Cap())
	require.Equal(t, 1, b.At(0))
	require.Equal(t, 2, b.At(1))
}

func TestBuffer_PushPastCapacityEvictsOldest(t *testing.T) {
	b := New[int](3)
	b.Push(1)
	b.Push(2)
	b.Push(3)

	evicted, ok := b.Push(4)
	require.True(t, ok)
	require.Equal(t, 1, evicted)

	require.Equal(t, 3, b.Len())
	require.Equal(t, 2, b.At(0))
	require.Equal(t, 3, b.At(1))
	require.Equal(t, 4, b.At(2))
}

func TestBuffer_Reset(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	b.Push(2)

	b.Reset()
	require.Equal(t, 0, b.Len())

	_, ok := b.Push(9)
	require.False(t, ok)
	require.Equal(t, 9, b.At(0))
}

func TestBuffer_AtOutOfRangePanics(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	require.Panics(t, func() { b.At(1) })
	require.Panics(t, func() { b.At(-1) })
}

func TestNew_PanicsOnNonPositiveSize(t *testing.T) {
	require.Panics(t, func() { New[int](0) })
}
