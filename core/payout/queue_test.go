package payout

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lucidpay/core/types"
)

func TestQueueDrainStrictPriority(t *testing.T) {
	q := newQueueSet()
	q.Push(types.PriorityLow, "low-1")
	q.Push(types.PriorityNormal, "normal-1")
	q.Push(types.PriorityUrgent, "urgent-1")
	q.Push(types.PriorityNormal, "normal-2")
	q.Push(types.PriorityHigh, "high-1")

	require.Equal(t, []string{"urgent-1", "high-1", "normal-1", "normal-2", "low-1"}, q.Drain(10))
	require.Equal(t, 0, q.Len())
}

func TestQueueDrainRespectsMax(t *testing.T) {
	q := newQueueSet()
	q.Push(types.PriorityUrgent, "urgent-1")
	q.Push(types.PriorityUrgent, "urgent-2")
	q.Push(types.PriorityHigh, "high-1")

	require.Equal(t, []string{"urgent-1", "urgent-2"}, q.Drain(2))
	require.Equal(t, []string{"high-1"}, q.Drain(2))
	require.Empty(t, q.Drain(2))
	require.Nil(t, q.Drain(0))
}

func TestQueueFIFOWithinTier(t *testing.T) {
	q := newQueueSet()
	q.Push(types.PriorityNormal, "a")
	q.Push(types.PriorityNormal, "b")
	q.Push(types.PriorityNormal, "c")

	require.Equal(t, []string{"a", "b", "c"}, q.Drain(3))
}

func TestQueueRemove(t *testing.T) {
	q := newQueueSet()
	q.Push(types.PriorityNormal, "a")
	q.Push(types.PriorityNormal, "b")

	require.True(t, q.Remove("a"))
	require.False(t, q.Remove("a"))
	require.Equal(t, []string{"b"}, q.Drain(10))
}

func TestQueueDepths(t *testing.T) {
	q := newQueueSet()
	q.Push(types.PriorityUrgent, "u")
	q.Push(types.PriorityLow, "l1")
	q.Push(types.PriorityLow, "l2")

	depths := q.Depths()
	require.Equal(t, 1, depths[types.PriorityUrgent])
	require.Equal(t, 0, depths[types.PriorityHigh])
	require.Equal(t, 2, depths[types.PriorityLow])
	require.Equal(t, 3, q.Len())
}
