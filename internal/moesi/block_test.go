package moesi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLineBlockInsertEvictsLeastRecentlyUsed(t *testing.T) {
	b := NewLineBlock[int](2)
	b.Insert(1, 10)
	b.Insert(2, 20)
	_, _, evicted := b.Insert(3, 30)
	require.True(t, evicted)
	require.False(t, b.Contains(1))
	require.True(t, b.Contains(2))
	require.True(t, b.Contains(3))
}

func TestLineBlockGetWithTouchPromotesToMostRecentlyUsed(t *testing.T) {
	b := NewLineBlock[int](2)
	b.Insert(1, 10)
	b.Insert(2, 20)
	_, _ = b.Get(1, true) // touch 1, making 2 the LRU victim

	_, victimData, evicted := b.Insert(3, 30)
	require.True(t, evicted)
	require.Equal(t, 20, victimData)
	require.True(t, b.Contains(1))
}

func TestLineBlockPeekAllowsInPlaceMutationWithoutReordering(t *testing.T) {
	b := NewLineBlock[CacheLine](2)
	b.Insert(1, CacheLine{State: Shared})
	line, ok := b.Peek(1)
	require.True(t, ok)
	line.State = Modified

	got, _ := b.Get(1, false)
	require.Equal(t, Modified, got.State)
}

func TestLineBlockRemoveThenSnapshotOmitsRemovedLine(t *testing.T) {
	b := NewLineBlock[int](4)
	b.Insert(1, 10)
	b.Insert(2, 20)
	b.Remove(1)

	snap := b.Snapshot()
	require.NotContains(t, snap, LineIndex(1))
	require.Contains(t, snap, LineIndex(2))
}
