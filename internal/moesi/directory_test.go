package moesi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirEntrySetOwnerImpliesSharer(t *testing.T) {
	d := NewDirEntry()
	d.SetOwner(2, true)
	require.Equal(t, 1, d.SharerCount())
	require.True(t, d.Dirty)
	d.CheckInvariants(1) // must not panic
}

func TestDirEntryRemoveSharerClearsOwnershipWhenOwnerLeaves(t *testing.T) {
	d := NewDirEntry()
	d.SetOwner(2, true)
	d.RemoveSharer(2)
	require.False(t, d.HasOwner)
	require.False(t, d.Dirty)
	require.True(t, d.Empty())
}

func TestDirEntrySharerListExceptExcludesGivenRequester(t *testing.T) {
	d := NewDirEntry()
	d.AddSharer(0)
	d.AddSharer(1)
	d.AddSharer(2)
	list := d.SharerListExcept(1)
	require.ElementsMatch(t, []int{0, 2}, list)
}

func TestDirEntryClearOwnerKeepsSharers(t *testing.T) {
	d := NewDirEntry()
	d.SetOwner(0, true)
	d.AddSharer(1)
	d.ClearOwner()
	require.False(t, d.HasOwner)
	require.Equal(t, 2, d.SharerCount())
}
