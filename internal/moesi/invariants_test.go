package moesi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckInvariantsCleanSnapshotHasNoViolations(t *testing.T) {
	dir := NewDirEntry()
	dir.SetOwner(0, true)

	snap := SystemSnapshot{
		L1Lines: []map[LineIndex]CacheLine{
			{5: {State: Modified}},
			{},
		},
		Dir: map[LineIndex]DirEntry{5: dir},
	}
	require.Empty(t, CheckInvariants(snap))
}

func TestCheckInvariantsCatchesTwoExclusiveHolders(t *testing.T) {
	dir := NewDirEntry()
	dir.SetOwner(0, true)

	snap := SystemSnapshot{
		L1Lines: []map[LineIndex]CacheLine{
			{5: {State: Modified}},
			{5: {State: Exclusive}},
		},
		Dir: map[LineIndex]DirEntry{5: dir},
	}
	violations := CheckInvariants(snap)
	require.NotEmpty(t, violations)
}

func TestCheckInvariantsCatchesMixedExclusiveAndSharedStates(t *testing.T) {
	dir := NewDirEntry()
	dir.AddSharer(0)
	dir.AddSharer(1)

	snap := SystemSnapshot{
		L1Lines: []map[LineIndex]CacheLine{
			{5: {State: Exclusive}},
			{5: {State: Shared}},
		},
		Dir: map[LineIndex]DirEntry{5: dir},
	}
	violations := CheckInvariants(snap)
	require.NotEmpty(t, violations)
}

func TestCheckInvariantsCatchesResidentLineMissingFromDirectory(t *testing.T) {
	snap := SystemSnapshot{
		L1Lines: []map[LineIndex]CacheLine{
			{5: {State: Shared}},
		},
		Dir: map[LineIndex]DirEntry{},
	}
	violations := CheckInvariants(snap)
	require.NotEmpty(t, violations)
}

func TestCheckInvariantsRecoversDirEntryPanicAsViolation(t *testing.T) {
	bad := DirEntry{Sharers: map[int]struct{}{}, HasOwner: true, Owner: 3, Dirty: true}
	snap := SystemSnapshot{Dir: map[LineIndex]DirEntry{9: bad}}

	violations := CheckInvariants(snap)
	require.Len(t, violations, 1)
	require.Equal(t, LineIndex(9), violations[0].Line)
}
