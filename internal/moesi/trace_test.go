package moesi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocTransIDNeverReturnsZero(t *testing.T) {
	tr := NewEventTrace("")
	seen := map[uint32]bool{}
	for i := 0; i < 1000; i++ {
		id := tr.AllocTransID()
		require.NotZero(t, id)
		seen[id] = true
	}
	require.Greater(t, len(seen), 990, "xid-derived ids should essentially never collide at this scale")
}

func TestClassifyL1MissL2Hit(t *testing.T) {
	tr := NewEventTrace("")
	id := tr.AllocTransID()
	tr.InsertEvent(id, L1LdMiss, 10)
	tr.InsertEvent(id, L2Hit, 12)
	tr.InsertEvent(id, L1Finish, 14)

	shape := tr.FinishTransaction(id)
	require.Equal(t, ShapeL1MissL2Hit, shape)

	st := tr.shapes[ShapeL1MissL2Hit]
	require.EqualValues(t, 1, st.count)
	require.InDelta(t, 2.0, st.avg("l1_l2"), 0.001)
	require.InDelta(t, 2.0, st.avg("l2_l1"), 0.001)
}

func TestClassifyL1MissL2MissL3Miss(t *testing.T) {
	tr := NewEventTrace("")
	id := tr.AllocTransID()
	tr.InsertEvent(id, L1StMiss, 0)
	tr.InsertEvent(id, L2Miss, 3)
	tr.InsertEvent(id, MemHandle, 9)
	tr.InsertEvent(id, L2Finish, 15)
	tr.InsertEvent(id, L1Finish, 17)

	shape := tr.FinishTransaction(id)
	require.Equal(t, ShapeL1MissL2MissL3Miss, shape)
}

func TestCancelTransactionRecordsReorderCanceledShape(t *testing.T) {
	tr := NewEventTrace("")
	id := tr.AllocTransID()
	tr.InsertEvent(id, L1LdMiss, 0)
	tr.CancelTransaction(id)

	require.Empty(t, tr.events[id])
	require.EqualValues(t, 1, tr.shapes[ShapeReorderCanceled].count)
}

func TestInsertEventIgnoresZeroTransactionID(t *testing.T) {
	tr := NewEventTrace("")
	tr.InsertEvent(0, L1LdMiss, 5)
	require.Empty(t, tr.events)
}
