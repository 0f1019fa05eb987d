package moesi

// MSHREntry is a Miss Status Holding Register: the per-line record of an
// in-flight L1 (or DMA) transaction. An L1 holds at most one MSHR per
// line (spec §3) — CPU requests that hit a line already in MSHR are
// stalled (Miss/Busy) or folded into the existing transaction.
type MSHREntry struct {
	State MSHRState

	// LineBuf is the scratch cache line: it accumulates fetched data on
	// an upgrade, or holds the victim's data on an eviction drain.
	LineBuf Line

	// NeedInvalidAck / InvalidAck implement the fused ack-count pair:
	// the LLC tells the requester how many sharers it invalidated
	// (NeedInvalidAck, via GetMAck.Arg), and each subsequent InvAck
	// increments InvalidAck. Acks may arrive out of order relative to
	// data (spec §4.2 "ordering guarantees"), so completion requires
	// checking both readiness flags independently.
	NeedInvalidAck uint32
	InvalidAck     uint32
	GetAckCntReady bool

	DataReady bool

	// StartTick records when the MSHR was allocated, for miss-latency
	// statistics.
	StartTick uint64
}

// isUpgradeToM reports whether this transient state is one that waits
// on an ack count from the home node at all (the *toM upgrade path).
func (e *MSHREntry) isUpgradeToM() bool {
	switch e.State {
	case ItoM, StoM, OtoM:
		return true
	default:
		return false
	}
}

// getmComplete reports whether an upgrade-to-M MSHR has collected
// everything it needs: the ack count must be known, every counted
// invalidation must have been observed, and (for ItoM, which starts with
// no data of its own) the data payload must have arrived.
func (e *MSHREntry) getmComplete() bool {
	if !e.GetAckCntReady || e.NeedInvalidAck != e.InvalidAck {
		return false
	}
	if e.State == ItoM {
		return e.DataReady
	}
	return true
}

// MSHRTable is the owning, map-indexed container of in-flight
// transactions for one L1 (or DMA) agent, replacing the reference's raw
// pointer indexing with ordinary Go map semantics (design notes §9).
type MSHRTable struct {
	capacity int
	entries  map[LineIndex]*MSHREntry
}

// NewMSHRTable builds a table that can hold at most capacity concurrent
// transactions — the structural resource whose exhaustion causes Busy
// (spec §4.2's "MSHR allocation rule").
func NewMSHRTable(capacity int) *MSHRTable {
	return &MSHRTable{
		capacity: capacity,
		entries:  make(map[LineIndex]*MSHREntry, capacity),
	}
}

// Get returns the MSHR for a line, or nil if none exists.
func (t *MSHRTable) Get(line LineIndex) *MSHREntry {
	return t.entries[line]
}

// Alloc allocates a fresh MSHR for line. It returns nil if the table is
// already full or an entry already exists for that line (an L1 holds at
// most one MSHR per line).
func (t *MSHRTable) Alloc(line LineIndex) *MSHREntry {
	if _, exists := t.entries[line]; exists {
		return nil
	}
	if len(t.entries) >= t.capacity {
		return nil
	}
	e := &MSHREntry{}
	t.entries[line] = e
	return e
}

// Remove frees the MSHR for line (the transaction has fully completed).
func (t *MSHRTable) Remove(line LineIndex) {
	delete(t.entries, line)
}

// Len reports the number of in-flight transactions.
func (t *MSHRTable) Len() int {
	return len(t.entries)
}

// Full reports whether Alloc would currently fail due to capacity.
func (t *MSHRTable) Full() bool {
	return len(t.entries) >= t.capacity
}

// Snapshot returns a defensive copy of the table's lines and their
// transient states, for dumps and invariant checking. It never leaks
// pointers into live MSHREntry values.
func (t *MSHRTable) Snapshot() map[LineIndex]MSHRState {
	out := make(map[LineIndex]MSHRState, len(t.entries))
	for line, e := range t.entries {
		out[line] = e.State
	}
	return out
}
