package moesi

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/xid"
)

// CacheEvent is one correlation point in a transaction's life, recorded by
// whichever component handles that stage. The topology this package
// implements collapses the reference three-level hierarchy (private L1,
// private L2, shared L3) into two levels (private L1, shared/NUCA LLC), so
// the "L2"-labeled events below fire at the LLC slice's own local
// hit/miss/forward decision and the "L3"-labeled events fire when that
// slice must in turn consult its backing memory node — preserving the
// six-shape classification's names and meaning while adapting them to a
// one-shared-level LLC.
type CacheEvent uint8

const (
	L1LdMiss CacheEvent = iota
	L1StMiss
	L1Finish
	L1Transmit
	L2Hit
	L2Miss
	L2Forward
	L2Transmit
	L2Finish
	L3Hit
	L3Miss
	L3Forward
	MemHandle
)

func (e CacheEvent) String() string {
	names := [...]string{
		"L1LdMiss", "L1StMiss", "L1Finish", "L1Transmit",
		"L2Hit", "L2Miss", "L2Forward", "L2Transmit", "L2Finish",
		"L3Hit", "L3Miss", "L3Forward", "MemHandle",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return fmt.Sprintf("CacheEvent(%d)", uint8(e))
}

// TransactionShape names one of the six terminal patterns a transaction's
// recorded event sequence can classify into.
type TransactionShape uint8

const (
	ShapeL1MissL2Hit TransactionShape = iota
	ShapeL1MissL2Forward
	ShapeL1MissL2MissL3Hit
	ShapeL1MissL2MissL3Forward
	ShapeL1MissL2MissL3Miss
	ShapeReorderCanceled
	shapeUnclassified
)

func (s TransactionShape) String() string {
	names := [...]string{
		"L1Miss+L2Hit", "L1Miss+L2Forward", "L1Miss+L2Miss+L3Hit",
		"L1Miss+L2Miss+L3Forward", "L1Miss+L2Miss+L3Miss", "ReorderCanceled",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unclassified"
}

type eventNode struct {
	tick    uint64
	event   CacheEvent
	transID uint32
}

// shapeStats accumulates a count and the per-stage average latency of
// transactions classified into one shape.
type shapeStats struct {
	count      uint64
	stageSum   map[string]uint64
	stageCount map[string]uint64
}

func newShapeStats() *shapeStats {
	return &shapeStats{stageSum: map[string]uint64{}, stageCount: map[string]uint64{}}
}

func (s *shapeStats) addStage(name string, latency uint64) {
	s.stageSum[name] += latency
	s.stageCount[name]++
}

func (s *shapeStats) avg(name string) float64 {
	if s.stageCount[name] == 0 {
		return 0
	}
	return float64(s.stageSum[name]) / float64(s.stageCount[name])
}

// EventTrace is the optional cache-event correlation collector from spec
// §4.6. It holds no state the protocol depends on — a Simulator may omit it
// entirely — and exists purely to classify completed transactions and
// report per-stage latency breakdowns.
type EventTrace struct {
	mu     sync.Mutex
	events map[uint32][]eventNode
	shapes map[TransactionShape]*shapeStats

	outPath string
	lock    *flock.Flock
}

// NewEventTrace builds an empty trace collector. If outPath is non-empty,
// Flush writes a CSV summary there, guarded by an advisory file lock so
// multiple simulator processes sharing one trace directory never interleave
// writes.
func NewEventTrace(outPath string) *EventTrace {
	t := &EventTrace{
		events:  make(map[uint32][]eventNode),
		shapes:  make(map[TransactionShape]*shapeStats),
		outPath: outPath,
	}
	if outPath != "" {
		t.lock = flock.New(outPath + ".lock")
	}
	return t
}

// AllocTransID mints a fresh cross-component correlation key from
// github.com/rs/xid (a lock-free, globally-unique, sortable ID
// generator) rather than a process-local incrementing counter, so a
// batch of rvsim processes sharing one trace output never collide on
// transaction id even though the wire format's TransactionID field is
// only 32 bits wide: the low 32 bits of a freshly minted xid are folded
// down with its own high bits to keep collision odds negligible at
// simulation scale, and the result is nudged off zero (reserved on the
// wire to mean "tracing off" per spec §6).
func (t *EventTrace) AllocTransID() uint32 {
	raw := xid.New()
	b := raw.Bytes() // 12-byte xid: 4-byte time, 5-byte machine+pid, 3-byte counter
	id := binary.BigEndian.Uint32(b[0:4]) ^ binary.BigEndian.Uint32(b[8:12])
	if id == 0 {
		id = 1
	}
	return id
}

// InsertEvent records one correlation point for a transaction.
func (t *EventTrace) InsertEvent(transID uint32, event CacheEvent, tick uint64) {
	if transID == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[transID] = append(t.events[transID], eventNode{tick: tick, event: event, transID: transID})
}

// CancelTransaction discards a transaction's recorded events without
// classifying it — used when a CPU-side pipeline flush abandons a request
// whose coherence transaction nonetheless still runs to completion
// (spec §5 "Cancellation").
func (t *EventTrace) CancelTransaction(transID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	evs := t.events[transID]
	delete(t.events, transID)
	s := t.shapeFor(ShapeReorderCanceled)
	s.count++
	_ = evs
}

// FinishTransaction classifies a completed transaction's recorded event
// sequence into one of the six shapes and folds its per-stage latencies
// into the running statistics, then releases its per-transaction buffer.
func (t *EventTrace) FinishTransaction(transID uint32) TransactionShape {
	t.mu.Lock()
	defer t.mu.Unlock()
	evs := t.events[transID]
	delete(t.events, transID)
	if len(evs) == 0 {
		return shapeUnclassified
	}

	shape, stages := classify(evs)
	s := t.shapeFor(shape)
	s.count++
	for name, lat := range stages {
		s.addStage(name, lat)
	}
	return shape
}

func (t *EventTrace) shapeFor(s TransactionShape) *shapeStats {
	st, ok := t.shapes[s]
	if !ok {
		st = newShapeStats()
		t.shapes[s] = st
	}
	return st
}

// classify walks a transaction's event sequence and determines its shape
// plus the tick deltas between consecutive stages.
func classify(evs []eventNode) (TransactionShape, map[string]uint64) {
	has := func(e CacheEvent) (eventNode, bool) {
		for _, n := range evs {
			if n.event == e {
				return n, true
			}
		}
		return eventNode{}, false
	}
	stages := map[string]uint64{}
	delta := func(name string, a, b eventNode) {
		if b.tick >= a.tick {
			stages[name] = b.tick - a.tick
		}
	}

	l1miss, hasL1Miss := has(L1LdMiss)
	if !hasL1Miss {
		l1miss, hasL1Miss = has(L1StMiss)
	}
	if !hasL1Miss {
		return shapeUnclassified, stages
	}

	if n, ok := has(L2Hit); ok {
		delta("l1_l2", l1miss, n)
		if fin, ok := has(L1Finish); ok {
			delta("l2_l1", n, fin)
		}
		return ShapeL1MissL2Hit, stages
	}
	if n, ok := has(L2Forward); ok {
		delta("l1_l2", l1miss, n)
		if tr, ok := has(L1Transmit); ok {
			delta("l2_ol1", n, tr)
			if fin, ok := has(L1Finish); ok {
				delta("ol1_l1", tr, fin)
			}
		}
		return ShapeL1MissL2Forward, stages
	}
	l2miss, hasL2Miss := has(L2Miss)
	if !hasL2Miss {
		return shapeUnclassified, stages
	}
	delta("l1_l2", l1miss, l2miss)

	if n, ok := has(L3Hit); ok {
		delta("l2_l3", l2miss, n)
		if fin2, ok := has(L2Finish); ok {
			delta("l3_l2", n, fin2)
			if fin1, ok := has(L1Finish); ok {
				delta("l2_l1", fin2, fin1)
			}
		}
		return ShapeL1MissL2MissL3Hit, stages
	}
	if n, ok := has(L3Forward); ok {
		delta("l2_l3", l2miss, n)
		if tr, ok := has(L2Transmit); ok {
			delta("l3_ol2", n, tr)
			if fin2, ok := has(L2Finish); ok {
				delta("ol2_l2", tr, fin2)
				if fin1, ok := has(L1Finish); ok {
					delta("l2_l1", fin2, fin1)
				}
			}
		}
		return ShapeL1MissL2MissL3Forward, stages
	}
	if n, ok := has(MemHandle); ok {
		delta("l3_mem", l2miss, n)
		if fin2, ok := has(L2Finish); ok {
			delta("mem_l2", n, fin2)
			if fin1, ok := has(L1Finish); ok {
				delta("l2_l1", fin2, fin1)
			}
		}
		return ShapeL1MissL2MissL3Miss, stages
	}
	return shapeUnclassified, stages
}

// Flush writes a CSV summary of shape counts and average per-stage
// latencies to the configured output path, if any.
func (t *EventTrace) Flush() error {
	if t.outPath == "" {
		return nil
	}
	if t.lock != nil {
		if err := t.lock.Lock(); err != nil {
			return err
		}
		defer t.lock.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Create(t.outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintln(f, "shape,count,stage,avg_ticks")
	for shape, st := range t.shapes {
		if len(st.stageCount) == 0 {
			fmt.Fprintf(f, "%s,%d,,\n", shape, st.count)
			continue
		}
		for name := range st.stageCount {
			fmt.Fprintf(f, "%s,%d,%s,%.3f\n", shape, st.count, name, st.avg(name))
		}
	}
	return nil
}
