package bus

import "sync"

// Port identifies one endpoint attached to the fabric: an L1, the LLC (or
// one of its NUCA slices), a memory node, or the DMA engine.
type Port uint32

// Fabric is the abstract delivery primitive assumed by spec §2/§6: it
// moves encoded messages between named ports on named channels with a
// bounded per-hop latency, and it never blocks a caller — TrySend and
// TryRecv both return immediately, reporting back-pressure instead of
// waiting.
//
// Ordering: for a fixed (source port, destination port, channel) triple,
// messages are delivered in the order they were sent. No ordering is
// implied across channels, nor across different source ports landing on
// the same destination.
type Fabric interface {
	// TrySend attempts to hand one packet from src to dst on ch. It
	// returns false if the destination's inbound queue for that channel
	// is full; the caller is expected to retry on a later tick.
	TrySend(src, dst Port, ch Channel, payload []byte) bool

	// CanSend reports whether TrySend would currently succeed, without
	// consuming capacity. Components use this to decide whether to
	// commit to producing a message this tick.
	CanSend(src, dst Port, ch Channel) bool

	// TryRecv attempts to pop the oldest packet destined for `at` on ch.
	// It returns false if no packet is ready for delivery on that
	// (port, channel) yet (still in flight, or the queue is empty).
	TryRecv(at Port, ch Channel) ([]byte, bool)

	// CanRecv reports, per channel, whether TryRecv would currently
	// succeed for `at`. The per-channel slice lets a receiver drain
	// whichever channel has ready traffic without blocking on another.
	CanRecv(at Port) [ChannelCount]bool
}

// hop is one packet in flight: queued at Send time, becomes visible to
// TryRecv once `readyAtTick` has passed. This is how the fabric models a
// bounded per-hop latency without the caller blocking.
type hop struct {
	payload     []byte
	readyAtTick uint64
}

type queueKey struct {
	dst Port
	ch  Channel
}

// InProcFabric is a simple in-process packet-switched fabric: one bounded
// FIFO queue per (destination, channel) pair, with an injectable latency
// applied uniformly to every hop. It satisfies Fabric and is driven by the
// same tick the rest of the simulator advances on — Tick() must be called
// once per simulator tick, after all components have produced their
// outbound traffic for that tick.
type InProcFabric struct {
	mu         sync.Mutex
	latency    uint64
	depth      int
	tick       uint64
	queues     map[queueKey][]hop
	pendingLen map[queueKey]int // allocated but never written; queue lengths come from queues
}

// NewInProcFabric builds a fabric where every hop takes latencyCycles
// ticks to arrive (0 means same-tick delivery) and each (dst, channel)
// queue can hold at most depth undelivered packets.
func NewInProcFabric(latencyCycles uint64, depth int) *InProcFabric {
	if depth <= 0 {
		depth = 1
	}
	return &InProcFabric{
		latency:    latencyCycles,
		depth:      depth,
		queues:     make(map[queueKey][]hop),
		pendingLen: make(map[queueKey]int),
	}
}

func (f *InProcFabric) CanSend(_, dst Port, ch Channel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := queueKey{dst, ch}
	return len(f.queues[key]) < f.depth
}

func (f *InProcFabric) TrySend(src, dst Port, ch Channel, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := queueKey{dst, ch}
	if len(f.queues[key]) >= f.depth {
		return false
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.queues[key] = append(f.queues[key], hop{payload: cp, readyAtTick: f.tick + f.latency})
	_ = src // source is not needed for single-hop delivery bookkeeping
	return true
}

func (f *InProcFabric) CanRecv(at Port) [ChannelCount]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [ChannelCount]bool
	for c := 0; c < ChannelCount; c++ {
		key := queueKey{at, Channel(c)}
		q := f.queues[key]
		out[c] = len(q) > 0 && q[0].readyAtTick <= f.tick
	}
	return out
}

func (f *InProcFabric) TryRecv(at Port, ch Channel) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := queueKey{at, ch}
	q := f.queues[key]
	if len(q) == 0 || q[0].readyAtTick > f.tick {
		return nil, false
	}
	payload := q[0].payload
	f.queues[key] = q[1:]
	return payload, true
}

// Tick advances the fabric's notion of current time by one cycle. It must
// be called exactly once per simulator tick boundary (conventionally
// during the host Simulator's apply_next_tick phase) so queued hops
// become deliverable once their latency has elapsed.
func (f *InProcFabric) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tick++
}
