// Package cpumodel borrows the shapes of an out-of-order scheduler and a
// branch predictor for a synthetic coherence-traffic generator: a
// bounded in-flight request window (generator.go, a cousin of the
// reservation-station bitmap scheduler) and a retry predictor for LR/SC
// spin loops (retry.go, a cousin of the TAGE branch predictor's base
// table), both driving an internal/moesi.L1Cache instead of a register
// file.
package cpumodel

import (
	"math/rand"

	"github.com/archsim/rvsim/internal/moesi"
)

// OpKind names the kind of memory operation a Request issues.
type OpKind uint8

const (
	OpLoad OpKind = iota
	OpStore
	OpAMO
	OpLR
	OpSC
)

// Request is one synthetic memory operation a TrafficGenerator drives
// through an L1Cache.
type Request struct {
	Kind   OpKind
	Addr   uint64
	Length int
	AMOOp  moesi.AMOOp
	Buf    []byte
}

// slot is one entry of the generator's bounded request window: the
// reservation-station bitmap scheduler's Valid/Issued pair, repurposed
// here to mean "has a request" / "is currently in flight at the L1"
// rather than "has decoded operands" / "has been dispatched to an ALU".
type slot struct {
	valid   bool
	issued  bool
	req     Request
	retries int
}

// Window bitmaps, directly adapted from proto/ooo's Scoreboard: bit i
// set means slot i is valid (ValidBits) or has completed (DoneBits).
type windowBitmap uint32

func (b windowBitmap) isSet(i int) bool { return (b>>uint(i))&1 != 0 }
func (b *windowBitmap) set(i int)       { *b |= 1 << uint(i) }
func (b *windowBitmap) clear(i int)     { *b &^= 1 << uint(i) }

const windowSize = 16

// TrafficGenerator drives a bounded window of synthetic requests through
// one L1Cache, retrying whatever SimError the cache returns (Miss, Busy,
// Coherence) until it reports Success, then refilling the freed slot from
// Source. It also records every completed request's final value so tests
// can assert on observed memory ordering.
type TrafficGenerator struct {
	l1     *moesi.L1Cache
	source func(rnd *rand.Rand) Request
	rnd    *rand.Rand

	window   [windowSize]slot
	valid    windowBitmap
	done     windowBitmap
	retryPred *RetryPredictor

	Completed []Request
}

// NewTrafficGenerator builds a generator over l1, pulling new requests
// from source (typically a closure over a fixed instruction stream or a
// randomized address/op mix) seeded by seed.
func NewTrafficGenerator(l1 *moesi.L1Cache, source func(rnd *rand.Rand) Request, seed int64) *TrafficGenerator {
	return &TrafficGenerator{
		l1:        l1,
		source:    source,
		rnd:       rand.New(rand.NewSource(seed)),
		retryPred: NewRetryPredictor(),
	}
}

// fill tops up any invalid slot from source.
func (g *TrafficGenerator) fill() {
	for i := 0; i < windowSize; i++ {
		if g.valid.isSet(i) {
			continue
		}
		g.window[i] = slot{valid: true, req: g.source(g.rnd)}
		g.valid.set(i)
	}
}

// Step drives one tick: every valid, unfinished slot attempts its
// request against the L1 once. A Success retires the slot (recording it
// in Completed) and refills it next Step via fill.
func (g *TrafficGenerator) Step() {
	g.fill()

	for i := 0; i < windowSize; i++ {
		if !g.valid.isSet(i) || g.done.isSet(i) {
			continue
		}
		s := &g.window[i]
		pc := uint64(i) // the window slot doubles as a stable per-request "address" for the predictor

		if s.req.Kind == OpSC && s.retries > 0 {
			if !g.retryPred.ShouldRetryNow(pc) {
				continue // predictor says spin locally this tick, don't resubmit yet
			}
		}

		err := g.issue(s.req)
		switch err {
		case moesi.Success:
			if s.req.Kind == OpSC {
				g.retryPred.Update(pc, s.retries == 0)
			}
			g.done.set(i)
			g.Completed = append(g.Completed, s.req)
		case moesi.Miss, moesi.Busy, moesi.Coherence:
			s.retries++
		default:
			// Unaligned/InvalidAddr/Unconditional are caller bugs for a
			// generator that only ever produces well-formed requests.
			panic("cpumodel: generator produced an invalid request")
		}
	}

	for i := 0; i < windowSize; i++ {
		if g.done.isSet(i) {
			g.valid.clear(i)
			g.done.clear(i)
			g.window[i] = slot{}
		}
	}
}

func (g *TrafficGenerator) issue(req Request) moesi.SimError {
	switch req.Kind {
	case OpLoad:
		return g.l1.Load(req.Addr, req.Length, req.Buf)
	case OpStore:
		return g.l1.Store(req.Addr, req.Length, req.Buf)
	case OpAMO:
		return g.l1.AMO(req.AMOOp, req.Addr, req.Length, req.Buf)
	case OpLR:
		return g.l1.LoadReserved(req.Addr, req.Length, req.Buf)
	case OpSC:
		return g.l1.StoreConditional(req.Addr, req.Length, req.Buf)
	default:
		panic("cpumodel: unknown request kind")
	}
}
