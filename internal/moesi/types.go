// Package moesi implements the MOESI directory-based cache-coherence
// protocol shared by the private L1 controllers, the last-level cache and
// its directory, the memory node, and the DMA engine. These four
// components exchange bus.Message traffic and cooperatively maintain the
// MOESI invariants described in spec.md §8 while servicing load/store/AMO
// requests from upstream pipelines.
package moesi

import (
	"fmt"

	"github.com/archsim/rvsim/internal/bus"
)

// LineState is one of the five MOESI cache-line states.
type LineState uint8

const (
	Invalid LineState = iota
	Shared
	Exclusive
	Modified
	Owned
)

func (s LineState) String() string {
	switch s {
	case Invalid:
		return "I"
	case Shared:
		return "S"
	case Exclusive:
		return "E"
	case Modified:
		return "M"
	case Owned:
		return "O"
	default:
		return fmt.Sprintf("LineState(%d)", uint8(s))
	}
}

// MSHRState is the transient state of an in-flight L1 (or DMA) line
// transaction, named after its source->destination stable-state pair
// (e.g. StoM: Shared upgrading to Modified).
type MSHRState uint8

const (
	ItoS MSHRState = iota
	ItoM
	StoM
	OtoM
	StoI
	MtoI
	EtoI
	OtoI
	ItoI
)

func (s MSHRState) String() string {
	names := [...]string{"ItoS", "ItoM", "StoM", "OtoM", "StoI", "MtoI", "EtoI", "OtoI", "ItoI"}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("MSHRState(%d)", uint8(s))
}

// IsUpgrade reports whether this transient state ends in an installed,
// readable/writable line (as opposed to ending in eviction/invalidation).
func (s MSHRState) IsUpgrade() bool {
	switch s {
	case ItoS, ItoM, StoM, OtoM:
		return true
	default:
		return false
	}
}

// IsEviction reports whether this transient state is a replacement or
// invalidation drain (*toI).
func (s MSHRState) IsEviction() bool {
	return !s.IsUpgrade()
}

// SimError is the outward-visible result of a cache-op, per spec §4.2/§7.
type SimError uint8

const (
	Success SimError = iota
	Miss              // transient: in flight, retry next tick
	Busy              // transient: structural resource unavailable, retry next tick
	Unaligned
	InvalidAddr
	Coherence // transient: MSHR is in a state that cannot accept this op now
	Unconditional
)

func (e SimError) String() string {
	names := [...]string{"Success", "Miss", "Busy", "Unaligned", "InvalidAddr", "Coherence", "Unconditional"}
	if int(e) < len(names) {
		return names[e]
	}
	return fmt.Sprintf("SimError(%d)", uint8(e))
}

// ProtocolInvariant is the panic value raised when an incoming message is
// unexpected for the current MSHR/directory state — a bug in the protocol
// implementation or its caller, never a transient condition. Per spec §7/§9
// this must stay distinguishable from the SimError return channel, so it is
// always delivered via panic, never as a returned error.
type ProtocolInvariant struct {
	Component string
	Reason    string
	Detail    string
}

func (p ProtocolInvariant) Error() string {
	return fmt.Sprintf("moesi: protocol invariant violated in %s: %s (%s)", p.Component, p.Reason, p.Detail)
}

func invariantf(component, reason, format string, args ...any) {
	panic(ProtocolInvariant{Component: component, Reason: reason, Detail: fmt.Sprintf(format, args...)})
}

// AMOOp names the RISC-V-style atomic read-modify-write operations that
// compose on top of the store/load primitives per spec §4.2.
type AMOOp uint8

const (
	AMOSwap AMOOp = iota
	AMOAdd
	AMOAnd
	AMOOr
	AMOXor
	AMOMax
	AMOMin
	AMOMaxu
	AMOMinu
	AMOLR
	AMOSC
)

// Line is re-exported for package ergonomics so callers need not import
// bus directly just to hold a cache line payload.
type Line = bus.Line

// LineIndex is re-exported for the same reason.
type LineIndex = bus.LineIndex
