package moesi

import "fmt"

// InvariantViolation describes one broken universal MOESI invariant found
// by CheckInvariants, for tests that want to report every violation found
// in one pass rather than panicking on the first.
type InvariantViolation struct {
	Line   LineIndex
	Reason string
}

func (v InvariantViolation) String() string {
	return fmt.Sprintf("line=%d: %s", v.Line, v.Reason)
}

// SystemSnapshot is the read-only view of every component's state that
// CheckInvariants walks. Construct one from each component's Snapshot
// method after draining the system to quiescence.
type SystemSnapshot struct {
	L1Lines []map[LineIndex]CacheLine
	L1MSHRs []map[LineIndex]MSHRState
	LLCLine map[LineIndex]CacheLine
	Dir     map[LineIndex]DirEntry
}

// CheckInvariants walks a SystemSnapshot and returns every violation of the
// universal invariants from spec §8:
//
//  1. At most one L1 holds a line in E or M at a time.
//  2. A line in M or E at any L1 implies the directory's owner is that L1.
//  3. The directory's sharer set is a superset of every L1 actually
//     holding the line.
//  4. No line is in two different L1s in mutually exclusive states
//     (e.g. one E and another S) at the same time.
//  5. Every DirEntry's own internal invariants hold (owner ∈ sharers, dirty
//     implies owner).
//
// Only L1Lines and Dir are examined; LLCLine and L1MSHRs are not read.
func CheckInvariants(snap SystemSnapshot) []InvariantViolation {
	var violations []InvariantViolation

	exclusiveHolders := map[LineIndex][]int{}
	anyHolders := map[LineIndex][]int{}
	holderState := map[LineIndex]map[int]LineState{}

	for l1idx, lines := range snap.L1Lines {
		for line, cl := range lines {
			anyHolders[line] = append(anyHolders[line], l1idx)
			if holderState[line] == nil {
				holderState[line] = map[int]LineState{}
			}
			holderState[line][l1idx] = cl.State
			if cl.State == Exclusive || cl.State == Modified {
				exclusiveHolders[line] = append(exclusiveHolders[line], l1idx)
			}
		}
	}

	for line, holders := range exclusiveHolders {
		if len(holders) > 1 {
			violations = append(violations, InvariantViolation{line, fmt.Sprintf("%d L1s hold E/M simultaneously: %v", len(holders), holders)})
		}
	}

	for line, states := range holderState {
		hasExclusiveLike := false
		hasSharedLike := false
		for _, st := range states {
			switch st {
			case Exclusive, Modified:
				hasExclusiveLike = true
			case Shared, Owned:
				hasSharedLike = true
			}
		}
		if hasExclusiveLike && hasSharedLike {
			violations = append(violations, InvariantViolation{line, fmt.Sprintf("mixes exclusive-like and shared-like states across L1s: %v", states)})
		}
	}

	for line, holders := range exclusiveHolders {
		entry, ok := snap.Dir[line]
		if !ok {
			violations = append(violations, InvariantViolation{line, "held E/M at an L1 but no directory entry exists"})
			continue
		}
		if !entry.HasOwner || entry.Owner != holders[0] {
			violations = append(violations, InvariantViolation{line, fmt.Sprintf("directory owner %v does not match sole E/M holder %d", entry.Owner, holders[0])})
		}
	}

	for line, holders := range anyHolders {
		entry, ok := snap.Dir[line]
		if !ok {
			violations = append(violations, InvariantViolation{line, "resident at an L1 but directory has no entry"})
			continue
		}
		for _, h := range holders {
			if _, tracked := entry.Sharers[h]; !tracked {
				violations = append(violations, InvariantViolation{line, fmt.Sprintf("L1 %d holds line but is absent from directory sharer set", h)})
			}
		}
	}

	for line, entry := range snap.Dir {
		e := entry
		func() {
			defer func() {
				if r := recover(); r != nil {
					if pi, ok := r.(ProtocolInvariant); ok {
						violations = append(violations, InvariantViolation{line, pi.Error()})
						return
					}
					panic(r)
				}
			}()
			e.CheckInvariants(line)
		}()
	}

	return violations
}
