package sim

import (
	"github.com/archsim/rvsim/internal/moesi"
	"github.com/mohae/deepcopy"
)

// Checkpoint is an owned, alias-free copy of a SystemSnapshot, safe to
// retain across ticks (a plain SystemSnapshot embeds maps that keep
// being mutated by the live components it was taken from).
type Checkpoint struct {
	Snapshot moesi.SystemSnapshot
}

// Snapshot deep-copies snap via deepcopy.Copy so that a caller holding
// onto a Checkpoint (for an invariant-violation post-mortem, or an
// `rvsim stats` dump taken mid-run) never observes it change under
// their feet as the simulator keeps ticking.
func Snapshot(snap moesi.SystemSnapshot) Checkpoint {
	return Checkpoint{Snapshot: deepcopy.Copy(snap).(moesi.SystemSnapshot)}
}
