package sim

import (
	"testing"

	"github.com/archsim/rvsim/internal/moesi"
	"github.com/stretchr/testify/require"
)

func TestSnapshotIsAliasFree(t *testing.T) {
	orig := moesi.SystemSnapshot{
		LLCLine: map[moesi.LineIndex]moesi.CacheLine{
			1: {State: moesi.Modified},
		},
	}
	cp := Snapshot(orig)
	require.Equal(t, moesi.Modified, cp.Snapshot.LLCLine[1].State)

	orig.LLCLine[1] = moesi.CacheLine{State: moesi.Invalid}
	require.Equal(t, moesi.Modified, cp.Snapshot.LLCLine[1].State, "checkpoint must not alias the live snapshot's maps")
}
