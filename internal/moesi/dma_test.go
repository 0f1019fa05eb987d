package moesi

import (
	"testing"

	"github.com/archsim/rvsim/internal/bus"
	"github.com/stretchr/testify/require"
)

func newDMAHarness(t *testing.T) (*DMAEngine, *L1Cache, *LLC, *MemNode, *bus.PortMap, bus.Fabric) {
	t.Helper()
	fabric := bus.NewInProcFabric(0, 4)
	portMap := bus.NewPortMap(
		[]bus.Port{0, 1},
		[]bus.Port{10},
		[]bus.Port{20},
	)
	l1 := NewL1Cache(L1Config{Port: 0, Index: 0, Fabric: fabric, PortMap: portMap, Capacity: 8, MSHRCount: 4})
	llc := NewLLC(LLCConfig{Port: 10, SliceID: 0, Fabric: fabric, PortMap: portMap, Capacity: 64, DirCap: 64})
	mem := NewMemNode(MemNodeConfig{Port: 20, Fabric: fabric, AddrMap: bus.MemAddrMap{NodeIndex: 0, NodeCount: 1}})
	dma := NewDMAEngine(DMAConfig{Port: 1, Fabric: fabric, PortMap: portMap, MSHRCap: 4})
	return dma, l1, llc, mem, portMap, fabric
}

func tickAll(fabric *bus.InProcFabric, components ...interface {
	OnCurrentTick()
	ApplyNextTick()
}) {
	for _, c := range components {
		c.OnCurrentTick()
	}
	for _, c := range components {
		c.ApplyNextTick()
	}
	fabric.Tick()
}

func TestDMAHostToHostIsSynchronousMemcpy(t *testing.T) {
	dma, _, _, _, _, fabric := newDMAHarness(t)
	src := []byte{1, 2, 3, 4}
	dst := make([]byte, 4)
	done := false
	dma.Push(DMARequest{
		SrcIsHost: true, DstIsHost: true,
		SrcHost: src, DstHost: dst, Size: 4,
		Callback: func() { done = true },
	})
	dma.OnCurrentTick()
	dma.ApplyNextTick()
	fabric.Tick()
	require.True(t, done)
	require.Equal(t, src, dst)
}

func TestDMAHostToSimWritesThroughCoherence(t *testing.T) {
	dma, l1, llc, mem, _, fabric := newDMAHarness(t)
	mem.Preload(0, Line{})

	src := make([]byte, bus.LineBytes)
	for i := range src {
		src[i] = byte(i)
	}
	done := false
	dma.Push(DMARequest{
		SrcIsHost: true, DstIsHost: false,
		SrcHost: src, DstAddr: 0, Size: bus.LineBytes,
		Callback: func() { done = true },
	})

	for i := 0; i < 50 && !done; i++ {
		tickAll(fabric, dma, llc, mem, l1)
	}
	require.True(t, done, "DMA host->sim request did not complete")
}

func TestDMASimToHostReadsThroughCoherence(t *testing.T) {
	dma, l1, llc, mem, _, fabric := newDMAHarness(t)
	var seeded Line
	for i := range seeded {
		seeded[i] = byte(i + 1)
	}
	mem.Preload(0, seeded)

	dst := make([]byte, bus.LineBytes)
	done := false
	dma.Push(DMARequest{
		SrcIsHost: false, DstIsHost: true,
		SrcAddr: 0, DstHost: dst, Size: bus.LineBytes,
		Callback: func() { done = true },
	})

	for i := 0; i < 50 && !done; i++ {
		tickAll(fabric, dma, llc, mem, l1)
	}
	require.True(t, done, "DMA sim->host request did not complete")
	require.Equal(t, seeded[:], dst)
}

func TestDMASimToSimCopiesBetweenLines(t *testing.T) {
	dma, l1, llc, mem, _, fabric := newDMAHarness(t)
	var seeded Line
	for i := range seeded {
		seeded[i] = byte(i + 7)
	}
	mem.Preload(0, seeded)
	mem.Preload(1, Line{})

	done := false
	dma.Push(DMARequest{
		SrcIsHost: false, DstIsHost: false,
		SrcAddr: 0, DstAddr: bus.LineBytes, Size: bus.LineBytes,
		Callback: func() { done = true },
	})

	for i := 0; i < 80 && !done; i++ {
		tickAll(fabric, dma, llc, mem, l1)
	}
	require.True(t, done, "DMA sim->sim request did not complete")

	readBack := make([]byte, bus.LineBytes)
	dma2 := dma
	readDone := false
	dma2.Push(DMARequest{
		SrcIsHost: false, DstIsHost: true,
		SrcAddr: bus.LineBytes, DstHost: readBack, Size: bus.LineBytes,
		Callback: func() { readDone = true },
	})
	for i := 0; i < 50 && !readDone; i++ {
		tickAll(fabric, dma, llc, mem, l1)
	}
	require.True(t, readDone)
	require.Equal(t, seeded[:], readBack)
}
