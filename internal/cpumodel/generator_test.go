package cpumodel

import (
	"math/rand"
	"testing"

	"github.com/archsim/rvsim/internal/bus"
	"github.com/archsim/rvsim/internal/moesi"
	"github.com/stretchr/testify/require"
)

type singleCoreSystem struct {
	l1      *moesi.L1Cache
	llc     *moesi.LLC
	mem     *moesi.MemNode
	fabric  *bus.InProcFabric
}

func newSingleCoreSystem() *singleCoreSystem {
	fabric := bus.NewInProcFabric(0, 4)
	portMap := bus.NewPortMap([]bus.Port{0}, []bus.Port{10}, []bus.Port{20})
	return &singleCoreSystem{
		l1:     moesi.NewL1Cache(moesi.L1Config{Port: 0, Index: 0, Fabric: fabric, PortMap: portMap, Capacity: 8, MSHRCount: 4}),
		llc:    moesi.NewLLC(moesi.LLCConfig{Port: 10, SliceID: 0, Fabric: fabric, PortMap: portMap, Capacity: 64, DirCap: 64}),
		mem:    moesi.NewMemNode(moesi.MemNodeConfig{Port: 20, Fabric: fabric, AddrMap: bus.MemAddrMap{NodeIndex: 0, NodeCount: 1}}),
		fabric: fabric,
	}
}

func (s *singleCoreSystem) tick() {
	s.l1.OnCurrentTick()
	s.llc.OnCurrentTick()
	s.mem.OnCurrentTick()
	s.l1.ApplyNextTick()
	s.llc.ApplyNextTick()
	s.mem.ApplyNextTick()
	s.fabric.Tick()
}

func TestTrafficGeneratorDrainsSequentialLoadsAndStores(t *testing.T) {
	sys := newSingleCoreSystem()

	var addrs []uint64
	for a := uint64(0); a < uint64(bus.LineBytes)*4; a += 8 {
		addrs = append(addrs, a)
	}
	idx := 0
	src := func(rnd *rand.Rand) Request {
		a := addrs[idx%len(addrs)]
		idx++
		buf := make([]byte, 8)
		if idx%2 == 0 {
			return Request{Kind: OpStore, Addr: a, Length: 8, Buf: buf}
		}
		return Request{Kind: OpLoad, Addr: a, Length: 8, Buf: buf}
	}
	gen := NewTrafficGenerator(sys.l1, src, 1)

	for tick := 0; tick < 500 && len(gen.Completed) < len(addrs); tick++ {
		gen.Step()
		sys.tick()
	}

	require.GreaterOrEqual(t, len(gen.Completed), len(addrs))
}

func TestRetryPredictorTrainsTowardImmediateRetryOnFirstTrySuccess(t *testing.T) {
	p := NewRetryPredictor()
	require.True(t, p.ShouldRetryNow(42)) // neutral counter favors retry

	for i := 0; i < 4; i++ {
		p.Update(42, true)
	}
	require.True(t, p.ShouldRetryNow(42))

	q := NewRetryPredictor()
	for i := 0; i < 4; i++ {
		q.Update(7, false)
	}
	require.False(t, q.ShouldRetryNow(7))
}
