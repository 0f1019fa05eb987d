package sim

import (
	"strconv"

	"github.com/archsim/rvsim/internal/bus"
	"github.com/archsim/rvsim/internal/config"
	"github.com/archsim/rvsim/internal/moesi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// System is a fully wired topology: the fabric plus every component,
// ready to be registered with a Simulator. Build one with BuildSystem
// from a config.Config and drive it with a Simulator.
type System struct {
	Fabric  *bus.InProcFabric
	PortMap *bus.PortMap

	L1s []*moesi.L1Cache
	LLC []*moesi.LLC
	Mem []*moesi.MemNode
	DMA []*moesi.DMAEngine

	Trace *moesi.EventTrace
}

// BuildSystem lays out Cores L1s, LLCSlices NUCA slices, MemNodes memory
// nodes and DMAAgents DMA engines onto one shared fabric, assigning each
// a distinct bus.Port in [0, cores+dmaAgents) for requesters and
// disjoint ranges above that for LLC slices and memory nodes.
func BuildSystem(cfg config.Config, reg *prometheus.Registry, log *logrus.Entry) *System {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	fabric := bus.NewInProcFabric(cfg.Bus.LatencyCycles, cfg.Bus.QueueDepth)

	numRequesters := cfg.Topology.Cores + cfg.Topology.DMAAgents
	requesterPorts := make([]bus.Port, numRequesters)
	for i := range requesterPorts {
		requesterPorts[i] = bus.Port(i)
	}
	llcPorts := make([]bus.Port, cfg.Topology.LLCSlices)
	for i := range llcPorts {
		llcPorts[i] = bus.Port(numRequesters + i)
	}
	memPorts := make([]bus.Port, cfg.Topology.MemNodes)
	for i := range memPorts {
		memPorts[i] = bus.Port(numRequesters + cfg.Topology.LLCSlices + i)
	}

	portMap := bus.NewPortMap(requesterPorts, llcPorts, memPorts)

	var trace *moesi.EventTrace
	if cfg.TracePath != "" {
		trace = moesi.NewEventTrace(cfg.TracePath)
	}

	sys := &System{Fabric: fabric, PortMap: portMap, Trace: trace}

	for i := 0; i < cfg.Topology.Cores; i++ {
		sys.L1s = append(sys.L1s, moesi.NewL1Cache(moesi.L1Config{
			Port: requesterPorts[i], Index: i, Fabric: fabric, PortMap: portMap,
			Capacity: cfg.L1.Capacity, MSHRCount: cfg.L1.MSHRCount, SendBufSize: cfg.L1.SendBufSize,
			Trace: trace, Metrics: moesi.NewMetrics(reg, "l1", coreLabel(i)), Log: log,
		}))
	}
	for i := 0; i < cfg.Topology.DMAAgents; i++ {
		idx := cfg.Topology.Cores + i
		sys.DMA = append(sys.DMA, moesi.NewDMAEngine(moesi.DMAConfig{
			Port: requesterPorts[idx], Fabric: fabric, PortMap: portMap,
			MSHRCap: cfg.L1.MSHRCount, Trace: trace, Metrics: moesi.NewMetrics(reg, "dma", coreLabel(i)), Log: log,
		}))
	}
	for i := 0; i < cfg.Topology.LLCSlices; i++ {
		sys.LLC = append(sys.LLC, moesi.NewLLC(moesi.LLCConfig{
			Port: llcPorts[i], SliceID: i, Fabric: fabric, PortMap: portMap,
			Capacity: cfg.LLC.Capacity, DirCap: cfg.LLC.DirCap, RecvCap: cfg.LLC.RecvCap,
			Trace: trace, Metrics: moesi.NewMetrics(reg, "llc", coreLabel(i)), Log: log,
		}))
	}
	for i := 0; i < cfg.Topology.MemNodes; i++ {
		sys.Mem = append(sys.Mem, moesi.NewMemNode(moesi.MemNodeConfig{
			Port: memPorts[i], Fabric: fabric, AddrMap: bus.MemAddrMap{NodeIndex: i, NodeCount: cfg.Topology.MemNodes},
			DWidth: cfg.Mem.DWidth, BufCap: cfg.Mem.BufCap,
			Trace: trace, Metrics: moesi.NewMetrics(reg, "mem", coreLabel(i)), Log: log,
		}))
	}

	return sys
}

func coreLabel(i int) string {
	return strconv.Itoa(i)
}

// Register adds every component in s to sim, in a fixed deterministic
// order (L1s, DMA agents, LLC slices, memory nodes) so ApplyNextTick's
// relative ordering across component kinds is stable from run to run.
func (s *System) Register(sim *Simulator) {
	for _, l1 := range s.L1s {
		sim.AddComponent(l1)
	}
	for _, d := range s.DMA {
		sim.AddComponent(d)
	}
	for _, l := range s.LLC {
		sim.AddComponent(l)
	}
	for _, m := range s.Mem {
		sim.AddComponent(m)
	}
}

// InvariantSnapshot builds a moesi.SystemSnapshot from the system's live
// components, suitable for passing to moesi.CheckInvariants or as a
// Config.Invariants callback.
func (s *System) InvariantSnapshot() moesi.SystemSnapshot {
	snap := moesi.SystemSnapshot{
		Dir: map[moesi.LineIndex]moesi.DirEntry{},
	}
	for _, l1 := range s.L1s {
		lines, mshrs := l1.Snapshot()
		snap.L1Lines = append(snap.L1Lines, lines)
		snap.L1MSHRs = append(snap.L1MSHRs, mshrs)
	}
	for _, l := range s.LLC {
		lines, dir := l.Snapshot()
		if snap.LLCLine == nil {
			snap.LLCLine = map[moesi.LineIndex]moesi.CacheLine{}
		}
		for k, v := range lines {
			snap.LLCLine[k] = v
		}
		for k, v := range dir {
			snap.Dir[k] = v
		}
	}
	return snap
}
