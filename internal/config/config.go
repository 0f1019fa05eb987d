// Package config loads the simulator's topology and timing knobs from an
// INI file in the reference simulator's `[sec] name = value` layout.
package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Topology describes the fixed shape of one simulation run: how many
// cores (private L1 + DMA agents share the same requester-index space),
// how many NUCA LLC slices, and how many memory nodes back them.
type Topology struct {
	Cores     int
	LLCSlices int
	MemNodes  int
	DMAAgents int
}

// L1Tuning holds the per-L1 structural knobs.
type L1Tuning struct {
	Capacity    int
	MSHRCount   int
	SendBufSize int
}

// LLCTuning holds the per-slice structural knobs.
type LLCTuning struct {
	Capacity int
	DirCap   int
	RecvCap  int // per-line exclusion recv queue depth (spec §4.3)
}

// MemTuning holds the per-node structural knobs.
type MemTuning struct {
	DWidth int
	BufCap int
}

// BusTuning holds the fabric's timing knobs.
type BusTuning struct {
	LatencyCycles uint64
	QueueDepth    int
}

// Config is everything config.Load produces: a fully-formed set of
// tuning knobs ready to hand to the internal/moesi constructors.
type Config struct {
	Topology Topology
	L1       L1Tuning
	LLC      LLCTuning
	Mem      MemTuning
	Bus      BusTuning

	LogLevel  string
	TracePath string
	MaxTicks  uint64
}

// Default returns the knobs a bare `rvsim run` with no config file uses:
// a single core, one LLC slice, one memory node, no DMA agent.
func Default() Config {
	return Config{
		Topology: Topology{Cores: 1, LLCSlices: 1, MemNodes: 1, DMAAgents: 0},
		L1:       L1Tuning{Capacity: 256, MSHRCount: 8, SendBufSize: 4},
		LLC:      LLCTuning{Capacity: 4096, DirCap: 4096, RecvCap: 16},
		Mem:      MemTuning{DWidth: 8, BufCap: 4},
		Bus:      BusTuning{LatencyCycles: 1, QueueDepth: 8},
		LogLevel: "info",
	}
}

// Load reads path as an INI file and overlays it onto Default(). Missing
// sections and keys keep their default value, so a config file only
// needs to name the knobs it actually wants to change.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("config: load %s: %w", path, err)
	}

	if sec := f.Section("topology"); sec != nil {
		cfg.Topology.Cores = sec.Key("cores").MustInt(cfg.Topology.Cores)
		cfg.Topology.LLCSlices = sec.Key("llc_slices").MustInt(cfg.Topology.LLCSlices)
		cfg.Topology.MemNodes = sec.Key("mem_nodes").MustInt(cfg.Topology.MemNodes)
		cfg.Topology.DMAAgents = sec.Key("dma_agents").MustInt(cfg.Topology.DMAAgents)
	}
	if sec := f.Section("l1"); sec != nil {
		cfg.L1.Capacity = sec.Key("capacity").MustInt(cfg.L1.Capacity)
		cfg.L1.MSHRCount = sec.Key("mshr_count").MustInt(cfg.L1.MSHRCount)
		cfg.L1.SendBufSize = sec.Key("send_buf_size").MustInt(cfg.L1.SendBufSize)
	}
	if sec := f.Section("llc"); sec != nil {
		cfg.LLC.Capacity = sec.Key("capacity").MustInt(cfg.LLC.Capacity)
		cfg.LLC.DirCap = sec.Key("dir_capacity").MustInt(cfg.LLC.DirCap)
		cfg.LLC.RecvCap = sec.Key("recv_capacity").MustInt(cfg.LLC.RecvCap)
	}
	if sec := f.Section("mem"); sec != nil {
		cfg.Mem.DWidth = sec.Key("dwidth").MustInt(cfg.Mem.DWidth)
		cfg.Mem.BufCap = sec.Key("buf_capacity").MustInt(cfg.Mem.BufCap)
	}
	if sec := f.Section("bus"); sec != nil {
		cfg.Bus.LatencyCycles = uint64(sec.Key("latency_cycles").MustInt64(int64(cfg.Bus.LatencyCycles)))
		cfg.Bus.QueueDepth = sec.Key("queue_depth").MustInt(cfg.Bus.QueueDepth)
	}
	if sec := f.Section("sim"); sec != nil {
		cfg.LogLevel = sec.Key("log_level").MustString(cfg.LogLevel)
		cfg.TracePath = sec.Key("trace_path").MustString(cfg.TracePath)
		cfg.MaxTicks = uint64(sec.Key("max_ticks").MustInt64(int64(cfg.MaxTicks)))
	}

	return cfg, nil
}

// ParseLogLevel resolves the configured log level string to a logrus
// level, falling back to Info (and logging a warning) on a typo rather
// than failing the run over a cosmetic setting.
func ParseLogLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		logrus.WithField("log_level", s).Warn("config: unrecognized log level, defaulting to info")
		return logrus.InfoLevel
	}
	return lvl
}
