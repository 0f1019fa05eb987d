package moesi

import (
	"github.com/archsim/rvsim/internal/bus"
	"github.com/sirupsen/logrus"
)

type memOp struct {
	line      LineIndex
	isWrite   bool
	data      Line
	srcPort   Port
	transID   uint32
	processed int
}

// MemNode is a passive memory slave: it services GetSForward/GetMForward
// (fetch, respond with GetRespMem) and PutM/PutO (store, no response)
// forwarded to it by whichever LLC slice is responsible for a line,
// transferring at most dwidth bytes of a cache line per tick to model a
// bounded memory bus width.
type MemNode struct {
	myPort  Port
	fabric  bus.Fabric
	addrMap bus.MemAddrMap
	dwidth  int
	bufCap  int

	backing map[uint64]Line

	queue        []memOp
	pendingSends []pendingSend

	tick uint64

	trace   *EventTrace
	metrics *Metrics
	log     *logrus.Entry
}

// MemNodeConfig bundles MemNode construction parameters.
type MemNodeConfig struct {
	Port    Port
	Fabric  bus.Fabric
	AddrMap bus.MemAddrMap
	DWidth  int
	BufCap  int
	Trace   *EventTrace
	Metrics *Metrics
	Log     *logrus.Entry
}

// NewMemNode builds a memory node controller.
func NewMemNode(cfg MemNodeConfig) *MemNode {
	if cfg.DWidth <= 0 {
		cfg.DWidth = 8
	}
	if cfg.BufCap <= 0 {
		cfg.BufCap = 4
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil, "memnode", "")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MemNode{
		myPort:  cfg.Port,
		fabric:  cfg.Fabric,
		addrMap: cfg.AddrMap,
		dwidth:  cfg.DWidth,
		bufCap:  cfg.BufCap,
		backing: make(map[uint64]Line),
		trace:   cfg.Trace,
		metrics: cfg.Metrics,
		log:     cfg.Log.WithField("component", "memnode").WithField("node", cfg.AddrMap.NodeIndex),
	}
}

// Preload seeds the backing store for a line, for test fixtures that need
// memory content present before the first access.
func (m *MemNode) Preload(line LineIndex, data Line) {
	off := m.addrMap.LocalMemOffset(line) / bus.LineBytes
	m.backing[off] = data
}

func (m *MemNode) OnCurrentTick() {
	if len(m.queue) < m.bufCap {
		canRecv := m.fabric.CanRecv(m.myPort)
		for ch := 0; ch < bus.ChannelCount; ch++ {
			if !canRecv[ch] {
				continue
			}
			raw, ok := m.fabric.TryRecv(m.myPort, bus.Channel(ch))
			if !ok {
				continue
			}
			msg := bus.Decode(raw)
			if !m.addrMap.IsResponsible(msg.Line) {
				invariantf("memnode", "message for a line this node is not responsible for", "line=%d", msg.Line)
			}
			op := memOp{line: msg.Line, srcPort: Port(msg.Arg), transID: msg.TransactionID}
			switch msg.Type {
			case bus.GetSForward, bus.GetMForward:
				op.isWrite = false
				off := m.addrMap.LocalMemOffset(msg.Line) / bus.LineBytes
				op.data = m.backing[off]
			case bus.PutM, bus.PutO:
				op.isWrite = true
				op.data = msg.Data
			default:
				invariantf("memnode", "unexpected inbound message type", "type=%s", msg.Type)
			}
			m.queue = append(m.queue, op)
			break
		}
	}

	for i := range m.queue {
		op := &m.queue[i]
		if op.processed >= bus.LineBytes {
			continue
		}
		remaining := bus.LineBytes - op.processed
		sz := m.dwidth
		if sz > remaining {
			sz = remaining
		}
		op.processed += sz
		if op.processed >= bus.LineBytes && op.isWrite {
			off := m.addrMap.LocalMemOffset(op.line) / bus.LineBytes
			m.backing[off] = op.data
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
		}
		break
	}

	for i := 0; i < len(m.queue); i++ {
		op := m.queue[i]
		if op.processed < bus.LineBytes || op.isWrite {
			continue
		}
		m.pendingSends = append(m.pendingSends, pendingSend{
			dst: op.srcPort,
			msg: bus.Message{Type: bus.GetRespMem, Line: op.line, Arg: 0, TransactionID: op.transID, Data: op.data, HasData: true},
		})
		m.queue = append(m.queue[:i], m.queue[i+1:]...)
		break
	}
}

func (m *MemNode) ApplyNextTick() {
	sent := 0
	for _, ps := range m.pendingSends {
		if !m.fabric.TrySend(m.myPort, ps.dst, ps.msg.Type.Channel(), bus.Encode(ps.msg)) {
			break
		}
		sent++
	}
	m.pendingSends = m.pendingSends[sent:]
	m.tick++
}
