package moesi

import (
	"github.com/archsim/rvsim/internal/bus"
	"github.com/sirupsen/logrus"
)

// DMARequest describes one transfer the DMA engine should carry out. A
// side is "host" when it reads/writes a plain Go byte slice directly
// (bypassing the coherence protocol entirely, as if it were a DMA-capable
// peripheral's own local buffer) and "simulated" when it must go through
// GetS/GetM like any other coherent agent.
type DMARequest struct {
	SrcIsHost bool
	DstIsHost bool
	SrcHost   []byte // valid when SrcIsHost
	DstHost   []byte // valid when DstIsHost
	SrcAddr   uint64 // valid when !SrcIsHost
	DstAddr   uint64 // valid when !DstIsHost
	Size      int
	Callback  func()
}

type dmaUnit struct {
	hostOff    int
	simSrcAddr uint64
	hasSimSrc  bool
	simDstAddr uint64
	hasSimDst  bool
	off, len   int
}

type dmaStage uint8

const (
	stageFetchSrc dmaStage = iota // GETS on the source line (sim-to-host, sim-to-sim)
	stageStoreDst                 // GETM on the destination line (host-to-sim, sim-to-sim second half)
)

// dmaTxn is the DMA engine's equivalent of an L1 MSHR entry: the in-flight
// coherence transaction for one line-granular unit of a larger request,
// plus the bookkeeping the engine needs to resume the unit's second half
// (sim-to-sim transfers visit two lines in sequence) and to notice when
// its owning request has fully drained.
type dmaTxn struct {
	MSHREntry
	unit    *dmaUnit
	req     *dmaInFlight
	stage   dmaStage
	carry   Line // sim-to-sim: the fetched source line, held across the PUTS/GETM transition
	carryOK bool
}

type dmaInFlight struct {
	req         DMARequest
	unitsTodo   []*dmaUnit
	unitsActive map[*dmaUnit]struct{}
}

// DMAEngine is the DMA controller acting as a coherent bus agent (spec §3
// "DMA engine acting as a cache-coherent agent"): it accepts DMARequests,
// splits each into cache-line-granular units respecting head/tail
// alignment, and drives each unit through the same GetS/GetM state machine
// an L1 would, without retaining any of the data afterward.
type DMAEngine struct {
	myPort  Port
	fabric  bus.Fabric
	portMap *bus.PortMap

	mshrCap int
	txns    map[LineIndex]*dmaTxn

	queue   []DMARequest
	current *dmaInFlight

	pendingSends []pendingSend

	tick uint64

	trace   *EventTrace
	metrics *Metrics
	log     *logrus.Entry
}

// DMAConfig bundles DMAEngine construction parameters.
type DMAConfig struct {
	Port    Port
	Fabric  bus.Fabric
	PortMap *bus.PortMap
	MSHRCap int
	Trace   *EventTrace
	Metrics *Metrics
	Log     *logrus.Entry
}

// NewDMAEngine builds a DMA engine controller.
func NewDMAEngine(cfg DMAConfig) *DMAEngine {
	if cfg.MSHRCap <= 0 {
		cfg.MSHRCap = 32
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil, "dma", "")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DMAEngine{
		myPort:  cfg.Port,
		fabric:  cfg.Fabric,
		portMap: cfg.PortMap,
		mshrCap: cfg.MSHRCap,
		txns:    make(map[LineIndex]*dmaTxn),
		trace:   cfg.Trace,
		metrics: cfg.Metrics,
		log:     cfg.Log.WithField("component", "dma"),
	}
}

// Push enqueues a request for eventual processing. Requests are serviced
// one at a time, in submission order.
func (d *DMAEngine) Push(req DMARequest) {
	d.queue = append(d.queue, req)
}

func (d *DMAEngine) queueSend(dst Port, msg bus.Message) {
	d.pendingSends = append(d.pendingSends, pendingSend{dst: dst, msg: msg})
}

// splitUnits breaks req into cache-line-granular units, honoring a
// misaligned head (first unit may be shorter than a full line) exactly as
// the reference's head-alignment special case does.
func splitUnits(req DMARequest) []*dmaUnit {
	var units []*dmaUnit
	var done int

	mask := uint64(bus.LineBytes - 1)

	switch {
	case req.SrcIsHost && !req.DstIsHost:
		if req.DstAddr&mask != 0 {
			base := req.DstAddr &^ mask
			off := int(req.DstAddr - base)
			sz := bus.LineBytes - off
			if sz > req.Size {
				sz = req.Size
			}
			units = append(units, &dmaUnit{hostOff: 0, simDstAddr: base, hasSimDst: true, off: off, len: sz})
			done = sz
		}
	case !req.SrcIsHost && req.DstIsHost:
		if req.SrcAddr&mask != 0 {
			base := req.SrcAddr &^ mask
			off := int(req.SrcAddr - base)
			sz := bus.LineBytes - off
			if sz > req.Size {
				sz = req.Size
			}
			units = append(units, &dmaUnit{hostOff: 0, simSrcAddr: base, hasSimSrc: true, off: off, len: sz})
			done = sz
		}
	case !req.SrcIsHost && !req.DstIsHost:
		if (req.SrcAddr & mask) != (req.DstAddr & mask) {
			invariantf("dma", "sim-to-sim transfer requires matching line offsets", "src=%#x dst=%#x", req.SrcAddr, req.DstAddr)
		}
		if req.SrcAddr&mask != 0 {
			srcBase := req.SrcAddr &^ mask
			dstBase := req.DstAddr &^ mask
			off := int(req.SrcAddr - srcBase)
			sz := bus.LineBytes - off
			if sz > req.Size {
				sz = req.Size
			}
			units = append(units, &dmaUnit{simSrcAddr: srcBase, hasSimSrc: true, simDstAddr: dstBase, hasSimDst: true, off: off, len: sz})
			done = sz
		}
	}

	for done < req.Size {
		step := bus.LineBytes
		if step > req.Size-done {
			step = req.Size - done
		}
		u := &dmaUnit{hostOff: done, off: 0, len: step}
		if req.SrcIsHost {
			u.simDstAddr = req.DstAddr + uint64(done)
			u.hasSimDst = true
		} else if req.DstIsHost {
			u.simSrcAddr = req.SrcAddr + uint64(done)
			u.hasSimSrc = true
		} else {
			u.simSrcAddr = req.SrcAddr + uint64(done)
			u.hasSimSrc = true
			u.simDstAddr = req.DstAddr + uint64(done)
			u.hasSimDst = true
		}
		units = append(units, u)
		done += step
	}
	return units
}

func (d *DMAEngine) OnCurrentTick() {
	canRecv := d.fabric.CanRecv(d.myPort)
	for ch := 0; ch < bus.ChannelCount; ch++ {
		if !canRecv[ch] {
			continue
		}
		raw, ok := d.fabric.TryRecv(d.myPort, bus.Channel(ch))
		if !ok {
			continue
		}
		d.handleRecv(bus.Decode(raw))
		break
	}

	if d.current == nil && len(d.queue) > 0 {
		req := d.queue[0]
		d.queue = d.queue[1:]
		if req.SrcIsHost && req.DstIsHost {
			copy(req.DstHost, req.SrcHost[:req.Size])
			if req.Callback != nil {
				req.Callback()
			}
		} else {
			units := splitUnits(req)
			d.current = &dmaInFlight{req: req, unitsTodo: units, unitsActive: map[*dmaUnit]struct{}{}}
		}
	}

	if d.current != nil {
		if len(d.current.unitsTodo) > 0 {
			unit := d.current.unitsTodo[0]
			var line LineIndex
			if d.current.req.SrcIsHost {
				line = bus.AddrToLineIndex(unit.simDstAddr)
			} else {
				line = bus.AddrToLineIndex(unit.simSrcAddr)
			}
			if _, exists := d.txns[line]; !exists && len(d.txns) < d.mshrCap {
				d.current.unitsTodo = d.current.unitsTodo[1:]
				d.current.unitsActive[unit] = struct{}{}
				txn := &dmaTxn{unit: unit, req: d.current}
				d.txns[line] = txn
				home := d.portMap.HomeNodePort(line)
				if d.current.req.SrcIsHost {
					txn.State = ItoM
					d.queueSend(home, bus.Message{Type: bus.GetM, Line: line, Arg: uint32(d.myPort)})
				} else {
					txn.State = ItoS
					d.queueSend(home, bus.Message{Type: bus.GetS, Line: line, Arg: uint32(d.myPort)})
				}
			}
		}
		if len(d.current.unitsTodo) == 0 && len(d.current.unitsActive) == 0 {
			d.current = nil
		}
	}
}

func (d *DMAEngine) ApplyNextTick() {
	sent := 0
	for _, ps := range d.pendingSends {
		if !d.fabric.TrySend(d.myPort, ps.dst, ps.msg.Type.Channel(), bus.Encode(ps.msg)) {
			break
		}
		sent++
	}
	d.pendingSends = d.pendingSends[sent:]
	d.tick++
}

func (d *DMAEngine) handleRecv(msg bus.Message) {
	txn, ok := d.txns[msg.Line]
	if !ok {
		invariantf("dma", "message for a line with no in-flight transaction", "line=%d type=%s", msg.Line, msg.Type)
	}
	home := d.portMap.HomeNodePort(msg.Line)
	finished := false

	switch msg.Type {
	case bus.InvAck:
		if txn.State != ItoM {
			invariantf("dma", "invack for non-upgrade transaction", "line=%d", msg.Line)
		}
		if !txn.GetAckCntReady || txn.NeedInvalidAck != txn.InvalidAck+1 || !txn.DataReady {
			txn.InvalidAck++
		} else {
			d.queueSend(home, bus.Message{Type: bus.GetAck, Line: msg.Line, Arg: uint32(d.myPort)})
			finished = true
		}
	case bus.GetMAck:
		if txn.State != ItoM {
			invariantf("dma", "getm-ack for non-upgrade transaction", "line=%d", msg.Line)
		}
		if msg.Arg != txn.InvalidAck || !txn.DataReady {
			txn.GetAckCntReady = true
			txn.NeedInvalidAck = msg.Arg
		} else {
			d.queueSend(home, bus.Message{Type: bus.GetAck, Line: msg.Line, Arg: uint32(d.myPort)})
			finished = true
		}
	case bus.GetSResp:
		if txn.State != ItoS {
			invariantf("dma", "gets-resp for non-ItoS transaction", "line=%d", msg.Line)
		}
		txn.LineBuf = msg.Data
		if msg.Arg > 0 {
			d.queueSend(home, bus.Message{Type: bus.GetAck, Line: msg.Line, Arg: uint32(d.myPort)})
		}
		finished = true
	case bus.GetMResp:
		if txn.State != ItoM {
			invariantf("dma", "getm-resp for non-ItoM transaction", "line=%d", msg.Line)
		}
		if msg.Arg == 0 && (!txn.GetAckCntReady || txn.NeedInvalidAck != txn.InvalidAck) {
			txn.LineBuf = msg.Data
			txn.DataReady = true
			return
		}
		if msg.Arg == 0 {
			d.queueSend(home, bus.Message{Type: bus.GetAck, Line: msg.Line, Arg: uint32(d.myPort)})
		}
		txn.LineBuf = msg.Data
		finished = true
	case bus.GetRespMem:
		d.queueSend(home, bus.Message{Type: bus.GetAck, Line: msg.Line, Arg: uint32(d.myPort)})
		txn.LineBuf = msg.Data
		finished = true
	case bus.PutAck:
		d.onPutAck(msg.Line, txn)
		return
	default:
		invariantf("dma", "unexpected inbound message type", "type=%s", msg.Type)
	}

	if finished {
		d.completeFetch(msg.Line, txn)
	}
}

// completeFetch runs once a GETS/GETM has collected its data, performing
// the unit's host<->line copy and issuing the matching PUTS/PUTM release.
func (d *DMAEngine) completeFetch(line LineIndex, txn *dmaTxn) {
	unit := txn.unit
	req := txn.req.req
	home := d.portMap.HomeNodePort(line)

	switch {
	case req.SrcIsHost && !req.DstIsHost:
		copy(txn.LineBuf[unit.off:unit.off+unit.len], req.SrcHost[unit.hostOff:unit.hostOff+unit.len])
		d.queueSend(home, bus.Message{Type: bus.PutM, Line: line, Arg: uint32(d.myPort), Data: txn.LineBuf, HasData: true})
		txn.State = MtoI
	case !req.SrcIsHost && req.DstIsHost:
		copy(req.DstHost[unit.hostOff:unit.hostOff+unit.len], txn.LineBuf[unit.off:unit.off+unit.len])
		d.queueSend(home, bus.Message{Type: bus.PutS, Line: line, Arg: uint32(d.myPort)})
		txn.State = StoI
	default: // sim-to-sim
		if txn.stage == stageFetchSrc {
			txn.carry = txn.LineBuf
			txn.carryOK = true
			d.queueSend(home, bus.Message{Type: bus.PutS, Line: line, Arg: uint32(d.myPort)})
			txn.State = StoI
		} else {
			copy(txn.LineBuf[unit.off:unit.off+unit.len], txn.carry[unit.off:unit.off+unit.len])
			d.queueSend(home, bus.Message{Type: bus.PutM, Line: line, Arg: uint32(d.myPort), Data: txn.LineBuf, HasData: true})
			txn.State = MtoI
		}
	}
}

// onPutAck either advances a sim-to-sim unit to its second (destination)
// line, or retires a fully-completed unit and checks whether its owning
// request has now fully drained.
func (d *DMAEngine) onPutAck(line LineIndex, txn *dmaTxn) {
	req := txn.req.req
	if !req.SrcIsHost && !req.DstIsHost && txn.stage == stageFetchSrc {
		delete(d.txns, line)
		unit := txn.unit
		dstLine := bus.AddrToLineIndex(unit.simDstAddr)
		newTxn := &dmaTxn{unit: unit, req: txn.req, stage: stageStoreDst, carry: txn.carry, carryOK: true, State: ItoM}
		d.txns[dstLine] = newTxn
		home := d.portMap.HomeNodePort(dstLine)
		d.queueSend(home, bus.Message{Type: bus.GetM, Line: dstLine, Arg: uint32(d.myPort)})
		return
	}

	delete(d.txns, line)
	delete(txn.req.unitsActive, txn.unit)
	if len(txn.req.unitsTodo) == 0 && len(txn.req.unitsActive) == 0 {
		if txn.req.req.Callback != nil {
			txn.req.req.Callback()
		}
	}
}
