package moesi

import (
	"github.com/archsim/rvsim/internal/bus"
	"github.com/sirupsen/logrus"
)

// CacheLine is one resident L1 line: its MOESI state and its data.
type CacheLine struct {
	State LineState
	Data  Line
}

// pendingSend is one message this L1 has decided to emit, queued during
// OnCurrentTick and actually handed to the fabric during ApplyNextTick so
// that no component ever observes a same-tick send from a peer (spec §5's
// two-phase scheduling contract).
type pendingSend struct {
	dst Port
	msg bus.Message
}

// Port is re-exported for caller convenience.
type Port = bus.Port

// L1Cache is one private, per-core coherence controller: it exposes
// load/store/load-reserved/store-conditional/AMO to an upstream pipeline
// (spec §4.2) and speaks the MOESI wire protocol to its home LLC slice over
// the shared Fabric.
type L1Cache struct {
	myPort   Port
	index    int // dense requester index, used as Arg on outbound REQ messages
	fabric   bus.Fabric
	portMap  *bus.PortMap
	capacity int

	block *LineBlock[CacheLine]
	mshrs *MSHRTable

	sendBufCap   int
	pendingSends []pendingSend

	hasRecv      bool
	recvMsg      bus.Message
	hasProcessed bool

	reservedValid bool
	reservedAddr  uint64

	tick uint64

	trace   *EventTrace
	metrics *Metrics
	log     *logrus.Entry
}

// L1Config bundles the construction-time parameters for an L1Cache.
type L1Config struct {
	Port        Port
	Index       int
	Fabric      bus.Fabric
	PortMap     *bus.PortMap
	Capacity    int
	MSHRCount   int
	SendBufSize int
	Trace       *EventTrace
	Metrics     *Metrics
	Log         *logrus.Entry
}

// NewL1Cache builds an L1 controller from cfg, defaulting any zero-valued
// knob to a small but workable size so unit tests can omit them.
func NewL1Cache(cfg L1Config) *L1Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	if cfg.MSHRCount <= 0 {
		cfg.MSHRCount = 8
	}
	if cfg.SendBufSize <= 0 {
		cfg.SendBufSize = 4
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil, "l1", "")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &L1Cache{
		myPort:     cfg.Port,
		index:      cfg.Index,
		fabric:     cfg.Fabric,
		portMap:    cfg.PortMap,
		capacity:   cfg.Capacity,
		block:      NewLineBlock[CacheLine](cfg.Capacity),
		mshrs:      NewMSHRTable(cfg.MSHRCount),
		sendBufCap: cfg.SendBufSize,
		trace:      cfg.Trace,
		metrics:    cfg.Metrics,
		log:        cfg.Log.WithField("component", "l1").WithField("port", cfg.Port),
	}
}

func (c *L1Cache) canQueueSend(n int) bool {
	return len(c.pendingSends)+n <= c.sendBufCap
}

func (c *L1Cache) queueSend(dst Port, msg bus.Message) {
	c.pendingSends = append(c.pendingSends, pendingSend{dst: dst, msg: msg})
}

// ---- Tickable ----

// OnCurrentTick drains and processes at most one inbound message per tick,
// mutating local state immediately (this L1's own state is never observed
// by another component mid-tick, so staging it would add nothing). Any
// messages this produces in response are queued, not sent, until
// ApplyNextTick.
func (c *L1Cache) OnCurrentTick() {
	if !c.hasRecv {
		canRecv := c.fabric.CanRecv(c.myPort)
		for ch := 0; ch < bus.ChannelCount; ch++ {
			if !canRecv[ch] {
				continue
			}
			raw, ok := c.fabric.TryRecv(c.myPort, bus.Channel(ch))
			if !ok {
				continue
			}
			c.recvMsg = bus.Decode(raw)
			c.hasRecv = true
			c.hasProcessed = false
			break
		}
	}
	if c.hasRecv && !c.hasProcessed {
		c.hasProcessed = c.dispatch(c.recvMsg)
	}
}

// ApplyNextTick commits whatever OnCurrentTick decided: it retires the
// fully-processed inbound message and flushes queued outbound sends to the
// fabric in FIFO order, stopping at the first one the fabric cannot yet
// accept (preserving per-destination/channel ordering across ticks).
func (c *L1Cache) ApplyNextTick() {
	if c.hasRecv && c.hasProcessed {
		c.hasRecv = false
		c.hasProcessed = false
	}
	sent := 0
	for _, ps := range c.pendingSends {
		if !c.fabric.TrySend(c.myPort, ps.dst, ps.msg.Type.Channel(), bus.Encode(ps.msg)) {
			break
		}
		sent++
	}
	c.pendingSends = c.pendingSends[sent:]
	c.tick++
	c.metrics.MSHROcc.Set(float64(c.mshrs.Len()))
}

// ---- inbound message dispatch ----

func (c *L1Cache) dispatch(msg bus.Message) bool {
	switch msg.Type {
	case bus.Invalidate:
		return c.onInvalidate(msg)
	case bus.InvAck:
		return c.onInvAck(msg)
	case bus.GetSForward:
		return c.onGetSForward(msg)
	case bus.GetMForward:
		return c.onGetMForward(msg)
	case bus.GetSResp:
		return c.onGetSResp(msg)
	case bus.GetMResp:
		return c.onGetMResp(msg)
	case bus.GetMAck:
		return c.onGetMAck(msg)
	case bus.GetRespMem:
		return c.onGetRespMem(msg)
	case bus.PutAck:
		return c.onPutAck(msg)
	default:
		invariantf("l1", "unexpected inbound message type", "type=%s line=%d", msg.Type, msg.Line)
		return true
	}
}

func (c *L1Cache) onInvalidate(msg bus.Message) bool {
	if !c.canQueueSend(1) {
		return false
	}
	requester := Port(msg.Arg)

	c.block.Remove(msg.Line)
	if c.reservedValid && bus.AddrToLineIndex(c.reservedAddr) == msg.Line {
		c.reservedValid = false
	}

	if mshr := c.mshrs.Get(msg.Line); mshr != nil {
		switch mshr.State {
		case StoI, MtoI, OtoI:
			mshr.State = ItoI
		case OtoM, StoM, ItoM:
			mshr.State = ItoM
		default:
			invariantf("l1", "invalidate raced an incompatible MSHR state", "line=%d state=%s", msg.Line, mshr.State)
		}
	}

	c.queueSend(requester, bus.Message{Type: bus.InvAck, Line: msg.Line})
	return true
}

func (c *L1Cache) onInvAck(msg bus.Message) bool {
	mshr := c.mshrs.Get(msg.Line)
	if mshr == nil {
		invariantf("l1", "invack for unknown MSHR", "line=%d", msg.Line)
	}

	finished := false
	switch mshr.State {
	case ItoM:
		if !mshr.GetAckCntReady || mshr.NeedInvalidAck != mshr.InvalidAck+1 || !mshr.DataReady {
			mshr.InvalidAck++
		} else {
			finished = true
		}
	case StoM, OtoM:
		if !mshr.GetAckCntReady || mshr.NeedInvalidAck != mshr.InvalidAck+1 {
			mshr.InvalidAck++
		} else {
			finished = true
		}
	default:
		invariantf("l1", "invack arrived for non-upgrade MSHR", "line=%d state=%s", msg.Line, mshr.State)
	}

	if !finished {
		return true
	}
	if !c.canQueueSend(2) {
		return false
	}
	c.queueSend(c.portMap.HomeNodePort(msg.Line), bus.Message{Type: bus.GetAck, Line: msg.Line, Arg: uint32(c.myPort)})
	c.handleNewLine(msg.Line, mshr, Modified)
	return true
}

func (c *L1Cache) onGetSForward(msg bus.Message) bool {
	if !c.canQueueSend(1) {
		return false
	}
	dst := Port(msg.Arg)
	line, hit := c.block.Peek(msg.Line)
	mshr := c.mshrs.Get(msg.Line)
	mshrHandles := mshr != nil && (mshr.State == StoM || mshr.State == MtoI || mshr.State == StoI || mshr.State == EtoI || mshr.State == OtoM || mshr.State == OtoI)

	switch {
	case hit && !mshrHandles:
		c.queueSend(dst, bus.Message{Type: bus.GetSResp, Line: msg.Line, Arg: 1, Data: line.Data, HasData: true})
		line.State = Owned
	case !hit && mshrHandles:
		c.queueSend(dst, bus.Message{Type: bus.GetSResp, Line: msg.Line, Arg: 1, Data: mshr.LineBuf, HasData: true})
		if mshr.State == MtoI || mshr.State == EtoI || mshr.State == StoI {
			mshr.State = OtoI
		}
	default:
		invariantf("l1", "gets-forward matched neither resident line nor draining MSHR exactly once", "line=%d", msg.Line)
	}
	return true
}

func (c *L1Cache) onGetMForward(msg bus.Message) bool {
	if !c.canQueueSend(1) {
		return false
	}
	dst := Port(msg.Arg)
	line, hit := c.block.Peek(msg.Line)
	mshr := c.mshrs.Get(msg.Line)
	mshrHandles := mshr != nil && (mshr.State == StoM || mshr.State == MtoI || mshr.State == StoI || mshr.State == EtoI || mshr.State == OtoM || mshr.State == OtoI)

	switch {
	case hit && !mshrHandles:
		c.queueSend(dst, bus.Message{Type: bus.GetMResp, Line: msg.Line, Arg: 0, Data: line.Data, HasData: true})
		c.block.Remove(msg.Line)
	case !hit && mshrHandles:
		c.queueSend(dst, bus.Message{Type: bus.GetMResp, Line: msg.Line, Arg: 0, Data: mshr.LineBuf, HasData: true})
		switch mshr.State {
		case StoM, OtoM:
			mshr.State = ItoM
		case StoI, MtoI, EtoI, OtoI:
			mshr.State = ItoI
		}
	default:
		invariantf("l1", "getm-forward matched neither resident line nor draining MSHR exactly once", "line=%d", msg.Line)
	}
	return true
}

func (c *L1Cache) onGetSResp(msg bus.Message) bool {
	mshr := c.mshrs.Get(msg.Line)
	if mshr == nil || mshr.State != ItoS {
		invariantf("l1", "gets-resp for non-ItoS MSHR", "line=%d", msg.Line)
	}
	if !c.canQueueSend(2) {
		return false
	}
	mshr.LineBuf = msg.Data
	if msg.Arg > 0 {
		c.queueSend(c.portMap.HomeNodePort(msg.Line), bus.Message{Type: bus.GetAck, Line: msg.Line, Arg: uint32(c.myPort)})
	}
	state := Exclusive
	if msg.Arg > 0 {
		state = Shared
	}
	c.handleNewLine(msg.Line, mshr, state)
	return true
}

func (c *L1Cache) onGetMResp(msg bus.Message) bool {
	mshr := c.mshrs.Get(msg.Line)
	if mshr == nil || mshr.State != ItoM {
		invariantf("l1", "getm-resp for non-ItoM MSHR", "line=%d", msg.Line)
	}

	if msg.Arg == 0 && (!mshr.GetAckCntReady || mshr.NeedInvalidAck != mshr.InvalidAck) {
		mshr.LineBuf = msg.Data
		mshr.DataReady = true
		return true
	}

	if !c.canQueueSend(2) {
		return false
	}
	if msg.Arg == 0 {
		c.queueSend(c.portMap.HomeNodePort(msg.Line), bus.Message{Type: bus.GetAck, Line: msg.Line, Arg: uint32(c.myPort)})
	}
	mshr.LineBuf = msg.Data
	c.handleNewLine(msg.Line, mshr, Modified)
	return true
}

func (c *L1Cache) onGetMAck(msg bus.Message) bool {
	mshr := c.mshrs.Get(msg.Line)
	if mshr == nil {
		invariantf("l1", "getm-ack for unknown MSHR", "line=%d", msg.Line)
	}

	finished := false
	switch mshr.State {
	case ItoM:
		if msg.Arg != mshr.InvalidAck || !mshr.DataReady {
			mshr.GetAckCntReady = true
			mshr.NeedInvalidAck = msg.Arg
		} else {
			finished = true
		}
	case StoM, OtoM:
		if msg.Arg != mshr.InvalidAck {
			mshr.GetAckCntReady = true
			mshr.NeedInvalidAck = msg.Arg
		} else {
			finished = true
		}
	default:
		invariantf("l1", "getm-ack for MSHR not upgrading to M", "line=%d state=%s", msg.Line, mshr.State)
	}

	if !finished {
		return true
	}
	if !c.canQueueSend(2) {
		return false
	}
	c.queueSend(c.portMap.HomeNodePort(msg.Line), bus.Message{Type: bus.GetAck, Line: msg.Line, Arg: uint32(c.myPort)})
	c.handleNewLine(msg.Line, mshr, Modified)
	return true
}

func (c *L1Cache) onGetRespMem(msg bus.Message) bool {
	if !c.canQueueSend(2) {
		return false
	}
	mshr := c.mshrs.Get(msg.Line)
	if mshr == nil {
		invariantf("l1", "mem response for unknown MSHR", "line=%d", msg.Line)
	}
	c.queueSend(c.portMap.HomeNodePort(msg.Line), bus.Message{Type: bus.GetAck, Line: msg.Line, Arg: uint32(c.myPort)})
	mshr.LineBuf = msg.Data

	switch mshr.State {
	case ItoM:
		c.handleNewLine(msg.Line, mshr, Modified)
	case ItoS:
		c.handleNewLine(msg.Line, mshr, Exclusive)
	default:
		invariantf("l1", "mem response for MSHR in unexpected state", "line=%d state=%s", msg.Line, mshr.State)
	}
	return true
}

func (c *L1Cache) onPutAck(msg bus.Message) bool {
	mshr := c.mshrs.Get(msg.Line)
	if mshr == nil {
		invariantf("l1", "put-ack for unknown MSHR", "line=%d", msg.Line)
	}
	switch mshr.State {
	case ItoI, MtoI, StoI, EtoI, OtoI:
		c.mshrs.Remove(msg.Line)
	default:
		invariantf("l1", "put-ack for MSHR not draining", "line=%d state=%s", msg.Line, mshr.State)
	}
	return true
}

// handleNewLine installs a newly-completed transaction's data at initState,
// evicting an LRU victim if the block is full and draining that victim
// through its own fresh MSHR.
func (c *L1Cache) handleNewLine(line LineIndex, mshr *MSHREntry, initState LineState) {
	newLine := CacheLine{State: initState, Data: mshr.LineBuf}
	victim, victimData, evicted := c.block.Insert(line, newLine)
	c.mshrs.Remove(line)
	if !evicted {
		return
	}

	victimMshr := c.mshrs.Alloc(victim)
	if victimMshr == nil {
		invariantf("l1", "no MSHR available to drain an evicted line", "victim=%d", victim)
	}
	victimMshr.LineBuf = victimData.Data

	switch victimData.State {
	case Exclusive:
		victimMshr.State = EtoI
		c.queueSend(c.portMap.HomeNodePort(victim), bus.Message{Type: bus.PutE, Line: victim, Arg: uint32(c.myPort)})
	case Modified:
		victimMshr.State = MtoI
		c.queueSend(c.portMap.HomeNodePort(victim), bus.Message{Type: bus.PutM, Line: victim, Arg: uint32(c.myPort), Data: victimData.Data, HasData: true})
	case Shared:
		victimMshr.State = StoI
		c.queueSend(c.portMap.HomeNodePort(victim), bus.Message{Type: bus.PutS, Line: victim, Arg: uint32(c.myPort)})
	case Owned:
		victimMshr.State = OtoI
		c.queueSend(c.portMap.HomeNodePort(victim), bus.Message{Type: bus.PutO, Line: victim, Arg: uint32(c.myPort), Data: victimData.Data, HasData: true})
	default:
		invariantf("l1", "evicted line in non-stable state", "victim=%d state=%s", victim, victimData.State)
	}
}

// ---- CPU-facing operations ----

func spansTwoLines(paddr uint64, length int) bool {
	if length == 0 {
		return false
	}
	start := bus.AddrToLineIndex(paddr)
	end := bus.AddrToLineIndex(paddr + uint64(length) - 1)
	return start != end
}

// Load copies length bytes starting at paddr into buf. len(buf) must be
// >= length.
func (c *L1Cache) Load(paddr uint64, length int, buf []byte) SimError {
	if spansTwoLines(paddr, length) {
		return Unaligned
	}
	line := bus.AddrToLineIndex(paddr)
	offset := paddr & (bus.LineBytes - 1)

	if cl, ok := c.block.Get(line, true); ok {
		copy(buf[:length], cl.Data[offset:])
		c.metrics.Hits.Inc()
		return Success
	}

	if mshr := c.mshrs.Get(line); mshr != nil {
		switch mshr.State {
		case StoM, OtoM:
			copy(buf[:length], mshr.LineBuf[offset:])
			c.metrics.Hits.Inc()
			return Success
		case ItoM, ItoS:
			return Miss
		default:
			return Coherence
		}
	}

	if !c.canQueueSend(1) {
		return Busy
	}
	mshr := c.mshrs.Alloc(line)
	if mshr == nil {
		return Busy
	}
	mshr.State = ItoS
	mshr.StartTick = c.tick
	c.queueSend(c.portMap.HomeNodePort(line), bus.Message{Type: bus.GetS, Line: line, Arg: uint32(c.myPort)})
	c.metrics.Misses.Inc()
	return Miss
}

// applyMaskedWrite writes src into dst per the v2 masked-access interface
// (spec.md §9): when mask is the same length as src, only the bytes whose
// mask entry is non-zero are written; any other mask length, including
// nil, means a full unmasked write.
func applyMaskedWrite(dst, src, mask []byte) {
	if len(mask) != len(src) {
		copy(dst, src)
		return
	}
	for i, m := range mask {
		if m != 0 {
			dst[i] = src[i]
		}
	}
}

// Store writes length bytes from buf starting at paddr.
func (c *L1Cache) Store(paddr uint64, length int, buf []byte) SimError {
	return c.StoreMasked(paddr, length, buf, nil)
}

// StoreMasked is Store's v2 interface (spec.md §9): when mask.len ==
// length, mask carries one valid bit per byte and only the masked-in
// bytes of buf are written, leaving the others at their prior value; a
// mask of any other length, including nil, is an ordinary unmasked
// store of all length bytes.
func (c *L1Cache) StoreMasked(paddr uint64, length int, buf []byte, mask []byte) SimError {
	if spansTwoLines(paddr, length) {
		return Unaligned
	}
	line := bus.AddrToLineIndex(paddr)
	offset := paddr & (bus.LineBytes - 1)

	if cl, ok := c.block.Peek(line); ok {
		switch cl.State {
		case Exclusive, Modified:
			applyMaskedWrite(cl.Data[offset:offset+uint64(length)], buf[:length], mask)
			cl.State = Modified
			c.block.Touch(line)
			c.metrics.Hits.Inc()
			return Success
		case Shared, Owned:
			if !c.canQueueSend(1) {
				return Busy
			}
			mshr := c.mshrs.Alloc(line)
			if mshr == nil {
				return Busy
			}
			mshr.LineBuf = cl.Data
			if cl.State == Shared {
				mshr.State = StoM
			} else {
				mshr.State = OtoM
			}
			mshr.StartTick = c.tick
			c.block.Remove(line)
			c.queueSend(c.portMap.HomeNodePort(line), bus.Message{Type: bus.GetM, Line: line, Arg: uint32(c.myPort)})
			c.metrics.Misses.Inc()
			return Miss
		default:
			invariantf("l1", "resident line in non-stable state", "line=%d state=%s", line, cl.State)
		}
	}

	if mshr := c.mshrs.Get(line); mshr != nil {
		switch mshr.State {
		case StoM, OtoM, ItoM:
			return Miss
		default:
			return Coherence
		}
	}

	if !c.canQueueSend(1) {
		return Busy
	}
	mshr := c.mshrs.Alloc(line)
	if mshr == nil {
		return Busy
	}
	mshr.State = ItoM
	mshr.StartTick = c.tick
	c.queueSend(c.portMap.HomeNodePort(line), bus.Message{Type: bus.GetM, Line: line, Arg: uint32(c.myPort)})
	c.metrics.Misses.Inc()
	return Miss
}

// LoadReserved performs a Load and, on success, arms the reservation.
func (c *L1Cache) LoadReserved(paddr uint64, length int, buf []byte) SimError {
	res := c.Load(paddr, length, buf)
	if res == Success {
		c.reservedValid = true
		c.reservedAddr = paddr
	}
	return res
}

// StoreConditional performs a Store only if the reservation armed by the
// most recent LoadReserved at this address is still intact; otherwise it
// returns Unconditional without touching memory.
func (c *L1Cache) StoreConditional(paddr uint64, length int, buf []byte) SimError {
	return c.StoreConditionalMasked(paddr, length, buf, nil)
}

// StoreConditionalMasked is StoreConditional's v2 masked-access variant,
// mirroring StoreMasked's mask semantics.
func (c *L1Cache) StoreConditionalMasked(paddr uint64, length int, buf []byte, mask []byte) SimError {
	if !c.reservedValid || c.reservedAddr != paddr {
		return Unconditional
	}
	res := c.StoreMasked(paddr, length, buf, mask)
	if res == Success || res == Miss {
		// A Store attempt, successful or not, consumes the reservation:
		// the line left E/M exclusivity the instant the GetM was issued.
		c.reservedValid = false
	}
	return res
}

// AMO performs an atomic read-modify-write at paddr. For AMOLR/AMOSC it
// delegates directly to LoadReserved/StoreConditional. For the arithmetic
// ops it composes a permission-only store probe, a load, the arithmetic,
// and a final store, returning the pre-image value in buf on success.
func (c *L1Cache) AMO(op AMOOp, paddr uint64, length int, buf []byte) SimError {
	switch op {
	case AMOSC:
		return c.StoreConditional(paddr, length, buf)
	case AMOLR:
		return c.LoadReserved(paddr, length, buf)
	}

	probe := make([]byte, length)
	if res := c.Store(paddr, 0, nil); res != Success {
		return res
	}

	old := make([]byte, length)
	if res := c.Load(paddr, length, old); res != Success {
		return res
	}

	oldVal := bytesToUint(old, length)
	operand := bytesToUint(buf, length)
	newVal := applyAMOArith(op, oldVal, operand, length)
	copy(probe, uint64ToBytes(newVal, length))

	if res := c.Store(paddr, length, probe); res != Success {
		return res
	}
	copy(buf[:length], old)
	return Success
}

// Logger returns this L1's structured logger, for components (the
// Simulator's panic recovery path, a CLI stats dump) that want to attribute
// a log line to a specific core.
func (c *L1Cache) Logger() *logrus.Entry {
	return c.log
}

// Snapshot returns a defensive dump of resident lines and in-flight MSHRs,
// used to build the SystemSnapshot that CheckInvariants walks.
func (c *L1Cache) Snapshot() (lines map[LineIndex]CacheLine, mshrs map[LineIndex]MSHRState) {
	return c.block.Snapshot(), c.mshrs.Snapshot()
}
