package moesi

import (
	"github.com/archsim/rvsim/internal/bus"
	"github.com/sirupsen/logrus"
)

// LLC is one NUCA slice of the shared last-level cache: it owns a subset
// of lines (selected by bus.PortMap's modulo sharding) along with their
// directory entries, and is the coherence home node for every line it
// owns. Unlike the reference's three-stage fetch/index/process pipeline,
// this controller processes one inbound message to completion per tick —
// the per-stage latency the reference models is a timing-accuracy detail
// outside this package's non-goals (spec.md §9 Non-goal 3), and dropping
// it does not change which messages are produced or the directory/block
// state they leave behind.
type LLC struct {
	myPort  Port
	sliceID int
	fabric  bus.Fabric
	portMap *bus.PortMap

	block     *LineBlock[CacheLine]
	directory *LineBlock[DirEntry]

	pendingSends []pendingSend

	// recvQueue holds messages popped off the fabric but not yet
	// dispatched: spec §4.3's "small receive queue". A message for a
	// pinned line waits here behind any messages for unrelated lines,
	// rather than blocking the whole queue.
	recvQueue []bus.Message
	recvCap   int

	// pinned tracks, per line, that a GetS/GetM transaction is still
	// in flight at the requester and has not yet returned its GetAck
	// (spec §4.3 "per-line exclusion"): no second transaction on that
	// line may be dispatched until the pin is released.
	pinned map[LineIndex]struct{}

	tick uint64

	trace   *EventTrace
	metrics *Metrics
	log     *logrus.Entry
}

// LLCConfig bundles LLC construction parameters.
type LLCConfig struct {
	Port      Port
	SliceID   int
	Fabric    bus.Fabric
	PortMap   *bus.PortMap
	Capacity  int
	DirCap    int
	RecvCap   int
	Trace     *EventTrace
	Metrics   *Metrics
	Log       *logrus.Entry
}

// NewLLC builds an LLC slice controller.
func NewLLC(cfg LLCConfig) *LLC {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.DirCap <= 0 {
		cfg.DirCap = 256
	}
	if cfg.RecvCap <= 0 {
		cfg.RecvCap = 16
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil, "llc", "")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LLC{
		myPort:    cfg.Port,
		sliceID:   cfg.SliceID,
		fabric:    cfg.Fabric,
		portMap:   cfg.PortMap,
		block:     NewLineBlock[CacheLine](cfg.Capacity),
		directory: NewLineBlock[DirEntry](cfg.DirCap),
		recvCap:   cfg.RecvCap,
		pinned:    make(map[LineIndex]struct{}),
		trace:     cfg.Trace,
		metrics:   cfg.Metrics,
		log:       cfg.Log.WithField("component", "llc").WithField("slice", cfg.SliceID),
	}
}

func (l *LLC) queueSend(dst Port, msg bus.Message) {
	l.pendingSends = append(l.pendingSends, pendingSend{dst: dst, msg: msg})
}

// OnCurrentTick pulls at most one fresh message off the fabric into the
// receive queue (fetch stage), then dispatches the first queued message
// whose line is not currently pinned (index+process stage). A message for
// a pinned line is skipped in place, waiting behind unrelated traffic
// rather than stalling the whole queue.
func (l *LLC) OnCurrentTick() {
	if len(l.recvQueue) < l.recvCap {
		canRecv := l.fabric.CanRecv(l.myPort)
		for ch := 0; ch < bus.ChannelCount; ch++ {
			if !canRecv[ch] {
				continue
			}
			raw, ok := l.fabric.TryRecv(l.myPort, bus.Channel(ch))
			if !ok {
				continue
			}
			l.recvQueue = append(l.recvQueue, bus.Decode(raw))
			break
		}
	}

	for i, msg := range l.recvQueue {
		if l.blockedByPin(msg) {
			continue
		}
		l.dispatch(msg)
		l.recvQueue = append(l.recvQueue[:i], l.recvQueue[i+1:]...)
		break
	}
}

// ApplyNextTick flushes as many queued sends as the fabric currently
// accepts, in FIFO order.
func (l *LLC) ApplyNextTick() {
	sent := 0
	for _, ps := range l.pendingSends {
		if !l.fabric.TrySend(l.myPort, ps.dst, ps.msg.Type.Channel(), bus.Encode(ps.msg)) {
			break
		}
		sent++
	}
	l.pendingSends = l.pendingSends[sent:]
	l.tick++
}

// blockedByPin reports whether msg must wait because another transaction
// on the same line is still pinned. GetAck is never blocked because it is
// what releases a pin; InvAck is never blocked because dispatch ignores it.
func (l *LLC) blockedByPin(msg bus.Message) bool {
	if msg.Type == bus.GetAck || msg.Type == bus.InvAck {
		return false
	}
	_, pinned := l.pinned[msg.Line]
	return pinned
}

func (l *LLC) pin(line LineIndex) {
	l.pinned[line] = struct{}{}
}

func (l *LLC) unpin(line LineIndex) {
	delete(l.pinned, line)
}

func (l *LLC) dispatch(msg bus.Message) {
	if l.portMap.SliceIndex(msg.Line) != l.sliceID {
		invariantf("llc", "message routed to the wrong NUCA slice", "line=%d slice=%d expected=%d", msg.Line, l.sliceID, l.portMap.SliceIndex(msg.Line))
	}

	switch msg.Type {
	case bus.GetS:
		l.onGetS(msg)
	case bus.GetM:
		l.onGetM(msg)
	case bus.PutS, bus.PutE:
		l.onPutSE(msg)
	case bus.PutM, bus.PutO:
		l.onPutMO(msg)
	case bus.GetAck:
		l.onGetAck(msg)
	case bus.InvAck:
		// InvAcks reach the LLC in reply to the Invalidates onPutMO
		// sends (with Arg set to this slice's port) to the remaining
		// sharers of an evicted victim; nothing waits on them, so they
		// are dropped here.
	default:
		invariantf("llc", "unexpected inbound message type", "type=%s line=%d", msg.Type, msg.Line)
	}
}

// onGetAck retires the per-line pin set by the onGetS/onGetM that started
// this transaction. The directory itself was already updated eagerly at
// request time (spec §8 invariant 6: once GetAck lands at the home node,
// the directory must already be consistent with it) - GetAck's only job
// here is to release the line for the next transaction.
func (l *LLC) onGetAck(msg bus.Message) {
	l.unpin(msg.Line)
}

func (l *LLC) requesterIndex(srcPort Port) int {
	idx, ok := l.portMap.RequesterIndex(srcPort)
	if !ok {
		invariantf("llc", "message source port is not a known requester", "port=%d", srcPort)
	}
	return idx
}

func (l *LLC) onGetS(msg bus.Message) {
	srcPort := Port(msg.Arg)
	l1Index := l.requesterIndex(srcPort)

	line, blkHit := l.block.Peek(msg.Line)
	entry, dirHit := l.directory.Peek(msg.Line)

	switch {
	case !dirHit && !blkHit:
		l.queueSend(l.portMap.SubNodePort(msg.Line), bus.Message{Type: bus.GetSForward, Line: msg.Line, Arg: msg.Arg})
		fresh := NewDirEntry()
		fresh.SetOwner(l1Index, true)
		l.directory.Insert(msg.Line, fresh)
		l.pin(msg.Line)
		l.metrics.Misses.Inc()
	case !dirHit && blkHit:
		// Served directly from this slice's own resident block: the
		// requester's onGetSResp treats Arg==0 as a fully-settled
		// Exclusive grant and never sends a GetAck (l1.go onGetSResp),
		// so no pin is taken here - there is nothing that would ever
		// retire it.
		l.queueSend(srcPort, bus.Message{Type: bus.GetSResp, Line: msg.Line, Arg: 0, Data: line.Data, HasData: true})
		fresh := NewDirEntry()
		fresh.SetOwner(l1Index, true)
		l.directory.Insert(msg.Line, fresh)
		l.metrics.Hits.Inc()
	default:
		if _, ok := entry.Sharers[entry.Owner]; !ok {
			invariantf("llc", "directory owner absent from sharer set", "line=%d", msg.Line)
		}
		ownerPort := l.portMap.RequesterPort(entry.Owner)
		l.queueSend(ownerPort, bus.Message{Type: bus.GetSForward, Line: msg.Line, Arg: msg.Arg})
		entry.AddSharer(l1Index)
		l.directory.Touch(msg.Line)
		l.pin(msg.Line)
		l.metrics.Misses.Inc()
	}
}

func (l *LLC) onGetM(msg bus.Message) {
	srcPort := Port(msg.Arg)
	l1Index := l.requesterIndex(srcPort)

	line, blkHit := l.block.Peek(msg.Line)
	entry, dirHit := l.directory.Peek(msg.Line)

	switch {
	case !dirHit && !blkHit:
		l.queueSend(l.portMap.SubNodePort(msg.Line), bus.Message{Type: bus.GetMForward, Line: msg.Line, Arg: msg.Arg})
		fresh := NewDirEntry()
		fresh.SetOwner(l1Index, true)
		l.directory.Insert(msg.Line, fresh)
		l.pin(msg.Line)
		l.metrics.Misses.Inc()
	case !dirHit && blkHit:
		// As in onGetS: Arg==1 here is l1.go onGetMResp's "granted
		// directly, already final" signal, which skips GetAck entirely.
		// No pin is taken since nothing would ever release it.
		l.queueSend(srcPort, bus.Message{Type: bus.GetMResp, Line: msg.Line, Arg: 1, Data: line.Data, HasData: true})
		fresh := NewDirEntry()
		fresh.SetOwner(l1Index, true)
		l.directory.Insert(msg.Line, fresh)
		l.metrics.Hits.Inc()
	default:
		if blkHit {
			l.block.Remove(msg.Line)
		}
		skipOwner := true
		if _, ok := entry.Sharers[l1Index]; ok {
			skipOwner = false
		}
		if skipOwner {
			ownerPort := l.portMap.RequesterPort(entry.Owner)
			l.queueSend(ownerPort, bus.Message{Type: bus.GetMForward, Line: msg.Line, Arg: msg.Arg})
		}
		var invalidCnt uint32
		for _, r := range entry.SharerList() {
			if r == l1Index || (skipOwner && r == entry.Owner) {
				continue
			}
			l.queueSend(l.portMap.RequesterPort(r), bus.Message{Type: bus.Invalidate, Line: msg.Line, Arg: msg.Arg})
			invalidCnt++
		}
		l.queueSend(srcPort, bus.Message{Type: bus.GetMAck, Line: msg.Line, Arg: invalidCnt})

		fresh := NewDirEntry()
		fresh.SetOwner(l1Index, true)
		l.directory.Insert(msg.Line, fresh)
		l.pin(msg.Line)
		l.metrics.Misses.Inc()
	}
}

func (l *LLC) onPutSE(msg bus.Message) {
	srcPort := Port(msg.Arg)
	l1Index := l.requesterIndex(srcPort)

	entry, dirHit := l.directory.Peek(msg.Line)
	dirEvict := true
	if dirHit {
		entry.RemoveSharer(l1Index)
		dirEvict = entry.Empty()
	}

	l.queueSend(srcPort, bus.Message{Type: bus.PutAck, Line: msg.Line})

	if dirHit && dirEvict {
		l.directory.Remove(msg.Line)
	}
}

func (l *LLC) onPutMO(msg bus.Message) {
	srcPort := Port(msg.Arg)
	l1Index := l.requesterIndex(srcPort)

	entry, dirHit := l.directory.Peek(msg.Line)
	if !dirHit {
		invariantf("llc", "put-M/O for a line with no directory entry", "line=%d", msg.Line)
	}

	if entry.HasOwner && entry.Owner == l1Index {
		victim, victimData, evicted := l.block.Insert(msg.Line, CacheLine{State: Owned, Data: msg.Data})
		if evicted {
			if vEntry, vHit := l.directory.Peek(victim); vHit && !vEntry.Dirty {
				for _, r := range vEntry.SharerList() {
					l.queueSend(l.portMap.RequesterPort(r), bus.Message{Type: bus.Invalidate, Line: victim, Arg: uint32(l.myPort)})
				}
				l.directory.Remove(victim)
			}
			l.queueSend(l.portMap.SubNodePort(victim), bus.Message{Type: bus.PutM, Line: victim, Arg: uint32(l.myPort), Data: victimData.Data, HasData: true})
		}
	}

	l.queueSend(srcPort, bus.Message{Type: bus.PutAck, Line: msg.Line})

	entry.Dirty = !entry.HasOwner || entry.Owner != l1Index
	entry.RemoveSharer(l1Index)
	if !entry.Empty() {
		for r := range entry.Sharers {
			entry.Owner = r
			entry.HasOwner = true
			break
		}
	}
	if entry.Empty() {
		l.directory.Remove(msg.Line)
	}
}

// Snapshot returns a defensive dump of the block and directory, used to
// build the SystemSnapshot that CheckInvariants walks.
func (l *LLC) Snapshot() (lines map[LineIndex]CacheLine, dir map[LineIndex]DirEntry) {
	return l.block.Snapshot(), l.directory.Snapshot()
}
