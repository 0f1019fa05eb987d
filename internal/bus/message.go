// Package bus implements the packet-switched on-chip interconnect that
// coherence agents (L1s, the LLC, memory nodes, and the DMA engine) use to
// exchange typed messages. It owns the wire format, the channel
// partitioning used to avoid protocol deadlock, and a simple in-process
// fabric that delivers messages FIFO per (channel, destination) pair.
package bus

import (
	"encoding/binary"
	"fmt"
)

// Channel partitions messages into independent classes so that a receiver
// stuck on one class never blocks delivery on another. REQ carries
// requests toward a home node, RESP carries data/forwards back to a
// requester, ACK carries low-priority acknowledgements.
type Channel uint8

const (
	ChannelREQ Channel = iota
	ChannelRESP
	ChannelACK

	ChannelCount = int(ChannelACK) + 1
)

func (c Channel) String() string {
	switch c {
	case ChannelREQ:
		return "REQ"
	case ChannelRESP:
		return "RESP"
	case ChannelACK:
		return "ACK"
	default:
		return fmt.Sprintf("Channel(%d)", uint8(c))
	}
}

// MsgType enumerates the sixteen coherence message kinds carried by the
// bus. Values are stable across the wire and must never be renumbered —
// two simulator instances interoperating over a shared bus image rely on
// this encoding being bit-exact.
type MsgType uint8

const (
	Invalidate MsgType = iota
	InvAck
	GetS
	GetM
	GetSForward
	GetMForward
	GetSResp
	GetMResp
	GetMAck
	GetAck
	GetRespMem
	PutS
	PutE
	PutM
	PutO
	PutAck

	msgTypeCount
)

var msgTypeNames = [msgTypeCount]string{
	"Invalidate", "InvAck", "GetS", "GetM", "GetSForward", "GetMForward",
	"GetSResp", "GetMResp", "GetMAck", "GetAck", "GetRespMem",
	"PutS", "PutE", "PutM", "PutO", "PutAck",
}

func (t MsgType) String() string {
	if int(t) < len(msgTypeNames) {
		return msgTypeNames[t]
	}
	return fmt.Sprintf("MsgType(%d)", uint8(t))
}

// Channel reports which of the three logical channels a message type must
// travel on. The mapping is fixed by the protocol: requests toward a home
// node go on REQ, data/forward responses go on RESP, and the low-priority
// acknowledgement traffic goes on ACK.
func (t MsgType) Channel() Channel {
	switch t {
	case GetS, GetM, PutS, PutE, PutM, PutO:
		return ChannelREQ
	case GetSForward, GetMForward, GetSResp, GetMResp, GetMAck, GetRespMem:
		return ChannelRESP
	case Invalidate, InvAck, GetAck, PutAck:
		return ChannelACK
	default:
		panic(fmt.Sprintf("bus: unknown message type %d has no channel", uint8(t)))
	}
}

// CarriesData reports whether a message of this type carries a cache-line
// payload (§4.1 / §6: GetS/GetMResp, GetRespMem, PutM, PutO).
func (t MsgType) CarriesData() bool {
	switch t {
	case GetSResp, GetMResp, GetRespMem, PutM, PutO:
		return true
	default:
		return false
	}
}

// LineIndex identifies a cache-line-granular physical address: a full
// address shifted right by the line offset (64-byte lines -> 6 bits).
type LineIndex uint64

// LineBytes is the size in bytes of one coherence unit.
const LineBytes = 64

// LineOffsetBits is log2(LineBytes).
const LineOffsetBits = 6

// AddrToLineIndex truncates a byte address down to its containing line.
func AddrToLineIndex(addr uint64) LineIndex {
	return LineIndex(addr >> LineOffsetBits)
}

// LineIndexToAddr returns the base address of a line.
func LineIndexToAddr(l LineIndex) uint64 {
	return uint64(l) << LineOffsetBits
}

// Line is a cache-line-sized, independently owned data payload. Messages
// embed it by value so that no two components ever alias the same
// backing array (design notes §9: "no pointer-sharing across components").
type Line [LineBytes]byte

// Message is the wire-level coherence message exchanged between agents.
// It is a tagged struct over the sixteen MsgType kinds; Data is populated
// only when Type.CarriesData().
type Message struct {
	Type          MsgType
	Line          LineIndex
	Arg           uint32 // source port, or sharer/ack count, message-dependent
	TransactionID uint32 // zero if tracing/correlation is off
	Data          Line
	HasData       bool
}

// wireHeaderBytes is the fixed-width header preceding an optional line
// payload: 1(type) + 1(channel, redundant with type but kept bit-exact per
// §6) + 6(line index, 48 bits) + 4(arg) + 4(transaction id).
const wireHeaderBytes = 1 + 1 + 6 + 4 + 4

// MaxWireBytes is the widest a packet can be: header plus one full line.
const MaxWireBytes = wireHeaderBytes + LineBytes

// Encode packs msg into the fixed wire layout described in spec §6. The
// codec is pure and symmetric: Decode(Encode(msg)) reproduces msg for
// every message type.
func Encode(msg Message) []byte {
	size := wireHeaderBytes
	if msg.Type.CarriesData() {
		size += LineBytes
	}
	buf := make([]byte, size)

	buf[0] = byte(msg.Type)
	buf[1] = byte(msg.Type.Channel())

	var lineBuf [8]byte
	binary.BigEndian.PutUint64(lineBuf[:], uint64(msg.Line))
	copy(buf[2:8], lineBuf[2:8]) // low 48 bits

	binary.BigEndian.PutUint32(buf[8:12], msg.Arg)
	binary.BigEndian.PutUint32(buf[12:16], msg.TransactionID)

	if msg.Type.CarriesData() {
		copy(buf[wireHeaderBytes:], msg.Data[:])
	}

	return buf
}

// Decode is the inverse of Encode. Malformed packets (truncated headers,
// a data-carrying type with no payload, or vice versa) are not a
// recoverable condition per §4.1 — they indicate a protocol bug upstream
// and Decode panics rather than returning a partially-parsed message.
func Decode(raw []byte) Message {
	if len(raw) < wireHeaderBytes {
		panic(fmt.Sprintf("bus: malformed packet: %d bytes, need at least %d", len(raw), wireHeaderBytes))
	}

	msg := Message{
		Type: MsgType(raw[0]),
	}
	if int(msg.Type) >= int(msgTypeCount) {
		panic(fmt.Sprintf("bus: malformed packet: unknown message type %d", raw[0]))
	}
	if Channel(raw[1]) != msg.Type.Channel() {
		panic(fmt.Sprintf("bus: malformed packet: type %s claims channel %d, expected %s", msg.Type, raw[1], msg.Type.Channel()))
	}

	var lineBuf [8]byte
	copy(lineBuf[2:8], raw[2:8])
	msg.Line = LineIndex(binary.BigEndian.Uint64(lineBuf[:]))
	msg.Arg = binary.BigEndian.Uint32(raw[8:12])
	msg.TransactionID = binary.BigEndian.Uint32(raw[12:16])

	if msg.Type.CarriesData() {
		if len(raw) != wireHeaderBytes+LineBytes {
			panic(fmt.Sprintf("bus: malformed packet: type %s must carry %d data bytes, got %d", msg.Type, LineBytes, len(raw)-wireHeaderBytes))
		}
		copy(msg.Data[:], raw[wireHeaderBytes:])
		msg.HasData = true
	} else if len(raw) != wireHeaderBytes {
		panic(fmt.Sprintf("bus: malformed packet: type %s must not carry data, got %d extra bytes", msg.Type, len(raw)-wireHeaderBytes))
	}

	return msg
}
