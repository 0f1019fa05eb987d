package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var data Line
	for i := range data {
		data[i] = byte(i)
	}

	cases := []Message{
		{Type: GetS, Line: 0x1234, Arg: 7, TransactionID: 99},
		{Type: GetM, Line: 0, Arg: 0, TransactionID: 0},
		{Type: GetSResp, Line: 42, Arg: 2, TransactionID: 5, Data: data, HasData: true},
		{Type: GetMResp, Line: 1 << 40, Arg: 0, TransactionID: 1, Data: data, HasData: true},
		{Type: PutM, Line: 9, Arg: 3, Data: data, HasData: true},
		{Type: PutO, Line: 9, Arg: 3, Data: data, HasData: true},
		{Type: GetRespMem, Line: 9, Arg: 0, Data: data, HasData: true},
		{Type: Invalidate, Line: 5, Arg: 1},
		{Type: InvAck, Line: 5, Arg: 1},
		{Type: GetSForward, Line: 5, Arg: 1},
		{Type: GetMForward, Line: 5, Arg: 1},
		{Type: GetMAck, Line: 5, Arg: 2},
		{Type: GetAck, Line: 5, Arg: 1},
		{Type: PutS, Line: 5, Arg: 1},
		{Type: PutE, Line: 5, Arg: 1},
		{Type: PutAck, Line: 5, Arg: 1},
	}

	for _, msg := range cases {
		t.Run(msg.Type.String(), func(t *testing.T) {
			raw := Encode(msg)
			got := Decode(raw)
			require.Equal(t, msg.Type, got.Type)
			require.Equal(t, msg.Line, got.Line)
			require.Equal(t, msg.Arg, got.Arg)
			require.Equal(t, msg.TransactionID, got.TransactionID)
			require.Equal(t, msg.HasData, got.HasData)
			if msg.HasData {
				require.Equal(t, msg.Data, got.Data)
			}
		})
	}
}

func TestLineIndexWidthIs48Bits(t *testing.T) {
	// The wire format reserves 48 bits for the line index; anything in
	// that range must survive encode/decode untouched.
	const max48 = (uint64(1) << 48) - 1
	msg := Message{Type: GetS, Line: LineIndex(max48), Arg: 1}
	got := Decode(Encode(msg))
	require.Equal(t, msg.Line, got.Line)
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	require.Panics(t, func() {
		Decode([]byte{0, 0, 0})
	})
}

func TestDecodeRejectsMissingDataPayload(t *testing.T) {
	msg := Message{Type: GetSResp, Line: 1, Arg: 1, HasData: true}
	raw := Encode(msg)
	// Truncate the payload off a data-carrying message.
	raw = raw[:wireHeaderBytes]
	require.Panics(t, func() {
		Decode(raw)
	})
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	raw := Encode(Message{Type: GetS, Line: 1, Arg: 1})
	raw[0] = byte(msgTypeCount) + 10
	require.Panics(t, func() {
		Decode(raw)
	})
}

func TestAddrToLineIndex(t *testing.T) {
	require.Equal(t, LineIndex(0), AddrToLineIndex(0))
	require.Equal(t, LineIndex(0), AddrToLineIndex(63))
	require.Equal(t, LineIndex(1), AddrToLineIndex(64))
	require.Equal(t, uint64(64), LineIndexToAddr(1))
}

func TestChannelAssignment(t *testing.T) {
	reqChannel := []MsgType{GetS, GetM, PutS, PutE, PutM, PutO}
	for _, ty := range reqChannel {
		require.Equal(t, ChannelREQ, ty.Channel(), ty.String())
	}
	respChannel := []MsgType{GetSForward, GetMForward, GetSResp, GetMResp, GetMAck, GetRespMem}
	for _, ty := range respChannel {
		require.Equal(t, ChannelRESP, ty.Channel(), ty.String())
	}
	ackChannel := []MsgType{Invalidate, InvAck, GetAck, PutAck}
	for _, ty := range ackChannel {
		require.Equal(t, ChannelACK, ty.Channel(), ty.String())
	}
}
