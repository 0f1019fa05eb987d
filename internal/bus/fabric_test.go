package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFabricFIFOPerChannel(t *testing.T) {
	f := NewInProcFabric(0, 8)

	require.True(t, f.TrySend(1, 2, ChannelREQ, []byte("a")))
	require.True(t, f.TrySend(1, 2, ChannelREQ, []byte("b")))
	require.True(t, f.TrySend(1, 2, ChannelACK, []byte("x")))

	got, ok := f.TryRecv(2, ChannelREQ)
	require.True(t, ok)
	require.Equal(t, []byte("a"), got)

	got, ok = f.TryRecv(2, ChannelACK)
	require.True(t, ok)
	require.Equal(t, []byte("x"), got)

	got, ok = f.TryRecv(2, ChannelREQ)
	require.True(t, ok)
	require.Equal(t, []byte("b"), got)
}

func TestFabricBackpressure(t *testing.T) {
	f := NewInProcFabric(0, 1)
	require.True(t, f.TrySend(1, 2, ChannelREQ, []byte("a")))
	require.False(t, f.CanSend(1, 2, ChannelREQ))
	require.False(t, f.TrySend(1, 2, ChannelREQ, []byte("b")))

	_, ok := f.TryRecv(2, ChannelREQ)
	require.True(t, ok)
	require.True(t, f.CanSend(1, 2, ChannelREQ))
}

func TestFabricLatency(t *testing.T) {
	f := NewInProcFabric(2, 4)
	require.True(t, f.TrySend(1, 2, ChannelREQ, []byte("a")))

	_, ok := f.TryRecv(2, ChannelREQ)
	require.False(t, ok, "packet should not be visible before latency elapses")

	f.Tick()
	_, ok = f.TryRecv(2, ChannelREQ)
	require.False(t, ok)

	f.Tick()
	got, ok := f.TryRecv(2, ChannelREQ)
	require.True(t, ok)
	require.Equal(t, []byte("a"), got)
}

func TestFabricNoBlockingOnEmptyQueue(t *testing.T) {
	f := NewInProcFabric(0, 4)
	_, ok := f.TryRecv(99, ChannelREQ)
	require.False(t, ok)
	canRecv := f.CanRecv(99)
	for _, c := range canRecv {
		require.False(t, c)
	}
}
