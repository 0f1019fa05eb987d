package moesi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyAMOArithAddWrapsAtWidth(t *testing.T) {
	got := applyAMOArith(AMOAdd, 0xFFFFFFFF, 1, 4)
	require.EqualValues(t, 0, got)
}

func TestApplyAMOArithSignedMinRespectsSignExtension(t *testing.T) {
	// -1 (0xFFFFFFFF) vs 1, signed min should pick -1.
	got := applyAMOArith(AMOMin, 0xFFFFFFFF, 1, 4)
	require.EqualValues(t, 0xFFFFFFFF, got)
}

func TestApplyAMOArithUnsignedMaxIgnoresSign(t *testing.T) {
	// 0xFFFFFFFF is the largest unsigned 4-byte value, so maxu picks it
	// over 1 even though it's negative as a signed value.
	got := applyAMOArith(AMOMaxu, 0xFFFFFFFF, 1, 4)
	require.EqualValues(t, 0xFFFFFFFF, got)
}

func TestBytesToUintAndBackRoundTrip(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04}
	v := bytesToUint(buf, 4)
	require.EqualValues(t, 0x04030201, v)
	require.Equal(t, buf, uint64ToBytes(v, 4))
}
