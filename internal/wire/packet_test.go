package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAligned(t *testing.T) {
	assert.True(t, IsAligned(0x80000000))
	assert.False(t, IsAligned(Overflow))
	assert.False(t, IsAligned(0x00000000))
	assert.False(t, IsAligned(0x80800000))
}

func TestDecodeSimpleAddrPacket(t *testing.T) {
	p := uint32(0x80000000) // aligned, type=ADDR, payload=0, check=0
	require.True(t, Valid(p))
	assert.Equal(t, TypeAddr, Type(p))
	assert.Equal(t, uint32(0), Payload(p))

	d := Decode(p)
	assert.Equal(t, uint32(1), d.Duration)
}

func TestPacketRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		typ     PacketType
		payload uint32
	}{
		{TypeAddr, 0},
		{TypeRead, 0x3FFFFF},
		{TypeWrite, 0x123456},
		{TypeTimestamp, 1},
	} {
		p := Encode(tc.typ, tc.payload)
		require.Truef(t, Valid(p), "type=%v payload=%#x", tc.typ, tc.payload)
		assert.Equal(t, tc.typ, Type(p))
		assert.Equal(t, tc.payload, Payload(p))
	}
}

func TestChecksumDetectsSingleBitFlip(t *testing.T) {
	payload := uint32(0x123456)
	base := ComputeCheck(TypeWrite, payload)
	for bit := 0; bit < 22; bit++ {
		flipped := payload ^ (1 << bit)
		assert.NotEqualf(t, base, ComputeCheck(TypeWrite, flipped), "bit %d", bit)
	}
}

func TestReadWriteFieldDecoding(t *testing.T) {
	// word=0xBEEF, byteEn0=true, byteEn1=false, timestamp=5
	payload := uint32(0xBEEF) | (1 << 16) | (0 << 17) | (5 << 18)
	p := Encode(TypeWrite, payload)
	require.True(t, Valid(p))

	d := Decode(p)
	assert.Equal(t, uint16(0xBEEF), d.Word)
	assert.True(t, d.ByteEn0)
	assert.False(t, d.ByteEn1)
	assert.Equal(t, uint8(5), d.Timestamp)
	assert.Equal(t, uint32(6), d.Duration)
}

func TestTimestampDuration(t *testing.T) {
	p := Encode(TypeTimestamp, 41)
	d := Decode(p)
	assert.Equal(t, uint32(42), d.Duration)
}

func TestOverflowSentinelNeverValid(t *testing.T) {
	assert.False(t, Valid(Overflow))
}
