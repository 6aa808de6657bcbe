package wire

import "encoding/binary"

// HookBurstSize is the size in bytes of one I/O hook burst: seven 32-bit
// little-endian data words plus a 32-bit big-endian footer.
const HookBurstSize = 32

// HookWords is the number of 16-bit wire words that make up one burst
// (the target writes these one at a time; the host reassembles them).
const HookWords = 16

// Hook service codes (spec §4.6).
const (
	SvcLogStr   = 0x01
	SvcLogHex   = 0x02
	SvcFOpenR   = 0x03
	SvcFOpenW   = 0x04
	SvcFSeek    = 0x05
	SvcFWrite   = 0x06
	SvcFRead    = 0x07
	SvcQuit     = 0x08
	SvcSetClock = 0x09
	SvcInit     = 0x0A
)

// MaxHookPayload is the maximum response/request payload length a burst
// can carry (28 bytes of data words, the rest is footer).
const MaxHookPayload = 28

// HookFooter is the last 32 bits of a burst: service, sequence, length
// and checksum, big-endian on the wire.
type HookFooter struct {
	Service uint8
	Seq     uint8
	Length  uint8
	Check   uint8
}

// HookBuffer is one 32-byte I/O hook burst.
type HookBuffer struct {
	Data   [28]byte
	Footer HookFooter
}

// SetWord stores the wire word N (0..15, big-endian 16-bit) of the
// burst as the target writes it one word at a time. Words 0..13 land in
// Data; words 14/15 are the footer.
func (b *HookBuffer) SetWord(n int, word uint16) {
	switch {
	case n < 14:
		binary.BigEndian.PutUint16(b.Data[n*2:n*2+2], word)
	case n == 14:
		b.Footer.Service = uint8(word >> 8)
		b.Footer.Seq = uint8(word)
	case n == 15:
		b.Footer.Length = uint8(word >> 8)
		b.Footer.Check = uint8(word)
	}
}

// ComputeChecksum sums the seven 32-bit little-endian data words into one
// accumulator and returns the sum of that accumulator's four bytes
// modulo 256 — the checksum the footer's low byte must match.
func (b *HookBuffer) ComputeChecksum() uint8 {
	var w uint32
	for i := 0; i < 7; i++ {
		w += binary.LittleEndian.Uint32(b.Data[i*4 : i*4+4])
	}
	sum := w + (w << 8) + (w << 16) + (w << 24)
	return uint8(sum >> 24)
}

// WriteFooter rebuilds the footer preserving seq and svc, setting
// length, and recomputing the checksum byte — used when the host
// replies.
func (b *HookBuffer) WriteFooter(svc, seq, length uint8) {
	b.Footer.Service = svc
	b.Footer.Seq = seq
	b.Footer.Length = length
	b.Footer.Check = b.ComputeChecksum()
}

// Bytes serializes the burst back to the 32-byte wire form: seven
// little-endian data words followed by the big-endian footer word.
func (b *HookBuffer) Bytes() []byte {
	out := make([]byte, HookBurstSize)
	copy(out, b.Data[:])
	out[28] = b.Footer.Service
	out[29] = b.Footer.Seq
	out[30] = b.Footer.Length
	out[31] = b.Footer.Check
	return out
}
