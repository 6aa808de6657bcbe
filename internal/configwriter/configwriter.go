// Package configwriter packs (register-address, value) pairs into the
// padded wire format the appliance expects and drives a patch's
// HW_LoadPatch sequence against a Writer.
package configwriter

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/camtrace/camtrace/internal/patch"
	"github.com/camtrace/camtrace/internal/regmap"
)

// recordSize is the padded per-entry slot size; only 5 of the 8 bytes
// carry data. The leading byte of every slot is a zero pad that absorbs
// a first-byte-drop hardware bug; the last two bytes are also zero.
const recordSize = 8

// Writer is the subset of the device façade the config writer needs.
type Writer interface {
	WriteA(data []byte, async bool) error
}

// Pack serialises count (addr, data) pairs into the padded wire form.
func Pack(addrs, data []uint16) []byte {
	count := len(addrs)
	buf := make([]byte, count*recordSize)
	for i := 0; i < count; i++ {
		addr, val := addrs[i], data[i]
		slot := buf[i*recordSize : i*recordSize+recordSize]
		// slot[0] is the sacrificial pad and stays zero.
		slot[1] = 0x80 | byte((addr&0xC000)>>12) | byte((val&0xC000)>>14)
		slot[2] = byte((addr & 0x3F80) >> 7)
		slot[3] = byte(addr & 0x007F)
		slot[4] = byte((val & 0x3F80) >> 7)
		slot[5] = byte(val & 0x007F)
		// slot[6..7] stay zero.
	}
	return buf
}

// WriteMultiple packs and ships count (addr, data) pairs in one USB
// write.
func WriteMultiple(w Writer, addrs, data []uint16, async bool) error {
	if len(addrs) != len(data) {
		return fmt.Errorf("configwriter: mismatched addr/data lengths (%d/%d)", len(addrs), len(data))
	}
	if len(addrs) == 0 {
		return nil
	}
	return w.WriteA(Pack(addrs, data), async)
}

// Write is WriteMultiple with a single pair.
func Write(w Writer, addr, data uint16, async bool) error {
	return WriteMultiple(w, []uint16{addr}, []uint16{data}, async)
}

// LoadPatch emits a patch's entire state to the device in the order the
// hardware requires: content memory words, then block offsets, then for
// each block its four CAM registers followed by the CAM_INDEX write that
// commits them into slot i.
func LoadPatch(w Writer, p *patch.HWPatch) error {
	numWords := patch.ContentSize / 2
	addrs := make([]uint16, 0, numWords+patch.NumBlocks+patch.NumBlocks*5)
	data := make([]uint16, 0, cap(addrs))

	for i := 0; i < numWords; i++ {
		addrs = append(addrs, uint16(regmap.PatchContent+i))
		word := uint16(p.Content[i*2]) | uint16(p.Content[i*2+1])<<8
		data = append(data, word)
	}

	for i := 0; i < p.NumBlocks; i++ {
		addrs = append(addrs, uint16(regmap.PatchOffset+i))
		data = append(data, p.Blocks[i].Offset)
	}

	for i := 0; i < p.NumBlocks; i++ {
		blk := p.Blocks[i]
		addrs = append(addrs,
			regmap.CamAddrLow, regmap.CamAddrHigh,
			regmap.CamMaskLow, regmap.CamMaskHigh,
			regmap.CamIndex,
		)
		data = append(data,
			uint16(blk.Addr&0xFFFF), uint16(blk.Addr>>16),
			uint16(blk.Mask&0xFFFF), uint16(blk.Mask>>16),
			uint16(i),
		)
	}

	return WriteMultiple(w, addrs, data, false)
}

// UpdateRegion pushes an asynchronous partial update for size bytes of
// content memory starting at the given byte offset into p.Content — used
// to ship an I/O hook reply burst without reloading the whole patch.
// offset must be even; size is rounded up to a whole word.
func UpdateRegion(w Writer, p *patch.HWPatch, offset, size int) error {
	wordOffset := offset / 2
	numWords := (size + 1) / 2
	addrs := make([]uint16, numWords)
	data := make([]uint16, numWords)
	for i := 0; i < numWords; i++ {
		addrs[i] = uint16(regmap.PatchContent + wordOffset + i)
		data[i] = uint16(p.Content[(wordOffset+i)*2]) | uint16(p.Content[(wordOffset+i)*2+1])<<8
	}
	return WriteMultiple(w, addrs, data, true)
}

// synthStep is the frequency resolution of the system clock synthesiser
// register: 200 MHz divided into 2^19 steps (the register itself holds
// 16 bits, so the top of that range is not reachable).
const synthStep = 200.0 / float64(0x80000)

// SetSystemClock approximates mhz on the clock synthesiser and returns the
// actual frequency selected (the nearest representable step, clamped to
// the register's 16-bit range).
func SetSystemClock(w Writer, mhz float64) (actual float64, err error) {
	regValue := int(mhz/synthStep + 0.5)
	if regValue > 0xFFFF {
		regValue = 0xFFFF
	}
	if regValue < 0 {
		regValue = 0
	}
	actual = float64(regValue) * synthStep
	return actual, Write(w, regmap.SysClk, uint16(regValue), false)
}

// ClockSetter adapts SetSystemClock to the kHz-based interface the I/O
// hook SETCLOCK service drives (the hook wire format carries kHz; the
// register takes MHz — spec §4.6).
type ClockSetter struct {
	W   Writer
	Log *zap.SugaredLogger
}

func (c *ClockSetter) SetClockKHz(khz uint32) error {
	actual, err := SetSystemClock(c.W, float64(khz)/1000.0)
	if err != nil {
		return err
	}
	if c.Log != nil {
		c.Log.Infof("clock: set to %.3f MHz", actual)
	}
	return nil
}
