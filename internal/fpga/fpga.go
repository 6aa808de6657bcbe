// Package fpga drives the Slave-Parallel (SelectMAP) bring-up sequence:
// pulsing PROG, streaming the byte-reversed bitstream, and sampling
// DONE/INIT once before and once after the load. It does not reset the
// USB bridge or set interface A's bit-bang mode or bitrate.
package fpga

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/camtrace/camtrace/internal/bitfile"
)

// Control-line bit positions on interface B's GPIO byte.
const (
	pinCSI   = 1 << 0
	pinRDWR  = 1 << 1
	pinPROG  = 1 << 2
	pinDONE  = 1 << 3
	pinINIT  = 1 << 4 // S6 variant only
	pinM0    = 1 << 5 // S6 variant only
	pinM1    = 1 << 6 // S6 variant only
)

// chunkSize bounds each interface-A write during bitstream streaming.
const chunkSize = 16 * 1024

// trailerBytes is the number of trailing zero bytes clocked out to
// finish internal initialisation after the bitstream.
const trailerBytes = 512

// Device is the subset of the device façade bring-up needs.
type Device interface {
	WriteA(data []byte, async bool) error
	WriteB(data []byte) error
	ReadB() (byte, error)
	SetMode(bitbang bool, mask byte) error
}

// Variant distinguishes the Spartan-3 vs. Spartan-6 FPGA on the
// appliance; the S6 variant additionally exposes INIT/M0/M1.
type Variant int

const (
	VariantS3 Variant = iota
	VariantS6
)

// Options controls the bring-up sequence.
type Options struct {
	Variant        Variant
	ExpectedPart   string // PartNumber the loaded bitstream must match; empty disables the check
	SkipFPGAReset  bool
}

// BringUp loads bf onto the device per spec §4.8. log receives
// diagnostics; a non-nil error means the fatal "Bitstream mismatch" or a
// USB-level failure occurred before tracing could start.
func BringUp(dev Device, bf *bitfile.Bitfile, opts Options, log *zap.SugaredLogger) error {
	if opts.ExpectedPart != "" && bf.PartNumber != opts.ExpectedPart {
		return fmt.Errorf("fpga: bitstream part %q does not match expected %q", bf.PartNumber, opts.ExpectedPart)
	}
	if opts.SkipFPGAReset {
		log.Info("skipping FPGA reset sequence (--no-fpga-reset)")
		return nil
	}

	if err := dev.SetMode(false, pinCSI|pinRDWR|pinPROG); err != nil {
		return fmt.Errorf("fpga: enter GPIO mode: %w", err)
	}
	if err := dev.WriteB([]byte{pinCSI | pinRDWR | pinPROG}); err != nil {
		return fmt.Errorf("fpga: deassert control lines: %w", err)
	}

	if err := dev.WriteB([]byte{pinCSI | pinRDWR}); err != nil { // PROG low
		return fmt.Errorf("fpga: assert PROG: %w", err)
	}

	if err := dev.WriteB([]byte{pinPROG}); err != nil { // CSI=RDWR low, PROG high
		return fmt.Errorf("fpga: enter programming mode: %w", err)
	}
	time.Sleep(10 * time.Millisecond) // let the FPGA initialize

	status, err := dev.ReadB()
	if err != nil {
		return fmt.Errorf("fpga: sample DONE before load: %w", err)
	}
	if status&pinDONE != 0 {
		return fmt.Errorf("fpga: DONE already high before configuration")
	}

	reversed := reverseBits(bf.Payload)
	for off := 0; off < len(reversed); off += chunkSize {
		end := off + chunkSize
		if end > len(reversed) {
			end = len(reversed)
		}
		if err := dev.WriteA(reversed[off:end], false); err != nil {
			return fmt.Errorf("fpga: stream bitstream: %w", err)
		}
	}

	if err := dev.WriteA(make([]byte, trailerBytes), false); err != nil {
		return fmt.Errorf("fpga: clock trailing zeros: %w", err)
	}

	status, err = dev.ReadB()
	if err != nil {
		return fmt.Errorf("fpga: sample DONE after load: %w", err)
	}
	if status&pinDONE == 0 {
		return fmt.Errorf("fpga: DONE did not go high after configuration")
	}

	if opts.Variant == VariantS6 {
		if status&pinINIT == 0 {
			// Preserved per the original source: CRC failed is logged
			// but bring-up still succeeds, since the INIT pull-up may be
			// missing on some boards (spec §9 open question).
			log.Warn("fpga: CRC failed (INIT low after DONE) — continuing, pull-up may be missing")
		}
	}

	log.Info("fpga: configuration complete")
	return nil
}

// reverseBits flips the bit order of every byte: SelectMAP wires the
// data bus in the opposite order from what bitstream files present.
func reverseBits(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		var r byte
		for bit := 0; bit < 8; bit++ {
			r <<= 1
			r |= b & 1
			b >>= 1
		}
		out[i] = r
	}
	return out
}
