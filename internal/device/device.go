// Package device is the USB transport façade: bulk-transfer calls,
// streaming reads, synchronous byte I/O, and mode/bitrate control over a
// gousb handle. Named in spec §1/§6 as an external collaborator — the
// interesting engineering lives in the packages that call it, not here.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/gousb"
)

// Endpoint addresses on the FTDI-class interface chip: A carries
// register writes and trace data, B is used only during FPGA bring-up
// for GPIO/MPSSE bit-bang access.
const (
	ifaceA = 0x01
	ifaceB = 0x02
)

// Device wraps one opened appliance over USB bulk transfers.
type Device struct {
	ctx     *gousb.Context
	usbDev  *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	outA    *gousb.OutEndpoint
	inA     *gousb.InEndpoint
	outB    *gousb.OutEndpoint
	inB     *gousb.InEndpoint
	chunkSz int
}

// Open finds and opens the appliance by vendor/product ID and claims its
// USB interface.
func Open(vendorID, productID gousb.ID) (*Device, error) {
	ctx := gousb.NewContext()
	usbDev, err := ctx.OpenDeviceWithVIDPID(vendorID, productID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("device: open: %w", err)
	}
	if usbDev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device: no appliance found for %s:%s", vendorID, productID)
	}

	cfg, err := usbDev.Config(1)
	if err != nil {
		usbDev.Close()
		ctx.Close()
		return nil, fmt.Errorf("device: claim config: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		usbDev.Close()
		ctx.Close()
		return nil, fmt.Errorf("device: claim interface: %w", err)
	}

	d := &Device{ctx: ctx, usbDev: usbDev, cfg: cfg, intf: intf, chunkSz: 16 * 1024}

	if d.outA, err = intf.OutEndpoint(ifaceA); err != nil {
		d.Close()
		return nil, fmt.Errorf("device: interface A out endpoint: %w", err)
	}
	if d.inA, err = intf.InEndpoint(ifaceA); err != nil {
		d.Close()
		return nil, fmt.Errorf("device: interface A in endpoint: %w", err)
	}
	if d.outB, err = intf.OutEndpoint(ifaceB); err != nil {
		d.Close()
		return nil, fmt.Errorf("device: interface B out endpoint: %w", err)
	}
	if d.inB, err = intf.InEndpoint(ifaceB); err != nil {
		d.Close()
		return nil, fmt.Errorf("device: interface B in endpoint: %w", err)
	}
	return d, nil
}

// Close releases the interface, config and context in reverse order.
func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	var err error
	if d.usbDev != nil {
		err = d.usbDev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return err
}

// WriteA writes to interface A. When async is false the call blocks
// until the transfer completes; when true it is fire-and-forget from
// the caller's perspective, observed in order relative to later
// synchronous calls on the same interface (spec §5).
func (d *Device) WriteA(data []byte, async bool) error {
	if async {
		go func() {
			_, _ = d.outA.Write(data)
		}()
		return nil
	}
	_, err := d.outA.Write(data)
	return err
}

// WriteB writes to interface B, used only by the FPGA bring-up sequence.
func (d *Device) WriteB(data []byte) error {
	_, err := d.outB.Write(data)
	return err
}

// ReadB reads a single status byte from interface B — used to sample
// DONE/INIT/mode pins during bring-up.
func (d *Device) ReadB() (byte, error) {
	buf := make([]byte, 1)
	n, err := d.inB.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("device: short read from interface B")
	}
	return buf[0], nil
}

// SetBitrate configures interface A's bit-bang clock.
func (d *Device) SetBitrate(hz uint32) error {
	// FTDI bit-bang clock divisor control transfer: vendor request, value
	// carries the divisor derived from the target rate.
	divisor := uint16(3_000_000 / hz)
	_, err := d.usbDev.Control(0x40, 0x03, divisor, 0, nil)
	return err
}

// SetMode puts interface A (or B, depending on bitbang) into bit-bang or
// MPSSE/GPIO mode with the given pin direction mask.
func (d *Device) SetMode(bitbang bool, mask byte) error {
	request := uint16(0x0001) // reset
	if bitbang {
		request = uint16(mask)<<8 | 0x0001
	} else {
		request = uint16(mask)<<8 | 0x0002 // MPSSE
	}
	_, err := d.usbDev.Control(0x40, 0x0B, request, 0, nil)
	return err
}

// StreamReads starts the blocking bulk-read loop on interface A in a
// background goroutine and delivers chunks on the returned channel until
// ctx is cancelled or a non-retryable error occurs. A transient I/O
// error during a read is retried with backoff rather than ending the
// session (spec §5's "Read loops over intermittent LIBUSB_ERROR_IO retry
// silently").
func (d *Device) StreamReads(ctx context.Context) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		buf := make([]byte, d.chunkSz)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			n, err := d.readWithRetry(ctx, buf)
			if err != nil {
				errs <- err
				return
			}
			if n == 0 {
				continue
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, errs
}

func (d *Device) readWithRetry(ctx context.Context, buf []byte) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Second
	bctx := backoff.WithContext(b, ctx)

	var n int
	op := func() error {
		var err error
		n, err = d.inA.Read(buf)
		if err != nil && isTransientUSBError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, bctx); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return 0, perm.Err
		}
		return 0, err
	}
	return n, nil
}

// isTransientUSBError reports whether err is a libusb-level I/O or
// timeout error worth retrying, as opposed to a hard failure (device
// unplugged, stall, etc.) that should abort the session per spec §5.
func isTransientUSBError(err error) bool {
	var gerr gousb.Error
	if !errors.As(err, &gerr) {
		return false
	}
	switch gerr {
	case gousb.ErrorIO, gousb.ErrorTimeout:
		return true
	default:
		return false
	}
}
