// Package trace implements the capture session: the streaming read loop,
// stream resynchronization, trace-packet dispatch, I/O-hook routing and
// stop conditions (spec §4.5/§5, "TraceSession" redesign note in §9).
package trace

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/camtrace/camtrace/internal/configwriter"
	"github.com/camtrace/camtrace/internal/iohook"
	"github.com/camtrace/camtrace/internal/patch"
	"github.com/camtrace/camtrace/internal/regmap"
	"github.com/camtrace/camtrace/internal/wire"
)

// Device is the subset of the device façade the trace session needs:
// register writes through the config writer, and the chunked read stream.
type Device interface {
	configwriter.Writer
	StreamReads(ctx context.Context) (<-chan []byte, <-chan error)
}

// Options configures one capture session.
type Options struct {
	OutputFile string // empty disables on-disk capture
	UseIOHooks bool
	ResetDSI   bool
	Stop       StopCondition
}

// Session owns all state that spec §9 calls out as process-global in the
// original: the stream resync flag, the partial-packet buffer, the
// last-seen addresses, the accumulated timestamp and the I/O hook context.
type Session struct {
	dev   Device
	patch *patch.HWPatch
	opts  Options
	log   *zap.SugaredLogger

	hookCtx    *iohook.Context
	hookOffset int

	out *os.File

	streamStartFound bool
	packetBuf        [4]byte
	packetBufSize    int

	timestamp    uint64
	lastAddr     uint32
	lastReadAddr uint32
	lastWriteAddr uint32
	burstIndex   uint32

	bytesCaptured uint64
	statusWidth   int
}

// NewSession builds a capture session against an already-configured
// device and patch. Call PrepareIOHooks before the caller loads the patch
// onto the hardware if opts.UseIOHooks is set.
func NewSession(dev Device, p *patch.HWPatch, opts Options, log *zap.SugaredLogger) *Session {
	return &Session{
		dev:         dev,
		patch:       p,
		opts:        opts,
		log:         log,
		statusWidth: 109,
	}
}

// PrepareIOHooks allocates the 32-byte shadow region at IOH_ADDR and
// builds the hook context. Must run before the caller writes p to the
// device (spec §4.6: "must be called before the patch hardware is
// programmed").
func (s *Session) PrepareIOHooks(env *iohook.Environment) error {
	offset := s.patch.ContentSize
	shadow, err := patch.AllocRegion(s.patch, regmap.IOHAddr, wire.HookBurstSize)
	if err != nil {
		return fmt.Errorf("trace: allocating I/O hook shadow region: %w", err)
	}
	s.hookOffset = offset
	s.hookCtx = iohook.NewContext(shadow, s.pushHookReply, env, s.log)
	return nil
}

func (s *Session) pushHookReply(burst []byte) error {
	return configwriter.UpdateRegion(s.dev, s.patch, s.hookOffset, len(burst))
}

// Run drives one capture until ctx is cancelled, a stop condition fires,
// or a fatal error occurs. A clean stop (ctx cancellation or a stop
// condition) returns nil; a fatal error (spec §7 kinds 1/3/5) is returned
// to the caller for exit-code mapping.
func (s *Session) Run(ctx context.Context) error {
	fmt.Fprintln(os.Stderr)

	if s.opts.OutputFile != "" {
		f, err := os.Create(s.opts.OutputFile)
		if err != nil {
			return fmt.Errorf("trace: opening output file: %w", err)
		}
		s.out = f
		defer f.Close()
	}

	traceFlags := uint16(regmap.TraceFlagWrites)
	if s.out != nil {
		traceFlags |= regmap.TraceFlagReads
	}
	powerFlags := uint16(regmap.PowerFlagBatt)

	if err := configwriter.Write(s.dev, regmap.TraceFlags, 0, false); err != nil {
		return fmt.Errorf("trace: disabling trace flags: %w", err)
	}
	if s.opts.ResetDSI {
		if err := configwriter.Write(s.dev, regmap.PowerFlags, powerFlags|regmap.PowerFlagReset, false); err != nil {
			return fmt.Errorf("trace: asserting DSi reset: %w", err)
		}
	}

	if err := s.drain(ctx); err != nil {
		return fmt.Errorf("trace: draining stale data: %w", err)
	}

	if err := configwriter.Write(s.dev, regmap.TraceFlags, traceFlags, false); err != nil {
		return fmt.Errorf("trace: enabling trace flags: %w", err)
	}
	if err := configwriter.Write(s.dev, regmap.PowerFlags, powerFlags, false); err != nil {
		return fmt.Errorf("trace: clearing DSi reset: %w", err)
	}

	// A run ends when either goroutine is done, so each cancels capCtx on
	// its way out instead of leaving the other blocked on the parent ctx.
	capCtx, cancelCap := context.WithCancel(ctx)
	defer cancelCap()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancelCap()
		return s.captureLoop(capCtx)
	})
	g.Go(func() error {
		defer cancelCap()
		return s.timeWatchdog(capCtx)
	})

	err := g.Wait()
	s.hideStatus()
	fmt.Fprintln(os.Stderr, "Capture ended.")
	if err == errStop {
		return nil
	}
	return err
}

// errStop is a sentinel meaning "a stop condition fired"; it is never
// surfaced to the caller as a failure.
var errStop = fmt.Errorf("trace: stop condition reached")

// drain discards whatever is sitting in the read buffer before tracing is
// enabled, matching the original's pre-capture flush.
func (s *Session) drain(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()

	chunks, errs := s.dev.StreamReads(dctx)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return nil
			}
		case err := <-errs:
			if dctx.Err() != nil {
				return nil
			}
			return err
		case <-dctx.Done():
			return nil
		}
	}
}

// timeWatchdog also ends the capture once the --stop=time limit has
// passed in wall-clock time, independent of whether data is arriving;
// handleChunk checks the same limit against the trace timestamp.
func (s *Session) timeWatchdog(ctx context.Context) error {
	if math.IsInf(s.opts.Stop.Time, 1) {
		<-ctx.Done()
		return nil
	}
	timer := time.NewTimer(time.Duration(s.opts.Stop.Time * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		s.hideStatus()
		fmt.Fprintf(os.Stderr, "STOP: Requested stop at %.02fs\n", s.opts.Stop.Time)
		return errStop
	}
}

func (s *Session) captureLoop(ctx context.Context) error {
	chunks, errs := s.dev.StreamReads(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				continue
			}
			return fmt.Errorf("trace: USB read: %w", err)
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if err := s.handleChunk(chunk); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleChunk(buffer []byte) error {
	if len(buffer) == 0 {
		return nil
	}

	if !s.streamStartFound {
		for len(buffer) > 0 && buffer[0]&0x80 == 0 {
			buffer = buffer[1:]
		}
		if len(buffer) > 0 {
			s.streamStartFound = true
		}
	}

	if s.out != nil {
		if _, err := s.out.Write(buffer); err != nil {
			return fmt.Errorf("trace: writing capture file: %w", err)
		}
	}

	s.bytesCaptured += uint64(len(buffer))
	if err := s.parseBlock(buffer); err != nil {
		return err
	}

	s.printStatus()
	if seconds := float64(s.timestamp) / float64(regmap.RAMClockHz); seconds > s.opts.Stop.Time {
		s.hideStatus()
		fmt.Fprintf(os.Stderr, "STOP: Requested stop at %.02fs\n", s.opts.Stop.Time)
		return errStop
	}
	if mb := float64(s.bytesCaptured) / (1024 * 1024); mb > s.opts.Stop.Size {
		s.hideStatus()
		fmt.Fprintf(os.Stderr, "STOP: Requested stop at %.02f MB\n", s.opts.Stop.Size)
		return errStop
	}
	return nil
}

func (s *Session) parseBlock(buffer []byte) error {
	if s.packetBufSize > 0 {
		n := copy(s.packetBuf[s.packetBufSize:], buffer)
		buffer = buffer[n:]
		s.packetBufSize += n
		if s.packetBufSize == 4 {
			if err := s.parsePacket(s.packetBuf); err != nil {
				return err
			}
			s.packetBufSize = 0
		}
	}

	for len(buffer) >= 4 {
		if err := s.parsePacket([4]byte{buffer[0], buffer[1], buffer[2], buffer[3]}); err != nil {
			return err
		}
		buffer = buffer[4:]
	}

	if len(buffer) > 0 {
		s.packetBufSize = copy(s.packetBuf[:], buffer)
	}
	return nil
}

func (s *Session) parsePacket(raw [4]byte) error {
	p := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])

	if p == wire.Overflow {
		s.hideStatus()
		fmt.Fprintln(os.Stderr, "*** Hardware buffer overrun! ***")
		fmt.Fprintln(os.Stderr, "The USB bus or PC can't keep up with the incoming data. Capture has been aborted.")
		return fmt.Errorf("trace: hardware buffer overrun")
	}

	if !wire.IsAligned(p) {
		s.dataError("Packet alignment error",
			"A trace packet is not properly aligned. Some USB data has been dropped or corrupted.")
		return nil
	}
	if !wire.Valid(p) {
		s.dataError("Packet checksum error",
			"A trace packet has an incorrect checksum. Some USB data has been dropped or corrupted.")
		return nil
	}

	d := wire.Decode(p)
	s.timestamp += uint64(d.Duration)

	switch d.Type {
	case wire.TypeAddr:
		s.lastAddr = d.Payload << 1
		s.burstIndex = 0

	case wire.TypeRead:
		s.lastReadAddr = s.lastAddr + s.burstIndex<<1
		s.burstIndex++
		if s.lastReadAddr == s.opts.Stop.Addr {
			s.hideStatus()
			fmt.Fprintf(os.Stderr, "STOP: Requested stop at address 0x%08x (read burst at 0x%08x)\n",
				s.opts.Stop.Addr, s.lastAddr)
			return errStop
		}

	case wire.TypeWrite:
		s.lastWriteAddr = s.lastAddr + s.burstIndex<<1
		if s.opts.UseIOHooks && s.hookCtx != nil && s.lastAddr == (regmap.IOHAddr&ramAddrMask) {
			if _, err := s.hookCtx.FeedWord(d.Word); err != nil {
				s.dataError("I/O Hook error", err.Error())
			}
		}
		s.burstIndex++
		// Preserved verbatim from the original: this compares against
		// lastReadAddr even on a WRITE packet (spec §9 open question).
		if s.lastReadAddr == s.opts.Stop.Addr {
			s.hideStatus()
			fmt.Fprintf(os.Stderr, "STOP: Requested stop at address 0x%08x (write burst at 0x%08x)\n",
				s.opts.Stop.Addr, s.lastAddr)
			return errStop
		}
	}
	return nil
}

func (s *Session) dataError(title, description string) {
	s.hideStatus()
	fmt.Fprintf(os.Stderr, "*** %s! ***\n%s\n\n", title, description)
}

func (s *Session) hideStatus() {
	fmt.Fprintf(os.Stderr, "\r%s\r", spacesOfWidth(s.statusWidth))
}

func spacesOfWidth(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}

func (s *Session) printStatus() {
	seconds := float64(s.timestamp) / float64(regmap.RAMClockHz)
	mb := float64(s.bytesCaptured) / (1024 * 1024)
	line := fmt.Sprintf("%10.02fs [ %9.3f MB captured ] RD:%08x WR:%08x",
		seconds, mb, s.lastReadAddr, s.lastWriteAddr)
	color.New(color.FgCyan).Fprintf(os.Stderr, "%s\r", line)
}
