// Package iohook implements the bidirectional I/O hook RPC channel:
// inbound bursts assembled from WRITE packets the trace engine observes
// at the hook address, dispatched to a service handler, and outbound
// replies pushed back through the patch engine.
package iohook

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/camtrace/camtrace/internal/wire"
)

// Service handles one I/O hook request and returns the number of
// response bytes it wrote into resp (0 = no response).
type Service func(ctx *Context, data []byte, resp []byte) (txLen int, err error)

// PushUpdate ships a freshly written 32-byte reply burst to the device.
// The session owns the patch/content-memory bookkeeping needed to turn
// those bytes into the right register writes, so it supplies this
// callback rather than the engine reaching into configwriter itself.
type PushUpdate func(burst []byte) error

// Context is the I/O hook engine's per-session state — the "HookContext"
// design note in spec §9 calls for, replacing process-global state.
type Context struct {
	expectedSeq uint8
	burst       wire.HookBuffer
	wordCount   int

	// Shadow is the host-side mirror of the 32-byte content-memory region
	// patched at IOH_ADDR; replies are written here before being shipped
	// to the device.
	Shadow []byte

	Services map[uint8]Service
	Push     PushUpdate
	Log      *zap.SugaredLogger
}

// NewContext builds a hook context wired to env's service table.
func NewContext(shadow []byte, push PushUpdate, env *Environment, log *zap.SugaredLogger) *Context {
	return &Context{
		Shadow:   shadow,
		Push:     push,
		Log:      log,
		Services: defaultServicesFor(env),
	}
}

// ErrChecksum, ErrLength and ErrSequence are the three non-fatal
// validation failures; a dropped burst never aborts the session.
var (
	ErrChecksum = fmt.Errorf("iohook: checksum error")
	ErrLength   = fmt.Errorf("iohook: data length error")
	ErrSequence = fmt.Errorf("iohook: sequence error")
)

// FeedWord accumulates one 16-bit wire word of an inbound burst. Once 16
// words have arrived it validates and dispatches the completed burst;
// it returns (handled, err) where handled is true only once a full
// burst was processed (err may still be a non-fatal validation error in
// that case — the burst is dropped, not the session).
func (c *Context) FeedWord(word uint16) (handled bool, err error) {
	c.burst.SetWord(c.wordCount, word)
	c.wordCount++
	if c.wordCount < wire.HookWords {
		return false, nil
	}
	c.wordCount = 0
	return true, c.dispatch()
}

func (c *Context) dispatch() error {
	b := &c.burst
	if b.ComputeChecksum() != b.Footer.Check {
		return ErrChecksum
	}
	if b.Footer.Length > wire.MaxHookPayload {
		return ErrLength
	}
	if b.Footer.Service == wire.SvcInit {
		c.expectedSeq = 0
	}
	if b.Footer.Seq != c.expectedSeq {
		return ErrSequence
	}

	svc, ok := c.Services[b.Footer.Service]
	if !ok {
		c.expectedSeq++
		return fmt.Errorf("iohook: unknown service %#02x", b.Footer.Service)
	}

	resp := make([]byte, wire.MaxHookPayload)
	txLen, err := svc(c, b.Data[:b.Footer.Length], resp)
	if err != nil {
		c.expectedSeq++
		return err
	}

	if txLen > 0 {
		var reply wire.HookBuffer
		copy(reply.Data[:], resp[:txLen])
		reply.WriteFooter(b.Footer.Service, b.Footer.Seq, uint8(txLen))
		replyBytes := reply.Bytes()
		if c.Shadow != nil {
			copy(c.Shadow, replyBytes)
		}
		if c.Push != nil {
			if err := c.Push(replyBytes); err != nil {
				c.expectedSeq++
				return fmt.Errorf("iohook: push reply: %w", err)
			}
		}
	}

	c.expectedSeq++
	return nil
}
