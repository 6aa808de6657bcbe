package iohook

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/camtrace/camtrace/internal/wire"
)

func buildBurst(svc, seq uint8, payload []byte) [16]uint16 {
	var b wire.HookBuffer
	copy(b.Data[:], payload)
	b.WriteFooter(svc, seq, uint8(len(payload)))
	raw := b.Bytes()

	var words [16]uint16
	for i := 0; i < 16; i++ {
		words[i] = binary.BigEndian.Uint16(raw[i*2 : i*2+2])
	}
	return words
}

func feedBurst(t *testing.T, ctx *Context, words [16]uint16) error {
	t.Helper()
	var err error
	var handled bool
	for _, w := range words {
		handled, err = ctx.FeedWord(w)
	}
	require.True(t, handled)
	return err
}

func TestInitResetsSequence(t *testing.T) {
	env := NewEnvironment(t.TempDir())
	ctx := NewContext(nil, nil, env, zap.NewNop().Sugar())
	ctx.expectedSeq = 7

	// INIT resets the counter to 0, so it must carry seq 0; once the
	// burst is handled the counter advances to 1.
	err := feedBurst(t, ctx, buildBurst(wire.SvcInit, 0, nil))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), ctx.expectedSeq)
}

func TestLogStrRoundTrip(t *testing.T) {
	env := NewEnvironment(t.TempDir())
	var printed string
	env.Stdout = func(s string) { printed += s }

	ctx := NewContext(nil, nil, env, zap.NewNop().Sugar())
	require.NoError(t, feedBurst(t, ctx, buildBurst(wire.SvcInit, 0, nil)))
	require.NoError(t, feedBurst(t, ctx, buildBurst(wire.SvcLogStr, 1, []byte("hello"))))

	assert.Equal(t, "hello", printed)
	assert.Equal(t, uint8(2), ctx.expectedSeq)
}

func TestSequenceMismatchIsNonFatal(t *testing.T) {
	env := NewEnvironment(t.TempDir())
	ctx := NewContext(nil, nil, env, zap.NewNop().Sugar())
	require.NoError(t, feedBurst(t, ctx, buildBurst(wire.SvcInit, 0, nil)))

	err := feedBurst(t, ctx, buildBurst(wire.SvcLogStr, 5, []byte("x")))
	assert.ErrorIs(t, err, ErrSequence)
}

func TestLengthOverflowIsNonFatal(t *testing.T) {
	env := NewEnvironment(t.TempDir())
	ctx := NewContext(nil, nil, env, zap.NewNop().Sugar())
	require.NoError(t, feedBurst(t, ctx, buildBurst(wire.SvcInit, 0, nil)))

	var b wire.HookBuffer
	b.WriteFooter(wire.SvcLogStr, 1, 29) // > MaxHookPayload
	raw := b.Bytes()
	var words [16]uint16
	for i := 0; i < 16; i++ {
		words[i] = binary.BigEndian.Uint16(raw[i*2 : i*2+2])
	}

	err := feedBurst(t, ctx, words)
	assert.ErrorIs(t, err, ErrLength)
}

func TestChecksumErrorIsNonFatal(t *testing.T) {
	env := NewEnvironment(t.TempDir())
	ctx := NewContext(nil, nil, env, zap.NewNop().Sugar())
	require.NoError(t, feedBurst(t, ctx, buildBurst(wire.SvcInit, 0, nil)))

	words := buildBurst(wire.SvcLogStr, 1, []byte("x"))
	words[15] ^= 0x00FF // corrupt the checksum byte

	err := feedBurst(t, ctx, words)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestFreadRespondsWithActualBytesRead(t *testing.T) {
	dir := t.TempDir()
	env := NewEnvironment(dir)
	ctx := NewContext(nil, nil, env, zap.NewNop().Sugar())

	require.NoError(t, feedBurst(t, ctx, buildBurst(wire.SvcInit, 0, nil)))
	require.NoError(t, feedBurst(t, ctx, buildBurst(wire.SvcFOpenW, 1, []byte("out.bin\x00"))))
	require.NoError(t, feedBurst(t, ctx, buildBurst(wire.SvcFWrite, 2, []byte("abc"))))

	var seekArg [4]byte
	binary.LittleEndian.PutUint32(seekArg[:], 0)
	require.NoError(t, feedBurst(t, ctx, buildBurst(wire.SvcFSeek, 3, seekArg[:])))

	require.NoError(t, feedBurst(t, ctx, buildBurst(wire.SvcFOpenR, 4, []byte("out.bin\x00"))))

	var countArg [4]byte
	binary.LittleEndian.PutUint32(countArg[:], 10)
	var pushed []byte
	ctx.Push = func(b []byte) error { pushed = b; return nil }
	require.NoError(t, feedBurst(t, ctx, buildBurst(wire.SvcFRead, 5, countArg[:])))

	require.NotNil(t, pushed)
	var reply wire.HookBuffer
	copy(reply.Data[:], pushed[:28])
	assert.Equal(t, "abc", string(reply.Data[:3]))
}
