package patchsource

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camtrace/camtrace/internal/patch"
)

// buildELF32 assembles a minimal little-endian ELF32 file with a single
// PT_LOAD program header, enough for debug/elf to parse.
func buildELF32(flags elf.ProgFlag, paddr uint32, data []byte) []byte {
	const ehsize = 52
	const phentsize = 32
	phoff := uint32(ehsize)
	dataOff := phoff + phentsize

	ident := []byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0}

	eh := make([]byte, ehsize)
	copy(eh, ident)
	binary.LittleEndian.PutUint16(eh[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(eh[18:], uint16(elf.EM_ARM))
	binary.LittleEndian.PutUint32(eh[20:], 1) // e_version
	binary.LittleEndian.PutUint32(eh[24:], paddr)
	binary.LittleEndian.PutUint32(eh[28:], phoff)
	binary.LittleEndian.PutUint32(eh[32:], 0) // e_shoff
	binary.LittleEndian.PutUint32(eh[36:], 0) // e_flags
	binary.LittleEndian.PutUint16(eh[40:], ehsize)
	binary.LittleEndian.PutUint16(eh[42:], phentsize)
	binary.LittleEndian.PutUint16(eh[44:], 1) // e_phnum
	binary.LittleEndian.PutUint16(eh[46:], 0) // e_shentsize
	binary.LittleEndian.PutUint16(eh[48:], 0) // e_shnum
	binary.LittleEndian.PutUint16(eh[50:], 0) // e_shstrndx

	ph := make([]byte, phentsize)
	binary.LittleEndian.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(ph[4:], dataOff)
	binary.LittleEndian.PutUint32(ph[8:], paddr)
	binary.LittleEndian.PutUint32(ph[12:], paddr)
	binary.LittleEndian.PutUint32(ph[16:], uint32(len(data)))
	binary.LittleEndian.PutUint32(ph[20:], uint32(len(data)))
	binary.LittleEndian.PutUint32(ph[24:], uint32(flags))
	binary.LittleEndian.PutUint32(ph[28:], 4) // p_align

	out := append([]byte{}, eh...)
	out = append(out, ph...)
	out = append(out, data...)
	return out
}

func newPatch(t *testing.T) *patch.HWPatch {
	t.Helper()
	p := &patch.HWPatch{}
	patch.Init(p)
	return p
}

func TestLoadAsciiNoTrailingNUL(t *testing.T) {
	p := newPatch(t)
	require.NoError(t, Load(p, "ascii:1000:hello"))
	assert.Equal(t, "hello", string(p.Content[0:5]))
	assert.Equal(t, 6, p.ContentSize) // 5 bytes rounded up to an even size
}

func TestLoadAsciizAddsTrailingNUL(t *testing.T) {
	p := newPatch(t)
	require.NoError(t, Load(p, "asciiz:1000:hi"))
	assert.Equal(t, 4, p.ContentSize) // "hi" + NUL rounded up to an even size
	assert.Equal(t, byte(0), p.Content[2])
}

func TestLoadUTF16WidensBytes(t *testing.T) {
	p := newPatch(t)
	require.NoError(t, Load(p, "utf16:1000:AB"))
	assert.Equal(t, []byte{'A', 0, 'B', 0}, p.Content[0:4])
}

func TestLoadHexParsesBytes(t *testing.T) {
	p := newPatch(t)
	require.NoError(t, Load(p, "hex:1000:DE AD be ef"))
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, p.Content[0:4])
}

func TestLoadHexRejectsOddLength(t *testing.T) {
	p := newPatch(t)
	err := Load(p, "hex:1000:ABC")
	assert.Error(t, err)
}

func TestLoadHexRejectsBadNibble(t *testing.T) {
	p := newPatch(t)
	err := Load(p, "hex:1000:ZZ")
	assert.Error(t, err)
}

func TestLoadFlatReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3, 4, 5}, 0644))

	p := newPatch(t)
	require.NoError(t, Load(p, "flat:2000:"+path))
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, p.Content[0:5])
}

func TestLoadELFAcceptsReadExecuteSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patch.elf")
	code := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, os.WriteFile(path, buildELF32(elf.PF_R|elf.PF_X, 0x2000, code), 0644))

	p := newPatch(t)
	require.NoError(t, Load(p, "elf:"+path))

	assert.Equal(t, code, p.Content[0:len(code)])
}

func TestLoadELFRejectsWritableSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patch.elf")
	require.NoError(t, os.WriteFile(path, buildELF32(elf.PF_R|elf.PF_W, 0x2000, []byte{1, 2, 3, 4}), 0644))

	p := newPatch(t)
	err := Load(p, "elf:"+path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownTag(t *testing.T) {
	p := newPatch(t)
	err := Load(p, "bogus:1000:x")
	assert.Error(t, err)
}

func TestLoadRejectsMalformedSpec(t *testing.T) {
	p := newPatch(t)
	err := Load(p, "ascii")
	assert.Error(t, err)
}
