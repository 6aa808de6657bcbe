// Package patchsource parses the "-p" patch-specification strings accepted
// on the command line and loads their content into a patch.HWPatch. The
// flat, string and hex loaders each allocate exactly one region via
// patch.AllocRegion and fill it; the ELF loader allocates one region per
// loaded segment.
package patchsource

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/camtrace/camtrace/internal/patch"
)

// Load parses one patch specification string (the argument to a repeated
// --patch flag) and loads it into p.
//
// Accepted forms:
//
//	flat:ADDR:FILE        load a flat binary file at ADDR
//	ascii:ADDR:TEXT        write an ASCII string at ADDR
//	asciiz:ADDR:TEXT       write an ASCII string with a trailing NUL
//	utf16:ADDR:TEXT        write a UTF-16LE string at ADDR
//	utf16z:ADDR:TEXT       write a UTF-16LE string with a trailing NUL
//	hex:ADDR:BYTES         write whitespace-separated hex bytes at ADDR
//	elf:FILE               load every loadable segment of an ELF32 file
func Load(p *patch.HWPatch, spec string) error {
	tag, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return fmt.Errorf("patchsource: can't parse patch string %q", spec)
	}

	if tag == "elf" {
		return loadELF(p, rest)
	}

	addrStr, arg, ok := strings.Cut(rest, ":")
	if !ok {
		return fmt.Errorf("patchsource: can't parse patch string %q", spec)
	}
	addr, err := strconv.ParseUint(addrStr, 16, 32)
	if err != nil {
		return fmt.Errorf("patchsource: bad address in %q: %w", spec, err)
	}

	switch tag {
	case "flat":
		return loadFlat(p, uint32(addr), arg)
	case "ascii":
		return loadString(p, uint32(addr), arg, false)
	case "asciiz":
		return loadString(p, uint32(addr), arg, true)
	case "utf16":
		return loadStringUTF16(p, uint32(addr), arg, false)
	case "utf16z":
		return loadStringUTF16(p, uint32(addr), arg, true)
	case "hex":
		return loadHex(p, uint32(addr), arg)
	default:
		return fmt.Errorf("patchsource: can't parse patch string %q", spec)
	}
}

func loadFlat(p *patch.HWPatch, addr uint32, fileName string) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return fmt.Errorf("patchsource: %w", err)
	}
	buf, err := patch.AllocRegion(p, addr, len(data))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

func loadString(p *patch.HWPatch, addr uint32, s string, trailingNUL bool) error {
	length := len(s)
	if trailingNUL {
		length++
	}
	buf, err := patch.AllocRegion(p, addr, length)
	if err != nil {
		return err
	}
	copy(buf, s)
	return nil
}

func loadStringUTF16(p *patch.HWPatch, addr uint32, s string, trailingNUL bool) error {
	length := len(s)
	if trailingNUL {
		length++
	}
	buf, err := patch.AllocRegion(p, addr, length*2)
	if err != nil {
		return err
	}
	// Matches the original's byte-widening (not a real UTF-16 transcode):
	// each source byte becomes one little-endian 16-bit code unit.
	for i := 0; i < length; i++ {
		var c byte
		if i < len(s) {
			c = s[i]
		}
		buf[i*2] = c
		buf[i*2+1] = 0
	}
	return nil
}

func loadHex(p *patch.HWPatch, addr uint32, s string) error {
	data, err := parseHex(s)
	if err != nil {
		return err
	}
	buf, err := patch.AllocRegion(p, addr, len(data))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

func parseHex(s string) ([]byte, error) {
	var out bytes.Buffer
	var nibble byte
	haveHigh := false
	for _, c := range s {
		if unicode.IsSpace(c) {
			continue
		}
		c = unicode.ToLower(c)
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = byte(c) - '0'
		case c >= 'a' && c <= 'f':
			v = byte(c) - 'a' + 10
		default:
			return nil, fmt.Errorf("patchsource: illegal byte in hex patch: %q", c)
		}
		if haveHigh {
			out.WriteByte(nibble<<4 | v)
			haveHigh = false
		} else {
			nibble = v
			haveHigh = true
		}
	}
	if haveHigh {
		return nil, fmt.Errorf("patchsource: hex patch has odd length")
	}
	return out.Bytes(), nil
}

// loadELF loads every PT_LOAD segment of a 32-bit little-endian ELF file.
// Only the PF_R and PF_W flags are examined: a readable, non-writable
// segment is loaded, a segment with neither flag is skipped, and any
// writable segment is rejected since patched memory can't be written.
// PF_X is ignored, so read+execute segments load like read-only ones.
func loadELF(p *patch.HWPatch, fileName string) error {
	f, err := elf.Open(fileName)
	if err != nil {
		return fmt.Errorf("patchsource: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return fmt.Errorf("patchsource: %s: not a 32-bit ELF file", fileName)
	}
	if f.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("patchsource: %s: not a little-endian ELF file", fileName)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return fmt.Errorf("patchsource: %s: segment file size greater than memory size", fileName)
		}

		switch prog.Flags & (elf.PF_R | elf.PF_W) {
		case elf.PF_R:
			addr := uint32(prog.Paddr)
			buf, err := patch.AllocRegion(p, addr, int(prog.Memsz))
			if err != nil {
				return err
			}
			if prog.Filesz > 0 {
				data := make([]byte, prog.Filesz)
				if _, err := prog.ReadAt(data, 0); err != nil {
					return fmt.Errorf("patchsource: %s: reading segment data: %w", fileName, err)
				}
				copy(buf, data)
			}
		case 0:
			// Dummy no-access segment; ignore it.
		default:
			return fmt.Errorf("patchsource: %s: patched segments must be read-only or no-access", fileName)
		}
	}
	return nil
}
