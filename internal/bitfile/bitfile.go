// Package bitfile parses the Xilinx .bit container format (spec §6).
// Deliberately thin: bitstream parsing is named in spec §1 as external,
// "not the interesting engineering" — this is a single linear pass with
// no seeking or streaming.
package bitfile

import (
	"encoding/binary"
	"fmt"
)

var magic = []byte{0x00, 0x09, 0x0F, 0xF0, 0x0F, 0xF0, 0x0F, 0xF0, 0x0F, 0xF0, 0x00, 0x00, 0x01}

// Bitfile is the parsed metadata record plus payload described in spec
// §3/§6.
type Bitfile struct {
	NCDFilename string
	PartNumber  string
	Date        string
	Time        string
	Payload     []byte
}

// Parse reads a complete .bit file's bytes and returns its metadata and
// bitstream payload.
func Parse(data []byte) (*Bitfile, error) {
	if len(data) < len(magic) || string(data[:len(magic)]) != string(magic) {
		return nil, fmt.Errorf("bitfile: bad magic header")
	}
	pos := len(magic)
	bf := &Bitfile{}

	readField := func() (tag byte, value []byte, err error) {
		if pos >= len(data) {
			return 0, nil, fmt.Errorf("bitfile: truncated before field tag")
		}
		tag = data[pos]
		pos++
		switch tag {
		case 'a', 'b', 'c', 'd':
			if pos+2 > len(data) {
				return 0, nil, fmt.Errorf("bitfile: truncated field length")
			}
			length := binary.BigEndian.Uint16(data[pos : pos+2])
			pos += 2
			if pos+int(length) > len(data) {
				return 0, nil, fmt.Errorf("bitfile: truncated field %c", tag)
			}
			value = data[pos : pos+int(length)]
			pos += int(length)
		case 'e':
			if pos+4 > len(data) {
				return 0, nil, fmt.Errorf("bitfile: truncated payload length")
			}
			length := binary.BigEndian.Uint32(data[pos : pos+4])
			pos += 4
			if pos+int(length) > len(data) {
				return 0, nil, fmt.Errorf("bitfile: truncated payload")
			}
			value = data[pos : pos+int(length)]
			pos += int(length)
		default:
			return 0, nil, fmt.Errorf("bitfile: unexpected field tag %q", tag)
		}
		return tag, value, nil
	}

	trimNUL := func(b []byte) string {
		if len(b) > 0 && b[len(b)-1] == 0 {
			b = b[:len(b)-1]
		}
		return string(b)
	}

	for {
		tag, value, err := readField()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 'a':
			bf.NCDFilename = trimNUL(value)
		case 'b':
			bf.PartNumber = trimNUL(value)
		case 'c':
			bf.Date = trimNUL(value)
		case 'd':
			bf.Time = trimNUL(value)
		case 'e':
			bf.Payload = append([]byte(nil), value...)
			return bf, nil
		}
	}
}
