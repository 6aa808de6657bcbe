package iohook

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/camtrace/camtrace/internal/wire"
)

// FileOpener abstracts the "current file" the I/O hook engine owns,
// supplemented (spec §4.6 step/§5) with an explicit directory instead of
// relying on process cwd.
type FileOpener struct {
	Dir string

	current *os.File
}

func (fo *FileOpener) close() {
	if fo.current != nil {
		fo.current.Close()
		fo.current = nil
	}
}

func (fo *FileOpener) open(name string, flag int) error {
	fo.close()
	path := filepath.Join(fo.Dir, name)
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return err
	}
	fo.current = f
	return nil
}

// ClockSetter abstracts the system clock synthesiser SETCLOCK drives.
// NewEnvironment installs a no-op setter; the CLI replaces it with one
// that writes the system clock register.
type ClockSetter interface {
	SetClockKHz(khz uint32) error
}

type noopClockSetter struct{}

func (noopClockSetter) SetClockKHz(uint32) error { return nil }

// Environment bundles the collaborators the default service table
// needs, separate from Context so tests can swap them independently.
type Environment struct {
	Files  *FileOpener
	Clock  ClockSetter
	Quit   func(msg string)
	Stdout func(s string)
}

// NewEnvironment builds an Environment with the standard collaborators:
// files rooted at dir, a no-op clock, os.Exit(0) on QUIT, and stdout for
// LOG_STR/LOG_HEX (spec §4.11: hook-service output goes to stdout, not
// the structured logger, since it is target-generated, not a host
// diagnostic).
func NewEnvironment(dir string) *Environment {
	return &Environment{
		Files:  &FileOpener{Dir: dir},
		Clock:  noopClockSetter{},
		Quit:   func(msg string) { fmt.Println(msg); os.Exit(0) },
		Stdout: func(s string) { fmt.Print(s) },
	}
}

func defaultServicesFor(env *Environment) map[uint8]Service {
	return map[uint8]Service{
		wire.SvcLogStr: func(_ *Context, data []byte, _ []byte) (int, error) {
			env.Stdout(string(data))
			return 0, nil
		},
		wire.SvcLogHex: func(_ *Context, data []byte, _ []byte) (int, error) {
			if len(data)%4 == 0 {
				for i := 0; i < len(data); i += 4 {
					env.Stdout(fmt.Sprintf("%08X ", binary.LittleEndian.Uint32(data[i:i+4])))
				}
			} else {
				for _, b := range data {
					env.Stdout(fmt.Sprintf("%02X ", b))
				}
			}
			env.Stdout("\n")
			return 0, nil
		},
		wire.SvcFOpenR: func(_ *Context, data []byte, _ []byte) (int, error) {
			return 0, env.Files.open(cString(data), os.O_RDWR)
		},
		wire.SvcFOpenW: func(_ *Context, data []byte, _ []byte) (int, error) {
			return 0, env.Files.open(cString(data), os.O_RDWR|os.O_CREATE|os.O_TRUNC)
		},
		wire.SvcFSeek: func(_ *Context, data []byte, _ []byte) (int, error) {
			if len(data) < 4 {
				return 0, fmt.Errorf("iohook: FSEEK needs 4 bytes, got %d", len(data))
			}
			off := binary.LittleEndian.Uint32(data[:4])
			if env.Files.current == nil {
				return 0, fmt.Errorf("iohook: FSEEK with no open file")
			}
			_, err := env.Files.current.Seek(int64(off), 0)
			return 0, err
		},
		wire.SvcFWrite: func(_ *Context, data []byte, _ []byte) (int, error) {
			if env.Files.current == nil {
				return 0, fmt.Errorf("iohook: FWRITE with no open file")
			}
			_, err := env.Files.current.Write(data)
			return 0, err
		},
		wire.SvcFRead: func(_ *Context, data []byte, resp []byte) (int, error) {
			if len(data) < 4 {
				return 0, fmt.Errorf("iohook: FREAD needs 4 bytes, got %d", len(data))
			}
			count := binary.LittleEndian.Uint32(data[:4])
			if count > wire.MaxHookPayload {
				count = wire.MaxHookPayload
			}
			if env.Files.current == nil {
				return 0, fmt.Errorf("iohook: FREAD with no open file")
			}
			n, err := env.Files.current.Read(resp[:count])
			if err != nil && n == 0 {
				return 0, err
			}
			return n, nil
		},
		wire.SvcQuit: func(_ *Context, data []byte, _ []byte) (int, error) {
			env.Quit(string(data))
			return 0, nil
		},
		wire.SvcSetClock: func(_ *Context, data []byte, _ []byte) (int, error) {
			if len(data) < 4 {
				return 0, fmt.Errorf("iohook: SETCLOCK needs 4 bytes, got %d", len(data))
			}
			khz := binary.LittleEndian.Uint32(data[:4])
			return 0, env.Clock.SetClockKHz(khz)
		},
		wire.SvcInit: func(_ *Context, _ []byte, _ []byte) (int, error) {
			return 0, nil
		},
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
