package trace

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ramAddrMask matches the 24-bit RAM address space the appliance exposes.
const ramAddrMask = 0x00FFFFFF

// noStopAddr is the sentinel meaning "no address stop condition", matching
// the original's (uint32_t)-1 default.
const noStopAddr = 0xFFFFFFFF

// StopCondition names the single reason a capture should end early; time,
// size and addr are independent and whichever fires first wins (spec §4.5).
type StopCondition struct {
	Time float64 // seconds; math.Inf(1) if unset
	Size float64 // megabytes; math.Inf(1) if unset
	Addr uint32  // RAM address, ramAddrMask-ed; noStopAddr if unset
}

// DefaultStopCondition carries no stop condition at all: a capture runs
// until interrupted.
func DefaultStopCondition() StopCondition {
	return StopCondition{Time: math.Inf(1), Size: math.Inf(1), Addr: noStopAddr}
}

// ParseStop parses one --stop flag value: "time:SECONDS", "size:MEGABYTES"
// or "addr:HEXADDR".
func ParseStop(s string) (StopCondition, error) {
	tag, arg, ok := strings.Cut(s, ":")
	if !ok {
		return StopCondition{}, fmt.Errorf("trace: can't parse stop condition %q", s)
	}

	sc := DefaultStopCondition()
	switch tag {
	case "time":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return StopCondition{}, fmt.Errorf("trace: bad stop time %q: %w", s, err)
		}
		sc.Time = v
	case "size":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return StopCondition{}, fmt.Errorf("trace: bad stop size %q: %w", s, err)
		}
		sc.Size = v
	case "addr":
		v, err := strconv.ParseUint(arg, 16, 32)
		if err != nil {
			return StopCondition{}, fmt.Errorf("trace: bad stop address %q: %w", s, err)
		}
		sc.Addr = uint32(v) & ramAddrMask
	default:
		return StopCondition{}, fmt.Errorf("trace: can't parse stop condition %q", s)
	}
	return sc, nil
}
