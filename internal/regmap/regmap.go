// Package regmap holds the configuration register address map the
// appliance exposes (spec §6's "Configuration register map (subset)").
package regmap

// Register addresses, 16 bits, written through the config writer.
const (
	SysClk      = 0x0000
	TraceFlags  = 0x0001 // bit0 READS, bit1 WRITES
	PowerFlags  = 0x0002 // bit0 RESET, bit1 POWERBTN, bit2 BATT
	CamAddrLow  = 0x7000
	CamAddrHigh = 0x7001
	CamMaskLow  = 0x7002
	CamMaskHigh = 0x7003
	CamIndex    = 0x7004
	PatchOffset = 0x7800 // + i, one per CAM block
	PatchContent = 0x8000 // + word index
)

// TraceFlags bits.
const (
	TraceFlagReads  = 1 << 0
	TraceFlagWrites = 1 << 1
)

// PowerFlags bits.
const (
	PowerFlagReset    = 1 << 0
	PowerFlagPowerBtn = 1 << 1
	PowerFlagBatt     = 1 << 2
)

// IOHAddr is the magic address the I/O hook convention is routed through.
const IOHAddr = 0x02EFFFE0

// RAMClockHz is the RAM bus clock used to convert accumulated trace
// timestamps into seconds for the `--stop=time:S` condition.
const RAMClockHz = 33_000_000
