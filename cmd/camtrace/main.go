// Command camtrace is the command-line frontend for RAM tracing and
// patching: it brings up the appliance, loads a patch set, configures
// the system clock, and (if a trace file or --iohook was given) runs a
// capture session until interrupted or a stop condition fires.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/gousb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camtrace/camtrace/internal/bitfile"
	"github.com/camtrace/camtrace/internal/configwriter"
	"github.com/camtrace/camtrace/internal/device"
	"github.com/camtrace/camtrace/internal/fpga"
	"github.com/camtrace/camtrace/internal/iohook"
	"github.com/camtrace/camtrace/internal/patch"
	"github.com/camtrace/camtrace/internal/patchsource"
	"github.com/camtrace/camtrace/internal/regmap"
	"github.com/camtrace/camtrace/internal/trace"
)

// Default appliance identification and clock speeds, unchanged from the
// original frontend (vendorID/productID identify the FTDI FT2232H
// bridge chip the appliance is built around).
const (
	defaultVendorID  = 0x0403
	defaultProductID = 0x6010

	clockFast    = 16.756
	clockDefault = 3.0
	clockSlow    = 1.0

	defaultBitstream = "stable.bit"
)

type options struct {
	noFPGAReset bool
	noDSIReset  bool
	bitstream   string
	fast        bool
	slow        bool
	clock       float64
	patches     []string
	iohook      bool
	stop        string
	hookDir     string
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{bitstream: defaultBitstream, clock: clockDefault}

	cmd := &cobra.Command{
		Use:   "camtrace [trace file]",
		Short: "RAM tracing and patching frontend",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var traceFile string
			if len(args) == 1 {
				traceFile = args[0]
			}
			return run(cmd.Context(), opts, traceFile)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.noFPGAReset, "no-fpga-reset", "F", false,
		"do not reset the FPGA and the USB interface before starting")
	flags.BoolVarP(&opts.noDSIReset, "no-dsi-reset", "D", false,
		"do not reset the DSi's CPUs when starting a trace")
	flags.StringVarP(&opts.bitstream, "bitstream", "b", defaultBitstream,
		"load an FPGA bitstream from the given file")
	flags.BoolVarP(&opts.fast, "fast", "f", false,
		fmt.Sprintf("run the DSi at full speed (%.3f MHz)", clockFast))
	flags.BoolVarP(&opts.slow, "slow", "s", false,
		fmt.Sprintf("run the DSi at the lowest speed (%.3f MHz)", clockSlow))
	flags.Float64VarP(&opts.clock, "clock", "c", clockDefault,
		"set a custom clock frequency, in MHz")
	flags.StringArrayVarP(&opts.patches, "patch", "p", nil,
		"apply a patch to RAM reads (repeatable); see patchsource grammar")
	flags.BoolVarP(&opts.iohook, "iohook", "i", false,
		"enable I/O hooks allowing patches to log data and access files")
	flags.StringVarP(&opts.stop, "stop", "S", "",
		"stop when the given condition is met: time:SECONDS | size:MB | addr:HEX")
	flags.StringVar(&opts.hookDir, "hook-dir", ".",
		"directory I/O hook file services read from and write to")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug-level logging")

	return cmd
}

func run(ctx context.Context, opts *options, traceFile string) error {
	log, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	sugar := log.Sugar()

	stop := trace.DefaultStopCondition()
	if opts.stop != "" {
		stop, err = trace.ParseStop(opts.stop)
		if err != nil {
			return err
		}
	}

	clock := resolveClock(opts)

	var p patch.HWPatch
	patch.Init(&p)
	for _, spec := range opts.patches {
		if err := patchsource.Load(&p, spec); err != nil {
			return err
		}
	}

	dev, err := device.Open(gousb.ID(defaultVendorID), gousb.ID(defaultProductID))
	if err != nil {
		sugar.Errorf("USB: %v", err)
		return err
	}
	defer dev.Close()

	sess := trace.NewSession(dev, &p, trace.Options{
		OutputFile: traceFile,
		UseIOHooks: opts.iohook,
		ResetDSI:   !opts.noDSIReset,
		Stop:       stop,
	}, sugar)

	if opts.iohook {
		env := iohook.NewEnvironment(opts.hookDir)
		env.Clock = &configwriter.ClockSetter{W: dev, Log: sugar}
		// PrepareIOHooks reserves the shadow region before the patch is
		// loaded onto the device, matching HWTrace_InitIOHookPatch being
		// called before HW_LoadPatch in the original sequence.
		if err := sess.PrepareIOHooks(env); err != nil {
			return err
		}
	}

	if err := bringUpHardware(dev, opts, sugar); err != nil {
		return err
	}

	if err := configwriter.Write(dev, regmap.PowerFlags, regmap.PowerFlagBatt, false); err != nil {
		return fmt.Errorf("camtrace: initial power flags: %w", err)
	}
	if _, err := configwriter.SetSystemClock(dev, clock); err != nil {
		return fmt.Errorf("camtrace: set system clock: %w", err)
	}
	sugar.Infof("clock: requested %.3f MHz", clock)

	if err := configwriter.LoadPatch(dev, &p); err != nil {
		return fmt.Errorf("camtrace: load patch: %w", err)
	}

	if traceFile == "" && !opts.iohook {
		return nil
	}

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()
	return sess.Run(runCtx)
}

func bringUpHardware(dev *device.Device, opts *options, log *zap.SugaredLogger) error {
	var bf *bitfile.Bitfile
	if !opts.noFPGAReset {
		raw, err := os.ReadFile(opts.bitstream)
		if err != nil {
			return fmt.Errorf("camtrace: reading bitstream: %w", err)
		}
		bf, err = bitfile.Parse(raw)
		if err != nil {
			return fmt.Errorf("camtrace: parsing bitstream: %w", err)
		}
	}
	return fpga.BringUp(dev, bf, fpga.Options{
		Variant:       fpga.VariantS6,
		SkipFPGAReset: opts.noFPGAReset,
	}, log)
}

func resolveClock(opts *options) float64 {
	switch {
	case opts.fast:
		return clockFast
	case opts.slow:
		return clockSlow
	default:
		return opts.clock
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
