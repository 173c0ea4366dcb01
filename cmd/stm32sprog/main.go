// Command stm32sprog is a one-shot CLI for erasing, writing,
// verifying, and launching firmware on an STM32 over its AN3155 UART
// ROM bootloader.
//
// Flag layout and argument validation follow the fixed surface in
// spec.md §6; the cobra/pflag wiring follows the pack's own flashing
// tools (FoenixMgrGo, xtermost).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/siwastaja/stm32sprog/internal/flasher"
	"github.com/siwastaja/stm32sprog/internal/serial"
	"github.com/siwastaja/stm32sprog/internal/stmerr"
)

type cliOptions struct {
	device   string
	baud     int
	erase    bool
	run      bool
	verify   bool
	firmware string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts cliOptions
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	root := &cobra.Command{
		Use:           "stm32sprog",
		Short:         "Program an STM32 over its AN3155 UART bootloader",
		Args:          noArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validate(opts); err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return flash(opts, logger)
		},
	}
	root.SetArgs(args)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return stmerr.New(stmerr.Argument, "parse flags", err)
	})

	flags := root.Flags()
	flags.StringVarP(&opts.device, "device", "d", "/dev/ttyUSB0", "serial device path")
	flags.IntVarP(&opts.baud, "baud", "b", 115200, "baud rate")
	flags.BoolVarP(&opts.erase, "erase", "e", false, "erase the whole device before writing (or standalone)")
	flags.BoolVarP(&opts.run, "run", "r", false, "jump to flash_begin after the other steps")
	flags.BoolVarP(&opts.verify, "verify", "v", false, "read back and compare after writing (requires -w)")
	flags.StringVarP(&opts.firmware, "write", "w", "", "RAW firmware file to write")

	if err := root.Execute(); err != nil {
		logger.Error(err.Error())
		return 1
	}
	return 0
}

func validate(opts cliOptions) error {
	if !opts.erase && !opts.run && opts.firmware == "" {
		return stmerr.New(stmerr.Argument, "parse flags", fmt.Errorf("at least one of -e, -r, -w is required"))
	}
	if opts.verify && opts.firmware == "" {
		return stmerr.New(stmerr.Argument, "parse flags", fmt.Errorf("-v requires -w"))
	}
	if !serial.ValidBaud(opts.baud) {
		return stmerr.New(stmerr.Argument, "parse flags", fmt.Errorf("unsupported baud rate %d", opts.baud))
	}
	return nil
}

// noArgs rejects trailing positional arguments as an Argument error.
func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return stmerr.New(stmerr.Argument, "parse flags", err)
	}
	return nil
}

func flash(opts cliOptions, logger *slog.Logger) error {
	fopts := flasher.Options{
		Device:       opts.device,
		Baud:         opts.baud,
		FirmwarePath: opts.firmware,
		Format:       flasher.Raw,
		Erase:        opts.erase,
		Write:        opts.firmware != "",
		Verify:       opts.verify,
		Run:          opts.run,
	}
	progress := &logProgress{logger: logger}
	return flasher.Run(openPort, fopts, progress)
}

func openPort(devicePath string, baud int) (flasher.Transport, error) {
	port, err := serial.Open(devicePath, baud)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// logProgress adapts protocol.Progress to structured log lines, the
// only place in this program that writes to a logger.
type logProgress struct {
	logger *slog.Logger
}

func (p *logProgress) OnPhase(phase string) {
	p.logger.Info("phase", "name", phase)
}

func (p *logProgress) OnBlock(done, total int) {
	p.logger.Debug("block progress", "done", done, "total", total)
}

func (p *logProgress) OnVerifyMismatch(offset uint32, want, got byte) {
	p.logger.Error("verify mismatch", "offset", offset, "want", want, "got", got)
}
