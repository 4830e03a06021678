// Package config parses the kernel's command-line configuration: how much
// memory to synthesize, how many CPUs to bring up, and whether to run
// purely hosted or accelerate a CPU through a real /dev/kvm VM.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

var ErrUnknownSubcommand = errors.New("config: expected 'run' or 'probe' subcommand")

// RunArgs configures a single kernel bring-up.
type RunArgs struct {
	MemSize    int
	NCPUs      int
	KVMDevice  string
	Accelerate bool
	Profile    string
	DebugAddr  string
}

func parseRunArgs(args []string) (*RunArgs, error) {
	runCmd := flag.NewFlagSet("run subcommand", flag.ExitOnError)
	c := &RunArgs{}

	runCmd.StringVar(&c.KVMDevice, "D", "/dev/kvm", "path of kvm device, used only with -accel")
	runCmd.BoolVar(&c.Accelerate, "accel", false, "back CPU 0 with a real /dev/kvm VM instead of the hosted simulation")
	runCmd.IntVar(&c.NCPUs, "c", 1, "number of CPUs to bring up")
	runCmd.StringVar(&c.Profile, "profile", "", "enable profiling: cpu, mem, or block")
	runCmd.StringVar(&c.DebugAddr, "debug-addr", "", "address to serve /debug/fgprof on, disabled if empty")

	msize := runCmd.String("m", "128M", "memory size: as number[gGmMkK], defaults to M")

	var err error

	if err = runCmd.Parse(args); err != nil {
		return nil, err
	}

	if c.MemSize, err = ParseSize(*msize, "m"); err != nil {
		return nil, err
	}

	return c, nil
}

// ProbeArgs requests a report of the host's KVM capabilities; it takes no
// flags of its own.
type ProbeArgs struct{}

func parseProbeArgs(args []string) (*ProbeArgs, error) {
	probeCmd := flag.NewFlagSet("probe subcommand", flag.ExitOnError)
	c := &ProbeArgs{}

	if err := probeCmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// ParseArgs dispatches os.Args[1:]-shaped input to the run or probe
// subcommand, mirroring the flag package's convention of returning
// whichever config is active and leaving the other nil.
func ParseArgs(args []string) (*RunArgs, *ProbeArgs, error) {
	if len(args) < 2 {
		return nil, nil, ErrUnknownSubcommand
	}

	switch args[1] {
	case "run":
		c, err := parseRunArgs(args[2:])

		return c, nil, err

	case "probe":
		c, err := parseProbeArgs(args[2:])

		return nil, c, err
	}

	return nil, nil, ErrUnknownSubcommand
}

// ParseSize parses a size string as num[gGmMkK]; a missing unit falls back
// to the given default unit.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}
