package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/google/subcommands"
)

func parseU32(what, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return uint32(v), nil
}

// readCmd reads one or more consecutive registers.
type readCmd struct{}

func (*readCmd) Name() string     { return "read" }
func (*readCmd) Synopsis() string { return "read GPU registers" }
func (*readCmd) Usage() string {
	return `read <offset> [count]:
	Read count consecutive 32-bit registers starting at offset.
`
}
func (*readCmd) SetFlags(*flag.FlagSet) {}

func (*readCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 || f.NArg() > 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := args[0].(*env)
	off, err := parseU32("offset", f.Arg(0))
	if err != nil {
		return e.fail(err)
	}
	count := uint32(1)
	if f.NArg() == 2 {
		if count, err = parseU32("count", f.Arg(1)); err != nil || count == 0 {
			return e.fail(fmt.Errorf("invalid count %q", f.Arg(1)))
		}
	}

	d, closeDevice, err := e.open()
	if err != nil {
		return e.fail(err)
	}
	defer closeDevice()

	offsets := make([]uint32, count)
	for i := range offsets {
		offsets[i] = off + uint32(i)*4
	}
	values, err := d.Registers().ReadBatch(offsets)
	for i, v := range values {
		fmt.Printf("%#08x: %#08x\n", offsets[i], v)
	}
	if err != nil {
		return e.fail(err)
	}
	return subcommands.ExitSuccess
}

// writeCmd writes a single register.
type writeCmd struct{}

func (*writeCmd) Name() string     { return "write" }
func (*writeCmd) Synopsis() string { return "write a GPU register" }
func (*writeCmd) Usage() string {
	return `write <offset> <value>:
	Write a 32-bit value to the register at offset. Protected bits are
	preserved.
`
}
func (*writeCmd) SetFlags(*flag.FlagSet) {}

func (*writeCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := args[0].(*env)
	off, err := parseU32("offset", f.Arg(0))
	if err != nil {
		return e.fail(err)
	}
	value, err := parseU32("value", f.Arg(1))
	if err != nil {
		return e.fail(err)
	}

	d, closeDevice, err := e.open()
	if err != nil {
		return e.fail(err)
	}
	defer closeDevice()

	if err := d.Registers().Write32(off, value); err != nil {
		return e.fail(err)
	}
	return subcommands.ExitSuccess
}
