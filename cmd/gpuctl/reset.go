package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"

	"github.com/tinyrange/gpuctl/internal/pci"
)

// resetCmd resets the GPU and reports how its config space changed.
type resetCmd struct {
	kind      string
	functions string
	coupling  string
}

func (*resetCmd) Name() string     { return "reset" }
func (*resetCmd) Synopsis() string { return "reset the GPU and its sibling functions" }
func (*resetCmd) Usage() string {
	return `reset [-kind hot|fundamental|flr] [-functions audio,usb,ppc] [-coupling on|off]:
	Reset the GPU, restore its configuration and print every config dword
	that differs afterwards.
`
}

func (c *resetCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", "", "Reset kind (overrides the config file)")
	f.StringVar(&c.functions, "functions", "", "Comma separated sibling functions to reset along with the GPU")
	f.StringVar(&c.coupling, "coupling", "", "Force fundamental reset coupling on or off")
}

func (c *resetCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := args[0].(*env)
	if c.kind != "" {
		e.cfg.Reset.Kind = c.kind
	}
	if c.functions != "" {
		e.cfg.Reset.Functions = strings.Split(c.functions, ",")
	}
	switch c.coupling {
	case "":
	case "on":
		on := true
		e.cfg.Reset.Coupling = &on
	case "off":
		off := false
		e.cfg.Reset.Coupling = &off
	default:
		return e.fail(fmt.Errorf("invalid coupling %q", c.coupling))
	}
	req, err := e.cfg.ResetRequest()
	if err != nil {
		return e.fail(err)
	}

	d, closeDevice, err := e.open()
	if err != nil {
		return e.fail(err)
	}
	defer closeDevice()

	before, err := pci.Save(d.Addr(), d.Config(), pci.ConfigSpaceSize)
	if err != nil {
		return e.fail(err)
	}
	e.log.Info("resetting", "addr", d.Addr(), "kind", req.Kind, "functions", req.Functions)
	if err := d.Reset(req); err != nil {
		return e.fail(err)
	}
	after, err := pci.Save(d.Addr(), d.Config(), pci.ConfigSpaceSize)
	if err != nil {
		return e.fail(err)
	}
	diff := before.Diff(after)
	for _, m := range diff {
		fmt.Printf("%#03x: %#08x -> %#08x\n", m.Offset, m.Before, m.After)
	}
	fmt.Printf("%s reset complete, %d config dwords changed\n", req.Kind, len(diff))
	return subcommands.ExitSuccess
}
