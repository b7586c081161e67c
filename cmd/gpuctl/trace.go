package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/tinyrange/gpuctl/internal/hwlog"
)

// traceCmd prints a binary hardware trace.
type traceCmd struct{}

func (*traceCmd) Name() string     { return "trace" }
func (*traceCmd) Synopsis() string { return "print a hardware trace file" }
func (*traceCmd) Usage() string {
	return `trace <file>:
	Print every record of a trace written with -trace.
`
}
func (*traceCmd) SetFlags(*flag.FlagSet) {}

func (*traceCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := args[0].(*env)
	records, err := hwlog.ReadFile(f.Arg(0))
	for _, r := range records {
		fmt.Println(r)
	}
	if err != nil {
		return e.fail(err)
	}
	return subcommands.ExitSuccess
}
