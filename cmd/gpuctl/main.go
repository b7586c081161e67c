// Command gpuctl drives the device-control layer of a GPU bring-up harness:
// register reads and writes, interrupt validation and resets.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/subcommands"

	"github.com/tinyrange/gpuctl/internal/config"
	"github.com/tinyrange/gpuctl/internal/hwlog"
)

func main() {
	configPath := flag.String("config", "", "Harness configuration file (default: ./"+config.DefaultFilename+" if present)")
	backend := flag.String("backend", "", "Device backend: linux or sim (overrides the config file)")
	addr := flag.String("addr", "", "PCI address of the GPU, e.g. 0000:01:00.0 (overrides the config file)")
	tracePath := flag.String("trace", "", "Write a binary hardware trace to this file")
	debug := flag.Bool("debug", false, "Enable debug logging")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&readCmd{}, "registers")
	subcommands.Register(&writeCmd{}, "registers")
	subcommands.Register(&validateCmd{}, "interrupts")
	subcommands.Register(&resetCmd{}, "reset")
	subcommands.Register(&traceCmd{}, "trace")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpuctl: %v\n", err)
		os.Exit(1)
	}
	if *backend != "" {
		cfg.Device.Backend = *backend
	}
	if *addr != "" {
		cfg.Device.Address = *addr
	}
	if *tracePath != "" {
		cfg.Trace.Path = *tracePath
	}

	if cfg.Trace.Path != "" && flag.Arg(0) != "trace" {
		if err := hwlog.OpenFile(cfg.Trace.Path); err != nil {
			fmt.Fprintf(os.Stderr, "gpuctl: open trace: %v\n", err)
			os.Exit(1)
		}
	}

	e := &env{cfg: cfg, log: slog.Default()}
	status := subcommands.Execute(context.Background(), e)
	hwlog.Close()
	os.Exit(int(status))
}

func loadConfig(path string) (*config.File, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultFilename); err != nil {
			return config.Default(), nil
		}
		path = config.DefaultFilename
	}
	return config.Load(path)
}
