package main

import (
	"fmt"
	"log/slog"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/gpuctl/internal/config"
	"github.com/tinyrange/gpuctl/internal/device"
	"github.com/tinyrange/gpuctl/internal/sim"
)

// env is passed to every subcommand.
type env struct {
	cfg *config.File
	log *slog.Logger
}

// backend supplies the transport half of a device configuration.
type backend struct {
	cfg   device.Config
	close func()
}

// open builds the configured backend and opens the device. The returned
// function closes everything in reverse order.
func (e *env) open() (*device.Device, func(), error) {
	var (
		b   backend
		err error
	)
	switch e.cfg.Device.Backend {
	case config.BackendSim:
		b, err = e.simBackend()
	case config.BackendLinux:
		b, err = e.linuxBackend()
	default:
		err = fmt.Errorf("unknown backend %q", e.cfg.Device.Backend)
	}
	if err != nil {
		return nil, nil, err
	}
	cu := cleanup.Make(b.close)
	defer cu.Clean()

	b.cfg.Logger = e.log
	if err := e.cfg.Apply(&b.cfg); err != nil {
		return nil, nil, err
	}
	d, err := device.Open(b.cfg)
	if err != nil {
		return nil, nil, err
	}
	d.SetInitialized(e.cfg.Device.Initialized)
	cu.Add(func() {
		if err := d.Close(); err != nil {
			e.log.Warn("failed to release interrupts", "err", err)
		}
	})
	return d, cu.Release(), nil
}

// simBackend builds a simulated machine with a bridge and the usual sibling
// functions, for dry runs of the harness.
func (e *env) simBackend() (backend, error) {
	addr, err := e.cfg.Address(sim.DefaultGPUAddress)
	if err != nil {
		return backend{}, err
	}
	m, err := sim.New(sim.Options{
		GPU:    sim.GPUOptions{Addr: addr, BootPolls: 3, ReadyAfter: 2},
		Bridge: sim.BridgeOptions{Hotplug: true, LTR: true},
		Siblings: []sim.SiblingSpec{
			{Function: 1, Class: sim.ClassAudio, Driver: true},
			{Function: 2, Class: sim.ClassUSB, Driver: true},
			{Function: 3, Class: sim.ClassPortPolicy, Driver: true},
		},
	})
	if err != nil {
		return backend{}, err
	}
	return backend{
		cfg: device.Config{
			Addr:     addr,
			PCI:      m.Bus,
			Window:   m.GPU.Regs,
			Service:  m.GPU.Regs,
			Platform: m.Platform,
			Topology: m.Topology,
			Drivers:  m.Drivers,
		},
		close: func() { m.Close() },
	}, nil
}

func (e *env) fail(err error) subcommands.ExitStatus {
	e.log.Error("command failed", "err", err)
	return subcommands.ExitFailure
}
