//go:build linux

package main

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/gpuctl/internal/device"
	"github.com/tinyrange/gpuctl/internal/linuxpci"
	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/regsvc"
)

func (e *env) linuxBackend() (backend, error) {
	if e.cfg.Device.Address == "" {
		return backend{}, fmt.Errorf("the linux backend needs a device address")
	}
	addr, err := e.cfg.Address(pci.Address{})
	if err != nil {
		return backend{}, err
	}

	sysfs := linuxpci.New("")
	cu := cleanup.Make(func() { sysfs.Close() })
	defer cu.Clean()

	cfg := device.Config{
		Addr:     addr,
		PCI:      sysfs,
		Topology: sysfs,
		Drivers:  sysfs.Drivers(),
	}

	w, err := sysfs.MapBAR(addr, 0)
	if err != nil {
		e.log.Warn("register window not mapped, using the privileged path only", "err", err)
	} else {
		cfg.Window = w
		cu.Add(func() { w.Close() })
	}

	if e.cfg.Device.Shim != "" {
		svc, err := regsvc.Open(e.cfg.Device.Shim)
		if err != nil {
			return backend{}, err
		}
		cu.Add(func() { svc.Close() })
		cfg.Service = svc
		if svc.HasInterrupts() {
			cfg.Platform = svc
		} else {
			e.log.Info("shim has no interrupt services, interrupt validation is unavailable", "shim", e.cfg.Device.Shim)
		}
	}
	if cfg.Window == nil && cfg.Service == nil {
		return backend{}, fmt.Errorf("%s: no register access path", addr)
	}
	return backend{cfg: cfg, close: cu.Release()}, nil
}
