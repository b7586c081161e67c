package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/gpuctl/internal/config"
	"github.com/tinyrange/gpuctl/internal/device"
	"github.com/tinyrange/gpuctl/internal/irqctl"
	"github.com/tinyrange/gpuctl/internal/reset"
	"github.com/tinyrange/gpuctl/internal/sim"
)

func simEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	cfg.Device.Backend = config.BackendSim
	cfg.Reset.SettleDelay = time.Millisecond
	cfg.Reset.PollInterval = time.Millisecond
	return &env{cfg: cfg, log: slog.Default()}
}

func TestSimBackend(t *testing.T) {
	e := simEnv(t)
	d, closeDevice, err := e.open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeDevice()

	if got := len(d.Siblings()); got != 3 {
		t.Fatalf("siblings = %d, want 3", got)
	}
	res, err := d.ValidateInterrupts(irqctl.Modes(irqctl.MSI), irqctl.Policy{Iterations: 2, Timeout: time.Second})
	if err != nil {
		t.Fatalf("ValidateInterrupts: %v", err)
	}
	if len(res) != 1 || res[0].Successes != 2 {
		t.Fatalf("results = %+v, want 2 successes", res)
	}
	if err := d.Reset(reset.Request{Kind: reset.Hot, Functions: reset.GPU | reset.Audio | reset.USB}); err != nil {
		t.Fatalf("Reset: %v", err)
	}
}

func TestUnknownBackend(t *testing.T) {
	e := simEnv(t)
	e.cfg.Device.Backend = "vfio"
	if _, _, err := e.open(); err == nil {
		t.Fatalf("open with backend %q succeeded", e.cfg.Device.Backend)
	}
}

func TestParseU32(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"0x88000", 0x88000, true},
		{"16", 16, true},
		{"0x1_0000_0000", 0, false},
		{"bar", 0, false},
	} {
		got, err := parseU32("offset", tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("parseU32(%q) = %#x, %v; want %#x, ok %v", tc.in, got, err, tc.want, tc.ok)
		}
	}
}

func TestValidateFinishesProgress(t *testing.T) {
	m, err := sim.New(sim.Options{GPU: sim.GPUOptions{NoMSIX: true}})
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	defer m.Close()
	d, err := device.Open(device.Config{
		Addr:     sim.DefaultGPUAddress,
		PCI:      m.Bus,
		Window:   m.GPU.Regs,
		Platform: m.Platform,
		Topology: m.Topology,
		Drivers:  m.Drivers,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	modes := irqctl.Modes(irqctl.MSI, irqctl.MSIX)
	policy := irqctl.Policy{Iterations: 2, Timeout: time.Second}
	pb := progressbar.NewOptions(4, progressbar.OptionSetWriter(io.Discard))
	results, err := validate(d, modes, policy, pb)
	if err == nil {
		t.Fatalf("validation without MSI-X succeeded")
	}
	if len(results) != 2 || results[0].Successes != 2 || results[1].Iterations != 0 {
		t.Fatalf("results = %+v, want msi 2/2 and msix not run", results)
	}
	if !pb.IsFinished() {
		t.Fatalf("progress bar not finished")
	}
}
