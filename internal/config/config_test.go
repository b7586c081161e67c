package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/gpuctl/internal/device"
	"github.com/tinyrange/gpuctl/internal/irqctl"
	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/ral"
	"github.com/tinyrange/gpuctl/internal/reset"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	content := `version: 1
device:
  address: "0000:65:00.0"
  backend: sim
  chip: 0x1f00
  primaryDisplay: true
interrupts:
  modes: [msi, msix]
  iterations: 25
  timeout: 250ms
reset:
  kind: fundamental
  functions: [audio, usb]
  coupling: false
  settleDelay: 500ms
protection:
  - start: 0x9000
    end: 0x90ff
    attrs: [priv-protected, power-gated]
  - start: 0xa000
    excludeBits: 0x80000000
`
	path := filepath.Join(dir, DefaultFilename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	addr, err := f.Address(pci.Address{})
	if err != nil || addr != (pci.Address{Bus: 0x65}) {
		t.Errorf("Address = %v, %v", addr, err)
	}
	if f.Device.Backend != BackendSim {
		t.Errorf("Backend = %q, want %q", f.Device.Backend, BackendSim)
	}
	modes, err := f.Modes()
	if err != nil || modes != irqctl.Modes(irqctl.MSI, irqctl.MSIX) {
		t.Errorf("Modes = %v, %v", modes, err)
	}
	if p := f.Policy(); p.Iterations != 25 || p.Timeout != 250*time.Millisecond {
		t.Errorf("Policy = %+v", p)
	}

	req, err := f.ResetRequest()
	if err != nil {
		t.Fatalf("ResetRequest: %v", err)
	}
	if req.Kind != reset.Fundamental || req.Functions != reset.GPU|reset.Audio|reset.USB {
		t.Errorf("request = %v %v", req.Kind, req.Functions)
	}
	if req.Coupling == nil || *req.Coupling {
		t.Errorf("coupling override = %v, want false", req.Coupling)
	}

	var cfg device.Config
	if err := f.Apply(&cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := device.ResetPolicy{
		SettleDelay:  500 * time.Millisecond,
		ReadyTimeout: reset.DefaultReadyTimeout,
		BootTimeout:  reset.DefaultBootTimeout,
		PollInterval: reset.DefaultPollInterval,
	}
	if diff := cmp.Diff(want, cfg.Reset); diff != "" {
		t.Errorf("reset policy (-want +got):\n%s", diff)
	}
	if !cfg.PrimaryDisplay || cfg.Caps == nil || cfg.Map == nil {
		t.Errorf("device config = %+v", cfg)
	}
	if a := cfg.Map.Attrs(0x9080); a != ral.PrivProtected|ral.PowerGated {
		t.Errorf("Attrs(0x9080) = %v", a)
	}
	if m := cfg.Map.WriteMask(0xa000); m != 0x7fff_ffff {
		t.Errorf("WriteMask(0xa000) = %#x", m)
	}
}

func TestDefault(t *testing.T) {
	f := Default()
	if f.Device.Backend != BackendLinux {
		t.Errorf("Backend = %q", f.Device.Backend)
	}
	if p := f.Policy(); p.Iterations != irqctl.DefaultIterations || p.Timeout != irqctl.DefaultTimeout {
		t.Errorf("Policy = %+v", p)
	}
	if modes, _ := f.Modes(); modes != irqctl.AllModes {
		t.Errorf("Modes = %v", modes)
	}
	req, err := f.ResetRequest()
	if err != nil || req.Kind != reset.Hot || req.Functions != reset.GPU {
		t.Errorf("ResetRequest = %+v, %v", req, err)
	}
	if f.Reset.SettleDelay != reset.DefaultSettleDelay {
		t.Errorf("SettleDelay = %v", f.Reset.SettleDelay)
	}
	if m, err := f.ProtectionMap(); m != nil || err != nil {
		t.Errorf("ProtectionMap = %v, %v", m, err)
	}
}

func TestParseRejects(t *testing.T) {
	for _, content := range []string{
		"version: 2\n",
		"device:\n  backend: windows\n",
		"device:\n  address: bogus\n",
		"interrupts:\n  modes: [msi, pio]\n",
		"reset:\n  kind: warm\n",
		"reset:\n  functions: [nic]\n",
		"reset:\n  kind: flr\n  coupling: true\n",
		"protection:\n  - start: 0x10\n    attrs: [secret]\n",
		"protection:\n  - start: 0x20\n    end: 0x10\n",
		"device: [\n",
	} {
		if _, err := Parse([]byte(content)); err == nil {
			t.Errorf("Parse(%q) succeeded", content)
		}
	}
}
