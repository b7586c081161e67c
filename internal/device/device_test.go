package device

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/gpuctl/internal/irqctl"
	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/ral"
	"github.com/tinyrange/gpuctl/internal/rc"
	"github.com/tinyrange/gpuctl/internal/reset"
	"github.com/tinyrange/gpuctl/internal/sim"
)

func openSim(t *testing.T, opts sim.Options, mod func(*Config)) (*Device, *sim.Machine) {
	t.Helper()
	m, err := sim.New(opts)
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	cfg := Config{
		Addr:     sim.DefaultGPUAddress,
		PCI:      m.Bus,
		Window:   m.GPU.Regs,
		Service:  m.GPU.Regs,
		Platform: m.Platform,
		Topology: m.Topology,
		Drivers:  m.Drivers,
		Reset: ResetPolicy{
			SettleDelay:  time.Millisecond,
			PollInterval: time.Millisecond,
		},
	}
	if mod != nil {
		mod(&cfg)
	}
	d, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, m
}

func TestOpenProbesSiblings(t *testing.T) {
	d, m := openSim(t, sim.Options{Siblings: []sim.SiblingSpec{
		{Function: 1, Class: sim.ClassAudio},
		{Function: 3, Class: sim.ClassPortPolicy},
		{Function: 4, Class: 0x020000},
		{Function: 2, Class: sim.ClassUSB},
	}}, nil)

	want := []reset.Sibling{
		{Function: reset.Audio, Addr: sim.DefaultGPUAddress.WithFunction(1)},
		{Function: reset.USB, Addr: sim.DefaultGPUAddress.WithFunction(2)},
		{Function: reset.PortPolicy, Addr: sim.DefaultGPUAddress.WithFunction(3)},
	}
	if diff := cmp.Diff(want, d.Siblings()); diff != "" {
		t.Fatalf("siblings (-want +got):\n%s", diff)
	}
	if d.Caps().ConfigSpaceSize != m.GPU.Caps().ConfigSpaceSize {
		t.Fatalf("capabilities not resolved from the registry")
	}
}

func TestOpenUnknownChip(t *testing.T) {
	bus := pci.NewBus()
	addr := pci.Address{Bus: 4}
	if err := bus.Register(addr, pci.NewEmulated(0x1234, 0x9999, 0x030000, pci.ConfigSpaceSize)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := Open(Config{Addr: addr, PCI: bus, Window: sim.NewRegisters()}); err == nil {
		t.Fatalf("Open succeeded for an unregistered chip")
	}
	if _, err := Open(Config{Addr: pci.Address{Bus: 5}, PCI: bus}); err == nil {
		t.Fatalf("Open succeeded for an absent function")
	}
}

func TestResetRehooksPreviousMode(t *testing.T) {
	d, m := openSim(t, sim.Options{}, nil)
	if err := d.HookInterrupts(irqctl.MSI); err != nil {
		t.Fatalf("HookInterrupts: %v", err)
	}
	if err := d.Reset(reset.Request{Kind: reset.Hot}); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := d.Interrupts().Mode(); got != irqctl.MSI {
		t.Fatalf("mode after reset = %v, want msi", got)
	}
	if alloc, hooked := m.Platform.Outstanding(); alloc != 1 || hooked != 1 {
		t.Fatalf("outstanding = %d/%d, want 1/1", alloc, hooked)
	}
	if v, _ := pci.Read16(d.Config(), sim.MSIOffset+pci.MSIControlOffset); v&pci.MSIControlEnable == 0 {
		t.Fatalf("MSI delivery not re-enabled after reset")
	}

	results, err := d.ValidateInterrupts(irqctl.Modes(irqctl.MSI), irqctl.Policy{Iterations: 3})
	if err != nil {
		t.Fatalf("ValidateInterrupts: %v", err)
	}
	if len(results) != 1 || results[0].Successes != 3 {
		t.Fatalf("results = %+v", results)
	}
	if got := d.Interrupts().Mode(); got != irqctl.MSI {
		t.Fatalf("mode after validation = %v, want msi", got)
	}
}

func TestResetFailureLeavesUnhooked(t *testing.T) {
	d, m := openSim(t, sim.Options{NoBridge: true}, nil)
	if err := d.HookInterrupts(irqctl.MSIX); err != nil {
		t.Fatalf("HookInterrupts: %v", err)
	}
	err := d.Reset(reset.Request{Kind: reset.Hot})
	if !errors.Is(err, rc.ErrUnsupportedHardwareFeature) {
		t.Fatalf("err = %v, want ErrUnsupportedHardwareFeature", err)
	}
	if got := d.Interrupts().Mode(); got != irqctl.None {
		t.Fatalf("mode = %v, want none", got)
	}
	if alloc, hooked := m.Platform.Outstanding(); alloc != 0 || hooked != 0 {
		t.Fatalf("outstanding = %d/%d, want 0/0", alloc, hooked)
	}
}

func TestResetClearsStuckInterrupts(t *testing.T) {
	d, m := openSim(t, sim.Options{GPU: sim.GPUOptions{Stuck: []sim.Stuck{{Entry: 0}}}}, nil)
	if err := d.Reset(reset.Request{Kind: reset.Hot}); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := m.GPU.Resets(); got != 1 {
		t.Fatalf("GPU resets = %d, want 1", got)
	}
}

func TestResetStuckInterruptPreventsTrigger(t *testing.T) {
	d, m := openSim(t, sim.Options{GPU: sim.GPUOptions{Stuck: []sim.Stuck{{Entry: 1, Ineffective: true}}}}, nil)
	if err := d.HookInterrupts(irqctl.MSI); err != nil {
		t.Fatalf("HookInterrupts: %v", err)
	}
	err := d.Reset(reset.Request{Kind: reset.Hot})
	if !errors.Is(err, rc.ErrInterruptStuckAsserted) {
		t.Fatalf("err = %v, want ErrInterruptStuckAsserted", err)
	}
	if got := m.GPU.Resets(); got != 0 {
		t.Fatalf("GPU resets = %d, want 0", got)
	}
	if got := d.Interrupts().Mode(); got != irqctl.None {
		t.Fatalf("mode = %v, want none", got)
	}
	if alloc, hooked := m.Platform.Outstanding(); alloc != 0 || hooked != 0 {
		t.Fatalf("outstanding = %d/%d, want 0/0", alloc, hooked)
	}
}

func TestInitializedRoutesProtectedWrites(t *testing.T) {
	const protected = 0x9000
	rules, err := ral.NewMap([]ral.Rule{{Start: protected, End: protected, Attrs: ral.PrivProtected}})
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	d, m := openSim(t, sim.Options{}, func(c *Config) { c.Map = rules })

	write := func() sim.Counts {
		m.GPU.Regs.ResetCounts()
		if err := d.Registers().Write32(protected, 1); err != nil {
			t.Fatalf("Write32: %v", err)
		}
		return m.GPU.Regs.Counts()
	}
	if c := write(); c.DirectWrites != 1 || c.PrivilegedCalls != 0 {
		t.Fatalf("uninitialized counts = %+v, want a direct write", c)
	}
	d.SetInitialized(true)
	if c := write(); c.DirectWrites != 0 || c.PrivilegedCalls != 1 {
		t.Fatalf("initialized counts = %+v, want a privileged call", c)
	}
}
