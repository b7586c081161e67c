package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/gpuctl/internal/chip"
	"github.com/tinyrange/gpuctl/internal/irqctl"
	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/ral"
)

func TestRegistersPaths(t *testing.T) {
	r := NewRegisters()
	var seen []uint32
	r.OnWrite(func(offset, old, value uint32) { seen = append(seen, offset) })

	r.Write32(0x10, 0xaa)
	ops := []ral.RegOp{
		{Offset: 0x10, Mask: 0xffff_ffff},
		{Offset: 0x14, Write: true, Value: 0x1234, Mask: 0x00ff},
	}
	if err := r.ExecuteRegOps(ops); err != nil {
		t.Fatalf("ExecuteRegOps: %v", err)
	}
	if ops[0].Value != 0xaa || ops[0].Status != ral.StatusSuccess {
		t.Fatalf("read op = %+v", ops[0])
	}
	if got := r.Peek(0x14); got != 0x34 {
		t.Fatalf("masked write stored %#x, want 0x34", got)
	}
	if len(seen) != 2 {
		t.Fatalf("write hooks ran %d times, want 2", len(seen))
	}
	c := r.Counts()
	if c.DirectWrites != 1 || c.PrivilegedCalls != 1 || c.PrivilegedOps != 2 {
		t.Fatalf("counts = %+v", c)
	}

	r.FailPrivileged(ral.StatusDenied)
	ops = []ral.RegOp{{Offset: 0x10, Mask: 0xffff_ffff}}
	if err := r.ExecuteRegOps(ops); err != nil || ops[0].Status != ral.StatusDenied {
		t.Fatalf("denied op = %+v, %v", ops[0], err)
	}
	r.FailTransport(ErrInjected)
	if err := r.ExecuteRegOps(ops); !errors.Is(err, ErrInjected) {
		t.Fatalf("transport err = %v", err)
	}
}

func TestGPUConfigLayout(t *testing.T) {
	g := NewGPU(GPUOptions{MSIXVectors: 8})
	cs := g.Config()

	if off, ok, err := pci.FindCapability(cs, pci.CapIDMSI); err != nil || !ok || off != MSIOffset {
		t.Fatalf("MSI capability = %#x, %v, %v", off, ok, err)
	}
	off, ok, err := pci.FindCapability(cs, pci.CapIDMSIX)
	if err != nil || !ok || off != MSIXOffset {
		t.Fatalf("MSI-X capability = %#x, %v, %v", off, ok, err)
	}
	ctrl, _ := pci.Read16(cs, off+pci.MSIXControlOffset)
	if n := ctrl&pci.MSIXTableSizeMask + 1; n != 8 {
		t.Fatalf("MSI-X table size = %d, want 8", n)
	}
	if line, _ := pci.Read8(cs, pci.InterruptLineOffset); line != DefaultLine {
		t.Fatalf("interrupt line = %d", line)
	}

	// The table size field is read-only.
	if err := pci.Write16(cs, off+pci.MSIXControlOffset, 0); err != nil {
		t.Fatalf("Write16: %v", err)
	}
	if ctrl2, _ := pci.Read16(cs, off+pci.MSIXControlOffset); ctrl2 != ctrl {
		t.Fatalf("MSI-X control = %#x after write, want %#x", ctrl2, ctrl)
	}
}

func TestGPUResetClearsConfigAndBoots(t *testing.T) {
	g := NewGPU(GPUOptions{FirmwareAlias: 0xbeef, BootPolls: 2, ReadyAfter: 1})
	caps := g.Caps()
	g.Reset()

	cs := g.Config()
	if v, _ := pci.Read16(cs, pci.VendorIDOffset); v != 0xffff {
		t.Fatalf("vendor while not ready = %#x", v)
	}
	if v, _ := pci.Read32(cs, pci.BAR0Offset); v != 0 {
		t.Fatalf("BAR0 after reset = %#x", v)
	}
	if v, _ := pci.Read32(cs, chip.ReferenceAliasDword); v != 0xbeef {
		t.Fatalf("alias after reset = %#x", v)
	}

	b := caps.Boot
	for i, want := range []uint32{bootRunning, bootRunning, b.Done, b.Done} {
		if got := b.StatusField.Get(g.Regs.Read32(b.Status)); got != want {
			t.Fatalf("boot status read %d = %#x, want %#x", i, got, want)
		}
	}
	if g.Resets() != 1 {
		t.Fatalf("resets = %d", g.Resets())
	}
}

func TestSoftwareInterruptDelivered(t *testing.T) {
	m, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	addr := DefaultGPUAddress
	irqs, err := m.Platform.AllocateIRQs(addr, irqctl.MSI, 1)
	if err != nil {
		t.Fatalf("AllocateIRQs: %v", err)
	}
	got := make(chan uint32, 1)
	if err := m.Platform.HookInterrupt(addr, irqctl.MSI, irqs[0], func(irq uint32) { got <- irq }); err != nil {
		t.Fatalf("HookInterrupt: %v", err)
	}
	if _, err := pci.Update16(m.GPU.Config(), MSIOffset+pci.MSIControlOffset, 0, pci.MSIControlEnable); err != nil {
		t.Fatalf("enable MSI: %v", err)
	}

	tree := m.GPU.Caps().Trees[0]
	m.GPU.Regs.Write32(tree.Route, chip.RouteSoftware)
	m.GPU.Regs.Write32(tree.Trigger, 1)

	select {
	case irq := <-got:
		if irq != irqs[0] {
			t.Fatalf("irq = %d, want %d", irq, irqs[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("interrupt not delivered")
	}
	if s := m.GPU.Regs.Peek(tree.Status); tree.SoftwarePending.Get(s) == 0 {
		t.Fatalf("status = %#x, software pending clear", s)
	}
}

func TestStuckSourceClears(t *testing.T) {
	g := NewGPU(GPUOptions{Stuck: []Stuck{{Entry: 0}, {Entry: 2, Ineffective: true}}})
	caps := g.Caps()
	e0, e2 := caps.StuckInterrupts[0], caps.StuckInterrupts[2]

	if g.Regs.Peek(e0.Status)&e0.Bit == 0 || g.Regs.Peek(e2.Status)&e2.Bit == 0 {
		t.Fatalf("stuck sources not asserted")
	}
	g.Regs.Write32(e0.Enable, e0.ClearValue)
	g.Regs.Write32(e2.Enable, e2.ClearValue)
	if g.Regs.Peek(e0.Status)&e0.Bit != 0 {
		t.Fatalf("effective source still asserted")
	}
	if g.Regs.Peek(e2.Status)&e2.Bit == 0 {
		t.Fatalf("ineffective source cleared")
	}
}

func TestBridgeResetsDownstream(t *testing.T) {
	m, err := New(Options{
		Bridge:   BridgeOptions{Hotplug: true, LTR: true},
		Siblings: []SiblingSpec{{Function: 1, Class: ClassAudio}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	audio := m.Siblings[DefaultGPUAddress.WithFunction(1)]
	if v, _ := pci.Read16(audio, pci.CommandOffset); v == 0 {
		t.Fatalf("sibling command register not programmed")
	}
	if err := m.Bridge.ResetDownstreamPort(); err != nil {
		t.Fatalf("ResetDownstreamPort: %v", err)
	}
	if v, _ := pci.Read16(audio, pci.CommandOffset); v != 0 {
		t.Fatalf("sibling command = %#x after reset", v)
	}
	if m.GPU.Resets() != 1 || m.Bridge.Resets() != 1 {
		t.Fatalf("gpu resets = %d, bridge resets = %d", m.GPU.Resets(), m.Bridge.Resets())
	}
	if hp, ltr := m.Bridge.StateAtReset(); !hp || !ltr {
		t.Fatalf("state at reset = %v, %v", hp, ltr)
	}

	m.Bridge.FailReset(ErrInjected)
	if err := m.Bridge.ResetDownstreamPort(); !errors.Is(err, ErrInjected) {
		t.Fatalf("err = %v", err)
	}
	if m.Bridge.Resets() != 1 {
		t.Fatalf("failed reset counted")
	}
}

func TestNoBridge(t *testing.T) {
	m, err := New(Options{NoBridge: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()
	if _, ok, err := m.Topology.UpstreamPort(DefaultGPUAddress); ok || err != nil {
		t.Fatalf("UpstreamPort = %v, %v", ok, err)
	}
	if err := m.Topology.FunctionLevelReset(DefaultGPUAddress); err != nil {
		t.Fatalf("FunctionLevelReset: %v", err)
	}
	if m.Topology.FLRs(DefaultGPUAddress) != 1 {
		t.Fatalf("FLR not recorded")
	}
}
