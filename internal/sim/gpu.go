package sim

import (
	"sync"
	"sync/atomic"

	"github.com/tinyrange/gpuctl/internal/chip"
	"github.com/tinyrange/gpuctl/internal/irqctl"
	"github.com/tinyrange/gpuctl/internal/pci"
)

// Simulated config space layout of the GPU function.
const (
	VendorID      = 0x1234
	ClassVGA      = 0x030000
	MSIOffset     = 0x50
	MSIXOffset    = 0x60
	DefaultLine   = 11
	BAR0Value     = 0xf000_0000
	bootRunning   = 0x1
	defaultVector = 4
)

// Stuck is a pre-asserted interrupt source, identified by its index in the
// chip's stuck-interrupt map. An ineffective source ignores its clear value.
type Stuck struct {
	Entry       int
	Ineffective bool
}

// GPUOptions configures a simulated GPU function.
type GPUOptions struct {
	Addr pci.Address
	// Caps defaults to chip.Reference().
	Caps *chip.Capabilities

	NoLegacyLine bool
	NoMSI        bool
	NoMSIX       bool
	// MSIXVectors is the MSI-X table size; defaults to 4.
	MSIXVectors int

	// Silent never raises interrupts.
	Silent bool
	// StickyPending leaves the software pending bit set once asserted.
	StickyPending bool
	Stuck         []Stuck

	// SubsystemAlias is the alias dword value before any reset.
	SubsystemAlias uint32
	// FirmwareAlias is written to the alias dword by firmware after each
	// reset; zero leaves it at the power-on value.
	FirmwareAlias uint32
	// Coupling is the initial state of the reset coupling bit.
	Coupling bool

	// BootPolls is the number of boot status reads that report a running
	// firmware sequence after each reset.
	BootPolls int
	// HoldoffEngaged sets the firmware boot hold-off.
	HoldoffEngaged bool
	// ReadyAfter is the number of config reads answered with all ones after
	// each reset.
	ReadyAfter int
}

// GPU is a simulated GPU function implementing the reference register
// layout.
type GPU struct {
	opts GPUOptions
	caps *chip.Capabilities

	Regs  *Registers
	cfg   *pci.Emulated
	lines *lineSet

	mu     sync.Mutex
	stuck  []bool
	sticky []bool

	booting  atomic.Int32
	notReady atomic.Int32
	resets   atomic.Int32
	coupled  atomic.Bool
}

// NewGPU builds a GPU function in its post-boot state.
func NewGPU(opts GPUOptions) *GPU {
	if opts.Caps == nil {
		opts.Caps = chip.Reference()
	}
	if opts.MSIXVectors <= 0 {
		opts.MSIXVectors = defaultVector
	}
	g := &GPU{
		opts:   opts,
		caps:   opts.Caps,
		Regs:   NewRegisters(),
		lines:  newLineSet(),
		stuck:  make([]bool, len(opts.Caps.StuckInterrupts)),
		sticky: make([]bool, len(opts.Caps.Trees)),
	}
	g.cfg = g.buildConfig()
	g.Regs.OnWrite(g.onWrite)
	g.Regs.OnRead(g.bootStatusOffset(), g.readBootStatus)
	g.lines.onEOI(g.lines.pulse)
	g.initRegisters()
	return g
}

func (g *GPU) buildConfig() *pci.Emulated {
	cs := pci.NewEmulated(VendorID, uint16(chip.ReferenceID), ClassVGA, g.caps.ConfigSpaceSize)
	cs.Set(pci.SubsystemVendorIDOffset, 2, VendorID)
	cs.Set(pci.SubsystemIDOffset, 2, 0x0001)
	cs.SetReadOnly(pci.BAR0Offset, 4, 0xf)

	if !g.opts.NoMSI {
		// Control: 64-bit capable; message address and data follow.
		cs.AddCapability(MSIOffset, pci.CapIDMSI, []byte{0x80, 0x00})
		cs.SetReadOnly(MSIOffset+pci.MSIControlOffset, 2, uint32(^pci.MSIControlEnable))
	}
	if !g.opts.NoMSIX {
		ctrl := uint16(g.opts.MSIXVectors-1) & pci.MSIXTableSizeMask
		cs.AddCapability(MSIXOffset, pci.CapIDMSIX, []byte{byte(ctrl), byte(ctrl >> 8)})
		cs.SetReadOnly(MSIXOffset+pci.MSIXControlOffset, 2, uint32(pci.MSIXTableSizeMask))
	}
	if !g.opts.NoLegacyLine {
		cs.Set(pci.InterruptPinOffset, 1, 1)
	}
	cs.Set(pci.InterruptLineOffset, 1, 0xff)
	cs.Seal()

	// State left by firmware and the OS before the harness starts.
	cs.Set(pci.CommandOffset, 2, pci.CommandMemorySpace|pci.CommandBusMaster)
	cs.Set(pci.BAR0Offset, 4, BAR0Value)
	if !g.opts.NoLegacyLine {
		cs.Set(pci.InterruptLineOffset, 1, DefaultLine)
	}
	for _, off := range g.caps.SubsystemAliases {
		cs.Set(off, 4, g.opts.SubsystemAlias)
	}
	if g.caps.Coupling != nil && g.opts.Coupling {
		cs.Set(g.caps.Coupling.Offset, 4, g.caps.Coupling.Mask)
	}
	return cs
}

// Config returns the config space as seen by the host.
func (g *GPU) Config() pci.ConfigSpace { return gpuConfig{g} }

// Emulated returns the backing config space, bypassing the readiness model.
func (g *GPU) Emulated() *pci.Emulated { return g.cfg }

// Caps returns the chip capabilities the GPU implements.
func (g *GPU) Caps() *chip.Capabilities { return g.caps }

// Resets returns how many times the function has been reset.
func (g *GPU) Resets() int { return int(g.resets.Load()) }

// CouplingAtReset reports whether the coupling bit was set when the last
// reset arrived.
func (g *GPU) CouplingAtReset() bool { return g.coupled.Load() }

// AttachSink routes the interrupt output of the function.
func (g *GPU) AttachSink(s Sink) { g.lines.attach(s) }

// Reset models a reset of the function: config space returns to its
// power-on image, registers clear and firmware boots again.
func (g *GPU) Reset() {
	if c := g.caps.Coupling; c != nil {
		v, err := g.cfg.ReadConfig(c.Offset, 4)
		g.coupled.Store(err == nil && v&c.Mask != 0)
	}
	g.cfg.Reset()
	if g.opts.FirmwareAlias != 0 {
		for _, off := range g.caps.SubsystemAliases {
			g.cfg.Set(off, 4, g.opts.FirmwareAlias)
		}
	}
	g.lines.reset()
	g.mu.Lock()
	clear(g.sticky)
	g.mu.Unlock()
	g.initRegisters()
	g.booting.Store(int32(g.opts.BootPolls))
	g.notReady.Store(int32(g.opts.ReadyAfter))
	g.resets.Add(1)
}

func (g *GPU) initRegisters() {
	g.Regs.Clear()
	g.mu.Lock()
	for i, e := range g.caps.StuckInterrupts {
		g.Regs.Poke(e.Enable, 1)
		g.stuck[i] = false
	}
	for _, s := range g.opts.Stuck {
		g.stuck[s.Entry] = true
	}
	if b := g.caps.Boot; b != nil && g.opts.HoldoffEngaged {
		g.Regs.Poke(b.Holdoff, b.HoldoffField.Set(0, 1))
	}
	g.mu.Unlock()
	g.recompute()
}

func (g *GPU) bootStatusOffset() uint32 {
	if g.caps.Boot == nil {
		return 0xffff_fffc
	}
	return g.caps.Boot.Status
}

func (g *GPU) readBootStatus(stored uint32) uint32 {
	b := g.caps.Boot
	if b == nil {
		return stored
	}
	for {
		n := g.booting.Load()
		if n <= 0 {
			return b.StatusField.Set(stored, b.Done)
		}
		if g.booting.CompareAndSwap(n, n-1) {
			return b.StatusField.Set(stored, bootRunning)
		}
	}
}

func (g *GPU) onWrite(offset, old, value uint32) {
	if g.caps.Rearm.Offset != 0 && offset == g.caps.Rearm.Offset {
		g.lines.broadcastEOI()
		return
	}
	g.recompute()
}

// recompute derives every tree status from the interrupt sources and
// updates the output level.
func (g *GPU) recompute() {
	g.mu.Lock()
	high := false
	for i, t := range g.caps.Trees {
		var status uint32
		for j, e := range g.caps.StuckInterrupts {
			if e.Status != t.Status || !g.stuck[j] {
				continue
			}
			if g.Regs.Peek(e.Enable) == e.ClearValue && !g.ineffective(j) {
				g.stuck[j] = false
				continue
			}
			status |= e.Bit
		}
		swBit := t.SoftwarePending.Set(0, 1)
		if t.TriggerField.Get(g.Regs.Peek(t.Trigger)) != 0 {
			status |= swBit
			if g.opts.StickyPending {
				g.sticky[i] = true
			}
		}
		if g.sticky[i] {
			status |= swBit
		}
		g.Regs.Poke(t.Status, status)

		switch t.RouteField.Get(g.Regs.Peek(t.Route)) {
		case chip.RouteSoftware:
			high = high || status&swBit != 0
		case chip.RouteHardware:
			high = high || status&t.PendingMask != 0
		}
	}
	g.mu.Unlock()

	if g.opts.Silent {
		high = false
	}
	g.lines.setLevel(high, g.deliveryMode())
}

func (g *GPU) ineffective(entry int) bool {
	for _, s := range g.opts.Stuck {
		if s.Entry == entry {
			return s.Ineffective
		}
	}
	return false
}

// deliveryMode is the mechanism enabled in config space.
func (g *GPU) deliveryMode() irqctl.Mode {
	if !g.opts.NoMSIX {
		if ctrl, err := pci.Read16(g.cfg, MSIXOffset+pci.MSIXControlOffset); err == nil && ctrl&pci.MSIXControlEnable != 0 {
			return irqctl.MSIX
		}
	}
	if !g.opts.NoMSI {
		if ctrl, err := pci.Read16(g.cfg, MSIOffset+pci.MSIControlOffset); err == nil && ctrl&pci.MSIControlEnable != 0 {
			return irqctl.MSI
		}
	}
	if g.opts.NoLegacyLine {
		return irqctl.None
	}
	cmd, err := pci.Read16(g.cfg, pci.CommandOffset)
	if err != nil || cmd&pci.CommandINTxDisable != 0 {
		return irqctl.None
	}
	return irqctl.Legacy
}

// gpuConfig answers all ones while the function is not ready after a reset.
type gpuConfig struct{ g *GPU }

func (c gpuConfig) ReadConfig(offset uint16, size uint8) (uint32, error) {
	for {
		n := c.g.notReady.Load()
		if n <= 0 {
			break
		}
		if c.g.notReady.CompareAndSwap(n, n-1) {
			return uint32(uint64(1)<<(8*size) - 1), nil
		}
	}
	return c.g.cfg.ReadConfig(offset, size)
}

func (c gpuConfig) WriteConfig(offset uint16, size uint8, value uint32) error {
	if c.g.notReady.Load() > 0 {
		return nil
	}
	return c.g.cfg.WriteConfig(offset, size, value)
}

// Resetter is a function that can be reset by its upstream port.
type Resetter interface {
	Reset()
}

var (
	_ Resetter        = (*GPU)(nil)
	_ Resetter        = (*pci.Emulated)(nil)
	_ pci.ConfigSpace = gpuConfig{}
)
