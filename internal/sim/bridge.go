package sim

import (
	"fmt"
	"sync"

	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/rc"
)

// Bridge layout: a PCIe capability at BridgePCIeOffset carries the slot
// control and device control 2 registers.
const (
	BridgeVendorID   = 0x1234
	BridgeDeviceID   = 0x0b01
	ClassBridge      = 0x060400
	BridgePCIeOffset = 0x40
)

// Bridge is a simulated upstream port. Hot-plug and LTR state live in the
// PCIe capability of its own config space.
type Bridge struct {
	addr pci.Address
	cfg  *pci.Emulated

	mu         sync.Mutex
	downstream []Resetter
	failReset  error
	resets     int
	noHotplug  bool
	noLTR      bool

	// hotplugAtReset and ltrAtReset record the port state seen by the last
	// secondary bus reset.
	hotplugAtReset bool
	ltrAtReset     bool
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Addr    pci.Address
	Hotplug bool
	LTR     bool
	// NoHotplug and NoLTR make the port report the feature as unsupported.
	NoHotplug bool
	NoLTR     bool
}

// NewBridge builds a bridge with the requested initial port state.
func NewBridge(opts BridgeOptions) *Bridge {
	cs := pci.NewEmulated(BridgeVendorID, BridgeDeviceID, ClassBridge, pci.ExtendedConfigSpaceSize)
	cs.Set(pci.HeaderTypeOffset, 1, 0x01)
	cs.AddCapability(BridgePCIeOffset, pci.CapIDPCIe, []byte{0x42, 0x00})
	cs.Seal()
	if opts.Hotplug {
		cs.Set(BridgePCIeOffset+pci.PCIeSlotControlOffset, 2, uint32(pci.PCIeSlotControlHPIE))
	}
	if opts.LTR {
		cs.Set(BridgePCIeOffset+pci.PCIeDeviceControl2Offset, 2, uint32(pci.PCIeDeviceControl2LTRMEnb))
	}
	return &Bridge{
		addr:      opts.Addr,
		cfg:       cs,
		noHotplug: opts.NoHotplug,
		noLTR:     opts.NoLTR,
	}
}

// Config returns the bridge's own config space.
func (b *Bridge) Config() *pci.Emulated { return b.cfg }

// AddDownstream attaches functions reset by a secondary bus reset.
func (b *Bridge) AddDownstream(fns ...Resetter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downstream = append(b.downstream, fns...)
}

// FailReset makes ResetDownstreamPort return err without resetting. Nil
// clears the failure.
func (b *Bridge) FailReset(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failReset = err
}

// Resets returns the number of secondary bus resets issued.
func (b *Bridge) Resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

// StateAtReset returns the hot-plug and LTR state seen by the last reset.
func (b *Bridge) StateAtReset() (hotplug, ltr bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hotplugAtReset, b.ltrAtReset
}

// Address implements pci.Bridge.
func (b *Bridge) Address() pci.Address { return b.addr }

// ResetDownstreamPort implements pci.Bridge.
func (b *Bridge) ResetDownstreamPort() error {
	b.mu.Lock()
	if b.failReset != nil {
		err := b.failReset
		b.mu.Unlock()
		return fmt.Errorf("secondary bus reset on %s: %w", b.addr, err)
	}
	b.resets++
	b.hotplugAtReset = b.bit(pci.PCIeSlotControlOffset, pci.PCIeSlotControlHPIE)
	b.ltrAtReset = b.bit(pci.PCIeDeviceControl2Offset, pci.PCIeDeviceControl2LTRMEnb)
	downstream := append([]Resetter(nil), b.downstream...)
	b.mu.Unlock()

	if _, err := pci.Update16(b.cfg, pci.BridgeControlOffset, 0, pci.BridgeControlSecBus); err != nil {
		return err
	}
	for _, fn := range downstream {
		fn.Reset()
	}
	_, err := pci.Update16(b.cfg, pci.BridgeControlOffset, pci.BridgeControlSecBus, 0)
	return err
}

func (b *Bridge) bit(reg uint16, mask uint16) bool {
	v, err := pci.Read16(b.cfg, BridgePCIeOffset+reg)
	return err == nil && v&mask != 0
}

func (b *Bridge) setBit(reg uint16, mask uint16, on bool) error {
	var clr, set uint16
	if on {
		set = mask
	} else {
		clr = mask
	}
	_, err := pci.Update16(b.cfg, BridgePCIeOffset+reg, clr, set)
	return err
}

// DownstreamPortHotplugEnabled implements pci.Bridge.
func (b *Bridge) DownstreamPortHotplugEnabled() (bool, error) {
	if b.noHotplug {
		return false, fmt.Errorf("%s: hot-plug: %w", b.addr, rc.ErrUnsupportedHardwareFeature)
	}
	return b.bit(pci.PCIeSlotControlOffset, pci.PCIeSlotControlHPIE), nil
}

// SetDownstreamPortHotplugEnabled implements pci.Bridge.
func (b *Bridge) SetDownstreamPortHotplugEnabled(enabled bool) error {
	if b.noHotplug {
		return fmt.Errorf("%s: hot-plug: %w", b.addr, rc.ErrUnsupportedHardwareFeature)
	}
	return b.setBit(pci.PCIeSlotControlOffset, pci.PCIeSlotControlHPIE, enabled)
}

// LTREnabled implements pci.Bridge.
func (b *Bridge) LTREnabled() (bool, error) {
	if b.noLTR {
		return false, fmt.Errorf("%s: LTR: %w", b.addr, rc.ErrUnsupportedHardwareFeature)
	}
	return b.bit(pci.PCIeDeviceControl2Offset, pci.PCIeDeviceControl2LTRMEnb), nil
}

// SetDownstreamPortLTR implements pci.Bridge.
func (b *Bridge) SetDownstreamPortLTR(enabled bool) error {
	if b.noLTR {
		return fmt.Errorf("%s: LTR: %w", b.addr, rc.ErrUnsupportedHardwareFeature)
	}
	return b.setBit(pci.PCIeDeviceControl2Offset, pci.PCIeDeviceControl2LTRMEnb, enabled)
}

// Topology implements pci.Topology over a set of simulated functions.
type Topology struct {
	mu        sync.Mutex
	functions map[pci.Address]Resetter
	upstream  map[pci.Address]*Bridge
	failFLR   error
	flrs      map[pci.Address]int
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{
		functions: make(map[pci.Address]Resetter),
		upstream:  make(map[pci.Address]*Bridge),
		flrs:      make(map[pci.Address]int),
	}
}

// Add places a function below b. b may be nil for a function without an
// upstream port.
func (t *Topology) Add(addr pci.Address, fn Resetter, b *Bridge) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.functions[addr] = fn
	if b != nil {
		t.upstream[addr] = b
		b.AddDownstream(fn)
	}
}

// FailFLR makes FunctionLevelReset return err. Nil clears the failure.
func (t *Topology) FailFLR(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failFLR = err
}

// FLRs returns the number of function-level resets issued to addr.
func (t *Topology) FLRs(addr pci.Address) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flrs[addr]
}

// UpstreamPort implements pci.Topology.
func (t *Topology) UpstreamPort(addr pci.Address) (pci.Bridge, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.upstream[addr]
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

// FunctionLevelReset implements pci.Topology.
func (t *Topology) FunctionLevelReset(addr pci.Address) error {
	t.mu.Lock()
	fn, ok := t.functions[addr]
	err := t.failFLR
	if ok && err == nil {
		t.flrs[addr]++
	}
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("function-level reset of %s: %w", addr, err)
	}
	if !ok {
		return fmt.Errorf("function-level reset of %s: no such function", addr)
	}
	fn.Reset()
	return nil
}

// Drivers implements OS driver control for simulated functions.
type Drivers struct {
	mu          sync.Mutex
	bound       map[pci.Address]bool
	failDisable error
	failEnable  error
	disables    int
	enables     int
}

// NewDrivers returns a driver table with nothing bound.
func NewDrivers() *Drivers {
	return &Drivers{bound: make(map[pci.Address]bool)}
}

// Bind marks a driver bound to addr.
func (d *Drivers) Bind(addr pci.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bound[addr] = true
}

// Bound reports whether a driver is bound to addr.
func (d *Drivers) Bound(addr pci.Address) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound[addr]
}

// FailDisable makes Disable return err.
func (d *Drivers) FailDisable(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failDisable = err
}

// FailEnable makes Enable return err.
func (d *Drivers) FailEnable(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failEnable = err
}

// Calls returns the number of successful disable and enable calls.
func (d *Drivers) Calls() (disables, enables int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disables, d.enables
}

// Disable unbinds the driver of addr. It reports false when nothing was
// bound.
func (d *Drivers) Disable(addr pci.Address) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDisable != nil {
		return false, fmt.Errorf("unbind %s: %w", addr, d.failDisable)
	}
	if !d.bound[addr] {
		return false, nil
	}
	d.bound[addr] = false
	d.disables++
	return true, nil
}

// Enable binds the driver of addr again.
func (d *Drivers) Enable(addr pci.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failEnable != nil {
		return fmt.Errorf("bind %s: %w", addr, d.failEnable)
	}
	d.bound[addr] = true
	d.enables++
	return nil
}

var (
	_ pci.Bridge   = (*Bridge)(nil)
	_ pci.Topology = (*Topology)(nil)
)
