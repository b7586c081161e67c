package sim

import (
	"fmt"

	"github.com/tinyrange/gpuctl/internal/pci"
)

// Sibling class codes of the functions that share the GPU's silicon.
const (
	ClassAudio      = 0x040300
	ClassUSB        = 0x0c0330
	ClassPortPolicy = 0x0c8000
)

// SiblingSpec describes an additional function on the GPU's device number.
type SiblingSpec struct {
	Function uint8
	Class    uint32
	// Driver binds an OS driver to the function.
	Driver bool
}

// Options configures a Machine.
type Options struct {
	GPU      GPUOptions
	Bridge   BridgeOptions
	Siblings []SiblingSpec
	// NoBridge leaves the GPU without a resolvable upstream port.
	NoBridge bool
}

// Machine is a complete simulated system: a bridge with a GPU and its
// siblings behind it, platform IRQ services and a driver table.
type Machine struct {
	Bus      *pci.Bus
	Platform *Platform
	GPU      *GPU
	Bridge   *Bridge
	Topology *Topology
	Drivers  *Drivers
	Siblings map[pci.Address]*pci.Emulated
}

// DefaultGPUAddress and DefaultBridgeAddress are used when Options leaves
// the addresses zero.
var (
	DefaultGPUAddress    = pci.Address{Bus: 1}
	DefaultBridgeAddress = pci.Address{Device: 1}
)

// New builds a Machine. Call Close to stop the platform.
func New(opts Options) (*Machine, error) {
	if opts.GPU.Addr == (pci.Address{}) {
		opts.GPU.Addr = DefaultGPUAddress
	}
	if opts.Bridge.Addr == (pci.Address{}) {
		opts.Bridge.Addr = DefaultBridgeAddress
	}

	m := &Machine{
		Bus:      pci.NewBus(),
		Topology: NewTopology(),
		Drivers:  NewDrivers(),
		Siblings: make(map[pci.Address]*pci.Emulated),
	}
	m.GPU = NewGPU(opts.GPU)
	if err := m.Bus.Register(opts.GPU.Addr, m.GPU.Config()); err != nil {
		return nil, err
	}
	if !opts.NoBridge {
		m.Bridge = NewBridge(opts.Bridge)
		if err := m.Bus.Register(opts.Bridge.Addr, m.Bridge.Config()); err != nil {
			return nil, err
		}
	}
	m.Topology.Add(opts.GPU.Addr, m.GPU, m.Bridge)

	for _, s := range opts.Siblings {
		addr := opts.GPU.Addr.WithFunction(s.Function)
		if s.Function == 0 || s.Function > 7 {
			return nil, fmt.Errorf("sim: invalid sibling function %d", s.Function)
		}
		fn := NewSibling(s.Class)
		if err := m.Bus.Register(addr, fn); err != nil {
			return nil, err
		}
		m.Siblings[addr] = fn
		m.Topology.Add(addr, fn, m.Bridge)
		if s.Driver {
			m.Drivers.Bind(addr)
		}
	}

	m.Platform = NewPlatform(m.Bus)
	m.GPU.AttachSink(m.Platform.Sink(opts.GPU.Addr))
	return m, nil
}

// Close stops the platform's servicing goroutine.
func (m *Machine) Close() error {
	return m.Platform.Close()
}

// NewSibling builds a sibling function with a programmed BAR and command
// register that a reset clears.
func NewSibling(class uint32) *pci.Emulated {
	fn := pci.NewEmulated(VendorID, uint16(class>>8), class, pci.ConfigSpaceSize)
	fn.SetReadOnly(pci.BAR0Offset, 4, 0xf)
	fn.Seal()
	fn.Set(pci.CommandOffset, 2, pci.CommandMemorySpace)
	fn.Set(pci.BAR0Offset, 4, 0xe000_0000|class&0xff00)
	return fn
}
