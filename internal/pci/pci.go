package pci

import (
	"fmt"
	"strconv"
	"strings"
)

// Standard type 0 header offsets.
const (
	VendorIDOffset          = 0x00
	DeviceIDOffset          = 0x02
	CommandOffset           = 0x04
	StatusOffset            = 0x06
	ClassCodeOffset         = 0x08 // revision in the low byte
	HeaderTypeOffset        = 0x0e
	BAR0Offset              = 0x10
	SubsystemVendorIDOffset = 0x2c
	SubsystemIDOffset       = 0x2e
	CapabilityPointerOffset = 0x34
	InterruptLineOffset     = 0x3c
	InterruptPinOffset      = 0x3d
	BridgeControlOffset     = 0x3e // type 1 header
)

const (
	// ConfigSpaceSize is the legacy PCI configuration space size.
	ConfigSpaceSize = 256
	// ExtendedConfigSpaceSize is the PCIe extended configuration space size.
	ExtendedConfigSpaceSize = 4096
)

const (
	CommandMemorySpace  = 1 << 1
	CommandBusMaster    = 1 << 2
	CommandINTxDisable  = 1 << 10
	StatusCapabilities  = 1 << 4
	BridgeControlSecBus = 1 << 6
)

// Capability IDs.
const (
	CapIDMSI  = 0x05
	CapIDPCIe = 0x10
	CapIDMSIX = 0x11
)

// MSI and MSI-X message control fields, relative to the capability.
const (
	MSIControlOffset        = 0x02
	MSIControlEnable        = uint16(1 << 0)
	MSIXControlOffset       = 0x02
	MSIXControlEnable       = uint16(1 << 15)
	MSIXControlFunctionMask = uint16(1 << 14)
	MSIXTableSizeMask       = uint16(0x07ff)
)

// PCIe capability registers, relative to the capability.
const (
	PCIeCapabilitiesOffset    = 0x02
	PCIeCapSlotImplemented    = uint16(1 << 8)
	PCIeDeviceCap2Offset      = 0x24
	PCIeDeviceCap2LTR         = uint32(1 << 11)
	PCIeSlotCapOffset         = 0x14
	PCIeSlotCapHotPlugCapable = uint32(1 << 6)
	PCIeSlotControlOffset     = 0x18
	PCIeSlotControlHPIE       = uint16(1 << 5)
	PCIeDeviceControl2Offset  = 0x28
	PCIeDeviceControl2LTRMEnb = uint16(1 << 10)
)

// InvalidVendorID is read back from a function that is absent or not yet
// responding to configuration cycles.
const InvalidVendorID = 0xffff

// Address is a PCI domain/bus/device/function tuple.
type Address struct {
	Domain   uint32
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// WithFunction returns a with its function number replaced.
func (a Address) WithFunction(fn uint8) Address {
	a.Function = fn
	return a
}

// ParseAddress parses "dddd:bb:dd.f" or "bb:dd.f".
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
	case 3:
		d, err := strconv.ParseUint(parts[0], 16, 32)
		if err != nil {
			return Address{}, fmt.Errorf("pci: invalid domain in %q: %w", s, err)
		}
		a.Domain = uint32(d)
		parts = parts[1:]
	default:
		return Address{}, fmt.Errorf("pci: invalid address %q", s)
	}

	bus, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("pci: invalid bus in %q: %w", s, err)
	}
	devFn := strings.Split(parts[1], ".")
	if len(devFn) != 2 {
		return Address{}, fmt.Errorf("pci: invalid device.function in %q", s)
	}
	dev, err := strconv.ParseUint(devFn[0], 16, 8)
	if err != nil || dev > 0x1f {
		return Address{}, fmt.Errorf("pci: invalid device in %q", s)
	}
	fn, err := strconv.ParseUint(devFn[1], 16, 8)
	if err != nil || fn > 7 {
		return Address{}, fmt.Errorf("pci: invalid function in %q", s)
	}
	a.Bus, a.Device, a.Function = uint8(bus), uint8(dev), uint8(fn)
	return a, nil
}

// ConfigSpace models PCI configuration space access for a single function.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// ConfigAccessor is platform PCI configuration access keyed by address.
type ConfigAccessor interface {
	ReadConfig(addr Address, offset uint16, size uint8) (uint32, error)
	WriteConfig(addr Address, offset uint16, size uint8, value uint32) error
}

type boundFunction struct {
	acc  ConfigAccessor
	addr Address
}

func (b boundFunction) ReadConfig(offset uint16, size uint8) (uint32, error) {
	return b.acc.ReadConfig(b.addr, offset, size)
}

func (b boundFunction) WriteConfig(offset uint16, size uint8, value uint32) error {
	return b.acc.WriteConfig(b.addr, offset, size, value)
}

// Bind returns the ConfigSpace of the function at addr.
func Bind(acc ConfigAccessor, addr Address) ConfigSpace {
	return boundFunction{acc: acc, addr: addr}
}

func Read8(cs ConfigSpace, offset uint16) (uint8, error) {
	v, err := cs.ReadConfig(offset, 1)
	return uint8(v), err
}

func Read16(cs ConfigSpace, offset uint16) (uint16, error) {
	v, err := cs.ReadConfig(offset, 2)
	return uint16(v), err
}

func Read32(cs ConfigSpace, offset uint16) (uint32, error) {
	return cs.ReadConfig(offset, 4)
}

func Write8(cs ConfigSpace, offset uint16, value uint8) error {
	return cs.WriteConfig(offset, 1, uint32(value))
}

func Write16(cs ConfigSpace, offset uint16, value uint16) error {
	return cs.WriteConfig(offset, 2, uint32(value))
}

func Write32(cs ConfigSpace, offset uint16, value uint32) error {
	return cs.WriteConfig(offset, 4, value)
}

// Update16 performs a read-modify-write of a 16-bit register, clearing clr
// before setting set.
func Update16(cs ConfigSpace, offset uint16, clr, set uint16) (old uint16, err error) {
	old, err = Read16(cs, offset)
	if err != nil {
		return 0, err
	}
	return old, Write16(cs, offset, (old&^clr)|set)
}

// Present reports whether the function responds with a valid vendor ID.
func Present(cs ConfigSpace) bool {
	vendor, err := Read16(cs, VendorIDOffset)
	return err == nil && vendor != InvalidVendorID && vendor != 0
}

// ClassCode returns the 24-bit class code of the function.
func ClassCode(cs ConfigSpace) (uint32, error) {
	v, err := Read32(cs, ClassCodeOffset)
	return v >> 8, err
}

// FindCapability walks the standard capability list and returns the offset
// of the first capability with the given ID.
func FindCapability(cs ConfigSpace, id uint8) (uint16, bool, error) {
	status, err := Read16(cs, StatusOffset)
	if err != nil {
		return 0, false, err
	}
	if status&StatusCapabilities == 0 {
		return 0, false, nil
	}
	ptr, err := Read8(cs, CapabilityPointerOffset)
	if err != nil {
		return 0, false, err
	}

	// 48 is the most capabilities that fit in the 192-byte list area; a
	// longer walk means the list loops.
	for i := 0; i < 48 && ptr >= 0x40; i++ {
		ptr &^= 0x3
		capID, err := Read8(cs, uint16(ptr))
		if err != nil {
			return 0, false, err
		}
		if capID == id {
			return uint16(ptr), true, nil
		}
		if ptr, err = Read8(cs, uint16(ptr)+1); err != nil {
			return 0, false, err
		}
	}
	return 0, false, nil
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}

func validAccess(offset uint16, size uint8, limit int) error {
	switch size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("pci: invalid access size %d", size)
	}
	if offset%uint16(size) != 0 {
		return fmt.Errorf("pci: unaligned %d-byte access at %#x", size, offset)
	}
	if int(offset)+int(size) > limit {
		return fmt.Errorf("pci: access at %#x beyond config space size %#x", offset, limit)
	}
	return nil
}
