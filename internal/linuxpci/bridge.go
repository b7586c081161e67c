package linuxpci

import (
	"fmt"
	"time"

	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/rc"
)

// SecondaryResetHold is how long the secondary bus reset bit stays set.
const SecondaryResetHold = 2 * time.Millisecond

// Bridge drives a downstream port through its own config space.
type Bridge struct {
	addr pci.Address
	cs   pci.ConfigSpace
	// pcie is the PCIe capability offset, or 0 for a conventional bridge.
	pcie uint16

	Sleep func(time.Duration)
}

// NewBridge returns a Bridge for the type 1 function at addr.
func NewBridge(addr pci.Address, cs pci.ConfigSpace) (*Bridge, error) {
	hdr, err := pci.Read8(cs, pci.HeaderTypeOffset)
	if err != nil {
		return nil, fmt.Errorf("linuxpci: bridge %s: read header type: %w", addr, err)
	}
	if hdr&0x7f != 0x01 {
		return nil, fmt.Errorf("linuxpci: %s is not a bridge (header type %#x): %w", addr, hdr, rc.ErrUnsupportedHardwareFeature)
	}
	off, _, err := pci.FindCapability(cs, pci.CapIDPCIe)
	if err != nil {
		return nil, fmt.Errorf("linuxpci: bridge %s: %w", addr, err)
	}
	return &Bridge{addr: addr, cs: cs, pcie: off, Sleep: time.Sleep}, nil
}

// Address implements pci.Bridge.
func (b *Bridge) Address() pci.Address { return b.addr }

// ResetDownstreamPort pulses the secondary bus reset bit.
func (b *Bridge) ResetDownstreamPort() error {
	if _, err := pci.Update16(b.cs, pci.BridgeControlOffset, 0, pci.BridgeControlSecBus); err != nil {
		return fmt.Errorf("linuxpci: bridge %s: assert secondary reset: %w", b.addr, err)
	}
	b.Sleep(SecondaryResetHold)
	if _, err := pci.Update16(b.cs, pci.BridgeControlOffset, pci.BridgeControlSecBus, 0); err != nil {
		return fmt.Errorf("linuxpci: bridge %s: deassert secondary reset: %w", b.addr, err)
	}
	return nil
}

func (b *Bridge) hotplugCapable() error {
	if b.pcie == 0 {
		return fmt.Errorf("linuxpci: bridge %s has no PCIe capability: %w", b.addr, rc.ErrUnsupportedHardwareFeature)
	}
	caps, err := pci.Read16(b.cs, b.pcie+pci.PCIeCapabilitiesOffset)
	if err != nil {
		return err
	}
	if caps&pci.PCIeCapSlotImplemented == 0 {
		return fmt.Errorf("linuxpci: bridge %s has no slot: %w", b.addr, rc.ErrUnsupportedHardwareFeature)
	}
	slot, err := pci.Read32(b.cs, b.pcie+pci.PCIeSlotCapOffset)
	if err != nil {
		return err
	}
	if slot&pci.PCIeSlotCapHotPlugCapable == 0 {
		return fmt.Errorf("linuxpci: bridge %s slot is not hot-plug capable: %w", b.addr, rc.ErrUnsupportedHardwareFeature)
	}
	return nil
}

func (b *Bridge) ltrCapable() error {
	if b.pcie == 0 {
		return fmt.Errorf("linuxpci: bridge %s has no PCIe capability: %w", b.addr, rc.ErrUnsupportedHardwareFeature)
	}
	cap2, err := pci.Read32(b.cs, b.pcie+pci.PCIeDeviceCap2Offset)
	if err != nil {
		return err
	}
	if cap2&pci.PCIeDeviceCap2LTR == 0 {
		return fmt.Errorf("linuxpci: bridge %s does not support LTR: %w", b.addr, rc.ErrUnsupportedHardwareFeature)
	}
	return nil
}

func (b *Bridge) bit(reg, mask uint16) (bool, error) {
	v, err := pci.Read16(b.cs, b.pcie+reg)
	if err != nil {
		return false, fmt.Errorf("linuxpci: bridge %s: %w", b.addr, err)
	}
	return v&mask != 0, nil
}

func (b *Bridge) setBit(reg, mask uint16, on bool) error {
	clr, set := mask, uint16(0)
	if on {
		clr, set = 0, mask
	}
	if _, err := pci.Update16(b.cs, b.pcie+reg, clr, set); err != nil {
		return fmt.Errorf("linuxpci: bridge %s: %w", b.addr, err)
	}
	return nil
}

// DownstreamPortHotplugEnabled implements pci.Bridge.
func (b *Bridge) DownstreamPortHotplugEnabled() (bool, error) {
	if err := b.hotplugCapable(); err != nil {
		return false, err
	}
	return b.bit(pci.PCIeSlotControlOffset, pci.PCIeSlotControlHPIE)
}

// SetDownstreamPortHotplugEnabled implements pci.Bridge.
func (b *Bridge) SetDownstreamPortHotplugEnabled(on bool) error {
	if err := b.hotplugCapable(); err != nil {
		return err
	}
	return b.setBit(pci.PCIeSlotControlOffset, pci.PCIeSlotControlHPIE, on)
}

// LTREnabled implements pci.Bridge.
func (b *Bridge) LTREnabled() (bool, error) {
	if err := b.ltrCapable(); err != nil {
		return false, err
	}
	return b.bit(pci.PCIeDeviceControl2Offset, pci.PCIeDeviceControl2LTRMEnb)
}

// SetDownstreamPortLTR implements pci.Bridge.
func (b *Bridge) SetDownstreamPortLTR(on bool) error {
	if err := b.ltrCapable(); err != nil {
		return err
	}
	return b.setBit(pci.PCIeDeviceControl2Offset, pci.PCIeDeviceControl2LTRMEnb, on)
}

var _ pci.Bridge = (*Bridge)(nil)
