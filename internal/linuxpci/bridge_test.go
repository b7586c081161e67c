package linuxpci

import (
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/rc"
)

const testPCIe = 0x40

func newPort(slot, ltr bool) *pci.Emulated {
	cs := pci.NewEmulated(0x8086, 0x1234, 0x060400, pci.ExtendedConfigSpaceSize)
	cs.Set(pci.HeaderTypeOffset, 1, 0x01)
	var caps uint16 = 0x0042
	if slot {
		caps |= pci.PCIeCapSlotImplemented
	}
	cs.AddCapability(testPCIe, pci.CapIDPCIe, []byte{byte(caps), byte(caps >> 8)})
	if slot {
		cs.Set(testPCIe+pci.PCIeSlotCapOffset, 4, pci.PCIeSlotCapHotPlugCapable)
	}
	if ltr {
		cs.Set(testPCIe+pci.PCIeDeviceCap2Offset, 4, pci.PCIeDeviceCap2LTR)
	}
	return cs
}

func TestBridgeFeatures(t *testing.T) {
	cs := newPort(true, true)
	b, err := NewBridge(pci.Address{Device: 1}, cs)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}

	if err := b.SetDownstreamPortHotplugEnabled(true); err != nil {
		t.Fatalf("SetDownstreamPortHotplugEnabled: %v", err)
	}
	if on, err := b.DownstreamPortHotplugEnabled(); err != nil || !on {
		t.Fatalf("DownstreamPortHotplugEnabled = %v, %v", on, err)
	}
	if err := b.SetDownstreamPortLTR(true); err != nil {
		t.Fatalf("SetDownstreamPortLTR: %v", err)
	}
	if err := b.SetDownstreamPortHotplugEnabled(false); err != nil {
		t.Fatalf("SetDownstreamPortHotplugEnabled: %v", err)
	}
	if on, _ := b.DownstreamPortHotplugEnabled(); on {
		t.Fatalf("hot-plug still enabled")
	}
	if on, err := b.LTREnabled(); err != nil || !on {
		t.Fatalf("LTREnabled = %v, %v", on, err)
	}
	v, _ := pci.Read16(cs, testPCIe+pci.PCIeDeviceControl2Offset)
	if v != pci.PCIeDeviceControl2LTRMEnb {
		t.Fatalf("device control 2 = %#x", v)
	}
}

func TestBridgeUnsupportedFeatures(t *testing.T) {
	b, err := NewBridge(pci.Address{Device: 1}, newPort(false, false))
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	if _, err := b.DownstreamPortHotplugEnabled(); !rc.Unsupported(err) {
		t.Fatalf("hot-plug err = %v, want unsupported", err)
	}
	if err := b.SetDownstreamPortLTR(false); !rc.Unsupported(err) {
		t.Fatalf("LTR err = %v, want unsupported", err)
	}

	ep := pci.NewEmulated(0x10de, 0x1, 0x030000, pci.ConfigSpaceSize)
	if _, err := NewBridge(pci.Address{Bus: 1}, ep); !errors.Is(err, rc.ErrUnsupportedHardwareFeature) {
		t.Fatalf("endpoint accepted as bridge: %v", err)
	}
}

func TestBridgeSecondaryReset(t *testing.T) {
	cs := newPort(false, false)
	var writes []uint16
	b, err := NewBridge(pci.Address{Device: 1}, cs)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	b.Sleep = func(d time.Duration) {
		v, _ := pci.Read16(cs, pci.BridgeControlOffset)
		writes = append(writes, v)
		if d != SecondaryResetHold {
			t.Errorf("held reset for %v", d)
		}
	}
	if err := b.ResetDownstreamPort(); err != nil {
		t.Fatalf("ResetDownstreamPort: %v", err)
	}
	if len(writes) != 1 || writes[0]&pci.BridgeControlSecBus == 0 {
		t.Fatalf("bridge control during reset = %#x", writes)
	}
	if v, _ := pci.Read16(cs, pci.BridgeControlOffset); v&pci.BridgeControlSecBus != 0 {
		t.Fatalf("secondary reset left asserted")
	}
}
