package irqctl

import (
	"fmt"
	"strings"

	"github.com/tinyrange/gpuctl/internal/pci"
)

// Mode is the interrupt delivery mechanism currently hooked.
type Mode int

const (
	None Mode = iota
	Legacy
	MSI
	MSIX
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Legacy:
		return "legacy"
	case MSI:
		return "msi"
	case MSIX:
		return "msix"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy", "intx":
		return Legacy, nil
	case "msi":
		return MSI, nil
	case "msix", "msi-x":
		return MSIX, nil
	default:
		return None, fmt.Errorf("irqctl: unknown interrupt mode %q", s)
	}
}

// ModeMask is a set of delivery mechanisms.
type ModeMask uint8

// AllModes selects Legacy, MSI and MSI-X.
const AllModes = ModeMask(1<<Legacy | 1<<MSI | 1<<MSIX)

// Modes builds a mask from individual modes.
func Modes(modes ...Mode) ModeMask {
	var m ModeMask
	for _, mode := range modes {
		m |= 1 << mode
	}
	return m
}

// Has reports whether mode is in the mask.
func (m ModeMask) Has(mode Mode) bool { return m&(1<<mode) != 0 }

// List returns the modes of the mask in validation order.
func (m ModeMask) List() []Mode {
	var out []Mode
	for _, mode := range []Mode{Legacy, MSI, MSIX} {
		if m.Has(mode) {
			out = append(out, mode)
		}
	}
	return out
}

// ParseModes parses a comma-separated list of modes; "all" selects every
// mode.
func ParseModes(s string) (ModeMask, error) {
	if strings.TrimSpace(s) == "all" {
		return AllModes, nil
	}
	var m ModeMask
	for _, part := range strings.Split(s, ",") {
		mode, err := ParseMode(part)
		if err != nil {
			return 0, err
		}
		m |= Modes(mode)
	}
	return m, nil
}

// ISR is invoked by the platform on its interrupt-servicing thread.
type ISR func(irq uint32)

// Platform is the OS-level IRQ service.
type Platform interface {
	// AllocateIRQs reserves count IRQs of the given mode for addr. Legacy
	// requests return the function's assigned line.
	AllocateIRQs(addr pci.Address, mode Mode, count int) ([]uint32, error)
	// FreeIRQs releases an allocation.
	FreeIRQs(addr pci.Address, mode Mode, irqs []uint32) error
	// HookInterrupt registers isr for irq.
	HookInterrupt(addr pci.Address, mode Mode, irq uint32, isr ISR) error
	// UnhookInterrupt deregisters irq.
	UnhookInterrupt(addr pci.Address, mode Mode, irq uint32) error
}

// State is the state of the interrupt controller.
type State int

const (
	Unhooked State = iota
	Hooking
	Hooked
	Validating
	Unhooking
)

func (s State) String() string {
	switch s {
	case Unhooked:
		return "unhooked"
	case Hooking:
		return "hooking"
	case Hooked:
		return "hooked"
	case Validating:
		return "validating"
	case Unhooking:
		return "unhooking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TreeState is the routing of one interrupt tree.
type TreeState int

const (
	Disabled TreeState = iota
	HardwareRouted
	SoftwareRouted
)

func (s TreeState) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case HardwareRouted:
		return "hardware"
	case SoftwareRouted:
		return "software"
	default:
		return fmt.Sprintf("tree-state(%d)", int(s))
	}
}
