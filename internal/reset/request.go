package reset

import (
	"fmt"
	"strings"

	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/rc"
)

// Kind is the severity of a reset.
type Kind int

const (
	FunctionLevel Kind = iota
	Hot
	Fundamental
)

func (k Kind) String() string {
	switch k {
	case FunctionLevel:
		return "function-level"
	case Hot:
		return "hot"
	case Fundamental:
		return "fundamental"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses "flr", "hot" or "fundamental".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "flr", "function-level":
		return FunctionLevel, nil
	case "hot", "sbr":
		return Hot, nil
	case "fundamental", "pfr":
		return Fundamental, nil
	default:
		return 0, fmt.Errorf("reset: unknown reset kind %q", s)
	}
}

// Function is a PCI function that can share the GPU's reset domain.
type Function uint8

const (
	GPU Function = 1 << iota
	Audio
	USB
	PortPolicy
)

// FunctionMask is a set of Functions.
type FunctionMask = Function

// AllFunctions selects the GPU and every sibling.
const AllFunctions = GPU | Audio | USB | PortPolicy

func (f Function) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, n := range []struct {
		bit  Function
		name string
	}{{GPU, "gpu"}, {Audio, "audio"}, {USB, "usb"}, {PortPolicy, "ppc"}} {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseFunctions parses a list of function names ("gpu", "audio", "usb",
// "ppc" or "all"). The GPU is always included.
func ParseFunctions(names []string) (FunctionMask, error) {
	m := GPU
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "gpu":
		case "audio", "hda":
			m |= Audio
		case "usb", "xhci":
			m |= USB
		case "ppc", "ucsi", "port-policy":
			m |= PortPolicy
		case "all":
			m |= AllFunctions
		default:
			return 0, fmt.Errorf("reset: unknown function %q", n)
		}
	}
	return m, nil
}

// ownsDriver reports whether the function's OS driver must be unbound for
// the duration of a reset.
func (f Function) ownsDriver() bool { return f == USB || f == PortPolicy }

// Request is one reset call.
type Request struct {
	Kind Kind
	// Functions selects the siblings to reset along with the GPU; the GPU
	// is always included.
	Functions FunctionMask
	// Coupling forces the couple-fundamental-to-hot-reset bit on or off.
	// Nil keeps the hardware state, except that a Fundamental reset asks
	// for coupling.
	Coupling *bool
}

// Validate rejects a request Execute cannot honour as given.
func (r Request) Validate() error {
	switch r.Kind {
	case FunctionLevel, Hot, Fundamental:
	default:
		return fmt.Errorf("reset: invalid reset kind %v: %w", r.Kind, rc.ErrSoftware)
	}
	if r.Kind == FunctionLevel && r.Coupling != nil {
		return fmt.Errorf("reset: coupling does not apply to a %v reset: %w", r.Kind, rc.ErrSoftware)
	}
	return nil
}

// Sibling is a function that shares the GPU's silicon.
type Sibling struct {
	Function Function
	Addr     pci.Address
}

// DriverControl unbinds and rebinds OS drivers.
type DriverControl interface {
	// Disable unbinds the driver of addr and reports whether one was bound.
	Disable(addr pci.Address) (bool, error)
	Enable(addr pci.Address) error
}

// State is the progress of an Execute call.
type State int

const (
	Idle State = iota
	Preparing
	Triggering
	Settling
	Restoring
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Triggering:
		return "triggering"
	case Settling:
		return "settling"
	case Restoring:
		return "restoring"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
