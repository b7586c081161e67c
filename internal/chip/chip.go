// Package chip maps a chip identifier to the capability set the
// device-control core needs. The core never depends on concrete chip types.
package chip

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tinyrange/gpuctl/internal/ral"
)

// ID identifies a chip, usually the PCI device ID.
type ID uint32

func (id ID) String() string { return fmt.Sprintf("%#06x", uint32(id)) }

// Route values programmed into a tree's route field.
const (
	RouteDisabled = 0
	RouteHardware = 1
	RouteSoftware = 2
)

// Tree is the register layout of one interrupt tree.
type Tree struct {
	// Status holds the pending bits of the tree.
	Status uint32
	// PendingMask selects every pending bit (hardware and software) in
	// Status.
	PendingMask uint32
	// SoftwarePending is the software-triggered pending bit in Status.
	SoftwarePending ral.Field
	// Route is the routing register; RouteField selects Disabled,
	// HardwareRouted or SoftwareRouted.
	Route      uint32
	RouteField ral.Field
	// Trigger asserts (1) or de-asserts (0) the software pending bit.
	Trigger      uint32
	TriggerField ral.Field
}

// StuckEntry describes a pending condition that can be cleared by writing
// ClearValue to the owning enable register.
type StuckEntry struct {
	Name       string
	Status     uint32
	Bit        uint32
	Enable     uint32
	ClearValue uint32
}

// Rearm is the end-of-interrupt write that re-arms message-signalled
// delivery.
type Rearm struct {
	Offset uint32
	Value  uint32
}

// Coupling is the config-space bit that couples a fundamental reset to a
// hot reset.
type Coupling struct {
	Offset uint16
	Mask   uint32
}

// BootStatus is the register that reports firmware boot progress.
type BootStatus struct {
	// Holdoff reports whether the firmware boot hold-off is engaged.
	Holdoff      uint32
	HoldoffField ral.Field
	// Status reports progress; the boot is at a safe point when
	// StatusField equals Done.
	Status      uint32
	StatusField ral.Field
	Done        uint32
}

// Capabilities is everything the core needs to know about one chip.
type Capabilities struct {
	Name string

	Trees           []Tree
	StuckInterrupts []StuckEntry
	Rearm           Rearm

	// SubsystemAliases are config-space dwords that firmware may populate
	// after a reset; a non-zero value there is never overwritten.
	SubsystemAliases []uint16
	// Coupling is nil when the chip cannot couple fundamental resets.
	Coupling *Coupling
	// Boot is nil when the chip has no firmware boot hold-off.
	Boot *BootStatus
	// PrimaryDisplayRestoreDelay works around an erratum that needs a delay
	// before the first config write after a reset when the GPU drives the
	// primary display.
	PrimaryDisplayRestoreDelay time.Duration
	// ConfigSpaceSize is the snapshot size used by resets.
	ConfigSpaceSize int
}

// Validate checks the layout constraints the core relies on.
func (c *Capabilities) Validate() error {
	if len(c.Trees) < 2 {
		return fmt.Errorf("chip %s: %d interrupt trees, need at least 2", c.Name, len(c.Trees))
	}
	for i, t := range c.Trees {
		if t.PendingMask == 0 {
			return fmt.Errorf("chip %s: tree %d has an empty pending mask", c.Name, i)
		}
		for _, f := range []ral.Field{t.SoftwarePending, t.RouteField, t.TriggerField} {
			if !f.Valid() {
				return fmt.Errorf("chip %s: tree %d field %d:%d is inverted or out of range", c.Name, i, f.Hi, f.Lo)
			}
		}
		if t.SoftwarePending.Mask()&t.PendingMask == 0 {
			return fmt.Errorf("chip %s: tree %d software pending bit outside pending mask", c.Name, i)
		}
	}
	if b := c.Boot; b != nil && (!b.HoldoffField.Valid() || !b.StatusField.Valid()) {
		return fmt.Errorf("chip %s: boot status fields are inverted or out of range", c.Name)
	}
	switch c.ConfigSpaceSize {
	case 256, 4096:
	default:
		return fmt.Errorf("chip %s: invalid config space size %d", c.Name, c.ConfigSpaceSize)
	}
	return nil
}

var (
	mu       sync.RWMutex
	registry = make(map[ID]func() *Capabilities)
)

// Register associates id with a capability constructor. It panics on
// duplicate registration, which is a programming error.
func Register(id ID, fn func() *Capabilities) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[id]; exists {
		panic(fmt.Sprintf("chip: %s already registered", id))
	}
	registry[id] = fn
}

// Lookup returns a fresh copy of the capabilities registered for id.
func Lookup(id ID) (*Capabilities, error) {
	mu.RLock()
	fn, ok := registry[id]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chip: no capabilities registered for %s", id)
	}
	caps := fn()
	if err := caps.Validate(); err != nil {
		return nil, err
	}
	return caps, nil
}

// Registered lists the registered IDs in ascending order.
func Registered() []ID {
	mu.RLock()
	defer mu.RUnlock()
	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
