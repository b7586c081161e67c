package chip

import (
	"time"

	"github.com/tinyrange/gpuctl/internal/ral"
)

// ReferenceID is the reference family implemented by the simulator.
const ReferenceID ID = 0x1f00

// Reference register layout. Tree n occupies a 0x10 block at
// ReferenceTreeBase + n*0x10: status, route, trigger.
const (
	ReferenceTreeBase   = 0x0000_b000
	ReferenceTreeCount  = 2
	ReferenceRearm      = 0x0000_b100
	ReferenceUnitBase   = 0x0000_b200 // per-unit enable registers
	ReferenceHoldoff    = 0x0000_b300
	ReferenceBootStatus = 0x0000_b304
	ReferenceAliasDword = 0x40
	ReferenceCoupling   = 0x44
)

func referenceTree(n uint32) Tree {
	base := uint32(ReferenceTreeBase) + n*0x10
	return Tree{
		Status:          base,
		PendingMask:     0xffff_ffff,
		SoftwarePending: ral.Bit(31),
		Route:           base + 0x4,
		RouteField:      ral.Field{Hi: 1, Lo: 0},
		Trigger:         base + 0x8,
		TriggerField:    ral.Bit(0),
	}
}

// Reference returns the capabilities of the reference family.
func Reference() *Capabilities {
	trees := make([]Tree, ReferenceTreeCount)
	for i := range trees {
		trees[i] = referenceTree(uint32(i))
	}
	return &Capabilities{
		Name:  "reference",
		Trees: trees,
		StuckInterrupts: []StuckEntry{
			{Name: "unit0", Status: trees[0].Status, Bit: 1 << 0, Enable: ReferenceUnitBase + 0x0, ClearValue: 0},
			{Name: "unit1", Status: trees[0].Status, Bit: 1 << 1, Enable: ReferenceUnitBase + 0x4, ClearValue: 0},
			{Name: "unit2", Status: trees[1].Status, Bit: 1 << 0, Enable: ReferenceUnitBase + 0x8, ClearValue: 0},
		},
		Rearm:            Rearm{Offset: ReferenceRearm, Value: 0x1},
		SubsystemAliases: []uint16{ReferenceAliasDword},
		Coupling:         &Coupling{Offset: ReferenceCoupling, Mask: 1 << 0},
		Boot: &BootStatus{
			Holdoff:      ReferenceHoldoff,
			HoldoffField: ral.Bit(0),
			Status:       ReferenceBootStatus,
			StatusField:  ral.Field{Hi: 3, Lo: 0},
			Done:         0xf,
		},
		PrimaryDisplayRestoreDelay: 50 * time.Millisecond,
		ConfigSpaceSize:            256,
	}
}

func init() {
	Register(ReferenceID, Reference)
}
