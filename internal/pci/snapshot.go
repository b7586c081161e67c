package pci

import (
	"fmt"
	"time"

	"github.com/tinyrange/gpuctl/internal/hwlog"
)

// Register is one captured configuration dword.
type Register struct {
	Offset uint16
	Value  uint32
}

// Snapshot is the configuration state of one function captured before a
// reset.
type Snapshot struct {
	Addr Address
	Regs []Register
}

// Save reads size bytes of cs in one dword pass.
func Save(addr Address, cs ConfigSpace, size int) (*Snapshot, error) {
	if size <= 0 || size%4 != 0 || size > ExtendedConfigSpaceSize {
		return nil, fmt.Errorf("pci: invalid snapshot size %d", size)
	}
	s := &Snapshot{Addr: addr, Regs: make([]Register, 0, size/4)}
	for off := 0; off < size; off += 4 {
		v, err := Read32(cs, uint16(off))
		if err != nil {
			return nil, fmt.Errorf("pci: save %s offset %#x: %w", addr, off, err)
		}
		s.Regs = append(s.Regs, Register{Offset: uint16(off), Value: v})
	}
	hwlog.Eventf(addr.String(), "config space saved (%d bytes)", size)
	return s, nil
}

// RestoreOptions tunes Snapshot.Restore.
type RestoreOptions struct {
	// Skip excludes a dword from the restore.
	Skip func(offset uint16) bool

	// FirstWriteDelay is slept once before the first write.
	FirstWriteDelay time.Duration

	// Sleep replaces time.Sleep.
	Sleep func(time.Duration)
}

// Restore writes the captured values back to cs. Offsets are written from
// high to low so the command register, which re-enables decode, goes last.
// Read-only bits are left to the hardware.
func (s *Snapshot) Restore(cs ConfigSpace, opts RestoreOptions) error {
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	first := true
	for i := len(s.Regs) - 1; i >= 0; i-- {
		r := s.Regs[i]
		if opts.Skip != nil && opts.Skip(r.Offset) {
			continue
		}
		if first {
			if opts.FirstWriteDelay > 0 {
				sleep(opts.FirstWriteDelay)
			}
			first = false
		}
		if err := Write32(cs, r.Offset, r.Value); err != nil {
			return fmt.Errorf("pci: restore %s offset %#x: %w", s.Addr, r.Offset, err)
		}
	}
	hwlog.Eventf(s.Addr.String(), "config space restored")
	return nil
}

// Mismatch is a dword that differs between two snapshots.
type Mismatch struct {
	Offset uint16
	Before uint32
	After  uint32
}

// Diff returns the dwords whose values differ between s and other, in
// offset order. Offsets present in only one snapshot are ignored.
func (s *Snapshot) Diff(other *Snapshot) []Mismatch {
	after := make(map[uint16]uint32, len(other.Regs))
	for _, r := range other.Regs {
		after[r.Offset] = r.Value
	}
	var out []Mismatch
	for _, r := range s.Regs {
		if v, ok := after[r.Offset]; ok && v != r.Value {
			out = append(out, Mismatch{Offset: r.Offset, Before: r.Value, After: v})
		}
	}
	return out
}
