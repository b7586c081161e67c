package ral

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Attr is a set of per-address access predicates.
type Attr uint8

const (
	// PowerGated registers may sit in a power island that direct loads
	// cannot reach safely.
	PowerGated Attr = 1 << iota
	// PrivProtected registers are guarded by a hardware privilege level and
	// must never be written directly once the device is initialized.
	PrivProtected
	// DecodeTrapped registers raise a decode trap on direct access.
	DecodeTrapped
)

func (a Attr) String() string {
	var names []string
	if a&PowerGated != 0 {
		names = append(names, "power-gated")
	}
	if a&PrivProtected != 0 {
		names = append(names, "priv-protected")
	}
	if a&DecodeTrapped != 0 {
		names = append(names, "decode-trapped")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Rule applies attributes and write exclusions to the offsets [Start, End].
type Rule struct {
	Start uint32
	End   uint32
	Attrs Attr
	// ExcludeBits are cleared from the write mask of every offset in the
	// range. All ones makes the range unwritable.
	ExcludeBits uint32
}

func (r Rule) contains(offset uint32) bool {
	return offset >= r.Start && offset <= r.End
}

// Map resolves per-offset metadata. Write masks are computed on first use
// and cached. The zero value describes a fully writable, unprotected space.
type Map struct {
	rules []Rule

	mu    sync.Mutex
	masks map[uint32]uint32
}

// NewMap builds a Map from rules.
func NewMap(rules []Rule) (*Map, error) {
	for _, r := range rules {
		if r.End < r.Start {
			return nil, fmt.Errorf("ral: rule %#x-%#x has end before start", r.Start, r.End)
		}
	}
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	return &Map{rules: sorted}, nil
}

// WriteMask returns the effective write-enable mask for offset.
func (m *Map) WriteMask(offset uint32) uint32 {
	if m == nil {
		return 0xffff_ffff
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mask, ok := m.masks[offset]; ok {
		return mask
	}
	mask := uint32(0xffff_ffff)
	for _, r := range m.rules {
		if r.Start > offset {
			break
		}
		if r.contains(offset) {
			mask &^= r.ExcludeBits
		}
	}
	if m.masks == nil {
		m.masks = make(map[uint32]uint32)
	}
	m.masks[offset] = mask
	return mask
}

// Attrs returns the union of attributes of every rule covering offset.
func (m *Map) Attrs(offset uint32) Attr {
	if m == nil {
		return 0
	}
	var a Attr
	for _, r := range m.rules {
		if r.Start > offset {
			break
		}
		if r.contains(offset) {
			a |= r.Attrs
		}
	}
	return a
}

// IsPowerGated reports whether offset lies in a power-gated range.
func (m *Map) IsPowerGated(offset uint32) bool { return m.Attrs(offset)&PowerGated != 0 }

// IsPrivProtected reports whether writes to offset need the privileged
// service once the device is initialized.
func (m *Map) IsPrivProtected(offset uint32) bool { return m.Attrs(offset)&PrivProtected != 0 }

// IsDecodeTrapped reports whether offset lies in a range that traps on
// decode.
func (m *Map) IsDecodeTrapped(offset uint32) bool { return m.Attrs(offset)&DecodeTrapped != 0 }
