package ral

import "fmt"

// Field is the inclusive bit range [Lo, Hi] of a 32-bit register.
type Field struct {
	Hi, Lo uint8
}

// Bit returns the single-bit field at n.
func Bit(n uint8) Field { return Field{Hi: n, Lo: n} }

// Valid reports whether the field is a non-inverted range inside 32 bits.
func (f Field) Valid() bool { return f.Lo <= f.Hi && f.Hi < 32 }

// Mask returns the in-place mask of the field.
func (f Field) Mask() uint32 {
	width := uint32(f.Hi-f.Lo) + 1
	if width >= 32 {
		return 0xffff_ffff
	}
	return ((uint32(1) << width) - 1) << f.Lo
}

// Get extracts the field from reg.
func (f Field) Get(reg uint32) uint32 {
	return (reg & f.Mask()) >> f.Lo
}

// Set returns reg with the field replaced by value.
func (f Field) Set(reg, value uint32) uint32 {
	return (reg &^ f.Mask()) | ((value << f.Lo) & f.Mask())
}

func (f Field) String() string {
	if f.Hi == f.Lo {
		return fmt.Sprintf("%d", f.Lo)
	}
	return fmt.Sprintf("%d:%d", f.Hi, f.Lo)
}
