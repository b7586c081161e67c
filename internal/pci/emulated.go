package pci

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// WriteHook observes a config write after it has been applied.
type WriteHook func(offset uint16, size uint8, value uint32)

// Emulated is an in-memory PCI function. Bytes are writable unless marked
// read-only; Reset restores the power-on image captured by Seal.
type Emulated struct {
	mu sync.Mutex

	size     int
	data     [ExtendedConfigSpaceSize]byte
	readOnly [ExtendedConfigSpaceSize]byte // per-bit read-only mask
	powerOn  [ExtendedConfigSpaceSize]byte

	present bool
	lastCap uint16
	hooks   []WriteHook
}

// NewEmulated builds a function with the supplied IDs and class code. size
// is ConfigSpaceSize or ExtendedConfigSpaceSize.
func NewEmulated(vendor, device uint16, class uint32, size int) *Emulated {
	if size != ExtendedConfigSpaceSize {
		size = ConfigSpaceSize
	}
	e := &Emulated{size: size, present: true}
	binary.LittleEndian.PutUint16(e.data[VendorIDOffset:], vendor)
	binary.LittleEndian.PutUint16(e.data[DeviceIDOffset:], device)
	binary.LittleEndian.PutUint32(e.data[ClassCodeOffset:], class<<8)

	// IDs, status, revision/class, header type, subsystem IDs, capability
	// pointer and interrupt pin are read-only from the host.
	for _, r := range [][2]int{{0x00, 4}, {0x06, 6}, {0x0e, 1}, {0x2c, 4}, {0x34, 1}, {0x3d, 1}} {
		for i := r[0]; i < r[0]+r[1]; i++ {
			e.readOnly[i] = 0xff
		}
	}
	e.powerOn = e.data
	return e
}

// Set stores value bypassing the read-only mask. It models a value the
// hardware or firmware produced.
func (e *Emulated) Set(offset uint16, size uint8, value uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := uint8(0); i < size; i++ {
		e.data[int(offset)+int(i)] = byte(value >> (8 * i))
	}
}

// SetReadOnly marks the bits in mask read-only for the register at offset.
func (e *Emulated) SetReadOnly(offset uint16, size uint8, mask uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := uint8(0); i < size; i++ {
		e.readOnly[int(offset)+int(i)] |= byte(mask >> (8 * i))
	}
}

// AddCapability appends a capability at offset with the supplied body (the
// bytes following the ID and next pointer). ID and next bytes are read-only.
func (e *Emulated) AddCapability(offset uint16, id uint8, body []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[offset] = id
	e.data[offset+1] = 0
	copy(e.data[offset+2:], body)
	e.readOnly[offset] = 0xff
	e.readOnly[offset+1] = 0xff

	if e.lastCap == 0 {
		e.data[CapabilityPointerOffset] = byte(offset)
	} else {
		e.data[e.lastCap+1] = byte(offset)
	}
	e.lastCap = offset
	e.data[StatusOffset] |= StatusCapabilities
}

// OnWrite registers a hook run after every host write.
func (e *Emulated) OnWrite(hook WriteHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

// Seal records the current contents as the power-on image restored by Reset.
func (e *Emulated) Seal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.powerOn = e.data
}

// Reset restores the power-on image.
func (e *Emulated) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = e.powerOn
}

// SetPresent controls whether the function answers configuration cycles.
// An absent function reads all ones and drops writes.
func (e *Emulated) SetPresent(present bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.present = present
}

// ReadConfig implements ConfigSpace.
func (e *Emulated) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := validAccess(offset, size, e.size); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.present {
		return maskValue(0xffff_ffff, size), nil
	}
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(e.data[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements ConfigSpace.
func (e *Emulated) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := validAccess(offset, size, e.size); err != nil {
		return err
	}
	e.mu.Lock()
	if !e.present {
		e.mu.Unlock()
		return nil
	}
	for i := uint8(0); i < size; i++ {
		idx := int(offset) + int(i)
		ro := e.readOnly[idx]
		e.data[idx] = (e.data[idx] & ro) | (byte(value>>(8*i)) &^ ro)
	}
	hooks := append([]WriteHook(nil), e.hooks...)
	e.mu.Unlock()

	for _, hook := range hooks {
		hook(offset, size, value)
	}
	return nil
}

// Bus is a ConfigAccessor over a set of emulated functions. Unpopulated
// addresses read all ones, as on real hardware.
type Bus struct {
	mu        sync.Mutex
	functions map[Address]ConfigSpace
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{functions: make(map[Address]ConfigSpace)}
}

// Register populates addr with cs.
func (b *Bus) Register(addr Address, cs ConfigSpace) error {
	if cs == nil {
		return fmt.Errorf("pci: function %s cannot be nil", addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.functions[addr]; exists {
		return fmt.Errorf("pci: function already registered at %s", addr)
	}
	b.functions[addr] = cs
	return nil
}

// Function returns the function registered at addr, or nil.
func (b *Bus) Function(addr Address) ConfigSpace {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.functions[addr]
}

// ReadConfig implements ConfigAccessor.
func (b *Bus) ReadConfig(addr Address, offset uint16, size uint8) (uint32, error) {
	cs := b.Function(addr)
	if cs == nil {
		return maskValue(0xffff_ffff, size), nil
	}
	return cs.ReadConfig(offset, size)
}

// WriteConfig implements ConfigAccessor.
func (b *Bus) WriteConfig(addr Address, offset uint16, size uint8, value uint32) error {
	cs := b.Function(addr)
	if cs == nil {
		return nil
	}
	return cs.WriteConfig(offset, size, value)
}

var (
	_ ConfigSpace    = (*Emulated)(nil)
	_ ConfigAccessor = (*Bus)(nil)
)
