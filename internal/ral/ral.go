// Package ral is the register access layer: the single chokepoint through
// which every hardware register of the GPU function is read or written.
//
// Each access takes one of two paths. The direct path loads or stores the
// memory-mapped register window. The privileged path issues a structured
// register operation to the privileged driver service, which is required for
// protected, power-gated and decode-trapped registers once the device is
// initialized.
package ral

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/gpuctl/internal/hwlog"
	"github.com/tinyrange/gpuctl/internal/rc"
)

// Window is a mapped register window.
type Window interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// Status is the per-operation result reported by the privileged service.
type Status int32

const (
	StatusSuccess Status = iota
	StatusGenericError
	StatusInvalidOffset
	StatusDenied
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusGenericError:
		return "generic error"
	case StatusInvalidOffset:
		return "invalid offset"
	case StatusDenied:
		return "denied"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// RegOp is one operation of a privileged register-operation request. Value
// holds the read result on return; Status is set by the service.
type RegOp struct {
	Offset uint32
	Write  bool
	Value  uint32
	Mask   uint32
	Status Status
}

// PrivilegedService executes register operations on behalf of the caller.
// The returned error reports transport failures; per-operation failures are
// reported through RegOp.Status.
type PrivilegedService interface {
	ExecuteRegOps(ops []RegOp) error
}

// Path is the route taken by a register access.
type Path int

const (
	PathDirect Path = iota
	PathPrivileged
)

func (p Path) String() string {
	if p == PathPrivileged {
		return "privileged"
	}
	return "direct"
}

// Config describes the access paths available to an Access.
type Config struct {
	// Window is the direct path. It may be nil when the BAR is not mapped.
	Window Window
	// Service is the privileged path. It may be nil.
	Service PrivilegedService
	// Map supplies write masks and protection predicates. Nil means every
	// register is fully writable and unprotected.
	Map *Map
	// Initialized reports whether the device finished initialization. Nil
	// means never initialized.
	Initialized func() bool
	// RoutePrivileged sends every access through the privileged service
	// once the device is initialized.
	RoutePrivileged bool
	// RemapGenericError reports a generic driver failure as
	// rc.ErrNotInitialized.
	RemapGenericError bool
	// Name tags trace records; it defaults to "ral".
	Name   string
	Logger *slog.Logger
}

// Access implements register reads and writes over the configured paths.
type Access struct {
	window  Window
	service PrivilegedService
	m       *Map

	initialized     func() bool
	routePrivileged bool
	remapGeneric    bool

	name string
	log  *slog.Logger
}

// New constructs an Access.
func New(cfg Config) *Access {
	a := &Access{
		window:          cfg.Window,
		service:         cfg.Service,
		m:               cfg.Map,
		initialized:     cfg.Initialized,
		routePrivileged: cfg.RoutePrivileged,
		remapGeneric:    cfg.RemapGenericError,
		name:            cfg.Name,
		log:             cfg.Logger,
	}
	if a.initialized == nil {
		a.initialized = func() bool { return false }
	}
	if a.name == "" {
		a.name = "ral"
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a
}

// Map returns the protection map in use.
func (a *Access) Map() *Map { return a.m }

// Route resolves the path an access to offset would take.
func (a *Access) Route(offset uint32, write bool) (Path, error) {
	hasDirect := a.window != nil
	hasPriv := a.service != nil
	if !hasDirect && !hasPriv {
		return 0, fmt.Errorf("ral: no access path for %#08x (window not mapped, no privileged service): %w",
			offset, rc.ErrRegisterAccess)
	}

	initialized := a.initialized()
	attrs := a.m.Attrs(offset)

	if initialized && write && attrs&PrivProtected != 0 {
		if !hasPriv {
			return 0, fmt.Errorf("ral: privilege-protected write to %#08x needs the privileged service: %w",
				offset, rc.ErrRegisterAccess)
		}
		return PathPrivileged, nil
	}

	wantPriv := initialized && (attrs != 0 || a.routePrivileged)
	switch {
	case wantPriv && hasPriv:
		return PathPrivileged, nil
	case hasDirect:
		return PathDirect, nil
	default:
		return PathPrivileged, nil
	}
}

// Read32 reads the register at offset.
func (a *Access) Read32(offset uint32) (uint32, error) {
	path, err := a.Route(offset, false)
	if err != nil {
		a.log.Error("register read failed", "offset", fmt.Sprintf("%#08x", offset), "err", err)
		return 0, err
	}

	var value uint32
	if path == PathDirect {
		value = a.window.Read32(offset)
	} else {
		ops := []RegOp{{Offset: offset, Mask: 0xffff_ffff}}
		if err := a.execute(ops); err != nil {
			a.log.Error("register read failed", "offset", fmt.Sprintf("%#08x", offset), "path", path, "err", err)
			return 0, err
		}
		value = ops[0].Value
	}
	hwlog.RegRead(a.name, offset, value)
	return value, nil
}

// ReadBatch reads several registers. Offsets routed to the privileged path
// are issued as a single request.
func (a *Access) ReadBatch(offsets []uint32) ([]uint32, error) {
	out := make([]uint32, len(offsets))
	var (
		ops   []RegOp
		index []int
	)
	for i, off := range offsets {
		path, err := a.Route(off, false)
		if err != nil {
			return nil, err
		}
		if path == PathDirect {
			out[i] = a.window.Read32(off)
			hwlog.RegRead(a.name, off, out[i])
			continue
		}
		ops = append(ops, RegOp{Offset: off, Mask: 0xffff_ffff})
		index = append(index, i)
	}
	if len(ops) == 0 {
		return out, nil
	}
	if err := a.execute(ops); err != nil {
		return nil, err
	}
	for j, op := range ops {
		out[index[j]] = op.Value
		hwlog.RegRead(a.name, op.Offset, op.Value)
	}
	return out, nil
}

// Write32 writes value to the register at offset, honouring its write mask.
// A register with an empty mask is never touched; a partial mask preserves
// the masked-out bits of the current value.
func (a *Access) Write32(offset uint32, value uint32) error {
	mask := a.m.WriteMask(offset)
	if mask == 0 {
		a.log.Debug("dropping write to unwritable register",
			"offset", fmt.Sprintf("%#08x", offset), "value", fmt.Sprintf("%#08x", value))
		return nil
	}

	path, err := a.Route(offset, true)
	if err != nil {
		a.log.Error("register write failed", "offset", fmt.Sprintf("%#08x", offset), "err", err)
		return err
	}

	if mask != 0xffff_ffff {
		cur, err := a.Read32(offset)
		if err != nil {
			return fmt.Errorf("ral: merge read for %#08x: %w", offset, err)
		}
		value = (value & mask) | (cur &^ mask)
	}

	if path == PathDirect {
		a.window.Write32(offset, value)
	} else {
		ops := []RegOp{{Offset: offset, Write: true, Value: value, Mask: 0xffff_ffff}}
		if err := a.execute(ops); err != nil {
			a.log.Error("register write failed", "offset", fmt.Sprintf("%#08x", offset), "path", path, "err", err)
			return err
		}
	}
	hwlog.RegWrite(a.name, offset, value, mask)
	return nil
}

// Test reports whether field f of the register at offset equals value.
func (a *Access) Test(offset uint32, f Field, value uint32) (bool, error) {
	reg, err := a.Read32(offset)
	if err != nil {
		return false, err
	}
	return f.Get(reg) == value, nil
}

// SetField replaces field f of the register at offset with value.
func (a *Access) SetField(offset uint32, f Field, value uint32) error {
	reg, err := a.Read32(offset)
	if err != nil {
		return err
	}
	return a.Write32(offset, f.Set(reg, value))
}

func (a *Access) execute(ops []RegOp) error {
	if err := a.service.ExecuteRegOps(ops); err != nil {
		return fmt.Errorf("ral: privileged register operation: %w: %w", rc.ErrRegisterAccess, err)
	}
	for _, op := range ops {
		if op.Status == StatusSuccess {
			continue
		}
		dir := "read"
		if op.Write {
			dir = "write"
		}
		if op.Status == StatusGenericError && a.remapGeneric {
			return fmt.Errorf("ral: privileged %s of %#08x: driver status %v: %w: %w",
				dir, op.Offset, op.Status, rc.ErrRegisterAccess, rc.ErrNotInitialized)
		}
		return fmt.Errorf("ral: privileged %s of %#08x: driver status %v: %w",
			dir, op.Offset, op.Status, rc.ErrRegisterAccess)
	}
	return nil
}
