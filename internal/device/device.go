// Package device ties register access, interrupt control and reset
// sequencing together for one GPU PCI function.
package device

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/gpuctl/internal/chip"
	"github.com/tinyrange/gpuctl/internal/irqctl"
	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/ral"
	"github.com/tinyrange/gpuctl/internal/rc"
	"github.com/tinyrange/gpuctl/internal/reset"
)

// ResetPolicy holds the reset timing knobs. Zero values select the reset
// package defaults.
type ResetPolicy struct {
	SettleDelay  time.Duration
	ReadyTimeout time.Duration
	BootTimeout  time.Duration
	PollInterval time.Duration
}

// Config describes how to reach a device.
type Config struct {
	Addr pci.Address
	PCI  pci.ConfigAccessor

	// Window and Service are the direct and privileged register paths. At
	// least one must be set.
	Window  ral.Window
	Service ral.PrivilegedService
	Map     *ral.Map

	RoutePrivileged   bool
	RemapGenericError bool

	Platform irqctl.Platform
	Topology pci.Topology
	Drivers  reset.DriverControl

	// Caps overrides the registry lookup by device ID.
	Caps *chip.Capabilities

	PrimaryDisplay bool
	// Dispatch receives interrupts outside validation.
	Dispatch func(irq uint32) error
	// InterruptSettle is the delay after clearing stuck interrupts.
	InterruptSettle time.Duration
	Reset           ResetPolicy

	Logger *slog.Logger
}

// Device is one GPU function. Its methods are safe for concurrent use; the
// interrupt and reset operations are serialized.
type Device struct {
	addr     pci.Address
	cs       pci.ConfigSpace
	caps     *chip.Capabilities
	siblings []reset.Sibling

	regs  *ral.Access
	irq   *irqctl.Controller
	reset *reset.Protocol

	initialized atomic.Bool

	mu  sync.Mutex
	log *slog.Logger
}

// Open probes the function at cfg.Addr and builds its components.
func Open(cfg Config) (*Device, error) {
	if cfg.PCI == nil {
		return nil, fmt.Errorf("device: %s: no config space accessor: %w", cfg.Addr, rc.ErrSoftware)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	cs := pci.Bind(cfg.PCI, cfg.Addr)
	if !pci.Present(cs) {
		return nil, fmt.Errorf("device: %s: function not present", cfg.Addr)
	}

	caps := cfg.Caps
	if caps == nil {
		id, err := pci.Read16(cs, pci.DeviceIDOffset)
		if err != nil {
			return nil, fmt.Errorf("device: %s: read device ID: %w", cfg.Addr, err)
		}
		caps, err = chip.Lookup(chip.ID(id))
		if err != nil {
			return nil, fmt.Errorf("device: %s: %w", cfg.Addr, err)
		}
	} else if err := caps.Validate(); err != nil {
		return nil, fmt.Errorf("device: %s: %w", cfg.Addr, err)
	}

	d := &Device{
		addr: cfg.Addr,
		cs:   cs,
		caps: caps,
		log:  log.With("pci", cfg.Addr.String()),
	}
	d.siblings = probeSiblings(cfg.PCI, cfg.Addr, d.log)

	d.regs = ral.New(ral.Config{
		Window:            cfg.Window,
		Service:           cfg.Service,
		Map:               cfg.Map,
		Initialized:       d.initialized.Load,
		RoutePrivileged:   cfg.RoutePrivileged,
		RemapGenericError: cfg.RemapGenericError,
		Name:              cfg.Addr.String(),
		Logger:            log,
	})

	var err error
	d.irq, err = irqctl.New(irqctl.Config{
		Addr:        cfg.Addr,
		Function:    cs,
		Regs:        d.regs,
		Platform:    cfg.Platform,
		Caps:        caps,
		Dispatch:    cfg.Dispatch,
		SettleDelay: cfg.InterruptSettle,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	d.reset, err = reset.New(reset.Config{
		Addr:           cfg.Addr,
		PCI:            cfg.PCI,
		Topology:       cfg.Topology,
		Drivers:        cfg.Drivers,
		Regs:           d.regs,
		Caps:           caps,
		Siblings:       d.siblings,
		PrimaryDisplay: cfg.PrimaryDisplay,
		SettleDelay:    cfg.Reset.SettleDelay,
		ReadyTimeout:   cfg.Reset.ReadyTimeout,
		BootTimeout:    cfg.Reset.BootTimeout,
		PollInterval:   cfg.Reset.PollInterval,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Sibling class codes, matched on base class and subclass.
const (
	classAudio      = 0x0403
	classUSB        = 0x0c03
	classPortPolicy = 0x0c80
)

// probeSiblings finds the functions on the GPU's device number that share
// its reset domain.
func probeSiblings(acc pci.ConfigAccessor, addr pci.Address, log *slog.Logger) []reset.Sibling {
	var out []reset.Sibling
	for fn := uint8(0); fn < 8; fn++ {
		if fn == addr.Function {
			continue
		}
		sa := addr.WithFunction(fn)
		cs := pci.Bind(acc, sa)
		if !pci.Present(cs) {
			continue
		}
		class, err := pci.ClassCode(cs)
		if err != nil {
			log.Warn("failed to read sibling class code", "addr", sa.String(), "err", err)
			continue
		}
		var f reset.Function
		switch class >> 8 {
		case classAudio:
			f = reset.Audio
		case classUSB:
			f = reset.USB
		case classPortPolicy:
			f = reset.PortPolicy
		default:
			continue
		}
		log.Debug("found sibling function", "function", f.String(), "addr", sa.String())
		out = append(out, reset.Sibling{Function: f, Addr: sa})
	}
	return out
}

func (d *Device) Addr() pci.Address { return d.addr }
func (d *Device) Caps() *chip.Capabilities { return d.caps }
func (d *Device) Config() pci.ConfigSpace { return d.cs }
func (d *Device) Registers() *ral.Access { return d.regs }
func (d *Device) Interrupts() *irqctl.Controller { return d.irq }

// Siblings returns the sibling functions found at Open.
func (d *Device) Siblings() []reset.Sibling { return append([]reset.Sibling(nil), d.siblings...) }

// SetInitialized records whether the device finished initialization, which
// changes how protected registers are routed.
func (d *Device) SetInitialized(v bool) { d.initialized.Store(v) }

func (d *Device) Initialized() bool { return d.initialized.Load() }

// HookInterrupts hooks mode.
func (d *Device) HookInterrupts(mode irqctl.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.irq.Hook(mode)
}

// UnhookInterrupts releases the hooked mode, if any.
func (d *Device) UnhookInterrupts() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unhook()
}

func (d *Device) unhook() error {
	if d.irq.Mode() == irqctl.None {
		return nil
	}
	return d.irq.Unhook()
}

// ValidateInterrupts validates modes. A hooked mode is released first and
// hooked again afterwards.
func (d *Device) ValidateInterrupts(modes irqctl.ModeMask, policy irqctl.Policy) ([]irqctl.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.irq.Mode()
	if err := d.unhook(); err != nil {
		return nil, fmt.Errorf("device: %s: release %v before validation: %w", d.addr, prev, err)
	}
	results, err := d.irq.Validate(modes, policy)

	var first rc.First
	first.Add(err)
	if prev != irqctl.None {
		if herr := d.irq.Hook(prev); herr != nil {
			first.Add(fmt.Errorf("device: %s: re-hook %v after validation: %w", d.addr, prev, herr))
		}
	}
	return results, first.Err()
}

// Reset executes req. Interrupts are released for the duration and stuck
// interrupt sources are cleared first; a source that stays asserted fails the
// reset before anything is triggered. The previous mode is hooked again when
// the reset succeeds.
func (d *Device) Reset(req reset.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.irq.Mode()
	if err := d.unhook(); err != nil {
		return fmt.Errorf("device: %s: release %v before reset: %w", d.addr, prev, err)
	}
	if err := d.irq.ClearStuck(); err != nil {
		return fmt.Errorf("device: %s: prepare %v reset: %w", d.addr, req.Kind, err)
	}
	if err := d.reset.Execute(req); err != nil {
		return err
	}
	if prev == irqctl.None {
		return nil
	}
	if err := d.irq.Hook(prev); err != nil {
		return fmt.Errorf("device: %s: re-hook %v after reset: %w", d.addr, prev, err)
	}
	return nil
}

// Close releases interrupts.
func (d *Device) Close() error {
	return d.UnhookInterrupts()
}
