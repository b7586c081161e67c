// Package irqctl hooks, unhooks and validates GPU interrupt delivery.
//
// A Controller owns the hooked mode of one device. Hook, Unhook and Validate
// are not reentrant and must be serialized by the caller; the only internal
// lock protects the hand-off between the platform's servicing thread and a
// running validation.
package irqctl

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/gpuctl/internal/chip"
	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/ral"
	"github.com/tinyrange/gpuctl/internal/rc"
)

// ErrAlreadyHooked is returned by Hook when a mode is already active.
var ErrAlreadyHooked = fmt.Errorf("interrupts already hooked: %w", rc.ErrSoftware)

// DefaultSettleDelay is the pause after writing stuck-interrupt clear values.
const DefaultSettleDelay = time.Millisecond

// Config describes the device a Controller manages.
type Config struct {
	Addr     pci.Address
	Function pci.ConfigSpace
	Regs     *ral.Access
	Platform Platform
	Caps     *chip.Capabilities

	// Dispatch is the device's general interrupt service routine, called
	// when no validation is running. It may be nil.
	Dispatch func(irq uint32) error

	// SettleDelay defaults to DefaultSettleDelay.
	SettleDelay time.Duration
	Logger      *slog.Logger
}

// Controller is the interrupt state machine of one device.
type Controller struct {
	addr     pci.Address
	fn       pci.ConfigSpace
	regs     *ral.Access
	platform Platform
	trees    []chip.Tree
	stuck    []chip.StuckEntry
	rearmReg chip.Rearm
	dispatch func(irq uint32) error
	settle   time.Duration
	log      *slog.Logger

	state     State
	mode      Mode
	irqs      []uint32
	capOffset uint16
	treeState []TreeState

	slot     handoff
	spurious rate.Sometimes
}

// New constructs a Controller in the Unhooked state.
func New(cfg Config) (*Controller, error) {
	if cfg.Regs == nil || cfg.Function == nil || cfg.Caps == nil {
		return nil, fmt.Errorf("irqctl: %s: registers, config space and capabilities are required: %w",
			cfg.Addr, rc.ErrSoftware)
	}
	if len(cfg.Caps.Trees) < 2 {
		return nil, fmt.Errorf("irqctl: %s: %d interrupt trees: %w", cfg.Addr, len(cfg.Caps.Trees), rc.ErrSoftware)
	}
	c := &Controller{
		addr:      cfg.Addr,
		fn:        cfg.Function,
		regs:      cfg.Regs,
		platform:  cfg.Platform,
		trees:     cfg.Caps.Trees,
		stuck:     cfg.Caps.StuckInterrupts,
		rearmReg:  cfg.Caps.Rearm,
		dispatch:  cfg.Dispatch,
		settle:    cfg.SettleDelay,
		log:       cfg.Logger,
		treeState: make([]TreeState, len(cfg.Caps.Trees)),
		slot:      handoff{signal: make(chan struct{}, 1)},
		spurious:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if c.settle == 0 {
		c.settle = DefaultSettleDelay
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("pci", c.addr.String())
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Mode returns the hooked mode, or None.
func (c *Controller) Mode() Mode { return c.mode }

// IRQs returns a copy of the current allocation.
func (c *Controller) IRQs() []uint32 { return append([]uint32(nil), c.irqs...) }

// Trees returns the number of interrupt trees.
func (c *Controller) Trees() int { return len(c.trees) }

// TreeState returns the last programmed state of tree i.
func (c *Controller) TreeState(i int) TreeState { return c.treeState[i] }

// Hook allocates and registers the IRQs for mode and enables delivery.
func (c *Controller) Hook(mode Mode) error {
	if c.mode != None {
		return fmt.Errorf("irqctl: %s: hook %v while %v is active: %w", c.addr, mode, c.mode, ErrAlreadyHooked)
	}
	switch mode {
	case Legacy, MSI, MSIX:
	default:
		return fmt.Errorf("irqctl: %s: invalid interrupt mode %v: %w", c.addr, mode, rc.ErrSoftware)
	}

	c.state = Hooking
	irqs, capOffset, err := c.hook(mode)
	if err != nil {
		c.state = Unhooked
		return err
	}
	c.mode, c.irqs, c.capOffset = mode, irqs, capOffset
	c.state = Hooked
	c.log.Info("hooked interrupts", "mode", mode, "irqs", irqs)
	return nil
}

func (c *Controller) hook(mode Mode) ([]uint32, uint16, error) {
	count, capOffset, err := c.vectors(mode)
	if err != nil {
		return nil, 0, err
	}
	if c.platform == nil {
		return nil, 0, fmt.Errorf("irqctl: %s: no platform IRQ service: %w", c.addr, rc.ErrCannotHookInterrupt)
	}

	irqs, err := c.platform.AllocateIRQs(c.addr, mode, count)
	if err != nil {
		return nil, 0, fmt.Errorf("irqctl: %s: allocate %d %v IRQs: %w: %w", c.addr, count, mode, rc.ErrCannotHookInterrupt, err)
	}
	cu := cleanup.Make(func() {
		if err := c.platform.FreeIRQs(c.addr, mode, irqs); err != nil {
			c.log.Warn("failed to free IRQs after hook failure", "mode", mode, "err", err)
		}
	})
	defer cu.Clean()

	if len(irqs) != count {
		return nil, 0, fmt.Errorf("irqctl: %s: platform returned %d %v IRQs, want %d: %w",
			c.addr, len(irqs), mode, count, rc.ErrCannotHookInterrupt)
	}

	isr := c.isr(mode)
	for _, irq := range irqs {
		if err := c.platform.HookInterrupt(c.addr, mode, irq, isr); err != nil {
			return nil, 0, fmt.Errorf("irqctl: %s: hook %v IRQ %d: %w: %w", c.addr, mode, irq, rc.ErrCannotHookInterrupt, err)
		}
		cu.Add(func() {
			if err := c.platform.UnhookInterrupt(c.addr, mode, irq); err != nil {
				c.log.Warn("failed to unhook IRQ after hook failure", "mode", mode, "irq", irq, "err", err)
			}
		})
	}

	if err := c.enableDelivery(mode, capOffset); err != nil {
		return nil, 0, fmt.Errorf("irqctl: %s: enable %v: %w: %w", c.addr, mode, rc.ErrCannotHookInterrupt, err)
	}
	cu.Release()
	return irqs, capOffset, nil
}

// vectors returns the number of IRQs mode needs and the offset of the
// capability that controls it.
func (c *Controller) vectors(mode Mode) (int, uint16, error) {
	switch mode {
	case Legacy:
		pin, err := pci.Read8(c.fn, pci.InterruptPinOffset)
		if err != nil {
			return 0, 0, fmt.Errorf("irqctl: %s: read interrupt pin: %w: %w", c.addr, rc.ErrCannotHookInterrupt, err)
		}
		line, err := pci.Read8(c.fn, pci.InterruptLineOffset)
		if err != nil {
			return 0, 0, fmt.Errorf("irqctl: %s: read interrupt line: %w: %w", c.addr, rc.ErrCannotHookInterrupt, err)
		}
		if pin == 0 || line == 0xff {
			return 0, 0, fmt.Errorf("irqctl: %s: no legacy interrupt line assigned (pin %d, line %#x): %w",
				c.addr, pin, line, rc.ErrCannotHookInterrupt)
		}
		return 1, 0, nil
	case MSI:
		off, ok, err := pci.FindCapability(c.fn, pci.CapIDMSI)
		if err != nil {
			return 0, 0, fmt.Errorf("irqctl: %s: find MSI capability: %w: %w", c.addr, rc.ErrCannotHookInterrupt, err)
		}
		if !ok {
			return 0, 0, fmt.Errorf("irqctl: %s: no MSI capability: %w", c.addr, rc.ErrCannotHookInterrupt)
		}
		return 1, off, nil
	case MSIX:
		off, ok, err := pci.FindCapability(c.fn, pci.CapIDMSIX)
		if err != nil {
			return 0, 0, fmt.Errorf("irqctl: %s: find MSI-X capability: %w: %w", c.addr, rc.ErrCannotHookInterrupt, err)
		}
		if !ok {
			return 0, 0, fmt.Errorf("irqctl: %s: no MSI-X capability: %w", c.addr, rc.ErrCannotHookInterrupt)
		}
		ctrl, err := pci.Read16(c.fn, off+pci.MSIXControlOffset)
		if err != nil {
			return 0, 0, fmt.Errorf("irqctl: %s: read MSI-X control: %w: %w", c.addr, rc.ErrCannotHookInterrupt, err)
		}
		return int(ctrl&pci.MSIXTableSizeMask) + 1, off, nil
	}
	return 0, 0, fmt.Errorf("irqctl: %s: invalid interrupt mode %v: %w", c.addr, mode, rc.ErrSoftware)
}

func (c *Controller) enableDelivery(mode Mode, capOffset uint16) error {
	switch mode {
	case MSI:
		_, err := pci.Update16(c.fn, capOffset+pci.MSIControlOffset, 0, pci.MSIControlEnable)
		return err
	case MSIX:
		_, err := pci.Update16(c.fn, capOffset+pci.MSIXControlOffset, pci.MSIXControlFunctionMask, pci.MSIXControlEnable)
		return err
	}
	return nil
}

func (c *Controller) disableDelivery(mode Mode, capOffset uint16) error {
	switch mode {
	case MSI:
		_, err := pci.Update16(c.fn, capOffset+pci.MSIControlOffset, pci.MSIControlEnable, 0)
		return err
	case MSIX:
		_, err := pci.Update16(c.fn, capOffset+pci.MSIXControlOffset, pci.MSIXControlEnable, 0)
		return err
	}
	return nil
}

// Unhook disables every tree, undoes the delivery enable, deregisters the
// IRQs and frees the allocation. Every step runs even when an earlier one
// fails; the first failure is returned.
func (c *Controller) Unhook() error {
	if c.mode == None {
		return nil
	}
	c.state = Unhooking
	mode, irqs := c.mode, c.irqs

	var first rc.First
	first.Add(c.DisableTrees())
	if err := c.disableDelivery(mode, c.capOffset); err != nil {
		first.Add(fmt.Errorf("irqctl: %s: disable %v: %w", c.addr, mode, err))
	}
	for i := len(irqs) - 1; i >= 0; i-- {
		if err := c.platform.UnhookInterrupt(c.addr, mode, irqs[i]); err != nil {
			first.Add(fmt.Errorf("irqctl: %s: unhook %v IRQ %d: %w", c.addr, mode, irqs[i], err))
		}
	}
	if err := c.platform.FreeIRQs(c.addr, mode, irqs); err != nil {
		first.Add(fmt.Errorf("irqctl: %s: free %v IRQs: %w", c.addr, mode, err))
	}

	c.mode, c.irqs, c.capOffset = None, nil, 0
	c.state = Unhooked
	if err := first.Err(); err != nil {
		c.log.Warn("unhook completed with errors", "mode", mode, "err", err)
		return err
	}
	c.log.Info("unhooked interrupts", "mode", mode)
	return nil
}

// SetTreeState programs the route of tree i.
func (c *Controller) SetTreeState(i int, s TreeState) error {
	if i < 0 || i >= len(c.trees) {
		return fmt.Errorf("irqctl: %s: tree %d out of range: %w", c.addr, i, rc.ErrSoftware)
	}
	var route uint32
	switch s {
	case Disabled:
		route = chip.RouteDisabled
	case HardwareRouted:
		route = chip.RouteHardware
	case SoftwareRouted:
		route = chip.RouteSoftware
	default:
		return fmt.Errorf("irqctl: %s: invalid tree state %v: %w", c.addr, s, rc.ErrSoftware)
	}
	t := c.trees[i]
	if err := c.regs.SetField(t.Route, t.RouteField, route); err != nil {
		return fmt.Errorf("irqctl: %s: route tree %d %v: %w", c.addr, i, s, err)
	}
	c.treeState[i] = s
	return nil
}

// DisableTrees routes every tree to Disabled, continuing past failures.
func (c *Controller) DisableTrees() error {
	var first rc.First
	for i := range c.trees {
		first.Add(c.SetTreeState(i, Disabled))
	}
	return first.Err()
}

// EnableTrees clears stuck interrupts and routes every tree to hardware.
func (c *Controller) EnableTrees() error {
	if err := c.ClearStuck(); err != nil {
		return err
	}
	for i := range c.trees {
		if err := c.SetTreeState(i, HardwareRouted); err != nil {
			return err
		}
	}
	return nil
}

// isr returns the routine registered with the platform for mode.
func (c *Controller) isr(mode Mode) ISR {
	return func(irq uint32) { c.service(mode, irq) }
}

func (c *Controller) service(mode Mode, irq uint32) {
	c.slot.mu.Lock()
	if c.slot.active {
		defer c.slot.mu.Unlock()
		c.serviceValidation(mode, irq)
		return
	}
	c.slot.mu.Unlock()

	if c.dispatch != nil {
		if err := c.dispatch(irq); err != nil {
			c.log.Warn("interrupt dispatch failed", "mode", mode, "irq", irq, "err", err)
		}
	}
	c.rearm(mode)
}

// serviceValidation runs with slot.mu held.
func (c *Controller) serviceValidation(mode Mode, irq uint32) {
	t := c.trees[c.slot.tree]
	pending, err := c.regs.Test(t.Status, t.SoftwarePending, 1)
	if err != nil {
		c.log.Error("read tree status in ISR", "tree", c.slot.tree, "err", err)
		return
	}
	if !pending {
		c.spurious.Do(func() {
			c.log.Info("spurious interrupt during validation", "mode", mode, "irq", irq, "tree", c.slot.tree)
		})
		return
	}
	if err := c.regs.SetField(t.Trigger, t.TriggerField, 0); err != nil {
		c.log.Error("clear software pending in ISR", "tree", c.slot.tree, "err", err)
		return
	}
	c.rearm(mode)
	c.slot.notify()
}

func (c *Controller) rearm(mode Mode) {
	if mode != MSI && mode != MSIX {
		return
	}
	if c.rearmReg.Offset == 0 {
		return
	}
	if err := c.regs.Write32(c.rearmReg.Offset, c.rearmReg.Value); err != nil {
		c.log.Error("re-arm failed", "mode", mode, "err", err)
	}
}

// IsStuck reports whether err is ErrInterruptStuckAsserted.
func IsStuck(err error) bool { return errors.Is(err, rc.ErrInterruptStuckAsserted) }
