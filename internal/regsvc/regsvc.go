// Package regsvc binds the privileged register-operation service exported
// by a vendor shim library. The shim also provides OS interrupt services, so
// a Service implements both ral.PrivilegedService and irqctl.Platform.
//
// The shim ABI is:
//
//	int32_t gpuctl_regops_execute(struct gpuctl_regop *ops, uint32_t count);
//	int32_t gpuctl_irq_allocate(uint32_t domain, uint32_t bdf, uint32_t mode, uint32_t count, uint32_t *irqs);
//	int32_t gpuctl_irq_free(uint32_t domain, uint32_t bdf, uint32_t mode, const uint32_t *irqs, uint32_t count);
//	int32_t gpuctl_irq_hook(uint32_t domain, uint32_t bdf, uint32_t mode, uint32_t irq, void (*isr)(uint32_t));
//	int32_t gpuctl_irq_unhook(uint32_t domain, uint32_t bdf, uint32_t mode, uint32_t irq);
//
// The interrupt entry points are optional.
package regsvc

import (
	"fmt"
	"sync"

	"github.com/tinyrange/gpuctl/internal/irqctl"
	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/ral"
	"github.com/tinyrange/gpuctl/internal/rc"
)

// wireOp is struct gpuctl_regop.
type wireOp struct {
	Offset uint32
	Flags  uint32
	Value  uint32
	Mask   uint32
	Status int32
}

const flagWrite = 1 << 0

// Wire interrupt modes.
const (
	wireLegacy = 1
	wireMSI    = 2
	wireMSIX   = 3
)

// maxIRQs bounds a single allocation; MSI-X tables hold at most 2048 entries.
const maxIRQs = 2048

// Service is a loaded shim.
type Service struct {
	path   string
	handle uintptr

	execute  func(ops *wireOp, count uint32) int32
	allocate func(domain, bdf, mode, count uint32, irqs *uint32) int32
	free     func(domain, bdf, mode uint32, irqs *uint32, count uint32) int32
	hook     func(domain, bdf, mode, irq uint32, isr uintptr) int32
	unhook   func(domain, bdf, mode, irq uint32) int32
	// callback returns the native ISR entry point.
	callback func() uintptr
}

// ExecuteRegOps implements ral.PrivilegedService. Per-operation status is
// copied back into ops; a non-zero return from the shim is a transport
// failure.
func (s *Service) ExecuteRegOps(ops []ral.RegOp) error {
	if len(ops) == 0 {
		return nil
	}
	wire := make([]wireOp, len(ops))
	for i, op := range ops {
		wire[i] = wireOp{Offset: op.Offset, Value: op.Value, Mask: op.Mask}
		if op.Write {
			wire[i].Flags = flagWrite
		}
	}
	if ret := s.execute(&wire[0], uint32(len(wire))); ret != 0 {
		return fmt.Errorf("regsvc: %s: execute %d ops: status %d", s.path, len(ops), ret)
	}
	for i := range ops {
		ops[i].Status = ral.Status(wire[i].Status)
		if !ops[i].Write {
			ops[i].Value = wire[i].Value
		}
	}
	return nil
}

func bdf(addr pci.Address) uint32 {
	return uint32(addr.Bus)<<8 | uint32(addr.Device&0x1f)<<3 | uint32(addr.Function&0x7)
}

func wireMode(mode irqctl.Mode) (uint32, error) {
	switch mode {
	case irqctl.Legacy:
		return wireLegacy, nil
	case irqctl.MSI:
		return wireMSI, nil
	case irqctl.MSIX:
		return wireMSIX, nil
	default:
		return 0, fmt.Errorf("regsvc: invalid interrupt mode %v: %w", mode, rc.ErrSoftware)
	}
}

func (s *Service) irqServices() error {
	if s.allocate == nil || s.free == nil || s.hook == nil || s.unhook == nil {
		return fmt.Errorf("regsvc: %s does not export interrupt services: %w", s.path, rc.ErrUnsupportedHardwareFeature)
	}
	return nil
}

// HasInterrupts reports whether the shim exports interrupt services.
func (s *Service) HasInterrupts() bool { return s.irqServices() == nil }

// AllocateIRQs implements irqctl.Platform.
func (s *Service) AllocateIRQs(addr pci.Address, mode irqctl.Mode, count int) ([]uint32, error) {
	if err := s.irqServices(); err != nil {
		return nil, err
	}
	m, err := wireMode(mode)
	if err != nil {
		return nil, err
	}
	if count <= 0 || count > maxIRQs {
		return nil, fmt.Errorf("regsvc: %s: allocate %d %v vectors: %w", addr, count, mode, rc.ErrSoftware)
	}
	irqs := make([]uint32, count)
	if ret := s.allocate(addr.Domain, bdf(addr), m, uint32(count), &irqs[0]); ret != 0 {
		return nil, fmt.Errorf("regsvc: %s: allocate %d %v vectors: status %d", addr, count, mode, ret)
	}
	return irqs, nil
}

// FreeIRQs implements irqctl.Platform.
func (s *Service) FreeIRQs(addr pci.Address, mode irqctl.Mode, irqs []uint32) error {
	if err := s.irqServices(); err != nil {
		return err
	}
	m, err := wireMode(mode)
	if err != nil {
		return err
	}
	if len(irqs) == 0 {
		return nil
	}
	if ret := s.free(addr.Domain, bdf(addr), m, &irqs[0], uint32(len(irqs))); ret != 0 {
		return fmt.Errorf("regsvc: %s: free %v vectors: status %d", addr, mode, ret)
	}
	return nil
}

// HookInterrupt implements irqctl.Platform.
func (s *Service) HookInterrupt(addr pci.Address, mode irqctl.Mode, irq uint32, isr irqctl.ISR) error {
	if err := s.irqServices(); err != nil {
		return err
	}
	m, err := wireMode(mode)
	if err != nil {
		return err
	}
	var entry uintptr
	if s.callback != nil {
		entry = s.callback()
	}
	handlers.set(irq, isr)
	if ret := s.hook(addr.Domain, bdf(addr), m, irq, entry); ret != 0 {
		handlers.remove(irq)
		return fmt.Errorf("regsvc: %s: hook %v irq %d: status %d", addr, mode, irq, ret)
	}
	return nil
}

// UnhookInterrupt implements irqctl.Platform. The handler is dropped even if
// the shim reports a failure.
func (s *Service) UnhookInterrupt(addr pci.Address, mode irqctl.Mode, irq uint32) error {
	if err := s.irqServices(); err != nil {
		return err
	}
	m, err := wireMode(mode)
	if err != nil {
		return err
	}
	defer handlers.remove(irq)
	if ret := s.unhook(addr.Domain, bdf(addr), m, irq); ret != 0 {
		return fmt.Errorf("regsvc: %s: unhook %v irq %d: status %d", addr, mode, irq, ret)
	}
	return nil
}

// handlerTable routes the shared native callback to the hooked ISR.
type handlerTable struct {
	mu  sync.RWMutex
	isr map[uint32]irqctl.ISR
}

var handlers = handlerTable{isr: make(map[uint32]irqctl.ISR)}

func (h *handlerTable) set(irq uint32, isr irqctl.ISR) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isr[irq] = isr
}

func (h *handlerTable) remove(irq uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.isr, irq)
}

func (h *handlerTable) dispatch(irq uint32) {
	h.mu.RLock()
	isr := h.isr[irq]
	h.mu.RUnlock()
	if isr != nil {
		isr(irq)
	}
}

var (
	_ ral.PrivilegedService = (*Service)(nil)
	_ irqctl.Platform       = (*Service)(nil)
)
