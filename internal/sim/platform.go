package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/gpuctl/internal/irqctl"
	"github.com/tinyrange/gpuctl/internal/pci"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("sim: injected failure")

type allocKey struct {
	addr pci.Address
	mode irqctl.Mode
}

// Platform implements irqctl.Platform. Interrupts raised by simulated
// functions are delivered to the hooked routines on a dedicated servicing
// goroutine.
type Platform struct {
	mu     sync.Mutex
	config pci.ConfigAccessor
	next   uint32
	alloc  map[allocKey][]uint32
	hooks  map[uint32]irqctl.ISR

	failAllocate bool
	failHookAt   int // 1-based HookInterrupt call to fail; 0 disables
	hookCalls    int
	failUnhook   bool

	delivered int
	dropped   int

	queue chan uint32
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewPlatform starts a platform. Legacy allocations return the interrupt
// line programmed in config, read through config.
func NewPlatform(config pci.ConfigAccessor) *Platform {
	p := &Platform{
		config: config,
		next:   32,
		alloc:  make(map[allocKey][]uint32),
		hooks:  make(map[uint32]irqctl.ISR),
		queue:  make(chan uint32, 64),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.serve()
	return p
}

// Close stops the servicing goroutine.
func (p *Platform) Close() error {
	close(p.done)
	p.wg.Wait()
	return nil
}

func (p *Platform) serve() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case irq := <-p.queue:
			p.mu.Lock()
			isr := p.hooks[irq]
			if isr != nil {
				p.delivered++
			} else {
				p.dropped++
			}
			p.mu.Unlock()
			if isr != nil {
				isr(irq)
			}
		}
	}
}

// FailAllocate makes AllocateIRQs fail.
func (p *Platform) FailAllocate(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAllocate = fail
}

// FailHookAt makes the n-th following HookInterrupt call fail.
func (p *Platform) FailHookAt(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failHookAt = n
	p.hookCalls = 0
}

// FailUnhook makes UnhookInterrupt fail after deregistering.
func (p *Platform) FailUnhook(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failUnhook = fail
}

// Outstanding returns the number of allocated IRQs and registered routines.
func (p *Platform) Outstanding() (allocated, hooked int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, irqs := range p.alloc {
		allocated += len(irqs)
	}
	return allocated, len(p.hooks)
}

// Delivered returns the number of interrupts dispatched to a routine and the
// number dropped because nothing was hooked.
func (p *Platform) Delivered() (delivered, dropped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delivered, p.dropped
}

// AllocateIRQs implements irqctl.Platform.
func (p *Platform) AllocateIRQs(addr pci.Address, mode irqctl.Mode, count int) ([]uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAllocate {
		return nil, fmt.Errorf("allocate %v IRQs for %s: %w", mode, addr, ErrInjected)
	}
	key := allocKey{addr, mode}
	if _, exists := p.alloc[key]; exists {
		return nil, fmt.Errorf("%v IRQs already allocated for %s", mode, addr)
	}
	if count <= 0 {
		return nil, fmt.Errorf("invalid IRQ count %d", count)
	}

	var irqs []uint32
	switch mode {
	case irqctl.Legacy:
		if count != 1 {
			return nil, fmt.Errorf("legacy allocation of %d IRQs", count)
		}
		line, err := p.config.ReadConfig(addr, pci.InterruptLineOffset, 1)
		if err != nil {
			return nil, err
		}
		if line == 0xff {
			return nil, fmt.Errorf("no legacy line assigned to %s", addr)
		}
		irqs = []uint32{line}
	case irqctl.MSI, irqctl.MSIX:
		for i := 0; i < count; i++ {
			irqs = append(irqs, p.next)
			p.next++
		}
	default:
		return nil, fmt.Errorf("invalid mode %v", mode)
	}
	p.alloc[key] = irqs
	return append([]uint32(nil), irqs...), nil
}

// FreeIRQs implements irqctl.Platform.
func (p *Platform) FreeIRQs(addr pci.Address, mode irqctl.Mode, irqs []uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := allocKey{addr, mode}
	if _, ok := p.alloc[key]; !ok {
		return fmt.Errorf("no %v IRQs allocated for %s", mode, addr)
	}
	delete(p.alloc, key)
	return nil
}

// HookInterrupt implements irqctl.Platform.
func (p *Platform) HookInterrupt(addr pci.Address, mode irqctl.Mode, irq uint32, isr irqctl.ISR) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hookCalls++
	if p.failHookAt != 0 && p.hookCalls == p.failHookAt {
		return fmt.Errorf("hook IRQ %d: %w", irq, ErrInjected)
	}
	if _, exists := p.hooks[irq]; exists {
		return fmt.Errorf("IRQ %d already hooked", irq)
	}
	p.hooks[irq] = isr
	return nil
}

// UnhookInterrupt implements irqctl.Platform.
func (p *Platform) UnhookInterrupt(addr pci.Address, mode irqctl.Mode, irq uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.hooks[irq]; !ok {
		return fmt.Errorf("IRQ %d not hooked", irq)
	}
	delete(p.hooks, irq)
	if p.failUnhook {
		return fmt.Errorf("unhook IRQ %d: %w", irq, ErrInjected)
	}
	return nil
}

// Raise queues vector of the mode allocated to addr for delivery.
func (p *Platform) Raise(addr pci.Address, mode irqctl.Mode, vector int) {
	p.mu.Lock()
	irqs := p.alloc[allocKey{addr, mode}]
	if vector >= len(irqs) {
		p.dropped++
		p.mu.Unlock()
		return
	}
	irq := irqs[vector]
	p.mu.Unlock()

	select {
	case p.queue <- irq:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

// Sink returns the interrupt sink for the function at addr.
func (p *Platform) Sink(addr pci.Address) Sink {
	return platformSink{p: p, addr: addr}
}

type platformSink struct {
	p    *Platform
	addr pci.Address
}

func (s platformSink) Raise(mode irqctl.Mode, vector int) { s.p.Raise(s.addr, mode, vector) }

var _ irqctl.Platform = (*Platform)(nil)
