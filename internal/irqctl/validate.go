package irqctl

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/tinyrange/gpuctl/internal/rc"
)

// Validation defaults.
const (
	DefaultIterations = 10
	DefaultTimeout    = time.Second
)

// Policy controls a validation run.
type Policy struct {
	// Timeout bounds the wait for each interrupt; defaults to DefaultTimeout.
	Timeout time.Duration
	// Iterations per mode; defaults to DefaultIterations.
	Iterations int
	// Progress is called after every iteration when set.
	Progress func(mode Mode, iteration int, ok bool)
}

func (p Policy) normalize() Policy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.Iterations <= 0 {
		p.Iterations = DefaultIterations
	}
	return p
}

// Result is the outcome of validating one mode.
type Result struct {
	Mode Mode
	// Iterations actually run; zero when the mode could not be hooked.
	Iterations int
	Successes  int
	// Faults counts iterations whose software pending bit did not clear.
	Faults int
	Err    error
}

// handoff is the single pending-validation slot shared with the servicing
// thread.
type handoff struct {
	mu     sync.Mutex
	active bool
	tree   int
	signal chan struct{}
}

func (h *handoff) arm(tree int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = true
	h.tree = tree
	select {
	case <-h.signal:
	default:
	}
}

func (h *handoff) disarm() {
	h.mu.Lock()
	h.active = false
	h.mu.Unlock()
}

// notify must be called with mu held.
func (h *handoff) notify() {
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

func (h *handoff) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.signal:
		return true
	case <-timer.C:
		return false
	}
}

// Validate checks every mode in modes by hooking it and raising software
// interrupts through each tree in turn. Failures are aggregated: every
// requested mode runs and the first failure is returned alongside the
// per-mode results. A stuck interrupt stops the run.
func (c *Controller) Validate(modes ModeMask, policy Policy) ([]Result, error) {
	if c.mode != None {
		return nil, fmt.Errorf("irqctl: %s: validate while %v is hooked: %w", c.addr, c.mode, ErrAlreadyHooked)
	}
	policy = policy.normalize()

	var (
		first   rc.First
		results []Result
	)
	for _, mode := range modes.List() {
		res := c.validateMode(mode, policy)
		results = append(results, res)
		first.Add(res.Err)
		if res.Err != nil {
			c.log.Warn("interrupt validation failed", "mode", mode, "successes", res.Successes,
				"iterations", res.Iterations, "err", res.Err)
		} else {
			c.log.Info("interrupt validation passed", "mode", mode, "iterations", res.Iterations)
		}
		if IsStuck(res.Err) {
			break
		}
	}
	return results, first.Err()
}

func (c *Controller) validateMode(mode Mode, policy Policy) Result {
	res := Result{Mode: mode}
	if err := c.Hook(mode); err != nil {
		res.Err = err
		return res
	}
	c.state = Validating
	res.Err = c.runIterations(mode, policy, &res)
	if err := c.Unhook(); err != nil && res.Err == nil {
		res.Err = err
	}
	return res
}

func (c *Controller) runIterations(mode Mode, policy Policy, res *Result) error {
	if err := c.DisableTrees(); err != nil {
		return err
	}
	if err := c.ClearStuck(); err != nil {
		return err
	}

	var first rc.First
	for i := 0; i < policy.Iterations; i++ {
		tree := i % len(c.trees)
		ok, fault, err := c.iterate(tree, policy.Timeout)
		res.Iterations++
		if ok {
			res.Successes++
		}
		if err != nil {
			first.Add(err)
		} else if fault {
			res.Faults++
			first.Add(fmt.Errorf("irqctl: %s: %v iteration %d: tree %d software pending bit did not clear: %w",
				c.addr, mode, i, tree, rc.ErrCannotAssertInterrupt))
		}
		if policy.Progress != nil {
			policy.Progress(mode, i, ok && !fault && err == nil)
		}
	}
	if res.Successes != policy.Iterations {
		return fmt.Errorf("irqctl: %s: %v: %d of %d interrupts observed within %v: %w",
			c.addr, mode, res.Successes, policy.Iterations, policy.Timeout, rc.ErrCannotAssertInterrupt)
	}
	return first.Err()
}

// iterate raises one software interrupt through tree and reports whether the
// ISR observed it and whether the pending bit was left set.
func (c *Controller) iterate(tree int, timeout time.Duration) (ok, fault bool, err error) {
	t := c.trees[tree]
	c.slot.arm(tree)
	defer c.slot.disarm()

	if err := c.SetTreeState(tree, SoftwareRouted); err != nil {
		return false, false, err
	}
	if err := c.regs.SetField(t.Trigger, t.TriggerField, 1); err != nil {
		return false, false, fmt.Errorf("irqctl: %s: assert tree %d: %w", c.addr, tree, err)
	}
	ok = c.slot.wait(timeout)

	var first rc.First
	if err := c.regs.SetField(t.Trigger, t.TriggerField, 0); err != nil {
		first.Add(fmt.Errorf("irqctl: %s: de-assert tree %d: %w", c.addr, tree, err))
	}
	first.Add(c.SetTreeState(tree, Disabled))
	pending, err := c.regs.Test(t.Status, t.SoftwarePending, 1)
	if err != nil {
		first.Add(fmt.Errorf("irqctl: %s: re-check tree %d: %w", c.addr, tree, err))
	}
	return ok, pending, first.Err()
}

// ClearStuck clears every asserted entry of the stuck-interrupt map and then
// requires every tree to be idle. A tree that stays asserted is reported as
// ErrInterruptStuckAsserted and is not retried.
func (c *Controller) ClearStuck() error {
	cleared := 0
	for _, e := range c.stuck {
		status, err := c.regs.Read32(e.Status)
		if err != nil {
			return fmt.Errorf("irqctl: %s: read %s status: %w", c.addr, e.Name, err)
		}
		if status&e.Bit == 0 {
			continue
		}
		c.log.Info("clearing stuck interrupt", "unit", e.Name,
			"status", fmt.Sprintf("%#08x", e.Status), "bit", fmt.Sprintf("%#x", e.Bit))
		if err := c.regs.Write32(e.Enable, e.ClearValue); err != nil {
			return fmt.Errorf("irqctl: %s: clear %s: %w", c.addr, e.Name, err)
		}
		cleared++
	}
	if cleared > 0 {
		runtime.Gosched()
		time.Sleep(c.settle)
	}

	for i, t := range c.trees {
		status, err := c.regs.Read32(t.Status)
		if err != nil {
			return fmt.Errorf("irqctl: %s: read tree %d status: %w", c.addr, i, err)
		}
		if status&t.PendingMask != 0 {
			return fmt.Errorf("irqctl: %s: tree %d still pending (status %#08x, %d entries cleared): %w",
				c.addr, i, status, cleared, rc.ErrInterruptStuckAsserted)
		}
	}
	return nil
}
