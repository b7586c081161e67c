// Package sim is a simulated GPU backend: a register file reachable through
// both access paths, a reference-chip interrupt model, platform IRQ services,
// an upstream bridge and OS driver control.
package sim

import (
	"sync"

	"github.com/tinyrange/gpuctl/internal/ral"
)

// ReadHook computes the value returned for a register read from the stored
// value.
type ReadHook func(stored uint32) uint32

// WriteHook runs after a register write has been stored, outside the register
// file lock.
type WriteHook func(offset, old, value uint32)

// Registers is a sparse register file. It implements ral.Window for the
// direct path and ral.PrivilegedService for the privileged path.
type Registers struct {
	mu    sync.Mutex
	regs  map[uint32]uint32
	reads map[uint32]ReadHook
	hooks []WriteHook

	counts Counts

	privStatus ral.Status
	privErr    error
}

// Counts tallies register traffic by path.
type Counts struct {
	DirectReads     int
	DirectWrites    int
	PrivilegedCalls int
	PrivilegedOps   int
}

// Total is the number of accesses of any kind.
func (c Counts) Total() int {
	return c.DirectReads + c.DirectWrites + c.PrivilegedCalls
}

// NewRegisters returns an empty register file.
func NewRegisters() *Registers {
	return &Registers{
		regs:  make(map[uint32]uint32),
		reads: make(map[uint32]ReadHook),
	}
}

// Peek returns the stored value without counting or running hooks.
func (r *Registers) Peek(offset uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[offset]
}

// Poke stores a hardware-produced value without counting or running hooks.
func (r *Registers) Poke(offset, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[offset] = value
}

// Clear drops every stored value.
func (r *Registers) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.regs)
}

// OnRead installs a read hook for offset.
func (r *Registers) OnRead(offset uint32, hook ReadHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads[offset] = hook
}

// OnWrite registers a hook run after every write on either path.
func (r *Registers) OnWrite(hook WriteHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Counts returns the access counters.
func (r *Registers) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// ResetCounts zeroes the access counters.
func (r *Registers) ResetCounts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = Counts{}
}

// FailPrivileged makes every following privileged operation report status.
// StatusSuccess restores normal behaviour.
func (r *Registers) FailPrivileged(status ral.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.privStatus = status
}

// FailTransport makes ExecuteRegOps return err. Nil clears the failure.
func (r *Registers) FailTransport(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.privErr = err
}

func (r *Registers) load(offset uint32) uint32 {
	v := r.regs[offset]
	if hook := r.reads[offset]; hook != nil {
		v = hook(v)
	}
	return v
}

// store must be called with mu held; the returned hooks run after unlock.
func (r *Registers) store(offset, value uint32) (uint32, []WriteHook) {
	old := r.regs[offset]
	r.regs[offset] = value
	return old, r.hooks
}

// Read32 implements ral.Window.
func (r *Registers) Read32(offset uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.DirectReads++
	return r.load(offset)
}

// Write32 implements ral.Window.
func (r *Registers) Write32(offset uint32, value uint32) {
	r.mu.Lock()
	r.counts.DirectWrites++
	old, hooks := r.store(offset, value)
	r.mu.Unlock()
	for _, hook := range hooks {
		hook(offset, old, value)
	}
}

type pendingWrite struct {
	offset, old, value uint32
}

// ExecuteRegOps implements ral.PrivilegedService.
func (r *Registers) ExecuteRegOps(ops []ral.RegOp) error {
	r.mu.Lock()
	r.counts.PrivilegedCalls++
	if r.privErr != nil {
		err := r.privErr
		r.mu.Unlock()
		return err
	}
	var (
		writes []pendingWrite
		hooks  []WriteHook
	)
	for i := range ops {
		op := &ops[i]
		r.counts.PrivilegedOps++
		op.Status = r.privStatus
		if op.Status != ral.StatusSuccess {
			continue
		}
		cur := r.load(op.Offset)
		if !op.Write {
			op.Value = cur & op.Mask
			continue
		}
		value := (cur &^ op.Mask) | (op.Value & op.Mask)
		var old uint32
		old, hooks = r.store(op.Offset, value)
		writes = append(writes, pendingWrite{op.Offset, old, value})
	}
	r.mu.Unlock()

	for _, w := range writes {
		for _, hook := range hooks {
			hook(w.offset, w.old, w.value)
		}
	}
	return nil
}

var (
	_ ral.Window            = (*Registers)(nil)
	_ ral.PrivilegedService = (*Registers)(nil)
)
