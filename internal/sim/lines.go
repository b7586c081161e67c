package sim

import (
	"sync"

	"github.com/tinyrange/gpuctl/internal/irqctl"
)

// Sink receives interrupt edges raised by a simulated function.
type Sink interface {
	Raise(mode irqctl.Mode, vector int)
}

// lineSet tracks the interrupt output of one function and forwards rising
// edges to the sink on the mechanism currently enabled in config space.
type lineSet struct {
	mu sync.Mutex

	sink  Sink
	level bool
	mode  irqctl.Mode
	eoi   []func()
}

func newLineSet() *lineSet {
	return &lineSet{}
}

func (l *lineSet) attach(sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// onEOI registers a callback run when the function observes an
// end-of-interrupt write.
func (l *lineSet) onEOI(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi = append(l.eoi, fn)
}

func (l *lineSet) broadcastEOI() {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// setLevel updates the output level; a rising edge is delivered on mode.
func (l *lineSet) setLevel(high bool, mode irqctl.Mode) {
	l.mu.Lock()
	rising := high && !l.level
	l.level = high
	l.mode = mode
	sink := l.sink
	l.mu.Unlock()

	if rising && sink != nil && mode != irqctl.None {
		sink.Raise(mode, 0)
	}
}

// pulse re-sends the interrupt when the output is still high.
func (l *lineSet) pulse() {
	l.mu.Lock()
	high, mode, sink := l.level, l.mode, l.sink
	l.mu.Unlock()
	if high && sink != nil && mode != irqctl.None {
		sink.Raise(mode, 0)
	}
}

func (l *lineSet) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = false
	l.mode = irqctl.None
}
