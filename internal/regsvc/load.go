//go:build darwin || linux

package regsvc

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

var (
	trampolineOnce sync.Once
	trampoline     uintptr
)

// isrTrampoline returns the native callback handed to the shim. Callbacks
// cannot be released, so one is shared by every hooked IRQ.
func isrTrampoline() uintptr {
	trampolineOnce.Do(func() {
		trampoline = purego.NewCallback(func(irq uintptr) uintptr {
			handlers.dispatch(uint32(irq))
			return 0
		})
	})
	return trampoline
}

// Open loads the shim at path.
func Open(path string) (*Service, error) {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("regsvc: load %s: %w", path, err)
	}
	s := &Service{path: path, handle: lib, callback: isrTrampoline}

	if _, err := purego.Dlsym(lib, "gpuctl_regops_execute"); err != nil {
		purego.Dlclose(lib)
		return nil, fmt.Errorf("regsvc: %s: %w", path, err)
	}
	purego.RegisterLibFunc(&s.execute, lib, "gpuctl_regops_execute")

	optional := []struct {
		fn   any
		name string
	}{
		{&s.allocate, "gpuctl_irq_allocate"},
		{&s.free, "gpuctl_irq_free"},
		{&s.hook, "gpuctl_irq_hook"},
		{&s.unhook, "gpuctl_irq_unhook"},
	}
	for _, o := range optional {
		if _, err := purego.Dlsym(lib, o.name); err != nil {
			continue
		}
		purego.RegisterLibFunc(o.fn, lib, o.name)
	}
	return s, nil
}

// Close unloads the shim. Interrupts must already be unhooked.
func (s *Service) Close() error {
	if s.handle == 0 {
		return nil
	}
	err := purego.Dlclose(s.handle)
	s.handle = 0
	if err != nil {
		return fmt.Errorf("regsvc: unload %s: %w", s.path, err)
	}
	return nil
}
