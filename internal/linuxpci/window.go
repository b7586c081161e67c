//go:build linux

package linuxpci

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/gpuctl/internal/pci"
)

// Window is a memory BAR mapped from its sysfs resource file. It implements
// ral.Window.
type Window struct {
	mem []byte
}

// MapBAR maps BAR n of addr.
func (s *Sysfs) MapBAR(addr pci.Address, n int) (*Window, error) {
	path := filepath.Join(s.DevicePath(addr), fmt.Sprintf("resource%d", n))
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("linuxpci: %s: open BAR%d: %w", addr, n, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("linuxpci: %s: stat BAR%d: %w", addr, n, err)
	}
	size := info.Size()
	if size == 0 || size > int64(^uint(0)>>1) {
		return nil, fmt.Errorf("linuxpci: %s: BAR%d has unusable size %d", addr, n, size)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("linuxpci: %s: map BAR%d: %w", addr, n, err)
	}
	return &Window{mem: mem}, nil
}

// Size returns the mapped length in bytes.
func (w *Window) Size() int { return len(w.mem) }

func (w *Window) word(offset uint32) *uint32 {
	if offset%4 != 0 || uint64(offset)+4 > uint64(len(w.mem)) {
		return nil
	}
	return (*uint32)(unsafe.Pointer(&w.mem[offset]))
}

// Read32 performs a single 32-bit load. Offsets outside the window read as
// all ones.
func (w *Window) Read32(offset uint32) uint32 {
	p := w.word(offset)
	if p == nil {
		return 0xffff_ffff
	}
	return atomic.LoadUint32(p)
}

// Write32 performs a single 32-bit store. Offsets outside the window are
// dropped.
func (w *Window) Write32(offset uint32, value uint32) {
	if p := w.word(offset); p != nil {
		atomic.StoreUint32(p, value)
	}
}

// Close unmaps the window.
func (w *Window) Close() error {
	if w.mem == nil {
		return nil
	}
	err := unix.Munmap(w.mem)
	w.mem = nil
	return err
}
