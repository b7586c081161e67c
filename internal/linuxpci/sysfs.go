//go:build linux

// Package linuxpci reaches PCI functions through Linux sysfs: config space
// reads and writes, BAR mapping, function-level reset, upstream bridges and
// driver binding.
package linuxpci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/gpuctl/internal/hwlog"
	"github.com/tinyrange/gpuctl/internal/pci"
)

// DefaultRoot is the sysfs PCI bus directory.
const DefaultRoot = "/sys/bus/pci"

// Sysfs implements pci.ConfigAccessor and pci.Topology over a sysfs tree.
type Sysfs struct {
	root string

	mu     sync.Mutex
	config map[pci.Address]*os.File
}

// New returns a Sysfs rooted at root, or DefaultRoot when root is empty.
func New(root string) *Sysfs {
	if root == "" {
		root = DefaultRoot
	}
	return &Sysfs{root: root, config: make(map[pci.Address]*os.File)}
}

// DevicePath returns the sysfs directory of addr.
func (s *Sysfs) DevicePath(addr pci.Address) string {
	return filepath.Join(s.root, "devices", addr.String())
}

func (s *Sysfs) configFile(addr pci.Address) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.config[addr]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(s.DevicePath(addr), "config"), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	s.config[addr] = f
	return f, nil
}

// ReadConfig implements pci.ConfigAccessor. An absent function reads as all
// ones, as it would on the bus.
func (s *Sysfs) ReadConfig(addr pci.Address, offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("linuxpci: %s: invalid config read size %d", addr, size)
	}
	f, err := s.configFile(addr)
	if errors.Is(err, os.ErrNotExist) {
		return uint32(1)<<(8*uint32(size)) - 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("linuxpci: %s: open config: %w", addr, err)
	}
	var buf [4]byte
	n, err := unix.Pread(int(f.Fd()), buf[:size], int64(offset))
	if err != nil {
		return 0, fmt.Errorf("linuxpci: %s: read config %#x: %w", addr, offset, err)
	}
	if n != int(size) {
		return 0, fmt.Errorf("linuxpci: %s: short config read at %#x (%d of %d bytes)", addr, offset, n, size)
	}
	v := binary.LittleEndian.Uint32(buf[:])
	hwlog.ConfigRead(addr.String(), offset, size, v)
	return v, nil
}

// WriteConfig implements pci.ConfigAccessor.
func (s *Sysfs) WriteConfig(addr pci.Address, offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("linuxpci: %s: invalid config write size %d", addr, size)
	}
	f, err := s.configFile(addr)
	if err != nil {
		return fmt.Errorf("linuxpci: %s: open config: %w", addr, err)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	n, err := unix.Pwrite(int(f.Fd()), buf[:size], int64(offset))
	if err != nil {
		return fmt.Errorf("linuxpci: %s: write config %#x: %w", addr, offset, err)
	}
	if n != int(size) {
		return fmt.Errorf("linuxpci: %s: short config write at %#x", addr, offset)
	}
	hwlog.ConfigWrite(addr.String(), offset, size, value)
	return nil
}

// UpstreamPort implements pci.Topology. The parent of the function's sysfs
// directory is its upstream port, unless it is a host bridge.
func (s *Sysfs) UpstreamPort(addr pci.Address) (pci.Bridge, bool, error) {
	dev, err := filepath.EvalSymlinks(s.DevicePath(addr))
	if err != nil {
		return nil, false, fmt.Errorf("linuxpci: %s: resolve device path: %w", addr, err)
	}
	parent, err := pci.ParseAddress(filepath.Base(filepath.Dir(dev)))
	if err != nil {
		// The parent is a root complex such as pci0000:00.
		return nil, false, nil
	}
	b, err := NewBridge(parent, pci.Bind(s, parent))
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// FunctionLevelReset implements pci.Topology through the kernel's reset
// attribute.
func (s *Sysfs) FunctionLevelReset(addr pci.Address) error {
	if err := writeAttr(filepath.Join(s.DevicePath(addr), "reset"), "1"); err != nil {
		return fmt.Errorf("linuxpci: %s: function-level reset: %w", addr, err)
	}
	return nil
}

// Close releases the open config files.
func (s *Sysfs) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for addr, f := range s.config {
		errs = append(errs, f.Close())
		delete(s.config, addr)
	}
	return errors.Join(errs...)
}

func writeAttr(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(value); err != nil {
		return err
	}
	return nil
}

// Drivers implements reset.DriverControl through driver bind and unbind
// attributes.
type Drivers struct {
	s *Sysfs

	mu    sync.Mutex
	bound map[pci.Address]string
}

// Drivers returns a driver controller for the same tree.
func (s *Sysfs) Drivers() *Drivers {
	return &Drivers{s: s, bound: make(map[pci.Address]string)}
}

// Disable unbinds the driver of addr and remembers it for Enable.
func (d *Drivers) Disable(addr pci.Address) (bool, error) {
	link, err := os.Readlink(filepath.Join(d.s.DevicePath(addr), "driver"))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("linuxpci: %s: read driver link: %w", addr, err)
	}
	name := filepath.Base(link)
	if err := writeAttr(filepath.Join(d.s.root, "drivers", name, "unbind"), addr.String()); err != nil {
		return false, fmt.Errorf("linuxpci: %s: unbind %s: %w", addr, name, err)
	}
	d.mu.Lock()
	d.bound[addr] = name
	d.mu.Unlock()
	return true, nil
}

// Enable rebinds the driver Disable removed, or asks the kernel to probe
// addr when none was recorded.
func (d *Drivers) Enable(addr pci.Address) error {
	d.mu.Lock()
	name, ok := d.bound[addr]
	delete(d.bound, addr)
	d.mu.Unlock()

	path := filepath.Join(d.s.root, "drivers_probe")
	if ok {
		path = filepath.Join(d.s.root, "drivers", name, "bind")
	}
	if err := writeAttr(path, addr.String()); err != nil {
		return fmt.Errorf("linuxpci: %s: bind %s: %w", addr, name, err)
	}
	return nil
}
