// Package config loads the harness configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/gpuctl/internal/chip"
	"github.com/tinyrange/gpuctl/internal/device"
	"github.com/tinyrange/gpuctl/internal/irqctl"
	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/ral"
	"github.com/tinyrange/gpuctl/internal/reset"
)

const (
	DefaultFilename = "gpuctl.yaml"

	BackendLinux = "linux"
	BackendSim   = "sim"
)

// File is the on-disk configuration.
type File struct {
	Version int `yaml:"version"`

	Device     DeviceConfig     `yaml:"device"`
	Interrupts InterruptConfig  `yaml:"interrupts"`
	Reset      ResetConfig      `yaml:"reset"`
	Protection []ProtectionRule `yaml:"protection,omitempty"`
	Trace      TraceConfig      `yaml:"trace,omitempty"`
}

type DeviceConfig struct {
	Address string `yaml:"address"`
	// Backend is "linux" or "sim".
	Backend string `yaml:"backend"`
	// Chip overrides the capability lookup by device ID.
	Chip uint32 `yaml:"chip,omitempty"`
	// Shim is the privileged register-operation library. Empty disables the
	// privileged path.
	Shim string `yaml:"shim,omitempty"`

	PrimaryDisplay    bool `yaml:"primaryDisplay,omitempty"`
	RoutePrivileged   bool `yaml:"routePrivileged,omitempty"`
	RemapGenericError bool `yaml:"remapGenericError,omitempty"`
	Initialized       bool `yaml:"initialized,omitempty"`
}

type InterruptConfig struct {
	Modes       []string      `yaml:"modes,omitempty"`
	Iterations  int           `yaml:"iterations,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	SettleDelay time.Duration `yaml:"settleDelay,omitempty"`
}

type ResetConfig struct {
	Kind      string   `yaml:"kind,omitempty"`
	Functions []string `yaml:"functions,omitempty"`
	// Coupling forces the coupling bit; unset keeps the per-kind default.
	Coupling *bool `yaml:"coupling,omitempty"`

	SettleDelay  time.Duration `yaml:"settleDelay,omitempty"`
	ReadyTimeout time.Duration `yaml:"readyTimeout,omitempty"`
	BootTimeout  time.Duration `yaml:"bootTimeout,omitempty"`
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`
}

// ProtectionRule mirrors ral.Rule with named attributes.
type ProtectionRule struct {
	Start       uint32   `yaml:"start"`
	End         uint32   `yaml:"end,omitempty"`
	Attrs       []string `yaml:"attrs,omitempty"`
	ExcludeBits uint32   `yaml:"excludeBits,omitempty"`
}

type TraceConfig struct {
	Path string `yaml:"path,omitempty"`
}

func (f *File) normalize() {
	if f.Version == 0 {
		f.Version = 1
	}
	if f.Device.Backend == "" {
		f.Device.Backend = BackendLinux
	}
	if len(f.Interrupts.Modes) == 0 {
		f.Interrupts.Modes = []string{"all"}
	}
	if f.Interrupts.Iterations == 0 {
		f.Interrupts.Iterations = irqctl.DefaultIterations
	}
	if f.Interrupts.Timeout == 0 {
		f.Interrupts.Timeout = irqctl.DefaultTimeout
	}
	if f.Interrupts.SettleDelay == 0 {
		f.Interrupts.SettleDelay = irqctl.DefaultSettleDelay
	}
	if f.Reset.Kind == "" {
		f.Reset.Kind = "hot"
	}
	if f.Reset.SettleDelay == 0 {
		f.Reset.SettleDelay = reset.DefaultSettleDelay
	}
	if f.Reset.ReadyTimeout == 0 {
		f.Reset.ReadyTimeout = reset.DefaultReadyTimeout
	}
	if f.Reset.BootTimeout == 0 {
		f.Reset.BootTimeout = reset.DefaultBootTimeout
	}
	if f.Reset.PollInterval == 0 {
		f.Reset.PollInterval = reset.DefaultPollInterval
	}
	for i := range f.Protection {
		if f.Protection[i].End == 0 {
			f.Protection[i].End = f.Protection[i].Start
		}
	}
}

// validate checks the fields that the accessors below would otherwise fail
// on, so that a bad file is reported at load time.
func (f *File) validate() error {
	if f.Version != 1 {
		return fmt.Errorf("unsupported version %d", f.Version)
	}
	switch f.Device.Backend {
	case BackendLinux, BackendSim:
	default:
		return fmt.Errorf("device: unknown backend %q", f.Device.Backend)
	}
	if f.Device.Address != "" {
		if _, err := pci.ParseAddress(f.Device.Address); err != nil {
			return fmt.Errorf("device: %w", err)
		}
	}
	if _, err := f.Modes(); err != nil {
		return fmt.Errorf("interrupts: %w", err)
	}
	if f.Interrupts.Iterations < 0 {
		return fmt.Errorf("interrupts: negative iteration count %d", f.Interrupts.Iterations)
	}
	if _, err := f.ResetRequest(); err != nil {
		return err
	}
	if _, err := f.ProtectionMap(); err != nil {
		return fmt.Errorf("protection: %w", err)
	}
	return nil
}

// Parse decodes and normalizes data.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	f.normalize()
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &f, nil
}

// Load reads and parses filename.
func Load(filename string) (*File, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return f, nil
}

// Default returns the configuration used when no file is given.
func Default() *File {
	var f File
	f.normalize()
	return &f
}

// Address returns the configured device address. An empty address selects
// fallback.
func (f *File) Address(fallback pci.Address) (pci.Address, error) {
	if f.Device.Address == "" {
		return fallback, nil
	}
	return pci.ParseAddress(f.Device.Address)
}

// Caps returns the capability override, or nil to look up by device ID.
func (f *File) Caps() (*chip.Capabilities, error) {
	if f.Device.Chip == 0 {
		return nil, nil
	}
	return chip.Lookup(chip.ID(f.Device.Chip))
}

// Modes returns the interrupt modes to validate.
func (f *File) Modes() (irqctl.ModeMask, error) {
	return irqctl.ParseModes(strings.Join(f.Interrupts.Modes, ","))
}

// Policy returns the interrupt validation policy.
func (f *File) Policy() irqctl.Policy {
	return irqctl.Policy{Timeout: f.Interrupts.Timeout, Iterations: f.Interrupts.Iterations}
}

// ResetPolicy returns the reset timing knobs.
func (f *File) ResetPolicy() device.ResetPolicy {
	return device.ResetPolicy{
		SettleDelay:  f.Reset.SettleDelay,
		ReadyTimeout: f.Reset.ReadyTimeout,
		BootTimeout:  f.Reset.BootTimeout,
		PollInterval: f.Reset.PollInterval,
	}
}

// ResetRequest returns the default reset request.
func (f *File) ResetRequest() (reset.Request, error) {
	kind, err := reset.ParseKind(f.Reset.Kind)
	if err != nil {
		return reset.Request{}, err
	}
	fns, err := reset.ParseFunctions(f.Reset.Functions)
	if err != nil {
		return reset.Request{}, err
	}
	req := reset.Request{Kind: kind, Functions: fns, Coupling: f.Reset.Coupling}
	if err := req.Validate(); err != nil {
		return reset.Request{}, err
	}
	return req, nil
}

// ProtectionMap builds the register protection map, or nil when no rules
// are configured.
func (f *File) ProtectionMap() (*ral.Map, error) {
	if len(f.Protection) == 0 {
		return nil, nil
	}
	rules := make([]ral.Rule, 0, len(f.Protection))
	for _, p := range f.Protection {
		var attrs ral.Attr
		for _, name := range p.Attrs {
			a, err := parseAttr(name)
			if err != nil {
				return nil, fmt.Errorf("rule %#x: %w", p.Start, err)
			}
			attrs |= a
		}
		rules = append(rules, ral.Rule{Start: p.Start, End: p.End, Attrs: attrs, ExcludeBits: p.ExcludeBits})
	}
	return ral.NewMap(rules)
}

func parseAttr(name string) (ral.Attr, error) {
	switch strings.ToLower(name) {
	case "power-gated", "powergated":
		return ral.PowerGated, nil
	case "priv-protected", "privprotected":
		return ral.PrivProtected, nil
	case "decode-trapped", "decodetrapped":
		return ral.DecodeTrapped, nil
	default:
		return 0, fmt.Errorf("unknown attribute %q", name)
	}
}

// Apply fills in the policy fields of a device configuration. Transport
// fields are left to the caller.
func (f *File) Apply(cfg *device.Config) error {
	m, err := f.ProtectionMap()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	caps, err := f.Caps()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg.Map = m
	if caps != nil {
		cfg.Caps = caps
	}
	cfg.PrimaryDisplay = f.Device.PrimaryDisplay
	cfg.RoutePrivileged = f.Device.RoutePrivileged
	cfg.RemapGenericError = f.Device.RemapGenericError
	cfg.InterruptSettle = f.Interrupts.SettleDelay
	cfg.Reset = f.ResetPolicy()
	return nil
}
