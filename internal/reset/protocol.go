// Package reset sequences function-level, hot and fundamental resets of the
// GPU and the sibling functions that share its silicon.
//
// Execute quiesces, saves config space, triggers, waits for the hardware to
// settle and restores. Side effects on drivers, the bridge and the coupling
// bit are unwound on every exit path, one deferred restore per resource.
package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/gpuctl/internal/chip"
	"github.com/tinyrange/gpuctl/internal/hwlog"
	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/ral"
	"github.com/tinyrange/gpuctl/internal/rc"
)

// Policy defaults.
const (
	DefaultSettleDelay  = 200 * time.Millisecond
	DefaultReadyTimeout = 2 * time.Second
	DefaultBootTimeout  = 2 * time.Second
	DefaultPollInterval = 10 * time.Millisecond
)

// Config describes the device a Protocol resets.
type Config struct {
	Addr     pci.Address
	PCI      pci.ConfigAccessor
	Topology pci.Topology
	// Drivers may be nil when no sibling driver needs unbinding.
	Drivers DriverControl
	Regs    *ral.Access
	Caps    *chip.Capabilities

	Siblings []Sibling
	// PrimaryDisplay enables the restore delay erratum work-around.
	PrimaryDisplay bool

	SettleDelay  time.Duration
	ReadyTimeout time.Duration
	BootTimeout  time.Duration
	PollInterval time.Duration

	// Sleep replaces time.Sleep for fixed delays.
	Sleep  func(time.Duration)
	Logger *slog.Logger
}

// Protocol runs resets for one device. Execute must not overlap with
// interrupt hook or unhook on the same device.
type Protocol struct {
	cfg   Config
	log   *slog.Logger
	state State
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Protocol, error) {
	if cfg.PCI == nil || cfg.Topology == nil || cfg.Regs == nil || cfg.Caps == nil {
		return nil, fmt.Errorf("reset: %s: config space, topology, registers and capabilities are required: %w",
			cfg.Addr, rc.ErrSoftware)
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.BootTimeout == 0 {
		cfg.BootTimeout = DefaultBootTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Protocol{cfg: cfg, log: log.With("pci", cfg.Addr.String())}, nil
}

// State returns the current state; it is Idle between calls.
func (p *Protocol) State() State { return p.state }

type target struct {
	fn   Function
	addr pci.Address
	cs   pci.ConfigSpace
	size int
	snap *pci.Snapshot
}

// Execute performs req. Scoped side effects are unwound whether or not it
// succeeds.
func (p *Protocol) Execute(req Request) error {
	defer func() { p.state = Idle }()
	if err := req.Validate(); err != nil {
		return err
	}
	log := p.log.With("kind", req.Kind.String())

	// Preparing.
	p.state = Preparing
	var bridge pci.Bridge
	if req.Kind != FunctionLevel {
		b, ok, err := p.cfg.Topology.UpstreamPort(p.cfg.Addr)
		if err != nil {
			return fmt.Errorf("reset: %s: resolve upstream port: %w", p.cfg.Addr, err)
		}
		if !ok {
			return fmt.Errorf("reset: %s: %v reset needs an upstream port: %w",
				p.cfg.Addr, req.Kind, rc.ErrUnsupportedHardwareFeature)
		}
		bridge = b
	}

	targets := p.targets(req, log)
	flip, want, err := p.couplingPlan(req)
	if err != nil {
		return err
	}

	for _, t := range targets {
		if !t.fn.ownsDriver() || p.cfg.Drivers == nil {
			continue
		}
		disabled, err := p.cfg.Drivers.Disable(t.addr)
		if err != nil {
			return fmt.Errorf("reset: %s: disable %v driver on %s: %w", p.cfg.Addr, t.fn, t.addr, err)
		}
		if !disabled {
			continue
		}
		log.Info("disabled sibling driver", "function", t.fn.String(), "addr", t.addr.String())
		addr, fn := t.addr, t.fn
		defer func() {
			if err := p.cfg.Drivers.Enable(addr); err != nil {
				log.Error("failed to re-enable sibling driver", "function", fn.String(), "addr", addr.String(), "err", err)
			}
		}()
	}

	if err := p.save(req, targets); err != nil {
		return err
	}

	restored := false
	if flip {
		if err := p.setCoupling(want); err != nil {
			return err
		}
		log.Info("changed reset coupling", "coupled", want)
		defer func() {
			// A completed restore has already replayed the original value.
			if restored {
				return
			}
			if err := p.setCoupling(!want); err != nil {
				log.Error("failed to restore reset coupling", "err", err)
			}
		}()
	}

	if err := p.waitFirmware("before reset"); err != nil {
		return err
	}

	var restoreLTR func()
	if bridge != nil {
		restoreHotplug, err := p.disablePort(bridge, "hot-plug",
			bridge.DownstreamPortHotplugEnabled, bridge.SetDownstreamPortHotplugEnabled, log)
		if err != nil {
			return err
		}
		defer restoreHotplug()

		restoreLTR, err = p.disablePort(bridge, "LTR", bridge.LTREnabled, bridge.SetDownstreamPortLTR, log)
		if err != nil {
			return err
		}
		defer restoreLTR()
	}

	// Triggering.
	p.state = Triggering
	hwlog.Eventf(p.cfg.Addr.String(), "%v reset triggered", req.Kind)
	if req.Kind == FunctionLevel {
		err = p.cfg.Topology.FunctionLevelReset(p.cfg.Addr)
	} else {
		err = bridge.ResetDownstreamPort()
	}
	if err != nil {
		return fmt.Errorf("reset: %s: trigger %v reset: %w", p.cfg.Addr, req.Kind, err)
	}

	// Settling.
	p.state = Settling
	p.cfg.Sleep(p.cfg.SettleDelay)
	for _, t := range targets {
		if err := p.waitReady(t); err != nil {
			return err
		}
	}
	if restoreLTR != nil {
		restoreLTR()
	}

	// Restoring.
	p.state = Restoring
	var first rc.First
	for _, t := range targets {
		first.Add(p.restore(t, log))
	}
	if err := first.Err(); err != nil {
		return err
	}
	restored = true

	if err := p.waitFirmware("after reset"); err != nil {
		return err
	}
	p.state = Done
	log.Info("reset complete", "functions", functionsOf(targets).String())
	return nil
}

// targets returns the functions in the reset domain. Siblings only join Hot
// and Fundamental resets, and only when they respond.
func (p *Protocol) targets(req Request, log *slog.Logger) []*target {
	out := []*target{{
		fn:   GPU,
		addr: p.cfg.Addr,
		cs:   pci.Bind(p.cfg.PCI, p.cfg.Addr),
		size: p.cfg.Caps.ConfigSpaceSize,
	}}
	if req.Kind == FunctionLevel {
		if req.Functions&^GPU != 0 {
			log.Debug("function-level reset leaves siblings alone", "requested", req.Functions.String())
		}
		return out
	}
	for _, s := range p.cfg.Siblings {
		if req.Functions&s.Function == 0 {
			continue
		}
		cs := pci.Bind(p.cfg.PCI, s.Addr)
		if !pci.Present(cs) {
			log.Info("sibling not present, skipping", "function", s.Function.String(), "addr", s.Addr.String())
			continue
		}
		out = append(out, &target{fn: s.Function, addr: s.Addr, cs: cs, size: pci.ConfigSpaceSize})
	}
	return out
}

func functionsOf(targets []*target) FunctionMask {
	var m FunctionMask
	for _, t := range targets {
		m |= t.fn
	}
	return m
}

// save snapshots every target before anything is triggered.
func (p *Protocol) save(req Request, targets []*target) error {
	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			snap, err := pci.Save(t.addr, t.cs, t.size)
			if err != nil {
				return fmt.Errorf("reset: %s: %v reset: save %v config space: %w", p.cfg.Addr, req.Kind, t.fn, err)
			}
			t.snap = snap
			return nil
		})
	}
	return g.Wait()
}

// couplingPlan reports whether the coupling bit must change and to what.
func (p *Protocol) couplingPlan(req Request) (flip, want bool, err error) {
	switch {
	case req.Coupling != nil:
		want = *req.Coupling
	case req.Kind == Fundamental:
		want = true
	default:
		return false, false, nil
	}

	c := p.cfg.Caps.Coupling
	if c == nil {
		if want {
			return false, false, fmt.Errorf("reset: %s: %v reset needs coupling control: %w",
				p.cfg.Addr, req.Kind, rc.ErrUnsupportedHardwareFeature)
		}
		return false, false, nil
	}
	cur, err := p.cfg.PCI.ReadConfig(p.cfg.Addr, c.Offset, 4)
	if err != nil {
		return false, false, fmt.Errorf("reset: %s: read coupling at %#x: %w", p.cfg.Addr, c.Offset, err)
	}
	return (cur&c.Mask != 0) != want, want, nil
}

func (p *Protocol) setCoupling(on bool) error {
	c := p.cfg.Caps.Coupling
	cur, err := p.cfg.PCI.ReadConfig(p.cfg.Addr, c.Offset, 4)
	if err != nil {
		return fmt.Errorf("reset: %s: read coupling at %#x: %w", p.cfg.Addr, c.Offset, err)
	}
	if cur == 0xffff_ffff {
		return fmt.Errorf("reset: %s: function not responding, coupling at %#x left unchanged: %w",
			p.cfg.Addr, c.Offset, rc.ErrRegisterAccess)
	}
	next := cur &^ c.Mask
	if on {
		next |= c.Mask
	}
	if err := p.cfg.PCI.WriteConfig(p.cfg.Addr, c.Offset, 4, next); err != nil {
		return fmt.Errorf("reset: %s: write coupling at %#x: %w", p.cfg.Addr, c.Offset, err)
	}
	return nil
}

// disablePort turns off a bridge feature that was enabled and returns a
// function that turns it back on once. A feature the bridge cannot control is
// skipped.
func (p *Protocol) disablePort(b pci.Bridge, what string, get func() (bool, error), set func(bool) error, log *slog.Logger) (func(), error) {
	noop := func() {}
	enabled, err := get()
	if rc.Unsupported(err) {
		log.Info("bridge has no "+what+" control", "bridge", b.Address().String())
		return noop, nil
	}
	if err != nil {
		return noop, fmt.Errorf("reset: %s: read %s state of %s: %w", p.cfg.Addr, what, b.Address(), err)
	}
	if !enabled {
		return noop, nil
	}
	if err := set(false); err != nil {
		return noop, fmt.Errorf("reset: %s: disable %s on %s: %w", p.cfg.Addr, what, b.Address(), err)
	}
	pending := true
	return func() {
		if !pending {
			return
		}
		pending = false
		if err := set(true); err != nil {
			if rc.Unsupported(err) {
				log.Info(what+" re-enable unsupported", "bridge", b.Address().String())
				return
			}
			log.Warn("failed to re-enable "+what, "bridge", b.Address().String(), "err", err)
		}
	}, nil
}

var errNotReady = errors.New("not ready")

// poll retries cond at the poll interval until it holds or timeout expires.
func (p *Protocol) poll(timeout time.Duration, what string, cond func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(p.cfg.PollInterval), ctx)
	op := func() error {
		ok, err := cond()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotReady
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errNotReady) {
			return fmt.Errorf("reset: %s: %s not complete after %v: %w", p.cfg.Addr, what, timeout, rc.ErrTimeout)
		}
		return fmt.Errorf("reset: %s: %s: %w", p.cfg.Addr, what, err)
	}
	return nil
}

func (p *Protocol) waitReady(t *target) error {
	return p.poll(p.cfg.ReadyTimeout, fmt.Sprintf("%v function %s ready", t.fn, t.addr), func() (bool, error) {
		v, err := pci.Read16(t.cs, pci.VendorIDOffset)
		if err != nil {
			return false, err
		}
		return v != pci.InvalidVendorID && v != 0, nil
	})
}

// waitFirmware waits for an in-flight firmware boot to reach a safe point,
// unless the boot hold-off is engaged.
func (p *Protocol) waitFirmware(when string) error {
	b := p.cfg.Caps.Boot
	if b == nil {
		return nil
	}
	engaged, err := p.cfg.Regs.Test(b.Holdoff, b.HoldoffField, 1)
	if err != nil {
		return fmt.Errorf("reset: %s: read boot hold-off: %w", p.cfg.Addr, err)
	}
	if engaged {
		return nil
	}
	return p.poll(p.cfg.BootTimeout, "firmware boot "+when, func() (bool, error) {
		return p.cfg.Regs.Test(b.Status, b.StatusField, b.Done)
	})
}

// restore replays t's snapshot. On the GPU, alias dwords that firmware has
// already populated are left alone.
func (p *Protocol) restore(t *target, log *slog.Logger) error {
	opts := pci.RestoreOptions{Sleep: p.cfg.Sleep}
	if t.fn == GPU {
		skip := make(map[uint16]bool)
		for _, off := range p.cfg.Caps.SubsystemAliases {
			cur, err := pci.Read32(t.cs, off)
			if err != nil {
				return fmt.Errorf("reset: %s: read subsystem alias %#x: %w", p.cfg.Addr, off, err)
			}
			if cur != 0 {
				log.Debug("keeping firmware subsystem alias", "offset", fmt.Sprintf("%#x", off), "value", fmt.Sprintf("%#08x", cur))
				skip[off] = true
			}
		}
		opts.Skip = func(off uint16) bool { return skip[off] }
		if p.cfg.PrimaryDisplay {
			opts.FirstWriteDelay = p.cfg.Caps.PrimaryDisplayRestoreDelay
		}
	}
	if err := t.snap.Restore(t.cs, opts); err != nil {
		return fmt.Errorf("reset: %s: %w", p.cfg.Addr, err)
	}
	return nil
}
