package reset

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/gpuctl/internal/chip"
	"github.com/tinyrange/gpuctl/internal/pci"
	"github.com/tinyrange/gpuctl/internal/ral"
	"github.com/tinyrange/gpuctl/internal/rc"
	"github.com/tinyrange/gpuctl/internal/sim"
)

var (
	audioAddr = sim.DefaultGPUAddress.WithFunction(1)
	usbAddr   = sim.DefaultGPUAddress.WithFunction(2)
	ppcAddr   = sim.DefaultGPUAddress.WithFunction(3)
)

var allSiblings = []sim.SiblingSpec{
	{Function: 1, Class: sim.ClassAudio},
	{Function: 2, Class: sim.ClassUSB, Driver: true},
	{Function: 3, Class: sim.ClassPortPolicy, Driver: true},
}

// sleeper records fixed delays instead of sleeping.
type sleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeper) sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
}

// countingPCI counts config accesses.
type countingPCI struct {
	pci.ConfigAccessor
	mu       sync.Mutex
	accesses int
}

func (c *countingPCI) ReadConfig(addr pci.Address, offset uint16, size uint8) (uint32, error) {
	c.mu.Lock()
	c.accesses++
	c.mu.Unlock()
	return c.ConfigAccessor.ReadConfig(addr, offset, size)
}

func (c *countingPCI) WriteConfig(addr pci.Address, offset uint16, size uint8, value uint32) error {
	c.mu.Lock()
	c.accesses++
	c.mu.Unlock()
	return c.ConfigAccessor.WriteConfig(addr, offset, size, value)
}

type fixture struct {
	p     *Protocol
	m     *sim.Machine
	sleep *sleeper
	pci   *countingPCI
}

func newFixture(t *testing.T, opts sim.Options, mod func(*Config)) *fixture {
	t.Helper()
	m, err := sim.New(opts)
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	f := &fixture{m: m, sleep: &sleeper{}, pci: &countingPCI{ConfigAccessor: m.Bus}}
	cfg := Config{
		Addr:     sim.DefaultGPUAddress,
		PCI:      f.pci,
		Topology: m.Topology,
		Drivers:  m.Drivers,
		Regs:     ral.New(ral.Config{Window: m.GPU.Regs}),
		Caps:     m.GPU.Caps(),
		Siblings: []Sibling{
			{Function: Audio, Addr: audioAddr},
			{Function: USB, Addr: usbAddr},
			{Function: PortPolicy, Addr: ppcAddr},
		},
		PollInterval: time.Millisecond,
		ReadyTimeout: 5 * time.Second,
		BootTimeout:  5 * time.Second,
		Sleep:        f.sleep.sleep,
	}
	if mod != nil {
		mod(&cfg)
	}
	f.p, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) snapshot(t *testing.T, addr pci.Address) *pci.Snapshot {
	t.Helper()
	s, err := pci.Save(addr, pci.Bind(f.m.Bus, addr), pci.ConfigSpaceSize)
	if err != nil {
		t.Fatalf("Save(%s): %v", addr, err)
	}
	return s
}

func hotplugAndLTR(t *testing.T, b *sim.Bridge) (bool, bool) {
	t.Helper()
	hp, err := b.DownstreamPortHotplugEnabled()
	if err != nil {
		t.Fatalf("DownstreamPortHotplugEnabled: %v", err)
	}
	ltr, err := b.LTREnabled()
	if err != nil {
		t.Fatalf("LTREnabled: %v", err)
	}
	return hp, ltr
}

func TestHotResetRoundTrip(t *testing.T) {
	f := newFixture(t, sim.Options{
		GPU:      sim.GPUOptions{SubsystemAlias: 0x1111_10de, ReadyAfter: 3, BootPolls: 2},
		Bridge:   sim.BridgeOptions{Hotplug: true, LTR: true},
		Siblings: allSiblings,
	}, nil)

	addrs := []pci.Address{sim.DefaultGPUAddress, audioAddr, usbAddr, ppcAddr}
	var before []*pci.Snapshot
	for _, addr := range addrs {
		before = append(before, f.snapshot(t, addr))
	}

	if err := f.p.Execute(Request{Kind: Hot, Functions: AllFunctions}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.p.State() != Idle {
		t.Fatalf("state = %v after Execute", f.p.State())
	}

	for i, addr := range addrs {
		after := f.snapshot(t, addr)
		if diff := cmp.Diff(before[i].Regs, after.Regs); diff != "" {
			t.Errorf("%s config space changed across reset (-before +after):\n%s", addr, diff)
		}
	}
	if f.m.GPU.Resets() != 1 || f.m.Bridge.Resets() != 1 {
		t.Fatalf("gpu resets = %d, bridge resets = %d", f.m.GPU.Resets(), f.m.Bridge.Resets())
	}
	if hp, ltr := f.m.Bridge.StateAtReset(); hp || ltr {
		t.Fatalf("hot-plug = %v, LTR = %v during reset, want both disabled", hp, ltr)
	}
	if hp, ltr := hotplugAndLTR(t, f.m.Bridge); !hp || !ltr {
		t.Fatalf("hot-plug = %v, LTR = %v after reset, want both enabled", hp, ltr)
	}
	if disables, enables := f.m.Drivers.Calls(); disables != 2 || enables != 2 {
		t.Fatalf("driver disables = %d, enables = %d, want 2 and 2", disables, enables)
	}
	if !f.m.Drivers.Bound(usbAddr) || !f.m.Drivers.Bound(ppcAddr) {
		t.Fatalf("sibling drivers not rebound")
	}
	if diff := cmp.Diff([]time.Duration{DefaultSettleDelay}, f.sleep.delays); diff != "" {
		t.Fatalf("delays (-want +got):\n%s", diff)
	}
}

func TestFirmwarePopulatedAliasIsKept(t *testing.T) {
	f := newFixture(t, sim.Options{
		GPU: sim.GPUOptions{SubsystemAlias: 0x1111, FirmwareAlias: 0x2222},
	}, nil)
	before := f.snapshot(t, sim.DefaultGPUAddress)

	if err := f.p.Execute(Request{Kind: Hot}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := before.Diff(f.snapshot(t, sim.DefaultGPUAddress))
	want := []pci.Mismatch{{Offset: chip.ReferenceAliasDword, Before: 0x1111, After: 0x2222}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatches (-want +got):\n%s", diff)
	}
}

func TestHotResetWithoutBridge(t *testing.T) {
	f := newFixture(t, sim.Options{NoBridge: true, Siblings: allSiblings}, nil)

	for _, kind := range []Kind{Hot, Fundamental} {
		err := f.p.Execute(Request{Kind: kind, Functions: AllFunctions})
		if !errors.Is(err, rc.ErrUnsupportedHardwareFeature) {
			t.Fatalf("%v err = %v, want ErrUnsupportedHardwareFeature", kind, err)
		}
	}
	if f.pci.accesses != 0 {
		t.Fatalf("%d config accesses before failing, want none", f.pci.accesses)
	}
	if disables, _ := f.m.Drivers.Calls(); disables != 0 {
		t.Fatalf("drivers disabled before failing")
	}
	if f.m.GPU.Resets() != 0 {
		t.Fatalf("GPU was reset")
	}
}

func TestTriggerFailureRestoresScopedState(t *testing.T) {
	f := newFixture(t, sim.Options{
		Bridge:   sim.BridgeOptions{Hotplug: true, LTR: true},
		Siblings: allSiblings,
	}, nil)
	f.m.Bridge.FailReset(sim.ErrInjected)

	err := f.p.Execute(Request{Kind: Fundamental, Functions: AllFunctions})
	if !errors.Is(err, sim.ErrInjected) {
		t.Fatalf("Execute err = %v, want injected bridge failure", err)
	}
	if f.p.State() != Idle {
		t.Fatalf("state = %v", f.p.State())
	}
	if !f.m.Drivers.Bound(usbAddr) || !f.m.Drivers.Bound(ppcAddr) {
		t.Fatalf("sibling drivers not rebound after failure")
	}
	if hp, ltr := hotplugAndLTR(t, f.m.Bridge); !hp || !ltr {
		t.Fatalf("hot-plug = %v, LTR = %v after failure, want both enabled", hp, ltr)
	}
	c := f.m.GPU.Caps().Coupling
	if v, _ := pci.Read32(f.m.GPU.Config(), c.Offset); v&c.Mask != 0 {
		t.Fatalf("coupling left set after failed reset")
	}
}

func TestDriverLeftUnboundIsNotRebound(t *testing.T) {
	f := newFixture(t, sim.Options{Siblings: []sim.SiblingSpec{
		{Function: 2, Class: sim.ClassUSB},
		{Function: 3, Class: sim.ClassPortPolicy, Driver: true},
	}}, nil)
	if err := f.p.Execute(Request{Kind: Hot, Functions: AllFunctions}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.m.Drivers.Bound(usbAddr) {
		t.Fatalf("USB driver bound although none was bound before")
	}
	if disables, enables := f.m.Drivers.Calls(); disables != 1 || enables != 1 {
		t.Fatalf("driver disables = %d, enables = %d", disables, enables)
	}
}

func TestFunctionLevelReset(t *testing.T) {
	f := newFixture(t, sim.Options{NoBridge: true, Siblings: allSiblings}, nil)
	audioBefore := f.snapshot(t, audioAddr)
	gpuBefore := f.snapshot(t, sim.DefaultGPUAddress)

	if err := f.p.Execute(Request{Kind: FunctionLevel, Functions: AllFunctions}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := f.m.Topology.FLRs(sim.DefaultGPUAddress); n != 1 {
		t.Fatalf("GPU FLRs = %d, want 1", n)
	}
	if n := f.m.Topology.FLRs(audioAddr); n != 0 {
		t.Fatalf("audio FLRs = %d, want 0", n)
	}
	if diff := cmp.Diff(audioBefore.Regs, f.snapshot(t, audioAddr).Regs); diff != "" {
		t.Fatalf("audio function touched:\n%s", diff)
	}
	if diff := cmp.Diff(gpuBefore.Regs, f.snapshot(t, sim.DefaultGPUAddress).Regs); diff != "" {
		t.Fatalf("GPU config not restored:\n%s", diff)
	}
	if disables, _ := f.m.Drivers.Calls(); disables != 0 {
		t.Fatalf("FLR disabled sibling drivers")
	}
}

func TestFundamentalCoupling(t *testing.T) {
	f := newFixture(t, sim.Options{}, nil)
	if err := f.p.Execute(Request{Kind: Fundamental}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !f.m.GPU.CouplingAtReset() {
		t.Fatalf("fundamental reset ran without coupling")
	}
	c := f.m.GPU.Caps().Coupling
	if v, _ := pci.Read32(f.m.GPU.Config(), c.Offset); v&c.Mask != 0 {
		t.Fatalf("original coupling state not restored")
	}

	off := false
	if err := f.p.Execute(Request{Kind: Fundamental, Coupling: &off}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.m.GPU.CouplingAtReset() {
		t.Fatalf("coupling override ignored")
	}
}

func TestCouplingRequiredButAbsent(t *testing.T) {
	caps := chip.Reference()
	caps.Coupling = nil
	f := newFixture(t, sim.Options{GPU: sim.GPUOptions{Caps: caps}}, nil)

	if err := f.p.Execute(Request{Kind: Fundamental}); !errors.Is(err, rc.ErrUnsupportedHardwareFeature) {
		t.Fatalf("err = %v, want ErrUnsupportedHardwareFeature", err)
	}
	if f.m.GPU.Resets() != 0 {
		t.Fatalf("GPU was reset")
	}
	off := false
	if err := f.p.Execute(Request{Kind: Fundamental, Coupling: &off}); err != nil {
		t.Fatalf("uncoupled fundamental reset: %v", err)
	}
}

func TestFirmwareBootWait(t *testing.T) {
	f := newFixture(t, sim.Options{GPU: sim.GPUOptions{BootPolls: 1 << 30}}, func(c *Config) {
		c.BootTimeout = 20 * time.Millisecond
	})
	if err := f.p.Execute(Request{Kind: Hot}); !errors.Is(err, rc.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	f = newFixture(t, sim.Options{GPU: sim.GPUOptions{BootPolls: 1 << 30, HoldoffEngaged: true}}, func(c *Config) {
		c.BootTimeout = 20 * time.Millisecond
	})
	if err := f.p.Execute(Request{Kind: Hot}); err != nil {
		t.Fatalf("Execute with hold-off engaged: %v", err)
	}
}

func TestReadyTimeoutStillCleansUp(t *testing.T) {
	f := newFixture(t, sim.Options{
		GPU:      sim.GPUOptions{ReadyAfter: 1 << 30},
		Bridge:   sim.BridgeOptions{Hotplug: true},
		Siblings: allSiblings,
	}, func(c *Config) {
		c.ReadyTimeout = 20 * time.Millisecond
	})
	if err := f.p.Execute(Request{Kind: Hot, Functions: AllFunctions}); !errors.Is(err, rc.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if hp, _ := hotplugAndLTR(t, f.m.Bridge); !hp {
		t.Fatalf("hot-plug not re-enabled")
	}
	if !f.m.Drivers.Bound(usbAddr) {
		t.Fatalf("driver not rebound")
	}
}

func TestPrimaryDisplayDelay(t *testing.T) {
	f := newFixture(t, sim.Options{}, func(c *Config) { c.PrimaryDisplay = true })
	if err := f.p.Execute(Request{Kind: Hot}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []time.Duration{DefaultSettleDelay, f.m.GPU.Caps().PrimaryDisplayRestoreDelay}
	if diff := cmp.Diff(want, f.sleep.delays); diff != "" {
		t.Fatalf("delays (-want +got):\n%s", diff)
	}
}

func TestInvalidKind(t *testing.T) {
	f := newFixture(t, sim.Options{}, nil)
	if err := f.p.Execute(Request{Kind: Kind(7)}); !errors.Is(err, rc.ErrSoftware) {
		t.Fatalf("err = %v, want ErrSoftware", err)
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"flr": FunctionLevel, "hot": Hot, "Fundamental": Fundamental} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseKind("warm"); err == nil {
		t.Errorf("ParseKind accepted warm")
	}
	if got := (GPU | USB).String(); got != "gpu|usb" {
		t.Errorf("String = %q", got)
	}
}

func TestParseFunctions(t *testing.T) {
	got, err := ParseFunctions([]string{"usb", " Audio"})
	if err != nil || got != GPU|USB|Audio {
		t.Fatalf("ParseFunctions = %v, %v", got, err)
	}
	if got, _ := ParseFunctions(nil); got != GPU {
		t.Fatalf("ParseFunctions(nil) = %v, want gpu", got)
	}
	if got, _ := ParseFunctions([]string{"all"}); got != AllFunctions {
		t.Fatalf("ParseFunctions(all) = %v", got)
	}
	if _, err := ParseFunctions([]string{"nic"}); err == nil {
		t.Fatalf("ParseFunctions accepted nic")
	}
}

func TestFunctionLevelRejectsCoupling(t *testing.T) {
	f := newFixture(t, sim.Options{}, nil)
	on := true
	if err := f.p.Execute(Request{Kind: FunctionLevel, Coupling: &on}); !errors.Is(err, rc.ErrSoftware) {
		t.Fatalf("err = %v, want ErrSoftware", err)
	}
	if f.m.GPU.Resets() != 0 || f.pci.accesses != 0 {
		t.Fatalf("resets = %d, accesses = %d, want 0, 0", f.m.GPU.Resets(), f.pci.accesses)
	}
}

// failAfterReset rejects GPU config writes at one offset once the GPU has
// been reset.
type failAfterReset struct {
	pci.ConfigAccessor
	gpu    *sim.GPU
	offset uint16
}

func (f *failAfterReset) WriteConfig(addr pci.Address, offset uint16, size uint8, value uint32) error {
	if addr == sim.DefaultGPUAddress && offset == f.offset && f.gpu.Resets() > 0 {
		return errors.New("config write rejected")
	}
	return f.ConfigAccessor.WriteConfig(addr, offset, size, value)
}

func TestRestoreFailureRestoresCoupling(t *testing.T) {
	w := &failAfterReset{offset: 0x80}
	f := newFixture(t, sim.Options{GPU: sim.GPUOptions{Coupling: true}}, func(c *Config) {
		w.ConfigAccessor = c.PCI
		c.PCI = w
	})
	w.gpu = f.m.GPU

	off := false
	if err := f.p.Execute(Request{Kind: Fundamental, Coupling: &off}); err == nil {
		t.Fatalf("Execute succeeded with a failing restore")
	}
	if f.m.GPU.Resets() != 1 || f.m.GPU.CouplingAtReset() {
		t.Fatalf("resets = %d, coupled = %v, want 1 uncoupled reset", f.m.GPU.Resets(), f.m.GPU.CouplingAtReset())
	}
	c := f.m.GPU.Caps().Coupling
	if v, _ := pci.Read32(f.m.GPU.Config(), c.Offset); v&c.Mask == 0 {
		t.Fatalf("coupling = %#x, want the original bit set again", v)
	}
}
