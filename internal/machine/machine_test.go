package machine

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/hellodev/internal/chipset"
	"github.com/tinyrange/hellodev/internal/devices/hello"
	"github.com/tinyrange/hellodev/internal/devices/pci"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m, err := New(cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func helloWindows(t *testing.T, m *Machine, name string) hello.Windows {
	t.Helper()
	fn, ok := m.Device(name)
	if !ok {
		t.Fatalf("device %q not attached", name)
	}
	dev, ok := fn.(*hello.Device)
	if !ok {
		t.Fatalf("device %q is %T", name, fn)
	}
	return dev.Windows()
}

func TestMachineGuestAccess(t *testing.T) {
	m := newTestMachine(t, DefaultConfig())
	w := helloWindows(t, m, "hello0")
	cpu := m.VCPU(0)

	id, err := cpu.ReadMMIO(w.MMIOBase+hello.MMIORegID, 4)
	if err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if id != hello.DefaultID {
		t.Fatalf("id = %#x, want %#x", id, hello.DefaultID)
	}

	short, err := cpu.ReadMMIO(w.MMIOBase+hello.MMIORegID, 2)
	if err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if short != 0xdead {
		t.Fatalf("2-byte read = %#x, want 0xdead", short)
	}

	if err := cpu.Out(w.IOBase+hello.IORegIRQ, 4, 1); err != nil {
		t.Fatalf("Out: %v", err)
	}
	if !m.Interrupts().Level(w.IRQLine) {
		t.Fatalf("line %d not raised", w.IRQLine)
	}
	status, err := cpu.In(w.IOBase+hello.IORegIRQ, 4)
	if err != nil {
		t.Fatalf("In: %v", err)
	}
	if status != 1 {
		t.Fatalf("status = %d, want 1", status)
	}
	if err := cpu.Out(w.IOBase+hello.IORegIRQ, 4, 0); err != nil {
		t.Fatalf("Out: %v", err)
	}
	if m.Interrupts().Level(w.IRQLine) {
		t.Fatal("line still raised")
	}
	if got := m.Interrupts().Raised(w.IRQLine); got != 1 {
		t.Fatalf("raised = %d, want 1", got)
	}

	if _, err := cpu.ReadMMIO(0xdead_0000, 4); !errors.Is(err, chipset.ErrUnhandledAccess) {
		t.Fatalf("unclaimed read err = %v, want ErrUnhandledAccess", err)
	}
	if _, err := cpu.ReadMMIO(w.MMIOBase, 3); err == nil {
		t.Fatal("expected width 3 to fail")
	}
}

func TestMachineDMA(t *testing.T) {
	seed := uint64(42)
	cfg := DefaultConfig()
	cfg.Seed = &seed
	m := newTestMachine(t, cfg)
	w := helloWindows(t, m, "hello0")
	cpu := m.VCPU(0)

	const target = 0x8000
	if err := cpu.Out(w.IOBase+hello.IORegDMATrigger, 4, target); err != nil {
		t.Fatalf("Out: %v", err)
	}
	got := make([]byte, hello.DMABufferSize)
	if err := cpu.ReadMemory(target, got); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if bytes.Equal(got, make([]byte, len(got))) {
		t.Fatal("dma left guest memory zeroed")
	}

	// Same seed, same payload.
	other := newTestMachine(t, cfg)
	ow := helloWindows(t, other, "hello0")
	if err := other.VCPU(0).Out(ow.IOBase+hello.IORegDMATrigger, 4, target); err != nil {
		t.Fatalf("Out: %v", err)
	}
	want := make([]byte, hello.DMABufferSize)
	if err := other.VCPU(0).ReadMemory(target, want); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatal("seeded machines produced different payloads")
	}
}

func TestMachineReset(t *testing.T) {
	m := newTestMachine(t, DefaultConfig())
	w := helloWindows(t, m, "hello0")
	cpu := m.VCPU(0)

	if err := cpu.WriteMMIO(w.MMIOBase+hello.MMIORegID, 4, 0x42); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if err := cpu.Out(w.IOBase+hello.IORegIRQ, 4, 1); err != nil {
		t.Fatalf("Out: %v", err)
	}
	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	status, _ := cpu.ReadMMIO(w.MMIOBase+hello.MMIORegIRQStatus, 4)
	pulse, _ := cpu.ReadMMIO(w.MMIOBase+hello.MMIORegCounterAtPulse, 4)
	id, _ := cpu.ReadMMIO(w.MMIOBase+hello.MMIORegID, 4)
	if diff := cmp.Diff([]uint64{0, 0, 0x42}, []uint64{status, pulse, id}); diff != "" {
		t.Fatalf("registers after reset (-want +got):\n%s", diff)
	}
	if m.Interrupts().Level(w.IRQLine) {
		t.Fatal("line raised after reset")
	}
}

func TestMachineAttachDetach(t *testing.T) {
	m := newTestMachine(t, Config{})
	cpu := m.VCPU(0)

	if _, err := m.Attach(DeviceConfig{Name: "x", Type: "missing"}); err == nil {
		t.Fatal("expected unknown type to fail")
	}

	if _, err := m.Attach(DeviceConfig{Name: "a", Type: hello.TypeName, Slot: 3}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := m.Attach(DeviceConfig{Name: "a", Type: hello.TypeName}); err == nil {
		t.Fatal("expected duplicate name to fail")
	}
	if _, err := m.Attach(DeviceConfig{Name: "b", Type: hello.TypeName, Slot: 3}); err == nil {
		t.Fatal("expected occupied slot to fail")
	}
	if _, err := m.Attach(DeviceConfig{Name: "b", Type: hello.TypeName}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	devices := m.Devices()
	if len(devices) != 2 {
		t.Fatalf("Devices() = %+v", devices)
	}
	if devices[0].Location != "00:03.0" || devices[1].Location != "00:01.0" {
		t.Fatalf("locations = %s, %s", devices[0].Location, devices[1].Location)
	}
	if len(devices[0].BARs) != 2 {
		t.Fatalf("BARs = %+v", devices[0].BARs)
	}

	w := helloWindows(t, m, "a")
	if err := cpu.Out(w.IOBase+hello.IORegIRQ, 4, 1); err != nil {
		t.Fatalf("Out: %v", err)
	}
	if err := m.Detach("a"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if m.Interrupts().Level(w.IRQLine) {
		t.Fatal("detached device left its line raised")
	}
	if _, err := cpu.ReadMMIO(w.MMIOBase+hello.MMIORegID, 4); !errors.Is(err, chipset.ErrUnhandledAccess) {
		t.Fatalf("read after detach err = %v, want ErrUnhandledAccess", err)
	}
	if _, err := cpu.In(w.IOBase, 4); !errors.Is(err, chipset.ErrUnhandledAccess) {
		t.Fatalf("in after detach err = %v, want ErrUnhandledAccess", err)
	}
	if v := m.Host().ReadConfig(3, 0, pci.RegVendorID, 4); v != 0xffffffff {
		t.Fatalf("config after detach = %#x", v)
	}
	if err := m.Detach("a"); err == nil {
		t.Fatal("expected second detach to fail")
	}

	if _, err := m.Attach(DeviceConfig{Name: "a", Type: hello.TypeName, Slot: 3}); err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	if got := helloWindows(t, m, "a"); got.MMIOBase == w.MMIOBase {
		t.Fatal("re-attached device reused the old window")
	}
}

func TestMachineConfigSpaceViaECAM(t *testing.T) {
	m := newTestMachine(t, DefaultConfig())
	cpu := m.VCPU(0)
	w := helloWindows(t, m, "hello0")

	addr := m.Host().ConfigAddress(1, 0, pci.RegVendorID)
	ids, err := cpu.ReadMMIO(addr, 4)
	if err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if ids != 0x0001_1337 {
		t.Fatalf("vendor/device = %#x", ids)
	}
	bar0, err := cpu.ReadMMIO(m.Host().ConfigAddress(1, 0, pci.RegBAR0), 4)
	if err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if bar0 != uint64(w.IOBase)|pci.BARSpaceIO {
		t.Fatalf("bar0 = %#x", bar0)
	}
}

func TestMachineClose(t *testing.T) {
	m, err := New(DefaultConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	cpu := m.VCPU(0)
	if _, err := cpu.ReadMMIO(0, 4); !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadMMIO err = %v, want ErrClosed", err)
	}
	if err := m.Reset(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Reset err = %v, want ErrClosed", err)
	}
	if _, err := m.Attach(DeviceConfig{Name: "x", Type: hello.TypeName}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Attach err = %v, want ErrClosed", err)
	}
}

func TestMachineNewFailsOnBadDevice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices = append(cfg.Devices, DeviceConfig{Name: "bad", Type: "nope"})
	if _, err := New(cfg, WithLogger(quietLogger())); err == nil {
		t.Fatal("expected New to fail")
	}
}

func TestMachineConcurrentVCPUs(t *testing.T) {
	m := newTestMachine(t, DefaultConfig())
	w := helloWindows(t, m, "hello0")

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		cpu := m.VCPU(i)
		g.Go(func() error {
			for j := 0; j < 100; j++ {
				if err := cpu.Out(w.IOBase+hello.IORegIRQ, 4, uint64(j&1)); err != nil {
					return err
				}
				if err := cpu.WriteMMIO(w.MMIOBase+hello.MMIORegID, 4, uint64(cpu.ID())); err != nil {
					return err
				}
				if _, err := cpu.ReadMMIO(w.MMIOBase+hello.MMIORegIRQStatus, 4); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	status, err := m.VCPU(0).ReadMMIO(w.MMIOBase+hello.MMIORegIRQStatus, 4)
	if err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if (status == 1) != m.Interrupts().Level(w.IRQLine) {
		t.Fatal("status register disagrees with the interrupt line")
	}
}

func TestMachineAttachUsesRegistryDescriptor(t *testing.T) {
	wide := hello.Type
	wide.Name = "pci-hellodev-wide"
	wide.VendorID = 0xabcd
	wide.InterruptPin = pci.InterruptPinA
	wide.BARs = []pci.BARSpec{
		{Index: 0, IO: true, Size: 256},
		{Index: 2, Size: 4096},
	}
	reg, err := pci.NewRegistry(hello.Type, wide)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg := Config{Devices: []DeviceConfig{{Name: "w", Type: wide.Name, Slot: 2}}}
	m, err := New(cfg, WithLogger(quietLogger()), WithRegistry(reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	// Slot 2, pin A: lines[(2+1-1)%4] with the default {10,11,12,13}.
	want := []DeviceStatus{{
		Name:     "w",
		Type:     wide.Name,
		Slot:     2,
		Location: "00:02.0",
		BARs: []pci.BARInfo{
			{Index: 0, Base: defaultIOBase, Size: 256, IO: true},
			{Index: 2, Base: defaultMMIOBase, Size: 4096},
		},
		IRQLine: 12,
		HasIRQ:  true,
	}}
	if diff := cmp.Diff(want, m.Devices()); diff != "" {
		t.Fatalf("Devices() mismatch (-want +got):\n%s", diff)
	}
	if v := m.Host().ReadConfig(2, 0, pci.RegVendorID, 2); v != 0xabcd {
		t.Fatalf("vendor = %#x, want 0xabcd", v)
	}

	cpu := m.VCPU(0)
	if err := cpu.Out(defaultIOBase+hello.IORegIRQ, 4, 1); err != nil {
		t.Fatalf("Out: %v", err)
	}
	if !m.Interrupts().Level(12) {
		t.Fatal("line 12 not raised")
	}
	if _, err := cpu.In(defaultIOBase+0xff, 1); err != nil {
		t.Fatalf("In at the top of the 256-port window: %v", err)
	}
}

func TestMachineAddressMap(t *testing.T) {
	m := newTestMachine(t, DefaultConfig())

	want := []Region{
		{Kind: "ram", Name: "ram", Base: 0, Size: defaultRAMSize},
		{Kind: "fixed", Name: "ecam", Base: defaultECAMBase, Size: ecamBusSize},
		{Kind: "mmio", Name: "00:01.0 BAR1", Base: defaultMMIOBase, Size: hello.MMIOWindowSize},
		{Kind: "io", Name: "00:01.0 BAR0", Base: defaultIOBase, Size: hello.IOWindowSize},
	}
	if diff := cmp.Diff(want, m.AddressMap()); diff != "" {
		t.Fatalf("AddressMap() mismatch (-want +got):\n%s", diff)
	}

	if err := m.Detach("hello0"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if got := len(m.AddressMap()); got != len(want) {
		t.Fatalf("len(AddressMap()) after detach = %d, want %d", got, len(want))
	}
	if got := m.Registry().Names(); !cmp.Equal(got, []string{hello.TypeName}) {
		t.Fatalf("Registry().Names() = %v", got)
	}
}
