// Package machine assembles guest RAM, the PCI host bridge, the interrupt
// controller and the bus into a runnable machine and attaches devices by
// type name.
package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/tinyrange/hellodev/internal/chipset"
	"github.com/tinyrange/hellodev/internal/devices/hello"
	"github.com/tinyrange/hellodev/internal/devices/pci"
	"github.com/tinyrange/hellodev/internal/guestmem"
	"github.com/tinyrange/hellodev/internal/hostmem"
	"github.com/tinyrange/hellodev/internal/hv"
)

// ErrClosed is returned by every operation on a closed machine.
var ErrClosed = errors.New("machine: closed")

const hostBridgeName = "pci-host"

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used by the machine and its devices.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.log = logger
		}
	}
}

// WithRegistry replaces the device types the machine can attach.
func WithRegistry(r *pci.Registry) Option {
	return func(m *Machine) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithAllocator sets the host allocator for guest RAM and device buffers.
func WithAllocator(alloc hostmem.Allocator) Option {
	return func(m *Machine) {
		if alloc != nil {
			m.alloc = alloc
		}
	}
}

// DefaultRegistry returns a registry holding the built-in device types.
func DefaultRegistry() *pci.Registry {
	r, err := pci.NewRegistry(hello.Type)
	if err != nil {
		panic(fmt.Sprintf("machine: built-in device types: %v", err))
	}
	return r
}

type attachedDevice struct {
	name     string
	typeName string
	slot     uint8
	fn       pci.Function
}

// Machine is a guest with RAM, a PCI bus and legacy interrupt lines.
// It implements hv.VirtualMachine for its devices.
type Machine struct {
	log      *slog.Logger
	cfg      Config
	alloc    hostmem.Allocator
	registry *pci.Registry

	mem   *guestmem.Memory
	space *hv.AddressSpace
	host  *pci.HostBridge
	irqs  *InterruptController
	lines *chipset.LineSet
	bus   *chipset.Chipset

	// mu guards the device table and closed. Guest accesses hold it shared
	// so Close waits for in-flight accesses.
	mu      sync.RWMutex
	closed  bool
	devices map[string]*attachedDevice
}

// New builds a machine from cfg and attaches cfg.Devices in order.
func New(cfg Config, opts ...Option) (*Machine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		log:     slog.Default(),
		cfg:     cfg,
		alloc:   hostmem.Default(),
		devices: make(map[string]*attachedDevice),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = DefaultRegistry()
	}

	mem, err := guestmem.New(uint64(cfg.RAMBase), uint64(cfg.RAMSize), m.alloc)
	if err != nil {
		return nil, fmt.Errorf("machine: allocate RAM: %w", err)
	}
	m.mem = mem

	m.space = hv.NewAddressSpace(hv.AddressSpaceConfig{
		RAMBase:  uint64(cfg.RAMBase),
		RAMSize:  uint64(cfg.RAMSize),
		MMIOBase: uint64(cfg.MMIOBase),
		MMIOSize: uint64(cfg.MMIOSize),
		IOBase:   cfg.IOBase,
		IOSize:   cfg.IOSize,
	})
	if err := m.space.RegisterFixed("ecam", uint64(cfg.ECAMBase), ecamBusSize); err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("machine: %w", err)
	}

	var intx [4]uint8
	copy(intx[:], cfg.INTxLines)
	m.host = pci.NewHostBridge(pci.HostBridgeConfig{
		ConfigBase:   uint64(cfg.ECAMBase),
		ConfigSize:   ecamBusSize,
		BARAllocator: pci.AddressSpaceAllocator{Space: m.space},
		INTxLines:    intx,
	})
	m.irqs = newInterruptController(m.log)
	m.lines = chipset.NewLineSet(m.irqs)

	b := chipset.NewBuilder()
	if err := b.RegisterDevice(hostBridgeName, m.host); err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("machine: %w", err)
	}
	if m.bus, err = b.Build(); err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("machine: build chipset: %w", err)
	}

	for _, dc := range cfg.Devices {
		if _, err := m.Attach(dc); err != nil {
			return nil, errors.Join(err, m.Close())
		}
	}

	m.log.Info("machine: created",
		"ram_base", fmt.Sprintf("%#x", uint64(cfg.RAMBase)),
		"ram_size", uint64(cfg.RAMSize),
		"ecam", fmt.Sprintf("%#x", uint64(cfg.ECAMBase)),
		"devices", len(cfg.Devices),
	)
	return m, nil
}

// Attach constructs a device of dc.Type and registers its windows on the bus.
func (m *Machine) Attach(dc DeviceConfig) (pci.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if dc.Name == "" || dc.Name == hostBridgeName {
		return nil, fmt.Errorf("machine: invalid device name %q", dc.Name)
	}
	if _, exists := m.devices[dc.Name]; exists {
		return nil, fmt.Errorf("machine: device %q already attached", dc.Name)
	}
	typ, ok := m.registry.Lookup(dc.Type)
	if !ok {
		return nil, fmt.Errorf("machine: unknown device type %q", dc.Type)
	}

	slot := dc.Slot
	if slot == 0 {
		free, err := m.host.FreeDevice()
		if err != nil {
			return nil, fmt.Errorf("machine: attach %q: %w", dc.Name, err)
		}
		slot = free
	}

	env := pci.AttachEnv{
		Name:      dc.Name,
		Host:      m.host,
		Device:    slot,
		Lines:     m.lines,
		Allocator: m.alloc,
		Logger:    m.log,
	}
	if m.cfg.Seed != nil {
		env.RandSource = rand.NewPCG(*m.cfg.Seed, uint64(slot))
	}
	fn, err := typ.Instantiate(env)
	if err != nil {
		return nil, fmt.Errorf("machine: attach %q: %w", dc.Name, err)
	}
	if err := fn.Init(m); err != nil {
		return nil, errors.Join(fmt.Errorf("machine: init %q: %w", dc.Name, err), fn.Close())
	}
	if err := m.bus.AttachDevice(dc.Name, fn); err != nil {
		return nil, errors.Join(fmt.Errorf("machine: attach %q: %w", dc.Name, err), fn.Close())
	}

	m.devices[dc.Name] = &attachedDevice{name: dc.Name, typeName: typ.Name, slot: slot, fn: fn}
	m.log.Info("machine: device attached", "device", dc.Name, "type", typ.Name, "slot", slot)
	return fn, nil
}

// Detach removes the device's windows from the bus and destroys it.
func (m *Machine) Detach(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.detachLocked(name)
}

func (m *Machine) detachLocked(name string) error {
	dev, ok := m.devices[name]
	if !ok {
		return fmt.Errorf("machine: device %q not attached", name)
	}
	delete(m.devices, name)
	if _, err := m.bus.DetachDevice(name); err != nil {
		return errors.Join(err, dev.fn.Close())
	}
	if err := dev.fn.Close(); err != nil {
		return fmt.Errorf("machine: close %q: %w", name, err)
	}
	m.log.Info("machine: device detached", "device", name)
	return nil
}

// Reset resets every device on the bus.
func (m *Machine) Reset() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.bus.Reset()
}

// Close detaches every device and releases guest RAM.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	var errs []error
	for _, name := range m.deviceNamesLocked() {
		if err := m.detachLocked(name); err != nil {
			errs = append(errs, err)
		}
	}
	m.closed = true
	errs = append(errs, m.mem.Close())
	return errors.Join(errs...)
}

// Device returns the named attached device.
func (m *Machine) Device(name string) (pci.Function, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[name]
	if !ok {
		return nil, false
	}
	return dev.fn, true
}

// DeviceStatus describes an attached device.
type DeviceStatus struct {
	Name     string
	Type     string
	Slot     uint8
	Location string
	BARs     []pci.BARInfo
	// IRQLine is the controller line the function's interrupt pin routes to.
	// HasIRQ is false for functions without a pin.
	IRQLine uint8
	HasIRQ  bool
}

// Devices lists attached devices in name order.
func (m *Machine) Devices() []DeviceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bySlot := make(map[uint8]pci.DeviceInfo)
	for _, info := range m.host.Devices() {
		if info.Function == 0 {
			bySlot[info.Device] = info
		}
	}
	var out []DeviceStatus
	for _, name := range m.deviceNamesLocked() {
		dev := m.devices[name]
		info := bySlot[dev.slot]
		status := DeviceStatus{
			Name:     name,
			Type:     dev.typeName,
			Slot:     dev.slot,
			Location: info.Location,
			BARs:     info.BARs,
		}
		pin := uint8(m.host.ReadConfig(dev.slot, 0, pci.RegInterrupt+1, 1))
		if line, err := m.host.IRQForPin(dev.slot, pin); err == nil {
			status.IRQLine, status.HasIRQ = line, true
		}
		out = append(out, status)
	}
	return out
}

// Host returns the PCI host bridge.
func (m *Machine) Host() *pci.HostBridge { return m.host }

// Interrupts returns the machine's interrupt controller.
func (m *Machine) Interrupts() *InterruptController { return m.irqs }

// Config returns the effective configuration.
func (m *Machine) Config() Config { return m.cfg }

// deviceNamesLocked returns the attached device names in bus order, which is
// sorted by name. The host bridge is not included.
func (m *Machine) deviceNamesLocked() []string {
	names := make([]string, 0, len(m.devices))
	for _, name := range m.bus.DeviceNames() {
		if _, ok := m.devices[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Region is one entry of the guest physical address map.
type Region struct {
	Kind string // "ram", "fixed", "mmio" or "io"
	Name string
	Base uint64
	Size uint64
}

// AddressMap lists RAM, fixed regions and every BAR window handed out so
// far, in allocation order within each kind. BAR windows of detached devices
// stay listed because their space is not recycled.
func (m *Machine) AddressMap() []Region {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Region{{Kind: "ram", Name: "ram", Base: uint64(m.cfg.RAMBase), Size: uint64(m.cfg.RAMSize)}}
	for _, r := range m.space.FixedRegions() {
		out = append(out, Region{Kind: "fixed", Name: r.Name, Base: r.Base, Size: r.Size})
	}
	for _, r := range m.space.Allocations() {
		out = append(out, Region{Kind: "mmio", Name: r.Name, Base: r.Base, Size: r.Size})
	}
	for _, r := range m.space.IOAllocations() {
		out = append(out, Region{Kind: "io", Name: r.Name, Base: uint64(r.Base), Size: uint64(r.Size)})
	}
	return out
}

// Registry returns the device types the machine can attach.
func (m *Machine) Registry() *pci.Registry { return m.registry }

// ReadAt implements hv.GuestMemory.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) { return m.mem.ReadAt(p, off) }

// WriteAt implements hv.GuestMemory.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) { return m.mem.WriteAt(p, off) }

// MemoryBase implements hv.GuestMemory.
func (m *Machine) MemoryBase() uint64 { return m.mem.MemoryBase() }

// MemorySize implements hv.GuestMemory.
func (m *Machine) MemorySize() uint64 { return m.mem.MemorySize() }

var _ hv.VirtualMachine = (*Machine)(nil)
