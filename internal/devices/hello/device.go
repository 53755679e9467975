package hello

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/tinyrange/hellodev/internal/chipset"
	"github.com/tinyrange/hellodev/internal/devices/pci"
	"github.com/tinyrange/hellodev/internal/hostmem"
	"github.com/tinyrange/hellodev/internal/hv"
)

// ErrDestroyed is returned by every access made after Close.
var ErrDestroyed = errors.New("hellodev: device destroyed")

// Option configures a Device.
type Option func(*options)

type options struct {
	rng *rand.Rand
}

// WithRandSource replaces the generator used to fill the DMA buffer.
func WithRandSource(src rand.Source) Option {
	return func(o *options) {
		o.rng = rand.New(src)
	}
}

// WithSeed seeds the DMA generator deterministically.
func WithSeed(seed uint64) Option {
	return WithRandSource(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Device is the PCI hello device. It exposes a 64-byte MMIO window on BAR1,
// a 16-byte I/O window on BAR0, one legacy interrupt on pin B and a DMA
// engine that copies a buffer of random bytes into guest memory.
//
// A single mutex covers the register file, the DMA buffer and the guest
// memory reference, so accesses from concurrent vCPUs are serialised.
type Device struct {
	log     *slog.Logger
	handle  *pci.DeviceHandle
	layout  layout
	windows Windows
	mmioWin window
	ioWin   window
	irq     IRQ

	mu          sync.Mutex
	destroyed   bool
	mem         hv.GuestMemory
	dma         dmaEngine
	cfg         configBlock
	id          uint32
	irqAsserted bool

	// Nothing increments the counters; Reset clears them.
	counter        uint32
	counterAtPulse uint32
}

// New constructs a device at env.Device on env.Host, reserves its BARs and
// routes its interrupt. Identity, BAR sizes and the interrupt pin come from
// env.Type, or from the built-in layout when it is unset. On failure
// everything acquired so far is released.
func New(env pci.AttachEnv, opts ...Option) (*Device, error) {
	if env.Host == nil {
		return nil, fmt.Errorf("hellodev: host bridge is required")
	}
	desc := env.Type
	if desc.Name == "" {
		desc = defaultType()
	}
	lay, err := layoutOf(desc)
	if err != nil {
		return nil, fmt.Errorf("hellodev: %w", err)
	}
	o := options{}
	if env.RandSource != nil {
		o.rng = rand.New(env.RandSource)
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	alloc := env.Allocator
	if alloc == nil {
		alloc = hostmem.Default()
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	buf, err := alloc.Alloc(DMABufferSize)
	if err != nil {
		return nil, fmt.Errorf("hellodev: allocate dma buffer: %w", err)
	}

	d := &Device{
		log:    logger,
		layout: lay,
		dma:    dmaEngine{buf: buf, rng: o.rng},
		id:     DefaultID,
		cfg:    configBlock{command: commandIOSpace | commandMemorySpace},
	}

	fail := func(err error) (*Device, error) {
		if d.handle != nil {
			_ = d.handle.Release()
		}
		_ = buf.Free()
		return nil, err
	}

	handle, err := env.Host.RegisterEndpoint(0, env.Device, 0, d)
	if err != nil {
		return fail(fmt.Errorf("hellodev: register endpoint: %w", err))
	}
	d.handle = handle

	ioBase, err := handle.AllocateIOBAR(lay.ioBAR.Index, lay.ioBAR.Size, lay.ioBAR.Size)
	if err != nil {
		return fail(fmt.Errorf("hellodev: allocate I/O BAR: %w", err))
	}
	mmioBase, err := handle.AllocateMemoryBAR(lay.memBAR.Index, lay.memBAR.Size, lay.memBAR.Size)
	if err != nil {
		return fail(fmt.Errorf("hellodev: allocate memory BAR: %w", err))
	}

	// Without a pin the device keeps a detached line and reports 0xff as its
	// interrupt line, the PCI value for "not connected".
	line := chipset.LineInterruptDetached()
	irqLine := uint8(0xff)
	if lay.pin != pci.InterruptPinNone {
		irqLine, err = handle.IRQForPin(lay.pin)
		if err != nil {
			return fail(fmt.Errorf("hellodev: route interrupt: %w", err))
		}
		if env.Lines != nil {
			line = env.Lines.AllocateLine(irqLine)
		}
	}

	d.mu.Lock()
	d.irq = lineIRQ{line: line}
	d.cfg.interruptLine = irqLine
	d.mmioWin = window{name: "mmio", size: uint64(lay.memBAR.Size)}
	d.ioWin = window{name: "io", size: uint64(lay.ioBAR.Size)}
	d.windows = Windows{
		Location:     handle.String(),
		IOBase:       ioBase,
		IOSize:       lay.ioBAR.Size,
		MMIOBase:     mmioBase,
		MMIOSize:     lay.memBAR.Size,
		IRQLine:      irqLine,
		InterruptPin: lay.pin,
	}
	d.mu.Unlock()
	if env.Name != "" {
		d.log = d.log.With("device", env.Name)
	}

	d.log.Info("hellodev: constructed",
		"location", d.windows.Location,
		"io_base", fmt.Sprintf("%#x", ioBase),
		"mmio_base", fmt.Sprintf("%#x", mmioBase),
		"irq", irqLine,
	)
	return d, nil
}

// Init implements hv.Device.
func (d *Device) Init(vm hv.VirtualMachine) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	if vm == nil {
		return fmt.Errorf("hellodev: virtual machine is nil")
	}
	d.mem = vm
	return nil
}

// Reset clears the interrupt and counter registers. The ID register and the
// configuration header survive a reset.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	if d.irqAsserted {
		d.irq.Deassert()
	}
	d.irqAsserted = false
	d.counter = 0
	d.counterAtPulse = 0
	d.log.Info("hellodev: reset")
	return nil
}

// Close deasserts the interrupt, unregisters the function from the host
// bridge and frees the DMA buffer. Closing twice is a programming error.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		panic("hellodev: device closed twice")
	}
	d.destroyed = true
	if d.irqAsserted {
		d.irq.Deassert()
		d.irqAsserted = false
	}
	d.mem = nil
	err := errors.Join(d.handle.Release(), d.dma.release())
	d.log.Info("hellodev: destroyed", "location", d.windows.Location)
	return err
}

// Registers returns a snapshot of the register file.
func (d *Device) Registers() Registers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Registers{
		ID:             d.id,
		IRQAsserted:    d.irqAsserted,
		Counter:        d.counter,
		CounterAtPulse: d.counterAtPulse,
	}
}

// Windows reports where the device's BARs and interrupt were placed.
func (d *Device) Windows() Windows {
	return d.windows
}

// IOPorts implements hv.X86IOPortDevice.
func (d *Device) IOPorts() []uint16 {
	ports := make([]uint16, d.windows.IOSize)
	for i := range ports {
		ports[i] = d.windows.IOBase + uint16(i)
	}
	return ports
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.windows.MMIOBase, Size: uint64(d.windows.MMIOSize)}}
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (d *Device) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{Ports: d.IOPorts(), Handler: d}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{Regions: d.MMIORegions(), Handler: d}
}

var (
	_ hv.MemoryMappedIODevice = (*Device)(nil)
	_ hv.X86IOPortDevice      = (*Device)(nil)
	_ chipset.ChipsetDevice   = (*Device)(nil)
	_ pci.Function            = (*Device)(nil)
)
