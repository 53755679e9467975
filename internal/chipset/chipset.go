package chipset

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/tinyrange/hellodev/internal/hv"
)

// ErrUnhandledAccess is returned when no device claims an address or port.
var ErrUnhandledAccess = errors.New("chipset: unhandled access")

type mmioBinding struct {
	region  hv.MMIORegion
	owner   string
	handler MmioHandler
}

func mmioLess(a, b mmioBinding) bool {
	return a.region.Address < b.region.Address
}

type pioBinding struct {
	owner   string
	handler PortIOHandler
}

type attachedDevice struct {
	dev     ChipsetDevice
	ports   []uint16
	regions []hv.MMIORegion
}

// Chipset holds the dispatch tables for devices attached to the bus.
// Dispatch runs concurrently from many vCPUs; attach and detach are exclusive.
type Chipset struct {
	mu      sync.RWMutex
	devices map[string]*attachedDevice
	pio     map[uint16]pioBinding
	mmio    *btree.BTreeG[mmioBinding]
}

// New returns an empty Chipset.
func New() *Chipset {
	return &Chipset{
		devices: make(map[string]*attachedDevice),
		pio:     make(map[uint16]pioBinding),
		mmio:    btree.NewG(8, mmioLess),
	}
}

// AttachDevice registers the device's port and MMIO intercepts. Either every
// intercept is installed or, on conflict, none are.
func (c *Chipset) AttachDevice(name string, dev ChipsetDevice) error {
	if err := validateDevice(name, dev); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	entry := &attachedDevice{dev: dev}

	var pioHandler PortIOHandler
	if intercept := dev.SupportsPortIO(); intercept != nil {
		pioHandler = intercept.Handler
		seen := make(map[uint16]struct{}, len(intercept.Ports))
		for _, port := range intercept.Ports {
			if existing, ok := c.pio[port]; ok {
				return fmt.Errorf("device %q: PIO port 0x%x already registered by %q", name, port, existing.owner)
			}
			if _, dup := seen[port]; dup {
				return fmt.Errorf("device %q: PIO port 0x%x listed twice", name, port)
			}
			seen[port] = struct{}{}
			entry.ports = append(entry.ports, port)
		}
	}

	var mmioHandler MmioHandler
	if intercept := dev.SupportsMmio(); intercept != nil {
		mmioHandler = intercept.Handler
		for i, region := range intercept.Regions {
			if existing, ok := c.overlappingLocked(region); ok {
				return fmt.Errorf(
					"device %q: MMIO region 0x%x-0x%x overlaps region 0x%x-0x%x of %q",
					name, region.Address, region.Address+region.Size-1,
					existing.region.Address, existing.region.Address+existing.region.Size-1, existing.owner)
			}
			for _, other := range intercept.Regions[:i] {
				if regionsOverlap(region.Address, region.Size, other.Address, other.Size) {
					return fmt.Errorf("device %q: MMIO regions at 0x%x and 0x%x overlap", name, region.Address, other.Address)
				}
			}
			entry.regions = append(entry.regions, region)
		}
	}

	for _, port := range entry.ports {
		c.pio[port] = pioBinding{owner: name, handler: pioHandler}
	}
	for _, region := range entry.regions {
		c.mmio.ReplaceOrInsert(mmioBinding{region: region, owner: name, handler: mmioHandler})
	}
	c.devices[name] = entry
	return nil
}

// DetachDevice removes every intercept the named device installed and
// returns the device. In-flight dispatches to the device complete first.
func (c *Chipset) DetachDevice(name string) (ChipsetDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.devices[name]
	if !ok {
		return nil, fmt.Errorf("chipset: device %q not registered", name)
	}
	for _, port := range entry.ports {
		delete(c.pio, port)
	}
	for _, region := range entry.regions {
		c.mmio.Delete(mmioBinding{region: region})
	}
	delete(c.devices, name)
	return entry.dev, nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range c.deviceNamesLocked() {
		if err := c.devices[name].dev.Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// DeviceNames returns the attached device names in sorted order.
func (c *Chipset) DeviceNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceNamesLocked()
}

// HandlePIO dispatches an I/O port access to the device owning the first port.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	binding, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("%w: I/O port 0x%04x", ErrUnhandledAccess, port)
	}
	if isWrite {
		return binding.handler.WriteIOPort(port, data)
	}
	return binding.handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an MMIO access to the device whose region contains
// the first byte. Accesses running past the end of a region are still
// delivered to that device, which decides how to treat the overrun.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	if addr+uint64(len(data)) < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	binding, ok := c.lookupLocked(addr)
	if !ok {
		return fmt.Errorf("%w: MMIO address 0x%016x", ErrUnhandledAccess, addr)
	}
	if isWrite {
		return binding.handler.WriteMMIO(addr, data)
	}
	return binding.handler.ReadMMIO(addr, data)
}

func (c *Chipset) lookupLocked(addr uint64) (mmioBinding, bool) {
	var (
		found mmioBinding
		ok    bool
	)
	c.mmio.DescendLessOrEqual(mmioBinding{region: hv.MMIORegion{Address: addr}}, func(b mmioBinding) bool {
		if addr-b.region.Address < b.region.Size {
			found, ok = b, true
		}
		return false
	})
	return found, ok
}

func (c *Chipset) overlappingLocked(region hv.MMIORegion) (mmioBinding, bool) {
	var (
		found mmioBinding
		ok    bool
	)
	pivot := mmioBinding{region: hv.MMIORegion{Address: region.Address}}
	c.mmio.DescendLessOrEqual(pivot, func(b mmioBinding) bool {
		if regionsOverlap(region.Address, region.Size, b.region.Address, b.region.Size) {
			found, ok = b, true
		}
		return false
	})
	if ok {
		return found, true
	}
	c.mmio.AscendGreaterOrEqual(pivot, func(b mmioBinding) bool {
		if regionsOverlap(region.Address, region.Size, b.region.Address, b.region.Size) {
			found, ok = b, true
		}
		return false
	})
	return found, ok
}

func (c *Chipset) deviceNamesLocked() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
