package chipset

import (
	"fmt"
	"sort"
)

// ChipsetBuilder collects devices that are present from power-on before
// creating a Chipset. Devices can still be attached and detached on the
// built Chipset afterwards.
type ChipsetBuilder struct {
	devices map[string]ChipsetDevice
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices: make(map[string]ChipsetDevice),
	}
}

// RegisterDevice queues a chipset device for registration at Build time.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if err := validateDevice(name, dev); err != nil {
		return err
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}
	b.devices[name] = dev
	return nil
}

// Build finalizes the chipset layout and returns the constructed Chipset.
// Devices are attached in name order so conflicts are reported deterministically.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	names := make([]string, 0, len(b.devices))
	for name := range b.devices {
		names = append(names, name)
	}
	sort.Strings(names)

	c := New()
	for _, name := range names {
		if err := c.AttachDevice(name, b.devices[name]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func validateDevice(name string, dev ChipsetDevice) error {
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if intercept := dev.SupportsPortIO(); intercept != nil && intercept.Handler == nil {
		return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
	}
	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if region.Size == 0 {
				return fmt.Errorf("device %q: MMIO region at 0x%x has zero size", name, region.Address)
			}
			if region.Address+region.Size < region.Address {
				return fmt.Errorf("device %q: MMIO region at 0x%x with size 0x%x overflows", name, region.Address, region.Size)
			}
		}
	}
	return nil
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}
