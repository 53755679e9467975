package hv

import (
	"fmt"
	"sync"
)

// AddressSpace manages physical address allocation for a VM.
// It tracks the RAM region, hands out MMIO regions from an aperture placed
// above RAM, and hands out x86 I/O port ranges from a separate aperture.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	// nextMMIO is the next available address for MMIO allocation (above RAM)
	nextMMIO uint64
	mmioEnd  uint64

	ioBase uint16
	ioEnd  uint32
	nextIO uint32

	// allocations holds all dynamically allocated MMIO regions
	allocations   []MMIOAllocation
	ioAllocations []IOAllocation

	// fixedRegions holds pre-determined MMIO regions (ECAM, etc.)
	fixedRegions []MMIOAllocation
}

// AddressSpaceConfig describes the RAM layout and the allocation apertures.
type AddressSpaceConfig struct {
	RAMBase uint64
	RAMSize uint64

	// MMIOBase defaults to the first 4KB boundary above RAM.
	MMIOBase uint64
	// MMIOSize of zero leaves the aperture unbounded.
	MMIOSize uint64

	IOBase uint16
	IOSize uint16
}

// NewAddressSpace creates a new physical address allocator for a VM.
func NewAddressSpace(cfg AddressSpaceConfig) *AddressSpace {
	a := &AddressSpace{
		ramBase: cfg.RAMBase,
		ramSize: cfg.RAMSize,
		ioBase:  cfg.IOBase,
		ioEnd:   uint32(cfg.IOBase) + uint32(cfg.IOSize),
		nextIO:  uint32(cfg.IOBase),
	}
	a.nextMMIO = cfg.MMIOBase
	if a.nextMMIO == 0 {
		// Start MMIO allocation above RAM, aligned to 4KB
		a.nextMMIO = alignUp(cfg.RAMBase+cfg.RAMSize, 0x1000)
	}
	if cfg.MMIOSize != 0 {
		a.mmioEnd = a.nextMMIO + cfg.MMIOSize
	}
	return a
}

// Allocate allocates an MMIO region with the specified requirements.
// The region is placed in the MMIO aperture and aligned to the requested alignment.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000 // Default to 4KB alignment
	}

	// Ensure alignment is a power of 2
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	base := alignUp(a.nextMMIO, alignment)
	size := alignUp(req.Size, alignment)
	if base+size < base || (a.mmioEnd != 0 && base+size > a.mmioEnd) {
		return MMIOAllocation{}, fmt.Errorf("address_space: MMIO aperture exhausted allocating 0x%x bytes for %s", req.Size, req.Name)
	}

	alloc := MMIOAllocation{
		Name: req.Name,
		Base: base,
		Size: size,
	}

	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = base + size

	return alloc, nil
}

// AllocateIO allocates a range of I/O ports. Port ranges are naturally
// aligned to their size when no alignment is given, matching PCI I/O BARs.
func (a *AddressSpace) AllocateIO(req IOAllocationRequest) (IOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return IOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size port range for %s", req.Name)
	}
	alignment := uint64(req.Alignment)
	if alignment == 0 {
		alignment = uint64(req.Size)
	}
	if alignment&(alignment-1) != 0 {
		return IOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	base := alignUp(uint64(a.nextIO), alignment)
	end := base + uint64(req.Size)
	if end > uint64(a.ioEnd) {
		return IOAllocation{}, fmt.Errorf("address_space: I/O aperture exhausted allocating 0x%x ports for %s", req.Size, req.Name)
	}

	alloc := IOAllocation{
		Name: req.Name,
		Base: uint16(base),
		Size: req.Size,
	}
	a.ioAllocations = append(a.ioAllocations, alloc)
	a.nextIO = uint32(end)
	return alloc, nil
}

// RegisterFixed registers a pre-determined MMIO region.
// Returns error if the region overlaps with RAM.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	regionEnd := base + size
	ramEnd := a.ramBase + a.ramSize

	// Check for overlap with RAM
	if base < ramEnd && regionEnd > a.ramBase {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, regionEnd, a.ramBase, ramEnd)
	}

	for _, existing := range a.fixedRegions {
		if base < existing.Base+existing.Size && existing.Base < regionEnd {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s",
				name, base, regionEnd, existing.Name)
		}
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{
		Name: name,
		Base: base,
		Size: size,
	})

	return nil
}

// Allocations returns a copy of all dynamically allocated MMIO regions.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// IOAllocations returns a copy of all allocated port ranges.
func (a *AddressSpace) IOAllocations() []IOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]IOAllocation, len(a.ioAllocations))
	copy(result, a.ioAllocations)
	return result
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
