package hv

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrGuestMemoryClosed = errors.New("guest memory closed")
	ErrGuestOutOfBounds  = errors.New("guest physical address out of bounds")
)

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// GuestMemory is the guest-physical memory primitive devices use for DMA.
// Offsets passed to ReadAt and WriteAt are guest physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	MemoryBase() uint64
	MemorySize() uint64
}

// GuestRange reports whether [addr, addr+size) is backed by guest RAM.
func GuestRange(mem GuestMemory, addr, size uint64) error {
	return CheckGuestRange(mem.MemoryBase(), mem.MemorySize(), addr, size)
}

// CheckGuestRange validates [addr, addr+size) against RAM at [ramBase, ramBase+ramSize).
func CheckGuestRange(ramBase, ramSize, addr, size uint64) error {
	end := addr + size
	if end < addr {
		return fmt.Errorf("%w: range 0x%x+0x%x overflows", ErrGuestOutOfBounds, addr, size)
	}
	if addr < ramBase || end > ramBase+ramSize {
		return fmt.Errorf("%w: range [0x%x-0x%x) outside RAM [0x%x-0x%x)",
			ErrGuestOutOfBounds, addr, end, ramBase, ramBase+ramSize)
	}
	return nil
}

type VirtualMachine interface {
	GuestMemory

	io.Closer
}

// MMIOAllocationRequest describes a region of guest-physical address space a device wants.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a region handed out by an AddressSpace.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// IOAllocationRequest describes a range of x86 I/O ports a device wants.
type IOAllocationRequest struct {
	Name      string
	Size      uint16
	Alignment uint16
}

// IOAllocation is a port range handed out by an AddressSpace.
type IOAllocation struct {
	Name string
	Base uint16
	Size uint16
}
