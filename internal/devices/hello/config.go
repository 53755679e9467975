package hello

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/hellodev/internal/devices/pci"
)

const (
	// Command bits a guest may change.
	commandWritableMask = 0x0547 // I/O, memory, bus master, parity, SERR, INTx disable
	commandIOSpace      = 0x0001
	commandMemorySpace  = 0x0002
)

// configBlock is the type-0 header state the guest is allowed to modify.
// BAR bases are fixed at construction. Writing all ones to a BAR makes it
// read back its size mask until the next write, so guests can size it.
type configBlock struct {
	command       uint16
	interruptLine uint8
	barSizing     [pci.BARCount]bool
}

type configSpace struct {
	dev *Device
}

// ConfigSpace implements pci.Endpoint.
func (d *Device) ConfigSpace() pci.ConfigSpace {
	return configSpace{dev: d}
}

func (c configSpace) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkConfigAccess(offset, size); err != nil {
		return 0, err
	}
	aligned := offset &^ 3
	c.dev.mu.Lock()
	value := c.dev.readConfigDWordLocked(aligned)
	c.dev.mu.Unlock()
	shift := uint32(offset-aligned) * 8
	value >>= shift
	switch size {
	case 1:
		value &= 0xff
	case 2:
		value &= 0xffff
	}
	return value, nil
}

func (c configSpace) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkConfigAccess(offset, size); err != nil {
		return err
	}
	aligned := offset &^ 3
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if size == 4 {
		c.dev.writeConfigDWordLocked(aligned, value)
		return nil
	}
	current := c.dev.readConfigDWordLocked(aligned)
	shift := uint32(offset-aligned) * 8
	mask := uint32(0xff)
	if size == 2 {
		mask = 0xffff
	}
	current = (current &^ (mask << shift)) | ((value & mask) << shift)
	c.dev.writeConfigDWordLocked(aligned, current)
	return nil
}

func checkConfigAccess(offset uint16, size uint8) error {
	switch size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("hellodev: invalid config access size %d", size)
	}
	if int(offset)%int(size) != 0 {
		return fmt.Errorf("hellodev: unaligned config access at 0x%x size %d", offset, size)
	}
	if int(offset)+int(size) > pci.ConfigSpaceLegacySize {
		return fmt.Errorf("hellodev: config access 0x%x out of range", offset)
	}
	return nil
}

func (d *Device) readConfigDWordLocked(offset uint16) uint32 {
	if index, ok := barIndex(offset); ok {
		return d.readBARLocked(index)
	}
	l := d.layout
	switch offset {
	case pci.RegVendorID:
		return uint32(l.vendorID) | uint32(l.deviceID)<<16
	case pci.RegCommand:
		return uint32(d.cfg.command) // status is always zero
	case pci.RegClassRevision:
		return uint32(l.revision) | l.classCode<<8
	case pci.RegHeader:
		return 0 // type 0, single function
	case pci.RegSubsystem:
		return uint32(l.vendorID) | uint32(l.deviceID)<<16
	case pci.RegInterrupt:
		var buf [4]byte
		buf[0] = d.cfg.interruptLine
		buf[1] = l.pin
		return binary.LittleEndian.Uint32(buf[:])
	default:
		return 0
	}
}

func barIndex(offset uint16) (int, bool) {
	if offset < pci.RegBAR0 || offset >= pci.RegBAR0+pci.BARCount*4 {
		return 0, false
	}
	return int(offset-pci.RegBAR0) / 4, true
}

func (d *Device) readBARLocked(index int) uint32 {
	var (
		size  uint32
		base  uint32
		flags uint32
	)
	switch index {
	case d.layout.ioBAR.Index:
		size, base, flags = d.layout.ioBAR.Size, uint32(d.windows.IOBase), pci.BARSpaceIO
	case d.layout.memBAR.Index:
		size, base, flags = d.layout.memBAR.Size, uint32(d.windows.MMIOBase), pci.BARSpaceMem32
	default:
		return 0
	}
	if d.cfg.barSizing[index] {
		return ^(size - 1) | flags
	}
	return base | flags
}

func (d *Device) writeConfigDWordLocked(offset uint16, value uint32) {
	if index, ok := barIndex(offset); ok {
		d.cfg.barSizing[index] = value == 0xffff_ffff
		return
	}
	switch offset {
	case pci.RegCommand:
		d.cfg.command = uint16(value) & commandWritableMask
	case pci.RegInterrupt:
		d.cfg.interruptLine = uint8(value)
	}
}
