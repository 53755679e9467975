package machine

import (
	"encoding/binary"
	"fmt"
)

// VCPU issues guest accesses against the machine. VCPUs are cheap and may
// be used from separate goroutines concurrently.
type VCPU struct {
	m  *Machine
	id int
}

// VCPU returns an access handle identified by id.
func (m *Machine) VCPU(id int) *VCPU {
	return &VCPU{m: m, id: id}
}

// ID returns the vCPU index.
func (v *VCPU) ID() int { return v.id }

func checkWidth(width int) error {
	switch width {
	case 1, 2, 4, 8:
		return nil
	default:
		return fmt.Errorf("machine: unsupported access width %d", width)
	}
}

// ReadMMIO performs a width-byte load from a device window.
func (v *VCPU) ReadMMIO(addr uint64, width int) (uint64, error) {
	if err := checkWidth(width); err != nil {
		return 0, err
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	if v.m.closed {
		return 0, ErrClosed
	}
	var buf [8]byte
	if err := v.m.bus.HandleMMIO(addr, buf[:width], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteMMIO performs a width-byte store to a device window.
func (v *VCPU) WriteMMIO(addr uint64, width int, value uint64) error {
	if err := checkWidth(width); err != nil {
		return err
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	if v.m.closed {
		return ErrClosed
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return v.m.bus.HandleMMIO(addr, buf[:width], true)
}

// In performs a width-byte port read.
func (v *VCPU) In(port uint16, width int) (uint64, error) {
	if err := checkWidth(width); err != nil {
		return 0, err
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	if v.m.closed {
		return 0, ErrClosed
	}
	var buf [8]byte
	if err := v.m.bus.HandlePIO(port, buf[:width], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Out performs a width-byte port write.
func (v *VCPU) Out(port uint16, width int, value uint64) error {
	if err := checkWidth(width); err != nil {
		return err
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	if v.m.closed {
		return ErrClosed
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return v.m.bus.HandlePIO(port, buf[:width], true)
}

// ReadMemory copies guest RAM at addr into p.
func (v *VCPU) ReadMemory(addr uint64, p []byte) error {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	if v.m.closed {
		return ErrClosed
	}
	_, err := v.m.mem.ReadAt(p, int64(addr))
	return err
}

// WriteMemory copies p into guest RAM at addr.
func (v *VCPU) WriteMemory(addr uint64, p []byte) error {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	if v.m.closed {
		return ErrClosed
	}
	_, err := v.m.mem.WriteAt(p, int64(addr))
	return err
}
