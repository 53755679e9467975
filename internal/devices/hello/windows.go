package hello

import "fmt"

// ReadMMIO implements chipset.MmioHandler.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	offset := addr - d.windows.MMIOBase

	if err := d.mmioWin.check(offset, len(data)); err != nil {
		d.rejected(d.mmioWin, "read", offset, len(data), err)
		putValue(data, Sentinel)
		return nil
	}

	var value uint32
	switch offset {
	case MMIORegIRQStatus:
		value = boolToReg(d.irqAsserted)
	case MMIORegID:
		value = d.id
	case MMIORegCounterAtPulse:
		value = d.counterAtPulse
	default:
		d.rejected(d.mmioWin, "read", offset, len(data), errUnmapped)
		value = Sentinel
	}
	putValue(data, uint64(value))
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	offset := addr - d.windows.MMIOBase

	if err := d.mmioWin.check(offset, len(data)); err != nil {
		d.rejected(d.mmioWin, "write", offset, len(data), err)
		return nil
	}

	value := uint32(getValue(data))
	switch offset {
	case MMIORegIRQStatus:
		// Status mirrors the line; writes have no effect.
	case MMIORegID:
		d.id = value
	default:
		d.rejected(d.mmioWin, "write", offset, len(data), errUnmapped)
	}
	return nil
}

// ReadIOPort implements chipset.PortIOHandler.
func (d *Device) ReadIOPort(port uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	offset := uint64(port - d.windows.IOBase)

	if err := d.ioWin.check(offset, len(data)); err != nil {
		d.rejected(d.ioWin, "read", offset, len(data), err)
		putValue(data, Sentinel)
		return nil
	}

	switch offset {
	case IORegIRQ:
		putValue(data, uint64(boolToReg(d.irqAsserted)))
	default:
		d.rejected(d.ioWin, "read", offset, len(data), errUnmapped)
		putValue(data, Sentinel)
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (d *Device) WriteIOPort(port uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	offset := uint64(port - d.windows.IOBase)

	if err := d.ioWin.check(offset, len(data)); err != nil {
		d.rejected(d.ioWin, "write", offset, len(data), err)
		return nil
	}

	value := uint32(getValue(data))
	switch offset {
	case IORegIRQ:
		d.setIRQLocked(value != 0)
	case IORegDMATrigger:
		d.startDMALocked(uint64(value))
	default:
		d.rejected(d.ioWin, "write", offset, len(data), errUnmapped)
	}
	return nil
}

func (d *Device) setIRQLocked(high bool) {
	d.irqAsserted = high
	if high {
		d.irq.Assert()
	} else {
		d.irq.Deassert()
	}
	d.log.Debug("hellodev: interrupt", "asserted", high, "irq", d.windows.IRQLine)
}

// startDMALocked runs a transfer synchronously. Failures are reported in the
// log only; the guest has no completion or error register to observe.
func (d *Device) startDMALocked(addr uint64) {
	if err := d.dma.transfer(d.mem, addr); err != nil {
		d.log.Warn("hellodev: dma rejected", "addr", fmt.Sprintf("%#x", addr), "error", err)
		return
	}
	d.log.Debug("hellodev: dma complete", "addr", fmt.Sprintf("%#x", addr), "len", DMABufferSize)
}

func (d *Device) rejected(w window, op string, offset uint64, width int, reason error) {
	d.log.Debug("hellodev: "+w.name+" "+op+" ignored",
		"offset", fmt.Sprintf("%#x", offset),
		"width", width,
		"reason", reason,
	)
}
