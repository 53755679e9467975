package hello

const (
	// MMIOWindowSize and IOWindowSize are the default BAR sizes and the
	// smallest a descriptor may declare. Both must be powers of two.
	MMIOWindowSize = 1 << 6
	IOWindowSize   = 1 << 4

	// DMABufferSize is the size of the buffer copied to the guest on every DMA trigger.
	DMABufferSize = 0x1ffff

	// Sentinel is returned for rejected and unmapped reads.
	Sentinel = 0xdeaddead

	DefaultID = 0x1337

	VendorID  = 0x1337
	DeviceID  = 0x0001
	ClassCode = 0xff0000 // unassigned class ("other")
	Revision  = 0x00

	// accessWidth is the only access size either window accepts.
	accessWidth = 4
)

// MMIO window registers.
const (
	MMIORegIRQStatus      = 0x0
	MMIORegID             = 0x4
	MMIORegCounterAtPulse = 0x8
)

// I/O window registers.
const (
	IORegIRQ        = 0x0
	IORegDMATrigger = 0x4
)

// Registers is a consistent snapshot of the device registers.
type Registers struct {
	ID             uint32
	IRQAsserted    bool
	Counter        uint32
	CounterAtPulse uint32
}

// Windows describes where the device was placed by the host bridge.
// IRQLine is 0xff when InterruptPin is zero.
type Windows struct {
	Location     string
	IOBase       uint16
	IOSize       uint32
	MMIOBase     uint64
	MMIOSize     uint32
	IRQLine      uint8
	InterruptPin uint8
}

func boolToReg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
