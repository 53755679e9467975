package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/hellodev/internal/chipset"
	"github.com/tinyrange/hellodev/internal/hv"
)

const (
	type0BAROffset = 0x10
	type0BARCount  = 6
	type0BARStride = 4

	// PCI configuration space registers used by the host bridge and endpoints.
	RegVendorID      = 0x00
	RegCommand       = 0x04
	RegClassRevision = 0x08
	RegHeader        = 0x0c
	RegBAR0          = type0BAROffset
	BARCount         = type0BARCount
	RegSubsystem     = 0x2c
	RegInterrupt     = 0x3c

	ConfigSpaceLegacySize = 256

	// Interrupt pin values as stored in the Interrupt Pin register.
	InterruptPinNone = 0
	InterruptPinA    = 1
	InterruptPinB    = 2
	InterruptPinC    = 3
	InterruptPinD    = 4

	// BAR low bits.
	BARSpaceIO    = 0x1
	BARSpaceMem32 = 0x0

	invalidConfigValue = 0xffff_ffff
)

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint represents a PCI function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace
}

// BARAllocator reserves address space for BAR windows. name identifies the
// owner in the resulting address map.
type BARAllocator interface {
	Allocate(name string, io bool, size uint32, align uint32) (uint64, error)
}

// AddressSpaceAllocator places BARs in the MMIO and I/O apertures of an hv.AddressSpace.
type AddressSpaceAllocator struct {
	Space *hv.AddressSpace
}

func (a AddressSpaceAllocator) Allocate(name string, io bool, size uint32, align uint32) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	if io {
		if size > 0x100 || align > 0x100 {
			return 0, fmt.Errorf("I/O BAR size 0x%x exceeds 256 ports", size)
		}
		alloc, err := a.Space.AllocateIO(hv.IOAllocationRequest{Name: name, Size: uint16(size), Alignment: uint16(align)})
		if err != nil {
			return 0, err
		}
		return uint64(alloc.Base), nil
	}
	alloc, err := a.Space.Allocate(hv.MMIOAllocationRequest{Name: name, Size: uint64(size), Alignment: uint64(align)})
	if err != nil {
		return 0, err
	}
	return alloc.Base, nil
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string {
	return fmt.Sprintf("%02x:%02x.%x", k.bus, k.dev, k.fn)
}

type deviceSlot struct {
	provider ConfigSpace
	barBase  [type0BARCount]uint64
	barSize  [type0BARCount]uint32
	barIO    [type0BARCount]bool
}

// DeviceHandle exposes helper methods for registered endpoints.
type DeviceHandle struct {
	host *HostBridge
	key  deviceKey
}

// AllocateMemoryBAR reserves MMIO space for the supplied BAR index.
func (h *DeviceHandle) AllocateMemoryBAR(index int, size uint32, align uint32) (uint64, error) {
	if h == nil || h.host == nil {
		return 0, fmt.Errorf("pci device handle is nil")
	}
	return h.host.allocateBAR(h.key, index, false, size, align)
}

// AllocateIOBAR reserves legacy I/O port space for the supplied BAR index.
func (h *DeviceHandle) AllocateIOBAR(index int, size uint32, align uint32) (uint16, error) {
	if h == nil || h.host == nil {
		return 0, fmt.Errorf("pci device handle is nil")
	}
	base, err := h.host.allocateBAR(h.key, index, true, size, align)
	if err != nil {
		return 0, err
	}
	return uint16(base), nil
}

// IRQForPin returns the interrupt line the host bridge routes pin to for this device.
func (h *DeviceHandle) IRQForPin(pin uint8) (uint8, error) {
	return h.host.IRQForPin(h.key.dev, pin)
}

// String formats the handle as bus:device.function.
func (h *DeviceHandle) String() string { return h.key.String() }

// Release unregisters the endpoint. Address space handed out for its BARs is
// not recycled.
func (h *DeviceHandle) Release() error {
	if h == nil || h.host == nil {
		return fmt.Errorf("pci device handle is nil")
	}
	return h.host.unregister(h.key)
}

// HostBridgeConfig describes the MMIO layout for config accesses and BAR windows.
type HostBridgeConfig struct {
	ConfigBase   uint64
	ConfigSize   uint64
	RootVendorID uint16
	RootDeviceID uint16
	BARAllocator BARAllocator
	// INTxLines maps the swizzled pins INTA..INTD to interrupt lines.
	INTxLines [4]uint8
}

// HostBridge implements a minimal ECAM-capable PCI root complex for bus 0.
type HostBridge struct {
	configBase uint64
	configSize uint64

	rootVendorID uint16
	rootDeviceID uint16

	intxLines [4]uint8

	barAllocator BARAllocator

	mu      sync.Mutex
	devices map[deviceKey]*deviceSlot
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultConfigSize = 1 << 20 // 1 MiB covers bus 0
		defaultMMIOBase   = 0x20000000
		defaultMMIOSize   = 0x10000000
		defaultIOBase     = 0xc000
		defaultIOSize     = 0x1000
	)

	h := &HostBridge{
		configBase: cfg.ConfigBase,
		configSize: cfg.ConfigSize,
		rootVendorID: func() uint16 {
			if cfg.RootVendorID != 0 {
				return cfg.RootVendorID
			}
			return 0x1af4
		}(),
		rootDeviceID: func() uint16 {
			if cfg.RootDeviceID != 0 {
				return cfg.RootDeviceID
			}
			return 0x0001
		}(),
		intxLines: cfg.INTxLines,
		devices:   make(map[deviceKey]*deviceSlot),
	}
	if h.configSize == 0 {
		h.configSize = defaultConfigSize
	}
	if h.intxLines == [4]uint8{} {
		h.intxLines = [4]uint8{10, 11, 12, 13}
	}
	if cfg.BARAllocator != nil {
		h.barAllocator = cfg.BARAllocator
	} else {
		h.barAllocator = AddressSpaceAllocator{Space: hv.NewAddressSpace(hv.AddressSpaceConfig{
			MMIOBase: defaultMMIOBase,
			MMIOSize: defaultMMIOSize,
			IOBase:   defaultIOBase,
			IOSize:   defaultIOSize,
		})}
	}
	return h
}

// Init implements hv.Device.
func (*HostBridge) Init(hv.VirtualMachine) error {
	return nil
}

// Reset implements chipset.ChangeDeviceState. Endpoints reset themselves.
func (*HostBridge) Reset() error {
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (*HostBridge) SupportsPortIO() *chipset.PortIOIntercept {
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (h *HostBridge) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: h.MMIORegions(),
		Handler: h,
	}
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{
		Address: h.configBase,
		Size:    h.configSize,
	}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if addr < h.configBase || offset+uint64(len(data)) > h.configSize {
		return fmt.Errorf("pci host bridge: read outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg := decodeConfigAddress(curOffset)
		chunk := pickConfigAccessSize(reg, remaining)
		value := h.readConfig(key, reg, chunk)
		for i := 0; i < int(chunk); i++ {
			data[cursor+i] = byte(value >> (8 * i))
		}
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if addr < h.configBase || offset+uint64(len(data)) > h.configSize {
		return fmt.Errorf("pci host bridge: write outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg := decodeConfigAddress(curOffset)
		chunk := pickConfigAccessSize(reg, remaining)
		value := uint32(0)
		for i := 0; i < int(chunk); i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		h.writeConfig(key, reg, chunk, value)
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

// ConfigAddress returns the ECAM guest-physical address of a config register.
func (h *HostBridge) ConfigAddress(device, function uint8, reg uint16) uint64 {
	return h.configBase | uint64(device&0x1f)<<15 | uint64(function&0x7)<<12 | uint64(reg&0xfff)
}

// ReadConfig reads a config register of bus 0 without going through the ECAM window.
func (h *HostBridge) ReadConfig(device, function uint8, reg uint16, size uint8) uint32 {
	return h.readConfig(deviceKey{dev: device, fn: function}, reg, size)
}

// WriteConfig writes a config register of bus 0 without going through the ECAM window.
func (h *HostBridge) WriteConfig(device, function uint8, reg uint16, size uint8, value uint32) {
	h.writeConfig(deviceKey{dev: device, fn: function}, reg, size, value)
}

func decodeConfigAddress(offset uint64) (deviceKey, uint16) {
	bus := uint8((offset >> 20) & 0xff)
	device := uint8((offset >> 15) & 0x1f)
	function := uint8((offset >> 12) & 0x7)
	reg := uint16(offset & 0xfff)
	return deviceKey{bus: bus, dev: device, fn: function}, reg
}

func (h *HostBridge) readConfig(key deviceKey, offset uint16, size uint8) uint32 {
	if key.bus != 0 {
		return maskValue(invalidConfigValue, size)
	}
	if key.dev == 0 && key.fn == 0 {
		return h.readRootConfig(offset, size)
	}
	provider := h.provider(key)
	if provider == nil {
		return maskValue(invalidConfigValue, size)
	}
	value, err := provider.ReadConfig(offset, size)
	if err != nil {
		return maskValue(invalidConfigValue, size)
	}
	return maskValue(value, size)
}

func (h *HostBridge) writeConfig(key deviceKey, offset uint16, size uint8, value uint32) {
	if key.bus != 0 || (key.dev == 0 && key.fn == 0) {
		return
	}
	provider := h.provider(key)
	if provider == nil {
		return
	}
	_ = provider.WriteConfig(offset, size, value)
}

func (h *HostBridge) readRootConfig(offset uint16, size uint8) uint32 {
	if size == 0 || size > 4 {
		return invalidConfigValue
	}
	if int(offset)+int(size) > ConfigSpaceLegacySize {
		return 0
	}
	var buf [ConfigSpaceLegacySize]byte
	binary.LittleEndian.PutUint16(buf[0:], h.rootVendorID)
	binary.LittleEndian.PutUint16(buf[2:], h.rootDeviceID)
	buf[0x0b] = 0x06 // bridge
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(buf[int(offset)+int(i)]) << (8 * i)
	}
	return value
}

// RegisterEndpoint associates an endpoint with the supplied location.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) (*DeviceHandle, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("pci endpoint cannot be nil")
	}
	if bus != 0 {
		return nil, fmt.Errorf("only bus 0 supported (got %d)", bus)
	}
	if device > 0x1f || function > 0x7 {
		return nil, fmt.Errorf("invalid location %02x:%02x.%x", bus, device, function)
	}
	if device == 0 && function == 0 {
		return nil, fmt.Errorf("00:00.0 is reserved for the host bridge")
	}
	provider := endpoint.ConfigSpace()
	if provider == nil {
		return nil, fmt.Errorf("endpoint must expose config space")
	}

	key := deviceKey{bus: bus, dev: device, fn: function}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return nil, fmt.Errorf("device already registered at %s", key)
	}
	h.devices[key] = &deviceSlot{provider: provider}
	return &DeviceHandle{host: h, key: key}, nil
}

// FreeDevice returns the lowest unused device number on bus 0, starting at 1.
func (h *HostBridge) FreeDevice() (uint8, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for dev := uint8(1); dev <= 0x1f; dev++ {
		if _, used := h.devices[deviceKey{dev: dev}]; !used {
			return dev, nil
		}
	}
	return 0, fmt.Errorf("pci host bridge: no free device slot on bus 0")
}

// IRQForPin applies the standard INTx swizzle for a device on bus 0.
func (h *HostBridge) IRQForPin(device uint8, pin uint8) (uint8, error) {
	if pin < InterruptPinA || pin > InterruptPinD {
		return 0, fmt.Errorf("invalid interrupt pin %d", pin)
	}
	return h.intxLines[(int(device)+int(pin)-1)%4], nil
}

func (h *HostBridge) unregister(key deviceKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.devices[key]; !ok {
		return fmt.Errorf("no device registered at %s", key)
	}
	delete(h.devices, key)
	return nil
}

func (h *HostBridge) provider(key deviceKey) ConfigSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot := h.devices[key]; slot != nil {
		return slot.provider
	}
	return nil
}

func (h *HostBridge) allocateBAR(key deviceKey, index int, io bool, size uint32, align uint32) (uint64, error) {
	if index < 0 || index >= type0BARCount {
		return 0, fmt.Errorf("BAR index %d out of range", index)
	}
	if size == 0 || size&(size-1) != 0 {
		return 0, fmt.Errorf("BAR size 0x%x must be a non-zero power of two", size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	slot := h.devices[key]
	if slot == nil {
		return 0, fmt.Errorf("device not registered")
	}
	if slot.barSize[index] != 0 {
		return 0, fmt.Errorf("BAR %d of %s already allocated", index, key)
	}
	base, err := h.barAllocator.Allocate(fmt.Sprintf("%s BAR%d", key, index), io, size, align)
	if err != nil {
		return 0, err
	}
	slot.barBase[index] = base
	slot.barSize[index] = size
	slot.barIO[index] = io
	return base, nil
}

// BARInfo describes an allocated BAR window.
type BARInfo struct {
	Index int
	Base  uint64
	Size  uint32
	IO    bool
}

// DeviceInfo describes an endpoint registered on the host bridge.
type DeviceInfo struct {
	Location string
	Device   uint8
	Function uint8
	BARs     []BARInfo
}

// Devices lists registered endpoints ordered by device and function.
func (h *HostBridge) Devices() []DeviceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []DeviceInfo
	for dev := uint8(0); dev <= 0x1f; dev++ {
		for fn := uint8(0); fn <= 0x7; fn++ {
			key := deviceKey{dev: dev, fn: fn}
			slot := h.devices[key]
			if slot == nil {
				continue
			}
			info := DeviceInfo{Location: key.String(), Device: dev, Function: fn}
			for i := range slot.barSize {
				if slot.barSize[i] == 0 {
					continue
				}
				info.BARs = append(info.BARs, BARInfo{
					Index: i,
					Base:  slot.barBase[i],
					Size:  slot.barSize[i],
					IO:    slot.barIO[i],
				})
			}
			out = append(out, info)
		}
	}
	return out
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return invalidConfigValue
	}
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

var (
	_ hv.Device               = (*HostBridge)(nil)
	_ hv.MemoryMappedIODevice = (*HostBridge)(nil)
	_ chipset.ChipsetDevice   = (*HostBridge)(nil)
)
