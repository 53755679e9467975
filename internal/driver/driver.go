// Package driver is a minimal guest-side PCI driver core. It walks bus 0
// through configuration reads, matches functions against a driver's ID
// table and calls the driver's probe and remove hooks.
package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Config register offsets read during enumeration.
const (
	regVendorDevice  = 0x00
	regClassRevision = 0x08
	regHeader        = 0x0c
	regSubsystem     = 0x2c
	regInterrupt     = 0x3c

	headerMultiFunction = 0x80
	absentVendor        = 0xffff
)

// ConfigReader performs configuration reads on bus 0.
type ConfigReader interface {
	ReadConfig(device, function uint8, reg uint16, size uint8) uint32
}

// ID matches a function by vendor and device ID.
type ID struct {
	Vendor uint16
	Device uint16
}

// Function describes an enumerated PCI function.
type Function struct {
	Device         uint8
	Function       uint8
	VendorID       uint16
	DeviceID       uint16
	SubsysVendorID uint16
	SubsysDeviceID uint16
	RevisionID     uint8
	ClassCode      uint32
	InterruptLine  uint8
	InterruptPin   uint8
}

// Location returns the bus:device.function string for f.
func (f Function) Location() string {
	return fmt.Sprintf("00:%02x.%x", f.Device, f.Function)
}

func (f Function) id() ID { return ID{Vendor: f.VendorID, Device: f.DeviceID} }

// Driver is a set of probe/remove hooks bound to an ID table.
type Driver struct {
	Name   string
	IDs    []ID
	Probe  func(Function) error
	Remove func(Function)
}

func (d Driver) matches(f Function) bool {
	for _, id := range d.IDs {
		if id == f.id() {
			return true
		}
	}
	return false
}

// Enumerate lists every present function on bus 0, skipping the host bridge.
func Enumerate(cfg ConfigReader) []Function {
	var out []Function
	for dev := uint8(1); dev <= 0x1f; dev++ {
		for fn := uint8(0); fn <= 0x7; fn++ {
			f, ok := readFunction(cfg, dev, fn)
			if !ok {
				if fn == 0 {
					break
				}
				continue
			}
			out = append(out, f)
			if fn == 0 && uint8(cfg.ReadConfig(dev, 0, regHeader+2, 1))&headerMultiFunction == 0 {
				break
			}
		}
	}
	return out
}

func readFunction(cfg ConfigReader, dev, fn uint8) (Function, bool) {
	ids := cfg.ReadConfig(dev, fn, regVendorDevice, 4)
	if uint16(ids) == absentVendor {
		return Function{}, false
	}
	classRev := cfg.ReadConfig(dev, fn, regClassRevision, 4)
	subsys := cfg.ReadConfig(dev, fn, regSubsystem, 4)
	intr := cfg.ReadConfig(dev, fn, regInterrupt, 2)
	return Function{
		Device:         dev,
		Function:       fn,
		VendorID:       uint16(ids),
		DeviceID:       uint16(ids >> 16),
		SubsysVendorID: uint16(subsys),
		SubsysDeviceID: uint16(subsys >> 16),
		RevisionID:     uint8(classRev),
		ClassCode:      classRev >> 8,
		InterruptLine:  uint8(intr),
		InterruptPin:   uint8(intr >> 8),
	}, true
}

type location struct {
	dev, fn uint8
}

// Binder tracks which functions a driver is bound to.
type Binder struct {
	log *slog.Logger
	cfg ConfigReader
	drv Driver

	mu    sync.Mutex
	bound map[location]Function
}

// NewBinder returns a Binder for drv. A nil logger uses slog.Default.
func NewBinder(cfg ConfigReader, drv Driver, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		log:   logger.With("driver", drv.Name),
		cfg:   cfg,
		drv:   drv,
		bound: make(map[location]Function),
	}
}

// Rescan probes newly present matching functions and removes bindings whose
// function has disappeared. It returns the functions bound after the scan.
func (b *Binder) Rescan() ([]Function, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	present := make(map[location]Function)
	for _, f := range Enumerate(b.cfg) {
		if b.drv.matches(f) {
			present[location{f.Device, f.Function}] = f
		}
	}

	for loc, f := range b.bound {
		if _, ok := present[loc]; !ok {
			b.removeLocked(loc, f)
		}
	}

	var errs []error
	for loc, f := range present {
		if _, ok := b.bound[loc]; ok {
			continue
		}
		if b.drv.Probe != nil {
			if err := b.drv.Probe(f); err != nil {
				b.log.Warn("driver: probe failed", "location", f.Location(), "error", err)
				errs = append(errs, fmt.Errorf("driver: probe %s: %w", f.Location(), err))
				continue
			}
		}
		b.bound[loc] = f
		b.log.Debug("driver: bound", "location", f.Location())
	}

	return b.boundLocked(), errors.Join(errs...)
}

// UnbindAll calls Remove for every bound function.
func (b *Binder) UnbindAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for loc, f := range b.bound {
		b.removeLocked(loc, f)
	}
}

// Bound returns the bound functions ordered by location.
func (b *Binder) Bound() []Function {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.boundLocked()
}

func (b *Binder) removeLocked(loc location, f Function) {
	if b.drv.Remove != nil {
		b.drv.Remove(f)
	}
	delete(b.bound, loc)
	b.log.Debug("driver: unbound", "location", f.Location())
}

func (b *Binder) boundLocked() []Function {
	out := make([]Function, 0, len(b.bound))
	for dev := uint8(0); dev <= 0x1f; dev++ {
		for fn := uint8(0); fn <= 0x7; fn++ {
			if f, ok := b.bound[location{dev, fn}]; ok {
				out = append(out, f)
			}
		}
	}
	return out
}
