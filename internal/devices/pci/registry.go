package pci

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/tinyrange/hellodev/internal/chipset"
	"github.com/tinyrange/hellodev/internal/hostmem"
)

// BARSpec declares one fixed-size BAR window of a device type.
type BARSpec struct {
	Index int
	IO    bool
	Size  uint32
}

// LineAllocator hands out interrupt line handles.
type LineAllocator interface {
	AllocateLine(irq uint8) chipset.LineInterrupt
}

// AttachEnv is everything a device type needs to construct an instance on a host bridge.
type AttachEnv struct {
	Name      string
	Host      *HostBridge
	Device    uint8
	Lines     LineAllocator
	Allocator hostmem.Allocator
	Logger    *slog.Logger

	// RandSource seeds any device-side pseudo-random generator. Nil means
	// the device seeds itself.
	RandSource rand.Source

	// Type is the descriptor being instantiated. Constructors take identity,
	// BAR layout and interrupt pin from it; a zero Type selects the
	// constructor's built-in layout.
	Type DeviceType
}

// Function is a constructed PCI function ready to be attached to the chipset.
type Function interface {
	chipset.ChipsetDevice
	Endpoint
	io.Closer
}

// DeviceType describes a PCI function model: its identity, BAR windows,
// interrupt pin and constructor.
type DeviceType struct {
	Name         string
	Description  string
	VendorID     uint16
	DeviceID     uint16
	ClassCode    uint32
	Revision     uint8
	InterruptPin uint8
	BARs         []BARSpec

	New func(env AttachEnv) (Function, error)
}

// Validate checks the descriptor is internally consistent.
func (t DeviceType) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("pci device type has empty name")
	}
	if t.New == nil {
		return fmt.Errorf("pci device type %q has no constructor", t.Name)
	}
	if t.InterruptPin > InterruptPinD {
		return fmt.Errorf("pci device type %q: invalid interrupt pin %d", t.Name, t.InterruptPin)
	}
	if t.ClassCode > 0xffffff {
		return fmt.Errorf("pci device type %q: class code 0x%x exceeds 24 bits", t.Name, t.ClassCode)
	}
	seen := make(map[int]bool, len(t.BARs))
	for _, bar := range t.BARs {
		if bar.Index < 0 || bar.Index >= type0BARCount {
			return fmt.Errorf("pci device type %q: BAR index %d out of range", t.Name, bar.Index)
		}
		if seen[bar.Index] {
			return fmt.Errorf("pci device type %q: BAR %d declared twice", t.Name, bar.Index)
		}
		seen[bar.Index] = true
		if bar.Size == 0 || bar.Size&(bar.Size-1) != 0 {
			return fmt.Errorf("pci device type %q: BAR %d size 0x%x is not a power of two", t.Name, bar.Index, bar.Size)
		}
	}
	return nil
}

// Instantiate validates the descriptor and constructs a function from it.
// The descriptor is passed to the constructor in env.Type.
func (t DeviceType) Instantiate(env AttachEnv) (Function, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	env.Type = t
	return t.New(env)
}

// BAR returns the declared BAR with the given index.
func (t DeviceType) BAR(index int) (BARSpec, bool) {
	for _, bar := range t.BARs {
		if bar.Index == index {
			return bar, true
		}
	}
	return BARSpec{}, false
}

// Registry is an owned table of device types, filled at startup.
type Registry struct {
	mu    sync.RWMutex
	types map[string]DeviceType
}

// NewRegistry returns a registry containing the supplied types.
func NewRegistry(types ...DeviceType) (*Registry, error) {
	r := &Registry{types: make(map[string]DeviceType)}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a device type.
func (r *Registry) Register(t DeviceType) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("pci device type %q already registered", t.Name)
	}
	r.types[t.Name] = t
	return nil
}

// Lookup returns the named device type.
func (r *Registry) Lookup(name string) (DeviceType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
