package pci

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testType(name string) DeviceType {
	return DeviceType{
		Name:         name,
		InterruptPin: InterruptPinA,
		BARs:         []BARSpec{{Index: 0, IO: true, Size: 16}},
		New:          func(AttachEnv) (Function, error) { return nil, nil },
	}
}

func TestDeviceTypeValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DeviceType)
	}{
		{"empty name", func(d *DeviceType) { d.Name = "" }},
		{"no constructor", func(d *DeviceType) { d.New = nil }},
		{"bad pin", func(d *DeviceType) { d.InterruptPin = 5 }},
		{"wide class", func(d *DeviceType) { d.ClassCode = 0x1000000 }},
		{"bar index", func(d *DeviceType) { d.BARs = []BARSpec{{Index: 6, Size: 16}} }},
		{"bar twice", func(d *DeviceType) { d.BARs = []BARSpec{{Index: 1, Size: 16}, {Index: 1, Size: 32}} }},
		{"bar size", func(d *DeviceType) { d.BARs = []BARSpec{{Index: 1, Size: 24}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dt := testType("x")
			tt.mutate(&dt)
			if err := dt.Validate(); err == nil {
				t.Fatal("expected Validate to fail")
			}
		})
	}
	if err := testType("ok").Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(testType("b"), testType("a"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, r.Names()); diff != "" {
		t.Fatalf("Names() mismatch (-want +got):\n%s", diff)
	}
	if err := r.Register(testType("a")); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("Lookup of unknown type succeeded")
	}
	dt, ok := r.Lookup("a")
	if !ok {
		t.Fatal("Lookup(a) failed")
	}
	if bar, ok := dt.BAR(0); !ok || !bar.IO || bar.Size != 16 {
		t.Fatalf("BAR(0) = %+v, %v", bar, ok)
	}
	if _, ok := dt.BAR(1); ok {
		t.Fatal("BAR(1) should not exist")
	}

	if _, err := NewRegistry(testType("")); err == nil {
		t.Fatal("expected invalid type to fail NewRegistry")
	}
}

func TestInstantiatePassesDescriptor(t *testing.T) {
	var got DeviceType
	dt := testType("seen")
	dt.VendorID = 0xabcd
	dt.New = func(env AttachEnv) (Function, error) {
		got = env.Type
		return nil, nil
	}
	if _, err := dt.Instantiate(AttachEnv{Device: 3}); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if got.Name != "seen" || got.VendorID != 0xabcd {
		t.Fatalf("constructor saw %+v", got)
	}

	dt.InterruptPin = 9
	if _, err := dt.Instantiate(AttachEnv{}); err == nil {
		t.Fatal("expected invalid descriptor to fail Instantiate")
	}
}
