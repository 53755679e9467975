package hello

import (
	"testing"

	"github.com/tinyrange/hellodev/internal/devices/pci"
)

func TestConfigHeader(t *testing.T) {
	rig := newTestRig(t)
	w := rig.dev.Windows()
	dev := uint8(1)

	tests := []struct {
		name string
		reg  uint16
		size uint8
		want uint32
	}{
		{"vendor", pci.RegVendorID, 2, VendorID},
		{"device", pci.RegVendorID + 2, 2, DeviceID},
		{"class", pci.RegClassRevision + 3, 1, 0xff},
		{"revision", pci.RegClassRevision, 1, Revision},
		{"header type", pci.RegHeader + 2, 1, 0},
		{"bar0", pci.RegBAR0, 4, uint32(w.IOBase) | pci.BARSpaceIO},
		{"bar1", pci.RegBAR0 + 4, 4, uint32(w.MMIOBase)},
		{"subsystem vendor", pci.RegSubsystem, 2, VendorID},
		{"interrupt pin", pci.RegInterrupt + 1, 1, pci.InterruptPinB},
		{"interrupt line", pci.RegInterrupt, 1, uint32(w.IRQLine)},
		{"command", pci.RegCommand, 2, commandIOSpace | commandMemorySpace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rig.host.ReadConfig(dev, 0, tt.reg, tt.size); got != tt.want {
				t.Fatalf("config[%#x] = %#x, want %#x", tt.reg, got, tt.want)
			}
		})
	}
}

func TestConfigWrites(t *testing.T) {
	rig := newTestRig(t)
	w := rig.dev.Windows()

	// Writing a base back ends sizing; the window does not move.
	rig.host.WriteConfig(1, 0, pci.RegBAR0+4, 4, 0x1234_0000)
	if got := rig.host.ReadConfig(1, 0, pci.RegBAR0+4, 4); got != uint32(w.MMIOBase) {
		t.Fatalf("bar1 after write = %#x, want %#x", got, w.MMIOBase)
	}

	rig.host.WriteConfig(1, 0, pci.RegInterrupt, 1, 5)
	rig.host.WriteConfig(1, 0, pci.RegInterrupt+1, 1, 1)
	if got := rig.host.ReadConfig(1, 0, pci.RegInterrupt, 2); got != 0x0205 {
		t.Fatalf("interrupt register = %#x, want 0x0205", got)
	}

	rig.host.WriteConfig(1, 0, pci.RegCommand, 2, 0xffff)
	if got := rig.host.ReadConfig(1, 0, pci.RegCommand, 4); got != commandWritableMask {
		t.Fatalf("command/status = %#x, want %#x", got, commandWritableMask)
	}

	if err := rig.dev.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := rig.host.ReadConfig(1, 0, pci.RegInterrupt, 1); got != 5 {
		t.Fatalf("interrupt line after reset = %d, want 5", got)
	}
}

func TestConfigRejectsBadAccess(t *testing.T) {
	rig := newTestRig(t)
	cs := rig.dev.ConfigSpace()

	if _, err := cs.ReadConfig(0x01, 2); err == nil {
		t.Fatal("expected unaligned read to fail")
	}
	if _, err := cs.ReadConfig(0, 3); err == nil {
		t.Fatal("expected size 3 to fail")
	}
	if _, err := cs.ReadConfig(0x100, 4); err == nil {
		t.Fatal("expected read past legacy config space to fail")
	}
}

func TestConfigBARSizing(t *testing.T) {
	rig := newTestRig(t)
	w := rig.dev.Windows()

	tests := []struct {
		name string
		reg  uint16
		mask uint32
		base uint32
	}{
		{"io", pci.RegBAR0, 0xffff_fff0 | pci.BARSpaceIO, uint32(w.IOBase) | pci.BARSpaceIO},
		{"memory", pci.RegBAR0 + 4, 0xffff_ffc0 | pci.BARSpaceMem32, uint32(w.MMIOBase)},
		{"unimplemented", pci.RegBAR0 + 8, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig.host.WriteConfig(1, 0, tt.reg, 4, 0xffff_ffff)
			if got := rig.host.ReadConfig(1, 0, tt.reg, 4); got != tt.mask {
				t.Fatalf("sizing read = %#x, want %#x", got, tt.mask)
			}
			rig.host.WriteConfig(1, 0, tt.reg, 4, tt.base)
			if got := rig.host.ReadConfig(1, 0, tt.reg, 4); got != tt.base {
				t.Fatalf("read after restore = %#x, want %#x", got, tt.base)
			}
		})
	}

	// Sizing does not move the windows.
	if got := rig.readMMIO32(t, MMIORegID); got != DefaultID {
		t.Fatalf("id after sizing = %#x, want %#x", got, DefaultID)
	}
}
