package hello

import (
	"fmt"

	"github.com/tinyrange/hellodev/internal/devices/pci"
)

// layout is the identity and window placement a Device is built from. It is
// taken from the pci.DeviceType being instantiated.
type layout struct {
	vendorID  uint16
	deviceID  uint16
	classCode uint32
	revision  uint8
	pin       uint8

	ioBAR  pci.BARSpec
	memBAR pci.BARSpec
}

// layoutOf extracts the device layout from a descriptor. The register file
// needs exactly one I/O and one memory BAR, each at least as large as the
// registers it holds.
func layoutOf(t pci.DeviceType) (layout, error) {
	l := layout{
		vendorID:  t.VendorID,
		deviceID:  t.DeviceID,
		classCode: t.ClassCode,
		revision:  t.Revision,
		pin:       t.InterruptPin,
	}
	var haveIO, haveMem bool
	for _, bar := range t.BARs {
		switch {
		case bar.IO && !haveIO:
			l.ioBAR, haveIO = bar, true
		case !bar.IO && !haveMem:
			l.memBAR, haveMem = bar, true
		default:
			return layout{}, fmt.Errorf("device type %q declares BAR %d beyond one I/O and one memory window", t.Name, bar.Index)
		}
	}
	if !haveIO || !haveMem {
		return layout{}, fmt.Errorf("device type %q needs one I/O and one memory BAR", t.Name)
	}
	if l.ioBAR.Size < IOWindowSize {
		return layout{}, fmt.Errorf("device type %q: I/O BAR of %d bytes is smaller than %d", t.Name, l.ioBAR.Size, IOWindowSize)
	}
	if l.memBAR.Size < MMIOWindowSize {
		return layout{}, fmt.Errorf("device type %q: memory BAR of %d bytes is smaller than %d", t.Name, l.memBAR.Size, MMIOWindowSize)
	}
	return l, nil
}
