package hello

import "github.com/tinyrange/hellodev/internal/devices/pci"

// TypeName is the name the device type is registered under.
const TypeName = "pci-hellodev"

// Type describes the hello device for a pci.Registry. A copy with a different
// identity, BAR layout or interrupt pin builds devices with that layout when
// instantiated.
var Type = newType()

func newType() pci.DeviceType {
	t := defaultType()
	t.New = func(env pci.AttachEnv) (pci.Function, error) {
		dev, err := New(env)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
	return t
}

// defaultType is the built-in descriptor without a constructor. New falls
// back to it when env.Type is unset.
func defaultType() pci.DeviceType {
	return pci.DeviceType{
		Name:         TypeName,
		Description:  "PCI Hello World",
		VendorID:     VendorID,
		DeviceID:     DeviceID,
		ClassCode:    ClassCode,
		Revision:     Revision,
		InterruptPin: pci.InterruptPinB,
		BARs: []pci.BARSpec{
			{Index: 0, IO: true, Size: IOWindowSize},
			{Index: 1, Size: MMIOWindowSize},
		},
	}
}
