package driver

import "log/slog"

// Hello returns the driver for the PCI hello device. Probe and remove only
// log; the device needs no setup from the guest.
func Hello(logger *slog.Logger) Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return Driver{
		Name: "hello",
		IDs:  []ID{{Vendor: 0x1337, Device: 0x0001}},
		Probe: func(f Function) error {
			logger.Info("driver: hello device bound", "location", f.Location(), "irq", f.InterruptLine)
			return nil
		},
		Remove: func(f Function) {
			logger.Info("driver: hello device removed", "location", f.Location())
		},
	}
}
