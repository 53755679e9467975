package machine

import (
	"log/slog"
	"sync"
)

// InterruptController is the machine's legacy interrupt controller. It
// latches the level of each line and counts rising edges.
type InterruptController struct {
	log *slog.Logger

	mu     sync.Mutex
	levels [256]bool
	raised [256]uint64
}

func newInterruptController(logger *slog.Logger) *InterruptController {
	return &InterruptController{log: logger}
}

// SetIRQ implements chipset.InterruptSink.
func (c *InterruptController) SetIRQ(line uint8, level bool) {
	c.mu.Lock()
	if level && !c.levels[line] {
		c.raised[line]++
	}
	c.levels[line] = level
	c.mu.Unlock()

	c.log.Debug("machine: irq", "line", line, "level", level)
}

// Level reports whether line is currently asserted.
func (c *InterruptController) Level(line uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levels[line]
}

// Raised returns how many times line went from low to high.
func (c *InterruptController) Raised(line uint8) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raised[line]
}
