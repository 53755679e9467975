package chipset

import "sync"

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// LineSet manages level-triggered interrupt lines. Several sources may share
// a line; the line is high while any source drives it high, as with wired-OR
// PCI INTx lines.
type LineSet struct {
	mu sync.Mutex

	sink InterruptSink

	lines      map[uint8]*lineState
	nextSource int
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint8]*lineState),
	}
}

// AllocateLine returns a LineInterrupt handle for a new source on the given IRQ line.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{sources: make(map[int]bool)}
	}
	l.nextSource++
	return &lineHandle{owner: l, irq: irq, source: l.nextSource}
}

// Level reports the current level of the line.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state := l.lines[irq]; state != nil {
		return state.level
	}
	return false
}

type lineState struct {
	sources map[int]bool
	level   bool
}

func (s *lineState) recompute() bool {
	for _, high := range s.sources {
		if high {
			return true
		}
	}
	return false
}

type lineHandle struct {
	owner  *LineSet
	irq    uint8
	source int
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, h.source, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.setLevel(h.irq, h.source, true)
	h.owner.setLevel(h.irq, h.source, false)
}

// setLevel delivers line changes to the sink while holding the lock so that
// the sink observes transitions in the order sources made them. Sinks must
// not call back into the LineSet.
func (l *LineSet) setLevel(irq uint8, source int, high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.lines[irq]
	if state == nil {
		state = &lineState{sources: make(map[int]bool)}
		l.lines[irq] = state
	}
	if high {
		state.sources[source] = true
	} else {
		delete(state.sources, source)
	}
	level := state.recompute()
	if level == state.level {
		return
	}
	state.level = level
	l.sink.SetIRQ(irq, level)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}
