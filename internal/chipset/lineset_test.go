package chipset

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type irqEvent struct {
	Line  uint8
	Level bool
}

type recordingSink struct {
	mu     sync.Mutex
	events []irqEvent
}

func (s *recordingSink) SetIRQ(line uint8, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, irqEvent{Line: line, Level: level})
}

func TestLineSetSuppressesRedundantLevels(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)
	line := lines.AllocateLine(11)

	line.SetLevel(true)
	line.SetLevel(true)
	line.SetLevel(false)
	line.SetLevel(false)

	want := []irqEvent{{11, true}, {11, false}}
	if diff := cmp.Diff(want, sink.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestLineSetSharedLineIsWiredOr(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)
	a := lines.AllocateLine(10)
	b := lines.AllocateLine(10)

	a.SetLevel(true)
	b.SetLevel(true)
	a.SetLevel(false)
	if !lines.Level(10) {
		t.Fatal("line should stay high while b asserts it")
	}
	b.SetLevel(false)
	if lines.Level(10) {
		t.Fatal("line should drop once every source deasserts")
	}

	want := []irqEvent{{10, true}, {10, false}}
	if diff := cmp.Diff(want, sink.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestLineSetPulse(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)
	lines.AllocateLine(5).PulseInterrupt()

	want := []irqEvent{{5, true}, {5, false}}
	if diff := cmp.Diff(want, sink.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestLineInterruptAdapters(t *testing.T) {
	var levels []bool
	line := LineInterruptFromFunc(func(level bool) { levels = append(levels, level) })
	line.SetLevel(true)
	line.PulseInterrupt()
	if !cmp.Equal(levels, []bool{true, true, false}) {
		t.Fatalf("levels = %v", levels)
	}

	// Must not panic.
	LineInterruptDetached().SetLevel(true)
	NewLineSet(nil).AllocateLine(1).SetLevel(true)
}
