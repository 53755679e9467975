package hostmem

import (
	"errors"
	"testing"
)

func TestDefaultAllocZeroed(t *testing.T) {
	buf, err := Default().Alloc(0x1ffff)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if buf.Len() != 0x1ffff {
		t.Fatalf("Len() = %d, want %d", buf.Len(), 0x1ffff)
	}
	for i, b := range buf.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
	buf.Bytes()[0x1fffe] = 0xaa

	if err := buf.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if buf.Bytes() != nil {
		t.Fatal("Bytes() after Free should be nil")
	}
	if err := buf.Free(); err == nil {
		t.Fatal("expected double free to fail")
	}
}

func TestDefaultAllocRejectsInvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := Default().Alloc(size); !errors.Is(err, ErrInvalidSize) {
			t.Fatalf("Alloc(%d) err = %v, want ErrInvalidSize", size, err)
		}
	}
}

func TestWrap(t *testing.T) {
	data := make([]byte, 4)
	buf := Wrap(data)
	buf.Bytes()[1] = 7
	if data[1] != 7 {
		t.Fatal("Wrap should share the caller's slice")
	}
	if err := buf.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestNewBufferCallsFreeOnce(t *testing.T) {
	calls := 0
	buf := NewBuffer(make([]byte, 8), func(b []byte) error {
		calls++
		if len(b) != 8 {
			t.Errorf("free got %d bytes, want 8", len(b))
		}
		return nil
	})
	if err := buf.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := buf.Free(); err == nil {
		t.Fatal("expected double free to fail")
	}
	if calls != 1 {
		t.Fatalf("free called %d times, want 1", calls)
	}
}
