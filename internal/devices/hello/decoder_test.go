package hello

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWindowCheck(t *testing.T) {
	mmio := window{name: "mmio", size: MMIOWindowSize}
	io := window{name: "io", size: IOWindowSize}

	tests := []struct {
		offset uint64
		width  int
		ok     bool
	}{
		{0x0, 4, true},
		{0x3c, 4, true},
		{0x3d, 4, false},
		{0x40, 4, false},
		{0x0, 2, false},
		{0x0, 8, false},
		{^uint64(0) - 1, 4, false},
	}
	for _, tt := range tests {
		err := mmio.check(tt.offset, tt.width)
		if (err == nil) != tt.ok {
			t.Errorf("check(%#x, %d) err = %v, want ok=%v", tt.offset, tt.width, err, tt.ok)
		}
	}
	if err := io.check(0xc, 4); err != nil {
		t.Errorf("io check(0xc, 4): %v", err)
	}
	if err := io.check(0xd, 4); err == nil {
		t.Error("io check(0xd, 4) should fail")
	}
}

func TestPutValue(t *testing.T) {
	tests := []struct {
		width int
		want  []byte
	}{
		{1, []byte{0xad}},
		{2, []byte{0xad, 0xde}},
		{4, []byte{0xad, 0xde, 0xad, 0xde}},
		{8, []byte{0xad, 0xde, 0xad, 0xde, 0, 0, 0, 0}},
		{10, []byte{0xad, 0xde, 0xad, 0xde, 0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		data := make([]byte, tt.width)
		for i := range data {
			data[i] = 0xff
		}
		putValue(data, Sentinel)
		if diff := cmp.Diff(tt.want, data); diff != "" {
			t.Errorf("width %d mismatch (-want +got):\n%s", tt.width, diff)
		}
	}
}
