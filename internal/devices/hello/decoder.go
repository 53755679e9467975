package hello

import (
	"encoding/binary"
	"errors"
)

var (
	errUnsupportedWidth = errors.New("unsupported access width")
	errOutOfWindow      = errors.New("access outside window")
	errUnmapped         = errors.New("register not used")
)

// window is one BAR-backed register window of a device.
type window struct {
	name string
	size uint64
}

// check validates an access of width bytes at offset. Only naturally sized
// 32-bit accesses that fit entirely inside the window are accepted.
func (w window) check(offset uint64, width int) error {
	if width != accessWidth {
		return errUnsupportedWidth
	}
	if offset >= w.size || uint64(width) > w.size-offset {
		return errOutOfWindow
	}
	return nil
}

// putValue stores v little-endian into data, truncating or zero-extending to len(data).
func putValue(data []byte, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	n := copy(data, buf[:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

// getValue reads up to 8 little-endian bytes from data.
func getValue(data []byte) uint64 {
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:])
}
