// Package hostmem allocates host memory that backs guest RAM and device
// buffers. Allocations are page-granular anonymous mappings where the host
// supports them so that releasing a buffer returns the pages immediately.
package hostmem

import (
	"errors"
	"fmt"
)

var ErrInvalidSize = errors.New("hostmem: invalid allocation size")

// Allocator hands out fixed-size zeroed buffers.
type Allocator interface {
	Alloc(size int) (*Buffer, error)
}

// Buffer is an owned region of host memory. The slice length never changes
// between Alloc and Free.
type Buffer struct {
	data  []byte
	freed bool
	free  func([]byte) error
}

// Bytes returns the backing slice. It is nil after Free.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.freed {
		return nil
	}
	return b.data
}

// Len returns the allocation size in bytes.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Free releases the buffer. Freeing twice is an error.
func (b *Buffer) Free() error {
	if b == nil {
		return fmt.Errorf("hostmem: free of nil buffer")
	}
	if b.freed {
		return fmt.Errorf("hostmem: double free of %d byte buffer", len(b.data))
	}
	b.freed = true
	data := b.data
	b.data = nil
	if b.free != nil {
		return b.free(data)
	}
	return nil
}

type defaultAllocator struct{}

// Default returns the platform allocator.
func Default() Allocator { return defaultAllocator{} }

func (defaultAllocator) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return allocPlatform(size)
}

// AllocatorFunc adapts a function to Allocator.
type AllocatorFunc func(size int) (*Buffer, error)

func (f AllocatorFunc) Alloc(size int) (*Buffer, error) { return f(size) }

// Wrap returns a Buffer over caller-owned memory. Free only marks it released.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data}
}

// NewBuffer returns a Buffer over data that calls free exactly once on Free.
// Custom allocators use it to attach their release logic.
func NewBuffer(data []byte, free func([]byte) error) *Buffer {
	return &Buffer{data: data, free: free}
}
