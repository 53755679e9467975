package guestmem

import (
	"fmt"
	"sync"

	"github.com/tinyrange/hellodev/internal/hostmem"
	"github.com/tinyrange/hellodev/internal/hv"
)

// Memory is a contiguous block of guest RAM mapped at a fixed guest-physical base.
// Accesses that are not fully contained in RAM fail without touching memory.
type Memory struct {
	base uint64

	mu  sync.RWMutex
	buf *hostmem.Buffer
}

// New allocates size bytes of guest RAM at base using alloc.
func New(base, size uint64, alloc hostmem.Allocator) (*Memory, error) {
	if alloc == nil {
		alloc = hostmem.Default()
	}
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return nil, fmt.Errorf("guestmem: invalid RAM size %d", size)
	}
	if base+size < base {
		return nil, fmt.Errorf("guestmem: RAM [0x%x+0x%x) overflows", base, size)
	}
	buf, err := alloc.Alloc(int(size))
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocate RAM: %w", err)
	}
	return &Memory{base: base, buf: buf}, nil
}

func (m *Memory) MemoryBase() uint64 { return m.base }

func (m *Memory) MemorySize() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(m.buf.Len())
}

// ReadAt implements io.ReaderAt with off as a guest physical address.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, hostOff, err := m.translateLocked(off, len(p))
	if err != nil {
		return 0, fmt.Errorf("guestmem: read: %w", err)
	}
	return copy(p, mem[hostOff:]), nil
}

// WriteAt implements io.WriterAt with off as a guest physical address.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, hostOff, err := m.translateLocked(off, len(p))
	if err != nil {
		return 0, fmt.Errorf("guestmem: write: %w", err)
	}
	return copy(mem[hostOff:], p), nil
}

func (m *Memory) translateLocked(off int64, n int) ([]byte, uint64, error) {
	mem := m.buf.Bytes()
	if mem == nil {
		return nil, 0, hv.ErrGuestMemoryClosed
	}
	if off < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset %d", hv.ErrGuestOutOfBounds, off)
	}
	gpa := uint64(off)
	if err := hv.CheckGuestRange(m.base, uint64(len(mem)), gpa, uint64(n)); err != nil {
		return nil, 0, err
	}
	return mem, gpa - m.base, nil
}

// Close releases the RAM. Later accesses fail with hv.ErrGuestMemoryClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf.Bytes() == nil {
		return nil
	}
	return m.buf.Free()
}

var _ hv.GuestMemory = (*Memory)(nil)
