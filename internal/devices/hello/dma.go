package hello

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/tinyrange/hellodev/internal/hostmem"
	"github.com/tinyrange/hellodev/internal/hv"
)

var errNoGuestMemory = errors.New("guest memory not attached")

// dmaEngine owns the transfer buffer. Callers serialise access.
type dmaEngine struct {
	buf *hostmem.Buffer
	rng *rand.Rand
}

// transfer refills the buffer with fresh random bytes and copies all of it to
// guest physical address addr. The destination range is validated before
// anything is generated or written.
func (e *dmaEngine) transfer(mem hv.GuestMemory, addr uint64) error {
	if mem == nil {
		return errNoGuestMemory
	}
	data := e.buf.Bytes()
	if data == nil {
		return fmt.Errorf("dma buffer released")
	}
	if err := hv.GuestRange(mem, addr, uint64(len(data))); err != nil {
		return err
	}

	e.fill(data)

	n, err := mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short dma write: %d of %d bytes", n, len(data))
	}
	return nil
}

func (e *dmaEngine) fill(b []byte) {
	for len(b) >= 8 {
		binary.LittleEndian.PutUint64(b, e.rng.Uint64())
		b = b[8:]
	}
	if len(b) > 0 {
		v := e.rng.Uint64()
		for i := range b {
			b[i] = byte(v >> (8 * i))
		}
	}
}

func (e *dmaEngine) release() error {
	return e.buf.Free()
}
