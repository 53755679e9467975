//go:build unix

package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func allocPlatform(size int) (*Buffer, error) {
	mem, err := unix.Mmap(
		-1,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap %d bytes: %w", size, err)
	}
	return &Buffer{data: mem, free: unix.Munmap}, nil
}
