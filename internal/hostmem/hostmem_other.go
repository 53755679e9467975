//go:build !unix

package hostmem

func allocPlatform(size int) (*Buffer, error) {
	return &Buffer{data: make([]byte, size)}, nil
}
