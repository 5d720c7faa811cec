//go:build unix

package page

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

type mmapBacking struct{}

// MmapBacking returns a Backing built on anonymous private mappings.
func MmapBacking() Backing { return mmapBacking{} }

func (mmapBacking) Map(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("page: invalid mapping size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("page: mmap %d bytes: %w", size, err)
	}
	return data, nil
}

func (mmapBacking) Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	err := unix.Munmap(b)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		return nil
	}
	return err
}

func (mmapBacking) Name() string { return "mmap" }
