//go:build !unix

package page

// MmapBacking falls back to heap slices where mmap is not available.
func MmapBacking() Backing { return heapBacking{} }
