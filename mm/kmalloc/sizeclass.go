package kmalloc

import (
	"fmt"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/mm/page"
)

const (
	// DefaultMinSize is the smallest size class unless configured otherwise.
	DefaultMinSize = 8

	// ShiftHigh is the log2 of the largest size served from a cache.
	ShiftHigh = page.Shift + 1

	// MaxCacheSize is the cache ceiling. Larger requests go to the page
	// source directly.
	MaxCacheSize = 1 << ShiftHigh

	// MaxSize is the largest request kmalloc accepts.
	MaxSize = 1 << (page.MaxOrder + page.Shift)

	// ZeroSizePtr is returned for zero-byte requests. It is never a valid
	// object and freeing it is a no-op.
	ZeroSizePtr page.Addr = 16

	// maxIndex is the largest index IndexOf knows (2 MiB).
	maxIndex = 21

	// smallTableMax is the largest size resolved through the byte table.
	smallTableMax = 192
)

// IsZeroOrNull reports whether p is Null or ZeroSizePtr.
func IsZeroOrNull(p page.Addr) bool { return p <= ZeroSizePtr }

// SizeTable maps request sizes to size-class indices. Index n holds
// objects of 2^n bytes, except indices 1 and 2 which hold 96 and 192.
type SizeTable struct {
	minSize  uint
	shiftLow int
	small    [smallTableMax / 8]uint8
}

// NewSizeTable builds the table for a minimum class size, which must be a
// power of two between 8 and 256. 0 selects DefaultMinSize.
func NewSizeTable(minSize uint) (*SizeTable, error) {
	if minSize == 0 {
		minSize = DefaultMinSize
	}
	if !buf.IsPow2(minSize) || minSize < 8 || minSize > 256 {
		return nil, fmt.Errorf("%w: min size %d", ErrInvalidConfig, minSize)
	}
	t := &SizeTable{minSize: minSize, shiftLow: buf.Log2(minSize)}
	t.small = [...]uint8{
		3, 4, 5, 5, 6, 6, 6, 6, // 8 .. 64
		1, 1, 1, 1, // 72 .. 96
		7, 7, 7, 7, // 104 .. 128
		2, 2, 2, 2, 2, 2, 2, 2, // 136 .. 192
	}
	if minSize >= 64 {
		// 96 is not a multiple of the minimum size any more.
		for i := uint(64 + 8); i <= 96; i += 8 {
			t.small[smallIndex(i)] = 7
		}
	}
	if minSize >= 128 {
		for i := uint(128 + 8); i <= smallTableMax; i += 8 {
			t.small[smallIndex(i)] = 8
		}
	}
	for i := uint(8); i < minSize && i <= smallTableMax; i += 8 {
		t.small[smallIndex(i)] = uint8(t.shiftLow)
	}
	return t, nil
}

func smallIndex(size uint) uint { return (size - 1) / 8 }

// MinSize returns the smallest class size.
func (t *SizeTable) MinSize() uint { return t.minSize }

// ShiftLow returns log2 of the smallest class size.
func (t *SizeTable) ShiftLow() int { return t.shiftLow }

// IndexOf is the fixed-size table: it maps size to its class index without
// consulting the runtime table. It panics with ErrBadSize above 2 MiB.
func (t *SizeTable) IndexOf(size uint) int {
	switch {
	case size == 0:
		return 0
	case size <= t.minSize:
		return t.shiftLow
	case t.minSize <= 32 && size > 64 && size <= 96:
		return 1
	case t.minSize <= 64 && size > 128 && size <= 192:
		return 2
	}
	for n := 3; n <= maxIndex; n++ {
		if size <= 1<<n {
			return n
		}
	}
	panic(fmt.Errorf("%w: %d", ErrBadSize, size))
}

// Index is the runtime lookup used for sizes only known at run time.
// size must be in [1, MaxCacheSize].
func (t *SizeTable) Index(size uint) int {
	if size <= smallTableMax {
		return int(t.small[smallIndex(size)])
	}
	return buf.Fls(uint64(size - 1))
}

// ClassSize returns the object size of class index.
func ClassSize(index int) uint {
	switch index {
	case 1:
		return 96
	case 2:
		return 192
	}
	return 1 << index
}

// SizeRoundup returns the usable size a request of size bytes receives.
func (t *SizeTable) SizeRoundup(size uint) uint {
	switch {
	case size == 0:
		return 0
	case size <= MaxCacheSize:
		return ClassSize(t.Index(size))
	case size > MaxSize:
		return size
	}
	return page.Size << page.OrderFor(uint64(size))
}

// className renders a class size the way cache names carry it: 96, 8k, 2M.
func className(index int) string {
	size := ClassSize(index)
	switch {
	case size >= 1<<20:
		return fmt.Sprintf("%dM", size>>20)
	case size >= 1<<10:
		return fmt.Sprintf("%dk", size>>10)
	}
	return fmt.Sprintf("%d", size)
}
