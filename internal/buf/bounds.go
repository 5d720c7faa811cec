package buf

import (
	"fmt"
	"math/bits"
)

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow uint.
func AddOverflowSafe(a, b uint) (uint, bool) {
	sum, carry := bits.Add(a, b, 0)
	if carry != 0 {
		return 0, false
	}
	return sum, true
}

// MulOverflowSafe multiplies a and b, returning ok = false when the result would overflow uint.
// This is the check behind every n * size computation in the array allocators.
func MulOverflowSafe(a, b uint) (uint, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	hi, lo := bits.Mul(a, b)
	if hi != 0 {
		return 0, false
	}
	return lo, true
}

// CheckRange validates that n bytes starting at off fit in a region of
// regionLen bytes. Returns the end offset if valid.
//
//	end, err := buf.CheckRange(len(obj), off, n)
//	if err != nil {
//	    return fmt.Errorf("usercopy: %w", err)
//	}
func CheckRange(regionLen, off, n uint) (uint, error) {
	end, ok := AddOverflowSafe(off, n)
	if !ok {
		return 0, fmt.Errorf("overflow: offset=%d + size=%d", off, n)
	}
	if end > regionLen {
		return 0, fmt.Errorf("bounds: end=%d > len=%d", end, regionLen)
	}
	return end, nil
}
