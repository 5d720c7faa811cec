package buf

import "math/bits"

// IsPow2 reports whether v is a non-zero power of two.
func IsPow2(v uint) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignUp rounds v up to a multiple of align. align must be a power of two.
func AlignUp(v, align uint) uint {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align. align must be a power of two.
func AlignDown(v, align uint) uint {
	return v &^ (align - 1)
}

// Fls returns the 1-based index of the most significant set bit, 0 for v == 0.
func Fls(v uint64) int {
	return bits.Len64(v)
}

// Log2 returns floor(log2(v)). v must be non-zero.
func Log2(v uint) int {
	return bits.Len(v) - 1
}
