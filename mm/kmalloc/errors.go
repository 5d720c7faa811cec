package kmalloc

import "errors"

var (
	// ErrBadSize indicates a size beyond the largest size class. IndexOf
	// panics with it.
	ErrBadSize = errors.New("kmalloc: size has no size class")

	// ErrTooLarge indicates a request above MaxSize.
	ErrTooLarge = errors.New("kmalloc: allocation too large")

	// ErrOverflow indicates that an array size computation overflowed.
	ErrOverflow = errors.New("kmalloc: size overflow")

	// ErrClosed indicates allocation from a closed registry.
	ErrClosed = errors.New("kmalloc: registry closed")

	// ErrInvalidConfig indicates an unusable registry configuration.
	ErrInvalidConfig = errors.New("kmalloc: invalid config")

	// ErrBadPointer indicates an address that kmalloc did not hand out.
	ErrBadPointer = errors.New("kmalloc: bad pointer")
)
