package page

import "errors"

var (
	// ErrNoMemory indicates the request could not be satisfied.
	ErrNoMemory = errors.New("page: out of memory")

	// ErrBadOrder indicates an order above MaxOrder.
	ErrBadOrder = errors.New("page: order too large")

	// ErrUnknownBlock indicates a free of a block this allocator does not own.
	ErrUnknownBlock = errors.New("page: unknown block")
)
