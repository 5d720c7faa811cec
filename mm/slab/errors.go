package slab

import "errors"

var (
	// ErrInvalidName indicates an empty cache name.
	ErrInvalidName = errors.New("slab: invalid cache name")

	// ErrInvalidSize indicates a zero object size or one too large for a slab.
	ErrInvalidSize = errors.New("slab: invalid object size")

	// ErrInvalidAlign indicates an alignment that is not a power of two or exceeds a page.
	ErrInvalidAlign = errors.New("slab: invalid alignment")

	// ErrInvalidFlags indicates unknown or conflicting flag bits.
	ErrInvalidFlags = errors.New("slab: invalid flags")

	// ErrInvalidUsercopy indicates a usercopy region outside the object.
	ErrInvalidUsercopy = errors.New("slab: invalid usercopy region")

	// ErrInvalidFreePtr indicates a custom free pointer offset that cannot be used.
	ErrInvalidFreePtr = errors.New("slab: invalid free pointer offset")

	// ErrNoMemory indicates the page source could not supply a slab.
	ErrNoMemory = errors.New("slab: out of memory")

	// ErrBadPointer indicates a free of an address that is not an object start.
	ErrBadPointer = errors.New("slab: bad pointer")

	// ErrWrongCache indicates a free through a cache that does not own the object.
	ErrWrongCache = errors.New("slab: object belongs to another cache")

	// ErrDoubleFree indicates a free of an object that is already free.
	ErrDoubleFree = errors.New("slab: double free")

	// ErrCorrupted indicates damaged red zones, poison or freelist.
	ErrCorrupted = errors.New("slab: object corrupted")

	// ErrCacheBusy indicates a destroy of a cache with live objects.
	ErrCacheBusy = errors.New("slab: cache has live objects")

	// ErrDestroyed indicates use of a destroyed cache.
	ErrDestroyed = errors.New("slab: cache destroyed")

	// ErrUsercopy indicates a copy range outside the whitelisted object region.
	ErrUsercopy = errors.New("slab: usercopy outside whitelist")

	// ErrClosed indicates use of a closed allocator.
	ErrClosed = errors.New("slab: allocator closed")
)
