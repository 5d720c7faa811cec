package kmalloc

import (
	"fmt"
	"runtime"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/memcg"
	"github.com/joshuapare/slabkit/mm/page"
)

// Heap is the general-purpose allocation front-end. Requests up to
// MaxCacheSize are served from the registry's size-class caches, larger
// ones directly from the page source. A Heap is safe for concurrent use.
type Heap struct {
	r     *Registry
	group *memcg.Group
}

// NewHeap returns a heap over r that charges no group.
func NewHeap(r *Registry) *Heap { return &Heap{r: r} }

// WithGroup returns a heap sharing h's registry that charges accounted
// allocations to g.
func (h *Heap) WithGroup(g *memcg.Group) *Heap { return &Heap{r: h.r, group: g} }

// Group returns the group accounted allocations are charged to.
func (h *Heap) Group() *memcg.Group { return h.group }

// Registry returns the size-class registry.
func (h *Heap) Registry() *Registry { return h.r }

// callerPC returns the return address skip frames above its caller.
func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// caller identifies the code calling an exported Heap method.
func (h *Heap) caller() uintptr {
	if !h.r.wantCaller {
		return 0
	}
	return callerPC(2)
}

// Malloc allocates size bytes.
func (h *Heap) Malloc(size uint, flags gfp.Flags) (page.Addr, error) {
	return h.malloc(size, flags, h.caller())
}

// MallocConst allocates size bytes resolving the class through the
// fixed-size table. Use it for sizes fixed at the call site.
func (h *Heap) MallocConst(size uint, flags gfp.Flags) (page.Addr, error) {
	caller := h.caller()
	return h.allocHandle(h.r.LookupConst(size, flags, caller), size, flags, caller)
}

// MallocTrackCaller is Malloc attributing the allocation to caller.
func (h *Heap) MallocTrackCaller(size uint, flags gfp.Flags, caller uintptr) (page.Addr, error) {
	return h.malloc(size, flags, caller)
}

// Zalloc allocates size zeroed bytes.
func (h *Heap) Zalloc(size uint, flags gfp.Flags) (page.Addr, error) {
	return h.malloc(size, flags|gfp.Zero, h.caller())
}

// MallocArray allocates n elements of size bytes. It fails with
// ErrOverflow when n*size does not fit.
func (h *Heap) MallocArray(n, size uint, flags gfp.Flags) (page.Addr, error) {
	bytes, ok := buf.MulOverflowSafe(n, size)
	if !ok {
		return page.Null, fmt.Errorf("%w: %d * %d", ErrOverflow, n, size)
	}
	return h.malloc(bytes, flags, h.caller())
}

// Calloc is MallocArray returning zeroed memory.
func (h *Heap) Calloc(n, size uint, flags gfp.Flags) (page.Addr, error) {
	bytes, ok := buf.MulOverflowSafe(n, size)
	if !ok {
		return page.Null, fmt.Errorf("%w: %d * %d", ErrOverflow, n, size)
	}
	return h.malloc(bytes, flags|gfp.Zero, h.caller())
}

func (h *Heap) malloc(size uint, flags gfp.Flags, caller uintptr) (page.Addr, error) {
	return h.allocHandle(h.r.LookupCaller(size, flags, caller), size, flags, caller)
}

func (h *Heap) allocHandle(hd Handle, size uint, flags gfp.Flags, caller uintptr) (page.Addr, error) {
	if h.r.closed.Load() {
		return page.Null, ErrClosed
	}
	switch {
	case hd.Zero:
		return ZeroSizePtr, nil
	case hd.Large:
		return h.r.mallocLarge(size, flags, h.group)
	}
	return hd.Cache.AllocCaller(h.group, flags, caller)
}

// Realloc resizes the allocation at p to newSize bytes. A Null or
// zero-size p behaves like Malloc; a newSize of 0 frees p and returns
// ZeroSizePtr. The contents up to the smaller of the two sizes are kept.
// When the allocation already has room, p itself is returned. On failure
// p is left untouched.
func (h *Heap) Realloc(p page.Addr, newSize uint, flags gfp.Flags) (page.Addr, error) {
	return h.realloc(p, newSize, flags, h.caller())
}

// ReallocArray is Realloc to n elements of size bytes.
func (h *Heap) ReallocArray(p page.Addr, n, size uint, flags gfp.Flags) (page.Addr, error) {
	bytes, ok := buf.MulOverflowSafe(n, size)
	if !ok {
		return page.Null, fmt.Errorf("%w: %d * %d", ErrOverflow, n, size)
	}
	return h.realloc(p, bytes, flags, h.caller())
}

func (h *Heap) realloc(p page.Addr, newSize uint, flags gfp.Flags, caller uintptr) (page.Addr, error) {
	if IsZeroOrNull(p) {
		return h.malloc(newSize, flags, caller)
	}
	if newSize == 0 {
		if err := h.Free(p); err != nil {
			return page.Null, err
		}
		return ZeroSizePtr, nil
	}

	old, err := h.Bytes(p)
	if err != nil {
		return page.Null, err
	}
	if uint(len(old)) >= newSize {
		if flags&gfp.Zero != 0 {
			clear(old[newSize:])
		}
		return p, nil
	}

	q, err := h.malloc(newSize, flags, caller)
	if err != nil {
		return page.Null, err
	}
	dst, err := h.Bytes(q)
	if err != nil {
		_ = h.Free(q)
		return page.Null, err
	}
	copy(dst, old)
	_ = h.Free(p)
	return q, nil
}

// Free releases an allocation. Null and ZeroSizePtr are ignored.
func (h *Heap) Free(p page.Addr) error { return h.r.free(p) }

// FreeSensitive clears the whole allocation before freeing it.
func (h *Heap) FreeSensitive(p page.Addr) error {
	if b, err := h.Bytes(p); err == nil {
		clear(b)
	}
	return h.Free(p)
}

// FreeRCU frees p once every reader active now has finished.
func (h *Heap) FreeRCU(p page.Addr) error {
	if IsZeroOrNull(p) {
		return nil
	}
	if _, _, ok := h.r.pages.Lookup(p); !ok {
		err := fmt.Errorf("%w: %s", ErrBadPointer, p)
		h.r.log.Error("kmalloc misuse detected", "error", err)
		return err
	}
	h.r.slabs.RCU().Defer(func() {
		_ = h.Free(p)
	})
	return nil
}

// Barrier waits for every FreeRCU queued so far to complete.
func (h *Heap) Barrier() { h.r.slabs.Barrier() }

// FreeBulk frees every address. Runs of objects from the same cache are
// freed in one batch. It returns the first error; the rest are still freed.
func (h *Heap) FreeBulk(ps []page.Addr) error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	for i := 0; i < len(ps); {
		if IsZeroOrNull(ps[i]) {
			i++
			continue
		}
		c, ok := h.r.slabs.Resolve(ps[i])
		if !ok {
			record(h.Free(ps[i]))
			i++
			continue
		}
		j := i + 1
		for j < len(ps) && !IsZeroOrNull(ps[j]) {
			if next, ok := h.r.slabs.Resolve(ps[j]); !ok || next != c {
				break
			}
			j++
		}
		record(c.FreeBulk(ps[i:j]))
		i = j
	}
	return first
}

// AllocBulk allocates n allocations of size bytes. Either all n are
// returned or none.
func (h *Heap) AllocBulk(size uint, flags gfp.Flags, n int) ([]page.Addr, error) {
	if h.r.closed.Load() {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}

	hd := h.r.LookupCaller(size, flags, h.caller())
	switch {
	case hd.Zero:
		out := make([]page.Addr, n)
		for i := range out {
			out[i] = ZeroSizePtr
		}
		return out, nil
	case hd.Large:
		out := make([]page.Addr, 0, n)
		for range n {
			p, err := h.r.mallocLarge(size, flags, h.group)
			if err != nil {
				_ = h.FreeBulk(out)
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	}
	return hd.Cache.AllocBulkFor(h.group, flags, n)
}

// Ksize returns the usable size of the allocation at p, 0 for Null,
// ZeroSizePtr and addresses kmalloc does not own.
func (h *Heap) Ksize(p page.Addr) uint {
	if IsZeroOrNull(p) {
		return 0
	}
	if b, _, ok := h.r.lookupLarge(p); ok {
		return uint(b.Size())
	}
	if c, ok := h.r.slabs.Resolve(p); ok {
		return c.ObjectSize()
	}
	return 0
}

// SizeRoundup returns the usable size a request of size bytes receives.
func (h *Heap) SizeRoundup(size uint) uint { return h.r.table.SizeRoundup(size) }

// Bytes returns the memory of the allocation starting at p, Ksize(p)
// bytes long. Null and ZeroSizePtr yield nil.
func (h *Heap) Bytes(p page.Addr) ([]byte, error) {
	if IsZeroOrNull(p) {
		return nil, nil
	}
	if b, _, ok := h.r.lookupLarge(p); ok {
		if p != b.Addr {
			return nil, fmt.Errorf("%w: %s is inside the large allocation at %s", ErrBadPointer, p, b.Addr)
		}
		return b.Bytes(), nil
	}
	return h.r.slabs.Bytes(p)
}

// CheckUsercopy verifies that n bytes at p lie inside one allocation.
func (h *Heap) CheckUsercopy(p page.Addr, n uint) error {
	if b, _, ok := h.r.lookupLarge(p); ok {
		if _, err := buf.CheckRange(uint(b.Size()), uint(b.Offset(p)), n); err != nil {
			return fmt.Errorf("%w: %d bytes at %s: %w", ErrBadPointer, n, p, err)
		}
		return nil
	}
	return h.r.slabs.CheckUsercopy(p, n)
}
