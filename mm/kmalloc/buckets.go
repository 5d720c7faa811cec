package kmalloc

import (
	"fmt"
	"strings"

	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/page"
	"github.com/joshuapare/slabkit/mm/slab"
)

// Buckets is a private set of size-class caches. Objects allocated from it
// never share slabs with the general kmalloc caches.
type Buckets struct {
	r      *Registry
	name   string
	caches [ShiftHigh + 1]*slab.Cache
}

// CreateBuckets creates a bucket set mirroring the normal size classes.
// Each cache is named <name>-<size>. The usercopy region is clipped to each
// class size.
func (r *Registry) CreateBuckets(name string, flags slab.Flags, useroffset, usersize uint, ctor slab.Ctor) (*Buckets, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if name == "" {
		return nil, fmt.Errorf("kmalloc: %w", slab.ErrInvalidName)
	}

	b := &Buckets{r: r, name: name}
	for i, normal := range r.caches[Normal] {
		if normal == nil {
			continue
		}
		size := normal.ObjectSize()
		args := &slab.Args{Ctor: ctor}
		if useroffset < size {
			args.UserOffset = useroffset
			args.UserSize = min(size-useroffset, usersize)
		}
		short := strings.TrimPrefix(normal.Name(), Normal.prefix())
		c, err := r.slabs.CreateCache(name+"-"+short, size, args, flags|slab.NoMerge)
		if err != nil {
			b.destroy()
			return nil, fmt.Errorf("kmalloc: %w", err)
		}
		b.caches[i] = c
	}

	r.mu.Lock()
	r.buckets = append(r.buckets, b)
	r.mu.Unlock()
	return b, nil
}

func (b *Buckets) destroy() {
	for _, c := range b.caches {
		if c != nil {
			_ = b.r.slabs.Destroy(c)
		}
	}
}

// Name returns the bucket set name.
func (b *Buckets) Name() string { return b.name }

// Cache returns the cache of class index, or nil.
func (b *Buckets) Cache(index int) *slab.Cache {
	if index < 0 || index > ShiftHigh {
		return nil
	}
	return b.caches[index]
}

// Malloc allocates size bytes from the bucket set. Requests above
// MaxCacheSize go to the page source like any other large allocation.
func (b *Buckets) Malloc(size uint, flags gfp.Flags) (page.Addr, error) {
	if b.r.closed.Load() {
		return page.Null, ErrClosed
	}
	switch {
	case size == 0:
		return ZeroSizePtr, nil
	case size > MaxCacheSize:
		return b.r.mallocLarge(size, flags, nil)
	}
	c := b.caches[b.r.table.Index(size)]
	var caller uintptr
	if c.Flags()&slab.StoreUser != 0 {
		caller = callerPC(1)
	}
	return c.AllocCaller(nil, flags, caller)
}

// Free releases an allocation made from the bucket set or any heap.
func (b *Buckets) Free(p page.Addr) error { return b.r.free(p) }
