package slab

import (
	"errors"
	"fmt"
	"slices"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/mm/page"
)

// CacheInfo is a point-in-time description of a cache.
type CacheInfo struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	ObjectSize  uint     `json:"object_size"`
	SlotSize    uint     `json:"slot_size"`
	Align       uint     `json:"align"`
	Order       uint     `json:"order"`
	ObjsPerSlab int      `json:"objs_per_slab"`
	Slabs       int      `json:"slabs"`
	ActiveSlabs int      `json:"active_slabs"`
	ActiveObjs  int      `json:"active_objs"`
	TotalObjs   int      `json:"total_objs"`
	FreeObjs    int      `json:"free_objs"`
	PendingRCU  int      `json:"pending_rcu"`
	Flags       Flags    `json:"-"`
	FlagNames   string   `json:"flags"`
	Refcount    int      `json:"refcount"`
	Stats       Stats    `json:"stats"`
}

// PagesPerSlab returns the number of pages in each slab.
func (ci CacheInfo) PagesPerSlab() int { return 1 << ci.Order }

// Info returns a snapshot of the cache.
func (c *Cache) Info() CacheInfo {
	c.a.mu.Lock()
	aliases := slices.Clone(c.aliases)
	refs := c.refcount
	c.a.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.nrSlabs * c.l.objects
	return CacheInfo{
		Name:        c.name,
		Aliases:     aliases,
		ObjectSize:  c.l.objectSize,
		SlotSize:    c.l.slotSize,
		Align:       c.l.align,
		Order:       c.l.order,
		ObjsPerSlab: c.l.objects,
		Slabs:       c.nrSlabs,
		ActiveSlabs: c.partial.n + c.full.n,
		ActiveObjs:  c.active,
		TotalObjs:   total,
		FreeObjs:    total - c.active,
		PendingRCU:  c.pendingRCU,
		Flags:       c.flags,
		FlagNames:   c.flags.String(),
		Refcount:    refs,
		Stats:       c.stats,
	}
}

// Validate walks every slab and checks that allocated plus free objects
// add up, that freelists stay inside their slab, and that debug patterns
// are intact. It returns every problem found joined, each wrapping
// ErrCorrupted.
func (c *Cache) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrCorrupted, c.name, fmt.Sprintf(format, args...)))
	}

	active := 0
	check := func(list *slabList, kind string) {
		list.each(func(s *slab) {
			active += s.inuse
			if s.corrupt {
				fail("slab %s freelist was damaged", s.base)
			}
			free, ok := c.walkFreelistLocked(s)
			if !ok {
				fail("slab %s freelist is malformed", s.base)
				return
			}
			if s.inuse+len(free) != c.l.objects {
				fail("slab %s: %d in use + %d free != %d objects", s.base, s.inuse, len(free), c.l.objects)
			}
			switch kind {
			case "full":
				if s.freelist != page.Null {
					fail("slab %s on full list has free objects", s.base)
				}
			case "partial":
				if s.inuse == 0 || s.freelist == page.Null {
					fail("slab %s on partial list has %d of %d in use", s.base, s.inuse, c.l.objects)
				}
			case "empty":
				if s.inuse != 0 {
					fail("slab %s on empty list has %d in use", s.base, s.inuse)
				}
			}
			for idx := range c.l.objects {
				addr := c.l.objectAddr(s.base, idx)
				_, isFree := free[addr]
				if s.allocated != nil && s.isAllocated(idx) == isFree {
					fail("object %s: bitmap disagrees with freelist", addr)
				}
				if isFree && c.l.poison {
					if err := c.checkPoison(s, addr); err != nil {
						errs = append(errs, err)
					}
				}
				if c.flags&RedZone != 0 {
					want := byte(RedActive)
					if isFree {
						want = RedInactive
					}
					if err := c.checkRedZones(s, addr, want); err != nil {
						errs = append(errs, err)
					}
				}
			}
		})
	}
	check(&c.full, "full")
	check(&c.partial, "partial")
	check(&c.empty, "empty")

	if active != c.active {
		fail("%d objects in slabs, %d accounted", active, c.active)
	}
	if n := c.full.n + c.partial.n + c.empty.n; n != c.nrSlabs {
		fail("%d slabs on lists, %d accounted", n, c.nrSlabs)
	}
	return errors.Join(errs...)
}

// walkFreelistLocked returns the set of free objects of s. It reports false
// for a pointer outside the slab or a cycle.
func (c *Cache) walkFreelistLocked(s *slab) (map[page.Addr]struct{}, bool) {
	free := make(map[page.Addr]struct{}, c.l.objects-s.inuse)
	for p := s.freelist; p != page.Null; p = c.readFreePtr(s, p) {
		if !c.isObject(s, p) {
			return nil, false
		}
		if _, dup := free[p]; dup {
			return nil, false
		}
		free[p] = struct{}{}
	}
	return free, true
}

// ObjectInfo describes the object containing an address.
type ObjectInfo struct {
	Cache      string    `json:"cache"`
	Object     page.Addr `json:"object"`
	Offset     uint      `json:"offset"`
	ObjectSize uint      `json:"object_size"`
	SlotSize   uint      `json:"slot_size"`
	Slab       page.Addr `json:"slab"`
	Allocated  bool      `json:"allocated"`
	AllocTrack *Track    `json:"alloc_track,omitempty"`
	FreeTrack  *Track    `json:"free_track,omitempty"`
}

// DumpObject describes the slab object containing addr. It reports false
// when addr is not inside a slab.
func (a *Allocator) DumpObject(addr page.Addr) (ObjectInfo, bool) {
	s, ok := a.slabOf(addr)
	if !ok {
		return ObjectInfo{}, false
	}
	c := s.cache
	idx, ok := c.l.objectIndex(s.base, addr, false)
	if !ok {
		return ObjectInfo{}, false
	}
	obj := c.l.objectAddr(s.base, idx)
	info := ObjectInfo{
		Cache:      c.name,
		Object:     obj,
		ObjectSize: c.l.objectSize,
		SlotSize:   c.l.slotSize,
		Slab:       s.base,
	}
	if addr >= obj {
		info.Offset = uint(addr - obj)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s.allocated != nil {
		info.Allocated = s.isAllocated(idx)
	} else if free, ok := c.walkFreelistLocked(s); ok {
		_, isFree := free[obj]
		info.Allocated = !isFree
	}
	if s.tracks != nil {
		t := s.tracks[idx]
		if !t.alloc.When.IsZero() {
			info.AllocTrack = &t.alloc
		}
		if !t.free.When.IsZero() {
			info.FreeTrack = &t.free
		}
	}
	return info, true
}

// CheckUsercopy verifies that n bytes at addr lie inside the whitelisted
// region of a single slab object.
func (a *Allocator) CheckUsercopy(addr page.Addr, n uint) error {
	s, ok := a.slabOf(addr)
	if !ok {
		return fmt.Errorf("%w: %s is not a slab object", ErrBadPointer, addr)
	}
	c := s.cache
	idx, ok := c.l.objectIndex(s.base, addr, false)
	if !ok {
		return fmt.Errorf("%w: %s: %s is past the last object", ErrUsercopy, c.name, addr)
	}
	obj := c.l.objectAddr(s.base, idx)
	if addr < obj {
		return fmt.Errorf("%w: %s: %s is in the red zone of %s", ErrUsercopy, c.name, addr, obj)
	}
	off := uint(addr - obj)
	end, err := buf.CheckRange(c.l.objectSize, off, n)
	if err != nil {
		return fmt.Errorf("%w: %s: %d bytes at +%d: %w", ErrUsercopy, c.name, n, off, err)
	}
	if c.usersize == 0 {
		return fmt.Errorf("%w: %s has no usercopy region", ErrUsercopy, c.name)
	}
	if off < c.useroffset || end > c.useroffset+c.usersize {
		return fmt.Errorf("%w: %s: [%d,%d) outside [%d,%d)", ErrUsercopy, c.name, off, end, c.useroffset, c.useroffset+c.usersize)
	}
	return nil
}

// Bytes returns the memory of the object starting at addr.
func (a *Allocator) Bytes(addr page.Addr) ([]byte, error) {
	s, ok := a.slabOf(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a slab object", ErrBadPointer, addr)
	}
	if !s.cache.isObject(s, addr) {
		return nil, fmt.Errorf("%w: %s is not an object start in %s", ErrBadPointer, addr, s.cache.name)
	}
	return s.cache.object(s, addr), nil
}
