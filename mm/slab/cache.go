package slab

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/memcg"
	"github.com/joshuapare/slabkit/mm/page"
)

// slab is one page block carved into object slots.
type slab struct {
	cache    *Cache
	block    *page.Block
	base     page.Addr
	mem      []byte
	freelist page.Addr // first free object, Null when full
	inuse    int

	list       *slabList
	prev, next *slab

	allocated  []uint64       // ConsistencyChecks: one bit per object
	objcgs     []*memcg.Group // charged group per object, allocated on first charge
	tracks     []objTracks    // StoreUser
	rcuPending bool           // detached, waiting for a grace period
	corrupt    bool           // freelist was found damaged
}

// Stats counts cache activity.
type Stats struct {
	AllocCalls     uint64 `json:"alloc_calls"`
	FreeCalls      uint64 `json:"free_calls"`
	AllocFailures  uint64 `json:"alloc_failures"`
	ChargeFailures uint64 `json:"charge_failures"`
	SlabsAllocated uint64 `json:"slabs_allocated"`
	SlabsFreed     uint64 `json:"slabs_freed"`
	RCUDeferred    uint64 `json:"rcu_deferred"`
	Misuses        uint64 `json:"misuses"`
}

// Cache hands out fixed-size objects carved from slabs. It is safe for
// concurrent use.
type Cache struct {
	a          *Allocator
	id         uint64
	name       string
	flags      Flags
	l          layout
	useroffset uint
	usersize   uint
	ctor       Ctor
	pageFlags  gfp.Flags
	secret     uint64
	trace      *slog.Logger

	// guarded by a.mu
	refcount int
	aliases  []string

	mu         sync.Mutex
	partial    slabList
	full       slabList
	empty      slabList
	nrSlabs    int
	active     int
	pendingRCU int
	destroyed  bool
	stats      Stats
}

// objRef is an allocated object and its slab.
type objRef struct {
	s    *slab
	addr page.Addr
}

// freeResult is the work left after a free once the lock is dropped.
type freeResult struct {
	group   *memcg.Group
	release *slab
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the usable size of each object.
func (c *Cache) ObjectSize() uint { return c.l.objectSize }

// SlotSize returns the bytes each object occupies in a slab.
func (c *Cache) SlotSize() uint { return c.l.slotSize }

// Align returns the object alignment.
func (c *Cache) Align() uint { return c.l.align }

// Flags returns the effective cache flags.
func (c *Cache) Flags() Flags { return c.flags }

// Order returns the page order of each slab.
func (c *Cache) Order() uint { return c.l.order }

// ObjectsPerSlab returns the number of objects in each slab.
func (c *Cache) ObjectsPerSlab() int { return c.l.objects }

// Usercopy returns the whitelisted region.
func (c *Cache) Usercopy() (offset, size uint) { return c.useroffset, c.usersize }

// Alloc allocates one object.
func (c *Cache) Alloc(flags gfp.Flags) (page.Addr, error) {
	return c.alloc(nil, flags, 0)
}

// Zalloc allocates one zeroed object. On a cache with a constructor the
// zeroing runs after it and wipes what it set up.
func (c *Cache) Zalloc(flags gfp.Flags) (page.Addr, error) {
	return c.alloc(nil, flags|gfp.Zero, 0)
}

// AllocFor allocates one object charged to group when the cache or flags
// ask for accounting.
func (c *Cache) AllocFor(group *memcg.Group, flags gfp.Flags) (page.Addr, error) {
	return c.alloc(group, flags, 0)
}

// AllocCaller is AllocFor recording caller as the allocation site.
func (c *Cache) AllocCaller(group *memcg.Group, flags gfp.Flags, caller uintptr) (page.Addr, error) {
	return c.alloc(group, flags, caller)
}

func (c *Cache) alloc(group *memcg.Group, flags gfp.Flags, caller uintptr) (page.Addr, error) {
	var track *Track
	if c.flags&StoreUser != 0 {
		t := captureTrack(2, caller)
		track = &t
	}
	var one [1]objRef
	refs, err := c.takeObjects(flags, one[:0], 1, track)
	if err != nil {
		return page.Null, err
	}
	if err := c.finishAlloc(refs[0], group, flags); err != nil {
		return page.Null, err
	}
	return refs[0].addr, nil
}

// takeObjects appends up to n objects to dst, holding the lock for the
// whole batch. It returns fewer than n only when it had to grow after
// taking at least one.
func (c *Cache) takeObjects(flags gfp.Flags, dst []objRef, n int, track *Track) ([]objRef, error) {
	var misuse []error
	got := 0

	c.mu.Lock()
	for got < n {
		if c.destroyed {
			c.mu.Unlock()
			return dst, fmt.Errorf("%w: %s", ErrDestroyed, c.name)
		}
		s := c.partial.head
		if s == nil {
			s = c.empty.head
		}
		if s == nil {
			if got > 0 {
				break
			}
			c.mu.Unlock()
			ns, err := c.newSlab(flags)
			c.mu.Lock()
			if err != nil {
				c.stats.AllocFailures++
				c.mu.Unlock()
				return dst, err
			}
			if c.destroyed {
				c.mu.Unlock()
				c.freeSlab(ns)
				return dst, fmt.Errorf("%w: %s", ErrDestroyed, c.name)
			}
			c.empty.push(ns)
			c.nrSlabs++
			c.stats.SlabsAllocated++
			continue
		}

		addr, err := c.takeLocked(s, track)
		if err != nil {
			misuse = append(misuse, err)
		}
		if addr == page.Null {
			continue
		}
		dst = append(dst, objRef{s: s, addr: addr})
		got++
	}
	c.stats.AllocCalls += uint64(got)
	c.mu.Unlock()

	for _, err := range misuse {
		_ = c.reportMisuse(err)
	}
	return dst, nil
}

// takeLocked pops the first free object of s.
func (c *Cache) takeLocked(s *slab, track *Track) (page.Addr, error) {
	addr := s.freelist
	if addr == page.Null {
		move(s, &c.full)
		return page.Null, nil
	}
	idx, _ := c.l.objectIndex(s.base, addr, true)
	if s.allocated != nil && s.isAllocated(idx) {
		s.corrupt = true
		s.freelist = page.Null
		move(s, &c.full)
		return page.Null, fmt.Errorf("%w: %s slab %s: freelist points at allocated object %s",
			ErrCorrupted, c.name, s.base, addr)
	}

	var err error
	next := c.readFreePtr(s, addr)
	if next != page.Null && !c.isObject(s, next) {
		s.corrupt = true
		err = fmt.Errorf("%w: %s object %s: free pointer %s is out of slab %s",
			ErrCorrupted, c.name, addr, next, s.base)
		next = page.Null
	}
	s.freelist = next
	s.inuse++
	c.active++
	if s.allocated != nil {
		s.setAllocated(idx, true)
	}
	if c.l.poison {
		if perr := c.checkPoison(s, addr); perr != nil && err == nil {
			err = perr
		}
	}
	if c.flags&RedZone != 0 {
		if rerr := c.checkRedZones(s, addr, RedInactive); rerr != nil && err == nil {
			err = rerr
		}
		c.setRedZones(s, addr, RedActive)
	}
	if track != nil {
		s.tracks[idx].alloc = *track
	}

	if s.freelist == page.Null {
		move(s, &c.full)
	} else {
		move(s, &c.partial)
	}
	return addr, err
}

// finishAlloc runs the steps that need no cache lock: zeroing after
// construction, then charging, then tracing.
func (c *Cache) finishAlloc(ref objRef, group *memcg.Group, flags gfp.Flags) error {
	if flags&gfp.Zero != 0 {
		clear(c.object(ref.s, ref.addr))
	}
	if group != nil && (c.flags&Account != 0 || flags&gfp.Account != 0) {
		if err := c.chargeObject(ref, group, flags&gfp.NoFail != 0); err != nil {
			c.mu.Lock()
			c.stats.ChargeFailures++
			c.mu.Unlock()
			_ = c.freeResolved(ref.s, ref.addr)
			return err
		}
	}
	if c.trace != nil {
		c.trace.Info("alloc", "cache", c.name, "addr", ref.addr, "size", c.l.objectSize)
	}
	return nil
}

func (c *Cache) chargeObject(ref objRef, group *memcg.Group, force bool) error {
	if err := group.TryCharge(uint64(c.l.slotSize), force); err != nil {
		return fmt.Errorf("slab: %s: %w", c.name, err)
	}
	idx, _ := c.l.objectIndex(ref.s.base, ref.addr, true)
	c.mu.Lock()
	if ref.s.objcgs == nil {
		ref.s.objcgs = make([]*memcg.Group, c.l.objects)
	}
	ref.s.objcgs[idx] = group
	c.mu.Unlock()
	return nil
}

// Charge charges an allocated object to group. An object that is already
// charged is left alone.
func (c *Cache) Charge(addr page.Addr, group *memcg.Group) error {
	if group == nil {
		return nil
	}
	s, err := c.owned(addr)
	if err != nil {
		return c.reportMisuse(err)
	}
	idx, ok := c.l.objectIndex(s.base, addr, true)
	if !ok {
		return c.reportMisuse(fmt.Errorf("%w: %s is not an object start in %s", ErrBadPointer, addr, c.name))
	}
	c.mu.Lock()
	charged := s.objcgs != nil && s.objcgs[idx] != nil
	c.mu.Unlock()
	if charged {
		return nil
	}
	return c.chargeObject(objRef{s: s, addr: addr}, group, false)
}

// owned resolves addr to a slab of this cache.
func (c *Cache) owned(addr page.Addr) (*slab, error) {
	s, ok := c.a.slabOf(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a slab object", ErrBadPointer, addr)
	}
	if s.cache != c {
		return nil, fmt.Errorf("%w: %s belongs to %s, not %s", ErrWrongCache, addr, s.cache.name, c.name)
	}
	return s, nil
}

// Free returns an object to the cache. Freeing Null is a no-op.
func (c *Cache) Free(addr page.Addr) error {
	if addr == page.Null {
		return nil
	}
	s, err := c.owned(addr)
	if err != nil {
		return c.reportMisuse(err)
	}
	return c.freeResolved(s, addr)
}

func (c *Cache) freeResolved(s *slab, addr page.Addr) error {
	var track *Track
	if c.flags&StoreUser != 0 {
		t := captureTrack(2, 0)
		track = &t
	}
	c.mu.Lock()
	res, err := c.freeLocked(s, addr, track)
	c.mu.Unlock()
	return c.finishFree(res, addr, err)
}

func (c *Cache) finishFree(res freeResult, addr page.Addr, err error) error {
	if err != nil {
		return c.reportMisuse(err)
	}
	if res.group != nil {
		res.group.Uncharge(uint64(c.l.slotSize))
	}
	if c.trace != nil {
		c.trace.Info("free", "cache", c.name, "addr", addr, "size", c.l.objectSize)
	}
	if res.release != nil {
		c.releaseSlab(res.release)
	}
	return nil
}

// freeLocked pushes addr back onto its slab's freelist after the misuse
// checks. A damaged object is reported and not freed.
func (c *Cache) freeLocked(s *slab, addr page.Addr, track *Track) (freeResult, error) {
	idx, ok := c.l.objectIndex(s.base, addr, true)
	if !ok {
		return freeResult{}, fmt.Errorf("%w: %s is not an object start in %s", ErrBadPointer, addr, c.name)
	}
	if s.rcuPending {
		return freeResult{}, fmt.Errorf("%w: %s object %s, slab awaiting RCU release", ErrDoubleFree, c.name, addr)
	}
	if s.freelist == addr {
		return freeResult{}, fmt.Errorf("%w: %s object %s is the freelist head", ErrDoubleFree, c.name, addr)
	}
	if s.allocated != nil && !s.isAllocated(idx) {
		return freeResult{}, fmt.Errorf("%w: %s object %s is not allocated", ErrDoubleFree, c.name, addr)
	}
	if c.flags&RedZone != 0 {
		if err := c.checkRedZones(s, addr, RedActive); err != nil {
			return freeResult{}, err
		}
	}

	var res freeResult
	if s.objcgs != nil {
		res.group = s.objcgs[idx]
		s.objcgs[idx] = nil
	}
	if track != nil {
		s.tracks[idx].free = *track
	}
	if c.l.poison {
		c.poisonObject(s, addr)
	}
	if c.flags&RedZone != 0 {
		c.setRedZones(s, addr, RedInactive)
	}
	c.writeFreePtr(s, addr, s.freelist)
	s.freelist = addr
	s.inuse--
	c.active--
	if s.allocated != nil {
		s.setAllocated(idx, false)
	}
	c.stats.FreeCalls++

	if s.inuse == 0 {
		res.release = c.emptyLocked(s)
	} else {
		move(s, &c.partial)
	}
	return res, nil
}

// emptyLocked parks an empty slab or detaches it for release.
func (c *Cache) emptyLocked(s *slab) *slab {
	if c.empty.n < c.a.minFree && !c.destroyed {
		move(s, &c.empty)
		return nil
	}
	return c.detachLocked(s)
}

func (c *Cache) detachLocked(s *slab) *slab {
	if s.list != nil {
		s.list.remove(s)
	}
	c.nrSlabs--
	if c.flags&TypesafeByRCU != 0 {
		s.rcuPending = true
		c.pendingRCU++
		c.stats.RCUDeferred++
	}
	return s
}

// releaseSlab returns a detached slab to the page source, after a grace
// period for TypesafeByRCU caches. Until then the frames stay mapped.
func (c *Cache) releaseSlab(s *slab) {
	if c.flags&TypesafeByRCU == 0 {
		c.freeSlab(s)
		return
	}
	c.a.rcu.Defer(func() {
		c.freeSlab(s)
		c.mu.Lock()
		c.pendingRCU--
		c.mu.Unlock()
	})
}

func (c *Cache) freeSlab(s *slab) {
	if err := c.a.src.FreePages(s.block); err != nil {
		c.a.log.Error("slab page release failed", "cache", c.name, "addr", s.base, "error", err)
	}
	c.mu.Lock()
	c.stats.SlabsFreed++
	c.mu.Unlock()
}

// Shrink releases every empty slab and returns how many it released.
func (c *Cache) Shrink() int {
	c.mu.Lock()
	var victims []*slab
	c.empty.each(func(s *slab) {
		victims = append(victims, c.detachLocked(s))
	})
	c.mu.Unlock()

	for _, s := range victims {
		c.releaseSlab(s)
	}
	return len(victims)
}

func (c *Cache) releaseEmpty() { c.Shrink() }

// newSlab gets a block from the page source and carves it. Constructors
// run here, once per slot.
func (c *Cache) newSlab(flags gfp.Flags) (*slab, error) {
	pf := c.pageFlags | flags&(gfp.NoWait|gfp.High|gfp.NoFail|gfp.NoRetry|gfp.NoWarn)
	b, err := c.a.src.AllocPages(c.l.order, pf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: order %d slab: %w", ErrNoMemory, c.name, c.l.order, err)
	}
	s := &slab{cache: c, block: b, base: b.Addr, mem: b.Bytes()}
	if c.flags&ConsistencyChecks != 0 {
		s.allocated = make([]uint64, (c.l.objects+63)/64)
	}
	if c.flags&StoreUser != 0 {
		s.tracks = make([]objTracks, c.l.objects)
	}

	next := page.Null
	for i := c.l.objects - 1; i >= 0; i-- {
		addr := c.l.objectAddr(s.base, i)
		if c.flags&RedZone != 0 {
			c.setRedZones(s, addr, RedInactive)
		}
		if c.l.poison {
			c.poisonObject(s, addr)
		}
		if c.ctor != nil {
			c.ctor(c.object(s, addr))
		}
		c.writeFreePtr(s, addr, next)
		next = addr
	}
	s.freelist = next
	c.a.src.SetOwner(b, s)
	return s, nil
}

func (c *Cache) isObject(s *slab, a page.Addr) bool {
	_, ok := c.l.objectIndex(s.base, a, true)
	return ok
}

// encodeFreePtr obfuscates ptr when freelist hardening is on. The storage
// address is byte swapped so equal pointers stored in different slots differ.
func (c *Cache) encodeFreePtr(ptr, storage page.Addr) uint64 {
	if c.secret == 0 {
		return uint64(ptr)
	}
	return uint64(ptr) ^ c.secret ^ bits.ReverseBytes64(uint64(storage))
}

func (c *Cache) readFreePtr(s *slab, obj page.Addr) page.Addr {
	off := uint(obj-s.base) + c.l.freePtr
	v := buf.U64LE(s.mem[off : off+wordSize])
	return page.Addr(c.encodeFreePtr(page.Addr(v), obj+page.Addr(c.l.freePtr)))
}

func (c *Cache) writeFreePtr(s *slab, obj, next page.Addr) {
	off := uint(obj-s.base) + c.l.freePtr
	buf.PutU64LE(s.mem[off:off+wordSize], c.encodeFreePtr(next, obj+page.Addr(c.l.freePtr)))
}
