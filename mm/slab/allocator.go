package slab

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/page"
	"github.com/joshuapare/slabkit/mm/rcu"
)

// Config configures an Allocator. The zero value is usable.
type Config struct {
	// Source supplies slab pages. Nil creates a private page.Allocator.
	Source page.Source

	// RCU is the domain TypesafeByRCU caches defer slab release through.
	// Nil creates a private domain that Close shuts down.
	RCU *rcu.Domain

	// Logger receives misuse reports and trace output. Nil discards.
	Logger *slog.Logger

	// MinFree is the number of empty slabs a cache keeps. 0 selects 1;
	// negative keeps none.
	MinFree int

	// NoMerge disables cache merging globally.
	NoMerge bool

	// HardenFreelist obfuscates stored free pointers.
	HardenFreelist bool

	// Seed makes freelist secrets deterministic. 0 draws them at random.
	Seed uint64

	// PanicOnMisuse panics when a double free, wrong-cache free, busy
	// destroy or corruption is detected instead of returning an error.
	PanicOnMisuse bool

	// Debug is a debug option string, see ParseDebug.
	Debug string
}

// Allocator creates and owns slab caches over one page source.
// It is safe for concurrent use.
type Allocator struct {
	cfg     Config
	src     page.Source
	pages   *page.Allocator // non-nil when the allocator owns its page source
	rcu     *rcu.Domain
	ownRCU  bool
	log     *slog.Logger
	debug   DebugSpec
	minFree int

	mu     sync.Mutex
	caches []*Cache
	nextID uint64
	closed bool
}

// New creates an Allocator.
func New(cfg Config) (*Allocator, error) {
	debug, err := ParseDebug(cfg.Debug)
	if err != nil {
		return nil, err
	}
	a := &Allocator{
		cfg:     cfg,
		src:     cfg.Source,
		rcu:     cfg.RCU,
		log:     cfg.Logger,
		debug:   debug,
		minFree: cfg.MinFree,
	}
	if a.log == nil {
		a.log = discardLogger()
	}
	switch {
	case a.minFree == 0:
		a.minFree = 1
	case a.minFree < 0:
		a.minFree = 0
	}
	if a.src == nil {
		a.pages = page.New(page.Config{Logger: cfg.Logger})
		a.src = a.pages
	}
	if a.rcu == nil {
		a.rcu = rcu.New()
		a.ownRCU = true
	}
	return a, nil
}

// Source returns the page source slabs come from.
func (a *Allocator) Source() page.Source { return a.src }

// RCU returns the reclamation domain.
func (a *Allocator) RCU() *rcu.Domain { return a.rcu }

// Logger returns the allocator's logger.
func (a *Allocator) Logger() *slog.Logger { return a.log }

// Ctor initializes a freshly carved object. It runs once per slot.
type Ctor func(obj []byte)

// Args are the optional creation parameters.
type Args struct {
	// Align is the required object alignment. 0 selects the word size.
	Align uint
	// UserOffset and UserSize whitelist a region for usercopy checks.
	UserOffset uint
	UserSize   uint
	// FreePtrOffset places the free pointer inside the object. It is
	// honoured only with UseFreePtrOffset on a TypesafeByRCU cache.
	FreePtrOffset    uint
	UseFreePtrOffset bool
	// Ctor is run on each object when its slab is carved.
	Ctor Ctor
}

// CreateCache creates a cache of size-byte objects. A nil args selects
// defaults.
func (a *Allocator) CreateCache(name string, size uint, args *Args, flags Flags) (*Cache, error) {
	var ca Args
	if args != nil {
		ca = *args
	}
	c, err := a.createCache(name, size, ca, flags)
	if err != nil && flags&Panic != 0 {
		panic(fmt.Sprintf("slab: cannot create cache %s: %v", name, err))
	}
	return c, err
}

// CreateCacheLegacy is CreateCache with the positional align and ctor form.
func (a *Allocator) CreateCacheLegacy(name string, size, align uint, flags Flags, ctor Ctor) (*Cache, error) {
	return a.CreateCache(name, size, &Args{Align: align, Ctor: ctor}, flags)
}

// CreateCacheUsercopy is CreateCacheLegacy with a usercopy whitelist.
func (a *Allocator) CreateCacheUsercopy(name string, size, align uint, flags Flags, useroffset, usersize uint, ctor Ctor) (*Cache, error) {
	return a.CreateCache(name, size, &Args{Align: align, UserOffset: useroffset, UserSize: usersize, Ctor: ctor}, flags)
}

func validateCreate(name string, size uint, args *Args, flags Flags) error {
	if name == "" {
		return ErrInvalidName
	}
	if flags&^ValidFlags != 0 {
		return fmt.Errorf("%w: unknown bits %s", ErrInvalidFlags, flags&^ValidFlags)
	}
	if flags.Has(CacheDMA | CacheDMA32) {
		return fmt.Errorf("%w: %s: CACHE_DMA and CACHE_DMA32 are exclusive", ErrInvalidFlags, name)
	}
	if size == 0 {
		return fmt.Errorf("%w: %s: size 0", ErrInvalidSize, name)
	}
	if args.Align != 0 && (!buf.IsPow2(args.Align) || args.Align > page.Size) {
		return fmt.Errorf("%w: %s: align %d", ErrInvalidAlign, name, args.Align)
	}
	if args.UserSize == 0 && args.UserOffset != 0 {
		return fmt.Errorf("%w: %s: offset %d with empty region", ErrInvalidUsercopy, name, args.UserOffset)
	}
	if args.UserSize != 0 {
		if _, err := buf.CheckRange(size, args.UserOffset, args.UserSize); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidUsercopy, name, err)
		}
	}
	if args.UseFreePtrOffset {
		switch {
		case flags&TypesafeByRCU == 0:
			return fmt.Errorf("%w: %s: requires TYPESAFE_BY_RCU", ErrInvalidFreePtr, name)
		case args.Ctor != nil:
			return fmt.Errorf("%w: %s: not allowed with a constructor", ErrInvalidFreePtr, name)
		case args.FreePtrOffset%wordSize != 0:
			return fmt.Errorf("%w: %s: offset %d is not word aligned", ErrInvalidFreePtr, name, args.FreePtrOffset)
		case args.FreePtrOffset+wordSize > size:
			return fmt.Errorf("%w: %s: offset %d outside %d-byte object", ErrInvalidFreePtr, name, args.FreePtrOffset, size)
		}
	}
	return nil
}

func (a *Allocator) createCache(name string, size uint, args Args, flags Flags) (*Cache, error) {
	if err := validateCreate(name, size, &args, flags); err != nil {
		return nil, err
	}
	flags |= a.debug.Applies(name)
	if logAlloc {
		flags |= Trace
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}

	if m := a.findMergeLocked(size, &args, flags); m != nil {
		m.refcount++
		m.aliases = append(m.aliases, name)
		a.log.Debug("slab cache merged", "cache", name, "target", m.name)
		return m, nil
	}

	l, err := calculateLayout(size, &args, flags)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	a.nextID++
	c := &Cache{
		a:          a,
		id:         a.nextID,
		name:       name,
		flags:      flags,
		l:          l,
		useroffset: args.UserOffset,
		usersize:   args.UserSize,
		ctor:       args.Ctor,
		refcount:   1,
	}
	switch {
	case flags&CacheDMA != 0:
		c.pageFlags |= gfp.DMA
	case flags&CacheDMA32 != 0:
		c.pageFlags |= gfp.DMA32
	}
	if flags&ReclaimAccount != 0 {
		c.pageFlags |= gfp.Reclaimable
	}
	if a.cfg.HardenFreelist {
		if a.cfg.Seed != 0 {
			c.secret = rand.New(rand.NewPCG(a.cfg.Seed, c.id)).Uint64() | 1
		} else {
			c.secret = rand.Uint64() | 1
		}
	}
	if flags&Trace != 0 {
		c.trace = a.log
		if logAlloc {
			c.trace = stderrLogger()
		}
	}
	a.caches = append(a.caches, c)
	return c, nil
}

// mergeable reports whether c may take on aliases.
func (c *Cache) mergeable() bool {
	return c.flags&neverMerge == 0 && c.ctor == nil && c.usersize == 0 && !c.l.poison && c.refcount > 0
}

// findMergeLocked returns an existing cache a new cache may alias.
func (a *Allocator) findMergeLocked(size uint, args *Args, flags Flags) *Cache {
	if a.cfg.NoMerge || flags&neverMerge != 0 || args.Ctor != nil || args.UserSize != 0 || args.UseFreePtrOffset {
		return nil
	}
	align := calculateAlign(flags, args.Align, size)
	want := buf.AlignUp(size, wordSize)
	for _, c := range a.caches {
		if !c.mergeable() || c.flags&mergeSame != flags&mergeSame {
			continue
		}
		if c.l.objectSize < size || c.l.slotSize < want {
			continue
		}
		if c.l.slotSize-size >= wordSize {
			continue
		}
		if c.l.slotSize%align != 0 || c.l.align < align {
			continue
		}
		return c
	}
	return nil
}

// Destroy drops a reference to c. The last reference releases the cache;
// it fails with ErrCacheBusy while objects are live.
func (a *Allocator) Destroy(c *Cache) error {
	if c == nil {
		return nil
	}
	a.mu.Lock()
	if c.refcount == 0 {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDestroyed, c.name)
	}
	if c.refcount > 1 {
		c.refcount--
		a.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	if c.active > 0 {
		live := c.active
		c.mu.Unlock()
		a.mu.Unlock()
		return c.reportMisuse(fmt.Errorf("%w: %s has %d live objects", ErrCacheBusy, c.name, live))
	}
	c.destroyed = true
	c.mu.Unlock()

	c.refcount = 0
	a.caches = slices.DeleteFunc(a.caches, func(x *Cache) bool { return x == c })
	a.mu.Unlock()

	c.releaseEmpty()
	if c.flags&TypesafeByRCU != 0 {
		a.rcu.Barrier()
	}
	return nil
}

// Barrier waits until every slab queued for deferred release has been
// returned to the page source.
func (a *Allocator) Barrier() { a.rcu.Barrier() }

// Caches returns a snapshot of every registered cache in creation order.
func (a *Allocator) Caches() []CacheInfo {
	a.mu.Lock()
	caches := slices.Clone(a.caches)
	a.mu.Unlock()

	infos := make([]CacheInfo, 0, len(caches))
	for _, c := range caches {
		infos = append(infos, c.Info())
	}
	return infos
}

// Cache returns the registered cache called name, matching aliases too.
func (a *Allocator) Cache(name string) (*Cache, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.caches {
		if c.name == name || slices.Contains(c.aliases, name) {
			return c, true
		}
	}
	return nil, false
}

// ShrinkAll shrinks every cache and returns the slabs released.
func (a *Allocator) ShrinkAll() int {
	a.mu.Lock()
	caches := slices.Clone(a.caches)
	a.mu.Unlock()

	n := 0
	for _, c := range caches {
		n += c.Shrink()
	}
	return n
}

// slabOf resolves the slab holding addr.
func (a *Allocator) slabOf(addr page.Addr) (*slab, bool) {
	_, owner, ok := a.src.Lookup(addr)
	if !ok {
		return nil, false
	}
	s, ok := owner.(*slab)
	return s, ok
}

// Resolve returns the cache owning the object at addr.
func (a *Allocator) Resolve(addr page.Addr) (*Cache, bool) {
	s, ok := a.slabOf(addr)
	if !ok {
		return nil, false
	}
	return s.cache, true
}

// Free frees an object without naming its cache.
func (a *Allocator) Free(addr page.Addr) error {
	if addr == page.Null {
		return nil
	}
	s, ok := a.slabOf(addr)
	if !ok {
		err := fmt.Errorf("%w: %s is not a slab object", ErrBadPointer, addr)
		a.log.Error("slab misuse detected", "error", err)
		if a.cfg.PanicOnMisuse {
			panic(err)
		}
		return err
	}
	return s.cache.freeResolved(s, addr)
}

// Close waits for deferred releases and shuts down resources the allocator
// created. Caches are left intact. It is idempotent.
func (a *Allocator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.rcu.Barrier()
	if a.ownRCU {
		return a.rcu.Close()
	}
	return nil
}
