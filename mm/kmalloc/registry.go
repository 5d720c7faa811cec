package kmalloc

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/page"
	"github.com/joshuapare/slabkit/mm/slab"
)

// Config configures a Registry. The zero value is usable.
type Config struct {
	// MinSize is the smallest size class, a power of two in [8, 256].
	// 0 selects DefaultMinSize.
	MinSize uint

	// ZoneDMA builds the dma-kmalloc family.
	ZoneDMA bool

	// MemCG builds the kmalloc-cg family for accounted requests.
	MemCG bool

	// RandomCaches spreads normal requests over 16 copies by call site.
	RandomCaches bool

	// Seed fixes the call-site hash. 0 draws one at random.
	Seed uint64

	// DebugFlags are added to every kmalloc cache.
	DebugFlags slab.Flags

	// Logger receives large allocation warnings. Nil uses the slab
	// allocator's logger.
	Logger *slog.Logger
}

// Handle is the result of a size-class lookup.
type Handle struct {
	// Zero is set for zero-byte requests, which get ZeroSizePtr.
	Zero bool
	// Large is set for requests above MaxCacheSize.
	Large bool
	// Cache serves the request when neither Zero nor Large is set.
	Cache *slab.Cache
	Index int
	Type  Type
}

// Registry holds the size-class caches. The table is filled by
// NewRegistry and read-only afterwards, so lookups take no locks.
type Registry struct {
	cfg    Config
	slabs  *slab.Allocator
	pages  page.Source
	table  *SizeTable
	seed   uint64
	log    *slog.Logger
	caches [nrTypes][ShiftHigh + 1]*slab.Cache

	// wantCaller is set when lookups or caches use the call site.
	wantCaller bool
	closed     atomic.Bool

	mu      sync.Mutex
	buckets []*Buckets
}

// NewRegistry creates every enabled size-class cache on a.
func NewRegistry(a *slab.Allocator, cfg Config) (*Registry, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil slab allocator", ErrInvalidConfig)
	}
	table, err := NewSizeTable(cfg.MinSize)
	if err != nil {
		return nil, err
	}
	cfg.MinSize = table.MinSize()
	if cfg.DebugFlags&^slab.DebugFlags != 0 {
		return nil, fmt.Errorf("%w: debug flags %s", ErrInvalidConfig, cfg.DebugFlags)
	}

	r := &Registry{
		cfg:   cfg,
		slabs: a,
		pages: a.Source(),
		table: table,
		seed:  cfg.Seed,
		log:   cfg.Logger,
	}
	if r.seed == 0 {
		r.seed = rand.Uint64()
	}
	if r.log == nil {
		r.log = a.Logger()
	}

	for t := Normal; t < nrTypes; t++ {
		if !r.enabled(t) {
			continue
		}
		for i := table.ShiftLow(); i <= ShiftHigh; i++ {
			err := r.createCache(t, i)
			if err == nil && cfg.MinSize <= 32 && i == 6 {
				err = r.createCache(t, 1)
			}
			if err == nil && cfg.MinSize <= 64 && i == 7 {
				err = r.createCache(t, 2)
			}
			if err != nil {
				_ = r.destroyAll()
				return nil, err
			}
		}
	}

	r.wantCaller = cfg.RandomCaches
	for t := range r.caches {
		for _, c := range r.caches[t] {
			if c != nil && c.Flags()&slab.StoreUser != 0 {
				r.wantCaller = true
			}
		}
	}
	return r, nil
}

// cacheFlags returns the slab flags of family t.
func (r *Registry) cacheFlags(t Type) slab.Flags {
	flags := slab.Kmalloc | slab.NoMerge | r.cfg.DebugFlags
	switch t {
	case Reclaim:
		flags |= slab.ReclaimAccount
	case DMA:
		flags |= slab.CacheDMA
	case CGroup:
		flags |= slab.Account
	}
	return flags
}

func (r *Registry) createCache(t Type, index int) error {
	if r.caches[t][index] != nil {
		return nil
	}
	size := ClassSize(index)
	args := &slab.Args{UserSize: size}
	if size&(size-1) == 0 {
		args.Align = min(size, page.Size)
	}
	c, err := r.slabs.CreateCache(t.prefix()+className(index), size, args, r.cacheFlags(t))
	if err != nil {
		return fmt.Errorf("kmalloc: %w", err)
	}
	r.caches[t][index] = c
	return nil
}

// Table returns the size table.
func (r *Registry) Table() *SizeTable { return r.table }

// Slabs returns the slab allocator the caches live on.
func (r *Registry) Slabs() *slab.Allocator { return r.slabs }

// Seed returns the call-site hash seed.
func (r *Registry) Seed() uint64 { return r.seed }

// Config returns the effective configuration.
func (r *Registry) Config() Config { return r.cfg }

// Cache returns the cache of family t and class index, or nil.
func (r *Registry) Cache(t Type, index int) *slab.Cache {
	if t < 0 || t >= nrTypes || index < 0 || index > ShiftHigh {
		return nil
	}
	return r.caches[t][index]
}

// Lookup resolves a runtime-sized request with no call-site identity.
func (r *Registry) Lookup(size uint, flags gfp.Flags) Handle {
	return r.LookupCaller(size, flags, 0)
}

// LookupCaller resolves a runtime-sized request made from caller.
func (r *Registry) LookupCaller(size uint, flags gfp.Flags, caller uintptr) Handle {
	switch {
	case size == 0:
		return Handle{Zero: true}
	case size > MaxCacheSize:
		return Handle{Large: true}
	}
	return r.handle(r.table.Index(size), flags, caller)
}

// LookupConst resolves a request through the fixed-size table.
func (r *Registry) LookupConst(size uint, flags gfp.Flags, caller uintptr) Handle {
	switch {
	case size == 0:
		return Handle{Zero: true}
	case size > MaxCacheSize:
		return Handle{Large: true}
	}
	return r.handle(r.table.IndexOf(size), flags, caller)
}

func (r *Registry) handle(index int, flags gfp.Flags, caller uintptr) Handle {
	t := r.TypeOf(flags, caller)
	return Handle{Cache: r.caches[t][index], Index: index, Type: t}
}

// free releases a kmalloc allocation of any size.
func (r *Registry) free(p page.Addr) error {
	if IsZeroOrNull(p) {
		return nil
	}
	if b, rec, ok := r.lookupLarge(p); ok {
		err := r.freeLarge(b, rec, p)
		if err != nil {
			r.log.Error("kmalloc misuse detected", "error", err)
		}
		return err
	}
	return r.slabs.Free(p)
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool { return r.closed.Load() }

// Close stops allocation and destroys every cache without live objects.
// Busy caches stay registered so their objects can still be freed; they
// are reported in the returned error. Close is idempotent.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.destroyAll()
}

func (r *Registry) destroyAll() error {
	var errs []error
	destroy := func(c *slab.Cache) {
		if c == nil {
			return
		}
		if live := c.Info().ActiveObjs; live > 0 {
			errs = append(errs, fmt.Errorf("%w: %s has %d live objects", slab.ErrCacheBusy, c.Name(), live))
			return
		}
		if err := r.slabs.Destroy(c); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	buckets := r.buckets
	r.buckets = nil
	r.mu.Unlock()
	for _, b := range buckets {
		for _, c := range b.caches {
			destroy(c)
		}
	}
	for t := range r.caches {
		for _, c := range r.caches[t] {
			destroy(c)
		}
	}
	return errors.Join(errs...)
}
