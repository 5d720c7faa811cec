package page

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/joshuapare/slabkit/mm/gfp"
)

const (
	// defaultDMAPages is the capacity of the DMA zone (15 MiB).
	defaultDMAPages = uint64(zoneDMAEnd-zoneDMAStart) >> Shift

	// defaultCacheBlocks is how many freed mappings are kept per order.
	defaultCacheBlocks = 8

	defaultNoFailTimeout = 10 * time.Second

	noFailBackoffStart = 100 * time.Microsecond
	noFailBackoffMax   = 10 * time.Millisecond
)

// Config configures an Allocator. The zero value is usable.
type Config struct {
	// Backing supplies block memory. Nil selects MmapBacking.
	Backing Backing

	// MaxPages bounds the pages in use across all zones. 0 = unlimited.
	MaxPages uint64

	// DMAPages bounds the pages in use in the DMA zone. 0 = whole zone.
	DMAPages uint64

	// MaxWait is how long a blocking request waits at the limit. 0 = never wait.
	MaxWait time.Duration

	// NoFailTimeout bounds how long a gfp.NoFail request retries before
	// panicking. 0 selects 10s.
	NoFailTimeout time.Duration

	// CacheBlocks is the number of freed mappings kept per order for reuse.
	// 0 selects 8; negative disables the cache.
	CacheBlocks int

	// Logger receives allocation failure warnings. Nil discards.
	Logger *slog.Logger
}

// Stats is a snapshot of allocator counters.
type Stats struct {
	AllocCalls       uint64    `json:"alloc_calls"`
	FreeCalls        uint64    `json:"free_calls"`
	Failures         uint64    `json:"failures"`
	Waits            uint64    `json:"waits"`
	PagesInUse       uint64    `json:"pages_in_use"`
	ReclaimablePages uint64    `json:"reclaimable_pages"`
	ZonePages        [3]uint64 `json:"zone_pages"`
	CachedBlocks     int       `json:"cached_blocks"`
	MappedBytes      uint64    `json:"mapped_bytes"`
}

// zone tracks one address range: a bump pointer and recycled ranges per order.
type zone struct {
	start, end Addr
	next       Addr
	free       [MaxOrder + 1][]Addr
	pages      uint64
	limit      uint64
}

func (z *zone) take(order uint) (Addr, bool) {
	if n := len(z.free[order]); n > 0 {
		a := z.free[order][n-1]
		z.free[order] = z.free[order][:n-1]
		return a, true
	}
	size := Addr(uint64(Size) << order)
	a := (z.next + size - 1) &^ (size - 1)
	if a < z.next || a+size > z.end || a+size < a {
		return 0, false
	}
	z.next = a + size
	return a, true
}

func (z *zone) release(a Addr, order uint) {
	z.free[order] = append(z.free[order], a)
}

// Allocator is the concrete page source. It is safe for concurrent use.
type Allocator struct {
	cfg     Config
	backing Backing
	log     *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	zones  [nrZones]zone
	inUse  uint64
	cached [MaxOrder + 1][][]byte
	stats  Stats

	framesMu sync.RWMutex
	frames   map[uint64]*Block
}

var _ Source = (*Allocator)(nil)

// New creates a page allocator.
func New(cfg Config) *Allocator {
	if cfg.Backing == nil {
		cfg.Backing = MmapBacking()
	}
	if cfg.DMAPages == 0 || cfg.DMAPages > defaultDMAPages {
		cfg.DMAPages = defaultDMAPages
	}
	if cfg.NoFailTimeout == 0 {
		cfg.NoFailTimeout = defaultNoFailTimeout
	}
	if cfg.CacheBlocks == 0 {
		cfg.CacheBlocks = defaultCacheBlocks
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	a := &Allocator{
		cfg:     cfg,
		backing: cfg.Backing,
		log:     logger,
		frames:  make(map[uint64]*Block, 256),
	}
	a.cond = sync.NewCond(&a.mu)
	for z := range nrZones {
		start, end := ZoneRange(z)
		a.zones[z] = zone{start: start, end: end, next: start}
	}
	a.zones[ZoneDMA].limit = cfg.DMAPages
	return a
}

// Backing returns the allocator's memory backing.
func (a *Allocator) Backing() Backing { return a.backing }

// AllocPages returns a naturally aligned block of 2^order pages from the zone
// selected by flags.
func (a *Allocator) AllocPages(order uint, flags gfp.Flags) (*Block, error) {
	if order > MaxOrder {
		return nil, fmt.Errorf("%w: order %d > %d", ErrBadOrder, order, MaxOrder)
	}
	zid := ZoneFor(flags)
	npages := uint64(1) << order

	a.mu.Lock()
	a.stats.AllocCalls++
	if err := a.waitForRoomLocked(zid, npages, flags); err != nil {
		a.stats.Failures++
		a.mu.Unlock()
		a.warnFailure(order, flags, err)
		return nil, err
	}
	addr, ok := a.zones[zid].take(order)
	if !ok {
		a.stats.Failures++
		a.mu.Unlock()
		err := fmt.Errorf("%w: zone %s address space exhausted", ErrNoMemory, zid)
		a.warnFailure(order, flags, err)
		return nil, err
	}
	a.reserveLocked(zid, npages, flags)
	data, fromCache := a.takeCachedLocked(order)
	a.mu.Unlock()

	if data == nil {
		var err error
		data, err = a.backing.Map(int(uint64(Size) << order))
		if err != nil {
			a.mu.Lock()
			a.zones[zid].release(addr, order)
			a.unreserveLocked(zid, npages, flags)
			a.stats.Failures++
			a.cond.Broadcast()
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
		}
		a.mu.Lock()
		a.stats.MappedBytes += uint64(len(data))
		a.mu.Unlock()
	} else if fromCache && flags&gfp.Zero != 0 {
		clear(data)
	}

	b := &Block{Addr: addr, Order: order, Zone: zid, Flags: flags, data: data}

	a.framesMu.Lock()
	pfn := addr.PFN()
	for i := range npages {
		a.frames[pfn+i] = b
	}
	a.framesMu.Unlock()

	return b, nil
}

// FreePages returns a block to the allocator.
func (a *Allocator) FreePages(b *Block) error {
	if b == nil {
		return nil
	}
	npages := b.Pages()

	a.framesMu.Lock()
	pfn := b.Addr.PFN()
	if a.frames[pfn] != b {
		a.framesMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownBlock, b.Addr)
	}
	for i := range npages {
		delete(a.frames, pfn+i)
	}
	b.owner = nil
	a.framesMu.Unlock()

	data := b.data
	b.data = nil

	a.mu.Lock()
	a.stats.FreeCalls++
	a.zones[b.Zone].release(b.Addr, b.Order)
	a.unreserveLocked(b.Zone, npages, b.Flags)
	if a.cfg.CacheBlocks > 0 && len(a.cached[b.Order]) < a.cfg.CacheBlocks {
		a.cached[b.Order] = append(a.cached[b.Order], data)
		data = nil
	} else {
		a.stats.MappedBytes -= uint64(len(data))
	}
	a.cond.Broadcast()
	a.mu.Unlock()

	if data != nil {
		return a.backing.Unmap(data)
	}
	return nil
}

// Lookup resolves an address to its live block and owner.
func (a *Allocator) Lookup(addr Addr) (*Block, any, bool) {
	a.framesMu.RLock()
	b, ok := a.frames[addr.PFN()]
	var owner any
	if ok {
		owner = b.owner
	}
	a.framesMu.RUnlock()
	return b, owner, ok
}

// SetOwner attaches owner to a live block.
func (a *Allocator) SetOwner(b *Block, owner any) {
	a.framesMu.Lock()
	b.owner = owner
	a.framesMu.Unlock()
}

// Drain unmaps every cached mapping.
func (a *Allocator) Drain() error {
	a.mu.Lock()
	var drained [][]byte
	for order := range a.cached {
		drained = append(drained, a.cached[order]...)
		a.cached[order] = nil
	}
	for _, d := range drained {
		a.stats.MappedBytes -= uint64(len(d))
	}
	a.mu.Unlock()

	var firstErr error
	for _, d := range drained {
		if err := a.backing.Unmap(d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.PagesInUse = a.inUse
	for z := range nrZones {
		s.ZonePages[z] = a.zones[z].pages
	}
	for order := range a.cached {
		s.CachedBlocks += len(a.cached[order])
	}
	return s
}

// waitForRoomLocked blocks (per flags) until npages fit in zone z.
func (a *Allocator) waitForRoomLocked(z Zone, npages uint64, flags gfp.Flags) error {
	if a.hasRoomLocked(z, npages) {
		return nil
	}

	if flags&gfp.NoFail != 0 {
		deadline := time.Now().Add(a.cfg.NoFailTimeout)
		backoff := noFailBackoffStart
		for !a.hasRoomLocked(z, npages) {
			if time.Now().After(deadline) {
				a.mu.Unlock()
				panic(fmt.Sprintf("page: NoFail allocation of %d pages in zone %s could not be satisfied within %s",
					npages, z, a.cfg.NoFailTimeout))
			}
			a.stats.Waits++
			a.timedWaitLocked(backoff)
			backoff = min(backoff*2, noFailBackoffMax)
		}
		return nil
	}

	if !flags.CanBlock() || flags&gfp.NoRetry != 0 || a.cfg.MaxWait <= 0 {
		return fmt.Errorf("%w: %d pages requested in zone %s", ErrNoMemory, npages, z)
	}

	deadline := time.Now().Add(a.cfg.MaxWait)
	for !a.hasRoomLocked(z, npages) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: %d pages in zone %s after waiting %s", ErrNoMemory, npages, z, a.cfg.MaxWait)
		}
		a.stats.Waits++
		a.timedWaitLocked(remaining)
	}
	return nil
}

// timedWaitLocked waits on the condition for at most d.
func (a *Allocator) timedWaitLocked(d time.Duration) {
	t := time.AfterFunc(d, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	a.cond.Wait()
	t.Stop()
}

func (a *Allocator) hasRoomLocked(z Zone, npages uint64) bool {
	if a.cfg.MaxPages != 0 && a.inUse+npages > a.cfg.MaxPages {
		return false
	}
	zl := a.zones[z].limit
	return zl == 0 || a.zones[z].pages+npages <= zl
}

func (a *Allocator) reserveLocked(z Zone, npages uint64, flags gfp.Flags) {
	a.inUse += npages
	a.zones[z].pages += npages
	if flags&gfp.Reclaimable != 0 {
		a.stats.ReclaimablePages += npages
	}
}

func (a *Allocator) unreserveLocked(z Zone, npages uint64, flags gfp.Flags) {
	a.inUse -= npages
	a.zones[z].pages -= npages
	if flags&gfp.Reclaimable != 0 {
		a.stats.ReclaimablePages -= npages
	}
}

func (a *Allocator) takeCachedLocked(order uint) ([]byte, bool) {
	n := len(a.cached[order])
	if n == 0 {
		return nil, false
	}
	data := a.cached[order][n-1]
	a.cached[order] = a.cached[order][:n-1]
	return data, true
}

func (a *Allocator) warnFailure(order uint, flags gfp.Flags, err error) {
	if flags&gfp.NoWarn != 0 {
		return
	}
	a.log.Warn("page allocation failure",
		"order", order,
		"flags", flags.String(),
		"error", err,
	)
}
