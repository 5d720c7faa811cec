package slab

import (
	"bytes"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/memcg"
	"github.com/joshuapare/slabkit/mm/page"
)

func Test_Cache_CreateValidation(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	noop := func([]byte) {}

	tests := []struct {
		name  string
		cname string
		size  uint
		args  *Args
		flags Flags
		want  error
	}{
		{"empty name", "", 8, nil, 0, ErrInvalidName},
		{"zero size", "c", 0, nil, 0, ErrInvalidSize},
		{"too large", "c", maxSlabBytes + 1, nil, 0, ErrInvalidSize},
		{"align not pow2", "c", 8, &Args{Align: 24}, 0, ErrInvalidAlign},
		{"align above page", "c", 8, &Args{Align: 2 * page.Size}, 0, ErrInvalidAlign},
		{"usercopy past object", "c", 64, &Args{UserOffset: 32, UserSize: 40}, 0, ErrInvalidUsercopy},
		{"usercopy offset only", "c", 64, &Args{UserOffset: 8}, 0, ErrInvalidUsercopy},
		{"freeptr without rcu", "c", 64, &Args{UseFreePtrOffset: true, FreePtrOffset: 8}, 0, ErrInvalidFreePtr},
		{"freeptr with ctor", "c", 64, &Args{UseFreePtrOffset: true, FreePtrOffset: 8, Ctor: noop}, TypesafeByRCU, ErrInvalidFreePtr},
		{"freeptr misaligned", "c", 64, &Args{UseFreePtrOffset: true, FreePtrOffset: 4}, TypesafeByRCU, ErrInvalidFreePtr},
		{"freeptr out of range", "c", 64, &Args{UseFreePtrOffset: true, FreePtrOffset: 64}, TypesafeByRCU, ErrInvalidFreePtr},
		{"unknown flags", "c", 64, nil, 1 << 30, ErrInvalidFlags},
		{"dma and dma32", "c", 64, nil, CacheDMA | CacheDMA32, ErrInvalidFlags},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := a.CreateCache(tt.cname, tt.size, tt.args, tt.flags)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, c)
		})
	}
	assert.Empty(t, a.Caches())
}

func Test_Cache_PanicOnCreateFailure(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	assert.Panics(t, func() {
		_, _ = a.CreateCache("bad", 8, &Args{Align: 3}, Panic)
	})
}

func Test_Cache_CreateLegacyForms(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})

	c, err := a.CreateCacheLegacy("legacy", 40, 16, NoMerge, nil)
	require.NoError(t, err)
	assert.Equal(t, uint(16), c.Align())

	u, err := a.CreateCacheUsercopy("user", 128, 0, 0, 16, 32, nil)
	require.NoError(t, err)
	off, size := u.Usercopy()
	assert.Equal(t, uint(16), off)
	assert.Equal(t, uint(32), size)

	names := []string{}
	for _, ci := range a.Caches() {
		names = append(names, ci.Name)
	}
	assert.Equal(t, []string{"legacy", "user"}, names)
}

// Test_Cache_Alignment checks every object honours the resolved alignment.
func Test_Cache_Alignment(t *testing.T) {
	a, _ := newTestAllocator(t, Config{NoMerge: true})

	for _, align := range []uint{0, 8, 16, 32, 64, 128, 512, 4096} {
		for _, size := range []uint{1, 7, 24, 100, 1000} {
			c := mustCache(t, a, "align", size, &Args{Align: align}, 0)
			want := max(align, 8)
			var addrs []page.Addr
			for range 20 {
				addr, err := c.Alloc(gfp.Kernel)
				require.NoError(t, err)
				assert.Zero(t, uint(addr)%want, "size %d align %d addr %s", size, align, addr)
				b, err := a.Bytes(addr)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, uint(len(b)), size)
				addrs = append(addrs, addr)
			}
			require.NoError(t, c.FreeBulk(addrs))
			require.NoError(t, a.Destroy(c))
		}
	}
}

func Test_Cache_RoundTripReuse(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "rt", 48, nil, 0)

	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	require.NoError(t, c.Free(p))
	q, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	assert.Equal(t, p, q, "the freed object is the freelist head")
	require.NoError(t, c.Free(q))
	assert.Zero(t, c.Info().ActiveObjs)
}

// Test_Cache_CtorOncePerSlot checks the constructor runs at carve time only.
func Test_Cache_CtorOncePerSlot(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	var mu sync.Mutex
	calls := 0
	ctor := func(obj []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
		buf.Fill(obj, 0xaa)
	}
	c := mustCache(t, a, "ctor", 40, &Args{Ctor: ctor}, 0)
	n := c.ObjectsPerSlab()

	addrs, err := c.AllocBulk(gfp.Kernel, n)
	require.NoError(t, err)
	assert.Equal(t, n, calls)
	for _, p := range addrs {
		b, err := a.Bytes(p)
		require.NoError(t, err)
		assert.Equal(t, -1, buf.FirstNot(b, 0xaa), "constructed state at %s", p)
	}
	require.NoError(t, c.FreeBulk(addrs))

	addrs, err = c.AllocBulk(gfp.Kernel, n)
	require.NoError(t, err)
	assert.Equal(t, n, calls, "reuse must not run the constructor again")
	for _, p := range addrs {
		b, _ := a.Bytes(p)
		assert.Equal(t, -1, buf.FirstNot(b, 0xaa), "free must not clobber constructed state")
	}
	require.NoError(t, c.FreeBulk(addrs))
}

// Test_Cache_ZeroAfterCtor checks gfp.Zero wins over the constructor.
func Test_Cache_ZeroAfterCtor(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "ctor-zero", 32, &Args{Ctor: func(obj []byte) { buf.Fill(obj, 0x11) }}, 0)

	p, err := c.Zalloc(gfp.Kernel)
	require.NoError(t, err)
	b, _ := a.Bytes(p)
	assert.Equal(t, -1, buf.FirstNot(b, 0))
	require.NoError(t, c.Free(p))
}

func Test_Cache_DoubleFreeOfHead(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "df", 64, nil, 0)

	_, err := c.Alloc(gfp.Kernel) // keep the slab partial
	require.NoError(t, err)
	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	require.NoError(t, c.Free(p))
	require.ErrorIs(t, c.Free(p), ErrDoubleFree)
	assert.Equal(t, uint64(1), c.Info().Stats.Misuses)
	require.NoError(t, c.Validate())
}

func Test_Cache_DoubleFreeConsistencyChecks(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "df-f", 64, nil, ConsistencyChecks)

	_, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	q, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	require.NoError(t, c.Free(p))
	require.NoError(t, c.Free(q))
	require.ErrorIs(t, c.Free(p), ErrDoubleFree, "p is not the head; only the bitmap can tell")
	require.NoError(t, c.Validate())
}

func Test_Cache_WrongCacheAndBadPointer(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c1 := mustCache(t, a, "one", 64, nil, NoMerge)
	c2 := mustCache(t, a, "two", 64, nil, NoMerge)

	p, err := c1.Alloc(gfp.Kernel)
	require.NoError(t, err)
	require.ErrorIs(t, c2.Free(p), ErrWrongCache)
	require.ErrorIs(t, c1.Free(p+1), ErrBadPointer)
	require.ErrorIs(t, c1.Free(0xdead0000), ErrBadPointer)
	require.ErrorIs(t, a.Free(0xdead0000), ErrBadPointer)
	require.NoError(t, c1.Free(page.Null))

	got, ok := a.Resolve(p)
	require.True(t, ok)
	assert.Same(t, c1, got)
	require.NoError(t, a.Free(p), "freeing without naming the cache")
}

func Test_Cache_PanicOnMisuse(t *testing.T) {
	a, _ := newTestAllocator(t, Config{PanicOnMisuse: true})
	c := mustCache(t, a, "strict", 64, nil, 0)

	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	require.NoError(t, c.Free(p))

	r := capturePanic(func() { _ = c.Free(p) })
	perr, ok := r.(error)
	require.True(t, ok, "panic value %v is not an error", r)
	require.ErrorIs(t, perr, ErrDoubleFree)
}

func Test_Cache_RedZoneOverflow(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "rz", 20, nil, RedZone)

	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	s := slabFor(t, a, p)
	assert.Equal(t, -1, buf.FirstNot(c.rightZone(s, p), RedActive))
	assert.Equal(t, -1, buf.FirstNot(c.leftZone(s, p), RedActive))

	// One byte past the object.
	c.rightZone(s, p)[0] = 0
	require.ErrorIs(t, c.Validate(), ErrCorrupted)
	require.ErrorIs(t, c.Free(p), ErrCorrupted)
	assert.Equal(t, 1, c.Info().ActiveObjs, "a damaged object is not freed")

	c.rightZone(s, p)[0] = RedActive
	require.NoError(t, c.Free(p))
	assert.Equal(t, -1, buf.FirstNot(c.rightZone(s, p), RedInactive))
	require.NoError(t, c.Validate())
}

func Test_Cache_RedZoneUnderflow(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "rz-left", 64, nil, RedZone)

	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	s := slabFor(t, a, p)
	lz := c.leftZone(s, p)
	lz[len(lz)-1] = 0x00
	err = c.Free(p)
	require.ErrorIs(t, err, ErrCorrupted)
	assert.Contains(t, err.Error(), "left red zone")
}

// Test_Cache_PoisonUseAfterFree checks writes to a freed object are caught.
func Test_Cache_PoisonUseAfterFree(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "poison", 64, nil, Poison)

	keep, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	require.NoError(t, c.Free(p))

	s := slabFor(t, a, p)
	obj := c.object(s, p)
	assert.Equal(t, -1, buf.FirstNot(obj[:len(obj)-1], PoisonFree))
	assert.Equal(t, byte(PoisonEnd), obj[len(obj)-1])
	require.NoError(t, c.Validate())

	obj[10] = 0x42
	err = c.Validate()
	require.ErrorIs(t, err, ErrCorrupted)
	assert.Contains(t, err.Error(), "use after free")

	q, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	assert.Equal(t, p, q)
	assert.Equal(t, uint64(1), c.Info().Stats.Misuses, "the damage is reported on reuse")
	require.NoError(t, c.Free(q))
	require.NoError(t, c.Free(keep))
}

func Test_Cache_HardenedFreelist(t *testing.T) {
	a, _ := newTestAllocator(t, Config{HardenFreelist: true, Seed: 42})
	c := mustCache(t, a, "hard", 64, nil, 0)
	require.NotZero(t, c.secret)

	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	q, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	require.NoError(t, c.Free(q))
	require.NoError(t, c.Free(p))

	s := slabFor(t, a, p)
	raw := buf.U64LE(c.object(s, p)[c.l.freePtr:])
	assert.NotEqual(t, uint64(q), raw, "stored pointer must be obfuscated")
	assert.Equal(t, q, c.readFreePtr(s, p))
	require.NoError(t, c.Validate())

	other, _ := newTestAllocator(t, Config{HardenFreelist: true, Seed: 42})
	c2 := mustCache(t, other, "hard", 64, nil, 0)
	assert.Equal(t, c.secret, c2.secret, "a fixed seed gives a fixed secret")
}

func Test_Cache_ShrinkIdempotent(t *testing.T) {
	a, pa := newTestAllocator(t, Config{MinFree: 4})
	c := mustCache(t, a, "shrink", 256, nil, 0)

	addrs, err := c.AllocBulk(gfp.Kernel, 3*c.ObjectsPerSlab())
	require.NoError(t, err)
	require.NoError(t, c.FreeBulk(addrs))
	assert.Equal(t, 3, c.Info().Slabs)
	before := pa.Stats().FreeCalls

	assert.Equal(t, 3, c.Shrink())
	assert.Equal(t, before+3, pa.Stats().FreeCalls)
	assert.Zero(t, c.Shrink(), "second shrink has nothing to do")
	assert.Equal(t, before+3, pa.Stats().FreeCalls)
	assert.Zero(t, c.Info().Slabs)
}

func Test_Cache_MinFreeReleasesEagerly(t *testing.T) {
	a, pa := newTestAllocator(t, Config{})
	c := mustCache(t, a, "eager", 512, nil, 0)

	addrs, err := c.AllocBulk(gfp.Kernel, 3*c.ObjectsPerSlab())
	require.NoError(t, err)
	require.NoError(t, c.FreeBulk(addrs))
	assert.Equal(t, 1, c.Info().Slabs, "one empty slab is kept")
	assert.Equal(t, uint64(2), pa.Stats().FreeCalls)
}

func Test_Cache_DestroyBusy(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "busy", 64, nil, 0)

	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	require.ErrorIs(t, a.Destroy(c), ErrCacheBusy)
	_, ok := a.Cache("busy")
	assert.True(t, ok, "a busy cache stays registered")

	require.NoError(t, c.Free(p))
	require.NoError(t, a.Destroy(c))
	_, ok = a.Cache("busy")
	assert.False(t, ok)
	require.ErrorIs(t, a.Destroy(c), ErrDestroyed)

	_, err = c.Alloc(gfp.Kernel)
	require.ErrorIs(t, err, ErrDestroyed)
}

func Test_Cache_DestroyBusyPanics(t *testing.T) {
	a, _ := newTestAllocator(t, Config{PanicOnMisuse: true})
	c := mustCache(t, a, "busy", 64, nil, 0)
	_, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	assert.Panics(t, func() { _ = a.Destroy(c) })
}

func Test_Cache_Merge(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})

	base := mustCache(t, a, "base", 24, nil, 0)
	alias := mustCache(t, a, "alias", 20, nil, 0)
	assert.Same(t, base, alias)
	info := base.Info()
	assert.Equal(t, []string{"alias"}, info.Aliases)
	assert.Equal(t, 2, info.Refcount)

	found, ok := a.Cache("alias")
	require.True(t, ok)
	assert.Same(t, base, found)

	assert.NotSame(t, base, mustCache(t, a, "nomerge", 24, nil, NoMerge))
	assert.NotSame(t, base, mustCache(t, a, "ctor", 24, &Args{Ctor: func([]byte) {}}, 0))
	assert.NotSame(t, base, mustCache(t, a, "debug", 24, nil, RedZone))
	assert.NotSame(t, base, mustCache(t, a, "dma", 24, nil, CacheDMA))
	assert.NotSame(t, base, mustCache(t, a, "wide", 8, nil, 0), "slot covers the request by a word or more")

	require.NoError(t, a.Destroy(alias))
	assert.Equal(t, 1, base.Info().Refcount)
	_, ok = a.Cache("base")
	assert.True(t, ok)

	none, _ := newTestAllocator(t, Config{NoMerge: true})
	x := mustCache(t, none, "x", 24, nil, 0)
	assert.NotSame(t, x, mustCache(t, none, "y", 24, nil, 0))
}

func Test_Cache_TypesafeByRCU(t *testing.T) {
	a, pa := newTestAllocator(t, Config{MinFree: -1})
	c := mustCache(t, a, "rcu", 128, nil, TypesafeByRCU)

	reader := a.RCU().ReadLock()

	addrs, err := c.AllocBulk(gfp.Kernel, 2*c.ObjectsPerSlab())
	require.NoError(t, err)
	stale := addrs[0]
	slabsBefore := pa.Stats().FreeCalls
	require.NoError(t, c.FreeBulk(addrs))

	info := c.Info()
	assert.Zero(t, info.Slabs)
	assert.Equal(t, 2, info.PendingRCU)
	assert.Equal(t, slabsBefore, pa.Stats().FreeCalls, "pages must not be released during the grace period")

	b, owner, ok := pa.Lookup(stale)
	require.True(t, ok, "the page stays mapped")
	require.NotNil(t, owner)
	_ = b.Bytes()[b.Offset(stale)]
	require.ErrorIs(t, c.Free(stale), ErrDoubleFree)

	// Reallocating right away is served from a fresh slab; its page is valid too.
	fresh, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	_, _, ok = pa.Lookup(fresh)
	require.True(t, ok)

	reader.Unlock()
	a.Barrier()
	assert.Equal(t, slabsBefore+2, pa.Stats().FreeCalls)
	assert.Zero(t, c.Info().PendingRCU)
	_, _, ok = pa.Lookup(stale)
	assert.False(t, ok, "released pages leave the frame table")

	require.NoError(t, c.Free(fresh))
	require.NoError(t, a.Destroy(c))
}

func Test_Cache_Accounting(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "acct", 64, nil, Account)
	group := memcg.NewRoot("job", 64*10)

	var addrs []page.Addr
	for {
		p, err := c.AllocFor(group, gfp.Kernel)
		if err != nil {
			require.ErrorIs(t, err, memcg.ErrLimitExceeded)
			break
		}
		addrs = append(addrs, p)
	}
	assert.Len(t, addrs, 10)
	assert.Equal(t, uint64(640), group.Usage())
	info := c.Info()
	assert.Equal(t, 10, info.ActiveObjs, "the refused object is returned")
	assert.Equal(t, uint64(1), info.Stats.ChargeFailures)

	_, err := c.AllocFor(group, gfp.NoFail)
	require.NoError(t, err, "NoFail overcharges")

	require.NoError(t, c.FreeBulk(addrs))
	assert.Equal(t, uint64(64), group.Usage())
}

func Test_Cache_AccountFlagOnCall(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "plain", 64, nil, 0)
	group := memcg.NewRoot("g", 0)

	p, err := c.AllocFor(group, gfp.Kernel)
	require.NoError(t, err)
	assert.Zero(t, group.Usage(), "no accounting without Account")

	q, err := c.AllocFor(group, gfp.KernelAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), group.Usage())

	require.NoError(t, c.Charge(p, group))
	require.NoError(t, c.Charge(p, group), "charging twice is a no-op")
	assert.Equal(t, uint64(128), group.Usage())

	require.NoError(t, c.Free(p))
	require.NoError(t, c.Free(q))
	assert.Zero(t, group.Usage())
}

func Test_Cache_Bulk(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "bulk", 96, nil, ConsistencyChecks)

	addrs, err := c.AllocBulk(gfp.Kernel, 100)
	require.NoError(t, err)
	require.Len(t, addrs, 100)
	seen := map[page.Addr]bool{}
	for _, p := range addrs {
		require.False(t, seen[p], "duplicate %s", p)
		seen[p] = true
	}
	assert.Equal(t, 100, c.Info().ActiveObjs)

	addrs[5] = page.Null
	require.NoError(t, c.FreeBulk(addrs))
	assert.Equal(t, 1, c.Info().ActiveObjs)
	require.NoError(t, c.Validate())

	empty, err := c.AllocBulk(gfp.Kernel, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// Test_Cache_BulkAllOrNothing checks a failing bulk allocation keeps nothing.
func Test_Cache_BulkAllOrNothing(t *testing.T) {
	pa := page.New(page.Config{Backing: page.HeapBacking(), MaxPages: 2})
	a, _ := newTestAllocator(t, Config{Source: pa})
	c := mustCache(t, a, "limited", 512, nil, 0)

	_, err := c.AllocBulk(gfp.Nowait, 3*c.ObjectsPerSlab())
	require.ErrorIs(t, err, ErrNoMemory)
	require.ErrorIs(t, err, page.ErrNoMemory)
	assert.Zero(t, c.Info().ActiveObjs)
	require.NoError(t, c.Validate())

	addrs, err := c.AllocBulk(gfp.Nowait, 2*c.ObjectsPerSlab())
	require.NoError(t, err)
	require.NoError(t, c.FreeBulk(addrs))
}

func Test_Cache_FreeBulkReportsFirstError(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "fb", 64, nil, 0)

	addrs, err := c.AllocBulk(gfp.Kernel, 4)
	require.NoError(t, err)
	addrs = append(addrs, 0xbad000)
	require.ErrorIs(t, c.FreeBulk(addrs), ErrBadPointer)
	assert.Zero(t, c.Info().ActiveObjs, "valid entries are still freed")
}

func Test_Cache_NoWaitDoesNotBlock(t *testing.T) {
	pa := page.New(page.Config{Backing: page.HeapBacking(), MaxPages: 1, MaxWait: 10 * time.Second})
	a, _ := newTestAllocator(t, Config{Source: pa})
	c := mustCache(t, a, "nowait", 512, nil, 0)
	require.Zero(t, c.Order())

	addrs, err := c.AllocBulk(gfp.Kernel, c.ObjectsPerSlab())
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Alloc(gfp.Nowait)
	require.ErrorIs(t, err, ErrNoMemory)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, uint64(1), c.Info().Stats.AllocFailures)
	require.NoError(t, c.FreeBulk(addrs))
}

func Test_Cache_DMAPlacement(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c := mustCache(t, a, "dma", 64, nil, CacheDMA)
	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	start, end := page.ZoneRange(page.ZoneDMA)
	assert.True(t, p >= start && p < end, "DMA object at %s", p)
	require.NoError(t, c.Free(p))
}

func Test_Cache_StoreUser(t *testing.T) {
	a, _ := newTestAllocator(t, Config{Debug: "U,tracked"})
	c := mustCache(t, a, "tracked", 64, nil, 0)
	require.True(t, c.Flags().Has(StoreUser))

	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	info, ok := a.DumpObject(p + 3)
	require.True(t, ok)
	assert.Equal(t, "tracked", info.Cache)
	assert.Equal(t, p, info.Object)
	assert.Equal(t, uint(3), info.Offset)
	assert.True(t, info.Allocated)
	require.NotNil(t, info.AllocTrack)
	assert.Contains(t, info.AllocTrack.String(), "Test_Cache_StoreUser")
	assert.Nil(t, info.FreeTrack)

	require.NoError(t, c.Free(p))
	info, ok = a.DumpObject(p)
	require.True(t, ok)
	assert.False(t, info.Allocated)
	require.NotNil(t, info.FreeTrack)
	assert.Contains(t, info.FreeTrack.String(), "Test_Cache_StoreUser")

	_, ok = a.DumpObject(0x1234)
	assert.False(t, ok)
}

func Test_Cache_Trace(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, nil))
	a, _ := newTestAllocator(t, Config{Logger: logger})
	c := mustCache(t, a, "traced", 32, nil, Trace)

	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	require.NoError(t, c.Free(p))

	assert.Contains(t, out.String(), "msg=alloc cache=traced")
	assert.Contains(t, out.String(), "msg=free cache=traced")
	assert.Contains(t, out.String(), "size=32")
}

func Test_Allocator_CheckUsercopy(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	c, err := a.CreateCacheUsercopy("uc", 128, 0, 0, 16, 64, nil)
	require.NoError(t, err)
	plain := mustCache(t, a, "plain", 128, nil, NoMerge)

	p, err := c.Alloc(gfp.Kernel)
	require.NoError(t, err)
	require.NoError(t, a.CheckUsercopy(p+16, 64))
	require.NoError(t, a.CheckUsercopy(p+20, 8))
	require.ErrorIs(t, a.CheckUsercopy(p, 8), ErrUsercopy)
	require.ErrorIs(t, a.CheckUsercopy(p+70, 16), ErrUsercopy)
	require.ErrorIs(t, a.CheckUsercopy(p+120, 16), ErrUsercopy, "spills into the next object")

	q, err := plain.Alloc(gfp.Kernel)
	require.NoError(t, err)
	require.ErrorIs(t, a.CheckUsercopy(q, 8), ErrUsercopy, "no whitelist")
	require.ErrorIs(t, a.CheckUsercopy(0x4242, 1), ErrBadPointer)
}

// Test_Cache_Conservation runs random concurrent alloc/free and checks that
// every slab still adds up.
func Test_Cache_Conservation(t *testing.T) {
	a, _ := newTestAllocator(t, Config{HardenFreelist: true})
	caches := []*Cache{
		mustCache(t, a, "c64", 64, nil, NoMerge),
		mustCache(t, a, "c200", 200, nil, ConsistencyChecks|RedZone|Poison),
		mustCache(t, a, "c1k", 1000, &Args{Align: 64}, 0),
	}

	const goroutines = 8
	var wg sync.WaitGroup
	live := make([][]page.Addr, goroutines)
	for g := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(g), 7))
			var mine []page.Addr
			var from []*Cache
			for range 2000 {
				if len(mine) > 0 && r.IntN(3) == 0 {
					i := r.IntN(len(mine))
					if !assert.NoError(t, from[i].Free(mine[i])) {
						return
					}
					mine[i], from[i] = mine[len(mine)-1], from[len(from)-1]
					mine, from = mine[:len(mine)-1], from[:len(from)-1]
					continue
				}
				c := caches[r.IntN(len(caches))]
				p, err := c.Alloc(gfp.Kernel)
				if !assert.NoError(t, err) {
					return
				}
				mine = append(mine, p)
				from = append(from, c)
			}
			live[g] = mine
		}()
	}
	wg.Wait()

	outstanding := 0
	for _, l := range live {
		outstanding += len(l)
	}
	active := 0
	for _, c := range caches {
		require.NoError(t, c.Validate(), c.Name())
		info := c.Info()
		assert.Equal(t, info.TotalObjs, info.ActiveObjs+info.FreeObjs)
		active += info.ActiveObjs
	}
	assert.Equal(t, outstanding, active)
}
