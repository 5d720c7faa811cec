package kmalloc

import (
	"bytes"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/memcg"
	"github.com/joshuapare/slabkit/mm/page"
	"github.com/joshuapare/slabkit/mm/slab"
)

func Test_Heap_ZeroSize(t *testing.T) {
	h, pa := newTestHeap(t, Config{}, slab.Config{})
	before := pa.Stats().AllocCalls

	p, err := h.Malloc(0, 0)
	require.NoError(t, err)
	assert.Equal(t, ZeroSizePtr, p)
	assert.True(t, IsZeroOrNull(p))
	assert.Zero(t, h.Ksize(p))

	b, err := h.Bytes(p)
	require.NoError(t, err)
	assert.Nil(t, b)

	assert.NoError(t, h.Free(p))
	assert.NoError(t, h.Free(page.Null))
	assert.Equal(t, before, pa.Stats().AllocCalls)
}

func Test_Heap_SizeClassBoundaries(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})

	tests := []struct {
		size  uint
		ksize uint
		cache string
	}{
		{1, 8, "kmalloc-8"},
		{64, 64, "kmalloc-64"},
		{65, 96, "kmalloc-96"},
		{96, 96, "kmalloc-96"},
		{97, 128, "kmalloc-128"},
		{193, 256, "kmalloc-256"},
		{8192, 8192, "kmalloc-8k"},
	}
	for _, tt := range tests {
		p := mustMalloc(t, h, tt.size)
		assert.Equal(t, tt.ksize, h.Ksize(p), "size %d", tt.size)
		assert.Equal(t, tt.cache, cacheName(t, h, p), "size %d", tt.size)
		assert.Equal(t, tt.ksize, h.SizeRoundup(tt.size))
		require.NoError(t, h.Free(p))
	}
}

func Test_Heap_MallocConst(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})

	p, err := h.MallocConst(72, 0)
	require.NoError(t, err)
	assert.Equal(t, "kmalloc-96", cacheName(t, h, p))
	require.NoError(t, h.Free(p))

	p, err = h.MallocConst(MaxCacheSize+1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint(4*page.Size), h.Ksize(p))
	require.NoError(t, h.Free(p))
}

func Test_Heap_Alignment(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})

	for size := uint(8); size <= MaxCacheSize; size <<= 1 {
		ps := make([]page.Addr, 0, 4)
		for range 4 {
			p := mustMalloc(t, h, size)
			assert.Zero(t, uint64(p)%uint64(size), "size %d addr %s", size, p)
			ps = append(ps, p)
		}
		require.NoError(t, h.FreeBulk(ps))
	}
}

func Test_Heap_KsizeCoversRequest(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})
	rng := rand.New(rand.NewPCG(1, 2))

	for range 500 {
		size := uint(rng.IntN(20000)) + 1
		p := mustMalloc(t, h, size)
		ks := h.Ksize(p)
		require.GreaterOrEqual(t, ks, size)

		b, err := h.Bytes(p)
		require.NoError(t, err)
		require.Len(t, b, int(ks))
		for i := range b {
			b[i] = 0x5a
		}
		require.NoError(t, h.Free(p))
	}
}

func Test_Heap_Large(t *testing.T) {
	h, pa := newTestHeap(t, Config{}, slab.Config{})
	before := pa.Stats().PagesInUse

	p := mustMalloc(t, h, 10000)
	assert.Equal(t, uint(16384), h.Ksize(p))
	assert.Zero(t, uint64(p)%16384)
	assert.Equal(t, before+4, pa.Stats().PagesInUse)
	_, ok := h.Registry().Slabs().Resolve(p)
	assert.False(t, ok, "large allocations are not slab objects")

	b, err := h.Bytes(p)
	require.NoError(t, err)
	assert.Len(t, b, 16384)

	_, err = h.Bytes(p + 8)
	assert.ErrorIs(t, err, ErrBadPointer)
	assert.ErrorIs(t, h.Free(p+8), ErrBadPointer)

	require.NoError(t, h.Free(p))
	assert.Equal(t, before, pa.Stats().PagesInUse)
	assert.ErrorIs(t, h.Free(p), slab.ErrBadPointer, "second free of a large allocation")
}

func Test_Heap_TooLarge(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	h, pa := newTestHeap(t, Config{}, slab.Config{Logger: logger})

	_, err := h.Malloc(MaxSize+1, 0)
	require.ErrorIs(t, err, ErrTooLarge)
	assert.Contains(t, logs.String(), "kmalloc allocation too large")

	logs.Reset()
	_, err = h.Malloc(MaxSize+1, gfp.NoWarn)
	require.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, logs.String())

	p := mustMalloc(t, h, MaxSize)
	assert.Equal(t, uint(MaxSize), h.Ksize(p))
	require.NoError(t, h.Free(p))
	assert.Zero(t, pa.Stats().Failures)
}

func Test_Heap_ArrayOverflow(t *testing.T) {
	h, pa := newTestHeap(t, Config{}, slab.Config{})
	before := pa.Stats().AllocCalls

	_, err := h.MallocArray(1<<40, 1<<40, 0)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = h.Calloc(1<<40, 1<<40, 0)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, before, pa.Stats().AllocCalls)
	for _, ci := range h.Registry().Slabs().Caches() {
		assert.Zero(t, ci.ActiveObjs, ci.Name)
	}

	p, err := h.MallocArray(4, 16, 0)
	require.NoError(t, err)
	assert.Equal(t, uint(64), h.Ksize(p))

	_, err = h.ReallocArray(p, 1<<40, 1<<40, 0)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, uint(64), h.Ksize(p), "original survives a failed resize")
	require.NoError(t, h.Free(p))
}

func Test_Heap_Calloc(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})

	p := mustMalloc(t, h, 64)
	b, err := h.Bytes(p)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xff
	}
	require.NoError(t, h.Free(p))

	q, err := h.Calloc(8, 8, 0)
	require.NoError(t, err)
	assert.Equal(t, p, q, "freed object is reused first")
	b, err = h.Bytes(q)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 64), b)

	z, err := h.Zalloc(64, 0)
	require.NoError(t, err)
	b, err = h.Bytes(z)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 64), b)
	require.NoError(t, h.FreeBulk([]page.Addr{q, z}))
}

func Test_Heap_Realloc(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})
	sa := h.Registry().Slabs()

	p, err := h.Realloc(page.Null, 40, 0)
	require.NoError(t, err)
	assert.Equal(t, uint(64), h.Ksize(p))

	b, err := h.Bytes(p)
	require.NoError(t, err)
	for i := range b {
		b[i] = byte(i)
	}

	// Fits: same object.
	same, err := h.Realloc(p, 60, 0)
	require.NoError(t, err)
	assert.Equal(t, p, same)
	assert.Equal(t, byte(63), b[63])

	// Shrinking with Zero clears the tail.
	same, err = h.Realloc(p, 48, gfp.Zero)
	require.NoError(t, err)
	assert.Equal(t, p, same)
	assert.Equal(t, byte(47), b[47])
	assert.Equal(t, make([]byte, 16), b[48:])

	// Grow: new object, contents kept, old one freed.
	q, err := h.Realloc(p, 200, 0)
	require.NoError(t, err)
	assert.NotEqual(t, p, q)
	assert.Equal(t, uint(256), h.Ksize(q))
	nb, err := h.Bytes(q)
	require.NoError(t, err)
	for i := range 48 {
		require.Equal(t, byte(i), nb[i], "byte %d", i)
	}
	info, ok := sa.DumpObject(p)
	require.True(t, ok)
	assert.False(t, info.Allocated)

	// Grow into the large path.
	big, err := h.Realloc(q, 20000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint(32768), h.Ksize(big))
	bb, err := h.Bytes(big)
	require.NoError(t, err)
	assert.Equal(t, nb[:48], bb[:48])

	// Zero size frees.
	z, err := h.Realloc(big, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, ZeroSizePtr, z)
	assert.Zero(t, h.Ksize(big))

	z, err = h.Realloc(ZeroSizePtr, 16, 0)
	require.NoError(t, err)
	assert.Equal(t, "kmalloc-16", cacheName(t, h, z))
	require.NoError(t, h.Free(z))
}

func Test_Heap_TypeSelection(t *testing.T) {
	h, _ := newTestHeap(t, Config{ZoneDMA: true, MemCG: true}, slab.Config{})
	g := memcg.NewRoot("test", 0)
	gh := h.WithGroup(g)
	assert.Same(t, g, gh.Group())

	p, err := gh.Malloc(64, gfp.DMA)
	require.NoError(t, err)
	assert.Equal(t, "dma-kmalloc-64", cacheName(t, h, p))
	start, end := page.ZoneRange(page.ZoneDMA)
	assert.True(t, p >= start && p < end, "%s outside the DMA zone", p)

	r, err := gh.Malloc(64, gfp.Reclaimable)
	require.NoError(t, err)
	assert.Equal(t, "kmalloc-rcl-64", cacheName(t, h, r))

	assert.Zero(t, g.Usage())
	c, err := gh.Malloc(64, gfp.KernelAccount)
	require.NoError(t, err)
	assert.Equal(t, "kmalloc-cg-64", cacheName(t, h, c))
	assert.NotZero(t, g.Usage())

	require.NoError(t, h.FreeBulk([]page.Addr{p, r, c}))
	assert.Zero(t, g.Usage())
}

func Test_Heap_RandomCachesStablePerCallSite(t *testing.T) {
	h, _ := newTestHeap(t, Config{RandomCaches: true, Seed: 99}, slab.Config{})

	var first string
	ps := make([]page.Addr, 0, 16)
	for i := range 16 {
		p, err := h.Malloc(64, 0)
		require.NoError(t, err)
		name := cacheName(t, h, p)
		if i == 0 {
			first = name
		}
		assert.Equal(t, first, name)
		ps = append(ps, p)
	}
	assert.True(t, first == "kmalloc-64" || strings.HasPrefix(first, "kmalloc-rnd-"), first)
	assert.True(t, strings.HasSuffix(first, "-64"), first)
	require.NoError(t, h.FreeBulk(ps))

	p, err := h.MallocTrackCaller(64, 0, 0x401000)
	require.NoError(t, err)
	want := h.Registry().TypeOf(0, 0x401000).prefix() + "64"
	assert.Equal(t, want, cacheName(t, h, p))
	require.NoError(t, h.Free(p))
}

func Test_Heap_LargeAccounting(t *testing.T) {
	h, pa := newTestHeap(t, Config{}, slab.Config{})
	g := memcg.NewRoot("big", 40000)
	gh := h.WithGroup(g)

	p, err := gh.Malloc(20000, gfp.KernelAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(32768), g.Usage())

	before := pa.Stats().PagesInUse
	_, err = gh.Malloc(20000, gfp.KernelAccount)
	require.ErrorIs(t, err, memcg.ErrLimitExceeded)
	assert.Equal(t, before, pa.Stats().PagesInUse, "pages returned after a failed charge")

	require.NoError(t, gh.Free(p))
	assert.Zero(t, g.Usage())

	// Unaccounted requests do not charge.
	p, err = gh.Malloc(20000, 0)
	require.NoError(t, err)
	assert.Zero(t, g.Usage())
	require.NoError(t, gh.Free(p))
}

func Test_Heap_Bulk(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})
	sa := h.Registry().Slabs()

	small, err := h.AllocBulk(100, 0, 50)
	require.NoError(t, err)
	require.Len(t, small, 50)
	seen := make(map[page.Addr]bool)
	for _, p := range small {
		assert.False(t, seen[p], "duplicate %s", p)
		seen[p] = true
		assert.Equal(t, "kmalloc-128", cacheName(t, h, p))
	}

	zeros, err := h.AllocBulk(0, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []page.Addr{ZeroSizePtr, ZeroSizePtr, ZeroSizePtr}, zeros)

	large, err := h.AllocBulk(10000, 0, 3)
	require.NoError(t, err)
	require.Len(t, large, 3)

	none, err := h.AllocBulk(64, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	mixed := []page.Addr{page.Null}
	mixed = append(mixed, small[:25]...)
	mixed = append(mixed, large[0], ZeroSizePtr)
	mixed = append(mixed, small[25:]...)
	mixed = append(mixed, large[1:]...)
	mixed = append(mixed, mustMalloc(t, h, 200), mustMalloc(t, h, 200))
	require.NoError(t, h.FreeBulk(mixed))

	for _, ci := range sa.Caches() {
		assert.Zero(t, ci.ActiveObjs, ci.Name)
	}
	assert.Zero(t, h.Ksize(large[0]))
}

func Test_Heap_FreeBulkReportsFirstError(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})
	a := mustMalloc(t, h, 32)
	b := mustMalloc(t, h, 32)

	err := h.FreeBulk([]page.Addr{a, page.Addr(1 << 40), b})
	assert.ErrorIs(t, err, slab.ErrBadPointer)
	for _, ci := range h.Registry().Slabs().Caches() {
		assert.Zero(t, ci.ActiveObjs, ci.Name)
	}
}

func Test_Heap_FreeRCU(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})
	sa := h.Registry().Slabs()

	p := mustMalloc(t, h, 64)
	reader := sa.RCU().ReadLock()
	require.NoError(t, h.FreeRCU(p))

	info, ok := sa.DumpObject(p)
	require.True(t, ok)
	assert.True(t, info.Allocated, "freed while a reader is active")

	reader.Unlock()
	h.Barrier()
	info, ok = sa.DumpObject(p)
	require.True(t, ok)
	assert.False(t, info.Allocated)

	assert.NoError(t, h.FreeRCU(ZeroSizePtr))
	assert.ErrorIs(t, h.FreeRCU(page.Addr(1<<40)), ErrBadPointer)
}

func Test_Heap_FreeSensitive(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})

	p := mustMalloc(t, h, 64)
	b, err := h.Bytes(p)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xee
	}
	require.NoError(t, h.FreeSensitive(p))
	// The free pointer lives in the middle of the object.
	assert.Equal(t, make([]byte, 32), b[:32])
}

func Test_Heap_CheckUsercopy(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})

	p := mustMalloc(t, h, 64)
	assert.NoError(t, h.CheckUsercopy(p, 64))
	assert.NoError(t, h.CheckUsercopy(p+16, 48))
	assert.ErrorIs(t, h.CheckUsercopy(p+16, 49), slab.ErrUsercopy)

	big := mustMalloc(t, h, 10000)
	assert.NoError(t, h.CheckUsercopy(big, 16384))
	assert.ErrorIs(t, h.CheckUsercopy(big+1, 16384), ErrBadPointer)
	require.NoError(t, h.FreeBulk([]page.Addr{p, big}))
}

func Test_Heap_Buckets(t *testing.T) {
	h, _ := newTestHeap(t, Config{}, slab.Config{})
	r := h.Registry()
	sa := r.Slabs()

	_, err := r.CreateBuckets("", 0, 0, 0, nil)
	assert.ErrorIs(t, err, slab.ErrInvalidName)

	b, err := r.CreateBuckets("msg", 0, 8, 16, nil)
	require.NoError(t, err)
	assert.Equal(t, "msg", b.Name())

	p, err := b.Malloc(50, 0)
	require.NoError(t, err)
	assert.Equal(t, "msg-64", cacheName(t, h, p))
	assert.Equal(t, uint(64), h.Ksize(p))

	off, size := b.Cache(3).Usercopy()
	assert.Equal(t, [2]uint{0, 0}, [2]uint{off, size}, "region starts past msg-8")
	off, size = b.Cache(4).Usercopy()
	assert.Equal(t, [2]uint{8, 8}, [2]uint{off, size})
	off, size = b.Cache(6).Usercopy()
	assert.Equal(t, [2]uint{8, 16}, [2]uint{off, size})

	big, err := b.Malloc(10000, 0)
	require.NoError(t, err)
	z, err := b.Malloc(0, 0)
	require.NoError(t, err)
	assert.Equal(t, ZeroSizePtr, z)

	require.NoError(t, b.Free(p))
	require.NoError(t, h.Free(big))

	require.NoError(t, r.Close())
	_, ok := sa.Cache("msg-64")
	assert.False(t, ok)
	_, err = b.Malloc(8, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func Test_Heap_Concurrent(t *testing.T) {
	h, _ := newTestHeap(t, Config{RandomCaches: true}, slab.Config{})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, 7))
			var live []page.Addr
			for range 1500 {
				if len(live) > 0 && rng.IntN(2) == 0 {
					i := rng.IntN(len(live))
					assert.NoError(t, h.Free(live[i]))
					live[i] = live[len(live)-1]
					live = live[:len(live)-1]
					continue
				}
				size := uint(rng.IntN(12000))
				p, err := h.Malloc(size, 0)
				if !assert.NoError(t, err) {
					return
				}
				if b, _ := h.Bytes(p); len(b) > 0 {
					b[0], b[len(b)-1] = byte(seed), byte(seed)
				}
				live = append(live, p)
			}
			assert.NoError(t, h.FreeBulk(live))
		}(uint64(w))
	}
	wg.Wait()

	slabs := h.Registry().Slabs()
	for _, ci := range slabs.Caches() {
		assert.Zero(t, ci.ActiveObjs, ci.Name)
		c, ok := slabs.Cache(ci.Name)
		require.True(t, ok)
		assert.NoError(t, c.Validate(), ci.Name)
	}
}
