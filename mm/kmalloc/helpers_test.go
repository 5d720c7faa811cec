package kmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/mm/page"
	"github.com/joshuapare/slabkit/mm/slab"
)

// newTestHeap builds a heap over a heap-backed page allocator.
func newTestHeap(t testing.TB, cfg Config, scfg slab.Config) (*Heap, *page.Allocator) {
	t.Helper()
	pa := page.New(page.Config{Backing: page.HeapBacking(), CacheBlocks: -1})
	scfg.Source = pa
	sa, err := slab.New(scfg)
	require.NoError(t, err)
	reg, err := NewRegistry(sa, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Close()
		_ = sa.Close()
	})
	return NewHeap(reg), pa
}

// cacheName returns the name of the cache holding p.
func cacheName(t testing.TB, h *Heap, p page.Addr) string {
	t.Helper()
	c, ok := h.Registry().Slabs().Resolve(p)
	require.True(t, ok, "%s is not a slab object", p)
	return c.Name()
}

func mustMalloc(t testing.TB, h *Heap, size uint) page.Addr {
	t.Helper()
	p, err := h.Malloc(size, 0)
	require.NoError(t, err)
	return p
}

func capturePanic(fn func()) (r any) {
	defer func() { r = recover() }()
	fn()
	return nil
}
