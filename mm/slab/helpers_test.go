package slab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/mm/page"
)

// newTestAllocator builds an allocator over a heap-backed page allocator so
// page-source calls can be observed.
func newTestAllocator(t testing.TB, cfg Config) (*Allocator, *page.Allocator) {
	t.Helper()
	pa := page.New(page.Config{Backing: page.HeapBacking(), CacheBlocks: -1})
	if cfg.Source == nil {
		cfg.Source = pa
	}
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, pa
}

func mustCache(t testing.TB, a *Allocator, name string, size uint, args *Args, flags Flags) *Cache {
	t.Helper()
	c, err := a.CreateCache(name, size, args, flags)
	require.NoError(t, err)
	return c
}

// slabFor returns the slab holding addr.
func slabFor(t testing.TB, a *Allocator, addr page.Addr) *slab {
	t.Helper()
	s, ok := a.slabOf(addr)
	require.True(t, ok, "no slab for %s", addr)
	return s
}

// capturePanic runs fn and returns the value it panicked with, or nil.
func capturePanic(fn func()) (r any) {
	defer func() { r = recover() }()
	fn()
	return nil
}
