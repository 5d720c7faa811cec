// Package slab implements object caches carved from page blocks.
//
// # Overview
//
// A Cache serves objects of one size and alignment. Its memory comes from
// slabs: naturally aligned page blocks obtained from a page.Source and cut
// into equal slots. Every slab keeps a freelist threaded through its free
// objects, and the page frame table maps each address back to its slab, so
// Free needs nothing but the address.
//
// Slabs sit on one of three lists per cache:
//
//   - partial: some objects allocated, served first
//   - full: no free objects
//   - empty: no allocated objects, kept up to Config.MinFree
//
// # Slot Layout
//
//	[left red pad][object][right red zone][free pointer][pad to align]
//
// The red zones exist only with RedZone. The free pointer is stored outside
// the object for TypesafeByRCU caches, caches with a constructor, and
// poisoned caches, so object contents survive a free. Otherwise it overlays
// the middle of the free object.
//
// # Debugging
//
// Debug flags can be set per cache or through Config.Debug:
//
//   - F ConsistencyChecks: per-slab allocation bitmap, catches every double free
//   - Z RedZone: guard bytes (0xcc live, 0xbb free) checked on free and alloc
//   - P Poison: free objects filled with 0x6b, ending in 0xa5
//   - U StoreUser: last alloc and free call sites, see Allocator.DumpObject
//   - T Trace: every alloc and free logged at Info level
//
// Setting the SLABKIT_LOG_ALLOC environment variable traces every cache to
// stderr.
//
// # Type-safe by RCU
//
// Objects of a TypesafeByRCU cache are reused at once, but an empty slab is
// only returned to the page source after a grace period of the allocator's
// rcu.Domain. A reader inside rcu.Domain.ReadLock may therefore dereference
// a stale pointer and find an object of the same type. Allocator.Barrier
// waits for every queued release.
//
// # Usage Example
//
//	a, err := slab.New(slab.Config{})
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//
//	c, err := a.CreateCache("session", 96, nil, slab.HWCacheAlign)
//	if err != nil {
//	    return err
//	}
//	obj, err := c.Zalloc(gfp.Kernel)
//	if err != nil {
//	    return err
//	}
//	defer c.Free(obj)
package slab
