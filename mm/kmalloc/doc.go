// Package kmalloc is the general-purpose allocator built on slab caches.
//
// # Size Classes
//
// A Registry owns a table of size-class caches: powers of two from
// MinSize up to 8 KiB, plus 96 and 192 byte classes. Requests for up to
// 8 KiB are rounded up to a class and served by its cache; larger
// requests up to MaxSize are served as whole page blocks. A zero-byte request
// returns ZeroSizePtr, a non-null sentinel that must not be dereferenced
// and is ignored by Free.
//
// # Cache Families
//
// Each class exists once per enabled family:
//
//	kmalloc-<n>           normal requests
//	kmalloc-rnd-NN-<n>    optional per-call-site copies of normal
//	kmalloc-rcl-<n>       gfp.Reclaimable
//	dma-kmalloc-<n>       gfp.DMA (Config.ZoneDMA)
//	kmalloc-cg-<n>        gfp.Account (Config.MemCG)
//
// The family depends only on the request flags, the call site and the
// registry configuration.
//
// # Usage Example
//
//	slabs, _ := slab.New(slab.Config{})
//	reg, err := kmalloc.NewRegistry(slabs, kmalloc.Config{})
//	if err != nil {
//	    return err
//	}
//	heap := kmalloc.NewHeap(reg)
//
//	p, err := heap.Malloc(100, gfp.Kernel)
//	if err != nil {
//	    return err
//	}
//	defer heap.Free(p)
//
//	b, _ := heap.Bytes(p) // 128 bytes, from kmalloc-128
//
// # Thread Safety
//
// Registry lookups take no locks. Heap and Buckets are safe for
// concurrent use.
package kmalloc
