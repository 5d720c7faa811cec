// Package page is the page source underneath the slab allocator.
//
// # Overview
//
// An Allocator hands out naturally aligned blocks of 2^order pages and
// takes them back. Each block is real memory (an anonymous mapping on
// unix, a heap slice elsewhere) placed at a synthetic address in one of
// three zones:
//
//	DMA     [1 MiB, 16 MiB)
//	DMA32   [16 MiB, 4 GiB)
//	Normal  [4 GiB, ...)
//
// Addresses never fall below 1 MiB, so small sentinel values such as the
// kmalloc zero-size pointer never alias real memory.
//
// # Frame Table
//
// Every page frame of a live block maps back to its Block, and each block
// carries an opaque owner set by the layer above (the slab a block was
// carved into, or a large allocation record). Lookup resolves any address
// inside a block in O(1), which is how frees find their metadata.
//
// # Limits and Blocking
//
// Config.MaxPages bounds the pages in use. A request at the limit fails
// immediately when it carries gfp.NoWait or gfp.NoRetry, or when MaxWait
// is zero; otherwise it waits up to MaxWait for pages to be freed.
// gfp.NoFail keeps waiting with backoff until NoFailTimeout and then
// panics.
//
// # Thread Safety
//
// All Allocator methods are safe for concurrent use.
package page
