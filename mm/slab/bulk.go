package slab

import (
	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/memcg"
	"github.com/joshuapare/slabkit/mm/page"
)

// bulkChunk bounds how many objects are handled per lock hold.
const bulkChunk = 16

// AllocBulk allocates n objects. Either all n are returned or none.
func (c *Cache) AllocBulk(flags gfp.Flags, n int) ([]page.Addr, error) {
	return c.AllocBulkFor(nil, flags, n)
}

// AllocBulkFor is AllocBulk with accounting to group.
func (c *Cache) AllocBulkFor(group *memcg.Group, flags gfp.Flags, n int) ([]page.Addr, error) {
	if n <= 0 {
		return nil, nil
	}
	var track *Track
	if c.flags&StoreUser != 0 {
		t := captureTrack(1, 0)
		track = &t
	}

	refs := make([]objRef, 0, n)
	for len(refs) < n {
		var err error
		refs, err = c.takeObjects(flags, refs, min(bulkChunk, n-len(refs)), track)
		if err != nil {
			c.undoBulk(refs)
			return nil, err
		}
	}

	out := make([]page.Addr, n)
	for i, ref := range refs {
		if err := c.finishAlloc(ref, group, flags); err != nil {
			// finishAlloc already returned refs[i].
			c.undoBulk(refs[:i])
			c.undoBulk(refs[i+1:])
			return nil, err
		}
		out[i] = ref.addr
	}
	return out, nil
}

func (c *Cache) undoBulk(refs []objRef) {
	for _, ref := range refs {
		_ = c.freeResolved(ref.s, ref.addr)
	}
}

// FreeBulk frees every address, bulkChunk at a time under the lock. Null
// entries are skipped. It returns the first error; the rest are still freed.
func (c *Cache) FreeBulk(addrs []page.Addr) error {
	var track *Track
	if c.flags&StoreUser != 0 {
		t := captureTrack(1, 0)
		track = &t
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	type pending struct {
		addr page.Addr
		res  freeResult
		err  error
	}
	var batch [bulkChunk]pending
	var slabs [bulkChunk]*slab

	for start := 0; start < len(addrs); start += bulkChunk {
		chunk := addrs[start:min(start+bulkChunk, len(addrs))]

		n := 0
		for _, addr := range chunk {
			if addr == page.Null {
				continue
			}
			s, err := c.owned(addr)
			if err != nil {
				keep(c.reportMisuse(err))
				continue
			}
			batch[n] = pending{addr: addr}
			slabs[n] = s
			n++
		}

		c.mu.Lock()
		for i := range n {
			batch[i].res, batch[i].err = c.freeLocked(slabs[i], batch[i].addr, track)
		}
		c.mu.Unlock()

		for i := range n {
			keep(c.finishFree(batch[i].res, batch[i].addr, batch[i].err))
		}
	}
	return firstErr
}
