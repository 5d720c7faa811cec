package kmalloc

import (
	"fmt"

	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/memcg"
	"github.com/joshuapare/slabkit/mm/page"
)

// largeAlloc owns a block handed out directly by the page source.
type largeAlloc struct {
	size  uint
	group *memcg.Group
}

func (r *Registry) mallocLarge(size uint, flags gfp.Flags, group *memcg.Group) (page.Addr, error) {
	if size > MaxSize {
		err := fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, size, MaxSize)
		if flags&gfp.NoWarn == 0 {
			r.log.Warn("kmalloc allocation too large", "size", size, "flags", flags.String(), "error", err)
		}
		return page.Null, err
	}
	if !r.cfg.ZoneDMA {
		flags &^= gfp.DMA
	}

	b, err := r.pages.AllocPages(page.OrderFor(uint64(size)), flags&^gfp.Account)
	if err != nil {
		return page.Null, err
	}
	rec := &largeAlloc{size: size}
	if group != nil && flags&gfp.Account != 0 {
		if err := group.TryCharge(b.Size(), flags&gfp.NoFail != 0); err != nil {
			_ = r.pages.FreePages(b)
			return page.Null, err
		}
		rec.group = group
	}
	r.pages.SetOwner(b, rec)
	return b.Addr, nil
}

func (r *Registry) freeLarge(b *page.Block, rec *largeAlloc, p page.Addr) error {
	if p != b.Addr {
		return fmt.Errorf("%w: %s is inside the large allocation at %s", ErrBadPointer, p, b.Addr)
	}
	size := b.Size()
	if err := r.pages.FreePages(b); err != nil {
		return fmt.Errorf("%w: %w", ErrBadPointer, err)
	}
	if rec.group != nil {
		rec.group.Uncharge(size)
	}
	return nil
}

// lookupLarge returns the block and record when p lies in a large allocation.
func (r *Registry) lookupLarge(p page.Addr) (*page.Block, *largeAlloc, bool) {
	b, owner, ok := r.pages.Lookup(p)
	if !ok {
		return nil, nil, false
	}
	rec, ok := owner.(*largeAlloc)
	return b, rec, ok
}
