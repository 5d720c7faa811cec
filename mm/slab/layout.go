package slab

import (
	"fmt"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/mm/page"
)

const (
	// wordSize is the size of a stored free pointer.
	wordSize = buf.WordSize

	// minAlign is the alignment every object gets at least.
	minAlign = wordSize

	// cacheLineSize is the line HWCacheAlign aligns to.
	cacheLineSize = 64

	// preferredMaxOrder bounds the order search for a well-packed slab.
	preferredMaxOrder = 3

	// minObjects is the object count a well-packed slab wants.
	minObjects = 8

	// wasteFraction: at most 1/wasteFraction of a slab may be left over.
	wasteFraction = 16

	// maxSlabBytes is the largest slab the page source can supply.
	maxSlabBytes = uint(page.Size) << page.MaxOrder
)

// layout is the per-slot geometry of a cache.
//
//	slot: [left red pad][object][right red zone][free pointer?][pad]
//
// Offsets other than leftPad are relative to the object start.
type layout struct {
	objectSize uint // bytes the caller may use
	inuse      uint // objectSize rounded to a word
	align      uint
	leftPad    uint // red zone before the object
	rightZone  uint // red zone after the object, from objectSize
	freePtr    uint // offset of the stored free pointer
	outside    bool // free pointer lies past the red zone
	poison     bool // free objects carry the poison pattern
	slotSize   uint
	order      uint
	objects    int
}

// calculateAlign folds the requested alignment, the hardware cache line and
// the word size.
func calculateAlign(flags Flags, align, size uint) uint {
	if flags&HWCacheAlign != 0 {
		ralign := uint(cacheLineSize)
		for size <= ralign/2 {
			ralign /= 2
		}
		align = max(align, ralign)
	}
	align = max(align, minAlign)
	return buf.AlignUp(align, wordSize)
}

func calculateLayout(size uint, args *Args, flags Flags) (layout, error) {
	l := layout{objectSize: size}
	l.align = calculateAlign(flags, args.Align, size)
	l.inuse = buf.AlignUp(size, wordSize)
	l.poison = flags&Poison != 0 && flags&TypesafeByRCU == 0 && args.Ctor == nil

	pos := l.inuse
	if flags&RedZone != 0 {
		// At least one word of red zone follows the object.
		l.rightZone = l.inuse - size + wordSize
		pos = size + l.rightZone
		l.leftPad = buf.AlignUp(wordSize, l.align)
	}

	switch {
	case args.UseFreePtrOffset:
		l.freePtr = args.FreePtrOffset
	case flags&(TypesafeByRCU|Poison) != 0 || args.Ctor != nil:
		l.outside = true
		l.freePtr = pos
		pos += wordSize
	default:
		l.freePtr = buf.AlignDown(size/2, wordSize)
		if l.freePtr+wordSize > l.inuse {
			l.freePtr = 0
		}
	}

	l.slotSize = buf.AlignUp(l.leftPad+pos, l.align)
	if l.slotSize > maxSlabBytes {
		return layout{}, fmt.Errorf("%w: slot of %d bytes exceeds the largest slab (%d)", ErrInvalidSize, l.slotSize, maxSlabBytes)
	}
	l.order = calculateOrder(l.slotSize)
	l.objects = int((uint(page.Size) << l.order) / l.slotSize)
	return l, nil
}

// calculateOrder picks the smallest order that packs minObjects with little
// waste, relaxing the object count before settling for any order that fits.
func calculateOrder(slot uint) uint {
	for _, want := range []uint{minObjects, 1} {
		for order := uint(0); order <= preferredMaxOrder; order++ {
			bytes := uint(page.Size) << order
			n := bytes / slot
			if n < want {
				continue
			}
			if (bytes-n*slot)*wasteFraction <= bytes {
				return order
			}
		}
	}
	order := uint(0)
	for uint(page.Size)<<order < slot {
		order++
	}
	return order
}

// objectAddr returns the address of object idx in a slab starting at base.
func (l *layout) objectAddr(base page.Addr, idx int) page.Addr {
	return base + page.Addr(uint(idx)*l.slotSize+l.leftPad)
}

// objectIndex maps an address to its object index. exact requires a as the
// object start; otherwise any address inside the slot resolves.
func (l *layout) objectIndex(base, a page.Addr, exact bool) (int, bool) {
	if a < base {
		return 0, false
	}
	off := uint(a - base)
	idx := off / l.slotSize
	if idx >= uint(l.objects) {
		return 0, false
	}
	if exact && off%l.slotSize != l.leftPad {
		return 0, false
	}
	return int(idx), true
}
