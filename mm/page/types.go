package page

import (
	"fmt"
	"math/bits"

	"github.com/joshuapare/slabkit/mm/gfp"
)

const (
	// Shift is log2 of the page size.
	Shift = 12
	// Size is the page size in bytes.
	Size = 1 << Shift
	// MaxOrder is the largest block order the allocator serves.
	MaxOrder = 10
)

// Addr is an address in the allocator's address space. Zero is null.
type Addr uint64

// Null is the null address.
const Null Addr = 0

// PFN returns the page frame number containing a.
func (a Addr) PFN() uint64 { return uint64(a) >> Shift }

func (a Addr) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// Zone identifies an address range with placement restrictions.
type Zone uint8

const (
	ZoneNormal Zone = iota
	ZoneDMA32
	ZoneDMA

	nrZones
)

func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneDMA32:
		return "DMA32"
	default:
		return "Normal"
	}
}

const (
	zoneDMAStart    Addr = 1 << 20
	zoneDMAEnd      Addr = 16 << 20
	zoneDMA32End    Addr = 4 << 30
	zoneNormalStart Addr = zoneDMA32End
	zoneNormalEnd   Addr = 1 << 62
)

// ZoneRange returns the [start, end) address range of z.
func ZoneRange(z Zone) (Addr, Addr) {
	switch z {
	case ZoneDMA:
		return zoneDMAStart, zoneDMAEnd
	case ZoneDMA32:
		return zoneDMAEnd, zoneDMA32End
	default:
		return zoneNormalStart, zoneNormalEnd
	}
}

// ZoneFor picks the zone an allocation context is restricted to.
func ZoneFor(flags gfp.Flags) Zone {
	switch {
	case flags&gfp.DMA != 0:
		return ZoneDMA
	case flags&gfp.DMA32 != 0:
		return ZoneDMA32
	default:
		return ZoneNormal
	}
}

// OrderFor returns the smallest order whose block holds size bytes.
func OrderFor(size uint64) uint {
	if size <= Size {
		return 0
	}
	return uint(bits.Len64((size - 1) >> Shift))
}

// Block is a naturally aligned run of 2^Order pages.
type Block struct {
	Addr  Addr
	Order uint
	Zone  Zone
	Flags gfp.Flags

	data  []byte
	owner any // guarded by Allocator.framesMu
}

// Bytes returns the block's memory.
func (b *Block) Bytes() []byte { return b.data }

// Size returns the block length in bytes.
func (b *Block) Size() uint64 { return uint64(Size) << b.Order }

// Pages returns the number of pages in the block.
func (b *Block) Pages() uint64 { return 1 << b.Order }

// End returns the first address past the block.
func (b *Block) End() Addr { return b.Addr + Addr(b.Size()) }

// Contains reports whether a lies inside the block.
func (b *Block) Contains(a Addr) bool { return a >= b.Addr && a < b.End() }

// Offset returns a's byte offset from the block start. a must be inside the block.
func (b *Block) Offset(a Addr) uint64 { return uint64(a - b.Addr) }

// Source is the page-source contract the slab layer consumes.
type Source interface {
	// AllocPages returns a block of 2^order pages.
	AllocPages(order uint, flags gfp.Flags) (*Block, error)
	// FreePages returns a block obtained from AllocPages.
	FreePages(b *Block) error
	// Lookup resolves an address inside a live block to the block and its owner.
	Lookup(a Addr) (*Block, any, bool)
	// SetOwner attaches an opaque owner to a live block.
	SetOwner(b *Block, owner any)
}
