package kmalloc

import (
	"fmt"

	"github.com/joshuapare/slabkit/mm/gfp"
)

// Type selects a family of size-class caches.
type Type int

const (
	// Normal serves ordinary requests.
	Normal Type = iota
	// Random01 through Random15 are copies of Normal picked per call site.
	Random01
	Random02
	Random03
	Random04
	Random05
	Random06
	Random07
	Random08
	Random09
	Random10
	Random11
	Random12
	Random13
	Random14
	Random15
	// Reclaim serves gfp.Reclaimable requests.
	Reclaim
	// DMA serves gfp.DMA requests from the DMA zone.
	DMA
	// CGroup serves gfp.Account requests.
	CGroup

	nrTypes
)

const (
	// RandomCopies is the number of random copies of the normal family.
	RandomCopies = int(Random15 - Random01 + 1)

	randomBits = 4

	goldenRatio64 = 0x61C8864680B583EB
)

var typePrefixes = [nrTypes]string{
	Normal:  "kmalloc-",
	Reclaim: "kmalloc-rcl-",
	DMA:     "dma-kmalloc-",
	CGroup:  "kmalloc-cg-",
}

func (t Type) String() string {
	switch {
	case t == Normal:
		return "normal"
	case t.IsRandom():
		return fmt.Sprintf("random-%02d", int(t))
	case t == Reclaim:
		return "reclaim"
	case t == DMA:
		return "dma"
	case t == CGroup:
		return "cgroup"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// IsRandom reports whether t is one of the random copies.
func (t Type) IsRandom() bool { return t >= Random01 && t <= Random15 }

// prefix returns the cache name prefix for the family.
func (t Type) prefix() string {
	if t.IsRandom() {
		return fmt.Sprintf("kmalloc-rnd-%02d-", int(t))
	}
	return typePrefixes[t]
}

// hash64 is the multiplicative hash of v folded to bits bits.
func hash64(v uint64, bits uint) uint64 {
	return (v * goldenRatio64) >> (64 - bits)
}

// TypeOf picks the cache family for a request. It depends only on flags,
// caller and the registry configuration.
func (r *Registry) TypeOf(flags gfp.Flags, caller uintptr) Type {
	notNormal := gfp.Reclaimable
	if r.cfg.ZoneDMA {
		notNormal |= gfp.DMA
	}
	if r.cfg.MemCG {
		notNormal |= gfp.Account
	}

	if flags&notNormal == 0 {
		if r.cfg.RandomCaches {
			return Normal + Type(hash64(uint64(caller)^r.seed, randomBits))
		}
		return Normal
	}

	switch {
	case r.cfg.ZoneDMA && flags&gfp.DMA != 0:
		return DMA
	case !r.cfg.MemCG || flags&gfp.Reclaimable != 0:
		return Reclaim
	}
	return CGroup
}

// enabled reports whether the registry builds caches for t.
func (r *Registry) enabled(t Type) bool {
	switch {
	case t.IsRandom():
		return r.cfg.RandomCaches
	case t == DMA:
		return r.cfg.ZoneDMA
	case t == CGroup:
		return r.cfg.MemCG
	}
	return t < nrTypes
}
