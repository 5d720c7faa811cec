package main

import (
	"cmp"
	"slices"
	"strings"

	"github.com/joshuapare/slabkit/mm/page"
	"github.com/joshuapare/slabkit/mm/slab"
)

// sortKey selects the column rows are ordered by.
type sortKey int

const (
	sortByObjects sortKey = iota
	sortByActive
	sortByName
	sortBySize
	sortByUsage
	sortByBytes
	sortBySlabs
)

func (k sortKey) String() string {
	switch k {
	case sortByObjects:
		return "objects"
	case sortByActive:
		return "active"
	case sortByName:
		return "name"
	case sortBySize:
		return "object size"
	case sortByUsage:
		return "use"
	case sortByBytes:
		return "cache size"
	case sortBySlabs:
		return "slabs"
	}
	return "unknown"
}

// usage is the percentage of a cache's objects in use.
func usage(ci slab.CacheInfo) int {
	if ci.TotalObjs == 0 {
		return 0
	}
	return ci.ActiveObjs * 100 / ci.TotalObjs
}

// cacheBytes is the memory held by a cache's slabs.
func cacheBytes(ci slab.CacheInfo) uint64 {
	return uint64(ci.Slabs) * uint64(ci.PagesPerSlab()) * page.Size
}

// sortInfos orders infos by key. Numeric columns sort largest first and
// names sort alphabetically; reverse flips the primary order. Ties always
// fall back to the name.
func sortInfos(infos []slab.CacheInfo, key sortKey, reverse bool) {
	slices.SortStableFunc(infos, func(a, b slab.CacheInfo) int {
		var c int
		switch key {
		case sortByObjects:
			c = cmp.Compare(b.TotalObjs, a.TotalObjs)
		case sortByActive:
			c = cmp.Compare(b.ActiveObjs, a.ActiveObjs)
		case sortByName:
			c = strings.Compare(a.Name, b.Name)
		case sortBySize:
			c = cmp.Compare(b.ObjectSize, a.ObjectSize)
		case sortByUsage:
			c = cmp.Compare(usage(b), usage(a))
		case sortByBytes:
			c = cmp.Compare(cacheBytes(b), cacheBytes(a))
		case sortBySlabs:
			c = cmp.Compare(b.Slabs, a.Slabs)
		}
		if reverse {
			c = -c
		}
		if c == 0 {
			c = strings.Compare(a.Name, b.Name)
		}
		return c
	})
}

// filterEmpty drops caches that hold no slabs.
func filterEmpty(infos []slab.CacheInfo) []slab.CacheInfo {
	return slices.DeleteFunc(infos, func(ci slab.CacheInfo) bool { return ci.Slabs == 0 })
}
