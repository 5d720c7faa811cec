package slab

import (
	"fmt"
	"strconv"
	"strings"
)

// Flags selects per-cache behavior. Bits are independent.
type Flags uint32

const (
	// ConsistencyChecks enables expensive freelist and double-free checks (F).
	ConsistencyChecks Flags = 1 << iota
	// RedZone surrounds every object with guard bytes (Z).
	RedZone
	// Poison fills free objects with a known pattern (P).
	Poison
	// StoreUser records the last alloc and free caller of every object (U).
	StoreUser
	// Trace logs every alloc and free (T).
	Trace
	// HWCacheAlign aligns objects to the hardware cache line.
	HWCacheAlign
	// CacheDMA places slabs in the DMA zone.
	CacheDMA
	// CacheDMA32 places slabs in the DMA32 zone.
	CacheDMA32
	// Panic turns a creation failure into a panic.
	Panic
	// TypesafeByRCU defers returning empty slabs to the page source until a
	// grace period has elapsed. Object slots are reused immediately, so a
	// reader holding a stale pointer sees the old object or a freshly
	// constructed one of the same type, never unmapped memory.
	TypesafeByRCU
	// NoMerge keeps the cache out of merging.
	NoMerge
	// Account charges every allocation to the caller's group.
	Account
	// ReclaimAccount counts slab pages as reclaimable.
	ReclaimAccount
	// Kmalloc marks a cache owned by the general allocator.
	Kmalloc

	flagsEnd
)

// ValidFlags is the mask of all defined bits.
const ValidFlags = flagsEnd - 1

const (
	// DebugFlags are the instrumentation flags selectable by debug letters.
	DebugFlags = ConsistencyChecks | RedZone | Poison | StoreUser | Trace

	// neverMerge are flags that keep a cache from aliasing another.
	neverMerge = DebugFlags | NoMerge | TypesafeByRCU

	// mergeSame must match between a cache and its alias.
	mergeSame = CacheDMA | CacheDMA32 | ReclaimAccount | Account
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{ConsistencyChecks, "CONSISTENCY_CHECKS"},
	{RedZone, "RED_ZONE"},
	{Poison, "POISON"},
	{StoreUser, "STORE_USER"},
	{Trace, "TRACE"},
	{HWCacheAlign, "HWCACHE_ALIGN"},
	{CacheDMA, "CACHE_DMA"},
	{CacheDMA32, "CACHE_DMA32"},
	{Panic, "PANIC"},
	{TypesafeByRCU, "TYPESAFE_BY_RCU"},
	{NoMerge, "NO_MERGE"},
	{Account, "ACCOUNT"},
	{ReclaimAccount, "RECLAIM_ACCOUNT"},
	{Kmalloc, "KMALLOC"},
}

// Has reports whether every bit in mask is set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	rest := f
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			parts = append(parts, fn.name)
			rest &^= fn.f
		}
	}
	if rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}

// debugLetters maps slub_debug-style letters to flags.
var debugLetters = map[byte]Flags{
	'F': ConsistencyChecks,
	'Z': RedZone,
	'P': Poison,
	'U': StoreUser,
	'T': Trace,
}

// DebugSpec is a parsed debug option string.
type DebugSpec struct {
	Flags Flags
	// Caches limits the flags to the named caches. Empty means every cache.
	// A trailing '*' matches by prefix.
	Caches []string
}

// Applies reports the debug flags that apply to a cache named name.
func (d DebugSpec) Applies(name string) Flags {
	if len(d.Caches) == 0 {
		return d.Flags
	}
	for _, pat := range d.Caches {
		if prefix, ok := strings.CutSuffix(pat, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return d.Flags
			}
		} else if pat == name {
			return d.Flags
		}
	}
	return 0
}

// ParseDebug parses "FZPUT[,cache,...]". Letters are case-insensitive, "-"
// selects no flags and an empty letter set selects all of them.
func ParseDebug(s string) (DebugSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DebugSpec{}, nil
	}
	letters, names, _ := strings.Cut(s, ",")

	var spec DebugSpec
	switch letters {
	case "":
		spec.Flags = DebugFlags
	case "-":
	default:
		for i := range len(letters) {
			c := letters[i]
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			f, ok := debugLetters[c]
			if !ok {
				return DebugSpec{}, fmt.Errorf("%w: unknown debug option %q", ErrInvalidFlags, letters[i])
			}
			spec.Flags |= f
		}
	}
	for _, n := range strings.Split(names, ",") {
		if n = strings.TrimSpace(n); n != "" {
			spec.Caches = append(spec.Caches, n)
		}
	}
	return spec, nil
}
