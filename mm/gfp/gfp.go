// Package gfp defines the allocation-context flags passed to every
// allocation call, from the general front-end down to the page source.
package gfp

import (
	"fmt"
	"strconv"
	"strings"
)

// Flags describes the context of an allocation request.
type Flags uint32

const (
	// DMA restricts the backing pages to the DMA zone.
	DMA Flags = 1 << iota
	// DMA32 restricts the backing pages to the 32-bit addressable zone.
	DMA32
	// Reclaimable marks the memory as reclaimable for page grouping.
	Reclaimable
	// Account charges the allocation to the caller's cost center.
	Account
	// Zero zero-fills the returned memory.
	Zero
	// NoWait forbids blocking anywhere on the allocation path.
	NoWait
	// High allows the request to dip into reserves.
	High
	// NoFail means the allocation may not fail. It retries with backoff and
	// escalates to a panic when it cannot be satisfied. Use with great care.
	NoFail
	// NoRetry gives up at the first failure instead of waiting for memory.
	NoRetry
	// NoWarn suppresses failure warnings.
	NoWarn

	flagsEnd
)

// Common combinations.
const (
	// Kernel is the ordinary blocking context.
	Kernel Flags = 0
	// Atomic never blocks and may use reserves.
	Atomic = NoWait | High
	// Nowait never blocks.
	Nowait = NoWait | NoWarn
	// KernelAccount is Kernel with cost-center accounting.
	KernelAccount = Kernel | Account
)

// Valid is the mask of all defined bits.
const Valid = flagsEnd - 1

var flagNames = []struct {
	f    Flags
	name string
}{
	{DMA, "DMA"},
	{DMA32, "DMA32"},
	{Reclaimable, "RECLAIMABLE"},
	{Account, "ACCOUNT"},
	{Zero, "ZERO"},
	{NoWait, "NOWAIT"},
	{High, "HIGH"},
	{NoFail, "NOFAIL"},
	{NoRetry, "NORETRY"},
	{NoWarn, "NOWARN"},
}

// Has reports whether all bits of other are set in f.
func (f Flags) Has(other Flags) bool { return f&other == other }

// CanBlock reports whether the request may sleep waiting for memory.
func (f Flags) CanBlock() bool { return f&NoWait == 0 }

func (f Flags) String() string {
	if f == 0 {
		return "KERNEL"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			parts = append(parts, fn.name)
		}
	}
	if rest := f &^ Valid; rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}

// Parse reads flags written as by String. Names are case-insensitive and
// may be separated by "|" or ",". KERNEL and the empty string are 0.
func Parse(s string) (Flags, error) {
	var f Flags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		name := strings.ToUpper(strings.TrimSpace(part))
		switch name {
		case "", "KERNEL":
			continue
		case "ATOMIC":
			f |= Atomic
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == name {
				f |= fn.f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("gfp: unknown flag %q", part)
		}
	}
	return f, nil
}
