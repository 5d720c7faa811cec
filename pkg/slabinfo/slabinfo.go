// Package slabinfo renders cache statistics in the /proc/slabinfo text
// format, version 2.1.
package slabinfo

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/natefinch/atomic"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/slabkit/mm/page"
	"github.com/joshuapare/slabkit/mm/slab"
)

// Header is the first line of every report.
const Header = "slabinfo - version: 2.1"

const columns = "# name            <active_objs> <num_objs> <objsize> <objperslab> <pagesperslab>" +
	" : tunables <limit> <batchcount> <sharedfactor> : slabdata <active_slabs> <num_slabs> <sharedavail>"

// Write renders infos, one line per cache, in the order given.
func Write(w io.Writer, infos []slab.CacheInfo) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, Header)
	fmt.Fprintln(bw, columns)
	for _, ci := range infos {
		fmt.Fprintf(bw, "%-17s %6d %6d %6d %4d %4d : tunables %4d %4d %4d : slabdata %6d %6d %6d\n",
			ci.Name, ci.ActiveObjs, ci.TotalObjs, ci.SlotSize, ci.ObjsPerSlab, ci.PagesPerSlab(),
			0, 0, 0,
			ci.ActiveSlabs, ci.Slabs, 0)
	}
	return bw.Flush()
}

// WriteFile renders infos to path, replacing it atomically.
func WriteFile(path string, infos []slab.CacheInfo) error {
	var buf bytes.Buffer
	if err := Write(&buf, infos); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("slabinfo: write %s: %w", path, err)
	}
	return nil
}

// Totals aggregates a report.
type Totals struct {
	Caches      int    `json:"caches"`
	ActiveObjs  int    `json:"active_objs"`
	TotalObjs   int    `json:"total_objs"`
	Slabs       int    `json:"slabs"`
	SlabBytes   uint64 `json:"slab_bytes"`
	ActiveBytes uint64 `json:"active_bytes"`
	PendingRCU  int    `json:"pending_rcu"`
}

// Sum totals infos.
func Sum(infos []slab.CacheInfo) Totals {
	var t Totals
	for _, ci := range infos {
		t.Caches++
		t.ActiveObjs += ci.ActiveObjs
		t.TotalObjs += ci.TotalObjs
		t.Slabs += ci.Slabs
		t.SlabBytes += uint64(ci.Slabs) * uint64(ci.PagesPerSlab()) * page.Size
		t.ActiveBytes += uint64(ci.ActiveObjs) * uint64(ci.ObjectSize)
		t.PendingRCU += ci.PendingRCU
	}
	return t
}

// WriteSummary renders t as short human-readable lines with grouped digits.
func WriteSummary(w io.Writer, t Totals) error {
	p := message.NewPrinter(language.English)
	bw := bufio.NewWriter(w)
	p.Fprintf(bw, "Caches:         %d\n", t.Caches)
	p.Fprintf(bw, "Active objects: %d / %d\n", t.ActiveObjs, t.TotalObjs)
	p.Fprintf(bw, "Slabs:          %d (%d bytes)\n", t.Slabs, t.SlabBytes)
	p.Fprintf(bw, "Active bytes:   %d\n", t.ActiveBytes)
	if t.PendingRCU > 0 {
		p.Fprintf(bw, "Pending RCU:    %d\n", t.PendingRCU)
	}
	return bw.Flush()
}
