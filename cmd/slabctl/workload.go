package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/kmalloc"
	"github.com/joshuapare/slabkit/mm/page"
)

// liveObject is an allocation held by a workload.
type liveObject struct {
	addr page.Addr
	size uint
	fill byte
}

// workload drives a random malloc/free mix against a heap.
type workload struct {
	heap    *kmalloc.Heap
	rng     *rand.Rand
	maxSize uint
	flags   gfp.Flags
	verify  bool
	live    []liveObject

	allocs, frees, failures uint64
}

func newWorkload(h *kmalloc.Heap, seed uint64, maxSize uint, flags gfp.Flags) *workload {
	if maxSize == 0 {
		maxSize = kmalloc.MaxCacheSize
	}
	return &workload{
		heap:    h,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		maxSize: maxSize,
		flags:   flags,
	}
}

// run performs n operations. Allocations win slightly over frees so the
// heap grows.
func (w *workload) run(n int) error {
	for range n {
		if len(w.live) > 0 && w.rng.IntN(100) < 45 {
			if err := w.freeOne(w.rng.IntN(len(w.live))); err != nil {
				return err
			}
			continue
		}
		if err := w.allocOne(); err != nil {
			return err
		}
	}
	return nil
}

func (w *workload) allocOne() error {
	size := uint(w.rng.Uint64N(uint64(w.maxSize))) + 1
	p, err := w.heap.Malloc(size, w.flags)
	if err != nil {
		w.failures++
		return nil
	}
	w.allocs++
	obj := liveObject{addr: p, size: size, fill: byte(w.rng.Uint32())}
	if w.verify {
		b, err := w.heap.Bytes(p)
		if err != nil {
			return fmt.Errorf("bytes of %s: %w", p, err)
		}
		for i := range b[:size] {
			b[i] = obj.fill
		}
	}
	w.live = append(w.live, obj)
	return nil
}

func (w *workload) freeOne(i int) error {
	obj := w.live[i]
	w.live[i] = w.live[len(w.live)-1]
	w.live = w.live[:len(w.live)-1]
	if w.verify {
		b, err := w.heap.Bytes(obj.addr)
		if err != nil {
			return fmt.Errorf("bytes of %s: %w", obj.addr, err)
		}
		for off, v := range b[:obj.size] {
			if v != obj.fill {
				return fmt.Errorf("object %s (%d bytes) corrupted at offset %d: %#x != %#x",
					obj.addr, obj.size, off, v, obj.fill)
			}
		}
	}
	if err := w.heap.Free(obj.addr); err != nil {
		return fmt.Errorf("free %s: %w", obj.addr, err)
	}
	w.frees++
	return nil
}

// release frees every object the workload still holds.
func (w *workload) release() error {
	for len(w.live) > 0 {
		if err := w.freeOne(len(w.live) - 1); err != nil {
			return err
		}
	}
	return nil
}
