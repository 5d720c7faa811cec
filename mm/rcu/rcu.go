// Package rcu implements epoch-based deferred reclamation.
//
// Readers bracket their traversals with ReadLock and Unlock. Defer queues a
// callback stamped with a fresh epoch; the callback runs on the domain's
// worker goroutine once every reader that was active when it was queued has
// unlocked. Readers that start later never delay it.
package rcu

import (
	"math"
	"sync"
)

type callback struct {
	epoch uint64
	fn    func()
}

// Stats is a snapshot of domain counters.
type Stats struct {
	Queued       uint64 `json:"queued"`
	Completed    uint64 `json:"completed"`
	GracePeriods uint64 `json:"grace_periods"`
	Readers      int    `json:"readers"`
}

// Domain is an independent reclamation domain. It is safe for concurrent use.
type Domain struct {
	mu     sync.Mutex
	cond   *sync.Cond
	epoch  uint64
	active map[uint64]int // entry epoch -> live readers
	queue  []callback
	closed bool
	stats  Stats
	done   chan struct{}
}

// New starts a domain and its worker goroutine.
func New() *Domain {
	d := &Domain{
		epoch:  1,
		active: make(map[uint64]int),
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.worker()
	return d
}

// Reader is an open read-side section.
type Reader struct {
	d      *Domain
	epoch  uint64
	locked bool
}

// ReadLock opens a read-side section. Memory reachable when it opened stays
// valid until Unlock.
func (d *Domain) ReadLock() *Reader {
	d.mu.Lock()
	r := &Reader{d: d, epoch: d.epoch, locked: true}
	d.active[r.epoch]++
	d.stats.Readers++
	d.mu.Unlock()
	return r
}

// Unlock closes the section. It panics if called twice.
func (r *Reader) Unlock() {
	d := r.d
	d.mu.Lock()
	if !r.locked {
		d.mu.Unlock()
		panic("rcu: unlock of unlocked reader")
	}
	r.locked = false
	if d.active[r.epoch]--; d.active[r.epoch] == 0 {
		delete(d.active, r.epoch)
	}
	d.stats.Readers--
	d.cond.Broadcast()
	d.mu.Unlock()
}

// oldestReaderLocked returns the smallest entry epoch among live readers.
func (d *Domain) oldestReaderLocked() uint64 {
	oldest := uint64(math.MaxUint64)
	for e := range d.active {
		oldest = min(oldest, e)
	}
	return oldest
}

// Defer queues fn to run after a grace period. After Close it waits for a
// grace period and runs fn on the calling goroutine.
func (d *Domain) Defer(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.Synchronize()
		fn()
		return
	}
	d.epoch++
	d.queue = append(d.queue, callback{epoch: d.epoch, fn: fn})
	d.stats.Queued++
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Synchronize blocks until every reader active at the time of the call has
// unlocked. It must not be called from inside a read-side section.
func (d *Domain) Synchronize() {
	d.mu.Lock()
	d.epoch++
	target := d.epoch
	for d.oldestReaderLocked() < target {
		d.cond.Wait()
	}
	d.stats.GracePeriods++
	d.mu.Unlock()
}

// Barrier blocks until every callback queued before the call has run.
func (d *Domain) Barrier() {
	d.mu.Lock()
	target := d.stats.Queued
	for d.stats.Completed < target {
		d.cond.Wait()
	}
	d.mu.Unlock()
}

// Pending returns the number of callbacks not yet run.
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.stats.Queued - d.stats.Completed)
}

// Stats returns a snapshot of domain counters.
func (d *Domain) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close runs every queued callback and stops the worker. It is idempotent.
func (d *Domain) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()
	<-d.done
	return nil
}

func (d *Domain) worker() {
	defer close(d.done)

	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			return
		}

		oldest := d.oldestReaderLocked()
		n := 0
		for n < len(d.queue) && d.queue[n].epoch <= oldest {
			n++
		}
		if n == 0 {
			d.cond.Wait()
			continue
		}

		ready := make([]callback, n)
		copy(ready, d.queue)
		d.queue = append(d.queue[:0], d.queue[n:]...)
		d.stats.GracePeriods++

		d.mu.Unlock()
		for _, cb := range ready {
			cb.fn()
		}
		d.mu.Lock()

		d.stats.Completed += uint64(n)
		d.cond.Broadcast()
	}
}
