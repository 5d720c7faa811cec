package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/joshuapare/slabkit/cmd/slabtop/logger"
	"github.com/joshuapare/slabkit/mm/kmalloc"
	"github.com/joshuapare/slabkit/mm/page"
)

const (
	churnBatch   = 256
	churnPause   = 20 * time.Millisecond
	churnMaxLive = 4096
	churnMaxSize = 2048
)

// churn keeps a background malloc/free workload running so the display
// has something to show.
type churn struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error
}

// startChurn runs the workload against h until stop is called.
func startChurn(h *kmalloc.Heap, seed uint64) *churn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &churn{cancel: cancel}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.err = runChurn(ctx, h, rand.New(rand.NewPCG(seed, seed+1)))
	}()
	return c
}

// stop ends the workload and frees what it holds.
func (c *churn) stop() error {
	c.cancel()
	c.wg.Wait()
	return c.err
}

func runChurn(ctx context.Context, h *kmalloc.Heap, rng *rand.Rand) error {
	var live []page.Addr
	defer func() {
		if err := h.FreeBulk(live); err != nil {
			logger.Warn("churn cleanup failed", "error", err)
		}
	}()

	// Drift the target so caches grow and shrink over time.
	target := churnMaxLive / 2
	timer := time.NewTimer(churnPause)
	defer timer.Stop()
	for {
		for range churnBatch {
			if len(live) > 0 && (len(live) >= target || rng.IntN(2) == 0) {
				i := rng.IntN(len(live))
				p := live[i]
				live[i] = live[len(live)-1]
				live = live[:len(live)-1]
				if err := h.Free(p); err != nil {
					return err
				}
				continue
			}
			p, err := h.Malloc(uint(rng.IntN(churnMaxSize))+1, 0)
			if err != nil {
				if errors.Is(err, kmalloc.ErrClosed) {
					return nil
				}
				logger.Debug("churn allocation failed", "error", err)
				continue
			}
			live = append(live, p)
		}
		if rng.IntN(8) == 0 {
			target = rng.IntN(churnMaxLive) + 1
		}

		timer.Reset(churnPause)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}
