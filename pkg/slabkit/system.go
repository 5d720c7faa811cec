package slabkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/joshuapare/slabkit/mm/kmalloc"
	"github.com/joshuapare/slabkit/mm/page"
	"github.com/joshuapare/slabkit/mm/slab"
	"github.com/joshuapare/slabkit/pkg/slabinfo"
)

// System is a page allocator, slab allocator, size-class registry and heap
// wired together from one Config.
type System struct {
	cfg    Config
	log    *slog.Logger
	pages  *page.Allocator
	slabs  *slab.Allocator
	reg    *kmalloc.Registry
	heap   *kmalloc.Heap
	closed atomic.Bool
}

// Open validates cfg and builds a System.
func Open(cfg Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		var err error
		if logger, err = cfg.NewLogger(os.Stderr); err != nil {
			return nil, err
		}
	}

	pages := page.New(cfg.pageConfig(logger))
	slabs, err := slab.New(cfg.slabConfig(pages, logger))
	if err != nil {
		return nil, fmt.Errorf("slabkit: %w", err)
	}
	reg, err := kmalloc.NewRegistry(slabs, cfg.kmallocConfig())
	if err != nil {
		_ = slabs.Close()
		return nil, fmt.Errorf("slabkit: %w", err)
	}

	logger.Debug("slabkit system opened",
		"backing", pages.Backing().Name(),
		"caches", len(slabs.Caches()),
		"min_size", cfg.Kmalloc.MinSize,
	)
	return &System{
		cfg:   cfg,
		log:   logger,
		pages: pages,
		slabs: slabs,
		reg:   reg,
		heap:  kmalloc.NewHeap(reg),
	}, nil
}

// Config returns the configuration the system was opened with.
func (s *System) Config() Config { return s.cfg }

// Logger returns the system logger.
func (s *System) Logger() *slog.Logger { return s.log }

// Pages returns the page allocator.
func (s *System) Pages() *page.Allocator { return s.pages }

// Slabs returns the slab allocator.
func (s *System) Slabs() *slab.Allocator { return s.slabs }

// Registry returns the kmalloc registry.
func (s *System) Registry() *kmalloc.Registry { return s.reg }

// Heap returns the kmalloc heap.
func (s *System) Heap() *kmalloc.Heap { return s.heap }

// Caches returns a snapshot of every cache.
func (s *System) Caches() []slab.CacheInfo { return s.slabs.Caches() }

// WriteSlabinfo renders a slabinfo report of every cache to w.
func (s *System) WriteSlabinfo(w io.Writer) error {
	return slabinfo.Write(w, s.slabs.Caches())
}

// Validate checks the internal consistency of every cache.
func (s *System) Validate() error {
	var errs []error
	for _, ci := range s.slabs.Caches() {
		c, ok := s.slabs.Cache(ci.Name)
		if !ok {
			continue
		}
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close shuts the system down. Caches with live objects are reported in
// the returned error. Close is idempotent.
func (s *System) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := s.reg.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.slabs.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.pages.Drain(); err != nil {
		errs = append(errs, err)
	}
	s.log.Debug("slabkit system closed", "errors", len(errs))
	return errors.Join(errs...)
}
