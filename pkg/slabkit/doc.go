// Package slabkit assembles a complete allocator stack from one
// configuration file.
//
// # Overview
//
// Open builds, bottom up, a page.Allocator, a slab.Allocator on top of it,
// a kmalloc.Registry of size-class caches and the kmalloc.Heap front-end:
//
//	cfg, err := slabkit.LoadConfig("slabkit.jsonc")
//	if err != nil {
//	    return err
//	}
//	sys, err := slabkit.Open(cfg)
//	if err != nil {
//	    return err
//	}
//	defer sys.Close()
//
//	p, err := sys.Heap().Malloc(200, gfp.Kernel)
//
// # Configuration
//
// The file is JSON with comments and trailing commas. Missing fields keep
// their defaults:
//
//	{
//	    "page":    {"backing": "mmap", "max_pages": 65536},
//	    "slab":    {"debug": "FZ,kmalloc-*", "harden_freelist": true},
//	    "kmalloc": {"random_caches": true},
//	    "log":     {"level": "warn", "format": "json"},
//	}
//
// SLABKIT_DEBUG and SLABKIT_LOG_LEVEL override the file through ApplyEnv.
package slabkit
