package slab

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/mm/page"
)

// Runtime trace flag for every cache - controlled by SLABKIT_LOG_ALLOC env var.
var logAlloc = os.Getenv("SLABKIT_LOG_ALLOC") != ""

// Debug byte patterns.
const (
	PoisonFree     = 0x6b // free object contents
	PoisonEnd      = 0xa5 // last byte of a poisoned object
	RedInactive    = 0xbb // red zone of a free object
	RedActive      = 0xcc // red zone of an allocated object
	trackStackSize = 8
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stderrLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// Track records who last touched an object.
type Track struct {
	Caller uintptr   `json:"caller"`
	Stack  []uintptr `json:"-"`
	When   time.Time `json:"when"`
}

// Function returns the name of the recorded caller.
func (t Track) Function() string {
	if t.Caller == 0 {
		return ""
	}
	fn := runtime.FuncForPC(t.Caller)
	if fn == nil {
		return fmt.Sprintf("%#x", t.Caller)
	}
	return fn.Name()
}

// String renders the recorded stack one frame per line.
func (t Track) String() string {
	if len(t.Stack) == 0 {
		return t.Function()
	}
	var sb strings.Builder
	frames := runtime.CallersFrames(t.Stack)
	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return sb.String()
}

type objTracks struct {
	alloc, free Track
}

// captureTrack records the current stack, skipping skip frames above the
// caller. caller overrides the first frame when non-zero.
func captureTrack(skip int, caller uintptr) Track {
	pcs := make([]uintptr, trackStackSize)
	n := runtime.Callers(skip+2, pcs)
	t := Track{Stack: pcs[:n], When: time.Now()}
	t.Caller = caller
	if t.Caller == 0 && n > 0 {
		t.Caller = pcs[0]
	}
	return t
}

// reportMisuse logs a detected misuse and panics if configured to.
func (c *Cache) reportMisuse(err error) error {
	c.mu.Lock()
	c.stats.Misuses++
	c.mu.Unlock()
	c.a.log.Error("slab misuse detected", "cache", c.name, "error", err)
	if c.a.cfg.PanicOnMisuse {
		panic(err)
	}
	return err
}

func (c *Cache) object(s *slab, a page.Addr) []byte {
	off := uint(a - s.base)
	end := off + c.l.objectSize
	return s.mem[off:end:end]
}

func (c *Cache) leftZone(s *slab, a page.Addr) []byte {
	off := uint(a - s.base)
	return s.mem[off-c.l.leftPad : off]
}

func (c *Cache) rightZone(s *slab, a page.Addr) []byte {
	off := uint(a-s.base) + c.l.objectSize
	return s.mem[off : off+c.l.rightZone]
}

func (c *Cache) setRedZones(s *slab, a page.Addr, v byte) {
	buf.Fill(c.leftZone(s, a), v)
	buf.Fill(c.rightZone(s, a), v)
}

// checkRedZones verifies both red zones of the object at a hold v.
func (c *Cache) checkRedZones(s *slab, a page.Addr, v byte) error {
	if i := buf.FirstNot(c.leftZone(s, a), v); i >= 0 {
		return fmt.Errorf("%w: %s object %s: left red zone overwritten at -%d (want 0x%02x)",
			ErrCorrupted, c.name, a, c.l.leftPad-uint(i), v)
	}
	if i := buf.FirstNot(c.rightZone(s, a), v); i >= 0 {
		return fmt.Errorf("%w: %s object %s: right red zone overwritten at +%d (want 0x%02x)",
			ErrCorrupted, c.name, a, c.l.objectSize+uint(i), v)
	}
	return nil
}

func (c *Cache) poisonObject(s *slab, a page.Addr) {
	obj := c.object(s, a)
	buf.Fill(obj, PoisonFree)
	obj[len(obj)-1] = PoisonEnd
}

// checkPoison verifies a free object still carries the poison pattern.
func (c *Cache) checkPoison(s *slab, a page.Addr) error {
	obj := c.object(s, a)
	last := len(obj) - 1
	if i := buf.FirstNot(obj[:last], PoisonFree); i >= 0 {
		return fmt.Errorf("%w: %s object %s: poison overwritten at +%d (use after free)", ErrCorrupted, c.name, a, i)
	}
	if obj[last] != PoisonEnd {
		return fmt.Errorf("%w: %s object %s: poison end byte is 0x%02x", ErrCorrupted, c.name, a, obj[last])
	}
	return nil
}

func (s *slab) isAllocated(idx int) bool {
	return s.allocated[idx/64]&(1<<(idx%64)) != 0
}

func (s *slab) setAllocated(idx int, on bool) {
	if on {
		s.allocated[idx/64] |= 1 << (idx % 64)
	} else {
		s.allocated[idx/64] &^= 1 << (idx % 64)
	}
}
