// Package memcg provides hierarchical cost centers that allocations are
// charged to. A charge must fit within the limit of the group and of every
// ancestor.
package memcg

import (
	"errors"
	"fmt"
	"sync"
)

// ErrLimitExceeded indicates a charge would exceed a group limit.
var ErrLimitExceeded = errors.New("memcg: limit exceeded")

// Group is a node in the cost-center tree. It is safe for concurrent use.
type Group struct {
	name   string
	parent *Group
	limit  uint64 // 0 = unlimited

	mu       sync.Mutex
	usage    uint64
	peak     uint64
	failures uint64
	children []*Group
}

// NewRoot creates a root group. A limit of 0 means unlimited.
func NewRoot(name string, limit uint64) *Group {
	return &Group{name: name, limit: limit}
}

// NewChild creates a group below g.
func (g *Group) NewChild(name string, limit uint64) *Group {
	c := &Group{name: name, parent: g, limit: limit}
	g.mu.Lock()
	g.children = append(g.children, c)
	g.mu.Unlock()
	return c
}

// Name returns the group's name.
func (g *Group) Name() string { return g.name }

// Path returns the slash-joined names from the root to g.
func (g *Group) Path() string {
	if g.parent == nil {
		return g.name
	}
	return g.parent.Path() + "/" + g.name
}

// Parent returns the parent group, or nil for a root.
func (g *Group) Parent() *Group { return g.parent }

// Limit returns the group's limit in bytes (0 = unlimited).
func (g *Group) Limit() uint64 { return g.limit }

// Usage returns the bytes currently charged to the group and its descendants.
func (g *Group) Usage() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}

// Peak returns the highest usage the group has seen.
func (g *Group) Peak() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// Failures returns how many charges this group refused.
func (g *Group) Failures() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// Children returns a copy of the group's children.
func (g *Group) Children() []*Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Group(nil), g.children...)
}

// TryCharge charges bytes to g and every ancestor. If any level would exceed
// its limit the levels already charged are rolled back and ErrLimitExceeded
// is returned. With force the limits are ignored.
func (g *Group) TryCharge(bytes uint64, force bool) error {
	if bytes == 0 {
		return nil
	}
	for cur := g; cur != nil; cur = cur.parent {
		if cur.charge(bytes, force) {
			continue
		}
		for undo := g; undo != cur; undo = undo.parent {
			undo.uncharge(bytes)
		}
		return fmt.Errorf("%w: group %s limit %d, charging %d bytes", ErrLimitExceeded, cur.Path(), cur.limit, bytes)
	}
	return nil
}

// Uncharge releases bytes from g and every ancestor.
func (g *Group) Uncharge(bytes uint64) {
	if bytes == 0 {
		return
	}
	for cur := g; cur != nil; cur = cur.parent {
		cur.uncharge(bytes)
	}
}

func (g *Group) charge(bytes uint64, force bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !force && g.limit != 0 && g.usage+bytes > g.limit {
		g.failures++
		return false
	}
	g.usage += bytes
	g.peak = max(g.peak, g.usage)
	return true
}

func (g *Group) uncharge(bytes uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if bytes > g.usage {
		// Uncharging more than was charged is a caller bug; clamp.
		g.usage = 0
		return
	}
	g.usage -= bytes
}
