// ABOUTME: Conservative stack scanning: maps arbitrary words to the heap objects they point into
// ABOUTME: Accepts false positives and never misses an object a word points inside

// Package stackscan finds the heap objects that raw stack words may refer
// to. The heap must be iterable while scanning.
package stackscan

import (
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/vmem"
)

// Scope restricts the pages a visitor resolves pointers on
type Scope int

const (
	// ScopeAll resolves pointers on every page
	ScopeAll Scope = iota
	// ScopeYoung resolves pointers on young pages only
	ScopeYoung
)

// Visitor resolves stack words to object base addresses
type Visitor struct {
	heap  *heap.Heap
	scope Scope
}

// New creates a visitor for h
func New(h *heap.Heap, scope Scope) *Visitor {
	return &Visitor{heap: h, scope: scope}
}

// FindBasePtr returns the start of the object containing addr. Free space
// and addresses outside objects resolve to nothing.
func (v *Visitor) FindBasePtr(addr vmem.Address) (vmem.Address, bool) {
	alloc := v.heap.Allocator()
	if !alloc.InAllocatedRange(addr) {
		return vmem.Null, false
	}
	c := alloc.LookupChunkContainingAddress(addr)
	if c == nil || !c.Contains(addr) || addr >= c.HighWaterMark() {
		return vmem.Null, false
	}
	if v.scope == ScopeYoung && !c.IsYoung() {
		return vmem.Null, false
	}
	if c.IsLarge() {
		return v.accept(c.AreaStart())
	}
	if c.IsFromPage() {
		return vmem.Null, false
	}
	return v.findOnPage(c, addr)
}

func (v *Visitor) accept(obj vmem.Address) (vmem.Address, bool) {
	kind, ok := v.heap.TryKindOf(obj)
	if !ok || kind.IsFree() {
		return vmem.Null, false
	}
	return obj, true
}

// findOnPage walks forward from the closest marked object below addr, or
// from the start of the page, to the object containing addr
func (v *Visitor) findOnPage(c *chunk.Chunk, addr vmem.Address) (vmem.Address, bool) {
	start := c.AreaStart()
	if prev, ok := c.MarkBits().FindPreviousSet(addr); ok && prev >= start {
		start = prev
	}
	end := c.HighWaterMark()
	for obj := start; obj < end; {
		if _, ok := v.heap.TryKindOf(obj); !ok {
			return vmem.Null, false
		}
		size := v.heap.ObjectSize(obj)
		if addr < obj+vmem.Address(size) {
			return v.accept(obj)
		}
		obj += vmem.Address(size)
	}
	return vmem.Null, false
}

// VisitPointer calls fn with the object word may point into
func (v *Visitor) VisitPointer(word uint64, fn func(obj vmem.Address)) {
	if obj, ok := v.FindBasePtr(vmem.Address(word)); ok {
		fn(obj)
	}
}

// VisitStack calls fn for every word of s that resolves to an object. An
// object is reported once per word referring to it.
func (v *Visitor) VisitStack(s *heap.Stack, fn func(obj vmem.Address)) {
	for _, w := range s.Words {
		v.VisitPointer(w, fn)
	}
}
