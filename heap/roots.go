// ABOUTME: Root sources: a handle table, pluggable root providers and raw stacks
// ABOUTME: Precise roots may be rewritten in place; stack words are only read

package heap

import (
	"sync"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/vmem"
)

// RootProvider exposes roots held outside the heap. The callback may
// rewrite the root when its target moves.
type RootProvider interface {
	ForEachRoot(fn func(root *vmem.Address))
}

// Handle indexes a HandleTable slot
type Handle int

// HandleTable is a set of strong roots owned by the embedder
type HandleTable struct {
	mu    sync.Mutex
	slots []vmem.Address
	used  []bool
	free  []Handle
}

// New creates a handle pointing at obj
func (t *HandleTable) New(obj vmem.Address) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.free); n > 0 {
		h := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[h], t.used[h] = obj, true
		return h
	}
	t.slots = append(t.slots, obj)
	t.used = append(t.used, true)
	return Handle(len(t.slots) - 1)
}

func (t *HandleTable) checkLive(h Handle) {
	check.That(int(h) >= 0 && int(h) < len(t.slots) && t.used[h], "use of released handle %d", h)
}

// Get returns the object a handle points at
func (t *HandleTable) Get(h Handle) vmem.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLive(h)
	return t.slots[h]
}

// Set repoints a handle
func (t *HandleTable) Set(h Handle, obj vmem.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLive(h)
	t.slots[h] = obj
}

// Release drops a handle
func (t *HandleTable) Release(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLive(h)
	t.slots[h], t.used[h] = vmem.Null, false
	t.free = append(t.free, h)
}

// Len returns the number of live handles
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}

// ForEachRoot visits every live handle
func (t *HandleTable) ForEachRoot(fn func(root *vmem.Address)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.used[i] && t.slots[i] != vmem.Null {
			fn(&t.slots[i])
		}
	}
}

// Stack is a range of raw words scanned conservatively. The owner writes
// words directly; the collector only reads them at safepoints.
type Stack struct {
	Words []uint64
}

// RegisterStack adds a conservatively scanned stack of n words
func (h *Heap) RegisterStack(n int) *Stack {
	s := &Stack{Words: make([]uint64, n)}
	h.rootsMu.Lock()
	h.stacks = append(h.stacks, s)
	h.rootsMu.Unlock()
	return s
}

// UnregisterStack stops scanning s
func (h *Heap) UnregisterStack(s *Stack) {
	h.rootsMu.Lock()
	defer h.rootsMu.Unlock()
	for i, t := range h.stacks {
		if t == s {
			h.stacks = append(h.stacks[:i], h.stacks[i+1:]...)
			return
		}
	}
}

// ForEachStack calls fn for every registered stack
func (h *Heap) ForEachStack(fn func(*Stack)) {
	h.rootsMu.Lock()
	stacks := append([]*Stack(nil), h.stacks...)
	h.rootsMu.Unlock()
	for _, s := range stacks {
		fn(s)
	}
}

// AddRootProvider registers an additional precise root source
func (h *Heap) AddRootProvider(p RootProvider) {
	h.rootsMu.Lock()
	defer h.rootsMu.Unlock()
	h.providers = append(h.providers, p)
}

// ForEachRoot visits the handle table and every root provider
func (h *Heap) ForEachRoot(fn func(root *vmem.Address)) {
	h.handles.ForEachRoot(fn)
	h.rootsMu.Lock()
	providers := append([]RootProvider(nil), h.providers...)
	h.rootsMu.Unlock()
	for _, p := range providers {
		p.ForEachRoot(fn)
	}
}
