// ABOUTME: Typed remembered slots for hosts whose references need decoding
// ABOUTME: Entries pair a slot type with a chunk offset and are guarded by a mutex

package chunk

import (
	"sync"

	"github.com/prateek/gcheap/vmem"
)

// SlotType says how a typed slot encodes its target
type SlotType uint8

const (
	// CodeTargetSlot holds a reference from a code object
	CodeTargetSlot SlotType = iota
	// EmbeddedObjectSlot holds an object embedded in code
	EmbeddedObjectSlot
)

// TypedSlot is one recorded slot
type TypedSlot struct {
	Type   SlotType
	Offset uint32
}

// TypedSlots is a list of typed slots of one chunk
type TypedSlots struct {
	mu    sync.Mutex
	slots []TypedSlot
}

// Insert records a slot at offset from the chunk base
func (t *TypedSlots) Insert(typ SlotType, offset uint32) {
	t.mu.Lock()
	t.slots = append(t.slots, TypedSlot{Type: typ, Offset: offset})
	t.mu.Unlock()
}

// Merge moves all slots of other into t
func (t *TypedSlots) Merge(other *TypedSlots) {
	if other == nil || other == t {
		return
	}
	other.mu.Lock()
	moved := other.slots
	other.slots = nil
	other.mu.Unlock()

	t.mu.Lock()
	t.slots = append(t.slots, moved...)
	t.mu.Unlock()
}

// Iterate calls fn for every slot, dropping those for which it returns
// RemoveSlot, and returns the number kept.
func (t *TypedSlots) Iterate(base vmem.Address, fn func(SlotType, vmem.Address) SlotCallbackResult) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.slots[:0]
	for _, s := range t.slots {
		if fn(s.Type, base+vmem.Address(s.Offset)) == KeepSlot {
			kept = append(kept, s)
		}
	}
	t.slots = kept
	return len(kept)
}

// ClearInvalidRange drops slots with offsets in [start, end)
func (t *TypedSlots) ClearInvalidRange(start, end uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.slots[:0]
	for _, s := range t.slots {
		if s.Offset < start || s.Offset >= end {
			kept = append(kept, s)
		}
	}
	t.slots = kept
}

// Len returns the number of recorded slots
func (t *TypedSlots) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// IsEmpty reports whether no slot is recorded
func (t *TypedSlots) IsEmpty() bool { return t.Len() == 0 }
