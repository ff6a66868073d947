// ABOUTME: Mark bit access for heap objects
// ABOUTME: Marking an address outside the heap is fatal

package marking

import (
	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/vmem"
)

// State reads and sets mark bits of one heap
type State struct {
	heap *heap.Heap
}

// NewState returns the mark state of h
func NewState(h *heap.Heap) State { return State{heap: h} }

func (s State) chunkOf(obj vmem.Address) *chunk.Chunk {
	c := s.heap.ChunkOf(obj)
	check.That(c != nil && c.Contains(obj), "%#x is not an object of this heap", obj)
	return c
}

// IsMarked reports whether obj is marked
func (s State) IsMarked(obj vmem.Address) bool { return s.chunkOf(obj).MarkBits().IsSet(obj) }

// TryMark marks obj and reports whether this call set the bit. The bit is
// set with a sequentially consistent atomic before the caller pushes obj
// anywhere another task can pop it.
func (s State) TryMark(obj vmem.Address) bool { return s.chunkOf(obj).MarkBits().Set(obj) }
