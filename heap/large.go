// ABOUTME: Large object spaces holding one object per chunk
// ABOUTME: The young variant tracks the pending object the mutator is still initializing

package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/pagealloc"
	"github.com/prateek/gcheap/vmem"
)

// LargeObjectSpace allocates each object on its own chunk
type LargeObjectSpace struct {
	heap *Heap
	id   chunk.SpaceID

	mu      sync.Mutex
	pages   []*chunk.Chunk
	pending atomic.Uint64
}

func newLargeObjectSpace(h *Heap, id chunk.SpaceID) *LargeObjectSpace {
	return &LargeObjectSpace{heap: h, id: id}
}

func (s *LargeObjectSpace) Identity() chunk.SpaceID { return s.id }
func (s *LargeObjectSpace) String() string { return fmt.Sprintf("%s space", s.id) }

// InitializePage takes ownership of a fresh large page. Called with the
// space lock held.
func (s *LargeObjectSpace) InitializePage(c *chunk.Chunk) {
	c.SetOwner(s)
	c.SetFlag(chunk.NeverEvacuate)
	s.pages = append(s.pages, c)
}

func (s *LargeObjectSpace) allocate(size uint64) (vmem.Address, *chunk.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.heap.alloc.AllocateLargePage(s, size)
	if err != nil {
		return vmem.Null, nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	obj := c.AreaStart()
	c.IncreaseAllocatedBytes(size)
	c.UpdateHighWaterMark(obj + vmem.Address(size))
	if s.id == chunk.NewLargeObjectSpace {
		s.pending.Store(uint64(obj))
	}
	return obj, c, nil
}

// PendingObject returns the young large object being initialized, or Null
func (s *LargeObjectSpace) PendingObject() vmem.Address {
	return vmem.Address(s.pending.Load())
}

// ResetPendingObject publishes the pending object as initialized
func (s *LargeObjectSpace) ResetPendingObject() { s.pending.Store(0) }

// Pages returns a snapshot of the space's pages
func (s *LargeObjectSpace) Pages() []*chunk.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*chunk.Chunk(nil), s.pages...)
}

// AddPage takes ownership of a large page from another space
func (s *LargeObjectSpace) AddPage(c *chunk.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.SetSpace(s.id)
	c.SetOwner(s)
	s.pages = append(s.pages, c)
}

// RemovePage detaches c without freeing it
func (s *LargeObjectSpace) RemovePage(c *chunk.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vmem.Address(s.pending.Load()) == c.AreaStart() {
		s.pending.Store(0)
	}
	for i, p := range s.pages {
		if p == c {
			s.pages = append(s.pages[:i], s.pages[i+1:]...)
			return
		}
	}
}

// FreePage releases a dead large object's chunk
func (s *LargeObjectSpace) FreePage(c *chunk.Chunk) {
	s.RemovePage(c)
	s.heap.alloc.Free(pagealloc.FreePostpone, c)
}

// ShrinkPage gives back the tail of c after its object shrank to
// objectSize bytes.
func (s *LargeObjectSpace) ShrinkPage(c *chunk.Chunk, objectSize uint64) {
	layout := s.heap.alloc.Layout()
	newAreaEnd := vmem.Address(vmem.RoundUp(uint64(c.AreaStart())+objectSize, layout.CommitPageSize))
	startFree := newAreaEnd
	if c.IsExecutable() {
		startFree += vmem.Address(layout.GuardSize())
	}
	if startFree >= c.End() {
		return
	}
	s.heap.alloc.PartialFreeMemory(c, startFree, uint64(c.End()-startFree), newAreaEnd)
}

// Size returns the committed size of all large pages
func (s *LargeObjectSpace) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, p := range s.pages {
		n += p.Size()
	}
	return n
}
