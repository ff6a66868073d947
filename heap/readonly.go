// ABOUTME: Read-only space for immortal objects created while the heap is set up
// ABOUTME: Sealing maps its pages read-only; its objects stay marked in every cycle

package heap

import (
	"fmt"
	"sync"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/vmem"
)

// ReadOnlySpace bump-allocates objects that live as long as the heap.
// Its pages are not swept, evacuated or scanned: every object is marked
// when allocated and may only reference other read-only objects.
type ReadOnlySpace struct {
	heap *Heap

	mu     sync.Mutex
	pages  []*chunk.Chunk
	top    vmem.Address
	limit  vmem.Address
	sealed bool
}

func newReadOnlySpace(h *Heap) *ReadOnlySpace { return &ReadOnlySpace{heap: h} }

// Identity returns chunk.ReadOnlySpace
func (s *ReadOnlySpace) Identity() chunk.SpaceID { return chunk.ReadOnlySpace }

func (s *ReadOnlySpace) String() string { return "read_only space" }

// InitializePage takes ownership of a fresh read-only page
func (s *ReadOnlySpace) InitializePage(c *chunk.Chunk) {
	c.SetOwner(s)
	c.SetFlag(chunk.NeverEvacuate)
	s.pages = append(s.pages, c)
}

// Pages returns a snapshot of the space's pages
func (s *ReadOnlySpace) Pages() []*chunk.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*chunk.Chunk(nil), s.pages...)
}

// IsSealed reports whether Seal was called
func (s *ReadOnlySpace) IsSealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

func (s *ReadOnlySpace) allocate(size uint64) (vmem.Address, *chunk.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	check.That(!s.sealed, "allocation in the sealed read-only space")
	check.That(size <= s.heap.maxRegular, "read-only object of %d bytes does not fit a page", size)

	if len(s.pages) == 0 || uint64(s.limit-s.top) < size {
		c, err := s.heap.alloc.AllocateReadOnlyPage(s)
		if err != nil {
			return vmem.Null, nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
		}
		s.top, s.limit = c.AreaStart(), c.AreaEnd()
	}
	c := s.pages[len(s.pages)-1]
	obj := s.top
	s.top += vmem.Address(size)
	c.IncreaseAllocatedBytes(size)
	c.UpdateHighWaterMark(s.top)
	c.MarkBits().Set(obj)
	return obj, c, nil
}

// Seal maps every page read-only. Later allocations and writes are fatal.
func (s *ReadOnlySpace) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	for _, c := range s.pages {
		if err := s.heap.alloc.SealReadOnlyPage(c); err != nil {
			return fmt.Errorf("sealing %s: %w", c, err)
		}
	}
	s.sealed = true
	s.heap.logger.Debug("sealed read-only space", "pages", len(s.pages))
	return nil
}

func (s *ReadOnlySpace) tearDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.pages {
		s.heap.alloc.FreeReadOnlyPage(c)
	}
	s.pages = nil
	s.top, s.limit = vmem.Null, vmem.Null
}
