// ABOUTME: Paged spaces with linear allocation areas, free lists and page management
// ABOUTME: Also publishes the original top/limit snapshot consulted by concurrent markers

package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/pagealloc"
	"github.com/prateek/gcheap/vmem"
)

// PagedSpace allocates objects on regular pages
type PagedSpace struct {
	heap *Heap
	id   chunk.SpaceID

	mu       sync.Mutex
	pages    []*chunk.Chunk
	freeList FreeList

	// Linear allocation area; mutator-owned, guarded by mu
	top, limit vmem.Address
	labPage    *chunk.Chunk

	// [originalTop, originalLimit) may hold objects still being initialized
	originalTop   atomic.Uint64
	originalLimit atomic.Uint64
}

func newPagedSpace(h *Heap, id chunk.SpaceID) *PagedSpace {
	return &PagedSpace{heap: h, id: id}
}

// Identity returns the space id
func (s *PagedSpace) Identity() chunk.SpaceID { return s.id }

// InitializePage formats a fresh page as one free range. Called by the page
// allocator with the space lock held.
func (s *PagedSpace) InitializePage(c *chunk.Chunk) {
	c.SetOwner(s)
	if s.id == chunk.CodeSpace {
		c.SetFlag(chunk.NeverEvacuate)
	}
	s.pages = append(s.pages, c)
	s.heap.writeFree(c, c.AreaStart(), c.AreaSize())
	s.freeList.Add(c, c.AreaStart(), c.AreaSize())
}

func (s *PagedSpace) String() string { return fmt.Sprintf("%s space", s.id) }

// Pages returns a snapshot of the space's pages
func (s *PagedSpace) Pages() []*chunk.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*chunk.Chunk(nil), s.pages...)
}

// FreeList returns the space's free list
func (s *PagedSpace) FreeList() *FreeList { return &s.freeList }

// allocate bump-allocates size bytes, refilling the linear allocation area
// from the free list or a new page.
func (s *PagedSpace) allocate(size uint64) (vmem.Address, *chunk.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.labPage == nil || uint64(s.limit-s.top) < size {
		if err := s.refillLAB(size); err != nil {
			return vmem.Null, nil, err
		}
	}
	obj := s.top
	s.top += vmem.Address(size)
	s.labPage.UpdateHighWaterMark(s.top)
	return obj, s.labPage, nil
}

func (s *PagedSpace) refillLAB(size uint64) error {
	s.retireLAB()
	addr, n, page, ok := s.freeList.Allocate(size)
	if !ok {
		if err := s.expand(); err != nil {
			return err
		}
		addr, n, page, ok = s.freeList.Allocate(size)
		if !ok {
			return fmt.Errorf("%w: %d bytes do not fit a %s page", ErrAllocationFailed, size, s.id)
		}
	}
	page.IncreaseAllocatedBytes(n)
	s.top, s.limit, s.labPage = addr, addr+vmem.Address(n), page
	s.originalLimit.Store(uint64(s.limit))
	s.originalTop.Store(uint64(s.top))
	return nil
}

func (s *PagedSpace) expand() error {
	mode := pagealloc.Regular
	if s.id == chunk.OldSpace || s.id == chunk.NewSpace {
		mode = pagealloc.UsePool
	}
	if _, err := s.heap.alloc.AllocatePage(mode, s); err != nil {
		return fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	return nil
}

// retireLAB returns the unused part of the linear allocation area to the
// free list.
func (s *PagedSpace) retireLAB() {
	if s.labPage == nil {
		return
	}
	if rest := uint64(s.limit - s.top); rest > 0 {
		s.heap.writeFree(s.labPage, s.top, rest)
		if s.freeList.Add(s.labPage, s.top, rest) == 0 {
			s.labPage.DecreaseAllocatedBytes(rest)
		}
	}
	s.top, s.limit, s.labPage = vmem.Null, vmem.Null, nil
	s.originalTop.Store(0)
	s.originalLimit.Store(0)
}

// FreeLinearAllocationArea retires the linear allocation area
func (s *PagedSpace) FreeLinearAllocationArea() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retireLAB()
}

// makeIterable formats the unused part of the linear allocation area and
// publishes every allocation made so far.
func (s *PagedSpace) makeIterable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labPage == nil {
		return
	}
	if s.top < s.limit {
		s.heap.writeFree(s.labPage, s.top, uint64(s.limit-s.top))
	}
	s.originalTop.Store(uint64(s.top))
}

// PublishAllocations marks every object below top as fully initialized
func (s *PagedSpace) PublishAllocations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labPage != nil {
		s.originalTop.Store(uint64(s.top))
	}
}

// IsInPendingAllocationArea reports whether obj lies in the part of the
// linear allocation area the mutator may still be initializing.
func (s *PagedSpace) IsInPendingAllocationArea(obj vmem.Address) bool {
	limit := s.originalLimit.Load()
	top := s.originalTop.Load()
	return uint64(obj) >= top && uint64(obj) < limit
}

// AddPage takes ownership of a page from another space
func (s *PagedSpace) AddPage(c *chunk.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.SetSpace(s.id)
	c.SetOwner(s)
	s.pages = append(s.pages, c)
}

// RemovePage detaches c from the space and drops its free list entries
func (s *PagedSpace) RemovePage(c *chunk.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labPage == c {
		s.retireLAB()
	}
	s.freeList.EvictPage(c)
	for i, p := range s.pages {
		if p == c {
			s.pages = append(s.pages[:i], s.pages[i+1:]...)
			return
		}
	}
}

// ReleasePage removes an empty page and returns it to the allocator
func (s *PagedSpace) ReleasePage(c *chunk.Chunk) {
	s.RemovePage(c)
	mode := pagealloc.FreePostpone
	if !c.IsExecutable() && s.id != chunk.TrustedSpace && s.heap.alloc.Layout().IsStandard(c.Size()) {
		mode = pagealloc.FreePool
	}
	s.heap.alloc.Free(mode, c)
}

// EvictFreeListItems drops the free list entries on c so nothing is
// allocated there, e.g. on an evacuation candidate.
func (s *PagedSpace) EvictFreeListItems(c *chunk.Chunk) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labPage == c {
		s.retireLAB()
	}
	return s.freeList.EvictPage(c)
}

// AddFreeRange formats [addr, addr+size) on c as free and lists it
func (s *PagedSpace) AddFreeRange(c *chunk.Chunk, addr vmem.Address, size uint64) uint64 {
	s.heap.writeFree(c, addr, size)
	return s.freeList.Add(c, addr, size)
}

// Size returns the object area of all pages
func (s *PagedSpace) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, p := range s.pages {
		n += p.AreaSize()
	}
	return n
}

// AllocatedBytes sums the allocation counters of all pages
func (s *PagedSpace) AllocatedBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, p := range s.pages {
		n += p.AllocatedBytes()
	}
	return n
}
