// ABOUTME: Bounded page allocator that carves aligned page runs out of one Region
// ABOUTME: Uses next-fit search so freed ranges are not handed out again immediately

package vmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prateek/gcheap/check"
)

// ErrNoSpace is returned when no free run of the requested size exists
var ErrNoSpace = errors.New("bounded page allocator exhausted")

// BoundedPageAllocator hands out page runs from a fixed Region. All sizes are
// multiples of the region's page size.
type BoundedPageAllocator struct {
	region *Region
	page   uint64

	mu        sync.Mutex
	used      []bool             // per page
	runs      map[Address]uint64 // allocation start -> size
	cursor    uint64             // next page index to try
	allocated uint64
}

// NewBoundedPageAllocator manages the whole of region
func NewBoundedPageAllocator(region *Region) *BoundedPageAllocator {
	return &BoundedPageAllocator{
		region: region,
		page:   region.PageSize(),
		used:   make([]bool, region.Size()/region.PageSize()),
		runs:   make(map[Address]uint64),
	}
}

// Region returns the backing region
func (a *BoundedPageAllocator) Region() *Region { return a.region }

// PageSize returns the allocation granularity
func (a *BoundedPageAllocator) PageSize() uint64 { return a.page }

// Allocated returns the bytes currently handed out
func (a *BoundedPageAllocator) Allocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// AllocatePages returns an inaccessible run of size bytes aligned to
// alignment. The search starts where the previous one ended.
func (a *BoundedPageAllocator) AllocatePages(size, alignment uint64) (Address, error) {
	size = RoundUp(size, a.page)
	if alignment < a.page {
		alignment = a.page
	}
	check.That(alignment%a.page == 0, "alignment %d not a multiple of page size %d", alignment, a.page)

	a.mu.Lock()
	defer a.mu.Unlock()

	pages := size / a.page
	total := uint64(len(a.used))
	if pages == 0 || pages > total {
		return Null, fmt.Errorf("%w: %d bytes", ErrNoSpace, size)
	}

	if start, ok := a.search(a.cursor, total, pages, alignment); ok {
		return a.take(start, pages), nil
	}
	if start, ok := a.search(0, a.cursor, pages, alignment); ok {
		return a.take(start, pages), nil
	}
	return Null, fmt.Errorf("%w: %d bytes", ErrNoSpace, size)
}

// search looks for a free aligned run starting in [from, to)
func (a *BoundedPageAllocator) search(from, to, pages, alignment uint64) (uint64, bool) {
	base := uint64(a.region.Base())
	total := uint64(len(a.used))
	first := (RoundUp(base+from*a.page, alignment) - base) / a.page
	step := alignment / a.page

	for start := first; start < to && start+pages <= total; start += step {
		free := true
		for i := start; i < start+pages; i++ {
			if a.used[i] {
				free = false
				break
			}
		}
		if free {
			return start, true
		}
	}
	return 0, false
}

func (a *BoundedPageAllocator) take(start, pages uint64) Address {
	for i := start; i < start+pages; i++ {
		a.used[i] = true
	}
	a.cursor = start + pages
	if a.cursor >= uint64(len(a.used)) {
		a.cursor = 0
	}
	addr := a.region.Base() + Address(start*a.page)
	a.runs[addr] = pages * a.page
	a.allocated += pages * a.page
	return addr
}

func (a *BoundedPageAllocator) untake(addr Address, size uint64) {
	first := uint64(addr-a.region.Base()) / a.page
	for i := first; i < first+size/a.page; i++ {
		a.used[i] = false
	}
	a.allocated -= size
}

// FreePages decommits and returns a run obtained from AllocatePages.
// Freeing a run that is not allocated is fatal.
func (a *BoundedPageAllocator) FreePages(addr Address, size uint64) error {
	a.mu.Lock()
	got, ok := a.runs[addr]
	if !ok {
		a.mu.Unlock()
		check.Fatalf("free of unallocated page run %#x", addr)
	}
	check.That(got == RoundUp(size, a.page), "free of %#x with size %d, allocated %d", addr, size, got)
	delete(a.runs, addr)
	a.untake(addr, got)
	a.mu.Unlock()

	return a.region.Decommit(addr, got)
}

// ReleasePages shrinks the run at addr from size to newSize bytes and
// decommits the tail.
func (a *BoundedPageAllocator) ReleasePages(addr Address, size, newSize uint64) error {
	newSize = RoundUp(newSize, a.page)
	a.mu.Lock()
	got, ok := a.runs[addr]
	if !ok || got != RoundUp(size, a.page) || newSize > got {
		a.mu.Unlock()
		check.Fatalf("bad page release %#x size %d to %d", addr, size, newSize)
	}
	if newSize == got {
		a.mu.Unlock()
		return nil
	}
	a.runs[addr] = newSize
	a.untake(addr+Address(newSize), got-newSize)
	a.mu.Unlock()

	return a.region.Decommit(addr+Address(newSize), got-newSize)
}

// SetPermissions changes the access mode of an allocated range
func (a *BoundedPageAllocator) SetPermissions(addr Address, size uint64, p Permission) error {
	return a.region.SetPermissions(addr, size, p)
}

// RecommitPages makes a previously decommitted range accessible again
func (a *BoundedPageAllocator) RecommitPages(addr Address, size uint64, p Permission) error {
	return a.region.SetPermissions(addr, size, p)
}

// DiscardSystemPages drops the physical backing of a range
func (a *BoundedPageAllocator) DiscardSystemPages(addr Address, size uint64) error {
	return a.region.DiscardSystemPages(addr, size)
}

// Contains reports whether addr lies in the managed region
func (a *BoundedPageAllocator) Contains(addr Address) bool {
	return a.region.Contains(addr)
}
