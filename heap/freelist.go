// ABOUTME: Segregated free list of FreeSpace ranges for a paged space
// ABOUTME: Entries are bucketed by size class and can be evicted per page

package heap

import (
	"math/bits"
	"sync"

	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/vmem"
)

const (
	minFreeListEntry = 2 * WordSize
	numCategories    = 16
)

type freeEntry struct {
	addr vmem.Address
	size uint64
	page *chunk.Chunk
}

// FreeList keeps free ranges grouped by power-of-two size class. The
// ranges themselves are formatted as FreeSpace objects in the heap.
type FreeList struct {
	mu         sync.Mutex
	categories [numCategories][]freeEntry
	available  uint64
}

func category(size uint64) int {
	c := bits.Len64(size) - bits.Len64(minFreeListEntry)
	if c < 0 {
		return 0
	}
	if c >= numCategories {
		return numCategories - 1
	}
	return c
}

// Add returns [addr, addr+size) on page to the list. Ranges below the
// minimum entry size are wasted and reported as such.
func (f *FreeList) Add(page *chunk.Chunk, addr vmem.Address, size uint64) (wasted uint64) {
	if size < minFreeListEntry {
		return size
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := category(size)
	f.categories[c] = append(f.categories[c], freeEntry{addr: addr, size: size, page: page})
	f.available += size
	return 0
}

// Allocate removes an entry of at least size bytes
func (f *FreeList) Allocate(size uint64) (vmem.Address, uint64, *chunk.Chunk, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := category(size); c < numCategories; c++ {
		list := f.categories[c]
		for i := len(list) - 1; i >= 0; i-- {
			if e := list[i]; e.size >= size {
				list[i] = list[len(list)-1]
				f.categories[c] = list[:len(list)-1]
				f.available -= e.size
				return e.addr, e.size, e.page, true
			}
		}
	}
	return vmem.Null, 0, nil, false
}

// EvictPage removes all entries on page and returns their total size
func (f *FreeList) EvictPage(page *chunk.Chunk) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var evicted uint64
	for c := range f.categories {
		kept := f.categories[c][:0]
		for _, e := range f.categories[c] {
			if e.page == page {
				evicted += e.size
				continue
			}
			kept = append(kept, e)
		}
		f.categories[c] = kept
	}
	f.available -= evicted
	return evicted
}

// Reset empties the list
func (f *FreeList) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.categories {
		f.categories[c] = nil
	}
	f.available = 0
}

// Available returns the total size of all entries
func (f *FreeList) Available() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}
