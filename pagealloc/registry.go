// ABOUTME: Registry of live chunks for inner-pointer lookup
// ABOUTME: Normal pages are keyed by aligned base; large pages are kept sorted by address

package pagealloc

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/vmem"
)

// registry is guarded by its own mutex and only mutated when chunks are
// created or destroyed.
type registry struct {
	mu     sync.Mutex
	normal map[vmem.Address]*chunk.Chunk
	large  []*chunk.Chunk // sorted by base
}

func newRegistry() *registry {
	return &registry{normal: make(map[vmem.Address]*chunk.Chunk)}
}

func (r *registry) insert(c *chunk.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !c.IsLarge() {
		_, dup := r.normal[c.Base()]
		check.That(!dup, "registry double insert of %s", c)
		r.normal[c.Base()] = c
		return
	}
	i := sort.Search(len(r.large), func(i int) bool { return r.large[i].Base() >= c.Base() })
	check.That(i == len(r.large) || r.large[i].Base() != c.Base(), "registry double insert of %s", c)
	r.large = append(r.large, nil)
	copy(r.large[i+1:], r.large[i:])
	r.large[i] = c
}

func (r *registry) erase(c *chunk.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !c.IsLarge() {
		got, ok := r.normal[c.Base()]
		check.That(ok && got == c, "registry double erase of %s", c)
		delete(r.normal, c.Base())
		return
	}
	i := sort.Search(len(r.large), func(i int) bool { return r.large[i].Base() >= c.Base() })
	check.That(i < len(r.large) && r.large[i] == c, "registry double erase of %s", c)
	r.large = append(r.large[:i], r.large[i+1:]...)
}

func (r *registry) lookup(addr vmem.Address, chunkSize uint64) *chunk.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.normal[chunk.BaseOf(addr, chunkSize)]; ok {
		return c
	}
	// Last large page starting at or below addr
	i := sort.Search(len(r.large), func(i int) bool { return r.large[i].Base() > addr })
	if i == 0 {
		return nil
	}
	if c := r.large[i-1]; addr < c.End() {
		return c
	}
	return nil
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.normal) + len(r.large)
}

func (r *registry) all() []*chunk.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*chunk.Chunk, 0, len(r.normal)+len(r.large))
	for _, c := range r.normal {
		out = append(out, c)
	}
	return append(out, r.large...)
}

// chunkTable maps every chunk-size unit of a region to the chunk covering
// it, for lock-free lookups from object addresses.
type chunkTable struct {
	region *vmem.Region
	shift  uint
	slots  []atomic.Pointer[chunk.Chunk]
}

func newChunkTable(region *vmem.Region, chunkSize uint64) *chunkTable {
	shift := uint(0)
	for uint64(1)<<shift < chunkSize {
		shift++
	}
	return &chunkTable{
		region: region,
		shift:  shift,
		slots:  make([]atomic.Pointer[chunk.Chunk], (region.Size()+chunkSize-1)>>shift),
	}
}

func (t *chunkTable) set(start, end vmem.Address, c *chunk.Chunk) {
	for i := uint64(start-t.region.Base()) >> t.shift; i < uint64(len(t.slots)); i++ {
		if t.region.Base()+vmem.Address(i<<t.shift) >= end {
			break
		}
		t.slots[i].Store(c)
	}
}

func (t *chunkTable) get(addr vmem.Address) *chunk.Chunk {
	return t.slots[uint64(addr-t.region.Base())>>t.shift].Load()
}
