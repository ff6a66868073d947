// ABOUTME: Registry of executable code areas handed to the write-protection layer
// ABOUTME: A chunk must drop its jit page before its memory can be released

package pagealloc

import (
	"sync"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/vmem"
)

type jitPages struct {
	mu    sync.Mutex
	pages map[vmem.Address]uint64
}

func newJitPages() *jitPages {
	return &jitPages{pages: make(map[vmem.Address]uint64)}
}

func (j *jitPages) register(addr vmem.Address, size uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, dup := j.pages[addr]
	check.That(!dup, "jit page %#x registered twice", addr)
	j.pages[addr] = size
}

func (j *jitPages) unregister(addr vmem.Address) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.pages[addr]
	check.That(ok, "jit page %#x not registered", addr)
	delete(j.pages, addr)
}

func (j *jitPages) resize(addr vmem.Address, size uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pages[addr] = size
}

func (j *jitPages) registered(addr vmem.Address) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.pages[addr]
	return ok
}
