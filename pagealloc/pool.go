// ABOUTME: LIFO pool of freed standard-size data chunks
// ABOUTME: Pooled memory stays reserved so the next page allocation skips the OS

package pagealloc

import (
	"sync"

	"github.com/prateek/gcheap/vmem"
)

type pool struct {
	mu       sync.Mutex
	chunks   []vmem.Reservation
	capacity int
}

// add returns false when the pool is full
func (p *pool) add(res vmem.Reservation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capacity > 0 && len(p.chunks) >= p.capacity {
		return false
	}
	p.chunks = append(p.chunks, res)
	return true
}

func (p *pool) take() (vmem.Reservation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.chunks)
	if n == 0 {
		return vmem.Reservation{}, false
	}
	res := p.chunks[n-1]
	p.chunks = p.chunks[:n-1]
	return res, true
}

func (p *pool) drain() []vmem.Reservation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.chunks
	p.chunks = nil
	return out
}

func (p *pool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}
