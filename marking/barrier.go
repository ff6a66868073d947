// ABOUTME: Insertion write barrier keeping concurrent marking sound under mutation
// ABOUTME: Stores into marked hosts mark the stored object; minor marking marks young values

package marking

import (
	"sync"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/vmem"
)

// barrier is shared by all mutator threads. Weak and ephemeron stores are
// treated as strong for the rest of the cycle.
type barrier struct {
	m          *Marker
	kind       CollectionKind
	compacting bool

	mu    sync.Mutex
	local *LocalWorklists
}

func newBarrier(m *Marker) *barrier {
	return &barrier{m: m, kind: m.kind, compacting: m.compacting, local: m.worklists.Local()}
}

func (b *barrier) RecordWrite(host, slot vmem.Address, value uint64) {
	h := b.m.heap
	obj := vmem.Address(value)
	vc := h.ChunkOf(obj)
	check.That(vc != nil && vc.Contains(obj), "storing %#x from outside the heap into %#x", value, slot)

	if b.kind == Minor {
		if vc.IsYoung() && vc.MarkBits().Set(obj) {
			b.push(obj)
		}
		return
	}

	hc := h.ChunkOf(host)
	if !hc.MarkBits().IsSet(host) {
		// Visited later, or dead
		return
	}
	if vc.MarkBits().Set(obj) {
		b.push(obj)
	}
	if b.compacting && vc.IsEvacuationCandidate() && !hc.IsEvacuationCandidate() {
		if h.KindOf(host) == heap.KindCode {
			hc.TypedSlots().Insert(chunk.EmbeddedObjectSlot, hc.Offset(slot))
		} else {
			hc.OldToOld().Insert(slot)
		}
	}
}

func (b *barrier) push(obj vmem.Address) {
	b.mu.Lock()
	b.local.Push(obj)
	b.mu.Unlock()
}

func (b *barrier) publish() {
	b.mu.Lock()
	b.local.Publish()
	b.mu.Unlock()
}
