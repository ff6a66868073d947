// ABOUTME: Worklist of chunks whose old-to-new slots are roots of a minor cycle
// ABOUTME: Tasks claim chunks with an atomic cursor and mark the young objects the slots hold

package marking

import (
	"sync/atomic"

	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/vmem"
)

type rememberedSetWorklist struct {
	chunks []*chunk.Chunk
	next   atomic.Int64
}

func newRememberedSetWorklist(h *heap.Heap) *rememberedSetWorklist {
	r := &rememberedSetWorklist{}
	h.ForEachPage(func(c *chunk.Chunk) {
		if !c.IsYoung() && !c.OldToNew().IsEmpty() {
			r.chunks = append(r.chunks, c)
		}
	})
	return r
}

// remaining returns the number of unclaimed chunks
func (r *rememberedSetWorklist) remaining() int {
	return max(0, len(r.chunks)-int(r.next.Load()))
}

// ProcessNextItem claims one chunk and passes every old-to-new slot value to
// mark. Slots no longer holding a young object are dropped. Returns false
// once every chunk is claimed.
func (r *rememberedSetWorklist) ProcessNextItem(h *heap.Heap, mark func(value uint64)) bool {
	i := r.next.Add(1) - 1
	if i >= int64(len(r.chunks)) {
		return false
	}
	r.chunks[i].OldToNew().Iterate(func(slot vmem.Address) chunk.SlotCallbackResult {
		value := h.Load64(slot)
		if !heap.IsObject(value) || !h.IsYoung(vmem.Address(value)) {
			return chunk.RemoveSlot
		}
		mark(value)
		return chunk.KeepSlot
	})
	return true
}
