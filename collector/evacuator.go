// ABOUTME: Evacuates live objects off compaction candidates and updates every recorded pointer
// ABOUTME: Pages that cannot be emptied are restored in place and swept like any other page

package collector

import (
	"sort"

	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/marking"
	"github.com/prateek/gcheap/vmem"
)

type evacuationStats struct {
	pagesEvacuated int
	pagesAborted   int
	pagesPinned    int
	objectsMoved   int
	bytesMoved     uint64
}

type movedObject struct {
	from, to vmem.Address
	size     uint64
}

// selectCandidates flags sparsely used old pages for evacuation, emptiest
// first, and stops allocation on them
func (c *Collector) selectCandidates() {
	c.candidates = c.candidates[:0]
	if c.cfg.MaxEvacuationCandidates <= 0 {
		return
	}
	var pages []*chunk.Chunk
	for _, id := range []chunk.SpaceID{chunk.OldSpace, chunk.TrustedSpace} {
		space := c.heap.Paged(id)
		if space == nil {
			continue
		}
		for _, p := range space.Pages() {
			if p.IsFlagSet(chunk.NeverEvacuate | chunk.Pinned) {
				continue
			}
			if float64(p.AllocatedBytes()) < c.cfg.EvacuationLiveRatio*float64(p.AreaSize()) {
				pages = append(pages, p)
			}
		}
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].AllocatedBytes() < pages[j].AllocatedBytes() })
	if len(pages) > c.cfg.MaxEvacuationCandidates {
		pages = pages[:c.cfg.MaxEvacuationCandidates]
	}
	for _, p := range pages {
		p.SetFlag(chunk.EvacuationCandidate)
		p.Owner().(*heap.PagedSpace).EvictFreeListItems(p)
		c.candidates = append(c.candidates, p)
	}
}

// dropCandidate turns p back into a regular page that is swept in place
func (c *Collector) dropCandidate(p *chunk.Chunk) {
	p.ClearFlag(chunk.EvacuationCandidate)
}

// evacuate moves the marked objects of every candidate and rewrites the
// pointers to them. Candidates that were emptied are released.
func (c *Collector) evacuate() evacuationStats {
	var stats evacuationStats
	h := c.heap
	state := marking.NewState(h)
	var moved []movedObject
	var emptied, kept []*chunk.Chunk

	for _, p := range c.candidates {
		if p.IsFlagSet(chunk.Pinned) {
			c.dropCandidate(p)
			kept = append(kept, p)
			stats.pagesPinned++
			continue
		}
		space := p.Owner().(*heap.PagedSpace)
		var onPage []movedObject
		ok := true
		h.ForEachObjectOnPage(p, func(obj vmem.Address, kind heap.Kind, size uint64) {
			if !ok || kind.IsFree() || !state.IsMarked(obj) {
				return
			}
			to, tc, err := h.AllocateRaw(space.Identity(), size)
			if err != nil {
				c.logger.Warn("evacuation aborted", "page", p, "err", err)
				ok = false
				return
			}
			h.CopyObject(to, obj, size)
			tc.MarkBits().Set(to)
			tc.IncrementLiveBytesAtomically(int64(size))
			h.SetForwarding(obj, to)
			onPage = append(onPage, movedObject{from: obj, to: to, size: size})
		})
		if !ok {
			c.restore(onPage)
			c.dropCandidate(p)
			kept = append(kept, p)
			stats.pagesAborted++
			continue
		}
		moved = append(moved, onPage...)
		emptied = append(emptied, p)
		stats.pagesEvacuated++
		stats.objectsMoved += len(onPage)
		for _, m := range onPage {
			stats.bytesMoved += m.size
		}
	}

	c.updatePointers(moved, kept)
	for _, p := range emptied {
		p.Owner().(*heap.PagedSpace).ReleasePage(p)
	}
	c.candidates = c.candidates[:0]
	return stats
}

// restore undoes the moves of an aborted page. The copies become garbage.
func (c *Collector) restore(onPage []movedObject) {
	h := c.heap
	for _, m := range onPage {
		h.CopyObject(m.from, m.to, heap.WordSize)
		tc := h.ChunkOf(m.to)
		tc.MarkBits().Clear(m.to)
		tc.IncrementLiveBytesAtomically(-int64(m.size))
	}
}

func (c *Collector) forward(value uint64) (uint64, bool) {
	if !heap.IsObject(value) {
		return value, false
	}
	obj := vmem.Address(value)
	oc := c.heap.ChunkOf(obj)
	if oc == nil || !oc.IsEvacuationCandidate() || !c.heap.IsForwarded(obj) {
		return value, false
	}
	return uint64(c.heap.ForwardingAddress(obj)), true
}

func (c *Collector) updateSlot(slot vmem.Address) {
	if v, ok := c.forward(c.heap.Load64(slot)); ok {
		c.heap.UpdateSlot(slot, v)
	}
}

// updatePointers rewrites roots, recorded slots and the fields of moved
// objects to the new locations. Slots on kept candidates were never
// recorded, so their live objects are scanned in full.
func (c *Collector) updatePointers(moved []movedObject, kept []*chunk.Chunk) {
	h := c.heap
	state := marking.NewState(h)
	h.ForEachRoot(func(root *vmem.Address) {
		if v, ok := c.forward(uint64(*root)); ok {
			*root = vmem.Address(v)
		}
	})

	h.ForEachPage(func(p *chunk.Chunk) {
		if p.IsEvacuationCandidate() {
			return
		}
		p.OldToOld().Iterate(func(slot vmem.Address) chunk.SlotCallbackResult {
			c.updateSlot(slot)
			return chunk.RemoveSlot
		})
		p.TypedSlots().Iterate(p.Base(), func(_ chunk.SlotType, slot vmem.Address) chunk.SlotCallbackResult {
			c.updateSlot(slot)
			return chunk.RemoveSlot
		})
	})

	for _, m := range moved {
		tc := h.ChunkOf(m.to)
		h.ForEachSlot(m.to, func(slot vmem.Address, kind heap.SlotKind) {
			if kind == heap.SlotExternal {
				return
			}
			c.updateSlot(slot)
			if v := h.Load64(slot); heap.IsObject(v) && !tc.IsYoung() && h.IsYoung(vmem.Address(v)) {
				tc.OldToNew().Insert(slot)
			}
		})
	}

	for _, p := range kept {
		h.ForEachObjectOnPage(p, func(obj vmem.Address, kind heap.Kind, _ uint64) {
			if kind.IsFree() || !state.IsMarked(obj) {
				return
			}
			h.ForEachSlot(obj, func(slot vmem.Address, sk heap.SlotKind) {
				if sk != heap.SlotExternal {
					c.updateSlot(slot)
				}
			})
		})
	}
}
