// ABOUTME: Sweeper: rebuilds free lists from mark bits once marking is over
// ABOUTME: Coalesces dead objects into free ranges, releases empty pages and frees dead large objects

package collector

import (
	"log/slog"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/config"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/vmem"
)

// SweepStats summarizes one sweep
type SweepStats struct {
	PagesSwept    int
	PagesReleased int
	LiveBytes     uint64
	FreedBytes    uint64
}

func (s *SweepStats) add(o SweepStats) {
	s.PagesSwept += o.PagesSwept
	s.PagesReleased += o.PagesReleased
	s.LiveBytes += o.LiveBytes
	s.FreedBytes += o.FreedBytes
}

// Sweeper turns unmarked memory back into free ranges. It runs at a
// safepoint, after marking finished and before the mutator resumes.
type Sweeper struct {
	heap   *heap.Heap
	cfg    config.Config
	logger *slog.Logger
}

// NewSweeper creates a sweeper for h
func NewSweeper(h *heap.Heap) *Sweeper {
	cfg := h.Config()
	return &Sweeper{heap: h, cfg: cfg, logger: cfg.EffectiveLogger().With("component", "sweeper")}
}

// SweepPage rebuilds the free list entries of c from its mark bits and
// clears them. Returns the live bytes and the new allocated byte count.
func (s *Sweeper) SweepPage(space *heap.PagedSpace, c *chunk.Chunk) (live, allocated uint64) {
	check.That(!c.IsLarge(), "%s: sweeping a large page as a regular one", c)
	check.That(!c.IsEvacuationCandidate(), "%s: sweeping an evacuation candidate", c)
	space.EvictFreeListItems(c)

	marks := c.MarkBits()
	var wasted uint64
	freeStart := c.AreaStart()
	s.heap.ForEachObjectOnPage(c, func(obj vmem.Address, kind heap.Kind, size uint64) {
		if kind.IsFree() || !marks.IsSet(obj) {
			return
		}
		if obj > freeStart {
			wasted += s.free(space, c, freeStart, obj)
		}
		freeStart = obj + vmem.Address(size)
		live += size
	})
	c.ResetHighWaterMark(freeStart)
	if end := c.AreaEnd(); freeStart < end {
		wasted += s.free(space, c, freeStart, end)
	}

	marks.ClearAll()
	c.SetLiveBytes(live)
	c.SetAllocatedBytes(live + wasted)
	return live, live + wasted
}

// free formats [start, end) as a free range and drops the slots recorded
// inside it. Returns the bytes too small to be listed.
func (s *Sweeper) free(space *heap.PagedSpace, c *chunk.Chunk, start, end vmem.Address) uint64 {
	c.OldToNew().RemoveRange(start, end)
	c.OldToOld().RemoveRange(start, end)
	c.TypedSlots().ClearInvalidRange(c.Offset(start), c.Offset(end))
	if s.cfg.ZapGarbage && !c.IsExecutable() {
		s.heap.Allocator().Zap(start, end)
	}
	wasted := space.AddFreeRange(c, start, uint64(end-start))
	if s.cfg.DiscardFreeMemory && !c.IsExecutable() {
		s.discard(c, start, end)
	}
	return wasted
}

// discard returns the whole OS pages inside a free range, keeping its header
func (s *Sweeper) discard(c *chunk.Chunk, start, end vmem.Address) {
	page := s.heap.Allocator().Layout().CommitPageSize
	from := vmem.Address(vmem.RoundUp(uint64(start)+heap.HeaderSize, page))
	to := vmem.Address(vmem.RoundDown(uint64(end), page))
	if from >= to {
		return
	}
	if err := c.Reservation().Allocator().DiscardSystemPages(from, uint64(to-from)); err != nil {
		s.logger.Debug("discarding free pages failed", "chunk", c, "err", err)
	}
}

// SweepPages sweeps pages of space and releases those left empty
func (s *Sweeper) SweepPages(space *heap.PagedSpace, pages []*chunk.Chunk) SweepStats {
	var stats SweepStats
	for _, c := range pages {
		before := c.AllocatedBytes()
		live, allocated := s.SweepPage(space, c)
		stats.PagesSwept++
		stats.LiveBytes += live
		if before > allocated {
			stats.FreedBytes += before - allocated
		}
		if live == 0 {
			space.ReleasePage(c)
			stats.PagesReleased++
		}
	}
	if s.cfg.TraceGC {
		s.logger.Debug("swept space", "space", space, "pages", stats.PagesSwept,
			"released", stats.PagesReleased, "live", stats.LiveBytes, "freed", stats.FreedBytes)
	}
	return stats
}

// SweepLargePages frees the pages of space whose object is unmarked
func (s *Sweeper) SweepLargePages(space *heap.LargeObjectSpace, pages []*chunk.Chunk) SweepStats {
	var stats SweepStats
	for _, c := range pages {
		stats.PagesSwept++
		obj := c.AreaStart()
		if c.HighWaterMark() > obj && c.MarkBits().IsSet(obj) {
			size := s.heap.ObjectSize(obj)
			c.MarkBits().ClearAll()
			c.SetLiveBytes(size)
			stats.LiveBytes += size
			continue
		}
		stats.FreedBytes += c.AllocatedBytes()
		space.FreePage(c)
		stats.PagesReleased++
	}
	return stats
}

// SweepAll sweeps every space of the heap
func (s *Sweeper) SweepAll() SweepStats {
	var stats SweepStats
	for _, space := range s.heap.PagedSpaces() {
		stats.add(s.SweepPages(space, space.Pages()))
	}
	for _, space := range s.heap.LargeSpaces() {
		stats.add(s.SweepLargePages(space, space.Pages()))
	}
	return stats
}
