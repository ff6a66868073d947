// ABOUTME: Collection cycle driver: starts concurrent marking and finishes it at a safepoint
// ABOUTME: Owns weak clearing, compaction, sweeping, promotion and the retry-after-GC allocation path

// Package collector runs full and young-generation garbage collection
// cycles on a heap.
//
// A cycle is started with StartMarking, which marks the roots on the
// calling goroutine and hands the rest of the marking to background
// workers. FinishCycle must be called at a safepoint: the mutator is
// stopped and no stack changes until it returns.
package collector

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/config"
	"github.com/prateek/gcheap/ept"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/marking"
	"github.com/prateek/gcheap/platform"
	"github.com/prateek/gcheap/stackscan"
	"github.com/prateek/gcheap/vmem"
)

var (
	// ErrOutOfMemory is returned by Allocate when a full collection did not
	// free enough memory
	ErrOutOfMemory = errors.New("heap out of memory")
	// ErrCycleInProgress is returned when a cycle is started twice
	ErrCycleInProgress = errors.New("collection cycle already in progress")
	// ErrNoCycle is returned when finishing or pausing without a cycle
	ErrNoCycle = errors.New("no collection cycle in progress")
)

// CycleStats describes one finished cycle
type CycleStats struct {
	Kind     marking.CollectionKind
	Duration time.Duration

	MarkedBytes uint64
	Sweep       SweepStats

	PagesEvacuated int
	PagesAborted   int
	PagesPinned    int
	ObjectsMoved   int
	BytesMoved     uint64
	PagesPromoted  int

	WeakRefsCleared     int
	EphemeronsCleared   int
	LiveExternalEntries int

	// Objects visited per kind
	KindCounts [heap.NumKinds]uint64
}

// Counters accumulate over the lifetime of a collector
type Counters struct {
	MajorCycles    int
	MinorCycles    int
	BytesMarked    uint64
	PagesCompacted int
	PagesFreed     int
	ExternalTable  ept.Counters
}

// Collector drives collection cycles of one heap
type Collector struct {
	heap     *heap.Heap
	cfg      config.Config
	logger   *slog.Logger
	marker   *marking.Marker
	sweeper  *Sweeper
	platform *platform.Platform

	mu         sync.Mutex
	inCycle    bool
	kind       marking.CollectionKind
	started    time.Time
	candidates []*chunk.Chunk
	minorDone  chan struct{}
	counters   Counters
}

// New creates a collector for h running background marking on p
func New(h *heap.Heap, p *platform.Platform) *Collector {
	cfg := h.Config()
	return &Collector{
		heap:     h,
		cfg:      cfg,
		logger:   cfg.EffectiveLogger().With("component", "collector"),
		marker:   marking.New(h, p),
		sweeper:  NewSweeper(h),
		platform: p,
	}
}

// Marker exposes the marker of the collector
func (c *Collector) Marker() *marking.Marker { return c.marker }

// InCycle reports whether marking was started and not yet finished
func (c *Collector) InCycle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inCycle
}

// StartMarking begins a cycle of the given kind. Roots are marked on the
// calling goroutine; the object graph is traced by background workers.
func (c *Collector) StartMarking(kind marking.CollectionKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inCycle {
		return fmt.Errorf("%w: %s", ErrCycleInProgress, c.kind)
	}
	h := c.heap
	c.started = time.Now()
	h.MakeIterable()
	h.ResetLABs()

	h.ForEachPage(func(p *chunk.Chunk) { p.ClearFlag(chunk.Pinned) })
	compacting := false
	if kind == marking.Major {
		c.selectCandidates()
		compacting = len(c.candidates) > 0
		h.ForEachPage(func(p *chunk.Chunk) { p.ClearLiveness() })
		h.ExternalSpace().StartCompactingIfNeeded()
		h.SetBlackAllocation(true)
	} else {
		h.ForEachPage(func(p *chunk.Chunk) {
			if p.IsYoung() {
				p.ClearLiveness()
			}
		})
	}

	done := make(chan struct{})
	c.minorDone = done
	c.marker.OnMinorMarkingDone(func() { close(done) })
	if err := c.marker.StartCycle(kind, compacting); err != nil {
		h.SetBlackAllocation(false)
		for _, p := range c.candidates {
			c.dropCandidate(p)
		}
		c.candidates = c.candidates[:0]
		return err
	}
	c.kind = kind
	c.inCycle = true

	c.markRoots()
	c.marker.TryScheduleJob(kind, platform.UserVisible)
	if c.cfg.TraceGC {
		c.logger.Info("marking started", "kind", kind, "candidates", len(c.candidates))
	}
	return nil
}

// markRoots marks precise roots and conservatively scanned stacks. Pages
// referenced from stacks are pinned.
func (c *Collector) markRoots() {
	c.heap.ForEachRoot(func(root *vmem.Address) {
		c.marker.MarkRoot(*root)
	})
	scope := stackscan.ScopeAll
	if c.kind == marking.Minor {
		scope = stackscan.ScopeYoung
	}
	sv := stackscan.New(c.heap, scope)
	c.heap.ForEachStack(func(s *heap.Stack) {
		sv.VisitStack(s, func(obj vmem.Address) {
			c.heap.ChunkOf(obj).SetFlag(chunk.Pinned)
			c.marker.MarkRoot(obj)
		})
	})
}

// Pause stops background marking. Minor cycles cannot be paused.
func (c *Collector) Pause() error {
	if !c.InCycle() {
		return ErrNoCycle
	}
	_, err := c.marker.Pause()
	return err
}

// Resume restarts background marking after Pause
func (c *Collector) Resume() error {
	if !c.InCycle() {
		return ErrNoCycle
	}
	c.marker.Resume()
	return nil
}

// MinorCompletionRequested is closed once background minor marking ran
// out of work. The driver should then call FinishCycle.
func (c *Collector) MinorCompletionRequested() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minorDone
}

// FinishCycle completes marking on the calling goroutine and reclaims
// memory. The mutator must be stopped.
func (c *Collector) FinishCycle() (CycleStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inCycle {
		return CycleStats{}, ErrNoCycle
	}
	h := c.heap
	m := c.marker
	stats := CycleStats{Kind: c.kind}

	m.Join()
	h.MakeIterable()
	c.markRoots()
	m.MergeOnHold()
	m.DrainMainThread()
	if c.kind == marking.Major {
		m.ProcessEphemeronsUntilFixpoint()
	}
	m.FlushMemoryChunkData()
	stats.KindCounts = m.FlushKindStats()
	stats.MarkedBytes = m.TotalMarkedBytes()
	m.EndCycle()
	h.SetBlackAllocation(false)

	if c.kind == marking.Major {
		ws := c.clearWeak()
		stats.WeakRefsCleared = ws.refsCleared
		stats.EphemeronsCleared = ws.ephemeronsCleared
		stats.LiveExternalEntries = h.ExternalSpace().SweepAndCompact()

		es := c.evacuate()
		stats.PagesEvacuated = es.pagesEvacuated
		stats.PagesAborted = es.pagesAborted
		stats.PagesPinned = es.pagesPinned
		stats.ObjectsMoved = es.objectsMoved
		stats.BytesMoved = es.bytesMoved

		h.ResetLABs()
		stats.Sweep = c.sweeper.SweepAll()
	} else {
		h.ResetLABs()
		stats.Sweep, stats.PagesPromoted = c.promote()
	}
	h.Allocator().ReleaseQueuedPages()

	stats.Duration = time.Since(c.started)
	c.record(stats)
	c.inCycle = false
	if c.cfg.TraceGC {
		c.logger.Info("cycle finished", "kind", stats.Kind, "duration", stats.Duration,
			"marked", stats.MarkedBytes, "freed", stats.Sweep.FreedBytes,
			"evacuated", stats.PagesEvacuated, "promoted", stats.PagesPromoted)
	}
	return stats, nil
}

// promote moves every young page to the old generation and sweeps it
func (c *Collector) promote() (SweepStats, int) {
	h := c.heap
	var stats SweepStats
	promoted := 0

	from, to := h.Paged(chunk.NewSpace), h.Paged(chunk.OldSpace)
	pages := from.Pages()
	for _, p := range pages {
		from.RemovePage(p)
		to.AddPage(p)
	}
	promoted += len(pages)
	stats.add(c.sweeper.SweepPages(to, pages))

	fromLO, toLO := h.Large(chunk.NewLargeObjectSpace), h.Large(chunk.LargeObjectSpace)
	large := fromLO.Pages()
	for _, p := range large {
		fromLO.RemovePage(p)
		toLO.AddPage(p)
	}
	promoted += len(large)
	stats.add(c.sweeper.SweepLargePages(toLO, large))

	// Nothing is young any more
	h.ForEachPage(func(p *chunk.Chunk) {
		p.OldToNew().Iterate(func(vmem.Address) chunk.SlotCallbackResult { return chunk.RemoveSlot })
	})
	return stats, promoted
}

func (c *Collector) record(s CycleStats) {
	if s.Kind == marking.Major {
		c.counters.MajorCycles++
	} else {
		c.counters.MinorCycles++
	}
	c.counters.BytesMarked += s.MarkedBytes
	c.counters.PagesCompacted += s.PagesEvacuated
	c.counters.PagesFreed += s.Sweep.PagesReleased + s.PagesEvacuated
}

// CollectGarbage runs a whole cycle of the given kind
func (c *Collector) CollectGarbage(kind marking.CollectionKind) (CycleStats, error) {
	if err := c.StartMarking(kind); err != nil {
		return CycleStats{}, err
	}
	return c.FinishCycle()
}

// Allocate creates an object, collecting garbage once when the heap is
// exhausted
func (c *Collector) Allocate(space chunk.SpaceID, kind heap.Kind, size uint64) (vmem.Address, error) {
	obj, err := c.heap.Allocate(space, kind, size)
	if err == nil || !errors.Is(err, heap.ErrAllocationFailed) || c.InCycle() {
		return obj, err
	}
	c.logger.Info("allocation failed, collecting garbage", "space", space, "kind", kind, "size", size)
	if _, gcErr := c.CollectGarbage(marking.Major); gcErr != nil {
		return vmem.Null, gcErr
	}
	obj, err = c.heap.Allocate(space, kind, size)
	if err != nil {
		return vmem.Null, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	return obj, nil
}

// Counters returns the lifetime counters
func (c *Collector) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.counters
	out.ExternalTable = c.heap.ExternalTable().Counters()
	return out
}
