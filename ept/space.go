// ABOUTME: A space of the external pointer table: segments, freelist and compaction state
// ABOUTME: Sweeping rebuilds the freelist top to bottom and resolves evacuation entries

package ept

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/vmem"
)

const (
	// Freelist head while sweeping; any allocation is a bug
	poisonedFreelist = ^uint64(0)

	notCompacting  = ^uint32(0)
	compactAborted = uint32(1) << 31
)

func packFreelist(index, length uint32) uint64 { return uint64(length)<<32 | uint64(index) }
func unpackFreelist(v uint64) (uint32, uint32) { return uint32(v), uint32(v >> 32) }

// Counters accumulate compaction outcomes across sweeps
type Counters struct {
	Compactions        int
	AbortedCompactions int
	EvacuatedEntries   int
	FreedSegments      int
	LiveEntries        int
}

// Space is a set of segments with its own freelist. All entries of a heap
// object's external fields live in the same space.
type Space struct {
	table *Table

	mu       sync.Mutex
	segments []uint32 // sorted

	freelistHead          atomic.Uint64
	startOfEvacuationArea atomic.Uint32
	allocateBlack         atomic.Bool

	invalidatedMu sync.Mutex
	invalidated   map[vmem.Address]struct{}
}

// NewSpace creates an empty space backed by t
func (t *Table) NewSpace() *Space {
	s := &Space{table: t, invalidated: make(map[vmem.Address]struct{})}
	s.startOfEvacuationArea.Store(notCompacting)
	return s
}

// Capacity returns the number of entries in the space's segments
func (s *Space) Capacity() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.segments)) * s.table.segmentEntries
}

// FreelistLength returns the number of free entries
func (s *Space) FreelistLength() uint32 {
	head := s.freelistHead.Load()
	check.That(head != poisonedFreelist, "freelist read during sweep")
	_, n := unpackFreelist(head)
	return n
}

// Contains reports whether h refers to an entry of this space
func (s *Space) Contains(h Handle) bool {
	seg := indexOf(h) / s.table.segmentEntries
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i] >= seg })
	return i < len(s.segments) && s.segments[i] == seg
}

// SetAllocateBlack makes new entries start out marked. The heap enables it
// for the duration of major marking.
func (s *Space) SetAllocateBlack(on bool) { s.allocateBlack.Store(on) }

// AllocateAndInitializeEntry stores value in a fresh entry and returns its handle
func (s *Space) AllocateAndInitializeEntry(value uint64) (Handle, error) {
	check.That(value <= MaxValue, "external value %#x too large", value)
	t := s.table
	for {
		head := s.freelistHead.Load()
		check.That(head != poisonedFreelist, "entry allocation while the table is swept")
		index, length := unpackFreelist(head)
		if length == 0 {
			if err := s.grow(); err != nil {
				return NullHandle, err
			}
			continue
		}
		next := t.load(index).nextFreeIndex()
		if !s.freelistHead.CompareAndSwap(head, packFreelist(next, length-1)) {
			continue
		}
		t.store(index, externalEntry(value, s.allocateBlack.Load()))
		if index >= s.startOfEvacuationArea.Load() {
			// The new entry would have to be evacuated itself
			s.AbortCompacting()
		}
		return handleOf(index), nil
	}
}

func (s *Space) grow() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	head := s.freelistHead.Load()
	if _, length := unpackFreelist(head); length > 0 {
		return nil
	}
	seg, err := s.table.allocateSegment()
	if err != nil {
		return err
	}
	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i] > seg })
	s.segments = append(s.segments, 0)
	copy(s.segments[i+1:], s.segments[i:])
	s.segments[i] = seg

	t := s.table
	first := seg * t.segmentEntries
	last := first + t.segmentEntries - 1
	for i := first; i < last; i++ {
		t.store(i, freeEntry(i+1))
	}
	t.store(last, freeEntry(0))
	check.That(s.freelistHead.CompareAndSwap(head, packFreelist(first, t.segmentEntries)),
		"freelist changed while growing")
	return nil
}

// allocateEntryBelow pops the freelist head if its index is below threshold
func (s *Space) allocateEntryBelow(threshold uint32) (uint32, bool) {
	for {
		head := s.freelistHead.Load()
		check.That(head != poisonedFreelist, "entry allocation while the table is swept")
		index, length := unpackFreelist(head)
		if length == 0 || index >= threshold {
			return 0, false
		}
		next := s.table.load(index).nextFreeIndex()
		if s.freelistHead.CompareAndSwap(head, packFreelist(next, length-1)) {
			return index, true
		}
	}
}

// Mark marks the entry of h live. location is the address of the word that
// holds h; when h lies in the evacuation area an evacuation entry pointing
// at location is placed below it.
func (s *Space) Mark(h Handle, location vmem.Address) {
	t := s.table
	index := t.checkHandle(h)
	if index == 0 {
		return
	}
	for {
		old := t.load(index)
		if old.isMarked() {
			return
		}
		check.That(old.isExternal(), "marking entry %d that is not in use (%#x)", index, uint64(old))
		if t.cas(index, old, old.withMark()) {
			break
		}
	}

	start := s.startOfEvacuationArea.Load()
	if index < start {
		return
	}
	newIndex, ok := s.allocateEntryBelow(start)
	if !ok {
		s.AbortCompacting()
		return
	}
	t.store(newIndex, evacuationEntry(uint64(location)))
}

// StartCompactingIfNeeded selects the trailing segments for evacuation when
// the space is large and sparse enough
func (s *Space) StartCompactingIfNeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table
	if s.startOfEvacuationArea.Load() != notCompacting || len(s.segments) == 0 {
		return false
	}
	_, free := unpackFreelist(s.freelistHead.Load())
	total := uint32(len(s.segments)) * t.segmentEntries
	freeRatio := float64(free) / float64(total)
	toEvacuate := (free / 2) / t.segmentEntries
	largeEnough := uint64(total)*entrySize >= t.cfg.EPTMinCompactionBytes
	if freeRatio < t.cfg.EPTMinFreeRatio || toEvacuate < 1 || !largeEnough {
		return false
	}
	first := s.segments[len(s.segments)-int(toEvacuate)]
	s.startOfEvacuationArea.Store(first * t.segmentEntries)
	t.logger.Debug("compacting", "segments", len(s.segments), "evacuating", toEvacuate, "free", free)
	return true
}

// IsCompacting reports whether an evacuation area is set, aborted or not
func (s *Space) IsCompacting() bool {
	return s.startOfEvacuationArea.Load() != notCompacting
}

// CompactingWasAborted reports whether the current compaction was abandoned
func (s *Space) CompactingWasAborted() bool {
	start := s.startOfEvacuationArea.Load()
	return start != notCompacting && start&compactAborted != 0
}

// AbortCompacting keeps the evacuation area but stops further evacuation
// entries from being created
func (s *Space) AbortCompacting() {
	for {
		start := s.startOfEvacuationArea.Load()
		if start == notCompacting || start&compactAborted != 0 {
			return
		}
		if s.startOfEvacuationArea.CompareAndSwap(start, start|compactAborted) {
			return
		}
	}
}

// NotifyFieldInvalidated records that the word at location no longer holds
// the handle it held when it was marked
func (s *Space) NotifyFieldInvalidated(location vmem.Address) {
	if !s.IsCompacting() {
		return
	}
	s.invalidatedMu.Lock()
	s.invalidated[location] = struct{}{}
	s.invalidatedMu.Unlock()
}

func (s *Space) fieldWasInvalidated(location vmem.Address) bool {
	_, ok := s.invalidated[location]
	return ok
}

// SweepAndCompact frees unmarked entries, clears the marks of live ones and
// finishes a pending compaction. It must not run concurrently with
// allocation or marking. Returns the number of live entries.
func (s *Space) SweepAndCompact() int {
	t := s.table
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidatedMu.Lock()
	defer s.invalidatedMu.Unlock()

	s.freelistHead.Store(poisonedFreelist)

	start := s.startOfEvacuationArea.Load()
	compacting := start != notCompacting
	succeeded := false
	if compacting {
		if start&compactAborted != 0 {
			start &^= compactAborted
		} else {
			succeeded = true
		}
		s.startOfEvacuationArea.Store(notCompacting)
	}

	var head, length uint32
	addToFreelist := func(index uint32) {
		t.store(index, freeEntry(head))
		head = index
		length++
	}

	var (
		toFree    []uint32
		orphaned  []uint32
		evacuated int
	)
	for si := len(s.segments) - 1; si >= 0; si-- {
		seg := s.segments[si]
		first := seg * t.segmentEntries
		willBeEvacuated := succeeded && first >= start
		prevHead, prevLength := head, length

		for i := first + t.segmentEntries; i > first; i-- {
			index := i - 1
			e := t.load(index)
			switch {
			case e.isEvacuation():
				location := vmem.Address(e.payload())
				if s.fieldWasInvalidated(location) {
					addToFreelist(index)
					continue
				}
				oldIndex := s.resolveEvacuationEntry(index, location, start)
				evacuated++
				if !succeeded {
					// The evacuation area stays; its copy is dead now
					orphaned = append(orphaned, oldIndex)
				}
			case !e.isMarked():
				addToFreelist(index)
			default:
				t.store(index, e.withoutMark())
			}
		}

		empty := length-prevLength == t.segmentEntries
		if empty || willBeEvacuated {
			toFree = append(toFree, seg)
			head, length = prevHead, prevLength
		}
	}
	for _, index := range orphaned {
		addToFreelist(index)
	}

	for _, seg := range toFree {
		t.freeSegment(seg)
		i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i] >= seg })
		s.segments = append(s.segments[:i], s.segments[i+1:]...)
	}
	clear(s.invalidated)
	s.freelistHead.Store(packFreelist(head, length))

	live := int(uint32(len(s.segments))*t.segmentEntries - length)
	t.record(func(c *Counters) {
		if compacting {
			if succeeded {
				c.Compactions++
			} else {
				c.AbortedCompactions++
			}
		}
		c.EvacuatedEntries += evacuated
		c.FreedSegments += len(toFree)
		c.LiveEntries = live
	})
	if compacting {
		t.logger.Debug("swept", "live", live, "evacuated", evacuated, "freedSegments", len(toFree), "aborted", !succeeded)
	}
	return live
}

// resolveEvacuationEntry copies the entry the handle at location refers to
// into newIndex and rewrites the handle. Returns the old index.
func (s *Space) resolveEvacuationEntry(newIndex uint32, location vmem.Address, start uint32) uint32 {
	t := s.table
	oldHandle := Handle(t.mem.Load64(location))
	oldIndex := t.checkHandle(oldHandle)
	check.That(oldIndex >= start, "evacuated entry %d below evacuation area %d", oldIndex, start)
	old := t.load(oldIndex)
	check.That(old.isExternal() && !old.isMarked(),
		"evacuating entry %d in unexpected state %#x", oldIndex, uint64(old))
	t.store(newIndex, old.withoutMark())
	t.mem.Store64(location, uint64(handleOf(newIndex)))
	return oldIndex
}

// TearDown returns all segments to the table
func (s *Space) TearDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		s.table.freeSegment(seg)
	}
	s.segments = nil
	s.freelistHead.Store(0)
}

func (s *Space) String() string {
	return fmt.Sprintf("ept.Space{segments: %d, free: %d}", len(s.segments), s.FreelistLength())
}
