// ABOUTME: Tests for chunk metadata, mark bitmaps and remembered sets
// ABOUTME: Chunks are built over real reservations from a small region

package chunk

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/vmem"
)

const testChunkSize = 256 << 10

func newTestChunk(t *testing.T, space SpaceID) *Chunk {
	t.Helper()
	region, err := vmem.Reserve(4*testChunkSize, testChunkSize)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	t.Cleanup(func() { _ = region.Free() })

	alloc := vmem.NewBoundedPageAllocator(region)
	res, err := vmem.NewReservation(alloc, testChunkSize, testChunkSize)
	if err != nil {
		t.Fatalf("NewReservation failed: %v", err)
	}
	layout := NewLayout(testChunkSize, region.PageSize())
	start := res.Address() + vmem.Address(layout.ObjectStartOffset(false))
	return New(res, start, res.End(), space, 0)
}

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); !check.IsViolation(r) {
			t.Errorf("Expected fatal violation, got %v", r)
		}
	}()
	fn()
}

func TestLayout(t *testing.T) {
	l := NewLayout(testChunkSize, 4096)
	tests := []struct {
		name       string
		executable bool
		start      uint64
		area       uint64
	}{
		{"data", false, 4096, testChunkSize - 4096},
		{"code", true, 8192, testChunkSize - 3*4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := l.ObjectStartOffset(tt.executable); got != tt.start {
				t.Errorf("Expected start offset %d, got %d", tt.start, got)
			}
			if got := l.AllocatableMemory(tt.executable); got != tt.area {
				t.Errorf("Expected area %d, got %d", tt.area, got)
			}
			if got := l.ChunkSizeFor(tt.area, tt.executable); got != testChunkSize {
				t.Errorf("Expected regular chunk size, got %d", got)
			}
		})
	}
	if got := l.ChunkSizeFor(100, true); got != 4*4096 {
		t.Errorf("Expected small code chunk of 4 pages, got %d", got)
	}
}

func TestContainsBounds(t *testing.T) {
	c := newTestChunk(t, OldSpace)
	if c.Contains(c.AreaStart() - 8) {
		t.Error("header must not be part of the area")
	}
	if !c.Contains(c.AreaStart()) {
		t.Error("area start must be contained")
	}
	if c.Contains(c.AreaEnd()) {
		t.Error("area end must not be contained")
	}
	if !c.ContainsLimit(c.AreaEnd()) {
		t.Error("area end must be within limit")
	}
	if BaseOf(c.AreaEnd()-8, testChunkSize) != c.Base() {
		t.Error("inner pointer must resolve to the chunk base")
	}
}

func TestAllocatedBytesChecked(t *testing.T) {
	c := newTestChunk(t, OldSpace)
	c.IncreaseAllocatedBytes(64)
	c.DecreaseAllocatedBytes(32)
	if c.AllocatedBytes() != 32 {
		t.Errorf("Expected 32, got %d", c.AllocatedBytes())
	}
	expectViolation(t, func() { c.DecreaseAllocatedBytes(64) })

	c2 := newTestChunk(t, OldSpace)
	expectViolation(t, func() { c2.IncreaseAllocatedBytes(c2.AreaSize() + 8) })
}

func TestHighWaterMarkMonotonic(t *testing.T) {
	c := newTestChunk(t, OldSpace)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.UpdateHighWaterMark(c.AreaStart() + vmem.Address((i*1000+j)*8))
			}
		}(i)
	}
	wg.Wait()
	want := c.AreaStart() + vmem.Address(7999*8)
	if c.HighWaterMark() != want {
		t.Errorf("Expected %#x, got %#x", want, c.HighWaterMark())
	}
	c.UpdateHighWaterMark(c.AreaStart())
	if c.HighWaterMark() != want {
		t.Error("high water mark must never decrease")
	}
}

func TestSpaceFlags(t *testing.T) {
	c := newTestChunk(t, NewSpace)
	if !c.IsYoung() {
		t.Error("new space chunk should be young")
	}
	c.SetSpace(OldSpace)
	if c.IsYoung() {
		t.Error("promoted chunk should not be young")
	}
	c.SetFlag(EvacuationCandidate | Pinned)
	if !c.IsEvacuationCandidate() || !c.IsFlagSet(Pinned) {
		t.Errorf("Expected flags set, got %s", c.Flags())
	}
	c.ClearFlag(EvacuationCandidate)
	if c.IsEvacuationCandidate() {
		t.Error("flag should be cleared")
	}
}

func TestBitmapSetOnce(t *testing.T) {
	c := newTestChunk(t, OldSpace)
	b := c.MarkBits()
	addr := c.AreaStart() + 64

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Set(addr) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners)
	}
	if !b.IsSet(addr) || b.IsSet(addr+8) {
		t.Error("only the set word should be marked")
	}
}

func TestBitmapFindPreviousSet(t *testing.T) {
	c := newTestChunk(t, OldSpace)
	b := c.MarkBits()
	rng := rand.New(rand.NewSource(42))

	var marked []vmem.Address
	for a := c.AreaStart(); a < c.AreaStart()+64*1024; a += vmem.Address(8 * (1 + rng.Intn(200))) {
		b.Set(a)
		marked = append(marked, a)
	}

	for i := 0; i < 1000; i++ {
		query := c.AreaStart() + vmem.Address(8*rng.Intn(64*1024/8))
		var want vmem.Address
		for _, m := range marked {
			if m <= query {
				want = m
			}
		}
		got, ok := b.FindPreviousSet(query)
		if !ok || got != want {
			t.Fatalf("FindPreviousSet(%#x): expected %#x, got %#x (ok=%v)", query, want, got, ok)
		}
	}

	if _, ok := b.FindPreviousSet(c.AreaStart() - 8); ok {
		t.Error("nothing is marked in the header")
	}

	count := 0
	b.ForEachSet(c.AreaStart(), c.AreaEnd(), func(vmem.Address) { count++ })
	if count != len(marked) || b.Count() != len(marked) {
		t.Errorf("Expected %d marked, got %d / %d", len(marked), count, b.Count())
	}

	b.ClearRange(c.AreaStart(), c.AreaStart()+32*1024)
	for _, m := range marked {
		if m < c.AreaStart()+32*1024 && b.IsSet(m) {
			t.Fatalf("Expected %#x cleared", m)
		}
		if m >= c.AreaStart()+32*1024 && !b.IsSet(m) {
			t.Fatalf("Expected %#x still set", m)
		}
	}
}

func TestSlotSet(t *testing.T) {
	c := newTestChunk(t, OldSpace)
	s := c.OldToNew()
	if !s.IsEmpty() {
		t.Fatal("new slot set should be empty")
	}

	slots := []vmem.Address{c.AreaStart(), c.AreaStart() + 8, c.AreaStart() + 100*1024, c.AreaEnd() - 8}
	for _, slot := range slots {
		s.Insert(slot)
		s.Insert(slot)
	}
	if s.Count() != len(slots) {
		t.Errorf("Expected %d slots, got %d", len(slots), s.Count())
	}

	s.RemoveRange(c.AreaStart()+8, c.AreaStart()+200*1024)
	if s.Contains(slots[1]) || s.Contains(slots[2]) {
		t.Error("range removal should drop inner slots")
	}
	if !s.Contains(slots[0]) || !s.Contains(slots[3]) {
		t.Error("range removal should keep outer slots")
	}

	kept := s.Iterate(func(slot vmem.Address) SlotCallbackResult {
		if slot == slots[0] {
			return RemoveSlot
		}
		return KeepSlot
	})
	if kept != 1 || s.Count() != 1 || !s.Contains(slots[3]) {
		t.Errorf("Expected only last slot kept, kept=%d count=%d", kept, s.Count())
	}
}

func TestTypedSlots(t *testing.T) {
	c := newTestChunk(t, CodeSpace)
	ts := c.TypedSlots()
	ts.Insert(CodeTargetSlot, 4096)
	ts.Insert(EmbeddedObjectSlot, 8192)

	var other TypedSlots
	other.Insert(CodeTargetSlot, 12288)
	ts.Merge(&other)
	if ts.Len() != 3 || !other.IsEmpty() {
		t.Fatalf("Expected merged slots, got %d / %d", ts.Len(), other.Len())
	}

	ts.ClearInvalidRange(8000, 9000)
	var seen []vmem.Address
	ts.Iterate(c.Base(), func(_ SlotType, a vmem.Address) SlotCallbackResult {
		seen = append(seen, a)
		return KeepSlot
	})
	if len(seen) != 2 || seen[0] != c.Base()+4096 || seen[1] != c.Base()+12288 {
		t.Errorf("Unexpected slots %v", seen)
	}
}
