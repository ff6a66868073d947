// ABOUTME: Tests for conservative pointer resolution on regular and large pages
// ABOUTME: Every interior address must resolve to its object; free space never does

package stackscan

import (
	"math/rand"
	"testing"

	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/config"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/vmem"
)

func newTestHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h, err := heap.New(config.ForTesting())
	if err != nil {
		t.Fatalf("heap.New failed: %v", err)
	}
	h.SetBootstrapped()
	t.Cleanup(h.TearDown)
	return h
}

// mustAlloc returns a function unwrapping an allocation result, failing t on error
func mustAlloc(t *testing.T) func(vmem.Address, error) vmem.Address {
	return func(obj vmem.Address, err error) vmem.Address {
		t.Helper()
		if err != nil {
			t.Fatalf("allocation failed: %v", err)
		}
		return obj
	}
}

func TestInnerPointerResolution(t *testing.T) {
	h := newTestHeap(t)
	rng := rand.New(rand.NewSource(42))
	objs := make([]vmem.Address, 500)
	for i := range objs {
		objs[i] = mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, rng.Intn(20)))
	}
	h.MakeIterable()
	// Marked objects give the walk a closer starting point
	for i := 0; i < len(objs); i += 7 {
		h.ChunkOf(objs[i]).MarkBits().Set(objs[i])
	}

	v := New(h, ScopeAll)
	for i, obj := range objs {
		size := h.ObjectSize(obj)
		for a := obj; a < obj+vmem.Address(size); a++ {
			got, ok := v.FindBasePtr(a)
			if !ok || got != obj {
				t.Fatalf("Expected %#x (object %d) to resolve to %#x, got %#x (%v)", a, i, obj, got, ok)
			}
		}
	}
}

func TestRejectedWords(t *testing.T) {
	h := newTestHeap(t)
	trimmed := mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, 8))
	old := mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, 1))
	young := mustAlloc(t)(h.NewFixedArray(chunk.NewSpace, 1))
	fromPage := mustAlloc(t)(h.NewFixedArray(chunk.NewSpace, 1))
	h.RightTrim(trimmed, 2)
	h.MakeIterable()
	c := h.ChunkOf(old)
	hwm := h.ChunkOf(old).HighWaterMark()

	tests := []struct {
		name  string
		scope Scope
		addr  vmem.Address
		want  vmem.Address
		found bool
	}{
		{name: "null", scope: ScopeAll, addr: 0},
		{name: "small integer", scope: ScopeAll, addr: vmem.Address(heap.Smi(1234))},
		{name: "chunk header", scope: ScopeAll, addr: c.Base() + 8},
		{name: "past the high water mark", scope: ScopeAll, addr: hwm + 64},
		{name: "trimmed tail", scope: ScopeAll, addr: trimmed + heap.HeaderSize + 3*heap.WordSize},
		{name: "trimmed head", scope: ScopeAll, addr: trimmed + heap.HeaderSize + 8, want: trimmed, found: true},
		{name: "old object", scope: ScopeAll, addr: old + 12, want: old, found: true},
		{name: "old object in young scope", scope: ScopeYoung, addr: old + 12},
		{name: "young object in young scope", scope: ScopeYoung, addr: young + 4, want: young, found: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := New(h, tt.scope).FindBasePtr(tt.addr)
			if ok != tt.found || got != tt.want {
				t.Errorf("Expected (%#x, %v), got (%#x, %v)", tt.want, tt.found, got, ok)
			}
		})
	}

	h.ChunkOf(fromPage).SetFlag(chunk.FromPage)
	if _, ok := New(h, ScopeAll).FindBasePtr(fromPage); ok {
		t.Errorf("Expected words into from-pages to be rejected")
	}
}

func TestLargeObjects(t *testing.T) {
	h := newTestHeap(t)
	n := int(h.MaxRegularObjectSize()/heap.WordSize) + 16
	big := mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, n))
	h.MakeIterable()
	c := h.ChunkOf(big)
	if !c.IsLarge() {
		t.Fatalf("Expected %d element array on a large page", n)
	}

	v := New(h, ScopeAll)
	size := h.ObjectSize(big)
	for _, off := range []uint64{0, 8, size / 2, size - 1} {
		if got, ok := v.FindBasePtr(big + vmem.Address(off)); !ok || got != big {
			t.Errorf("Expected offset %d to resolve to %#x, got %#x (%v)", off, big, got, ok)
		}
	}
	if _, ok := v.FindBasePtr(big + vmem.Address(size)); ok {
		t.Errorf("Expected the end of the object not to resolve")
	}
	if _, ok := New(h, ScopeYoung).FindBasePtr(big); ok {
		t.Errorf("Expected old large object to be out of young scope")
	}
}

func TestVisitStack(t *testing.T) {
	h := newTestHeap(t)
	a := mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, 4))
	b := mustAlloc(t)(h.NewByteArray(chunk.NewSpace, 64))
	h.MakeIterable()

	s := h.RegisterStack(6)
	s.Words[0] = uint64(a) + 20
	s.Words[1] = 0xdeadbeef
	s.Words[2] = heap.Smi(99)
	s.Words[3] = uint64(b)
	s.Words[4] = uint64(b) + 40
	s.Words[5] = 1 << 62

	var found []vmem.Address
	New(h, ScopeAll).VisitStack(s, func(obj vmem.Address) { found = append(found, obj) })
	want := []vmem.Address{a, b, b}
	if len(found) != len(want) {
		t.Fatalf("Expected %d roots, got %d (%v)", len(want), len(found), found)
	}
	for i := range want {
		if found[i] != want[i] {
			t.Errorf("Expected root %d to be %#x, got %#x", i, want[i], found[i])
		}
	}

	var young []vmem.Address
	New(h, ScopeYoung).VisitStack(s, func(obj vmem.Address) { young = append(young, obj) })
	if len(young) != 2 {
		t.Errorf("Expected only the young object from a young scan, got %v", young)
	}
}
