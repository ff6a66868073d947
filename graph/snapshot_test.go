// ABOUTME: Tests for heap snapshots and their agreement with a real collection
// ABOUTME: Snapshot liveness serves as an oracle for the concurrent marker

package graph

import (
	"math/rand"
	"testing"

	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/collector"
	"github.com/prateek/gcheap/config"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/marking"
	"github.com/prateek/gcheap/platform"
	"github.com/prateek/gcheap/vmem"
)

func newTestHeap(t *testing.T) *heap.Heap {
	t.Helper()
	cfg := config.ForTesting()
	cfg.MaxEvacuationCandidates = 0
	h, err := heap.New(cfg)
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

func TestSnapshotEdges(t *testing.T) {
	h := newTestHeap(t)
	leaf := mustAlloc(t)(h.NewByteArray(chunk.OldSpace, 10))
	key := mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, 1))
	value := mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, 1))
	smiValue := mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, 1))
	table := mustAlloc(t)(h.NewEphemeronTable(chunk.OldSpace, 2))
	h.SetEphemeron(table, 0, uint64(key), uint64(value))
	h.SetEphemeron(table, 1, heap.Smi(7), uint64(smiValue))
	weak := mustAlloc(t)(h.NewWeakRef(chunk.OldSpace, leaf))
	root := mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, 3))
	h.Set(root, 0, uint64(table))
	h.Set(root, 1, uint64(weak))
	h.Set(root, 2, heap.Smi(1))
	h.Handles().New(root)

	g := Snapshot(h)
	if g.NumObjects() != 7 {
		t.Fatalf("Expected 7 objects, got %d", g.NumObjects())
	}
	if roots := g.GetRoots().IDs; len(roots) != 1 || roots[0] != ObjID(root) {
		t.Errorf("Expected root %#x, got %v", root, roots)
	}
	r := g.GetObject(ObjID(root))
	if r.Kind != "FixedArray" || r.Space != "old" || len(r.Ptrs) != 2 {
		t.Errorf("Expected an old FixedArray with 2 pointers, got %+v", r)
	}
	tbl := g.GetObject(ObjID(table))
	if len(tbl.Ephemerons) != 1 || tbl.Ephemerons[0] != (Ephemeron{Key: ObjID(key), Value: ObjID(value)}) {
		t.Errorf("Expected one ephemeron %#x->%#x, got %v", key, value, tbl.Ephemerons)
	}
	if len(tbl.Ptrs) != 1 || tbl.Ptrs[0] != ObjID(smiValue) {
		t.Errorf("Expected the small-integer key entry as a strong edge, got %v", tbl.Ptrs)
	}
	if w := g.GetObject(ObjID(weak)); len(w.Weak) != 1 || w.Weak[0] != ObjID(leaf) {
		t.Errorf("Expected a weak edge to %#x, got %+v", leaf, w)
	}

	live := Reachable(g)
	for _, dead := range []vmem.Address{leaf, key, value} {
		if live[ObjID(dead)] {
			t.Errorf("Expected %#x to be unreachable", dead)
		}
	}
	if !live[ObjID(smiValue)] {
		t.Errorf("Expected %#x to be reachable", smiValue)
	}
}

func TestSnapshotLeavesOutReadOnlyObjects(t *testing.T) {
	h := newTestHeap(t)
	key := mustAlloc(t)(h.NewFixedArray(chunk.ReadOnlySpace, 0))
	value := mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, 0))
	table := mustAlloc(t)(h.NewEphemeronTable(chunk.OldSpace, 1))
	h.SetEphemeron(table, 0, uint64(key), uint64(value))
	root := mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, 2))
	h.Set(root, 0, uint64(key))
	h.Set(root, 1, uint64(table))
	h.Handles().New(root)
	h.Handles().New(key)
	stack := h.RegisterStack(1)
	stack.Words[0] = uint64(key)

	g := Snapshot(h)
	if g.GetObject(ObjID(key)) != nil {
		t.Error("read-only object should not be captured")
	}
	if roots := g.GetRoots().IDs; len(roots) != 1 || roots[0] != ObjID(root) {
		t.Errorf("Expected only %#x as root, got %v", root, roots)
	}
	if r := g.GetObject(ObjID(root)); len(r.Ptrs) != 1 || r.Ptrs[0] != ObjID(table) {
		t.Errorf("Expected the edge to the read-only object dropped, got %v", r.Ptrs)
	}
	tbl := g.GetObject(ObjID(table))
	if len(tbl.Ephemerons) != 0 || len(tbl.Ptrs) != 1 || tbl.Ptrs[0] != ObjID(value) {
		t.Errorf("Expected a read-only key to make its value strong, got %+v", tbl)
	}
	if !Reachable(g)[ObjID(value)] {
		t.Errorf("Expected %#x to be reachable", value)
	}
}

func TestSnapshotStackRoots(t *testing.T) {
	h := newTestHeap(t)
	obj := mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, 4))
	stack := h.RegisterStack(3)
	stack.Words[0] = uint64(obj) + 24
	stack.Words[1] = uint64(obj)
	stack.Words[2] = heap.Smi(99)

	roots := Snapshot(h).GetRoots().IDs
	if len(roots) != 1 || roots[0] != ObjID(obj) {
		t.Errorf("Expected the single stack root %#x, got %v", obj, roots)
	}
}

// TestMarkerMatchesSnapshot builds a random graph and checks that a full
// concurrent collection keeps exactly what the snapshot finds reachable
func TestMarkerMatchesSnapshot(t *testing.T) {
	h := newTestHeap(t)
	p := platform.New(4)
	t.Cleanup(p.Shutdown)
	col := collector.New(h, p)

	rng := rand.New(rand.NewSource(42))
	objs := make([]vmem.Address, 400)
	for i := range objs {
		switch rng.Intn(5) {
		case 0:
			objs[i] = mustAlloc(t)(h.NewEphemeronTable(chunk.OldSpace, 2))
		case 1:
			objs[i] = mustAlloc(t)(h.NewWeakRef(chunk.OldSpace, vmem.Null))
		default:
			objs[i] = mustAlloc(t)(h.NewFixedArray(chunk.OldSpace, 1+rng.Intn(4)))
		}
	}
	pick := func() uint64 { return uint64(objs[rng.Intn(len(objs))]) }
	for _, obj := range objs {
		switch h.KindOf(obj) {
		case heap.KindEphemeronTable:
			for i := 0; i < h.Length(obj); i++ {
				h.SetEphemeron(obj, i, pick(), pick())
			}
		case heap.KindWeakRef:
			h.SetWeakTarget(obj, vmem.Address(pick()))
		case heap.KindFixedArray:
			for i := 0; i < h.Length(obj); i++ {
				if rng.Intn(3) == 0 {
					h.Set(obj, i, pick())
				}
			}
		}
	}
	for i := 0; i < 10; i++ {
		h.Handles().New(objs[rng.Intn(len(objs))])
	}

	before := Snapshot(h)
	live := Reachable(before)
	want := LiveSize(before)

	stats, err := col.CollectGarbage(marking.Major)
	if err != nil {
		t.Fatalf("CollectGarbage failed: %v", err)
	}
	if stats.MarkedBytes != want {
		t.Errorf("Expected %d marked bytes, got %d", want, stats.MarkedBytes)
	}

	after := Snapshot(h)
	if after.NumObjects() != len(live) {
		t.Errorf("Expected %d surviving objects, got %d", len(live), after.NumObjects())
	}
	after.ForEachObject(func(obj *Object) {
		if !live[obj.ID] {
			t.Errorf("Unreachable %s %#x survived", obj.Kind, uint64(obj.ID))
		}
		for _, w := range obj.Weak {
			if !live[w] {
				t.Errorf("Weak reference %#x still points at dead %#x", uint64(obj.ID), uint64(w))
			}
		}
	})
}
