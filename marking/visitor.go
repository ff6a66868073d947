// ABOUTME: Object visitors for full and young-generation marking
// ABOUTME: Marks referenced objects, defers weak edges and records slots into evacuation candidates

package marking

import (
	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/ept"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/vmem"
)

// VisitObserver is told about every visited object. Test hook.
type VisitObserver func(obj vmem.Address)

type visitor struct {
	heap       *heap.Heap
	kind       CollectionKind
	compacting bool
	local      *LocalWorklists
	weak       *LocalWeakObjects
	state      *TaskState
	observer   VisitObserver
}

// visit traces obj and returns its size
func (v *visitor) visit(obj vmem.Address) uint64 {
	kind, ok := v.heap.TryKindOf(obj)
	if !ok {
		check.Fatalf("visiting %#x which is not an object of this heap", obj)
	}
	check.That(!kind.IsFree(), "%s at %#x on the marking worklist", kind, obj)
	size := v.heap.ObjectSize(obj)
	host := v.heap.ChunkOf(obj)

	if v.observer != nil {
		v.observer(obj)
	}
	v.state.data(host).LiveBytes += int64(size)
	v.state.kindStats[kind]++

	if v.kind == Minor {
		v.heap.ForEachSlot(obj, func(slot vmem.Address, _ heap.SlotKind) {
			v.markYoung(v.heap.Load64(slot))
		})
		return size
	}

	var weakSeen, tableSeen bool
	v.heap.ForEachSlot(obj, func(slot vmem.Address, sk heap.SlotKind) {
		switch sk {
		case heap.SlotStrong, heap.SlotCode:
			v.markSlot(host, kind, slot)
		case heap.SlotWeak:
			if !weakSeen && heap.IsObject(v.heap.Load64(slot)) {
				weakSeen = true
				v.weak.WeakReferences.Push(obj)
			}
		case heap.SlotEphemeronKey:
			if !tableSeen {
				tableSeen = true
				v.weak.EphemeronTables.Push(obj)
			}
			v.visitEphemeron(host, kind, slot)
		case heap.SlotEphemeronValue:
			// Handled together with its key
		case heap.SlotExternal:
			v.heap.ExternalSpace().Mark(ept.Handle(v.heap.Load64(slot)), slot)
		}
	})
	return size
}

// markObject marks the object value refers to and queues it
func (v *visitor) markObject(obj vmem.Address) bool {
	c := v.heap.ChunkOf(obj)
	check.That(c != nil && c.Contains(obj), "reference to %#x outside the heap", obj)
	if !c.MarkBits().Set(obj) {
		return false
	}
	v.local.Push(obj)
	return true
}

func (v *visitor) markYoung(value uint64) {
	if !heap.IsObject(value) {
		return
	}
	obj := vmem.Address(value)
	c := v.heap.ChunkOf(obj)
	check.That(c != nil && c.Contains(obj), "reference to %#x outside the heap", obj)
	if c.IsYoung() && c.MarkBits().Set(obj) {
		v.local.Push(obj)
	}
}

func (v *visitor) markSlot(host *chunk.Chunk, hostKind heap.Kind, slot vmem.Address) {
	value := v.heap.Load64(slot)
	if !heap.IsObject(value) {
		return
	}
	v.markObject(vmem.Address(value))
	v.recordSlot(host, hostKind, slot, vmem.Address(value))
}

// recordSlot remembers slot if its target may move
func (v *visitor) recordSlot(host *chunk.Chunk, hostKind heap.Kind, slot, target vmem.Address) {
	if !v.compacting || host.IsEvacuationCandidate() {
		return
	}
	if tc := v.heap.ChunkOf(target); tc == nil || !tc.IsEvacuationCandidate() {
		return
	}
	if hostKind == heap.KindCode {
		v.state.recordTypedSlot(host, chunk.EmbeddedObjectSlot, host.Offset(slot))
		return
	}
	host.OldToOld().Insert(slot)
}

func (v *visitor) visitEphemeron(host *chunk.Chunk, hostKind heap.Kind, keySlot vmem.Address) {
	valueSlot := keySlot + heap.WordSize
	key := v.heap.Load64(keySlot)
	value := v.heap.Load64(valueSlot)
	if !heap.IsObject(key) {
		v.markSlot(host, hostKind, valueSlot)
		return
	}
	if !heap.IsObject(value) {
		return
	}
	if NewState(v.heap).IsMarked(vmem.Address(key)) {
		v.markObject(vmem.Address(value))
		return
	}
	v.weak.DiscoveredEphemerons.Push(Ephemeron{Key: vmem.Address(key), Value: vmem.Address(value)})
}

// processEphemeron marks e's value if its key is marked and reports whether
// that marked something new. Otherwise the pair waits in the next list.
func (v *visitor) processEphemeron(e Ephemeron) bool {
	s := NewState(v.heap)
	if s.IsMarked(e.Key) {
		return v.markObject(e.Value)
	}
	if !s.IsMarked(e.Value) {
		v.weak.NextEphemerons.Push(e)
	}
	return false
}
