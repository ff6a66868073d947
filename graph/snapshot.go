// ABOUTME: Captures a graph of every object on a heap together with its roots
// ABOUTME: Stack roots are resolved conservatively the same way the collector does

package graph

import (
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/stackscan"
	"github.com/prateek/gcheap/vmem"
)

// Snapshot captures the objects of h. Roots are the handles, root
// providers and every object a registered stack points into. Read-only
// objects are immortal and left out, together with the edges to them. The
// heap must be at a safepoint with no collection cycle in progress.
func Snapshot(h *heap.Heap) *MemGraph {
	h.MakeIterable()
	g := NewMemGraph()
	h.ForEachPage(func(c *chunk.Chunk) {
		space := c.Space().String()
		h.ForEachObjectOnPage(c, func(addr vmem.Address, kind heap.Kind, size uint64) {
			if kind.IsFree() {
				return
			}
			g.AddObject(capture(h, addr, kind, size, space))
		})
	})

	var roots []ObjID
	seen := make(map[ObjID]bool)
	add := func(obj vmem.Address) {
		if id := ObjID(obj); id != 0 && !seen[id] && !isReadOnly(h, uint64(obj)) {
			seen[id] = true
			roots = append(roots, id)
		}
	}
	h.ForEachRoot(func(root *vmem.Address) { add(*root) })
	sv := stackscan.New(h, stackscan.ScopeAll)
	h.ForEachStack(func(s *heap.Stack) {
		sv.VisitStack(s, add)
	})
	g.SetRoots(Roots{IDs: roots})
	return g
}

func capture(h *heap.Heap, addr vmem.Address, kind heap.Kind, size uint64, space string) *Object {
	obj := &Object{ID: ObjID(addr), Kind: kind.String(), Space: space, Size: size}
	h.ForEachSlot(addr, func(slot vmem.Address, sk heap.SlotKind) {
		v := h.Load64(slot)
		switch sk {
		case heap.SlotStrong, heap.SlotCode:
			if heap.IsObject(v) && !isReadOnly(h, v) {
				obj.Ptrs = append(obj.Ptrs, ObjID(v))
			}
		case heap.SlotWeak:
			if heap.IsObject(v) && !isReadOnly(h, v) {
				obj.Weak = append(obj.Weak, ObjID(v))
			}
		case heap.SlotEphemeronKey:
			value := h.Load64(slot + heap.WordSize)
			switch {
			case !heap.IsObject(value) || isReadOnly(h, value):
			case heap.IsObject(v) && !isReadOnly(h, v):
				obj.Ephemerons = append(obj.Ephemerons, Ephemeron{Key: ObjID(v), Value: ObjID(value)})
			default:
				// A non-object or read-only key never dies
				obj.Ptrs = append(obj.Ptrs, ObjID(value))
			}
		}
	})
	return obj
}

func isReadOnly(h *heap.Heap, v uint64) bool {
	c := h.ChunkOf(vmem.Address(v))
	return c != nil && c.IsReadOnly()
}
