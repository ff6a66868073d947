// ABOUTME: Graph interface and its in-memory implementation
// ABOUTME: Stores a snapshot of heap objects and the roots they were reached from

package graph

import (
	"sort"
	"sync"
)

// Graph is a heap object graph
type Graph interface {
	AddObject(obj *Object)
	GetObject(id ObjID) *Object
	NumObjects() int
	// ForEachObject visits objects in address order
	ForEachObject(fn func(*Object))
	SetRoots(roots Roots)
	GetRoots() Roots
}

// MemGraph is an in-memory Graph, safe for concurrent readers
type MemGraph struct {
	mu      sync.RWMutex
	objects map[ObjID]*Object
	order   []ObjID // sorted lazily
	sorted  bool
	roots   Roots
}

// NewMemGraph creates an empty graph
func NewMemGraph() *MemGraph {
	return &MemGraph{objects: make(map[ObjID]*Object)}
}

func (g *MemGraph) AddObject(obj *Object) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.objects[obj.ID]; !ok {
		g.order = append(g.order, obj.ID)
		g.sorted = false
	}
	g.objects[obj.ID] = obj
}

func (g *MemGraph) GetObject(id ObjID) *Object {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objects[id]
}

func (g *MemGraph) NumObjects() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.objects)
}

func (g *MemGraph) ForEachObject(fn func(*Object)) {
	g.mu.Lock()
	if !g.sorted {
		sort.Slice(g.order, func(i, j int) bool { return g.order[i] < g.order[j] })
		g.sorted = true
	}
	order := append([]ObjID(nil), g.order...)
	g.mu.Unlock()

	for _, id := range order {
		fn(g.GetObject(id))
	}
}

func (g *MemGraph) SetRoots(roots Roots) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roots = roots
}

func (g *MemGraph) GetRoots() Roots {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roots
}

// TotalSize sums the sizes of the objects in g
func TotalSize(g Graph) uint64 {
	var total uint64
	g.ForEachObject(func(obj *Object) { total += obj.Size })
	return total
}
