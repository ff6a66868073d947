// ABOUTME: Builds the objects of a layout on a live heap
// ABOUTME: Roots become handles and stack entries a registered conservative stack

package heapdump

import (
	"fmt"

	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/vmem"
)

// Instance is a layout materialized on a heap
type Instance struct {
	heap *heap.Heap
	// Addrs holds the address each object was allocated at. Objects may
	// move in a later compaction; use Root for current addresses.
	Addrs   map[string]vmem.Address
	handles map[string]heap.Handle
	stack   *heap.Stack
}

// Materialize allocates every object of l on h, fills in their fields and
// registers the roots. Objects are allocated in layout order.
func Materialize(h *heap.Heap, l *Layout) (*Instance, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	in := &Instance{
		heap:    h,
		Addrs:   make(map[string]vmem.Address, len(l.Objects)),
		handles: make(map[string]heap.Handle, len(l.Roots)),
	}
	for i := range l.Objects {
		spec := &l.Objects[i]
		addr, err := allocate(h, spec)
		if err != nil {
			return nil, fmt.Errorf("materializing %s: %w", spec.Name, err)
		}
		in.Addrs[spec.Name] = addr
	}
	for i := range l.Objects {
		in.fill(&l.Objects[i])
	}

	for _, name := range l.Roots {
		if _, ok := in.handles[name]; !ok {
			in.handles[name] = h.Handles().New(in.Addrs[name])
		}
	}
	if len(l.Stack) > 0 {
		in.stack = h.RegisterStack(len(l.Stack))
		for i, name := range l.Stack {
			in.stack.Words[i] = uint64(in.Addrs[name])
		}
	}
	return in, nil
}

func allocate(h *heap.Heap, spec *ObjectSpec) (vmem.Address, error) {
	kind, _ := heap.ParseKind(spec.Kind)
	space, err := spec.spaceOf()
	if err != nil {
		return vmem.Null, err
	}
	n := spec.length()
	switch kind {
	case heap.KindFixedArray:
		return h.NewFixedArray(space, n)
	case heap.KindByteArray:
		return h.NewByteArray(space, n)
	case heap.KindEphemeronTable:
		return h.NewEphemeronTable(space, n)
	case heap.KindWeakRef:
		return h.NewWeakRef(space, vmem.Null)
	case heap.KindExternalPointerHolder:
		return h.NewExternalPointerHolder(space, spec.External)
	case heap.KindCode:
		return h.NewCode(n)
	}
	return vmem.Null, fmt.Errorf("%w: %s objects cannot be materialized", ErrInvalidLayout, kind)
}

func (in *Instance) value(v Value) uint64 {
	switch {
	case v.IsSmi:
		return heap.Smi(v.Smi)
	case v.Ref == "":
		return 0
	}
	return uint64(in.Addrs[v.Ref])
}

func (in *Instance) fill(spec *ObjectSpec) {
	h := in.heap
	obj := in.Addrs[spec.Name]
	for i, v := range spec.Elements {
		h.Set(obj, i, in.value(v))
	}
	for i, p := range spec.Pairs {
		h.SetEphemeron(obj, i, in.value(p.Key), in.value(p.Value))
	}
	if spec.Target != "" {
		h.SetWeakTarget(obj, in.Addrs[spec.Target])
	}
	if spec.Data != "" {
		copy(h.Bytes(obj), spec.Data)
	}
}

// Root returns the current address of a root object, following moves
func (in *Instance) Root(name string) (vmem.Address, bool) {
	handle, ok := in.handles[name]
	if !ok {
		return vmem.Null, false
	}
	return in.heap.Handles().Get(handle), true
}

// Release drops the roots and the stack of the instance
func (in *Instance) Release() {
	for name, handle := range in.handles {
		in.heap.Handles().Release(handle)
		delete(in.handles, name)
	}
	if in.stack != nil {
		in.heap.UnregisterStack(in.stack)
		in.stack = nil
	}
}
