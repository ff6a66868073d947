// ABOUTME: Heap context object owning the page allocator, spaces, roots and external pointer table
// ABOUTME: Provides allocation, object inspection and the write barrier entry point

// Package heap implements the object heap: spaces of pages carved out by
// the page allocator, objects laid out in them, the roots that keep objects
// alive and the write barrier that reports pointer stores to the collector.
package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/config"
	"github.com/prateek/gcheap/ept"
	"github.com/prateek/gcheap/pagealloc"
	"github.com/prateek/gcheap/vmem"
)

var (
	// ErrAllocationFailed is returned when a space cannot provide memory
	ErrAllocationFailed = errors.New("allocation failed")
	// ErrNotAnObject is returned for addresses that do not start an object
	ErrNotAnObject = errors.New("not a heap object")
)

// MarkingBarrier is told about every pointer store while marking runs
type MarkingBarrier interface {
	RecordWrite(host, slot vmem.Address, value uint64)
}

type barrierBox struct{ b MarkingBarrier }

// Heap is one independent heap instance
type Heap struct {
	cfg    config.Config
	logger *slog.Logger
	alloc  *pagealloc.Allocator

	paged    [chunk.NumSpaces]*PagedSpace
	large    [chunk.NumSpaces]*LargeObjectSpace
	readOnly *ReadOnlySpace

	maxRegular uint64

	handles   HandleTable
	rootsMu   sync.Mutex
	stacks    []*Stack
	providers []RootProvider

	externals     *ept.Table
	externalSpace *ept.Space

	barrier         atomic.Pointer[barrierBox]
	blackAllocation atomic.Bool
}

// New creates a heap with its own address space reservations
func New(cfg config.Config) (*Heap, error) {
	alloc, err := pagealloc.New(cfg)
	if err != nil {
		return nil, err
	}
	h := &Heap{
		cfg:    cfg,
		logger: cfg.EffectiveLogger().With("component", "heap"),
		alloc:  alloc,
	}
	for _, id := range []chunk.SpaceID{chunk.NewSpace, chunk.OldSpace, chunk.CodeSpace, chunk.TrustedSpace} {
		h.paged[id] = newPagedSpace(h, id)
	}
	for _, id := range []chunk.SpaceID{chunk.LargeObjectSpace, chunk.NewLargeObjectSpace, chunk.CodeLargeObjectSpace} {
		h.large[id] = newLargeObjectSpace(h, id)
	}
	h.readOnly = newReadOnlySpace(h)

	layout := alloc.Layout()
	h.maxRegular = cfg.MaxRegularObjectSize
	if h.maxRegular == 0 {
		h.maxRegular = layout.AllocatableMemory(true) / 2
	}

	if h.externals, err = ept.New(cfg, h); err != nil {
		alloc.TearDown()
		return nil, err
	}
	h.externalSpace = h.externals.NewSpace()
	return h, nil
}

// TearDown releases all memory owned by the heap
func (h *Heap) TearDown() {
	h.readOnly.tearDown()
	h.externalSpace.TearDown()
	h.externals.TearDown()
	h.alloc.TearDown()
}

// SetBootstrapped ends the phase in which running out of memory is fatal
func (h *Heap) SetBootstrapped() { h.alloc.SetBootstrapped() }

func (h *Heap) Config() config.Config { return h.cfg }
func (h *Heap) Logger() *slog.Logger { return h.logger }
func (h *Heap) Allocator() *pagealloc.Allocator { return h.alloc }
func (h *Heap) Handles() *HandleTable { return &h.handles }
func (h *Heap) ExternalTable() *ept.Table { return h.externals }
func (h *Heap) ExternalSpace() *ept.Space { return h.externalSpace }
func (h *Heap) MaxRegularObjectSize() uint64 { return h.maxRegular }
func (h *Heap) Paged(id chunk.SpaceID) *PagedSpace { return h.paged[id] }

// ReadOnly returns the read-only space. Its pages are not part of ForEachPage.
func (h *Heap) ReadOnly() *ReadOnlySpace { return h.readOnly }

// Large returns the large object space with the given id
func (h *Heap) Large(id chunk.SpaceID) *LargeObjectSpace { return h.large[id] }

// PagedSpaces returns the paged spaces in id order
func (h *Heap) PagedSpaces() []*PagedSpace {
	var spaces []*PagedSpace
	for _, s := range h.paged {
		if s != nil {
			spaces = append(spaces, s)
		}
	}
	return spaces
}

// LargeSpaces returns the large object spaces in id order
func (h *Heap) LargeSpaces() []*LargeObjectSpace {
	var spaces []*LargeObjectSpace
	for _, s := range h.large {
		if s != nil {
			spaces = append(spaces, s)
		}
	}
	return spaces
}

func largeSpaceFor(id chunk.SpaceID) chunk.SpaceID {
	switch id {
	case chunk.NewSpace:
		return chunk.NewLargeObjectSpace
	case chunk.CodeSpace:
		return chunk.CodeLargeObjectSpace
	}
	return chunk.LargeObjectSpace
}

// AllocateRaw reserves size bytes in space without initializing them.
// Objects too large for a regular page go to the matching large space.
func (h *Heap) AllocateRaw(id chunk.SpaceID, size uint64) (vmem.Address, *chunk.Chunk, error) {
	if id == chunk.ReadOnlySpace {
		return h.readOnly.allocate(size)
	}
	if !id.IsLarge() && size > h.maxRegular {
		id = largeSpaceFor(id)
	}
	if id.IsLarge() {
		return h.large[id].allocate(size)
	}
	s := h.paged[id]
	check.That(s != nil, "no paged space %s", id)
	return s.allocate(size)
}

// Allocate creates a zero-initialized object of the given kind. While black
// allocation is on, objects outside the young generation start out marked.
func (h *Heap) Allocate(id chunk.SpaceID, kind Kind, size uint64) (vmem.Address, error) {
	check.That(kind > KindFiller && kind < NumKinds, "cannot allocate %s objects", kind)
	size = vmem.RoundUp(size, WordSize)
	check.That(size >= HeaderSize, "object size %d below header size", size)
	if fixed, ok := fixedSize(kind); ok {
		check.That(size == fixed, "%s objects are %d bytes, not %d", kind, fixed, size)
	}
	check.That(id != chunk.ReadOnlySpace || kind != KindExternalPointerHolder,
		"external pointer holders cannot be read-only")

	obj, c, err := h.AllocateRaw(id, size)
	if err != nil {
		return vmem.Null, fmt.Errorf("allocating %d byte %s in %s: %w", size, kind, id, err)
	}
	h.modify(c, func() {
		clear(h.alloc.Bytes(obj+bodyOffset, size-HeaderSize))
		h.alloc.Store64(obj+sizeOffset, Smi(int64(size)))
		h.alloc.Store64(obj+mapOffset, mapWord(kind))
	})
	if h.blackAllocation.Load() && !c.IsYoung() {
		if c.MarkBits().Set(obj) {
			c.IncrementLiveBytesAtomically(int64(size))
		}
	}
	return obj, nil
}

// modify runs fn with c's memory writable
func (h *Heap) modify(c *chunk.Chunk, fn func()) {
	if err := h.alloc.WithCodeWritable(c, fn); err != nil {
		check.Fatalf("cannot make %s writable: %v", c, err)
	}
}

// writeFree formats [addr, addr+size) as unused memory
func (h *Heap) writeFree(c *chunk.Chunk, addr vmem.Address, size uint64) {
	switch {
	case size == 0:
	case size == WordSize:
		h.modify(c, func() { h.alloc.Store64(addr, mapWord(KindFiller)) })
	default:
		check.That(size%WordSize == 0, "free range [%#x, +%d) not word aligned", addr, size)
		h.modify(c, func() {
			h.alloc.Store64(addr+sizeOffset, Smi(int64(size)))
			h.alloc.Store64(addr, mapWord(KindFreeSpace))
		})
	}
}

// SetMarkingBarrier installs b as the marking write barrier. Nil removes it.
func (h *Heap) SetMarkingBarrier(b MarkingBarrier) {
	if b == nil {
		h.barrier.Store(nil)
		return
	}
	h.barrier.Store(&barrierBox{b: b})
}

// IsMarking reports whether a marking barrier is installed
func (h *Heap) IsMarking() bool { return h.barrier.Load() != nil }

// SetBlackAllocation switches black allocation for objects and external
// pointer entries
func (h *Heap) SetBlackAllocation(on bool) {
	h.blackAllocation.Store(on)
	h.externalSpace.SetAllocateBlack(on)
}

// WriteSlot stores value into slot of host and runs the write barrier
func (h *Heap) WriteSlot(host, slot vmem.Address, value uint64) {
	c := h.ChunkOf(host)
	check.That(c != nil, "write to %#x outside the heap", host)
	if c.IsReadOnly() {
		h.writeReadOnly(host, slot, value)
		return
	}
	h.modify(c, func() { h.alloc.Store64(slot, value) })
	if !IsObject(value) {
		return
	}
	if !c.IsYoung() && h.IsYoung(vmem.Address(value)) {
		c.OldToNew().Insert(slot)
	}
	if box := h.barrier.Load(); box != nil {
		box.b.RecordWrite(host, slot, value)
	}
}

// writeReadOnly initializes a field of a read-only object before sealing.
// No barrier is needed: the target is read-only and therefore marked.
func (h *Heap) writeReadOnly(host, slot vmem.Address, value uint64) {
	check.That(!h.readOnly.IsSealed(), "write into sealed read-only object %#x", host)
	if IsObject(value) {
		vc := h.ChunkOf(vmem.Address(value))
		check.That(vc != nil && vc.IsReadOnly(), "read-only object %#x cannot reference %#x", host, value)
	}
	h.alloc.Store64(slot, value)
}

// UpdateSlot stores value into slot without a write barrier, making code
// pages writable as needed. Used by the collector to rewrite moved pointers.
func (h *Heap) UpdateSlot(slot vmem.Address, value uint64) {
	c := h.ChunkOf(slot)
	check.That(c != nil, "update of %#x outside the heap", slot)
	h.modify(c, func() { h.alloc.Store64(slot, value) })
}

// ChunkOf returns the chunk containing addr, or nil outside the heap
func (h *Heap) ChunkOf(addr vmem.Address) *chunk.Chunk {
	return h.alloc.ChunkFromAddress(addr)
}

// Contains reports whether addr lies in the object area of a live chunk
func (h *Heap) Contains(addr vmem.Address) bool {
	c := h.ChunkOf(addr)
	return c != nil && c.Contains(addr)
}

// IsYoung reports whether addr lies on a young page
func (h *Heap) IsYoung(addr vmem.Address) bool {
	c := h.ChunkOf(addr)
	return c != nil && c.IsYoung()
}

// TryKindOf decodes the map word of obj
func (h *Heap) TryKindOf(obj vmem.Address) (Kind, bool) {
	if !h.Contains(obj) || obj%WordSize != 0 {
		return KindInvalid, false
	}
	return decodeMapWord(h.alloc.Load64(obj + mapOffset))
}

// KindOf returns the kind of obj. A corrupt or forwarded map word is fatal.
func (h *Heap) KindOf(obj vmem.Address) Kind {
	k, ok := h.TryKindOf(obj)
	if !ok {
		check.Fatalf("%v: %#x", ErrNotAnObject, obj)
	}
	return k
}

// ObjectSize returns the size of obj in bytes, header included
func (h *Heap) ObjectSize(obj vmem.Address) uint64 {
	if h.KindOf(obj) == KindFiller {
		return WordSize
	}
	return uint64(SmiValue(h.alloc.Load64(obj + sizeOffset)))
}

// IsForwarded reports whether obj was evacuated
func (h *Heap) IsForwarded(obj vmem.Address) bool {
	w := h.alloc.Load64(obj + mapOffset)
	return w != 0 && w&smiTag == 0
}

// ForwardingAddress returns the new location of an evacuated object
func (h *Heap) ForwardingAddress(obj vmem.Address) vmem.Address {
	check.That(h.IsForwarded(obj), "%#x is not forwarded", obj)
	return vmem.Address(h.alloc.Load64(obj + mapOffset))
}

// SetForwarding overwrites obj's map word with its new address
func (h *Heap) SetForwarding(obj, to vmem.Address) {
	check.That(to%WordSize == 0, "misaligned forwarding target %#x", to)
	h.alloc.Store64(obj+mapOffset, uint64(to))
}

// CopyObject copies size bytes of the object at from to to
func (h *Heap) CopyObject(to, from vmem.Address, size uint64) {
	for off := vmem.Address(0); off < vmem.Address(size); off += WordSize {
		h.alloc.Store64(to+off, h.alloc.Load64(from+off))
	}
}

// ForEachObjectOnPage calls fn for every object and free range in
// [areaStart, highWaterMark) of c. The page must be iterable.
func (h *Heap) ForEachObjectOnPage(c *chunk.Chunk, fn func(obj vmem.Address, kind Kind, size uint64)) {
	if c.IsLarge() {
		if c.HighWaterMark() > c.AreaStart() {
			obj := c.AreaStart()
			fn(obj, h.KindOf(obj), h.ObjectSize(obj))
		}
		return
	}
	end := c.HighWaterMark()
	for obj := c.AreaStart(); obj < end; {
		kind := h.KindOf(obj)
		size := h.ObjectSize(obj)
		check.That(size >= WordSize, "zero-sized %s at %#x", kind, obj)
		fn(obj, kind, size)
		obj += vmem.Address(size)
	}
}

// ForEachPage calls fn for every page of every space
func (h *Heap) ForEachPage(fn func(c *chunk.Chunk)) {
	for _, s := range h.PagedSpaces() {
		for _, c := range s.Pages() {
			fn(c)
		}
	}
	for _, s := range h.LargeSpaces() {
		for _, c := range s.Pages() {
			fn(c)
		}
	}
}

// IsInPendingAllocationArea reports whether obj may still be under
// initialization by the mutator and must not be visited yet
func (h *Heap) IsInPendingAllocationArea(obj vmem.Address) bool {
	c := h.ChunkOf(obj)
	if c == nil {
		return false
	}
	switch s := c.Owner().(type) {
	case *PagedSpace:
		return s.IsInPendingAllocationArea(obj)
	case *LargeObjectSpace:
		return s.PendingObject() == obj
	}
	return false
}

// MakeIterable formats the unused tails of linear allocation areas and
// publishes every allocation made so far
func (h *Heap) MakeIterable() {
	for _, s := range h.PagedSpaces() {
		s.makeIterable()
	}
	for _, s := range h.LargeSpaces() {
		s.ResetPendingObject()
	}
}

// ResetLABs returns every linear allocation area to its free list
func (h *Heap) ResetLABs() {
	for _, s := range h.PagedSpaces() {
		s.FreeLinearAllocationArea()
	}
}

// RightTrim shrinks an array to newLength elements. The cut-off tail turns
// into a filler and loses its recorded slots.
func (h *Heap) RightTrim(obj vmem.Address, newLength int) {
	kind := h.KindOf(obj)
	var newSize uint64
	switch kind {
	case KindFixedArray:
		newSize = HeaderSize + uint64(newLength)*WordSize
	case KindByteArray:
		newSize = byteArraySize(newLength)
	default:
		check.Fatalf("cannot trim %s at %#x", kind, obj)
	}
	oldSize := h.ObjectSize(obj)
	check.That(newLength >= 0 && newSize <= oldSize, "cannot grow %s from %d to %d bytes", kind, oldSize, newSize)
	if kind == KindByteArray {
		check.That(newLength <= h.Length(obj), "cannot grow byte array %#x to %d bytes", obj, newLength)
		h.setByteLength(obj, newLength)
	}
	if newSize == oldSize {
		return
	}

	c := h.ChunkOf(obj)
	tail := obj + vmem.Address(newSize)
	end := obj + vmem.Address(oldSize)
	c.OldToNew().RemoveRange(tail, end)
	c.OldToOld().RemoveRange(tail, end)
	if c.IsLarge() {
		h.alloc.Store64(obj+sizeOffset, Smi(int64(newSize)))
		c.DecreaseAllocatedBytes(oldSize - newSize)
		c.ResetHighWaterMark(tail)
		h.large[c.Space()].ShrinkPage(c, newSize)
		return
	}
	// The filler goes in before the size shrinks so the page stays iterable
	h.writeFree(c, tail, oldSize-newSize)
	h.alloc.Store64(obj+sizeOffset, Smi(int64(newSize)))
}

// Load64 reads the heap word at addr
func (h *Heap) Load64(addr vmem.Address) uint64 { return h.alloc.Load64(addr) }

// Store64 writes the heap word at addr without a write barrier
func (h *Heap) Store64(addr vmem.Address, v uint64) { h.alloc.Store64(addr, v) }

// SizeOfObjects returns the bytes allocated in all spaces
func (h *Heap) SizeOfObjects() uint64 {
	var n uint64
	for _, s := range h.PagedSpaces() {
		n += s.AllocatedBytes()
	}
	for _, s := range h.LargeSpaces() {
		for _, c := range s.Pages() {
			n += c.AllocatedBytes()
		}
	}
	return n
}
