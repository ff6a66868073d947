// ABOUTME: Constructors and field accessors for each object kind
// ABOUTME: Every pointer store goes through WriteSlot so the barriers see it

package heap

import (
	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/vmem"
)

// NewFixedArray allocates an array of length null slots
func (h *Heap) NewFixedArray(space chunk.SpaceID, length int) (vmem.Address, error) {
	check.That(length >= 0, "negative array length %d", length)
	return h.Allocate(space, KindFixedArray, HeaderSize+uint64(length)*WordSize)
}

// NewByteArray allocates n bytes of raw data. It holds no references. The
// first body word keeps the byte count as a small integer.
func (h *Heap) NewByteArray(space chunk.SpaceID, n int) (vmem.Address, error) {
	check.That(n >= 0, "negative byte array length %d", n)
	obj, err := h.Allocate(space, KindByteArray, byteArraySize(n))
	if err != nil {
		return vmem.Null, err
	}
	h.setByteLength(obj, n)
	return obj, nil
}

func byteArraySize(n int) uint64 {
	return HeaderSize + WordSize + vmem.RoundUp(uint64(n), WordSize)
}

func (h *Heap) setByteLength(obj vmem.Address, n int) {
	h.modify(h.ChunkOf(obj), func() { h.alloc.Store64(obj+bodyOffset, Smi(int64(n))) })
}

// NewEphemeronTable allocates a table of pairs key/value pairs. A value is
// kept alive only while its key is.
func (h *Heap) NewEphemeronTable(space chunk.SpaceID, pairs int) (vmem.Address, error) {
	check.That(pairs >= 0, "negative ephemeron table size %d", pairs)
	return h.Allocate(space, KindEphemeronTable, HeaderSize+uint64(pairs)*2*WordSize)
}

// NewWeakRef allocates a weak reference to target
func (h *Heap) NewWeakRef(space chunk.SpaceID, target vmem.Address) (vmem.Address, error) {
	obj, err := h.Allocate(space, KindWeakRef, HeaderSize+WordSize)
	if err != nil {
		return vmem.Null, err
	}
	h.WriteSlot(obj, obj+bodyOffset, uint64(target))
	return obj, nil
}

// NewCode allocates a code object with slots embedded object slots
func (h *Heap) NewCode(slots int) (vmem.Address, error) {
	check.That(slots >= 0, "negative code slot count %d", slots)
	return h.Allocate(chunk.CodeSpace, KindCode, HeaderSize+uint64(slots)*WordSize)
}

// Length returns the element count of an array, the pair count of an
// ephemeron table or the byte count of a byte array
func (h *Heap) Length(obj vmem.Address) int {
	body := int(h.ObjectSize(obj) - HeaderSize)
	switch k := h.KindOf(obj); k {
	case KindFixedArray, KindCode:
		return body / WordSize
	case KindByteArray:
		if body < WordSize {
			return 0
		}
		n := int(SmiValue(h.alloc.Load64(obj + bodyOffset)))
		check.That(n >= 0 && n <= body-WordSize, "corrupt byte array length %d at %#x", n, obj)
		return n
	case KindEphemeronTable:
		return body / (2 * WordSize)
	default:
		check.Fatalf("%s at %#x has no length", k, obj)
	}
	return 0
}

func (h *Heap) elementSlot(obj vmem.Address, i int) vmem.Address {
	k := h.KindOf(obj)
	check.That(k == KindFixedArray || k == KindCode, "%s at %#x has no elements", k, obj)
	n := h.Length(obj)
	check.That(i >= 0 && i < n, "index %d out of range [0, %d) of %#x", i, n, obj)
	return obj + bodyOffset + vmem.Address(i*WordSize)
}

// Get returns element i of a fixed array or code object
func (h *Heap) Get(obj vmem.Address, i int) uint64 {
	return h.alloc.Load64(h.elementSlot(obj, i))
}

// Set stores value into element i of a fixed array or code object
func (h *Heap) Set(obj vmem.Address, i int, value uint64) {
	h.WriteSlot(obj, h.elementSlot(obj, i), value)
}

// SlotAddress returns the address of element i, for tests and diagnostics
func (h *Heap) SlotAddress(obj vmem.Address, i int) vmem.Address {
	return h.elementSlot(obj, i)
}

// Bytes returns the data of a byte array
func (h *Heap) Bytes(obj vmem.Address) []byte {
	k := h.KindOf(obj)
	check.That(k == KindByteArray, "%s at %#x is not a byte array", k, obj)
	return h.alloc.Bytes(obj+bodyOffset+WordSize, uint64(h.Length(obj)))
}

func (h *Heap) ephemeronSlot(table vmem.Address, i int) vmem.Address {
	k := h.KindOf(table)
	check.That(k == KindEphemeronTable, "%s at %#x is not an ephemeron table", k, table)
	n := h.Length(table)
	check.That(i >= 0 && i < n, "pair %d out of range [0, %d) of %#x", i, n, table)
	return table + bodyOffset + vmem.Address(i*2*WordSize)
}

// EphemeronKey returns the key of pair i
func (h *Heap) EphemeronKey(table vmem.Address, i int) uint64 {
	return h.alloc.Load64(h.ephemeronSlot(table, i))
}

// EphemeronValue returns the value of pair i
func (h *Heap) EphemeronValue(table vmem.Address, i int) uint64 {
	return h.alloc.Load64(h.ephemeronSlot(table, i) + WordSize)
}

// SetEphemeron stores a key/value pair at i
func (h *Heap) SetEphemeron(table vmem.Address, i int, key, value uint64) {
	slot := h.ephemeronSlot(table, i)
	h.WriteSlot(table, slot, key)
	h.WriteSlot(table, slot+WordSize, value)
}

// EphemeronKeySlot returns the slot holding the key of pair i
func (h *Heap) EphemeronKeySlot(table vmem.Address, i int) vmem.Address {
	return h.ephemeronSlot(table, i)
}

func (h *Heap) weakSlot(ref vmem.Address) vmem.Address {
	k := h.KindOf(ref)
	check.That(k == KindWeakRef, "%s at %#x is not a weak reference", k, ref)
	return ref + bodyOffset
}

// WeakTarget returns the referent of a weak reference, or Null once cleared
func (h *Heap) WeakTarget(ref vmem.Address) vmem.Address {
	return vmem.Address(h.alloc.Load64(h.weakSlot(ref)))
}

// WeakTargetSlot returns the slot holding the referent of ref
func (h *Heap) WeakTargetSlot(ref vmem.Address) vmem.Address { return h.weakSlot(ref) }

// SetWeakTarget repoints a weak reference
func (h *Heap) SetWeakTarget(ref, target vmem.Address) {
	h.WriteSlot(ref, h.weakSlot(ref), uint64(target))
}

// ClearWeakTarget drops the referent of ref. Called by the collector for
// dead referents.
func (h *Heap) ClearWeakTarget(ref vmem.Address) {
	h.alloc.Store64(h.weakSlot(ref), 0)
}

// ClearEphemeron empties pair i. Called by the collector for dead keys.
func (h *Heap) ClearEphemeron(table vmem.Address, i int) {
	slot := h.ephemeronSlot(table, i)
	h.alloc.Store64(slot, 0)
	h.alloc.Store64(slot+WordSize, 0)
}
