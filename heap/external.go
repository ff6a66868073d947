// ABOUTME: Objects owning an external pointer through a table handle
// ABOUTME: Replacing or clearing the handle tells the table the field was invalidated

package heap

import (
	"fmt"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/ept"
	"github.com/prateek/gcheap/vmem"
)

// NewExternalPointerHolder allocates an object whose external field holds value
func (h *Heap) NewExternalPointerHolder(space chunk.SpaceID, value uint64) (vmem.Address, error) {
	handle, err := h.externalSpace.AllocateAndInitializeEntry(value)
	if err != nil {
		return vmem.Null, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	// On failure the entry stays unmarked and the next sweep frees it
	obj, err := h.Allocate(space, KindExternalPointerHolder, HeaderSize+WordSize)
	if err != nil {
		return vmem.Null, err
	}
	h.alloc.Store64(obj+bodyOffset, uint64(handle))
	return obj, nil
}

func (h *Heap) externalSlot(obj vmem.Address) vmem.Address {
	k := h.KindOf(obj)
	check.That(k == KindExternalPointerHolder, "%s at %#x holds no external pointer", k, obj)
	return obj + bodyOffset
}

// ExternalHandle returns the table handle stored in obj
func (h *Heap) ExternalHandle(obj vmem.Address) ept.Handle {
	return ept.Handle(h.alloc.Load64(h.externalSlot(obj)))
}

// ExternalPointer returns the external value held by obj, zero when cleared
func (h *Heap) ExternalPointer(obj vmem.Address) uint64 {
	return h.externals.Get(h.ExternalHandle(obj))
}

// SetExternalPointer changes the external value held by obj. A cleared
// holder gets a fresh entry.
func (h *Heap) SetExternalPointer(obj vmem.Address, value uint64) error {
	slot := h.externalSlot(obj)
	if handle := ept.Handle(h.alloc.Load64(slot)); handle != ept.NullHandle {
		h.externals.Set(handle, value)
		return nil
	}
	handle, err := h.externalSpace.AllocateAndInitializeEntry(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	h.externalSpace.NotifyFieldInvalidated(slot)
	h.alloc.Store64(slot, uint64(handle))
	return nil
}

// ClearExternalPointer drops obj's entry. The entry is freed by the next
// sweep unless something else still marks it.
func (h *Heap) ClearExternalPointer(obj vmem.Address) {
	slot := h.externalSlot(obj)
	h.externalSpace.NotifyFieldInvalidated(slot)
	h.alloc.Store64(slot, uint64(ept.NullHandle))
}
