// ABOUTME: Heap object model: tagged values, object headers and the closed set of object kinds
// ABOUTME: ForEachSlot enumerates the reference slots of an object by kind

package heap

import (
	"fmt"

	"github.com/prateek/gcheap/vmem"
)

// Kind is the type of a heap object, stored in its map word
type Kind uint8

const (
	KindInvalid Kind = iota
	KindFreeSpace
	KindFiller
	KindFixedArray
	KindByteArray
	KindEphemeronTable
	KindWeakRef
	KindExternalPointerHolder
	KindCode
	NumKinds
)

var kindNames = [...]string{
	KindInvalid:               "invalid",
	KindFreeSpace:             "FreeSpace",
	KindFiller:                "Filler",
	KindFixedArray:            "FixedArray",
	KindByteArray:             "ByteArray",
	KindEphemeronTable:        "EphemeronTable",
	KindWeakRef:               "WeakRef",
	KindExternalPointerHolder: "ExternalPointerHolder",
	KindCode:                  "Code",
}

func (k Kind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind looks an allocatable kind up by name
func ParseKind(name string) (Kind, bool) {
	for k := KindFixedArray; k < NumKinds; k++ {
		if kindNames[k] == name {
			return k, true
		}
	}
	return KindInvalid, false
}

// IsFree reports whether objects of this kind represent unused memory
func (k Kind) IsFree() bool {
	return k == KindFreeSpace || k == KindFiller
}

const (
	WordSize      = 8
	HeaderSize    = 2 * WordSize
	MinObjectSize = HeaderSize

	mapMagic = 0x4d415000
	smiTag   = 1
)

// Object layout: word 0 is the map word, word 1 the size in bytes as a small
// integer. A one-word filler has only the map word. Both header words carry
// the small integer tag so a racing slot reader never sees a pointer in
// them. A forwarded object's map word is the untagged new address.
const (
	mapOffset  = 0
	sizeOffset = WordSize
	bodyOffset = HeaderSize
)

func mapWord(k Kind) uint64 {
	return uint64(mapMagic)<<32 | uint64(k)<<8 | smiTag
}

func decodeMapWord(w uint64) (Kind, bool) {
	if w>>32 != mapMagic || w&0xff != smiTag {
		return KindInvalid, false
	}
	k := Kind(w >> 8 & 0xff)
	if k == KindInvalid || k >= NumKinds {
		return KindInvalid, false
	}
	return k, true
}

// Values stored in slots are tagged: 0 is null, a set low bit marks a small
// integer, anything else is an object address.

// Smi encodes a small integer
func Smi(n int64) uint64 { return uint64(n)<<1 | smiTag }

// IsSmi reports whether v is a small integer
func IsSmi(v uint64) bool { return v&smiTag != 0 }

// SmiValue decodes a small integer
func SmiValue(v uint64) int64 { return int64(v) >> 1 }

// IsObject reports whether v is an object reference
func IsObject(v uint64) bool { return v != 0 && v&smiTag == 0 }

// SlotKind says how a reference slot is traced
type SlotKind uint8

const (
	SlotStrong SlotKind = iota
	SlotWeak
	SlotEphemeronKey
	SlotEphemeronValue
	SlotExternal
	SlotCode
)

// ForEachSlot enumerates the reference slots of obj. It never writes to the
// object and is safe to call concurrently for different objects.
func (h *Heap) ForEachSlot(obj vmem.Address, fn func(slot vmem.Address, kind SlotKind)) {
	kind := h.KindOf(obj)
	size := h.ObjectSize(obj)
	switch kind {
	case KindFixedArray, KindCode:
		sk := SlotStrong
		if kind == KindCode {
			sk = SlotCode
		}
		for s := obj + bodyOffset; s < obj+vmem.Address(size); s += WordSize {
			fn(s, sk)
		}
	case KindEphemeronTable:
		for s := obj + bodyOffset; s+WordSize < obj+vmem.Address(size); s += 2 * WordSize {
			fn(s, SlotEphemeronKey)
			fn(s+WordSize, SlotEphemeronValue)
		}
	case KindWeakRef:
		fn(obj+bodyOffset, SlotWeak)
	case KindExternalPointerHolder:
		fn(obj+bodyOffset, SlotExternal)
	}
}

// fixedSize returns the size of kinds with a constant layout
func fixedSize(k Kind) (uint64, bool) {
	switch k {
	case KindFiller:
		return WordSize, true
	case KindWeakRef, KindExternalPointerHolder:
		return HeaderSize + WordSize, true
	}
	return 0, false
}
