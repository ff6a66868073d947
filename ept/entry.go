// ABOUTME: Encoding of external pointer table entries
// ABOUTME: An entry is a mark bit, a three-bit tag and a 60-bit payload

package ept

// Handle refers to a table entry from inside a heap object
type Handle uint32

// NullHandle refers to the reserved null entry
const NullHandle Handle = 0

const (
	handleShift = 6

	markBit     = uint64(1) << 63
	tagShift    = 60
	tagMask     = uint64(7) << tagShift
	payloadMask = uint64(1)<<tagShift - 1

	tagExternal   = uint64(1) << tagShift
	tagFree       = uint64(2) << tagShift
	tagEvacuation = uint64(3) << tagShift
)

// MaxValue is the largest payload an entry can hold
const MaxValue = payloadMask

func indexOf(h Handle) uint32 { return uint32(h) >> handleShift }
func handleOf(i uint32) Handle { return Handle(i << handleShift) }

type entry uint64

func externalEntry(value uint64, marked bool) entry {
	e := tagExternal | value&payloadMask
	if marked {
		e |= markBit
	}
	return entry(e)
}

func freeEntry(next uint32) entry { return entry(tagFree | uint64(next)) }
func evacuationEntry(location uint64) entry { return entry(tagEvacuation | location&payloadMask) }

func (e entry) tag() uint64 { return uint64(e) & tagMask }
func (e entry) payload() uint64 { return uint64(e) & payloadMask }
func (e entry) isMarked() bool { return uint64(e)&markBit != 0 }
func (e entry) isExternal() bool { return e.tag() == tagExternal }
func (e entry) isFree() bool { return e.tag() == tagFree }
func (e entry) isEvacuation() bool { return e.tag() == tagEvacuation }
func (e entry) withMark() entry { return e | entry(markBit) }
func (e entry) withoutMark() entry { return e &^ entry(markBit) }
func (e entry) nextFreeIndex() uint32 { return uint32(e.payload()) }
