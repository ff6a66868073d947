// ABOUTME: Space identifiers and chunk flags
// ABOUTME: Flags are stored in one atomic word on the chunk

package chunk

import (
	"fmt"
	"strings"
)

// SpaceID identifies the space owning a chunk
type SpaceID uint8

const (
	NewSpace SpaceID = iota
	OldSpace
	CodeSpace
	TrustedSpace
	LargeObjectSpace
	NewLargeObjectSpace
	CodeLargeObjectSpace
	ReadOnlySpace
	NumSpaces
)

var spaceNames = [...]string{
	NewSpace:             "new",
	OldSpace:             "old",
	CodeSpace:            "code",
	TrustedSpace:         "trusted",
	LargeObjectSpace:     "lo",
	NewLargeObjectSpace:  "new_lo",
	CodeLargeObjectSpace: "code_lo",
	ReadOnlySpace:        "read_only",
}

func (s SpaceID) String() string {
	if s < NumSpaces {
		return spaceNames[s]
	}
	return fmt.Sprintf("SpaceID(%d)", uint8(s))
}

// ParseSpaceID looks a space up by its String form
func ParseSpaceID(name string) (SpaceID, bool) {
	for id, n := range spaceNames {
		if n == name {
			return SpaceID(id), true
		}
	}
	return NumSpaces, false
}

// IsYoung reports whether the space belongs to the young generation
func (s SpaceID) IsYoung() bool {
	return s == NewSpace || s == NewLargeObjectSpace
}

// IsLarge reports whether the space holds one object per chunk
func (s SpaceID) IsLarge() bool {
	return s == LargeObjectSpace || s == NewLargeObjectSpace || s == CodeLargeObjectSpace
}

// IsExecutable reports whether chunks of the space hold code
func (s SpaceID) IsExecutable() bool {
	return s == CodeSpace || s == CodeLargeObjectSpace
}

// Flag is a chunk property bit
type Flag uint32

const (
	Executable Flag = 1 << iota
	LargePage
	ReadOnly
	EvacuationCandidate
	PreFreed
	Unregistered
	Young
	FromPage
	Pinned
	NeverEvacuate
)

var flagNames = []string{
	"executable", "large", "read-only", "evacuation-candidate", "pre-freed",
	"unregistered", "young", "from-page", "pinned", "never-evacuate",
}

func (f Flag) String() string {
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
