// ABOUTME: Heap layouts: named objects, their fields and the roots holding them
// ABOUTME: Values are object names, small integers or null and validate against each other

// Package heapdump describes heap contents in a portable form and builds
// them on a live heap. Layouts are read through pluggable parsers.
package heapdump

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/heap"
)

// ErrInvalidLayout is returned for layouts that cannot be materialized
var ErrInvalidLayout = errors.New("invalid heap layout")

// Layout is a set of named objects and the roots that keep them alive
type Layout struct {
	Objects []ObjectSpec `json:"objects"`
	Roots   []string     `json:"roots,omitempty"`
	// Stack lists objects referenced from one conservatively scanned stack
	Stack []string `json:"stack,omitempty"`
}

// ObjectSpec describes one object. Which fields apply depends on Kind.
type ObjectSpec struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Space string `json:"space,omitempty"` // "old" when empty

	// Length is the element, pair or byte count. It defaults to the number
	// of values given.
	Length   int     `json:"length,omitempty"`
	Elements []Value `json:"elements,omitempty"` // FixedArray, Code
	Pairs    []Pair  `json:"pairs,omitempty"`    // EphemeronTable
	Target   string  `json:"target,omitempty"`   // WeakRef
	External uint64  `json:"external,omitempty"` // ExternalPointerHolder
	Data     string  `json:"data,omitempty"`     // ByteArray
}

// Pair is one ephemeron table entry
type Pair struct {
	Key   Value `json:"key"`
	Value Value `json:"value"`
}

// Value is a slot value: null, a small integer or a reference by name
type Value struct {
	Ref   string
	Smi   int64
	IsSmi bool
}

// Ref returns a reference to the named object
func Ref(name string) Value { return Value{Ref: name} }

// SmiValue returns a small integer value
func SmiValue(n int64) Value { return Value{Smi: n, IsSmi: true} }

// IsNull reports whether v is the null value
func (v Value) IsNull() bool { return !v.IsSmi && v.Ref == "" }

func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.IsSmi:
		return []byte(strconv.FormatInt(v.Smi, 10)), nil
	case v.Ref == "":
		return []byte("null"), nil
	}
	return json.Marshal(v.Ref)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	*v = Value{}
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		return nil
	case len(b) > 0 && b[0] == '"':
		return json.Unmarshal(b, &v.Ref)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("value %s is neither a name, an integer nor null", b)
	}
	v.Smi, v.IsSmi = n, true
	return nil
}

// spaceOf resolves the space of spec
func (spec *ObjectSpec) spaceOf() (chunk.SpaceID, error) {
	if spec.Kind == heap.KindCode.String() {
		return chunk.CodeSpace, nil
	}
	if spec.Space == "" {
		return chunk.OldSpace, nil
	}
	id, ok := chunk.ParseSpaceID(spec.Space)
	if !ok || id == chunk.CodeSpace || id == chunk.CodeLargeObjectSpace || id == chunk.ReadOnlySpace {
		return 0, fmt.Errorf("%w: %s: unknown or unusable space %q", ErrInvalidLayout, spec.Name, spec.Space)
	}
	return id, nil
}

// length is the declared length or the number of values given
func (spec *ObjectSpec) length() int {
	n := spec.Length
	for _, given := range []int{len(spec.Elements), len(spec.Pairs), len(spec.Data)} {
		if given > n {
			n = given
		}
	}
	return n
}

// Validate checks kinds, spaces and that every reference names an object
func (l *Layout) Validate() error {
	names := make(map[string]bool, len(l.Objects))
	for i := range l.Objects {
		spec := &l.Objects[i]
		if spec.Name == "" {
			return fmt.Errorf("%w: object %d has no name", ErrInvalidLayout, i)
		}
		if names[spec.Name] {
			return fmt.Errorf("%w: duplicate object %q", ErrInvalidLayout, spec.Name)
		}
		names[spec.Name] = true
		if _, ok := heap.ParseKind(spec.Kind); !ok {
			return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidLayout, spec.Name, spec.Kind)
		}
		if _, err := spec.spaceOf(); err != nil {
			return err
		}
		if spec.Length < 0 {
			return fmt.Errorf("%w: %s: negative length", ErrInvalidLayout, spec.Name)
		}
	}

	ref := func(owner, name string) error {
		if name != "" && !names[name] {
			return fmt.Errorf("%w: %s refers to unknown object %q", ErrInvalidLayout, owner, name)
		}
		return nil
	}
	for _, spec := range l.Objects {
		for _, v := range spec.Elements {
			if err := ref(spec.Name, v.Ref); err != nil {
				return err
			}
		}
		for _, p := range spec.Pairs {
			if err := ref(spec.Name, p.Key.Ref); err != nil {
				return err
			}
			if err := ref(spec.Name, p.Value.Ref); err != nil {
				return err
			}
		}
		if err := ref(spec.Name, spec.Target); err != nil {
			return err
		}
	}
	for _, name := range append(append([]string(nil), l.Roots...), l.Stack...) {
		if err := ref("roots", name); err != nil {
			return err
		}
	}
	return nil
}
