// ABOUTME: Data types of a heap object graph captured from a live heap
// ABOUTME: Objects are identified by address and carry strong, weak and ephemeron edges

package graph

// ObjID identifies an object by its heap address. 0 is the super-root.
type ObjID uint64

// Ephemeron is a table entry whose value is retained only while its key is
type Ephemeron struct {
	Key, Value ObjID
}

// Object is one heap object
type Object struct {
	ID    ObjID
	Kind  string // e.g. "FixedArray", "WeakRef"
	Space string
	Size  uint64

	Ptrs       []ObjID // strong references
	Weak       []ObjID // weak references, never retaining
	Ephemerons []Ephemeron
}

// Roots is the set of objects the collector starts tracing from
type Roots struct {
	IDs []ObjID
}
