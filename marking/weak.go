// ABOUTME: Weak objects discovered during marking: ephemerons, weak references and ephemeron tables
// ABOUTME: The collector clears dead weak entries from these lists after marking

package marking

import "github.com/prateek/gcheap/vmem"

// Ephemeron is a weak-key pair: Value is live only if Key is
type Ephemeron struct {
	Key, Value vmem.Address
}

// WeakObjects holds the global weak lists of one major cycle
type WeakObjects struct {
	// CurrentEphemerons are processed at the start of each task
	CurrentEphemerons *Worklist[Ephemeron]
	// NextEphemerons hold pairs whose key was unmarked when last looked at
	NextEphemerons *Worklist[Ephemeron]
	// DiscoveredEphemerons were found by visiting ephemeron tables
	DiscoveredEphemerons *Worklist[Ephemeron]
	// WeakReferences are WeakRef objects whose target may die
	WeakReferences *Worklist[vmem.Address]
	// EphemeronTables are visited tables, cleared of dead keys after marking
	EphemeronTables *Worklist[vmem.Address]
}

// NewWeakObjects creates empty weak lists
func NewWeakObjects() *WeakObjects {
	return &WeakObjects{
		CurrentEphemerons:    NewWorklist[Ephemeron](),
		NextEphemerons:       NewWorklist[Ephemeron](),
		DiscoveredEphemerons: NewWorklist[Ephemeron](),
		WeakReferences:       NewWorklist[vmem.Address](),
		EphemeronTables:      NewWorklist[vmem.Address](),
	}
}

// Clear drops every weak list
func (w *WeakObjects) Clear() {
	w.CurrentEphemerons.Clear()
	w.NextEphemerons.Clear()
	w.DiscoveredEphemerons.Clear()
	w.WeakReferences.Clear()
	w.EphemeronTables.Clear()
}

// LocalWeakObjects is one task's view of WeakObjects
type LocalWeakObjects struct {
	CurrentEphemerons    *Local[Ephemeron]
	NextEphemerons       *Local[Ephemeron]
	DiscoveredEphemerons *Local[Ephemeron]
	WeakReferences       *Local[vmem.Address]
	EphemeronTables      *Local[vmem.Address]
}

// Local creates a task view
func (w *WeakObjects) Local() *LocalWeakObjects {
	return &LocalWeakObjects{
		CurrentEphemerons:    w.CurrentEphemerons.NewLocal(),
		NextEphemerons:       w.NextEphemerons.NewLocal(),
		DiscoveredEphemerons: w.DiscoveredEphemerons.NewLocal(),
		WeakReferences:       w.WeakReferences.NewLocal(),
		EphemeronTables:      w.EphemeronTables.NewLocal(),
	}
}

// Publish makes the task's weak discoveries visible
func (l *LocalWeakObjects) Publish() {
	l.CurrentEphemerons.Publish()
	l.NextEphemerons.Publish()
	l.DiscoveredEphemerons.Publish()
	l.WeakReferences.Publish()
	l.EphemeronTables.Publish()
}
