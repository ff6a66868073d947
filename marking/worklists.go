// ABOUTME: The marking worklist pair: objects to visit and objects deferred while under allocation
// ABOUTME: On-hold objects are merged back once the mutator's allocation areas are published

package marking

import "github.com/prateek/gcheap/vmem"

// Worklists holds the global marking worklists of one cycle
type Worklists struct {
	Shared *Worklist[vmem.Address]
	OnHold *Worklist[vmem.Address]
}

// NewWorklists creates empty worklists
func NewWorklists() *Worklists {
	return &Worklists{
		Shared: NewWorklist[vmem.Address](),
		OnHold: NewWorklist[vmem.Address](),
	}
}

// MergeOnHold moves every deferred object back to the shared worklist
func (w *Worklists) MergeOnHold() { w.Shared.Merge(w.OnHold) }

// IsEmpty reports whether nothing is published to either worklist
func (w *Worklists) IsEmpty() bool { return w.Shared.IsEmpty() && w.OnHold.IsEmpty() }

// Clear drops all published work
func (w *Worklists) Clear() {
	w.Shared.Clear()
	w.OnHold.Clear()
}

// LocalWorklists is one task's view of Worklists
type LocalWorklists struct {
	Shared *Local[vmem.Address]
	OnHold *Local[vmem.Address]
}

// Local creates a task view
func (w *Worklists) Local() *LocalWorklists {
	return &LocalWorklists{Shared: w.Shared.NewLocal(), OnHold: w.OnHold.NewLocal()}
}

func (l *LocalWorklists) Push(obj vmem.Address) { l.Shared.Push(obj) }
func (l *LocalWorklists) Pop() (vmem.Address, bool) { return l.Shared.Pop() }
func (l *LocalWorklists) PushOnHold(obj vmem.Address) { l.OnHold.Push(obj) }

// MergeOnHold moves the task's deferred objects, private and published,
// into its shared view
func (l *LocalWorklists) MergeOnHold() {
	for {
		obj, ok := l.OnHold.Pop()
		if !ok {
			return
		}
		l.Shared.Push(obj)
	}
}

// Publish makes the task's private work visible to other tasks
func (l *LocalWorklists) Publish() {
	l.Shared.Publish()
	l.OnHold.Publish()
}

// IsEmpty reports whether the task and the global shared list have no work
func (l *LocalWorklists) IsEmpty() bool { return l.Shared.IsEmpty() }
