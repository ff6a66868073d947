// ABOUTME: Segmented work-stealing worklist shared by marking tasks
// ABOUTME: Each task works on private segments and exchanges full ones through a global pool

// Package marking traces the object graph from roots, concurrently with the
// mutator, for both full (major) and young-generation (minor) collections.
package marking

import (
	"sync"
	"sync/atomic"

	"github.com/prateek/gcheap/check"
)

const segmentCapacity = 64

type segment[T any] struct {
	items     []T
	published bool
}

func newSegment[T any]() *segment[T] {
	return &segment[T]{items: make([]T, 0, segmentCapacity)}
}

func (s *segment[T]) full() bool { return len(s.items) == segmentCapacity }
func (s *segment[T]) empty() bool { return len(s.items) == 0 }

// Worklist is the global pool of segments
type Worklist[T any] struct {
	mu       sync.Mutex
	segments []*segment[T]
	size     atomic.Int64
}

// NewWorklist creates an empty worklist
func NewWorklist[T any]() *Worklist[T] { return &Worklist[T]{} }

func (w *Worklist[T]) push(s *segment[T]) {
	check.That(!s.published, "segment published twice")
	s.published = true
	w.mu.Lock()
	w.segments = append(w.segments, s)
	w.size.Store(int64(len(w.segments)))
	w.mu.Unlock()
}

func (w *Worklist[T]) pop() (*segment[T], bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.segments)
	if n == 0 {
		return nil, false
	}
	s := w.segments[n-1]
	w.segments[n-1] = nil
	w.segments = w.segments[:n-1]
	w.size.Store(int64(len(w.segments)))
	s.published = false
	return s, true
}

// Size returns the number of published segments. It is a hint and may be
// stale by the time the caller looks at it.
func (w *Worklist[T]) Size() int { return int(w.size.Load()) }

// IsEmpty reports whether no segment is published
func (w *Worklist[T]) IsEmpty() bool { return w.Size() == 0 }

// ItemCount returns the number of published items
func (w *Worklist[T]) ItemCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, s := range w.segments {
		n += len(s.items)
	}
	return n
}

// Merge moves every segment of other into w
func (w *Worklist[T]) Merge(other *Worklist[T]) {
	other.mu.Lock()
	moved := other.segments
	other.segments = nil
	other.size.Store(0)
	other.mu.Unlock()
	if len(moved) == 0 {
		return
	}
	w.mu.Lock()
	w.segments = append(w.segments, moved...)
	w.size.Store(int64(len(w.segments)))
	w.mu.Unlock()
}

// ForEach calls fn for every published item
func (w *Worklist[T]) ForEach(fn func(T)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.segments {
		for _, v := range s.items {
			fn(v)
		}
	}
}

// Clear drops every published item
func (w *Worklist[T]) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.segments = nil
	w.size.Store(0)
}

// Local is a task's view of a worklist. It is not safe for concurrent use.
type Local[T any] struct {
	global  *Worklist[T]
	pushSeg *segment[T]
	popSeg  *segment[T]
}

// NewLocal creates a private view of w
func (w *Worklist[T]) NewLocal() *Local[T] {
	return &Local[T]{global: w, pushSeg: newSegment[T](), popSeg: newSegment[T]()}
}

// Push adds v, publishing the push segment when it fills up
func (l *Local[T]) Push(v T) {
	if l.pushSeg.full() {
		l.global.push(l.pushSeg)
		l.pushSeg = newSegment[T]()
	}
	l.pushSeg.items = append(l.pushSeg.items, v)
}

// Pop removes an item, stealing a segment from the global pool when both
// private segments are empty
func (l *Local[T]) Pop() (T, bool) {
	if l.popSeg.empty() {
		if !l.pushSeg.empty() {
			l.popSeg, l.pushSeg = l.pushSeg, l.popSeg
		} else if s, ok := l.global.pop(); ok {
			l.popSeg = s
		} else {
			var zero T
			return zero, false
		}
	}
	n := len(l.popSeg.items) - 1
	v := l.popSeg.items[n]
	l.popSeg.items = l.popSeg.items[:n]
	return v, true
}

// Publish makes every private item visible to other tasks
func (l *Local[T]) Publish() {
	if !l.pushSeg.empty() {
		l.global.push(l.pushSeg)
		l.pushSeg = newSegment[T]()
	}
	if !l.popSeg.empty() {
		l.global.push(l.popSeg)
		l.popSeg = newSegment[T]()
	}
}

// IsLocalEmpty reports whether the private segments are empty
func (l *Local[T]) IsLocalEmpty() bool { return l.pushSeg.empty() && l.popSeg.empty() }

// IsEmpty reports whether both the private segments and the pool are empty
func (l *Local[T]) IsEmpty() bool { return l.IsLocalEmpty() && l.global.IsEmpty() }
