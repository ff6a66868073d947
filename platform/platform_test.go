// ABOUTME: Tests for the worker pool and job scheduling state machine
// ABOUTME: Covers joining, cancellation, task ids and yield hints

package platform

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingJob drains a counter, one item per loop iteration
type countingJob struct {
	remaining   atomic.Int64
	processed   atomic.Int64
	maxWorkers  int
	joinerRan   atomic.Bool
	runningIDs  atomic.Uint32
	idCollision atomic.Bool
	maxID       atomic.Int32
}

func (j *countingJob) Run(d JobDelegate) {
	id := d.GetTaskID()
	if j.runningIDs.Load()&(1<<id) != 0 {
		j.idCollision.Store(true)
	}
	for {
		old := j.runningIDs.Load()
		if j.runningIDs.CompareAndSwap(old, old|1<<id) {
			break
		}
	}
	defer func() {
		for {
			old := j.runningIDs.Load()
			if j.runningIDs.CompareAndSwap(old, old&^(1<<id)) {
				return
			}
		}
	}()
	for {
		if cur := j.maxID.Load(); int32(id) > cur {
			j.maxID.CompareAndSwap(cur, int32(id))
		}
		if d.IsJoiningThread() {
			j.joinerRan.Store(true)
		}
		if j.remaining.Add(-1) < 0 {
			j.remaining.Add(1)
			return
		}
		j.processed.Add(1)
		if d.ShouldYield() {
			return
		}
	}
}

func (j *countingJob) GetMaxConcurrency(workers int) int {
	return int(min(j.remaining.Load(), int64(j.maxWorkers)))
}

func TestJoinDrainsJob(t *testing.T) {
	tests := []struct {
		name       string
		workers    int
		maxWorkers int
		items      int64
	}{
		{"single worker", 1, 1, 1000},
		{"more workers than concurrency", 8, 2, 5000},
		{"wide job", 4, 16, 20000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.workers)
			defer p.Shutdown()

			job := &countingJob{maxWorkers: tt.maxWorkers}
			job.remaining.Store(tt.items)
			h := p.PostJob(UserVisible, job)
			h.Join()

			if got := job.processed.Load(); got != tt.items {
				t.Errorf("Expected %d items processed, got %d", tt.items, got)
			}
			if job.idCollision.Load() {
				t.Error("two concurrent tasks shared a task id")
			}
			if got := int(job.maxID.Load()); got > tt.workers {
				t.Errorf("task id %d exceeds worker count %d plus the joining thread", got, tt.workers)
			}
			if h.IsValid() {
				t.Error("handle should be invalid after Join")
			}
		})
	}
}

func TestJoiningThreadParticipates(t *testing.T) {
	// A blocked worker leaves the work to the joining thread
	block := make(chan struct{})
	p := New(1)
	defer p.Shutdown()
	p.callOnWorkerThread(UserBlocking, func() { <-block })

	job := &countingJob{maxWorkers: 1}
	job.remaining.Store(100)
	h := p.PostJob(UserVisible, job)
	h.Join()
	close(block)

	if !job.joinerRan.Load() {
		t.Error("Expected the joining thread to run the job")
	}
	if job.processed.Load() != 100 {
		t.Errorf("Expected 100 items processed, got %d", job.processed.Load())
	}
}

// endlessJob runs until told to yield
type endlessJob struct {
	started sync.WaitGroup
	once    sync.Once
	runs    atomic.Int64
}

func (j *endlessJob) Run(d JobDelegate) {
	j.runs.Add(1)
	j.once.Do(j.started.Done)
	for !d.ShouldYield() {
		time.Sleep(time.Millisecond)
	}
}

func (j *endlessJob) GetMaxConcurrency(int) int { return 2 }

func TestCancelAndWait(t *testing.T) {
	p := New(2)
	defer p.Shutdown()

	job := &endlessJob{}
	job.started.Add(1)
	h := p.PostJob(BestEffort, job)
	job.started.Wait()

	if !h.IsActive() {
		t.Error("running job should be active")
	}
	h.Cancel()
	if !h.IsValid() {
		t.Error("handle should stay valid until Wait")
	}
	h.Wait()
	if h.IsValid() {
		t.Error("handle should be invalid after Wait")
	}

	// Nothing runs after Wait returns
	runs := job.runs.Load()
	time.Sleep(10 * time.Millisecond)
	if job.runs.Load() != runs {
		t.Error("job ran again after cancellation")
	}
}

func TestYieldHint(t *testing.T) {
	var yield atomic.Bool
	p := New(1, WithYieldHint(yield.Load))
	defer p.Shutdown()

	job := &countingJob{maxWorkers: 1}
	job.remaining.Store(10)
	yield.Store(true)
	h := p.PostJob(UserVisible, job)
	h.Join()
	// Yielding tasks are restarted while work remains
	if job.processed.Load() != 10 {
		t.Errorf("Expected all 10 items processed despite yielding, got %d", job.processed.Load())
	}
}

func TestNotifyConcurrencyIncrease(t *testing.T) {
	p := New(4)
	defer p.Shutdown()

	job := &countingJob{maxWorkers: 4}
	h := p.PostJob(UserVisible, job)
	if h.IsActive() {
		t.Error("job without work should not be active")
	}
	job.remaining.Store(500)
	h.NotifyConcurrencyIncrease()
	h.UpdatePriority(UserBlocking)
	h.Join()
	if job.processed.Load() != 500 {
		t.Errorf("Expected 500 items processed, got %d", job.processed.Load())
	}
}

func TestTaskIDsAreReleased(t *testing.T) {
	s := &jobState{}
	a := s.acquireTaskID()
	b := s.acquireTaskID()
	if a != 0 || b != 1 {
		t.Errorf("Expected ids 0 and 1, got %d and %d", a, b)
	}
	s.releaseTaskID(a)
	if got := s.acquireTaskID(); got != 0 {
		t.Errorf("Expected lowest free id 0, got %d", got)
	}
}
