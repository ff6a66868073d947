// ABOUTME: Concurrent marker driving major and minor marking jobs on the platform
// ABOUTME: Tasks drain worklists in bounded batches and can be paused, resumed and joined

package marking

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/config"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/platform"
	"github.com/prateek/gcheap/vmem"
)

var (
	// ErrCycleInProgress is returned when a cycle is started while one runs
	ErrCycleInProgress = errors.New("marking cycle already in progress")
	// ErrPauseUnsupported is returned when pausing anything but major marking
	ErrPauseUnsupported = errors.New("only major marking can be paused")
)

// CollectionKind selects what a cycle marks
type CollectionKind int

const (
	// Major marks the whole heap
	Major CollectionKind = iota
	// Minor marks the young generation only
	Minor
)

func (k CollectionKind) String() string {
	if k == Minor {
		return "minor"
	}
	return "major"
}

// PollResult is the outcome of one step of a marking task
type PollResult int

const (
	// PollContinue means the task has more work and no reason to stop
	PollContinue PollResult = iota
	// PollYield means the platform asked the task to give up its thread
	PollYield
	// PollDone means the task found no work left
	PollDone
)

// Marker marks one heap. Its methods, except those used by the write
// barrier and the job, are called from the thread driving the collection.
type Marker struct {
	heap     *heap.Heap
	platform *platform.Platform
	cfg      config.Config
	logger   *slog.Logger

	mu       sync.Mutex
	job      *platform.JobHandle
	priority platform.TaskPriority
	paused   bool
	active   bool

	kind       CollectionKind
	compacting bool
	worklists  *Worklists
	weak       *WeakObjects
	taskStates []*TaskState
	remembered *rememberedSetWorklist
	main       *task
	barrier    *barrier
	observer   VisitObserver
	kindStats  [heap.NumKinds]uint64

	activeMarkers      atomic.Int32
	minorDoneRequested atomic.Bool
	onMinorDone        func()
}

// New creates a marker for h running its tasks on p
func New(h *heap.Heap, p *platform.Platform) *Marker {
	cfg := h.Config()
	return &Marker{
		heap:      h,
		platform:  p,
		cfg:       cfg,
		logger:    cfg.EffectiveLogger().With("component", "marking"),
		worklists: NewWorklists(),
		weak:      NewWeakObjects(),
	}
}

// SetVisitObserver installs fn on the visitors of the next cycle
func (m *Marker) SetVisitObserver(fn VisitObserver) { m.observer = fn }

// OnMinorMarkingDone sets the callback run by the last minor marking task
// that finds no work left. It runs at most once per cycle.
func (m *Marker) OnMinorMarkingDone(fn func()) { m.onMinorDone = fn }

// Kind returns the collection kind of the current or last cycle
func (m *Marker) Kind() CollectionKind { return m.kind }

// IsCompacting reports whether the cycle records slots into evacuation
// candidates
func (m *Marker) IsCompacting() bool { return m.compacting }

// Worklists returns the shared marking worklists of the cycle
func (m *Marker) Worklists() *Worklists { return m.worklists }

// WeakObjects returns the weak references and ephemerons found by the cycle
func (m *Marker) WeakObjects() *WeakObjects { return m.weak }

// Barrier returns the write barrier of the current cycle
func (m *Marker) Barrier() heap.MarkingBarrier { return m.barrier }

// StartCycle prepares fresh worklists and task states and installs the
// write barrier. Slots into evacuation candidates are recorded when
// compacting is set.
func (m *Marker) StartCycle(kind CollectionKind, compacting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return fmt.Errorf("%w: %s", ErrCycleInProgress, m.kind)
	}
	check.That(kind == Major || !compacting, "minor marking cannot compact")

	n := m.cfg.MaxMarkingTasks
	if n == 0 {
		n = m.platform.NumberOfWorkerThreads() + 1
	}
	// Index 0 belongs to the driving thread, task id i uses index i+1
	m.taskStates = make([]*TaskState, n+1)
	for i := range m.taskStates {
		m.taskStates[i] = newTaskState()
	}
	m.kind = kind
	m.compacting = compacting
	m.worklists = NewWorklists()
	m.weak = NewWeakObjects()
	m.remembered = nil
	if kind == Minor {
		m.remembered = newRememberedSetWorklist(m.heap)
	}
	m.kindStats = [heap.NumKinds]uint64{}
	m.activeMarkers.Store(0)
	m.minorDoneRequested.Store(false)
	m.paused = false
	m.main = m.newTask(nil, m.taskStates[0])
	m.barrier = newBarrier(m)
	m.heap.SetMarkingBarrier(m.barrier)
	m.active = true
	if m.cfg.TraceMarking {
		m.logger.Debug("marking started", "kind", kind, "compacting", compacting, "task_states", n)
	}
	return nil
}

// EndCycle removes the write barrier. The job must be stopped. Weak lists
// stay readable until the next cycle starts.
func (m *Marker) EndCycle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	check.That(m.active, "ending marking that was not started")
	check.That(m.job == nil, "ending marking while the job runs")
	m.heap.SetMarkingBarrier(nil)
	m.barrier.publish()
	m.active = false
}

// MarkRoot marks obj from the driving thread
func (m *Marker) MarkRoot(obj vmem.Address) bool {
	if m.kind == Minor {
		if !m.heap.IsYoung(obj) {
			return false
		}
	}
	return m.main.v.markObject(obj)
}

// TryScheduleJob posts the marking job unless one is running or marking is
// paused
func (m *Marker) TryScheduleJob(kind CollectionKind, priority platform.TaskPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	check.That(m.active && kind == m.kind, "scheduling %s marking during a %s cycle", kind, m.kind)
	if m.job != nil || m.paused {
		return
	}
	m.scheduleLocked(priority)
}

func (m *Marker) scheduleLocked(priority platform.TaskPriority) {
	m.main.publish()
	m.barrier.publish()
	m.priority = priority
	m.job = m.platform.PostJob(priority, &markingJob{m: m})
	if m.cfg.TraceMarking {
		m.logger.Debug("marking job scheduled", "kind", m.kind, "priority", priority)
	}
}

// RescheduleJobIfNeeded publishes work found by the driving thread and the
// barrier and makes sure enough tasks run to process it
func (m *Marker) RescheduleJobIfNeeded(priority platform.TaskPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.paused {
		return
	}
	m.main.publish()
	m.barrier.publish()
	if !m.IsWorkLeft() {
		return
	}
	if m.job == nil {
		m.scheduleLocked(priority)
		return
	}
	if priority != m.priority {
		m.priority = priority
		m.job.UpdatePriority(priority)
	}
	m.job.NotifyConcurrencyIncrease()
}

// IsWorkLeft reports whether published work remains
func (m *Marker) IsWorkLeft() bool {
	if !m.worklists.Shared.IsEmpty() {
		return true
	}
	if m.kind == Minor {
		return m.remembered != nil && m.remembered.remaining() > 0
	}
	return !m.weak.CurrentEphemerons.IsEmpty() || !m.weak.DiscoveredEphemerons.IsEmpty()
}

// GetMaxConcurrency returns how many tasks can usefully run given
// workerCount are running
func (m *Marker) GetMaxConcurrency(workerCount int) int {
	items := m.worklists.Shared.Size()
	if m.kind == Minor {
		if m.remembered != nil {
			items += m.remembered.remaining()
		}
	} else {
		items += m.weak.CurrentEphemerons.Size() + m.weak.DiscoveredEphemerons.Size()
	}
	n := min(len(m.taskStates)-1, workerCount+items)
	if m.cfg.OptimizeForBattery {
		n = min(n, 1)
	}
	return n
}

// Pause asks running major marking tasks to stop at their next yield check.
// It does not wait; see WaitForPaused. Reports whether a job was paused.
func (m *Marker) Pause() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return false, nil
	}
	if m.kind != Major {
		return false, fmt.Errorf("%w: %s cycle running", ErrPauseUnsupported, m.kind)
	}
	if m.job == nil || m.paused {
		return false, nil
	}
	m.job.Cancel()
	m.paused = true
	if m.cfg.TraceMarking {
		m.logger.Debug("marking paused")
	}
	return true, nil
}

// WaitForPaused blocks until the tasks of a paused job have returned and
// published their work
func (m *Marker) WaitForPaused() {
	m.mu.Lock()
	job := m.job
	wait := m.paused && job != nil
	m.mu.Unlock()
	if !wait {
		return
	}
	job.Wait()
	m.mu.Lock()
	m.job = nil
	m.mu.Unlock()
}

// Resume reposts a paused job. Marking continues from the published
// worklists.
func (m *Marker) Resume() {
	m.WaitForPaused()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		return
	}
	m.paused = false
	m.scheduleLocked(m.priority)
	if m.cfg.TraceMarking {
		m.logger.Debug("marking resumed")
	}
}

// WithPaused runs fn while no marking task runs
func (m *Marker) WithPaused(fn func()) error {
	paused, err := m.Pause()
	if err != nil {
		return err
	}
	m.WaitForPaused()
	fn()
	if paused {
		m.Resume()
	}
	return nil
}

// IsStopped reports whether no marking job is posted
func (m *Marker) IsStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job == nil
}

// Join helps the job finish on the calling thread and waits for it
func (m *Marker) Join() {
	m.Resume()
	m.mu.Lock()
	job := m.job
	m.job = nil
	if job != nil {
		m.priority = platform.UserBlocking
	}
	m.mu.Unlock()
	if job != nil {
		job.Join()
	}
}

// DrainMainThread visits everything reachable from the published work on
// the calling thread
func (m *Marker) DrainMainThread() {
	m.barrier.publish()
	t := m.main
	for !t.drainBatch() {
	}
	t.publish()
}

// MergeOnHold makes deferred objects visitable again. Call after the heap
// published its allocation areas.
func (m *Marker) MergeOnHold() {
	m.main.publish()
	m.barrier.publish()
	m.worklists.MergeOnHold()
}

// ProcessEphemeronsUntilFixpoint alternates ephemeron passes and draining
// until a pass marks nothing. Pairs left over have dead keys.
func (m *Marker) ProcessEphemeronsUntilFixpoint() {
	check.That(m.kind == Major, "ephemerons are strong in minor marking")
	t := m.main
	iterations := 0
	for {
		iterations++
		t.weak.Publish()
		m.weak.CurrentEphemerons.Merge(m.weak.NextEphemerons)

		another := false
		for {
			e, ok := t.weak.CurrentEphemerons.Pop()
			if !ok {
				break
			}
			if t.v.processEphemeron(e) {
				another = true
			}
		}
		for {
			e, ok := t.weak.DiscoveredEphemerons.Pop()
			if !ok {
				break
			}
			if t.v.processEphemeron(e) {
				another = true
			}
		}
		m.DrainMainThread()
		if !another && m.weak.DiscoveredEphemerons.IsEmpty() {
			break
		}
	}
	t.weak.NextEphemerons.Publish()
	m.weak.NextEphemerons.Clear()
	m.weak.CurrentEphemerons.Clear()
	if m.cfg.TraceMarking {
		m.logger.Debug("ephemeron fixpoint reached", "iterations", iterations)
	}
}

// FlushMemoryChunkData merges every task's live bytes and typed slots into
// the chunks
func (m *Marker) FlushMemoryChunkData() {
	for _, ts := range m.taskStates {
		ts.flush()
	}
}

// ClearMemoryChunkData drops task chunk data without merging it
func (m *Marker) ClearMemoryChunkData() {
	for _, ts := range m.taskStates {
		clear(ts.chunkData)
	}
}

// FlushKindStats accumulates the per-kind visit counts of every task and
// returns the totals of the cycle
func (m *Marker) FlushKindStats() [heap.NumKinds]uint64 {
	for _, ts := range m.taskStates {
		for k, n := range ts.kindStats {
			m.kindStats[k] += n
		}
		ts.kindStats = [heap.NumKinds]uint64{}
	}
	return m.kindStats
}

// TotalMarkedBytes returns the bytes visited so far in this cycle
func (m *Marker) TotalMarkedBytes() uint64 {
	var n uint64
	for _, ts := range m.taskStates {
		n += ts.MarkedBytes()
	}
	return n
}

func (m *Marker) requestMinorCompletion() {
	if m.minorDoneRequested.CompareAndSwap(false, true) {
		if m.cfg.TraceMarking {
			m.logger.Debug("minor marking requests completion")
		}
		if m.onMinorDone != nil {
			m.onMinorDone()
		}
	}
}

type markingJob struct {
	m *Marker
}

func (j *markingJob) GetMaxConcurrency(workerCount int) int { return j.m.GetMaxConcurrency(workerCount) }

func (j *markingJob) Run(d platform.JobDelegate) {
	m := j.m
	start := time.Now()
	index := int(d.GetTaskID()) + 1
	t := m.newTask(d, m.taskStates[index])
	if m.kind == Minor {
		m.activeMarkers.Add(1)
	}
	result := PollContinue
	for result == PollContinue {
		result = t.Poll()
	}
	t.publish()
	if m.cfg.TraceMarking {
		m.logger.Debug("marking task ran",
			"kind", m.kind, "task", index, "joining", d.IsJoiningThread(),
			"marked_kb", t.markedBytes/config.KB, "yielded", result == PollYield,
			"elapsed", time.Since(start))
	}
	if m.kind == Minor && m.activeMarkers.Add(-1) == 0 && !m.IsWorkLeft() {
		m.requestMinorCompletion()
	}
}

type taskPhase int

const (
	phaseRememberedSet taskPhase = iota
	phaseCurrentEphemerons
	phaseMarking
	phaseDiscoveredEphemerons
	phaseDone
)

// task is one run of a marking task, or the driving thread when d is nil
type task struct {
	m           *Marker
	d           platform.JobDelegate
	state       *TaskState
	local       *LocalWorklists
	weak        *LocalWeakObjects
	v           *visitor
	phase       taskPhase
	markedBytes uint64
}

func (m *Marker) newTask(d platform.JobDelegate, state *TaskState) *task {
	t := &task{
		m:     m,
		d:     d,
		state: state,
		local: m.worklists.Local(),
		weak:  m.weak.Local(),
	}
	t.v = &visitor{
		heap:       m.heap,
		kind:       m.kind,
		compacting: m.compacting,
		local:      t.local,
		weak:       t.weak,
		state:      state,
		observer:   m.observer,
	}
	if m.kind == Minor {
		t.phase = phaseRememberedSet
	} else {
		t.phase = phaseCurrentEphemerons
	}
	return t
}

func (t *task) shouldYield() bool { return t.d != nil && t.d.ShouldYield() }

// Poll runs one step and reports whether the task should keep going
func (t *task) Poll() PollResult {
	switch t.phase {
	case phaseRememberedSet:
		if !t.m.remembered.ProcessNextItem(t.m.heap, t.v.markYoung) {
			t.phase = phaseMarking
		}
	case phaseCurrentEphemerons:
		for {
			e, ok := t.weak.CurrentEphemerons.Pop()
			if !ok {
				break
			}
			t.v.processEphemeron(e)
		}
		t.phase = phaseMarking
		return PollContinue
	case phaseMarking:
		if t.drainBatch() {
			if t.m.kind == Major {
				t.phase = phaseDiscoveredEphemerons
			} else {
				t.phase = phaseDone
			}
			return PollContinue
		}
	case phaseDiscoveredEphemerons:
		marked := false
		for {
			e, ok := t.weak.DiscoveredEphemerons.Pop()
			if !ok {
				break
			}
			if t.v.processEphemeron(e) {
				marked = true
			}
		}
		if marked {
			t.phase = phaseMarking
		} else {
			t.phase = phaseDone
		}
		return PollContinue
	case phaseDone:
		return PollDone
	}
	if t.shouldYield() {
		return PollYield
	}
	return PollContinue
}

// drainBatch visits objects until a budget is used up and reports whether
// the worklist ran dry
func (t *task) drainBatch() bool {
	cfg := &t.m.cfg
	var bytes uint64
	objects := 0
	done := false
	for bytes < cfg.MarkingBytesBudget && objects < cfg.MarkingObjectsBudget {
		obj, ok := t.local.Pop()
		if !ok {
			done = true
			break
		}
		if t.m.heap.IsInPendingAllocationArea(obj) {
			t.local.PushOnHold(obj)
			continue
		}
		bytes += t.v.visit(obj)
		objects++
	}
	t.markedBytes += bytes
	t.state.markedBytes.Add(bytes)
	return done
}

func (t *task) publish() {
	t.local.Publish()
	t.weak.Publish()
}
