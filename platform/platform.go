// ABOUTME: Fixed-size worker pool running jobs whose concurrency is chosen by the job itself
// ABOUTME: Jobs can be joined by the posting thread, cancelled, and waited on

// Package platform runs background work on a fixed set of worker
// goroutines. A job reports how many workers it can use; the platform keeps
// up to that many workers running it and lets the posting thread join in.
package platform

import (
	"io"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/prateek/gcheap/check"
)

// TaskPriority orders queued worker tasks
type TaskPriority int

const (
	BestEffort TaskPriority = iota
	UserVisible
	UserBlocking
	numPriorities
)

// JobDelegate is handed to a running JobTask
type JobDelegate interface {
	// ShouldYield reports that the task should return as soon as possible
	ShouldYield() bool
	// NotifyConcurrencyIncrease asks the platform to add workers
	NotifyConcurrencyIncrease()
	// GetTaskID returns an id unique among the job's concurrently running
	// tasks, lower than the job's maximum concurrency
	GetTaskID() uint8
	// IsJoiningThread reports whether the task runs on the thread that joined
	IsJoiningThread() bool
}

// JobTask is work that can run on several workers at once
type JobTask interface {
	Run(d JobDelegate)
	// GetMaxConcurrency returns how many workers could do useful work now,
	// given workerCount are already running. Called with job locks held, so
	// it must be fast and must not call back into the job.
	GetMaxConcurrency(workerCount int) int
}

// Option configures a Platform
type Option func(*Platform)

// WithYieldHint makes ShouldYield also return true whenever fn does
func WithYieldHint(fn func() bool) Option {
	return func(p *Platform) { p.yieldHint = fn }
}

// WithLogger sets the platform's logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) { p.logger = l }
}

// Platform is a pool of worker goroutines
type Platform struct {
	workers   int
	yieldHint func() bool
	logger    *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queues  [numPriorities][]func()
	closed  bool
	running sync.WaitGroup
}

// New starts a platform with the given number of workers
func New(workers int, opts ...Option) *Platform {
	check.That(workers > 0, "platform needs at least one worker, got %d", workers)
	p := &Platform{workers: workers}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p.cond = sync.NewCond(&p.mu)
	p.running.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// NumberOfWorkerThreads returns the size of the pool
func (p *Platform) NumberOfWorkerThreads() int { return p.workers }

func (p *Platform) worker() {
	defer p.running.Done()
	for {
		p.mu.Lock()
		var fn func()
		for fn == nil {
			for pr := numPriorities - 1; pr >= 0 && fn == nil; pr-- {
				if q := p.queues[pr]; len(q) > 0 {
					fn = q[0]
					p.queues[pr] = q[1:]
				}
			}
			if fn != nil {
				break
			}
			if p.closed {
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
		}
		p.mu.Unlock()
		fn()
	}
}

// callOnWorkerThread queues fn. After Shutdown the task is dropped.
func (p *Platform) callOnWorkerThread(priority TaskPriority, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queues[priority] = append(p.queues[priority], fn)
	p.cond.Signal()
}

// Shutdown lets the workers finish queued tasks and stops them
func (p *Platform) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.running.Wait()
	p.logger.Debug("platform stopped", "workers", p.workers)
}

// PostJob starts running task on worker threads
func (p *Platform) PostJob(priority TaskPriority, task JobTask) *JobHandle {
	s := &jobState{
		platform:   p,
		task:       task,
		priority:   priority,
		numWorkers: p.workers,
	}
	s.released = sync.NewCond(&s.mu)
	s.NotifyConcurrencyIncrease()
	return &JobHandle{state: s}
}

type jobState struct {
	platform *Platform
	task     JobTask

	mu           sync.Mutex
	released     *sync.Cond
	priority     TaskPriority
	numWorkers   int
	activeTasks  int
	pendingTasks int

	canceled    atomic.Bool
	assignedIDs atomic.Uint32
}

func (s *jobState) cappedMaxConcurrency(workerCount int) int {
	return min(s.task.GetMaxConcurrency(workerCount), s.numWorkers)
}

// NotifyConcurrencyIncrease posts workers up to the job's max concurrency
func (s *jobState) NotifyConcurrencyIncrease() {
	if s.canceled.Load() {
		return
	}
	s.mu.Lock()
	toPost := 0
	if limit := s.cappedMaxConcurrency(s.activeTasks); limit > s.activeTasks+s.pendingTasks {
		toPost = limit - s.activeTasks - s.pendingTasks
		s.pendingTasks += toPost
	}
	priority := s.priority
	s.mu.Unlock()
	s.post(priority, toPost)
}

func (s *jobState) post(priority TaskPriority, n int) {
	for i := 0; i < n; i++ {
		s.platform.callOnWorkerThread(priority, s.runWorker)
	}
}

func (s *jobState) runWorker() {
	if !s.canRunFirstTask() {
		return
	}
	for {
		d := &delegate{state: s}
		s.task.Run(d)
		d.releaseTaskID()
		if !s.didRunTask() {
			return
		}
	}
}

func (s *jobState) canRunFirstTask() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTasks--
	if s.canceled.Load() {
		return false
	}
	if s.activeTasks >= min(s.cappedMaxConcurrency(s.activeTasks), s.numWorkers) {
		return false
	}
	s.activeTasks++
	return true
}

func (s *jobState) didRunTask() bool {
	s.mu.Lock()
	limit := s.cappedMaxConcurrency(s.activeTasks - 1)
	if s.canceled.Load() || s.activeTasks > limit {
		s.activeTasks--
		s.released.Broadcast()
		s.mu.Unlock()
		return false
	}
	toPost := 0
	if limit > s.activeTasks+s.pendingTasks {
		toPost = limit - s.activeTasks - s.pendingTasks
		s.pendingTasks += toPost
	}
	priority := s.priority
	s.mu.Unlock()
	s.post(priority, toPost)
	return true
}

// waitForParticipationOpportunity blocks the joining thread while too many
// workers run. Called with mu held.
func (s *jobState) waitForParticipationOpportunity() bool {
	limit := s.cappedMaxConcurrency(s.activeTasks - 1)
	for s.activeTasks > limit && s.activeTasks > 1 {
		s.released.Wait()
		limit = s.cappedMaxConcurrency(s.activeTasks - 1)
	}
	if s.activeTasks <= limit {
		return true
	}
	// Only the joining thread is left and there is no more work
	s.activeTasks = 0
	s.canceled.Store(true)
	return false
}

func (s *jobState) join() {
	s.mu.Lock()
	s.priority = UserBlocking
	// The joining thread gets a slot of its own on top of the workers
	s.numWorkers = s.platform.workers + 1
	s.activeTasks++
	canRun := s.waitForParticipationOpportunity()
	s.mu.Unlock()

	for canRun {
		d := &delegate{state: s, joining: true}
		s.task.Run(d)
		d.releaseTaskID()
		s.mu.Lock()
		canRun = s.waitForParticipationOpportunity()
		s.mu.Unlock()
	}
}

func (s *jobState) wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.activeTasks > 0 {
		s.released.Wait()
	}
}

func (s *jobState) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.GetMaxConcurrency(s.activeTasks) != 0 || s.activeTasks != 0
}

func (s *jobState) acquireTaskID() uint8 {
	for {
		ids := s.assignedIDs.Load()
		id := bits.TrailingZeros32(^ids)
		check.That(id < 32, "more than 32 concurrent tasks in one job")
		if s.assignedIDs.CompareAndSwap(ids, ids|1<<id) {
			return uint8(id)
		}
	}
}

func (s *jobState) releaseTaskID(id uint8) {
	for {
		ids := s.assignedIDs.Load()
		check.That(ids&(1<<id) != 0, "releasing unassigned task id %d", id)
		if s.assignedIDs.CompareAndSwap(ids, ids&^(1<<id)) {
			return
		}
	}
}

type delegate struct {
	state   *jobState
	joining bool
	id      uint8
	hasID   bool
}

func (d *delegate) ShouldYield() bool {
	if d.state.canceled.Load() {
		return true
	}
	hint := d.state.platform.yieldHint
	return hint != nil && hint()
}

func (d *delegate) NotifyConcurrencyIncrease() { d.state.NotifyConcurrencyIncrease() }
func (d *delegate) IsJoiningThread() bool { return d.joining }

func (d *delegate) GetTaskID() uint8 {
	if !d.hasID {
		d.id = d.state.acquireTaskID()
		d.hasID = true
	}
	return d.id
}

func (d *delegate) releaseTaskID() {
	if d.hasID {
		d.state.releaseTaskID(d.id)
		d.hasID = false
	}
}

// JobHandle controls a posted job
type JobHandle struct {
	mu    sync.Mutex
	state *jobState
}

func (h *JobHandle) current() *jobState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *JobHandle) invalidate() *jobState {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.state
	check.That(s != nil, "use of an invalid job handle")
	h.state = nil
	return s
}

// IsValid reports whether the handle still controls a job
func (h *JobHandle) IsValid() bool { return h.current() != nil }

// IsActive reports whether the job has work left or running workers
func (h *JobHandle) IsActive() bool {
	s := h.current()
	return s != nil && s.isActive()
}

// Join contributes the calling goroutine to the job and returns once the
// job has no work left and every worker has returned. The handle becomes
// invalid.
func (h *JobHandle) Join() {
	s := h.invalidate()
	s.join()
	s.wait()
}

// Cancel tells running tasks to yield and stops new ones from starting.
// It does not wait; see Wait. The handle stays valid until Wait.
func (h *JobHandle) Cancel() {
	if s := h.current(); s != nil {
		s.canceled.Store(true)
	}
}

// Wait blocks until every worker of a cancelled job has returned and
// invalidates the handle
func (h *JobHandle) Wait() {
	s := h.invalidate()
	check.That(s.canceled.Load(), "waiting on a job that was not cancelled")
	s.wait()
}

// UpdatePriority changes the priority of tasks posted from now on
func (h *JobHandle) UpdatePriority(p TaskPriority) {
	if s := h.current(); s != nil {
		s.mu.Lock()
		s.priority = p
		s.mu.Unlock()
	}
}

// NotifyConcurrencyIncrease asks the platform to re-check the job's max
// concurrency and add workers
func (h *JobHandle) NotifyConcurrencyIncrease() {
	if s := h.current(); s != nil {
		s.NotifyConcurrencyIncrease()
	}
}
