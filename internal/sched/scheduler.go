// Package sched schedules jobs onto hardware queues by priority and
// dependency order and tracks them to completion through fences.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxnlabs/gpucmd/internal/command"
	"github.com/fxnlabs/gpucmd/internal/metrics"
	"github.com/fxnlabs/gpucmd/internal/regs"
	"go.uber.org/zap"
)

var (
	ErrEmptyPayload      = errors.New("job payload is empty")
	ErrInvalidPayload    = errors.New("job payload is invalid")
	ErrInvalidPriority   = errors.New("invalid job priority")
	ErrInvalidQueue      = errors.New("invalid queue")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrNotFound          = errors.New("job not found")
	ErrInProgress        = errors.New("job is running")
	ErrWaitTimeout       = errors.New("timed out waiting for job")
	ErrStopped           = errors.New("scheduler stopped")
)

// Ring is the part of a command ring the scheduler drives.
type Ring interface {
	QueueID() uint32
	Space() uint32
	WaitSpace(ctx context.Context, needed uint32, timeout time.Duration) error
	Write(words []uint32) error
	Kick()
	Retire()
	Idle() bool
}

// Fences is the part of the fence context the scheduler drives.
type Fences interface {
	NextValue() uint32
	SlotAddr(i int) uint32
	Signaled(addr, target uint32) bool
	ForceSignal(addr, value uint32)
	Process() int
}

// Config tunes the scheduler.
type Config struct {
	DefaultTimeout   time.Duration
	RingSpaceTimeout time.Duration
	Tick             time.Duration
	WatchdogInterval time.Duration
	RetainCompleted  int
	RuntimeWindow    int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:   10 * time.Second,
		RingSpaceTimeout: time.Second,
		Tick:             100 * time.Millisecond,
		WatchdogInterval: time.Second,
		RetainCompleted:  1024,
		RuntimeWindow:    256,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.RingSpaceTimeout <= 0 {
		c.RingSpaceTimeout = d.RingSpaceTimeout
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = d.WatchdogInterval
	}
	if c.RetainCompleted <= 0 {
		c.RetainCompleted = d.RetainCompleted
	}
	if c.RuntimeWindow <= 0 {
		c.RuntimeWindow = d.RuntimeWindow
	}
}

// Scheduler owns every queue and the job registry. Lock order is the
// registry lock, then a queue lock. Ring writes happen outside both, under
// the read side of the dispatch gate.
type Scheduler struct {
	cfg    Config
	fences Fences
	queues []*queue
	log    *zap.Logger

	// Completion slots of every queue; submissions may not touch them.
	reservedLo, reservedHi uint32

	mu        sync.Mutex
	jobs      map[uint64]*Job
	nextID    uint64
	retained  map[uint64]Status
	retainLog []uint64
	paused    bool
	stopped   bool
	onTimeout func()
	counters  counters
	runtimes  []float64
	rtNext    int

	gate     sync.RWMutex
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type counters struct {
	submitted uint64
	completed uint64
	errors    uint64
	canceled  uint64
	aborted   uint64
	timedOut  uint64
}

// New creates a scheduler with one queue per ring.
func New(cfg Config, fences Fences, rings []Ring, log *zap.Logger) (*Scheduler, error) {
	if len(rings) == 0 {
		return nil, fmt.Errorf("%w: no rings", ErrInvalidQueue)
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.applyDefaults()

	s := &Scheduler{
		cfg:      cfg,
		fences:   fences,
		log:      log.Named("sched"),
		jobs:     make(map[uint64]*Job),
		nextID:   1,
		retained: make(map[uint64]Status),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	for i, r := range rings {
		if r.QueueID() != uint32(i) {
			return nil, fmt.Errorf("%w: ring %d reports queue %d", ErrInvalidQueue, i, r.QueueID())
		}
		s.queues = append(s.queues, newQueue(r, fences.SlotAddr(i)))
	}
	s.reservedLo = fences.SlotAddr(0)
	s.reservedHi = fences.SlotAddr(len(rings)-1) + 4
	return s, nil
}

// SetTimeoutHandler installs the callback the watchdog invokes when a
// running job exceeds its budget. Call it before Start.
func (s *Scheduler) SetTimeoutHandler(fn func()) {
	s.mu.Lock()
	s.onTimeout = fn
	s.mu.Unlock()
}

// NumQueues returns the number of hardware queues.
func (s *Scheduler) NumQueues() int { return len(s.queues) }

// DefaultQueue returns the queue a job type lands on when none is requested.
func (s *Scheduler) DefaultQueue(t JobType) uint32 {
	n := len(s.queues)
	switch {
	case t == TypeCompute && n > 1:
		return 1
	case t == TypeCopy && n > 2:
		return 2
	default:
		return 0
	}
}

// Submit validates a job, records it and makes it eligible for dispatch.
func (s *Scheduler) Submit(spec Spec) (uint64, error) {
	if len(spec.Payload) == 0 {
		return 0, ErrEmptyPayload
	}
	if spec.Priority < PriorityLow || spec.Priority > PriorityRealtime {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPriority, spec.Priority)
	}
	sanitized, err := command.Validate(spec.Payload, spec.Privileged,
		command.WithReserved(s.reservedLo, s.reservedHi))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if f := spec.Fence; f != nil {
		if f.Addr&3 != 0 || command.Overlaps(f.Addr, 4, s.reservedLo, s.reservedHi) {
			return 0, fmt.Errorf("%w: fence target 0x%08x is reserved or unaligned", ErrInvalidPayload, f.Addr)
		}
	}
	if sanitized.Stripped > 0 {
		s.log.Warn("Stripped privileged commands", zap.Int("count", sanitized.Stripped))
	}

	typ := spec.Type
	if typ == TypeAuto {
		typ = InferType(sanitized.Words)
	}
	qid := s.DefaultQueue(typ)
	if spec.Queue != nil {
		if int(*spec.Queue) >= len(s.queues) {
			return 0, fmt.Errorf("%w: %d", ErrInvalidQueue, *spec.Queue)
		}
		qid = *spec.Queue
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	var target *FenceTarget
	if spec.Fence != nil {
		f := *spec.Fence
		target = &f
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, ErrStopped
	}

	// Every dependency must already have an ID, which rules out cycles.
	var live []*Job
	seen := make(map[uint64]bool, len(spec.Deps))
	deps := make([]uint64, 0, len(spec.Deps))
	for _, id := range spec.Deps {
		if seen[id] {
			continue
		}
		seen[id] = true
		if id == 0 || id >= s.nextID {
			s.mu.Unlock()
			return 0, fmt.Errorf("%w: %d", ErrUnknownDependency, id)
		}
		deps = append(deps, id)
		if dep, ok := s.jobs[id]; ok {
			live = append(live, dep)
		}
	}

	id := s.nextID
	s.nextID++
	j := &Job{
		ID:         id,
		Type:       typ,
		Priority:   spec.Priority,
		Queue:      qid,
		State:      StateQueued,
		Payload:    sanitized.Words,
		Fence:      target,
		Timeout:    timeout,
		deps:       deps,
		unresolved: len(live),
		Submitted:  time.Now(),
		done:       make(chan struct{}),
	}
	for _, dep := range live {
		dep.dependents = append(dep.dependents, id)
	}
	if j.unresolved > 0 {
		j.State = StatePending
	}
	s.jobs[id] = j

	q := s.queues[qid]
	q.mu.Lock()
	q.push(j)
	q.submitted++
	q.mu.Unlock()
	s.counters.submitted++
	s.mu.Unlock()

	metrics.JobsSubmitted.WithLabelValues(q.label, typ.String()).Inc()
	s.log.Debug("Submitted job",
		zap.Uint64("id", id),
		zap.Stringer("type", typ),
		zap.Stringer("priority", spec.Priority),
		zap.Uint32("queue", qid),
		zap.Int("deps", len(live)))
	s.kick()
	return id, nil
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type pick struct {
	q     *queue
	j     *Job
	words []uint32
}

// Dispatch runs one pass over all idle queues, writing the next eligible job
// of each to its ring. It returns the number of jobs kicked.
func (s *Scheduler) Dispatch(ctx context.Context) int {
	s.gate.RLock()
	defer s.gate.RUnlock()

	var picks []pick
	s.mu.Lock()
	if s.paused || s.stopped {
		s.mu.Unlock()
		return 0
	}
	now := time.Now()
	for _, q := range s.queues {
		q.mu.Lock()
		if q.current == nil {
			if j := q.next(); j != nil {
				j.State = StateRunning
				j.Started = now
				j.seqno = s.fences.NextValue()
				q.current = j
				picks = append(picks, pick{q: q, j: j, words: s.build(q, j)})
			}
		}
		q.mu.Unlock()
	}
	s.mu.Unlock()

	kicked := 0
	for _, p := range picks {
		err := p.q.ring.WaitSpace(ctx, uint32(len(p.words)), s.cfg.RingSpaceTimeout)
		if err == nil {
			err = p.q.ring.Write(p.words)
		}
		if err != nil {
			s.requeue(p, err)
			continue
		}

		// Marked before the doorbell so a completion raised from inside
		// Kick finds the job.
		s.mu.Lock()
		p.q.mu.Lock()
		p.j.kicked = true
		p.q.mu.Unlock()
		s.mu.Unlock()

		p.q.ring.Kick()
		metrics.RingFreeDwords.WithLabelValues(p.q.label).Set(float64(p.q.ring.Space()))
		s.log.Debug("Dispatched job",
			zap.Uint64("id", p.j.ID),
			zap.Uint32("queue", p.q.id),
			zap.Uint32("seqno", p.j.seqno),
			zap.Int("dwords", len(p.words)))
		kicked++
	}
	return kicked
}

// build appends the caller's fence and the queue's completion fence to the
// job payload.
func (s *Scheduler) build(q *queue, j *Job) []uint32 {
	parts := [][]uint32{j.Payload}
	if j.Fence != nil {
		parts = append(parts, command.Fence(j.Fence.Addr, j.Fence.Value))
	}
	parts = append(parts, command.Fence(q.slot, j.seqno))
	return command.Concat(parts...)
}

func (s *Scheduler) requeue(p pick, err error) {
	s.mu.Lock()
	p.q.mu.Lock()
	if p.q.current == p.j {
		p.q.current = nil
	}
	p.j.State = StateQueued
	p.j.Started = time.Time{}
	p.j.seqno = 0
	p.q.pushFront(p.j)
	p.q.mu.Unlock()
	s.mu.Unlock()

	s.log.Warn("Failed to write job to ring, will retry",
		zap.Uint64("id", p.j.ID),
		zap.Uint32("queue", p.q.id),
		zap.Error(err))
}

// HandleNotification checks every running job for completion. irq carries
// the notification bits and status the device STATUS register.
func (s *Scheduler) HandleNotification(irq, status uint32) {
	deviceError := irq&regs.IRQError != 0 || status&regs.StatusError != 0
	if s.reap(deviceError) > 0 {
		s.kick()
	}
}

func (s *Scheduler) reap(deviceError bool) int {
	s.fences.Process()

	finished := 0
	s.mu.Lock()
	for _, q := range s.queues {
		q.mu.Lock()
		j := q.current
		if j != nil && j.kicked {
			switch {
			case s.fences.Signaled(q.slot, j.seqno):
				s.finishLocked(q, j, StateCompleted, ResultSuccess)
				finished++
			case deviceError && q.ring.Idle():
				s.log.Warn("Job aborted by device error", zap.Uint64("id", j.ID), zap.Uint32("queue", q.id))
				s.finishLocked(q, j, StateAborted, ResultDeviceError)
				finished++
			}
		}
		q.mu.Unlock()
	}
	s.mu.Unlock()
	return finished
}

// finishLocked moves a job to a terminal state. Both the registry lock and
// q.mu are held.
func (s *Scheduler) finishLocked(q *queue, j *Job, state State, result Result) {
	j.State = state
	j.Result = result
	j.Ended = time.Now()

	if q.current == j {
		q.current = nil
		q.completed++
		if j.kicked {
			q.ring.Retire()
		}
	}
	if j.kicked && result != ResultSuccess {
		// Work that will never execute must not leave fence waiters behind.
		s.fences.ForceSignal(q.slot, j.seqno)
		if j.Fence != nil {
			s.fences.ForceSignal(j.Fence.Addr, j.Fence.Value)
		}
	}

	switch result {
	case ResultSuccess:
		s.counters.completed++
		runtime := j.Ended.Sub(j.Started)
		s.observeRuntime(runtime)
		metrics.JobRuntime.Observe(float64(runtime.Microseconds()) / 1000)
	case ResultDeviceError:
		s.counters.errors++
	case ResultCanceled:
		s.counters.canceled++
	case ResultReset:
		s.counters.aborted++
	case ResultTimeout:
		s.counters.timedOut++
	}
	metrics.JobsFinished.WithLabelValues(q.label, result.String()).Inc()

	// Dependents are released whatever the outcome.
	for _, id := range j.dependents {
		d, ok := s.jobs[id]
		if !ok || d.unresolved == 0 {
			continue
		}
		d.unresolved--
		if d.unresolved == 0 && d.State == StatePending {
			d.State = StateQueued
		}
	}

	delete(s.jobs, j.ID)
	s.retain(j.status())
	close(j.done)
}

func (s *Scheduler) retain(st Status) {
	s.retained[st.ID] = st
	s.retainLog = append(s.retainLog, st.ID)
	for len(s.retainLog) > s.cfg.RetainCompleted {
		delete(s.retained, s.retainLog[0])
		s.retainLog = s.retainLog[1:]
	}
}

// Get returns the current status of a job without waiting.
func (s *Scheduler) Get(id uint64) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.status(), nil
	}
	if st, ok := s.retained[id]; ok {
		return st, nil
	}
	return Status{}, ErrNotFound
}

// Wait blocks until the job finishes, the timeout elapses or ctx is done. A
// timeout returns the job's current status with ErrWaitTimeout and does not
// affect the job.
func (s *Scheduler) Wait(ctx context.Context, id uint64, timeout time.Duration) (Status, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		st, ok := s.retained[id]
		s.mu.Unlock()
		if !ok {
			return Status{}, ErrNotFound
		}
		return st, nil
	}
	done := j.done
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		s.mu.Lock()
		st := j.status()
		s.mu.Unlock()
		return st, ErrWaitTimeout
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return j.status(), nil
}

// Cancel removes a job that has not started. Running jobs cannot be
// canceled.
func (s *Scheduler) Cancel(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State == StateRunning {
		return ErrInProgress
	}
	q := s.queues[j.Queue]
	q.mu.Lock()
	q.remove(j)
	s.finishLocked(q, j, StateAborted, ResultCanceled)
	q.mu.Unlock()

	s.log.Debug("Canceled job", zap.Uint64("id", id))
	s.kick()
	return nil
}

// Pause stops dispatch and waits for in-flight ring writes to drain.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	// Taking the write side waits out every dispatch that already passed
	// the paused check.
	s.gate.Lock()
	s.gate.Unlock()
	s.log.Info("Scheduler paused")
}

// Resume re-enables dispatch.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("Scheduler resumed")
	s.kick()
}

// AbortRunning finishes every running job. Jobs flagged by the watchdog end
// TimedOut, the rest Aborted. It returns the number of jobs finished.
func (s *Scheduler) AbortRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, q := range s.queues {
		q.mu.Lock()
		j := q.current
		switch {
		case j == nil:
		case !j.kicked:
			q.current = nil
			j.State = StateQueued
			j.Started = time.Time{}
			j.seqno = 0
			q.pushFront(j)
		case j.timedOut:
			s.finishLocked(q, j, StateTimedOut, ResultTimeout)
			n++
		default:
			s.finishLocked(q, j, StateAborted, ResultReset)
			n++
		}
		q.mu.Unlock()
	}
	if n > 0 {
		s.log.Warn("Aborted running jobs", zap.Int("count", n))
	}
	return n
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()
	watchdog := time.NewTicker(s.cfg.WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.wake:
			s.Dispatch(ctx)
		case <-tick.C:
			// Catches completions whose notification was masked.
			s.reap(false)
			s.Dispatch(ctx)
		case now := <-watchdog.C:
			s.checkTimeouts(now)
		}
	}
}

func (s *Scheduler) checkTimeouts(now time.Time) {
	expired := false
	s.mu.Lock()
	for _, q := range s.queues {
		q.mu.Lock()
		j := q.current
		if j != nil && j.kicked && !j.timedOut && now.Sub(j.Started) > j.Timeout {
			j.timedOut = true
			expired = true
			s.log.Error("Job exceeded its timeout",
				zap.Uint64("id", j.ID),
				zap.Uint32("queue", q.id),
				zap.Duration("timeout", j.Timeout))
		}
		q.mu.Unlock()
	}
	fn := s.onTimeout
	s.mu.Unlock()

	if expired && fn != nil {
		fn()
	}
}

// Stop halts the dispatch loop and cancels every job still in the registry.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	ids := make([]uint64, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, id := range ids {
		j, ok := s.jobs[id]
		if !ok {
			continue
		}
		q := s.queues[j.Queue]
		q.mu.Lock()
		q.remove(j)
		s.finishLocked(q, j, StateAborted, ResultCanceled)
		q.mu.Unlock()
	}
	if len(ids) > 0 {
		s.log.Info("Canceled outstanding jobs", zap.Int("count", len(ids)))
	}
}
