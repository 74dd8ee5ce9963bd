package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/pkg/concurrent"
	"github.com/zeusync/firesim/pkg/sequence"
)

// Kind namespaces keys so unrelated task owners cannot collide.
type Kind uint8

const (
	KindCombustion Kind = iota + 1
	KindFireFront
)

// Key identifies a repeating task. At most one task exists per key.
type Key struct {
	Kind Kind
	ID   uint64
}

// IntervalFunc is consulted every time a task is re-armed, so a changed
// global interval takes effect from the next tick on.
type IntervalFunc func() time.Duration

// TaskFunc runs one tick. now is the task's scheduled time, not the wall
// clock, which keeps catch-up runs deterministic.
type TaskFunc func(now time.Time)

type task struct {
	key      Key
	due      time.Time
	armed    time.Time // clock time when due was last set
	seq      uint64
	interval IntervalFunc
	fn       TaskFunc
	item     *sequence.PriorityItem[*task]
}

func taskLess(a, b *task) bool {
	if a.due.Equal(b.due) {
		return a.seq < b.seq
	}
	return a.due.Before(b.due)
}

// Stats counts scheduler activity since construction.
type Stats struct {
	Executed  uint64 `json:"executed"`
	Scheduled uint64 `json:"scheduled"`
	Cancelled uint64 `json:"cancelled"`
	Pending   int    `json:"pending"`
}

// Scheduler is a timer queue of repeating tasks keyed by Key. Each task keeps
// its own phase: it is re-armed at its previous due time plus the current
// interval, independent of every other task.
//
// Tasks due at the same instant form a group; a group runs through a bounded
// worker pool and its re-arming happens only after the whole group finished.
type Scheduler struct {
	runMu   sync.Mutex
	mu      sync.Mutex
	clock   Clock
	queue   *sequence.PriorityQueue[*task]
	tasks   map[Key]*task
	seq     uint64
	workers int
	logger  log.Log

	running  bool
	current  time.Time
	paused   bool
	pausedAt time.Time

	stats Stats
	wake  chan struct{}
}

type Option func(*Scheduler)

// WithWorkers sets how many same-instant tasks may run in parallel.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithLogger(l log.Log) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(clock Clock, opts ...Option) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	s := &Scheduler{
		clock:   clock,
		queue:   sequence.NewPriorityQueue(taskLess),
		tasks:   make(map[Key]*task),
		workers: 1,
		logger:  log.Nop(),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(log.String("component", "scheduler"))
	return s
}

// Now returns the scheduled time of the group being executed while inside
// RunDue, and the clock's time otherwise.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return s.current
	}
	return s.clock.Now()
}

// Schedule registers fn to run first at first and then every interval().
// An existing task with the same key is replaced; if it is executing right
// now it finishes but is not re-armed.
func (s *Scheduler) Schedule(key Key, first time.Time, interval IntervalFunc, fn TaskFunc) {
	s.mu.Lock()
	if old, ok := s.tasks[key]; ok {
		s.queue.Remove(old.item)
	}
	s.seq++
	t := &task{key: key, due: first, armed: s.clock.Now(), seq: s.seq, interval: interval, fn: fn}
	t.item = s.queue.Enqueue(t)
	s.tasks[key] = t
	s.stats.Scheduled++
	s.mu.Unlock()

	s.notify()
}

// Cancel removes the task for key. A queued task never runs; an executing
// one is not re-armed. It reports whether a task was registered.
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	delete(s.tasks, key)
	s.queue.Remove(t.item)
	s.stats.Cancelled++
	return true
}

// Pending returns the next due time for key.
func (s *Scheduler) Pending(key Key) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

// NextDue returns the earliest due time of all queued tasks.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.queue.Peek()
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.tasks)
	return st
}

// Pause stops RunDue from firing anything until Resume.
func (s *Scheduler) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return false
	}
	s.paused = true
	s.pausedAt = s.clock.Now()
	return true
}

// Resume shifts every pending due time by the part of the pause the task
// lived through, so that no task observes paused time as elapsed. A task
// scheduled during the pause is shifted only from its own scheduling time.
func (s *Scheduler) Resume() bool {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return false
	}
	now := s.clock.Now()
	if now.After(s.pausedAt) {
		s.queue.Each(func(it *sequence.PriorityItem[*task]) {
			t := it.Value
			from := s.pausedAt
			if t.armed.After(from) {
				from = t.armed
			}
			if shift := now.Sub(from); shift > 0 {
				t.due = t.due.Add(shift)
			}
			t.armed = now
		})
		s.queue.Reinit()
	}
	s.paused = false
	s.mu.Unlock()

	s.notify()
	return true
}

func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// RunDue executes every task due at or before now, including re-armed tasks
// that fall due again before now. It returns the number of executions.
// Calls to RunDue are serialised; task functions must not call it.
func (s *Scheduler) RunDue(now time.Time) int {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	executed := 0
	for {
		group := s.popGroup(now)
		if len(group) == 0 {
			break
		}

		_ = concurrent.ForEach(context.Background(), group, s.workers, func(_ context.Context, t *task) error {
			t.fn(t.due)
			return nil
		})
		executed += len(group)

		s.rearm(group)
	}
	return executed
}

func (s *Scheduler) popGroup(now time.Time) []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if s.paused {
		return nil
	}
	head, ok := s.queue.Peek()
	if !ok || head.due.After(now) {
		return nil
	}
	due := head.due
	var group []*task
	for {
		t, ok := s.queue.Peek()
		if !ok || !t.due.Equal(due) {
			break
		}
		s.queue.Dequeue()
		group = append(group, t)
	}
	s.running = true
	s.current = due
	return group
}

func (s *Scheduler) rearm(group []*task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	for _, t := range group {
		s.stats.Executed++
		if s.tasks[t.key] != t {
			continue
		}
		interval := t.interval()
		if interval <= 0 {
			s.logger.Warn("dropping task with non-positive interval",
				log.Int("kind", int(t.key.Kind)),
				log.Uint64("id", t.key.ID),
				log.Duration("interval", interval))
			delete(s.tasks, t.key)
			continue
		}
		t.due = t.due.Add(interval)
		t.armed = s.clock.Now()
		t.item = s.queue.Enqueue(t)
	}
}

// Run fires due tasks in real time until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug("scheduler loop started")
	defer s.logger.Debug("scheduler loop stopped")

	const idle = time.Hour
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		wait := idle
		if next, ok := s.NextDue(); ok && !s.Paused() {
			wait = next.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
			s.RunDue(s.clock.Now())
		}
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
