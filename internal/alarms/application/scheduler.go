package application

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"asset-alerting/internal/logger"
	"asset-alerting/internal/observability/metrics"
)

// Job is the work a timer runs on each fire.
type Job func(ctx context.Context)

// TimerClock drives the scheduler.
type TimerClock interface {
	Now() time.Time
	NewTimer(d time.Duration) (<-chan time.Time, func() bool)
}

type realTimerClock struct{}

func (realTimerClock) Now() time.Time { return time.Now() }

func (realTimerClock) NewTimer(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

type timerEntry struct {
	id    string
	every time.Duration
	next  time.Time
	job   Job
	seq   uint64
	index int
}

type timerQueue []*timerEntry

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].seq < q[j].seq
	}
	return q[i].next.Before(q[j].next)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	entry := x.(*timerEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}

// Scheduler runs recurring jobs keyed by id from a single priority queue of
// next-fire times. At most one timer exists per id.
type Scheduler struct {
	mu      sync.Mutex
	queue   timerQueue
	byID    map[string]*timerEntry
	seq     uint64
	clock   TimerClock
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// SchedulerOption customizes the scheduler.
type SchedulerOption func(*Scheduler)

// WithTimerClock overrides the scheduler clock.
func WithTimerClock(clock TimerClock) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewScheduler constructs a stopped scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		byID:  make(map[string]*timerEntry),
		clock: realTimerClock{},
		wake:  make(chan struct{}, 1),
		log:   logger.WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go s.loop()
}

// Stop halts the dispatch loop and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.wg.Wait()
}

// Schedule installs a recurring timer, replacing any timer with the same id.
// The first fire happens one interval from now.
func (s *Scheduler) Schedule(id string, every time.Duration, job Job) error {
	if id == "" {
		return fmt.Errorf("scheduler: empty id")
	}
	if every <= 0 {
		return fmt.Errorf("scheduler: non-positive interval %s", every)
	}
	if job == nil {
		return fmt.Errorf("scheduler: nil job")
	}
	s.mu.Lock()
	s.removeLocked(id)
	s.seq++
	entry := &timerEntry{
		id:    id,
		every: every,
		next:  s.clock.Now().Add(every),
		job:   job,
		seq:   s.seq,
	}
	heap.Push(&s.queue, entry)
	s.byID[id] = entry
	count := len(s.byID)
	s.mu.Unlock()

	metrics.SetActiveTimers(count)
	s.signal()
	return nil
}

// Cancel removes a timer. Fires already in flight run to completion.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	removed := s.removeLocked(id)
	count := len(s.byID)
	s.mu.Unlock()
	if removed {
		metrics.SetActiveTimers(count)
		s.signal()
	}
	return removed
}

// Has reports whether a timer exists for id.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of live timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *Scheduler) removeLocked(id string) bool {
	entry, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	if entry.index >= 0 {
		heap.Remove(&s.queue, entry.index)
	}
	return true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		ctx := s.ctx
		var wait time.Duration = -1
		if len(s.queue) > 0 {
			wait = s.queue[0].next.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		var (
			fire <-chan time.Time
			stop = func() bool { return false }
		)
		if wait >= 0 {
			fire, stop = s.clock.NewTimer(wait)
		}

		select {
		case <-ctx.Done():
			stop()
			return
		case <-s.wake:
			stop()
		case <-fire:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()
	var due []*timerEntry
	s.mu.Lock()
	for len(s.queue) > 0 && !s.queue[0].next.After(now) {
		entry := s.queue[0]
		due = append(due, entry)
		entry.next = entry.next.Add(entry.every)
		if !entry.next.After(now) {
			entry.next = now.Add(entry.every)
		}
		heap.Fix(&s.queue, 0)
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.run(ctx, entry.id, entry.job)
	}
}

func (s *Scheduler) run(ctx context.Context, id string, job Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				metrics.IncTimerTick(metrics.ResultError)
				s.log.Error().Str("timer_id", id).Interface("panic", rec).Msg("timer job panicked")
			}
		}()
		job(ctx)
		metrics.IncTimerTick(metrics.ResultSuccess)
	}()
}
