package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

var ErrStopped = errors.New("scheduler stopped")

// Action runs once when its job fires. ctx is canceled when the scheduler stops.
type Action func(ctx context.Context)

type job struct {
	key    string
	fireAt time.Time
	seq    uint64
	action Action
	index  int
}

// jobQueue is a min-heap ordered by fireAt, then registration order.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].fireAt.Equal(q[j].fireAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].fireAt.Before(q[j].fireAt)
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}

// Scheduler fires one-shot actions at wall-clock times. A single loop goroutine owns the timer;
// every action runs on its own goroutine so registrants never block.
type Scheduler struct {
	mu      sync.Mutex
	queue   jobQueue
	byKey   map[string]*job
	seq     uint64
	stopped bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	logger *log.Logger
	now    func() time.Time
}

type Option func(*Scheduler)

func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now for deciding what is due. Timers still use real time.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New starts the scheduler loop. Call Stop to release it.
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		byKey:  make(map[string]*job),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	go s.loop()
	return s
}

// Register schedules action under key. A pending job with the same key is replaced.
// A fireAt in the past fires as soon as the loop observes it.
func (s *Scheduler) Register(key string, fireAt time.Time, action Action) error {
	if key == "" {
		return fmt.Errorf("scheduler: key is required")
	}
	if action == nil {
		return fmt.Errorf("scheduler: action is required")
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	replaced := false
	if old, ok := s.byKey[key]; ok {
		heap.Remove(&s.queue, old.index)
		replaced = true
	}
	s.seq++
	j := &job{key: key, fireAt: fireAt, seq: s.seq, action: action}
	heap.Push(&s.queue, j)
	s.byKey[key] = j
	pending := len(s.queue)
	s.mu.Unlock()

	s.logger.Printf("[Scheduler] registered key=%s fireAt=%s replaced=%v pending=%d",
		key, fireAt.UTC().Format(time.RFC3339Nano), replaced, pending)
	s.signal()
	return nil
}

// Cancel removes a pending job. It reports whether one was removed; unknown keys are a no-op.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	j, ok := s.byKey[key]
	if ok {
		heap.Remove(&s.queue, j.index)
		delete(s.byKey, key)
	}
	s.mu.Unlock()
	if ok {
		s.logger.Printf("[Scheduler] canceled key=%s", key)
		s.signal()
	}
	return ok
}

// Pending reports whether key has a job waiting to fire.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stop halts the loop, drops pending jobs and waits for running actions to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	dropped := len(s.queue)
	s.queue = nil
	s.byKey = make(map[string]*job)
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	s.cancel()
	s.inflight.Wait()
	s.logger.Printf("[Scheduler] stopped dropped=%d", dropped)
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
		due, wait, idle := s.takeDue()
		for _, j := range due {
			s.fire(j)
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if !idle {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// takeDue pops every job whose fireAt has passed and returns how long to sleep until the next one.
func (s *Scheduler) takeDue() (due []*job, wait time.Duration, idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for len(s.queue) > 0 && !s.queue[0].fireAt.After(now) {
		j := heap.Pop(&s.queue).(*job)
		delete(s.byKey, j.key)
		due = append(due, j)
	}
	if len(s.queue) == 0 {
		return due, 0, true
	}
	return due, s.queue[0].fireAt.Sub(now), false
}

func (s *Scheduler) fire(j *job) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Printf("[Scheduler] action_panic key=%s panic=%v\n%s", j.key, rec, debug.Stack())
			}
		}()
		late := s.now().Sub(j.fireAt)
		s.logger.Printf("[Scheduler] fire key=%s fireAt=%s late=%s", j.key, j.fireAt.UTC().Format(time.RFC3339Nano), late)
		j.action(s.ctx)
	}()
}
