// Package poll re-runs fetches on a fixed period while a view is displayed.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/howudoin/internal/bus"
	"github.com/matheus3301/howudoin/internal/logging"
	"go.uber.org/zap"
)

// DefaultPeriod is used when Start is given a non-positive period and the
// scheduler was built without one.
const DefaultPeriod = 5 * time.Second

// Task is one scheduled invocation.
type Task func(ctx context.Context) error

// Handle identifies a running schedule. The zero Handle is never issued.
type Handle struct {
	id uint64
}

// ErrorEvent is published on the bus when a scheduled task fails.
type ErrorEvent struct {
	Handle Handle
	Err    error
}

type job struct {
	name   string
	task   Task
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler runs tasks periodically. Invocations are launched on their own
// goroutines and may overlap when a task outlives its period.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[uint64]*job
	next   uint64
	period time.Duration
	bus    *bus.Bus
	logger *zap.Logger
}

// NewScheduler creates a scheduler whose default period is period
// (DefaultPeriod when period <= 0).
func NewScheduler(period time.Duration, b *bus.Bus, logger *zap.Logger) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Scheduler{
		jobs:   make(map[uint64]*job),
		period: period,
		bus:    b,
		logger: logging.OrNop(logger),
	}
}

// Period returns the default period.
func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Start invokes task every period until Stop is called with the returned
// handle or ctx is done. The first invocation happens one period after Start.
// Tasks receive ctx itself, so Stop does not abort an invocation already running.
func (s *Scheduler) Start(ctx context.Context, name string, task Task, period time.Duration) Handle {
	if period <= 0 {
		period = s.period
	}
	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.next++
	h := Handle{id: s.next}
	s.jobs[h.id] = &job{name: name, task: task, ctx: ctx, cancel: cancel}
	s.mu.Unlock()

	s.logger.Debug("poll started", zap.String("name", name), zap.Duration("period", period))
	go s.loop(loopCtx, h, period)
	return h
}

func (s *Scheduler) loop(ctx context.Context, h Handle, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	defer s.forget(h)

	for {
		select {
		case <-ticker.C:
			if !s.launch(h) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// launch starts one invocation unless h was stopped. It holds the lock while
// checking and spawning so that no invocation starts after Stop returns.
func (s *Scheduler) launch(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[h.id]
	if !ok || j.ctx.Err() != nil {
		return false
	}
	go s.run(h, j)
	return true
}

func (s *Scheduler) run(h Handle, j *job) {
	err := j.task(j.ctx)
	if err == nil || j.ctx.Err() != nil {
		return
	}
	s.logger.Warn("poll failed", zap.String("name", j.name), zap.Error(err))
	s.bus.Emit(bus.PollError, ErrorEvent{Handle: h, Err: err})
}

func (s *Scheduler) forget(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, h.id)
}

// Stop cancels future invocations of h. After Stop returns no new
// invocation is started; one already running completes. Stopping an
// unknown or already stopped handle is a no-op.
func (s *Scheduler) Stop(h Handle) {
	s.mu.Lock()
	j, ok := s.jobs[h.id]
	delete(s.jobs, h.id)
	s.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
	s.logger.Debug("poll stopped", zap.String("name", j.name))
}

// StopAll stops every schedule.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[uint64]*job)
	s.mu.Unlock()
	for _, j := range jobs {
		j.cancel()
	}
}

// active returns the number of running schedules.
func (s *Scheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
