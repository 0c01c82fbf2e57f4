package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/howudoin/internal/bus"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDefaultPeriod(t *testing.T) {
	if p := NewScheduler(0, nil, nil).Period(); p != DefaultPeriod {
		t.Errorf("Period() = %v, want %v", p, DefaultPeriod)
	}
	if p := NewScheduler(time.Second, nil, nil).Period(); p != time.Second {
		t.Errorf("Period() = %v", p)
	}
}

func TestStartInvokesPeriodically(t *testing.T) {
	s := NewScheduler(time.Hour, nil, nil)
	var n atomic.Int32
	h := s.Start(context.Background(), "count", func(context.Context) error {
		n.Add(1)
		return nil
	}, 5*time.Millisecond)
	defer s.Stop(h)

	waitFor(t, func() bool { return n.Load() >= 3 })
}

func TestNoInvocationAfterStop(t *testing.T) {
	s := NewScheduler(0, nil, nil)
	var n atomic.Int32
	h := s.Start(context.Background(), "count", func(context.Context) error {
		n.Add(1)
		return nil
	}, 2*time.Millisecond)
	waitFor(t, func() bool { return n.Load() >= 2 })

	s.Stop(h)
	// Let invocations launched before Stop finish.
	time.Sleep(20 * time.Millisecond)
	settled := n.Load()
	time.Sleep(30 * time.Millisecond)
	if got := n.Load(); got != settled {
		t.Errorf("invocations after Stop: %d -> %d", settled, got)
	}
	if s.active() != 0 {
		t.Errorf("active() = %d", s.active())
	}
	s.Stop(h) // second Stop is a no-op
}

func TestInvocationsMayOverlap(t *testing.T) {
	s := NewScheduler(0, nil, nil)
	var (
		running, peak atomic.Int32
		release       = make(chan struct{})
	)
	h := s.Start(context.Background(), "slow", func(context.Context) error {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}, 2*time.Millisecond)

	waitFor(t, func() bool { return peak.Load() >= 2 })
	s.Stop(h)
	close(release)
}

func TestStopDoesNotCancelRunningTask(t *testing.T) {
	s := NewScheduler(0, nil, nil)
	started := make(chan struct{}, 1)
	finished := make(chan error, 1)
	release := make(chan struct{})
	var once sync.Once
	h := s.Start(context.Background(), "inflight", func(ctx context.Context) error {
		first := false
		once.Do(func() { first = true })
		if !first {
			return nil
		}
		started <- struct{}{}
		<-release
		finished <- ctx.Err()
		return nil
	}, 2*time.Millisecond)

	<-started
	s.Stop(h)
	close(release)
	if err := <-finished; err != nil {
		t.Errorf("running task saw ctx error %v after Stop", err)
	}
}

func TestContextCancelEndsSchedule(t *testing.T) {
	s := NewScheduler(0, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, "ctx", func(context.Context) error { return nil }, time.Millisecond)
	if s.active() != 1 {
		t.Fatalf("active() = %d", s.active())
	}
	cancel()
	waitFor(t, func() bool { return s.active() == 0 })
}

func TestContextCancelWithTickPendingForgetsSchedule(t *testing.T) {
	s := NewScheduler(0, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	for range 500 {
		s.Start(ctx, "busy", func(context.Context) error { return nil }, 50*time.Microsecond)
	}
	time.Sleep(200 * time.Microsecond)
	cancel()
	waitFor(t, func() bool { return s.active() == 0 })
}

func TestStopAll(t *testing.T) {
	s := NewScheduler(0, nil, nil)
	var n atomic.Int32
	for range 3 {
		s.Start(context.Background(), "many", func(context.Context) error {
			n.Add(1)
			return nil
		}, 2*time.Millisecond)
	}
	waitFor(t, func() bool { return n.Load() >= 3 })
	s.StopAll()
	if s.active() != 0 {
		t.Errorf("active() = %d", s.active())
	}
	time.Sleep(20 * time.Millisecond)
	settled := n.Load()
	time.Sleep(20 * time.Millisecond)
	if n.Load() != settled {
		t.Error("invocations continued after StopAll")
	}
}

func TestErrorsPublishedAndScheduleContinues(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("poll.", 16)
	defer unsub()
	s := NewScheduler(0, b, nil)
	var n atomic.Int32
	boom := errors.New("boom")
	h := s.Start(context.Background(), "failing", func(context.Context) error {
		n.Add(1)
		return boom
	}, 2*time.Millisecond)
	defer s.Stop(h)

	waitFor(t, func() bool { return n.Load() >= 2 })
	select {
	case ev := <-events:
		e, ok := ev.Payload.(ErrorEvent)
		if ev.Kind != bus.PollError || !ok || !errors.Is(e.Err, boom) || e.Handle != h {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no poll.error event")
	}
}

type fakeView struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (v *fakeView) Open(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.opened = append(v.opened, key)
}

func (v *fakeView) Close(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = append(v.closed, key)
}

func TestWatch(t *testing.T) {
	s := NewScheduler(0, nil, nil)
	view := &fakeView{}
	var n atomic.Int32
	fetch := func(_ context.Context, key string) error {
		if key != "bob@example.com" {
			t.Errorf("fetch key = %q", key)
		}
		n.Add(1)
		return nil
	}

	stop, err := s.Watch(context.Background(), view, "bob@example.com", fetch, 2*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if n.Load() < 1 {
		t.Error("Watch did not fetch immediately")
	}
	waitFor(t, func() bool { return n.Load() >= 3 })

	stop()
	stop()
	if s.active() != 0 {
		t.Error("schedule still active after stop")
	}
	view.mu.Lock()
	defer view.mu.Unlock()
	if len(view.opened) != 1 || len(view.closed) != 1 {
		t.Errorf("opened %v closed %v", view.opened, view.closed)
	}
}

func TestWatchReturnsFirstError(t *testing.T) {
	s := NewScheduler(0, nil, nil)
	boom := errors.New("offline")
	stop, err := s.Watch(context.Background(), &fakeView{}, "g1", func(context.Context, string) error { return boom }, time.Hour)
	defer stop()
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if s.active() != 1 {
		t.Error("schedule should run despite the first failure")
	}
}
