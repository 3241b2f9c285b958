package channel

import (
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
)

// Task is an owned unit of scheduled work, per spec.md §9 ("tasks are owned
// values implementing a run method").
type Task interface {
	Run()
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func()

func (f TaskFunc) Run() { f() }

// TimerHandle is returned by Scheduler.Once/Periodic. Cancel is safe to call
// from any goroutine, including one holding a foreign lock, which is what
// lets the FSM's hello_confirm/channel_stop release the channel lock before
// cancelling a timer without ever blocking on the timer callback (spec.md
// §4.1, §5 "Deadlock avoidance").
type TimerHandle struct {
	cancel chan struct{}
	once   sync.Once
}

// Cancel stops future firings of the timer. It never blocks.
func (h *TimerHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.cancel) })
}

// Scheduler runs one-shot and periodic callbacks, per spec.md §9
// ("schedule_once(duration, task)" and "schedule_periodic(interval, task)").
// Once/Periodic are timed off the standard library's time.Timer/time.Ticker
// directly: jacobsa/timeutil's Clock only abstracts Now(), not timer
// construction, so it cannot drive these deterministically. clock is used
// by Now() alone, letting call sites that only need to stamp the current
// time (not schedule against it) substitute a fixed one in tests.
type Scheduler struct {
	clock timeutil.Clock
}

// NewScheduler constructs a Scheduler over clock. Pass timeutil.RealClock()
// in production.
func NewScheduler(clock timeutil.Clock) *Scheduler {
	return &Scheduler{clock: clock}
}

// Once schedules task to run once after d, unless cancelled first.
func (s *Scheduler) Once(d time.Duration, task Task) *TimerHandle {
	h := &TimerHandle{cancel: make(chan struct{})}
	timer := time.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			task.Run()
		case <-h.cancel:
		}
	}()
	return h
}

// Periodic schedules task to run every interval until cancelled. The first
// firing happens after one interval has elapsed, matching spec.md §4.8 ("The
// tick is re-armed unconditionally after execution").
func (s *Scheduler) Periodic(interval time.Duration, task Task) *TimerHandle {
	h := &TimerHandle{cancel: make(chan struct{})}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				task.Run()
			case <-h.cancel:
				return
			}
		}
	}()
	return h
}

// Now returns the scheduler's current time, routed through the injected
// clock so tests can control it.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}
