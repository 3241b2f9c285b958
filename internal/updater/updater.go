// Package updater implements the single periodic thread of spec.md §4.8:
// one tick per period drives every registered bridge's MAC table and RIB
// update() in turn, unconditionally re-arming afterward.
package updater

import (
	"sync"
	"time"

	"fuchsia.googlesource.com/ofswitch/internal/channel"
	"fuchsia.googlesource.com/ofswitch/internal/logging"
)

var log = logging.Tag("updater")

// DefaultPeriod is spec.md §4.8's default tick period.
const DefaultPeriod = time.Second

// Tables is the pair of double-buffered tables one bridge owns, per
// spec.md §2's note that a bridge owns one MAC table and one RIB.
type Tables interface {
	UpdateMAC(now time.Time) bool
	UpdateRIB() bool
}

// Updater owns the single ticking thread that sweeps every registered
// bridge's tables once per period.
type Updater struct {
	scheduler *channel.Scheduler
	period    time.Duration

	mu      sync.Mutex
	bridges map[string]Tables

	handle *channel.TimerHandle
}

// New constructs an Updater. Pass channel.NewScheduler(timeutil.RealClock())
// in production, or an injected clock in tests.
func New(scheduler *channel.Scheduler, period time.Duration) *Updater {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Updater{
		scheduler: scheduler,
		period:    period,
		bridges:   make(map[string]Tables),
	}
}

// Register adds a bridge (keyed by name, for logging) to the sweep.
func (u *Updater) Register(name string, t Tables) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bridges[name] = t
}

// Unregister removes a bridge from the sweep.
func (u *Updater) Unregister(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.bridges, name)
}

// Start begins the periodic tick. It is idempotent only in the sense that
// calling it twice leaks the first timer; callers start an Updater once.
func (u *Updater) Start() {
	u.handle = u.scheduler.Periodic(u.period, channel.TaskFunc(u.tick))
}

// Stop cancels the periodic tick.
func (u *Updater) Stop() {
	u.handle.Cancel()
}

func (u *Updater) tick() {
	u.mu.Lock()
	names := make([]string, 0, len(u.bridges))
	tables := make([]Tables, 0, len(u.bridges))
	for name, t := range u.bridges {
		names = append(names, name)
		tables = append(tables, t)
	}
	u.mu.Unlock()

	now := u.scheduler.Now()
	for i, t := range tables {
		if !t.UpdateMAC(now) {
			log.Warnf("updater: bridge %s MAC table update aborted (worker referring stale side)", names[i])
		}
		if !t.UpdateRIB() {
			log.Warnf("updater: bridge %s RIB update aborted (worker referring stale side)", names[i])
		}
	}
}
