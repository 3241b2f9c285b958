package updater

import (
	"sync"
	"testing"
	"time"

	"fuchsia.googlesource.com/ofswitch/internal/channel"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type countingTables struct {
	mu         sync.Mutex
	macCalls   int
	ribCalls   int
	macAccepts bool
	ribAccepts bool
}

func (t *countingTables) UpdateMAC(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.macCalls++
	return t.macAccepts
}

func (t *countingTables) UpdateRIB() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ribCalls++
	return t.ribAccepts
}

func (t *countingTables) counts() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.macCalls, t.ribCalls
}

func TestUpdaterTicksEveryRegisteredBridge(t *testing.T) {
	sched := channel.NewScheduler(&fakeClock{t: time.Unix(0, 0)})
	u := New(sched, 20*time.Millisecond)

	a := &countingTables{macAccepts: true, ribAccepts: true}
	b := &countingTables{macAccepts: true, ribAccepts: true}
	u.Register("a", a)
	u.Register("b", b)
	u.Start()
	defer u.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		macA, ribA := a.counts()
		macB, ribB := b.counts()
		if macA > 0 && ribA > 0 && macB > 0 && ribB > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("updater did not tick both registered bridges within the deadline")
}

func TestUnregisterStopsFutureTicks(t *testing.T) {
	sched := channel.NewScheduler(&fakeClock{t: time.Unix(0, 0)})
	u := New(sched, 20*time.Millisecond)

	a := &countingTables{macAccepts: true, ribAccepts: true}
	u.Register("a", a)
	u.Start()
	defer u.Stop()

	time.Sleep(50 * time.Millisecond)
	u.Unregister("a")
	macBefore, _ := a.counts()
	time.Sleep(100 * time.Millisecond)
	macAfter, _ := a.counts()

	if macAfter != macBefore {
		t.Fatalf("tick count grew after Unregister: before=%d after=%d", macBefore, macAfter)
	}
}
