// Package mac implements the double-buffered MAC learning table of
// spec.md §4.5: source-MAC learning on the fast path, at-most-one-hop
// destination lookups with no reader-side locking, and a single updater
// thread that periodically rebuilds and flips the inactive side.
package mac

import (
	"sync"
	"sync/atomic"
	"time"

	"fuchsia.googlesource.com/ofswitch/internal/logging"
)

var log = logging.Tag("mac")

// ringSize bounds the per-worker recent-ethaddr ring used to deduplicate
// queue inserts, per spec.md §4.5 ("a small recent-ethaddr ring").
const ringSize = 32

// EntryType distinguishes a learned (Dynamic) entry, subject to ageing,
// from an administrator-installed (Static) one that never ages out.
type EntryType uint8

const (
	Dynamic EntryType = iota
	Static
)

func (t EntryType) String() string {
	if t == Static {
		return "static"
	}
	return "dynamic"
}

// Entry is one MAC -> port mapping.
type Entry struct {
	MAC        [6]byte
	Port       uint32
	Type       EntryType
	UpdateTime time.Time
}

// queueMsg is what a worker or an administrative caller enqueues toward
// the updater: either a full entry to learn/overwrite, or a touch record
// refreshing an existing entry's age, per spec.md §4.5's learning and
// lookup steps.
type queueMsg struct {
	mac   [6]byte
	port  uint32
	typ   EntryType
	touch bool
}

// side is one half of the double buffer.
type side struct {
	entries map[[6]byte]Entry
	dynamic []([6]byte) // ordered oldest-first, for age-out and tail-reinsertion
}

func newSide() *side {
	return &side{entries: make(map[[6]byte]Entry)}
}

// Worker is a forwarding pipeline thread's private view into the table:
// its own cache, queue to the updater, and ring, indexed by worker id
// per spec.md §4.7 ("a stage reports its worker id").
type Worker struct {
	id    int
	table *Table

	localCache map[[6]byte]Entry
	ring       [ringSize][6]byte
	ringLen    int
	ringNext   int

	// referredSide/referring are the two atomics of spec.md §9's
	// double-buffering protocol; read_index itself lives on Table.
	referredSide int32
	referring    int32

	queue chan queueMsg
}

func newWorker(id int, table *Table, queueDepth int) *Worker {
	return &Worker{
		id:         id,
		table:      table,
		localCache: make(map[[6]byte]Entry),
		queue:      make(chan queueMsg, queueDepth),
	}
}

func (w *Worker) ringContains(m [6]byte) bool {
	for i := 0; i < w.ringLen; i++ {
		if w.ring[i] == m {
			return true
		}
	}
	return false
}

func (w *Worker) ringAppend(m [6]byte) {
	w.ring[w.ringNext] = m
	w.ringNext = (w.ringNext + 1) % ringSize
	if w.ringLen < ringSize {
		w.ringLen++
	}
}

// reconcile implements spec.md §4.5's per-operation side check: "on every
// operation the worker reconciles its referred_side with the current
// read_index: on mismatch it clears its local cache ... and resets its
// recent-ethaddr ring."
func (w *Worker) reconcile() {
	current := atomic.LoadInt32(&w.table.readIndex)
	if atomic.LoadInt32(&w.referredSide) != current {
		w.localCache = make(map[[6]byte]Entry)
		w.ringLen = 0
		w.ringNext = 0
		atomic.StoreInt32(&w.referredSide, current)
	}
}

func (w *Worker) enqueue(msg queueMsg) {
	select {
	case w.queue <- msg:
	default:
		log.Warnf("worker %d: mac queue full, dropping update for %x", w.id, msg.mac)
	}
}

// Learn implements spec.md §4.5's learning algorithm for a packet observed
// on port with source MAC m.
func (w *Worker) Learn(m [6]byte, port uint32) {
	w.reconcile()

	if _, ok := w.localCache[m]; !ok {
		w.localCache[m] = Entry{MAC: m, Port: port, Type: Dynamic}
	}
	if !w.ringContains(m) {
		w.enqueue(queueMsg{mac: m, port: port, typ: Dynamic})
		w.ringAppend(m)
	}
}

// Lookup implements spec.md §4.5's lookup algorithm for destination MAC d,
// returning (port, type, true) on a hit or (0, 0, false) meaning FLOOD.
func (w *Worker) Lookup(d [6]byte) (uint32, EntryType, bool) {
	atomic.AddInt32(&w.referring, 1)
	defer atomic.AddInt32(&w.referring, -1)

	w.reconcile()

	if e, ok := w.localCache[d]; ok {
		w.touchIfFresh(d, e)
		return e.Port, e.Type, true
	}

	read := w.table.readSide()
	if e, ok := read.entries[d]; ok {
		w.localCache[d] = e
		w.touchIfFresh(d, e)
		return e.Port, e.Type, true
	}
	return 0, 0, false
}

func (w *Worker) touchIfFresh(m [6]byte, e Entry) {
	if w.ringContains(m) {
		return
	}
	w.enqueue(queueMsg{mac: m, touch: true})
	w.ringAppend(m)
}

// Table is the bridge-owned double-buffered MAC table of spec.md §4.5.
type Table struct {
	sides     [2]*side
	readIndex int32 // atomic

	maxEntries int
	ageingTime time.Duration

	mu         sync.Mutex // serializes Update() against administrative calls below
	workers    []*Worker
	adminQueue chan queueMsg
}

// New constructs a Table with numWorkers forwarding-pipeline workers.
func New(numWorkers, maxEntries int, ageingTime time.Duration) *Table {
	t := &Table{
		sides:      [2]*side{newSide(), newSide()},
		maxEntries: maxEntries,
		ageingTime: ageingTime,
		adminQueue: make(chan queueMsg, 256),
	}
	t.workers = make([]*Worker, numWorkers)
	for i := range t.workers {
		t.workers[i] = newWorker(i, t, 1024)
	}
	return t
}

// Worker returns the table's worker at index id, for use by a forwarding
// pipeline stage.
func (t *Table) Worker(id int) *Worker {
	return t.workers[id]
}

func (t *Table) readSide() *side {
	return t.sides[atomic.LoadInt32(&t.readIndex)]
}

func (t *Table) writeSide() *side {
	return t.sides[atomic.LoadInt32(&t.readIndex)^1]
}

// SetEntry implements the datastore write spec.md §4.5 names:
// mactable_entry_update(M, P) enqueues a Static record on an
// administrative queue which the updater processes identically to a
// worker-originated record but with Type = Static.
func (t *Table) SetEntry(m [6]byte, port uint32) {
	select {
	case t.adminQueue <- queueMsg{mac: m, port: port, typ: Static}:
	default:
		log.Warnf("mac table: admin queue full, dropping static entry for %x", m)
	}
}

// Snapshot returns a copy of the current read side's entries, for
// management-tooling iteration (spec.md §6's "iterate entries").
func (t *Table) Snapshot() []Entry {
	read := t.readSide()
	out := make([]Entry, 0, len(read.entries))
	for _, e := range read.entries {
		out = append(out, e)
	}
	return out
}

// Update runs one updater cycle, per spec.md §4.5's "Updater cycle": the
// worker-referred check, side rebuild, queue drain/merge, age-out, and
// flip. It returns false without making any change if any worker is
// still referring to the side about to be rebuilt.
func (t *Table) Update(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	readIdx := atomic.LoadInt32(&t.readIndex)
	for _, w := range t.workers {
		if atomic.LoadInt32(&w.referredSide) != readIdx && atomic.LoadInt32(&w.referring) == 1 {
			return false
		}
	}

	write := t.sides[readIdx^1]
	read := t.sides[readIdx]

	write.entries = make(map[[6]byte]Entry, len(read.entries))
	write.dynamic = write.dynamic[:0]

	n := 0
	truncated := false
	// Copy dynamic entries in read.dynamic's oldest-first order, not by
	// ranging over read.entries (a map, whose iteration order is
	// randomized and would scramble the age ordering ageOut depends on).
	for _, k := range read.dynamic {
		if n >= t.maxEntries {
			truncated = true
			break
		}
		e, ok := read.entries[k]
		if !ok {
			continue
		}
		write.entries[k] = e
		write.dynamic = append(write.dynamic, k)
		n++
	}
	for k, e := range read.entries {
		if e.Type == Dynamic {
			continue
		}
		if n >= t.maxEntries {
			truncated = true
			break
		}
		write.entries[k] = e
		n++
	}
	if truncated {
		log.Warnf("mac table: truncating read side at max_entries=%d", t.maxEntries)
	}

	t.drainInto(write, t.adminQueue, now)
	for _, w := range t.workers {
		t.drainInto(write, w.queue, now)
	}

	t.ageOut(write, now)

	atomic.StoreInt32(&t.readIndex, readIdx^1)
	return true
}

func (t *Table) drainInto(write *side, q chan queueMsg, now time.Time) {
	for {
		select {
		case msg := <-q:
			t.applyMsg(write, msg, now)
		default:
			return
		}
	}
}

func (t *Table) applyMsg(write *side, msg queueMsg, now time.Time) {
	if msg.touch {
		existing, ok := write.entries[msg.mac]
		if !ok {
			return
		}
		existing.UpdateTime = now
		write.entries[msg.mac] = existing
		if existing.Type == Dynamic {
			write.moveToTail(msg.mac)
		}
		return
	}

	existing, exists := write.entries[msg.mac]
	if exists && existing.Type == Static && msg.typ == Dynamic {
		// "existing static entry stays static; write is rejected to
		// overwrite static with dynamic" (spec.md §4.5).
		return
	}

	entry := Entry{MAC: msg.mac, Port: msg.port, Type: msg.typ, UpdateTime: now}
	write.entries[msg.mac] = entry

	if !exists {
		if msg.typ == Dynamic {
			write.dynamic = append(write.dynamic, msg.mac)
		}
		return
	}
	if existing.Type == Dynamic && msg.typ == Dynamic {
		write.moveToTail(msg.mac)
	}
}

func (s *side) moveToTail(m [6]byte) {
	for i, k := range s.dynamic {
		if k == m {
			s.dynamic = append(s.dynamic[:i], s.dynamic[i+1:]...)
			break
		}
	}
	s.dynamic = append(s.dynamic, m)
}

// ageOut implements spec.md §4.5 step 4: "walk the dynamic list from the
// head and remove entries whose update_time is older than ageing_time;
// stop at the first non-expired entry."
func (t *Table) ageOut(write *side, now time.Time) {
	i := 0
	for ; i < len(write.dynamic); i++ {
		k := write.dynamic[i]
		e, ok := write.entries[k]
		if !ok {
			continue
		}
		if now.Sub(e.UpdateTime) <= t.ageingTime {
			break
		}
		delete(write.entries, k)
	}
	write.dynamic = write.dynamic[i:]
}
