// Package rib implements the double-buffered route/ARP table and its
// per-worker FIB cache described in spec.md §4.6: longest-prefix-match
// routing joined with ARP resolution, feeding a forwarding-fast-path FIB
// whose hits rewrite Ethernet headers in place. TTL is decremented only
// on the full route+ARP resolution path, not on a FIB hit.
package rib

import (
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"fuchsia.googlesource.com/ofswitch/internal/collab"
	"fuchsia.googlesource.com/ofswitch/internal/forwarding/mac"
	"fuchsia.googlesource.com/ofswitch/internal/logging"
)

var log = logging.Tag("rib")

// RouteEntry is one longest-prefix-match route, per spec.md §4.6.
type RouteEntry struct {
	Dest      [4]byte
	PrefixLen uint8
	Gateway   [4]byte
	Ifindex   int
	Scope     collab.RouteScope
	SrcMAC    [6]byte
}

// ArpEntry is one resolved IPv4-to-MAC mapping.
type ArpEntry struct {
	Ifindex int
	MAC     [6]byte
}

type ribSide struct {
	routes []RouteEntry
	arp    map[[4]byte]ArpEntry
}

func newRibSide() *ribSide {
	return &ribSide{arp: make(map[[4]byte]ArpEntry)}
}

// lpmMatch returns the most specific RouteEntry covering dst, per spec.md
// §4.6 ("the spec requires only longest-prefix-match semantics").
func (s *ribSide) lpmMatch(dst [4]byte) (RouteEntry, bool) {
	best := RouteEntry{}
	bestLen := -1
	for _, r := range s.routes {
		if int(r.PrefixLen) <= bestLen {
			continue
		}
		if prefixMatches(dst, r.Dest, r.PrefixLen) {
			best = r
			bestLen = int(r.PrefixLen)
		}
	}
	return best, bestLen >= 0
}

func prefixMatches(addr, net [4]byte, prefixLen uint8) bool {
	if prefixLen > 32 {
		return false
	}
	full := prefixLen / 8
	for i := uint8(0); i < full; i++ {
		if addr[i] != net[i] {
			return false
		}
	}
	rem := prefixLen % 8
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return addr[full]&mask == net[full]&mask
}

// FIBEntry is a per-worker fast-path cache entry installed after a full
// route+ARP resolution, per spec.md §4.6 step 6.
type FIBEntry struct {
	SrcMAC     [6]byte
	DstMAC     [6]byte
	OutputPort uint32
}

// Outcome is what Lookup reports once it has finished consulting the FIB,
// route table, and ARP table for one packet.
type Outcome int

const (
	// OutcomeForward means the packet's Ethernet header was rewritten and
	// OutputPort names the egress port.
	OutcomeForward Outcome = iota
	// OutcomeSendToKernel means ARP resolution is needed; the caller hands
	// the packet to the control plane per spec.md §4.6 step 4.
	OutcomeSendToKernel
	// OutcomeDropped means the packet's TTL reached zero in transit.
	OutcomeDropped
)

// Result is Lookup's return value.
type Result struct {
	Outcome    Outcome
	OutputPort uint32
}

// Worker is a forwarding pipeline thread's RIB-facing state: its FIB
// cache plus the double-buffering reconciliation fields, indexed by
// worker id exactly as internal/forwarding/mac.Worker is.
type Worker struct {
	id    int
	table *Table
	mac   *mac.Worker

	fib map[[4]byte]FIBEntry

	referredSide int32
	referring    int32
}

func newWorker(id int, table *Table, macWorker *mac.Worker) *Worker {
	return &Worker{id: id, table: table, mac: macWorker, fib: make(map[[4]byte]FIBEntry)}
}

func (w *Worker) reconcile() {
	current := atomic.LoadInt32(&w.table.readIndex)
	if atomic.LoadInt32(&w.referredSide) != current {
		w.fib = make(map[[4]byte]FIBEntry)
		atomic.StoreInt32(&w.referredSide, current)
	}
}

// Lookup implements spec.md §4.6's rib_lookup for a packet whose IPv4
// destination is dst: it rewrites the Ethernet header of eth in place on
// a forwarding hit, and reports whether the caller should forward, punt
// to the kernel, or drop. A full route+ARP resolution also decrements the
// TTL of ipv4 (dropping at zero); a FIB cache hit leaves TTL unchanged.
func (w *Worker) Lookup(eth header.Ethernet, ipv4 header.IPv4, dst [4]byte) Result {
	atomic.AddInt32(&w.referring, 1)
	defer atomic.AddInt32(&w.referring, -1)

	w.reconcile()

	if entry, ok := w.fib[dst]; ok {
		rewriteEthernet(eth, entry.SrcMAC, entry.DstMAC)
		return Result{Outcome: OutcomeForward, OutputPort: entry.OutputPort}
	}

	read := w.table.readSide()
	route, ok := read.lpmMatch(dst)
	if !ok {
		return Result{Outcome: OutcomeSendToKernel}
	}

	nextHop := dst
	if route.Scope != collab.ScopeLink {
		nextHop = route.Gateway
	}

	arpEntry, ok := read.arp[nextHop]
	if !ok {
		return Result{Outcome: OutcomeSendToKernel}
	}

	ttl := ipv4.TTL()
	if ttl == 0 {
		return Result{Outcome: OutcomeDropped}
	}
	ttl--
	if ttl == 0 {
		return Result{Outcome: OutcomeDropped}
	}
	ipv4.SetTTL(ttl)
	rewriteEthernet(eth, route.SrcMAC, arpEntry.MAC)

	port, _, macOK := w.mac.Lookup(arpEntry.MAC)
	if !macOK {
		port = 0 // OFPP_ALL / FLOOD, per spec.md §4.5's lookup miss semantics.
	}

	w.fib[dst] = FIBEntry{SrcMAC: route.SrcMAC, DstMAC: arpEntry.MAC, OutputPort: port}
	return Result{Outcome: OutcomeForward, OutputPort: port}
}

// rewriteEthernet rewrites eth's source/destination in place, preserving
// its ethertype, per spec.md §4.6 step 5.
func rewriteEthernet(eth header.Ethernet, src, dst [6]byte) {
	eth.Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(src[:]),
		DstAddr: tcpip.LinkAddress(dst[:]),
		Type:    eth.Type(),
	})
}

// Table is the bridge-owned double-buffered route+ARP table of spec.md
// §4.6.
type Table struct {
	sides     [2]*ribSide
	readIndex int32 // atomic

	mu            sync.Mutex
	workers       []*Worker
	notifications chan collab.NotificationEntry
}

// notificationQueueDepth bounds the shared notification queue; spec.md §9
// open question (a) leaves the overflow policy to the implementer. This
// table chooses bounded drop-oldest: Enqueue discards the oldest pending
// notification rather than blocking the netlink adapter, logging the
// drop so churn is observable (DESIGN.md documents this decision).
const notificationQueueDepth = 4096

// New constructs a Table with a RIB worker bound to each supplied MAC
// table worker (the forwarding pipeline shares worker ids across both
// tables, per spec.md §4.7).
func New(macWorkers []*mac.Worker) *Table {
	t := &Table{
		sides:         [2]*ribSide{newRibSide(), newRibSide()},
		notifications: make(chan collab.NotificationEntry, notificationQueueDepth),
	}
	t.workers = make([]*Worker, len(macWorkers))
	for i, mw := range macWorkers {
		t.workers[i] = newWorker(i, t, mw)
	}
	return t
}

// Worker returns the table's worker at index id.
func (t *Table) Worker(id int) *Worker {
	return t.workers[id]
}

func (t *Table) readSide() *ribSide {
	return t.sides[atomic.LoadInt32(&t.readIndex)]
}

// Enqueue deposits a netlink-derived notification for the updater to
// apply on its next cycle, implementing the drop-oldest overflow policy
// documented above.
func (t *Table) Enqueue(n collab.NotificationEntry) {
	select {
	case t.notifications <- n:
		return
	default:
	}
	select {
	case <-t.notifications:
		log.Warnf("rib: notification queue full, dropping oldest entry")
	default:
	}
	select {
	case t.notifications <- n:
	default:
		log.Warnf("rib: notification queue still full after drop-oldest, discarding incoming entry")
	}
}

// Update runs one updater cycle, per spec.md §4.6's "Updater cycle".
func (t *Table) Update() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	readIdx := atomic.LoadInt32(&t.readIndex)
	for _, w := range t.workers {
		if atomic.LoadInt32(&w.referredSide) != readIdx && atomic.LoadInt32(&w.referring) == 1 {
			return false
		}
	}

	read := t.sides[readIdx]
	write := t.sides[readIdx^1]

	write.arp = make(map[[4]byte]ArpEntry, len(read.arp))
	for k, v := range read.arp {
		write.arp[k] = v
	}
	write.routes = append(write.routes[:0], read.routes...)

	t.drainNotifications(write)

	atomic.StoreInt32(&t.readIndex, readIdx^1)
	return true
}

func (t *Table) drainNotifications(write *ribSide) {
	for {
		select {
		case n := <-t.notifications:
			t.applyNotification(write, n)
		default:
			return
		}
	}
}

func (t *Table) applyNotification(write *ribSide, n collab.NotificationEntry) {
	switch n.Kind {
	case collab.NotifyIfaddrAdd:
		for i := range write.routes {
			if write.routes[i].Ifindex == n.Ifindex {
				write.routes[i].SrcMAC = macFromLabel(n)
			}
		}
	case collab.NotifyArpAdd:
		write.arp[n.Dest] = ArpEntry{Ifindex: n.Ifindex, MAC: n.ArpMAC}
	case collab.NotifyArpDel:
		delete(write.arp, n.Dest)
	case collab.NotifyRouteAdd:
		t.upsertRoute(write, RouteEntry{
			Dest:      n.Dest,
			PrefixLen: n.PrefixLen,
			Gateway:   n.Gateway,
			Ifindex:   n.Ifindex,
			Scope:     n.Scope,
			SrcMAC:    n.RouteMAC,
		})
	case collab.NotifyRouteDel:
		t.deleteRoute(write, n.Dest, n.PrefixLen)
	}
}

// macFromLabel recovers the interface MAC carried on an IfaddrAdd
// notification. The collab.NotificationEntry shape carries it in ArpMAC
// for this event, since IfaddrAdd and ArpAdd never overlap in meaning.
func macFromLabel(n collab.NotificationEntry) [6]byte {
	return n.ArpMAC
}

func (t *Table) upsertRoute(write *ribSide, r RouteEntry) {
	// spec.md §9 open question (b): a prefix_len < 1 RouteAdd is ignored
	// rather than silently installed as a default route, matching the
	// documented asymmetry in the source but applying it consistently to
	// both add and delete (resolving the "is this intentional" question
	// in favor of symmetric, explicit handling).
	if r.PrefixLen < 1 {
		log.Warnf("rib: ignoring route add with prefix_len=%d for %v", r.PrefixLen, r.Dest)
		return
	}
	for i := range write.routes {
		if write.routes[i].Dest == r.Dest && write.routes[i].PrefixLen == r.PrefixLen {
			write.routes[i] = r
			return
		}
	}
	write.routes = append(write.routes, r)
}

func (t *Table) deleteRoute(write *ribSide, dest [4]byte, prefixLen uint8) {
	if prefixLen < 1 {
		log.Warnf("rib: ignoring route delete with prefix_len=%d for %v", prefixLen, dest)
		return
	}
	for i := range write.routes {
		if write.routes[i].Dest == dest && write.routes[i].PrefixLen == prefixLen {
			write.routes = append(write.routes[:i], write.routes[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the current read side's routes, for
// management-tooling iteration (spec.md §6's "RIB route-rule iteration").
func (t *Table) Snapshot() []RouteEntry {
	read := t.readSide()
	out := make([]RouteEntry, len(read.routes))
	copy(out, read.routes)
	return out
}
