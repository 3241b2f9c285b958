package channel

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"fuchsia.googlesource.com/ofswitch/internal/metrics"
	"fuchsia.googlesource.com/ofswitch/internal/ofp"
)

// dialTimeout bounds a single connect attempt before it counts as
// TcpFailed, per spec.md §4.4.
const dialTimeout = 5 * time.Second

// dpidChannels groups every channel belonging to one datapath: exactly one
// primary (auxiliary_id == 0) plus zero or more auxiliary connections, per
// SPEC_FULL.md §4 item 1 and spec.md §3's "auxiliary_id != 0 implies
// is_auxiliary" invariant.
type dpidChannels struct {
	primary    *Channel
	auxiliary  map[uint8]*Channel
}

// GenerationStore tracks the monotonically increasing generation_id used to
// detect stale RoleRequests, per spec.md §4.4/§8 property 9: "a RoleRequest
// whose generation_id is older than the last accepted one is rejected with
// STALE, and never changes which channel is master."
type GenerationStore struct {
	mu      sync.Mutex
	present bool
	current uint64
}

// Accept validates candidate against the last accepted generation_id using
// the signed-wraparound comparison OpenFlow specifies (a generation_id is
// "older" if int64(candidate-current) < 0), and records it if accepted.
func (g *GenerationStore) Accept(candidate uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.present && int64(candidate-g.current) < 0 {
		return false
	}
	g.current = candidate
	g.present = true
	return true
}

// Manager is the channel manager of spec.md §4.4: it owns channel_id
// assignment, the dpid -> channel-group index, and the per-dpid generation
// store, and drives each channel's connect loop via a Dialer collaborator.
type Manager struct {
	dialer Dialer
	stats  *metrics.ChannelStats

	mu       sync.Mutex
	nextID   uint64
	byDpid   map[uint64]*dpidChannels
	byID     map[uint64]*Channel // channel_id -> Channel, process-wide
	gens     map[uint64]*GenerationStore
}

// Dialer is the transport collaborator a Manager drives connect attempts
// through; net.Dialer satisfies it directly.
type Dialer interface {
	DialContext(network, address string, timeout time.Duration) (net.Conn, error)
}

// NetDialer adapts net.Dialer to the Dialer interface above.
type NetDialer struct{}

func (NetDialer) DialContext(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// NewManager constructs an empty Manager.
func NewManager(dialer Dialer) *Manager {
	return &Manager{
		dialer: dialer,
		byDpid: make(map[uint64]*dpidChannels),
		byID:   make(map[uint64]*Channel),
		gens:   make(map[uint64]*GenerationStore),
	}
}

// SetStats attaches a counter set the Manager increments on connect
// attempts/failures and TCP close, per connection. A nil stats (the
// default) leaves the Manager's connect/close paths as pure no-ops with
// respect to metrics.
func (m *Manager) SetStats(stats *metrics.ChannelStats) {
	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()
}

// Register creates and tracks a new Channel for dpid, assigning it the next
// process-wide-unique channel_id, per spec.md §4.4 ("at most one channel
// per (dpid, channel_id), channel_id assigned monotonically"). is_auxiliary
// and auxiliary_id group it under the datapath's existing primary, per
// SPEC_FULL.md §4 item 1; the caller is responsible for ensuring a primary
// is registered before any auxiliary connection for the same dpid.
func (m *Manager) Register(dpid uint64, proto Protocol, auxiliary bool, auxiliaryID uint8, remoteAddr string, scheduler *Scheduler, sink MessageSink, bridge BridgeHooks, localVersions ofp.VersionBitmap) *Channel {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	group, ok := m.byDpid[dpid]
	if !ok {
		group = &dpidChannels{auxiliary: make(map[uint8]*Channel)}
		m.byDpid[dpid] = group
	}
	gs, ok := m.gens[dpid]
	if !ok {
		gs = &GenerationStore{}
		m.gens[dpid] = gs
	}
	m.mu.Unlock()

	c := New(id, dpid, proto, localVersions, scheduler, sink, bridge)
	c.IsAuxiliary = auxiliary
	c.AuxiliaryID = auxiliaryID
	c.remoteAddr = remoteAddr
	c.genStore = gs

	m.mu.Lock()
	m.byID[id] = c
	if auxiliary {
		group.auxiliary[auxiliaryID] = c
	} else {
		group.primary = c
	}
	m.mu.Unlock()

	return c
}

// Unregister removes a channel once it has reached refcount 0 and is no
// longer referenced, per spec.md §3's "reference count must be 0 before
// destruction".
func (m *Manager) Unregister(c *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, c.ID)
	if group, ok := m.byDpid[c.DatapathID]; ok {
		if c.IsAuxiliary {
			delete(group.auxiliary, c.AuxiliaryID)
		} else if group.primary == c {
			group.primary = nil
		}
		if group.primary == nil && len(group.auxiliary) == 0 {
			delete(m.byDpid, c.DatapathID)
		}
	}
}

// Lookup returns the channel registered under id, if any.
func (m *Manager) Lookup(id uint64) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	return c, ok
}

// Primary returns dpid's primary (non-auxiliary) channel, if registered.
func (m *Manager) Primary(dpid uint64) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.byDpid[dpid]
	if !ok || group.primary == nil {
		return nil, false
	}
	return group.primary, true
}

// AliveCount returns the number of live channels across all datapaths, per
// spec.md §4.4.
func (m *Manager) AliveCount() int {
	m.mu.Lock()
	ids := make([]*Channel, 0, len(m.byID))
	for _, c := range m.byID {
		ids = append(ids, c)
	}
	m.mu.Unlock()

	n := 0
	for _, c := range ids {
		if c.IsAlive() {
			n++
		}
	}
	return n
}

// AliveCountForDpid returns the number of live channels (primary and
// auxiliary) belonging to dpid, used by the bridge's fail-mode hysteresis
// (SPEC_FULL.md §4 item 3: Secure/Standalone flips only once the last live
// channel for a datapath disappears).
func (m *Manager) AliveCountForDpid(dpid uint64) int {
	m.mu.Lock()
	group, ok := m.byDpid[dpid]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	channels := make([]*Channel, 0, 1+len(group.auxiliary))
	if group.primary != nil {
		channels = append(channels, group.primary)
	}
	for _, c := range group.auxiliary {
		channels = append(channels, c)
	}
	m.mu.Unlock()

	n := 0
	for _, c := range channels {
		if c.IsAlive() {
			n++
		}
	}
	return n
}

// Iterate calls fn for every registered channel. fn must not call back into
// the Manager while holding a channel lock.
func (m *Manager) Iterate(fn func(*Channel)) {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.byID))
	for _, c := range m.byID {
		channels = append(channels, c)
	}
	m.mu.Unlock()

	for _, c := range channels {
		fn(c)
	}
}

// IterateConcurrent calls fn for every registered channel, running up to
// maxConcurrency calls concurrently. It is the bounded-fan-out variant of
// Iterate for callers whose fn does real work per channel (a multipart
// timeout sweep, an echo probe) where running one at a time would make the
// per-tick cost scale with channel count; fn still must not call back into
// the Manager while holding a channel lock. A maxConcurrency <= 0 is treated
// as 1.
func (m *Manager) IterateConcurrent(ctx context.Context, maxConcurrency int, fn func(*Channel)) error {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.byID))
	for _, c := range m.byID {
		channels = append(channels, c)
	}
	m.mu.Unlock()

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	var wg sync.WaitGroup
	for _, c := range channels {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(c *Channel) {
			defer wg.Done()
			defer sem.Release(1)
			fn(c)
		}(c)
	}
	wg.Wait()
	return nil
}

// GenerationStoreFor returns the per-datapath generation_id tracker used by
// RoleRequest handling, per spec.md §4.4/§8 property 9.
func (m *Manager) GenerationStoreFor(dpid uint64) *GenerationStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[dpid]
	if !ok {
		g = &GenerationStore{}
		m.gens[dpid] = g
	}
	return g
}

// Connect drives c's connect loop: start the FSM with ChannelStart, dial the
// remote endpoint, and feed TcpOpen/TcpFailed back based on the outcome.
// Reconnection after a failure or a later disconnect is driven entirely by
// the FSM's own retry timer (doStop/doConnectFail schedule the next
// ChannelStart), so Connect itself only needs to run once per attempt.
func (m *Manager) Connect(c *Channel, network, address string) {
	c.Dispatch(EventChannelStart, nil)
	go m.dialOnce(c, network, address)
}

func (m *Manager) dialOnce(c *Channel, network, address string) {
	m.mu.Lock()
	stats := m.stats
	m.mu.Unlock()
	if stats != nil {
		stats.ConnectAttempts.Increment()
	}

	conn, err := m.dialer.DialContext(network, address, dialTimeout)
	if err != nil {
		log.Warnf("channel %d: dial %s failed: %s", c.ID, address, err)
		if stats != nil {
			stats.ConnectFailures.Increment()
		}
		c.Dispatch(EventTcpFailed, nil)
		return
	}
	c.AttachConn(conn)
	go m.readLoop(c, conn)
}

// readLoop pumps bytes from conn into c's inbound PBuf and feeds framed
// messages back through Dispatch(MessageReceived)/Dispatch(HelloReceived),
// per spec.md §4.2's framing producer / FSM consumer split.
func (m *Manager) readLoop(c *Channel, conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.inbound.Write(buf[:n])
			c.mu.Unlock()
			m.drainFrames(c)
		}
		if err != nil {
			m.mu.Lock()
			stats := m.stats
			m.mu.Unlock()
			if stats != nil {
				stats.ChannelsClosed.Increment()
			}
			c.Dispatch(EventTcpClosed, nil)
			return
		}
	}
}

func (m *Manager) drainFrames(c *Channel) {
	for {
		c.mu.Lock()
		msg, ok, ferr := c.inbound.Frame()
		if ok {
			c.inbound.Compact()
		}
		c.mu.Unlock()
		if ferr != nil {
			log.Warnf("channel %d: frame error: %s", c.ID, ferr)
			c.Dispatch(EventTcpClosed, nil)
			return
		}
		if !ok {
			return
		}
		if msg.Header.Type == ofp.TypeHello {
			bitmap := extractHelloBitmap(msg.Body())
			c.Dispatch(EventHelloReceived, HelloArgs{Header: msg.Header, Bitmap: bitmap})
			continue
		}
		c.Dispatch(EventMessageReceived, msg)
	}
}

// extractHelloBitmap scans a Hello body's elements for an
// OFPHET_VERSIONBITMAP element, per spec.md §4.1.
func extractHelloBitmap(body []byte) *ofp.VersionBitmap {
	for off := 0; off+4 <= len(body); {
		elemType := ofp.HelloElemType(uint16(body[off])<<8 | uint16(body[off+1]))
		elemLen := int(uint16(body[off+2])<<8 | uint16(body[off+3]))
		if elemLen < 4 || off+elemLen > len(body) {
			return nil
		}
		if elemType == ofp.HelloElemVersionBitmap {
			vb := ofp.DecodeVersionBitmapElement(body[off+4 : off+elemLen])
			return &vb
		}
		// Elements are padded to a multiple of 8 bytes.
		padded := (elemLen + 7) &^ 7
		off += padded
	}
	return nil
}
