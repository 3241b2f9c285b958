// Package bridge implements the Bridge container of spec.md §3: the
// owner of one datapath's MAC table, RIB, forwarding pipelines, port map,
// and failure mode, wired to the channel manager via channel.BridgeHooks.
package bridge

import (
	"sync"
	"time"

	"go.uber.org/multierr"

	"fuchsia.googlesource.com/ofswitch/internal/channel"
	"fuchsia.googlesource.com/ofswitch/internal/collab"
	"fuchsia.googlesource.com/ofswitch/internal/forwarding/mac"
	"fuchsia.googlesource.com/ofswitch/internal/forwarding/pipeline"
	"fuchsia.googlesource.com/ofswitch/internal/forwarding/rib"
	"fuchsia.googlesource.com/ofswitch/internal/logging"
	"fuchsia.googlesource.com/ofswitch/internal/metrics"
)

var log = logging.Tag("bridge")

// FailMode mirrors OpenFlow's OFPC_FRAG/fail-mode semantics: Secure means
// a switch with no controller connection drops table-miss traffic;
// Standalone means it falls back to normal L2 learning, per spec.md §4.1.
type FailMode int

const (
	Secure FailMode = iota
	Standalone
)

func (m FailMode) String() string {
	if m == Standalone {
		return "standalone"
	}
	return "secure"
}

// PortInfo is one datapath port's identity, per spec.md §3's ports map.
type PortInfo struct {
	Number  uint32
	Name    string
	HWAddr  [6]byte
}

// Config bundles the tunables a Bridge's tables are constructed with.
type Config struct {
	NumWorkers    int
	MaxMACEntries int
	AgeingTime    time.Duration
	Pipeline      pipeline.Config

	// FailMode is the configured policy spec.md §4.1 applies once the
	// datapath loses every controller channel: Secure (default) drops
	// table-miss traffic, Standalone falls back to normal L2 learning.
	// It plays no part in behavior while at least one channel is alive.
	FailMode FailMode

	// Stats, when non-nil, is incremented by the bridge's forwarding
	// pipelines on every packet outcome.
	Stats *metrics.ForwardingStats
}

func (c Config) withDefaults() Config {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 2
	}
	if c.MaxMACEntries <= 0 {
		c.MaxMACEntries = 8192
	}
	if c.AgeingTime <= 0 {
		c.AgeingTime = 300 * time.Second
	}
	return c
}

// Bridge is the container spec.md §3 names: it owns flowdb/group/meter
// collaborators by reference, and owns its MAC table and RIB outright.
type Bridge struct {
	Name       string
	DatapathID uint64

	manager *channel.Manager

	macTable *mac.Table
	ribTable *rib.Table
	l2       *pipeline.Pipeline
	l3       *pipeline.Pipeline

	FlowTable  collab.FlowTable
	GroupTable collab.GroupTable
	MeterTable collab.MeterTable
	Tracer     collab.Tracer

	// configuredFailMode is the static policy from Config; failMode is the
	// live, channel-count-derived state checkFailMode maintains from it.
	configuredFailMode FailMode

	mu            sync.Mutex
	ports         map[uint32]PortInfo
	failMode      FailMode
	failModeDirty bool
}

// New constructs a Bridge bound to manager's generation-id store and
// channel index for dpid.
func New(name string, dpid uint64, manager *channel.Manager, cfg Config) *Bridge {
	cfg = cfg.withDefaults()

	macTable := mac.New(cfg.NumWorkers, cfg.MaxMACEntries, cfg.AgeingTime)
	macWorkers := make([]*mac.Worker, cfg.NumWorkers)
	for i := range macWorkers {
		macWorkers[i] = macTable.Worker(i)
	}
	ribTable := rib.New(macWorkers)

	b := &Bridge{
		Name:               name,
		DatapathID:         dpid,
		manager:            manager,
		macTable:           macTable,
		ribTable:           ribTable,
		ports:              make(map[uint32]PortInfo),
		configuredFailMode: cfg.FailMode,
		failMode:           Secure,
		Tracer:             collab.NoopTracer{},
	}
	b.l2 = pipeline.New(pipeline.KindL2, macTable, nil, cfg.Stats, cfg.Pipeline)
	b.l3 = pipeline.New(pipeline.KindL3, macTable, ribTable, cfg.Stats, cfg.Pipeline)
	return b
}

// Start launches the bridge's forwarding pipelines.
func (b *Bridge) Start() {
	b.l2.Start()
	b.l3.Start()
}

// Shutdown tears down the bridge's forwarding pipelines, reporting both
// pipelines' errors (if any) combined via multierr rather than only the
// first one observed.
func (b *Bridge) Shutdown(graceful bool) error {
	l2Err := b.l2.Shutdown(graceful)
	l3Err := b.l3.Shutdown(graceful)
	return multierr.Combine(l2Err, l3Err)
}

// L2 returns the bridge's L2 forwarding pipeline.
func (b *Bridge) L2() *pipeline.Pipeline { return b.l2 }

// L3 returns the bridge's L3 forwarding pipeline.
func (b *Bridge) L3() *pipeline.Pipeline { return b.l3 }

// MACTable returns the bridge's MAC table, for datastore API callers
// (spec.md §6's "MAC-table get/set, add/delete/clear one entry").
func (b *Bridge) MACTable() *mac.Table { return b.macTable }

// RIB returns the bridge's route/ARP table, for datastore API callers
// (spec.md §6's "RIB route-rule iteration").
func (b *Bridge) RIB() *rib.Table { return b.ribTable }

// AddPort registers a port in the bridge's port map.
func (b *Bridge) AddPort(p PortInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ports[p.Number] = p
}

// RemovePort removes a port from the bridge's port map.
func (b *Bridge) RemovePort(number uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ports, number)
}

// Ports returns a snapshot of the bridge's port map.
func (b *Bridge) Ports() []PortInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PortInfo, 0, len(b.ports))
	for _, p := range b.ports {
		out = append(out, p)
	}
	return out
}

// FailMode returns the bridge's current failure mode.
func (b *Bridge) FailMode() FailMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failMode
}

// OnChannelEstablished implements channel.BridgeHooks. It marks the
// fail-mode check dirty rather than flipping immediately, per
// SPEC_FULL.md §4 item 3's one-tick debounce.
func (b *Bridge) OnChannelEstablished(dpid uint64) {
	if dpid != b.DatapathID {
		return
	}
	b.mu.Lock()
	b.failModeDirty = true
	b.mu.Unlock()
}

// OnChannelLivenessChanged implements channel.BridgeHooks, for the same
// reason as OnChannelEstablished above.
func (b *Bridge) OnChannelLivenessChanged(dpid uint64) {
	if dpid != b.DatapathID {
		return
	}
	b.mu.Lock()
	b.failModeDirty = true
	b.mu.Unlock()
}

// UpdateMAC implements internal/updater.Tables.
func (b *Bridge) UpdateMAC(now time.Time) bool {
	return b.macTable.Update(now)
}

// UpdateRIB implements internal/updater.Tables. It also resolves any
// pending fail-mode check queued by a channel callback, so the
// Secure/Standalone transition lands on the updater's own thread rather
// than inline inside the FSM's lock, and is debounced by exactly one
// updater tick (SPEC_FULL.md §4 item 3).
func (b *Bridge) UpdateRIB() bool {
	ok := b.ribTable.Update()
	b.checkFailMode()
	return ok
}

func (b *Bridge) checkFailMode() {
	b.mu.Lock()
	dirty := b.failModeDirty
	b.failModeDirty = false
	current := b.failMode
	b.mu.Unlock()

	if !dirty {
		return
	}

	// While a channel is alive the datapath is controlled and fail mode
	// doesn't apply; once the last one drops, the configured policy takes
	// over, per spec.md §4.1's "fail mode is a configured policy applied
	// on controller loss" (not itself derived from the channel count).
	next := Secure
	if b.manager.AliveCountForDpid(b.DatapathID) == 0 {
		next = b.configuredFailMode
	}
	if next == current {
		return
	}

	b.mu.Lock()
	b.failMode = next
	b.mu.Unlock()
	log.Infof("bridge %s: fail mode %v -> %v", b.Name, current, next)
}
