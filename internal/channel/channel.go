package channel

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"

	"fuchsia.googlesource.com/ofswitch/internal/logging"
	"fuchsia.googlesource.com/ofswitch/internal/ofp"
	"fuchsia.googlesource.com/ofswitch/internal/pbuf"
)

var log = logging.Tag("channel")

// Protocol is the channel's transport, per spec.md §3/§6.
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolTLS
	ProtocolTCPv6
	ProtocolTLSv6
)

// AsyncMask bits gate which async notifications (packet-in, port-status,
// flow-removed) a channel currently wants, per spec.md §3.
type AsyncMask uint32

const (
	AsyncPacketIn    AsyncMask = 1 << 0
	AsyncPortStatus  AsyncMask = 1 << 1
	AsyncFlowRemoved AsyncMask = 1 << 2
)

const (
	minRetryInterval = 1 * time.Second
	maxRetryInterval = 60 * time.Second
	echoInterval     = 1 * time.Second
	// missedEchoLimit implements the SPEC_FULL.md §4 item "echo liveness"
	// supplement: once N echo requests in a row have gone unanswered, the
	// next echo tick drives the FSM with TcpFailed.
	missedEchoLimit = 3
)

// Conn is the minimal transport surface the Channel FSM drives. Both
// net.Conn and a test fake satisfy it.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Channel is the per-controller session of spec.md §3: identified by a
// process-unique channel_id and associated with a datapath_id, it carries
// the negotiated version, role, async masks, FSM state, retry/backoff
// state, refcount, and up to N multipart accumulators.
type Channel struct {
	// Immutable for the lifetime of the channel.
	ID       uint64
	DatapathID uint64
	UUID     uuid.UUID
	Protocol Protocol
	IsAuxiliary bool
	AuxiliaryID uint8

	scheduler *Scheduler
	sink      MessageSink
	bridge    BridgeHooks
	genStore  *GenerationStore

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	conn          Conn
	remoteAddr    string
	version       ofp.Version
	localVersions ofp.VersionBitmap
	role          ofp.Role
	asyncMask     AsyncMask
	state         State
	lastEvent     Event
	retryInterval time.Duration
	refCount      int
	live          bool
	inbound       *pbuf.PBuf
	accumulators  *Accumulators
	missedEcho    int

	retryTimer *TimerHandle
	echoTimer  *TimerHandle
}

// MessageSink is satisfied by internal/collab.MessageSink; declared locally
// because collab imports channel, so channel cannot import collab without
// an import cycle.
type MessageSink interface {
	// Handle processes one validated message. ch is the channel it arrived
	// on, so a RoleRequest/etc handler can call back into SetRole or
	// AcceptGeneration.
	Handle(hdr ofp.Header, body []byte, ch *Channel) ([]byte, error)
	Barrier() error
}

// BridgeHooks is the subset of Bridge behavior the FSM needs to call back
// into: entering operational mode on hello_confirm, and re-evaluating fail
// mode when a channel stops being live, per spec.md §4.1.
type BridgeHooks interface {
	OnChannelEstablished(dpid uint64)
	OnChannelLivenessChanged(dpid uint64)
}

// New constructs a Channel in state Idle, per spec.md §3's invariant
// "version == 0 iff state ∈ {Idle, Connect, ...}".
func New(id, dpid uint64, proto Protocol, localVersions ofp.VersionBitmap, scheduler *Scheduler, sink MessageSink, bridge BridgeHooks) *Channel {
	c := &Channel{
		ID:            id,
		DatapathID:    dpid,
		UUID:          uuid.New(),
		Protocol:      proto,
		scheduler:     scheduler,
		sink:          sink,
		bridge:        bridge,
		localVersions: localVersions,
		state:         StateIdle,
		retryInterval: minRetryInterval,
		accumulators:  NewAccumulators(maxMultipartSlots),
		inbound:       pbuf.New(4096),
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

// checkInvariants enforces spec.md §3's Channel invariants. GUARDED_BY(mu).
// Idle/Connect never carry a negotiated version; Established always does.
// HelloSent and Disable are not constrained either way: HelloSent covers
// the window before a Hello is received, and Disable is reachable both
// before negotiation (still version 0) and after a session that had
// negotiated a version and later failed.
func (c *Channel) checkInvariants() {
	if (c.state == StateIdle || c.state == StateConnect) && c.version != ofp.VersionUnknown {
		panic(fmt.Sprintf("channel %d: invariant violated: version=%v set in state=%v", c.ID, c.version, c.state))
	}
	if c.state == StateEstablished && c.version == ofp.VersionUnknown {
		panic(fmt.Sprintf("channel %d: invariant violated: Established with no negotiated version", c.ID))
	}
	if c.AuxiliaryID != 0 && !c.IsAuxiliary {
		panic(fmt.Sprintf("channel %d: auxiliary_id set without is_auxiliary", c.ID))
	}
	if c.refCount < 0 {
		panic(fmt.Sprintf("channel %d: negative refcount", c.ID))
	}
}

// State returns the channel's current FSM state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version returns the negotiated wire protocol version, or VersionUnknown.
func (c *Channel) Version() ofp.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Role returns the channel's current controller role.
func (c *Channel) Role() ofp.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// SetRole sets the channel's role (driven by a successful RoleRequest).
func (c *Channel) SetRole(r ofp.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = r
}

// AcceptGeneration validates candidate against this channel's datapath's
// generation-id tracker, per spec.md §4.4/§8 property 9. A channel with no
// tracker attached (e.g. one built directly by a test, bypassing Manager)
// accepts every candidate.
func (c *Channel) AcceptGeneration(candidate uint64) bool {
	if c.genStore == nil {
		return true
	}
	return c.genStore.Accept(candidate)
}

// Ref increments the refcount; callers must call Unref when done, per
// spec.md §5 ("ref_count is incremented before handing a channel across
// threads and decremented by the receiver").
func (c *Channel) Ref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refCount++
}

// Unref decrements the refcount.
func (c *Channel) Unref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refCount--
}

// IsAlive reports whether the channel counts toward
// ChannelManager.AliveCount, per spec.md §4.4: state ∈ {Established,
// HelloSent} and the session is live.
func (c *Channel) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live && (c.state == StateEstablished || c.state == StateHelloSent)
}

// Dispatch is the single entry point driving the FSM: it looks up the
// action for (current state, event), performs it, and installs the
// resulting state, all under the channel lock per spec.md §5 ("Within a
// channel, FSM events are totally ordered by the channel lock").
func (c *Channel) Dispatch(event Event, arg interface{}) {
	c.mu.Lock()
	from := c.state
	action, next := transition(from, event)
	c.lastEvent = event
	c.state = next
	if next == StateIdle || next == StateConnect {
		// Clear the negotiated version in the same critical section as the
		// state transition so the invariant checked on Unlock below never
		// observes Idle/Connect with a stale version (spec.md §3).
		c.version = ofp.VersionUnknown
	}
	c.mu.Unlock()

	log.Infof("channel %d: %v -(%v/%v)-> %v", c.ID, from, event, action, next)

	switch action {
	case ActionStartConnect:
		c.doStartConnect()
	case ActionConnectCheck:
		// Already connecting; ChannelStart while Connect is a no-op beyond
		// the state staying Connect, per spec.md §4.1's transition table.
	case ActionStop:
		c.doStop()
	case ActionSendHello:
		c.doSendHello()
	case ActionConnectFail:
		c.doConnectFail()
	case ActionHelloConfirm:
		c.doHelloConfirm(arg)
	case ActionProcessMessage:
		c.doProcessMessage(arg)
	case ActionExpire:
		c.doExpire()
	case ActionNone:
	}
}

func (c *Channel) doStartConnect() {
	c.mu.Lock()
	c.live = false
	c.mu.Unlock()
	// Real dialing is performed by the channel manager's connect loop
	// (internal/channel/manager.go); Dispatch(EventTcpOpen) or
	// Dispatch(EventTcpFailed) is driven back in once the attempt
	// resolves.
}

// doStop implements the "stop" action shared by most table cells: tear down
// any live connection, cancel timers, and arm the single-shot reconnect
// timer at the current backoff interval, per spec.md §4.1.
func (c *Channel) doStop() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.version = ofp.VersionUnknown
	c.live = false
	retryTimer := c.retryTimer
	c.retryTimer = nil
	echoTimer := c.echoTimer
	c.echoTimer = nil
	interval := c.retryInterval
	c.mu.Unlock()

	// Release the lock before cancelling timers: a timer callback may
	// itself need the channel lock (the echo timer's liveness check does),
	// so cancelling while holding the lock would invert the documented
	// lock order channel_manager -> channel -> callout_task (spec.md §5).
	retryTimer.Cancel()
	echoTimer.Cancel()

	if conn != nil {
		_ = conn.Close()
	}

	c.bridge.OnChannelLivenessChanged(c.DatapathID)

	handle := c.scheduler.Once(interval, TaskFunc(func() {
		c.Dispatch(EventChannelStart, nil)
	}))
	c.mu.Lock()
	c.retryTimer = handle
	c.mu.Unlock()
}

// doConnectFail implements spec.md §4.1's backoff: "doubles on TcpFailed up
// to 60s", and spec.md §8 property 2 (backoff monotonicity).
func (c *Channel) doConnectFail() {
	c.mu.Lock()
	next := c.retryInterval * 2
	if next > maxRetryInterval {
		next = maxRetryInterval
	}
	c.retryInterval = next
	c.mu.Unlock()
	c.doStop()
}

// doSendHello emits the local Hello (with a version bitmap) on TcpOpen and
// resets the backoff interval to 1s per spec.md §4.1 ("resets to 1s on
// successful TcpOpen").
func (c *Channel) doSendHello() {
	c.mu.Lock()
	c.retryInterval = minRetryInterval
	c.live = true
	conn := c.conn
	local := c.localVersions
	c.mu.Unlock()

	if conn == nil {
		return
	}
	localVersion, _ := local.Highest()
	body := ofp.EncodeVersionBitmapElement(local)
	msg := make([]byte, ofp.HeaderLen+len(body))
	ofp.EncodeHeader(msg, ofp.Header{Version: localVersion, Type: ofp.TypeHello, Length: uint16(len(msg))})
	copy(msg[ofp.HeaderLen:], body)
	if _, err := conn.Write(msg); err != nil {
		log.Warnf("channel %d: hello write failed: %s", c.ID, err)
		c.Dispatch(EventTcpFailed, nil)
	}
}

// HelloArgs carries the peer's Hello header and optional version bitmap
// element into doHelloConfirm / the BAD_VERSION negotiation-failure path.
type HelloArgs struct {
	Header ofp.Header
	Bitmap *ofp.VersionBitmap
}

// doHelloConfirm implements spec.md §4.1's version negotiation and the
// hello_confirm action: on success it sets the negotiated version, notifies
// the bridge that OpenFlow mode is now operational, and starts the 1s echo
// timer, cancelling any outstanding timer first and releasing the channel
// lock before doing so (spec.md §4.1, §5).
func (c *Channel) doHelloConfirm(arg interface{}) {
	args, _ := arg.(HelloArgs)

	c.mu.Lock()
	local := c.localVersions
	localVersion, _ := local.Highest()
	negotiated, ok := ofp.NegotiateVersion(localVersion, local, args.Header.Version, args.Bitmap)
	oldEcho := c.echoTimer
	c.echoTimer = nil
	c.mu.Unlock()

	oldEcho.Cancel()

	if !ok {
		log.Warnf("channel %d: version negotiation failed (peer=%v)", c.ID, args.Header.Version)
		c.sendError(ofp.NewReasonError(ofp.ErrorTypeHelloFailed, ofp.HelloFailedIncompatible, "no common OpenFlow version"))
		c.Dispatch(EventChannelExpired, nil)
		return
	}

	c.mu.Lock()
	c.version = negotiated
	c.missedEcho = 0
	c.mu.Unlock()

	c.bridge.OnChannelEstablished(c.DatapathID)

	handle := c.scheduler.Periodic(echoInterval, TaskFunc(c.sendEchoTick))
	c.mu.Lock()
	c.echoTimer = handle
	c.mu.Unlock()
}

// sendEchoTick is the echo timer's periodic callback: it sends an
// OFPT_ECHO_REQUEST and tracks missed replies toward the SPEC_FULL.md §4
// liveness supplement.
func (c *Channel) sendEchoTick() {
	c.mu.Lock()
	conn := c.conn
	version := c.version
	c.missedEcho++
	missed := c.missedEcho
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if missed > missedEchoLimit {
		log.Warnf("channel %d: missed %d echo replies, treating as closed", c.ID, missed)
		c.Dispatch(EventTcpFailed, nil)
		return
	}
	msg := make([]byte, ofp.HeaderLen)
	ofp.EncodeHeader(msg, ofp.Header{Version: version, Type: ofp.TypeEchoRequest, Length: ofp.HeaderLen})
	if _, err := conn.Write(msg); err != nil {
		c.Dispatch(EventTcpFailed, nil)
	}
}

// onEchoReply resets the missed-echo counter; called by the dispatcher
// when an OFPT_ECHO_REPLY arrives.
func (c *Channel) onEchoReply() {
	c.mu.Lock()
	c.missedEcho = 0
	c.mu.Unlock()
}

// doProcessMessage handles a MessageReceived event while Established,
// running it through the version/role/length/multipart checks of spec.md
// §4.3 before handing the message to the MessageSink. A HelloReceived event
// while Established carries HelloArgs rather than a pbuf.Message and is
// ignored here.
func (c *Channel) doProcessMessage(arg interface{}) {
	msg, ok := arg.(pbuf.Message)
	if !ok {
		return
	}
	c.dispatchMessage(msg)
}

func (c *Channel) doExpire() {
	c.doStop()
}

// sendError serializes an ofp.Error as an OFPT_ERROR message and writes it
// to the peer, per spec.md §7 ("Protocol errors ... are sent to the peer
// before logging").
func (c *Channel) sendError(e *ofp.Error) {
	log.Warnf("channel %d: protocol error %s: %s", c.ID, e.TypeCodeString(), e.Reason)

	c.mu.Lock()
	conn := c.conn
	version := c.version
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if version == ofp.VersionUnknown {
		version = ofp.Version13
	}

	payload := e.Request
	if len(payload) == 0 {
		payload = []byte(e.Reason)
	}
	body := make([]byte, 4+len(payload))
	body[0] = byte(e.Type >> 8)
	body[1] = byte(e.Type)
	body[2] = byte(e.Code >> 8)
	body[3] = byte(e.Code)
	copy(body[4:], payload)

	msg := make([]byte, ofp.HeaderLen+len(body))
	ofp.EncodeHeader(msg, ofp.Header{Version: version, Type: ofp.TypeError, Length: uint16(len(msg))})
	copy(msg[ofp.HeaderLen:], body)
	_, _ = conn.Write(msg)
}

func (c *Channel) writeRaw(b []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(b); err != nil {
		c.Dispatch(EventTcpFailed, nil)
	}
}

// AttachConn installs a freshly-opened connection and drives EventTcpOpen.
// Called by the channel manager's connect loop once a dial succeeds.
func (c *Channel) AttachConn(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.remoteAddr = conn.RemoteAddr().String()
	c.mu.Unlock()
	c.Dispatch(EventTcpOpen, nil)
}
