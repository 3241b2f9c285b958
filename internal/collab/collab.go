// Package collab defines the interfaces to external collaborators that
// spec.md §1 scopes out of this core: the flow/group/meter tables, the
// per-message-type handlers, the netlink adapter, and trace infrastructure.
// spec.md says their implementations are out of scope; this package
// specifies their contracts (spec.md §6) so the channel/forwarding core can
// be built and tested against them.
package collab

import (
	"net"

	"fuchsia.googlesource.com/ofswitch/internal/channel"
	"fuchsia.googlesource.com/ofswitch/internal/ofp"
)

// FlowTable is the flow table collaborator. The core only needs enough of
// its surface to route flow-mod/flow-removed/flow-stats traffic and to
// flush pending work before a barrier reply, per SPEC_FULL.md §4 item 2.
type FlowTable interface {
	HandleFlowMod(body []byte) error
	Flush() error
}

// GroupTable is the group table collaborator.
type GroupTable interface {
	HandleGroupMod(body []byte) error
	Flush() error
}

// MeterTable is the meter table collaborator.
type MeterTable interface {
	HandleMeterMod(body []byte) error
	Flush() error
}

// MessageSink receives dispatched, role/version/length-checked messages.
// It is the seam the dispatcher (internal/channel) calls into for every
// ofp_* type spec.md names; concrete per-type handlers (flow-mod,
// group-mod, meter-mod, and so on) live on the other side of this
// interface and are out of scope here.
type MessageSink interface {
	// Handle processes one fully-validated, fully-reassembled message and
	// returns zero or more reply payloads to be framed and written back
	// to the channel (e.g. an OFPT_ECHO_REPLY body, or an
	// OFPT_MULTIPART_REPLY segmented by the caller). ch is the channel the
	// message arrived on, needed by handlers (RoleRequest) that mutate or
	// consult per-channel/per-datapath state.
	Handle(hdr ofp.Header, body []byte, ch *channel.Channel) ([]byte, error)

	// Barrier is invoked before an OFPT_BARRIER_REPLY is sent, so queued
	// asynchronous work (flow/group/meter mutations) is visible to
	// subsequent requests, per SPEC_FULL.md §4 item 2.
	Barrier() error
}

// NotificationKind tags a NotificationEntry's variant, per spec.md §3/§6.
type NotificationKind uint8

const (
	NotifyIfaddrAdd NotificationKind = iota
	NotifyIfaddrDel
	NotifyArpAdd
	NotifyArpDel
	NotifyRouteAdd
	NotifyRouteDel
)

// NotificationEntry is the tagged variant produced by the netlink adapter
// and consumed solely by the updater, per spec.md §3/§6.
type NotificationEntry struct {
	Kind NotificationKind

	// Ifaddr{Add,Del}
	Ifindex    int
	IPv4Addr   [4]byte
	PrefixLen  uint8
	Broadcast  [4]byte
	Label      string

	// Arp{Add,Del}
	ArpMAC [6]byte

	// Route{Add,Del}
	Dest     [4]byte
	Gateway  [4]byte
	Scope    RouteScope
	RouteMAC [6]byte
}

// RouteScope mirrors the netlink route scope values the RIB cares about.
type RouteScope uint8

const (
	ScopeUniverse RouteScope = iota
	ScopeLink
	ScopeHost
)

// NetlinkSource is the producer side of the RIB's notification queue,
// per spec.md §6: "Adapters enqueue notifications into a bridge's
// notification queue; the updater alone consumes them."
type NetlinkSource interface {
	// Notifications returns the channel the updater drains. Implementations
	// own the channel's buffering/overflow policy (spec.md §9 open
	// question (a)); this core's reference RIB implementation documents
	// its own choice in internal/forwarding/rib.
	Notifications() <-chan NotificationEntry
}

// Tracer is the trace-infrastructure collaborator spec.md §1 calls out:
// "logging/trace infrastructure are treated as external collaborators".
// Only the seam is specified here; SPEC_FULL.md §2 explains why no tracing
// SDK is wired to it by default.
type Tracer interface {
	Span(name string) (end func())
}

// NoopTracer is a Tracer that does nothing, used when no tracing
// collaborator is configured.
type NoopTracer struct{}

func (NoopTracer) Span(string) func() { return func() {} }

// Dialer abstracts the transport listener so Channel FSM tests can use a
// loopback listener instead of a real TCP/TLS socket, mirroring the
// teacher's use of dependency-injected I/O in link.Controller.
type Dialer interface {
	Listen(network, address string) (net.Listener, error)
}
