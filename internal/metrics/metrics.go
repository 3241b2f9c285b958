// Package metrics defines the switch's per-subsystem counters: a plain
// struct of tcpip.StatCounter fields incremented directly on the hot
// path, with no allocation or lock contention, plus registration of
// every counter as a Prometheus gauge so an external scraper can observe
// them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"gvisor.dev/gvisor/pkg/tcpip"
)

// ChannelStats collects per-process channel-manager counters.
type ChannelStats struct {
	ChannelsEstablished    tcpip.StatCounter
	ChannelsClosed         tcpip.StatCounter
	ConnectAttempts        tcpip.StatCounter
	ConnectFailures        tcpip.StatCounter
	MultipartOverflows     tcpip.StatCounter
	ProtocolErrorsSent     tcpip.StatCounter
	StaleRoleRequests      tcpip.StatCounter
}

// ForwardingStats collects per-bridge forwarding-pipeline counters.
type ForwardingStats struct {
	L2Forwarded     tcpip.StatCounter
	L2Flooded       tcpip.StatCounter
	L3Forwarded     tcpip.StatCounter
	L3SentToKernel  tcpip.StatCounter
	L3Dropped       tcpip.StatCounter
	InputDrops      tcpip.StatCounter
	MACEntriesAged  tcpip.StatCounter
	NotificationsDropped tcpip.StatCounter
}

// Registry bundles every counter group this process exposes, and the
// Prometheus registration that mirrors them.
type Registry struct {
	Channel    ChannelStats
	Forwarding ForwardingStats
}

// NewRegistry constructs an empty Registry. Counters start at zero, the
// tcpip.StatCounter zero value, and need no initialization.
func NewRegistry() *Registry {
	return &Registry{}
}

// counterDesc pairs a Prometheus metric name/help with the StatCounter it
// reads from, so MustRegisterAll can build one prometheus.GaugeFunc per
// field without repeating the read-and-convert boilerplate.
type counterDesc struct {
	name    string
	help    string
	counter *tcpip.StatCounter
}

func (r *Registry) descriptors() []counterDesc {
	return []counterDesc{
		{"ofswitch_channels_established_total", "Channels that reached Established.", &r.Channel.ChannelsEstablished},
		{"ofswitch_channels_closed_total", "Channels torn down.", &r.Channel.ChannelsClosed},
		{"ofswitch_connect_attempts_total", "Outbound connect attempts.", &r.Channel.ConnectAttempts},
		{"ofswitch_connect_failures_total", "Outbound connect attempts that failed.", &r.Channel.ConnectFailures},
		{"ofswitch_multipart_overflows_total", "Multipart reassembly buffer overflows.", &r.Channel.MultipartOverflows},
		{"ofswitch_protocol_errors_sent_total", "OFPT_ERROR messages sent to a peer.", &r.Channel.ProtocolErrorsSent},
		{"ofswitch_stale_role_requests_total", "RoleRequests rejected for a stale generation_id.", &r.Channel.StaleRoleRequests},

		{"ofswitch_l2_forwarded_total", "Packets forwarded by the L2 pipeline.", &r.Forwarding.L2Forwarded},
		{"ofswitch_l2_flooded_total", "Packets flooded by the L2 pipeline on a MAC-table miss.", &r.Forwarding.L2Flooded},
		{"ofswitch_l3_forwarded_total", "Packets forwarded by the L3 pipeline.", &r.Forwarding.L3Forwarded},
		{"ofswitch_l3_sent_to_kernel_total", "Packets punted to the kernel on a RIB/ARP miss.", &r.Forwarding.L3SentToKernel},
		{"ofswitch_l3_dropped_total", "Packets dropped by the L3 pipeline (expired TTL).", &r.Forwarding.L3Dropped},
		{"ofswitch_input_drops_total", "Batches dropped because a pipeline's input queue was full.", &r.Forwarding.InputDrops},
		{"ofswitch_mac_entries_aged_total", "Dynamic MAC entries aged out by the updater.", &r.Forwarding.MACEntriesAged},
		{"ofswitch_notifications_dropped_total", "RIB notifications dropped for queue overflow.", &r.Forwarding.NotificationsDropped},
	}
}

// MustRegisterAll registers one prometheus.GaugeFunc per counter against
// reg, panicking on a duplicate registration (a programmer error, not a
// runtime condition).
func (r *Registry) MustRegisterAll(reg *prometheus.Registry) {
	for _, d := range r.descriptors() {
		d := d
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: d.name,
			Help: d.help,
		}, func() float64 {
			return float64(d.counter.Value())
		})
		reg.MustRegister(gauge)
	}
}
