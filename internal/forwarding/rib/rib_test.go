package rib

import (
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"fuchsia.googlesource.com/ofswitch/internal/collab"
	"fuchsia.googlesource.com/ofswitch/internal/forwarding/mac"
)

func buildPacket(srcMAC, dstMAC [6]byte, dstIP [4]byte, ttl uint8) (header.Ethernet, header.IPv4) {
	buf := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize)

	eth := header.Ethernet(buf)
	eth.Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(srcMAC[:]),
		DstAddr: tcpip.LinkAddress(dstMAC[:]),
		Type:    header.IPv4ProtocolNumber,
	})

	ipv4 := header.IPv4(buf[header.EthernetMinimumSize:])
	ipv4.Encode(&header.IPv4Fields{
		TotalLength: header.IPv4MinimumSize,
		TTL:         ttl,
		Protocol:    0,
		SrcAddr:     tcpip.Address("\x0a\x00\x00\x01"),
		DstAddr:     tcpip.Address(dstIP[:]),
	})

	return eth, ipv4
}

func TestLookupMissWithNoRouteSendsToKernel(t *testing.T) {
	mt := mac.New(1, 1024, 0)
	table := New([]*mac.Worker{mt.Worker(0)})
	w := table.Worker(0)

	eth, ipv4 := buildPacket([6]byte{0, 0, 0, 0, 0, 1}, [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, [4]byte{192, 168, 1, 5}, 64)

	res := w.Lookup(eth, ipv4, [4]byte{192, 168, 1, 5})
	if res.Outcome != OutcomeSendToKernel {
		t.Fatalf("Lookup outcome = %v, want OutcomeSendToKernel for an unrouted destination", res.Outcome)
	}
}

// TestLookupArpMissSendsToKernelThenSucceedsAfterUpdate exercises scenario
// S6: an ARP miss punts to the kernel; once the control plane resolves it
// and the updater applies the notification, a subsequent lookup forwards.
func TestLookupArpMissSendsToKernelThenSucceedsAfterUpdate(t *testing.T) {
	macTable := mac.New(1, 1024, 0)
	table := New([]*mac.Worker{macTable.Worker(0)})
	w := table.Worker(0)

	routeMAC := [6]byte{0, 0, 0, 0, 0, 0xaa}
	table.Enqueue(collab.NotificationEntry{
		Kind:      collab.NotifyRouteAdd,
		Dest:      [4]byte{10, 0, 0, 0},
		PrefixLen: 24,
		Ifindex:   1,
		Scope:     collab.ScopeLink,
		RouteMAC:  routeMAC,
	})
	if !table.Update() {
		t.Fatalf("Update() should succeed on an idle table")
	}

	dstIP := [4]byte{10, 0, 0, 7}
	eth, ipv4 := buildPacket(routeMAC, [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, dstIP, 64)

	res := w.Lookup(eth, ipv4, dstIP)
	if res.Outcome != OutcomeSendToKernel {
		t.Fatalf("Lookup outcome = %v, want OutcomeSendToKernel before ARP is resolved", res.Outcome)
	}

	arpMAC := [6]byte{0, 0, 0, 0, 0, 0xbb}
	table.Enqueue(collab.NotificationEntry{
		Kind:   collab.NotifyArpAdd,
		Dest:   dstIP,
		ArpMAC: arpMAC,
	})
	if !table.Update() {
		t.Fatalf("Update() should succeed draining the ARP notification")
	}

	macTable.Worker(0).Learn(arpMAC, 7)
	if !macTable.Update(time.Unix(0, 0)) {
		t.Fatalf("mac Update() should succeed")
	}

	eth2, ipv4_2 := buildPacket(routeMAC, [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, dstIP, 64)
	res = w.Lookup(eth2, ipv4_2, dstIP)
	if res.Outcome != OutcomeForward {
		t.Fatalf("Lookup outcome = %v, want OutcomeForward once route+ARP+MAC are resolved", res.Outcome)
	}
	if res.OutputPort != 7 {
		t.Fatalf("OutputPort = %d, want 7", res.OutputPort)
	}
	if tcpip.LinkAddress(eth2.DestinationAddress()) != tcpip.LinkAddress(arpMAC[:]) {
		t.Fatalf("Ethernet destination not rewritten to the resolved next-hop MAC")
	}
	if ipv4_2.TTL() != 63 {
		t.Fatalf("TTL = %d, want 63 after one hop's decrement", ipv4_2.TTL())
	}
}

func TestLookupDropsOnExpiredTTL(t *testing.T) {
	macTable := mac.New(1, 1024, 0)
	table := New([]*mac.Worker{macTable.Worker(0)})
	w := table.Worker(0)

	routeMAC := [6]byte{0, 0, 0, 0, 0, 0xaa}
	dstIP := [4]byte{10, 0, 0, 7}
	arpMAC := [6]byte{0, 0, 0, 0, 0, 0xbb}

	table.Enqueue(collab.NotificationEntry{Kind: collab.NotifyRouteAdd, Dest: [4]byte{10, 0, 0, 0}, PrefixLen: 24, Scope: collab.ScopeLink, RouteMAC: routeMAC})
	table.Enqueue(collab.NotificationEntry{Kind: collab.NotifyArpAdd, Dest: dstIP, ArpMAC: arpMAC})
	table.Update()

	eth, ipv4 := buildPacket(routeMAC, [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, dstIP, 1)
	res := w.Lookup(eth, ipv4, dstIP)
	if res.Outcome != OutcomeDropped {
		t.Fatalf("Lookup outcome = %v, want OutcomeDropped for a packet whose TTL would reach zero", res.Outcome)
	}
}

func TestUpdateAbortsWhileWorkerReferringOldSide(t *testing.T) {
	macTable := mac.New(1, 1024, 0)
	table := New([]*mac.Worker{macTable.Worker(0)})
	w := table.Worker(0)

	w.referring = 1
	w.referredSide = 1

	if table.Update() {
		t.Fatalf("Update() should abort while a worker refers to the stale side")
	}
}

func TestNotificationQueueDropsOldestOnOverflow(t *testing.T) {
	macTable := mac.New(1, 1024, 0)
	table := New([]*mac.Worker{macTable.Worker(0)})

	for i := 0; i < notificationQueueDepth+10; i++ {
		table.Enqueue(collab.NotificationEntry{Kind: collab.NotifyRouteAdd, Dest: [4]byte{10, 0, 0, byte(i)}, PrefixLen: 32, Scope: collab.ScopeLink})
	}
	if len(table.notifications) != notificationQueueDepth {
		t.Fatalf("notification queue len = %d, want it capped at %d", len(table.notifications), notificationQueueDepth)
	}
	// The 10 oldest entries (Dest 10.0.0.0 through 10.0.0.9) were dropped,
	// so the queue head is the entry enqueued with i == 10.
	if head := <-table.notifications; head.Dest != [4]byte{10, 0, 0, 10} {
		t.Fatalf("queue head Dest = %v, want 10.0.0.10 after the oldest entries were dropped", head.Dest)
	}
}

func TestRouteDeleteWithZeroPrefixLenIsIgnored(t *testing.T) {
	macTable := mac.New(1, 1024, 0)
	table := New([]*mac.Worker{macTable.Worker(0)})

	table.Enqueue(collab.NotificationEntry{Kind: collab.NotifyRouteAdd, Dest: [4]byte{10, 0, 0, 0}, PrefixLen: 24, Scope: collab.ScopeLink})
	table.Update()

	table.Enqueue(collab.NotificationEntry{Kind: collab.NotifyRouteDel, Dest: [4]byte{10, 0, 0, 0}, PrefixLen: 0})
	table.Update()

	if len(table.Snapshot()) != 1 {
		t.Fatalf("a prefix_len=0 delete should be ignored, leaving the route installed")
	}
}
