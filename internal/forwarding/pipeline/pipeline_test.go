package pipeline

import (
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"fuchsia.googlesource.com/ofswitch/internal/collab"
	"fuchsia.googlesource.com/ofswitch/internal/forwarding/mac"
	"fuchsia.googlesource.com/ofswitch/internal/forwarding/rib"
)

func buildEthernetOnly(src, dst [6]byte) []byte {
	buf := make([]byte, header.EthernetMinimumSize)
	header.Ethernet(buf).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(src[:]),
		DstAddr: tcpip.LinkAddress(dst[:]),
		Type:    header.IPv4ProtocolNumber,
	})
	return buf
}

func TestL2PipelineLearnsAndForwardsAfterTableFlip(t *testing.T) {
	macTable := mac.New(workerCount, 1024, time.Hour)
	p := New(KindL2, macTable, nil, nil, Config{})
	p.Start()
	defer p.Shutdown(false)

	frame := buildEthernetOnly([6]byte{0, 0, 0, 0, 0, 1}, [6]byte{0, 0, 0, 0, 0, 2})
	pk, ok := NewPacket(frame, 5, KindL2)
	if !ok {
		t.Fatalf("NewPacket failed to parse a minimal Ethernet frame")
	}

	if !p.Submit([]Packet{pk}) {
		t.Fatalf("Submit should accept into an empty queue")
	}

	select {
	case batch := <-p.Egress():
		if batch[0].OutputPort != FloodPort {
			t.Fatalf("OutputPort = %d, want FloodPort before the destination is learned", batch[0].OutputPort)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the first batch")
	}

	macTable.Update(time.Unix(0, 0))

	frame2 := buildEthernetOnly([6]byte{0, 0, 0, 0, 0, 2}, [6]byte{0, 0, 0, 0, 0, 1})
	pk2, _ := NewPacket(frame2, 9, KindL2)
	p.Submit([]Packet{pk2})

	select {
	case batch := <-p.Egress():
		if batch[0].OutputPort != 5 {
			t.Fatalf("OutputPort = %d, want 5 (the port MAC 1 was learned on)", batch[0].OutputPort)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the second batch")
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	macTable := mac.New(workerCount, 1024, time.Hour)
	p := New(KindL2, macTable, nil, nil, Config{QueueLength: 1})
	// Deliberately not Started: nothing drains the input queue.

	first := p.Submit([]Packet{{}})
	if !first {
		t.Fatalf("first Submit into an empty depth-1 queue should succeed")
	}
	if p.Submit([]Packet{{}}) {
		t.Fatalf("second Submit should be dropped once the queue is full")
	}
}

func TestGracefulShutdownDrainsQueuedBatches(t *testing.T) {
	macTable := mac.New(workerCount, 1024, time.Hour)
	p := New(KindL2, macTable, nil, nil, Config{QueueLength: 4})
	p.Start()

	frame := buildEthernetOnly([6]byte{0, 0, 0, 0, 0, 1}, [6]byte{0, 0, 0, 0, 0, 2})
	pk, _ := NewPacket(frame, 1, KindL2)
	for i := 0; i < 3; i++ {
		p.Submit([]Packet{pk})
	}

	done := make(chan struct{})
	go func() {
		p.Shutdown(true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("graceful shutdown did not complete after already-queued batches were submitted")
	}
}

func TestL3PipelineSendsToKernelBeforeARPResolved(t *testing.T) {
	macTable := mac.New(workerCount, 1024, time.Hour)
	ribTable := rib.New([]*mac.Worker{macTable.Worker(0), macTable.Worker(1)})
	p := New(KindL3, macTable, ribTable, nil, Config{})
	p.Start()
	defer p.Shutdown(false)

	routeMAC := [6]byte{0, 0, 0, 0, 0, 0xaa}
	ribTable.Enqueue(collab.NotificationEntry{
		Kind:      collab.NotifyRouteAdd,
		Dest:      [4]byte{10, 0, 0, 0},
		PrefixLen: 24,
		Scope:     collab.ScopeLink,
		RouteMAC:  routeMAC,
	})
	ribTable.Update()

	buf := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize)
	header.Ethernet(buf).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(routeMAC[:]),
		DstAddr: tcpip.LinkAddress([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}),
		Type:    header.IPv4ProtocolNumber,
	})
	header.IPv4(buf[header.EthernetMinimumSize:]).Encode(&header.IPv4Fields{
		TotalLength: header.IPv4MinimumSize,
		TTL:         64,
		SrcAddr:     tcpip.Address("\x0a\x00\x00\x01"),
		DstAddr:     tcpip.Address("\x0a\x00\x00\x07"),
	})

	pk, ok := NewPacket(buf, 3, KindL3)
	if !ok {
		t.Fatalf("NewPacket failed to parse an Ethernet+IPv4 frame")
	}
	p.Submit([]Packet{pk})

	select {
	case batch := <-p.Egress():
		if !batch[0].SendToKernel {
			t.Fatalf("expected SendToKernel before ARP is resolved")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the first batch")
	}
}
