package channel

import (
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"fuchsia.googlesource.com/ofswitch/internal/metrics"
	"fuchsia.googlesource.com/ofswitch/internal/ofp"
)

var errDialFailed = errors.New("dial failed")

type fakeDialer struct {
	server net.Conn
	client net.Conn
	err    error
}

func (d *fakeDialer) DialContext(network, address string, timeout time.Duration) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.client, nil
}

func TestManagerRegisterAssignsMonotonicIDs(t *testing.T) {
	m := NewManager(&fakeDialer{})
	sched := NewScheduler(&fakeClock{t: time.Unix(0, 0)})
	local := ofp.NewVersionBitmap(ofp.Version13)

	c1 := m.Register(1, ProtocolTCP, false, 0, "", sched, &fakeSink{}, &fakeBridge{}, local)
	c2 := m.Register(1, ProtocolTCP, true, 3, "", sched, &fakeSink{}, &fakeBridge{}, local)
	t.Cleanup(func() {
		c1.mu.Lock()
		c1.retryTimer.Cancel()
		c1.echoTimer.Cancel()
		c1.mu.Unlock()
		c2.mu.Lock()
		c2.retryTimer.Cancel()
		c2.echoTimer.Cancel()
		c2.mu.Unlock()
	})

	if c1.ID == c2.ID {
		t.Fatalf("channel ids collided: %d == %d", c1.ID, c2.ID)
	}

	primary, ok := m.Primary(1)
	if !ok || primary != c1 {
		t.Fatalf("Primary(1) = %v, %v; want c1", primary, ok)
	}
	if !c2.IsAuxiliary || c2.AuxiliaryID != 3 {
		t.Fatalf("c2 auxiliary fields wrong: %+v", c2)
	}
}

func TestManagerUnregisterRemovesFromAllIndexes(t *testing.T) {
	m := NewManager(&fakeDialer{})
	sched := NewScheduler(&fakeClock{t: time.Unix(0, 0)})
	local := ofp.NewVersionBitmap(ofp.Version13)

	c := m.Register(2, ProtocolTCP, false, 0, "", sched, &fakeSink{}, &fakeBridge{}, local)
	m.Unregister(c)

	if _, ok := m.Lookup(c.ID); ok {
		t.Fatalf("channel still looked up by id after Unregister")
	}
	if _, ok := m.Primary(2); ok {
		t.Fatalf("channel still the registered primary after Unregister")
	}
}

func TestManagerAliveCountOnlyCountsLiveEstablishedChannels(t *testing.T) {
	m := NewManager(&fakeDialer{})
	sched := NewScheduler(&fakeClock{t: time.Unix(0, 0)})
	local := ofp.NewVersionBitmap(ofp.Version13)

	c := m.Register(3, ProtocolTCP, false, 0, "", sched, &fakeSink{}, &fakeBridge{}, local)
	t.Cleanup(func() {
		c.mu.Lock()
		c.retryTimer.Cancel()
		c.echoTimer.Cancel()
		c.mu.Unlock()
	})

	if got := m.AliveCount(); got != 0 {
		t.Fatalf("AliveCount() = %d, want 0 before connecting", got)
	}

	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	c.Dispatch(EventChannelStart, nil)
	c.AttachConn(server)
	c.Dispatch(EventHelloReceived, HelloArgs{Header: ofp.Header{Version: ofp.Version13}})

	if got := m.AliveCount(); got != 1 {
		t.Fatalf("AliveCount() = %d, want 1 once Established", got)
	}
}

func TestManagerStatsCountConnectAttemptsAndFailures(t *testing.T) {
	dialer := &fakeDialer{err: errDialFailed}
	m := NewManager(dialer)
	stats := &metrics.ChannelStats{}
	m.SetStats(stats)
	sched := NewScheduler(&fakeClock{t: time.Unix(0, 0)})
	local := ofp.NewVersionBitmap(ofp.Version13)

	c := m.Register(4, ProtocolTCP, false, 0, "", sched, &fakeSink{}, &fakeBridge{}, local)
	t.Cleanup(func() {
		c.mu.Lock()
		c.retryTimer.Cancel()
		c.echoTimer.Cancel()
		c.mu.Unlock()
	})

	m.dialOnce(c, "tcp", "127.0.0.1:0")

	if got := stats.ConnectAttempts.Value(); got != 1 {
		t.Fatalf("ConnectAttempts = %d, want 1", got)
	}
	if got := stats.ConnectFailures.Value(); got != 1 {
		t.Fatalf("ConnectFailures = %d, want 1", got)
	}
}

func TestManagerStatsCountChannelClose(t *testing.T) {
	server, client := net.Pipe()
	dialer := &fakeDialer{client: client}
	m := NewManager(dialer)
	stats := &metrics.ChannelStats{}
	m.SetStats(stats)
	sched := NewScheduler(&fakeClock{t: time.Unix(0, 0)})
	local := ofp.NewVersionBitmap(ofp.Version13)

	c := m.Register(5, ProtocolTCP, false, 0, "", sched, &fakeSink{}, &fakeBridge{}, local)
	t.Cleanup(func() {
		c.mu.Lock()
		c.retryTimer.Cancel()
		c.echoTimer.Cancel()
		c.mu.Unlock()
	})
	c.Dispatch(EventChannelStart, nil)

	server.Close()
	m.readLoop(c, client)

	if got := stats.ChannelsClosed.Value(); got != 1 {
		t.Fatalf("ChannelsClosed = %d, want 1", got)
	}
}

// TestManagerConnectEstablishesOverRealTCP drives Manager.Connect against a
// real loopback TCP listener (via nettest, rather than net.Pipe) so the
// dial/read-loop/framing path is exercised over an actual socket at least
// once, not only over net.Pipe's synchronous in-process semantics.
func TestManagerConnectEstablishesOverRealTCP(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("nettest.NewLocalListener: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	m := NewManager(&NetDialer{})
	sched := NewScheduler(&fakeClock{t: time.Unix(0, 0)})
	local := ofp.NewVersionBitmap(ofp.Version13)
	sink := &fakeSink{}
	bridge := &fakeBridge{}

	c := m.Register(6, ProtocolTCP, false, 0, ln.Addr().String(), sched, sink, bridge, local)
	t.Cleanup(func() {
		c.mu.Lock()
		c.retryTimer.Cancel()
		c.echoTimer.Cancel()
		c.mu.Unlock()
	})

	m.Connect(c, "tcp", ln.Addr().String())

	var serverConn net.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener never accepted a connection")
	}
	defer serverConn.Close()

	hello := make([]byte, ofp.HeaderLen)
	ofp.EncodeHeader(hello, ofp.Header{Version: ofp.Version13, Type: ofp.TypeHello, Length: ofp.HeaderLen})
	if _, err := serverConn.Write(hello); err != nil {
		t.Fatalf("writing hello over real TCP conn: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateEstablished {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := c.State(); got != StateEstablished {
		t.Fatalf("state after real-TCP Hello = %v, want Established", got)
	}
}

func TestGenerationStoreRejectsStaleRequest(t *testing.T) {
	g := &GenerationStore{}

	if !g.Accept(10) {
		t.Fatalf("first Accept(10) should succeed")
	}
	if !g.Accept(20) {
		t.Fatalf("Accept(20) after 10 should succeed")
	}
	if g.Accept(15) {
		t.Fatalf("Accept(15) after 20 should be rejected as stale")
	}
	if !g.Accept(20) {
		t.Fatalf("Accept(20) again (equal, not older) should succeed")
	}
}
