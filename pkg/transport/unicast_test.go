package transport

import (
	"net"
	"testing"
	"time"
)

func waitDeliver(t *testing.T, ch chan []byte, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if string(got) != want {
			t.Fatalf("delivered %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestUcastTransport_FanOutDeliversToPeers(t *testing.T) {
	addrA := net.ParseIP("127.0.0.1")
	addrB := net.ParseIP("127.0.0.2")

	a, err := NewUcastTransport(Config{BindAddr: addrA, Port: 23810, Members: []net.IP{addrB}}, nil)
	if err != nil {
		t.Fatalf("NewUcastTransport a: %v", err)
	}
	defer a.Close()

	b, err := NewUcastTransport(Config{BindAddr: addrB, Port: 23810, Members: []net.IP{addrA}}, nil)
	if err != nil {
		t.Fatalf("NewUcastTransport b: %v", err)
	}
	defer b.Close()

	received := make(chan []byte, 4)
	b.SetDeliverFunc(func(src net.IP, data []byte) { received <- data })

	if err := a.McastFlushSend([]byte("hello-b")); err != nil {
		t.Fatalf("McastFlushSend: %v", err)
	}

	waitDeliver(t, received, "hello-b")
}

func TestUcastTransport_LocalLoopDeliversOwnMulticast(t *testing.T) {
	loopback := net.ParseIP("127.0.0.1")
	cfg := Config{BindAddr: loopback, Port: 23803, Members: []net.IP{loopback}}

	tr, err := NewUcastTransport(cfg, nil)
	if err != nil {
		t.Fatalf("NewUcastTransport: %v", err)
	}
	defer tr.Close()

	received := make(chan []byte, 4)
	tr.SetDeliverFunc(func(src net.IP, data []byte) { received <- data })

	if err := tr.McastFlushSend([]byte("self-mcast")); err != nil {
		t.Fatalf("McastFlushSend: %v", err)
	}

	waitDeliver(t, received, "self-mcast")
}

func TestUcastTransport_SkipsInactivePeersOnNoFlush(t *testing.T) {
	loopback := net.ParseIP("127.0.0.1")
	peer := net.ParseIP("127.0.0.2")
	cfg := Config{BindAddr: loopback, Port: 23804, Members: []net.IP{peer}}

	tr, err := NewUcastTransport(cfg, nil)
	if err != nil {
		t.Fatalf("NewUcastTransport: %v", err)
	}
	defer tr.Close()

	tr.SetPeerActive(peer, false)

	// No assertion on peer delivery (no listener bound on 127.0.0.2 in
	// this test); the call must still succeed and still satisfy the
	// local-loop delivery path.
	received := make(chan []byte, 4)
	tr.SetDeliverFunc(func(src net.IP, data []byte) { received <- data })

	if err := tr.McastNoFlushSend([]byte("skip-me")); err != nil {
		t.Fatalf("McastNoFlushSend: %v", err)
	}
	waitDeliver(t, received, "skip-me")
}

func TestUcastTransport_StatsTrackSendFailures(t *testing.T) {
	loopback := net.ParseIP("127.0.0.1")
	cfg := Config{BindAddr: loopback, Port: 23805, Members: []net.IP{loopback}}

	tr, err := NewUcastTransport(cfg, nil)
	if err != nil {
		t.Fatalf("NewUcastTransport: %v", err)
	}

	before := tr.Stats()
	if before.SendFailures != 0 {
		t.Fatalf("expected zero initial failures, got %d", before.SendFailures)
	}

	tr.Close()
	if err := tr.TokenSend(loopback, []byte("x")); err == nil {
		t.Fatal("expected error sending on closed transport")
	}
	after := tr.Stats()
	if after.SendFailures == 0 {
		t.Fatal("expected SendFailures to increment after failed send")
	}
}
