package srp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coro-totem/totemcore/pkg/nodeid"
	"github.com/coro-totem/totemcore/pkg/wire"
)

// mockSender implements Sender by delivering straight into the routed
// peer's Dispatch method, in the style of the examples' mock network
// interfaces that record/replay frames synchronously.
type mockSender struct {
	mu    sync.Mutex
	peers map[nodeid.ID]*Instance
	self  nodeid.ID
}

// route decodes once per target and dispatches asynchronously. Token
// forwarding is naturally recursive (each hop forwards to the next
// before returning), so a synchronous call here would recurse for as
// long as the ring keeps circulating; a goroutine per hop turns that
// into ordinary concurrent execution instead of unbounded call-stack
// growth.
func (m *mockSender) route(data []byte, targets []nodeid.ID) error {
	m.mu.Lock()
	peers := make([]*Instance, 0, len(targets))
	for _, t := range targets {
		if inst, ok := m.peers[t]; ok {
			peers = append(peers, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range peers {
		inst := inst
		frame, err := wire.Decode(data)
		if err != nil {
			return err
		}
		go inst.Dispatch(frame)
	}
	return nil
}

func (m *mockSender) TokenSend(target nodeid.ID, frame []byte) error {
	return m.route(frame, []nodeid.ID{target})
}

func (m *mockSender) McastNoFlushSend(frame []byte) error {
	m.mu.Lock()
	targets := make([]nodeid.ID, 0, len(m.peers))
	for id := range m.peers {
		targets = append(targets, id)
	}
	m.mu.Unlock()
	return m.route(frame, targets)
}

func (m *mockSender) McastFlushSend(frame []byte) error {
	return m.McastNoFlushSend(frame)
}

func newRing(t *testing.T, ids ...nodeid.ID) (map[nodeid.ID]*Instance, map[nodeid.ID]chan []byte) {
	t.Helper()
	peers := make(map[nodeid.ID]*Instance, len(ids))
	senders := make(map[nodeid.ID]*mockSender, len(ids))
	delivered := make(map[nodeid.ID]chan []byte, len(ids))

	for _, id := range ids {
		senders[id] = &mockSender{peers: make(map[nodeid.ID]*Instance), self: id}
	}

	for _, id := range ids {
		id := id
		ch := make(chan []byte, 32)
		delivered[id] = ch
		inst, err := New(Config{
			LocalID:        id,
			InitialMembers: ids,
			Sender:         senders[id],
			Deliver: func(origin nodeid.ID, msn uint32, payload []byte) {
				ch <- payload
			},
		})
		if err != nil {
			t.Fatalf("New(%d): %v", id, err)
		}
		peers[id] = inst
	}

	// wire every sender's peer table to every instance, so a route call
	// can dispatch straight into the target's Instance.
	for _, s := range senders {
		for _, id := range ids {
			s.peers[id] = peers[id]
		}
	}

	return peers, delivered
}

func startAll(t *testing.T, ctx context.Context, peers map[nodeid.ID]*Instance) {
	t.Helper()
	for _, inst := range peers {
		if err := inst.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
}

func waitForState(t *testing.T, inst *Instance, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if inst.State().String() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last was %s", want, inst.State())
}

func TestTwoNodeRing_ConvergesToOperational(t *testing.T) {
	peers, _ := newRing(t, 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startAll(t, ctx, peers)
	defer func() {
		for _, inst := range peers {
			inst.Stop()
		}
	}()

	waitForState(t, peers[1], "OPERATIONAL", 3*time.Second)
	waitForState(t, peers[2], "OPERATIONAL", 3*time.Second)

	if peers[1].Ring() != peers[2].Ring() {
		t.Fatalf("rings diverged: %s vs %s", peers[1].Ring(), peers[2].Ring())
	}
	if peers[1].Ring().Rep != 1 {
		t.Fatalf("expected representative 1 (lowest id), got %d", peers[1].Ring().Rep)
	}
}

func TestTwoNodeRing_McastDeliversToBothPeers(t *testing.T) {
	peers, delivered := newRing(t, 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startAll(t, ctx, peers)
	defer func() {
		for _, inst := range peers {
			inst.Stop()
		}
	}()

	waitForState(t, peers[1], "OPERATIONAL", 3*time.Second)
	waitForState(t, peers[2], "OPERATIONAL", 3*time.Second)

	if err := peers[1].Mcast([]byte("hello-ring")); err != nil {
		t.Fatalf("Mcast: %v", err)
	}

	for _, id := range []nodeid.ID{1, 2} {
		select {
		case got := <-delivered[id]:
			if string(got) != "hello-ring" {
				t.Fatalf("peer %d delivered %q, want hello-ring", id, got)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("peer %d never delivered the message", id)
		}
	}
}

func TestInstance_McastRejectedOutsideOperational(t *testing.T) {
	peers, _ := newRing(t, 1)
	inst := peers[1]
	if err := inst.Mcast([]byte("too-early")); err == nil {
		t.Fatal("expected Mcast to fail before reaching OPERATIONAL")
	}
}

func TestFlowControlBudget(t *testing.T) {
	cases := []struct {
		window, inFlight, want uint32
	}{
		{50, 0, 50},
		{50, 49, 1},
		{50, 50, 0},
		{50, 60, 0},
	}
	for _, tc := range cases {
		got := flowControlBudget(tc.window, tc.inFlight)
		if got != tc.want {
			t.Fatalf("flowControlBudget(%d,%d) = %d, want %d", tc.window, tc.inFlight, got, tc.want)
		}
	}
}
