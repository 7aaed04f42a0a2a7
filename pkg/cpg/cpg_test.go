package cpg

import (
	"testing"

	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/nodeid"
)

type fakeCPGSender struct {
	svc *Service
}

func (f *fakeCPGSender) SendCPG(kind uint8, payload []byte) error {
	return f.svc.HandleMessage(kind, payload)
}

type confchgEvent struct {
	group        string
	joined, left []Record
}

func newTestService(localID nodeid.ID) (*Service, *[]confchgEvent, *[]string) {
	var events []confchgEvent
	var delivered []string
	svc := NewService(localID, nil, func(c ClientID, group string, source nodeid.ID, payload []byte) {
		delivered = append(delivered, group+":"+string(payload))
	}, func(group string, joined, left []Record) {
		events = append(events, confchgEvent{group, joined, left})
	})
	svc.send = &fakeCPGSender{svc: svc}
	return svc, &events, &delivered
}

func TestJoin_AppendsRecordAndCompletesDescriptor(t *testing.T) {
	svc, events, _ := newTestService(1)
	client := svc.Connect(1, 100)

	if err := svc.Join(client, "app", false); err != nil {
		t.Fatalf("Join: %v", err)
	}

	recs := svc.MembershipGet("app")
	if len(recs) != 1 || recs[0] != (Record{Node: 1, Pid: 100}) {
		t.Fatalf("expected one record for the joining client, got %v", recs)
	}
	if len(*events) != 1 || (*events)[0].joined[0] != (Record{Node: 1, Pid: 100}) {
		t.Fatalf("expected one PROCJOIN confchg, got %v", *events)
	}

	svc.mu.Lock()
	st := svc.clients[client].joins["app"]
	svc.mu.Unlock()
	if st != constants.CPGJoinCompleted {
		t.Fatalf("expected descriptor to reach JOIN_COMPLETED, got %v", st)
	}
}

func TestJoin_RejectsDuplicateJoin(t *testing.T) {
	svc, _, _ := newTestService(1)
	client := svc.Connect(1, 100)
	if err := svc.Join(client, "app", false); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := svc.Join(client, "app", false); err == nil {
		t.Fatal("expected rejection of duplicate join to the same group")
	}
}

func TestLeave_RemovesRecordAndEmitsConfChg(t *testing.T) {
	svc, events, _ := newTestService(1)
	client := svc.Connect(1, 100)
	if err := svc.Join(client, "app", false); err != nil {
		t.Fatalf("Join: %v", err)
	}
	*events = nil

	if err := svc.Leave(client, "app"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if recs := svc.MembershipGet("app"); len(recs) != 0 {
		t.Fatalf("expected empty membership after leave, got %v", recs)
	}
	if len(*events) != 1 || len((*events)[0].left) != 1 {
		t.Fatalf("expected one PROCLEAVE confchg, got %v", *events)
	}
}

func TestMcast_DropsUnknownOriginator(t *testing.T) {
	svc, _, delivered := newTestService(1)
	client := svc.Connect(1, 100)
	if err := svc.Join(client, "app", false); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// an mcast from a node never joined to the group must be dropped.
	if err := svc.handleMcastMsg(encodeMcast("app", 99, []byte("hi"))); err != nil {
		t.Fatalf("handleMcastMsg: %v", err)
	}
	if len(*delivered) != 0 {
		t.Fatalf("expected no delivery from an unknown originator, got %v", *delivered)
	}
}

func TestMcast_DeliversToJoinCompletedClients(t *testing.T) {
	svc, _, delivered := newTestService(1)
	client := svc.Connect(1, 100)
	if err := svc.Join(client, "app", false); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := svc.Mcast(client, "app", []byte("hi")); err != nil {
		t.Fatalf("Mcast: %v", err)
	}
	if len(*delivered) != 1 || (*delivered)[0] != "app:hi" {
		t.Fatalf("expected delivery to the joined client, got %v", *delivered)
	}
}

func TestApplyDownlistResolution_RemovesLeftNodeRecords(t *testing.T) {
	svc, events, _ := newTestService(1)
	client := svc.Connect(1, 100)
	if err := svc.Join(client, "app", false); err != nil {
		t.Fatalf("Join: %v", err)
	}
	// simulate a peer's record having arrived via JOINLIST.
	if err := svc.handleJoinList(encodeProcEvent("app", Record{Node: 2, Pid: 200}, 0)); err != nil {
		t.Fatalf("handleJoinList: %v", err)
	}
	*events = nil

	svc.ApplyDownlistResolution([]nodeid.ID{2})

	recs := svc.MembershipGet("app")
	if len(recs) != 1 || recs[0].Node != 1 {
		t.Fatalf("expected only the surviving node's record, got %v", recs)
	}
	if len(*events) != 1 || len((*events)[0].left) != 1 || (*events)[0].left[0].Node != 2 {
		t.Fatalf("expected a synthesized PROCLEAVE for node 2, got %v", *events)
	}
}

func TestFinalize_LeavesHeldGroups(t *testing.T) {
	svc, _, _ := newTestService(1)
	client := svc.Connect(1, 100)
	if err := svc.Join(client, "app", false); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := svc.Finalize(client); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if recs := svc.MembershipGet("app"); len(recs) != 0 {
		t.Fatalf("expected Finalize to leave all held groups, got %v", recs)
	}
}
