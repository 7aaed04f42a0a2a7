package downlist

import (
	"testing"

	"github.com/coro-totem/totemcore/pkg/nodeid"
	"github.com/coro-totem/totemcore/pkg/wire"
)

type fakeSender struct {
	sent []*wire.Downlist
}

func (f *fakeSender) SendDownlist(d *wire.Downlist) error {
	f.sent = append(f.sent, d)
	return nil
}

func TestReconciler_ChoosesMaxOldMembersCount(t *testing.T) {
	sender := &fakeSender{}
	var resolved []nodeid.ID
	r := NewReconciler(1, sender, func(left []nodeid.ID) { resolved = left })

	r.NotePriorMembers(nodeid.NewSet(1, 2, 3))
	newMembers := nodeid.NewSet(1, 2)
	if err := r.SyncInit(nodeid.RingID{Rep: 1, Seq: 2}, newMembers); err != nil {
		t.Fatalf("SyncInit: %v", err)
	}

	// peer 2 saw a stale, smaller old-members-count.
	r.HandleDownlist(&wire.Downlist{Sender: 2, OldMembersCount: 2, LeftNodes: []nodeid.ID{3}})

	done, err := r.SyncProcess()
	if err != nil {
		t.Fatalf("SyncProcess: %v", err)
	}
	if !done {
		t.Fatal("expected done once every member's downlist arrived")
	}
	r.SyncActivate()

	if len(resolved) != 1 || resolved[0] != 3 {
		t.Fatalf("expected resolved left-nodes [3] from the higher old-members-count sender, got %v", resolved)
	}
}

func TestReconciler_TieBreaksOnLowestSenderID(t *testing.T) {
	sender := &fakeSender{}
	var resolved []nodeid.ID
	r := NewReconciler(5, sender, func(left []nodeid.ID) { resolved = left })

	r.NotePriorMembers(nodeid.NewSet(1, 2, 5))
	if err := r.SyncInit(nodeid.RingID{Rep: 1, Seq: 2}, nodeid.NewSet(1, 5)); err != nil {
		t.Fatalf("SyncInit: %v", err)
	}
	// self (id 5) sent {OldMembersCount:3, Left:[2]} via SyncInit.
	r.HandleDownlist(&wire.Downlist{Sender: 1, OldMembersCount: 3, LeftNodes: []nodeid.ID{99}})

	done, err := r.SyncProcess()
	if err != nil {
		t.Fatalf("SyncProcess: %v", err)
	}
	if !done {
		t.Fatal("expected done")
	}
	r.SyncActivate()

	if len(resolved) != 1 || resolved[0] != 99 {
		t.Fatalf("expected tie broken toward lowest sender id (1), got %v", resolved)
	}
}

func TestReconciler_NotDoneUntilAllMembersHeardFrom(t *testing.T) {
	sender := &fakeSender{}
	r := NewReconciler(1, sender, nil)
	r.NotePriorMembers(nodeid.NewSet(1, 2, 3))
	if err := r.SyncInit(nodeid.RingID{Rep: 1, Seq: 2}, nodeid.NewSet(1, 2, 3)); err != nil {
		t.Fatalf("SyncInit: %v", err)
	}

	done, err := r.SyncProcess()
	if err != nil {
		t.Fatalf("SyncProcess: %v", err)
	}
	if done {
		t.Fatal("expected not done before every member's downlist has arrived")
	}
}

func TestReconciler_AbortClearsState(t *testing.T) {
	sender := &fakeSender{}
	r := NewReconciler(1, sender, nil)
	r.NotePriorMembers(nodeid.NewSet(1, 2))
	if err := r.SyncInit(nodeid.RingID{Rep: 1, Seq: 2}, nodeid.NewSet(1, 2)); err != nil {
		t.Fatalf("SyncInit: %v", err)
	}
	r.SyncAbort()

	done, err := r.SyncProcess()
	if err != nil {
		t.Fatalf("SyncProcess: %v", err)
	}
	if done {
		t.Fatal("expected not done after abort discarded sent state")
	}
}
