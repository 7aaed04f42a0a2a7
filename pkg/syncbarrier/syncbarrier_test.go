package syncbarrier

import (
	"context"
	"errors"
	"testing"

	"github.com/coro-totem/totemcore/pkg/nodeid"
)

type fakeService struct {
	name        string
	processedAt int
	doneAfter   int
	initErr     error
	procErr     error
	aborted     bool
	activated   bool
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) SyncInit(ring nodeid.RingID, members nodeid.Set) error {
	return f.initErr
}

func (f *fakeService) SyncProcess() (bool, error) {
	if f.procErr != nil {
		return false, f.procErr
	}
	f.processedAt++
	return f.processedAt >= f.doneAfter, nil
}

func (f *fakeService) SyncAbort() { f.aborted = true }

func (f *fakeService) SyncActivate() { f.activated = true }

func ring() nodeid.RingID { return nodeid.RingID{Rep: 1, Seq: 1} }

func TestBarrier_RunsUntilAllServicesDone(t *testing.T) {
	a := &fakeService{name: "a", doneAfter: 1}
	b := &fakeService{name: "b", doneAfter: 3}

	reg := NewRegistry()
	reg.Register(a)
	reg.Register(b)

	barrier := NewBarrier(reg, nil)
	members := nodeid.NewSet(1, 2)
	if err := barrier.Run(context.Background(), ring(), members); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !a.activated || !b.activated {
		t.Fatal("expected both services to be activated")
	}
	if a.aborted || b.aborted {
		t.Fatal("expected no abort on success path")
	}
	if b.processedAt != 3 {
		t.Fatalf("expected slower service to be polled until done, got %d calls", b.processedAt)
	}
}

func TestBarrier_AbortsAllOnServiceError(t *testing.T) {
	a := &fakeService{name: "a", doneAfter: 1}
	b := &fakeService{name: "b", procErr: errors.New("boom")}

	reg := NewRegistry()
	reg.Register(a)
	reg.Register(b)

	barrier := NewBarrier(reg, nil)
	err := barrier.Run(context.Background(), ring(), nodeid.NewSet(1, 2))
	if err == nil {
		t.Fatal("expected error from failing service")
	}
	if !a.aborted || !b.aborted {
		t.Fatal("expected sync_abort on every service, including the one that did not error")
	}
	if a.activated || b.activated {
		t.Fatal("expected no activation after abort")
	}
}

func TestBarrier_AbortOnMembershipPerturbation(t *testing.T) {
	a := &fakeService{name: "a", doneAfter: 1000}

	reg := NewRegistry()
	reg.Register(a)

	barrier := NewBarrier(reg, nil)
	barrier.Abort()

	err := barrier.Run(context.Background(), ring(), nodeid.NewSet(1))
	if err == nil {
		t.Fatal("expected Run to fail when aborted before completion")
	}
	if !a.aborted {
		t.Fatal("expected sync_abort to run on the pre-aborted barrier")
	}
}

func TestBarrier_ContextCancellationAborts(t *testing.T) {
	a := &fakeService{name: "a", doneAfter: 1000}

	reg := NewRegistry()
	reg.Register(a)

	barrier := NewBarrier(reg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := barrier.Run(ctx, ring(), nodeid.NewSet(1)); err == nil {
		t.Fatal("expected Run to fail on a cancelled context")
	}
	if !a.aborted {
		t.Fatal("expected sync_abort after context cancellation")
	}
}
