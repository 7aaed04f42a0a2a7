// Package downlist implements the sync-phase downlist reconciliation of
// §4.7: every node multicasts its own view of who left the old
// membership, and the whole ring deterministically agrees on one
// canonical left-nodes set before CPG emits any PROCLEAVE-equivalent
// events for this ring transition.
package downlist

import (
	"sync"

	"github.com/coro-totem/totemcore/pkg/nodeid"
	"github.com/coro-totem/totemcore/pkg/wire"
)

// Sender multicasts a downlist message tagged as sync traffic for the
// current ring. Reconciler does not know about transport directly, the
// same way syncbarrier services are driven by an owning instance rather
// than reaching into the network themselves.
type Sender interface {
	SendDownlist(d *wire.Downlist) error
}

// Reconciler runs one sync-phase downlist round and is registered as a
// syncbarrier.Service.
type Reconciler struct {
	send Sender

	mu              sync.Mutex
	localID         nodeid.ID
	ring            nodeid.RingID
	members         nodeid.Set
	priorMembers    []nodeid.ID
	oldMembersCount uint32
	received        map[nodeid.ID]*wire.Downlist
	sent            bool
	resolved        []nodeid.ID
	onResolve       func(left []nodeid.ID)
}

// NewReconciler builds a Reconciler. onResolve is invoked once the
// canonical left-nodes set has been chosen, so CPG can emit its
// PROCLEAVE-equivalent pass (§4.8 "DOWNLIST: sync-phase synthesis").
func NewReconciler(localID nodeid.ID, send Sender, onResolve func(left []nodeid.ID)) *Reconciler {
	return &Reconciler{localID: localID, send: send, onResolve: onResolve}
}

func (r *Reconciler) Name() string { return "downlist" }

// OldMembersCount should be set by the caller (the SRP instance) before
// SyncInit via SetOldMembersCount whenever it knows the previous ring's
// membership size; it defaults to the size of the prior members set
// tracked internally if never set explicitly.
func (r *Reconciler) SetOldMembersCount(n uint32) {
	r.mu.Lock()
	r.oldMembersCount = n
	r.mu.Unlock()
}

// SyncInit begins a reconciliation round: resets accumulated state and
// multicasts this node's own downlist.
func (r *Reconciler) SyncInit(ring nodeid.RingID, members nodeid.Set) error {
	r.mu.Lock()
	r.ring = ring
	r.members = members
	r.received = make(map[nodeid.ID]*wire.Downlist)
	r.sent = false
	r.resolved = nil
	leftIDs := r.leftNodesLocked()
	oldCount := r.oldMembersCount
	r.mu.Unlock()

	d := &wire.Downlist{
		Sender:          r.localID,
		OldMembersCount: oldCount,
		LeftNodes:       leftIDs,
	}
	if err := r.send.SendDownlist(d); err != nil {
		return err
	}
	r.mu.Lock()
	r.received[r.localID] = d
	r.sent = true
	r.mu.Unlock()
	return nil
}

// leftNodesLocked returns this node's own view of who left, computed as
// the prior proc-list members no longer present in the current ring's
// member set. Callers (the SRP instance) populate this via
// NotePriorMembers before the ring transition completes.
func (r *Reconciler) leftNodesLocked() []nodeid.ID {
	out := make([]nodeid.ID, 0, len(r.priorMembers))
	for _, id := range r.priorMembers {
		if !r.members.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// NotePriorMembers records the membership of the ring being replaced, so
// SyncInit can compute this node's own left-nodes vector.
func (r *Reconciler) NotePriorMembers(prior nodeid.Set) {
	r.mu.Lock()
	r.priorMembers = prior.Members()
	r.oldMembersCount = uint32(prior.Len())
	r.mu.Unlock()
}

// HandleDownlist records a peer's downlist message, to be called from
// the owning instance's dispatch path whenever a Downlist body arrives
// tagged for the current ring.
func (r *Reconciler) HandleDownlist(d *wire.Downlist) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.received == nil {
		return
	}
	r.received[d.Sender] = d
}

// SyncProcess reports done once a downlist has been received from every
// current ring member, and resolves the canonical left-nodes set
// deterministically: maximum old-members-count, ties broken by lowest
// sender id (§4.7).
func (r *Reconciler) SyncProcess() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.sent {
		return false, nil
	}
	for _, id := range r.members.Members() {
		if _, ok := r.received[id]; !ok {
			return false, nil
		}
	}

	var master *wire.Downlist
	for _, id := range r.members.Members() {
		d := r.received[id]
		if master == nil {
			master = d
			continue
		}
		if d.OldMembersCount > master.OldMembersCount {
			master = d
			continue
		}
		if d.OldMembersCount == master.OldMembersCount && d.Sender < master.Sender {
			master = d
		}
	}
	if master != nil {
		r.resolved = append([]nodeid.ID(nil), master.LeftNodes...)
	}
	return true, nil
}

// SyncAbort discards any partial reconciliation state, restarted by the
// next SyncInit call.
func (r *Reconciler) SyncAbort() {
	r.mu.Lock()
	r.received = nil
	r.sent = false
	r.resolved = nil
	r.mu.Unlock()
}

// SyncActivate delivers the resolved left-nodes set to the registered
// callback exactly once, on the synchronized pass named in §4.7.
func (r *Reconciler) SyncActivate() {
	r.mu.Lock()
	resolved := r.resolved
	r.mu.Unlock()
	if r.onResolve != nil {
		r.onResolve(resolved)
	}
}
