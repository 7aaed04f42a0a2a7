package srp

import (
	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/nodeid"
	"github.com/coro-totem/totemcore/pkg/wire"
)

// broadcastJoinLocked sends this node's current membership proposal. It
// is re-sent whenever the view changes and, periodically, while in
// GATHER (§4.4 "Each GATHER node rebroadcasts its join whenever its view
// changes").
func (i *Instance) broadcastJoinLocked() {
	if i.ringSeqSeen < i.ring.Seq+1 {
		i.ringSeqSeen = i.ring.Seq + 1
	}
	mj := &wire.MembJoin{
		Sender:     i.cfg.LocalID,
		ProcList:   i.procList.Members(),
		FailedList: i.failedList.Members(),
		RingSeq:    i.ringSeqSeen,
	}
	i.joins[i.cfg.LocalID] = mj
	frame := wire.Encode(wire.Header{Version: 1, Type: constants.MsgMembJoin, Source: uint32(i.cfg.LocalID)}, mj)
	if err := i.cfg.Sender.McastFlushSend(frame); err != nil {
		i.cfg.Log.WithError(err).Warn("join broadcast failed")
	}
}

// HandleMembJoin implements §4.4's reception rules: inconsistent ring
// views force GATHER, joins accumulate the candidate membership, and
// convergence is checked on every update.
func (i *Instance) HandleMembJoin(mj *wire.MembJoin) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state == constants.StateOperational {
		i.cfg.Log.Info("received MEMB_JOIN while operational, re-entering GATHER")
		i.transitionLocked(constants.StateGather)
		i.procList = i.members
		i.failedList = nodeid.NewSet()
		i.joins = make(map[nodeid.ID]*wire.MembJoin)
		i.broadcastJoinLocked()
	}
	if i.state != constants.StateGather {
		return
	}

	prev, existed := i.joins[mj.Sender]
	i.joins[mj.Sender] = mj

	changed := !existed || !sameJoinView(prev, mj)
	i.procList = unionSet(i.procList, nodeid.NewSet(mj.ProcList...))
	i.failedList = unionSet(i.failedList, nodeid.NewSet(mj.FailedList...))
	if mj.RingSeq > i.ringSeqSeen {
		i.ringSeqSeen = mj.RingSeq
	}

	if changed {
		i.broadcastJoinLocked()
	}
	i.checkConvergenceLocked()
}

func sameJoinView(a, b *wire.MembJoin) bool {
	if a == nil || b == nil {
		return false
	}
	return nodeid.NewSet(a.ProcList...).Equal(nodeid.NewSet(b.ProcList...)) &&
		nodeid.NewSet(a.FailedList...).Equal(nodeid.NewSet(b.FailedList...))
}

func unionSet(a, b nodeid.Set) nodeid.Set {
	return nodeid.NewSet(append(append([]nodeid.ID(nil), a.Members()...), b.Members()...)...)
}

// checkConvergenceLocked implements §4.4's convergence rule: a node may
// move to COMMIT iff every member of (proc-list \ failed-list) has been
// heard from with an identical (proc-list, failed-list).
func (i *Instance) checkConvergenceLocked() {
	candidates := i.procList.Subtract(i.failedList)
	if candidates.Len() == 0 {
		return
	}
	var reference *wire.MembJoin
	for _, id := range candidates.Members() {
		mj, ok := i.joins[id]
		if !ok {
			return // haven't heard from everyone yet
		}
		if reference == nil {
			reference = mj
			continue
		}
		if !sameJoinView(reference, mj) {
			return // views still disagree
		}
	}

	rep, _ := candidates.Min()
	newRing := nodeid.RingID{Rep: rep, Seq: i.ringSeqSeen}
	i.commitRing = newRing
	i.members = candidates
	i.ring = newRing
	i.transitionLocked(constants.StateCommit)
	i.commitSlots = make(map[nodeid.ID]wire.CommitSlot)

	if i.cfg.LocalID == rep {
		i.sendInitialCommitTokenLocked()
	}
}

// sendInitialCommitTokenLocked is issued once by the lowest-id member of
// the converged ring (§4.3 "COMMIT → RECOVERY").
func (i *Instance) sendInitialCommitTokenLocked() {
	slots := make([]wire.CommitSlot, 0, i.members.Len())
	for _, id := range i.members.Members() {
		slots = append(slots, wire.CommitSlot{
			Node:     id,
			Received: id == i.cfg.LocalID,
			ARU:      boolARU(id == i.cfg.LocalID, i.aru),
		})
	}
	mct := &wire.MembCommitToken{Ring: i.commitRing, Slots: slots}
	i.forwardCommitTokenLocked(mct)
}

func boolARU(self bool, aru uint32) uint32 {
	if self {
		return aru
	}
	return 0
}

// HandleMembCommitToken writes this node's slot and forwards the token;
// once the originator observes every slot received, RECOVERY begins
// (§4.4 "MEMB_COMMIT_TOKEN").
func (i *Instance) HandleMembCommitToken(mct *wire.MembCommitToken) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != constants.StateCommit && i.state != constants.StateRecovery {
		return
	}
	if mct.Ring != i.commitRing {
		return
	}

	for idx, slot := range mct.Slots {
		if slot.Node == i.cfg.LocalID {
			mct.Slots[idx].Received = true
			mct.Slots[idx].ARU = i.aru
			mct.Slots[idx].HighDelivered = i.highSeq
		}
		i.commitSlots[slot.Node] = mct.Slots[idx]
	}

	if i.cfg.LocalID != mct.Ring.Rep {
		i.forwardCommitTokenLocked(mct)
		return
	}

	allReceived := true
	for _, slot := range mct.Slots {
		if !slot.Received {
			allReceived = false
			break
		}
	}
	if !allReceived {
		i.forwardCommitTokenLocked(mct)
		return
	}

	i.beginRecoveryLocked(mct)
}

func (i *Instance) forwardCommitTokenLocked(mct *wire.MembCommitToken) {
	successor, ok := i.successorLocked()
	if !ok {
		return
	}
	frame := wire.Encode(wire.Header{Version: 1, Type: constants.MsgMembCommitToken, Source: uint32(i.cfg.LocalID)}, mct)
	if err := i.cfg.Sender.TokenSend(successor, frame); err != nil {
		i.cfg.Log.WithError(err).Warn("commit token forward failed")
	}
}

// checkCommitTimeout drops back to GATHER if a commit token never
// circulates back (§4.4 "Lost commit tokens (timeout) drop back to
// GATHER").
func (i *Instance) checkCommitTimeout() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != constants.StateCommit {
		return
	}
	i.cfg.Log.Warn("commit token timeout, reverting to GATHER")
	i.transitionLocked(constants.StateGather)
	i.joins = make(map[nodeid.ID]*wire.MembJoin)
	i.broadcastJoinLocked()
}

// beginRecoveryLocked replays messages that some members lack (computed
// from the commit-token slots), then runs the sync barrier and resumes
// OPERATIONAL traffic (§4.3 "RECOVERY → OPERATIONAL").
func (i *Instance) beginRecoveryLocked(mct *wire.MembCommitToken) {
	i.transitionLocked(constants.StateRecovery)

	maxHigh := uint32(0)
	for _, slot := range mct.Slots {
		if slot.HighDelivered > maxHigh {
			maxHigh = slot.HighDelivered
		}
	}
	for _, slot := range mct.Slots {
		for m := slot.HighDelivered + 1; m <= maxHigh; m++ {
			if payload, ok := i.sentHistory[m]; ok {
				i.rebroadcastLocked(m, payload)
			}
		}
	}

	i.highSeq = maxHigh
	i.aru = maxHigh
	i.tokenSeq = 0
	i.outbox = nil

	if !i.finalizeOperationalLocked() {
		return
	}

	tok := &wire.Token{Ring: i.ring, TokenSeq: 1, HighSeq: i.highSeq, ARU: i.aru, ARUHolder: i.cfg.LocalID}
	i.forwardTokenLocked(tok)
}

// finalizeOperationalLocked runs the sync barrier (if registered) and
// completes the RECOVERY → OPERATIONAL transition. It is shared by the
// ring representative (driven off commit-token completion) and every
// other member (driven off observing the first regular token for the
// new ring). Returns false if the sync barrier failed and the instance
// reverted to GATHER instead.
func (i *Instance) finalizeOperationalLocked() bool {
	if i.cfg.SyncBarrier != nil {
		if err := i.cfg.SyncBarrier(i.ring, i.members); err != nil {
			i.cfg.Log.WithError(err).Error("sync barrier failed, reverting to GATHER")
			i.transitionLocked(constants.StateGather)
			i.joins = make(map[nodeid.ID]*wire.MembJoin)
			i.broadcastJoinLocked()
			return false
		}
	}

	i.transitionLocked(constants.StateOperational)
	i.lastTokenAt = i.lastTokenAtNowLocked()
	i.reportConfChgLocked()
	i.procList = i.members
	i.failedList = nodeid.NewSet()
	return true
}
