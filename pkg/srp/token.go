package srp

import (
	"time"

	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/nodeid"
	"github.com/coro-totem/totemcore/pkg/wire"
)

// HandleToken implements the seven-step token-handling algorithm of
// §4.3 "Token handling in OPERATIONAL".
func (i *Instance) HandleToken(tok *wire.Token) {
	i.mu.Lock()
	defer i.mu.Unlock()

	// Step 1: validate ring id; stale tokens are dropped.
	if tok.Ring != i.ring {
		return
	}

	// Token duplicate suppression: only the highest token-seq is acted on.
	if tok.TokenSeq <= i.tokenSeq && i.tokenSeq != 0 {
		return
	}
	i.tokenSeq = tok.TokenSeq
	i.lastTokenAt = time.Now()

	if i.state == constants.StateGather {
		// Tokens from our own prior ring are meaningless mid-formation.
		return
	}
	if i.state == constants.StateCommit || i.state == constants.StateRecovery {
		// A regular token circulating for this ring is the signal that
		// the ring's representative has finished RECOVERY; non-rep
		// members follow it straight to OPERATIONAL (§4.3 "RECOVERY ->
		// OPERATIONAL").
		if !i.finalizeOperationalLocked() {
			return
		}
	}

	// Step 2: fulfill retransmit requests we can satisfy.
	remaining := tok.RetransmitList[:0]
	for _, e := range tok.RetransmitList {
		if e.Ring != i.ring {
			continue // slot names a stale ring: drop it
		}
		if payload, ok := i.sentHistory[e.MSN]; ok {
			i.rebroadcastLocked(e.MSN, payload)
			continue // satisfied, drop from the list
		}
		remaining = append(remaining, e)
	}
	tok.RetransmitList = remaining

	// Step 3: deliver in-order any MSNs now contiguous up to high-seq.
	i.deliverContiguousLocked(tok.HighSeq)

	// Step 4: allocate new MSNs for queued sends, bounded by flow control.
	budget := flowControlBudget(i.cfg.Window, i.inFlightLocked())
	sent := uint32(0)
	for sent < budget && len(i.outbox) > 0 {
		payload := i.outbox[0]
		i.outbox = i.outbox[1:]
		tok.HighSeq++
		i.highSeq = tok.HighSeq
		i.recordSentLocked(tok.HighSeq, payload)
		i.broadcastMcastLocked(tok.HighSeq, payload)
		sent++
	}
	tok.Backlog = uint32(len(i.outbox))
	tok.FCC = sent

	// Step 5: reconcile ARU.
	localARU := i.localARULocked()
	if localARU < tok.ARU {
		tok.ARU = localARU
		tok.ARUHolder = i.cfg.LocalID
	} else if tok.ARUHolder == i.cfg.LocalID && localARU > tok.ARU {
		tok.ARU = localARU
	}
	i.aru = tok.ARU
	i.aruHolder = tok.ARUHolder

	// Step 6: append rtr entries for gaps in the local received set.
	i.appendGapsLocked(tok)

	// Step 7: forward the token to the successor. The sequence number is
	// bumped on every hop so duplicate suppression keeps working across
	// rotations instead of only the first lap.
	tok.Retransmit = len(tok.RetransmitList) > 0
	tok.TokenSeq++
	i.forwardTokenLocked(tok)
}

// checkTokenTimeout is driven by the token ticker; token loss is the
// single most common GATHER trigger (§4.3 "Token loss").
func (i *Instance) checkTokenTimeout() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != constants.StateOperational {
		return
	}
	if i.lastTokenAt.IsZero() {
		return
	}
	if time.Since(i.lastTokenAt) < i.cfg.TokenTimeout {
		return
	}
	i.cfg.Log.Warn("token timeout, declaring loss")
	i.transitionLocked(constants.StateGather)
	i.broadcastJoinLocked()
}

func flowControlBudget(window, inFlight uint32) uint32 {
	if inFlight >= window {
		return 0
	}
	return window - inFlight
}

func (i *Instance) deliverContiguousLocked(highSeq uint32) {
	for {
		next := i.aru + 1
		payload, ok := i.recv.pending[next]
		if !ok {
			return
		}
		if i.cfg.Deliver != nil {
			i.cfg.Deliver(i.originatorOf(next), next, payload)
		}
		delete(i.recv.pending, next)
		i.aru = next
		if next >= highSeq {
			return
		}
	}
}

// originatorOf is the lookup used for delivery callbacks: the originator
// travels with the Mcast frame and is recorded by HandleMcast when the
// frame is received, and by recordSentLocked for this node's own sends.
// It returns 0 for an MSN recorded by neither.
func (i *Instance) originatorOf(msn uint32) nodeid.ID {
	if origin, ok := i.originators[msn]; ok {
		return origin
	}
	return 0
}

func (i *Instance) localARULocked() uint32 {
	return i.aru
}

func (i *Instance) appendGapsLocked(tok *wire.Token) {
	seen := make(map[uint32]bool, len(tok.RetransmitList))
	for _, e := range tok.RetransmitList {
		seen[e.MSN] = true
	}
	for m := i.aru + 1; m < tok.HighSeq; m++ {
		if _, have := i.recv.pending[m]; have {
			continue
		}
		if seen[m] {
			continue
		}
		tok.RetransmitList = append(tok.RetransmitList, wire.RtrEntry{Ring: i.ring, MSN: m})
		seen[m] = true
	}
}

func (i *Instance) recordSentLocked(msn uint32, payload []byte) {
	i.sentHistory[msn] = payload
	i.originators[msn] = i.cfg.LocalID
	// Bound history to the flow-control window so memory doesn't grow
	// unboundedly across a long-lived ring.
	if msn > i.cfg.Window {
		delete(i.sentHistory, msn-i.cfg.Window)
		delete(i.originators, msn-i.cfg.Window)
	}
}

func (i *Instance) broadcastMcastLocked(msn uint32, payload []byte) {
	m := &wire.Mcast{
		Ring:       i.ring,
		MSN:        msn,
		Originator: i.cfg.LocalID,
		Guarantee:  0,
		Payload:    payload,
	}
	frame := wire.Encode(wire.Header{Version: 1, Type: constants.MsgMcast, Source: uint32(i.cfg.LocalID)}, m)
	if err := i.cfg.Sender.McastNoFlushSend(frame); err != nil {
		i.cfg.Log.WithError(err).Warn("mcast send failed")
	}
	// The local-loop path (pkg/transport) redelivers this to Dispatch, so
	// the sender observes its own message like any other ring member.
}

func (i *Instance) rebroadcastLocked(msn uint32, payload []byte) {
	m := &wire.Mcast{Ring: i.ring, MSN: msn, Originator: i.originatorOf(msn), Payload: payload}
	frame := wire.Encode(wire.Header{Version: 1, Type: constants.MsgMcast, Source: uint32(i.cfg.LocalID)}, m)
	if err := i.cfg.Sender.McastNoFlushSend(frame); err != nil {
		i.cfg.Log.WithError(err).Warn("retransmit send failed")
	}
}

func (i *Instance) forwardTokenLocked(tok *wire.Token) {
	if i.ctx != nil && i.ctx.Err() != nil {
		return // stopped: let the token die rather than circulate forever
	}
	successor, ok := i.successorLocked()
	if !ok {
		return
	}
	frame := wire.Encode(wire.Header{Version: 1, Type: constants.MsgORFToken, Source: uint32(i.cfg.LocalID)}, tok)
	if err := i.cfg.Sender.TokenSend(successor, frame); err != nil {
		i.cfg.Log.WithError(err).Warn("token forward failed")
	}
}

// successorLocked returns the next node id after the local id in ring
// order, wrapping around (§4.3 "Forward token to the successor").
func (i *Instance) successorLocked() (nodeid.ID, bool) {
	members := i.members.Members()
	if len(members) == 0 {
		return 0, false
	}
	if len(members) == 1 {
		// A lone node is its own successor: the token loops back through
		// the transport's local-loop path so timers keep firing.
		return members[0], members[0] == i.cfg.LocalID
	}
	for idx, id := range members {
		if id == i.cfg.LocalID {
			return members[(idx+1)%len(members)], true
		}
	}
	return 0, false
}
