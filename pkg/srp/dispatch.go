package srp

import (
	"github.com/coro-totem/totemcore/pkg/wire"
)

// Dispatch routes one decoded wire frame to the matching handler. It is
// the single entry point the owning pkg/instance event loop calls after
// crypto verification.
func (i *Instance) Dispatch(frame *wire.Frame) {
	switch body := frame.Body.(type) {
	case *wire.Token:
		i.HandleToken(body)
	case *wire.Mcast:
		i.HandleMcast(body)
	case *wire.MembJoin:
		i.HandleMembJoin(body)
	case *wire.MembCommitToken:
		i.HandleMembCommitToken(body)
	case *wire.MembMergeDetect:
		i.HandleMergeDetect(body)
	case *wire.TokenHoldCancel:
		i.HandleTokenHoldCancel(body)
	default:
		i.cfg.Log.Warnf("srp: unhandled frame type %T", body)
	}
}

// HandleMcast stores an arriving payload in the local received set,
// keyed by MSN, ready for contiguous delivery the next time the token
// circulates through step 3 of HandleToken.
func (i *Instance) HandleMcast(m *wire.Mcast) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if m.Ring != i.ring {
		return
	}
	if m.MSN <= i.aru {
		return // already delivered, duplicate/retransmit arriving late
	}
	i.recv.pending[m.MSN] = m.Payload
	i.originators[m.MSN] = m.Originator
}

// HandleTokenHoldCancel cancels a pending token-hold intent; this
// implementation does not batch sends across rotations, so cancellation
// is a no-op beyond acknowledging the message (§6 message catalogue).
func (i *Instance) HandleTokenHoldCancel(_ *wire.TokenHoldCancel) {}

// reportConfChgLocked notifies the registered callback of a membership change,
// used by membership.go once a ring transition completes.
func (i *Instance) reportConfChgLocked() {
	if i.cfg.ConfChg == nil {
		return
	}
	left := i.procList.Subtract(i.members)
	joined := i.members.Subtract(i.procList)
	members := i.members
	ring := i.ring
	cb := i.cfg.ConfChg
	go cb(ring, members, left, joined)
}
