package srp

import "github.com/coro-totem/totemcore/pkg/constants"

// NoteCryptoReject is called by the owning event loop whenever a
// received datagram fails crypto authentication. A burst beyond the
// configured threshold is treated as isolation and forces GATHER
// (§4.3 "Any → GATHER on crypto-rejected bursts beyond a threshold").
func (i *Instance) NoteCryptoReject() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.consecutiveCryptoRejects++
	if i.consecutiveCryptoRejects < i.cfg.CryptoRejectThreshold {
		return
	}
	i.consecutiveCryptoRejects = 0
	if i.state == constants.StateGather {
		return
	}
	i.cfg.Log.Warn("crypto reject burst exceeded threshold, self-isolating to GATHER")
	i.transitionLocked(constants.StateGather)
	i.broadcastJoinLocked()
}

// NoteCryptoAccept resets the consecutive-reject counter on any
// successfully authenticated datagram.
func (i *Instance) NoteCryptoAccept() {
	i.mu.Lock()
	i.consecutiveCryptoRejects = 0
	i.mu.Unlock()
}
