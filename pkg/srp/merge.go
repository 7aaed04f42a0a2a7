package srp

import (
	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/nodeid"
	"github.com/coro-totem/totemcore/pkg/wire"
)

// sendMergeDetectLocked multicasts this node's ring id periodically while
// OPERATIONAL (§4.3 "Merge detection").
func (i *Instance) sendMergeDetectLocked() {
	md := &wire.MembMergeDetect{Ring: i.ring}
	frame := wire.Encode(wire.Header{Version: 1, Type: constants.MsgMembMergeDetect, Source: uint32(i.cfg.LocalID)}, md)
	if err := i.cfg.Sender.McastNoFlushSend(frame); err != nil {
		i.cfg.Log.WithError(err).Warn("merge detect send failed")
	}
}

// HandleMergeDetect transitions to GATHER on observing a foreign ring id
// (§4.3 "Receiving one with a different ring id transitions to GATHER").
func (i *Instance) HandleMergeDetect(md *wire.MembMergeDetect) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != constants.StateOperational {
		return
	}
	if md.Ring == i.ring {
		return
	}

	i.cfg.Log.WithField("foreign_ring", md.Ring.String()).Info("merge detected, re-entering GATHER")
	i.transitionLocked(constants.StateGather)
	i.procList = i.members
	i.failedList = nodeid.NewSet()
	i.joins = make(map[nodeid.ID]*wire.MembJoin)
	i.broadcastJoinLocked()
}
