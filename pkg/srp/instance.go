// Package srp implements the Totem Single-Ring Protocol state machine of
// §4.3/§4.4: token-based total-order multicast, the four-state
// GATHER/COMMIT/RECOVERY/OPERATIONAL machine, flow control, and
// retransmission.
package srp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/nodeid"
	"github.com/coro-totem/totemcore/pkg/wire"
)

// Sender abstracts the crypto+transport send path so this package never
// imports net directly; a concrete binding lives in pkg/instance.
type Sender interface {
	TokenSend(target nodeid.ID, frame []byte) error
	McastNoFlushSend(frame []byte) error
	McastFlushSend(frame []byte) error
}

// DeliverFunc receives one ordered, de-fragmented payload from the ring
// for handoff to the PG layer.
type DeliverFunc func(originator nodeid.ID, msn uint32, payload []byte)

// ConfChgFunc is invoked whenever membership changes (§4.4), carrying the
// new ring id and the current/left/joined processor sets.
type ConfChgFunc func(ring nodeid.RingID, members, left, joined nodeid.Set)

// Config configures one SRP instance.
type Config struct {
	LocalID nodeid.ID
	// InitialMembers is the statically configured cluster node list
	// (the totem.conf node list in the original implementation). GATHER
	// only needs to agree on which of these are unreachable; it does
	// not discover the member set from scratch. LocalID is added
	// automatically if omitted.
	InitialMembers []nodeid.ID
	Sender         Sender
	Deliver        DeliverFunc
	ConfChg        ConfChgFunc
	Window         uint32

	// SyncBarrier runs the per-service sync barrier (§4.6) before the
	// RECOVERY → OPERATIONAL transition completes. A nil hook skips
	// straight to OPERATIONAL, useful for tests that don't register
	// services.
	SyncBarrier func(ring nodeid.RingID, members nodeid.Set) error

	TokenTimeout           time.Duration
	JoinBroadcastPeriod    time.Duration
	MergeDetectPeriod      time.Duration
	CommitTokenTimeout     time.Duration
	ConsensusTimeout       time.Duration
	CryptoRejectThreshold  int

	Log *logrus.Entry
}

func (c *Config) setDefaults() {
	if c.Window == 0 {
		c.Window = constants.FlowControlWindow
	}
	if c.TokenTimeout == 0 {
		c.TokenTimeout = constants.TokenTimeout
	}
	if c.JoinBroadcastPeriod == 0 {
		c.JoinBroadcastPeriod = constants.JoinBroadcastPeriod
	}
	if c.MergeDetectPeriod == 0 {
		c.MergeDetectPeriod = constants.MergeDetectPeriod
	}
	if c.CommitTokenTimeout == 0 {
		c.CommitTokenTimeout = constants.CommitTokenTimeout
	}
	if c.ConsensusTimeout == 0 {
		c.ConsensusTimeout = constants.ConsensusTimeout
	}
	if c.CryptoRejectThreshold == 0 {
		c.CryptoRejectThreshold = constants.CryptoRejectIsolationThreshold
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
}

// received tracks per-originator contiguity so the instance can compute a
// local ARU (§3 "all-received-up-to", §4.3 step 5).
type received struct {
	// msn -> payload, pending delivery until contiguous with aru+1
	pending map[uint32][]byte
}

func newReceived() *received {
	return &received{pending: make(map[uint32][]byte)}
}

// Instance is one node's view of the ring: its state machine, its
// received-set bookkeeping, and the membership-formation state used
// while GATHER/COMMIT/RECOVERY are in progress.
type Instance struct {
	cfg Config

	mu sync.Mutex

	state constants.SRPState
	ring  nodeid.RingID

	members    nodeid.Set
	procList   nodeid.Set
	failedList nodeid.Set

	// token-holder bookkeeping (only meaningful while this node holds
	// the token during OPERATIONAL)
	tokenSeq  uint32
	highSeq   uint32
	aru       uint32
	aruHolder nodeid.ID
	recv      *received
	rtr       map[uint32]nodeid.RingID // msn -> ring it was requested against
	outbox    [][]byte                  // queued but unsent payloads (flow control)

	// sentHistory retains recently broadcast payloads (bounded to the
	// flow-control window) so this node can answer rtr requests (§4.3
	// "Retransmission"); originators records who sent each MSN so
	// delivery callbacks can report the right originator.
	sentHistory map[uint32][]byte
	originators map[uint32]nodeid.ID

	// membership-formation scratch state
	joins        map[nodeid.ID]*wire.MembJoin
	commitSlots  map[nodeid.ID]wire.CommitSlot
	commitRing   nodeid.RingID
	ringSeqSeen  uint64

	consecutiveCryptoRejects int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastTokenAt time.Time
}

// New constructs an SRP instance parked in GATHER with an initial ring of
// (localID, 0): a fresh node always starts by seeking membership.
func New(cfg Config) (*Instance, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("srp: sender is required")
	}
	if cfg.LocalID == 0 {
		return nil, fmt.Errorf("srp: local id is required")
	}
	cfg.setDefaults()

	initial := nodeid.NewSet(append(append([]nodeid.ID(nil), cfg.InitialMembers...), cfg.LocalID)...)
	rep, _ := initial.Min()

	inst := &Instance{
		cfg:         cfg,
		state:       constants.StateGather,
		ring:        nodeid.RingID{Rep: rep, Seq: 0},
		members:     initial,
		procList:    initial,
		recv:        newReceived(),
		rtr:         make(map[uint32]nodeid.RingID),
		sentHistory: make(map[uint32][]byte),
		originators: make(map[uint32]nodeid.ID),
		joins:       make(map[nodeid.ID]*wire.MembJoin),
		commitSlots: make(map[nodeid.ID]wire.CommitSlot),
	}
	return inst, nil
}

// Start begins the timer-driven loop (token timeout, join rebroadcast,
// merge detect, commit timeout): one goroutine selecting over one ticker
// per timer, mirroring how the SWIM probe loop drives its own periodic work.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.ctx != nil {
		i.mu.Unlock()
		return fmt.Errorf("srp: already started")
	}
	i.ctx, i.cancel = context.WithCancel(ctx)
	i.mu.Unlock()

	i.wg.Add(1)
	go i.tickLoop()

	i.mu.Lock()
	i.broadcastJoinLocked()
	i.mu.Unlock()

	return nil
}

func (i *Instance) Stop() error {
	i.mu.Lock()
	cancel := i.cancel
	i.cancel = nil
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	i.wg.Wait()
	return nil
}

func (i *Instance) tickLoop() {
	defer i.wg.Done()

	tokenTicker := time.NewTicker(i.cfg.TokenTimeout)
	joinTicker := time.NewTicker(i.cfg.JoinBroadcastPeriod)
	mergeTicker := time.NewTicker(i.cfg.MergeDetectPeriod)
	commitTicker := time.NewTicker(i.cfg.CommitTokenTimeout)
	defer tokenTicker.Stop()
	defer joinTicker.Stop()
	defer mergeTicker.Stop()
	defer commitTicker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-tokenTicker.C:
			i.checkTokenTimeout()
		case <-joinTicker.C:
			i.mu.Lock()
			if i.state == constants.StateGather {
				i.broadcastJoinLocked()
			}
			i.mu.Unlock()
		case <-mergeTicker.C:
			i.mu.Lock()
			if i.state == constants.StateOperational {
				i.sendMergeDetectLocked()
			}
			i.mu.Unlock()
		case <-commitTicker.C:
			i.checkCommitTimeout()
		}
	}
}

// State returns the current SRP state (safe for concurrent use).
func (i *Instance) State() constants.SRPState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Ring returns the current ring id.
func (i *Instance) Ring() nodeid.RingID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ring
}

// Mcast queues a payload for broadcast; it is actually sent the next time
// this node holds the token and flow control allows it (§4.3 step 4).
func (i *Instance) Mcast(payload []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != constants.StateOperational {
		return fmt.Errorf("srp: cannot mcast while in %s", i.state)
	}
	cp := append([]byte(nil), payload...)
	i.outbox = append(i.outbox, cp)
	return nil
}

func (i *Instance) transitionLocked(next constants.SRPState) {
	if i.state == next {
		return
	}
	i.cfg.Log.WithFields(logrus.Fields{
		"from": i.state.String(),
		"to":   next.String(),
		"ring": i.ring.String(),
	}).Info("srp state transition")
	i.state = next
}

func (i *Instance) lastTokenAtNowLocked() time.Time {
	return time.Now()
}

func (i *Instance) inFlightLocked() uint32 {
	if i.highSeq < i.aru {
		return 0
	}
	return i.highSeq - i.aru
}
