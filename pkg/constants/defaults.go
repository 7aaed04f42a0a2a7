// Package constants defines cross-cutting protocol constants: frame size
// ceilings, timer defaults, flow-control window, message kinds, and the
// client-facing error codes named in §6/§7 of the specification.
package constants

import "time"

// Frame and window limits (§1 Non-goals: fixed frame-size ceiling; §4.3 flow control).
const (
	// MaxFrameSize is the protocol-wide datagram ceiling, on the order of tens of KiB.
	MaxFrameSize = 64 * 1024

	// FlowControlWindow bounds new MSNs a token holder may allocate per rotation
	// (window - in_flight, §4.3 "Flow control").
	FlowControlWindow = 50

	// MaxGroupNameLength is the upper bound on an opaque CPG group name (§6).
	MaxGroupNameLength = 128

	// SaltSize is the per-frame salt length used by the crypto layer (§4.1).
	SaltSize = 16
)

// Timer defaults (§5 "Timers").
const (
	TokenTimeout       = 1 * time.Second
	TokenRetransmitTimeout = 450 * time.Millisecond
	JoinBroadcastPeriod    = 200 * time.Millisecond
	MergeDetectPeriod      = 2 * time.Second
	DowncheckInterval      = 1 * time.Second
	CommitTokenTimeout     = 1200 * time.Millisecond
	ConsensusTimeout       = 2400 * time.Millisecond

	// CryptoRejectIsolationThreshold is the count of consecutive crypto-rejected
	// frames that triggers self-isolation back to GATHER (§4.3, §7).
	CryptoRejectIsolationThreshold = 10
)

// SRP protocol state (§3 "SRP state").
type SRPState int

const (
	StateOperational SRPState = iota
	StateGather
	StateCommit
	StateRecovery
)

func (s SRPState) String() string {
	switch s {
	case StateOperational:
		return "OPERATIONAL"
	case StateGather:
		return "GATHER"
	case StateCommit:
		return "COMMIT"
	case StateRecovery:
		return "RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// Wire message types (§6 "Wire protocol").
const (
	MsgORFToken uint8 = iota + 1
	MsgMcast
	MsgMembMergeDetect
	MsgMembJoin
	MsgMembCommitToken
	MsgTokenHoldCancel
	MsgDownlist
	MsgDownlistOld // legacy, decode-only (§9 open question)
)

// WireMagic is the one-byte magic that opens every decrypted SRP datagram.
// pkg/wire folds it with a fixed low byte into a 16-bit magic word whose
// two byte-order renderings differ, letting a receiver infer byte order
// (§6 "Wire protocol"). FixedByteOrder is preferred on the wire; magic
// detection remains a compatibility fallback (§9 design note).
const (
	WireMagic      uint8 = 0xF7
	WireMagicSwapped uint8 = 0xF7 // magic itself is byte-order invariant (single byte); swap is inferred from the 16-bit magic word, see pkg/wire.
)

// FixedByteOrder is the network byte order new implementations encode in.
// "big" matches encoding/binary.BigEndian.
const FixedByteOrder = "big"

// CPG message kinds (§4.8).
const (
	CPGProcJoin uint8 = iota + 1
	CPGProcLeave
	CPGJoinList
	CPGMcast
	CPGDownlist
)

// CPG client descriptor states (§3 "CPG client descriptor").
type CPGClientState int

const (
	CPGUnjoined CPGClientState = iota
	CPGJoinStarted
	CPGJoinCompleted
	CPGLeaveStarted
)

func (s CPGClientState) String() string {
	switch s {
	case CPGUnjoined:
		return "UNJOINED"
	case CPGJoinStarted:
		return "JOIN_STARTED"
	case CPGJoinCompleted:
		return "JOIN_COMPLETED"
	case CPGLeaveStarted:
		return "LEAVE_STARTED"
	default:
		return "UNKNOWN"
	}
}

// Client-facing error codes (§6 "Exit codes / errors surfaced to clients").
const (
	ErrOK uint32 = iota
	ErrNotExist
	ErrExist
	ErrBusy
	ErrTryAgain
	ErrAccess
	ErrInvalidParam
	ErrNoMemory
	ErrLibrary
	ErrBadHandle
	ErrNoSpace
	ErrNoSections
	ErrBadFlags
	ErrTooBig
	ErrMessageError
)
