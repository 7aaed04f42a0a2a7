// Package transport implements the SRP datagram transport of §4.2: two
// interchangeable UDP-based implementations (multicast and unicast
// fan-out) behind one interface, plus interface up/down handling and a
// local-loop delivery path for locally-originated multicasts.
package transport

import (
	"net"
)

// Transport is the datagram transport used by the SRP layer. Both the
// multicast and unicast fan-out implementations satisfy it.
type Transport interface {
	// TokenSend unicasts bytes to the current token target (successor).
	TokenSend(target net.IP, msg []byte) error

	// McastNoFlushSend is a best-effort send to the whole ring; peers
	// known to be inactive may be skipped.
	McastNoFlushSend(msg []byte) error

	// McastFlushSend sends to every configured peer regardless of any
	// active flag; used during recovery.
	McastFlushSend(msg []byte) error

	// IfaceCheck rebuilds sockets while the transport has none bound
	// (the initial bind failed). Once bound it returns nil without
	// probing the interface; a later interface going down is not
	// detected.
	IfaceCheck() error

	// TokenTargetSet updates the unicast token successor.
	TokenTargetSet(target net.IP) error

	// SetDeliverFunc registers the callback invoked for each received
	// datagram and for each local-loop copy of a local send. The two
	// paths are not de-duplicated against each other.
	SetDeliverFunc(fn DeliverFunc)

	// LocalAddr returns the address this transport is bound to.
	LocalAddr() net.IP

	// Stats reports the running failure counters used to drive
	// self-isolation decisions in the SRP layer (§4.2 error semantics).
	Stats() Stats

	// Close releases all sockets held by the transport.
	Close() error
}

// DeliverFunc receives one datagram, already stripped of any
// transport-level framing, along with the address it arrived from.
type DeliverFunc func(src net.IP, data []byte)

// Stats tracks consecutive send failures so callers can decide whether to
// self-isolate (§4.2: "consecutive failures bump a counter that the SRP
// may inspect").
type Stats struct {
	SendFailures           uint64
	ConsecutiveSendFailures uint64
	RecvPackets            uint64
}
