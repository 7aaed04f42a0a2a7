package transport

import (
	"net"
	"time"
)

// Bind retry bounds for IfaceCheck: after maxBindRetries failed rebuilds
// it reports a permanent bind failure. McastTransport doubles a
// retryDelay between the min and max backoff on each failure, but
// IfaceCheck never waits on it; attempts are paced only by how often the
// caller invokes IfaceCheck.
const (
	bindRetryMinBackoff = 100 * time.Millisecond
	bindRetryMaxBackoff = 5 * time.Second
	maxBindRetries      = 10
)

// Config carries the parameters common to both transport
// implementations: the interface to bind, the multicast group (when
// applicable), and the member list used for unicast fan-out.
type Config struct {
	// BindAddr is the local interface address to bind sockets to.
	BindAddr net.IP

	// McastAddr is the multicast group address (multicast mode only).
	McastAddr net.IP

	// Port is the UDP port shared by every peer in the ring.
	Port int

	// Members is the full peer list for unicast fan-out mode. It is
	// ignored by the multicast transport.
	Members []net.IP

	// MTU bounds the largest datagram a Send* call will accept;
	// exceeding it is a caller bug, not a transport failure.
	MTU int
}

func (c Config) addr(ip net.IP) *net.UDPAddr {
	return &net.UDPAddr{IP: ip, Port: c.Port}
}
