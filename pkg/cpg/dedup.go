package cpg

import (
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// mcastSeenTTL bounds how long a delivered mcast's fingerprint is
// remembered, mirroring the teacher's gossip.Gossip seen-message TTL
// (pkg/gossip/gossip.go's seenTTL/HasSeen/MarkSeen pattern) generalized
// from gossip message-id dedup to CPG mcast dedup.
const mcastSeenTTL = 10 * time.Minute

// seenCache fingerprints recently delivered mcast payloads so a
// retransmitted duplicate (the ring's own retransmission request path,
// §4.3 "Retransmission", can legitimately redeliver an already-applied
// MSN to a node that rejoined mid-recovery) is not handed to local
// clients twice.
type seenCache struct {
	mu   sync.Mutex
	seen map[[32]byte]time.Time
}

func newSeenCache() *seenCache {
	return &seenCache{seen: make(map[[32]byte]time.Time)}
}

// checkAndMark fingerprints group‖source‖payload with blake3 (the
// teacher's content-addressing hash, reused here for a fixed-size dedup
// key instead of a DHT node id) and reports whether it was already seen
// within mcastSeenTTL. Expired entries are swept opportunistically on
// every call rather than on a separate ticker, since cpg.Service has no
// lifecycle goroutine of its own to drive one.
func (c *seenCache) checkAndMark(group string, source uint32, payload []byte) bool {
	h := blake3.New(32, nil)
	h.Write([]byte(group))
	var srcBuf [4]byte
	srcBuf[0] = byte(source >> 24)
	srcBuf[1] = byte(source >> 16)
	srcBuf[2] = byte(source >> 8)
	srcBuf[3] = byte(source)
	h.Write(srcBuf[:])
	h.Write(payload)
	var key [32]byte
	copy(key[:], h.Sum(nil))

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, t := range c.seen {
		if now.Sub(t) > mcastSeenTTL {
			delete(c.seen, k)
		}
	}

	if t, ok := c.seen[key]; ok && now.Sub(t) <= mcastSeenTTL {
		return true
	}
	c.seen[key] = now
	return false
}
