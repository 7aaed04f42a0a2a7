package pg

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/coro-totem/totemcore/pkg/nodeid"
)

// buffer accumulates fragments for one FragmentKey until totalLen bytes
// have arrived.
type buffer struct {
	totalLen uint32
	data     []byte
}

// Reassembler holds in-flight fragmented messages, discarding any buffer
// whose ring id is no longer current (§4.5 "A reassembly buffer is
// discarded when its ring id is no longer current").
type Reassembler struct {
	mu       sync.Mutex
	currentRing nodeid.RingID
	buffers  map[FragmentKey]*buffer
}

func NewReassembler() *Reassembler {
	return &Reassembler{buffers: make(map[FragmentKey]*buffer)}
}

// SetCurrentRing is called whenever the SRP ring id changes; any buffer
// keyed by a stale ring is dropped immediately.
func (r *Reassembler) SetCurrentRing(ring nodeid.RingID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentRing = ring
	for k := range r.buffers {
		if k.Ring != ring {
			delete(r.buffers, k)
		}
	}
}

// StartFragment begins a reassembly buffer. payload must begin with a
// 4-byte big-endian total length followed by the first chunk of data,
// matching the layout FragmentHeader callers are expected to produce.
func (r *Reassembler) StartFragment(key FragmentKey, payload []byte) error {
	if len(payload) < 4 {
		return fmt.Errorf("pg: fragment start shorter than length prefix")
	}
	total := binary.BigEndian.Uint32(payload[:4])
	chunk := payload[4:]
	if uint32(len(chunk)) > total {
		return fmt.Errorf("pg: first fragment longer than declared total")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if key.Ring != r.currentRing {
		return fmt.Errorf("pg: fragment for stale ring %s", key.Ring)
	}
	buf := &buffer{totalLen: total, data: append([]byte(nil), chunk...)}
	r.buffers[key] = buf
	return nil
}

// Continue appends a continuation fragment's bytes. It returns the
// reassembled message and true once totalLen bytes have accumulated.
func (r *Reassembler) Continue(key FragmentKey, payload []byte) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[key]
	if !ok {
		return nil, false, fmt.Errorf("pg: continuation for unknown fragment key %+v", key)
	}
	buf.data = append(buf.data, payload...)
	if uint32(len(buf.data)) < buf.totalLen {
		return nil, false, nil
	}
	out := buf.data[:buf.totalLen]
	delete(r.buffers, key)
	return out, true, nil
}

// Discard drops a partially reassembled buffer, e.g. after a membership
// change invalidates it outside of a plain ring-id comparison.
func (r *Reassembler) Discard(key FragmentKey) {
	r.mu.Lock()
	delete(r.buffers, key)
	r.mu.Unlock()
}

// Pending reports how many reassembly buffers are currently in flight,
// used by diagnostics/confdb snapshots.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
