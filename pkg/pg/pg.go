// Package pg implements the packed-message layer of §4.5: many service
// messages share one SRP frame to amortize ordering costs, with
// fragmentation for messages too large to fit a single frame and
// reassembly keyed by (ring-id, originator, sequence-of-first-fragment).
package pg

import (
	"encoding/binary"
	"fmt"

	"github.com/coro-totem/totemcore/pkg/nodeid"
)

// header is the per-frame layout: version, one flags byte holding the
// fragmented and continuation flags, msg-count, then per-message
// lengths, then per-message bytes. The frame carries no type field.
type header struct {
	version      uint8
	fragmented   bool
	continuation bool
	msgCount     uint16
}

const headerFixedLen = 1 + 1 + 2 // version | flags | msgCount

const (
	flagFragmented   uint8 = 1 << 0
	flagContinuation uint8 = 1 << 1
)

// Pack coalesces one or more service messages into a single PG frame, as
// long as they fit within budget bytes. Callers that may exceed budget
// should use PackFragments instead, which splits per §4.5 when needed.
func Pack(messages [][]byte, budget int) ([]byte, error) {
	buf, err := packUnbounded(messages)
	if err != nil {
		return nil, err
	}
	if len(buf) > budget {
		return nil, fmt.Errorf("pg: %d bytes exceeds frame budget %d", len(buf), budget)
	}
	return buf, nil
}

func packUnbounded(messages [][]byte) ([]byte, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("pg: no messages to pack")
	}
	if len(messages) > 0xFFFF {
		return nil, fmt.Errorf("pg: too many messages for one frame (%d)", len(messages))
	}

	total := headerFixedLen + 4*len(messages)
	for _, m := range messages {
		total += len(m)
	}

	buf := make([]byte, 0, total)
	buf = append(buf, 1, 0, byte(len(messages)>>8), byte(len(messages)))
	for _, m := range messages {
		n := uint32(len(m))
		buf = append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	for _, m := range messages {
		buf = append(buf, m...)
	}
	return buf, nil
}

// PackFragments packs messages into one frame if the result fits budget.
// Otherwise it splits the packed frame into an opening fragment followed
// by continuation fragments, each no larger than budget, per §4.5 ("If a
// single service message exceeds the remaining frame budget, it is
// split"). The returned frames must be sent in order; the receiver
// reassembles them with a Reassembler keyed on the opening frame's MSN.
func PackFragments(messages [][]byte, budget int) ([][]byte, error) {
	full, err := packUnbounded(messages)
	if err != nil {
		return nil, err
	}
	if len(full) <= budget {
		return [][]byte{full}, nil
	}
	if budget <= headerFixedLen+4 {
		return nil, fmt.Errorf("pg: frame budget %d too small to fragment", budget)
	}

	firstChunkLen := budget - headerFixedLen - 4
	frame := make([]byte, 0, budget)
	frame = append(frame, FragmentHeader(true)...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(full)))
	frame = append(frame, full[:firstChunkLen]...)
	frames := [][]byte{frame}

	contChunkLen := budget - headerFixedLen
	for rest := full[firstChunkLen:]; len(rest) > 0; {
		n := contChunkLen
		if n > len(rest) {
			n = len(rest)
		}
		f := make([]byte, 0, headerFixedLen+n)
		f = append(f, FragmentHeader(false)...)
		f = append(f, rest[:n]...)
		frames = append(frames, f)
		rest = rest[n:]
	}
	return frames, nil
}

// FrameKind inspects a frame's header and reports whether it opens a
// fragmented message, continues one, or is a complete frame, along with
// the header-stripped bytes that follow.
func FrameKind(frame []byte) (fragmented, continuation bool, rest []byte, err error) {
	h, rest, err := decodeHeader(frame)
	if err != nil {
		return false, false, nil, err
	}
	return h.fragmented, h.continuation, rest, nil
}

// Unpack reverses Pack for a non-fragmented frame, returning each
// message's bytes in order.
func Unpack(frame []byte) ([][]byte, error) {
	h, rest, err := decodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if h.fragmented || h.continuation {
		return nil, fmt.Errorf("pg: Unpack called on a fragmented frame, use the Reassembler")
	}

	lens := make([]uint32, h.msgCount)
	for i := range lens {
		if len(rest) < 4 {
			return nil, fmt.Errorf("pg: truncated length table")
		}
		lens[i] = uint32(rest[0])<<24 | uint32(rest[1])<<16 | uint32(rest[2])<<8 | uint32(rest[3])
		rest = rest[4:]
	}

	out := make([][]byte, h.msgCount)
	for i, l := range lens {
		if uint32(len(rest)) < l {
			return nil, fmt.Errorf("pg: truncated message body %d", i)
		}
		out[i] = append([]byte(nil), rest[:l]...)
		rest = rest[l:]
	}
	return out, nil
}

func decodeHeader(frame []byte) (header, []byte, error) {
	if len(frame) < headerFixedLen {
		return header{}, nil, fmt.Errorf("pg: frame shorter than header")
	}
	flags := frame[1]
	h := header{
		version:      frame[0],
		fragmented:   flags&flagFragmented != 0,
		continuation: flags&flagContinuation != 0,
		msgCount:     uint16(frame[2])<<8 | uint16(frame[3]),
	}
	return h, frame[headerFixedLen:], nil
}

// FragmentKey identifies a reassembly buffer: the ring the fragments
// belong to, the originator, and the MSN of the first fragment (§4.5
// "Reassembly is keyed by (ring-id, originator, sequence-of-first-fragment)").
type FragmentKey struct {
	Ring       nodeid.RingID
	Originator nodeid.ID
	FirstMSN   uint32
}

// FragmentHeader builds the header bytes for one fragment of a large
// message. first marks the opening fragment (fragmented=true); every
// later piece sets continuation=true instead.
func FragmentHeader(first bool) []byte {
	flags := byte(0)
	if first {
		flags |= flagFragmented
	} else {
		flags |= flagContinuation
	}
	return []byte{1, flags, 0, 1}
}
