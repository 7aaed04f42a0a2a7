package pg

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/coro-totem/totemcore/pkg/nodeid"
)

func TestPackUnpack_RoundTrip(t *testing.T) {
	msgs := [][]byte{[]byte("first"), []byte("second"), []byte("third-message")}
	frame, err := Pack(msgs, 4096)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	got, err := Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if !bytes.Equal(got[i], msgs[i]) {
			t.Fatalf("message %d mismatch: got %q want %q", i, got[i], msgs[i])
		}
	}
}

func TestPack_RejectsOverBudget(t *testing.T) {
	msgs := [][]byte{bytes.Repeat([]byte("x"), 100)}
	if _, err := Pack(msgs, 10); err == nil {
		t.Fatal("expected rejection of over-budget pack")
	}
}

func TestPack_RejectsEmpty(t *testing.T) {
	if _, err := Pack(nil, 4096); err == nil {
		t.Fatal("expected rejection of empty message list")
	}
}

func TestReassembler_RoundTripAcrossFragments(t *testing.T) {
	ring := nodeid.RingID{Rep: 1, Seq: 1}
	key := FragmentKey{Ring: ring, Originator: 1, FirstMSN: 5}

	full := bytes.Repeat([]byte("payload-chunk-"), 50)

	r := NewReassembler()
	r.SetCurrentRing(ring)

	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(full)))
	first := append(lenPrefix, full[:200]...)

	if err := r.StartFragment(key, first); err != nil {
		t.Fatalf("StartFragment: %v", err)
	}

	got, done, err := r.Continue(key, full[200:400])
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if done {
		t.Fatal("expected not done after partial continuation")
	}
	if got != nil {
		t.Fatal("expected nil result before completion")
	}

	got, done, err = r.Continue(key, full[400:])
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if !done {
		t.Fatal("expected reassembly to complete")
	}
	if !bytes.Equal(got, full) {
		t.Fatalf("reassembled mismatch: got %d bytes want %d", len(got), len(full))
	}
	if r.Pending() != 0 {
		t.Fatalf("expected buffer to be cleared, got %d pending", r.Pending())
	}
}

func TestPackFragments_FitsInOneFrame(t *testing.T) {
	msgs := [][]byte{[]byte("small message")}
	frames, err := PackFragments(msgs, 4096)
	if err != nil {
		t.Fatalf("PackFragments: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	fragmented, continuation, _, err := FrameKind(frames[0])
	if err != nil {
		t.Fatalf("FrameKind: %v", err)
	}
	if fragmented || continuation {
		t.Fatal("expected a plain, non-fragmented frame")
	}
	got, err := Unpack(frames[0])
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(got[0], msgs[0]) {
		t.Fatalf("message mismatch: got %q want %q", got[0], msgs[0])
	}
}

func TestPackFragments_SplitsOverBudgetAndReassembles(t *testing.T) {
	budget := 64
	envelope := bytes.Repeat([]byte("x"), budget*3+17)
	msgs := [][]byte{envelope}

	frames, err := PackFragments(msgs, budget)
	if err != nil {
		t.Fatalf("PackFragments: %v", err)
	}
	if len(frames) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(frames))
	}
	for i, f := range frames {
		if len(f) > budget {
			t.Fatalf("fragment %d is %d bytes, exceeds budget %d", i, len(f), budget)
		}
	}

	ring := nodeid.RingID{Rep: 1, Seq: 1}
	r := NewReassembler()
	r.SetCurrentRing(ring)
	key := FragmentKey{Ring: ring, Originator: 7, FirstMSN: 100}

	fragmented, continuation, rest, err := FrameKind(frames[0])
	if err != nil {
		t.Fatalf("FrameKind: %v", err)
	}
	if !fragmented || continuation {
		t.Fatal("expected the first frame to open a fragmented message")
	}
	if err := r.StartFragment(key, rest); err != nil {
		t.Fatalf("StartFragment: %v", err)
	}

	var reassembled []byte
	var done bool
	for _, f := range frames[1:] {
		fragmented, continuation, rest, err := FrameKind(f)
		if err != nil {
			t.Fatalf("FrameKind: %v", err)
		}
		if fragmented || !continuation {
			t.Fatal("expected every remaining frame to be a continuation")
		}
		reassembled, done, err = r.Continue(key, rest)
		if err != nil {
			t.Fatalf("Continue: %v", err)
		}
	}
	if !done {
		t.Fatal("expected reassembly to complete")
	}

	got, err := Unpack(reassembled)
	if err != nil {
		t.Fatalf("Unpack reassembled frame: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0], envelope) {
		t.Fatalf("reassembled message mismatch")
	}
	if r.Pending() != 0 {
		t.Fatalf("expected no pending reassembly buffers, got %d", r.Pending())
	}
}

func TestReassembler_DiscardsStaleRing(t *testing.T) {
	oldRing := nodeid.RingID{Rep: 1, Seq: 1}
	newRing := nodeid.RingID{Rep: 1, Seq: 2}
	key := FragmentKey{Ring: oldRing, Originator: 1, FirstMSN: 1}

	r := NewReassembler()
	r.SetCurrentRing(oldRing)

	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, 10)
	if err := r.StartFragment(key, append(lenPrefix, []byte("abc")...)); err != nil {
		t.Fatalf("StartFragment: %v", err)
	}

	r.SetCurrentRing(newRing)

	if _, _, err := r.Continue(key, []byte("def")); err == nil {
		t.Fatal("expected continuation on a stale-ring buffer to fail")
	}
}
