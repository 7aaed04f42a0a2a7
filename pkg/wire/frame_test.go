package wire

import (
	"encoding/binary"
	"testing"

	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/nodeid"
)

func TestHeader_EncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		Version:      1,
		Type:         constants.MsgMcast,
		Encapsulated: true,
		Source:       7,
		Target:       0,
	}

	buf := EncodeHeader(nil, h)
	got, order, n, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	if order != binary.BigEndian {
		t.Fatalf("expected big-endian fixed order, got %v", order)
	}
	if got != h {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, h)
	}
}

func TestHeader_SwappedByteOrderDetected(t *testing.T) {
	h := Header{Version: 1, Type: constants.MsgMembJoin, Source: 3, Target: 4}
	buf := EncodeHeader(nil, h)

	// Simulate a legacy little-endian sender by byte-swapping the fixed
	// 16/32-bit fields in place, leaving the magic word's bytes swapped too.
	swapped := make([]byte, len(buf))
	copy(swapped, buf)
	swap16 := func(off int) {
		swapped[off], swapped[off+1] = swapped[off+1], swapped[off]
	}
	swap32 := func(off int) {
		swapped[off], swapped[off+3] = swapped[off+3], swapped[off]
		swapped[off+1], swapped[off+2] = swapped[off+2], swapped[off+1]
	}
	swap16(0) // magic word
	swap16(2) // version
	swap16(4) // type
	swap32(7)  // source
	swap32(11) // target

	got, order, _, err := DecodeHeader(swapped)
	if err != nil {
		t.Fatalf("DecodeHeader on swapped input: %v", err)
	}
	if order != binary.LittleEndian {
		t.Fatalf("expected little-endian detection, got %v", order)
	}
	if got != h {
		t.Fatalf("swapped roundtrip mismatch: got %+v want %+v", got, h)
	}
}

func TestHeader_BadMagicRejected(t *testing.T) {
	buf := EncodeHeader(nil, Header{Version: 1, Type: 1})
	buf[0] ^= 0xFF
	if _, _, _, err := DecodeHeader(buf); err == nil {
		t.Fatal("expected bad-magic rejection")
	}
}

func TestToken_MarshalUnmarshalRoundTrip(t *testing.T) {
	tok := &Token{
		Ring:      nodeid.RingID{Rep: 1, Seq: 5},
		TokenSeq:  42,
		HighSeq:   100,
		ARU:       99,
		ARUHolder: 2,
		Backlog:   3,
		FCC:       10,
		Retransmit: true,
		RetransmitList: []RtrEntry{
			{Ring: nodeid.RingID{Rep: 1, Seq: 5}, MSN: 50},
			{Ring: nodeid.RingID{Rep: 1, Seq: 4}, MSN: 900},
		},
	}

	data := tok.Marshal()
	got, err := UnmarshalToken(data)
	if err != nil {
		t.Fatalf("UnmarshalToken: %v", err)
	}
	if got.TokenSeq != tok.TokenSeq || got.HighSeq != tok.HighSeq || got.ARU != tok.ARU {
		t.Fatalf("scalar mismatch: %+v vs %+v", got, tok)
	}
	if len(got.RetransmitList) != len(tok.RetransmitList) {
		t.Fatalf("rtr list length mismatch: %d vs %d", len(got.RetransmitList), len(tok.RetransmitList))
	}
	for i := range tok.RetransmitList {
		if got.RetransmitList[i] != tok.RetransmitList[i] {
			t.Fatalf("rtr[%d] mismatch: %+v vs %+v", i, got.RetransmitList[i], tok.RetransmitList[i])
		}
	}
}

func TestMcast_MarshalUnmarshalRoundTrip(t *testing.T) {
	m := &Mcast{
		Ring:          nodeid.RingID{Rep: 1, Seq: 1},
		MSN:           7,
		Originator:    3,
		OriginatorSeq: 2,
		Guarantee:     1,
		Payload:       []byte("packed-pg-frame"),
	}
	got, err := UnmarshalMcast(m.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalMcast: %v", err)
	}
	if got.MSN != m.MSN || string(got.Payload) != string(m.Payload) {
		t.Fatalf("mismatch: %+v vs %+v", got, m)
	}
}

func TestMembJoin_RoundTrip(t *testing.T) {
	mj := &MembJoin{
		Sender:     1,
		ProcList:   []nodeid.ID{1, 2, 3},
		FailedList: []nodeid.ID{4},
		RingSeq:    10,
	}
	got, err := UnmarshalMembJoin(mj.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalMembJoin: %v", err)
	}
	if got.RingSeq != mj.RingSeq || len(got.ProcList) != 3 || len(got.FailedList) != 1 {
		t.Fatalf("mismatch: %+v vs %+v", got, mj)
	}
}

func TestDecode_DispatchesByType(t *testing.T) {
	mj := &MembJoin{Sender: 9, ProcList: []nodeid.ID{9}, RingSeq: 1}
	raw := Encode(Header{Version: 1, Type: constants.MsgMembJoin, Source: 9}, mj)

	frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	body, ok := frame.Body.(*MembJoin)
	if !ok {
		t.Fatalf("expected *MembJoin body, got %T", frame.Body)
	}
	if body.Sender != 9 {
		t.Fatalf("sender mismatch: %d", body.Sender)
	}
}

func TestDecode_UnknownTypeRejected(t *testing.T) {
	raw := EncodeHeader(nil, Header{Version: 1, Type: 99})
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected rejection of unknown message type")
	}
}
