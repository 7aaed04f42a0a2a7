package wire

import "github.com/coro-totem/totemcore/pkg/nodeid"

// RingID is the wire encoding of nodeid.RingID: representative (u32),
// sequence (u64), as named in §6 ("Ring id is serialized as
// (representative:u32, seq:u64)").
func encodeRingID(buf []byte, r nodeid.RingID) []byte {
	buf = putUint32(buf, uint32(r.Rep))
	buf = putUint64(buf, r.Seq)
	return buf
}

func decodeRingID(data []byte) (nodeid.RingID, []byte, error) {
	rep, rest, err := takeUint32(data)
	if err != nil {
		return nodeid.RingID{}, nil, err
	}
	seq, rest, err := takeUint64(rest)
	if err != nil {
		return nodeid.RingID{}, nil, err
	}
	return nodeid.RingID{Rep: nodeid.ID(rep), Seq: seq}, rest, nil
}

// RtrEntry names a single gap observed around the ring: the ring the gap
// belongs to and the MSN missing from it (§3 "Token").
type RtrEntry struct {
	Ring nodeid.RingID
	MSN  uint32
}

// Token is the ORF token body (§3 "Token", §4.3 "Token handling").
type Token struct {
	Ring           nodeid.RingID
	TokenSeq       uint32
	HighSeq        uint32 // highest MSN seen
	ARU            uint32
	ARUHolder      nodeid.ID
	Backlog        uint32
	FCC            uint32 // messages sent this rotation
	Retransmit     bool
	RetransmitList []RtrEntry
}

func (t *Token) Marshal() []byte {
	buf := make([]byte, 0, 64)
	buf = encodeRingID(buf, t.Ring)
	buf = putUint32(buf, t.TokenSeq)
	buf = putUint32(buf, t.HighSeq)
	buf = putUint32(buf, t.ARU)
	buf = putUint32(buf, uint32(t.ARUHolder))
	buf = putUint32(buf, t.Backlog)
	buf = putUint32(buf, t.FCC)
	if t.Retransmit {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = putUint32(buf, uint32(len(t.RetransmitList)))
	for _, e := range t.RetransmitList {
		buf = encodeRingID(buf, e.Ring)
		buf = putUint32(buf, e.MSN)
	}
	return buf
}

func UnmarshalToken(data []byte) (*Token, error) {
	t := &Token{}
	var err error
	t.Ring, data, err = decodeRingID(data)
	if err != nil {
		return nil, err
	}
	if t.TokenSeq, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	if t.HighSeq, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	if t.ARU, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	var aru uint32
	if aru, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	t.ARUHolder = nodeid.ID(aru)
	if t.Backlog, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	if t.FCC, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	if len(data) < 1 {
		return nil, newDecodeError("truncated retransmit flag")
	}
	t.Retransmit = data[0] != 0
	data = data[1:]
	var n uint32
	if n, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	t.RetransmitList = make([]RtrEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var e RtrEntry
		e.Ring, data, err = decodeRingID(data)
		if err != nil {
			return nil, err
		}
		e.MSN, data, err = takeUint32(data)
		if err != nil {
			return nil, err
		}
		t.RetransmitList = append(t.RetransmitList, e)
	}
	return t, nil
}

// Mcast is the body of a regular multicast message (§3 "Message sequence
// number", §4.3). OriginatorSeq/Guarantee are opaque to SRP and forwarded to
// the PG layer unmodified; the SRP layer only needs Ring/MSN/Originator to
// order and retransmit.
type Mcast struct {
	Ring          nodeid.RingID
	MSN           uint32
	Originator    nodeid.ID
	OriginatorSeq uint32 // "this-sequence" counter, §3 RRB metadata
	Guarantee     uint8
	Payload       []byte // PG-packed frame bytes
}

func (m *Mcast) Marshal() []byte {
	buf := make([]byte, 0, 32+len(m.Payload))
	buf = encodeRingID(buf, m.Ring)
	buf = putUint32(buf, m.MSN)
	buf = putUint32(buf, uint32(m.Originator))
	buf = putUint32(buf, m.OriginatorSeq)
	buf = append(buf, m.Guarantee)
	buf = putBytes(buf, m.Payload)
	return buf
}

func UnmarshalMcast(data []byte) (*Mcast, error) {
	m := &Mcast{}
	var err error
	m.Ring, data, err = decodeRingID(data)
	if err != nil {
		return nil, err
	}
	if m.MSN, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	var orig uint32
	if orig, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	m.Originator = nodeid.ID(orig)
	if m.OriginatorSeq, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	if len(data) < 1 {
		return nil, newDecodeError("truncated guarantee byte")
	}
	m.Guarantee = data[0]
	data = data[1:]
	m.Payload, data, err = takeBytes(data)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MembJoin carries (sender, proc-list, failed-list, ring-seq) as named in
// §4.4 "Membership formation".
type MembJoin struct {
	Sender     nodeid.ID
	ProcList   []nodeid.ID
	FailedList []nodeid.ID
	RingSeq    uint64
}

func encodeIDList(buf []byte, ids []nodeid.ID) []byte {
	buf = putUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		buf = putUint32(buf, uint32(id))
	}
	return buf
}

func decodeIDList(data []byte) ([]nodeid.ID, []byte, error) {
	n, rest, err := takeUint32(data)
	if err != nil {
		return nil, nil, err
	}
	out := make([]nodeid.ID, 0, n)
	for i := uint32(0); i < n; i++ {
		var v uint32
		v, rest, err = takeUint32(rest)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, nodeid.ID(v))
	}
	return out, rest, nil
}

func (m *MembJoin) Marshal() []byte {
	buf := make([]byte, 0, 32)
	buf = putUint32(buf, uint32(m.Sender))
	buf = encodeIDList(buf, m.ProcList)
	buf = encodeIDList(buf, m.FailedList)
	buf = putUint64(buf, m.RingSeq)
	return buf
}

func UnmarshalMembJoin(data []byte) (*MembJoin, error) {
	m := &MembJoin{}
	var err error
	var sender uint32
	if sender, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	m.Sender = nodeid.ID(sender)
	if m.ProcList, data, err = decodeIDList(data); err != nil {
		return nil, err
	}
	if m.FailedList, data, err = decodeIDList(data); err != nil {
		return nil, err
	}
	if m.RingSeq, data, err = takeUint64(data); err != nil {
		return nil, err
	}
	return m, nil
}

// CommitSlot is one node's entry in a MEMB_COMMIT_TOKEN (§4.4).
type CommitSlot struct {
	Node          nodeid.ID
	ARU           uint32
	HighDelivered uint32
	Received      bool
}

// MembCommitToken carries an ordered list of addresses and per-address
// slots (§4.4 "MEMB_COMMIT_TOKEN").
type MembCommitToken struct {
	Ring  nodeid.RingID
	Slots []CommitSlot
}

func (m *MembCommitToken) Marshal() []byte {
	buf := make([]byte, 0, 32)
	buf = encodeRingID(buf, m.Ring)
	buf = putUint32(buf, uint32(len(m.Slots)))
	for _, s := range m.Slots {
		buf = putUint32(buf, uint32(s.Node))
		buf = putUint32(buf, s.ARU)
		buf = putUint32(buf, s.HighDelivered)
		if s.Received {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func UnmarshalMembCommitToken(data []byte) (*MembCommitToken, error) {
	m := &MembCommitToken{}
	var err error
	m.Ring, data, err = decodeRingID(data)
	if err != nil {
		return nil, err
	}
	var n uint32
	if n, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	m.Slots = make([]CommitSlot, 0, n)
	for i := uint32(0); i < n; i++ {
		var s CommitSlot
		var node uint32
		if node, data, err = takeUint32(data); err != nil {
			return nil, err
		}
		s.Node = nodeid.ID(node)
		if s.ARU, data, err = takeUint32(data); err != nil {
			return nil, err
		}
		if s.HighDelivered, data, err = takeUint32(data); err != nil {
			return nil, err
		}
		if len(data) < 1 {
			return nil, newDecodeError("truncated received flag")
		}
		s.Received = data[0] != 0
		data = data[1:]
		m.Slots = append(m.Slots, s)
	}
	return m, nil
}

// MembMergeDetect carries the sender's current ring id (§4.3 "Merge
// detection").
type MembMergeDetect struct {
	Ring nodeid.RingID
}

func (m *MembMergeDetect) Marshal() []byte {
	return encodeRingID(nil, m.Ring)
}

func UnmarshalMembMergeDetect(data []byte) (*MembMergeDetect, error) {
	ring, _, err := decodeRingID(data)
	if err != nil {
		return nil, err
	}
	return &MembMergeDetect{Ring: ring}, nil
}

// TokenHoldCancel cancels a node's intent to hold the token for a batch of
// sends, named in §6's message-type catalogue.
type TokenHoldCancel struct {
	Ring     nodeid.RingID
	TokenSeq uint32
}

func (m *TokenHoldCancel) Marshal() []byte {
	buf := encodeRingID(nil, m.Ring)
	buf = putUint32(buf, m.TokenSeq)
	return buf
}

func UnmarshalTokenHoldCancel(data []byte) (*TokenHoldCancel, error) {
	ring, data, err := decodeRingID(data)
	if err != nil {
		return nil, err
	}
	seq, _, err := takeUint32(data)
	if err != nil {
		return nil, err
	}
	return &TokenHoldCancel{Ring: ring, TokenSeq: seq}, nil
}

// Downlist is the per-node "who I think left" vector exchanged at sync
// entry (§3 "Downlist message", §4.7).
type Downlist struct {
	Sender          nodeid.ID
	OldMembersCount uint32
	LeftNodes       []nodeid.ID
}

func (d *Downlist) Marshal() []byte {
	buf := make([]byte, 0, 16)
	buf = putUint32(buf, uint32(d.Sender))
	buf = putUint32(buf, d.OldMembersCount)
	buf = encodeIDList(buf, d.LeftNodes)
	return buf
}

func UnmarshalDownlist(data []byte) (*Downlist, error) {
	d := &Downlist{}
	var err error
	var sender uint32
	if sender, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	d.Sender = nodeid.ID(sender)
	if d.OldMembersCount, data, err = takeUint32(data); err != nil {
		return nil, err
	}
	if d.LeftNodes, data, err = decodeIDList(data); err != nil {
		return nil, err
	}
	return d, nil
}

// DownlistOld is the legacy downlist format. Per §9 open question it is
// decode-only: accepted, logged as a compatibility warning, and never
// emitted by this implementation.
type DownlistOld struct {
	Raw []byte
}

func UnmarshalDownlistOld(data []byte) (*DownlistOld, error) {
	return &DownlistOld{Raw: append([]byte(nil), data...)}, nil
}
