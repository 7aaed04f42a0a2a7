// Package wire implements the SRP wire header and per-type message bodies
// of §6 "Wire protocol". Every datagram handed to this package has
// already been through the crypto frame's authenticate_and_decrypt; wire
// only ever sees plaintext SRP bytes.
//
// The header leads with a one-byte magic folded into a 16-bit "magic
// word" with a fixed low byte. A receiver tries the word in both byte
// orders and keeps whichever matches, inferring the sender's byte order
// for the remaining fixed-width fields (§6, §9 design note). New
// implementations always encode in FixedOrder (network/big-endian); the
// swapped-order decode path exists purely for compatibility with foreign
// byte order and is never used to encode.
package wire

import (
	"encoding/binary"

	"github.com/coro-totem/totemcore/pkg/constants"
)

// FixedOrder is the byte order this implementation always encodes with.
var FixedOrder = binary.BigEndian

const (
	magicLowByte   = 0x01
	headerFixedLen = 2 /*magic word*/ + 2 /*version*/ + 2 /*type*/ + 1 /*encap flag*/ + 4 /*source*/ + 4 /*target*/
)

func magicWord() uint16 {
	return uint16(constants.WireMagic)<<8 | magicLowByte
}

// Header is the common prefix of every SRP datagram (§6).
type Header struct {
	Version        uint16
	Type           uint8
	Encapsulated   bool
	Source         uint32 // node id
	Target         uint32 // node id, zero for broadcast
}

// EncodeHeader appends the fixed header to buf in FixedOrder.
func EncodeHeader(buf []byte, h Header) []byte {
	var tmp [2]byte
	FixedOrder.PutUint16(tmp[:], magicWord())
	buf = append(buf, tmp[:]...)
	FixedOrder.PutUint16(tmp[:], h.Version)
	buf = append(buf, tmp[:]...)
	FixedOrder.PutUint16(tmp[:], uint16(h.Type))
	buf = append(buf, tmp[:]...)
	if h.Encapsulated {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var tmp4 [4]byte
	FixedOrder.PutUint32(tmp4[:], h.Source)
	buf = append(buf, tmp4[:]...)
	FixedOrder.PutUint32(tmp4[:], h.Target)
	buf = append(buf, tmp4[:]...)
	return buf
}

// DecodeHeader parses the fixed header, inferring byte order from the
// magic word (§6, §9). It returns the header, the byte order that matched,
// and the number of bytes consumed.
func DecodeHeader(data []byte) (Header, binary.ByteOrder, int, error) {
	if len(data) < headerFixedLen {
		return Header{}, nil, 0, newDecodeError("short header: %d bytes", len(data))
	}

	want := magicWord()
	be := binary.BigEndian.Uint16(data[0:2])
	le := binary.LittleEndian.Uint16(data[0:2])

	var order binary.ByteOrder
	switch want {
	case be:
		order = binary.BigEndian
	case le:
		order = binary.LittleEndian
	default:
		return Header{}, nil, 0, newDecodeError("bad magic word %#04x", be)
	}

	h := Header{
		Version:      order.Uint16(data[2:4]),
		Type:         uint8(order.Uint16(data[4:6])),
		Encapsulated: data[6] != 0,
		Source:       order.Uint32(data[7:11]),
		Target:       order.Uint32(data[11:15]),
	}
	return h, order, headerFixedLen, nil
}

// putUint32/putUint64/putBytes and the take* readers below are the
// FixedOrder field helpers messages.go builds every body codec from,
// including the count-prefixed id lists of MEMB_JOIN and downlists and
// the token's retransmit-request list.
func putUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	FixedOrder.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	FixedOrder.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func takeUint32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, newDecodeError("truncated uint32")
	}
	return FixedOrder.Uint32(data[:4]), data[4:], nil
}

func takeUint64(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, newDecodeError("truncated uint64")
	}
	return FixedOrder.Uint64(data[:8]), data[8:], nil
}

func takeBytes(data []byte) ([]byte, []byte, error) {
	n, rest, err := takeUint32(data)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, newDecodeError("truncated byte string: want %d have %d", n, len(rest))
	}
	return rest[:n], rest[n:], nil
}
