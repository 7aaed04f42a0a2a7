package wire

import "github.com/coro-totem/totemcore/pkg/constants"

// Frame bundles a decoded header with its typed body. Body holds one of
// *Token, *Mcast, *MembJoin, *MembCommitToken, *MembMergeDetect,
// *TokenHoldCancel, *Downlist, or *DownlistOld depending on Header.Type.
type Frame struct {
	Header Header
	Body   interface{}
}

// Encode serializes a complete SRP datagram: header followed by the
// type-specific body. Source/Target/Type/Encapsulated must already be set
// on h; the caller picks Version (constants.ProtocolVersion equivalent is
// owned by the instance, not wire).
func Encode(h Header, body Marshaler) []byte {
	buf := EncodeHeader(make([]byte, 0, 128), h)
	return append(buf, body.Marshal()...)
}

// Marshaler is implemented by every typed body in this package.
type Marshaler interface {
	Marshal() []byte
}

// Decode parses a full datagram into a Frame, dispatching the body codec
// by Header.Type (§6 "Wire protocol").
func Decode(data []byte) (*Frame, error) {
	h, _, n, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	body := data[n:]

	var parsed interface{}
	switch h.Type {
	case constants.MsgORFToken:
		parsed, err = UnmarshalToken(body)
	case constants.MsgMcast:
		parsed, err = UnmarshalMcast(body)
	case constants.MsgMembJoin:
		parsed, err = UnmarshalMembJoin(body)
	case constants.MsgMembCommitToken:
		parsed, err = UnmarshalMembCommitToken(body)
	case constants.MsgMembMergeDetect:
		parsed, err = UnmarshalMembMergeDetect(body)
	case constants.MsgTokenHoldCancel:
		parsed, err = UnmarshalTokenHoldCancel(body)
	case constants.MsgDownlist:
		parsed, err = UnmarshalDownlist(body)
	case constants.MsgDownlistOld:
		parsed, err = UnmarshalDownlistOld(body)
	default:
		return nil, newDecodeError("unknown message type %d", h.Type)
	}
	if err != nil {
		return nil, err
	}
	return &Frame{Header: h, Body: parsed}, nil
}
