package btprotocol

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Integer is the wire representation of protocol integers, big-endian on
// the wire.
type Integer uint32

// Message is a lazy union of the fields used by every message kind. Only
// the fields implied by Type are meaningful; the zero Message with
// Keepalive set encodes a keepalive frame.
type Message struct {
	Piece           []byte
	Bitfield        []byte // raw wire bytes, MSB first
	HashChain       []byte
	Signature       []byte
	ExtendedPayload []byte
	ViewLength      uint64
	Index           Integer
	Begin           Integer
	Length          Integer
	RootHash        [20]byte
	Type            MessageType
	ExtendedID      byte
	ChainPresent    bool
	Keepalive       bool
}

func MakeRequest(index, begin, length Integer) Message {
	return Message{Type: Request, Index: index, Begin: begin, Length: length}
}

func MakeCancel(index, begin, length Integer) Message {
	return Message{Type: Cancel, Index: index, Begin: begin, Length: length}
}

func MakeReject(index, begin, length Integer) Message {
	return Message{Type: Reject, Index: index, Begin: begin, Length: length}
}

func MakeKeepalive() Message {
	return Message{Keepalive: true}
}

// MarshalBinary encodes the message as a length-prefixed frame.
func (msg Message) MarshalBinary() (data []byte, err error) {
	var buf bytes.Buffer
	if !msg.Keepalive {
		buf.WriteByte(byte(msg.Type))
		switch msg.Type {
		case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		case Have, Suggest, AllowedFast:
			binary.Write(&buf, binary.BigEndian, msg.Index)
		case Request, Cancel, Reject:
			for _, i := range []Integer{msg.Index, msg.Begin, msg.Length} {
				binary.Write(&buf, binary.BigEndian, i)
			}
		case Bitfield, ElasticBitfield:
			buf.Write(msg.Bitfield)
		case Piece:
			binary.Write(&buf, binary.BigEndian, msg.Index)
			binary.Write(&buf, binary.BigEndian, msg.Begin)
			buf.Write(msg.Piece)
		case MerklePiece:
			binary.Write(&buf, binary.BigEndian, msg.Index)
			binary.Write(&buf, binary.BigEndian, msg.Begin)
			binary.Write(&buf, binary.BigEndian, uint32(len(msg.HashChain)))
			buf.Write(msg.HashChain)
			buf.Write(msg.Piece)
		case ElasticSignature:
			binary.Write(&buf, binary.BigEndian, msg.ViewLength)
			buf.Write(msg.RootHash[:])
			buf.Write(msg.Signature)
		case ElasticPiece:
			binary.Write(&buf, binary.BigEndian, msg.Index)
			binary.Write(&buf, binary.BigEndian, msg.Begin)
			binary.Write(&buf, binary.BigEndian, msg.ViewLength)
			if msg.ChainPresent {
				buf.WriteByte(1)
				binary.Write(&buf, binary.BigEndian, uint32(len(msg.HashChain)))
				buf.Write(msg.HashChain)
			} else {
				buf.WriteByte(0)
			}
			buf.Write(msg.Piece)
		case Extended:
			buf.WriteByte(msg.ExtendedID)
			buf.Write(msg.ExtendedPayload)
		default:
			return nil, errors.Errorf("unknown message type: %v", msg.Type)
		}
	}
	data = make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(data, uint32(buf.Len()))
	copy(data[4:], buf.Bytes())
	return data, nil
}

func (msg Message) MustMarshalBinary() []byte {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}
