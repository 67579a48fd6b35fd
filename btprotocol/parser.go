package btprotocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Consumer receives the typed events emitted by a Parser, in wire order.
// Returning an error from any method poisons the parser; no further
// events are emitted.
//
// HandshakeInfoHash is emitted before HandshakePeerID so that the
// receiving side of an incoming connection can respond with its own
// handshake before the remote peer ID arrives.
type Consumer interface {
	HandshakeBasicExtensions(fast, extended bool) error
	HandshakeInfoHash(hash [20]byte) error
	HandshakePeerID(id [20]byte) error
	KeepAlive() error
	HandleMessage(msg *Message) error
}

type parserState int

const (
	parserStateHeader parserState = iota
	parserStateInfoHash
	parserStatePeerID
	parserStateFraming
)

// Parser is an incremental push parser for the peer wire protocol. It
// accepts opaque byte chunks and emits one Consumer event per completed
// handshake element or message. Messages the negotiated capabilities
// forbid, misplaced first-only messages, and malformed framing all
// surface as a single terminal error.
type Parser struct {
	consumer Consumer

	localFast     bool
	localExtended bool

	fastEnabled     bool
	extendedEnabled bool

	state           parserState
	sawNonKeepalive bool

	buf     bytes.Buffer
	scratch []byte
	err     error
}

// NewParser constructs a parser delivering to consumer. The fast and
// extension-protocol flags are the local side's preferences; the
// effective capabilities are their AND with the remote reserved bits
// once the handshake header has been seen.
func NewParser(consumer Consumer, fastExtension, extensionProtocol bool) *Parser {
	return &Parser{
		consumer:      consumer,
		localFast:     fastExtension,
		localExtended: extensionProtocol,
	}
}

// ParseBytes reads whatever r can currently provide and feeds it through
// the parser. It returns the number of bytes consumed, which is counted
// even when those bytes turn out to be a malformed frame. A read of
// (0, nil) is taken to mean no more data is available now.
func (p *Parser) ParseBytes(r io.Reader) (n int, err error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.scratch == nil {
		p.scratch = make([]byte, 16*1024)
	}
	for {
		nr, rerr := r.Read(p.scratch)
		if nr > 0 {
			n += nr
			if err = p.Feed(p.scratch[:nr]); err != nil {
				return n, err
			}
		}
		if rerr == io.EOF {
			p.err = io.ErrUnexpectedEOF
			return n, p.err
		}
		if rerr != nil {
			p.err = rerr
			return n, rerr
		}
		if nr == 0 {
			return n, nil
		}
	}
}

// Feed appends a chunk and emits every event completed by it.
func (p *Parser) Feed(b []byte) error {
	if p.err != nil {
		return p.err
	}
	p.buf.Write(b)
	if err := p.advance(); err != nil {
		p.err = err
		return err
	}
	return nil
}

func (p *Parser) advance() error {
	for {
		switch p.state {
		case parserStateHeader:
			if p.buf.Len() < 28 {
				return nil
			}
			header := p.buf.Next(28)
			if !bytes.HasPrefix(header, []byte(Protocol)) {
				return errors.Errorf("unexpected protocol string %q", string(header[:20]))
			}
			var bits ExtensionBits
			copy(bits[:], header[20:])
			p.fastEnabled = p.localFast && bits.SupportsFast()
			p.extendedEnabled = p.localExtended && bits.SupportsExtended()
			if err := p.consumer.HandshakeBasicExtensions(bits.SupportsFast(), bits.SupportsExtended()); err != nil {
				return err
			}
			p.state = parserStateInfoHash

		case parserStateInfoHash:
			if p.buf.Len() < 20 {
				return nil
			}
			var hash [20]byte
			copy(hash[:], p.buf.Next(20))
			if err := p.consumer.HandshakeInfoHash(hash); err != nil {
				return err
			}
			p.state = parserStatePeerID

		case parserStatePeerID:
			if p.buf.Len() < 20 {
				return nil
			}
			var id [20]byte
			copy(id[:], p.buf.Next(20))
			if err := p.consumer.HandshakePeerID(id); err != nil {
				return err
			}
			p.state = parserStateFraming

		case parserStateFraming:
			if p.buf.Len() < 4 {
				return nil
			}
			length := binary.BigEndian.Uint32(p.buf.Bytes()[:4])
			if length > MaxMessageLength {
				return errors.Errorf("message of length %d exceeds maximum", length)
			}
			if p.buf.Len() < int(4+length) {
				return nil
			}
			p.buf.Next(4)
			if length == 0 {
				if err := p.consumer.KeepAlive(); err != nil {
					return err
				}
				continue
			}
			payload := append([]byte(nil), p.buf.Next(int(length))...)
			if err := p.dispatch(payload); err != nil {
				return err
			}
		}
	}
}

func (p *Parser) dispatch(payload []byte) error {
	mt := MessageType(payload[0])

	switch mt {
	case Bitfield, HaveAll, HaveNone, ElasticBitfield:
		if p.sawNonKeepalive {
			return errors.Errorf("message type %d may only be first", mt)
		}
	}
	p.sawNonKeepalive = true

	if mt.FastExtension() && !p.fastEnabled {
		return errors.Errorf("fast extension message %d without negotiated fast extension", mt)
	}
	if mt == Extended && !p.extendedEnabled {
		return errors.New("extension message without negotiated extension protocol")
	}

	msg, err := decodeMessage(mt, payload[1:])
	if err != nil {
		return err
	}
	if msg == nil {
		// Unknown message types are consumed and ignored.
		return nil
	}
	return p.consumer.HandleMessage(msg)
}

func decodeMessage(mt MessageType, rest []byte) (*Message, error) {
	msg := &Message{Type: mt}

	fixed := func(want int) error {
		if len(rest) != want {
			return errors.Errorf("message type %d payload of %d bytes, expected %d", mt, len(rest), want)
		}
		return nil
	}

	switch mt {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		if err := fixed(0); err != nil {
			return nil, err
		}
	case Have, Suggest, AllowedFast:
		if err := fixed(4); err != nil {
			return nil, err
		}
		msg.Index = Integer(binary.BigEndian.Uint32(rest))
	case Request, Cancel, Reject:
		if err := fixed(12); err != nil {
			return nil, err
		}
		msg.Index = Integer(binary.BigEndian.Uint32(rest))
		msg.Begin = Integer(binary.BigEndian.Uint32(rest[4:]))
		msg.Length = Integer(binary.BigEndian.Uint32(rest[8:]))
	case Bitfield, ElasticBitfield:
		msg.Bitfield = rest
	case Piece:
		if len(rest) < 8 {
			return nil, errors.New("piece message too short")
		}
		msg.Index = Integer(binary.BigEndian.Uint32(rest))
		msg.Begin = Integer(binary.BigEndian.Uint32(rest[4:]))
		msg.Piece = rest[8:]
	case MerklePiece:
		if len(rest) < 12 {
			return nil, errors.New("merkle piece message too short")
		}
		msg.Index = Integer(binary.BigEndian.Uint32(rest))
		msg.Begin = Integer(binary.BigEndian.Uint32(rest[4:]))
		chainLen := binary.BigEndian.Uint32(rest[8:])
		if uint32(len(rest)-12) < chainLen {
			return nil, errors.New("merkle piece hash chain overruns message")
		}
		msg.HashChain = rest[12 : 12+chainLen]
		msg.Piece = rest[12+chainLen:]
	case ElasticSignature:
		if len(rest) < 29 {
			return nil, errors.New("elastic signature message too short")
		}
		msg.ViewLength = binary.BigEndian.Uint64(rest)
		copy(msg.RootHash[:], rest[8:28])
		msg.Signature = rest[28:]
	case ElasticPiece:
		if len(rest) < 17 {
			return nil, errors.New("elastic piece message too short")
		}
		msg.Index = Integer(binary.BigEndian.Uint32(rest))
		msg.Begin = Integer(binary.BigEndian.Uint32(rest[4:]))
		msg.ViewLength = binary.BigEndian.Uint64(rest[8:])
		switch rest[16] {
		case 0:
			msg.Piece = rest[17:]
		case 1:
			if len(rest) < 21 {
				return nil, errors.New("elastic piece message too short")
			}
			chainLen := binary.BigEndian.Uint32(rest[17:])
			if uint32(len(rest)-21) < chainLen {
				return nil, errors.New("elastic piece hash chain overruns message")
			}
			msg.ChainPresent = true
			msg.HashChain = rest[21 : 21+chainLen]
			msg.Piece = rest[21+chainLen:]
		default:
			return nil, errors.Errorf("elastic piece chain flag %d", rest[16])
		}
	case Extended:
		if len(rest) < 1 {
			return nil, errors.New("extension message too short")
		}
		msg.ExtendedID = rest[0]
		msg.ExtendedPayload = rest[1:]
	default:
		return nil, nil
	}
	return msg, nil
}
