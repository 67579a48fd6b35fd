package btprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedEvents struct {
	fast, extended bool
	gotExtensions  bool
	hash           [20]byte
	gotHash        bool
	peerID         [20]byte
	gotPeerID      bool
	keepalives     int
	messages       []Message
}

func (r *recordedEvents) HandshakeBasicExtensions(fast, extended bool) error {
	r.fast, r.extended = fast, extended
	r.gotExtensions = true
	return nil
}

func (r *recordedEvents) HandshakeInfoHash(hash [20]byte) error {
	r.hash = hash
	r.gotHash = true
	return nil
}

func (r *recordedEvents) HandshakePeerID(id [20]byte) error {
	r.peerID = id
	r.gotPeerID = true
	return nil
}

func (r *recordedEvents) KeepAlive() error {
	r.keepalives++
	return nil
}

func (r *recordedEvents) HandleMessage(msg *Message) error {
	r.messages = append(r.messages, *msg)
	return nil
}

func testHandshake(bits ExtensionBits) []byte {
	var buf bytes.Buffer
	HandshakeMessage{Extensions: bits}.WriteTo(&buf)
	var hash, id [20]byte
	for i := range hash {
		hash[i] = 0xaa
		id[i] = 0xbb
	}
	HandshakeInfoMessage{Hash: hash, PeerID: id}.WriteTo(&buf)
	return buf.Bytes()
}

func fastAndExtendedBits() ExtensionBits {
	return NewExtensionBits(ExtensionBitFast, ExtensionBitExtended)
}

func TestParserHandshakeAndMessages(t *testing.T) {
	events := new(recordedEvents)
	p := NewParser(events, true, true)

	stream := testHandshake(fastAndExtendedBits())
	stream = append(stream, MakeKeepalive().MustMarshalBinary()...)
	stream = append(stream, Message{Type: Bitfield, Bitfield: []byte{0xc0}}.MustMarshalBinary()...)
	stream = append(stream, Message{Type: Unchoke}.MustMarshalBinary()...)
	stream = append(stream, MakeRequest(1, 2, 3).MustMarshalBinary()...)

	// Feed a byte at a time to exercise incremental reassembly.
	for _, b := range stream {
		require.NoError(t, p.Feed([]byte{b}))
	}

	require.True(t, events.gotExtensions)
	require.True(t, events.fast)
	require.True(t, events.extended)
	require.True(t, events.gotHash)
	require.Equal(t, byte(0xaa), events.hash[0])
	require.True(t, events.gotPeerID)
	require.Equal(t, byte(0xbb), events.peerID[0])
	require.Equal(t, 1, events.keepalives)

	require.Len(t, events.messages, 3)
	require.Equal(t, Bitfield, events.messages[0].Type)
	require.Equal(t, []byte{0xc0}, events.messages[0].Bitfield)
	require.Equal(t, Unchoke, events.messages[1].Type)
	require.Equal(t, Request, events.messages[2].Type)
	require.Equal(t, Integer(3), events.messages[2].Length)
}

func TestParserRejectsBadProtocolString(t *testing.T) {
	p := NewParser(new(recordedEvents), true, true)
	bad := bytes.Repeat([]byte{0x00}, 28)
	require.Error(t, p.Feed(bad))
}

func TestParserRejectsFastMessagesWhenDisabled(t *testing.T) {
	for _, local := range []bool{true, false} {
		events := new(recordedEvents)
		p := NewParser(events, local, true)

		bits := NewExtensionBits(ExtensionBitExtended)
		if !local {
			// The remote offers fast but we declined it locally.
			bits.SetBit(ExtensionBitFast)
		}
		require.NoError(t, p.Feed(testHandshake(bits)))
		err := p.Feed(Message{Type: HaveNone}.MustMarshalBinary())
		require.Error(t, err)

		// The parser is poisoned; further feeds fail.
		require.Error(t, p.Feed(Message{Type: Choke}.MustMarshalBinary()))
	}
}

func TestParserRejectsExtendedWhenDisabled(t *testing.T) {
	events := new(recordedEvents)
	p := NewParser(events, true, true)

	require.NoError(t, p.Feed(testHandshake(NewExtensionBits(ExtensionBitFast))))
	err := p.Feed(Message{Type: Extended, ExtendedPayload: []byte{}}.MustMarshalBinary())
	require.Error(t, err)
}

func TestParserFirstMessageOnly(t *testing.T) {
	for _, mt := range []MessageType{Bitfield, HaveAll, HaveNone, ElasticBitfield} {
		events := new(recordedEvents)
		p := NewParser(events, true, true)

		require.NoError(t, p.Feed(testHandshake(fastAndExtendedBits())))
		require.NoError(t, p.Feed(Message{Type: Choke}.MustMarshalBinary()))

		msg := Message{Type: mt}
		if mt == Bitfield || mt == ElasticBitfield {
			msg.Bitfield = []byte{0x00}
		}
		require.Error(t, p.Feed(msg.MustMarshalBinary()), "type %v", mt)
	}
}

func TestParserKeepaliveDoesNotCountAsFirst(t *testing.T) {
	events := new(recordedEvents)
	p := NewParser(events, true, true)

	require.NoError(t, p.Feed(testHandshake(fastAndExtendedBits())))
	require.NoError(t, p.Feed(MakeKeepalive().MustMarshalBinary()))
	require.NoError(t, p.Feed(Message{Type: HaveAll}.MustMarshalBinary()))
}

func TestParserRejectsOversizedFrame(t *testing.T) {
	events := new(recordedEvents)
	p := NewParser(events, true, true)

	require.NoError(t, p.Feed(testHandshake(fastAndExtendedBits())))
	require.Error(t, p.Feed([]byte{0xff, 0xff, 0xff, 0xff}))
}

func TestParserRejectsShortFixedPayload(t *testing.T) {
	events := new(recordedEvents)
	p := NewParser(events, true, true)

	require.NoError(t, p.Feed(testHandshake(fastAndExtendedBits())))
	// A have message with a 2-byte payload.
	require.Error(t, p.Feed([]byte{0, 0, 0, 3, 4, 0, 1}))
}

func TestParserIgnoresUnknownMessages(t *testing.T) {
	events := new(recordedEvents)
	p := NewParser(events, true, true)

	require.NoError(t, p.Feed(testHandshake(fastAndExtendedBits())))
	require.NoError(t, p.Feed([]byte{0, 0, 0, 3, 99, 1, 2}))
	require.NoError(t, p.Feed(Message{Type: Choke}.MustMarshalBinary()))
	require.Len(t, events.messages, 1)
	require.Equal(t, Choke, events.messages[0].Type)
}

func TestParserElasticPieceRoundTrip(t *testing.T) {
	events := new(recordedEvents)
	p := NewParser(events, true, true)

	require.NoError(t, p.Feed(testHandshake(fastAndExtendedBits())))
	sent := Message{
		Type:         ElasticPiece,
		Index:        7,
		Begin:        16384,
		ViewLength:   1 << 20,
		ChainPresent: true,
		HashChain:    bytes.Repeat([]byte{0x11}, 40),
		Piece:        bytes.Repeat([]byte{0x22}, 64),
	}
	require.NoError(t, p.Feed(sent.MustMarshalBinary()))

	require.Len(t, events.messages, 1)
	got := events.messages[0]
	require.Equal(t, sent.Index, got.Index)
	require.Equal(t, sent.Begin, got.Begin)
	require.Equal(t, sent.ViewLength, got.ViewLength)
	require.True(t, got.ChainPresent)
	require.Equal(t, sent.HashChain, got.HashChain)
	require.Equal(t, sent.Piece, got.Piece)
}

func TestParserCountsMalformedBytes(t *testing.T) {
	events := new(recordedEvents)
	p := NewParser(events, true, true)

	var stream bytes.Buffer
	stream.Write(testHandshake(fastAndExtendedBits()))
	// A malformed frame: have with a 12-byte payload.
	stream.Write([]byte{0, 0, 0, 13, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})

	n, err := p.ParseBytes(&fragmentedReader{data: stream.Bytes()})
	require.Error(t, err)
	require.Equal(t, stream.Len(), n)
}

// fragmentedReader hands out a few bytes per call, then (0, nil).
type fragmentedReader struct {
	data []byte
	off  int
}

func (r *fragmentedReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, nil
	}
	n := copy(p[:min(len(p), 7)], r.data[r.off:])
	r.off += n
	return n, nil
}
