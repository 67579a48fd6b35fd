package peerwire

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/anacrolix/sync"

	"github.com/seedwire/peerwire/btprotocol"
)

// testConn is an in-memory Conn driven by the tests: inbound holds
// bytes "from" the remote peer, outbound captures what the engine
// writes. Reads and writes never block; an empty inbound buffer reads
// as (0, nil) per the Conn contract.
type testConn struct {
	inbound  bytes.Buffer
	outbound bytes.Buffer
	remote   netip.AddrPort
	// writeLimit caps bytes accepted per Write call; 0 is unlimited.
	writeLimit int
	closed     bool
}

func newTestConn(remote string) *testConn {
	return &testConn{remote: netip.MustParseAddrPort(remote)}
}

func (c *testConn) Read(p []byte) (int, error) {
	if c.inbound.Len() == 0 {
		return 0, nil
	}
	return c.inbound.Read(p)
}

func (c *testConn) Write(p []byte) (int, error) {
	if c.writeLimit > 0 && len(p) > c.writeLimit {
		p = p[:c.writeLimit]
	}
	return c.outbound.Write(p)
}

func (c *testConn) Close() error {
	c.closed = true
	return nil
}

func (c *testConn) RemoteAddrPort() netip.AddrPort {
	return c.remote
}

// wireFrame is one decoded length-prefixed frame.
type wireFrame struct {
	keepalive bool
	mt        btprotocol.MessageType
	payload   []byte
}

// decodeFrames splits raw wire bytes (no handshake prefix) into frames.
func decodeFrames(t *testing.T, b []byte) (frames []wireFrame) {
	t.Helper()
	for len(b) > 0 {
		if len(b) < 4 {
			t.Fatalf("trailing %d bytes are not a frame", len(b))
		}
		length := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint32(len(b)) < length {
			t.Fatalf("frame of %d bytes truncated to %d", length, len(b))
		}
		if length == 0 {
			frames = append(frames, wireFrame{keepalive: true})
			continue
		}
		frames = append(frames, wireFrame{
			mt:      btprotocol.MessageType(b[0]),
			payload: append([]byte(nil), b[1:length]...),
		})
		b = b[length:]
	}
	return frames
}

// stripHandshake validates and removes the 68-byte handshake prefix.
func stripHandshake(t *testing.T, b []byte) []byte {
	t.Helper()
	if len(b) < 68 {
		t.Fatalf("output of %d bytes holds no handshake", len(b))
	}
	if string(b[:20]) != btprotocol.Protocol {
		t.Fatalf("output does not start with the protocol string: %q", b[:20])
	}
	return b[68:]
}

func countFrames(frames []wireFrame, mt btprotocol.MessageType) (n int) {
	for _, f := range frames {
		if !f.keepalive && f.mt == mt {
			n++
		}
	}
	return n
}

func testInfoHash() (h InfoHash) {
	for i := range h {
		h[i] = 0xaa
	}
	return h
}

func testPeerID(fill byte) (id PeerID) {
	for i := range id {
		id[i] = fill
	}
	return id
}

// fakeDB is a scriptable PieceDatabase. Blocks read as zero bytes of
// the requested length.
type fakeDB struct {
	info    Info
	current StorageDescriptor
	present *BitField
	chains  map[BlockDescriptor]*HashChain
	sigs    map[uint64]ViewSignature
}

func newFakeDB(mode ContentMode, pieceSize uint32, length uint64) *fakeDB {
	sd := StorageDescriptor{PieceSize: pieceSize, Length: length}
	return &fakeDB{
		info:    Info{Hash: testInfoHash(), Mode: mode, Descriptor: sd},
		current: sd,
		present: NewBitField(sd.NumPieces()),
		chains:  make(map[BlockDescriptor]*HashChain),
		sigs:    make(map[uint64]ViewSignature),
	}
}

func (db *fakeDB) Info() Info { return db.info }

func (db *fakeDB) StorageDescriptor() StorageDescriptor { return db.current }

func (db *fakeDB) PresentPieces() *BitField { return db.present }

func (db *fakeDB) HavePiece(piece uint32) bool { return db.present.Get(piece) }

func (db *fakeDB) ReadBlock(d BlockDescriptor) ([]byte, error) {
	return make([]byte, d.Length), nil
}

func (db *fakeDB) PieceHashChain(d BlockDescriptor) (*HashChain, error) {
	return db.chains[d], nil
}

func (db *fakeDB) ViewSignature(viewLength uint64) (ViewSignature, bool) {
	sig, ok := db.sigs[viewLength]
	return sig, ok
}

type handledBlock struct {
	d     BlockDescriptor
	sig   *ViewSignature
	chain *HashChain
	block []byte
}

type extensionEvent struct {
	identifier string
	data       []byte
}

// fakeCoordinator is a scriptable Coordinator recording everything the
// engine tells it.
type fakeCoordinator struct {
	mu sync.Mutex

	db      *fakeDB
	localID PeerID

	rejectPeers bool
	wanted      bool
	// handed out by the next GetRequests call, then cleared.
	pending  []BlockDescriptor
	verifyOK bool

	connected    int
	disconnected int
	adjustCalls  int
	offered      int

	blocks      []handledBlock
	suggested   []uint32
	allowedFast []uint32
	extAdded    []string
	extRemoved  []string
	extMessages []extensionEvent

	protoSent *StatisticCounter
	protoRecv *StatisticCounter
	blockSent *StatisticCounter
	blockRecv *StatisticCounter
}

func newFakeCoordinator(db *fakeDB) *fakeCoordinator {
	return &fakeCoordinator{
		db:        db,
		localID:   testPeerID(0xbb),
		wanted:    true,
		verifyOK:  true,
		protoSent: NewStatisticCounter(),
		protoRecv: NewStatisticCounter(),
		blockSent: NewStatisticCounter(),
		blockRecv: NewStatisticCounter(),
	}
}

func (c *fakeCoordinator) Lock()   { c.mu.Lock() }
func (c *fakeCoordinator) Unlock() { c.mu.Unlock() }

func (c *fakeCoordinator) PieceDatabase() PieceDatabase { return c.db }
func (c *fakeCoordinator) LocalPeerID() PeerID          { return c.localID }

func (c *fakeCoordinator) PeerConnected(p ManageablePeer) bool {
	if c.rejectPeers {
		return false
	}
	c.connected++
	return true
}

func (c *fakeCoordinator) PeerDisconnected(p ManageablePeer) {
	c.disconnected++
}

func (c *fakeCoordinator) GetRequests(p ManageablePeer, count int, remoteIsChoking bool) []BlockDescriptor {
	r := c.pending
	c.pending = nil
	if len(r) > count {
		r = r[:count]
	}
	return r
}

func (c *fakeCoordinator) AddAvailablePiece(p ManageablePeer, piece uint32) bool {
	return c.wanted
}

func (c *fakeCoordinator) AddAvailablePieces(p ManageablePeer) bool {
	return c.wanted
}

func (c *fakeCoordinator) SetPieceSuggested(p ManageablePeer, piece uint32) {
	c.suggested = append(c.suggested, piece)
}

func (c *fakeCoordinator) SetPieceAllowedFast(p ManageablePeer, piece uint32) {
	c.allowedFast = append(c.allowedFast, piece)
}

func (c *fakeCoordinator) HandleBlock(p ManageablePeer, d BlockDescriptor, sig *ViewSignature, chain *HashChain, block []byte) {
	c.blocks = append(c.blocks, handledBlock{d: d, sig: sig, chain: chain, block: block})
}

func (c *fakeCoordinator) HandleViewSignature(sig ViewSignature) bool {
	return c.verifyOK
}

func (c *fakeCoordinator) OfferExtensionsToPeer(p ManageablePeer) {
	c.offered++
}

func (c *fakeCoordinator) EnableDisablePeerExtensions(p ManageablePeer, added, removed []string, extra map[string]interface{}) {
	c.extAdded = append(c.extAdded, added...)
	c.extRemoved = append(c.extRemoved, removed...)
}

func (c *fakeCoordinator) ProcessExtensionMessage(p ManageablePeer, identifier string, data []byte) {
	c.extMessages = append(c.extMessages, extensionEvent{identifier: identifier, data: data})
}

func (c *fakeCoordinator) AdjustChoking(weAreChoking bool) {
	c.adjustCalls++
}

func (c *fakeCoordinator) ProtocolBytesSentCounter() *StatisticCounter { return c.protoSent }

func (c *fakeCoordinator) ProtocolBytesReceivedCounter() *StatisticCounter { return c.protoRecv }

func (c *fakeCoordinator) BlockBytesSentCounter() *StatisticCounter { return c.blockSent }

func (c *fakeCoordinator) BlockBytesReceivedCounter() *StatisticCounter { return c.blockRecv }

// fakeProvider resolves coordinators for incoming connections.
type fakeProvider struct {
	coordinators map[InfoHash]Coordinator
}

func (f *fakeProvider) Coordinator(hash InfoHash) Coordinator {
	return f.coordinators[hash]
}

// remoteHandshake builds the remote peer's 68-byte handshake.
func remoteHandshake(bits btprotocol.ExtensionBits, hash InfoHash, id PeerID) []byte {
	var buf bytes.Buffer
	btprotocol.HandshakeMessage{Extensions: bits}.WriteTo(&buf)
	btprotocol.HandshakeInfoMessage{Hash: hash, PeerID: id}.WriteTo(&buf)
	return buf.Bytes()
}

// feedRemote delivers bytes from the remote peer and signals read
// readiness.
func feedRemote(p *Peer, conn *testConn, b []byte) {
	conn.inbound.Write(b)
	p.ConnectionReady(true, false)
}

// feedAndDrain delivers remote bytes and lets the engine both read and
// write.
func feedAndDrain(p *Peer, conn *testConn, b []byte) {
	conn.inbound.Write(b)
	p.ConnectionReady(true, true)
}
