package peerwire

import (
	"net/netip"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/elliotchance/orderedmap"
	"github.com/pkg/errors"

	"github.com/seedwire/peerwire/bep0006"
	"github.com/seedwire/peerwire/btprotocol"
)

// Peer mediates the connection to a single remote peer: it parses and
// emits protocol messages, maintains the two-sided choke/interest state
// machine, and arbitrates block requests between the torrent's
// coordinator and the remote peer.
//
// A Peer is single-threaded on its connection events. The coordinator
// token is held for the duration of ConnectionReady and of every
// coordinator-invoked ManageablePeer call, so the engine never observes
// concurrent mutation of its own state.
type Peer struct {
	conn   Conn
	parser *btprotocol.Parser
	logger log.Logger

	// resolves the coordinator for an incoming connection once the
	// handshake names an info hash.
	provider    CoordinatorProvider
	coordinator Coordinator
	db          PieceDatabase
	outbound    *outboundQueue

	protocolBytesSent     *StatisticCounter
	protocolBytesReceived *StatisticCounter
	blockBytesSent        *StatisticCounter
	blockBytesReceived    *StatisticCounter

	// local preferences; the effective flags below are ANDed with the
	// remote's reserved bits during the handshake.
	localFast     bool
	localExtended bool

	fastExtension     bool
	extensionProtocol bool

	remoteExtensions     map[string]struct{}
	remoteExtensionIDs   map[string]byte
	localExtensionIDs    map[string]byte
	localExtensionNames  map[byte]string
	nextLocalExtensionID byte

	infoHash        InfoHash
	hasInfoHash     bool
	remotePeerID    PeerID
	hasRemotePeerID bool

	registered bool

	remoteBitField       *BitField
	remoteViewDescriptor StorageDescriptor
	// viewLength -> ViewSignature, at most the two most recent.
	remoteSignatures *orderedmap.OrderedMap

	weAreChoking      bool
	weAreInterested   bool
	theyAreChoking    bool
	theyAreInterested bool

	sentElasticBitfield bool

	lastDataReceived time.Time
	now              func() time.Time

	closed chansync.SetOnce
}

// Option adjusts a Peer at construction.
type Option func(*Peer)

// WithLogger replaces the default logger.
func WithLogger(l log.Logger) Option {
	return func(p *Peer) { p.logger = l }
}

// WithFastExtension sets the local preference for the fast extension.
func WithFastExtension(enabled bool) Option {
	return func(p *Peer) { p.localFast = enabled }
}

// WithExtensionProtocol sets the local preference for the extension
// protocol.
func WithExtensionProtocol(enabled bool) Option {
	return func(p *Peer) { p.localExtended = enabled }
}

func newPeer(conn Conn, opts []Option) *Peer {
	p := &Peer{
		conn:                  conn,
		logger:                log.Default,
		localFast:             true,
		localExtended:         true,
		protocolBytesSent:     NewStatisticCounter(),
		protocolBytesReceived: NewStatisticCounter(),
		blockBytesSent:        NewStatisticCounter(),
		blockBytesReceived:    NewStatisticCounter(),
		remoteExtensions:      make(map[string]struct{}),
		remoteExtensionIDs:    make(map[string]byte),
		localExtensionIDs:     make(map[string]byte),
		localExtensionNames:   make(map[byte]string),
		nextLocalExtensionID:  1,
		remoteSignatures:      orderedmap.NewOrderedMap(),
		weAreChoking:          true,
		theyAreChoking:        true,
		now:                   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.fastExtension = p.localFast
	p.extensionProtocol = p.localExtended
	p.parser = btprotocol.NewParser(p, p.localFast, p.localExtended)
	p.protocolBytesSent.AddCountedPeriod(TwoSecondPeriod)
	p.protocolBytesReceived.AddCountedPeriod(TwoSecondPeriod)
	p.lastDataReceived = p.now()
	return p
}

// NewAccepted constructs the engine for an incoming connection. Setup
// completes once the remote handshake names an info hash the provider
// recognises; until then no coordinator is bound and nothing is sent.
func NewAccepted(provider CoordinatorProvider, conn Conn, opts ...Option) *Peer {
	p := newPeer(conn, opts)
	p.provider = provider
	return p
}

// NewOutgoing constructs the engine for an outgoing connection and
// queues the local handshake immediately. The caller must hold the
// coordinator token.
func NewOutgoing(coordinator Coordinator, conn Conn, opts ...Option) *Peer {
	p := newPeer(conn, opts)
	p.coordinator = coordinator
	p.completeSetup()
	return p
}

// completeSetup binds the engine to its torrent: outbound queue,
// counter parents, and the local handshake. For an outgoing connection
// this runs in the constructor; for an incoming one it runs when the
// remote handshake reveals the info hash.
func (p *Peer) completeSetup() {
	p.db = p.coordinator.PieceDatabase()
	info := p.db.Info()
	p.infoHash = info.Hash
	p.hasInfoHash = true
	p.remoteViewDescriptor = info.Descriptor
	p.remoteBitField = NewBitField(info.Descriptor.NumPieces())

	p.outbound = newOutboundQueue(p.conn, p.db, p.blockBytesSent)
	p.outbound.setFastExtension(p.fastExtension)

	p.protocolBytesSent.SetParent(p.coordinator.ProtocolBytesSentCounter())
	p.protocolBytesReceived.SetParent(p.coordinator.ProtocolBytesReceivedCounter())
	p.blockBytesSent.SetParent(p.coordinator.BlockBytesSentCounter())
	p.blockBytesReceived.SetParent(p.coordinator.BlockBytesReceivedCounter())

	var bits btprotocol.ExtensionBits
	if p.localFast {
		bits.SetBit(btprotocol.ExtensionBitFast)
	}
	if p.localExtended {
		bits.SetBit(btprotocol.ExtensionBitExtended)
	}
	p.outbound.sendHandshake(bits, p.infoHash, p.coordinator.LocalPeerID())
}

func (p *Peer) mode() ContentMode {
	return p.db.Info().Mode
}

// ConnectionReady is the engine's single entry point from the
// connection manager: readable and writeable report which directions
// the socket can currently make progress in. Any protocol or I/O error
// closes the connection and notifies the coordinator.
func (p *Peer) ConnectionReady(readable, writeable bool) {
	if p.coordinator != nil {
		p.coordinator.Lock()
	}

	if err := p.connectionReady(readable, writeable); err != nil {
		p.logger.Levelf(log.Debug, "peer %v: %v", p.conn.RemoteAddrPort(), err)
		p.Close()
	}

	// The coordinator may have been bound while parsing an incoming
	// handshake, in which case the token was acquired there.
	if p.coordinator != nil {
		p.coordinator.Unlock()
	}
}

func (p *Peer) connectionReady(readable, writeable bool) error {
	if readable {
		n, err := p.parser.ParseBytes(p.conn)
		p.protocolBytesReceived.Add(int64(n))
		if n > 0 {
			p.lastDataReceived = p.now()
		}
		if err != nil {
			return err
		}
	}

	if p.registered && p.weAreInterested {
		p.fillRequestQueue()
	}

	// An incoming connection has no outbound queue until its handshake
	// resolves a torrent.
	if writeable && p.outbound != nil {
		n, err := p.outbound.sendData()
		p.protocolBytesSent.Add(int64(n))
		if err != nil {
			return err
		}
	}

	return nil
}

// fillRequestQueue tops the request pipeline up from the coordinator.
// If the remote is not choking us, nothing can be allocated and nothing
// is pending, we are no longer interested.
func (p *Peer) fillRequestQueue() {
	n := p.outbound.getRequestsNeeded()
	if n <= 0 {
		return
	}

	requests := p.coordinator.GetRequests(p, n, p.theyAreChoking)
	if len(requests) > 0 {
		p.outbound.sendRequestMessages(requests)
		return
	}
	if !p.theyAreChoking && !p.outbound.hasOutstandingRequests() {
		p.weAreInterested = false
		p.outbound.sendInterestedMessage(false)
	}
}

func (p *Peer) validateBlockDescriptor(d BlockDescriptor) bool {
	return d.Valid(p.db.StorageDescriptor())
}

// generateAndSendAllowedFastSet grants the remote peer its allowed-fast
// pieces. IPv6 peers receive none.
func (p *Peer) generateAndSendAllowedFastSet() {
	addr := p.conn.RemoteAddrPort().Addr()
	if !addr.Is4() && !addr.Is4In6() {
		return
	}

	numPieces := p.db.StorageDescriptor().NumPieces()
	k := uint32(btprotocol.AllowedFastThreshold)
	if numPieces < k {
		k = numPieces
	}

	set, err := bep0006.AllowedFastSet(addr, p.infoHash, numPieces, k)
	if err != nil {
		p.logger.Levelf(log.Debug, "peer %v: allowed fast set: %v", addr, err)
		return
	}
	p.outbound.sendAllowedFastMessages(set)
}

/* btprotocol.Consumer */

// HandshakeBasicExtensions narrows the effective capabilities to the
// AND of the local preference and the remote reserved bits.
func (p *Peer) HandshakeBasicExtensions(fast, extended bool) error {
	p.fastExtension = p.fastExtension && fast
	p.extensionProtocol = p.extensionProtocol && extended
	if p.outbound != nil {
		p.outbound.setFastExtension(p.fastExtension)
	}
	return nil
}

// HandshakeInfoHash validates (outgoing) or resolves (incoming) the
// torrent the remote peer wants, then performs the content-mode
// specific parts of the handshake.
func (p *Peer) HandshakeInfoHash(hash [20]byte) error {
	if p.hasInfoHash && p.infoHash != InfoHash(hash) {
		return errors.New("invalid handshake: wrong info hash")
	}

	if p.coordinator == nil {
		c := p.provider.Coordinator(InfoHash(hash))
		if c == nil {
			return errors.New("invalid handshake: unknown info hash")
		}
		p.coordinator = c
		// The token was not held on the way in for an unbound incoming
		// connection; ConnectionReady releases it on the way out.
		p.coordinator.Lock()
		p.completeSetup()
	}

	switch p.mode() {
	case ModeElastic:
		if !(p.fastExtension && p.extensionProtocol) {
			return errors.New("invalid handshake: no extension protocol or fast extension on elastic torrent")
		}
		p.SendExtensionHandshake([]string{btprotocol.ExtensionNameElastic}, nil, nil)
		if current := p.db.StorageDescriptor(); current.Length > p.db.Info().Descriptor.Length {
			if sig, ok := p.db.ViewSignature(current.Length); ok {
				p.outbound.sendElasticSignatureMessage(sig)
			}
			p.outbound.sendElasticBitfieldMessage(p.db.PresentPieces())
			p.sentElasticBitfield = true
		}
	case ModeMerkle:
		p.SendExtensionHandshake([]string{btprotocol.ExtensionNameMerkle}, nil, nil)
	}

	if p.extensionProtocol {
		p.coordinator.OfferExtensionsToPeer(p)
	}

	return nil
}

// HandshakePeerID registers the peer with the coordinator and sends the
// initial availability message.
func (p *Peer) HandshakePeerID(id [20]byte) error {
	p.remotePeerID = PeerID(id)
	p.hasRemotePeerID = true

	if !p.coordinator.PeerConnected(p) {
		return errors.New("peer registration rejected")
	}
	p.registered = true

	bf := p.db.PresentPieces()
	switch {
	case p.mode() == ModeElastic:
		if !p.sentElasticBitfield {
			p.outbound.sendHaveNoneMessage()
		}
	case p.fastExtension:
		switch bf.Cardinality() {
		case 0:
			p.outbound.sendHaveNoneMessage()
		case p.db.StorageDescriptor().NumPieces():
			p.outbound.sendHaveAllMessage()
		default:
			p.outbound.sendBitfieldMessage(bf)
		}
	default:
		if bf.Cardinality() > 0 {
			p.outbound.sendBitfieldMessage(bf)
		}
	}

	return nil
}

// KeepAlive notes the remote is alive. The idle clock is advanced by
// the read path for any inbound bytes, keepalives included.
func (p *Peer) KeepAlive() error {
	return nil
}

// HandleMessage applies one inbound message to the state machine.
func (p *Peer) HandleMessage(msg *btprotocol.Message) error {
	switch msg.Type {
	case btprotocol.Choke:
		return p.chokeMessage(true)
	case btprotocol.Unchoke:
		return p.chokeMessage(false)
	case btprotocol.Interested:
		return p.interestedMessage(true)
	case btprotocol.NotInterested:
		return p.interestedMessage(false)
	case btprotocol.Have:
		return p.haveMessage(uint32(msg.Index))
	case btprotocol.Bitfield, btprotocol.ElasticBitfield:
		// The elastic bitfield currently shares the classic path; its
		// expected length tracks the remote view descriptor, which may
		// have grown.
		return p.bitfieldMessage(msg.Bitfield)
	case btprotocol.Request:
		return p.requestMessage(blockDescriptor(msg))
	case btprotocol.Piece:
		return p.pieceMessage(msg)
	case btprotocol.Cancel:
		return p.cancelMessage(blockDescriptor(msg))
	case btprotocol.Suggest:
		return p.suggestPieceMessage(uint32(msg.Index))
	case btprotocol.HaveAll:
		return p.haveAllMessage()
	case btprotocol.HaveNone:
		return p.haveNoneMessage()
	case btprotocol.Reject:
		return p.rejectRequestMessage(blockDescriptor(msg))
	case btprotocol.AllowedFast:
		return p.allowedFastMessage(uint32(msg.Index))
	case btprotocol.Extended:
		return p.extendedMessage(msg.ExtendedID, msg.ExtendedPayload)
	case btprotocol.MerklePiece:
		return p.merklePieceMessage(msg)
	case btprotocol.ElasticSignature:
		return p.elasticSignatureMessage(ViewSignature{
			ViewLength: msg.ViewLength,
			RootHash:   msg.RootHash,
			Signature:  msg.Signature,
		})
	case btprotocol.ElasticPiece:
		return p.elasticPieceMessage(msg)
	}
	// Unknown messages are ignored.
	return nil
}

// blockDescriptor extracts the descriptor of a request-shaped message.
func blockDescriptor(msg *btprotocol.Message) BlockDescriptor {
	return BlockDescriptor{
		Piece:  uint32(msg.Index),
		Offset: uint32(msg.Begin),
		Length: uint32(msg.Length),
	}
}

// pieceDescriptor extracts the descriptor implied by a piece-shaped
// message's block payload.
func pieceDescriptor(msg *btprotocol.Message) BlockDescriptor {
	return BlockDescriptor{
		Piece:  uint32(msg.Index),
		Offset: uint32(msg.Begin),
		Length: uint32(len(msg.Piece)),
	}
}

func (p *Peer) chokeMessage(choked bool) error {
	p.theyAreChoking = choked

	p.outbound.setRequestsPlugged(choked)
	if choked && !p.fastExtension {
		// Without the fast extension a choke implicitly discards
		// requests in flight; put them back in line for later.
		p.outbound.requeueAllRequestMessages()
	}

	// New requests, if any, are added in ConnectionReady once read
	// processing has finished.
	return nil
}

func (p *Peer) interestedMessage(interested bool) error {
	p.theyAreInterested = interested
	p.coordinator.AdjustChoking(p.weAreChoking)
	return nil
}

func (p *Peer) haveMessage(piece uint32) error {
	if piece >= p.db.StorageDescriptor().NumPieces() {
		return errors.Errorf("invalid have message: piece %d", piece)
	}

	if !p.remoteBitField.Get(piece) {
		p.remoteBitField.Set(piece)
		if p.coordinator.AddAvailablePiece(p, piece) && !p.weAreInterested {
			p.weAreInterested = true
			p.outbound.sendInterestedMessage(true)
		}
	}

	// The peer no longer needs a leg up once it owns a reasonable
	// number of pieces.
	if p.remoteBitField.Cardinality() == btprotocol.AllowedFastThreshold {
		p.outbound.clearAllowedFastPieces()
	}

	return nil
}

func (p *Peer) bitfieldMessage(field []byte) error {
	bf, err := NewBitFieldFromBytes(field, p.remoteViewDescriptor.NumPieces())
	if err != nil {
		return errors.Wrap(err, "invalid bitfield message")
	}
	p.remoteBitField = bf

	if p.coordinator.AddAvailablePieces(p) {
		p.weAreInterested = true
		p.outbound.sendInterestedMessage(true)
	}

	if p.fastExtension &&
		p.mode() != ModeElastic &&
		p.remoteBitField.Cardinality() < btprotocol.AllowedFastThreshold {
		p.generateAndSendAllowedFastSet()
	}

	return nil
}

func (p *Peer) requestMessage(d BlockDescriptor) error {
	if !p.validateBlockDescriptor(d) {
		return errors.New("invalid request message")
	}

	if !p.db.HavePiece(d.Piece) {
		if p.fastExtension {
			p.outbound.sendRejectRequestMessage(d)
			return nil
		}
		return errors.Errorf("piece %d not present", d.Piece)
	}

	// Serve the request unless we are choking; while choking, only
	// allowed-fast pieces are served, and under the fast extension
	// everything else is rejected explicitly.
	if !p.weAreChoking {
		p.outbound.sendPieceMessage(d)
	} else if p.fastExtension {
		if p.outbound.isPieceAllowedFast(d.Piece) {
			p.outbound.sendPieceMessage(d)
		} else {
			p.outbound.sendRejectRequestMessage(d)
		}
	}

	return nil
}

func (p *Peer) pieceMessage(msg *btprotocol.Message) error {
	switch p.mode() {
	case ModeMerkle:
		return errors.New("ordinary piece received for merkle torrent")
	case ModeElastic:
		return errors.New("ordinary piece received for elastic torrent")
	}

	d := pieceDescriptor(msg)
	if !p.validateBlockDescriptor(d) {
		return errors.New("invalid piece message")
	}

	if !p.outbound.requestReceived(d) {
		if p.fastExtension {
			return errors.New("unrequested piece received")
		}
		// Spam, or a request we cancelled. The base protocol cannot
		// tell the difference, so do nothing.
		return nil
	}

	p.blockBytesReceived.Add(int64(d.Length))
	p.coordinator.HandleBlock(p, d, nil, nil, msg.Piece)
	return nil
}

func (p *Peer) cancelMessage(d BlockDescriptor) error {
	if !p.validateBlockDescriptor(d) {
		return errors.New("invalid cancel message")
	}

	removed := p.outbound.discardPieceMessage(d)
	if p.fastExtension && removed {
		p.outbound.sendRejectRequestMessage(d)
	}

	return nil
}

func (p *Peer) suggestPieceMessage(piece uint32) error {
	if piece >= p.db.StorageDescriptor().NumPieces() {
		return errors.Errorf("invalid suggest piece message: piece %d", piece)
	}

	// Suggestions for pieces the peer doesn't have are dropped.
	if p.remoteBitField.Get(piece) {
		p.coordinator.SetPieceSuggested(p, piece)
	}

	return nil
}

func (p *Peer) haveAllMessage() error {
	// The remote bitfield is all zero before the first message; invert
	// it to set every bit.
	p.remoteBitField.Not()

	if p.coordinator.AddAvailablePieces(p) {
		p.weAreInterested = true
		p.outbound.sendInterestedMessage(true)
	}

	return nil
}

func (p *Peer) haveNoneMessage() error {
	// The remote bitfield is already all zero.
	if p.mode() != ModeElastic {
		p.generateAndSendAllowedFastSet()
	}
	return nil
}

func (p *Peer) rejectRequestMessage(d BlockDescriptor) error {
	if !p.outbound.rejectReceived(d) {
		return errors.New("reject received for unrequested piece")
	}
	return nil
}

func (p *Peer) allowedFastMessage(piece uint32) error {
	if piece >= p.remoteBitField.Length() {
		return errors.Errorf("invalid allowed fast message: piece %d", piece)
	}

	// Peers may grant pieces they don't have; those grants are useless
	// and dropped.
	if p.remoteBitField.Get(piece) {
		p.coordinator.SetPieceAllowedFast(p, piece)
		p.outbound.setRequestAllowedFast(piece)
	}

	return nil
}

func (p *Peer) extendedMessage(subID byte, payload []byte) error {
	if subID == btprotocol.HandshakeExtendedID {
		h, err := btprotocol.DecodeExtensionHandshake(payload)
		if err != nil {
			return err
		}
		added := make([]string, 0, len(h.Added))
		for name, id := range h.Added {
			p.remoteExtensions[name] = struct{}{}
			p.remoteExtensionIDs[name] = id
			added = append(added, name)
		}
		for _, name := range h.Removed {
			delete(p.remoteExtensions, name)
			delete(p.remoteExtensionIDs, name)
		}
		p.coordinator.EnableDisablePeerExtensions(p, added, h.Removed, h.Extra)
		return nil
	}

	name, ok := p.localExtensionNames[subID]
	if !ok {
		return errors.Errorf("extension message for unknown id %d", subID)
	}
	p.coordinator.ProcessExtensionMessage(p, name, payload)
	return nil
}

func (p *Peer) merklePieceMessage(msg *btprotocol.Message) error {
	if p.mode() != ModeMerkle {
		return errors.New("merkle piece received for ordinary torrent")
	}

	d := pieceDescriptor(msg)
	if !p.validateBlockDescriptor(d) {
		return errors.New("invalid piece message")
	}

	if !p.outbound.requestReceived(d) {
		if p.fastExtension {
			return errors.New("unrequested piece received")
		}
		return nil
	}

	p.blockBytesReceived.Add(int64(d.Length))
	p.coordinator.HandleBlock(p, d, nil, &HashChain{
		ViewLength: p.db.StorageDescriptor().Length,
		Hashes:     msg.HashChain,
	}, msg.Piece)
	return nil
}

func (p *Peer) elasticSignatureMessage(sig ViewSignature) error {
	if sig.ViewLength > p.remoteViewDescriptor.Length {
		p.remoteViewDescriptor = StorageDescriptor{
			PieceSize: p.remoteViewDescriptor.PieceSize,
			Length:    sig.ViewLength,
		}
	}

	pieceSize := uint64(p.db.StorageDescriptor().PieceSize)
	viewNumPieces := uint32((sig.ViewLength + pieceSize - 1) / pieceSize)
	if viewNumPieces > p.remoteBitField.Length() {
		p.remoteBitField.Extend(viewNumPieces)
	}

	if !p.coordinator.HandleViewSignature(sig) {
		return errors.New("signature failed verification")
	}

	p.insertRemoteSignature(sig)
	return nil
}

func (p *Peer) elasticPieceMessage(msg *btprotocol.Message) error {
	if p.mode() != ModeElastic {
		return errors.New("elastic piece received for ordinary torrent")
	}

	d := pieceDescriptor(msg)
	if !p.validateBlockDescriptor(d) {
		return errors.New("invalid piece message")
	}

	if !p.outbound.requestReceived(d) {
		if p.fastExtension {
			return errors.New("unrequested piece received")
		}
		return nil
	}

	var (
		sig   *ViewSignature
		chain *HashChain
	)
	if msg.ChainPresent {
		stored, ok := p.remoteSignature(msg.ViewLength)
		if !ok {
			return errors.New("invalid view length in piece")
		}
		sig = &stored
		chain = &HashChain{ViewLength: msg.ViewLength, Hashes: msg.HashChain}
	}

	p.blockBytesReceived.Add(int64(d.Length))
	p.coordinator.HandleBlock(p, d, sig, chain, msg.Piece)
	return nil
}

func (p *Peer) remoteSignature(viewLength uint64) (ViewSignature, bool) {
	v, ok := p.remoteSignatures.Get(viewLength)
	if !ok {
		return ViewSignature{}, false
	}
	return v.(ViewSignature), true
}

// insertRemoteSignature records a verified signature, keeping only the
// two most recent view lengths.
func (p *Peer) insertRemoteSignature(sig ViewSignature) {
	p.remoteSignatures.Set(sig.ViewLength, sig)
	for p.remoteSignatures.Len() > 2 {
		oldest := uint64(0)
		found := false
		for el := p.remoteSignatures.Front(); el != nil; el = el.Next() {
			if k := el.Key.(uint64); !found || k < oldest {
				oldest = k
				found = true
			}
		}
		p.remoteSignatures.Delete(oldest)
	}
}

/* ManageablePeer */

func (p *Peer) RemotePeerID() PeerID {
	return p.remotePeerID
}

func (p *Peer) RemoteAddrPort() netip.AddrPort {
	return p.conn.RemoteAddrPort()
}

func (p *Peer) RemoteBitField() *BitField {
	return p.remoteBitField
}

func (p *Peer) RemoteViewLength() uint64 {
	return p.remoteViewDescriptor.Length
}

func (p *Peer) FastExtensionEnabled() bool {
	return p.fastExtension
}

func (p *Peer) ExtensionProtocolEnabled() bool {
	return p.extensionProtocol
}

func (p *Peer) WeAreChoking() bool {
	return p.weAreChoking
}

func (p *Peer) WeAreInterested() bool {
	return p.weAreInterested
}

func (p *Peer) TheyAreChoking() bool {
	return p.theyAreChoking
}

func (p *Peer) TheyAreInterested() bool {
	return p.theyAreInterested
}

func (p *Peer) TheyHaveOutstandingRequests() bool {
	return p.outbound.getUnsentPieceCount() > 0
}

func (p *Peer) ProtocolBytesSent() int64 {
	return p.protocolBytesSent.Total()
}

func (p *Peer) ProtocolBytesReceived() int64 {
	return p.protocolBytesReceived.Total()
}

func (p *Peer) BlockBytesSent() int64 {
	return p.blockBytesSent.Total()
}

func (p *Peer) BlockBytesReceived() int64 {
	return p.blockBytesReceived.Total()
}

func (p *Peer) ProtocolBytesSentPerSecond() int64 {
	return p.protocolBytesSent.PeriodTotal(TwoSecondPeriod) / 2
}

func (p *Peer) ProtocolBytesReceivedPerSecond() int64 {
	return p.protocolBytesReceived.PeriodTotal(TwoSecondPeriod) / 2
}

func (p *Peer) BlockBytesSentCounter() *StatisticCounter {
	return p.blockBytesSent
}

func (p *Peer) BlockBytesReceivedCounter() *StatisticCounter {
	return p.blockBytesReceived
}

// SetWeAreChoking changes our choking decision. Queued unsent blocks
// are discarded, and rejected explicitly under the fast extension.
func (p *Peer) SetWeAreChoking(choking bool) bool {
	if choking == p.weAreChoking {
		return false
	}

	p.weAreChoking = choking
	dropped := p.outbound.sendChokeMessage(choking)
	if p.fastExtension {
		p.outbound.sendRejectRequestMessages(dropped)
	}
	return true
}

func (p *Peer) SetWeAreInterested(interested bool) {
	if interested == p.weAreInterested {
		return
	}
	p.weAreInterested = interested
	p.outbound.sendInterestedMessage(interested)
}

// CancelRequests cancels previously allocated requests. Under the fast
// extension the cancelled requests stay tracked so the remote's piece
// or reject can be matched later.
func (p *Peer) CancelRequests(requests []BlockDescriptor) {
	for _, d := range requests {
		p.outbound.sendCancelMessage(d, p.fastExtension)
	}
}

func (p *Peer) RejectPiece(piece uint32) {
	p.outbound.rejectPieceMessages(piece)
}

func (p *Peer) SendHavePiece(piece uint32) {
	p.outbound.sendHaveMessage(piece)
}

// SendKeepaliveOrClose closes a connection that has been idle past the
// limit, and keeps a live one open with a keepalive frame.
func (p *Peer) SendKeepaliveOrClose() {
	if p.now().Sub(p.lastDataReceived) > btprotocol.IdleInterval {
		p.Close()
		return
	}
	p.outbound.sendKeepaliveMessage()
}

func (p *Peer) SendViewSignature(sig ViewSignature) {
	p.outbound.sendElasticSignatureMessage(sig)
}

// SendExtensionHandshake advertises extensions through the extension
// protocol. Local message ids are assigned on first advertisement;
// removed names give up theirs.
func (p *Peer) SendExtensionHandshake(added, removed []string, extra map[string]interface{}) {
	h := btprotocol.ExtensionHandshake{
		Added:   make(map[string]byte, len(added)),
		Removed: removed,
		Extra:   extra,
	}
	for _, name := range added {
		id, ok := p.localExtensionIDs[name]
		if !ok {
			id = p.nextLocalExtensionID
			p.nextLocalExtensionID++
			p.localExtensionIDs[name] = id
			p.localExtensionNames[id] = name
		}
		h.Added[name] = id
	}
	for _, name := range removed {
		if id, ok := p.localExtensionIDs[name]; ok {
			delete(p.localExtensionIDs, name)
			delete(p.localExtensionNames, id)
		}
	}

	payload, err := btprotocol.EncodeExtensionHandshake(h)
	if err != nil {
		p.logger.Levelf(log.Warning, "peer %v: %v", p.conn.RemoteAddrPort(), err)
		return
	}
	p.outbound.sendExtendedMessage(btprotocol.HandshakeExtendedID, payload)
}

// SendExtensionMessage sends data for an extension the remote peer has
// registered. Messages for unregistered extensions are dropped.
func (p *Peer) SendExtensionMessage(identifier string, data []byte) {
	id, ok := p.remoteExtensionIDs[identifier]
	if !ok {
		p.logger.Levelf(log.Debug, "peer %v: dropping message for unregistered extension %q",
			p.conn.RemoteAddrPort(), identifier)
		return
	}
	p.outbound.sendExtendedMessage(id, data)
}

// Close tears down the connection. Idempotent; the coordinator is
// notified exactly once, and only if one was ever bound.
func (p *Peer) Close() {
	if !p.closed.Set() {
		return
	}
	p.conn.Close()
	if p.coordinator != nil {
		p.coordinator.PeerDisconnected(p)
	}
}
