package peerwire

import (
	"net/netip"
)

// PieceDatabase is the engine's window onto a torrent's verified
// content. Hashing, persistence and verification live behind it; the
// engine only reads.
type PieceDatabase interface {
	// Info is the immutable torrent metadata.
	Info() Info

	// StorageDescriptor is the current view of the torrent. For elastic
	// torrents it may be longer than Info().Descriptor.
	StorageDescriptor() StorageDescriptor

	// PresentPieces is the set of pieces available locally.
	PresentPieces() *BitField

	// HavePiece reports whether the given piece is available locally.
	HavePiece(piece uint32) bool

	// ReadBlock returns the data for a validated block descriptor.
	ReadBlock(d BlockDescriptor) ([]byte, error)

	// PieceHashChain returns the hash chain to send alongside a block
	// for merkle and elastic torrents, or nil when none is needed.
	PieceHashChain(d BlockDescriptor) (*HashChain, error)

	// ViewSignature returns the signature covering the view of the given
	// length, for elastic torrents.
	ViewSignature(viewLength uint64) (ViewSignature, bool)
}

// Coordinator is the torrent-wide collaborator a peer engine delegates
// global decisions to: request allocation, availability tracking, block
// handling, extension dispatch, and the choking algorithm. Every method
// is invoked with the coordinator's token held; Lock and Unlock expose
// that token, and the engine acquires it around each connection event.
type Coordinator interface {
	Lock()
	Unlock()

	PieceDatabase() PieceDatabase
	LocalPeerID() PeerID

	// PeerConnected registers a peer once its handshake has revealed its
	// identity. Returning false rejects the peer and closes the
	// connection.
	PeerConnected(p ManageablePeer) bool

	// PeerDisconnected is called exactly once when a registered or bound
	// peer is destroyed, for any reason. The coordinator is not told
	// why.
	PeerDisconnected(p ManageablePeer)

	// GetRequests allocates up to count block requests suited to the
	// peer. When the remote is choking us, only allowed-fast pieces are
	// eligible.
	GetRequests(p ManageablePeer, count int, remoteIsChoking bool) []BlockDescriptor

	// AddAvailablePiece records that the peer now has the given piece,
	// and reports whether it is one we want.
	AddAvailablePiece(p ManageablePeer, piece uint32) bool

	// AddAvailablePieces records the peer's full bitfield and reports
	// whether it contains anything we want.
	AddAvailablePieces(p ManageablePeer) bool

	SetPieceSuggested(p ManageablePeer, piece uint32)
	SetPieceAllowedFast(p ManageablePeer, piece uint32)

	// HandleBlock delivers a received block. signature and chain are nil
	// except for elastic blocks carrying a hash chain (signature is the
	// stored signature matching the chain's view) and merkle blocks
	// (chain only).
	HandleBlock(p ManageablePeer, d BlockDescriptor, signature *ViewSignature, chain *HashChain, block []byte)

	// HandleViewSignature cryptographically verifies a received view
	// signature. Returning false is fatal for the connection.
	HandleViewSignature(sig ViewSignature) bool

	// OfferExtensionsToPeer lets the coordinator advertise additional
	// extension-protocol extensions once the handshake negotiated the
	// extension protocol.
	OfferExtensionsToPeer(p ManageablePeer)

	// EnableDisablePeerExtensions reacts to the remote's extension
	// handshake. extra is the handshake dictionary minus "m", opaque to
	// the engine.
	EnableDisablePeerExtensions(p ManageablePeer, added, removed []string, extra map[string]interface{})

	// ProcessExtensionMessage handles an extension message addressed to
	// a locally registered extension.
	ProcessExtensionMessage(p ManageablePeer, identifier string, data []byte)

	// AdjustChoking asks the coordinator to revisit the global choking
	// decision after a remote interest change.
	AdjustChoking(weAreChoking bool)

	// Parents for the per-peer counters.
	ProtocolBytesSentCounter() *StatisticCounter
	ProtocolBytesReceivedCounter() *StatisticCounter
	BlockBytesSentCounter() *StatisticCounter
	BlockBytesReceivedCounter() *StatisticCounter
}

// CoordinatorProvider resolves the coordinator for an inbound
// connection once its handshake reveals an info hash. Returning nil
// means the torrent is unknown and the connection is dropped.
type CoordinatorProvider interface {
	Coordinator(hash InfoHash) Coordinator
}

// ManageablePeer is the surface a coordinator commands a peer engine
// through, together with the observables its policies consume. All
// methods must be called with the coordinator token held.
type ManageablePeer interface {
	RemotePeerID() PeerID
	RemoteAddrPort() netip.AddrPort
	RemoteBitField() *BitField
	RemoteViewLength() uint64

	FastExtensionEnabled() bool
	ExtensionProtocolEnabled() bool

	WeAreChoking() bool
	WeAreInterested() bool
	TheyAreChoking() bool
	TheyAreInterested() bool

	// TheyHaveOutstandingRequests reports whether block data addressed
	// to the remote peer is still queued unsent.
	TheyHaveOutstandingRequests() bool

	ProtocolBytesSent() int64
	ProtocolBytesReceived() int64
	BlockBytesSent() int64
	BlockBytesReceived() int64
	ProtocolBytesSentPerSecond() int64
	ProtocolBytesReceivedPerSecond() int64
	BlockBytesSentCounter() *StatisticCounter
	BlockBytesReceivedCounter() *StatisticCounter

	// SetWeAreChoking changes our choking decision, reporting whether a
	// transition occurred.
	SetWeAreChoking(choking bool) bool

	// SetWeAreInterested changes our declared interest.
	SetWeAreInterested(interested bool)

	// CancelRequests cancels outstanding block requests previously
	// allocated to this peer.
	CancelRequests(requests []BlockDescriptor)

	// RejectPiece withdraws any queued unsent blocks of the given piece,
	// rejecting them explicitly when the fast extension is active.
	RejectPiece(piece uint32)

	// SendHavePiece announces a newly verified piece.
	SendHavePiece(piece uint32)

	// SendKeepaliveOrClose emits a keepalive, or closes the connection
	// if it has been idle too long. Driven by an external periodic
	// tick.
	SendKeepaliveOrClose()

	// SendViewSignature announces elastic view growth.
	SendViewSignature(sig ViewSignature)

	// SendExtensionHandshake (re)advertises extension-protocol
	// extensions.
	SendExtensionHandshake(added, removed []string, extra map[string]interface{})

	// SendExtensionMessage sends a message for an extension the remote
	// has registered.
	SendExtensionMessage(identifier string, data []byte)

	// Close tears the connection down. Idempotent.
	Close()
}
