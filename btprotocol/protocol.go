package btprotocol

import "time"

const (
	Protocol = "\x13BitTorrent protocol"
)

type MessageType byte

func (mt MessageType) FastExtension() bool {
	return mt >= Suggest && mt <= AllowedFast
}

// ContentModeExtension reports whether the message type belongs to the
// Merkle or Elastic content-mode wire surface.
func (mt MessageType) ContentModeExtension() bool {
	return mt >= MerklePiece && mt <= ElasticBitfield
}

const (
	// BEP 3
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8

	// BEP 6 - Fast extension
	Suggest     MessageType = 0x0d // 13
	HaveAll     MessageType = 0x0e // 14
	HaveNone    MessageType = 0x0f // 15
	Reject      MessageType = 0x10 // 16
	AllowedFast MessageType = 0x11 // 17

	// BEP 10
	Extended MessageType = 0x14 // 20

	// BEP 30 and the Elastic variant
	MerklePiece      MessageType = 0x15 // 21
	ElasticSignature MessageType = 0x16 // 22
	ElasticPiece     MessageType = 0x17 // 23
	ElasticBitfield  MessageType = 0x18 // 24
)

const (
	HandshakeExtendedID = 0
)

// Extension identifiers advertised through the extension-protocol
// handshake when the torrent uses a non-classic content mode.
const (
	ExtensionNameMerkle  = "bt_merkle"
	ExtensionNameElastic = "bt_elastic"
)

const (
	// MaxBlockLength is the largest block a request or piece message may
	// carry.
	MaxBlockLength = 16384

	// MaxMessageLength bounds the frame length prefix. Large enough for a
	// block plus the per-mode hash chain overhead, and for any plausible
	// bitfield.
	MaxMessageLength = 128 * 1024

	// AllowedFastThreshold is both the size of a generated allowed-fast
	// set and the remote piece count at which the set is revoked.
	AllowedFastThreshold = 10

	// IdleInterval is how long a connection may remain without inbound
	// data before the periodic keepalive tick closes it.
	IdleInterval = 120 * time.Second
)
