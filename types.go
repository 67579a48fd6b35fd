package peerwire

import (
	"encoding/hex"

	"github.com/seedwire/peerwire/btprotocol"
)

// PeerID is the opaque 20-byte identifier a peer presents in its
// handshake.
type PeerID [20]byte

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// InfoHash identifies a torrent.
type InfoHash [20]byte

func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// ContentMode selects how piece data is authenticated on the wire.
type ContentMode int

const (
	// ModeClassic torrents carry a flat SHA-1 hash per piece.
	ModeClassic ContentMode = iota
	// ModeMerkle torrents prove each piece against a merkle root with a
	// per-block hash chain.
	ModeMerkle
	// ModeElastic torrents grow over time; blocks are proven against
	// signed, monotonically growing views.
	ModeElastic
)

func (m ContentMode) String() string {
	switch m {
	case ModeClassic:
		return "classic"
	case ModeMerkle:
		return "merkle"
	case ModeElastic:
		return "elastic"
	}
	return "unknown"
}

// StorageDescriptor describes a torrent's piece geometry. The last piece
// may be short.
type StorageDescriptor struct {
	PieceSize uint32
	Length    uint64
}

// NumPieces is the piece count implied by the descriptor.
func (sd StorageDescriptor) NumPieces() uint32 {
	return uint32((sd.Length + uint64(sd.PieceSize) - 1) / uint64(sd.PieceSize))
}

// PieceLength is the byte length of the given piece.
func (sd StorageDescriptor) PieceLength(piece uint32) uint32 {
	n := sd.NumPieces()
	if piece == n-1 {
		if tail := sd.Length % uint64(sd.PieceSize); tail != 0 {
			return uint32(tail)
		}
	}
	return sd.PieceSize
}

// BlockDescriptor addresses a sub-region of a piece, the unit of wire
// transfer.
type BlockDescriptor struct {
	Piece  uint32
	Offset uint32
	Length uint32
}

// Valid reports whether the descriptor addresses a region that exists
// under sd and does not exceed the maximum request size.
func (d BlockDescriptor) Valid(sd StorageDescriptor) bool {
	return d.Piece < sd.NumPieces() &&
		d.Length > 0 &&
		d.Length <= btprotocol.MaxBlockLength &&
		uint64(d.Offset)+uint64(d.Length) <= uint64(sd.PieceLength(d.Piece))
}

// ViewSignature attests that the prefix of an elastic torrent up to
// ViewLength bytes is valid under RootHash.
type ViewSignature struct {
	ViewLength uint64
	RootHash   [20]byte
	Signature  []byte
}

// HashChain is the sibling-hash list proving a block under the root of
// the view of the given length. The hash bytes stay opaque to the
// engine; the piece database interprets them.
type HashChain struct {
	ViewLength uint64
	Hashes     []byte
}

// Info is the immutable part of a torrent's metadata that the engine
// consumes: its identity, content mode, and the static (pre-growth)
// storage descriptor.
type Info struct {
	Hash       InfoHash
	Mode       ContentMode
	Descriptor StorageDescriptor
}
