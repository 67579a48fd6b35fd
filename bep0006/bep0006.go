// Package bep0006 implements the allowed-fast set generation of the
// BitTorrent Fast extension (BEP 6).
package bep0006

import (
	"crypto/sha1"
	"encoding/binary"
	"net/netip"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"
)

// AllowedFastSet computes the allowed fast set for a peer, in generation
// order.
//
// ip is the remote peer's externally facing address; only IPv4 (or IPv4
// mapped into IPv6) addresses participate, with the low-order byte
// zeroed. infoHash is the torrent's 20-byte info hash. numPieces is the
// torrent's piece count and k the desired set size.
//
// The generation is deterministic: h0 = SHA1(masked ip || info hash),
// h(i) = SHA1(h(i-1)); each digest contributes up to five big-endian
// 32-bit words, each taken modulo numPieces, until k distinct piece
// indices have been accumulated.
func AllowedFastSet(ip netip.Addr, infoHash [20]byte, numPieces, k uint32) ([]uint32, error) {
	if numPieces == 0 {
		return nil, errors.New("numPieces cannot be zero")
	}
	if k > numPieces {
		return nil, errors.New("k cannot be greater than numPieces")
	}
	if !ip.Is4() && !ip.Is4In6() {
		return nil, errors.New("allowed fast sets are generated for IPv4 peers only")
	}
	if k == 0 {
		return nil, nil
	}

	addr := ip.Unmap().As4()
	addr[3] = 0

	hash := sha1.Sum(append(addr[:], infoHash[:]...))

	members := roaring.NewBitmap()
	set := make([]uint32, 0, k)

	for uint32(len(set)) < k {
		for i := 0; i < 5 && uint32(len(set)) < k; i++ {
			piece := binary.BigEndian.Uint32(hash[i*4:]) % numPieces
			if members.CheckedAdd(piece) {
				set = append(set, piece)
			}
		}
		hash = sha1.Sum(hash[:])
	}

	return set, nil
}
