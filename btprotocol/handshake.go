package btprotocol

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/pkg/errors"
)

// HandshakeMessage is the fixed header of the handshake: the protocol
// string followed by the reserved extension bits.
type HandshakeMessage struct {
	Extensions ExtensionBits
}

// WriteTo writes the header to the provided writer.
func (t HandshakeMessage) WriteTo(dst io.Writer) (n int64, err error) {
	var buf = make([]byte, 28) // protocol (20) + bits (8)

	written := copy(buf[:20], []byte(Protocol))
	written += copy(buf[20:28], t.Extensions[:])
	panicif.NotEq(written, len(buf))

	nw, err := dst.Write(buf)
	return int64(nw), err
}

// ReadFrom reads the handshake header from a reader.
func (t *HandshakeMessage) ReadFrom(src io.Reader) (n int64, err error) {
	var (
		buf  = make([]byte, 28)
		read int
	)

	if read, err = io.ReadFull(src, buf); err != nil {
		return int64(read), err
	}

	if !bytes.HasPrefix(buf, []byte(Protocol)) {
		return int64(read), errors.Errorf("unexpected protocol string %q", string(buf[:20]))
	}

	copy(t.Extensions[:], buf[20:])

	return int64(read), nil
}

// HandshakeInfoMessage follows the HandshakeMessage and carries the info
// hash and the local peer ID.
type HandshakeInfoMessage struct {
	Hash   [20]byte
	PeerID [20]byte
}

// WriteTo writes the info hash and peer ID to the provided writer.
func (t HandshakeInfoMessage) WriteTo(dst io.Writer) (n int64, err error) {
	var buf = make([]byte, 40) // info (20) + peer (20)

	written := copy(buf[:20], t.Hash[:])
	written += copy(buf[20:], t.PeerID[:])
	panicif.NotEq(written, len(buf))

	nw, err := dst.Write(buf)
	return int64(nw), err
}

// ReadFrom reads the info hash and peer ID from a reader.
func (t *HandshakeInfoMessage) ReadFrom(src io.Reader) (n int64, err error) {
	var (
		buf  = make([]byte, 40)
		read int
	)

	if read, err = io.ReadFull(src, buf); err != nil {
		return int64(read), err
	}

	copy(t.Hash[:], buf[:20])
	copy(t.PeerID[:], buf[20:])

	return int64(read), nil
}

// Extension bits for the bittorrent protocol handshake.
const (
	ExtensionBitFast     uint = 2  // http://www.bittorrent.org/beps/bep_0006.html
	ExtensionBitExtended uint = 20 // http://www.bittorrent.org/beps/bep_0010.html
)

// ExtensionBits are the reserved bytes of the handshake, bit 0 being the
// least significant bit of the final byte.
type ExtensionBits [8]byte

func (pex ExtensionBits) String() string {
	return hex.EncodeToString(pex[:])
}

// NewExtensionBits initializes extension bits.
func NewExtensionBits(bits ...uint) (ret ExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b)
	}

	return ret
}

func (pex ExtensionBits) SupportsExtended() bool {
	return pex.GetBit(ExtensionBitExtended)
}

func (pex ExtensionBits) SupportsFast() bool {
	return pex.GetBit(ExtensionBitFast)
}

// SetBit ...
func (pex *ExtensionBits) SetBit(bit uint) {
	pex[7-bit/8] |= 1 << (bit % 8)
}

// GetBit ...
func (pex ExtensionBits) GetBit(bit uint) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}
