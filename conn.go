package peerwire

import (
	"io"
	"net/netip"
)

// Conn is the duplex byte stream to a remote peer, owned exclusively by
// one engine. It is supplied and driven by an external connection
// manager: the engine only reads and writes inside ConnectionReady, so
// Read and Write must never block. Either may return (0, nil) to
// indicate that no more bytes can be moved right now; the engine stops
// and waits for the next readiness event.
type Conn interface {
	io.ReadWriteCloser

	// RemoteAddrPort is the remote endpoint, used for allowed-fast set
	// generation among other things.
	RemoteAddrPort() netip.AddrPort
}
