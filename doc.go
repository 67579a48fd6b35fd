/*
Package peerwire implements the per-peer protocol engine of a
BitTorrent-compatible peer: the component that owns one duplex byte
stream to a remote peer, parses and emits protocol messages, runs the
two-sided choke/interest state machine, and arbitrates block requests
between a torrent-wide coordinator and the remote peer.

Three content modes are supported: classic (flat SHA-1 piece hashes),
merkle (tree-hashed pieces with per-block hash chains), and elastic
(signed, growing views). The fast extension (BEP 6) and the extension
protocol (BEP 10) are negotiated per connection.

The engine is event-driven. A connection manager delivers readiness
through ConnectionReady; a Coordinator supplies requests and consumes
blocks, and commands the engine through the ManageablePeer surface.
Piece storage, hashing and verification live behind the PieceDatabase
interface.
*/
package peerwire
