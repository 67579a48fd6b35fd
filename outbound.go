package peerwire

import (
	"bytes"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/gammazero/deque"

	"github.com/seedwire/peerwire/btprotocol"
)

// Priority classes, in drain order. Within a class messages leave in
// FIFO order.
type messageClass int

const (
	classHandshake messageClass = iota
	classChoke
	classInterest
	classHave
	classAvailability // bitfield, have-all, have-none, elastic-bitfield
	classAllowedFast
	classReject
	classCancel
	classRequest
	classPiece
	classExtension // extended messages and elastic signatures
	classKeepalive
	numMessageClasses
)

type entryKind int

const (
	entryMessage entryKind = iota
	entryRaw
	entryRequest
	entryPiece
)

type outboundEntry struct {
	msg  btprotocol.Message
	raw  []byte
	desc BlockDescriptor
	kind entryKind
}

// defaultPipelineDepth is the target number of block requests kept in
// flight to a remote peer.
const defaultPipelineDepth = 10

// outboundQueue buffers messages bound for the remote peer, encoding
// them lazily as the connection accepts bytes. Beyond ordering, it
// arbitrates: queued-unsent messages may be cancelled by their opposite
// rather than both reaching the wire, and it keeps the bookkeeping for
// block requests awaiting an answer.
type outboundQueue struct {
	conn Conn
	db   PieceDatabase
	mode ContentMode

	fastExtension bool

	blockBytesSent *StatisticCounter

	classes [numMessageClasses]deque.Deque[*outboundEntry]

	// remainder of a partially written frame.
	sendBuf []byte

	requestsPlugged bool

	// requests serialised to the wire, in send order, awaiting a piece
	// or (fast extension) a reject.
	outstanding []BlockDescriptor

	// pieces we granted the remote peer while choked.
	grantedFast *roaring.Bitmap
	// pieces the remote peer granted us while choked.
	receivedFast *roaring.Bitmap

	pipelineDepth int
}

func newOutboundQueue(conn Conn, db PieceDatabase, blockBytesSent *StatisticCounter) *outboundQueue {
	return &outboundQueue{
		conn:           conn,
		db:             db,
		mode:           db.Info().Mode,
		blockBytesSent: blockBytesSent,
		grantedFast:    roaring.NewBitmap(),
		receivedFast:   roaring.NewBitmap(),
		pipelineDepth:  defaultPipelineDepth,
		// the remote peer starts out choking us.
		requestsPlugged: true,
	}
}

func (q *outboundQueue) setFastExtension(enabled bool) {
	q.fastExtension = enabled
}

func (q *outboundQueue) push(class messageClass, e *outboundEntry) {
	q.classes[class].PushBack(e)
}

func (q *outboundQueue) pushMessage(class messageClass, msg btprotocol.Message) {
	q.push(class, &outboundEntry{kind: entryMessage, msg: msg})
}

// removeFirst removes the first entry of class matching the predicate.
func (q *outboundQueue) removeFirst(class messageClass, match func(*outboundEntry) bool) *outboundEntry {
	d := &q.classes[class]
	for i := 0; i < d.Len(); i++ {
		if e := d.At(i); match(e) {
			d.Remove(i)
			return e
		}
	}
	return nil
}

func (q *outboundQueue) sendHandshake(bits btprotocol.ExtensionBits, hash InfoHash, localID PeerID) {
	var buf bytes.Buffer
	btprotocol.HandshakeMessage{Extensions: bits}.WriteTo(&buf)
	btprotocol.HandshakeInfoMessage{Hash: hash, PeerID: localID}.WriteTo(&buf)
	q.push(classHandshake, &outboundEntry{kind: entryRaw, raw: buf.Bytes()})
}

// sendChokeMessage enqueues a choke or unchoke and drops every queued
// unsent piece. The dropped block descriptors are returned so the
// caller can reject them explicitly under the fast extension.
func (q *outboundQueue) sendChokeMessage(choking bool) (dropped []BlockDescriptor) {
	mt := btprotocol.Unchoke
	if choking {
		mt = btprotocol.Choke
	}
	q.pushMessage(classChoke, btprotocol.Message{Type: mt})

	d := &q.classes[classPiece]
	for d.Len() > 0 {
		dropped = append(dropped, d.PopFront().desc)
	}
	return dropped
}

// sendInterestedMessage enqueues interested or not-interested, unless
// the opposite is still queued unsent, in which case removing it leaves
// the wire state unchanged and nothing is sent.
func (q *outboundQueue) sendInterestedMessage(interested bool) {
	opposite := btprotocol.Interested
	mt := btprotocol.Interested
	if interested {
		opposite = btprotocol.NotInterested
	} else {
		mt = btprotocol.NotInterested
	}
	if q.removeFirst(classInterest, func(e *outboundEntry) bool { return e.msg.Type == opposite }) != nil {
		return
	}
	q.pushMessage(classInterest, btprotocol.Message{Type: mt})
}

func (q *outboundQueue) sendHaveMessage(piece uint32) {
	q.pushMessage(classHave, btprotocol.Message{Type: btprotocol.Have, Index: btprotocol.Integer(piece)})
}

func (q *outboundQueue) sendBitfieldMessage(bf *BitField) {
	q.pushMessage(classAvailability, btprotocol.Message{Type: btprotocol.Bitfield, Bitfield: bf.Bytes()})
}

func (q *outboundQueue) sendElasticBitfieldMessage(bf *BitField) {
	q.pushMessage(classAvailability, btprotocol.Message{Type: btprotocol.ElasticBitfield, Bitfield: bf.Bytes()})
}

func (q *outboundQueue) sendHaveAllMessage() {
	q.pushMessage(classAvailability, btprotocol.Message{Type: btprotocol.HaveAll})
}

func (q *outboundQueue) sendHaveNoneMessage() {
	q.pushMessage(classAvailability, btprotocol.Message{Type: btprotocol.HaveNone})
}

func (q *outboundQueue) sendAllowedFastMessages(set []uint32) {
	for _, piece := range set {
		q.grantedFast.Add(piece)
		q.pushMessage(classAllowedFast, btprotocol.Message{Type: btprotocol.AllowedFast, Index: btprotocol.Integer(piece)})
	}
}

func (q *outboundQueue) clearAllowedFastPieces() {
	q.grantedFast.Clear()
}

func (q *outboundQueue) isPieceAllowedFast(piece uint32) bool {
	return q.grantedFast.Contains(piece)
}

func (q *outboundQueue) setRequestAllowedFast(piece uint32) {
	q.receivedFast.Add(piece)
}

func (q *outboundQueue) isRequestAllowedFast(piece uint32) bool {
	return q.receivedFast.Contains(piece)
}

func (q *outboundQueue) sendRequestMessages(requests []BlockDescriptor) {
	for _, d := range requests {
		q.push(classRequest, &outboundEntry{kind: entryRequest, desc: d})
	}
}

// sendCancelMessage cancels a block request. A request still queued
// unsent is simply removed: neither it nor a cancel ever reaches the
// wire. A request already sent gets an explicit cancel; keepTracking
// keeps it in the outstanding set awaiting the remote's piece or reject
// (fast extension), otherwise it is forgotten immediately.
func (q *outboundQueue) sendCancelMessage(d BlockDescriptor, keepTracking bool) {
	if q.removeFirst(classRequest, func(e *outboundEntry) bool { return e.desc == d }) != nil {
		return
	}
	q.pushMessage(classCancel, btprotocol.MakeCancel(
		btprotocol.Integer(d.Piece), btprotocol.Integer(d.Offset), btprotocol.Integer(d.Length)))
	if !keepTracking {
		q.removeOutstanding(d)
	}
}

func (q *outboundQueue) sendPieceMessage(d BlockDescriptor) {
	q.push(classPiece, &outboundEntry{kind: entryPiece, desc: d})
}

// discardPieceMessage removes a queued unsent piece, reporting whether
// anything was removed.
func (q *outboundQueue) discardPieceMessage(d BlockDescriptor) bool {
	return q.removeFirst(classPiece, func(e *outboundEntry) bool { return e.desc == d }) != nil
}

// rejectPieceMessages withdraws every queued unsent block of a piece,
// rejecting each explicitly under the fast extension.
func (q *outboundQueue) rejectPieceMessages(piece uint32) {
	var dropped []BlockDescriptor
	d := &q.classes[classPiece]
	for i := 0; i < d.Len(); {
		if e := d.At(i); e.desc.Piece == piece {
			dropped = append(dropped, e.desc)
			d.Remove(i)
			continue
		}
		i++
	}
	if q.fastExtension {
		q.sendRejectRequestMessages(dropped)
	}
}

func (q *outboundQueue) sendRejectRequestMessage(d BlockDescriptor) {
	q.pushMessage(classReject, btprotocol.MakeReject(
		btprotocol.Integer(d.Piece), btprotocol.Integer(d.Offset), btprotocol.Integer(d.Length)))
}

func (q *outboundQueue) sendRejectRequestMessages(descriptors []BlockDescriptor) {
	for _, d := range descriptors {
		q.sendRejectRequestMessage(d)
	}
}

// setRequestsPlugged stops request messages from reaching the wire
// while leaving them queued.
func (q *outboundQueue) setRequestsPlugged(plugged bool) {
	q.requestsPlugged = plugged
}

// requeueAllRequestMessages returns every outstanding request to the
// front of the queue, preserving order. Used when the remote chokes us
// without the fast extension, which implicitly discards requests in
// flight.
func (q *outboundQueue) requeueAllRequestMessages() {
	for i := len(q.outstanding) - 1; i >= 0; i-- {
		q.classes[classRequest].PushFront(&outboundEntry{kind: entryRequest, desc: q.outstanding[i]})
	}
	q.outstanding = nil
}

// requestReceived marks an outstanding request answered by a piece,
// reporting whether such a request existed.
func (q *outboundQueue) requestReceived(d BlockDescriptor) bool {
	return q.removeOutstanding(d)
}

// rejectReceived marks an outstanding request answered by a reject,
// reporting whether such a request existed.
func (q *outboundQueue) rejectReceived(d BlockDescriptor) bool {
	return q.removeOutstanding(d)
}

func (q *outboundQueue) removeOutstanding(d BlockDescriptor) bool {
	for i, o := range q.outstanding {
		if o == d {
			q.outstanding = append(q.outstanding[:i], q.outstanding[i+1:]...)
			return true
		}
	}
	return false
}

// getRequestsNeeded is how many new requests the queue can accept to
// keep the pipeline at its target depth.
func (q *outboundQueue) getRequestsNeeded() int {
	n := q.pipelineDepth - len(q.outstanding) - q.classes[classRequest].Len()
	if n < 0 {
		return 0
	}
	return n
}

func (q *outboundQueue) hasOutstandingRequests() bool {
	return len(q.outstanding) > 0 || q.classes[classRequest].Len() > 0
}

func (q *outboundQueue) getUnsentPieceCount() int {
	return q.classes[classPiece].Len()
}

func (q *outboundQueue) sendExtendedMessage(subID byte, payload []byte) {
	q.pushMessage(classExtension, btprotocol.Message{
		Type:            btprotocol.Extended,
		ExtendedID:      subID,
		ExtendedPayload: payload,
	})
}

func (q *outboundQueue) sendElasticSignatureMessage(sig ViewSignature) {
	q.pushMessage(classExtension, btprotocol.Message{
		Type:       btprotocol.ElasticSignature,
		ViewLength: sig.ViewLength,
		RootHash:   sig.RootHash,
		Signature:  sig.Signature,
	})
}

func (q *outboundQueue) sendKeepaliveMessage() {
	q.pushMessage(classKeepalive, btprotocol.MakeKeepalive())
}

// nextEntry pops the next entry to serialise, honouring class priority
// and the request plug. While plugged, only requests for pieces the
// remote peer granted us allowed-fast may leave; everything else stays
// queued.
func (q *outboundQueue) nextEntry() *outboundEntry {
	for class := messageClass(0); class < numMessageClasses; class++ {
		if class == classRequest && q.requestsPlugged {
			if e := q.removeFirst(classRequest, func(e *outboundEntry) bool {
				return q.receivedFast.Contains(e.desc.Piece)
			}); e != nil {
				return e
			}
			continue
		}
		if q.classes[class].Len() > 0 {
			return q.classes[class].PopFront()
		}
	}
	return nil
}

func (q *outboundQueue) encodeEntry(e *outboundEntry) ([]byte, error) {
	switch e.kind {
	case entryRaw:
		return e.raw, nil
	case entryMessage:
		return e.msg.MarshalBinary()
	case entryRequest:
		// The request counts as on the wire from here on.
		q.outstanding = append(q.outstanding, e.desc)
		return btprotocol.MakeRequest(
			btprotocol.Integer(e.desc.Piece), btprotocol.Integer(e.desc.Offset), btprotocol.Integer(e.desc.Length)).MarshalBinary()
	case entryPiece:
		return q.encodePiece(e.desc)
	}
	panic("unreachable")
}

func (q *outboundQueue) encodePiece(d BlockDescriptor) ([]byte, error) {
	block, err := q.db.ReadBlock(d)
	if err != nil {
		return nil, err
	}

	msg := btprotocol.Message{
		Index: btprotocol.Integer(d.Piece),
		Begin: btprotocol.Integer(d.Offset),
		Piece: block,
	}

	switch q.mode {
	case ModeClassic:
		msg.Type = btprotocol.Piece
	case ModeMerkle:
		chain, err := q.db.PieceHashChain(d)
		if err != nil {
			return nil, err
		}
		msg.Type = btprotocol.MerklePiece
		if chain != nil {
			msg.HashChain = chain.Hashes
		}
	case ModeElastic:
		chain, err := q.db.PieceHashChain(d)
		if err != nil {
			return nil, err
		}
		msg.Type = btprotocol.ElasticPiece
		msg.ViewLength = q.db.StorageDescriptor().Length
		if chain != nil {
			msg.ChainPresent = true
			msg.HashChain = chain.Hashes
			msg.ViewLength = chain.ViewLength
		}
	}

	q.blockBytesSent.Add(int64(len(block)))
	return msg.MarshalBinary()
}

// sendData drains as many serialised bytes as the connection will
// accept, returning the number written.
func (q *outboundQueue) sendData() (n int, err error) {
	for {
		if len(q.sendBuf) > 0 {
			nw, werr := q.conn.Write(q.sendBuf)
			n += nw
			q.sendBuf = q.sendBuf[nw:]
			if werr != nil {
				return n, werr
			}
			if len(q.sendBuf) > 0 {
				// The connection is full; wait for the next write
				// readiness event.
				return n, nil
			}
		}

		e := q.nextEntry()
		if e == nil {
			return n, nil
		}
		if q.sendBuf, err = q.encodeEntry(e); err != nil {
			return n, err
		}
	}
}
