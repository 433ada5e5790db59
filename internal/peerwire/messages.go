package peerwire

import "encoding/binary"

// ID identifies a peer-wire message's wire-format byte.
type ID uint8

// Standard peer-wire message ids (BEP 3) plus the BEP 10 extension envelope.
const (
	IDChoke         ID = 0
	IDUnchoke       ID = 1
	IDInterested    ID = 2
	IDNotInterested ID = 3
	IDHave          ID = 4
	IDBitfield      ID = 5
	IDRequest       ID = 6
	IDPiece         ID = 7
	IDCancel        ID = 8
	IDExtended      ID = 20
)

// Message is the closed set of peer-wire protocol messages. It is
// implemented only by the types in this file; the marker method keeps the
// set closed the way a tagged union would in a language with sum types.
type Message interface {
	peerMessage()
}

// KeepAlive is the zero-length frame sent to hold a connection open.
type KeepAlive struct{}

// Choke tells the peer it will not honour further requests for now.
type Choke struct{}

// Unchoke lifts a prior Choke.
type Unchoke struct{}

// Interested signals that the sender wants to download from the peer.
type Interested struct{}

// NotInterested withdraws a prior Interested.
type NotInterested struct{}

// Have announces that the sender now holds the given piece index.
type Have struct {
	Index uint32
}

// Bitfield announces, as a bitmap, the full set of pieces the sender holds.
// Sent at most once, immediately after the handshake.
type Bitfield struct {
	Bits []byte
}

// Request asks for a block: Length bytes starting at Begin within piece Index.
type Request struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// Piece delivers a block: Block starting at Begin within piece Index.
type Piece struct {
	Index uint32
	Begin uint32
	Block []byte
}

// Cancel withdraws a previously sent Request.
type Cancel struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// Extended carries a BEP 10 extension message. ExtID 0 is always the
// extension handshake; any other value is looked up in the peer's
// advertised "m" table. Payload is the bencoded dictionary plus, for
// ut_metadata data messages, the raw trailing piece bytes.
type Extended struct {
	ExtID   uint8
	Payload []byte
}

func (KeepAlive) peerMessage()     {}
func (Choke) peerMessage()         {}
func (Unchoke) peerMessage()       {}
func (Interested) peerMessage()    {}
func (NotInterested) peerMessage() {}
func (Have) peerMessage()          {}
func (Bitfield) peerMessage()      {}
func (Request) peerMessage()       {}
func (Piece) peerMessage()         {}
func (Cancel) peerMessage()        {}
func (Extended) peerMessage()      {}

// RequestKey identifies an outstanding block request and its reply: the
// (piece index, offset) pair. It is the only part of a message that the
// throttled request queue keys its bookkeeping on.
type RequestKey struct {
	Piece  uint32
	Offset uint32
}

// KeyOf returns the RequestKey for a Request or Piece message, and false for
// every other message (those never count against throttle capacity).
func KeyOf(m Message) (RequestKey, bool) {
	switch v := m.(type) {
	case Request:
		return RequestKey{Piece: v.Index, Offset: v.Begin}, true
	case Piece:
		return RequestKey{Piece: v.Index, Offset: v.Begin}, true
	default:
		return RequestKey{}, false
	}
}

// Encode serialises m to its wire-format frame: a 4-byte big-endian length
// prefix followed by the payload. Lengths are always recomputed from the
// payload; a caller cannot smuggle a mismatched length through.
func Encode(m Message) []byte {
	switch v := m.(type) {
	case KeepAlive:
		return []byte{0, 0, 0, 0}
	case Choke:
		return frame(IDChoke, nil)
	case Unchoke:
		return frame(IDUnchoke, nil)
	case Interested:
		return frame(IDInterested, nil)
	case NotInterested:
		return frame(IDNotInterested, nil)
	case Have:
		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, v.Index)
		return frame(IDHave, payload)
	case Bitfield:
		return frame(IDBitfield, v.Bits)
	case Request:
		payload := make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], v.Index)
		binary.BigEndian.PutUint32(payload[4:8], v.Begin)
		binary.BigEndian.PutUint32(payload[8:12], v.Length)
		return frame(IDRequest, payload)
	case Piece:
		payload := make([]byte, 8+len(v.Block))
		binary.BigEndian.PutUint32(payload[0:4], v.Index)
		binary.BigEndian.PutUint32(payload[4:8], v.Begin)
		copy(payload[8:], v.Block)
		return frame(IDPiece, payload)
	case Cancel:
		payload := make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], v.Index)
		binary.BigEndian.PutUint32(payload[4:8], v.Begin)
		binary.BigEndian.PutUint32(payload[8:12], v.Length)
		return frame(IDCancel, payload)
	case Extended:
		payload := make([]byte, 1+len(v.Payload))
		payload[0] = v.ExtID
		copy(payload[1:], v.Payload)
		return frame(IDExtended, payload)
	default:
		panic("peerwire: unknown message type in Encode")
	}
}

// frame prepends the 1-byte message id and 4-byte big-endian length prefix.
func frame(id ID, payload []byte) []byte {
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(id)
	copy(buf[5:], payload)
	return buf
}
