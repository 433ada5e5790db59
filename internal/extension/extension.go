// Package extension implements the BEP 10 extension protocol, restricted to
// the single extension this engine understands: ut_metadata (BEP 9), used
// to fetch a magnet link's info dictionary out-of-band from any peer that
// already has it.
package extension

import (
	"bytes"
	"crypto/sha1"
	"io"

	"github.com/pkg/errors"

	"github.com/go-torrent/client/internal/bencode"
	"github.com/go-torrent/client/internal/peerwire"
)

// UtMetadataName is the extension's registered name in the "m" dictionary.
const UtMetadataName = "ut_metadata"

// OurUtMetadataID is the id this client advertises for ut_metadata in its
// own extension handshake.
const OurUtMetadataID uint8 = 1

// MetadataPieceSize is the maximum size of one metadata piece (16 KiB,
// mirroring the peer-wire block size).
const MetadataPieceSize = 16 * 1024

// Sentinel errors for the extension layer.
var (
	ErrExtensionUnsupported = errors.New("extension: peer does not support ut_metadata")
	ErrMetadataRejected     = errors.New("extension: metadata piece rejected")
	ErrMetadataHashMismatch = errors.New("extension: assembled metadata hash mismatch")
)

type msgType int64

const (
	msgTypeRequest msgType = 0
	msgTypeData    msgType = 1
	msgTypeReject  msgType = 2
)

// handshakeDict is the bencoded payload of an extension handshake. Only the
// fields this engine needs are modeled; unknown keys are ignored.
type handshakeDict struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize int64            `bencode:"metadata_size,omitempty"`
}

// BuildHandshake returns the extended-message-0 handshake advertising our
// ut_metadata id.
func BuildHandshake() peerwire.Extended {
	var buf bytes.Buffer
	_ = bencode.Marshal(&buf, handshakeDict{M: map[string]int64{UtMetadataName: int64(OurUtMetadataID)}})
	return peerwire.Extended{ExtID: 0, Payload: buf.Bytes()}
}

// ParseHandshake decodes a peer's extension handshake, returning its "m"
// table (extension name -> the peer's id for it) and the metadata's total
// size in bytes if advertised (0 if absent, e.g. the peer doesn't have the
// metadata itself yet).
func ParseHandshake(payload []byte) (table map[string]uint8, metadataSize int, err error) {
	var h handshakeDict
	if err := bencode.Unmarshal(bytes.NewReader(payload), &h); err != nil {
		return nil, 0, errors.Wrap(err, "extension: decode handshake")
	}
	if h.M == nil {
		return nil, 0, errors.New("extension: handshake missing \"m\" dictionary")
	}
	table = make(map[string]uint8, len(h.M))
	for k, v := range h.M {
		table[k] = uint8(v)
	}
	return table, int(h.MetadataSize), nil
}

// metadataEnvelope is the bencoded prefix of a ut_metadata message. For a
// data message, raw piece bytes follow immediately after this dictionary in
// the same frame with no separator; ParseMetadataMessage recovers them by
// tracking how many bytes Unmarshal actually consumed.
type metadataEnvelope struct {
	MsgType   int64 `bencode:"msg_type"`
	Piece     int64 `bencode:"piece"`
	TotalSize int64 `bencode:"total_size,omitempty"`
}

// BuildMetadataRequest builds the extended message requesting metadata
// piece `piece` from the peer's extID for ut_metadata.
func BuildMetadataRequest(extID uint8, piece int) peerwire.Extended {
	var buf bytes.Buffer
	_ = bencode.Marshal(&buf, metadataEnvelope{MsgType: int64(msgTypeRequest), Piece: int64(piece)})
	return peerwire.Extended{ExtID: extID, Payload: buf.Bytes()}
}

// MetadataMessage is the parsed result of an inbound ut_metadata message.
type MetadataMessage struct {
	Piece    int
	Data     []byte // nil for a reject
	Rejected bool
}

// ParseMetadataMessage decodes a ut_metadata payload (the bytes after the
// extension id byte). The dictionary is decoded with bencode.Unmarshal
// from a bytes.Reader, and for a data message whatever that reader has not
// yet yielded is returned as the raw piece bytes (which are not themselves
// bencoded).
func ParseMetadataMessage(payload []byte) (MetadataMessage, error) {
	r := bytes.NewReader(payload)
	var env metadataEnvelope
	if err := bencode.Unmarshal(r, &env); err != nil {
		return MetadataMessage{}, errors.Wrap(err, "extension: decode metadata message")
	}
	switch msgType(env.MsgType) {
	case msgTypeReject:
		return MetadataMessage{Piece: int(env.Piece), Rejected: true}, nil
	case msgTypeRequest:
		return MetadataMessage{Piece: int(env.Piece)}, nil
	case msgTypeData:
		rest, err := io.ReadAll(r)
		if err != nil {
			return MetadataMessage{}, errors.Wrap(err, "extension: read metadata payload")
		}
		return MetadataMessage{Piece: int(env.Piece), Data: rest}, nil
	default:
		return MetadataMessage{}, errors.Errorf("extension: unknown msg_type %d", env.MsgType)
	}
}

// Assembler accumulates metadata pieces in any order and verifies the final
// bencoded info dictionary against the expected info-hash.
type Assembler struct {
	total  int
	pieces [][]byte
}

// NewAssembler creates an assembler for a metadata blob of the given total
// size.
func NewAssembler(totalSize int) *Assembler {
	numPieces := (totalSize + MetadataPieceSize - 1) / MetadataPieceSize
	return &Assembler{total: totalSize, pieces: make([][]byte, numPieces)}
}

// NumPieces returns how many ut_metadata pieces make up the metadata.
func (a *Assembler) NumPieces() int {
	return len(a.pieces)
}

// Deliver stores piece data at the given index. It returns true once every
// piece has been received.
func (a *Assembler) Deliver(piece int, data []byte) (bool, error) {
	if piece < 0 || piece >= len(a.pieces) {
		return false, errors.Errorf("extension: metadata piece index %d out of range [0,%d)", piece, len(a.pieces))
	}
	a.pieces[piece] = data
	for _, p := range a.pieces {
		if p == nil {
			return false, nil
		}
	}
	return true, nil
}

// Finish concatenates the collected pieces and verifies their SHA-1 against
// expectedHash (the magnet link's info-hash).
func (a *Assembler) Finish(expectedHash [20]byte) ([]byte, error) {
	buf := make([]byte, 0, a.total)
	for _, p := range a.pieces {
		buf = append(buf, p...)
	}
	if len(buf) != a.total {
		return nil, errors.Errorf("extension: assembled metadata has length %d, want %d", len(buf), a.total)
	}
	if sha1.Sum(buf) != expectedHash {
		return nil, ErrMetadataHashMismatch
	}
	return buf, nil
}
