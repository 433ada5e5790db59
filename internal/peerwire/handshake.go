package peerwire

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// Protocol is the protocol string exchanged in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed length of a handshake message: 1 (pstrlen) +
// 19 (pstr) + 8 (reserved) + 20 (info hash) + 20 (peer id).
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Extension reserved-byte flags (BEP 10: byte 5, bit 0x10).
const (
	ReservedExtended byte = 0x10 // reserved[5] bit 4
)

// Handshake is the parsed fixed 68-byte opening exchange.
type Handshake struct {
	InfoHash       [20]byte
	PeerID         [20]byte
	SupportsExtend bool
}

// Encode serialises h to its 68-byte wire form.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	if h.SupportsExtend {
		buf[1+len(Protocol)+5] = ReservedExtended
	}
	copy(buf[1+len(Protocol)+8:], h.InfoHash[:])
	copy(buf[1+len(Protocol)+8+20:], h.PeerID[:])
	return buf
}

// WriteHandshake writes h's wire form to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Encode())
	return errors.Wrap(err, "peerwire: write handshake")
}

// ReadHandshake reads exactly HandshakeSize bytes from r and parses them. A
// short read is fatal: there is no partial-handshake recovery.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, errors.Wrap(ErrPeerClosedPrematurely, err.Error())
	}
	pstrlen := int(buf[0])
	if pstrlen != len(Protocol) || string(buf[1:1+pstrlen]) != Protocol {
		return Handshake{}, errors.Errorf("peerwire: unexpected protocol string %q", buf[1:1+min(pstrlen, len(buf)-1)])
	}
	reserved := buf[1+pstrlen : 1+pstrlen+8]
	h := Handshake{SupportsExtend: reserved[5]&ReservedExtended != 0}
	copy(h.InfoHash[:], buf[1+pstrlen+8:1+pstrlen+28])
	copy(h.PeerID[:], buf[1+pstrlen+28:1+pstrlen+48])
	return h, nil
}

// Perform writes our handshake, reads the peer's, and validates that the
// echoed info hash matches. It returns the peer's handshake on success.
func Perform(rw io.ReadWriter, infoHash, peerID [20]byte) (Handshake, error) {
	ours := Handshake{InfoHash: infoHash, PeerID: peerID, SupportsExtend: true}
	if err := WriteHandshake(rw, ours); err != nil {
		return Handshake{}, err
	}
	theirs, err := ReadHandshake(rw)
	if err != nil {
		return Handshake{}, err
	}
	if !bytes.Equal(theirs.InfoHash[:], infoHash[:]) {
		return Handshake{}, errors.Wrapf(ErrMismatchedInfoHash, "got %x want %x", theirs.InfoHash, infoHash)
	}
	return theirs, nil
}
