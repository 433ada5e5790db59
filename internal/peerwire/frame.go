package peerwire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const lengthPrefixSize = 4

// decodeFrame turns a message id and its payload into a Message, validating
// that the payload's shape matches what the id requires.
func decodeFrame(id byte, payload []byte) (Message, error) {
	switch ID(id) {
	case IDChoke:
		return Choke{}, nil
	case IDUnchoke:
		return Unchoke{}, nil
	case IDInterested:
		return Interested{}, nil
	case IDNotInterested:
		return NotInterested{}, nil
	case IDHave:
		if len(payload) != 4 {
			return nil, errors.Wrapf(ErrMalformedFrame, "have payload length %d, want 4", len(payload))
		}
		return Have{Index: binary.BigEndian.Uint32(payload)}, nil
	case IDBitfield:
		bits := make([]byte, len(payload))
		copy(bits, payload)
		return Bitfield{Bits: bits}, nil
	case IDRequest:
		if len(payload) != 12 {
			return nil, errors.Wrapf(ErrMalformedFrame, "request payload length %d, want 12", len(payload))
		}
		return Request{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case IDPiece:
		if len(payload) < 8 {
			return nil, errors.Wrapf(ErrMalformedFrame, "piece payload length %d, want >= 8", len(payload))
		}
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		return Piece{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Block: block,
		}, nil
	case IDCancel:
		if len(payload) != 12 {
			return nil, errors.Wrapf(ErrMalformedFrame, "cancel payload length %d, want 12", len(payload))
		}
		return Cancel{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case IDExtended:
		if len(payload) < 1 {
			return nil, errors.Wrapf(ErrMalformedFrame, "extended payload length %d, want >= 1", len(payload))
		}
		ext := make([]byte, len(payload)-1)
		copy(ext, payload[1:])
		return Extended{ExtID: payload[0], Payload: ext}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "message id %d", id)
	}
}

// Buffer is a non-blocking, incremental frame decoder: bytes are pushed in
// with Feed and complete frames are pulled out with Next. It never drops
// bytes and only consumes a length prefix once the full frame it announces
// is present, so feeding the same stream in arbitrarily small pieces yields
// the same sequence of messages as feeding it all at once.
type Buffer struct {
	buf bytes.Buffer
}

// Feed appends newly received bytes to the internal buffer.
func (b *Buffer) Feed(data []byte) {
	b.buf.Write(data)
}

// Next attempts to decode one complete frame from the buffered bytes. ok is
// false when the buffer does not yet hold a full frame; the bytes consumed
// so far are never discarded.
func (b *Buffer) Next() (msg Message, ok bool, err error) {
	avail := b.buf.Bytes()
	if len(avail) < lengthPrefixSize {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(avail[:lengthPrefixSize])
	if length == 0 {
		b.buf.Next(lengthPrefixSize)
		return KeepAlive{}, true, nil
	}
	if uint32(len(avail)) < lengthPrefixSize+length {
		return nil, false, nil
	}
	payload := avail[lengthPrefixSize : lengthPrefixSize+length]
	id := payload[0]
	m, err := decodeFrame(id, payload[1:])
	b.buf.Next(int(lengthPrefixSize + length))
	if err != nil {
		return nil, true, err
	}
	return m, true, nil
}

// DecodeAll drains every complete frame currently buffered.
func (b *Buffer) DecodeAll() ([]Message, error) {
	var out []Message
	for {
		m, ok, err := b.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, m)
	}
}

// Reader decodes peer-wire frames directly off a blocking io.Reader, such as
// a net.Conn's read half. It is the type sessions and brokers use in
// production; Buffer above exists so the same framing logic is exercisable
// without a live connection.
type Reader struct {
	r   io.Reader
	buf Buffer
	tmp []byte
}

// NewReader wraps r for frame-at-a-time decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, tmp: make([]byte, 4096)}
}

// Next blocks until one full frame has been read and decoded, or the
// underlying reader fails. A short read (EOF mid-frame) is reported as
// ErrPeerClosedPrematurely.
func (d *Reader) Next() (Message, error) {
	for {
		if m, ok, err := d.buf.Next(); ok {
			return m, err
		}
		n, err := d.r.Read(d.tmp)
		if n > 0 {
			d.buf.Feed(d.tmp[:n])
		}
		if err != nil {
			if m, ok, decErr := d.buf.Next(); ok {
				return m, decErr
			}
			if err == io.EOF {
				return nil, ErrPeerClosedPrematurely
			}
			return nil, errors.Wrap(err, "peerwire: read")
		}
	}
}
