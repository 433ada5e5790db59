// Package session manages a single peer-wire connection: the handshake,
// the extension handshake, choke/unchoke/have/bitfield bookkeeping, and a
// keepalive-filtering read loop that hands only the messages a caller cares
// about (Piece, Extended, Request, Cancel) back up the stack.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-torrent/client/internal/btid"
	"github.com/go-torrent/client/internal/extension"
	"github.com/go-torrent/client/internal/peerwire"
)

// RequestTimeout is a per-request deadline value, mirroring the teacher's
// per-piece deadline in peer.go's downloadPiece. Session itself does not
// apply it.
const RequestTimeout = 20 * time.Second

// Session wraps one live connection to a remote peer, past the initial
// handshake, tracking everything about that peer an engine needs to decide
// what to request from it next.
type Session struct {
	conn   net.Conn
	reader *peerwire.Reader
	PeerID [20]byte

	writeMu sync.Mutex

	mu         sync.Mutex
	choked     bool
	bits       btid.Bitfield
	extensions map[string]uint8
	metaSize   int
	readyOnce  sync.Once
	readyCh    chan struct{}
	log        *logrus.Entry
}

// Open performs the peer-wire handshake (and, if the peer advertises it, the
// BEP 10 extension handshake) over conn and returns a Session ready to send
// Interested and start reading.
func Open(conn net.Conn, infoHash, peerID [20]byte, log *logrus.Entry) (*Session, error) {
	theirs, err := peerwire.Perform(conn, infoHash, peerID)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Session{
		conn:    conn,
		reader:  peerwire.NewReader(conn),
		PeerID:  theirs.PeerID,
		choked:  true,
		readyCh: make(chan struct{}),
		log:     log.WithField("peer", conn.RemoteAddr()),
	}

	if theirs.SupportsExtend {
		if err := s.send(extension.BuildHandshake()); err != nil {
			return nil, errors.Wrap(err, "session: send extension handshake")
		}
		m, err := s.reader.Next()
		if err != nil {
			return nil, errors.Wrap(err, "session: read extension handshake")
		}
		ext, ok := m.(peerwire.Extended)
		if !ok || ext.ExtID != 0 {
			s.log.Debug("peer advertised extensions but did not reply with a handshake first")
		} else {
			table, size, err := extension.ParseHandshake(ext.Payload)
			if err != nil {
				s.log.WithError(err).Debug("malformed extension handshake")
			} else {
				s.extensions = table
				s.metaSize = size
			}
		}
	}

	m, err := s.reader.Next()
	if err != nil {
		return nil, errors.Wrap(err, "session: read initial bitfield")
	}
	if bf, ok := m.(peerwire.Bitfield); ok {
		s.bits = btid.Bitfield(append([]byte(nil), bf.Bits...))
	} else {
		// not every peer leads with a bitfield; treat it as an ordinary
		// message and let the caller's read loop process it.
		s.dispatch(m)
	}
	return s, nil
}

func (s *Session) send(m peerwire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(peerwire.Encode(m))
	return errors.Wrap(err, "session: write")
}

// Send writes a message to the peer.
func (s *Session) Send(m peerwire.Message) error {
	return s.send(m)
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// HasPiece reports whether the peer has announced piece index.
func (s *Session) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bits.Get(index)
}

// Bitfield returns a copy of the peer's currently known piece bitmap.
func (s *Session) Bitfield() btid.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(btid.Bitfield(nil), s.bits...)
}

// Choked reports whether the peer currently has us choked.
func (s *Session) Choked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.choked
}

// ExtensionID returns the peer's id for a named extension and whether it
// supports it at all.
func (s *Session) ExtensionID(name string) (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.extensions[name]
	return id, ok
}

// MetadataSize returns the metadata size the peer advertised in its
// extension handshake, or 0 if it did not advertise one.
func (s *Session) MetadataSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaSize
}

// Ready blocks until the peer unchokes us or the context is cancelled. A
// connection that dies before the unchoke does not end the wait by itself;
// only ctx does. Callers typically run Next concurrently with Ready since
// unchoking is only discovered while reading.
func (s *Session) Ready(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch updates session state for bookkeeping-only messages (choke,
// unchoke, have, bitfield, keepalive) and reports whether the message was
// one of those (true) versus one the caller must handle itself (false).
func (s *Session) dispatch(m peerwire.Message) bool {
	switch msg := m.(type) {
	case peerwire.KeepAlive:
		return true
	case peerwire.Choke:
		s.mu.Lock()
		s.choked = true
		s.mu.Unlock()
		return true
	case peerwire.Unchoke:
		s.mu.Lock()
		s.choked = false
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.readyCh) })
		return true
	case peerwire.Have:
		s.mu.Lock()
		s.bits.Set(int(msg.Index))
		s.mu.Unlock()
		return true
	case peerwire.Bitfield:
		s.mu.Lock()
		s.bits = btid.Bitfield(append([]byte(nil), msg.Bits...))
		s.mu.Unlock()
		return true
	case peerwire.Interested, peerwire.NotInterested:
		// this engine never seeds, so peer interest is ignored.
		return true
	default:
		return false
	}
}

// Next blocks until a message that matters to a caller (Piece, Extended,
// Request, Cancel) arrives, silently applying choke/unchoke/have/bitfield
// and keepalive updates along the way.
func (s *Session) Next() (peerwire.Message, error) {
	for {
		m, err := s.reader.Next()
		if err != nil {
			return nil, err
		}
		if !s.dispatch(m) {
			return m, nil
		}
	}
}
