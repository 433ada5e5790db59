// Package broker composes a session, a throttled request queue and a
// reassembler into a single object a download coordinator can hand whole
// pieces to and receive verified pieces back from, hiding the block-level
// protocol detail.
package broker

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-torrent/client/internal/peerwire"
	"github.com/go-torrent/client/internal/reassembly"
	"github.com/go-torrent/client/internal/reqqueue"
	"github.com/go-torrent/client/internal/session"
)

// BlockSize is the size requested for every block but the last of a piece.
const BlockSize = 16 * 1024

// Broker owns one peer session's read loop and dispatches its messages
// either into the reassembler (Piece) or to an optional extension handler
// (Extended, used for ut_metadata during magnet metadata fetch).
type Broker struct {
	sess  *session.Session
	queue *reqqueue.Queue
	reasm *reassembly.Reassembler
	log   *logrus.Entry

	onExtended func(peerwire.Extended)
}

// New wraps sess with a request queue and a reassembler whose Completed
// channel is buffered to bufSize.
func New(sess *session.Session, bufSize int, log *logrus.Entry) *Broker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Broker{sess: sess, reasm: reassembly.New(bufSize), log: log}
	b.queue = reqqueue.New(sess.Send)
	return b
}

// Session returns the underlying peer session, e.g. to check HasPiece or
// ExtensionID before deciding whether to use this broker at all.
func (b *Broker) Session() *session.Session {
	return b.sess
}

// OnExtended registers a callback invoked for every inbound Extended
// message. Unset by default, since plain file download never needs one.
func (b *Broker) OnExtended(f func(peerwire.Extended)) {
	b.onExtended = f
}

// Completed is the channel of verified (or hash-mismatched) pieces.
func (b *Broker) Completed() <-chan reassembly.CompletedPiece {
	return b.reasm.Completed()
}

// RequestPiece opens piece index in the reassembler and enqueues Request
// messages for every 16 KiB block it contains.
func (b *Broker) RequestPiece(index, length int, hash [20]byte) error {
	b.reasm.Open(index, length, hash)
	for begin := 0; begin < length; begin += BlockSize {
		l := BlockSize
		if begin+l > length {
			l = length - begin
		}
		req := peerwire.Request{Index: uint32(index), Begin: uint32(begin), Length: uint32(l)}
		if err := b.queue.Enqueue(req); err != nil {
			return errors.Wrapf(err, "broker: enqueue piece %d block at %d", index, begin)
		}
	}
	return nil
}

// Abandon gives up on an in-progress piece of the given length, e.g. because
// the coordinator is dropping this broker after a failed request and
// reassigning the piece to another peer. It frees the reassembler's
// accumulator for index and skips any of that piece's blocks still sitting
// in this broker's request queue, so neither lingers once the piece is
// reopened against a different peer.
func (b *Broker) Abandon(index, length int) {
	b.reasm.Abandon(index)
	for begin := 0; begin < length; begin += BlockSize {
		key := peerwire.RequestKey{Piece: uint32(index), Offset: uint32(begin)}
		if err := b.queue.Skip(key); err != nil {
			b.log.WithError(err).Debug("skip abandoned block")
		}
	}
}

// SendInterested tells the peer we want to download from it.
func (b *Broker) SendInterested() error {
	return b.sess.Send(peerwire.Interested{})
}

// Ready blocks until the peer unchokes us or ctx is cancelled.
func (b *Broker) Ready(ctx context.Context) error {
	return b.sess.Ready(ctx)
}

// Run drives the session's read loop until ctx is cancelled or the
// connection fails, routing Piece replies into the reassembler/queue and
// Extended messages to the registered handler. It returns the error that
// ended the loop; context cancellation surfaces as ctx.Err().
func (b *Broker) Run(ctx context.Context) error {
	msgs := make(chan peerwire.Message)
	errs := make(chan error, 1)
	go func() {
		for {
			m, err := b.sess.Next()
			if err != nil {
				errs <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case m := <-msgs:
			b.handle(m)
		}
	}
}

func (b *Broker) handle(m peerwire.Message) {
	switch v := m.(type) {
	case peerwire.Piece:
		key, _ := peerwire.KeyOf(v)
		if err := b.queue.Ack(key); err != nil {
			b.log.WithError(err).Debug("send next queued request after ack")
		}
		if err := b.reasm.Deliver(int(v.Index), int(v.Begin), v.Block); err != nil {
			b.log.WithError(err).WithField("piece", v.Index).Debug("discarding block")
		}
	case peerwire.Extended:
		if b.onExtended != nil {
			b.onExtended(v)
		}
	default:
		// Request/Cancel from a peer expecting us to seed: this engine is
		// download-only and has nothing to serve.
	}
}
