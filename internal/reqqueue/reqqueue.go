// Package reqqueue throttles outstanding block requests to a single peer so
// a session never has more than a fixed number of requests in flight at
// once, mirroring the inQueue/maxRequests bookkeeping every BitTorrent
// client needs around pipelined requests.
package reqqueue

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/go-torrent/client/internal/peerwire"
)

// Capacity is the maximum number of requests a Queue keeps in flight at
// once (5 is the customary pipeline depth for peer-wire clients).
const Capacity = 5

// ErrQueueClosed is returned by Enqueue once the queue has been closed.
var ErrQueueClosed = errors.New("reqqueue: queue closed")

// Sender writes a single peer-wire message, e.g. a Session.Send.
type Sender func(peerwire.Message) error

// Queue pipelines Request messages to a Sender, keeping at most Capacity
// requests outstanding. Additional requests wait in FIFO order until a slot
// frees up via Ack or Skip.
type Queue struct {
	send Sender

	mu       sync.Mutex
	waiting  []peerwire.Request
	inFlight map[peerwire.RequestKey]struct{}
	closed   bool
}

// New creates a Queue that writes outgoing requests through send.
func New(send Sender) *Queue {
	return &Queue{
		send:     send,
		inFlight: make(map[peerwire.RequestKey]struct{}, Capacity),
	}
}

// Enqueue adds a request, sending it immediately if a slot is free or
// holding it in the waiting list otherwise.
func (q *Queue) Enqueue(req peerwire.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.inFlight) >= Capacity {
		q.waiting = append(q.waiting, req)
		return nil
	}
	return q.dispatch(req)
}

// dispatch must be called with mu held.
func (q *Queue) dispatch(req peerwire.Request) error {
	key := peerwire.RequestKey{Piece: req.Index, Offset: req.Begin}
	if err := q.send(req); err != nil {
		return errors.Wrap(err, "reqqueue: send request")
	}
	q.inFlight[key] = struct{}{}
	return nil
}

// Ack marks the block identified by key as satisfied, freeing a slot and
// dispatching the next waiting request, if any.
func (q *Queue) Ack(key peerwire.RequestKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, key)
	return q.promote()
}

// Skip abandons the block identified by key without it ever having been
// satisfied (the peer choked us, or the session is being torn down),
// dropping it from the waiting list if it has not been sent yet and
// otherwise freeing its slot the same way Ack does.
func (q *Queue) Skip(key peerwire.RequestKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.waiting[:0]
	for _, req := range q.waiting {
		if (peerwire.RequestKey{Piece: req.Index, Offset: req.Begin}) != key {
			kept = append(kept, req)
		}
	}
	q.waiting = kept
	delete(q.inFlight, key)
	return q.promote()
}

// promote must be called with mu held.
func (q *Queue) promote() error {
	if q.closed || len(q.waiting) == 0 || len(q.inFlight) >= Capacity {
		return nil
	}
	next := q.waiting[0]
	q.waiting = q.waiting[1:]
	return q.dispatch(next)
}

// InFlight reports how many requests are currently outstanding.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Pending reports how many requests are waiting for a free slot.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Close marks the queue closed; further Enqueue calls fail. Requests
// already dispatched remain tracked so in-flight Acks still succeed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.waiting = nil
}
