// Package reassembly accumulates downloaded blocks into complete,
// hash-verified pieces.
package reassembly

import (
	"crypto/sha1"
	"sync"

	"github.com/pkg/errors"
)

// ErrOrphanBlock is returned when a block arrives for a piece that was
// never opened, or after that piece already completed.
var ErrOrphanBlock = errors.New("reassembly: orphan block")

// ErrPieceHashMismatch is returned by a completed piece whose assembled bytes
// don't match the hash it was opened with.
var ErrPieceHashMismatch = errors.New("reassembly: piece hash mismatch")

// ErrOverlongBlock is returned when a block's [begin, begin+len) range
// extends past the piece it claims to belong to.
var ErrOverlongBlock = errors.New("reassembly: block exceeds piece bounds")

// CompletedPiece is emitted, exactly once per piece, once every block for
// that piece has arrived.
type CompletedPiece struct {
	Index int
	Data  []byte
	Err   error // non-nil (ErrPieceHashMismatch) if verification failed
}

type accumulator struct {
	hash      [20]byte
	buf       []byte
	remaining int
	received  map[int]bool // block start offsets already written, for dedup
}

// Reassembler tracks the in-progress pieces of a single download and emits
// each one, verified, on Completed as soon as all its blocks have arrived.
// Open is called from the coordinator's dispatch goroutine while Deliver is
// called concurrently from the broker's own read loop, so mu guards every
// method, held only for the duration of that one call.
type Reassembler struct {
	mu        sync.Mutex
	open      map[int]*accumulator
	completed map[int]bool
	out       chan CompletedPiece
}

// New creates a Reassembler whose Completed channel is buffered to bufSize
// so a slow consumer doesn't stall delivery from multiple peers at once.
func New(bufSize int) *Reassembler {
	return &Reassembler{
		open:      make(map[int]*accumulator),
		completed: make(map[int]bool),
		out:       make(chan CompletedPiece, bufSize),
	}
}

// Completed is the channel completed pieces (successful or hash-mismatched)
// are delivered on.
func (r *Reassembler) Completed() <-chan CompletedPiece {
	return r.out
}

// Open registers piece index as in-progress, to be assembled to length
// bytes and checked against hash once full.
func (r *Reassembler) Open(index int, length int, hash [20]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed[index] {
		return
	}
	if _, ok := r.open[index]; ok {
		return
	}
	r.open[index] = &accumulator{hash: hash, buf: make([]byte, length), remaining: length, received: make(map[int]bool)}
}

// Deliver writes a downloaded block into its piece's accumulator. Once
// every byte of the piece has arrived, the piece is hashed and pushed to
// Completed. Deliver blocks only if the Completed channel is full.
func (r *Reassembler) Deliver(index, begin int, block []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.open[index]
	if !ok {
		return errors.Wrapf(ErrOrphanBlock, "piece %d", index)
	}
	if begin < 0 || begin+len(block) > len(acc.buf) {
		return errors.Wrapf(ErrOverlongBlock, "[%d,%d) for piece %d of length %d",
			begin, begin+len(block), index, len(acc.buf))
	}

	copy(acc.buf[begin:], block)
	// A block delivered twice (e.g. one broker's request raced another's
	// cancel) does not double-count toward remaining.
	if !acc.received[begin] {
		acc.received[begin] = true
		acc.remaining -= len(block)
	}

	if acc.remaining > 0 {
		return nil
	}

	delete(r.open, index)
	r.completed[index] = true

	sum := sha1.Sum(acc.buf)
	cp := CompletedPiece{Index: index, Data: acc.buf}
	if sum != acc.hash {
		cp.Err = errors.Wrapf(ErrPieceHashMismatch, "piece %d", index)
	}
	r.out <- cp
	return nil
}

// IsOpen reports whether piece index is currently being assembled.
func (r *Reassembler) IsOpen(index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.open[index]
	return ok
}

// Abandon discards an in-progress piece, e.g. because the peer assembling
// it disconnected. The piece can be Open'd again by another broker.
func (r *Reassembler) Abandon(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, index)
}

