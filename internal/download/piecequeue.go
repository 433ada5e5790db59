package download

import "sync"

// pieceWork is one piece a coordinator still needs to fetch.
type pieceWork struct {
	Index  int
	Hash   [20]byte
	Length int
}

// pieceQueue selects which piece to hand to a newly-available broker next.
// Pieces are grouped into availability buckets (how many connected peers
// have announced each one) so the rarest pieces are always handed out
// first, keeping a swarm's piece distribution healthy instead of every
// peer converging on whatever piece happened to be requested first.
type pieceQueue struct {
	mu           sync.Mutex
	pieces       []pieceWork
	availability []int
	buckets      []map[int]bool
	inProgress   map[int]bool
	completed    map[int]bool
}

// newPieceQueue creates a queue over pieces, marking any for which
// isComplete reports true as done up front (resuming a download).
func newPieceQueue(pieces []pieceWork, isComplete func(index int) bool) *pieceQueue {
	q := &pieceQueue{
		pieces:       pieces,
		availability: make([]int, len(pieces)),
		buckets:      []map[int]bool{make(map[int]bool)},
		inProgress:   make(map[int]bool),
		completed:    make(map[int]bool),
	}
	for _, p := range pieces {
		if isComplete(p.Index) {
			q.completed[p.Index] = true
		} else {
			q.buckets[0][p.Index] = true
		}
	}
	return q
}

func (q *pieceQueue) ensureBucket(avail int) {
	for len(q.buckets) <= avail {
		q.buckets = append(q.buckets, make(map[int]bool))
	}
}

// RegisterPeer records that a connected peer has announced the pieces set
// in has, moving each still-pending piece to a higher availability bucket.
func (q *pieceQueue) RegisterPeer(has func(index int) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.pieces {
		idx := q.pieces[i].Index
		if !has(idx) {
			continue
		}
		old := q.availability[idx]
		q.availability[idx]++
		if !q.completed[idx] && !q.inProgress[idx] {
			if old < len(q.buckets) {
				delete(q.buckets[old], idx)
			}
			q.ensureBucket(old + 1)
			q.buckets[old+1][idx] = true
		}
	}
}

// Take returns the rarest pending piece that satisfies has, lowest index
// first among equally rare pieces, or false if none of the pending pieces
// are available from this peer right now.
func (q *pieceQueue) Take(has func(index int) bool) (pieceWork, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for avail := 0; avail < len(q.buckets); avail++ {
		for _, p := range q.pieces {
			idx := p.Index
			if !q.buckets[avail][idx] || !has(idx) {
				continue
			}
			delete(q.buckets[avail], idx)
			q.inProgress[idx] = true
			return q.pieces[idx], true
		}
	}
	return pieceWork{}, false
}

// Complete marks a piece successfully downloaded and verified.
func (q *pieceQueue) Complete(index int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inProgress, index)
	q.completed[index] = true
}

// Return puts an in-progress piece back into its availability bucket, e.g.
// because its peer disconnected or it failed verification.
func (q *pieceQueue) Return(index int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.inProgress[index] {
		return
	}
	delete(q.inProgress, index)
	avail := q.availability[index]
	q.ensureBucket(avail)
	q.buckets[avail][index] = true
}

// Done reports whether every piece has been completed.
func (q *pieceQueue) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed) == len(q.pieces)
}

// Remaining returns how many pieces are neither completed nor in progress.
func (q *pieceQueue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, b := range q.buckets {
		total += len(b)
	}
	return total
}
