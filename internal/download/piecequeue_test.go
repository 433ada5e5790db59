package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allPieces(n int) []pieceWork {
	pieces := make([]pieceWork, n)
	for i := range pieces {
		pieces[i] = pieceWork{Index: i, Length: 100}
	}
	return pieces
}

func noneComplete(int) bool { return false }

func TestTakeReturnsRarestPieceFirst(t *testing.T) {
	q := newPieceQueue(allPieces(3), noneComplete)

	// peer A has every piece; peer B only has piece 1.
	hasA := func(int) bool { return true }
	hasB := func(i int) bool { return i == 1 }

	q.RegisterPeer(hasA)
	q.RegisterPeer(hasB)
	// piece 1 is now available from 2 peers, pieces 0 and 2 from 1.

	work, ok := q.Take(hasA)
	require.True(t, ok)
	assert.Contains(t, []int{0, 2}, work.Index, "a piece with availability 1 should be picked over piece 1, which has availability 2")
}

func TestTakeSkipsUnavailablePieces(t *testing.T) {
	q := newPieceQueue(allPieces(2), noneComplete)
	has := func(i int) bool { return i == 1 }

	work, ok := q.Take(has)
	require.True(t, ok)
	assert.Equal(t, 1, work.Index)

	_, ok = q.Take(has)
	assert.False(t, ok, "no more pieces this peer has are pending")
}

func TestReturnMakesAPieceTakeableAgain(t *testing.T) {
	q := newPieceQueue(allPieces(1), noneComplete)
	has := func(int) bool { return true }

	work, ok := q.Take(has)
	require.True(t, ok)
	_, ok = q.Take(has)
	assert.False(t, ok)

	q.Return(work.Index)
	_, ok = q.Take(has)
	assert.True(t, ok)
}

func TestCompleteMarksDone(t *testing.T) {
	q := newPieceQueue(allPieces(2), noneComplete)
	has := func(int) bool { return true }
	assert.False(t, q.Done())

	w0, _ := q.Take(has)
	w1, _ := q.Take(has)
	q.Complete(w0.Index)
	assert.False(t, q.Done())
	q.Complete(w1.Index)
	assert.True(t, q.Done())
}

func TestNewPieceQueueHonoursAlreadyCompletedPieces(t *testing.T) {
	complete := func(i int) bool { return i == 0 }
	q := newPieceQueue(allPieces(2), complete)
	assert.Equal(t, 1, q.Remaining())
	has := func(int) bool { return true }
	work, ok := q.Take(has)
	require.True(t, ok)
	assert.Equal(t, 1, work.Index)
}
