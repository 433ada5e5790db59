package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	var hash [20]byte
	copy(hash[:], "test-info-hash-12345")

	s := NewState(hash, "movie.mkv", "/tmp/out", 4, 1<<18, 4*(1<<18))
	s.MarkComplete(0)
	s.MarkComplete(2)
	s.AddPeers([]string{"1.2.3.4:6881", "5.6.7.8:6881"})
	s.AddPeers([]string{"1.2.3.4:6881"}) // duplicate, should not be re-added
	require.NoError(t, s.Save())

	loaded, err := LoadState(hash)
	require.NoError(t, err)
	assert.True(t, loaded.IsComplete(0))
	assert.False(t, loaded.IsComplete(1))
	assert.True(t, loaded.IsComplete(2))
	assert.Equal(t, 2, loaded.CompletedCount())
	assert.Equal(t, 50.0, loaded.Progress())
	assert.Len(t, loaded.Peers, 2)

	require.NoError(t, loaded.Delete())
	_, err = LoadState(hash)
	assert.Error(t, err)
}

func TestClearPieceUndoesCompletion(t *testing.T) {
	var hash [20]byte
	s := NewState(hash, "a", "/tmp", 2, 100, 200)
	s.MarkComplete(1)
	assert.True(t, s.IsComplete(1))
	s.ClearPiece(1)
	assert.False(t, s.IsComplete(1))
}
