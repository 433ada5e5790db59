package download

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-torrent/client/internal/metainfo"
)

func TestDownloadPieceFromSinglePeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	data := []byte("the quick brown fox jumps over the lazy dog")
	hash := sha1.Sum(data)
	var infoHash [20]byte
	copy(infoHash[:], "piece-level-download")

	info := &metainfo.Info{
		Hash:        infoHash,
		Name:        "x.bin",
		Length:      len(data),
		PieceLength: len(data),
		Pieces:      [][20]byte{hash},
	}

	go serveOnePieceTorrent(t, ln, infoHash, data)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var clientID [20]byte
	got, err := DownloadPiece(ctx, info, []string{ln.Addr().String()}, clientID, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadPieceRejectsOutOfRangeIndex(t *testing.T) {
	info := &metainfo.Info{Pieces: [][20]byte{{}}}
	_, err := DownloadPiece(context.Background(), info, nil, [20]byte{}, 5, nil)
	assert.Error(t, err)
}
