package download

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-torrent/client/internal/metainfo"
	"github.com/go-torrent/client/internal/peerwire"
)

func serveOnePieceTorrent(t *testing.T, ln net.Listener, infoHash [20]byte, data []byte) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	_, err = peerwire.ReadHandshake(conn)
	require.NoError(t, err)
	require.NoError(t, peerwire.WriteHandshake(conn, peerwire.Handshake{InfoHash: infoHash}))
	_, err = conn.Write(peerwire.Encode(peerwire.Bitfield{Bits: []byte{0x80}}))
	require.NoError(t, err)
	_, err = conn.Write(peerwire.Encode(peerwire.Unchoke{}))
	require.NoError(t, err)

	reader := peerwire.NewReader(conn)
	for {
		m, err := reader.Next()
		if err != nil {
			return
		}
		req, ok := m.(peerwire.Request)
		if !ok {
			continue
		}
		resp := peerwire.Piece{Index: req.Index, Begin: req.Begin, Block: data[req.Begin : req.Begin+req.Length]}
		if _, err := conn.Write(peerwire.Encode(resp)); err != nil {
			return
		}
	}
}

func TestDownloadSingleFileFromOnePeer(t *testing.T) {
	cacheDir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", cacheDir)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	data := make([]byte, 5000)
	_, err = rand.Read(data)
	require.NoError(t, err)
	pieceHash := sha1.Sum(data)

	var infoHash [20]byte
	copy(infoHash[:], "single-piece-torrent")

	info := &metainfo.Info{
		Hash:        infoHash,
		Name:        "file.bin",
		Length:      len(data),
		PieceLength: len(data),
		Pieces:      [][20]byte{pieceHash},
		Files:       []metainfo.SubFile{{CumStart: 0, Length: len(data), Path: "file.bin"}},
	}

	go serveOnePieceTorrent(t, ln, infoHash, data)

	outDir := t.TempDir()
	var clientID [20]byte
	progressCalls := 0
	opts := Options{
		OutputDir: outDir,
		OnProgress: func(completed, total int, downloaded, totalBytes int64) {
			progressCalls++
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = Download(ctx, info, []string{ln.Addr().String()}, clientID, opts)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(outDir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, progressCalls)

	_, err = LoadState(infoHash)
	assert.Error(t, err, "state sidecar should be removed once the download completes")
}

func TestDownloadFailsWhenNoPeerConnects(t *testing.T) {
	cacheDir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", cacheDir)

	var infoHash [20]byte
	info := &metainfo.Info{
		Hash:        infoHash,
		Name:        "file.bin",
		Length:      10,
		PieceLength: 10,
		Pieces:      [][20]byte{sha1.Sum(make([]byte, 10))},
		Files:       []metainfo.SubFile{{Length: 10, Path: "file.bin"}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var clientID [20]byte
	err := Download(ctx, info, []string{"127.0.0.1:1"}, clientID, Options{OutputDir: t.TempDir()})
	assert.Error(t, err)
}
