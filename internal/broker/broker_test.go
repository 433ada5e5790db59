package broker

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-torrent/client/internal/peerwire"
	"github.com/go-torrent/client/internal/session"
)

func TestRequestPieceDownloadsAndVerifies(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer clientConn.Close()
	defer remoteConn.Close()

	var infoHash, clientID [20]byte
	data := make([]byte, BlockSize+100)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)

	remoteDone := make(chan error, 1)
	go func() {
		if _, err := peerwire.ReadHandshake(remoteConn); err != nil {
			remoteDone <- err
			return
		}
		if err := peerwire.WriteHandshake(remoteConn, peerwire.Handshake{InfoHash: infoHash}); err != nil {
			remoteDone <- err
			return
		}
		if _, err := remoteConn.Write(peerwire.Encode(peerwire.Bitfield{Bits: []byte{0x80}})); err != nil {
			remoteDone <- err
			return
		}
		// serve the two requests we expect, in whatever order they arrive
		reader := peerwire.NewReader(remoteConn)
		for i := 0; i < 2; i++ {
			m, err := reader.Next()
			if err != nil {
				remoteDone <- err
				return
			}
			req, ok := m.(peerwire.Request)
			if !ok {
				continue
			}
			resp := peerwire.Piece{Index: req.Index, Begin: req.Begin, Block: data[req.Begin : req.Begin+req.Length]}
			if _, err := remoteConn.Write(peerwire.Encode(resp)); err != nil {
				remoteDone <- err
				return
			}
		}
		remoteDone <- nil
	}()

	sess, err := session.Open(clientConn, infoHash, clientID, nil)
	require.NoError(t, err)

	b := New(sess, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go b.Run(ctx)

	require.NoError(t, b.RequestPiece(0, len(data), hash))

	select {
	case cp := <-b.Completed():
		assert.Equal(t, 0, cp.Index)
		assert.Equal(t, data, cp.Data)
		assert.NoError(t, cp.Err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for piece")
	}
	require.NoError(t, <-remoteDone)
}
