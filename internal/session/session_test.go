package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-torrent/client/internal/peerwire"
)

func TestOpenPerformsHandshakeAndReadsBitfield(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer clientConn.Close()
	defer remoteConn.Close()

	var infoHash, clientID, remoteID [20]byte
	infoHash[0] = 0xAB
	remoteID[0] = 0x02

	remoteDone := make(chan error, 1)
	go func() {
		if _, err := peerwire.ReadHandshake(remoteConn); err != nil {
			remoteDone <- err
			return
		}
		if err := peerwire.WriteHandshake(remoteConn, peerwire.Handshake{InfoHash: infoHash, PeerID: remoteID}); err != nil {
			remoteDone <- err
			return
		}
		_, err := remoteConn.Write(peerwire.Encode(peerwire.Bitfield{Bits: []byte{0x80}}))
		remoteDone <- err
	}()

	s, err := Open(clientConn, infoHash, clientID, nil)
	require.NoError(t, err)
	require.NoError(t, <-remoteDone)

	assert.Equal(t, remoteID, s.PeerID)
	assert.True(t, s.HasPiece(0))
	assert.False(t, s.HasPiece(1))
	assert.True(t, s.Choked())
}

func TestSessionUnchokeUnblocksReady(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer clientConn.Close()
	defer remoteConn.Close()

	var infoHash, clientID [20]byte

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
		if _, err := remoteConn.Write(peerwire.Encode(peerwire.Bitfield{Bits: []byte{0x00}})); err != nil {
			remoteDone <- err
			return
		}
		if _, err := remoteConn.Write(peerwire.Encode(peerwire.Unchoke{})); err != nil {
			remoteDone <- err
			return
		}
		_, err := remoteConn.Write(peerwire.Encode(peerwire.Piece{Index: 3, Begin: 0, Block: []byte("x")}))
		remoteDone <- err
	}()

	s, err := Open(clientConn, infoHash, clientID, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	readyErr := make(chan error, 1)
	go func() { readyErr <- s.Ready(ctx) }()

	msg, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, peerwire.Piece{Index: 3, Begin: 0, Block: []byte("x")}, msg)
	assert.NoError(t, <-readyErr)
	assert.False(t, s.Choked())
	// net.Pipe is unbuffered: the remote's writes only finish once Next has
	// read them, so its result is collected last.
	require.NoError(t, <-remoteDone)
}

func TestSessionReadyContextCancelled(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer clientConn.Close()
	defer remoteConn.Close()

	var infoHash, clientID [20]byte
	go func() {
		peerwire.ReadHandshake(remoteConn)
		peerwire.WriteHandshake(remoteConn, peerwire.Handshake{InfoHash: infoHash})
		remoteConn.Write(peerwire.Encode(peerwire.Bitfield{Bits: []byte{0x00}}))
	}()

	s, err := Open(clientConn, infoHash, clientID, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Ready(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
