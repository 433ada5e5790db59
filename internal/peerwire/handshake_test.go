package peerwire

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeWireFormat(t *testing.T) {
	var infoHash, peerID [20]byte
	for i := range infoHash {
		infoHash[i] = 0x01
	}
	copy(peerID[:], "-CT0001-012345678901")

	h := Handshake{InfoHash: infoHash, PeerID: peerID, SupportsExtend: false}
	got := h.Encode()

	want := append([]byte{19}, []byte("BitTorrent protocol")...)
	want = append(want, make([]byte, 8)...)
	want = append(want, infoHash[:]...)
	want = append(want, peerID[:]...)

	assert.Equal(t, want, got)
	assert.Len(t, got, HandshakeSize)
}

func TestPerformRejectsMismatchedInfoHash(t *testing.T) {
	var ours, theirs [20]byte
	ours[0] = 1
	theirs[0] = 2
	var peerID [20]byte

	// simulate the remote side: it reads our handshake and writes back one
	// with a different info hash.
	client, remote := net.Pipe()
	defer client.Close()
	defer remote.Close()

	done := make(chan error, 1)
	go func() {
		if _, err := ReadHandshake(remote); err != nil {
			done <- err
			return
		}
		done <- WriteHandshake(remote, Handshake{InfoHash: theirs, PeerID: peerID})
	}()

	_, err := Perform(client, ours, peerID)
	require.NoError(t, <-done)
	assert.ErrorIs(t, err, ErrMismatchedInfoHash)
}

func TestReadHandshakeShortReadIsFatal(t *testing.T) {
	r := bytes.NewReader([]byte{19, 'B', 'i', 't'})
	_, err := ReadHandshake(r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPeerClosedPrematurely)
}
