package tracker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-torrent/client/internal/btid"
)

func TestAnnounceParsesCompactPeers(t *testing.T) {
	// d8:intervali1800e5:peers12:<6 bytes><6 bytes>e
	peers := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	body := "d8:intervali1800e5:peers12:" + string(peers) + "e"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	var infoHash, peerID [20]byte
	resp, err := Announce(srv.URL, infoHash, peerID, 100)
	require.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, btid.PeerAddress{IP: resp.Peers[0].IP, Port: 6881}, resp.Peers[0])
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason17:torrent not founde"))
	}))
	defer srv.Close()

	var infoHash, peerID [20]byte
	_, err := Announce(srv.URL, infoHash, peerID, 0)
	assert.Error(t, err)
}

func TestAnnounceRejectsNonHTTPScheme(t *testing.T) {
	var infoHash, peerID [20]byte
	_, err := Announce("udp://tracker.test:80/announce", infoHash, peerID, 0)
	assert.Error(t, err)
}
