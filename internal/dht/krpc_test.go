package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustUDPAddr(s string) *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		panic(err)
	}
	return addr
}

func TestEncodeDecodePingQuery(t *testing.T) {
	var id NodeID
	id[0] = 0x11
	raw := encodePing("aa", id)

	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, queryType, msg.kind)
	assert.Equal(t, methodPing, msg.query)

	got, err := extractNodeID(msg)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestEncodeDecodeGetPeersResponseWithValues(t *testing.T) {
	var id NodeID
	id[0] = 0x22
	raw := encodeGetPeersResponsePeers("bb", id, "tok", []string{string([]byte{127, 0, 0, 1, 0x1A, 0xE1})})

	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, responseType, msg.kind)
	require.Len(t, msg.values, 1)

	peers := parseCompactPeerList(msg.values)
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1:6881", peers[0])
}

func TestEncodeDecodeFindNodeResponseWithNodes(t *testing.T) {
	var id, otherID NodeID
	id[0] = 0x33
	otherID[0] = 0x44
	node := &NodeInfo{ID: otherID, Addr: mustUDPAddr("10.0.0.1:6881")}
	compact, err := node.CompactIPv4()
	require.NoError(t, err)

	raw := encodeFindNodeResponse("cc", id, compact)
	msg, err := decodeMessage(raw)
	require.NoError(t, err)

	nodes, err := extractNodes(msg)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, otherID, nodes[0].ID)
}
