package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeAt(idByte byte, port int) *NodeInfo {
	var id NodeID
	id[0] = idByte
	return &NodeInfo{ID: id, Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}}
}

func TestAddNodeRejectsSelf(t *testing.T) {
	var self NodeID
	self[0] = 0xAA
	rt := NewRoutingTable(self)
	assert.False(t, rt.AddNode(&NodeInfo{ID: self}))
	assert.Equal(t, 0, rt.Size())
}

func TestAddNodeFillsBucketThenRejects(t *testing.T) {
	rt := NewRoutingTable(NodeID{})
	for i := 0; i < K; i++ {
		require.True(t, rt.AddNode(nodeAt(0x80|byte(i), 6000+i)))
	}
	assert.False(t, rt.AddNode(nodeAt(0xFF, 7000)))
	assert.Equal(t, K, rt.Size())
}

func TestClosestNodesOrdersByXORDistance(t *testing.T) {
	rt := NewRoutingTable(NodeID{})
	far := nodeAt(0xFF, 1)
	near := nodeAt(0x01, 2)
	rt.AddNode(far)
	rt.AddNode(near)

	closest := rt.ClosestNodes(NodeID{}, 1)
	require.Len(t, closest, 1)
	assert.Equal(t, near.ID, closest[0].ID)
}

func TestCompactIPv4RoundTrip(t *testing.T) {
	n := nodeAt(0x42, 6881)
	compact, err := n.CompactIPv4()
	require.NoError(t, err)

	decoded, err := ParseCompactIPv4(compact)
	require.NoError(t, err)
	assert.Equal(t, n.ID, decoded.ID)
	assert.Equal(t, n.Addr.Port, decoded.Addr.Port)
}
