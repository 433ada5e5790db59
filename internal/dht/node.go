// Package dht implements a read-only BitTorrent Distributed Hash Table
// (BEP 5) client: enough of Kademlia to bootstrap a routing table and run
// get_peers lookups for a magnet link's info-hash. Incoming ping, find_node
// and get_peers queries are answered with routing information only (never
// peer values), and the node never announces itself as a peer, since this
// engine only ever wants peers for torrents it is actively fetching.
package dht

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
)

// NodeID is a 160-bit identifier for a DHT node, the same space as a
// torrent's info-hash.
type NodeID [20]byte

// NodeInfo is a DHT node's identity and network address.
type NodeInfo struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// GenerateNodeID returns a random 160-bit node id, this engine's identity
// on the DHT for the lifetime of one process.
func GenerateNodeID() (NodeID, error) {
	var id NodeID
	_, err := rand.Read(id[:])
	return id, errors.Wrap(err, "dht: generate node id")
}

// Distance returns the Kademlia XOR distance between two node ids.
func Distance(a, b NodeID) NodeID {
	var dist NodeID
	for i := range a {
		dist[i] = a[i] ^ b[i]
	}
	return dist
}

// LeadingZeros returns the number of leading zero bits, used to pick the
// k-bucket a node with this distance belongs in.
func (id NodeID) LeadingZeros() int {
	for i, b := range id {
		if b == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if b&(1<<j) != 0 {
				return i*8 + (7 - j)
			}
		}
	}
	return 160
}

// BucketIndex returns the k-bucket index other belongs to relative to self.
func BucketIndex(self, other NodeID) int {
	lz := Distance(self, other).LeadingZeros()
	if lz >= 160 {
		return 159
	}
	return lz
}

// CompactIPv4 encodes a node as 26 bytes: 20-byte id + 4-byte IP + 2-byte port.
func (n *NodeInfo) CompactIPv4() ([]byte, error) {
	ip4 := n.Addr.IP.To4()
	if ip4 == nil {
		return nil, errors.Errorf("dht: %s is not an IPv4 address", n.Addr.IP)
	}
	buf := make([]byte, 26)
	copy(buf[:20], n.ID[:])
	copy(buf[20:24], ip4)
	binary.BigEndian.PutUint16(buf[24:26], uint16(n.Addr.Port))
	return buf, nil
}

// ParseCompactIPv4 decodes a 26-byte compact node record.
func ParseCompactIPv4(data []byte) (*NodeInfo, error) {
	if len(data) != 26 {
		return nil, errors.Errorf("dht: compact node must be 26 bytes, got %d", len(data))
	}
	var id NodeID
	copy(id[:], data[:20])
	ip := net.IP(data[20:24])
	port := binary.BigEndian.Uint16(data[24:26])
	return &NodeInfo{ID: id, Addr: &net.UDPAddr{IP: ip, Port: int(port)}, LastSeen: time.Now()}, nil
}

// ParseCompactNodes decodes a concatenated list of compact IPv4 node records.
func ParseCompactNodes(data []byte) ([]*NodeInfo, error) {
	const recordSize = 26
	if len(data)%recordSize != 0 {
		return nil, errors.Errorf("dht: compact nodes length %d not a multiple of %d", len(data), recordSize)
	}
	nodes := make([]*NodeInfo, len(data)/recordSize)
	for i := range nodes {
		n, err := ParseCompactIPv4(data[i*recordSize : (i+1)*recordSize])
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return nodes, nil
}

// String renders a short human-readable identifier for logging.
func (n *NodeInfo) String() string {
	return n.ID.String() + "@" + n.Addr.String()
}

// String is the lowercase hex encoding of the id's first 4 bytes, a short
// prefix for logging.
func (id NodeID) String() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 0; i < 4; i++ {
		out[i*2] = hexDigits[id[i]>>4]
		out[i*2+1] = hexDigits[id[i]&0xf]
	}
	return string(out)
}
