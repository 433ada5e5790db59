package dht

import (
	"sync"
	"time"
)

// K is the maximum number of nodes held per k-bucket (Kademlia constant).
const K = 8

// bucketCount is the number of k-buckets: one per bit of a NodeID.
const bucketCount = 160

// bucketRefreshInterval is how long a bucket may go unchanged before it is
// considered stale and worth refreshing with a find_node lookup.
const bucketRefreshInterval = 15 * time.Minute

type bucket struct {
	nodes       []*NodeInfo
	lastChanged time.Time
}

// RoutingTable is a Kademlia routing table keyed by XOR distance from Self.
type RoutingTable struct {
	Self    NodeID
	buckets [bucketCount]*bucket
	mu      sync.RWMutex
}

// NewRoutingTable creates an empty routing table for self.
func NewRoutingTable(self NodeID) *RoutingTable {
	rt := &RoutingTable{Self: self}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{nodes: make([]*NodeInfo, 0, K), lastChanged: time.Now()}
	}
	return rt
}

// AddNode inserts or refreshes a node, reporting whether it now occupies a
// slot (false if its bucket was already full of other nodes).
func (rt *RoutingTable) AddNode(node *NodeInfo) bool {
	if node.ID == rt.Self {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[BucketIndex(rt.Self, node.ID)]
	for i, n := range b.nodes {
		if n.ID == node.ID {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			node.LastSeen = time.Now()
			b.nodes = append(b.nodes, node)
			b.lastChanged = time.Now()
			return true
		}
	}
	if len(b.nodes) < K {
		node.LastSeen = time.Now()
		b.nodes = append(b.nodes, node)
		b.lastChanged = time.Now()
		return true
	}
	return false
}

// ClosestNodes returns up to count nodes ordered by XOR distance to target.
func (rt *RoutingTable) ClosestNodes(target NodeID, count int) []*NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []*NodeInfo
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	sortByDistance(all, target)
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Size returns how many nodes the table currently holds.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.nodes)
	}
	return n
}

// AllNodes returns every node currently in the table.
func (rt *RoutingTable) AllNodes() []*NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var all []*NodeInfo
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	return all
}

// StaleBuckets returns indices of buckets not refreshed within
// bucketRefreshInterval that still hold at least one node.
func (rt *RoutingTable) StaleBuckets() []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var stale []int
	threshold := time.Now().Add(-bucketRefreshInterval)
	for i, b := range rt.buckets {
		if b.lastChanged.Before(threshold) && len(b.nodes) > 0 {
			stale = append(stale, i)
		}
	}
	return stale
}

func sortByDistance(nodes []*NodeInfo, target NodeID) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && compareDistance(nodes[j].ID, nodes[j-1].ID, target) < 0; j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

func compareDistance(a, b, target NodeID) int {
	distA, distB := Distance(a, target), Distance(b, target)
	for i := range distA {
		if distA[i] != distB[i] {
			if distA[i] < distB[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
