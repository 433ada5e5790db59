package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Default DHT configuration.
const (
	DefaultPort   = 6881
	MaxPort       = 6889
	maxPacketSize = 1500
)

// BootstrapNodes are well-known DHT entry points used to discover the
// first peers of this client's routing table.
var BootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// Node is a read-only DHT participant: it bootstraps a routing table and
// answers get_peers lookups for torrents this engine is downloading, but
// never announces itself as a seed (it has no listening peer-wire port to
// announce) and never serves data to other DHT participants beyond routing
// replies.
type Node struct {
	ID           NodeID
	conn         *net.UDPConn
	port         int
	routingTable *RoutingTable
	transactions *transactionManager
	log          *logrus.Entry

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a DHT node with a freshly generated identity.
func New(log *logrus.Entry) (*Node, error) {
	id, err := GenerateNodeID()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Node{
		ID:           id,
		routingTable: NewRoutingTable(id),
		transactions: newTransactionManager(),
		log:          log.WithField("component", "dht"),
		shutdown:     make(chan struct{}),
	}, nil
}

// Start binds a UDP socket in the standard BitTorrent port range and begins
// reading incoming KRPC traffic.
func (n *Node) Start() error {
	var conn *net.UDPConn
	var err error
	for port := DefaultPort; port <= MaxPort; port++ {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			n.port = port
			break
		}
	}
	if conn == nil {
		return errors.Wrapf(err, "dht: bind a port in %d-%d", DefaultPort, MaxPort)
	}
	n.conn = conn
	n.log.WithField("port", n.port).Debug("dht listening")

	n.wg.Add(1)
	go n.readLoop()
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (n *Node) Stop() {
	close(n.shutdown)
	if n.conn != nil {
		n.conn.Close()
	}
	n.wg.Wait()
}

func (n *Node) readLoop() {
	defer n.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-n.shutdown:
			return
		default:
		}
		n.conn.SetReadDeadline(time.Now().Add(time.Second))
		size, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-n.shutdown:
				return
			default:
				continue
			}
		}
		data := append([]byte(nil), buf[:size]...)
		go n.handlePacket(data, addr)
	}
}

func (n *Node) handlePacket(data []byte, addr *net.UDPAddr) {
	msg, err := decodeMessage(data)
	if err != nil {
		n.log.WithError(err).Debug("malformed krpc packet")
		return
	}
	switch msg.kind {
	case queryType:
		n.handleQuery(msg, addr)
	case responseType:
		n.handleResponse(msg, addr)
	}
}

func (n *Node) handleQuery(msg *message, addr *net.UDPAddr) {
	if senderID, err := extractNodeID(msg); err == nil {
		n.routingTable.AddNode(&NodeInfo{ID: senderID, Addr: addr, LastSeen: time.Now()})
	}

	var response []byte
	switch msg.query {
	case methodPing:
		response = encodePingResponse(msg.transactionID, n.ID)
	case methodFindNode:
		target := []byte(msg.args["target"])
		if len(target) != 20 {
			response = encodeErrorMsg(msg.transactionID, 203, "invalid target")
			break
		}
		var targetID NodeID
		copy(targetID[:], target)
		response = encodeFindNodeResponse(msg.transactionID, n.ID, n.compactClosest(targetID))
	case methodGetPeers:
		infoHashStr := []byte(msg.args["info_hash"])
		if len(infoHashStr) != 20 {
			response = encodeErrorMsg(msg.transactionID, 203, "invalid info_hash")
			break
		}
		var infoHash NodeID
		copy(infoHash[:], infoHashStr)
		response = encodeGetPeersResponseNodes(msg.transactionID, n.ID, "", n.compactClosest(infoHash))
	default:
		response = encodeErrorMsg(msg.transactionID, 204, "unknown method")
	}
	if response != nil {
		n.conn.WriteToUDP(response, addr)
	}
}

func (n *Node) handleResponse(msg *message, addr *net.UDPAddr) {
	pq := n.transactions.take(msg.transactionID)
	if pq == nil {
		return
	}
	if senderID, err := extractNodeID(msg); err == nil {
		n.routingTable.AddNode(&NodeInfo{ID: senderID, Addr: addr, LastSeen: time.Now()})
	}
	select {
	case pq.responseChan <- msg:
	default:
	}
}

func (n *Node) compactClosest(target NodeID) []byte {
	var buf []byte
	for _, node := range n.routingTable.ClosestNodes(target, K) {
		if compact, err := node.CompactIPv4(); err == nil {
			buf = append(buf, compact...)
		}
	}
	return buf
}

// Ping sends a ping query and waits for the reply.
func (n *Node) Ping(addr *net.UDPAddr) (*message, error) {
	txID := n.transactions.next()
	pq := n.transactions.add(txID)
	if _, err := n.conn.WriteToUDP(encodePing(txID, n.ID), addr); err != nil {
		n.transactions.take(txID)
		return nil, err
	}
	select {
	case resp := <-pq.responseChan:
		return resp, nil
	case <-time.After(QueryTimeout):
		n.transactions.take(txID)
		return nil, errors.New("dht: ping timeout")
	}
}

func (n *Node) findNodeQuery(addr *net.UDPAddr, target NodeID) ([]*NodeInfo, error) {
	txID := n.transactions.next()
	pq := n.transactions.add(txID)
	if _, err := n.conn.WriteToUDP(encodeFindNode(txID, n.ID, target), addr); err != nil {
		n.transactions.take(txID)
		return nil, err
	}
	select {
	case resp := <-pq.responseChan:
		return extractNodes(resp)
	case <-time.After(QueryTimeout):
		n.transactions.take(txID)
		return nil, errors.New("dht: find_node timeout")
	}
}

// FindNode queries the closest known nodes for nodes closer to target,
// folding every answer into the routing table.
func (n *Node) FindNode(target NodeID) {
	closest := n.routingTable.ClosestNodes(target, K)
	var wg sync.WaitGroup
	for _, node := range closest {
		wg.Add(1)
		go func(node *NodeInfo) {
			defer wg.Done()
			found, err := n.findNodeQuery(node.Addr, target)
			if err != nil {
				return
			}
			for _, f := range found {
				n.routingTable.AddNode(f)
			}
		}(node)
	}
	wg.Wait()
}

func (n *Node) getPeersQuery(addr *net.UDPAddr, infoHash [20]byte) ([]string, []*NodeInfo, error) {
	txID := n.transactions.next()
	pq := n.transactions.add(txID)
	if _, err := n.conn.WriteToUDP(encodeGetPeers(txID, n.ID, infoHash), addr); err != nil {
		n.transactions.take(txID)
		return nil, nil, err
	}
	select {
	case resp := <-pq.responseChan:
		if len(resp.values) > 0 {
			return parseCompactPeerList(resp.values), nil, nil
		}
		nodes, _ := extractNodes(resp)
		return nil, nodes, nil
	case <-time.After(QueryTimeout):
		n.transactions.take(txID)
		return nil, nil, errors.New("dht: get_peers timeout")
	}
}

// GetPeers asks every currently known close node for peers of infoHash,
// one round, returning the deduplicated union of whatever comes back.
func (n *Node) GetPeers(infoHash [20]byte) []string {
	closest := n.routingTable.ClosestNodes(NodeID(infoHash), K)
	var mu sync.Mutex
	seen := make(map[string]bool)
	var peers []string

	var wg sync.WaitGroup
	for _, node := range closest {
		wg.Add(1)
		go func(node *NodeInfo) {
			defer wg.Done()
			found, nodes, err := n.getPeersQuery(node.Addr, infoHash)
			if err != nil {
				return
			}
			mu.Lock()
			for _, p := range found {
				if !seen[p] {
					seen[p] = true
					peers = append(peers, p)
				}
			}
			mu.Unlock()
			for _, nd := range nodes {
				n.routingTable.AddNode(nd)
			}
		}(node)
	}
	wg.Wait()
	return peers
}

// Bootstrap pings the well-known bootstrap nodes and, for every one that
// answers, runs a find_node for this node's own id to seed the routing
// table with nearby peers.
func (n *Node) Bootstrap() {
	var wg sync.WaitGroup
	for _, addrStr := range BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(addr *net.UDPAddr) {
			defer wg.Done()
			resp, err := n.Ping(addr)
			if err != nil {
				return
			}
			id, err := extractNodeID(resp)
			if err != nil {
				return
			}
			n.routingTable.AddNode(&NodeInfo{ID: id, Addr: addr, LastSeen: time.Now()})
			n.FindNode(n.ID)
		}(addr)
	}
	wg.Wait()
}

// DiscoverPeers starts a fresh node, bootstraps its routing table from
// BootstrapNodes, and runs one get_peers round for infoHash, returning peer addresses found
// within the supplied context's deadline. It is the entry point the
// download coordinator's magnet flow uses to supplement tracker peers.
func DiscoverPeers(ctx context.Context, infoHash [20]byte, log *logrus.Entry) ([]string, error) {
	n, err := New(log)
	if err != nil {
		return nil, err
	}
	if err := n.Start(); err != nil {
		return nil, err
	}
	defer n.Stop()

	done := make(chan []string, 1)
	go func() {
		n.Bootstrap()
		if n.routingTable.Size() == 0 {
			done <- nil
			return
		}
		done <- n.GetPeers(infoHash)
	}()

	select {
	case peers := <-done:
		return peers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
