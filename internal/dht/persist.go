package dht

import (
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// nodesFile is the on-disk shape of a persisted routing table, kept simple
// JSON rather than bencode since nothing on the wire ever reads it back.
type nodesFile struct {
	Version int        `json:"version"`
	Nodes   []nodeJSON `json:"nodes"`
}

type nodeJSON struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// SaveNodes writes every node currently in the table to path, so the next
// run can skip bootstrapping from scratch.
func (rt *RoutingTable) SaveNodes(path string) error {
	nodes := rt.AllNodes()
	if len(nodes) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "dht: create state directory")
	}
	file := nodesFile{Version: 1, Nodes: make([]nodeJSON, len(nodes))}
	for i, n := range nodes {
		file.Nodes[i] = nodeJSON{ID: hex.EncodeToString(n.ID[:]), Addr: n.Addr.String()}
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "dht: marshal routing table")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "dht: write routing table")
}

// LoadNodes reads a previously saved routing table from path, adding every
// still-parseable entry. A missing file is not an error.
func (rt *RoutingTable) LoadNodes(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "dht: read routing table")
	}
	var file nodesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, errors.Wrap(err, "dht: parse routing table")
	}
	loaded := 0
	for _, n := range file.Nodes {
		node, err := parseNodeJSON(n)
		if err != nil {
			continue
		}
		if rt.AddNode(node) {
			loaded++
		}
	}
	return loaded, nil
}

func parseNodeJSON(n nodeJSON) (*NodeInfo, error) {
	raw, err := hex.DecodeString(n.ID)
	if err != nil || len(raw) != 20 {
		return nil, errors.New("dht: invalid persisted node id")
	}
	var id NodeID
	copy(id[:], raw)

	addr, err := net.ResolveUDPAddr("udp", n.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "dht: invalid persisted node address")
	}
	return &NodeInfo{ID: id, Addr: addr, LastSeen: time.Now()}, nil
}
