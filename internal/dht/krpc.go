package dht

import (
	"bytes"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-torrent/client/internal/bencode"
	"github.com/go-torrent/client/internal/btid"
)

// KRPC message types (the "y" key).
const (
	queryType    = "q"
	responseType = "r"
	errorType    = "e"
)

// KRPC query methods this client speaks.
const (
	methodPing     = "ping"
	methodFindNode = "find_node"
	methodGetPeers = "get_peers"
)

// QueryTimeout bounds how long one KRPC round trip is allowed to take.
const QueryTimeout = 15 * time.Second

// message is a decoded KRPC query, response or error envelope.
type message struct {
	transactionID string
	kind          string
	query         string
	args          map[string]string
	response      map[string]string
	values        []string // get_peers "values": compact peer strings
}

type pendingQuery struct {
	sentAt       time.Time
	responseChan chan *message
}

// transactionManager hands out transaction ids and matches responses back to
// the query that sent them, grounded on the same request/response
// correlation pattern internal/reqqueue uses for block requests.
type transactionManager struct {
	mu      sync.Mutex
	pending map[string]*pendingQuery
	counter uint16
}

func newTransactionManager() *transactionManager {
	return &transactionManager{pending: make(map[string]*pendingQuery)}
}

func (tm *transactionManager) next() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.counter++
	return string([]byte{byte(tm.counter >> 8), byte(tm.counter)})
}

func (tm *transactionManager) add(txID string) *pendingQuery {
	pq := &pendingQuery{sentAt: time.Now(), responseChan: make(chan *message, 1)}
	tm.mu.Lock()
	tm.pending[txID] = pq
	tm.mu.Unlock()
	return pq
}

func (tm *transactionManager) take(txID string) *pendingQuery {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	pq := tm.pending[txID]
	delete(tm.pending, txID)
	return pq
}

func encodePing(txID string, id NodeID) []byte {
	return encode(map[string]any{"t": txID, "y": queryType, "q": methodPing,
		"a": map[string]any{"id": string(id[:])}})
}

func encodePingResponse(txID string, id NodeID) []byte {
	return encode(map[string]any{"t": txID, "y": responseType,
		"r": map[string]any{"id": string(id[:])}})
}

func encodeFindNode(txID string, id, target NodeID) []byte {
	return encode(map[string]any{"t": txID, "y": queryType, "q": methodFindNode,
		"a": map[string]any{"id": string(id[:]), "target": string(target[:])}})
}

func encodeFindNodeResponse(txID string, id NodeID, nodes []byte) []byte {
	return encode(map[string]any{"t": txID, "y": responseType,
		"r": map[string]any{"id": string(id[:]), "nodes": string(nodes)}})
}

func encodeGetPeers(txID string, id NodeID, infoHash [20]byte) []byte {
	return encode(map[string]any{"t": txID, "y": queryType, "q": methodGetPeers,
		"a": map[string]any{"id": string(id[:]), "info_hash": string(infoHash[:])}})
}

func encodeGetPeersResponseNodes(txID string, id NodeID, token string, nodes []byte) []byte {
	return encode(map[string]any{"t": txID, "y": responseType,
		"r": map[string]any{"id": string(id[:]), "token": token, "nodes": string(nodes)}})
}

func encodeGetPeersResponsePeers(txID string, id NodeID, token string, peers []string) []byte {
	values := make([]any, len(peers))
	for i, p := range peers {
		values[i] = p
	}
	return encode(map[string]any{"t": txID, "y": responseType,
		"r": map[string]any{"id": string(id[:]), "token": token, "values": values}})
}

func encodeErrorMsg(txID string, code int64, msg string) []byte {
	return encode(map[string]any{"t": txID, "y": errorType, "e": []any{code, msg}})
}

func encode(v map[string]any) []byte {
	var buf bytes.Buffer
	// A KRPC message is always a dictionary of plain strings, ints, lists
	// and sub-dictionaries of the same; Marshal cannot fail on it.
	_ = bencode.Marshal(&buf, v)
	return buf.Bytes()
}

func decodeMessage(data []byte) (*message, error) {
	decoded, err := bencode.UnmarshalAny(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "dht: decode krpc message")
	}
	dict, ok := bencode.AsDict(decoded)
	if !ok {
		return nil, errors.New("dht: krpc message is not a dictionary")
	}

	txID, ok := bencode.AsString(dict["t"])
	if !ok {
		return nil, errors.New("dht: krpc message missing transaction id")
	}
	kind, ok := bencode.AsString(dict["y"])
	if !ok {
		return nil, errors.New("dht: krpc message missing type")
	}

	m := &message{transactionID: txID, kind: kind}
	switch kind {
	case queryType:
		m.query, _ = bencode.AsString(dict["q"])
		if a, ok := bencode.AsDict(dict["a"]); ok {
			m.args = stringDict(a)
		}
	case responseType:
		if r, ok := bencode.AsDict(dict["r"]); ok {
			m.response = stringDict(r)
			if values, ok := r["values"].([]any); ok {
				for _, v := range values {
					if s, ok := bencode.AsString(v); ok {
						m.values = append(m.values, s)
					}
				}
			}
		}
	}
	return m, nil
}

func stringDict(d map[string]any) map[string]string {
	out := make(map[string]string, len(d))
	for k, v := range d {
		if s, ok := bencode.AsString(v); ok {
			out[k] = s
		}
	}
	return out
}

func extractNodeID(m *message) (NodeID, error) {
	var idStr string
	switch m.kind {
	case queryType:
		idStr = m.args["id"]
	case responseType:
		idStr = m.response["id"]
	}
	var id NodeID
	if len(idStr) != 20 {
		return id, errors.Errorf("dht: invalid node id length %d", len(idStr))
	}
	copy(id[:], idStr)
	return id, nil
}

func extractNodes(m *message) ([]*NodeInfo, error) {
	if m.response == nil {
		return nil, nil
	}
	nodesStr, ok := m.response["nodes"]
	if !ok {
		return nil, nil
	}
	return ParseCompactNodes([]byte(nodesStr))
}

// parseCompactPeerList decodes a get_peers "values" list of 6-byte compact
// peer strings into "ip:port" addresses, reusing the same BEP 23 codec the
// HTTP tracker client decodes its compact peer list with.
func parseCompactPeerList(values []string) []string {
	var peers []string
	for _, v := range values {
		decoded, err := btid.DecodeCompactPeers([]byte(v))
		if err != nil || len(decoded) != 1 {
			continue
		}
		peers = append(peers, decoded[0].String())
	}
	return peers
}
