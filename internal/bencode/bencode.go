// Package bencode is the engine's only point of contact with the bencode
// wire format. It wraps github.com/jackpal/bencode-go rather than
// reimplementing a decoder, since encoding/decoding tagged bencode values is
// explicitly an external collaborator of the peer-wire engine (metainfo
// parsing, tracker responses and ut_metadata payloads all lean on it, but
// none of them are part of the framing/session/queue/reassembly/broker/pool
// core).
package bencode

import (
	"bytes"
	"crypto/sha1"
	"io"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// Unmarshal decodes bencoded data from r into v, following the same
// struct-tag rules as encoding/json ("bencode:\"name\"").
func Unmarshal(r io.Reader, v any) error {
	return errors.Wrap(bencode.Unmarshal(r, v), "bencode decode")
}

// Marshal encodes v as bencode and writes the result to w.
func Marshal(w io.Writer, v any) error {
	return errors.Wrap(bencode.Marshal(w, v), "bencode encode")
}

// UnmarshalAny decodes bencoded data into a generic value: string, int64,
// []any or map[string]any. It is used where the dictionary's key set isn't
// known ahead of time, such as the extension handshake's "m" table.
func UnmarshalAny(r io.Reader) (any, error) {
	var v any
	if err := bencode.Unmarshal(r, &v); err != nil {
		return nil, errors.Wrap(err, "bencode decode")
	}
	return v, nil
}

// CanonicalHash re-marshals v (expected to be the decoded "info" dictionary
// of a torrent file) and returns the SHA-1 of the canonical bencoding. The
// library sorts dictionary keys and omits redundant signs/zeros on encode,
// so this equals the SHA-1 of the original encoded "info" value regardless
// of the original file's key order.
func CanonicalHash(v any) ([20]byte, error) {
	var buf bytes.Buffer
	if err := Marshal(&buf, v); err != nil {
		return [20]byte{}, err
	}
	return sha1.Sum(buf.Bytes()), nil
}

// AsDict type-asserts a generic decode result to a string-keyed dictionary.
func AsDict(v any) (map[string]any, bool) {
	d, ok := v.(map[string]any)
	return d, ok
}

// AsString type-asserts a generic decode result to a bencode string.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsInt type-asserts a generic decode result to a bencode integer.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
