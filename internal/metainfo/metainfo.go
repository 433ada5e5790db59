// Package metainfo parses .torrent files and magnet links into the shared
// Info shape the rest of the engine downloads against.
package metainfo

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-torrent/client/internal/bencode"
)

// SubFile is one file inside a (possibly multi-file) torrent.
type SubFile struct {
	CumStart int
	Length   int
	Path     string
}

// Info is the parsed info dictionary of a torrent: everything needed to
// verify and lay out a download on disk.
type Info struct {
	Hash        [20]byte
	Name        string
	Length      int
	PieceLength int
	Pieces      [][20]byte
	Files       []SubFile
}

// Multi reports whether the torrent describes more than one file.
func (inf *Info) Multi() bool {
	return len(inf.Files) > 1
}

// NumPieces returns the number of pieces in the torrent.
func (inf *Info) NumPieces() int {
	return len(inf.Pieces)
}

// PieceLen returns the byte length of piece i, accounting for the final,
// possibly short, piece.
func (inf *Info) PieceLen(i int) int {
	if i == len(inf.Pieces)-1 && inf.Length%inf.PieceLength != 0 {
		return inf.Length % inf.PieceLength
	}
	return inf.PieceLength
}

// File is a torrent plus the list of trackers to announce to.
type File struct {
	Announce []string
	Info     *Info
}

func splitPieceHashes(pieces string) ([][20]byte, error) {
	raw := []byte(pieces)
	if len(raw)%20 != 0 {
		return nil, errors.Errorf("metainfo: pieces field has length %d, not divisible by 20", len(raw))
	}
	hashes := make([][20]byte, len(raw)/20)
	for i := range hashes {
		copy(hashes[i][:], raw[i*20:(i+1)*20])
	}
	return hashes, nil
}

func parseInfoDict(dict map[string]any) (*Info, error) {
	pieces, ok := bencode.AsString(dict["pieces"])
	if !ok || pieces == "" {
		return nil, errors.New("metainfo: info dictionary missing \"pieces\"")
	}
	name, ok := bencode.AsString(dict["name"])
	if !ok || name == "" {
		return nil, errors.New("metainfo: info dictionary missing \"name\"")
	}
	pieceLen, ok := bencode.AsInt(dict["piece length"])
	if !ok || pieceLen <= 0 {
		return nil, errors.New("metainfo: info dictionary missing or invalid \"piece length\"")
	}

	var files []SubFile
	total := 0
	if length, ok := bencode.AsInt(dict["length"]); ok {
		if length < 0 {
			return nil, errors.New("metainfo: negative \"length\"")
		}
		total = int(length)
		files = []SubFile{{Length: total, Path: name}}
	} else {
		rawFiles, ok := dict["files"].([]any)
		if !ok || len(rawFiles) == 0 {
			return nil, errors.New("metainfo: info dictionary missing \"length\" and \"files\"")
		}
		for i, rf := range rawFiles {
			fd, ok := bencode.AsDict(rf)
			if !ok {
				return nil, errors.Errorf("metainfo: files[%d] is not a dictionary", i)
			}
			length, ok := bencode.AsInt(fd["length"])
			if !ok || length < 0 {
				return nil, errors.Errorf("metainfo: files[%d] missing or invalid \"length\"", i)
			}
			rawPath, ok := fd["path"].([]any)
			if !ok || len(rawPath) == 0 {
				return nil, errors.Errorf("metainfo: files[%d] missing \"path\"", i)
			}
			parts := make([]string, len(rawPath))
			for j, p := range rawPath {
				s, _ := bencode.AsString(p)
				parts[j] = s
			}
			files = append(files, SubFile{CumStart: total, Length: int(length), Path: filepath.Join(parts...)})
			total += int(length)
		}
	}

	hashes, err := splitPieceHashes(pieces)
	if err != nil {
		return nil, err
	}

	hash, err := bencode.CanonicalHash(dict)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: hash info dictionary")
	}

	return &Info{
		Hash:        hash,
		Name:        name,
		Length:      total,
		PieceLength: int(pieceLen),
		Pieces:      hashes,
		Files:       files,
	}, nil
}

func flattenAnnounceList(raw []any) []string {
	var out []string
	for _, tierAny := range raw {
		tier, ok := tierAny.([]any)
		if !ok {
			continue
		}
		for _, u := range tier {
			s, ok := bencode.AsString(u)
			if ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Open reads and parses a .torrent file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: open torrent file")
	}
	defer f.Close()

	decoded, err := bencode.UnmarshalAny(f)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: decode torrent file")
	}
	dict, ok := bencode.AsDict(decoded)
	if !ok {
		return nil, errors.New("metainfo: torrent file is not a dictionary")
	}

	announce, ok := bencode.AsString(dict["announce"])
	var announceList []string
	if ok && announce != "" {
		announceList = []string{announce}
	}
	if rawList, ok := dict["announce-list"].([]any); ok {
		if flat := flattenAnnounceList(rawList); len(flat) > 0 {
			announceList = flat
		}
	}
	if len(announceList) == 0 {
		return nil, errors.New("metainfo: torrent file missing \"announce\"")
	}

	infoDict, ok := bencode.AsDict(dict["info"])
	if !ok {
		return nil, errors.New("metainfo: torrent file missing \"info\" dictionary")
	}
	info, err := parseInfoDict(infoDict)
	if err != nil {
		return nil, err
	}

	return &File{Announce: announceList, Info: info}, nil
}

// ParseInfoBytes parses a raw bencoded info dictionary fetched over the wire
// (e.g. via ut_metadata) and verifies it against expectedHash.
func ParseInfoBytes(raw []byte, expectedHash [20]byte) (*Info, error) {
	decoded, err := bencode.UnmarshalAny(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: decode info bytes")
	}
	dict, ok := bencode.AsDict(decoded)
	if !ok {
		return nil, errors.New("metainfo: info bytes are not a dictionary")
	}
	info, err := parseInfoDict(dict)
	if err != nil {
		return nil, err
	}
	if info.Hash != expectedHash {
		return nil, errors.Errorf("metainfo: info hash mismatch: got %x want %x", info.Hash, expectedHash)
	}
	return info, nil
}

// Magnet is a parsed magnet: URI (BEP 9).
type Magnet struct {
	Hash        [20]byte
	Name        string
	Trackers    []string
	PeerAddrs   []string // x.pe, BEP 9
	ExactSource string
}

// DisplayName returns the magnet's dn parameter, or a hash-derived fallback.
func (m *Magnet) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.DisplayHashHex()[:16] + "..."
}

// DisplayHashHex returns the magnet's info hash as a lowercase hex string.
func (m *Magnet) DisplayHashHex() string {
	return hex.EncodeToString(m.Hash[:])
}

// ParseMagnet parses a magnet: URI.
func ParseMagnet(raw string) (*Magnet, error) {
	if !strings.HasPrefix(raw, "magnet:?") {
		return nil, errors.New("metainfo: not a magnet link")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: parse magnet URI")
	}
	query := u.Query()

	hash, err := parseExactTopic(query)
	if err != nil {
		return nil, err
	}

	m := &Magnet{Hash: hash}
	if dn := query.Get("dn"); dn != "" {
		m.Name = dn
	}
	m.Trackers = query["tr"]
	m.PeerAddrs = query["x.pe"]
	m.ExactSource = query.Get("xs")
	return m, nil
}

func parseExactTopic(query url.Values) ([20]byte, error) {
	var hash [20]byte
	xts := query["xt"]
	if len(xts) == 0 {
		return hash, errors.New("metainfo: magnet link missing \"xt\"")
	}
	xt := xts[0]
	if !strings.HasPrefix(xt, "urn:btih:") {
		return hash, errors.Errorf("metainfo: unsupported \"xt\" format %q", xt)
	}
	enc := strings.TrimPrefix(xt, "urn:btih:")
	switch len(enc) {
	case 40:
		decoded, err := hex.DecodeString(enc)
		if err != nil {
			return hash, errors.Wrap(err, "metainfo: decode hex info hash")
		}
		copy(hash[:], decoded)
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
		if err != nil {
			return hash, errors.Wrap(err, "metainfo: decode base32 info hash")
		}
		copy(hash[:], decoded)
	default:
		return hash, errors.Errorf("metainfo: invalid info hash length %d", len(enc))
	}
	return hash, nil
}
