package download

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-torrent/client/internal/btid"
)

// State is the persistent, resumable record of one download: which pieces
// have landed on disk, where, and from which sources. It is written to a
// JSON sidecar under the user's cache directory so an interrupted download
// can skip re-verifying and re-fetching completed pieces next run.
type State struct {
	InfoHash    [20]byte      `json:"infoHash"`
	Name        string        `json:"name"`
	OutputDir   string        `json:"outputDir"`
	TotalPieces int           `json:"totalPieces"`
	PieceLength int           `json:"pieceLength"`
	TotalLength int           `json:"totalLength"`
	Downloaded  btid.Bitfield `json:"downloaded"`
	Peers       []string      `json:"peers"`
	TorrentPath string        `json:"torrentPath,omitempty"`
	MagnetLink  string        `json:"magnetLink,omitempty"`

	mu sync.RWMutex
}

// StateDir returns the directory state sidecars are stored in, creating it
// if necessary.
func StateDir() string {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	dir := filepath.Join(cacheDir, "go-torrent", "state")
	os.MkdirAll(dir, 0o755)
	return dir
}

func stateFile(infoHash [20]byte) string {
	return filepath.Join(StateDir(), fmt.Sprintf("%x.json", infoHash))
}

// NewState creates a fresh State with nothing downloaded yet.
func NewState(infoHash [20]byte, name, outputDir string, totalPieces, pieceLength, totalLength int) *State {
	return &State{
		InfoHash:    infoHash,
		Name:        name,
		OutputDir:   outputDir,
		TotalPieces: totalPieces,
		PieceLength: pieceLength,
		TotalLength: totalLength,
		Downloaded:  make(btid.Bitfield, (totalPieces+7)/8),
	}
}

// LoadState loads a previously saved State for infoHash, if one exists.
func LoadState(infoHash [20]byte) (*State, error) {
	data, err := os.ReadFile(stateFile(infoHash))
	if err != nil {
		return nil, errors.Wrap(err, "download: read state file")
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "download: parse state file")
	}
	return &s, nil
}

// Save persists the state to its sidecar file.
func (s *State) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "download: marshal state")
	}
	return errors.Wrap(os.WriteFile(stateFile(s.InfoHash), data, 0o644), "download: write state file")
}

// Delete removes the state sidecar, called once a download completes.
func (s *State) Delete() error {
	err := os.Remove(stateFile(s.InfoHash))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MarkComplete records piece index as downloaded and verified.
func (s *State) MarkComplete(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Downloaded.Set(index)
}

// ClearPiece un-marks a piece, e.g. after on-disk re-verification finds it
// corrupted.
func (s *State) ClearPiece(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Downloaded.Unset(index)
}

// IsComplete reports whether piece index has already been downloaded.
func (s *State) IsComplete(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Downloaded.Get(index)
}

// CompletedCount returns how many of the torrent's pieces are marked done.
func (s *State) CompletedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Downloaded.Count(s.TotalPieces)
}

// Progress returns completion as a percentage in [0, 100].
func (s *State) Progress() float64 {
	if s.TotalPieces == 0 {
		return 0
	}
	return float64(s.CompletedCount()) / float64(s.TotalPieces) * 100
}

// AddPeers merges newly discovered peer addresses into the state, skipping
// duplicates.
func (s *State) AddPeers(peers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.Peers))
	for _, p := range s.Peers {
		seen[p] = true
	}
	for _, p := range peers {
		if !seen[p] {
			seen[p] = true
			s.Peers = append(s.Peers, p)
		}
	}
}
