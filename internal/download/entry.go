package download

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-torrent/client/internal/dht"
	"github.com/go-torrent/client/internal/metainfo"
	"github.com/go-torrent/client/internal/tracker"
)

// dhtLookupTimeout bounds how long a magnet download waits on the DHT
// get_peers lookup before proceeding with whatever tracker/x.pe peers it
// already has; the DHT is a supplement, not a dependency.
const dhtLookupTimeout = 20 * time.Second

// ErrNoPeersAvailable is returned when every peer source for a download —
// trackers, a magnet link's x.pe parameters, and the DHT — came back empty.
var ErrNoPeersAvailable = errors.New("download: no peers available")

// DownloadTorrentFile opens a .torrent file, announces to its trackers, and
// downloads it into opts.OutputDir.
func DownloadTorrentFile(ctx context.Context, path string, opts Options) error {
	tf, err := metainfo.Open(path)
	if err != nil {
		return err
	}
	id, err := ClientID()
	if err != nil {
		return err
	}
	peers, err := announceAll(tf.Announce, tf.Info.Hash, id, tf.Info.Length)
	if err != nil {
		return errors.Wrap(err, "download: announce")
	}
	if len(peers) == 0 {
		return errors.Wrap(ErrNoPeersAvailable, "no trackers returned any peers")
	}
	return Download(ctx, tf.Info, peers, id, opts)
}

// DownloadMagnetLink parses a magnet: URI, collects peers from its trackers
// and x.pe parameters, fetches its metadata out-of-band, and downloads it
// into opts.OutputDir.
func DownloadMagnetLink(ctx context.Context, raw string, opts Options) error {
	m, err := metainfo.ParseMagnet(raw)
	if err != nil {
		return err
	}
	id, err := ClientID()
	if err != nil {
		return err
	}

	peers := append([]string{}, m.PeerAddrs...)
	if len(m.Trackers) > 0 {
		if announced, aerr := announceAll(m.Trackers, m.Hash, id, 0); aerr == nil {
			peers = append(peers, announced...)
		} else {
			opts.logger().WithError(aerr).Debug("magnet tracker announce failed")
		}
	}
	peers = mergeUnique(peers, dhtPeers(ctx, m.Hash, opts.logger()))
	if len(peers) == 0 {
		return errors.Wrap(ErrNoPeersAvailable, "magnet link supplied neither trackers, x.pe peers, nor DHT peers")
	}

	info, err := FetchMetadata(ctx, m, peers, id, opts.Log)
	if err != nil {
		return errors.Wrap(err, "download: fetch metadata")
	}
	return Download(ctx, info, peers, id, opts)
}

// announceAll queries every tracker in trackers and merges their peer
// lists, deduplicating by address. Grounded on the teacher's PeerCollector
// in tracker.go, which does the same merge across QueryHTTPTracker calls.
func announceAll(trackers []string, infoHash, peerID [20]byte, left int) ([]string, error) {
	seen := make(map[string]bool)
	var peers []string
	var lastErr error
	for _, t := range trackers {
		resp, err := tracker.Announce(t, infoHash, peerID, left)
		if err != nil {
			lastErr = err
			continue
		}
		for _, p := range resp.Peers {
			addr := p.String()
			if !seen[addr] {
				seen[addr] = true
				peers = append(peers, addr)
			}
		}
	}
	if len(peers) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return peers, nil
}

// dhtPeers runs a best-effort DHT get_peers lookup for infoHash, supplementing
// whatever trackers and x.pe parameters a magnet link already supplied. A
// failed or empty lookup is not fatal to the download: magnet links were
// downloadable from trackers alone before this supplement existed.
func dhtPeers(ctx context.Context, infoHash [20]byte, log *logrus.Entry) []string {
	lookupCtx, cancel := context.WithTimeout(ctx, dhtLookupTimeout)
	defer cancel()
	peers, err := dht.DiscoverPeers(lookupCtx, infoHash, log)
	if err != nil {
		log.WithError(err).Debug("dht peer lookup failed")
		return nil
	}
	return peers
}

// mergeUnique appends extra to base, skipping addresses already present.
func mergeUnique(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, p := range base {
		seen[p] = true
	}
	for _, p := range extra {
		if !seen[p] {
			seen[p] = true
			base = append(base, p)
		}
	}
	return base
}
