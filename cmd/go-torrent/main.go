// Command go-torrent is a subcommand-dispatching CLI over the download
// engine: bencode inspection, torrent/magnet introspection, and the actual
// piece/whole-torrent download operations.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-torrent/client/internal/bencode"
	"github.com/go-torrent/client/internal/btid"
	"github.com/go-torrent/client/internal/dht"
	"github.com/go-torrent/client/internal/download"
	"github.com/go-torrent/client/internal/extension"
	"github.com/go-torrent/client/internal/metainfo"
	"github.com/go-torrent/client/internal/session"
	"github.com/go-torrent/client/internal/tracker"
)

const (
	dialTimeout      = 5 * time.Second
	dhtLookupTimeout = 20 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: go-torrent <command> [arguments]")
		os.Exit(1)
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	if os.Getenv("GO_TORRENT_VERBOSE") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := dispatch(ctx, os.Args[1], os.Args[2:], log); err != nil {
		fmt.Fprintln(os.Stderr, errors.Cause(err))
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string, log *logrus.Entry) error {
	switch cmd {
	case "decode":
		return cmdDecode(args)
	case "info":
		return cmdInfo(args)
	case "peers":
		return cmdPeers(args)
	case "handshake":
		return cmdHandshake(ctx, args, log)
	case "download-piece":
		return cmdDownloadPiece(ctx, args, log)
	case "download":
		return cmdDownload(ctx, args, log)
	case "magnet-parse":
		return cmdMagnetParse(args)
	case "magnet-handshake":
		return cmdMagnetHandshake(ctx, args, log)
	case "magnet-info":
		return cmdMagnetInfo(ctx, args, log)
	case "magnet-download-piece":
		return cmdMagnetDownloadPiece(ctx, args, log)
	case "magnet-download":
		return cmdMagnetDownload(ctx, args, log)
	default:
		return errors.Errorf("unknown command %q", cmd)
	}
}

// --- bencode / metainfo inspection -----------------------------------------

func cmdDecode(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: go-torrent decode <bencoded value>")
	}
	decoded, err := bencode.UnmarshalAny(strings.NewReader(args[0]))
	if err != nil {
		return errors.Wrap(err, "decode")
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return errors.Wrap(err, "marshal decoded value")
	}
	fmt.Println(string(out))
	return nil
}

func cmdInfo(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: go-torrent info <torrent file>")
	}
	tf, err := metainfo.Open(args[0])
	if err != nil {
		return err
	}
	printInfo(tf.Announce[0], tf.Info)
	return nil
}

func printInfo(trackerURL string, info *metainfo.Info) {
	fmt.Printf("Tracker URL: %s\n", trackerURL)
	fmt.Printf("Length: %d\n", info.Length)
	fmt.Printf("Info Hash: %x\n", info.Hash)
	fmt.Printf("Piece Length: %d\n", info.PieceLength)
	fmt.Println("Piece Hashes:")
	for _, h := range info.Pieces {
		fmt.Printf("%x\n", h)
	}
}

// --- tracker / handshake -----------------------------------------------------

func cmdPeers(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: go-torrent peers <torrent file>")
	}
	tf, err := metainfo.Open(args[0])
	if err != nil {
		return err
	}
	id, err := download.ClientID()
	if err != nil {
		return err
	}
	resp, err := tracker.Announce(tf.Announce[0], tf.Info.Hash, id, tf.Info.Length)
	if err != nil {
		return err
	}
	for _, p := range resp.Peers {
		fmt.Println(p.String())
	}
	return nil
}

func cmdHandshake(ctx context.Context, args []string, log *logrus.Entry) error {
	if len(args) != 2 {
		return errors.New("usage: go-torrent handshake <torrent file> <peer ip:port>")
	}
	tf, err := metainfo.Open(args[0])
	if err != nil {
		return err
	}
	id, err := download.ClientID()
	if err != nil {
		return err
	}
	sess, err := dialAndOpen(ctx, args[1], tf.Info.Hash, id, log)
	if err != nil {
		return err
	}
	defer sess.Close()
	fmt.Printf("Peer ID: %x\n", sess.PeerID)
	return nil
}

func dialAndOpen(ctx context.Context, addr string, infoHash, clientID [20]byte, log *logrus.Entry) (*session.Session, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	sess, err := session.Open(conn, infoHash, clientID, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

// --- single-piece and whole-torrent download --------------------------------

func cmdDownloadPiece(ctx context.Context, args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("download-piece", flag.ContinueOnError)
	out := fs.String("o", "", "output file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if *out == "" || len(rest) != 2 {
		return errors.New("usage: go-torrent download-piece -o <output file> <torrent file> <piece index>")
	}
	index, err := strconv.Atoi(rest[1])
	if err != nil {
		return errors.Wrap(err, "parse piece index")
	}

	tf, err := metainfo.Open(rest[0])
	if err != nil {
		return err
	}
	id, err := download.ClientID()
	if err != nil {
		return err
	}
	resp, err := tracker.Announce(tf.Announce[0], tf.Info.Hash, id, tf.Info.Length)
	if err != nil {
		return err
	}
	peers := peerStrings(resp.Peers)

	data, err := download.DownloadPiece(ctx, tf.Info, peers, id, index, log)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return errors.Wrap(err, "write piece")
	}
	fmt.Printf("Piece %d downloaded to %s.\n", index, *out)
	return nil
}

func cmdDownload(ctx context.Context, args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	out := fs.String("o", "", "output file path")
	rarest := fs.Bool("r", false, "use rarest-first piece selection")
	fs.BoolVar(rarest, "rarest-first", false, "use rarest-first piece selection")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return errors.New("usage: go-torrent download [-o <output file>] [-r] <torrent file>")
	}

	tf, err := metainfo.Open(rest[0])
	if err != nil {
		return err
	}
	id, err := download.ClientID()
	if err != nil {
		return err
	}
	resp, err := tracker.Announce(tf.Announce[0], tf.Info.Hash, id, tf.Info.Length)
	if err != nil {
		return err
	}
	peers := peerStrings(resp.Peers)
	if len(peers) == 0 {
		return errors.Wrap(download.ErrNoPeersAvailable, "tracker returned none")
	}

	outPath := *out
	if outPath == "" {
		outPath = tf.Info.Name
	}
	opts := download.Options{RarestFirst: *rarest, Log: log, OnProgress: progressLogger(log)}
	if err := downloadToPath(ctx, tf.Info, peers, id, outPath, opts); err != nil {
		return err
	}
	fmt.Printf("Downloaded %s to %s.\n", rest[0], outPath)
	return nil
}

// downloadToPath runs the whole-torrent coordinator into outPath's parent
// directory (the torrent's own layout, possibly multiple files) and, for a
// single-file torrent whose requested name differs from the one recorded in
// the torrent, renames the result onto outPath.
func downloadToPath(ctx context.Context, info *metainfo.Info, peers []string, clientID [20]byte, outPath string, opts download.Options) error {
	dir := filepath.Dir(outPath)
	if dir == "" {
		dir = "."
	}
	opts.OutputDir = dir
	if err := download.Download(ctx, info, peers, clientID, opts); err != nil {
		return err
	}
	if info.Multi() {
		return nil
	}
	produced := filepath.Join(dir, info.Name)
	if produced != outPath {
		if err := os.Rename(produced, outPath); err != nil {
			return errors.Wrap(err, "rename downloaded file")
		}
	}
	return nil
}

func progressLogger(log *logrus.Entry) download.ProgressFunc {
	return func(completed, total int, downloaded, totalBytes int64) {
		log.WithFields(logrus.Fields{
			"pieces": fmt.Sprintf("%d/%d", completed, total),
			"bytes":  fmt.Sprintf("%s/%s", humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(totalBytes))),
		}).Info("progress")
	}
}

// --- magnet links -------------------------------------------------------------

func cmdMagnetParse(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: go-torrent magnet-parse <magnet uri>")
	}
	m, err := metainfo.ParseMagnet(args[0])
	if err != nil {
		return err
	}
	if len(m.Trackers) > 0 {
		fmt.Printf("Tracker URL: %s\n", m.Trackers[0])
	}
	fmt.Printf("Info Hash: %s\n", m.DisplayHashHex())
	return nil
}

func cmdMagnetHandshake(ctx context.Context, args []string, log *logrus.Entry) error {
	if len(args) != 1 {
		return errors.New("usage: go-torrent magnet-handshake <magnet uri>")
	}
	m, err := metainfo.ParseMagnet(args[0])
	if err != nil {
		return err
	}
	id, err := download.ClientID()
	if err != nil {
		return err
	}
	peers, err := magnetPeers(m, id)
	if err != nil {
		return err
	}

	sess, err := dialAndOpen(ctx, peers[0], m.Hash, id, log)
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Printf("Peer ID: %x\n", sess.PeerID)
	if extID, ok := sess.ExtensionID(extension.UtMetadataName); ok {
		fmt.Printf("Peer Metadata Extension ID: %d\n", extID)
	}
	return nil
}

func cmdMagnetInfo(ctx context.Context, args []string, log *logrus.Entry) error {
	if len(args) != 1 {
		return errors.New("usage: go-torrent magnet-info <magnet uri>")
	}
	m, err := metainfo.ParseMagnet(args[0])
	if err != nil {
		return err
	}
	id, err := download.ClientID()
	if err != nil {
		return err
	}
	peers, err := magnetPeers(m, id)
	if err != nil {
		return err
	}
	info, err := download.FetchMetadata(ctx, m, peers, id, log)
	if err != nil {
		return err
	}
	trackerURL := ""
	if len(m.Trackers) > 0 {
		trackerURL = m.Trackers[0]
	}
	printInfo(trackerURL, info)
	return nil
}

func cmdMagnetDownloadPiece(ctx context.Context, args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("magnet-download-piece", flag.ContinueOnError)
	out := fs.String("o", "", "output file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if *out == "" || len(rest) != 2 {
		return errors.New("usage: go-torrent magnet-download-piece -o <output file> <magnet uri> <piece index>")
	}
	index, err := strconv.Atoi(rest[1])
	if err != nil {
		return errors.Wrap(err, "parse piece index")
	}

	m, err := metainfo.ParseMagnet(rest[0])
	if err != nil {
		return err
	}
	id, err := download.ClientID()
	if err != nil {
		return err
	}
	peers, err := magnetPeersWithDHT(ctx, m, id, log)
	if err != nil {
		return err
	}
	info, err := download.FetchMetadata(ctx, m, peers, id, log)
	if err != nil {
		return err
	}
	data, err := download.DownloadPiece(ctx, info, peers, id, index, log)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return errors.Wrap(err, "write piece")
	}
	fmt.Printf("Piece %d downloaded to %s.\n", index, *out)
	return nil
}

func cmdMagnetDownload(ctx context.Context, args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("magnet-download", flag.ContinueOnError)
	out := fs.String("o", "", "output file path")
	rarest := fs.Bool("r", false, "use rarest-first piece selection")
	fs.BoolVar(rarest, "rarest-first", false, "use rarest-first piece selection")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return errors.New("usage: go-torrent magnet-download [-o <output file>] [-r] <magnet uri>")
	}

	m, err := metainfo.ParseMagnet(rest[0])
	if err != nil {
		return err
	}
	id, err := download.ClientID()
	if err != nil {
		return err
	}
	peers, err := magnetPeersWithDHT(ctx, m, id, log)
	if err != nil {
		return err
	}
	info, err := download.FetchMetadata(ctx, m, peers, id, log)
	if err != nil {
		return err
	}

	outPath := *out
	if outPath == "" {
		outPath = m.DisplayName()
	}
	opts := download.Options{RarestFirst: *rarest, Log: log, OnProgress: progressLogger(log)}
	if err := downloadToPath(ctx, info, peers, id, outPath, opts); err != nil {
		return err
	}
	fmt.Printf("Downloaded %s to %s.\n", rest[0], outPath)
	return nil
}

// magnetPeers collects peer addresses embedded directly in the magnet link
// (x.pe) plus whatever any named tracker announces.
func magnetPeers(m *metainfo.Magnet, clientID [20]byte) ([]string, error) {
	peers := append([]string{}, m.PeerAddrs...)
	for _, t := range m.Trackers {
		resp, err := tracker.Announce(t, m.Hash, clientID, 0)
		if err != nil {
			continue
		}
		peers = append(peers, peerStrings(resp.Peers)...)
	}
	if len(peers) == 0 {
		return nil, errors.Wrap(download.ErrNoPeersAvailable, "magnet link supplied neither trackers nor peers")
	}
	return peers, nil
}

// magnetPeersWithDHT supplements magnetPeers with a best-effort DHT
// get_peers lookup, used by the two commands (magnet-download,
// magnet-download-piece) that actually move piece data and so benefit most
// from a larger peer set.
func magnetPeersWithDHT(ctx context.Context, m *metainfo.Magnet, clientID [20]byte, log *logrus.Entry) ([]string, error) {
	peers := append([]string{}, m.PeerAddrs...)
	for _, t := range m.Trackers {
		resp, err := tracker.Announce(t, m.Hash, clientID, 0)
		if err != nil {
			continue
		}
		peers = append(peers, peerStrings(resp.Peers)...)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, dhtLookupTimeout)
	defer cancel()
	if found, err := dht.DiscoverPeers(lookupCtx, m.Hash, log); err == nil {
		seen := make(map[string]bool, len(peers))
		for _, p := range peers {
			seen[p] = true
		}
		for _, p := range found {
			if !seen[p] {
				seen[p] = true
				peers = append(peers, p)
			}
		}
	} else {
		log.WithError(err).Debug("dht peer lookup failed")
	}

	if len(peers) == 0 {
		return nil, errors.Wrap(download.ErrNoPeersAvailable, "magnet link supplied neither trackers, x.pe peers, nor DHT results")
	}
	return peers, nil
}

func peerStrings(peers []btid.PeerAddress) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.String()
	}
	return out
}
