// Package download coordinates a whole-torrent download: connecting to a
// swarm of peers, dispatching pieces to them (optionally rarest-first),
// reassembling and verifying each piece, writing it to its file(s) on disk,
// and persisting resumable progress.
package download

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/go-torrent/client/internal/broker"
	"github.com/go-torrent/client/internal/metainfo"
	"github.com/go-torrent/client/internal/pool"
	"github.com/go-torrent/client/internal/session"
)

const (
	dialTimeout   = 5 * time.Second
	readyTimeout  = 15 * time.Second
	maxPeerConns  = 30
	maxDispatches = 16
	pollInterval  = 200 * time.Millisecond
	stallCheck    = 2 * time.Second
)

// ProgressFunc is called after every piece that lands on disk.
type ProgressFunc func(completedPieces, totalPieces int, downloadedBytes, totalBytes int64)

// Options configures a download.
type Options struct {
	OutputDir   string
	RarestFirst bool // select the rarest available piece first instead of in order
	OnProgress  ProgressFunc
	Log         *logrus.Entry
}

func (o Options) logger() *logrus.Entry {
	if o.Log != nil {
		return o.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// ClientID returns a random Azureus-style peer id: '-', "GT", a four digit
// version, '-', followed by 12 random bytes.
func ClientID() ([20]byte, error) {
	id := [20]byte{'-', 'G', 'T', '0', '1', '0', '4', '-'}
	_, err := rand.Read(id[8:])
	return id, errors.Wrap(err, "download: generate client id")
}

// Download fetches every piece of info from peerAddrs into opts.OutputDir,
// resuming a previous run's progress if a saved state exists, and blocks
// until the torrent completes, every peer is exhausted, or ctx is
// cancelled.
//
// Connected peers are rotated through a pool.Pool so that several
// dispatcher goroutines can pull work fairly across however many peers
// answered, rather than pinning one goroutine to one peer for the whole
// download.
func Download(parent context.Context, info *metainfo.Info, peerAddrs []string, clientID [20]byte, opts Options) error {
	log := opts.logger().WithField("torrent", info.Name)

	state, err := LoadState(info.Hash)
	if err != nil {
		state = NewState(info.Hash, info.Name, opts.OutputDir, info.NumPieces(), info.PieceLength, info.Length)
	}
	state.AddPeers(peerAddrs)

	lay := newLayout(opts.OutputDir, info)
	defer lay.Close()

	pieces := make([]pieceWork, info.NumPieces())
	for i := range pieces {
		pieces[i] = pieceWork{Index: i, Hash: info.Pieces[i], Length: info.PieceLen(i)}
	}
	queue := newPieceQueue(pieces, state.IsComplete)
	if queue.Done() {
		log.Info("torrent already complete")
		return state.Delete()
	}

	log.WithFields(logrus.Fields{
		"pieces": info.NumPieces(),
		"size":   humanize.Bytes(uint64(info.Length)),
		"peers":  len(peerAddrs),
	}).Info("starting download")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	brokers := pool.New[*broker.Broker](nil)

	var connectWG sync.WaitGroup
	dialed := 0
	for _, addr := range peerAddrs {
		if dialed >= maxPeerConns {
			break
		}
		dialed++
		connectWG.Add(1)
		go func(addr string) {
			defer connectWG.Done()
			connectAndServe(ctx, addr, info.Hash, clientID, queue, brokers, opts, log)
		}(addr)
	}
	go watchForStall(ctx, cancel, &connectWG, brokers, queue)

	group, gctx := errgroup.WithContext(ctx)
	workers := dialed
	if workers > maxDispatches {
		workers = maxDispatches
	}
	if workers == 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			return dispatchLoop(gctx, brokers, queue, lay, state, info, opts)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	connectWG.Wait()
	if !queue.Done() {
		return errors.New("download: ran out of peers before every piece was downloaded")
	}

	log.Info("download complete")
	return state.Delete()
}

// connectAndServe dials addr, registers its bitfield for rarest-first
// selection, adds it to the rotation, and keeps its read loop running until
// the connection dies or ctx is cancelled. Any failure here is a peer-local
// problem, not a download-fatal one.
func connectAndServe(ctx context.Context, addr string, infoHash, clientID [20]byte, queue *pieceQueue, brokers *pool.Pool[*broker.Broker], opts Options, log *logrus.Entry) {
	peerLog := log.WithField("peer", addr)
	b, err := connectPeer(ctx, addr, infoHash, clientID, peerLog)
	if err != nil {
		peerLog.WithError(err).Debug("connect failed")
		return
	}
	defer b.Session().Close()

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()
	err = b.Ready(readyCtx)
	cancel()
	if err != nil {
		peerLog.WithError(err).Debug("peer never unchoked us")
		return
	}

	if opts.RarestFirst {
		queue.RegisterPeer(b.Session().HasPiece)
	}
	brokers.Add(b)

	<-runErr // block until the connection drops or ctx is cancelled
}

func connectPeer(ctx context.Context, addr string, infoHash, clientID [20]byte, log *logrus.Entry) (*broker.Broker, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	sess, err := session.Open(conn, infoHash, clientID, log)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "handshake with %s", addr)
	}
	b := broker.New(sess, 8, log)
	if err := b.SendInterested(); err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "send interested")
	}
	return b, nil
}

// dispatchLoop repeatedly acquires a broker from the rotation, gives it one
// piece to fetch, and either returns it to the rotation (broker still
// healthy) or drops it (broker's connection has failed) before looping.
func dispatchLoop(ctx context.Context, brokers *pool.Pool[*broker.Broker], queue *pieceQueue, lay *layout, state *State, info *metainfo.Info, opts Options) error {
	for !queue.Done() {
		handle, err := brokers.Acquire(ctx)
		if err != nil {
			return err
		}
		b := handle.Value()

		work, ok := queue.Take(b.Session().HasPiece)
		if !ok {
			handle.Release()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		if err := b.RequestPiece(work.Index, work.Length, work.Hash); err != nil {
			b.Abandon(work.Index, work.Length)
			queue.Return(work.Index)
			continue // drop the broker: its connection has failed
		}

		select {
		case <-ctx.Done():
			queue.Return(work.Index)
			return ctx.Err()
		case cp := <-b.Completed():
			handle.Release()
			if cp.Err != nil {
				opts.logger().WithError(cp.Err).WithField("piece", cp.Index).Warn("piece failed verification, returning to queue")
				queue.Return(cp.Index)
				continue
			}
			if err := lay.WritePiece(cp.Index, cp.Data); err != nil {
				queue.Return(cp.Index)
				return errors.Wrap(err, "write piece to disk")
			}
			queue.Complete(cp.Index)
			state.MarkComplete(cp.Index)
			if err := state.Save(); err != nil {
				opts.logger().WithError(err).Debug("save state failed")
			}
			if opts.OnProgress != nil {
				opts.OnProgress(state.CompletedCount(), info.NumPieces(),
					int64(state.CompletedCount())*int64(info.PieceLength), int64(info.Length))
			}
		}
	}
	return nil
}

// watchForStall cancels ctx once every dial attempt has finished and the
// rotation is empty (no peer ever served us, or every peer has since
// dropped), so dispatchLoop's Acquire calls don't block forever. A live
// engine would fall back to re-announcing to its trackers for fresh peers
// instead; that swarm-maintenance behavior is out of scope here.
func watchForStall(ctx context.Context, cancel context.CancelFunc, connectWG *sync.WaitGroup, brokers *pool.Pool[*broker.Broker], queue *pieceQueue) {
	allDialed := make(chan struct{})
	go func() {
		connectWG.Wait()
		close(allDialed)
	}()

	dialedDone := false
	ticker := time.NewTicker(stallCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-allDialed:
			dialedDone = true
		case <-ticker.C:
			if dialedDone && brokers.Len() == 0 && !queue.Done() {
				cancel()
				return
			}
		}
	}
}
