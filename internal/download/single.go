package download

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-torrent/client/internal/metainfo"
)

// DownloadPiece fetches and verifies exactly one piece of info from
// whichever of peerAddrs has it, without touching disk or resumable
// state — the single-piece counterpart to Download, grounded on the
// teacher's single-peer downloadPiece plus its DownloadPieces dispatch
// loop collapsed to one piece and one winning peer.
func DownloadPiece(ctx context.Context, info *metainfo.Info, peerAddrs []string, clientID [20]byte, index int, log *logrus.Entry) ([]byte, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if index < 0 || index >= info.NumPieces() {
		return nil, errors.Errorf("download: piece index %d out of range [0,%d)", index, info.NumPieces())
	}

	var lastErr error = ErrNoPeersAvailable
	for _, addr := range peerAddrs {
		data, err := downloadPieceFromPeer(ctx, addr, info, clientID, index, log)
		if err != nil {
			lastErr = err
			log.WithError(err).WithField("peer", addr).Debug("piece download failed")
			continue
		}
		return data, nil
	}
	return nil, errors.Wrap(lastErr, "download: no peer served the requested piece")
}

func downloadPieceFromPeer(ctx context.Context, addr string, info *metainfo.Info, clientID [20]byte, index int, log *logrus.Entry) ([]byte, error) {
	peerLog := log.WithField("peer", addr)
	b, err := connectPeer(ctx, addr, info.Hash, clientID, peerLog)
	if err != nil {
		return nil, err
	}
	defer b.Session().Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(runCtx) }()

	readyCtx, readyCancel := context.WithTimeout(ctx, readyTimeout)
	err = b.Ready(readyCtx)
	readyCancel()
	if err != nil {
		return nil, errors.Wrap(err, "peer never unchoked us")
	}

	if !b.Session().HasPiece(index) {
		return nil, errors.Errorf("peer does not have piece %d", index)
	}
	if err := b.RequestPiece(index, info.PieceLen(index), info.Pieces[index]); err != nil {
		return nil, err
	}

	select {
	case cp := <-b.Completed():
		if cp.Err != nil {
			return nil, cp.Err
		}
		return cp.Data, nil
	case err := <-runErr:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
