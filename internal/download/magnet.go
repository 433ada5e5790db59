package download

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-torrent/client/internal/broker"
	"github.com/go-torrent/client/internal/extension"
	"github.com/go-torrent/client/internal/metainfo"
	"github.com/go-torrent/client/internal/peerwire"
	"github.com/go-torrent/client/internal/session"
)

// FetchMetadata retrieves a magnet link's info dictionary over the wire
// (BEP 9) from the first peer in peerAddrs that both supports ut_metadata
// and already has the metadata, verifying the assembled bytes against the
// magnet's info-hash before returning.
func FetchMetadata(ctx context.Context, m *metainfo.Magnet, peerAddrs []string, clientID [20]byte, log *logrus.Entry) (*metainfo.Info, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var lastErr error = ErrNoPeersAvailable
	for _, addr := range peerAddrs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		info, err := fetchMetadataFromPeer(ctx, addr, m, clientID, log)
		if err != nil {
			lastErr = err
			log.WithError(err).WithField("peer", addr).Debug("metadata fetch failed")
			continue
		}
		return info, nil
	}
	return nil, errors.Wrap(lastErr, "download: no peer supplied the torrent's metadata")
}

func fetchMetadataFromPeer(ctx context.Context, addr string, m *metainfo.Magnet, clientID [20]byte, log *logrus.Entry) (*metainfo.Info, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()

	sess, err := session.Open(conn, m.Hash, clientID, log)
	if err != nil {
		return nil, errors.Wrap(err, "handshake")
	}
	extID, ok := sess.ExtensionID(extension.UtMetadataName)
	if !ok {
		return nil, extension.ErrExtensionUnsupported
	}
	size := sess.MetadataSize()
	if size <= 0 {
		return nil, errors.New("peer did not advertise a metadata size")
	}

	asm := extension.NewAssembler(size)
	done := make(chan *metainfo.Info, 1)
	failed := make(chan error, 1)
	reportErr := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	b := broker.New(sess, asm.NumPieces(), log)
	b.OnExtended(func(ext peerwire.Extended) {
		msg, err := extension.ParseMetadataMessage(ext.Payload)
		if err != nil {
			reportErr(err)
			return
		}
		if msg.Rejected {
			reportErr(extension.ErrMetadataRejected)
			return
		}
		complete, err := asm.Deliver(msg.Piece, msg.Data)
		if err != nil {
			reportErr(err)
			return
		}
		if !complete {
			return
		}
		raw, err := asm.Finish(m.Hash)
		if err != nil {
			reportErr(err)
			return
		}
		info, err := metainfo.ParseInfoBytes(raw, m.Hash)
		if err != nil {
			reportErr(err)
			return
		}
		select {
		case done <- info:
		default:
		}
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(runCtx) }()

	readyCtx, cancelReady := context.WithTimeout(ctx, readyTimeout)
	err = b.Ready(readyCtx)
	cancelReady()
	if err != nil {
		return nil, errors.Wrap(err, "peer never unchoked us")
	}

	for piece := 0; piece < asm.NumPieces(); piece++ {
		if err := sess.Send(extension.BuildMetadataRequest(extID, piece)); err != nil {
			return nil, errors.Wrap(err, "send metadata request")
		}
	}

	select {
	case info := <-done:
		return info, nil
	case err := <-failed:
		return nil, err
	case err := <-runErr:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
