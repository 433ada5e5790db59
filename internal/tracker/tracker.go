// Package tracker announces to a BitTorrent HTTP tracker and parses its
// compact peer list response (BEP 23).
package tracker

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/go-torrent/client/internal/bencode"
	"github.com/go-torrent/client/internal/btid"
)

// Port range BEP 3 recommends clients listen on.
const (
	portRangeStart = 6881
	portRangeEnd   = 6889
)

// httpTimeout bounds one tracker HTTP request.
const httpTimeout = 30 * time.Second

// ErrAnnounceFailed wraps the last error seen after trying every port in
// the announce range, and after a tracker responds with a non-2xx status.
var ErrAnnounceFailed = errors.New("tracker: announce failed")

// Response is the tracker's reply to an announce.
type Response struct {
	Interval int
	Peers    []btid.PeerAddress
}

// Announce queries trackerURL (http/https only) for peers, trying each port
// in the recommended BitTorrent range until one succeeds. left is the
// number of bytes still needed (0 for a magnet download, whose size isn't
// known yet).
func Announce(trackerURL string, infoHash, peerID [20]byte, left int) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: parse announce url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}

	var lastErr error
	for port := portRangeStart; port <= portRangeEnd; port++ {
		resp, err := announceOnce(*u, infoHash, peerID, port, left)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(ErrAnnounceFailed, "tried every port in range, last error: %v", lastErr)
}

func announceOnce(u url.URL, infoHash, peerID [20]byte, port, left int) (*Response, error) {
	q := url.Values{
		"info_hash":  {string(infoHash[:])},
		"peer_id":    {string(peerID[:])},
		"port":       {strconv.Itoa(port)},
		"uploaded":   {"0"},
		"downloaded": {"0"},
		"left":       {strconv.Itoa(left)},
		"compact":    {"1"},
	}
	u.RawQuery = q.Encode()

	client := &http.Client{Timeout: httpTimeout}
	res, err := client.Get(u.String())
	if err != nil {
		return nil, errors.Wrap(err, "tracker: GET announce")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrAnnounceFailed, "status %s", res.Status)
	}

	decoded, err := bencode.UnmarshalAny(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: decode response")
	}
	return parseResponse(decoded)
}

func parseResponse(decoded any) (*Response, error) {
	dict, ok := bencode.AsDict(decoded)
	if !ok {
		return nil, errors.New("tracker: response is not a dictionary")
	}
	if reason, ok := bencode.AsString(dict["failure reason"]); ok {
		return nil, errors.Errorf("tracker: failure reason: %s", reason)
	}

	interval, _ := bencode.AsInt(dict["interval"])

	var peers []btid.PeerAddress
	if raw, ok := bencode.AsString(dict["peers"]); ok && raw != "" {
		decoded, err := btid.DecodeCompactPeers([]byte(raw))
		if err != nil {
			return nil, errors.Wrap(err, "tracker: decode compact peers")
		}
		peers = append(peers, decoded...)
	} else if list, ok := dict["peers"].([]any); ok {
		// non-compact dictionary-model response
		for _, item := range list {
			pd, ok := bencode.AsDict(item)
			if !ok {
				continue
			}
			ip, _ := bencode.AsString(pd["ip"])
			p, _ := bencode.AsInt(pd["port"])
			if addr, err := btid.ParsePeerAddress(ip + ":" + strconv.FormatInt(p, 10)); err == nil {
				peers = append(peers, addr)
			}
		}
	}
	if raw6, ok := bencode.AsString(dict["peers6"]); ok && raw6 != "" {
		// peers6 uses 18-byte records (16-byte IPv6 + 2-byte port); the
		// shared 6-byte compact decoder doesn't apply, so these are skipped
		// rather than misparsed. IPv6 trackers are rare enough in the pack's
		// grounding material that no example repo handles them either.
		_ = raw6
	}

	return &Response{Interval: int(interval), Peers: peers}, nil
}
