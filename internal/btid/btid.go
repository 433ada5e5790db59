// Package btid holds the small immutable identifier types shared by every
// layer of the download engine: 20-byte SHA-1 digests and peer addresses.
package btid

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Hash is a 20-octet value used for SHA-1 digests, info-hashes and peer ids.
type Hash [20]byte

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Equal reports whether two hashes hold the same bytes.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// HashFromHex decodes a 40-character hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrap(err, "invalid hex hash")
	}
	if len(decoded) != len(h) {
		return h, errors.Errorf("invalid hash length %d, expected %d", len(decoded), len(h))
	}
	copy(h[:], decoded)
	return h, nil
}

// PeerAddress is an IPv4 address plus port, as exchanged by trackers.
type PeerAddress struct {
	IP   net.IP
	Port uint16
}

// String renders the address as "a.b.c.d:p".
func (p PeerAddress) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// ParsePeerAddress parses "a.b.c.d:p" into a PeerAddress.
func ParsePeerAddress(s string) (PeerAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return PeerAddress{}, errors.Wrapf(err, "invalid peer address %q", s)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return PeerAddress{}, errors.Errorf("invalid peer ip %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return PeerAddress{}, errors.Wrapf(err, "invalid peer port %q", portStr)
	}
	return PeerAddress{IP: ip, Port: uint16(port)}, nil
}

// compactPeerSize is the length in bytes of one compact peer record (BEP 23).
const compactPeerSize = 6

// DecodeCompactPeers decodes a tracker's compact peer list: 4 bytes of IPv4
// followed by 2 bytes of big-endian port, repeated.
func DecodeCompactPeers(raw []byte) ([]PeerAddress, error) {
	if len(raw)%compactPeerSize != 0 {
		return nil, errors.Errorf("compact peer list has length %d, not a multiple of %d", len(raw), compactPeerSize)
	}
	n := len(raw) / compactPeerSize
	peers := make([]PeerAddress, n)
	for i := 0; i < n; i++ {
		off := i * compactPeerSize
		ip := make(net.IP, 4)
		copy(ip, raw[off:off+4])
		port := uint16(raw[off+4])<<8 | uint16(raw[off+5])
		peers[i] = PeerAddress{IP: ip, Port: port}
	}
	return peers, nil
}

// EncodeCompactPeer encodes a single peer into its 6-byte compact form.
func EncodeCompactPeer(p PeerAddress) ([]byte, error) {
	ip4 := p.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("peer %s is not an IPv4 address", p)
	}
	out := make([]byte, compactPeerSize)
	copy(out, ip4)
	out[4] = byte(p.Port >> 8)
	out[5] = byte(p.Port)
	return out, nil
}

// Bitfield is a growable bitmap indexed by piece number, shared by every
// package that needs to track which pieces a peer or a local download has:
// sessions track what a remote peer announced, download state tracks what
// has been written to disk.
type Bitfield []byte

// Get reports whether bit index is set.
func (bf Bitfield) Get(index int) bool {
	bucket := index / 8
	if bucket < 0 || bucket >= len(bf) {
		return false
	}
	return bf[bucket]>>(7-uint(index%8))&1 != 0
}

// Set sets bit index, growing the bitfield if needed.
func (bf *Bitfield) Set(index int) {
	bucket := index / 8
	if bucket < 0 {
		return
	}
	if bucket >= len(*bf) {
		grown := make(Bitfield, bucket+1)
		copy(grown, *bf)
		*bf = grown
	}
	(*bf)[bucket] |= 1 << (7 - uint(index%8))
}

// Unset clears bit index; a no-op if index is out of range.
func (bf Bitfield) Unset(index int) {
	bucket := index / 8
	if bucket < 0 || bucket >= len(bf) {
		return
	}
	bf[bucket] &^= 1 << (7 - uint(index%8))
}

// Count returns how many of the first n bits are set.
func (bf Bitfield) Count(n int) int {
	count := 0
	for i := 0; i < n; i++ {
		if bf.Get(i) {
			count++
		}
	}
	return count
}
