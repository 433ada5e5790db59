package peerwire

import "github.com/pkg/errors"

// Sentinel errors for the peer-wire framing and handshake layer.
var (
	// ErrMalformedFrame is returned when a frame's payload length does not
	// match what its message id requires (e.g. a Have payload != 4 bytes).
	ErrMalformedFrame = errors.New("peerwire: malformed frame")
	// ErrUnknownMessage is returned for a message id outside the known set.
	ErrUnknownMessage = errors.New("peerwire: unknown message id")
	// ErrMismatchedInfoHash is returned when a handshake's echoed info-hash
	// does not match the one the client sent.
	ErrMismatchedInfoHash = errors.New("peerwire: mismatched info hash")
	// ErrPeerClosedPrematurely is returned when the connection ends before
	// an expected transition (handshake, bitfield, unchoke) completes.
	ErrPeerClosedPrematurely = errors.New("peerwire: peer closed prematurely")
)
