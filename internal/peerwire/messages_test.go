package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequestMatchesWireBytes(t *testing.T) {
	req := Request{Index: 7, Begin: 32768, Length: 16384}
	got := Encode(req)
	want := []byte{
		0x00, 0x00, 0x00, 0x0D, 0x06,
		0x00, 0x00, 0x00, 0x07,
		0x00, 0x00, 0x80, 0x00,
		0x00, 0x00, 0x40, 0x00,
	}
	assert.Equal(t, want, got)
}

func TestRoundTripAllVariants(t *testing.T) {
	msgs := []Message{
		KeepAlive{},
		Choke{},
		Unchoke{},
		Interested{},
		NotInterested{},
		Have{Index: 5},
		Bitfield{Bits: []byte{0xFF, 0x00}},
		Bitfield{Bits: []byte{}},
		Request{Index: 1, Begin: 2, Length: 3},
		Piece{Index: 1, Begin: 0, Block: []byte("hello")},
		Cancel{Index: 1, Begin: 2, Length: 3},
		Extended{ExtID: 3, Payload: []byte("d1:me")},
	}
	for _, m := range msgs {
		encoded := Encode(m)
		var buf Buffer
		buf.Feed(encoded)
		got, ok, err := buf.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, m, got)
	}
}

func TestBufferSplitAtArbitraryBoundariesMatchesWholeStream(t *testing.T) {
	msgs := []Message{
		Choke{},
		Have{Index: 42},
		Request{Index: 1, Begin: 16384, Length: 16384},
		Piece{Index: 1, Begin: 0, Block: bytes.Repeat([]byte{9}, 100)},
		KeepAlive{},
		Unchoke{},
	}
	var whole bytes.Buffer
	for _, m := range msgs {
		whole.Write(Encode(m))
	}
	raw := whole.Bytes()

	var wholeBuf Buffer
	wholeBuf.Feed(raw)
	wholeDecoded, err := wholeBuf.DecodeAll()
	require.NoError(t, err)

	for chunkSize := 1; chunkSize <= 7; chunkSize++ {
		var split Buffer
		var decoded []Message
		for i := 0; i < len(raw); i += chunkSize {
			end := min(i+chunkSize, len(raw))
			split.Feed(raw[i:end])
			more, err := split.DecodeAll()
			require.NoError(t, err)
			decoded = append(decoded, more...)
		}
		assert.Equal(t, wholeDecoded, decoded, "chunk size %d", chunkSize)
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		id      byte
	}{
		{"have too short", []byte{0, 0, 1}, byte(IDHave)},
		{"piece too short", []byte{0, 0, 0, 1, 0, 0}, byte(IDPiece)},
		{"request wrong length", []byte{0, 0, 0, 1}, byte(IDRequest)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeFrame(tc.id, tc.payload)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecodeUnknownMessage(t *testing.T) {
	_, err := decodeFrame(99, nil)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestReaderOverNetConnLikeStream(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(Encode(Bitfield{Bits: []byte{0xAA}}))
	raw.Write(Encode(Unchoke{}))

	r := NewReader(&raw)
	m1, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Bitfield{Bits: []byte{0xAA}}, m1)

	m2, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Unchoke{}, m2)

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrPeerClosedPrematurely)
}
