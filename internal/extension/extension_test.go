package extension

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	msg := BuildHandshake()
	assert.Equal(t, uint8(0), msg.ExtID)

	table, size, err := ParseHandshake(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, OurUtMetadataID, table[UtMetadataName])
	assert.Equal(t, 0, size)
}

func TestParseHandshakeMissingM(t *testing.T) {
	_, _, err := ParseHandshake([]byte("de"))
	require.Error(t, err)
}

func TestMetadataRequestRoundTrip(t *testing.T) {
	msg := BuildMetadataRequest(7, 2)
	assert.Equal(t, uint8(7), msg.ExtID)

	parsed, err := ParseMetadataMessage(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, 2, parsed.Piece)
	assert.Nil(t, parsed.Data)
	assert.False(t, parsed.Rejected)
}

func TestParseMetadataDataMessageSeparatesTrailingBytes(t *testing.T) {
	raw := append([]byte("d8:msg_typei1e5:piecei0e10:total_sizei5ee"), []byte("hello")...)
	parsed, err := ParseMetadataMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.Piece)
	assert.Equal(t, []byte("hello"), parsed.Data)
	assert.False(t, parsed.Rejected)
}

func TestParseMetadataRejectMessage(t *testing.T) {
	raw := []byte("d8:msg_typei2e5:piecei3ee")
	parsed, err := ParseMetadataMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, 3, parsed.Piece)
	assert.True(t, parsed.Rejected)
}

func TestAssemblerSinglePieceVerifiesHash(t *testing.T) {
	info := []byte("d4:name5:filese")
	hash := sha1.Sum(info)

	a := NewAssembler(len(info))
	require.Equal(t, 1, a.NumPieces())

	done, err := a.Deliver(0, info)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := a.Finish(hash)
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestAssemblerMultiPieceOutOfOrderDelivery(t *testing.T) {
	first := make([]byte, MetadataPieceSize)
	for i := range first {
		first[i] = byte(i)
	}
	second := []byte("tail-bytes")
	whole := append(append([]byte{}, first...), second...)
	hash := sha1.Sum(whole)

	a := NewAssembler(len(whole))
	require.Equal(t, 2, a.NumPieces())

	done, err := a.Deliver(1, second)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = a.Deliver(0, first)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := a.Finish(hash)
	require.NoError(t, err)
	assert.Equal(t, whole, got)
}

func TestAssemblerRejectsBadHash(t *testing.T) {
	info := []byte("d4:name5:filese")
	a := NewAssembler(len(info))
	_, err := a.Deliver(0, info)
	require.NoError(t, err)

	var wrongHash [20]byte
	_, err = a.Finish(wrongHash)
	assert.ErrorIs(t, err, ErrMetadataHashMismatch)
}

func TestAssemblerDeliverOutOfRange(t *testing.T) {
	a := NewAssembler(10)
	_, err := a.Deliver(5, []byte("x"))
	assert.Error(t, err)
}
