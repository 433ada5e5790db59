package metainfo

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSingleFileTorrent(t *testing.T, pieceData []byte) []byte {
	t.Helper()
	hash := sha1.Sum(pieceData)
	infoDict := "d6:lengthi" + itoa(len(pieceData)) + "e4:name8:test.bin12:piece lengthi" + itoa(len(pieceData)) + "e6:pieces20:" + string(hash[:]) + "e"
	return []byte("d8:announce20:http://tracker.test/4:info" + infoDict + "e")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestOpenSingleFileTorrent(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 32)
	raw := buildSingleFileTorrent(t, data)

	dir := t.TempDir()
	path := filepath.Join(dir, "test.torrent")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	f, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://tracker.test/"}, f.Announce)
	assert.Equal(t, "test.bin", f.Info.Name)
	assert.Equal(t, len(data), f.Info.Length)
	assert.Equal(t, 1, f.Info.NumPieces())
	assert.False(t, f.Info.Multi())
}

func TestParseMagnetHexInfoHash(t *testing.T) {
	link := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=MyFile&tr=http%3A%2F%2Ftracker.test%2Fannounce"
	m, err := ParseMagnet(link)
	require.NoError(t, err)
	assert.Equal(t, "MyFile", m.Name)
	assert.Equal(t, []string{"http://tracker.test/announce"}, m.Trackers)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", m.DisplayHashHex())
}

func TestParseMagnetRejectsNonMagnet(t *testing.T) {
	_, err := ParseMagnet("http://example.com")
	assert.Error(t, err)
}

func TestParseMagnetMissingXT(t *testing.T) {
	_, err := ParseMagnet("magnet:?dn=NoHash")
	assert.Error(t, err)
}
