package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileMetaDataRoundTrip(t *testing.T) {
	meta := FileMetaData{
		FileID:    "file-1",
		Filename:  "movie.mkv",
		FileSize:  40000,
		NumPieces: 3,
		Pieces: []PieceMeta{
			{Srcs: [][AddrFieldLen]byte{EncodeAddr("10.0.0.1")}, Checksum: ""},
			{Srcs: [][AddrFieldLen]byte{EncodeAddr("10.0.0.1"), EncodeAddr("10.0.0.2")}, Checksum: "abc123"},
			{Srcs: nil, Checksum: ""},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, meta.Encode(&buf))
	assert.Equal(t, int(meta.EncodedSize()), buf.Len())

	got, err := DecodeFileMetaData(&buf)
	require.NoError(t, err)
	assert.Equal(t, meta.FileID, got.FileID)
	assert.Equal(t, meta.Filename, got.Filename)
	assert.Equal(t, meta.FileSize, got.FileSize)
	assert.Equal(t, meta.NumPieces, got.NumPieces)
	require.Len(t, got.Pieces, 3)
	assert.Equal(t, "10.0.0.1", DecodeAddr(got.Pieces[0].Srcs[0]))
	assert.Equal(t, "abc123", got.Pieces[1].Checksum)
}

func TestEncodeAddrTruncatesAndPads(t *testing.T) {
	field := EncodeAddr("10.0.0.1")
	assert.Equal(t, "10.0.0.1", DecodeAddr(field))

	long := EncodeAddr("1234567890abcdefgh")
	assert.Equal(t, "1234567890abcde", DecodeAddr(long))

	zero := [AddrFieldLen]byte{}
	assert.Equal(t, "", DecodeAddr(zero))
}
