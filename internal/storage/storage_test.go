package storage

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hileamlakB/floodclone/internal/wire"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestNewSourceSplitsIntoPieces(t *testing.T) {
	path := writeTempFile(t, 40000)
	fm, err := NewSource(path, 16384, "10.0.0.1")
	require.NoError(t, err)
	defer fm.Close()

	assert.Equal(t, uint64(3), fm.NumPieces())
	assert.Equal(t, uint64(40000), fm.FileSize())
	assert.Equal(t, uint64(3), fm.AvailablePieces())
	for i := uint64(0); i < fm.NumPieces(); i++ {
		assert.True(t, fm.HasPiece(i))
	}
}

func TestSendPadsLastPiece(t *testing.T) {
	path := writeTempFile(t, 16384+1)
	fm, err := NewSource(path, 16384, "10.0.0.1")
	require.NoError(t, err)
	defer fm.Close()

	last, err := fm.Send(1)
	require.NoError(t, err)
	assert.Len(t, last, 16384)
	assert.Equal(t, byte(0), last[len(last)-1])
}

func TestReceiverPieceStatusMonotoneAndReconstructs(t *testing.T) {
	srcPath := writeTempFile(t, 40000)
	src, err := NewSource(srcPath, 16384, "10.0.0.1")
	require.NoError(t, err)
	defer src.Close()

	outPath := filepath.Join(t.TempDir(), "out.bin")
	dst, err := NewReceiver(src.Metadata(), outPath, 16384)
	require.NoError(t, err)

	for i := uint64(0); i < dst.NumPieces(); i++ {
		assert.False(t, dst.HasPiece(i))
		buf, ok := dst.GetPieceBuffer(i)
		require.True(t, ok)
		data, err := src.Send(i)
		require.NoError(t, err)
		copy(buf, data)
		dst.UpdatePieceStatus(i)
		assert.True(t, dst.HasPiece(i))

		// Monotone: a second flip is a no-op, and the buffer is no longer handed out.
		dst.UpdatePieceStatus(i)
		_, ok = dst.GetPieceBuffer(i)
		assert.False(t, ok)
	}

	require.NoError(t, dst.Reconstruct())

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	want, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Len(t, got, 40000)
}

func TestRegisterPieceCallbackFiresExactlyOnce(t *testing.T) {
	path := writeTempFile(t, 16384)
	src, err := NewSource(path, 16384, "10.0.0.1")
	require.NoError(t, err)
	defer src.Close()

	dst, err := NewReceiver(src.Metadata(), filepath.Join(t.TempDir(), "out.bin"), 16384)
	require.NoError(t, err)

	var calls int64

	// Register before the piece arrives.
	dst.RegisterPieceCallback(0, func() { atomic.AddInt64(&calls, 1) })
	buf, ok := dst.GetPieceBuffer(0)
	require.True(t, ok)
	copy(buf, make([]byte, 16384))
	dst.UpdatePieceStatus(0)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

	// A second registration after the piece is already present runs synchronously.
	dst.RegisterPieceCallback(0, func() { atomic.AddInt64(&calls, 1) })
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))

	// A duplicate flip must not re-fire any callback.
	dst.UpdatePieceStatus(0)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestDumpPieceFilesWritesOneFilePerPiece(t *testing.T) {
	path := writeTempFile(t, 40000)
	src, err := NewSource(path, 16384, "10.0.0.1")
	require.NoError(t, err)
	defer src.Close()

	dir := t.TempDir()
	require.NoError(t, src.DumpPieceFiles(dir))

	for i := uint64(0); i < src.NumPieces(); i++ {
		data, err := src.Send(i)
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dir, "piece_"+itoa(i)))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestMetadataCarriesSourceNodeIP(t *testing.T) {
	path := writeTempFile(t, 100)
	src, err := NewSource(path, 16384, "192.168.1.5")
	require.NoError(t, err)
	defer src.Close()

	meta := src.Metadata()
	require.Len(t, meta.Pieces, 1)
	require.Len(t, meta.Pieces[0].Srcs, 1)
	assert.Equal(t, "192.168.1.5", wire.DecodeAddr(meta.Pieces[0].Srcs[0]))
}
