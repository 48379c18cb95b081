package conn

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hileamlakB/floodclone/internal/ferrors"
	"github.com/hileamlakB/floodclone/internal/storage"
	"github.com/hileamlakB/floodclone/internal/wire"
	"github.com/hileamlakB/floodclone/internal/workerpool"
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

func startServer(t *testing.T, port int, fm *storage.FileManager) *Manager {
	t.Helper()
	pool := workerpool.New(2)
	m := New("server", port, pool)
	m.AttachStorage(fm)
	require.NoError(t, m.Listen())
	t.Cleanup(func() {
		m.StopListening()
		pool.Shutdown()
	})
	return m
}

func TestFetchMetadataRoundTrip(t *testing.T) {
	path := writeTempFile(t, 40000)
	src, err := storage.NewSource(path, 16384, "127.0.0.1")
	require.NoError(t, err)
	defer src.Close()

	startServer(t, 19101, src)

	client := New("client", 0, workerpool.New(1))
	meta, err := client.FetchMetadata("127.0.0.1", 19101)
	require.NoError(t, err)
	assert.Equal(t, src.NumPieces(), meta.NumPieces)
	assert.Equal(t, src.FileSize(), meta.FileSize)
}

func TestRequestPiecesImmediatelyAvailable(t *testing.T) {
	path := writeTempFile(t, 40000)
	src, err := storage.NewSource(path, 16384, "127.0.0.1")
	require.NoError(t, err)
	defer src.Close()

	startServer(t, 19102, src)

	dst, err := storage.NewReceiver(src.Metadata(), filepath.Join(t.TempDir(), "out.bin"), 16384)
	require.NoError(t, err)

	client := New("client", 0, workerpool.New(1))
	err = client.RequestPieces("127.0.0.1", 19102, wire.FullRange(src.NumPieces()), dst)
	require.NoError(t, err)
	assert.Equal(t, src.NumPieces(), dst.AvailablePieces())
}

func TestRequestPiecesDeferredViaCallback(t *testing.T) {
	path := writeTempFile(t, 32768)
	src, err := storage.NewSource(path, 16384, "127.0.0.1")
	require.NoError(t, err)
	defer src.Close()

	relayOut := filepath.Join(t.TempDir(), "relay.bin")
	relay, err := storage.NewReceiver(src.Metadata(), relayOut, 16384)
	require.NoError(t, err)
	// A relay with no pieces at all answers NOT_AVAIL_RES (see
	// TestRequestPiecesNotAvailable), so piece 0 is present up front and
	// piece 1 is the one served through the piece-wait callback.
	buf0, ok := relay.GetPieceBuffer(0)
	require.True(t, ok)
	data0, err := src.Send(0)
	require.NoError(t, err)
	copy(buf0, data0)
	relay.UpdatePieceStatus(0)

	startServer(t, 19103, relay)

	dst, err := storage.NewReceiver(src.Metadata(), filepath.Join(t.TempDir(), "dst.bin"), 16384)
	require.NoError(t, err)

	client := New("client", 0, workerpool.New(1))
	done := make(chan error, 1)
	go func() {
		done <- client.RequestPieces("127.0.0.1", 19103, wire.FullRange(relay.NumPieces()), dst)
	}()

	// Wait for piece 0 to arrive, then give the request time to register
	// the piece-wait callback for piece 1 before it becomes available.
	require.Eventually(t, func() bool {
		return dst.HasPiece(0)
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(1), dst.AvailablePieces())

	for i := uint64(1); i < relay.NumPieces(); i++ {
		buf, ok := relay.GetPieceBuffer(i)
		require.True(t, ok)
		data, err := src.Send(i)
		require.NoError(t, err)
		copy(buf, data)
		relay.UpdatePieceStatus(i)
	}

	require.NoError(t, <-done)
	assert.Equal(t, relay.NumPieces(), dst.AvailablePieces())
}

func TestRequestPiecesBusyFailover(t *testing.T) {
	path := writeTempFile(t, 32768) // two pieces
	src, err := storage.NewSource(path, 16384, "127.0.0.1")
	require.NoError(t, err)
	defer src.Close()

	relay, err := storage.NewReceiver(src.Metadata(), filepath.Join(t.TempDir(), "relay.bin"), 16384)
	require.NoError(t, err)
	// Piece 0 present, piece 1 withheld, so the first request holds the
	// interface in the piece-wait loop long enough for a concurrent second
	// request to observe BUSY.
	buf0, ok := relay.GetPieceBuffer(0)
	require.True(t, ok)
	data0, err := src.Send(0)
	require.NoError(t, err)
	copy(buf0, data0)
	relay.UpdatePieceStatus(0)

	startServer(t, 19104, relay)

	dst1, err := storage.NewReceiver(src.Metadata(), filepath.Join(t.TempDir(), "dst1.bin"), 16384)
	require.NoError(t, err)
	client1 := New("client1", 0, workerpool.New(1))
	done1 := make(chan error, 1)
	go func() {
		done1 <- client1.RequestPieces("127.0.0.1", 19104, wire.FullRange(relay.NumPieces()), dst1)
	}()

	// Wait for client1 to receive piece 0 and block on piece 1.
	require.Eventually(t, func() bool {
		return dst1.HasPiece(0)
	}, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	dst2, err := storage.NewReceiver(src.Metadata(), filepath.Join(t.TempDir(), "dst2.bin"), 16384)
	require.NoError(t, err)
	client2 := New("client2", 0, workerpool.New(1))
	err = client2.RequestPieces("127.0.0.1", 19104, wire.FullRange(relay.NumPieces()), dst2)
	assert.ErrorIs(t, err, ferrors.ErrPeerBusy)

	buf1, ok := relay.GetPieceBuffer(1)
	require.True(t, ok)
	data1, err := src.Send(1)
	require.NoError(t, err)
	copy(buf1, data1)
	relay.UpdatePieceStatus(1)

	require.NoError(t, <-done1)
	assert.Equal(t, relay.NumPieces(), dst1.AvailablePieces())
}

func TestRequestPiecesNotAvailable(t *testing.T) {
	path := writeTempFile(t, 32768)
	src, err := storage.NewSource(path, 16384, "127.0.0.1")
	require.NoError(t, err)
	defer src.Close()

	relay, err := storage.NewReceiver(src.Metadata(), filepath.Join(t.TempDir(), "relay.bin"), 16384)
	require.NoError(t, err)
	startServer(t, 19105, relay)

	dst, err := storage.NewReceiver(src.Metadata(), filepath.Join(t.TempDir(), "dst.bin"), 16384)
	require.NoError(t, err)

	client := New("client", 0, workerpool.New(1))
	err = client.RequestPieces("127.0.0.1", 19105, wire.FullRange(relay.NumPieces()), dst)
	assert.ErrorIs(t, err, ferrors.ErrPeerEmpty)
}

func TestDialRetriesBeforeListenerExists(t *testing.T) {
	client := New("client", 0, workerpool.New(1))
	client.dialAttempts = 3
	client.dialBackoff = 10 * time.Millisecond

	port := 19106
	go func() {
		time.Sleep(15 * time.Millisecond)
		pool := workerpool.New(1)
		path := writeTempFile(t, 1024)
		src, err := storage.NewSource(path, 16384, "127.0.0.1")
		if err != nil {
			return
		}
		m := New("late-server", port, pool)
		m.AttachStorage(src)
		_ = m.Listen()
	}()

	_, err := client.FetchMetadata("127.0.0.1", port)
	assert.NoError(t, err)
}
