// Package storage implements FloodClone's piece-oriented storage engine:
// the memory-mapped reconstruction buffer, the monotone piece-status table,
// and the piece-wait registry the connection engine suspends serving on.
//
// Mapping is done directly through golang.org/x/sys/unix, the way the
// teacher's local backend reaches for unix syscalls (Fadvise, Fallocate)
// rather than a higher-level wrapper, for the same reason: precise control
// over the mapping's protection and sharing flags.
package storage

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/hileamlakB/floodclone/internal/ferrors"
	"github.com/hileamlakB/floodclone/internal/wire"
)

// FileManager owns the mmap-backed piece storage for a single transfer, in
// either source or receiver mode.
type FileManager struct {
	file     *os.File
	data     []byte // the mmap'd region
	isSource bool

	pieceSize uint64
	numPieces uint64
	fileSize  uint64

	metadata wire.FileMetaData

	status    []uint32 // atomic 0/1 per piece, monotone false->true
	available int64    // atomic count of true entries

	waitersMu sync.Mutex
	waiters   map[uint64][]func()
}

// NewSource maps filePath read-only, splits it into pieceSize pieces, and
// marks every piece present. The metadata's per-piece source list contains
// exactly nodeIP, since the source is the only known holder at startup.
func NewSource(filePath string, pieceSize uint64, nodeIP string) (*FileManager, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, ferrors.Wrap(err, "opening source file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ferrors.Wrap(err, "statting source file")
	}
	fileSize := uint64(info.Size())
	numPieces := ceilDiv(fileSize, pieceSize)

	mapLen := fileSize
	if mapLen == 0 {
		mapLen = 1 // unix.Mmap rejects a zero-length mapping
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(mapLen), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, ferrors.Wrap(ferrors.ErrStorageFailure, err.Error())
	}

	fm := &FileManager{
		file:      f,
		data:      data,
		isSource:  true,
		pieceSize: pieceSize,
		numPieces: numPieces,
		fileSize:  fileSize,
		status:    make([]uint32, numPieces),
		waiters:   make(map[uint64][]func()),
	}
	for i := range fm.status {
		fm.status[i] = 1
	}
	fm.available = int64(numPieces)

	addr := wire.EncodeAddr(nodeIP)
	pieces := make([]wire.PieceMeta, numPieces)
	for i := range pieces {
		pieces[i] = wire.PieceMeta{Srcs: [][15]byte{addr}}
	}
	fm.metadata = wire.FileMetaData{
		FileID:    info.Name(),
		Filename:  info.Name(),
		FileSize:  fileSize,
		NumPieces: numPieces,
		Pieces:    pieces,
	}
	return fm, nil
}

// NewReceiver creates the destination-side reconstruction buffer: a file of
// exactly numPieces*pieceSize bytes, truncated and mapped shared-writable,
// with every piece initially absent.
func NewReceiver(meta wire.FileMetaData, outPath string, pieceSize uint64) (*FileManager, error) {
	f, err := os.OpenFile(outPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ferrors.Wrap(err, "creating reconstruction file")
	}
	totalLen := meta.NumPieces * pieceSize
	mapLen := totalLen
	if mapLen == 0 {
		mapLen = 1
	}
	if err := f.Truncate(int64(mapLen)); err != nil {
		f.Close()
		return nil, ferrors.Wrap(ferrors.ErrStorageFailure, err.Error())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(mapLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, ferrors.Wrap(ferrors.ErrStorageFailure, err.Error())
	}

	return &FileManager{
		file:      f,
		data:      data,
		isSource:  false,
		pieceSize: pieceSize,
		numPieces: meta.NumPieces,
		fileSize:  meta.FileSize,
		metadata:  meta,
		status:    make([]uint32, meta.NumPieces),
		waiters:   make(map[uint64][]func()),
	}, nil
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Metadata returns the file descriptor replicated to every destination.
func (fm *FileManager) Metadata() wire.FileMetaData { return fm.metadata }

// PieceSize returns the configured piece size.
func (fm *FileManager) PieceSize() uint64 { return fm.pieceSize }

// NumPieces returns the total piece count.
func (fm *FileManager) NumPieces() uint64 { return fm.numPieces }

// FileSize returns the logical (unpadded) file size.
func (fm *FileManager) FileSize() uint64 { return fm.fileSize }

// HasPiece reports whether piece i has been fully received.
func (fm *FileManager) HasPiece(i uint64) bool {
	if i >= fm.numPieces {
		return false
	}
	return atomic.LoadUint32(&fm.status[i]) == 1
}

// AvailablePieces returns the number of pieces currently present.
func (fm *FileManager) AvailablePieces() uint64 {
	return uint64(atomic.LoadInt64(&fm.available))
}

func (fm *FileManager) pieceBounds(i uint64) (start, end int) {
	start = int(i * fm.pieceSize)
	end = start + int(fm.pieceSize)
	if end > len(fm.data) {
		end = len(fm.data)
	}
	return
}

// Send returns a read-only view of piece i for zero-copy transmission.
// Precondition: HasPiece(i) is true. The last piece, which may be logically
// shorter than pieceSize, is returned as a freshly padded buffer so every
// wire piece carries exactly pieceSize bytes; a new buffer is allocated per
// call rather than reused through a single shared scratch buffer, since
// concurrent requests may serve the last piece to different peers at once
// and a shared buffer would race across them.
func (fm *FileManager) Send(i uint64) ([]byte, error) {
	if !fm.HasPiece(i) {
		return nil, ferrors.Wrapf(ferrors.ErrStorageFailure, "send: piece %d not present", i)
	}
	start, end := fm.pieceBounds(i)
	region := fm.data[start:end]
	if uint64(len(region)) == fm.pieceSize {
		return region, nil
	}
	padded := make([]byte, fm.pieceSize)
	copy(padded, region)
	return padded, nil
}

// GetPieceBuffer returns a writable window into piece i's slot in the mmap
// for the wire layer to receive directly into, or ok=false if the piece is
// already present (monotone: once true, never writable again).
func (fm *FileManager) GetPieceBuffer(i uint64) (buf []byte, ok bool) {
	if fm.HasPiece(i) {
		return nil, false
	}
	start, end := fm.pieceBounds(i)
	return fm.data[start:end], true
}

// UpdatePieceStatus flips piece i's status from false to true and invokes
// every callback registered for it, in registration order, with the
// waiters lock released. Idempotent: calling it again for an already-true
// piece is a no-op.
func (fm *FileManager) UpdatePieceStatus(i uint64) {
	if i >= uint64(len(fm.status)) {
		return
	}
	if !atomic.CompareAndSwapUint32(&fm.status[i], 0, 1) {
		return // already true; monotone, nothing to do
	}
	atomic.AddInt64(&fm.available, 1)

	fm.waitersMu.Lock()
	fns := fm.waiters[i]
	delete(fm.waiters, i)
	fm.waitersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// RegisterPieceCallback appends fn to the wait list for piece i. If i is
// already present, fn runs synchronously before RegisterPieceCallback
// returns. The check-then-append happens under the same lock
// UpdatePieceStatus uses to drain callbacks, so no wakeup can be lost
// regardless of interleaving with a concurrent flip.
func (fm *FileManager) RegisterPieceCallback(i uint64, fn func()) {
	fm.waitersMu.Lock()
	if fm.HasPiece(i) {
		fm.waitersMu.Unlock()
		fn()
		return
	}
	fm.waiters[i] = append(fm.waiters[i], fn)
	fm.waitersMu.Unlock()
}

// Reconstruct syncs the mapping, truncates the file down to the logical
// file size to drop tail padding, and unmaps and closes it. Called once on
// a destination after every piece is present.
func (fm *FileManager) Reconstruct() error {
	if err := unix.Msync(fm.data, unix.MS_SYNC); err != nil {
		return ferrors.Wrap(ferrors.ErrStorageFailure, err.Error())
	}
	if err := unix.Munmap(fm.data); err != nil {
		return ferrors.Wrap(ferrors.ErrStorageFailure, err.Error())
	}
	fm.data = nil
	if err := fm.file.Truncate(int64(fm.fileSize)); err != nil {
		fm.file.Close()
		return ferrors.Wrap(ferrors.ErrStorageFailure, err.Error())
	}
	return fm.file.Close()
}

// Close unmaps and closes the underlying file without truncating it, used
// on the source side (whose mapping is read-only and never reconstructed)
// during shutdown.
func (fm *FileManager) Close() error {
	if fm.data == nil {
		return nil
	}
	_ = unix.Munmap(fm.data)
	fm.data = nil
	return fm.file.Close()
}

// DumpPieceFiles writes one side file per piece under dir, named piece_<i>.
// This is a source-only auxiliary artifact for inspection; it is never
// read back by any FloodClone component.
func (fm *FileManager) DumpPieceFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ferrors.Wrap(err, "creating pieces directory")
	}
	for i := uint64(0); i < fm.numPieces; i++ {
		data, err := fm.Send(i)
		if err != nil {
			return err
		}
		path := dir + "/piece_" + itoa(i)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return ferrors.Wrapf(err, "writing piece file %d", i)
		}
	}
	return nil
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for v > 0 {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[pos:])
}
