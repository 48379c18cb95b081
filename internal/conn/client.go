package conn

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hileamlakB/floodclone/internal/fclog"
	"github.com/hileamlakB/floodclone/internal/ferrors"
	"github.com/hileamlakB/floodclone/internal/wire"
)

// dial returns a cached connection to addr:port, or establishes one with
// bounded retry. Connections are cached by (addr, port) and reused across
// both the metadata and piece-request phases of a transfer.
func (m *Manager) dial(addr string, port int) (*connState, error) {
	key := fmt.Sprintf("%s:%d", addr, port)

	m.cacheMu.Lock()
	if cs, ok := m.cache[key]; ok {
		m.cacheMu.Unlock()
		return cs, nil
	}
	m.cacheMu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.dialAttempts; attempt++ {
		c, err := net.DialTimeout("tcp", key, defaultDialTimeout)
		if err == nil {
			cs := &connState{conn: c}
			m.cacheMu.Lock()
			if existing, ok := m.cache[key]; ok {
				m.cacheMu.Unlock()
				c.Close()
				return existing, nil
			}
			m.cache[key] = cs
			m.cacheMu.Unlock()
			return cs, nil
		}
		lastErr = err
		fclog.Debugf(m.nodeName, "dial %s attempt %d/%d failed: %v", key, attempt, m.dialAttempts, err)
		if attempt < m.dialAttempts {
			time.Sleep(m.dialBackoff)
		}
	}
	return nil, ferrors.Wrapf(ferrors.ErrTransientConnect, "dialing %s: %v", key, lastErr)
}

// FetchMetadata requests and decodes the file descriptor from addr:port.
func (m *Manager) FetchMetadata(addr string, port int) (wire.FileMetaData, error) {
	cs, err := m.dial(addr, port)
	if err != nil {
		return wire.FileMetaData{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	req := wire.Header{Type: wire.MetaReq}
	if err := req.Encode(cs.conn); err != nil {
		return wire.FileMetaData{}, ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
	}

	hdr, err := wire.DecodeHeader(cs.conn)
	if err != nil {
		return wire.FileMetaData{}, ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
	}
	if hdr.Type != wire.MetaRes {
		return wire.FileMetaData{}, ferrors.Wrapf(ferrors.ErrProtocolViolation, "expected META_RES, got %d", hdr.Type)
	}
	body := io.LimitReader(cs.conn, int64(hdr.PayloadSize))
	return wire.DecodeFileMetaData(body)
}

// piecePresence is the minimal subset of *storage.FileManager RequestPieces
// needs from the storage engine, kept small and local so this file reads as
// the client-side counterpart to server.go's use of the same type.
type piecePresence interface {
	PieceSize() uint64
	HasPiece(i uint64) bool
	GetPieceBuffer(i uint64) ([]byte, bool)
	UpdatePieceStatus(i uint64)
}

// RequestPieces sends req to addr:port and receives each response in turn,
// writing newly received pieces directly into the storage engine's mapped
// buffer and discarding responses for pieces already held. Returns
// ferrors.ErrPeerBusy or ferrors.ErrPeerEmpty when the peer declines instead
// of serving, so the coordinator can fail over to the next neighbor.
func (m *Manager) RequestPieces(addr string, port int, req wire.PieceRequest, into piecePresence) error {
	cs, err := m.dial(addr, port)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	hdr := wire.Header{Type: wire.PieceReq, PayloadSize: req.EncodedSize()}
	if err := hdr.Encode(cs.conn); err != nil {
		return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
	}
	var body bytes.Buffer
	if err := req.Encode(&body); err != nil {
		return ferrors.Wrap(err, "encoding piece request")
	}
	if _, err := cs.conn.Write(body.Bytes()); err != nil {
		return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
	}

	total := req.TotalPieces()
	for i := 0; i < total; i++ {
		resp, err := wire.DecodeHeader(cs.conn)
		if err != nil {
			return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
		}
		switch resp.Type {
		case wire.BusyRes:
			return ferrors.ErrPeerBusy
		case wire.NotAvailRes:
			return ferrors.ErrPeerEmpty
		case wire.PieceRes:
			if err := m.recvPiece(cs, resp, into); err != nil {
				return err
			}
		default:
			return ferrors.Wrapf(ferrors.ErrProtocolViolation, "unexpected response type %d", resp.Type)
		}
	}
	return nil
}

func (m *Manager) recvPiece(cs *connState, hdr wire.Header, into piecePresence) error {
	if uint64(hdr.PayloadSize) != into.PieceSize() {
		return ferrors.Wrapf(ferrors.ErrProtocolViolation, "piece %d: expected %d bytes, got %d", hdr.PieceIndex, into.PieceSize(), hdr.PayloadSize)
	}
	idx := uint64(hdr.PieceIndex)
	if into.HasPiece(idx) {
		_, err := io.CopyN(io.Discard, cs.conn, int64(hdr.PayloadSize))
		if err != nil {
			return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
		}
		return nil
	}
	buf, ok := into.GetPieceBuffer(idx)
	if !ok {
		// Another source delivered this piece concurrently between the
		// HasPiece check above and here; drain instead of double-writing.
		_, err := io.CopyN(io.Discard, cs.conn, int64(hdr.PayloadSize))
		if err != nil {
			return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
		}
		return nil
	}
	if _, err := io.ReadFull(cs.conn, buf); err != nil {
		return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
	}
	into.UpdatePieceStatus(idx)
	return nil
}
