package conn

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/hileamlakB/floodclone/internal/ferrors"
	"github.com/hileamlakB/floodclone/internal/storage"
	"github.com/hileamlakB/floodclone/internal/wire"
)

// handleOneMessage reads and answers exactly one request on cs. The
// per-connState mutex is held for the full request/response cycle: nothing
// else is allowed to write to or read from this socket concurrently, and
// serveConn never submits a connection's next request until this one has
// returned.
func (m *Manager) handleOneMessage(cs *connState, iface string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	hdr, err := wire.DecodeHeader(cs.conn)
	if err != nil {
		if err == io.EOF {
			return ferrors.Wrap(ferrors.ErrTransportClosed, "peer closed connection")
		}
		return ferrors.Wrap(err, "decoding request header")
	}

	switch hdr.Type {
	case wire.MetaReq:
		return m.serveMetaReq(cs)
	case wire.PieceReq:
		return m.servePieceReq(cs, iface, hdr)
	default:
		return ferrors.Wrapf(ferrors.ErrProtocolViolation, "unexpected request type %d", hdr.Type)
	}
}

func (m *Manager) serveMetaReq(cs *connState) error {
	fm := m.getStorage()
	if fm == nil {
		return ferrors.Wrap(ferrors.ErrStorageFailure, "metadata requested before storage was attached")
	}
	var body bytes.Buffer
	if err := fm.Metadata().Encode(&body); err != nil {
		return ferrors.Wrap(err, "encoding metadata response")
	}
	resp := wire.Header{Type: wire.MetaRes, PayloadSize: uint32(body.Len())}
	if err := resp.Encode(cs.conn); err != nil {
		return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
	}
	if _, err := cs.conn.Write(body.Bytes()); err != nil {
		return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
	}
	return nil
}

// servePieceReq answers a bulk piece request. Pieces already present are
// sent immediately, in the request's declared order; pieces not yet present
// are served as soon as they arrive via the storage engine's piece-wait
// registry, which may reorder them relative to declared order but never
// drops or duplicates one.
func (m *Manager) servePieceReq(cs *connState, iface string, hdr wire.Header) error {
	body := io.LimitReader(cs.conn, int64(hdr.PayloadSize))
	req, err := wire.DecodePieceRequest(body)
	if err != nil {
		return ferrors.Wrap(ferrors.ErrProtocolViolation, err.Error())
	}

	release, acquired := m.acquireInterface(iface)
	if !acquired {
		return writeControl(cs.conn, wire.BusyRes)
	}
	defer release()

	fm := m.getStorage()
	if fm == nil || fm.AvailablePieces() == 0 {
		return writeControl(cs.conn, wire.NotAvailRes)
	}

	indices := req.Indices()

	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	remaining := make(map[uint64]struct{}, len(indices))
	var ready []uint64

	for _, idx := range indices {
		if fm.HasPiece(idx) {
			if err := m.sendPiece(cs, fm, idx); err != nil {
				return err
			}
			continue
		}
		idx := idx
		mu.Lock()
		remaining[idx] = struct{}{}
		mu.Unlock()
		fm.RegisterPieceCallback(idx, func() {
			mu.Lock()
			delete(remaining, idx)
			ready = append(ready, idx)
			mu.Unlock()
			cond.Signal()
		})
	}

	for {
		mu.Lock()
		for len(ready) == 0 && len(remaining) > 0 {
			cond.Wait()
		}
		if len(ready) == 0 {
			mu.Unlock()
			return nil
		}
		batch := ready
		ready = nil
		mu.Unlock()

		for _, idx := range batch {
			if err := m.sendPiece(cs, fm, idx); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) sendPiece(cs *connState, fm *storage.FileManager, idx uint64) error {
	data, err := fm.Send(idx)
	if err != nil {
		return ferrors.Wrap(ferrors.ErrStorageFailure, err.Error())
	}
	if m.limiter != nil {
		if err := m.limiter.WaitN(context.Background(), len(data)); err != nil {
			return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
		}
	}
	hdr := wire.Header{Type: wire.PieceRes, PayloadSize: uint32(len(data)), PieceIndex: uint32(idx)}
	if err := hdr.Encode(cs.conn); err != nil {
		return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
	}
	if _, err := cs.conn.Write(data); err != nil {
		return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
	}
	return nil
}

func writeControl(w io.Writer, t wire.MessageType) error {
	hdr := wire.Header{Type: t}
	if err := hdr.Encode(w); err != nil {
		return ferrors.Wrap(ferrors.ErrTransportClosed, err.Error())
	}
	return nil
}
