// Package wire implements FloodClone's on-the-wire protocol: the fixed
// message header, the piece-request payload, and the file metadata payload.
//
// The original C implementation sent a raw C struct {u16, u32, u32} and
// relied on the host's struct padding as the wire format -- fragile across
// compilers and architectures. Per the redesign notes this rewrite defines
// the layout explicitly instead: fixed-width, little-endian fields with no
// implicit padding. That explicit layout is the compatibility contract.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/hileamlakB/floodclone/internal/ferrors"
)

// MessageType identifies the kind of message a Header introduces.
type MessageType uint16

// The six message kinds the protocol exchanges.
const (
	MetaReq      MessageType = 1
	MetaRes      MessageType = 2
	PieceReq     MessageType = 3
	PieceRes     MessageType = 4
	BusyRes      MessageType = 5
	NotAvailRes  MessageType = 6
)

// HeaderSize is the fixed on-wire size of a Header: 2 bytes of type, 4
// bytes of payload size, 4 bytes of piece index. No padding.
const HeaderSize = 2 + 4 + 4

// Header is the fixed-layout message header that precedes every payload.
// PieceIndex is meaningful only on PieceRes messages; it is sent as zero
// otherwise.
type Header struct {
	Type        MessageType
	PayloadSize uint32
	PieceIndex  uint32
}

// Encode writes h to w in the fixed little-endian layout.
func (h Header) Encode(w io.Writer) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.Type))
	binary.LittleEndian.PutUint32(buf[2:6], h.PayloadSize)
	binary.LittleEndian.PutUint32(buf[6:10], h.PieceIndex)
	_, err := w.Write(buf[:])
	return err
}

// DecodeHeader reads and validates a Header from r.
func DecodeHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Type:        MessageType(binary.LittleEndian.Uint16(buf[0:2])),
		PayloadSize: binary.LittleEndian.Uint32(buf[2:6]),
		PieceIndex:  binary.LittleEndian.Uint32(buf[6:10]),
	}
	switch h.Type {
	case MetaReq, MetaRes, PieceReq, PieceRes, BusyRes, NotAvailRes:
	default:
		return Header{}, ferrors.Wrapf(ferrors.ErrProtocolViolation, "unknown message type %d", h.Type)
	}
	return h, nil
}
