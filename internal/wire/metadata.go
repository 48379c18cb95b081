package wire

import (
	"bytes"
	"io"

	"github.com/hileamlakB/floodclone/internal/ferrors"
)

// AddrFieldLen is the fixed width of a per-piece source address field on
// the wire: a 15-byte ASCII slot sized for a dotted-quad IPv4 address.
const AddrFieldLen = 15

// PieceMeta carries the known source addresses and optional checksum for a
// single piece.
type PieceMeta struct {
	Srcs     [][AddrFieldLen]byte
	Checksum string
}

// FileMetaData is the immutable descriptor a source produces once and
// replicates by value to every destination on first metadata request.
type FileMetaData struct {
	FileID    string
	Filename  string
	FileSize  uint64
	NumPieces uint64
	Pieces    []PieceMeta
}

// EncodeAddr renders ip into a fixed AddrFieldLen byte field, truncating or
// zero-padding as needed.
func EncodeAddr(ip string) [AddrFieldLen]byte {
	var out [AddrFieldLen]byte
	copy(out[:], ip)
	return out
}

// DecodeAddr renders a fixed address field back into a string, trimming the
// zero padding.
func DecodeAddr(field [AddrFieldLen]byte) string {
	n := bytes.IndexByte(field[:], 0)
	if n < 0 {
		n = AddrFieldLen
	}
	return string(field[:n])
}

func writeString(w io.Writer, s string) error {
	if err := writeUint64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// encode writes a PieceMeta's inner payload (everything but the outer
// length prefix FileMetaData.Encode wraps it in).
func (p PieceMeta) encode(w io.Writer) error {
	if err := writeUint64(w, uint64(len(p.Srcs))); err != nil {
		return err
	}
	for _, s := range p.Srcs {
		if _, err := w.Write(s[:]); err != nil {
			return err
		}
	}
	return writeString(w, p.Checksum)
}

func decodePieceMeta(r io.Reader) (PieceMeta, error) {
	var p PieceMeta
	count, err := readUint64(r)
	if err != nil {
		return p, err
	}
	p.Srcs = make([][AddrFieldLen]byte, count)
	for i := range p.Srcs {
		if _, err := io.ReadFull(r, p.Srcs[i][:]); err != nil {
			return p, err
		}
	}
	if p.Checksum, err = readString(r); err != nil {
		return p, err
	}
	return p, nil
}

// Encode serializes the metadata in the length-prefixed binary form
// described by the wire protocol: file_id, filename, file_size, num_pieces,
// then each piece as a length-prefixed inner payload.
func (m FileMetaData) Encode(w io.Writer) error {
	if err := writeString(w, m.FileID); err != nil {
		return err
	}
	if err := writeString(w, m.Filename); err != nil {
		return err
	}
	if err := writeUint64(w, m.FileSize); err != nil {
		return err
	}
	if err := writeUint64(w, m.NumPieces); err != nil {
		return err
	}
	for _, piece := range m.Pieces {
		var inner bytes.Buffer
		if err := piece.encode(&inner); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(inner.Len())); err != nil {
			return err
		}
		if _, err := w.Write(inner.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// DecodeFileMetaData reads a FileMetaData payload written by Encode.
func DecodeFileMetaData(r io.Reader) (FileMetaData, error) {
	var m FileMetaData
	var err error
	if m.FileID, err = readString(r); err != nil {
		return m, err
	}
	if m.Filename, err = readString(r); err != nil {
		return m, err
	}
	if m.FileSize, err = readUint64(r); err != nil {
		return m, err
	}
	if m.NumPieces, err = readUint64(r); err != nil {
		return m, err
	}
	m.Pieces = make([]PieceMeta, m.NumPieces)
	for i := range m.Pieces {
		innerLen, err := readUint64(r)
		if err != nil {
			return m, err
		}
		inner := make([]byte, innerLen)
		if _, err := io.ReadFull(r, inner); err != nil {
			return m, err
		}
		piece, err := decodePieceMeta(bytes.NewReader(inner))
		if err != nil {
			return m, ferrors.Wrapf(err, "decoding piece %d metadata", i)
		}
		m.Pieces[i] = piece
	}
	return m, nil
}

// EncodedSize returns the exact byte length Encode would produce.
func (m FileMetaData) EncodedSize() uint32 {
	var buf bytes.Buffer
	// Size is cheapest to compute by actually encoding into a scratch
	// buffer; metadata is small (one descriptor per transfer) so this is
	// not a hot path.
	_ = m.Encode(&buf)
	return uint32(buf.Len())
}
