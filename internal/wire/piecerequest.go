package wire

import (
	"encoding/binary"
	"io"

	"github.com/hileamlakB/floodclone/internal/ferrors"
)

// RequestKind is the PieceRequest type bitfield.
type RequestKind uint32

// The three kinds a PieceRequest may combine.
const (
	Single RequestKind = 1 << 0
	Range  RequestKind = 1 << 1
	List   RequestKind = 1 << 2
)

// PieceRange is an inclusive [Start, End] index range.
type PieceRange struct {
	Start uint64
	End   uint64
}

// Count returns the number of piece indices the range covers.
func (r PieceRange) Count() uint64 {
	return r.End - r.Start + 1
}

// PieceRequest describes the combined set of pieces a client wants. The
// three sub-requests are independent and may be combined freely; the wire
// order is always Single, then Ranges in declared order, then List in
// declared order, matching the server's emission order.
type PieceRequest struct {
	HasSingle   bool
	SingleIndex uint64
	Ranges      []PieceRange
	List        []uint64
}

// Kind computes the bitfield describing which sub-requests are present.
func (p PieceRequest) Kind() RequestKind {
	var k RequestKind
	if p.HasSingle {
		k |= Single
	}
	if len(p.Ranges) > 0 {
		k |= Range
	}
	if len(p.List) > 0 {
		k |= List
	}
	return k
}

// TotalPieces returns the number of individual piece responses this request
// will produce, in wire order.
func (p PieceRequest) TotalPieces() int {
	n := 0
	if p.HasSingle {
		n++
	}
	for _, r := range p.Ranges {
		n += int(r.Count())
	}
	n += len(p.List)
	return n
}

// Indices returns the piece indices this request names, in the exact order
// the server is required to walk them: single, then each range
// left-to-right inclusive, then the list.
func (p PieceRequest) Indices() []uint64 {
	out := make([]uint64, 0, p.TotalPieces())
	if p.HasSingle {
		out = append(out, p.SingleIndex)
	}
	for _, r := range p.Ranges {
		for i := r.Start; i <= r.End; i++ {
			out = append(out, i)
		}
	}
	out = append(out, p.List...)
	return out
}

// FullRange builds a PieceRequest covering every piece [0, numPieces-1] as a
// single range, the shape the destination's bulk bootstrap request uses.
func FullRange(numPieces uint64) PieceRequest {
	if numPieces == 0 {
		return PieceRequest{}
	}
	return PieceRequest{Ranges: []PieceRange{{Start: 0, End: numPieces - 1}}}
}

// Encode writes the PieceRequest payload. All integer widths are fixed at
// 64 bits, little-endian -- an explicit choice in place of the original's
// host-native size_t, per the wire-layout redesign note.
func (p PieceRequest) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(p.Kind())); err != nil {
		return err
	}
	if p.HasSingle {
		if err := writeUint64(w, p.SingleIndex); err != nil {
			return err
		}
	}
	if len(p.Ranges) > 0 {
		if err := writeUint64(w, uint64(len(p.Ranges))); err != nil {
			return err
		}
		for _, r := range p.Ranges {
			if err := writeUint64(w, r.Start); err != nil {
				return err
			}
			if err := writeUint64(w, r.End); err != nil {
				return err
			}
		}
	}
	if len(p.List) > 0 {
		if err := writeUint64(w, uint64(len(p.List))); err != nil {
			return err
		}
		for _, v := range p.List {
			if err := writeUint64(w, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecodePieceRequest reads a PieceRequest payload written by Encode.
func DecodePieceRequest(r io.Reader) (PieceRequest, error) {
	var p PieceRequest
	kindRaw, err := readUint32(r)
	if err != nil {
		return p, err
	}
	kind := RequestKind(kindRaw)

	if kind&Single != 0 {
		p.HasSingle = true
		if p.SingleIndex, err = readUint64(r); err != nil {
			return p, err
		}
	}
	if kind&Range != 0 {
		count, err := readUint64(r)
		if err != nil {
			return p, err
		}
		p.Ranges = make([]PieceRange, count)
		for i := range p.Ranges {
			start, err := readUint64(r)
			if err != nil {
				return p, err
			}
			end, err := readUint64(r)
			if err != nil {
				return p, err
			}
			if end < start {
				return p, ferrors.Wrapf(ferrors.ErrProtocolViolation, "range end %d before start %d", end, start)
			}
			p.Ranges[i] = PieceRange{Start: start, End: end}
		}
	}
	if kind&List != 0 {
		count, err := readUint64(r)
		if err != nil {
			return p, err
		}
		p.List = make([]uint64, count)
		for i := range p.List {
			if p.List[i], err = readUint64(r); err != nil {
				return p, err
			}
		}
	}
	return p, nil
}

// EncodedSize returns the exact byte length Encode would produce, used to
// fill in a PieceReq header's PayloadSize before writing the body.
func (p PieceRequest) EncodedSize() uint32 {
	size := 4 // kind bitfield
	if p.HasSingle {
		size += 8
	}
	if len(p.Ranges) > 0 {
		size += 8 + len(p.Ranges)*16
	}
	if len(p.List) > 0 {
		size += 8 + len(p.List)*8
	}
	return uint32(size)
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
