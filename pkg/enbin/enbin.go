// ABOUTME: Canonical little-endian binary encoding for trace records
// ABOUTME: Fixed-width scalars, varint lengths, tagged unions

package enbin

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// The encoding is deterministic: fixed-width little-endian integers,
// one-byte booleans, unsigned LEB128 varints for sequence lengths,
// length-prefixed UTF-8 strings, and tagged unions as a one-byte
// discriminant followed by the variant payload. Any change here is a
// format-version increment.

var (
	// ErrTruncated indicates the buffer ended inside a value.
	ErrTruncated = errors.New("enbin: truncated input")

	// ErrInvalid indicates a malformed value (bad bool byte, overlong
	// varint, unknown discriminant).
	ErrInvalid = errors.New("enbin: invalid encoding")
)

// maxStringLen bounds decoded string lengths so a corrupt varint cannot
// force a huge allocation before the bounds check.
const maxStringLen = 1 << 30

// Buffer is an append-only encoder.
type Buffer struct {
	b []byte
}

// NewBuffer returns an encoder with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{b: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes. The slice aliases the buffer.
func (w *Buffer) Bytes() []byte { return w.b }

// Len returns the number of encoded bytes.
func (w *Buffer) Len() int { return len(w.b) }

// Reset truncates the buffer for reuse.
func (w *Buffer) Reset() { w.b = w.b[:0] }

// U8 appends a single byte.
func (w *Buffer) U8(v uint8) { w.b = append(w.b, v) }

// U32 appends a fixed-width little-endian uint32.
func (w *Buffer) U32(v uint32) {
	w.b = binary.LittleEndian.AppendUint32(w.b, v)
}

// U64 appends a fixed-width little-endian uint64.
func (w *Buffer) U64(v uint64) {
	w.b = binary.LittleEndian.AppendUint64(w.b, v)
}

// I64 appends a fixed-width little-endian int64 (two's complement).
func (w *Buffer) I64(v int64) { w.U64(uint64(v)) }

// F64 appends an IEEE-754 float64 as its little-endian bit pattern.
func (w *Buffer) F64(v float64) { w.U64(math.Float64bits(v)) }

// Bool appends a boolean as one byte, 0 or 1.
func (w *Buffer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

// Uvarint appends an unsigned LEB128 varint, used for sequence lengths.
func (w *Buffer) Uvarint(v uint64) {
	w.b = binary.AppendUvarint(w.b, v)
}

// String appends a varint byte length followed by the UTF-8 bytes.
func (w *Buffer) String(s string) {
	w.Uvarint(uint64(len(s)))
	w.b = append(w.b, s...)
}

// Option appends a presence byte; the caller encodes the payload only
// when present is true.
func (w *Buffer) Option(present bool) { w.Bool(present) }

// Reader is a bounds-checked decoder over a byte slice.
type Reader struct {
	b   []byte
	off int
}

// NewReader returns a decoder positioned at the start of b.
func NewReader(b []byte) *Reader { return &Reader{b: b} }

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.b) - r.off }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.b)-r.off < n {
		return nil, ErrTruncated
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

// U8 reads one byte.
func (r *Reader) U8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U32 reads a fixed-width little-endian uint32.
func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64 reads a fixed-width little-endian uint64.
func (r *Reader) U64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// I64 reads a fixed-width little-endian int64.
func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

// F64 reads an IEEE-754 float64.
func (r *Reader) F64() (float64, error) {
	v, err := r.U64()
	return math.Float64frombits(v), err
}

// Bool reads a boolean. Bytes other than 0 and 1 are rejected so the
// encoding stays canonical.
func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: bool byte %d", ErrInvalid, v)
}

// Uvarint reads an unsigned LEB128 varint.
func (r *Reader) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.b[r.off:])
	if n == 0 {
		return 0, ErrTruncated
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: overlong varint", ErrInvalid)
	}
	r.off += n
	return v, nil
}

// String reads a varint-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	n, err := r.Uvarint()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("%w: string length %d", ErrInvalid, n)
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Option reads a presence byte.
func (r *Reader) Option() (bool, error) { return r.Bool() }

// ReadFullFrame reads a u64 little-endian length followed by that many
// bytes from rd. io.EOF before the first length byte means a clean end
// of stream; any other short read returns io.ErrUnexpectedEOF so the
// caller can classify it as an incomplete frame.
func ReadFullFrame(rd io.Reader, maxLen uint64) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(rd, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n > maxLen {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit %d", ErrInvalid, n, maxLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(rd, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes a u64 little-endian length followed by the body.
func WriteFrame(w io.Writer, body []byte) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
