package store

import (
	"errors"
	"io"

	"github.com/entrace-dev/entrace/pkg/enbin"
	"github.com/entrace-dev/entrace/pkg/trace"
)

// maxRecordLen bounds a single framed record. A frame length above this
// is treated as corruption rather than an allocation request.
const maxRecordLen = 256 << 20

// StreamWriter appends span records in stream form: the magic header
// followed by serialized records in identifier order. With length
// prefixes enabled each record is preceded by its u64 byte length,
// which is the framing used over sockets.
//
// The synthetic root is implicit and never written.
type StreamWriter struct {
	w        io.Writer
	prefixed bool
	buf      *enbin.Buffer
	next     trace.SpanID
}

// NewStreamWriter writes the magic header and returns a writer ready to
// append records for identifiers 1, 2, ...
func NewStreamWriter(w io.Writer, prefixed bool) (*StreamWriter, error) {
	format := trace.FormatStream
	if prefixed {
		format = trace.FormatStreamPrefixed
	}
	magic := trace.MagicFor(trace.DiskVersion, format)
	if _, err := w.Write(magic[:]); err != nil {
		return nil, trace.IoError(err)
	}
	return &StreamWriter{w: w, prefixed: prefixed, buf: enbin.NewBuffer(1024), next: 1}, nil
}

// Append writes one record and returns the identifier it was assigned.
func (sw *StreamWriter) Append(rec *trace.SpanRecord) (trace.SpanID, error) {
	sw.buf.Reset()
	trace.AppendRecord(sw.buf, rec)
	if sw.prefixed {
		if err := enbin.WriteFrame(sw.w, sw.buf.Bytes()); err != nil {
			return 0, trace.IoError(err)
		}
	} else if _, err := sw.w.Write(sw.buf.Bytes()); err != nil {
		return 0, trace.IoError(err)
	}
	id := sw.next
	sw.next++
	return id, nil
}

// WriteStream serializes the whole store in stream form.
func WriteStream(s *MemStore, w io.Writer, prefixed bool) error {
	sw, err := NewStreamWriter(w, prefixed)
	if err != nil {
		return err
	}
	n := trace.SpanID(s.SpanCount())
	for id := trace.SpanID(1); id < n; id++ {
		rec, err := s.Record(id)
		if err != nil {
			return err
		}
		if _, err := sw.Append(&rec); err != nil {
			return err
		}
	}
	return nil
}

// readMagic consumes and validates the 10-byte header.
func readMagic(r io.Reader) (trace.StorageFormat, error) {
	var m [trace.MagicLen]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, &trace.FormatError{Reason: "file shorter than magic header"}
		}
		return 0, trace.IoError(err)
	}
	_, format, err := trace.ParseMagic(m)
	return format, err
}

// ReadStream loads a stream-form or length-prefixed trace into a
// MemStore. The reader must be positioned at the magic header. A record
// truncated at end of input is fatal here (files have no more bytes
// coming) and surfaces ErrIncompleteFrame.
func ReadStream(r io.Reader) (*MemStore, error) {
	format, err := readMagic(r)
	if err != nil {
		return nil, err
	}
	switch format {
	case trace.FormatStream:
		return readUnprefixed(r)
	case trace.FormatStreamPrefixed:
		return readPrefixed(r)
	}
	return nil, &trace.FormatError{Reason: "indexed file passed to stream reader"}
}

func readUnprefixed(r io.Reader) (*MemStore, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.IoError(err)
	}
	s := NewMemStore()
	off := 0
	for off < len(body) {
		rec, n, err := trace.DecodeRecord(body[off:])
		if err != nil {
			if errors.Is(err, enbin.ErrTruncated) {
				return nil, trace.ErrIncompleteFrame
			}
			return nil, err
		}
		s.Append(rec)
		off += n
	}
	return s, nil
}

func readPrefixed(r io.Reader) (*MemStore, error) {
	s := NewMemStore()
	for {
		body, err := enbin.ReadFullFrame(r, maxRecordLen)
		if err != nil {
			if err == io.EOF {
				return s, nil
			}
			if err == io.ErrUnexpectedEOF {
				return nil, trace.ErrIncompleteFrame
			}
			if errors.Is(err, enbin.ErrInvalid) {
				return nil, err
			}
			return nil, trace.IoError(err)
		}
		rec, n, err := trace.DecodeRecord(body)
		if err != nil {
			if errors.Is(err, enbin.ErrTruncated) {
				return nil, trace.ErrIncompleteFrame
			}
			return nil, err
		}
		if n != len(body) {
			return nil, trace.CorruptIndexError("frame of %d bytes decoded as %d-byte record", len(body), n)
		}
		s.Append(rec)
	}
}
