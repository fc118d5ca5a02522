package store

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/entrace-dev/entrace/pkg/enbin"
	"github.com/entrace-dev/entrace/pkg/trace"
)

// tableData is the result of the first conversion pass: per-record
// offsets relative to the data-section start, and per-span child lists.
// offsets[i] locates the record of span i+1; the root has no record.
type tableData struct {
	offsets []uint64
	pool    [][]trace.SpanID
}

// gatherTables scans a stream-form body and computes the offset table
// and child-list pool. Truncation mid-record is fatal: the input is a
// file, not a socket.
func gatherTables(body []byte, prefixed bool) (*tableData, error) {
	t := &tableData{pool: [][]trace.SpanID{nil}}
	off := 0
	var dataOff uint64
	for off < len(body) {
		var frameLen uint64
		if prefixed {
			if len(body)-off < 8 {
				return nil, trace.ErrIncompleteFrame
			}
			frameLen = binary.LittleEndian.Uint64(body[off:])
			off += 8
			if frameLen > uint64(len(body)-off) {
				return nil, trace.ErrIncompleteFrame
			}
		}
		rec, n, err := trace.DecodeRecord(body[off:])
		if err != nil {
			if errors.Is(err, enbin.ErrTruncated) {
				return nil, trace.ErrIncompleteFrame
			}
			return nil, err
		}
		if prefixed && frameLen != uint64(n) {
			return nil, trace.CorruptIndexError("frame of %d bytes decoded as %d-byte record", frameLen, n)
		}
		id := trace.SpanID(len(t.pool))
		parent := rec.Parent
		if parent >= id {
			parent = trace.RootID
		}
		t.offsets = append(t.offsets, dataOff)
		t.pool = append(t.pool, nil)
		t.pool[parent] = append(t.pool[parent], id)
		off += n
		dataOff += uint64(n)
	}
	return t, nil
}

// writeTables emits the offset table and pool section of the indexed
// form: a u64 count then fixed-width u64 offsets, a u64 count then
// length-prefixed u32 child lists. The tables are contiguous so a
// mapped reader keeps them hot in cache.
func writeTables(w *enbin.Buffer, t *tableData) {
	w.U64(uint64(len(t.offsets)))
	for _, off := range t.offsets {
		w.U64(off)
	}
	w.U64(uint64(len(t.pool)))
	for _, children := range t.pool {
		w.U32(uint32(len(children)))
		for _, c := range children {
			w.U32(c)
		}
	}
}

// StreamToIndexed converts a stream-form trace (with or without length
// prefixes) to the indexed form. Two passes over the input: the first
// gathers child lists and record offsets, the second copies the record
// bodies unchanged behind the tables. The data section round-trips
// byte-for-byte. On any decode error nothing useful is written; callers
// that need atomicity write to a temporary file and rename.
func StreamToIndexed(in io.Reader, out io.Writer) error {
	format, err := readMagic(in)
	if err != nil {
		return err
	}
	if format == trace.FormatIndexed {
		return &trace.FormatError{Reason: "input is already in indexed form"}
	}
	body, err := io.ReadAll(in)
	if err != nil {
		return trace.IoError(err)
	}
	prefixed := format == trace.FormatStreamPrefixed
	tables, err := gatherTables(body, prefixed)
	if err != nil {
		return err
	}

	magic := trace.MagicFor(trace.DiskVersion, trace.FormatIndexed)
	if _, err := out.Write(magic[:]); err != nil {
		return trace.IoError(err)
	}
	head := enbin.NewBuffer(16 + 12*len(tables.pool))
	writeTables(head, tables)
	if _, err := out.Write(head.Bytes()); err != nil {
		return trace.IoError(err)
	}

	// second pass: copy record bodies
	if !prefixed {
		if _, err := out.Write(body); err != nil {
			return trace.IoError(err)
		}
		return nil
	}
	off := 0
	for i := 0; i < len(tables.offsets); i++ {
		off += 8
		var end int
		if i+1 < len(tables.offsets) {
			end = off + int(tables.offsets[i+1]-tables.offsets[i])
		} else {
			end = len(body)
		}
		if _, err := out.Write(body[off:end]); err != nil {
			return trace.IoError(err)
		}
		off = end
	}
	return nil
}

// IndexedToStream converts an indexed-form trace back to stream form by
// dropping the offset table and pool and copying the data section.
func IndexedToStream(in io.Reader, out io.Writer) error {
	format, err := readMagic(in)
	if err != nil {
		return err
	}
	if format != trace.FormatIndexed {
		return &trace.FormatError{Reason: "input is not in indexed form"}
	}
	body, err := io.ReadAll(in)
	if err != nil {
		return trace.IoError(err)
	}
	dataStart, _, _, err := parseIndexedTables(body)
	if err != nil {
		return err
	}
	magic := trace.MagicFor(trace.DiskVersion, trace.FormatStream)
	if _, err := out.Write(magic[:]); err != nil {
		return trace.IoError(err)
	}
	if _, err := out.Write(body[dataStart:]); err != nil {
		return trace.IoError(err)
	}
	return nil
}

// parseIndexedTables decodes the offset table and pool from an indexed
// body (everything after the magic). Returns the data-section start
// offset within body, the offsets, and the pool. Violations of the
// layout invariants surface ErrCorruptIndex.
func parseIndexedTables(body []byte) (int, []uint64, [][]trace.SpanID, error) {
	r := enbin.NewReader(body)
	m, err := r.U64()
	if err != nil {
		return 0, nil, nil, trace.CorruptIndexError("offset table count: %v", err)
	}
	if m > uint64(r.Remaining()/8) {
		return 0, nil, nil, trace.CorruptIndexError("offset table count %d exceeds file size", m)
	}
	offsets := make([]uint64, m)
	for i := range offsets {
		if offsets[i], err = r.U64(); err != nil {
			return 0, nil, nil, trace.CorruptIndexError("offset table entry %d: %v", i, err)
		}
		if i > 0 && offsets[i] < offsets[i-1] {
			return 0, nil, nil, trace.CorruptIndexError("offset table not monotonic at entry %d", i)
		}
	}
	k, err := r.U64()
	if err != nil {
		return 0, nil, nil, trace.CorruptIndexError("pool count: %v", err)
	}
	if k != m+1 {
		return 0, nil, nil, trace.CorruptIndexError("pool count %d does not match offset count %d", k, m)
	}
	pool := make([][]trace.SpanID, k)
	for i := range pool {
		cnt, err := r.U32()
		if err != nil {
			return 0, nil, nil, trace.CorruptIndexError("pool entry %d length: %v", i, err)
		}
		if uint64(cnt) > uint64(r.Remaining()/4) {
			return 0, nil, nil, trace.CorruptIndexError("pool entry %d length %d exceeds file size", i, cnt)
		}
		children := make([]trace.SpanID, cnt)
		for j := range children {
			c, err := r.U32()
			if err != nil {
				return 0, nil, nil, trace.CorruptIndexError("pool entry %d child %d: %v", i, j, err)
			}
			if uint64(c) >= k {
				return 0, nil, nil, trace.CorruptIndexError("pool entry %d references span %d outside [0, %d)", i, c, k)
			}
			children[j] = c
		}
		pool[i] = children
	}
	dataStart := r.Offset()
	if len(offsets) > 0 && offsets[len(offsets)-1] >= uint64(len(body)-dataStart) {
		return 0, nil, nil, trace.CorruptIndexError("last offset %d beyond data section of %d bytes", offsets[len(offsets)-1], len(body)-dataStart)
	}
	return dataStart, offsets, pool, nil
}

// WriteIndexed serializes a MemStore directly to indexed form, used on
// ingest shutdown when no stream file exists yet.
func WriteIndexed(s *MemStore, w io.Writer) error {
	n := s.SpanCount()
	tables := &tableData{pool: make([][]trace.SpanID, n)}
	for id := 0; id < n; id++ {
		children, err := s.Children(trace.SpanID(id))
		if err != nil {
			return err
		}
		tables.pool[id] = children
	}
	bodies := enbin.NewBuffer(1024 * n)
	tables.offsets = make([]uint64, 0, n-1)
	for id := 1; id < n; id++ {
		rec, err := s.Record(trace.SpanID(id))
		if err != nil {
			return err
		}
		tables.offsets = append(tables.offsets, uint64(bodies.Len()))
		trace.AppendRecord(bodies, &rec)
	}

	magic := trace.MagicFor(trace.DiskVersion, trace.FormatIndexed)
	if _, err := w.Write(magic[:]); err != nil {
		return trace.IoError(err)
	}
	head := enbin.NewBuffer(16 + 12*n)
	writeTables(head, tables)
	if _, err := w.Write(head.Bytes()); err != nil {
		return trace.IoError(err)
	}
	if _, err := w.Write(bodies.Bytes()); err != nil {
		return trace.IoError(err)
	}
	return nil
}
