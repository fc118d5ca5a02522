package store

import (
	"os"
	"syscall"

	"github.com/entrace-dev/entrace/pkg/enbin"
	"github.com/entrace-dev/entrace/pkg/trace"
)

// MmapStore reads an indexed-form trace through a read-only memory map.
// The offset table and child-list pool are parsed eagerly (they sit in
// one contiguous prefix of the file); record bodies are decoded lazily,
// so reading a span costs one offset lookup plus one deserialize.
//
// The map is a shared, read-only mapping of the file. Decode failures in
// the mapped bytes surface ErrCorruptIndex; the store stays usable for
// other reads.
type MmapStore struct {
	f         *os.File
	data      []byte
	offsets   []uint64
	pool      [][]trace.SpanID
	dataStart int
	rootMeta  trace.Metadata
}

// OpenMmap maps an indexed-form trace file.
func OpenMmap(path string) (*MmapStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.IoError(err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, trace.IoError(err)
	}
	if stat.Size() < trace.MagicLen {
		f.Close()
		return nil, &trace.FormatError{Reason: "file shorter than magic header"}
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(stat.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, trace.IoError(err)
	}

	s, err := newMmapStore(f, data)
	if err != nil {
		syscall.Munmap(data)
		f.Close()
		return nil, err
	}
	return s, nil
}

func newMmapStore(f *os.File, data []byte) (*MmapStore, error) {
	var m [trace.MagicLen]byte
	copy(m[:], data)
	_, format, err := trace.ParseMagic(m)
	if err != nil {
		return nil, err
	}
	if format != trace.FormatIndexed {
		return nil, &trace.FormatError{Reason: "stream-form file passed to mapped reader"}
	}
	body := data[trace.MagicLen:]
	dataStart, offsets, pool, err := parseIndexedTables(body)
	if err != nil {
		return nil, err
	}
	return &MmapStore{
		f:         f,
		data:      data,
		offsets:   offsets,
		pool:      pool,
		dataStart: trace.MagicLen + dataStart,
		rootMeta:  trace.RootMetadata(),
	}, nil
}

// Close unmaps the file and releases the descriptor.
func (s *MmapStore) Close() error {
	var firstErr error
	if s.data != nil {
		if err := syscall.Munmap(s.data); err != nil {
			firstErr = trace.IoError(err)
		}
		s.data = nil
	}
	if s.f != nil {
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = trace.IoError(err)
		}
		s.f = nil
	}
	return firstErr
}

// recordBytes returns the encoded body of span id (id >= 1).
func (s *MmapStore) recordBytes(id trace.SpanID) ([]byte, error) {
	idx := int(id) - 1
	if idx < 0 || idx >= len(s.offsets) {
		return nil, &trace.OutOfBoundsError{ID: id, Len: s.SpanCount()}
	}
	start := s.dataStart + int(s.offsets[idx])
	end := len(s.data)
	if idx+1 < len(s.offsets) {
		end = s.dataStart + int(s.offsets[idx+1])
	}
	if start > end || end > len(s.data) {
		return nil, trace.CorruptIndexError("record %d spans [%d, %d) beyond file of %d bytes", id, start, end, len(s.data))
	}
	return s.data[start:end], nil
}

// Record decodes the full logical record of span id.
func (s *MmapStore) Record(id trace.SpanID) (trace.SpanRecord, error) {
	if id == trace.RootID {
		return trace.Root(), nil
	}
	b, err := s.recordBytes(id)
	if err != nil {
		return trace.SpanRecord{}, err
	}
	rec, _, err := trace.DecodeRecord(b)
	if err != nil {
		return trace.SpanRecord{}, trace.CorruptIndexError("record %d: %v", id, err)
	}
	return rec, nil
}

// SpanCount returns the number of spans including the root.
func (s *MmapStore) SpanCount() int { return len(s.pool) }

// SpanRange returns the inclusive identifier range.
func (s *MmapStore) SpanRange() (trace.SpanID, trace.SpanID) {
	return 0, trace.SpanID(len(s.pool) - 1)
}

// Parent returns the parent identifier. Only the leading fixed-width
// field of the record is decoded.
func (s *MmapStore) Parent(id trace.SpanID) (trace.SpanID, error) {
	if id == trace.RootID {
		return trace.RootID, nil
	}
	b, err := s.recordBytes(id)
	if err != nil {
		return 0, err
	}
	parent, err := trace.ReadParent(b)
	if err != nil {
		return 0, trace.CorruptIndexError("record %d parent: %v", id, err)
	}
	return parent, nil
}

// Children returns the ordered child list from the pool section.
func (s *MmapStore) Children(id trace.SpanID) ([]trace.SpanID, error) {
	if int(id) >= len(s.pool) {
		return nil, &trace.OutOfBoundsError{ID: id, Len: len(s.pool)}
	}
	return s.pool[id], nil
}

// ChildCount returns the number of children.
func (s *MmapStore) ChildCount(id trace.SpanID) (int, error) {
	c, err := s.Children(id)
	return len(c), err
}

// Metadata decodes the span's metadata.
func (s *MmapStore) Metadata(id trace.SpanID) (trace.Metadata, error) {
	if id == trace.RootID {
		return s.rootMeta, nil
	}
	rec, err := s.Record(id)
	if err != nil {
		return trace.Metadata{}, err
	}
	return rec.Metadata, nil
}

// Attributes decodes the span's attribute list.
func (s *MmapStore) Attributes(id trace.SpanID) ([]trace.Attr, error) {
	if id == trace.RootID {
		return nil, nil
	}
	rec, err := s.Record(id)
	if err != nil {
		return nil, err
	}
	return rec.Attrs, nil
}

// Header decodes the display projection without touching attributes.
func (s *MmapStore) Header(id trace.SpanID) (trace.Header, error) {
	if id == trace.RootID {
		return trace.Header{Name: s.rootMeta.Name, Level: s.rootMeta.Level}, nil
	}
	b, err := s.recordBytes(id)
	if err != nil {
		return trace.Header{}, err
	}
	h, err := trace.ReadHeader(enbin.NewReader(b))
	if err != nil {
		return trace.Header{}, trace.CorruptIndexError("record %d header: %v", id, err)
	}
	return h, nil
}
