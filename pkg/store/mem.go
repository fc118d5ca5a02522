package store

import (
	"github.com/entrace-dev/entrace/pkg/trace"
)

// memSpan is the in-memory span representation. Metadata is held as an
// index into the intern pool so that the many spans emitted by one call
// site share a single Metadata value.
type memSpan struct {
	parent     trace.SpanID
	message    string
	hasMessage bool
	meta       int
	attrs      []trace.Attr
}

// MemStore is the in-memory span buffer. It backs live ingestion and
// stream-form loads, and serves as the source for serialization.
//
// Appends must be complete before the store is shared with concurrent
// readers; the read path itself is pure.
type MemStore struct {
	spans     []memSpan
	pool      [][]trace.SpanID
	metas     []trace.Metadata
	metaIndex map[trace.Metadata]int
}

// NewMemStore creates a store holding only the synthetic root.
func NewMemStore() *MemStore {
	s := &MemStore{metaIndex: make(map[trace.Metadata]int)}
	root := trace.Root()
	s.spans = append(s.spans, memSpan{parent: trace.RootID, meta: s.intern(root.Metadata)})
	s.pool = append(s.pool, nil)
	return s
}

func (s *MemStore) intern(m trace.Metadata) int {
	if idx, ok := s.metaIndex[m]; ok {
		return idx
	}
	idx := len(s.metas)
	s.metas = append(s.metas, m)
	s.metaIndex[m] = idx
	return idx
}

// Append adds a span and returns its identifier. A parent beyond the
// current range is reparented to the root, matching ingestion of orphan
// spans.
func (s *MemStore) Append(rec trace.SpanRecord) trace.SpanID {
	id := trace.SpanID(len(s.spans))
	parent := rec.Parent
	if parent >= id {
		parent = trace.RootID
	}
	s.spans = append(s.spans, memSpan{
		parent:     parent,
		message:    rec.Message,
		hasMessage: rec.HasMessage,
		meta:       s.intern(rec.Metadata),
		attrs:      rec.Attrs,
	})
	s.pool = append(s.pool, nil)
	s.pool[parent] = append(s.pool[parent], id)
	return id
}

// Record reconstructs the logical record for span id. The root (id 0)
// reconstructs to trace.Root().
func (s *MemStore) Record(id trace.SpanID) (trace.SpanRecord, error) {
	if int(id) >= len(s.spans) {
		return trace.SpanRecord{}, &trace.OutOfBoundsError{ID: id, Len: len(s.spans)}
	}
	sp := s.spans[id]
	return trace.SpanRecord{
		Parent:     sp.parent,
		Message:    sp.message,
		HasMessage: sp.hasMessage,
		Metadata:   s.metas[sp.meta],
		Attrs:      sp.attrs,
	}, nil
}

// MetadataPoolSize returns the number of distinct interned metadata
// values.
func (s *MemStore) MetadataPoolSize() int { return len(s.metas) }

// SpanCount returns the number of spans including the root.
func (s *MemStore) SpanCount() int { return len(s.spans) }

// SpanRange returns the inclusive identifier range.
func (s *MemStore) SpanRange() (trace.SpanID, trace.SpanID) {
	return 0, trace.SpanID(len(s.spans) - 1)
}

// Parent returns the parent identifier.
func (s *MemStore) Parent(id trace.SpanID) (trace.SpanID, error) {
	if int(id) >= len(s.spans) {
		return 0, &trace.OutOfBoundsError{ID: id, Len: len(s.spans)}
	}
	return s.spans[id].parent, nil
}

// Children returns the ordered child list.
func (s *MemStore) Children(id trace.SpanID) ([]trace.SpanID, error) {
	if int(id) >= len(s.pool) {
		return nil, &trace.OutOfBoundsError{ID: id, Len: len(s.pool)}
	}
	return s.pool[id], nil
}

// ChildCount returns the number of children.
func (s *MemStore) ChildCount(id trace.SpanID) (int, error) {
	c, err := s.Children(id)
	return len(c), err
}

// Metadata returns the span's metadata.
func (s *MemStore) Metadata(id trace.SpanID) (trace.Metadata, error) {
	if int(id) >= len(s.spans) {
		return trace.Metadata{}, &trace.OutOfBoundsError{ID: id, Len: len(s.spans)}
	}
	return s.metas[s.spans[id].meta], nil
}

// Attributes returns the ordered attribute list.
func (s *MemStore) Attributes(id trace.SpanID) ([]trace.Attr, error) {
	if int(id) >= len(s.spans) {
		return nil, &trace.OutOfBoundsError{ID: id, Len: len(s.spans)}
	}
	return s.spans[id].attrs, nil
}

// Header returns the display projection.
func (s *MemStore) Header(id trace.SpanID) (trace.Header, error) {
	if int(id) >= len(s.spans) {
		return trace.Header{}, &trace.OutOfBoundsError{ID: id, Len: len(s.spans)}
	}
	sp := s.spans[id]
	m := s.metas[sp.meta]
	return trace.Header{
		Name:    m.Name,
		Level:   m.Level,
		File:    m.File,
		HasFile: m.HasFile,
		Line:    m.Line,
		HasLine: m.HasLine,
		Message: sp.message,
		HasMsg:  sp.hasMessage,
	}, nil
}
