// Package store owns span data on disk and in memory. It implements the
// two file encodings (stream form and indexed form), conversion between
// them, a memory-mapped reader for the indexed form, and live ingestion
// over a stream socket.
package store

import (
	"strconv"
	"strings"

	"github.com/entrace-dev/entrace/pkg/trace"
)

// Reader is the read interface of the storage layer. All operations are
// pure and safe for concurrent use; implementations hold no locks on the
// read path.
type Reader interface {
	// SpanCount returns the total number of spans including the
	// synthetic root. Must be cheap.
	SpanCount() int

	// SpanRange returns the inclusive identifier range (0, N-1).
	SpanRange() (trace.SpanID, trace.SpanID)

	// Parent returns the parent identifier. The root is its own parent.
	Parent(id trace.SpanID) (trace.SpanID, error)

	// Children returns the ordered child list. Callers must not mutate
	// the returned slice.
	Children(id trace.SpanID) ([]trace.SpanID, error)

	// ChildCount returns the number of children.
	ChildCount(id trace.SpanID) (int, error)

	// Metadata returns the span's metadata.
	Metadata(id trace.SpanID) (trace.Metadata, error)

	// Attributes returns the ordered attribute list. Callers must not
	// mutate the returned slice.
	Attributes(id trace.SpanID) ([]trace.Attr, error)

	// Header returns the cheap display projection of the span.
	Header(id trace.SpanID) (trace.Header, error)
}

// AttributeByName returns the first attribute with the given name.
func AttributeByName(r Reader, id trace.SpanID, name string) (trace.Value, bool, error) {
	attrs, err := r.Attributes(id)
	if err != nil {
		return trace.Value{}, false, err
	}
	for _, a := range attrs {
		if a.Name == name {
			return a.Value, true, nil
		}
	}
	return trace.Value{}, false, nil
}

// FormatValue renders a value the way Stringify does.
func FormatValue(v trace.Value) string {
	switch v.Kind {
	case trace.KindInt:
		return strconv.FormatInt(v.Int, 10)
	case trace.KindUint:
		return strconv.FormatUint(v.Uint, 10)
	case trace.KindFloat:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case trace.KindBool:
		return strconv.FormatBool(v.Bool)
	case trace.KindString:
		return strconv.Quote(v.Str)
	case trace.KindNull:
		return "null"
	}
	return "?"
}

// Stringify renders the canonical textual form of a span: metadata,
// message, attributes, and the direct child identifier list. It does
// not descend into child spans.
func Stringify(r Reader, id trace.SpanID) (string, error) {
	meta, err := r.Metadata(id)
	if err != nil {
		return "", err
	}
	attrs, err := r.Attributes(id)
	if err != nil {
		return "", err
	}
	children, err := r.Children(id)
	if err != nil {
		return "", err
	}
	h, err := r.Header(id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("span{name:")
	b.WriteString(strconv.Quote(meta.Name))
	b.WriteString(", target:")
	b.WriteString(strconv.Quote(meta.Target))
	b.WriteString(", level:")
	b.WriteString(meta.Level.String())
	if meta.HasModule {
		b.WriteString(", module:")
		b.WriteString(strconv.Quote(meta.ModulePath))
	}
	if meta.HasFile {
		b.WriteString(", file:")
		b.WriteString(strconv.Quote(meta.File))
	}
	if meta.HasLine {
		b.WriteString(", line:")
		b.WriteString(strconv.FormatUint(uint64(meta.Line), 10))
	}
	if h.HasMsg {
		b.WriteString(", message:")
		b.WriteString(strconv.Quote(h.Message))
	}
	b.WriteString(", attrs:[")
	for i, a := range attrs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.Name)
		b.WriteByte('=')
		b.WriteString(FormatValue(a.Value))
	}
	b.WriteString("], children:[")
	for i, c := range children {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatUint(uint64(c), 10))
	}
	b.WriteString("]}")
	return b.String(), nil
}

// ContainsAnywhere reports whether needle occurs as a substring of the
// span's stringified form. The search covers the span itself (metadata,
// message, attributes, child ID list), not its descendants' text.
func ContainsAnywhere(r Reader, id trace.SpanID, needle string) (bool, error) {
	s, err := Stringify(r, id)
	if err != nil {
		return false, err
	}
	return strings.Contains(s, needle), nil
}
