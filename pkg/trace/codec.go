package trace

import (
	"fmt"

	"github.com/entrace-dev/entrace/pkg/enbin"
)

// AppendValue encodes a tagged value: one discriminant byte, then the
// variant payload.
func AppendValue(w *enbin.Buffer, v Value) {
	w.U8(uint8(v.Kind))
	switch v.Kind {
	case KindInt:
		w.I64(v.Int)
	case KindUint:
		w.U64(v.Uint)
	case KindFloat:
		w.F64(v.F64)
	case KindBool:
		w.Bool(v.Bool)
	case KindString:
		w.String(v.Str)
	case KindNull:
	}
}

// ReadValue decodes a tagged value.
func ReadValue(r *enbin.Reader) (Value, error) {
	tag, err := r.U8()
	if err != nil {
		return Value{}, err
	}
	switch ValueKind(tag) {
	case KindInt:
		v, err := r.I64()
		return IntValue(v), err
	case KindUint:
		v, err := r.U64()
		return UintValue(v), err
	case KindFloat:
		v, err := r.F64()
		return FloatValue(v), err
	case KindBool:
		v, err := r.Bool()
		return BoolValue(v), err
	case KindString:
		v, err := r.String()
		return StringValue(v), err
	case KindNull:
		return NullValue(), nil
	}
	return Value{}, fmt.Errorf("%w: value tag %d", enbin.ErrInvalid, tag)
}

func appendOptString(w *enbin.Buffer, present bool, s string) {
	w.Option(present)
	if present {
		w.String(s)
	}
}

func readOptString(r *enbin.Reader) (string, bool, error) {
	present, err := r.Option()
	if err != nil || !present {
		return "", false, err
	}
	s, err := r.String()
	return s, err == nil, err
}

// AppendMetadata encodes span metadata in canonical field order:
// name, target, level, module_path, file, line.
func AppendMetadata(w *enbin.Buffer, m Metadata) {
	w.String(m.Name)
	w.String(m.Target)
	w.U8(uint8(m.Level))
	appendOptString(w, m.HasModule, m.ModulePath)
	appendOptString(w, m.HasFile, m.File)
	w.Option(m.HasLine)
	if m.HasLine {
		w.U32(m.Line)
	}
}

// ReadMetadata decodes span metadata.
func ReadMetadata(r *enbin.Reader) (Metadata, error) {
	var m Metadata
	var err error
	if m.Name, err = r.String(); err != nil {
		return m, err
	}
	if m.Target, err = r.String(); err != nil {
		return m, err
	}
	level, err := r.U8()
	if err != nil {
		return m, err
	}
	m.Level = Level(level)
	if m.ModulePath, m.HasModule, err = readOptString(r); err != nil {
		return m, err
	}
	if m.File, m.HasFile, err = readOptString(r); err != nil {
		return m, err
	}
	if m.HasLine, err = r.Option(); err != nil {
		return m, err
	}
	if m.HasLine {
		if m.Line, err = r.U32(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// AppendRecord encodes a span record in canonical field order:
// parent, message, metadata, attributes.
func AppendRecord(w *enbin.Buffer, rec *SpanRecord) {
	w.U32(rec.Parent)
	appendOptString(w, rec.HasMessage, rec.Message)
	AppendMetadata(w, rec.Metadata)
	w.Uvarint(uint64(len(rec.Attrs)))
	for _, a := range rec.Attrs {
		w.String(a.Name)
		AppendValue(w, a.Value)
	}
}

// EncodeRecord encodes a span record into a fresh byte slice.
func EncodeRecord(rec *SpanRecord) []byte {
	w := enbin.NewBuffer(64 + 16*len(rec.Attrs))
	AppendRecord(w, rec)
	return w.Bytes()
}

// ReadRecord decodes a span record.
func ReadRecord(r *enbin.Reader) (SpanRecord, error) {
	var rec SpanRecord
	var err error
	if rec.Parent, err = r.U32(); err != nil {
		return rec, err
	}
	if rec.Message, rec.HasMessage, err = readOptString(r); err != nil {
		return rec, err
	}
	if rec.Metadata, err = ReadMetadata(r); err != nil {
		return rec, err
	}
	n, err := r.Uvarint()
	if err != nil {
		return rec, err
	}
	if n > uint64(r.Remaining()) {
		// each attribute needs at least one name byte and one tag byte
		return rec, enbin.ErrTruncated
	}
	rec.Attrs = make([]Attr, 0, n)
	for i := uint64(0); i < n; i++ {
		var a Attr
		if a.Name, err = r.String(); err != nil {
			return rec, err
		}
		if a.Value, err = ReadValue(r); err != nil {
			return rec, err
		}
		rec.Attrs = append(rec.Attrs, a)
	}
	return rec, nil
}

// DecodeRecord decodes one span record from b and returns the number of
// bytes consumed.
func DecodeRecord(b []byte) (SpanRecord, int, error) {
	r := enbin.NewReader(b)
	rec, err := ReadRecord(r)
	return rec, r.Offset(), err
}

// ReadHeader decodes just the header projection of a record: parent,
// message, and the metadata prefix. Cheaper than ReadRecord when the
// attributes are not needed.
func ReadHeader(r *enbin.Reader) (Header, error) {
	var h Header
	if _, err := r.U32(); err != nil { // parent
		return h, err
	}
	var err error
	if h.Message, h.HasMsg, err = readOptString(r); err != nil {
		return h, err
	}
	m, err := ReadMetadata(r)
	if err != nil {
		return h, err
	}
	h.Name = m.Name
	h.Level = m.Level
	h.File, h.HasFile = m.File, m.HasFile
	h.Line, h.HasLine = m.Line, m.HasLine
	return h, nil
}

// ReadParent decodes only the parent field of a record. The parent is
// the first encoded field, so this is a single fixed-width read.
func ReadParent(b []byte) (SpanID, error) {
	r := enbin.NewReader(b)
	return r.U32()
}

// RecordEqual reports deep equality of two records under value equality.
func RecordEqual(a, b *SpanRecord) bool {
	if a.Parent != b.Parent || a.HasMessage != b.HasMessage || a.Message != b.Message {
		return false
	}
	if a.Metadata != b.Metadata {
		return false
	}
	if len(a.Attrs) != len(b.Attrs) {
		return false
	}
	for i := range a.Attrs {
		if a.Attrs[i].Name != b.Attrs[i].Name || !a.Attrs[i].Value.Equal(b.Attrs[i].Value) {
			return false
		}
	}
	return true
}
