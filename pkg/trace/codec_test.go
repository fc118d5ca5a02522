package trace

import (
	"errors"
	"testing"

	"github.com/entrace-dev/entrace/pkg/enbin"
)

func sampleRecord() SpanRecord {
	return SpanRecord{
		Parent:     3,
		Message:    "constructed node",
		HasMessage: true,
		Metadata: Metadata{
			Name:       "build",
			Target:     "builder::graph",
			Level:      LevelInfo,
			ModulePath: "builder",
			HasModule:  true,
			File:       "graph.go",
			HasFile:    true,
			Line:       117,
			HasLine:    true,
		},
		Attrs: []Attr{
			{Name: "message", Value: StringValue("constructed node")},
			{Name: "breadth", Value: UintValue(2)},
			{Name: "weight", Value: FloatValue(0.25)},
			{Name: "signed", Value: IntValue(-9)},
			{Name: "flag", Value: BoolValue(true)},
			{Name: "missing", Value: NullValue()},
		},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := sampleRecord()
	data := EncodeRecord(&rec)
	got, n, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("consumed %d of %d bytes", n, len(data))
	}
	if !RecordEqual(&rec, &got) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
}

func TestRecordRoundTripMinimal(t *testing.T) {
	rec := SpanRecord{Parent: 0, Metadata: Metadata{Name: "empty", Level: LevelTrace}}
	data := EncodeRecord(&rec)
	got, _, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !RecordEqual(&rec, &got) {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestRecordTruncation(t *testing.T) {
	rec := sampleRecord()
	data := EncodeRecord(&rec)
	for cut := 0; cut < len(data); cut++ {
		if _, _, err := DecodeRecord(data[:cut]); err == nil {
			t.Fatalf("decode of %d/%d bytes succeeded", cut, len(data))
		}
	}
}

func TestHeaderProjection(t *testing.T) {
	rec := sampleRecord()
	data := EncodeRecord(&rec)
	h, err := ReadHeader(enbin.NewReader(data))
	if err != nil {
		t.Fatalf("header decode failed: %v", err)
	}
	if h.Name != "build" || h.Level != LevelInfo || !h.HasMsg || h.Message != "constructed node" {
		t.Errorf("header = %+v", h)
	}
	if !h.HasFile || h.File != "graph.go" || !h.HasLine || h.Line != 117 {
		t.Errorf("header source location = %+v", h)
	}
}

func TestReadParent(t *testing.T) {
	rec := sampleRecord()
	p, err := ReadParent(EncodeRecord(&rec))
	if err != nil || p != 3 {
		t.Errorf("parent = %d, %v", p, err)
	}
}

func TestMagicRoundTrip(t *testing.T) {
	for _, format := range []StorageFormat{FormatIndexed, FormatStream, FormatStreamPrefixed} {
		m := MagicFor(DiskVersion, format)
		version, got, err := ParseMagic(m)
		if err != nil {
			t.Fatalf("format %d: %v", format, err)
		}
		if version != DiskVersion || got != format {
			t.Errorf("format %d parsed as version=%d format=%d", format, version, got)
		}
	}
}

func TestMagicRejects(t *testing.T) {
	cases := []struct {
		name string
		m    [MagicLen]byte
	}{
		{"zeroed", [MagicLen]byte{}},
		{"bad prefix", [MagicLen]byte{0, 'E', 'N', 'T', 'R', 'A', 'C', 'X', 1, 1}},
		{"nonzero first byte", [MagicLen]byte{1, 'E', 'N', 'T', 'R', 'A', 'C', 'E', 1, 1}},
		{"future version", MagicFor(DiskVersion+1, FormatStream)},
		{"bad tag", MagicFor(DiskVersion, StorageFormat(9))},
	}
	for _, tc := range cases {
		if _, _, err := ParseMagic(tc.m); !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("%s: err = %v, want ErrUnsupportedFormat", tc.name, err)
		}
	}
}

func TestValueEqual(t *testing.T) {
	if IntValue(1).Equal(UintValue(1)) {
		t.Error("int and uint values compare equal")
	}
	if !NullValue().Equal(NullValue()) {
		t.Error("null values compare unequal")
	}
	if !StringValue("a").Equal(StringValue("a")) || StringValue("a").Equal(StringValue("b")) {
		t.Error("string equality broken")
	}
}
