package store

import (
	"bytes"
	"errors"
	"testing"

	"github.com/entrace-dev/entrace/pkg/trace"
)

func span(parent trace.SpanID, name string, attrs ...trace.Attr) trace.SpanRecord {
	return trace.SpanRecord{
		Parent:   parent,
		Metadata: trace.Metadata{Name: name, Target: "test", Level: trace.LevelInfo},
		Attrs:    attrs,
	}
}

// fixtureT1 is the three-span tree used by the end-to-end scenarios:
// root, then two children carrying message and breadth attributes.
func fixtureT1() *MemStore {
	s := NewMemStore()
	s.Append(span(0, "first",
		trace.Attr{Name: "message", Value: trace.StringValue("constructed node")},
		trace.Attr{Name: "breadth", Value: trace.UintValue(2)},
	))
	s.Append(span(0, "second",
		trace.Attr{Name: "message", Value: trace.StringValue("constructed node")},
		trace.Attr{Name: "breadth", Value: trace.UintValue(1)},
	))
	return s
}

func TestEmptyTraceBoundaries(t *testing.T) {
	s := NewMemStore()
	if n := s.SpanCount(); n != 1 {
		t.Errorf("SpanCount() = %d, want 1 (root only)", n)
	}
	lo, hi := s.SpanRange()
	if lo != 0 || hi != 0 {
		t.Errorf("SpanRange() = (%d, %d), want (0, 0)", lo, hi)
	}
	p, err := s.Parent(0)
	if err != nil || p != 0 {
		t.Errorf("root parent = %d, %v", p, err)
	}
	m, err := s.Metadata(0)
	if err != nil || m.Name != "root" {
		t.Errorf("root metadata = %+v, %v", m, err)
	}
}

func TestTreeStructure(t *testing.T) {
	s := NewMemStore()
	a := s.Append(span(0, "a"))
	b := s.Append(span(a, "b"))
	c := s.Append(span(a, "c"))

	children, err := s.Children(a)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 || children[0] != b || children[1] != c {
		t.Errorf("children of %d = %v, want [%d %d] in ingestion order", a, children, b, c)
	}
	for _, id := range []trace.SpanID{a, b, c} {
		p, err := s.Parent(id)
		if err != nil {
			t.Fatal(err)
		}
		if id != 0 && p >= id {
			t.Errorf("span %d has parent %d, parents must precede children", id, p)
		}
	}
}

func TestOrphanReparentedToRoot(t *testing.T) {
	s := NewMemStore()
	id := s.Append(span(99, "orphan"))
	p, err := s.Parent(id)
	if err != nil || p != trace.RootID {
		t.Errorf("orphan parent = %d, %v, want root", p, err)
	}
	rootChildren, _ := s.Children(trace.RootID)
	if len(rootChildren) != 1 || rootChildren[0] != id {
		t.Errorf("root children = %v", rootChildren)
	}
}

func TestMetadataInterning(t *testing.T) {
	s := NewMemStore()
	for i := 0; i < 100; i++ {
		s.Append(span(0, "same"))
	}
	// root's metadata plus one shared entry
	if n := s.MetadataPoolSize(); n != 2 {
		t.Errorf("metadata pool size = %d, want 2", n)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	for _, prefixed := range []bool{false, true} {
		src := fixtureT1()
		var buf bytes.Buffer
		if err := WriteStream(src, &buf, prefixed); err != nil {
			t.Fatal(err)
		}
		got, err := ReadStream(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("prefixed=%v: %v", prefixed, err)
		}
		assertStoresEqual(t, src, got)
	}
}

func TestStreamTruncationIsFatal(t *testing.T) {
	src := fixtureT1()
	for _, prefixed := range []bool{false, true} {
		var buf bytes.Buffer
		if err := WriteStream(src, &buf, prefixed); err != nil {
			t.Fatal(err)
		}
		cut := buf.Bytes()[:buf.Len()-3]
		_, err := ReadStream(bytes.NewReader(cut))
		if !errors.Is(err, trace.ErrIncompleteFrame) {
			t.Errorf("prefixed=%v: err = %v, want ErrIncompleteFrame", prefixed, err)
		}
	}
}

func TestStreamRejectsBadMagic(t *testing.T) {
	_, err := ReadStream(bytes.NewReader([]byte("not a trace file at all")))
	if !errors.Is(err, trace.ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestAttributeByNameFirstMatch(t *testing.T) {
	s := NewMemStore()
	id := s.Append(span(0, "dup",
		trace.Attr{Name: "k", Value: trace.IntValue(1)},
		trace.Attr{Name: "k", Value: trace.IntValue(2)},
	))
	v, ok, err := AttributeByName(s, id, "k")
	if err != nil || !ok {
		t.Fatalf("lookup failed: %v", err)
	}
	if v.Int != 1 {
		t.Errorf("first match = %d, want 1", v.Int)
	}
	_, ok, err = AttributeByName(s, id, "absent")
	if err != nil || ok {
		t.Errorf("absent attribute: ok=%v err=%v", ok, err)
	}
}

func TestContainsAnywhereNotRecursive(t *testing.T) {
	s := NewMemStore()
	parent := s.Append(span(0, "parent"))
	s.Append(span(parent, "needle-bearing-child"))

	// the child's own text is not searched from the parent
	ok, err := ContainsAnywhere(s, parent, "needle-bearing")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("parent stringification matched a descendant's text")
	}
	// but the child ID list is part of the parent's form
	ok, err = ContainsAnywhere(s, parent, "children:[2]")
	if err != nil || !ok {
		t.Errorf("child ID list not in stringified form: ok=%v err=%v", ok, err)
	}
}

func TestStringifyContainsAttrs(t *testing.T) {
	s := fixtureT1()
	got, err := Stringify(s, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"constructed node"`, "breadth=2", `name:"first"`} {
		if !bytes.Contains([]byte(got), []byte(want)) {
			t.Errorf("stringified form %q missing %q", got, want)
		}
	}
}

func assertStoresEqual(t *testing.T, want, got Reader) {
	t.Helper()
	if want.SpanCount() != got.SpanCount() {
		t.Fatalf("span count %d != %d", got.SpanCount(), want.SpanCount())
	}
	n := trace.SpanID(want.SpanCount())
	for id := trace.SpanID(0); id < n; id++ {
		wp, err1 := want.Parent(id)
		gp, err2 := got.Parent(id)
		if err1 != nil || err2 != nil || wp != gp {
			t.Fatalf("span %d parent: %d/%v vs %d/%v", id, wp, err1, gp, err2)
		}
		wc, _ := want.Children(id)
		gc, _ := got.Children(id)
		if len(wc) != len(gc) {
			t.Fatalf("span %d child count %d != %d", id, len(gc), len(wc))
		}
		for i := range wc {
			if wc[i] != gc[i] {
				t.Fatalf("span %d child %d: %d != %d", id, i, gc[i], wc[i])
			}
		}
		wm, _ := want.Metadata(id)
		gm, _ := got.Metadata(id)
		if wm != gm {
			t.Fatalf("span %d metadata %+v != %+v", id, gm, wm)
		}
		wa, _ := want.Attributes(id)
		ga, _ := got.Attributes(id)
		if len(wa) != len(ga) {
			t.Fatalf("span %d attr count %d != %d", id, len(ga), len(wa))
		}
		for i := range wa {
			if wa[i].Name != ga[i].Name || !wa[i].Value.Equal(ga[i].Value) {
				t.Fatalf("span %d attr %d mismatch", id, i)
			}
		}
	}
}
