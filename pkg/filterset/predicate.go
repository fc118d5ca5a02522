package filterset

import (
	"strings"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"github.com/entrace-dev/entrace/pkg/store"
	"github.com/entrace-dev/entrace/pkg/trace"
)

// cancelCheckStride is how many predicate evaluations a DNF scan
// performs between cancellation polls.
const cancelCheckStride = 4096

// CompareValues reports whether spanValue REL constant holds. The
// constant's kind decides the comparison: strings and booleans require
// the same kind on the span side, floats compare as floats, and the
// integer kinds coerce between signed and unsigned the way the span
// emitted them. Any other combination is incomparable and yields false.
func CompareValues(rel Relation, spanValue, constant trace.Value) bool {
	switch constant.Kind {
	case trace.KindString:
		if spanValue.Kind != trace.KindString {
			return false
		}
		return Relation(strings.Compare(spanValue.Str, constant.Str)) == rel
	case trace.KindBool:
		if spanValue.Kind != trace.KindBool {
			return false
		}
		return cmpBool(spanValue.Bool, constant.Bool) == rel
	case trace.KindFloat:
		if spanValue.Kind != trace.KindFloat {
			return false
		}
		return cmpFloat(spanValue.F64, constant.F64) == rel
	case trace.KindUint:
		var v uint64
		switch spanValue.Kind {
		case trace.KindUint:
			v = spanValue.Uint
		case trace.KindInt:
			v = uint64(spanValue.Int)
		default:
			return false
		}
		return cmpUint(v, constant.Uint) == rel
	case trace.KindInt:
		var v int64
		switch spanValue.Kind {
		case trace.KindUint:
			v = int64(spanValue.Uint)
		case trace.KindInt:
			v = spanValue.Int
		default:
			return false
		}
		return cmpInt(v, constant.Int) == rel
	case trace.KindNull:
		return spanValue.Kind == trace.KindNull && rel == RelEQ
	}
	return false
}

func cmpBool(a, b bool) Relation {
	switch {
	case a == b:
		return RelEQ
	case !a:
		return RelLT
	}
	return RelGT
}

func cmpFloat(a, b float64) Relation {
	switch {
	case a < b:
		return RelLT
	case a > b:
		return RelGT
	}
	return RelEQ
}

func cmpUint(a, b uint64) Relation {
	switch {
	case a < b:
		return RelLT
	case a > b:
		return RelGT
	}
	return RelEQ
}

func cmpInt(a, b int64) Relation {
	switch {
	case a < b:
		return RelLT
	case a > b:
		return RelGT
	}
	return RelEQ
}

// metaMatches evaluates a "meta." predicate against the metadata field it
// names.
func metaMatches(m trace.Metadata, field string, rel Relation, constant trace.Value) bool {
	stringField := func(s string) bool {
		if constant.Kind != trace.KindString {
			return false
		}
		return Relation(strings.Compare(s, constant.Str)) == rel
	}
	optStringField := func(s string, present bool) bool {
		return present && stringField(s)
	}
	uintField := func(v uint64) bool {
		switch constant.Kind {
		case trace.KindUint:
			return cmpUint(v, constant.Uint) == rel
		case trace.KindInt:
			return cmpInt(int64(v), constant.Int) == rel
		case trace.KindFloat:
			return cmpUint(v, uint64(constant.F64)) == rel
		}
		return false
	}
	switch field {
	case "name":
		return stringField(m.Name)
	case "target":
		return stringField(m.Target)
	case "level":
		return uintField(uint64(m.Level))
	case "module_path":
		return optStringField(m.ModulePath, m.HasModule)
	case "file":
		return optStringField(m.File, m.HasFile)
	case "line":
		return m.HasLine && uintField(uint64(m.Line))
	}
	return false
}

// StoreMatcher evaluates predicates against the storage layer. A
// predicate whose attribute name carries the "meta." prefix targets the
// span's metadata; otherwise the first attribute with that name is
// compared. A missing attribute or field never matches.
type StoreMatcher struct {
	Log    store.Reader
	Cancel *atomic.Bool
}

// spanMatches evaluates one predicate for one span.
func (sm *StoreMatcher) spanMatches(id trace.SpanID, p *Predicate) (bool, error) {
	if field, ok := strings.CutPrefix(p.Attr, "meta."); ok {
		meta, err := sm.Log.Metadata(id)
		if err != nil {
			return false, err
		}
		return metaMatches(meta, field, p.Rel, p.Constant), nil
	}
	v, ok, err := store.AttributeByName(sm.Log, id, p.Attr)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return CompareValues(p.Rel, v, p.Constant), nil
}

// MatchDNF scans the input bitmap once, accepting a span as soon as one
// clause holds; predicates within a clause short-circuit on the first
// failure.
func (sm *StoreMatcher) MatchDNF(clauses [][]Predicate, input *roaring.Bitmap) (*roaring.Bitmap, error) {
	out := roaring.New()
	checked := 0
	it := input.Iterator()
	for it.HasNext() {
		id := it.Next()
	clauseLoop:
		for ci := range clauses {
			for pi := range clauses[ci] {
				checked++
				if checked%cancelCheckStride == 0 && sm.Cancel != nil && sm.Cancel.Load() {
					return nil, ErrCancelled
				}
				ok, err := sm.spanMatches(id, &clauses[ci][pi])
				if err != nil {
					return nil, err
				}
				if !ok {
					continue clauseLoop
				}
			}
			out.Add(id)
			break
		}
	}
	return out, nil
}
