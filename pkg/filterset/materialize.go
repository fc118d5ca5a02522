package filterset

import (
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
)

// Matcher evaluates DNF clause lists against concrete spans. The query
// engine supplies one backed by the storage layer; tests may supply
// stubs.
type Matcher interface {
	// MatchDNF returns the subset of input whose spans satisfy at least
	// one clause (every predicate of the clause must hold).
	MatchDNF(clauses [][]Predicate, input *roaring.Bitmap) (*roaring.Bitmap, error)
}

// Materialize produces the bitmap of root with a bottom-up walk. The
// walk uses an explicit two-phase stack: a node is pushed unready, its
// children are scheduled, and when popped ready all child results are
// available. Shared subtrees are materialized once. spanCount clamps
// complements and the final result to [0, spanCount).
//
// cancel, when non-nil, is polled before every combine; a set flag
// aborts with ErrCancelled.
func (a *Arena) Materialize(root NodeID, m Matcher, spanCount uint32, cancel *atomic.Bool) (*roaring.Bitmap, error) {
	type frame struct {
		id    NodeID
		ready bool
	}
	stack := []frame{{id: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, done := a.results[f.id]; done {
			continue
		}
		if !f.ready {
			stack = append(stack, frame{id: f.id, ready: true})
			for _, c := range a.nodes[f.id].childRefs(nil) {
				stack = append(stack, frame{id: c})
			}
			continue
		}
		if cancel != nil && cancel.Load() {
			return nil, ErrCancelled
		}
		n := &a.nodes[f.id]
		switch n.kind {
		case nodeDead:
			a.results[f.id] = roaring.New()
		case nodePrimitive:
			a.results[f.id] = n.bitmap.Clone()
		case nodeBlackBox:
			a.results[f.id] = a.results[n.src].Clone()
		case nodeAnd:
			if len(n.children) == 0 {
				a.results[f.id] = roaring.New()
				break
			}
			bms := make([]*roaring.Bitmap, 0, len(n.children))
			for _, c := range n.children {
				bms = append(bms, a.results[c])
			}
			a.results[f.id] = roaring.FastAnd(bms...)
		case nodeOr:
			if len(n.children) == 0 {
				a.results[f.id] = roaring.New()
				break
			}
			bms := make([]*roaring.Bitmap, 0, len(n.children))
			for _, c := range n.children {
				bms = append(bms, a.results[c])
			}
			a.results[f.id] = roaring.FastOr(bms...)
		case nodeNot:
			full := roaring.New()
			full.AddRange(0, uint64(spanCount))
			a.results[f.id] = roaring.AndNot(full, a.results[n.src])
		case nodeRelDNF:
			sub, err := m.MatchDNF(a.predicatesOf(n), a.results[n.src])
			if err != nil {
				return nil, err
			}
			a.results[f.id] = sub
		}
	}

	out := a.results[root].Clone()
	if spanCount > 0 {
		mask := roaring.New()
		mask.AddRange(0, uint64(spanCount))
		out.And(mask)
	} else {
		out = roaring.New()
	}
	return out, nil
}

// MaterializeIDs normalizes, materializes, and returns the ascending
// span-identifier list of root. This is the query engine's entry point.
func (a *Arena) MaterializeIDs(root NodeID, m Matcher, spanCount uint32, cancel *atomic.Bool) ([]uint32, error) {
	a.Normalize(root)
	bm, err := a.Materialize(root, m, spanCount, cancel)
	if err != nil {
		return nil, err
	}
	out := bm.ToArray()
	if out == nil {
		out = []uint32{}
	}
	return out, nil
}
