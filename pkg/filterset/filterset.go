// ABOUTME: Lazy filterset algebra over span identifiers
// ABOUTME: Arena of DAG nodes, normalizing rewrites, bitmap materializer

// Package filterset implements the query engine's set algebra: a
// per-query arena of DAG nodes (primitive bitmaps, DNF predicate
// filters, and set operators), a fixed-point rewrite pass, and a
// bottom-up materializer producing compressed bitmaps.
package filterset

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/entrace-dev/entrace/pkg/trace"
)

// ErrCancelled is returned when the cooperative cancellation flag is
// observed during materialization.
var ErrCancelled = errors.New("filterset: query cancelled")

// NodeID refers to a filterset node within its arena. IDs are dense
// indices into an append-only vector, so a node can only reference
// already-built nodes and the DAG is acyclic by construction.
type NodeID = int

// PredID refers to a predicate within its arena.
type PredID = int

// Relation is the comparison of a predicate: EQ, LT, or GT, applied as
// span_value REL constant.
type Relation int8

const (
	RelLT Relation = -1
	RelEQ Relation = 0
	RelGT Relation = 1
)

// ParseRelation maps the wire names "EQ", "LT", "GT".
func ParseRelation(s string) (Relation, error) {
	switch s {
	case "EQ":
		return RelEQ, nil
	case "LT":
		return RelLT, nil
	case "GT":
		return RelGT, nil
	}
	return 0, fmt.Errorf("filterset: bad relation %q", s)
}

// Predicate is the atomic filtering unit: the span's attribute named
// Attr, compared with Constant under Rel. An Attr with the "meta."
// prefix targets a metadata field instead of an attribute.
type Predicate struct {
	Attr     string
	Rel      Relation
	Constant trace.Value
}

type nodeKind uint8

const (
	nodeDead nodeKind = iota
	nodePrimitive
	nodeBlackBox
	nodeRelDNF
	nodeAnd
	nodeOr
	nodeNot
)

type node struct {
	kind     nodeKind
	bitmap   *roaring.Bitmap // primitive
	src      NodeID          // blackbox, reldnf, not
	children []NodeID        // and, or
	clauses  [][]PredID      // reldnf
}

// Config tunes the rewrite pass.
type Config struct {
	// MaxDNFClauses guards the clause-wise Cartesian products: a fusion
	// that would expand to this many clauses or more is skipped.
	// Default 256.
	MaxDNFClauses int
}

// DefaultMaxDNFClauses is the default fusion guard.
const DefaultMaxDNFClauses = 256

// Arena owns the filterset nodes of a single query. It is created per
// query, never shared between workers, and discarded when the query
// ends. Nodes are never removed; rewrites only retarget them.
type Arena struct {
	cfg     Config
	nodes   []node
	preds   []Predicate
	results map[NodeID]*roaring.Bitmap
}

// NewArena creates an empty arena.
func NewArena(cfg Config) *Arena {
	if cfg.MaxDNFClauses <= 0 {
		cfg.MaxDNFClauses = DefaultMaxDNFClauses
	}
	return &Arena{cfg: cfg, results: make(map[NodeID]*roaring.Bitmap)}
}

// Len returns the number of nodes.
func (a *Arena) Len() int { return len(a.nodes) }

func (a *Arena) push(n node) NodeID {
	a.nodes = append(a.nodes, n)
	return len(a.nodes) - 1
}

func (a *Arena) checkRef(id NodeID) error {
	if id < 0 || id >= len(a.nodes) {
		return fmt.Errorf("filterset: node %d references %d, outside the arena of %d nodes", len(a.nodes), id, len(a.nodes))
	}
	return nil
}

// Dead creates the empty set, the absorbing element used by rewrites.
func (a *Arena) Dead() NodeID {
	return a.push(node{kind: nodeDead})
}

// Primitive creates a node holding a concrete bitmap. The arena takes
// ownership of the bitmap.
func (a *Arena) Primitive(bm *roaring.Bitmap) NodeID {
	return a.push(node{kind: nodePrimitive, bitmap: bm})
}

// FromRange creates a primitive covering [start, end] inclusive.
func (a *Arena) FromRange(start, end trace.SpanID) NodeID {
	bm := roaring.New()
	if start <= end {
		bm.AddRange(uint64(start), uint64(end)+1)
	}
	return a.Primitive(bm)
}

// FromList creates a primitive from explicit identifiers.
func (a *Arena) FromList(ids []trace.SpanID) NodeID {
	bm := roaring.New()
	for _, id := range ids {
		bm.Add(id)
	}
	return a.Primitive(bm)
}

// BlackBox creates an opaque node equal to src, marking the subtree as
// non-rewritable.
func (a *Arena) BlackBox(src NodeID) (NodeID, error) {
	if err := a.checkRef(src); err != nil {
		return 0, err
	}
	return a.push(node{kind: nodeBlackBox, src: src}), nil
}

// NewPredicate interns a predicate and returns its identifier.
func (a *Arena) NewPredicate(p Predicate) PredID {
	a.preds = append(a.preds, p)
	return len(a.preds) - 1
}

// RelDNF creates a DNF node over src: a span matches iff it is in src
// and at least one clause (an AND-group of predicates) matches it.
func (a *Arena) RelDNF(clauses [][]Predicate, src NodeID) (NodeID, error) {
	if err := a.checkRef(src); err != nil {
		return 0, err
	}
	ids := make([][]PredID, 0, len(clauses))
	for _, clause := range clauses {
		group := make([]PredID, 0, len(clause))
		for _, p := range clause {
			group = append(group, a.NewPredicate(p))
		}
		ids = append(ids, group)
	}
	return a.push(node{kind: nodeRelDNF, clauses: ids, src: src}), nil
}

// Filter creates RelDNF([[p]], src), the single-predicate filter.
func (a *Arena) Filter(p Predicate, src NodeID) (NodeID, error) {
	return a.RelDNF([][]Predicate{{p}}, src)
}

// And creates the intersection of children.
func (a *Arena) And(children []NodeID) (NodeID, error) {
	for _, c := range children {
		if err := a.checkRef(c); err != nil {
			return 0, err
		}
	}
	return a.push(node{kind: nodeAnd, children: children}), nil
}

// Or creates the union of children.
func (a *Arena) Or(children []NodeID) (NodeID, error) {
	for _, c := range children {
		if err := a.checkRef(c); err != nil {
			return 0, err
		}
	}
	return a.push(node{kind: nodeOr, children: children}), nil
}

// Not creates the complement of src relative to the full span range.
func (a *Arena) Not(src NodeID) (NodeID, error) {
	if err := a.checkRef(src); err != nil {
		return 0, err
	}
	return a.push(node{kind: nodeNot, src: src}), nil
}

// childRefs appends the identifiers the node refers to.
func (n *node) childRefs(out []NodeID) []NodeID {
	switch n.kind {
	case nodeBlackBox, nodeRelDNF, nodeNot:
		return append(out, n.src)
	case nodeAnd, nodeOr:
		return append(out, n.children...)
	}
	return out
}

// predicatesOf resolves the clause list of a DNF node into predicate
// values for a matcher.
func (a *Arena) predicatesOf(n *node) [][]Predicate {
	clauses := make([][]Predicate, 0, len(n.clauses))
	for _, group := range n.clauses {
		preds := make([]Predicate, 0, len(group))
		for _, pid := range group {
			preds = append(preds, a.preds[pid])
		}
		clauses = append(clauses, preds)
	}
	return clauses
}
