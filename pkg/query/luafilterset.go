package query

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/entrace-dev/entrace/pkg/filterset"
	"github.com/entrace-dev/entrace/pkg/trace"
)

// Filtersets cross the script boundary as plain tables:
//
//	{ type = "filterset",
//	  root = 1,             -- 0-based index into items
//	  items = {
//	    { type = "prim_range", start = 0, ["end"] = 9 },
//	    { type = "rel_dnf", src = 0,
//	      clauses = {{ { target = "a", relation = "EQ", value = 1 } }} },
//	  } }
//
// Valid item types: "prim_list", "prim_range", "rel_dnf", "intersect",
// "union", "invert". Item src/srcs fields are 0-based item indices.
// The constructors below only build tables; en_filterset_materialize
// parses them into a per-call arena.

func getInt(L *lua.LState, t *lua.LTable, key string) int {
	v := t.RawGetString(key)
	n, ok := v.(lua.LNumber)
	if !ok {
		L.RaiseError("filterset field %q is a %s, expected a number", key, v.Type())
	}
	return int(n)
}

func getTable(L *lua.LState, t *lua.LTable, key string) *lua.LTable {
	v := t.RawGetString(key)
	inner, ok := v.(*lua.LTable)
	if !ok {
		L.RaiseError("filterset field %q is a %s, expected a table", key, v.Type())
	}
	return inner
}

func getString(L *lua.LState, t *lua.LTable, key string) string {
	v := t.RawGetString(key)
	s, ok := v.(lua.LString)
	if !ok {
		L.RaiseError("filterset field %q is a %s, expected a string", key, v.Type())
	}
	return string(s)
}

func newFiltersetTable(L *lua.LState, items *lua.LTable, root int) *lua.LTable {
	fs := L.NewTable()
	fs.RawSetString("type", lua.LString("filterset"))
	fs.RawSetString("root", lua.LNumber(root))
	fs.RawSetString("items", items)
	return fs
}

func (h *hostState) filtersetFromRange(L *lua.LState) int {
	start := L.CheckInt64(1)
	end := L.CheckInt64(2)
	item := L.NewTable()
	item.RawSetString("type", lua.LString("prim_range"))
	item.RawSetString("start", lua.LNumber(start))
	item.RawSetString("end", lua.LNumber(end))
	items := L.NewTable()
	items.Append(item)
	L.Push(newFiltersetTable(L, items, 0))
	return 1
}

func (h *hostState) filtersetFromList(L *lua.LState) int {
	list := L.CheckTable(1)
	item := L.NewTable()
	item.RawSetString("type", lua.LString("prim_list"))
	item.RawSetString("value", deepCopyTable(L, list))
	items := L.NewTable()
	items.Append(item)
	L.Push(newFiltersetTable(L, items, 0))
	return 1
}

// filter wraps src in a single-predicate DNF:
// filter(pred, fs) == filterset_dnf({{pred}}, fs).
func (h *hostState) filter(L *lua.LState) int {
	pred := L.CheckTable(1)
	src := L.CheckTable(2)

	oldRoot := getInt(L, src, "root")
	items := deepCopyTable(L, getTable(L, src, "items"))

	clauseInner := L.NewTable()
	clauseInner.Append(deepCopyTable(L, pred))
	clauses := L.NewTable()
	clauses.Append(clauseInner)

	dnf := L.NewTable()
	dnf.RawSetString("type", lua.LString("rel_dnf"))
	dnf.RawSetString("src", lua.LNumber(oldRoot))
	dnf.RawSetString("clauses", clauses)
	items.Append(dnf)

	L.Push(newFiltersetTable(L, items, items.Len()-1))
	return 1
}

func (h *hostState) filtersetDNF(L *lua.LState) int {
	clauses := L.CheckTable(1)
	src := L.CheckTable(2)

	oldRoot := getInt(L, src, "root")
	items := deepCopyTable(L, getTable(L, src, "items"))

	dnf := L.NewTable()
	dnf.RawSetString("type", lua.LString("rel_dnf"))
	dnf.RawSetString("src", lua.LNumber(oldRoot))
	dnf.RawSetString("clauses", deepCopyTable(L, clauses))
	items.Append(dnf)

	L.Push(newFiltersetTable(L, items, items.Len()-1))
	return 1
}

func (h *hostState) filtersetNot(L *lua.LState) int {
	src := L.CheckTable(1)
	oldRoot := getInt(L, src, "root")
	items := deepCopyTable(L, getTable(L, src, "items"))

	not := L.NewTable()
	not.RawSetString("type", lua.LString("invert"))
	not.RawSetString("src", lua.LNumber(oldRoot))
	items.Append(not)

	L.Push(newFiltersetTable(L, items, items.Len()-1))
	return 1
}

// concatItems merges the item lists of several filtersets, shifting
// every src/srcs reference by the preceding lists' lengths. Returns the
// merged list and each input's shifted root.
func concatItems(L *lua.LState, filters *lua.LTable) (*lua.LTable, []int) {
	all := L.NewTable()
	var roots []int
	offset := 0
	n := filters.Len()
	for i := 1; i <= n; i++ {
		fsv := filters.RawGetInt(i)
		fs, ok := fsv.(*lua.LTable)
		if !ok {
			L.RaiseError("filterset list element %d is a %s, expected a filterset table", i, fsv.Type())
		}
		items := getTable(L, fs, "items")
		cnt := items.Len()
		for j := 1; j <= cnt; j++ {
			itemv := items.RawGetInt(j)
			item, ok := itemv.(*lua.LTable)
			if !ok {
				L.RaiseError("filterset item %d.%d is a %s, expected a table", i, j, itemv.Type())
			}
			item = deepCopyTable(L, item)
			shiftSources(item, offset)
			all.Append(item)
		}
		roots = append(roots, getInt(L, fs, "root")+offset)
		offset += cnt
	}
	return all, roots
}

func shiftSources(item *lua.LTable, offset int) {
	if src, ok := item.RawGetString("src").(lua.LNumber); ok {
		item.RawSetString("src", src+lua.LNumber(offset))
	}
	if srcs, ok := item.RawGetString("srcs").(*lua.LTable); ok {
		n := srcs.Len()
		for i := 1; i <= n; i++ {
			if s, ok := srcs.RawGetInt(i).(lua.LNumber); ok {
				srcs.RawSetInt(i, s+lua.LNumber(offset))
			}
		}
	}
}

func (h *hostState) setOperation(L *lua.LState, op string) int {
	filters := L.CheckTable(1)
	all, roots := concatItems(L, filters)
	node := L.NewTable()
	node.RawSetString("type", lua.LString(op))
	srcs := L.NewTable()
	for _, r := range roots {
		srcs.Append(lua.LNumber(r))
	}
	node.RawSetString("srcs", srcs)
	all.Append(node)
	L.Push(newFiltersetTable(L, all, all.Len()-1))
	return 1
}

func (h *hostState) filtersetUnion(L *lua.LState) int {
	return h.setOperation(L, "union")
}

func (h *hostState) filtersetIntersect(L *lua.LState) int {
	return h.setOperation(L, "intersect")
}

// parsePredicate reads {target, relation, value}.
func parsePredicate(L *lua.LState, t *lua.LTable) filterset.Predicate {
	rel, err := filterset.ParseRelation(getString(L, t, "relation"))
	if err != nil {
		L.RaiseError("%v", err)
	}
	constant, err := luaToValue(t.RawGetString("value"))
	if err != nil {
		L.RaiseError("filter value: %v", err)
	}
	return filterset.Predicate{
		Attr:     getString(L, t, "target"),
		Rel:      rel,
		Constant: constant,
	}
}

// buildArena parses a filterset table into a fresh arena. Items map
// 1:1 onto arena nodes in order, so the 0-based item indices in
// src/srcs are the arena node identifiers.
func (h *hostState) buildArena(L *lua.LState, fs *lua.LTable) (*filterset.Arena, int) {
	arena := filterset.NewArena(filterset.Config{MaxDNFClauses: h.maxDNF})
	items := getTable(L, fs, "items")
	n := items.Len()
	for i := 1; i <= n; i++ {
		itemv := items.RawGetInt(i)
		item, ok := itemv.(*lua.LTable)
		if !ok {
			L.RaiseError("filterset item %d is a %s, expected a table", i, itemv.Type())
		}
		if err := h.buildNode(L, arena, item); err != nil {
			L.RaiseError("filterset item %d: %v", i, err)
		}
	}
	root := getInt(L, fs, "root")
	if root < 0 || root >= arena.Len() {
		L.RaiseError("filterset root %d out of bounds for %d items", root, arena.Len())
	}
	return arena, root
}

func (h *hostState) buildNode(L *lua.LState, arena *filterset.Arena, item *lua.LTable) error {
	switch ty := getString(L, item, "type"); ty {
	case "prim_list":
		ids, err := tableToIDs(getTable(L, item, "value"))
		if err != nil {
			return err
		}
		arena.FromList(ids)
		return nil
	case "prim_range":
		start := getInt(L, item, "start")
		end := getInt(L, item, "end")
		if start < 0 || end < 0 {
			return fmt.Errorf("negative range bound [%d, %d]", start, end)
		}
		arena.FromRange(trace.SpanID(start), trace.SpanID(end))
		return nil
	case "rel_dnf":
		clausesT := getTable(L, item, "clauses")
		var clauses [][]filterset.Predicate
		nc := clausesT.Len()
		for i := 1; i <= nc; i++ {
			groupV := clausesT.RawGetInt(i)
			group, ok := groupV.(*lua.LTable)
			if !ok {
				return fmt.Errorf("clause %d is a %s, expected a table", i, groupV.Type())
			}
			var preds []filterset.Predicate
			ng := group.Len()
			for j := 1; j <= ng; j++ {
				predV := group.RawGetInt(j)
				pred, ok := predV.(*lua.LTable)
				if !ok {
					return fmt.Errorf("clause %d predicate %d is a %s, expected a table", i, j, predV.Type())
				}
				preds = append(preds, parsePredicate(L, pred))
			}
			clauses = append(clauses, preds)
		}
		_, err := arena.RelDNF(clauses, getInt(L, item, "src"))
		return err
	case "intersect", "union":
		srcsT := getTable(L, item, "srcs")
		var srcs []filterset.NodeID
		ns := srcsT.Len()
		for i := 1; i <= ns; i++ {
			v := srcsT.RawGetInt(i)
			n, ok := v.(lua.LNumber)
			if !ok {
				return fmt.Errorf("srcs element %d is a %s, expected a number", i, v.Type())
			}
			srcs = append(srcs, int(n))
		}
		var err error
		if ty == "intersect" {
			_, err = arena.And(srcs)
		} else {
			_, err = arena.Or(srcs)
		}
		return err
	case "invert":
		_, err := arena.Not(getInt(L, item, "src"))
		return err
	}
	return fmt.Errorf("unknown filterset item type %q", getString(L, item, "type"))
}

func (h *hostState) filtersetMaterialize(L *lua.LState) int {
	fs := L.CheckTable(1)
	arena, root := h.buildArena(L, fs)
	matcher := &filterset.StoreMatcher{Log: h.log, Cancel: h.cancel}
	ids, err := arena.MaterializeIDs(root, matcher, uint32(h.log.SpanCount()), h.cancel)
	h.raiseIf(L, err)
	L.Push(idsToTable(L, ids))
	return 1
}

// filterRange is the one-shot shorthand: materialize a single filter
// over the primitive range [a, b].
func (h *hostState) filterRange(L *lua.LState) int {
	start := L.CheckInt64(1)
	end := L.CheckInt64(2)
	pred := parsePredicate(L, L.CheckTable(3))

	arena := filterset.NewArena(filterset.Config{MaxDNFClauses: h.maxDNF})
	src := arena.FromRange(trace.SpanID(start), trace.SpanID(end))
	root, err := arena.Filter(pred, src)
	h.raiseIf(L, err)
	matcher := &filterset.StoreMatcher{Log: h.log, Cancel: h.cancel}
	ids, err := arena.MaterializeIDs(root, matcher, uint32(h.log.SpanCount()), h.cancel)
	h.raiseIf(L, err)
	L.Push(idsToTable(L, ids))
	return 1
}
