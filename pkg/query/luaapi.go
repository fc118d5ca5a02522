package query

import (
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/entrace-dev/entrace/pkg/store"
	"github.com/entrace-dev/entrace/pkg/trace"
)

// hostState binds the en_* API to one worker: its private slice of the
// span range, the shared read-only store, and the shared join barrier.
type hostState struct {
	log     store.Reader
	zlog    zerolog.Logger
	worker  int
	lo, hi  trace.SpanID
	barrier *joinBarrier
	cancel  *atomic.Bool
	maxDNF  int

	// joinShutdown marks that the worker terminated at the barrier, so
	// the script error unwinding the VM is not a real failure.
	joinShutdown bool
}

// install registers the complete script API on the state. The function
// list is the whole contract; scripts see nothing else from the host.
func (h *hostState) install(L *lua.LState) {
	fns := map[string]lua.LGFunction{
		"en_span_range":           h.spanRange,
		"en_span_cnt":             h.spanCnt,
		"en_children":             h.children,
		"en_child_cnt":            h.childCnt,
		"en_parent":               h.parent,
		"en_attrs":                h.attrs,
		"en_attr_names":           h.attrNames,
		"en_attr_values":          h.attrValues,
		"en_attr_by_idx":          h.attrByIdx,
		"en_attr_by_name":         h.attrByName,
		"en_attr_name":            h.attrName,
		"en_attr_value":           h.attrValue,
		"en_metadata_table":       h.metadataTable,
		"en_metadata_name":        h.metadataName,
		"en_metadata_target":      h.metadataTarget,
		"en_metadata_level":       h.metadataLevel,
		"en_metadata_file":        h.metadataFile,
		"en_metadata_line":        h.metadataLine,
		"en_metadata_module_path": h.metadataModulePath,
		"en_as_string":            h.asString,
		"en_contains_anywhere":    h.containsAnywhere,
		"en_foreach":              h.foreach,
		"en_filterset_from_range": h.filtersetFromRange,
		"en_filterset_from_list":  h.filtersetFromList,
		"en_filter":               h.filter,
		"en_filter_range":         h.filterRange,
		"en_filterset_union":      h.filtersetUnion,
		"en_filterset_intersect":  h.filtersetIntersect,
		"en_filterset_not":        h.filtersetNot,
		"en_filterset_dnf":        h.filtersetDNF,
		"en_filterset_materialize": h.filtersetMaterialize,
		"en_join":                 h.join,
		"en_pretty_table":         h.prettyTable,
		"en_log":                  h.logValue,
	}
	for name, fn := range fns {
		L.SetGlobal(name, L.NewFunction(fn))
	}
}

// checkSpan validates a span identifier argument against the full
// trace, not the worker's slice: navigation may legally leave the slice.
func (h *hostState) checkSpan(L *lua.LState, pos int) trace.SpanID {
	id := L.CheckInt64(pos)
	if id < 0 || id >= int64(h.log.SpanCount()) {
		L.RaiseError("span %d out of bounds for trace of length %d", id, h.log.SpanCount())
	}
	return trace.SpanID(id)
}

func (h *hostState) raiseIf(L *lua.LState, err error) {
	if err != nil {
		L.RaiseError("%v", err)
	}
}

func (h *hostState) spanRange(L *lua.LState) int {
	L.Push(lua.LNumber(h.lo))
	L.Push(lua.LNumber(h.hi))
	return 2
}

func (h *hostState) spanCnt(L *lua.LState) int {
	L.Push(lua.LNumber(h.log.SpanCount()))
	return 1
}

func (h *hostState) children(L *lua.LState) int {
	id := h.checkSpan(L, 1)
	c, err := h.log.Children(id)
	h.raiseIf(L, err)
	L.Push(idsToTable(L, c))
	return 1
}

func (h *hostState) childCnt(L *lua.LState) int {
	id := h.checkSpan(L, 1)
	n, err := h.log.ChildCount(id)
	h.raiseIf(L, err)
	L.Push(lua.LNumber(n))
	return 1
}

func (h *hostState) parent(L *lua.LState) int {
	id := h.checkSpan(L, 1)
	p, err := h.log.Parent(id)
	h.raiseIf(L, err)
	L.Push(lua.LNumber(p))
	return 1
}

func (h *hostState) attrs(L *lua.LState) int {
	id := h.checkSpan(L, 1)
	attrs, err := h.log.Attributes(id)
	h.raiseIf(L, err)
	t := L.CreateTable(0, len(attrs))
	for _, a := range attrs {
		t.RawSetString(a.Name, valueToLua(a.Value))
	}
	L.Push(t)
	return 1
}

func (h *hostState) attrNames(L *lua.LState) int {
	id := h.checkSpan(L, 1)
	attrs, err := h.log.Attributes(id)
	h.raiseIf(L, err)
	t := L.CreateTable(len(attrs), 0)
	for _, a := range attrs {
		t.Append(lua.LString(a.Name))
	}
	L.Push(t)
	return 1
}

func (h *hostState) attrValues(L *lua.LState) int {
	id := h.checkSpan(L, 1)
	attrs, err := h.log.Attributes(id)
	h.raiseIf(L, err)
	t := L.CreateTable(len(attrs), 0)
	for _, a := range attrs {
		t.Append(valueToLua(a.Value))
	}
	L.Push(t)
	return 1
}

// attrAt fetches the idx-th attribute (0-based) of span id.
func (h *hostState) attrAt(L *lua.LState) trace.Attr {
	id := h.checkSpan(L, 1)
	idx := L.CheckInt(2)
	attrs, err := h.log.Attributes(id)
	h.raiseIf(L, err)
	if idx < 0 || idx >= len(attrs) {
		L.RaiseError("attribute index %d out of bounds for %d attributes", idx, len(attrs))
	}
	return attrs[idx]
}

func (h *hostState) attrByIdx(L *lua.LState) int {
	a := h.attrAt(L)
	L.Push(lua.LString(a.Name))
	L.Push(valueToLua(a.Value))
	return 2
}

func (h *hostState) attrName(L *lua.LState) int {
	L.Push(lua.LString(h.attrAt(L).Name))
	return 1
}

func (h *hostState) attrValue(L *lua.LState) int {
	L.Push(valueToLua(h.attrAt(L).Value))
	return 1
}

func (h *hostState) attrByName(L *lua.LState) int {
	id := h.checkSpan(L, 1)
	name := L.CheckString(2)
	v, ok, err := store.AttributeByName(h.log, id, name)
	h.raiseIf(L, err)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(valueToLua(v))
	return 1
}

func (h *hostState) metadata(L *lua.LState) trace.Metadata {
	id := h.checkSpan(L, 1)
	m, err := h.log.Metadata(id)
	h.raiseIf(L, err)
	return m
}

func (h *hostState) metadataTable(L *lua.LState) int {
	m := h.metadata(L)
	t := L.NewTable()
	t.RawSetString("name", lua.LString(m.Name))
	t.RawSetString("target", lua.LString(m.Target))
	t.RawSetString("level", lua.LNumber(m.Level))
	if m.HasFile {
		t.RawSetString("file", lua.LString(m.File))
	}
	if m.HasLine {
		t.RawSetString("line", lua.LNumber(m.Line))
	}
	if m.HasModule {
		t.RawSetString("module_path", lua.LString(m.ModulePath))
	}
	L.Push(t)
	return 1
}

func (h *hostState) metadataName(L *lua.LState) int {
	L.Push(lua.LString(h.metadata(L).Name))
	return 1
}

func (h *hostState) metadataTarget(L *lua.LState) int {
	L.Push(lua.LString(h.metadata(L).Target))
	return 1
}

func (h *hostState) metadataLevel(L *lua.LState) int {
	L.Push(lua.LNumber(h.metadata(L).Level))
	return 1
}

func (h *hostState) metadataFile(L *lua.LState) int {
	m := h.metadata(L)
	if !m.HasFile {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(m.File))
	return 1
}

func (h *hostState) metadataLine(L *lua.LState) int {
	m := h.metadata(L)
	if !m.HasLine {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(m.Line))
	return 1
}

func (h *hostState) metadataModulePath(L *lua.LState) int {
	m := h.metadata(L)
	if !m.HasModule {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(m.ModulePath))
	return 1
}

func (h *hostState) asString(L *lua.LState) int {
	id := h.checkSpan(L, 1)
	s, err := store.Stringify(h.log, id)
	h.raiseIf(L, err)
	L.Push(lua.LString(s))
	return 1
}

func (h *hostState) containsAnywhere(L *lua.LState) int {
	id := h.checkSpan(L, 1)
	needle := L.CheckString(2)
	ok, err := store.ContainsAnywhere(h.log, id, needle)
	h.raiseIf(L, err)
	L.Push(lua.LBool(ok))
	return 1
}

// foreach iterates the worker's span slice, calling fn(i) and
// interpreting the result: nil drops, a boolean includes i when true,
// a number is included as-is, a table is spliced in.
func (h *hostState) foreach(L *lua.LState) int {
	fn := L.CheckFunction(1)
	out := L.NewTable()
	for id := h.lo; ; id++ {
		if h.cancel != nil && h.cancel.Load() {
			L.RaiseError("%v", ErrCancelled)
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LNumber(id)); err != nil {
			L.RaiseError("foreach callback: %v", err)
		}
		ret := L.Get(-1)
		L.Pop(1)
		switch v := ret.(type) {
		case *lua.LNilType:
		case lua.LBool:
			if v {
				out.Append(lua.LNumber(id))
			}
		case lua.LNumber:
			out.Append(v)
		case *lua.LTable:
			v.ForEach(func(_, elem lua.LValue) {
				out.Append(elem)
			})
		default:
			L.RaiseError("foreach callback returned a %s; want nil, boolean, number, or table", ret.Type())
		}
		if id == h.hi {
			break
		}
	}
	L.Push(out)
	return 1
}

func (h *hostState) logValue(L *lua.LState) int {
	v := L.Get(1)
	h.zlog.Info().Int("worker", h.worker).Str("value", v.String()).Msg("script log")
	return 0
}

func (h *hostState) prettyTable(L *lua.LState) int {
	var b strings.Builder
	prettyValue(L.Get(1), 0, &b)
	L.Push(lua.LString(b.String()))
	return 1
}

func (h *hostState) join(L *lua.LState) int {
	ids, err := tableToIDs(L.CheckTable(1))
	if err != nil {
		L.RaiseError("join: %v", err)
	}
	merged, last := h.barrier.Arrive(h.worker, ids)
	if !last {
		h.joinShutdown = true
		L.RaiseError("join shutdown")
	}
	L.Push(idsToTable(L, merged))
	return 1
}
