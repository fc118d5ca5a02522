package query

import (
	"fmt"
	"math"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/entrace-dev/entrace/pkg/trace"
)

// valueToLua converts an attribute value for the script side. Null maps
// to nil; uint64 values beyond float64's exact integer range lose
// precision the same way any Lua 5.1 number does.
func valueToLua(v trace.Value) lua.LValue {
	switch v.Kind {
	case trace.KindInt:
		return lua.LNumber(v.Int)
	case trace.KindUint:
		return lua.LNumber(v.Uint)
	case trace.KindFloat:
		return lua.LNumber(v.F64)
	case trace.KindBool:
		return lua.LBool(v.Bool)
	case trace.KindString:
		return lua.LString(v.Str)
	}
	return lua.LNil
}

// luaToValue converts a script scalar to a filter constant. Lua 5.1 has
// a single number type; integral numbers become int64 constants, which
// the predicate comparator coerces against both integer kinds.
func luaToValue(v lua.LValue) (trace.Value, error) {
	switch x := v.(type) {
	case lua.LBool:
		return trace.BoolValue(bool(x)), nil
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return trace.IntValue(int64(f)), nil
		}
		return trace.FloatValue(f), nil
	case lua.LString:
		return trace.StringValue(string(x)), nil
	case *lua.LNilType:
		return trace.NullValue(), nil
	}
	return trace.Value{}, fmt.Errorf("cannot use a %s as a filter constant", v.Type())
}

// idsToTable builds a Lua sequence from span identifiers.
func idsToTable(L *lua.LState, ids []trace.SpanID) *lua.LTable {
	t := L.CreateTable(len(ids), 0)
	for _, id := range ids {
		t.Append(lua.LNumber(id))
	}
	return t
}

// tableToIDs reads a Lua sequence of span identifiers.
func tableToIDs(t *lua.LTable) ([]trace.SpanID, error) {
	n := t.Len()
	out := make([]trace.SpanID, 0, n)
	for i := 1; i <= n; i++ {
		v := t.RawGetInt(i)
		num, ok := v.(lua.LNumber)
		if !ok {
			return nil, fmt.Errorf("element %d is a %s, expected a span identifier", i, v.Type())
		}
		out = append(out, trace.SpanID(num))
	}
	return out, nil
}

// deepCopyTable copies a table recursively. Table keys are not copied;
// the filterset schema never uses them.
func deepCopyTable(L *lua.LState, t *lua.LTable) *lua.LTable {
	out := L.NewTable()
	t.ForEach(func(k, v lua.LValue) {
		if inner, ok := v.(*lua.LTable); ok {
			v = deepCopyTable(L, inner)
		}
		out.RawSet(k, v)
	})
	return out
}

// prettyValue renders a Lua value for en_pretty_table: tables print
// sorted by key over multiple indent levels, scalars print as Lua
// literals.
func prettyValue(v lua.LValue, indent int, b *strings.Builder) {
	t, ok := v.(*lua.LTable)
	if !ok {
		if s, isStr := v.(lua.LString); isStr {
			fmt.Fprintf(b, "%q", string(s))
		} else {
			b.WriteString(v.String())
		}
		return
	}
	type kv struct {
		key string
		val lua.LValue
	}
	var pairs []kv
	t.ForEach(func(k, val lua.LValue) {
		pairs = append(pairs, kv{key: k.String(), val: val})
	})
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	pad := strings.Repeat("  ", indent+1)
	b.WriteString("{\n")
	for _, p := range pairs {
		b.WriteString(pad)
		b.WriteString(p.key)
		b.WriteString(" = ")
		prettyValue(p.val, indent+1, b)
		b.WriteString(",\n")
	}
	b.WriteString(strings.Repeat("  ", indent))
	b.WriteString("}")
}
