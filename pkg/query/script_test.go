package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/entrace-dev/entrace/pkg/store"
	"github.com/entrace-dev/entrace/pkg/trace"
)

// fixtureT1: root plus two spans carrying message and breadth.
func fixtureT1() *store.MemStore {
	s := store.NewMemStore()
	s.Append(trace.SpanRecord{
		Parent:   0,
		Metadata: trace.Metadata{Name: "first", Target: "fixture", Level: trace.LevelInfo},
		Attrs: []trace.Attr{
			{Name: "message", Value: trace.StringValue("constructed node")},
			{Name: "breadth", Value: trace.UintValue(2)},
		},
	})
	s.Append(trace.SpanRecord{
		Parent:   0,
		Metadata: trace.Metadata{Name: "second", Target: "fixture", Level: trace.LevelInfo},
		Attrs: []trace.Attr{
			{Name: "message", Value: trace.StringValue("constructed node")},
			{Name: "breadth", Value: trace.UintValue(1)},
		},
	})
	return s
}

// fixtureT2: msg_idx is nil, 1, 2, 3 for ids 0..3.
func fixtureT2() *store.MemStore {
	s := store.NewMemStore()
	for i := 1; i <= 3; i++ {
		s.Append(trace.SpanRecord{
			Parent:   0,
			Metadata: trace.Metadata{Name: "msg", Target: "fixture", Level: trace.LevelTrace},
			Attrs:    []trace.Attr{{Name: "msg_idx", Value: trace.UintValue(uint64(i))}},
		})
	}
	return s
}

func runScript(t *testing.T, s store.Reader, script string, workers int) []trace.SpanID {
	t.Helper()
	eng := NewEngine(s, Options{Logger: zerolog.Nop()})
	ids, err := eng.Run(context.Background(), script, workers)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	return ids
}

func wantIDs(t *testing.T, got []trace.SpanID, want ...trace.SpanID) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("result = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("result = %v, want %v", got, want)
		}
	}
}

func TestScenarioAFilterByMessage(t *testing.T) {
	got := runScript(t, fixtureT1(), `
		return en_filterset_materialize(
			en_filter({target="message", relation="EQ", value="constructed node"},
				en_filterset_from_range(0, 2)))
	`, 0)
	wantIDs(t, got, 1, 2)
}

func TestScenarioBDNFConjunction(t *testing.T) {
	got := runScript(t, fixtureT1(), `
		return en_filterset_materialize(
			en_filterset_dnf(
				{{ {target="message", relation="EQ", value="constructed node"},
				   {target="breadth", relation="GT", value=1} }},
				en_filterset_from_range(0, 2)))
	`, 0)
	wantIDs(t, got, 1)
}

func TestScenarioCNegation(t *testing.T) {
	got := runScript(t, fixtureT1(), `
		return en_filterset_materialize(
			en_filterset_not(
				en_filter({target="breadth", relation="GT", value=1},
					en_filterset_from_range(0, 2))))
	`, 0)
	wantIDs(t, got, 0, 2)
}

func TestScenarioDOddMsgIdx(t *testing.T) {
	got := runScript(t, fixtureT2(), `
		return en_foreach(function(i)
			local v = en_attr_by_name(i, "msg_idx")
			if v == nil then return nil end
			return v % 2 == 1
		end)
	`, 0)
	wantIDs(t, got, 1, 3)
}

func TestScenarioT4ContainsAnywhere(t *testing.T) {
	empty := runScript(t, fixtureT1(), `
		return en_foreach(function(i) return en_contains_anywhere(i, "winit") end)
	`, 0)
	wantIDs(t, empty)

	all := runScript(t, fixtureT1(), `
		return en_foreach(function(i) return not en_contains_anywhere(i, "winit") end)
	`, 0)
	wantIDs(t, all, 0, 1, 2)
}

func TestFilterRangeShorthand(t *testing.T) {
	got := runScript(t, fixtureT1(), `
		return en_filter_range(0, 2, {target="breadth", relation="GT", value=1})
	`, 0)
	wantIDs(t, got, 1)
}

func TestUnionIntersect(t *testing.T) {
	got := runScript(t, fixtureT1(), `
		local lo = en_filterset_from_range(0, 1)
		local hi = en_filterset_from_range(1, 2)
		return en_filterset_materialize(en_filterset_intersect({lo, hi}))
	`, 0)
	wantIDs(t, got, 1)

	got = runScript(t, fixtureT1(), `
		local a = en_filterset_from_list({0})
		local b = en_filterset_from_list({2})
		return en_filterset_materialize(en_filterset_union({a, b}))
	`, 0)
	wantIDs(t, got, 0, 2)
}

func TestNavigationAndMetadata(t *testing.T) {
	got := runScript(t, fixtureT1(), `
		if en_span_cnt() ~= 3 then error("bad count") end
		if en_child_cnt(0) ~= 2 then error("bad child count") end
		if en_parent(1) ~= 0 then error("bad parent") end
		if en_metadata_name(1) ~= "first" then error("bad name") end
		if en_metadata_target(2) ~= "fixture" then error("bad target") end
		if en_metadata_level(1) ~= 3 then error("bad level") end
		if en_metadata_file(1) ~= nil then error("file should be nil") end
		local m = en_metadata_table(2)
		if m.name ~= "second" then error("bad table name") end
		if en_attr_by_name(1, "breadth") ~= 2 then error("bad attr") end
		local name, value = en_attr_by_idx(1, 0)
		if name ~= "message" then error("bad attr name at 0") end
		return en_children(0)
	`, 0)
	wantIDs(t, got, 1, 2)
}

func TestWorkerPartitioning(t *testing.T) {
	s := store.NewMemStore()
	for i := 0; i < 99; i++ {
		s.Append(trace.SpanRecord{
			Parent:   0,
			Metadata: trace.Metadata{Name: "bulk", Target: "fixture", Level: trace.LevelTrace},
		})
	}
	// every worker returns its own slice; concatenation in worker-index
	// order must reproduce 0..99 exactly
	got := runScript(t, s, `
		return en_foreach(function(i) return i end)
	`, 4)
	if len(got) != 100 {
		t.Fatalf("got %d ids, want 100", len(got))
	}
	for i, id := range got {
		if id != trace.SpanID(i) {
			t.Fatalf("position %d holds %d; slices must cover the range in order", i, id)
		}
	}
}

func TestJoinBarrierMergesWorkers(t *testing.T) {
	s := store.NewMemStore()
	for i := 0; i < 99; i++ {
		s.Append(trace.SpanRecord{
			Parent:   0,
			Metadata: trace.Metadata{Name: "bulk", Target: "fixture", Level: trace.LevelTrace},
		})
	}
	// after the join, exactly one worker continues and filters the merged
	// list of all workers
	got := runScript(t, s, `
		local mine = en_foreach(function(i) return i end)
		local all = en_join(mine)
		local out = {}
		for _, id in ipairs(all) do
			if id % 10 == 0 then out[#out+1] = id end
		end
		return out
	`, 4)
	wantIDs(t, got, 0, 10, 20, 30, 40, 50, 60, 70, 80, 90)
}

func TestJoinSingleWorker(t *testing.T) {
	got := runScript(t, fixtureT1(), `
		return en_join({2, 1})
	`, 0)
	wantIDs(t, got, 2, 1)
}

func TestSpanRangeIsPerWorker(t *testing.T) {
	s := store.NewMemStore()
	for i := 0; i < 9; i++ {
		s.Append(trace.SpanRecord{
			Parent:   0,
			Metadata: trace.Metadata{Name: "bulk", Target: "fixture", Level: trace.LevelTrace},
		})
	}
	got := runScript(t, s, `
		local lo, hi = en_span_range()
		return {lo, hi}
	`, 2)
	// two workers over [0,9]: slices [0,4] and [5,9]
	wantIDs(t, got, 0, 4, 5, 9)
}

func TestScriptErrorCarriesWorkerSlice(t *testing.T) {
	eng := NewEngine(fixtureT1(), Options{Logger: zerolog.Nop()})
	_, err := eng.Run(context.Background(), `error("boom")`, 0)
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want ScriptError", err)
	}
	if se.RangeStart != 0 || se.RangeEnd != 2 {
		t.Errorf("slice bounds = (%d, %d), want (0, 2)", se.RangeStart, se.RangeEnd)
	}
}

func TestCancellation(t *testing.T) {
	s := fixtureT1()
	eng := NewEngine(s, Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Run(ctx, `
		while true do end
	`, 2)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestCancellationMidRun(t *testing.T) {
	s := store.NewMemStore()
	for i := 0; i < 999; i++ {
		s.Append(trace.SpanRecord{
			Parent:   0,
			Metadata: trace.Metadata{Name: "bulk", Target: "fixture", Level: trace.LevelTrace},
		})
	}
	eng := NewEngine(s, Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := eng.Run(ctx, `while true do end`, 2)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not stop the interpreters promptly")
	}
}

func TestBadReturnValue(t *testing.T) {
	eng := NewEngine(fixtureT1(), Options{Logger: zerolog.Nop()})
	_, err := eng.Run(context.Background(), `return "not a list"`, 0)
	var re *ResultError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want ResultError", err)
	}
}

func TestNoReturnYieldsEmpty(t *testing.T) {
	got := runScript(t, fixtureT1(), `local x = 1`, 0)
	wantIDs(t, got)
}

func TestForeachSplicesTables(t *testing.T) {
	got := runScript(t, fixtureT1(), `
		return en_foreach(function(i)
			if i == 0 then return nil end
			return {i, i}
		end)
	`, 0)
	wantIDs(t, got, 1, 1, 2, 2)
}

func TestPrettyTableAndLog(t *testing.T) {
	runScript(t, fixtureT1(), `
		en_log(en_pretty_table({b = 2, a = 1}))
		return {}
	`, 0)
}
