package query

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/errgroup"

	"github.com/entrace-dev/entrace/pkg/filterset"
	"github.com/entrace-dev/entrace/pkg/store"
	"github.com/entrace-dev/entrace/pkg/trace"
)

// Options tunes the query engine.
type Options struct {
	// MaxDNFClauses is the rewrite fusion guard passed to every arena.
	// Default filterset.DefaultMaxDNFClauses.
	MaxDNFClauses int

	Logger zerolog.Logger
}

// Engine runs scripts against one trace. The store handle is shared
// read-only across all workers; each worker owns a private interpreter
// and builds private arenas per materialization.
type Engine struct {
	log  store.Reader
	opts Options
}

// NewEngine creates a query engine over the given trace.
func NewEngine(log store.Reader, opts Options) *Engine {
	if opts.MaxDNFClauses <= 0 {
		opts.MaxDNFClauses = filterset.DefaultMaxDNFClauses
	}
	return &Engine{log: log, opts: opts}
}

// DefaultWorkers is the worker count used when the caller passes a
// negative count.
func DefaultWorkers() int { return runtime.NumCPU() }

// Run executes the script across the given number of workers and
// returns the merged span-identifier list. workers == 0 runs the script
// inline on the calling goroutine over the whole range; workers < 0
// selects the logical CPU count. Per-worker results are concatenated in
// worker-index order; with en_join, only the surviving worker
// contributes, so the ordering promise carries over.
//
// Cancelling ctx cancels the query cooperatively: interpreters stop at
// the next instruction boundary, materializers at the next bitmap
// operation.
func (e *Engine) Run(ctx context.Context, script string, workers int) ([]trace.SpanID, error) {
	start := time.Now()
	if workers < 0 {
		workers = DefaultWorkers()
	}
	inline := workers == 0
	if inline {
		workers = 1
	}

	n := e.log.SpanCount()
	if n < workers {
		e.opts.Logger.Debug().Int("spans", n).Int("workers", workers).
			Msg("fewer spans than workers, running single-threaded")
		workers = 1
	}
	ranges := partition(trace.SpanID(n), workers)

	cancel := &atomic.Bool{}
	barrier := newJoinBarrier(workers)
	results := make([][]trace.SpanID, workers)

	run := func(ctx context.Context, i int) error {
		ids, err := e.runWorker(ctx, i, ranges[i][0], ranges[i][1], script, barrier, cancel)
		if err != nil {
			return err
		}
		results[i] = ids
		return nil
	}

	var err error
	if inline {
		stop := context.AfterFunc(ctx, func() { cancel.Store(true) })
		err = run(ctx, 0)
		stop()
	} else {
		g, gctx := errgroup.WithContext(ctx)
		stop := context.AfterFunc(gctx, func() { cancel.Store(true) })
		for i := 0; i < workers; i++ {
			i := i
			g.Go(func() error { return run(gctx, i) })
		}
		err = g.Wait()
		stop()
	}
	if err != nil {
		if ctx.Err() != nil && !isScriptError(err) {
			err = ErrCancelled
		}
		e.opts.Logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("query failed")
		return nil, err
	}

	var merged []trace.SpanID
	for _, part := range results {
		merged = append(merged, part...)
	}
	e.opts.Logger.Debug().
		Int("workers", workers).
		Int("results", len(merged)).
		Dur("elapsed", time.Since(start)).
		Msg("query completed")
	return merged, nil
}

func isScriptError(err error) bool {
	var se *ScriptError
	return errors.As(err, &se)
}

// partition splits [0, n-1] into contiguous per-worker slices. The last
// slice absorbs the remainder so the slices cover the range exactly.
func partition(n trace.SpanID, workers int) [][2]trace.SpanID {
	per := n / trace.SpanID(workers)
	ranges := make([][2]trace.SpanID, workers)
	for i := range ranges {
		lo := trace.SpanID(i) * per
		hi := lo + per - 1
		ranges[i] = [2]trace.SpanID{lo, hi}
	}
	ranges[workers-1][1] = n - 1
	return ranges
}

// runWorker executes the script on a fresh interpreter bound to the
// worker's slice. The interpreter context carries cancellation into
// every instruction boundary.
func (e *Engine) runWorker(ctx context.Context, idx int, lo, hi trace.SpanID, script string, barrier *joinBarrier, cancel *atomic.Bool) ([]trace.SpanID, error) {
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	h := &hostState{
		log:     e.log,
		zlog:    e.opts.Logger,
		worker:  idx,
		lo:      lo,
		hi:      hi,
		barrier: barrier,
		cancel:  cancel,
		maxDNF:  e.opts.MaxDNFClauses,
	}
	h.install(L)

	workerStart := time.Now()
	if err := L.DoString(script); err != nil {
		if h.joinShutdown {
			// terminated at the barrier, not a failure
			return nil, nil
		}
		if ctx.Err() != nil || cancel.Load() {
			return nil, ErrCancelled
		}
		return nil, &ScriptError{Worker: idx, RangeStart: lo, RangeEnd: hi, Message: err.Error()}
	}
	e.opts.Logger.Debug().Int("worker", idx).Dur("elapsed", time.Since(workerStart)).Msg("worker done")

	if L.GetTop() == 0 {
		return nil, nil
	}
	ret := L.Get(-1)
	switch v := ret.(type) {
	case *lua.LNilType:
		return nil, nil
	case *lua.LTable:
		ids, err := tableToIDs(v)
		if err != nil {
			return nil, &ResultError{Worker: idx, Reason: err.Error()}
		}
		return ids, nil
	}
	return nil, &ResultError{Worker: idx, Reason: "returned a " + ret.Type().String()}
}
