// Package query runs user scripts against a loaded trace: it owns the
// worker pool, the per-worker Lua interpreter with the en_* API, and
// the join barrier that merges per-worker results.
package query

import (
	"fmt"

	"github.com/entrace-dev/entrace/pkg/filterset"
	"github.com/entrace-dev/entrace/pkg/trace"
)

// ErrCancelled is surfaced when a query is cancelled cooperatively.
var ErrCancelled = filterset.ErrCancelled

// ScriptError reports a failed user script. The worker's slice bounds
// are included so the failure can be reproduced single-threaded over
// just that range.
type ScriptError struct {
	Worker     int
	RangeStart trace.SpanID
	RangeEnd   trace.SpanID
	Message    string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("query: script error in worker %d (spans %d-%d): %s",
		e.Worker, e.RangeStart, e.RangeEnd, e.Message)
}

// ResultError reports a script whose return value could not be coerced
// to a list of span identifiers.
type ResultError struct {
	Worker int
	Reason string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("query: worker %d returned a value that is not a span list: %s", e.Worker, e.Reason)
}
