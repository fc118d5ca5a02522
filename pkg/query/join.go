package query

import (
	"sync"

	"github.com/entrace-dev/entrace/pkg/trace"
)

// joinBarrier merges per-worker result lists. Each worker arrives once,
// depositing its partial list into a mailbox slot; the last arrival
// takes the concatenation of all slots in worker-index order and keeps
// running, every earlier arrival terminates without a value. Nobody
// blocks: the barrier is a counter and a mailbox behind one mutex.
//
// Concatenation order is promised to be worker-index order, so joined
// results are deterministic for a fixed worker count.
type joinBarrier struct {
	mu      sync.Mutex
	workers int
	arrived int
	mailbox [][]trace.SpanID
}

func newJoinBarrier(workers int) *joinBarrier {
	return &joinBarrier{
		workers: workers,
		mailbox: make([][]trace.SpanID, workers),
	}
}

// Arrive submits worker's partial list. The last caller gets the merged
// list and true; earlier callers get nil and false and must terminate
// their script without producing a value.
func (b *joinBarrier) Arrive(worker int, ids []trace.SpanID) ([]trace.SpanID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mailbox[worker] = ids
	b.arrived++
	if b.arrived < b.workers {
		return nil, false
	}
	// last to arrive: reset state and take the mailbox
	b.arrived = 0
	total := 0
	for _, part := range b.mailbox {
		total += len(part)
	}
	merged := make([]trace.SpanID, 0, total)
	for i, part := range b.mailbox {
		merged = append(merged, part...)
		b.mailbox[i] = nil
	}
	return merged, true
}
