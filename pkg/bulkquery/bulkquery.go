// Package bulkquery resolves object graphs in waves: every wave sends all
// queued hashes in one GetAll call, runs the continuations and collects the
// reads they enqueue for the next wave.
package bulkquery

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

var Waves = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "ouroboros_model",
	Subsystem: "bulk_query",
	Name:      "waves",
})

var WaveKeys = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "ouroboros_model",
	Subsystem: "bulk_query",
	Name:      "wave_keys",
	Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{Waves, WaveKeys}
}

// Continuation receives a resolved value. It may enqueue further reads on the
// query it belongs to.
type Continuation func(value string, found bool) error

// Engine batches reads of all queries created from it. Waves never overlap.
type Engine struct {
	store store.ObjectStore

	mu    sync.Mutex
	queue []*request

	waveMu sync.Mutex
}

type request struct {
	hash  types.Hash
	cont  Continuation
	query *Query
}

// Query is one top-level traversal. Its counters are guarded by the engine
// mutex.
type Query struct {
	engine  *Engine
	pending int
	err     error
}

func New(s store.ObjectStore) *Engine {
	return &Engine{store: s}
}

func (e *Engine) NewQuery() *Query {
	return &Query{engine: e}
}

// Get enqueues a read of hash for the next wave.
func (q *Query) Get(hash types.Hash, cont Continuation) {
	e := q.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	q.pending++
	e.queue = append(e.queue, &request{hash: hash, cont: cont, query: q})
}

// Execute runs waves until every read of q and of the reads its
// continuations enqueued has been resolved. It returns the first error of a
// batch call or continuation. Waves started by other queries on the same
// engine also resolve reads of q.
func (q *Query) Execute(ctx context.Context) error {
	e := q.engine
	for {
		e.mu.Lock()
		pending, err := q.pending, q.err
		e.mu.Unlock()
		if pending == 0 {
			return err
		}
		if err := ctx.Err(); err != nil {
			// queued reads of q are drained by later waves without running
			// their continuations
			q.fail(err)
			return err
		}
		if !e.runWave(ctx, q) {
			e.mu.Lock()
			stalled := q.pending > 0 && len(e.queue) == 0
			e.mu.Unlock()
			if stalled {
				return fmt.Errorf("bulkquery: %d reads pending with an empty queue", pending)
			}
		}
	}
}

func (q *Query) fail(err error) {
	q.engine.mu.Lock()
	defer q.engine.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
}

// runWave resolves everything queued at the time it acquires the wave lock,
// fetching with the ctx of driver. It reports whether a batch was sent.
func (e *Engine) runWave(ctx context.Context, driver *Query) bool {
	e.waveMu.Lock()
	defer e.waveMu.Unlock()

	e.mu.Lock()
	batch := e.queue
	e.queue = nil
	e.mu.Unlock()
	if len(batch) == 0 {
		return false
	}

	seen := make(map[types.Hash]struct{}, len(batch))
	keys := make([]types.Hash, 0, len(batch))
	for _, r := range batch {
		if _, ok := seen[r.hash]; ok {
			continue
		}
		seen[r.hash] = struct{}{}
		keys = append(keys, r.hash)
	}

	Waves.Inc()
	WaveKeys.Observe(float64(len(keys)))
	entries, err := e.store.GetAll(ctx, keys)
	if err != nil {
		canceled := ctx.Err() != nil
		err = fmt.Errorf("bulkquery: wave of %d keys: %w", len(keys), err)
		e.mu.Lock()
		for _, r := range batch {
			if canceled && r.query != driver {
				// only the driver was canceled, the next wave retries these
				e.queue = append(e.queue, r)
				continue
			}
			r.query.pending--
			if r.query.err == nil {
				r.query.err = err
			}
		}
		e.mu.Unlock()
		return true
	}

	values := make(map[types.Hash]store.Entry, len(entries))
	for _, entry := range entries {
		values[entry.Hash] = entry
	}

	for _, r := range batch {
		e.mu.Lock()
		failed := r.query.err != nil
		e.mu.Unlock()

		var contErr error
		if !failed {
			entry := values[r.hash]
			contErr = r.cont(entry.Value, entry.Found)
		}

		e.mu.Lock()
		r.query.pending--
		if contErr != nil && r.query.err == nil {
			r.query.err = contErr
		}
		e.mu.Unlock()
	}
	return true
}
