package tree

import (
	"context"
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-model/pkg/bulkquery"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

// Walk visits every stored object reachable from roots exactly once, in
// waves of one batched read per graph level. Hashes for which skip returns
// true are neither visited nor descended into. A missing object is an error.
func Walk(ctx context.Context, engine *bulkquery.Engine, roots []types.Hash, skip func(types.Hash) bool, visit func(store.Object) error) error {
	var mu sync.Mutex
	seen := make(map[types.Hash]struct{})
	q := engine.NewQuery()

	var enqueue func(h types.Hash)
	enqueue = func(h types.Hash) {
		mu.Lock()
		if _, ok := seen[h]; ok {
			mu.Unlock()
			return
		}
		seen[h] = struct{}{}
		mu.Unlock()
		if skip != nil && skip(h) {
			return
		}
		q.Get(h, func(value string, found bool) error {
			if !found {
				return fmt.Errorf("tree: walking: %w: %s", store.ErrNotFound, h)
			}
			if err := visit(store.Object{Hash: h, Value: value}); err != nil {
				return err
			}
			for _, ref := range types.ExtractHashes(value) {
				enqueue(ref)
			}
			return nil
		})
	}
	for _, r := range roots {
		enqueue(r)
	}
	return q.Execute(ctx)
}

// Reachable returns the set of hashes reachable from roots.
func Reachable(ctx context.Context, engine *bulkquery.Engine, roots ...types.Hash) (map[types.Hash]struct{}, error) {
	reachable := make(map[types.Hash]struct{})
	err := Walk(ctx, engine, roots, nil, func(o store.Object) error {
		reachable[o.Hash] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reachable, nil
}
