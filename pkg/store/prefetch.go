package store

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/pkg/types"
)

// Prefetch walks the object graph below seed breadth first in the
// background and loads up to the prefetch budget of objects into the cache.
// Referenced hashes are taken from the payload text. Keys already queued by
// another prefetch are skipped. Failures are logged.
func (c *Cache) Prefetch(ctx context.Context, seed types.Hash) {
	c.mu.Lock()
	if _, pending := c.pendingPrefetch[seed]; pending {
		c.mu.Unlock()
		return
	}
	c.pendingPrefetch[seed] = struct{}{}
	c.mu.Unlock()

	c.prefetches.Add(1)
	go func() {
		defer c.prefetches.Done()
		c.prefetch(ctx, seed)
	}()
}

// prefetchBatch loads batch past the in-flight table, so foreground reads
// never wait for a prefetch. A key read concurrently may be fetched twice.
func (c *Cache) prefetchBatch(ctx context.Context, batch []types.Hash) ([]Entry, error) {
	entries := make([]Entry, len(batch))
	var missing []types.Hash
	var at []int
	c.mu.Lock()
	for i, h := range batch {
		if v, ok := c.lru.Peek(h); ok {
			entries[i] = Entry{Hash: h, Value: v, Found: true}
			continue
		}
		missing = append(missing, h)
		at = append(at, i)
	}
	c.mu.Unlock()
	if len(missing) == 0 {
		return entries, nil
	}

	CacheBackingFetches.WithLabelValues(c.name).Inc()
	fetched, err := c.backing.GetAll(ctx, missing)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for j, e := range fetched {
		entries[at[j]] = e
		if e.Found {
			c.lru.Add(e.Hash, e.Value)
		}
	}
	return entries, nil
}

// WaitForPrefetches blocks until all running prefetches have finished.
func (c *Cache) WaitForPrefetches() {
	c.prefetches.Wait()
}

func (c *Cache) prefetch(ctx context.Context, seed types.Hash) {
	owned := []types.Hash{seed}
	defer func() {
		c.mu.Lock()
		for _, h := range owned {
			delete(c.pendingPrefetch, h)
		}
		c.mu.Unlock()
	}()

	visited := map[types.Hash]struct{}{seed: {}}
	queue := []types.Hash{seed}
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return
		}
		n := len(queue)
		if n > prefetchBatchSize {
			n = prefetchBatchSize
		}
		batch := queue[:n]
		queue = queue[n:]

		entries, err := c.prefetchBatch(ctx, batch)
		if err != nil {
			log.WithFields(logrus.Fields{
				"cache": c.name,
				"seed":  seed,
			}).Warnf("Prefetch aborted: %v", err)
			return
		}
		CachePrefetchedKeys.WithLabelValues(c.name).Add(float64(len(batch)))

		c.mu.Lock()
		for _, e := range entries {
			if !e.Found {
				continue
			}
			for _, h := range types.ExtractHashes(e.Value) {
				if len(visited) >= c.prefetchBudget {
					break
				}
				if _, ok := visited[h]; ok {
					continue
				}
				visited[h] = struct{}{}
				if _, pending := c.pendingPrefetch[h]; pending {
					continue
				}
				c.pendingPrefetch[h] = struct{}{}
				owned = append(owned, h)
				queue = append(queue, h)
			}
		}
		c.mu.Unlock()
	}
}
