package store

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/pkg/types"
)

const (
	DefaultCacheSize      = 300_000
	DefaultPrefetchBudget = 100_000

	prefetchBatchSize = 5_000
)

var log = logrus.New()

// SetLogger replaces the package logger. Call it before any store is used.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

type CacheConfig struct {
	Name           string // metrics label
	Size           int
	PrefetchBudget int
}

// Cache is an LRU in front of a backing ObjectStore. Concurrent GetAll calls
// that need the same missing keys share one backing fetch through the
// in-flight table. The mutex guards the LRU bookkeeping and the tables only,
// it is never held during a backing call.
type Cache struct {
	name           string
	backing        ObjectStore
	lru            *lru.Cache[types.Hash, string]
	prefetchBudget int

	mu              sync.Mutex
	inflight        map[*fetchRequest]struct{}
	pendingPrefetch map[types.Hash]struct{}
	prefetches      sync.WaitGroup
}

type fetchRequest struct {
	keys   map[types.Hash]struct{}
	done   chan struct{}
	values map[types.Hash]string
	err    error
}

func NewCache(backing ObjectStore, config CacheConfig) (*Cache, error) {
	if config.Size <= 0 {
		config.Size = DefaultCacheSize
	}
	if config.PrefetchBudget <= 0 {
		config.PrefetchBudget = DefaultPrefetchBudget
	}
	if config.Name == "" {
		config.Name = "default"
	}
	l, err := lru.New[types.Hash, string](config.Size)
	if err != nil {
		return nil, fmt.Errorf("store: creating lru: %w", err)
	}
	return &Cache{
		name:            config.Name,
		backing:         backing,
		lru:             l,
		prefetchBudget:  config.PrefetchBudget,
		inflight:        make(map[*fetchRequest]struct{}),
		pendingPrefetch: make(map[types.Hash]struct{}),
	}, nil
}

func (c *Cache) Get(ctx context.Context, hash types.Hash) (string, bool, error) {
	entries, err := c.GetAll(ctx, []types.Hash{hash})
	if err != nil {
		return "", false, err
	}
	return entries[0].Value, entries[0].Found, nil
}

func (c *Cache) GetAll(ctx context.Context, hashes []types.Hash) ([]Entry, error) {
	values := make(map[types.Hash]string, len(hashes))
	missing := make(map[types.Hash]struct{})
	waits := make(map[*fetchRequest][]types.Hash)
	var own *fetchRequest

	c.mu.Lock()
	hits := 0
	for _, h := range hashes {
		if _, ok := values[h]; ok {
			continue
		}
		if _, ok := missing[h]; ok {
			continue
		}
		if v, ok := c.lru.Get(h); ok {
			values[h] = v
			hits++
			continue
		}
		missing[h] = struct{}{}
	}
	misses := len(missing)
	for f := range c.inflight {
		if len(missing) == 0 {
			break
		}
		for h := range missing {
			if _, ok := f.keys[h]; ok {
				waits[f] = append(waits[f], h)
				delete(missing, h)
			}
		}
	}
	if len(missing) > 0 {
		own = &fetchRequest{keys: missing, done: make(chan struct{})}
		c.inflight[own] = struct{}{}
	}
	c.mu.Unlock()

	CacheRequests.WithLabelValues(c.name, "hit").Add(float64(hits))
	CacheRequests.WithLabelValues(c.name, "miss").Add(float64(misses))
	if len(waits) > 0 {
		CacheInflightReuses.WithLabelValues(c.name).Add(float64(len(waits)))
	}

	if own != nil {
		c.fetch(ctx, own)
		if own.err != nil {
			return nil, own.err
		}
		for h, v := range own.values {
			values[h] = v
		}
	}

	var retry []types.Hash
	for f, wanted := range waits {
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if f.err != nil {
			// the other caller's fetch failed, possibly by its own cancellation
			retry = append(retry, wanted...)
			continue
		}
		for _, h := range wanted {
			if v, ok := f.values[h]; ok {
				values[h] = v
			}
		}
	}

	if len(retry) > 0 {
		f := &fetchRequest{keys: make(map[types.Hash]struct{}, len(retry)), done: make(chan struct{})}
		for _, h := range retry {
			f.keys[h] = struct{}{}
		}
		c.mu.Lock()
		c.inflight[f] = struct{}{}
		c.mu.Unlock()
		c.fetch(ctx, f)
		if f.err != nil {
			return nil, f.err
		}
		for h, v := range f.values {
			values[h] = v
		}
	}

	return entriesFromMap(hashes, values), nil
}

// fetch resolves f against the backing store and publishes the result to
// every waiter.
func (c *Cache) fetch(ctx context.Context, f *fetchRequest) {
	defer close(f.done)

	keys := make([]types.Hash, 0, len(f.keys))
	for h := range f.keys {
		keys = append(keys, h)
	}
	CacheBackingFetches.WithLabelValues(c.name).Inc()
	entries, err := c.backing.GetAll(ctx, keys)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, f)
	if err != nil {
		f.err = fmt.Errorf("store: fetching %d objects: %w", len(keys), err)
		return
	}
	f.values = make(map[types.Hash]string, len(entries))
	for _, e := range entries {
		if e.Found {
			f.values[e.Hash] = e.Value
			c.lru.Add(e.Hash, e.Value)
		}
	}
}

func (c *Cache) Put(ctx context.Context, hash types.Hash, value string) error {
	return c.PutAll(ctx, []Object{{Hash: hash, Value: value}})
}

func (c *Cache) PutAll(ctx context.Context, objects []Object) error {
	if err := checkObjects(objects); err != nil {
		return err
	}
	if err := c.backing.PutAll(ctx, objects); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range objects {
		c.lru.Add(o.Hash, o.Value)
	}
	return nil
}

// Contains reports whether hash is cached, without touching the backing store.
func (c *Cache) Contains(hash types.Hash) bool {
	return c.lru.Contains(hash)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *Cache) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
