package deltastream

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/pkg/bulkquery"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

var log = logrus.New()

func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

const DefaultCacheSize = 10

// Compute returns the objects reachable from target that are not reachable
// from base. An empty base yields the complete history of target.
func Compute(ctx context.Context, s store.ObjectStore, target, base types.Hash) (*Delta, error) {
	d := &Delta{Version: target}
	if target == base {
		return d, nil
	}
	engine := bulkquery.New(s)
	known := map[types.Hash]struct{}{}
	if base != "" {
		var err error
		if known, err = tree.Reachable(ctx, engine, base); err != nil {
			return nil, fmt.Errorf("deltastream: objects of %s: %w", base, err)
		}
	}
	skip := func(h types.Hash) bool {
		_, ok := known[h]
		return ok
	}
	err := tree.Walk(ctx, engine, []types.Hash{target}, skip, func(o store.Object) error {
		d.Objects = append(d.Objects, o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deltastream: objects of %s: %w", target, err)
	}
	log.WithFields(logrus.Fields{
		"version": target.String(),
		"base":    base.String(),
		"objects": len(d.Objects),
	}).Debug("computed delta")
	return d, nil
}

// Apply stores all objects of d in one write. The version itself must end up
// in s, either from d or from earlier deltas.
func Apply(ctx context.Context, s store.ObjectStore, d *Delta) error {
	if len(d.Objects) > 0 {
		if err := s.PutAll(ctx, d.Objects); err != nil {
			return fmt.Errorf("deltastream: applying delta of %s: %w", d.Version, err)
		}
		return nil
	}
	if _, err := store.MustGet(ctx, s, d.Version); err != nil {
		return fmt.Errorf("deltastream: empty delta for unknown version: %w", err)
	}
	return nil
}

type cacheKey struct {
	target, base types.Hash
}

// Cache keeps recently computed deltas. Deltas of immutable versions never
// go stale.
type Cache struct {
	store   store.ObjectStore
	entries *lru.Cache[cacheKey, *Delta]
}

func NewCache(s store.ObjectStore, size int) (*Cache, error) {
	if size < 1 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[cacheKey, *Delta](size)
	if err != nil {
		return nil, err
	}
	return &Cache{store: s, entries: entries}, nil
}

// Get returns the delta from base to target, computing it on a miss.
func (c *Cache) Get(ctx context.Context, target, base types.Hash) (*Delta, error) {
	key := cacheKey{target: target, base: base}
	if d, ok := c.entries.Get(key); ok {
		return d, nil
	}
	d, err := Compute(ctx, c.store, target, base)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, d)
	return d, nil
}

func (c *Cache) Len() int {
	return c.entries.Len()
}
