// Package tree implements persistent, hash-linked model trees. Every edit
// returns a new Tree that shares all untouched objects with its origin.
package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

const (
	DefaultMaxNodeSize = 20

	decodedCacheSize = 50_000
)

var (
	ErrNodeNotFound     = errors.New("tree: node not found")
	ErrNodeExists       = errors.New("tree: node already exists")
	ErrIndexOutOfRange  = errors.New("tree: index out of range")
	ErrHasChildren      = errors.New("tree: node has children")
	ErrRootNode         = errors.New("tree: operation not allowed on the root node")
	ErrCycle            = errors.New("tree: move would create a cycle")
	ErrInvalidRole      = errors.New("tree: invalid role")
	ErrEmptyElement     = errors.New("tree: list elements must not be empty")
	ErrMalformedObject  = errors.New("tree: malformed object")
	ErrMaxNodeSizeRange = errors.New("tree: max node size must be at least 2")
)

// Graph gives typed access to the objects of an ObjectStore. It is safe for
// concurrent use; decoded objects are shared and never mutated.
type Graph struct {
	store       store.ObjectStore
	maxNodeSize int
	decoded     *lru.Cache[types.Hash, any]
}

type GraphOption func(*Graph)

func WithMaxNodeSize(n int) GraphOption {
	return func(g *Graph) {
		g.maxNodeSize = n
	}
}

func NewGraph(s store.ObjectStore, opts ...GraphOption) (*Graph, error) {
	g := &Graph{store: s, maxNodeSize: DefaultMaxNodeSize}
	for _, opt := range opts {
		opt(g)
	}
	if g.maxNodeSize < 2 {
		return nil, ErrMaxNodeSizeRange
	}
	decoded, err := lru.New[types.Hash, any](decodedCacheSize)
	if err != nil {
		return nil, err
	}
	g.decoded = decoded
	return g, nil
}

func (g *Graph) Store() store.ObjectStore {
	return g.store
}

func (g *Graph) MaxNodeSize() int {
	return g.maxNodeSize
}

// pendingSet holds objects created by edits that are not stored yet. Trees
// derived from each other by edits share one set.
type pendingSet struct {
	mu      sync.Mutex
	objects map[types.Hash]string
}

func newPendingSet() *pendingSet {
	return &pendingSet{objects: make(map[types.Hash]string)}
}

func (p *pendingSet) get(h types.Hash) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.objects[h]
	return v, ok
}

// objects is the read/write view of one edit session.
type objects struct {
	graph   *Graph
	pending *pendingSet
}

func (o objects) load(ctx context.Context, h types.Hash) (string, error) {
	if v, ok := o.pending.get(h); ok {
		return v, nil
	}
	v, found, err := o.graph.store.Get(ctx, h)
	if err != nil {
		return "", fmt.Errorf("tree: loading %s: %w", h, err)
	}
	if !found {
		return "", fmt.Errorf("tree: loading %s: %w", h, store.ErrNotFound)
	}
	return v, nil
}

func (o objects) add(value string) types.Hash {
	h := types.Digest(value)
	o.pending.mu.Lock()
	o.pending.objects[h] = value
	o.pending.mu.Unlock()
	return h
}

func loadDecoded[T any](ctx context.Context, o objects, h types.Hash, parse func(string) (T, error)) (T, error) {
	if v, ok := o.graph.decoded.Get(h); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	var zero T
	s, err := o.load(ctx, h)
	if err != nil {
		return zero, err
	}
	t, err := parse(s)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrMalformedObject, h, err)
	}
	o.graph.decoded.Add(h, t)
	return t, nil
}

// flush writes the pending objects reachable from root and removes them
// from the pending set. Objects of abandoned intermediate states are left
// behind.
func (o objects) flush(ctx context.Context, roots ...types.Hash) (int, error) {
	o.pending.mu.Lock()
	var batch []store.Object
	seen := make(map[types.Hash]struct{})
	queue := append([]types.Hash(nil), roots...)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		v, ok := o.pending.objects[h]
		if !ok {
			continue
		}
		batch = append(batch, store.Object{Hash: h, Value: v})
		queue = append(queue, types.ExtractHashes(v)...)
	}
	o.pending.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	if err := o.graph.store.PutAll(ctx, batch); err != nil {
		return 0, fmt.Errorf("tree: flushing %d objects: %w", len(batch), err)
	}

	o.pending.mu.Lock()
	for _, obj := range batch {
		delete(o.pending.objects, obj.Hash)
	}
	o.pending.mu.Unlock()
	return len(batch), nil
}

// Session groups objects created outside of a Tree, such as operation lists
// and versions, with the objects of the trees they reference.
type Session struct {
	objects
}

func (g *Graph) NewSession() *Session {
	return &Session{objects{graph: g, pending: newPendingSet()}}
}

// Add stages a new object and returns its hash.
func (s *Session) Add(value string) types.Hash {
	return s.add(value)
}

// Load reads a staged or stored object.
func (s *Session) Load(ctx context.Context, h types.Hash) (string, error) {
	return s.load(ctx, h)
}

// Flush stores every staged object reachable from roots.
func (s *Session) Flush(ctx context.Context, roots ...types.Hash) (int, error) {
	return s.flush(ctx, roots...)
}
