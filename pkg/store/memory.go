package store

import (
	"context"
	"sync"

	"github.com/i5heu/ouroboros-model/pkg/types"
)

// MemoryStore keeps objects in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[types.Hash]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[types.Hash]string)}
}

func (m *MemoryStore) Get(ctx context.Context, hash types.Hash) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.objects[hash]
	return v, ok, nil
}

func (m *MemoryStore) GetAll(ctx context.Context, hashes []types.Hash) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return entriesFromMap(hashes, m.objects), nil
}

func (m *MemoryStore) Put(ctx context.Context, hash types.Hash, value string) error {
	return m.PutAll(ctx, []Object{{Hash: hash, Value: value}})
}

func (m *MemoryStore) PutAll(ctx context.Context, objects []Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkObjects(objects); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range objects {
		m.objects[o.Hash] = o.Value
	}
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Hashes returns every stored key in no particular order.
func (m *MemoryStore) Hashes() []types.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(m.objects))
	for h := range m.objects {
		hashes = append(hashes, h)
	}
	return hashes
}
