package store

import (
	"context"
	"strings"
	"sync"
)

// RefStore holds mutable string references, updated only by compare and
// swap. With expectExisting false the swap succeeds only if the key is
// absent.
type RefStore interface {
	GetRef(ctx context.Context, key string) (string, bool, error)
	CompareAndSwapRef(ctx context.Context, key string, expected string, expectExisting bool, value string) (bool, error)
	ListRefs(ctx context.Context, prefix string) (map[string]string, error)
}

// RefWatcher is implemented by reference stores that push updates. WatchRef
// sends the new value of key after every change until ctx is done.
type RefWatcher interface {
	WatchRef(ctx context.Context, key string) (<-chan string, error)
}

type MemoryRefStore struct {
	mu   sync.Mutex
	refs map[string]string
}

func NewMemoryRefStore() *MemoryRefStore {
	return &MemoryRefStore{refs: make(map[string]string)}
}

func (m *MemoryRefStore) GetRef(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.refs[key]
	return v, ok, nil
}

func (m *MemoryRefStore) CompareAndSwapRef(ctx context.Context, key string, expected string, expectExisting bool, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.refs[key]
	if ok != expectExisting || (ok && current != expected) {
		return false, nil
	}
	m.refs[key] = value
	return true, nil
}

func (m *MemoryRefStore) ListRefs(ctx context.Context, prefix string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make(map[string]string)
	for k, v := range m.refs {
		if strings.HasPrefix(k, prefix) {
			refs[k] = v
		}
	}
	return refs, nil
}
