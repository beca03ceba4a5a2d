package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-model/internal/keyValStore"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

// recordingStore counts backing requests and can hold them until released.
type recordingStore struct {
	*MemoryStore
	mu      sync.Mutex
	calls   [][]types.Hash
	started chan struct{}
	release chan struct{}
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: NewMemoryStore()}
}

func (r *recordingStore) GetAll(ctx context.Context, hashes []types.Hash) ([]Entry, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]types.Hash(nil), hashes...))
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.MemoryStore.GetAll(ctx, hashes)
}

func (r *recordingStore) fetchCount(h types.Hash) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, call := range r.calls {
		for _, k := range call {
			if k == h {
				n++
			}
		}
	}
	return n
}

func putValues(t *testing.T, s ObjectStore, values ...string) []types.Hash {
	t.Helper()
	objects := make([]Object, len(values))
	hashes := make([]types.Hash, len(values))
	for i, v := range values {
		objects[i] = NewObject(v)
		hashes[i] = objects[i].Hash
	}
	require.NoError(t, s.PutAll(context.Background(), objects))
	return hashes
}

func TestMemoryStoreRejectsInvalidHash(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.Put(ctx, types.Digest("a"), "b")
	var invalid *InvalidHashError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, types.Digest("b"), invalid.Actual)
	assert.Equal(t, 0, s.Len())
}

func TestGetAllPreservesOrderAndMissing(t *testing.T) {
	ctx := context.Background()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	defer kv.Close()

	for name, s := range map[string]ObjectStore{
		"memory": NewMemoryStore(),
		"badger": NewBadgerStore(kv),
	} {
		s := s
		t.Run(name, func(t *testing.T) {
			hashes := putValues(t, s, "one", "", "three")
			missing := types.Digest("missing")

			entries, err := s.GetAll(ctx, []types.Hash{hashes[2], missing, hashes[1], hashes[0]})
			require.NoError(t, err)
			require.Len(t, entries, 4)
			assert.Equal(t, Entry{Hash: hashes[2], Value: "three", Found: true}, entries[0])
			assert.Equal(t, Entry{Hash: missing}, entries[1])
			assert.Equal(t, Entry{Hash: hashes[1], Value: "", Found: true}, entries[2])
			assert.Equal(t, "one", entries[3].Value)

			_, err = MustGet(ctx, s, missing)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCacheServesRepeatedReadsFromLRU(t *testing.T) {
	ctx := context.Background()
	backing := newRecordingStore()
	hashes := putValues(t, backing, "a", "b")

	cache, err := NewCache(backing, CacheConfig{Name: t.Name(), Size: 10})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		entries, err := cache.GetAll(ctx, hashes)
		require.NoError(t, err)
		assert.Equal(t, "a", entries[0].Value)
		assert.Equal(t, "b", entries[1].Value)
	}
	assert.Equal(t, 1, backing.fetchCount(hashes[0]))
	assert.True(t, cache.Contains(hashes[1]))
}

func TestCacheDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	backing := newRecordingStore()
	cache, err := NewCache(backing, CacheConfig{Name: t.Name()})
	require.NoError(t, err)

	h := types.Digest("later")
	_, found, err := cache.Get(ctx, h)
	require.NoError(t, err)
	assert.False(t, found)

	putValues(t, backing, "later")
	v, found, err := cache.Get(ctx, h)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "later", v)
}

func TestCacheSharesInflightFetches(t *testing.T) {
	ctx := context.Background()
	backing := newRecordingStore()
	hashes := putValues(t, backing, "a", "b", "c")
	backing.started = make(chan struct{}, 10)
	backing.release = make(chan struct{})

	cache, err := NewCache(backing, CacheConfig{Name: t.Name()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]Entry, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		entries, err := cache.GetAll(ctx, []types.Hash{hashes[0], hashes[1]})
		assert.NoError(t, err)
		results[0] = entries
	}()
	<-backing.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		entries, err := cache.GetAll(ctx, []types.Hash{hashes[1], hashes[2]})
		assert.NoError(t, err)
		results[1] = entries
	}()
	<-backing.started
	assert.Equal(t, 2, cache.inflightCount())

	close(backing.release)
	wg.Wait()

	assert.Equal(t, 1, backing.fetchCount(hashes[1]), "overlapping key must be fetched once")
	assert.Equal(t, 1, backing.fetchCount(hashes[2]))
	assert.Equal(t, "b", results[1][0].Value)
	assert.Equal(t, "c", results[1][1].Value)
	assert.Equal(t, 0, cache.inflightCount())
}

func TestCacheRefetchesWhenSharedFetchIsCanceled(t *testing.T) {
	backing := newRecordingStore()
	hashes := putValues(t, backing, "a")
	backing.started = make(chan struct{}, 10)
	backing.release = make(chan struct{})

	cache, err := NewCache(backing, CacheConfig{Name: t.Name()})
	require.NoError(t, err)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := cache.GetAll(firstCtx, hashes)
		firstDone <- err
	}()
	<-backing.started

	secondDone := make(chan []Entry, 1)
	go func() {
		entries, err := cache.GetAll(context.Background(), hashes)
		assert.NoError(t, err)
		secondDone <- entries
	}()

	// give the second caller time to attach to the in-flight request
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-firstDone, context.Canceled)

	<-backing.started
	close(backing.release)
	entries := <-secondDone
	assert.Equal(t, "a", entries[0].Value)
}

func TestCachePutRejectsInvalidHash(t *testing.T) {
	backing := newRecordingStore()
	cache, err := NewCache(backing, CacheConfig{Name: t.Name()})
	require.NoError(t, err)

	err = cache.Put(context.Background(), types.Digest("x"), "y")
	var invalid *InvalidHashError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, 0, backing.Len())
}

func TestPrefetchLoadsReferencedObjects(t *testing.T) {
	ctx := context.Background()
	backing := newRecordingStore()
	leaves := putValues(t, backing, "leaf1", "leaf2", "leaf3")
	mid := putValues(t, backing, "OL/"+leaves[0].String()+","+leaves[1].String())
	root := putValues(t, backing, "root/"+mid[0].String()+"/"+leaves[2].String())

	cache, err := NewCache(backing, CacheConfig{Name: t.Name()})
	require.NoError(t, err)

	cache.Prefetch(ctx, root[0])
	cache.WaitForPrefetches()

	for _, h := range append(append(leaves, mid...), root...) {
		assert.True(t, cache.Contains(h), "expected %s to be prefetched", h)
	}
}

// holdingStore blocks requests for held until release is closed.
type holdingStore struct {
	*MemoryStore
	held    types.Hash
	started chan struct{}
	release chan struct{}
}

func (s *holdingStore) GetAll(ctx context.Context, hashes []types.Hash) ([]Entry, error) {
	for _, h := range hashes {
		if h != s.held {
			continue
		}
		s.started <- struct{}{}
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		break
	}
	return s.MemoryStore.GetAll(ctx, hashes)
}

func TestPrefetchDoesNotBlockForegroundReads(t *testing.T) {
	backing := &holdingStore{MemoryStore: NewMemoryStore(), started: make(chan struct{}, 1), release: make(chan struct{})}
	leaves := putValues(t, backing, "leaf1", "leaf2")
	root := putValues(t, backing, "root/"+leaves[0].String()+"/"+leaves[1].String())
	backing.held = leaves[1]

	cache, err := NewCache(backing, CacheConfig{Name: t.Name()})
	require.NoError(t, err)
	cache.Prefetch(context.Background(), root[0])
	<-backing.started

	// the prefetch batch holding leaf2 also contains leaf1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, found, err := cache.Get(ctx, leaves[0])
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "leaf1", value)
	assert.Equal(t, 0, cache.inflightCount())

	close(backing.release)
	cache.WaitForPrefetches()
	assert.True(t, cache.Contains(leaves[1]))
}

func TestPrefetchRespectsBudget(t *testing.T) {
	ctx := context.Background()
	backing := newRecordingStore()

	children := make([]string, 50)
	for i := range children {
		children[i] = fmt.Sprintf("child-%d", i)
	}
	childHashes := putValues(t, backing, children...)
	refs := make([]string, len(childHashes))
	for i, h := range childHashes {
		refs[i] = h.String()
	}
	root := putValues(t, backing, strings.Join(refs, ","))

	cache, err := NewCache(backing, CacheConfig{Name: t.Name(), PrefetchBudget: 10})
	require.NoError(t, err)

	cache.Prefetch(ctx, root[0])
	cache.WaitForPrefetches()

	assert.Equal(t, 10, cache.Len())
}

func TestRefStores(t *testing.T) {
	ctx := context.Background()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	defer kv.Close()

	for name, refs := range map[string]RefStore{
		"memory": NewMemoryRefStore(),
		"badger": NewBadgerRefStore(kv),
	} {
		refs := refs
		t.Run(name, func(t *testing.T) {
			swapped, err := refs.CompareAndSwapRef(ctx, "repo/a", "", false, "v1")
			require.NoError(t, err)
			assert.True(t, swapped)

			swapped, err = refs.CompareAndSwapRef(ctx, "repo/a", "v0", true, "v2")
			require.NoError(t, err)
			assert.False(t, swapped)

			swapped, err = refs.CompareAndSwapRef(ctx, "repo/a", "v1", true, "v2")
			require.NoError(t, err)
			assert.True(t, swapped)

			_, err = refs.CompareAndSwapRef(ctx, "repo/b", "", false, "x")
			require.NoError(t, err)
			_, err = refs.CompareAndSwapRef(ctx, "other/c", "", false, "y")
			require.NoError(t, err)

			v, found, err := refs.GetRef(ctx, "repo/a")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "v2", v)

			listed, err := refs.ListRefs(ctx, "repo/")
			require.NoError(t, err)
			keys := make([]string, 0, len(listed))
			for k := range listed {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			assert.Equal(t, []string{"repo/a", "repo/b"}, keys)
		})
	}
}
