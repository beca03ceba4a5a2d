package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-model/internal/keyValStore"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

const (
	objectKeyPrefix = "obj:"
	refKeyPrefix    = "ref:"
)

// BadgerStore is the local persistent ObjectStore.
type BadgerStore struct {
	kv *keyValStore.KeyValStore
}

func NewBadgerStore(kv *keyValStore.KeyValStore) *BadgerStore {
	return &BadgerStore{kv: kv}
}

func objectKey(hash types.Hash) []byte {
	return []byte(objectKeyPrefix + string(hash))
}

func (b *BadgerStore) Get(ctx context.Context, hash types.Hash) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	value, err := b.kv.Read(objectKey(hash))
	if errors.Is(err, keyValStore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

func (b *BadgerStore) GetAll(ctx context.Context, hashes []types.Hash) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := make([][]byte, len(hashes))
	for i, h := range hashes {
		keys[i] = objectKey(h)
	}
	values, err := b.kv.BatchRead(keys)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(hashes))
	for i, h := range hashes {
		entries[i] = Entry{Hash: h, Value: string(values[i]), Found: values[i] != nil}
	}
	return entries, nil
}

func (b *BadgerStore) Put(ctx context.Context, hash types.Hash, value string) error {
	return b.PutAll(ctx, []Object{{Hash: hash, Value: value}})
}

func (b *BadgerStore) PutAll(ctx context.Context, objects []Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkObjects(objects); err != nil {
		return err
	}
	batch := make([][2][]byte, len(objects))
	for i, o := range objects {
		batch[i] = [2][]byte{objectKey(o.Hash), []byte(o.Value)}
	}
	_, err := b.kv.BatchWriteNonExisting(batch)
	if err != nil {
		return fmt.Errorf("store: writing %d objects: %w", len(objects), err)
	}
	return nil
}

// BadgerRefStore keeps mutable references in the same badger instance.
type BadgerRefStore struct {
	kv *keyValStore.KeyValStore
}

func NewBadgerRefStore(kv *keyValStore.KeyValStore) *BadgerRefStore {
	return &BadgerRefStore{kv: kv}
}

func (b *BadgerRefStore) GetRef(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	value, err := b.kv.Read([]byte(refKeyPrefix + key))
	if errors.Is(err, keyValStore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

func (b *BadgerRefStore) CompareAndSwapRef(ctx context.Context, key string, expected string, expectExisting bool, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return b.kv.CompareAndSwap([]byte(refKeyPrefix+key), []byte(expected), expectExisting, []byte(value))
}

// ListRefs returns all references whose key starts with prefix.
func (b *BadgerRefStore) ListRefs(ctx context.Context, prefix string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := b.kv.GetItemsWithPrefix([]byte(refKeyPrefix + prefix))
	if err != nil {
		return nil, err
	}
	refs := make(map[string]string, len(items))
	for _, item := range items {
		refs[string(item[0][len(refKeyPrefix):])] = string(item[1])
	}
	return refs, nil
}
