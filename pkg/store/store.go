// Package store holds the content-addressed object stores, the caching layer
// in front of remote stores and the mutable reference stores used by
// branches.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-model/pkg/types"
)

var ErrNotFound = errors.New("store: object not found")

// Object is an immutable serialized value and its content hash.
type Object struct {
	Hash  types.Hash
	Value string
}

// NewObject hashes value.
func NewObject(value string) Object {
	return Object{Hash: types.Digest(value), Value: value}
}

// Entry is one result of ObjectStore.GetAll.
type Entry struct {
	Hash  types.Hash
	Value string
	Found bool
}

// ObjectStore is a content-addressed key-value store. GetAll returns one
// entry per requested hash in request order.
type ObjectStore interface {
	Get(ctx context.Context, hash types.Hash) (string, bool, error)
	GetAll(ctx context.Context, hashes []types.Hash) ([]Entry, error)
	Put(ctx context.Context, hash types.Hash, value string) error
	PutAll(ctx context.Context, objects []Object) error
}

// InvalidHashError rejects a put whose key is not the digest of its value.
type InvalidHashError struct {
	Hash   types.Hash
	Actual types.Hash
}

func (e *InvalidHashError) Error() string {
	return fmt.Sprintf("store: invalid hash %s, value digests to %s", e.Hash, e.Actual)
}

// CheckObject returns an InvalidHashError if hash does not match value.
func CheckObject(hash types.Hash, value string) error {
	actual := types.Digest(value)
	if actual != hash {
		return &InvalidHashError{Hash: hash, Actual: actual}
	}
	return nil
}

func checkObjects(objects []Object) error {
	for _, o := range objects {
		if err := CheckObject(o.Hash, o.Value); err != nil {
			return err
		}
	}
	return nil
}

// MustGet fetches a single object and fails with ErrNotFound if it is absent.
func MustGet(ctx context.Context, s ObjectStore, hash types.Hash) (string, error) {
	value, found, err := s.Get(ctx, hash)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return value, nil
}

// EntriesToMap collects the found entries.
func EntriesToMap(entries []Entry) map[types.Hash]string {
	m := make(map[types.Hash]string, len(entries))
	for _, e := range entries {
		if e.Found {
			m[e.Hash] = e.Value
		}
	}
	return m
}

// entriesFromMap builds ordered entries for hashes from a lookup map.
func entriesFromMap(hashes []types.Hash, values map[types.Hash]string) []Entry {
	entries := make([]Entry, len(hashes))
	for i, h := range hashes {
		v, ok := values[h]
		entries[i] = Entry{Hash: h, Value: v, Found: ok}
	}
	return entries
}
