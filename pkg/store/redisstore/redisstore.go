// Package redisstore keeps objects and branch references in Redis. Object
// batches use MGET and MSET; references are swapped by a Lua script that
// also publishes the new value on a channel named after the reference.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

var log = logrus.New()

func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

const (
	DefaultPrefix = "ouroboros-model:"

	objectPrefix = "obj:"
	refPrefix    = "ref:"
	scanCount    = 500
)

type options struct {
	prefix string
}

type Option func(*options)

// WithPrefix namespaces all keys, so that several stores can share one
// database.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func newOptions(opts []Option) options {
	o := options{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store is a store.ObjectStore on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ store.ObjectStore = (*Store)(nil)

func New(client redis.UniversalClient, opts ...Option) *Store {
	return &Store{client: client, prefix: newOptions(opts).prefix + objectPrefix}
}

func (s *Store) key(h types.Hash) string {
	return s.prefix + h.String()
}

func (s *Store) Get(ctx context.Context, hash types.Hash) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisstore: get %s: %w", hash, err)
	}
	return value, true, nil
}

func (s *Store) GetAll(ctx context.Context, hashes []types.Hash) ([]store.Entry, error) {
	entries := make([]store.Entry, len(hashes))
	if len(hashes) == 0 {
		return entries, nil
	}
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = s.key(h)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: mget of %d objects: %w", len(keys), err)
	}
	for i, h := range hashes {
		entries[i].Hash = h
		if v, ok := values[i].(string); ok {
			entries[i].Value, entries[i].Found = v, true
		}
	}
	return entries, nil
}

func (s *Store) Put(ctx context.Context, hash types.Hash, value string) error {
	return s.PutAll(ctx, []store.Object{{Hash: hash, Value: value}})
}

// PutAll writes all objects with one MSET, so a batch is stored completely
// or not at all.
func (s *Store) PutAll(ctx context.Context, objects []store.Object) error {
	if len(objects) == 0 {
		return nil
	}
	pairs := make([]interface{}, 0, 2*len(objects))
	for _, o := range objects {
		if err := store.CheckObject(o.Hash, o.Value); err != nil {
			return err
		}
		pairs = append(pairs, s.key(o.Hash), o.Value)
	}
	if err := s.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("redisstore: mset of %d objects: %w", len(objects), err)
	}
	return nil
}

// casScript sets KEYS[1] to ARGV[3] if it currently holds ARGV[1], or, with
// ARGV[2] = "0", if it does not exist.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if ARGV[2] == '1' then
	if current ~= ARGV[1] then
		return 0
	end
elseif current then
	return 0
end
redis.call('SET', KEYS[1], ARGV[3])
redis.call('PUBLISH', KEYS[1], ARGV[3])
return 1
`)

// RefStore is a store.RefStore on Redis that pushes updates to watchers.
type RefStore struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ store.RefStore   = (*RefStore)(nil)
	_ store.RefWatcher = (*RefStore)(nil)
)

func NewRefStore(client redis.UniversalClient, opts ...Option) *RefStore {
	return &RefStore{client: client, prefix: newOptions(opts).prefix + refPrefix}
}

func (r *RefStore) GetRef(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisstore: get ref %s: %w", key, err)
	}
	return value, true, nil
}

func (r *RefStore) CompareAndSwapRef(ctx context.Context, key string, expected string, expectExisting bool, value string) (bool, error) {
	flag := "0"
	if expectExisting {
		flag = "1"
	}
	swapped, err := casScript.Run(ctx, r.client, []string{r.prefix + key}, expected, flag, value).Int()
	if err != nil {
		return false, fmt.Errorf("redisstore: swap ref %s: %w", key, err)
	}
	return swapped == 1, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// ListRefs scans for the references starting with prefix.
func (r *RefStore) ListRefs(ctx context.Context, prefix string) (map[string]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, globEscaper.Replace(r.prefix+prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redisstore: scanning refs: %w", err)
	}
	refs := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return refs, nil
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: reading refs: %w", err)
	}
	for i, k := range keys {
		// deleted between scan and read
		if v, ok := values[i].(string); ok {
			refs[strings.TrimPrefix(k, r.prefix)] = v
		}
	}
	return refs, nil
}

// WatchRef subscribes to the updates of key. The channel is closed when ctx
// is done.
func (r *RefStore) WatchRef(ctx context.Context, key string) (<-chan string, error) {
	pubsub := r.client.Subscribe(ctx, r.prefix+key)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redisstore: subscribing to %s: %w", key, err)
	}
	out := make(chan string)
	messages := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					log.WithField("ref", key).Warn("subscription closed")
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
