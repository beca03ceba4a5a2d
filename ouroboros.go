/*
Package ouroboros opens a versioned model store: a content addressed object
store with an LRU cache, the persistent tree on top of it and named branches
that are committed by compare and swap.
*/
package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/internal/keyValStore"
	"github.com/i5heu/ouroboros-model/pkg/backup"
	"github.com/i5heu/ouroboros-model/pkg/branch"
	"github.com/i5heu/ouroboros-model/pkg/deltastream"
	"github.com/i5heu/ouroboros-model/pkg/merge"
	"github.com/i5heu/ouroboros-model/pkg/oplog"
	"github.com/i5heu/ouroboros-model/pkg/replication"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/store/redisstore"
	"github.com/i5heu/ouroboros-model/pkg/tree"
)

var (
	ErrClosed    = errors.New("ouroboros: model closed")
	ErrNoStorage = errors.New("ouroboros: no storage configured")
)

// Model owns the stores and the graph shared by all branches it opens.
type Model struct {
	log    *logrus.Logger
	config Config

	kv    *keyValStore.KeyValStore
	redis redis.UniversalClient
	cache *store.Cache
	graph *tree.Graph
	refs  store.RefStore

	// ctx bounds background prefetches; Close cancels it.
	ctx       context.Context
	cancel    context.CancelFunc
	stopStats chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// New opens the configured storage. The package loggers of all layers are
// replaced by conf.Logger.
func New(ctx context.Context, conf Config) (*Model, error) {
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	setLoggers(conf.Logger)

	m := &Model{
		log:       conf.Logger,
		config:    conf,
		stopStats: make(chan struct{}),
	}

	var backing store.ObjectStore
	switch {
	case conf.RedisAddress != "":
		client := redis.NewClient(&redis.Options{Addr: conf.RedisAddress})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ouroboros: connecting to redis %s: %w", conf.RedisAddress, err)
		}
		opts := []redisstore.Option{}
		if conf.RedisPrefix != "" {
			opts = append(opts, redisstore.WithPrefix(conf.RedisPrefix))
		}
		m.redis = client
		backing = redisstore.New(client, opts...)
		m.refs = redisstore.NewRefStore(client, opts...)
	case conf.InMemory || len(conf.Paths) > 0:
		if !conf.InMemory {
			if err := os.MkdirAll(conf.Paths[0], 0o700); err != nil {
				return nil, fmt.Errorf("ouroboros: mkdir %s: %w", conf.Paths[0], err)
			}
		}
		kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
			Paths:            conf.Paths,
			MinimumFreeSpace: conf.MinimumFreeGB,
			InMemory:         conf.InMemory,
			Logger:           conf.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("ouroboros: opening store: %w", err)
		}
		m.kv = kv
		backing = store.NewBadgerStore(kv)
		m.refs = store.NewBadgerRefStore(kv)
		if conf.StatsInterval > 0 {
			kv.StartTransactionCounter(conf.StatsInterval, m.stopStats)
		}
	default:
		return nil, ErrNoStorage
	}

	cache, err := store.NewCache(backing, store.CacheConfig{
		Name:           "model",
		Size:           conf.CacheSize,
		PrefetchBudget: conf.PrefetchBudget,
	})
	if err != nil {
		return nil, errors.Join(err, m.closeBackends())
	}
	var graphOpts []tree.GraphOption
	if conf.MaxNodeSize > 0 {
		graphOpts = append(graphOpts, tree.WithMaxNodeSize(conf.MaxNodeSize))
	}
	g, err := tree.NewGraph(cache, graphOpts...)
	if err != nil {
		return nil, errors.Join(err, m.closeBackends())
	}
	m.cache = cache
	m.graph = g
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.log.WithFields(logrus.Fields{
		"paths":     conf.Paths,
		"in_memory": conf.InMemory,
		"redis":     conf.RedisAddress,
	}).Info("model store opened")
	return m, nil
}

func setLoggers(l *logrus.Logger) {
	store.SetLogger(l)
	redisstore.SetLogger(l)
	oplog.SetLogger(l)
	merge.SetLogger(l)
	branch.SetLogger(l)
	deltastream.SetLogger(l)
	replication.SetLogger(l)
	backup.SetLogger(l)
}

func (m *Model) Graph() *tree.Graph {
	return m.graph
}

func (m *Model) Refs() store.RefStore {
	return m.refs
}

// BranchConfig returns the branch configuration this model opens branches
// with.
func (m *Model) BranchConfig(repository, name string) branch.Config {
	return branch.Config{
		Repository:   repository,
		Name:         name,
		Graph:        m.graph,
		Refs:         m.refs,
		Author:       m.config.Author,
		WriteLock:    m.config.WriteLock,
		MaxRetries:   m.config.MaxRetries,
		PollInterval: m.config.PollInterval,
		Logger:       m.log,
	}
}

// Branch opens a branch, creating it when it does not exist. The objects of
// its head are loaded into the cache in the background.
func (m *Model) Branch(ctx context.Context, repository, name string) (*branch.Branch, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	b, err := branch.Open(ctx, m.BranchConfig(repository, name))
	if err != nil {
		return nil, err
	}
	head, err := b.HeadHash(ctx)
	if err != nil {
		return nil, err
	}
	m.cache.Prefetch(m.ctx, head)
	return b, nil
}

// Import applies the operations read from r, one per line, to a branch and
// commits the ones that apply. Operations on missing nodes are skipped and
// counted in the result.
func (m *Model) Import(ctx context.Context, repository, name string, r io.Reader) (*branch.ImportResult, error) {
	ops, err := oplog.ReadAll(r)
	if err != nil {
		return nil, err
	}
	b, err := m.Branch(ctx, repository, name)
	if err != nil {
		return nil, err
	}
	result, err := b.Import(ctx, ops)
	if err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{
		"branch":   b.Key(),
		"version":  result.Version.Hash().String(),
		"imported": len(ops) - result.Skipped,
		"skipped":  result.Skipped,
	}).Info("imported operations")
	return result, nil
}

// Server returns a replication server over the branches of this model.
func (m *Model) Server(opts ...replication.Option) (*replication.Server, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	opts = append([]replication.Option{replication.WithLogger(m.log)}, opts...)
	return replication.New(m.graph, m.refs, opts...)
}

// Replica opens a local branch that follows the remote branch of the same
// name.
func (m *Model) Replica(ctx context.Context, client *replication.Client, repository, name string) (*replication.Replica, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return replication.OpenReplica(ctx, client, m.BranchConfig(repository, name))
}

// DiskUsage reports the disk of the badger directory. It fails for redis
// and in-memory models.
func (m *Model) DiskUsage() (keyValStore.DiskUsage, error) {
	if m.kv == nil {
		return keyValStore.DiskUsage{}, keyValStore.ErrInMemory
	}
	return m.kv.DiskUsage()
}

func (m *Model) closeBackends() error {
	var err error
	if m.kv != nil {
		if e := m.kv.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", e))
		}
	}
	if m.redis != nil {
		if e := m.redis.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("close redis: %w", e))
		}
	}
	return err
}

// Close releases the stores. It is safe to call Close more than once.
func (m *Model) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.stopStats)
		m.cancel()
		m.cache.WaitForPrefetches()
		closeErr = m.closeBackends()
		m.log.Info("model store closed")
	})
	return closeErr
}
