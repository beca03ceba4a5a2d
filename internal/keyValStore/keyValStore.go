package keyValStore

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

var (
	ErrNotFound = errors.New("keyValStore: key not found")
	ErrClosed   = errors.New("keyValStore: store closed")

	errCompareMismatch = errors.New("keyValStore: compare mismatch")
)

type StoreConfig struct {
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	InMemory         bool     // badger in memory mode, Paths and MinimumFreeSpace are ignored
	Logger           *logrus.Logger
}

type KeyValStore struct {
	config       StoreConfig
	badgerDB     *badger.DB
	closed       atomic.Bool
	readCounter  uint64
	writeCounter uint64
}

type Stats struct {
	Reads  uint64
	Writes uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	log = config.Logger

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		err := config.checkConfig()
		if err != nil {
			return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
		}
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger: %w", err)
	}

	k := &KeyValStore{
		config:   config,
		badgerDB: db,
	}
	if !config.InMemory {
		u, err := k.DiskUsage()
		if err != nil {
			db.Close()
			return nil, err
		}
		logDiskUsage(u)
	}
	return k, nil
}

// StartTransactionCounter logs read and write operations per interval until
// stop is closed.
func (k *KeyValStore) StartTransactionCounter(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				readOps := atomic.SwapUint64(&k.readCounter, 0)
				writeOps := atomic.SwapUint64(&k.writeCounter, 0)
				log.WithFields(logrus.Fields{
					"reads":    readOps,
					"writes":   writeOps,
					"interval": interval.String(),
				}).Debug("KeyValStore operations")
			}
		}
	}()
}

func (k *KeyValStore) Stats() Stats {
	return Stats{
		Reads:  atomic.LoadUint64(&k.readCounter),
		Writes: atomic.LoadUint64(&k.writeCounter),
	}
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	if k.closed.Load() {
		return ErrClosed
	}
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
	if err != nil {
		return fmt.Errorf("error writing key %q: %w", key, err)
	}
	return nil
}

// WriteBatch writes all pairs with a badger write batch. Pairs are key,value.
func (k *KeyValStore) WriteBatch(batch [][2][]byte) error {
	if k.closed.Load() {
		return ErrClosed
	}
	wb := k.badgerDB.NewWriteBatch()
	defer wb.Cancel()

	for _, kv := range batch {
		atomic.AddUint64(&k.writeCounter, 1)
		err := wb.Set(kv[0], kv[1])
		if err != nil {
			return fmt.Errorf("error writing batch: %w", err)
		}
	}

	return wb.Flush()
}

// BatchWriteNonExisting writes only the pairs whose keys are not stored yet.
// Content addressed values never change, so existing keys are skipped.
func (k *KeyValStore) BatchWriteNonExisting(batch [][2][]byte) (int, error) {
	keys := make([][]byte, len(batch))
	for i, kv := range batch {
		keys[i] = kv[0]
	}

	existsMap, err := k.BatchCheckKeyExistence(keys)
	if err != nil {
		return 0, fmt.Errorf("error checking key existence: %w", err)
	}

	var missing [][2][]byte
	for _, kv := range batch {
		if !existsMap[string(kv[0])] {
			missing = append(missing, kv)
			existsMap[string(kv[0])] = true
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	err = k.WriteBatch(missing)
	if err != nil {
		return 0, fmt.Errorf("error writing non-existing keys: %w", err)
	}

	return len(missing), nil
}

func (k *KeyValStore) BatchCheckKeyExistence(keys [][]byte) (map[string]bool, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}
	existsMap := make(map[string]bool)

	err := k.badgerDB.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			atomic.AddUint64(&k.readCounter, 1)
			_, err := txn.Get(key)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					existsMap[string(key)] = false
				} else {
					return err // return an error for issues other than "key not found"
				}
			} else {
				existsMap[string(key)] = true
			}
		}
		return nil
	})

	return existsMap, err
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		if value == nil {
			value = []byte{}
		}
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %q: %w", key, err)
	}
	return value, nil
}

// BatchRead reads all keys in one read transaction. Missing keys yield nil
// entries at their position.
func (k *KeyValStore) BatchRead(keys [][]byte) ([][]byte, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}
	values := make([][]byte, len(keys))
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		for i, key := range keys {
			atomic.AddUint64(&k.readCounter, 1)
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			values[i], err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if values[i] == nil {
				values[i] = []byte{} // empty values are still present
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error batch reading %d keys: %w", len(keys), err)
	}
	return values, nil
}

// CompareAndSwap sets key to value if the stored value equals expected. With
// expectExisting false the key must be absent. A concurrent writer on the same
// key makes badger abort the transaction, which is reported as not swapped.
func (k *KeyValStore) CompareAndSwap(key, expected []byte, expectExisting bool, value []byte) (bool, error) {
	if k.closed.Load() {
		return false, ErrClosed
	}
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if expectExisting {
				return errCompareMismatch
			}
		case err != nil:
			return err
		default:
			if !expectExisting {
				return errCompareMismatch
			}
			current, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(current, expected) {
				return errCompareMismatch
			}
		}
		return txn.Set(key, value)
	})
	if errors.Is(err, errCompareMismatch) || errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error swapping key %q: %w", key, err)
	}
	return true, nil
}

func (k *KeyValStore) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	var cleanErr error
	if !k.config.InMemory {
		cleanErr = k.Clean()
	}
	return errors.Join(cleanErr, k.badgerDB.Close())
}

func (k *KeyValStore) Clean() error {
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	// flatten the db
	err = k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	log.Debug("DB Flattened")

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}

// will return all keys and values with the given prefix
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([][2][]byte, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}
	var keysAndValues [][2][]byte
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keysAndValues = append(keysAndValues, [2][]byte{k, v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error iterating prefix %q: %w", prefix, err)
	}
	return keysAndValues, nil
}
