package lanestore

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a BadgerDB database at path. cacheSize
// bounds the in-memory block cache in bytes (0 uses Badger's default); sync
// controls whether writes are synced to disk before Set returns (disabled
// in tests for speed, enabled in production to survive a crash without
// losing the last signed DAG).
func NewBadgerStore(path string, cacheSize int64, sync bool) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if cacheSize > 0 {
		opts = opts.WithBlockCacheSize(cacheSize)
	}
	opts = opts.WithSyncWrites(sync)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

// Get retrieves a value by key.
func (s *BadgerStore) Get(_ context.Context, key []byte) ([]byte, error) {
	var valCopy []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			valCopy = append([]byte{}, val...)
			return nil
		})
	})

	if err == badger.ErrKeyNotFound {
		return nil, nil
	}

	return valCopy, err
}

// Set sets a value for a key.
func (s *BadgerStore) Set(_ context.Context, key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// SetMulti writes every pair inside a single Badger transaction, so a lane
// entry and its tip record commit together or not at all. Falls back to
// splitting across several transactions only if the batch overflows a
// single transaction's size limit (ErrTxnTooBig) — lane append batches are
// always two keys, but this keeps SetMulti safe for larger callers too.
func (s *BadgerStore) SetMulti(_ context.Context, kvs []KV) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	for _, kv := range kvs {
		if err := txn.Set(kv.Key, kv.Value); err == badger.ErrTxnTooBig {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			if err := txn.Set(kv.Key, kv.Value); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return err
		}
	}
	return txn.Commit()
}

// Delete removes a key.
func (s *BadgerStore) Delete(_ context.Context, key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// DeleteMulti removes every key inside a single Badger transaction, used
// by lane pruning so a chain's worth of stale entries disappears
// atomically instead of leaving a partially-pruned lane visible to a
// concurrent reader if the process dies mid-prune. Like SetMulti, it splits
// the batch across several transactions if it overflows a single
// transaction's size limit (ErrTxnTooBig), and is then not atomic.
func (s *BadgerStore) DeleteMulti(_ context.Context, keys [][]byte) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	for _, key := range keys {
		if err := txn.Delete(key); err == badger.ErrTxnTooBig {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			if err := txn.Delete(key); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return err
		}
	}
	return txn.Commit()
}

// Has checks if a key exists.
func (s *BadgerStore) Has(_ context.Context, key []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return false, nil
	}

	return err == nil, err
}

// Iterate iterates over all keys with the given prefix.
func (s *BadgerStore) Iterate(_ context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			err := item.Value(func(val []byte) error {
				key := item.KeyCopy(nil)
				valCopy := append([]byte{}, val...)
				return fn(key, valCopy)
			})

			if err != nil {
				return err
			}
		}

		return nil
	})
}

// Close closes the store and releases resources.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
