// Package lanestore is the mempool engine's persistence layer: a
// content-addressed key-value store keyed by (LaneId, DataProposalHash)
// with a secondary lane-tip index, plus the lane-chain semantics (append,
// parent-chain validation, pruning) built on top of it.
package lanestore

import "context"

// KV is a single key-value pair for a batched write.
type KV struct {
	Key   []byte
	Value []byte
}

// Store is the raw key-value backend. Swappable independent of lane-chain
// semantics; the only production implementation is BadgerStore.
type Store interface {
	// Get retrieves a value by key.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Set sets a value for a key.
	Set(ctx context.Context, key, value []byte) error

	// SetMulti writes every pair as a single atomic unit: either all of
	// them land or none do. Lane entries and their tip record must move
	// together — a crash between two independent Set calls would leave a
	// tip pointing at an entry that was never written, or an entry with no
	// tip advance, either of which breaks invariant 1's chain contiguity.
	// BadgerStore keeps this guarantee only for a batch that fits one Badger
	// transaction; a larger batch is committed in several transactions.
	SetMulti(ctx context.Context, kvs []KV) error

	// Delete removes a key.
	Delete(ctx context.Context, key []byte) error

	// DeleteMulti removes every key as a single atomic unit, with the same
	// BadgerStore size limit as SetMulti.
	DeleteMulti(ctx context.Context, keys [][]byte) error

	// Has checks if a key exists.
	Has(ctx context.Context, key []byte) (bool, error)

	// Iterate iterates over all keys with the given prefix.
	Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error

	// Close closes the store and releases resources.
	Close() error
}
