package lanestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rechain/bftcore/internal/model"
)

const (
	entryPrefix = "e:"
	tipPrefix   = "t:"
)

func entryKey(lane model.LaneId, hash model.DataProposalHash) []byte {
	key := make([]byte, 0, len(entryPrefix)+len(lane)+len(hash))
	key = append(key, entryPrefix...)
	key = append(key, lane[:]...)
	key = append(key, hash[:]...)
	return key
}

func lanePrefix(lane model.LaneId) []byte {
	key := make([]byte, 0, len(entryPrefix)+len(lane))
	key = append(key, entryPrefix...)
	key = append(key, lane[:]...)
	return key
}

func tipKey(lane model.LaneId) []byte {
	key := make([]byte, 0, len(tipPrefix)+len(lane))
	key = append(key, tipPrefix...)
	key = append(key, lane[:]...)
	return key
}

// storedEntry is the on-disk envelope for one lane entry.
type storedEntry struct {
	Metadata model.LaneEntryMetadata
	DP       model.DataProposal
}

type tipRecord struct {
	Hash      model.DataProposalHash
	CumulSize model.LaneBytesSize
}

// LaneStore owns the per-validator append-only lane chains: persisted
// (metadata, DataProposal) pairs keyed by (LaneId, DataProposalHash), plus
// each lane's tip. It is the sole owner of lane storage, consulted by the
// mempool engine; consensus never touches it directly (invariant from
// spec §5's "shared resources" design note).
type LaneStore struct {
	store Store
}

// NewLaneStore wraps a raw Store with lane-chain semantics.
func NewLaneStore(store Store) *LaneStore {
	return &LaneStore{store: store}
}

func (ls *LaneStore) Close() error { return ls.store.Close() }

// Get returns the metadata and data proposal stored for (lane, hash), or
// (nil, nil, nil) if absent.
func (ls *LaneStore) Get(ctx context.Context, lane model.LaneId, hash model.DataProposalHash) (*model.LaneEntryMetadata, *model.DataProposal, error) {
	raw, err := ls.store.Get(ctx, entryKey(lane, hash))
	if err != nil {
		return nil, nil, fmt.Errorf("lanestore get: %w", err)
	}
	if raw == nil {
		return nil, nil, nil
	}
	var se storedEntry
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil, nil, fmt.Errorf("lanestore decode: %w", err)
	}
	return &se.Metadata, &se.DP, nil
}

// Has reports whether (lane, hash) is stored.
func (ls *LaneStore) Has(ctx context.Context, lane model.LaneId, hash model.DataProposalHash) (bool, error) {
	return ls.store.Has(ctx, entryKey(lane, hash))
}

// Tip returns the current chain tip for lane, if any.
func (ls *LaneStore) Tip(ctx context.Context, lane model.LaneId) (model.DataProposalHash, model.LaneBytesSize, bool, error) {
	raw, err := ls.store.Get(ctx, tipKey(lane))
	if err != nil {
		return model.DataProposalHash{}, 0, false, fmt.Errorf("lanestore tip: %w", err)
	}
	if raw == nil {
		return model.DataProposalHash{}, 0, false, nil
	}
	var tr tipRecord
	if err := json.Unmarshal(raw, &tr); err != nil {
		return model.DataProposalHash{}, 0, false, fmt.Errorf("lanestore tip decode: %w", err)
	}
	return tr.Hash, tr.CumulSize, true, nil
}

// Append stores a new entry, validating that it chains from the current
// tip (invariant 1: the entry's parent must equal the current tip, or both
// must be empty for a lane's genesis entry) and that cumul_size is
// strictly non-decreasing (invariant 2). Advances the lane tip on success.
func (ls *LaneStore) Append(ctx context.Context, lane model.LaneId, hash model.DataProposalHash, dp model.DataProposal, meta model.LaneEntryMetadata) error {
	tipHash, tipSize, hasTip, err := ls.Tip(ctx, lane)
	if err != nil {
		return err
	}
	if hasTip {
		if dp.Parent == nil || *dp.Parent != tipHash {
			return fmt.Errorf("lanestore append: parent mismatch for lane %s", lane)
		}
		if meta.CumulSize < tipSize {
			return fmt.Errorf("lanestore append: cumul_size %d regresses from tip %d", meta.CumulSize, tipSize)
		}
	} else if dp.Parent != nil {
		return fmt.Errorf("lanestore append: lane %s has no tip but entry declares a parent", lane)
	}

	se := storedEntry{Metadata: meta, DP: dp}
	raw, err := json.Marshal(se)
	if err != nil {
		return fmt.Errorf("lanestore encode: %w", err)
	}

	tr := tipRecord{Hash: hash, CumulSize: meta.CumulSize}
	trRaw, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("lanestore encode tip: %w", err)
	}

	// Entry and tip advance together: SetMulti commits both in one
	// transaction so a crash mid-append can never leave the tip pointing
	// at an entry that was never written.
	if err := ls.store.SetMulti(ctx, []KV{
		{Key: entryKey(lane, hash), Value: raw},
		{Key: tipKey(lane), Value: trRaw},
	}); err != nil {
		return fmt.Errorf("lanestore set: %w", err)
	}
	return nil
}

// AddSignature appends a DA signature to a stored entry's metadata,
// ignoring signers already present (invariant 6: at most one vote counted
// per signer). Returns the updated signer count.
func (ls *LaneStore) AddSignature(ctx context.Context, lane model.LaneId, hash model.DataProposalHash, sig model.ValidatorDAG) (int, error) {
	raw, err := ls.store.Get(ctx, entryKey(lane, hash))
	if err != nil {
		return 0, fmt.Errorf("lanestore get for signature: %w", err)
	}
	if raw == nil {
		return 0, fmt.Errorf("lanestore add signature: %w: %s/%s", errUnknownEntry, lane, hash)
	}
	var se storedEntry
	if err := json.Unmarshal(raw, &se); err != nil {
		return 0, fmt.Errorf("lanestore decode for signature: %w", err)
	}
	if !se.Metadata.HasSigner(sig.Signer) {
		se.Metadata.Signatures = append(se.Metadata.Signatures, sig)
	}
	newRaw, err := json.Marshal(se)
	if err != nil {
		return 0, fmt.Errorf("lanestore encode for signature: %w", err)
	}
	if err := ls.store.Set(ctx, entryKey(lane, hash), newRaw); err != nil {
		return 0, fmt.Errorf("lanestore set for signature: %w", err)
	}
	return len(se.Metadata.Signatures), nil
}

// Chain walks backward from `to` (or the current tip if to is nil) via
// parent links, collecting entries strictly after `from` (nil means from
// the lane's genesis). Returns entries in increasing (parent-to-child)
// order, ready to populate a SyncReply.
func (ls *LaneStore) Chain(ctx context.Context, lane model.LaneId, from, to *model.DataProposalHash) ([]model.SyncReplyEntry, error) {
	var cursor model.DataProposalHash
	if to != nil {
		cursor = *to
	} else {
		tipHash, _, hasTip, err := ls.Tip(ctx, lane)
		if err != nil {
			return nil, err
		}
		if !hasTip {
			return nil, nil
		}
		cursor = tipHash
	}

	var collected []model.SyncReplyEntry
	for {
		if from != nil && cursor == *from {
			break
		}
		meta, dp, err := ls.Get(ctx, lane, cursor)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, fmt.Errorf("lanestore chain: %w: %s", errUnknownEntry, cursor)
		}
		collected = append(collected, model.SyncReplyEntry{Hash: cursor, Metadata: *meta, DP: *dp})
		if meta.Parent == nil {
			if from != nil {
				return nil, fmt.Errorf("lanestore chain: reached genesis before requested lower bound %s", from)
			}
			break
		}
		cursor = *meta.Parent
	}

	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}

// PruneBefore deletes every entry strictly older than keepFrom, walking
// backward from keepFrom's parent. Per the "lane pruning retains one entry
// before the committed cut entry" supplemented behavior, callers pass the
// entry *before* the committed one as keepFrom so one extra entry survives
// to serve on_sync_request for peers one cut behind.
func (ls *LaneStore) PruneBefore(ctx context.Context, lane model.LaneId, keepFrom model.DataProposalHash) error {
	meta, _, err := ls.Get(ctx, lane, keepFrom)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("lanestore prune: %w: %s", errUnknownEntry, keepFrom)
	}

	var toDelete [][]byte
	next := meta.Parent
	for next != nil {
		parentHash := *next
		parentMeta, _, err := ls.Get(ctx, lane, parentHash)
		if err != nil {
			return err
		}
		toDelete = append(toDelete, entryKey(lane, parentHash))
		if parentMeta == nil {
			break
		}
		next = parentMeta.Parent
	}
	if len(toDelete) == 0 {
		return nil
	}
	// A single atomic batch so a crash mid-prune never leaves the lane
	// with some stale entries deleted and others still hanging around.
	if err := ls.store.DeleteMulti(ctx, toDelete); err != nil {
		return fmt.Errorf("lanestore prune: %w", err)
	}
	return nil
}

var errUnknownEntry = fmt.Errorf("unknown lane entry")
