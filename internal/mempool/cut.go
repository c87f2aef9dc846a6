package mempool

import (
	"context"
	"fmt"

	"github.com/rechain/bftcore/internal/bftcrypto"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/staking"
	"github.com/rechain/bftcore/pkg/errs"
)

// QueryNewCut implements CutProvider: for each bonded lane, pick the
// highest-indexed entry (closest to the lane tip) whose accumulated DA
// signatures cross 2f voting power under view, walking back only as far as
// the lane's previous cut entry; retain that previous entry if nothing
// fresher qualifies. A lane with no entry at all (no previous cut, no
// qualifying entry) is simply absent from the result. The result is
// ordered by LaneId.
func (e *Engine) QueryNewCut(ctx context.Context, view *staking.View) (model.Cut, error) {
	var cut model.Cut
	for _, lane := range view.BondedSet() {
		entry, err := e.selectLaneEntry(ctx, lane, view)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			cut = append(cut, *entry)
		}
	}
	return cut.SortByLane(), nil
}

func (e *Engine) selectLaneEntry(ctx context.Context, lane model.LaneId, view *staking.View) (*model.CutEntry, error) {
	e.mu.Lock()
	prev, hasPrev := e.previousCut[lane]
	e.mu.Unlock()

	var from *model.DataProposalHash
	if hasPrev {
		h := prev.DPHash
		from = &h
	}

	entries, err := e.lanes.Chain(ctx, lane, from, nil)
	if err != nil {
		// Previous cut entry has been pruned past or the lane is otherwise
		// unreadable; fall back to retaining the previous entry rather than
		// failing the whole cut.
		if hasPrev {
			fallback := prev
			return &fallback, nil
		}
		return nil, nil
	}

	for i := len(entries) - 1; i >= 0; i-- {
		candidate := entries[i]
		power := view.ComputeVotingPower(signersOf(candidate.Metadata.Signatures))
		if power <= 2*view.ComputeF() {
			continue
		}
		poda, err := e.buildPoDA(candidate.Hash, candidate.Metadata)
		if err != nil {
			continue
		}
		return &model.CutEntry{LaneId: lane, DPHash: candidate.Hash, CumulSize: candidate.Metadata.CumulSize, PoDA: poda}, nil
	}

	if hasPrev {
		out := prev
		return &out, nil
	}
	return nil, nil
}

func (e *Engine) buildPoDA(hash model.DataProposalHash, meta model.LaneEntryMetadata) (model.PoDA, error) {
	msg := model.ValidatorDAG{DPHash: hash, CumulSize: meta.CumulSize}.SigningPayload()
	components := make([]bftcrypto.SignedComponent, 0, len(meta.Signatures))
	for _, sig := range meta.Signatures {
		components = append(components, bftcrypto.SignedComponent{Signer: sig.Signer, Signature: sig.Signature})
	}
	agg, err := e.signer.SignAggregate(msg, components)
	if err != nil {
		return model.PoDA{}, fmt.Errorf("build poda: %w", err)
	}
	encoded, err := bftcrypto.EncodeSigs(agg.Sigs)
	if err != nil {
		return model.PoDA{}, err
	}
	return model.PoDA{DPHash: hash, CumulSize: meta.CumulSize, Signers: agg.Signers, AggSig: encoded}, nil
}

// HandleCommit implements CommitSink: it advances the previous-cut boundary
// for every committed lane, applies bonding actions to mempool's own
// staking view, prunes each lane down to one entry before the newly
// committed one, and requests any entries this node is still missing to
// catch up to the new cut.
func (e *Engine) HandleCommit(ctx context.Context, cpp model.CommitConsensusProposal) error {
	var candidates []model.ValidatorPublicKey
	for _, action := range cpp.StakingActions {
		if action.Kind == model.StakingActionBond {
			candidates = append(candidates, action.Validator)
		}
	}
	if len(candidates) > 0 {
		e.view.ApplyBonding(candidates)
	}

	for _, entry := range cpp.Cut {
		e.mu.Lock()
		e.previousCut[entry.LaneId] = entry
		e.mu.Unlock()

		if err := e.pruneOneBehind(ctx, entry); err != nil {
			return err
		}
		if err := e.catchUpLane(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pruneOneBehind(ctx context.Context, entry model.CutEntry) error {
	meta, _, err := e.lanes.Get(ctx, entry.LaneId, entry.DPHash)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StorageError, err)
	}
	if meta == nil || meta.Parent == nil {
		return nil
	}
	if err := e.lanes.PruneBefore(ctx, entry.LaneId, *meta.Parent); err != nil {
		return fmt.Errorf("%w: %v", errs.StorageError, err)
	}
	return nil
}

// EnsureCutAvailable reports whether every entry of cut is already present
// in local lane storage, issuing a SyncRequest for each lane that is still
// short. Consensus calls this before voting on a Prepare so it never votes
// for data it hasn't actually received.
func (e *Engine) EnsureCutAvailable(ctx context.Context, cut model.Cut) (bool, error) {
	ready := true
	for _, entry := range cut {
		has, err := e.lanes.Has(ctx, entry.LaneId, entry.DPHash)
		if err != nil {
			return false, fmt.Errorf("%w: %v", errs.StorageError, err)
		}
		if !has {
			ready = false
		}
		if err := e.catchUpLane(ctx, entry); err != nil {
			return false, err
		}
	}
	return ready, nil
}

func (e *Engine) catchUpLane(ctx context.Context, entry model.CutEntry) error {
	has, err := e.lanes.Has(ctx, entry.LaneId, entry.DPHash)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StorageError, err)
	}
	if has {
		return nil
	}
	tipHash, _, hasTip, err := e.lanes.Tip(ctx, entry.LaneId)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StorageError, err)
	}
	var from *model.DataProposalHash
	if hasTip {
		from = &tipHash
	}
	to := entry.DPHash
	return e.sendTo(ctx, entry.LaneId, model.SyncRequestMsg{LaneId: entry.LaneId, From: from, To: &to})
}
