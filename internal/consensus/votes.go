package consensus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/quorum"
	"github.com/rechain/bftcore/pkg/errs"
)

// OnPrepare is the follower's handling of a leader's slot-opening broadcast:
// ticket and proposal validation, cut internal-consistency checking, then
// either an immediate vote or buffering until the cut's DP bodies arrive
// locally.
func (e *Engine) OnPrepare(ctx context.Context, from model.ValidatorPublicKey, proposal model.ConsensusProposal, ticket model.Ticket, view uint64) error {
	e.mu.Lock()
	if e.state.StateTag != model.StateJoining && proposal.Slot != e.state.Slot {
		e.mu.Unlock()
		return fmt.Errorf("%w: prepare for slot %d while at slot %d", errs.WrongStep, proposal.Slot, e.state.Slot)
	}
	if err := e.validateTicketLocked(ticket, proposal, view); err != nil {
		e.mu.Unlock()
		return err
	}
	if proposal.ParentHash != e.state.ParentHash {
		e.mu.Unlock()
		return fmt.Errorf("%w: prepare parent hash mismatch", errs.WrongStep)
	}
	if !e.lastCommittedTimestamp.IsZero() && proposal.Timestamp.Before(e.lastCommittedTimestamp) {
		e.mu.Unlock()
		return fmt.Errorf("%w: prepare timestamp not monotone", errs.WrongStep)
	}
	if !e.validateCutLocked(proposal.Cut) {
		e.mu.Unlock()
		return fmt.Errorf("%w: prepare cut fails internal validation", errs.InvalidSignature)
	}
	expectedLeader, ok := e.view.Leader(proposal.Slot, view)
	if !ok || expectedLeader != from {
		e.mu.Unlock()
		return fmt.Errorf("%w: prepare from non-leader", errs.WrongRole)
	}
	e.state.Slot = proposal.Slot
	e.state.View = view
	e.state.StateTag = model.StateFollower
	e.state.FollowerSubState = model.FollowerWaitingPrepare
	e.mu.Unlock()

	ready, err := e.avail.EnsureCutAvailable(ctx, proposal.Cut)
	if err != nil {
		return err
	}
	if !ready {
		e.mu.Lock()
		e.pending = &pendingPrepare{from: from, proposal: proposal, ticket: ticket, view: view}
		e.mu.Unlock()
		return nil
	}
	return e.voteAndAdvancePrepare(ctx, from, proposal, view)
}

// retryPendingPrepare re-checks a buffered Prepare's cut availability; once
// every DP body has arrived it votes and clears the buffer. Called
// periodically by the run loop.
func (e *Engine) retryPendingPrepare(ctx context.Context) {
	e.mu.Lock()
	p := e.pending
	e.mu.Unlock()
	if p == nil {
		return
	}

	ready, err := e.avail.EnsureCutAvailable(ctx, p.proposal.Cut)
	if err != nil {
		e.logger.Warn("retry pending prepare availability check failed", zap.Error(err))
		return
	}
	if !ready {
		return
	}

	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()

	if err := e.voteAndAdvancePrepare(ctx, p.from, p.proposal, p.view); err != nil {
		e.logger.Warn("retry pending prepare vote failed", zap.Error(err))
	}
}

func (e *Engine) voteAndAdvancePrepare(ctx context.Context, from model.ValidatorPublicKey, proposal model.ConsensusProposal, view uint64) error {
	hash := proposal.Hash()
	sig, err := e.signer.Sign(votePayload(hash, model.MarkerPrepare, proposal.Slot, view))
	if err != nil {
		return fmt.Errorf("sign prepare vote: %w", err)
	}

	e.mu.Lock()
	e.lastVotedProposal[proposal.Slot] = proposal
	proposalCopy := proposal
	e.state.CurrentProposal = &proposalCopy
	e.state.FollowerSubState = model.FollowerWaitingConfirm
	e.mu.Unlock()

	e.armTimeout(ctx, proposal.Slot, view)
	return e.sendTo(ctx, from, model.PrepareVoteMsg{ProposalHash: hash, Signature: sig})
}

// OnPrepareVote is the leader's accumulation of a follower's PrepareVote;
// once accumulated voting power (including the leader's own self-vote added
// in enterPrepareVote) crosses 2f, it builds the Prepare-QC and moves to
// ConfirmAck.
func (e *Engine) OnPrepareVote(ctx context.Context, from model.ValidatorPublicKey, vote model.PrepareVoteMsg) error {
	e.mu.Lock()
	if e.state.StateTag != model.StateLeader || e.state.LeaderSubState != model.LeaderPrepareVote || e.state.CurrentProposal == nil {
		e.mu.Unlock()
		return errWrongStep
	}
	hash := e.state.CurrentProposal.Hash()
	slot, view := e.state.Slot, e.state.View
	e.mu.Unlock()

	if vote.ProposalHash != hash {
		return fmt.Errorf("%w: prepare vote hash mismatch", errs.WrongStep)
	}
	if !e.view.IsBonded(from) {
		return fmt.Errorf("%w: prepare vote from unbonded validator", errs.InvalidSignature)
	}
	if !e.signer.Verify(votePayload(hash, model.MarkerPrepare, slot, view), vote.Signature, from) {
		return fmt.Errorf("%w: prepare vote signature invalid", errs.InvalidSignature)
	}

	key := quorum.Key{Slot: slot, View: view, Hash: hash, Marker: model.MarkerPrepare}
	if e.quorum.Add(key, from, vote.Signature) && e.metrics != nil {
		e.metrics.Votes.WithLabelValues("prepare_vote").Inc()
	}
	if !e.quorum.CrossesThreshold(key, e.view) {
		return nil
	}
	return e.onPrepareQuorum(ctx, key)
}

func (e *Engine) onPrepareQuorum(ctx context.Context, key quorum.Key) error {
	qc, err := e.buildQC(key)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.QuorumCertificates.WithLabelValues("prepare").Inc()
	}

	selfSig, err := e.signer.Sign(votePayload(key.Hash, model.MarkerConfirm, key.Slot, key.View))
	if err != nil {
		return fmt.Errorf("sign own confirm ack: %w", err)
	}
	confirmKey := quorum.Key{Slot: key.Slot, View: key.View, Hash: key.Hash, Marker: model.MarkerConfirm}
	e.quorum.Add(confirmKey, e.self, selfSig)

	e.mu.Lock()
	e.state.LeaderSubState = model.LeaderConfirmAck
	e.mu.Unlock()

	return e.broadcast(ctx, model.ConfirmMsg{QC: qc, ProposalHash: key.Hash})
}

// OnConfirm is the follower's handling of the leader's Prepare-QC: once it
// verifies, the follower sends its ConfirmAck and waits for Commit.
func (e *Engine) OnConfirm(ctx context.Context, from model.ValidatorPublicKey, qc model.QuorumCertificate, hash model.ConsensusProposalHash) error {
	e.mu.Lock()
	if e.state.StateTag != model.StateFollower || e.state.FollowerSubState != model.FollowerWaitingConfirm || e.state.CurrentProposal == nil {
		e.mu.Unlock()
		return errWrongStep
	}
	if e.state.CurrentProposal.Hash() != hash {
		e.mu.Unlock()
		return fmt.Errorf("%w: confirm hash mismatch", errs.WrongStep)
	}
	slot, view := e.state.Slot, e.state.View
	e.mu.Unlock()

	if qc.Marker != model.MarkerPrepare || qc.ProposalHash != hash {
		return fmt.Errorf("%w: confirm carries non-prepare qc", errs.InvalidSignature)
	}
	if !e.verifyQC(&qc) {
		return fmt.Errorf("%w: confirm qc fails to verify", errs.InvalidSignature)
	}

	sig, err := e.signer.Sign(votePayload(hash, model.MarkerConfirm, slot, view))
	if err != nil {
		return fmt.Errorf("sign confirm ack: %w", err)
	}

	e.mu.Lock()
	e.state.FollowerSubState = model.FollowerWaitingCommit
	e.mu.Unlock()
	e.armTimeout(ctx, slot, view)

	return e.sendTo(ctx, from, model.ConfirmAckMsg{ProposalHash: hash, Signature: sig})
}

// OnConfirmAck is the leader's accumulation of ConfirmAcks; once > 2f,
// it builds the Commit-QC, broadcasts Commit, and commits locally.
func (e *Engine) OnConfirmAck(ctx context.Context, from model.ValidatorPublicKey, ack model.ConfirmAckMsg) error {
	e.mu.Lock()
	if e.state.StateTag != model.StateLeader || e.state.LeaderSubState != model.LeaderConfirmAck || e.state.CurrentProposal == nil {
		e.mu.Unlock()
		return errWrongStep
	}
	hash := e.state.CurrentProposal.Hash()
	slot, view := e.state.Slot, e.state.View
	e.mu.Unlock()

	if ack.ProposalHash != hash {
		return fmt.Errorf("%w: confirm ack hash mismatch", errs.WrongStep)
	}
	if !e.view.IsBonded(from) {
		return fmt.Errorf("%w: confirm ack from unbonded validator", errs.InvalidSignature)
	}
	if !e.signer.Verify(votePayload(hash, model.MarkerConfirm, slot, view), ack.Signature, from) {
		return fmt.Errorf("%w: confirm ack signature invalid", errs.InvalidSignature)
	}

	key := quorum.Key{Slot: slot, View: view, Hash: hash, Marker: model.MarkerConfirm}
	if e.quorum.Add(key, from, ack.Signature) && e.metrics != nil {
		e.metrics.Votes.WithLabelValues("confirm_ack").Inc()
	}
	if !e.quorum.CrossesThreshold(key, e.view) {
		return nil
	}
	return e.onConfirmQuorum(ctx, key)
}

func (e *Engine) onConfirmQuorum(ctx context.Context, key quorum.Key) error {
	qc, err := e.buildQC(key)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.QuorumCertificates.WithLabelValues("confirm").Inc()
	}

	e.mu.Lock()
	proposal := *e.state.CurrentProposal
	e.mu.Unlock()

	if err := e.broadcast(ctx, model.CommitMsg{QC: qc, ProposalHash: key.Hash}); err != nil {
		e.logger.Warn("broadcast commit failed", zap.Error(err))
	}
	return e.commitLocally(ctx, proposal, qc)
}

// OnCommit is the follower's handling of the leader's Commit-QC. A QC that
// fails to verify against the node's own proposal is a broken invariant:
// per the Fatal failure semantics, it forces a view change rather than
// silently dropping.
func (e *Engine) OnCommit(ctx context.Context, from model.ValidatorPublicKey, qc model.QuorumCertificate, hash model.ConsensusProposalHash) error {
	e.mu.Lock()
	if e.state.StateTag != model.StateFollower || e.state.FollowerSubState != model.FollowerWaitingCommit || e.state.CurrentProposal == nil {
		e.mu.Unlock()
		return errWrongStep
	}
	if e.state.CurrentProposal.Hash() != hash {
		e.mu.Unlock()
		return fmt.Errorf("%w: commit hash mismatch", errs.WrongStep)
	}
	proposal := *e.state.CurrentProposal
	e.mu.Unlock()

	if qc.Marker != model.MarkerConfirm || qc.ProposalHash != hash {
		e.forceViewChange(ctx)
		return fmt.Errorf("%w: commit carries invalid qc marker", errs.Fatal)
	}
	if !e.verifyQC(&qc) {
		e.forceViewChange(ctx)
		return fmt.Errorf("%w: commit qc fails to verify", errs.Fatal)
	}
	return e.commitLocally(ctx, proposal, qc)
}

// commitLocally advances the round: staking bonding is applied before
// handing the cut to mempool (PayFeesForDaDi entries may reference a lane
// that just became bonded in the same proposal), the proposal is handed to
// CommitSink, and state advances to the next slot in Joining until either a
// new Prepare arrives or this node discovers it is the new leader.
func (e *Engine) commitLocally(ctx context.Context, proposal model.ConsensusProposal, qc model.QuorumCertificate) error {
	hash := proposal.Hash()

	var bondCandidates []model.ValidatorPublicKey
	for _, action := range proposal.StakingActions {
		if action.Kind == model.StakingActionBond {
			bondCandidates = append(bondCandidates, action.Validator)
		}
	}
	if len(bondCandidates) > 0 {
		e.view.ApplyBonding(bondCandidates)
	}

	cpp := model.CommitConsensusProposal{
		Slot:           proposal.Slot,
		Cut:            proposal.Cut,
		StakingActions: proposal.StakingActions,
		ProposalHash:   hash,
	}
	if err := e.commits.HandleCommit(ctx, cpp); err != nil {
		e.logger.Error("handle commit failed", zap.Error(err))
	}

	committedSlot := proposal.Slot
	nextSlot := committedSlot + 1
	ticket := model.Ticket{Kind: model.TicketCommitQC, QC: &qc}

	e.mu.Lock()
	e.state = model.BftRoundState{
		Slot:       nextSlot,
		View:       0,
		ParentHash: hash,
		ParentCut:  proposal.Cut,
		StateTag:   model.StateJoining,
	}
	e.lastCommittedTimestamp = proposal.Timestamp
	delete(e.lastVotedProposal, committedSlot)
	e.pendingTicket = &ticket
	leader, ok := e.view.Leader(nextSlot, 0)
	isLeader := ok && leader == e.self
	e.mu.Unlock()

	e.quorum.Forget(committedSlot)
	e.cancelTimer()
	if e.metrics != nil {
		e.metrics.CommittedSlots.Inc()
	}
	e.armTimeout(ctx, nextSlot, 0)

	if isLeader {
		go e.StartNewSlot(ctx, ticket, time.Now().Add(e.cfg.SlotDuration))
	}
	return nil
}
