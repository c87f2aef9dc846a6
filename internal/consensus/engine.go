// Package consensus implements the leader/follower BFT round state machine:
// slot/view progression, Prepare -> Confirm -> Commit voting, quorum
// certificate construction and verification, and timeout-driven view
// change. It depends on mempool only through the CutProvider, CommitSink
// and CutAvailability interfaces mempool exposes, never on mempool's
// internal lane storage.
package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rechain/bftcore/internal/bftcrypto"
	"github.com/rechain/bftcore/internal/envelope"
	"github.com/rechain/bftcore/internal/mempool"
	"github.com/rechain/bftcore/internal/metrics"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/network"
	"github.com/rechain/bftcore/internal/quorum"
	"github.com/rechain/bftcore/internal/staking"
	"github.com/rechain/bftcore/pkg/config"
	"github.com/rechain/bftcore/pkg/errs"
)

// pendingPrepare is a Prepare this node cannot yet vote on because one or
// more of its cut's DP bodies haven't arrived locally.
type pendingPrepare struct {
	from     model.ValidatorPublicKey
	proposal model.ConsensusProposal
	ticket   model.Ticket
	view     uint64
}

// Engine is the consensus round engine for one validator node.
type Engine struct {
	self    model.ValidatorPublicKey
	signer  bftcrypto.Signer
	net     network.Network
	cuts    mempool.CutProvider
	commits mempool.CommitSink
	avail   mempool.CutAvailability
	view    *staking.View
	cfg     config.ConsensusConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	quorum  *quorum.Accumulator

	mu                     sync.Mutex
	state                  model.BftRoundState
	pendingTicket          *model.Ticket
	lastVotedProposal      map[uint64]model.ConsensusProposal
	lastCommittedTimestamp time.Time
	pending                *pendingPrepare

	timerGen uint64
	timer    *time.Timer
}

// New constructs a consensus engine for the validator identified by signer.
// view is this node's own copy of the staking view, taken at construction
// and mutated only by applying this engine's own committed staking
// actions, never shared with mempool's copy.
func New(signer bftcrypto.Signer, net network.Network, cuts mempool.CutProvider, commits mempool.CommitSink, avail mempool.CutAvailability, view *staking.View, cfg config.ConsensusConfig, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		self:              signer.PublicKey(),
		signer:            signer,
		net:               net,
		cuts:              cuts,
		commits:           commits,
		avail:             avail,
		view:              view.Clone(),
		cfg:               cfg,
		logger:            logger,
		metrics:           m,
		quorum:            quorum.NewAccumulator(),
		lastVotedProposal: make(map[uint64]model.ConsensusProposal),
	}
}

// Bootstrap seeds the round at slot 0 with a Genesis ticket. If this node is
// the computed leader for (0, 0) it immediately starts the slot; otherwise
// it waits in Joining for the first Prepare.
func (e *Engine) Bootstrap(ctx context.Context, parentHash model.ConsensusProposalHash, parentCut model.Cut) {
	e.mu.Lock()
	e.state = model.BftRoundState{
		Slot:       0,
		View:       0,
		ParentHash: parentHash,
		ParentCut:  parentCut,
		StateTag:   model.StateJoining,
	}
	ticket := model.Ticket{Kind: model.TicketGenesis}
	e.pendingTicket = &ticket
	leader, ok := e.view.Leader(0, 0)
	isLeader := ok && leader == e.self
	e.mu.Unlock()

	e.armTimeout(ctx, 0, 0)

	if isLeader {
		e.StartNewSlot(ctx, ticket, time.Now())
	}
}

// State returns a snapshot of the round state, for status reporting and
// tests. CurrentProposal, if set, is copied rather than aliased.
func (e *Engine) State() model.BftRoundState {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.state
	if e.state.CurrentProposal != nil {
		proposal := *e.state.CurrentProposal
		state.CurrentProposal = &proposal
	}
	return state
}

// StartNewSlot implements the leader's slot-opening logic: reuse of a
// proposal already voted on for this slot (view-change re-entry), cut
// query with empty-cut backoff, staking-action assembly, and the Prepare
// broadcast.
func (e *Engine) StartNewSlot(ctx context.Context, ticket model.Ticket, mayDelayUntil time.Time) {
	e.mu.Lock()
	slot, view := e.state.Slot, e.state.View
	parentHash, parentCut := e.state.ParentHash, e.state.ParentCut
	leader, ok := e.view.Leader(slot, view)
	if !ok || leader != e.self {
		e.mu.Unlock()
		return
	}
	if reused, exists := e.lastVotedProposal[slot]; exists {
		e.mu.Unlock()
		e.enterPrepareVote(ctx, reused, ticket, view)
		return
	}
	e.mu.Unlock()

	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.SlotDuration)
	cut, err := e.cuts.QueryNewCut(queryCtx, e.view)
	cancel()
	if err != nil {
		e.logger.Warn("cut query failed, reusing parent cut", zap.Uint64("slot", slot), zap.Error(err))
		cut = parentCut
	}

	if cut.Equal(parentCut) && ticket.Kind != model.TicketTimeoutQC && mayDelayUntil.After(time.Now()) {
		delay := time.Until(mayDelayUntil)
		if delay > 500*time.Millisecond {
			delay = 500 * time.Millisecond
		}
		time.AfterFunc(delay, func() { e.StartNewSlot(ctx, ticket, mayDelayUntil) })
		return
	}

	actions := e.buildStakingActions(cut)
	proposal := model.ConsensusProposal{
		Slot:           slot,
		Cut:            cut,
		StakingActions: actions,
		Timestamp:      time.Now(),
		ParentHash:     parentHash,
	}
	e.enterPrepareVote(ctx, proposal, ticket, view)
}

// buildStakingActions assembles the leader's staking_actions list: newly
// bondable candidates first, then per-lane PayFeesForDaDi entries derived
// from the cut (bonding is applied before fee payouts on commit, since a
// payout may reference a lane that just became bonded in this same
// proposal).
func (e *Engine) buildStakingActions(cut model.Cut) []model.StakingAction {
	var actions []model.StakingAction
	for _, candidate := range e.view.CandidatesForBonding() {
		actions = append(actions, model.StakingAction{Kind: model.StakingActionBond, Validator: candidate})
	}
	for _, entry := range cut {
		actions = append(actions, model.StakingAction{Kind: model.StakingActionPayFeesForDaDi, LaneId: entry.LaneId, CumulSize: entry.CumulSize})
	}
	return actions
}

// enterPrepareVote records proposal as this node's vote for slot, self-votes
// it in the Prepare quorum, and broadcasts Prepare.
func (e *Engine) enterPrepareVote(ctx context.Context, proposal model.ConsensusProposal, ticket model.Ticket, view uint64) {
	hash := proposal.Hash()

	selfSig, err := e.signer.Sign(votePayload(hash, model.MarkerPrepare, proposal.Slot, view))
	if err != nil {
		e.logger.Error("sign own prepare vote failed", zap.Error(err))
		return
	}

	e.mu.Lock()
	e.lastVotedProposal[proposal.Slot] = proposal
	e.state.CurrentProposal = &proposal
	e.state.View = view
	e.state.StateTag = model.StateLeader
	e.state.LeaderSubState = model.LeaderPrepareVote
	e.mu.Unlock()

	key := quorum.Key{Slot: proposal.Slot, View: view, Hash: hash, Marker: model.MarkerPrepare}
	e.quorum.Add(key, e.self, selfSig)

	e.armTimeout(ctx, proposal.Slot, view)

	if err := e.broadcast(ctx, model.PrepareMsg{Proposal: proposal, Ticket: ticket, View: view}); err != nil {
		e.logger.Warn("broadcast prepare failed", zap.Error(err))
	}
}

// broadcast wraps payload in a signed envelope and sends it to every peer.
func (e *Engine) broadcast(ctx context.Context, payload any) error {
	msg, err := envelope.Build(e.signer, kindOf(payload), payload)
	if err != nil {
		return err
	}
	return e.net.Broadcast(ctx, msg)
}

// sendTo wraps payload in a signed envelope and sends it to a single peer.
func (e *Engine) sendTo(ctx context.Context, to model.ValidatorPublicKey, payload any) error {
	msg, err := envelope.Build(e.signer, kindOf(payload), payload)
	if err != nil {
		return err
	}
	return e.net.SendTo(ctx, to, msg)
}

func kindOf(payload any) model.MsgKind {
	switch payload.(type) {
	case model.PrepareMsg:
		return model.KindPrepare
	case model.PrepareVoteMsg:
		return model.KindPrepareVote
	case model.ConfirmMsg:
		return model.KindConfirm
	case model.ConfirmAckMsg:
		return model.KindConfirmAck
	case model.CommitMsg:
		return model.KindCommit
	case model.TimeoutMsg:
		return model.KindTimeout
	default:
		return ""
	}
}

var errWrongStep = fmt.Errorf("%w: message does not match current round step", errs.WrongStep)
