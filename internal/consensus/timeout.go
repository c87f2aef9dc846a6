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

// armTimeout (re)starts the phase timer for (slot, view). A generation
// counter invalidates a timer that fires after the round has already moved
// on, avoiding the usual timer-drain dance around time.Timer.Stop.
func (e *Engine) armTimeout(ctx context.Context, slot, view uint64) {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerGen++
	gen := e.timerGen
	duration := e.cfg.TimeoutAfter(view)
	e.timer = time.AfterFunc(duration, func() { e.onTimeoutElapsed(ctx, slot, view, gen) })
	e.mu.Unlock()
}

func (e *Engine) cancelTimer() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
	e.mu.Unlock()
}

func (e *Engine) onTimeoutElapsed(ctx context.Context, slot, view, gen uint64) {
	e.mu.Lock()
	stale := gen != e.timerGen || slot != e.state.Slot || view != e.state.View
	e.mu.Unlock()
	if stale {
		return
	}
	e.emitTimeoutVote(ctx, slot, view)
}

// forceViewChange is invoked when a Commit-QC fails to verify against this
// node's own proposal: a broken invariant that must not be silently
// ignored, so the node gives up on the round exactly as if its timer had
// elapsed.
func (e *Engine) forceViewChange(ctx context.Context) {
	e.mu.Lock()
	slot, view := e.state.Slot, e.state.View
	e.mu.Unlock()
	e.emitTimeoutVote(ctx, slot, view)
}

func (e *Engine) emitTimeoutVote(ctx context.Context, slot, view uint64) {
	sig, err := e.signer.Sign(votePayload(model.ConsensusProposalHash{}, model.MarkerTimeout, slot, view))
	if err != nil {
		e.logger.Error("sign timeout vote failed", zap.Error(err))
		return
	}
	key := quorum.Key{Slot: slot, View: view, Hash: model.ConsensusProposalHash{}, Marker: model.MarkerTimeout}
	e.quorum.Add(key, e.self, sig)
	if err := e.broadcast(ctx, model.TimeoutMsg{Slot: slot, View: view, Signature: sig}); err != nil {
		e.logger.Warn("broadcast timeout failed", zap.Error(err))
	}
}

// OnTimeout accumulates a peer's signed timeout vote for (slot, view). Once
// accumulated power crosses 2f, every node that observes it independently
// advances to the next view and arms a fresh phase timer; the new leader
// additionally starts the slot under a TimeoutQC ticket.
func (e *Engine) OnTimeout(ctx context.Context, from model.ValidatorPublicKey, vote model.TimeoutMsg) error {
	e.mu.Lock()
	slot, view := e.state.Slot, e.state.View
	e.mu.Unlock()

	if vote.Slot != slot || vote.View != view {
		return fmt.Errorf("%w: timeout for (%d,%d) while at (%d,%d)", errs.WrongStep, vote.Slot, vote.View, slot, view)
	}
	if !e.view.IsBonded(from) {
		return fmt.Errorf("%w: timeout vote from unbonded validator", errs.InvalidSignature)
	}
	if !e.signer.Verify(votePayload(model.ConsensusProposalHash{}, model.MarkerTimeout, vote.Slot, vote.View), vote.Signature, from) {
		return fmt.Errorf("%w: timeout vote signature invalid", errs.InvalidSignature)
	}

	key := quorum.Key{Slot: vote.Slot, View: vote.View, Hash: model.ConsensusProposalHash{}, Marker: model.MarkerTimeout}
	if e.quorum.Add(key, from, vote.Signature) && e.metrics != nil {
		e.metrics.Votes.WithLabelValues("timeout").Inc()
	}
	if !e.quorum.CrossesThreshold(key, e.view) {
		return nil
	}
	return e.checkTimeoutQuorum(ctx, key)
}

func (e *Engine) checkTimeoutQuorum(ctx context.Context, key quorum.Key) error {
	qc, err := e.buildQC(key)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.QuorumCertificates.WithLabelValues("timeout").Inc()
		e.metrics.ViewChanges.Inc()
	}

	newView := key.View + 1
	ticket := model.Ticket{Kind: model.TicketTimeoutQC, QC: &qc}

	e.mu.Lock()
	if key.Slot != e.state.Slot || key.View != e.state.View {
		e.mu.Unlock()
		return nil
	}
	e.state.View = newView
	e.state.StateTag = model.StateFollower
	e.state.FollowerSubState = model.FollowerWaitingPrepare
	e.state.CurrentProposal = nil
	e.pendingTicket = &ticket
	leader, ok := e.view.Leader(key.Slot, newView)
	isLeader := ok && leader == e.self
	e.mu.Unlock()

	e.armTimeout(ctx, key.Slot, newView)

	if isLeader {
		e.StartNewSlot(ctx, ticket, time.Now())
	}
	return nil
}
