package consensus

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/rechain/bftcore/internal/envelope"
	"github.com/rechain/bftcore/internal/model"
)

// Run drives inbound message dispatch and the pending-prepare retry tick
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	retryTicker := time.NewTicker(e.cfg.TimeoutBase)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-e.net.Inbox():
			if err := e.dispatch(ctx, msg); err != nil {
				e.logger.Debug("consensus message handling failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
			}

		case <-retryTicker.C:
			e.retryPendingPrepare(ctx)
		}
	}
}

// dispatch verifies an inbound envelope and routes its payload by kind.
func (e *Engine) dispatch(ctx context.Context, msg model.MsgWithHeader) error {
	if err := envelope.Verify(msg, e.signer, time.Now()); err != nil {
		return err
	}

	switch msg.Kind {
	case model.KindPrepare:
		var payload model.PrepareMsg
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return e.OnPrepare(ctx, msg.Signer, payload.Proposal, payload.Ticket, payload.View)

	case model.KindPrepareVote:
		var payload model.PrepareVoteMsg
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return e.OnPrepareVote(ctx, msg.Signer, payload)

	case model.KindConfirm:
		var payload model.ConfirmMsg
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return e.OnConfirm(ctx, msg.Signer, payload.QC, payload.ProposalHash)

	case model.KindConfirmAck:
		var payload model.ConfirmAckMsg
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return e.OnConfirmAck(ctx, msg.Signer, payload)

	case model.KindCommit:
		var payload model.CommitMsg
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return e.OnCommit(ctx, msg.Signer, payload.QC, payload.ProposalHash)

	case model.KindTimeout:
		var payload model.TimeoutMsg
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return e.OnTimeout(ctx, msg.Signer, payload)

	default:
		return nil
	}
}
