package mempool

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/rechain/bftcore/internal/envelope"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/workerpool"
)

// Run drives the engine's timers and inbound message dispatch until ctx is
// cancelled. new_dp_tick stages and commits fresh data proposals from the
// waiting-dissemination buffer; the dissemination timer rebroadcasts
// under-signed own-lane entries; buffer GC runs on the same cadence as the
// new-dp tick.
func (e *Engine) Run(ctx context.Context) {
	newDPTicker := time.NewTicker(e.cfg.NewDPTickInterval)
	defer newDPTicker.Stop()
	disseminateTicker := time.NewTicker(e.cfg.DisseminateInterval)
	defer disseminateTicker.Stop()

	var lastDisseminated model.DataProposalHash

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-e.net.Inbox():
			if err := e.dispatch(ctx, msg); err != nil {
				e.logger.Warn("mempool message handling failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
			}

		case <-newDPTicker.C:
			e.GCBuffers()
			ch, err := e.PrepareNewDataProposal(ctx)
			if err != nil {
				e.logger.Warn("prepare data proposal failed", zap.Error(err))
				continue
			}
			if ch == nil {
				continue
			}
			go e.awaitPreparation(ctx, ch)

		case <-disseminateTicker.C:
			sent, err := e.DisseminateDataProposals(ctx, lastDisseminated)
			if err != nil {
				e.logger.Warn("disseminate data proposals failed", zap.Error(err))
			}
			_ = sent
		}
	}
}

// awaitPreparation waits for a staged data proposal's worker-pool
// validation to finish and, on success, commits it via
// ResumeNewDataProposal.
func (e *Engine) awaitPreparation(ctx context.Context, ch <-chan workerpool.Result) {
	select {
	case res := <-ch:
		if res.Err != nil {
			e.logger.Warn("data proposal validation failed", zap.Error(res.Err))
			e.clearInFlight()
			return
		}
		dp, ok := res.Value.(model.DataProposal)
		if !ok {
			e.clearInFlight()
			return
		}
		if err := e.ResumeNewDataProposal(ctx, dp); err != nil {
			e.logger.Warn("resume data proposal failed", zap.Error(err))
		}
	case <-ctx.Done():
	}
}

// dispatch decodes an inbound envelope's payload by kind and invokes the
// matching handler.
func (e *Engine) dispatch(ctx context.Context, msg model.MsgWithHeader) error {
	if err := envelope.Verify(msg, e.signer, time.Now()); err != nil {
		return err
	}

	switch msg.Kind {
	case model.KindDataProposal:
		var payload model.DataProposalMsg
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return e.OnDataProposal(ctx, payload.LaneId, payload.Hash, payload.DP)

	case model.KindDataVote:
		var payload model.DataVoteMsg
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return e.OnDataVote(ctx, payload.LaneId, payload.Vote)

	case model.KindPoDAUpdate:
		var payload model.PoDAUpdateMsg
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return e.OnPoDAUpdate(ctx, payload.LaneId, payload.DPHash, payload.Signatures)

	case model.KindSyncRequest:
		var payload model.SyncRequestMsg
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		reply, err := e.OnSyncRequest(ctx, payload.LaneId, payload.From, payload.To)
		if err != nil || reply == nil {
			return err
		}
		return e.sendTo(ctx, msg.Signer, *reply)

	case model.KindSyncReply:
		var payload model.SyncReplyMsg
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return e.OnSyncReply(ctx, payload.LaneId, payload.Entries)

	default:
		return nil
	}
}
