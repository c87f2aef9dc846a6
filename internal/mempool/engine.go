// Package mempool implements the per-validator lane engine: it owns this
// node's lane of data proposals, replicates peers' lanes for data
// availability, collects DA signatures, answers cut queries from
// consensus, and prunes/syncs lanes after a commit.
package mempool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rechain/bftcore/internal/bftcrypto"
	"github.com/rechain/bftcore/internal/lanestore"
	"github.com/rechain/bftcore/internal/metrics"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/network"
	"github.com/rechain/bftcore/internal/staking"
	"github.com/rechain/bftcore/internal/workerpool"
	"github.com/rechain/bftcore/pkg/config"
	"github.com/rechain/bftcore/pkg/errs"
)

// CutProvider is consensus's view of mempool: ask for a fresh cut.
type CutProvider interface {
	QueryNewCut(ctx context.Context, view *staking.View) (model.Cut, error)
}

// CommitSink is how consensus hands a committed proposal back to mempool.
type CommitSink interface {
	HandleCommit(ctx context.Context, cpp model.CommitConsensusProposal) error
}

// CutAvailability lets consensus check, before voting on a Prepare, whether
// it already holds the DP bodies a received cut references, requesting
// sync-fill for whichever lanes it doesn't.
type CutAvailability interface {
	EnsureCutAvailable(ctx context.Context, cut model.Cut) (bool, error)
}

// bufferedDP is a data proposal whose parent wasn't yet known when it
// arrived.
type bufferedDP struct {
	hash  model.DataProposalHash
	dp    model.DataProposal
	ticks int
}

// Engine is the mempool lane engine for one validator node.
type Engine struct {
	self    model.ValidatorPublicKey
	signer  bftcrypto.Signer
	lanes   *lanestore.LaneStore
	net     network.Network
	view    *staking.View
	cfg     config.MempoolConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	pool    *workerpool.Pool

	mu sync.Mutex

	waitingDissemination []model.Transaction
	inFlightPreparation  bool

	bufferedProposals map[model.LaneId][]*bufferedDP
	bufferedPoDAs     map[model.LaneId]map[model.DataProposalHash][]model.ValidatorDAG

	// previousCut is the last committed cut entry per lane, the boundary the
	// cut-selection algorithm walks down to and retains when no fresher
	// entry crosses threshold.
	previousCut map[model.LaneId]model.CutEntry
}

// New constructs a mempool engine for the validator identified by signer.
func New(signer bftcrypto.Signer, lanes *lanestore.LaneStore, net network.Network, view *staking.View, cfg config.MempoolConfig, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		self:              signer.PublicKey(),
		signer:            signer,
		lanes:             lanes,
		net:               net,
		view:              view,
		cfg:               cfg,
		logger:            logger,
		metrics:           m,
		pool:              workerpool.New(cfg.WorkerPoolSize),
		bufferedProposals: make(map[model.LaneId][]*bufferedDP),
		bufferedPoDAs:     make(map[model.LaneId]map[model.DataProposalHash][]model.ValidatorDAG),
		previousCut:       make(map[model.LaneId]model.CutEntry),
	}
}

// SelfLane returns this node's own lane id.
func (e *Engine) SelfLane() model.LaneId { return e.self }

// SubmitTx accepts a transaction for this node's own lane.
func (e *Engine) SubmitTx(tx model.Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waitingDissemination = append(e.waitingDissemination, tx)
}

// PrepareNewDataProposal stages a new DP from the waiting buffer, validating
// the batch on the worker pool. Only one preparation may be in flight at a
// time; a nil channel with a nil error means there was nothing to prepare.
// Callers pass the worker's result to ResumeNewDataProposal.
func (e *Engine) PrepareNewDataProposal(ctx context.Context) (<-chan workerpool.Result, error) {
	e.mu.Lock()
	if e.inFlightPreparation || len(e.waitingDissemination) == 0 {
		e.mu.Unlock()
		return nil, nil
	}
	txs := e.waitingDissemination
	e.waitingDissemination = nil
	e.inFlightPreparation = true
	e.mu.Unlock()

	tipHash, _, hasTip, err := e.lanes.Tip(ctx, e.self)
	if err != nil {
		e.clearInFlight()
		return nil, fmt.Errorf("%w: %v", errs.StorageError, err)
	}

	var parent *model.DataProposalHash
	if hasTip {
		h := tipHash
		parent = &h
	}
	dp := model.DataProposal{Parent: parent, Txs: txs}

	ch, err := e.pool.Submit(ctx, func() (any, error) {
		for _, tx := range dp.Txs {
			if len(tx) == 0 {
				return nil, fmt.Errorf("empty transaction in data proposal")
			}
		}
		return dp, nil
	})
	if err != nil {
		e.clearInFlight()
		return nil, err
	}
	return ch, nil
}

func (e *Engine) clearInFlight() {
	e.mu.Lock()
	e.inFlightPreparation = false
	e.mu.Unlock()
}

// ResumeNewDataProposal commits a worker-validated DP into local lane
// storage: it self-signs (hash, cumul_size), stores that self-signature as
// the entry's first DA signature (the DataProposalCreated transition, per
// DESIGN.md's resolution that a DP is durable before it is announced), then
// broadcasts DataProposal(hash, dp).
func (e *Engine) ResumeNewDataProposal(ctx context.Context, dp model.DataProposal) error {
	defer e.clearInFlight()

	_, tipSize, hasTip, err := e.lanes.Tip(ctx, e.self)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StorageError, err)
	}
	if !hasTip && dp.Parent != nil {
		return fmt.Errorf("%w: own lane has no tip but staged dp has a parent", errs.Fatal)
	}

	hash := dp.Hash()
	cumul := dp.Size()
	if hasTip {
		cumul += tipSize
	}

	dag := model.ValidatorDAG{Signer: e.self, DPHash: hash, CumulSize: cumul}
	sig, err := e.signer.Sign(dag.SigningPayload())
	if err != nil {
		return fmt.Errorf("sign own data proposal: %w", err)
	}
	dag.Signature = sig

	meta := model.LaneEntryMetadata{Parent: dp.Parent, CumulSize: cumul, Signatures: []model.ValidatorDAG{dag}}
	if err := e.lanes.Append(ctx, e.self, hash, dp, meta); err != nil {
		return fmt.Errorf("%w: %v", errs.StorageError, err)
	}

	return e.broadcast(ctx, model.DataProposalMsg{LaneId: e.self, Hash: hash, DP: dp})
}

// DisseminateDataProposals resends own-lane entries strictly after since
// (the zero hash means "from genesis") to each bonded validator that has
// not yet signed them; entries signed by every bonded validator are
// skipped. Returns whether anything was sent.
func (e *Engine) DisseminateDataProposals(ctx context.Context, since model.DataProposalHash) (bool, error) {
	var fromPtr *model.DataProposalHash
	if !since.IsZero() {
		fromPtr = &since
	}
	entries, err := e.lanes.Chain(ctx, e.self, fromPtr, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.StorageError, err)
	}

	sent := false
	for _, entry := range entries {
		for _, v := range e.nonSigners(entry.Metadata.Signatures) {
			if err := e.sendTo(ctx, v, model.DataProposalMsg{LaneId: e.self, Hash: entry.Hash, DP: entry.DP}); err != nil {
				return sent, err
			}
			sent = true
		}
	}
	return sent, nil
}

func (e *Engine) nonSigners(sigs []model.ValidatorDAG) []model.ValidatorPublicKey {
	signed := make(map[model.ValidatorPublicKey]bool, len(sigs))
	for _, s := range sigs {
		signed[s.Signer] = true
	}
	var out []model.ValidatorPublicKey
	for _, v := range e.view.BondedSet() {
		if !signed[v] {
			out = append(out, v)
		}
	}
	return out
}

// OnDataProposal processes an incoming DataProposal announcement for lane.
// An unknown parent is buffered and a SyncRequest issued to the lane owner;
// a hash mismatch is rejected outright.
func (e *Engine) OnDataProposal(ctx context.Context, lane model.LaneId, hash model.DataProposalHash, dp model.DataProposal) error {
	if dp.Hash() != hash {
		return fmt.Errorf("%w: data proposal hash mismatch", errs.InvalidSignature)
	}

	var parentMeta *model.LaneEntryMetadata
	if dp.Parent != nil {
		meta, _, err := e.lanes.Get(ctx, lane, *dp.Parent)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.StorageError, err)
		}
		if meta == nil {
			e.bufferProposal(lane, hash, dp)
			msg := model.SyncRequestMsg{LaneId: lane, From: nil, To: &hash}
			return e.sendTo(ctx, lane, msg)
		}
		parentMeta = meta
	} else {
		_, _, hasTip, err := e.lanes.Tip(ctx, lane)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.StorageError, err)
		}
		if hasTip {
			return fmt.Errorf("%w: genesis dp for non-empty lane", errs.WrongStep)
		}
	}

	cumul := dp.Size()
	if parentMeta != nil {
		cumul += parentMeta.CumulSize
	}

	meta := model.LaneEntryMetadata{Parent: dp.Parent, CumulSize: cumul}
	if err := e.lanes.Append(ctx, lane, hash, dp, meta); err != nil {
		return fmt.Errorf("%w: %v", errs.StorageError, err)
	}

	e.applyBufferedPoDAs(ctx, lane, hash)
	e.releaseBuffered(ctx, lane, hash)

	dag := model.ValidatorDAG{Signer: e.self, DPHash: hash, CumulSize: cumul}
	sig, err := e.signer.Sign(dag.SigningPayload())
	if err != nil {
		return fmt.Errorf("sign data vote: %w", err)
	}
	dag.Signature = sig

	return e.sendTo(ctx, lane, model.DataVoteMsg{LaneId: lane, Vote: dag})
}

// OnDataVote processes a single DA signature for a known entry. If the
// newly accumulated power crosses 2f for the first time, a PoDAUpdate is
// broadcast to help peers reach aggregation without re-requesting votes.
func (e *Engine) OnDataVote(ctx context.Context, lane model.LaneId, vote model.ValidatorDAG) error {
	if !e.view.IsBonded(vote.Signer) {
		return fmt.Errorf("%w: data vote from unbonded validator", errs.InvalidSignature)
	}
	if !e.signer.Verify(vote.SigningPayload(), vote.Signature, vote.Signer) {
		return fmt.Errorf("%w: data vote signature invalid", errs.InvalidSignature)
	}

	meta, _, err := e.lanes.Get(ctx, lane, vote.DPHash)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StorageError, err)
	}
	if meta == nil {
		return fmt.Errorf("%w: data vote for unknown dp", errs.UnknownParent)
	}
	if meta.CumulSize != vote.CumulSize {
		return fmt.Errorf("%w: data vote cumul_size mismatch", errs.InvalidSignature)
	}

	before := e.view.CrossesThreshold(signersOf(meta.Signatures))
	if _, err := e.lanes.AddSignature(ctx, lane, vote.DPHash, vote); err != nil {
		return fmt.Errorf("%w: %v", errs.StorageError, err)
	}
	meta, _, err = e.lanes.Get(ctx, lane, vote.DPHash)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StorageError, err)
	}
	after := e.view.CrossesThreshold(signersOf(meta.Signatures))

	if !before && after {
		return e.broadcast(ctx, model.PoDAUpdateMsg{LaneId: lane, DPHash: vote.DPHash, Signatures: meta.Signatures})
	}
	return nil
}

func signersOf(sigs []model.ValidatorDAG) []model.ValidatorPublicKey {
	out := make([]model.ValidatorPublicKey, len(sigs))
	for i, s := range sigs {
		out[i] = s.Signer
	}
	return out
}

// OnPoDAUpdate merges a batch of DA signatures into a stored entry,
// buffering them if the DP itself is not yet known.
func (e *Engine) OnPoDAUpdate(ctx context.Context, lane model.LaneId, dpHash model.DataProposalHash, sigs []model.ValidatorDAG) error {
	known, err := e.lanes.Has(ctx, lane, dpHash)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StorageError, err)
	}
	if !known {
		e.mu.Lock()
		if e.bufferedPoDAs[lane] == nil {
			e.bufferedPoDAs[lane] = make(map[model.DataProposalHash][]model.ValidatorDAG)
		}
		e.bufferedPoDAs[lane][dpHash] = append(e.bufferedPoDAs[lane][dpHash], sigs...)
		e.mu.Unlock()
		return nil
	}

	for _, sig := range sigs {
		if !e.view.IsBonded(sig.Signer) {
			continue
		}
		if !e.signer.Verify(sig.SigningPayload(), sig.Signature, sig.Signer) {
			continue
		}
		if _, err := e.lanes.AddSignature(ctx, lane, dpHash, sig); err != nil {
			return fmt.Errorf("%w: %v", errs.StorageError, err)
		}
	}
	return nil
}

func (e *Engine) applyBufferedPoDAs(ctx context.Context, lane model.LaneId, hash model.DataProposalHash) {
	e.mu.Lock()
	var sigs []model.ValidatorDAG
	if e.bufferedPoDAs[lane] != nil {
		sigs = e.bufferedPoDAs[lane][hash]
		delete(e.bufferedPoDAs[lane], hash)
	}
	e.mu.Unlock()
	if len(sigs) == 0 {
		return
	}
	_ = e.OnPoDAUpdate(ctx, lane, hash, sigs)
}

func (e *Engine) bufferProposal(lane model.LaneId, hash model.DataProposalHash, dp model.DataProposal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bufferedProposals[lane] = append(e.bufferedProposals[lane], &bufferedDP{hash: hash, dp: dp})
}

func (e *Engine) releaseBuffered(ctx context.Context, lane model.LaneId, newlyKnown model.DataProposalHash) {
	e.mu.Lock()
	pending := e.bufferedProposals[lane]
	e.mu.Unlock()

	var remaining []*bufferedDP
	for _, b := range pending {
		if b.dp.Parent != nil && *b.dp.Parent == newlyKnown {
			_ = e.OnDataProposal(ctx, lane, b.hash, b.dp)
			continue
		}
		remaining = append(remaining, b)
	}
	e.mu.Lock()
	e.bufferedProposals[lane] = remaining
	e.mu.Unlock()
}

// GCBuffers drops buffered proposals that have remained orphaned beyond the
// configured tick count. Called once per new_dp_tick by the run loop.
func (e *Engine) GCBuffers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for lane, pending := range e.bufferedProposals {
		var kept []*bufferedDP
		for _, b := range pending {
			b.ticks++
			if b.ticks < e.cfg.BufferGCTicks {
				kept = append(kept, b)
			}
		}
		e.bufferedProposals[lane] = kept
	}
}

// OnSyncRequest answers a SyncRequest with the contiguous run of entries
// strictly after From up to and including To (or the current tip if To is
// nil). Declines silently (nil, nil) if the span is unavailable, e.g.
// because the requested lower bound has already been pruned.
func (e *Engine) OnSyncRequest(ctx context.Context, lane model.LaneId, from, to *model.DataProposalHash) (*model.SyncReplyMsg, error) {
	entries, err := e.lanes.Chain(ctx, lane, from, to)
	if err != nil {
		return nil, nil
	}
	return &model.SyncReplyMsg{LaneId: lane, Entries: entries}, nil
}

// OnSyncReply validates and appends a run of entries for lane. Acceptance
// is restricted to entries carrying a valid signature from the lane owner
// itself, regardless of which peer relayed the reply (DESIGN.md's
// resolution of the multi-source SyncReply open question), and the run
// must chain contiguously.
func (e *Engine) OnSyncReply(ctx context.Context, lane model.LaneId, entries []model.SyncReplyEntry) error {
	for i, entry := range entries {
		if err := e.validateOwnerSignature(lane, entry); err != nil {
			return err
		}
		if i > 0 && (entry.DP.Parent == nil || *entry.DP.Parent != entries[i-1].Hash) {
			return fmt.Errorf("%w: sync reply chain broken at entry %d", errs.InvalidSignature, i)
		}
	}

	for _, entry := range entries {
		known, err := e.lanes.Has(ctx, lane, entry.Hash)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.StorageError, err)
		}
		if known {
			continue
		}
		if err := e.lanes.Append(ctx, lane, entry.Hash, entry.DP, entry.Metadata); err != nil {
			return fmt.Errorf("%w: %v", errs.StorageError, err)
		}
	}
	if len(entries) > 0 {
		e.releaseBuffered(ctx, lane, entries[len(entries)-1].Hash)
	}
	return nil
}

func (e *Engine) validateOwnerSignature(lane model.LaneId, entry model.SyncReplyEntry) error {
	for _, sig := range entry.Metadata.Signatures {
		if sig.Signer != lane {
			continue
		}
		if e.signer.Verify(sig.SigningPayload(), sig.Signature, lane) {
			return nil
		}
	}
	return fmt.Errorf("%w: sync reply entry %s missing valid owner signature", errs.InvalidSignature, entry.Hash)
}

// broadcast wraps payload in a signed envelope and sends it to every peer.
func (e *Engine) broadcast(ctx context.Context, payload any) error {
	msg, err := e.buildMessage(payload)
	if err != nil {
		return err
	}
	return e.net.Broadcast(ctx, msg)
}

// sendTo wraps payload in a signed envelope and sends it to a single peer.
func (e *Engine) sendTo(ctx context.Context, to model.ValidatorPublicKey, payload any) error {
	msg, err := e.buildMessage(payload)
	if err != nil {
		return err
	}
	return e.net.SendTo(ctx, to, msg)
}

func (e *Engine) buildMessage(payload any) (model.MsgWithHeader, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.MsgWithHeader{}, fmt.Errorf("encode message payload: %w", err)
	}
	header := model.NewMsgHeader(raw, time.Now())
	sig, err := e.signer.Sign(header.Hash[:])
	if err != nil {
		return model.MsgWithHeader{}, fmt.Errorf("sign message header: %w", err)
	}
	return model.MsgWithHeader{
		Header:    header,
		HeaderSig: sig,
		Signer:    e.self,
		Kind:      kindOf(payload),
		Payload:   raw,
	}, nil
}

func kindOf(payload any) model.MsgKind {
	switch payload.(type) {
	case model.DataProposalMsg:
		return model.KindDataProposal
	case model.DataVoteMsg:
		return model.KindDataVote
	case model.PoDAUpdateMsg:
		return model.KindPoDAUpdate
	case model.SyncRequestMsg:
		return model.KindSyncRequest
	case model.SyncReplyMsg:
		return model.KindSyncReply
	default:
		return ""
	}
}
