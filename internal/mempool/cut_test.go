package mempool

import (
	"context"
	"testing"

	"github.com/rechain/bftcore/internal/bftcrypto"
	"github.com/rechain/bftcore/internal/lanestore"
	"github.com/rechain/bftcore/internal/metrics"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/network"
	"github.com/rechain/bftcore/internal/staking"
	"github.com/rechain/bftcore/pkg/config"
)

// fourEqualValidators returns four FakeSigners with equal stake, all bonded,
// giving f=13 and a quorum threshold of > 26 (three of four signers).
func fourEqualValidators(t *testing.T) ([]*bftcrypto.FakeSigner, *staking.View) {
	t.Helper()
	view := staking.NewView(1)
	var signers []*bftcrypto.FakeSigner
	for i := byte(1); i <= 4; i++ {
		s := bftcrypto.NewFakeSigner(i)
		signers = append(signers, s)
		view.SetStake(s.PublicKey(), 10)
		view.Bond(s.PublicKey())
	}
	return signers, view
}

// testHub joins every validator exactly once and keeps the resulting
// Network handles around, since re-joining an id replaces its inbox
// channel and would strand already-sent messages.
type testHub struct {
	hub  *network.Hub
	nets map[model.ValidatorPublicKey]network.Network
}

func newHubFor(signers []*bftcrypto.FakeSigner) *testHub {
	hub := network.NewHub(16)
	nets := make(map[model.ValidatorPublicKey]network.Network, len(signers))
	for _, s := range signers {
		nets[s.PublicKey()] = hub.Join(s.PublicKey())
	}
	return &testHub{hub: hub, nets: nets}
}

func (h *testHub) inbox(pub model.ValidatorPublicKey) <-chan model.MsgWithHeader {
	return h.nets[pub].Inbox()
}

func newTestEngine(t *testing.T, self *bftcrypto.FakeSigner, view *staking.View, h *testHub) *Engine {
	t.Helper()
	store := lanestore.NewLaneStore(lanestore.NewMemStore())
	cfg := config.MempoolConfig{BufferGCTicks: 20, WorkerPoolSize: 3}
	return New(self, store, h.nets[self.PublicKey()], view, cfg, nil, metrics.NewForTests())
}

// appendSigned appends a lane entry with the given byte size, signed by the
// first numSigners of signers, and returns its hash.
func appendSigned(t *testing.T, ls *lanestore.LaneStore, lane model.LaneId, parent *model.DataProposalHash, priorCumul model.LaneBytesSize, txSize int, signers []*bftcrypto.FakeSigner, numSigners int) model.DataProposalHash {
	t.Helper()
	ctx := context.Background()
	dp := model.DataProposal{Parent: parent, Txs: []model.Transaction{make(model.Transaction, txSize)}}
	hash := dp.Hash()
	cumul := priorCumul + dp.Size()

	var sigs []model.ValidatorDAG
	for i := 0; i < numSigners; i++ {
		dag := model.ValidatorDAG{Signer: signers[i].PublicKey(), DPHash: hash, CumulSize: cumul}
		sig, err := signers[i].Sign(dag.SigningPayload())
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		dag.Signature = sig
		sigs = append(sigs, dag)
	}

	meta := model.LaneEntryMetadata{Parent: parent, CumulSize: cumul, Signatures: sigs}
	if err := ls.Append(ctx, lane, hash, dp, meta); err != nil {
		t.Fatalf("append: %v", err)
	}
	return hash
}

func TestQueryNewCutPicksHighestQuorumEntry(t *testing.T) {
	signers, view := fourEqualValidators(t)
	hub := newHubFor(signers)
	e := newTestEngine(t, signers[0], view, hub)
	ctx := context.Background()

	lane := signers[0].PublicKey()
	e0 := appendSigned(t, e.lanes, lane, nil, 0, 10, signers, 3) // crosses (30 > 26)
	appendSigned(t, e.lanes, lane, &e0, 10, 10, signers, 1)      // does not cross (10)

	cut, err := e.QueryNewCut(ctx, view)
	if err != nil {
		t.Fatalf("query new cut: %v", err)
	}
	if len(cut) != 1 || cut[0].DPHash != e0 {
		t.Fatalf("expected cut to select the quorum-crossing entry e0, got %+v", cut)
	}
}

func TestQueryNewCutRetainsPreviousWhenNoneQualifies(t *testing.T) {
	signers, view := fourEqualValidators(t)
	hub := newHubFor(signers)
	e := newTestEngine(t, signers[0], view, hub)
	ctx := context.Background()

	lane := signers[0].PublicKey()
	e0 := appendSigned(t, e.lanes, lane, nil, 0, 10, signers, 3)
	appendSigned(t, e.lanes, lane, &e0, 10, 10, signers, 1)

	e.previousCut[lane] = model.CutEntry{LaneId: lane, DPHash: e0, CumulSize: 10}

	cut, err := e.QueryNewCut(ctx, view)
	if err != nil {
		t.Fatalf("query new cut: %v", err)
	}
	if len(cut) != 1 || cut[0].DPHash != e0 {
		t.Fatalf("expected cut to retain previous entry e0, got %+v", cut)
	}
}

func TestHandleCommitAdvancesPreviousCutAndPrunes(t *testing.T) {
	signers, view := fourEqualValidators(t)
	hub := newHubFor(signers)
	e := newTestEngine(t, signers[0], view, hub)
	ctx := context.Background()

	lane := signers[0].PublicKey()
	e0 := appendSigned(t, e.lanes, lane, nil, 0, 10, signers, 3)
	e1 := appendSigned(t, e.lanes, lane, &e0, 10, 10, signers, 3)

	cpp := model.CommitConsensusProposal{
		Slot: 1,
		Cut:  model.Cut{{LaneId: lane, DPHash: e1, CumulSize: 20}},
	}
	if err := e.HandleCommit(ctx, cpp); err != nil {
		t.Fatalf("handle commit: %v", err)
	}

	if e.previousCut[lane].DPHash != e1 {
		t.Fatalf("expected previous cut to advance to e1")
	}
	// e0 is kept (one entry before the committed e1), nothing before it to prune.
	has, err := e.lanes.Has(ctx, lane, e0)
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !has {
		t.Fatalf("expected entry immediately before commit to survive pruning")
	}
}
