package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/rechain/bftcore/internal/bftcrypto"
	"github.com/rechain/bftcore/internal/lanestore"
	"github.com/rechain/bftcore/internal/mempool"
	"github.com/rechain/bftcore/internal/metrics"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/network"
	"github.com/rechain/bftcore/internal/staking"
	"github.com/rechain/bftcore/pkg/config"
)

// fourEqualValidators returns four FakeSigners with equal stake, all bonded,
// giving a total stake of 40, f=13 and a quorum threshold of > 26 (three of
// four signers) — the same fixture shape used by the mempool package's own
// tests.
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

// clusterNode bundles one validator's mempool engine (its CutProvider,
// CommitSink and CutAvailability) and consensus engine. Mempool and
// consensus traffic ride separate Hubs: the in-memory Hub has no
// kind-based demultiplexing, so two engine types sharing one inbox would
// race each other draining it.
type clusterNode struct {
	signer   *bftcrypto.FakeSigner
	pool     *mempool.Engine
	lanes    *lanestore.LaneStore
	view     *staking.View
	engine   *Engine
	consNet  network.Network
	poolNet  network.Network
}

func newCluster(t *testing.T, signers []*bftcrypto.FakeSigner, view *staking.View, cfg config.ConsensusConfig) ([]*clusterNode, *network.Hub) {
	t.Helper()
	poolHub := network.NewHub(32)
	consHub := network.NewHub(32)
	mcfg := config.MempoolConfig{
		NewDPTickInterval:   20 * time.Millisecond,
		DisseminateInterval: 40 * time.Millisecond,
		BufferGCTicks:       20,
		WorkerPoolSize:      2,
	}

	nodes := make([]*clusterNode, len(signers))
	for i, s := range signers {
		nodeView := view.Clone()
		lanes := lanestore.NewLaneStore(lanestore.NewMemStore())
		poolNet := poolHub.Join(s.PublicKey())
		consNet := consHub.Join(s.PublicKey())
		pool := mempool.New(s, lanes, poolNet, nodeView, mcfg, nil, metrics.NewForTests())
		engine := New(s, consNet, pool, pool, pool, nodeView, cfg, nil, metrics.NewForTests())
		nodes[i] = &clusterNode{signer: s, pool: pool, lanes: lanes, view: nodeView, engine: engine, consNet: consNet, poolNet: poolNet}
	}
	return nodes, consHub
}

// seedCommittedLane writes a single-entry lane for owner, signed by every
// validator in signers, directly into every node's lane store — standing in
// for mempool's dissemination/PoDA flow so cut validation has a real,
// threshold-crossing PoDA to check without re-running the whole mempool
// pipeline in every consensus test.
func seedCommittedLane(t *testing.T, nodes []*clusterNode, owner *bftcrypto.FakeSigner, signers []*bftcrypto.FakeSigner, txSize int) model.CutEntry {
	t.Helper()
	return seedCommittedLaneInto(t, nodes, owner, signers, txSize)
}

// seedCommittedLaneInto is seedCommittedLane generalized to write only into
// a subset of nodes, so a test can leave one node's lane store genuinely
// short of the entry and exercise the real sync-request/sync-reply path
// instead of bypassing it.
func seedCommittedLaneInto(t *testing.T, into []*clusterNode, owner *bftcrypto.FakeSigner, signers []*bftcrypto.FakeSigner, txSize int) model.CutEntry {
	t.Helper()
	ctx := context.Background()
	dp := model.DataProposal{Txs: []model.Transaction{make(model.Transaction, txSize)}}
	hash := dp.Hash()
	cumul := dp.Size()

	var sigs []model.ValidatorDAG
	var components []bftcrypto.SignedComponent
	for _, s := range signers {
		dag := model.ValidatorDAG{Signer: s.PublicKey(), DPHash: hash, CumulSize: cumul}
		sig, err := s.Sign(dag.SigningPayload())
		if err != nil {
			t.Fatalf("sign dag: %v", err)
		}
		dag.Signature = sig
		sigs = append(sigs, dag)
		components = append(components, bftcrypto.SignedComponent{Signer: s.PublicKey(), Signature: sig})
	}
	meta := model.LaneEntryMetadata{CumulSize: cumul, Signatures: sigs}

	agg, err := owner.SignAggregate(model.ValidatorDAG{DPHash: hash, CumulSize: cumul}.SigningPayload(), components)
	if err != nil {
		t.Fatalf("sign aggregate: %v", err)
	}
	encoded, err := bftcrypto.EncodeSigs(agg.Sigs)
	if err != nil {
		t.Fatalf("encode sigs: %v", err)
	}
	poda := model.PoDA{DPHash: hash, CumulSize: cumul, Signers: agg.Signers, AggSig: encoded}

	for _, n := range into {
		if err := n.lanes.Append(ctx, owner.PublicKey(), hash, dp, meta); err != nil {
			t.Fatalf("append lane for node %s: %v", n.signer.PublicKey(), err)
		}
	}
	return model.CutEntry{LaneId: owner.PublicKey(), DPHash: hash, CumulSize: cumul, PoDA: poda}
}

// runAll starts every node's real mempool and consensus Run loops, for
// tests that need the actual sync-request/sync-reply exchange between
// mempool engines rather than a pre-seeded, already-consistent lane store.
func runAll(ctx context.Context, nodes []*clusterNode) {
	for _, n := range nodes {
		go n.pool.Run(ctx)
		go n.engine.Run(ctx)
	}
}

// pumpConsensus drains every node's consensus inbox, feeding each message
// (already signed and enveloped by the sender's own broadcast/sendTo) back
// through dispatch, until the deadline passes. A pass that finds every
// inbox empty sleeps briefly before polling again; it does not end the pump.
func pumpConsensus(t *testing.T, nodes []*clusterNode, deadline time.Duration) {
	t.Helper()
	ctx := context.Background()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		idle := true
		for _, n := range nodes {
			select {
			case msg := <-n.consNet.Inbox():
				idle = false
				if err := n.engine.dispatch(ctx, msg); err != nil {
					t.Logf("node %s dispatch %s: %v", n.signer.PublicKey(), msg.Kind, err)
				}
			default:
			}
		}
		if idle {
			time.Sleep(2 * time.Millisecond)
		}
	}
}
