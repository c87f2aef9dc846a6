// Package tests exercises the mempool and consensus engines together
// end to end: real Run loops, a real in-memory network, and no
// pre-seeded lane state, mirroring the happy-path-commit and view-change
// scenarios the package-level tests in internal/consensus cover with
// pre-seeded fixtures and a hand-driven message pump instead.
package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rechain/bftcore/internal/bftcrypto"
	"github.com/rechain/bftcore/internal/consensus"
	"github.com/rechain/bftcore/internal/lanestore"
	"github.com/rechain/bftcore/internal/mempool"
	"github.com/rechain/bftcore/internal/metrics"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/staking"
	"github.com/rechain/bftcore/pkg/config"
	"github.com/rechain/bftcore/testutil"
)

type fullNode struct {
	signer *bftcrypto.FakeSigner
	pool   *mempool.Engine
	engine *consensus.Engine
}

func startFullCluster(t *testing.T, n int) []*fullNode {
	t.Helper()
	signers, view := testutil.FixedValidatorSet(t, n)
	poolHub := testutil.NewHub(signers)
	consHub := testutil.NewHub(signers)

	mcfg := config.MempoolConfig{
		NewDPTickInterval:   15 * time.Millisecond,
		DisseminateInterval: 25 * time.Millisecond,
		BufferGCTicks:       20,
		WorkerPoolSize:      2,
	}
	ccfg := config.ConsensusConfig{
		SlotDuration:     40 * time.Millisecond,
		TimeoutBase:      300 * time.Millisecond,
		TimeoutIncrement: 50 * time.Millisecond,
	}

	nodes := make([]*fullNode, n)
	for i, s := range signers {
		nodeView := view.Clone()
		lanes := lanestore.NewLaneStore(lanestore.NewMemStore())
		pool := mempool.New(s, lanes, poolHub.NetworkFor(s.PublicKey()), nodeView, mcfg, nil, metrics.NewForTests())
		engine := consensus.New(s, consHub.NetworkFor(s.PublicKey()), pool, pool, pool, nodeView, ccfg, nil, metrics.NewForTests())
		nodes[i] = &fullNode{signer: s, pool: pool, engine: engine}
	}
	return nodes
}

// TestHappyPathCommitEndToEnd submits one transaction to a single
// validator's lane and checks that every node in the cluster eventually
// commits slot 0 and that all nodes agree on the committed proposal hash,
// without any test code touching lane storage or quorum state directly
// (the committed cut's contents are not inspected) — everything
// flows through SubmitTx, the real dissemination/voting ticks, and the
// real Prepare/Confirm/Commit exchange.
func TestHappyPathCommitEndToEnd(t *testing.T) {
	nodes := startFullCluster(t, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, n := range nodes {
		go n.pool.Run(ctx)
		go n.engine.Run(ctx)
	}

	nodes[0].pool.SubmitTx(model.Transaction("integration-test-payload"))

	// Give the mempool pipeline (stage DP, disseminate, vote, aggregate
	// PoDA) a head start so the first cut consensus queries already carries
	// the submitted transaction, rather than racing it and committing an
	// empty cut first per the empty-mempool backoff behavior.
	time.Sleep(200 * time.Millisecond)

	genesisHash := model.ConsensusProposalHash{}
	for _, n := range nodes {
		n.engine.Bootstrap(ctx, genesisHash, nil)
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.engine.State().Slot < 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "all nodes should have committed slot 0")

	firstParent := nodes[0].engine.State().ParentHash
	require.NotEqual(t, model.ConsensusProposalHash{}, firstParent, "committed proposal hash should not be the zero hash")
	for _, n := range nodes[1:] {
		require.Equal(t, firstParent, n.engine.State().ParentHash, "all nodes must commit the same proposal hash for slot 0")
	}
}

// TestViewChangeOnUnresponsiveLeaderEndToEnd bootstraps every node and
// starts every node's mempool engine, but only drives consensus.Run for the
// non-leader nodes, simulating a slot-0 leader that is reachable for
// mempool traffic and broadcasts its slot-0 Prepare but never processes the
// votes it receives. The surviving validators must still reach a TimeoutQC
// and move past view 0.
func TestViewChangeOnUnresponsiveLeaderEndToEnd(t *testing.T) {
	signers, view := testutil.FixedValidatorSet(t, 4)
	poolHub := testutil.NewHub(signers)
	consHub := testutil.NewHub(signers)

	mcfg := config.MempoolConfig{
		NewDPTickInterval:   15 * time.Millisecond,
		DisseminateInterval: 25 * time.Millisecond,
		BufferGCTicks:       20,
		WorkerPoolSize:      2,
	}
	ccfg := config.ConsensusConfig{
		SlotDuration:     40 * time.Millisecond,
		TimeoutBase:      150 * time.Millisecond,
		TimeoutIncrement: 30 * time.Millisecond,
	}

	type member struct {
		signer *bftcrypto.FakeSigner
		pool   *mempool.Engine
		engine *consensus.Engine
		view   *staking.View
	}
	members := make([]*member, len(signers))
	for i, s := range signers {
		nodeView := view.Clone()
		lanes := lanestore.NewLaneStore(lanestore.NewMemStore())
		pool := mempool.New(s, lanes, poolHub.NetworkFor(s.PublicKey()), nodeView, mcfg, nil, metrics.NewForTests())
		engine := consensus.New(s, consHub.NetworkFor(s.PublicKey()), pool, pool, pool, nodeView, ccfg, nil, metrics.NewForTests())
		members[i] = &member{signer: s, pool: pool, engine: engine, view: nodeView}
	}

	var stalledIdx int
	for i, m := range members {
		leader, ok := m.view.Leader(0, 0)
		if ok && leader == m.signer.PublicKey() {
			stalledIdx = i
			break
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	genesisHash := model.ConsensusProposalHash{}
	for i, m := range members {
		go m.pool.Run(ctx)
		if i != stalledIdx {
			go m.engine.Run(ctx)
		}
		m.engine.Bootstrap(ctx, genesisHash, nil)
	}

	require.Eventually(t, func() bool {
		for i, m := range members {
			if i == stalledIdx {
				continue
			}
			if m.engine.State().View == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "surviving validators should view-change past the stalled leader's view 0")
}
