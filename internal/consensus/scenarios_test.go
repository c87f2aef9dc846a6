package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/pkg/config"
)

func testConsensusConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		SlotDuration:     50 * time.Millisecond,
		TimeoutBase:      100 * time.Millisecond,
		TimeoutIncrement: 20 * time.Millisecond,
	}
}

func leaderIndex(t *testing.T, nodes []*clusterNode, slot, view uint64) int {
	t.Helper()
	for i, n := range nodes {
		leader, ok := n.view.Leader(slot, view)
		if ok && leader == n.signer.PublicKey() {
			return i
		}
	}
	t.Fatalf("no leader found for (%d,%d)", slot, view)
	return -1
}

// TestHappyPathCommit drives a single slot through Prepare, Confirm and
// Commit across four validators and checks every node lands on slot 1 with
// the same committed proposal hash.
func TestHappyPathCommit(t *testing.T) {
	signers, view := fourEqualValidators(t)
	cfg := testConsensusConfig()
	// The slot-1 leader sees the same cut as slot 0 and waits one
	// SlotDuration before proposing it again; both that wait and the view-0
	// timeout outlast the 2s pump below, so the cluster stops at slot 1.
	cfg.SlotDuration = 5 * time.Second
	cfg.TimeoutBase = 5 * time.Second
	nodes, _ := newCluster(t, signers, view, cfg)
	ctx := context.Background()

	seedCommittedLane(t, nodes, signers[0], signers, 16)

	genesisHash := model.ConsensusProposalHash{}
	for _, n := range nodes {
		n.engine.Bootstrap(ctx, genesisHash, nil)
	}

	pumpConsensus(t, nodes, 2*time.Second)

	for _, n := range nodes {
		n.engine.mu.Lock()
		slot := n.engine.state.Slot
		parent := n.engine.state.ParentHash
		n.engine.mu.Unlock()
		if slot != 1 {
			t.Fatalf("node %s expected to have advanced to slot 1, got %d", n.signer.PublicKey(), slot)
		}
		if parent == (model.ConsensusProposalHash{}) {
			t.Fatalf("node %s committed a zero proposal hash", n.signer.PublicKey())
		}
	}

	firstParent := nodes[0].engine.state.ParentHash
	for _, n := range nodes[1:] {
		if n.engine.state.ParentHash != firstParent {
			t.Fatalf("nodes disagree on committed proposal hash")
		}
	}
}

// TestEmptyMempoolDelaysReproposal checks that when QueryNewCut returns the
// same (empty) cut as the parent and the ticket is not a timeout ticket,
// StartNewSlot defers rather than immediately proposing an empty cut.
func TestEmptyMempoolDelaysReproposal(t *testing.T) {
	signers, view := fourEqualValidators(t)
	cfg := testConsensusConfig()
	cfg.SlotDuration = 300 * time.Millisecond
	nodes, _ := newCluster(t, signers, view, cfg)
	ctx := context.Background()

	idx := leaderIndex(t, nodes, 0, 0)
	leader := nodes[idx]

	leader.engine.mu.Lock()
	leader.engine.state = model.BftRoundState{Slot: 0, View: 0, StateTag: model.StateJoining}
	leader.engine.mu.Unlock()

	start := time.Now()
	leader.engine.StartNewSlot(ctx, model.Ticket{Kind: model.TicketGenesis}, start.Add(120*time.Millisecond))

	leader.engine.mu.Lock()
	proposed := leader.engine.state.CurrentProposal != nil
	leader.engine.mu.Unlock()
	if proposed {
		t.Fatalf("expected leader to delay proposing an empty cut, but it proposed immediately")
	}

	time.Sleep(250 * time.Millisecond)

	leader.engine.mu.Lock()
	proposed = leader.engine.state.CurrentProposal != nil
	leader.engine.mu.Unlock()
	if !proposed {
		t.Fatalf("expected leader to eventually propose after its delay window elapsed")
	}
}

// TestTimeoutDrivesViewChangeAndReproposal checks that when the slot-0
// leader never sends a Prepare, the remaining validators accumulate timeout
// votes into a TimeoutQC and the new leader starts view 1 by reusing any
// proposal it had already voted for at that slot (here, none: it proposes
// fresh under the TimeoutQC ticket).
func TestTimeoutDrivesViewChangeAndReproposal(t *testing.T) {
	signers, view := fourEqualValidators(t)
	cfg := testConsensusConfig()
	cfg.TimeoutBase = 60 * time.Millisecond
	cfg.TimeoutIncrement = 10 * time.Millisecond
	nodes, _ := newCluster(t, signers, view, cfg)
	ctx := context.Background()

	stalledLeaderIdx := leaderIndex(t, nodes, 0, 0)

	genesisHash := model.ConsensusProposalHash{}
	for i, n := range nodes {
		if i == stalledLeaderIdx {
			// Reach the same Joining-with-timer state Bootstrap would produce,
			// but never call StartNewSlot, simulating a leader that is
			// unreachable and never broadcasts Prepare.
			n.engine.mu.Lock()
			n.engine.state = model.BftRoundState{Slot: 0, View: 0, ParentHash: genesisHash, StateTag: model.StateJoining}
			n.engine.mu.Unlock()
			n.engine.armTimeout(ctx, 0, 0)
			continue
		}
		n.engine.Bootstrap(ctx, genesisHash, nil)
	}

	pumpConsensus(t, nodes, 2*time.Second)

	for _, n := range nodes {
		n.engine.mu.Lock()
		v := n.engine.state.View
		n.engine.mu.Unlock()
		if v == 0 {
			t.Fatalf("node %s never advanced past view 0 after the leader stalled", n.signer.PublicKey())
		}
	}
}
