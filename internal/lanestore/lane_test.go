package lanestore

import (
	"context"
	"testing"

	"github.com/rechain/bftcore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dpSize(dp model.DataProposal) model.LaneBytesSize {
	return dp.Size()
}

func testLane(b byte) model.LaneId {
	var l model.LaneId
	l[0] = b
	return l
}

func appendGenesis(t *testing.T, ctx context.Context, ls *LaneStore, lane model.LaneId, txs ...model.Transaction) model.DataProposalHash {
	t.Helper()
	dp := model.DataProposal{Txs: txs}
	hash := dp.Hash()
	meta := model.LaneEntryMetadata{CumulSize: dp.Size()}
	require.NoError(t, ls.Append(ctx, lane, hash, dp, meta))
	return hash
}

func appendChild(t *testing.T, ctx context.Context, ls *LaneStore, lane model.LaneId, parent model.DataProposalHash, parentSize model.LaneBytesSize, txs ...model.Transaction) model.DataProposalHash {
	t.Helper()
	dp := model.DataProposal{Parent: &parent, Txs: txs}
	hash := dp.Hash()
	meta := model.LaneEntryMetadata{Parent: &parent, CumulSize: parentSize + dp.Size()}
	require.NoError(t, ls.Append(ctx, lane, hash, dp, meta))
	return hash
}

func TestAppendRejectsParentMismatch(t *testing.T) {
	ctx := context.Background()
	ls := NewLaneStore(NewMemStore())
	lane := testLane(1)
	appendGenesis(t, ctx, ls, lane, []byte("tx0"))

	wrongParent := model.DataProposalHash{9, 9, 9}
	dp := model.DataProposal{Parent: &wrongParent, Txs: []model.Transaction{[]byte("tx1")}}
	err := ls.Append(ctx, lane, dp.Hash(), dp, model.LaneEntryMetadata{Parent: &wrongParent, CumulSize: dp.Size()})
	assert.Error(t, err)
}

func TestAppendRejectsCumulSizeRegression(t *testing.T) {
	ctx := context.Background()
	ls := NewLaneStore(NewMemStore())
	lane := testLane(1)
	genesis := appendGenesis(t, ctx, ls, lane, []byte("0123456789"))

	dp := model.DataProposal{Parent: &genesis, Txs: []model.Transaction{[]byte("tx")}}
	err := ls.Append(ctx, lane, dp.Hash(), dp, model.LaneEntryMetadata{Parent: &genesis, CumulSize: 1})
	assert.Error(t, err)
}

func TestTipAdvancesOnAppend(t *testing.T) {
	ctx := context.Background()
	ls := NewLaneStore(NewMemStore())
	lane := testLane(1)
	g := appendGenesis(t, ctx, ls, lane, []byte("tx0"))
	tipHash, _, ok, err := ls.Tip(ctx, lane)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, g, tipHash)

	c := appendChild(t, ctx, ls, lane, g, dpSize(model.DataProposal{Txs: []model.Transaction{[]byte("tx0")}}), []byte("tx1"))
	tipHash, _, ok, err = ls.Tip(ctx, lane)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c, tipHash)
}

func TestAddSignatureDedupsBySigner(t *testing.T) {
	ctx := context.Background()
	ls := NewLaneStore(NewMemStore())
	lane := testLane(1)
	g := appendGenesis(t, ctx, ls, lane, []byte("tx0"))

	var signer model.ValidatorPublicKey
	signer[0] = 5
	sig := model.ValidatorDAG{Signer: signer, DPHash: g, CumulSize: 3}

	n, err := ls.AddSignature(ctx, lane, g, sig)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ls.AddSignature(ctx, lane, g, sig)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "duplicate signer must not be counted twice")
}

func TestChainReturnsEntriesInIncreasingOrder(t *testing.T) {
	ctx := context.Background()
	ls := NewLaneStore(NewMemStore())
	lane := testLane(1)

	g := appendGenesis(t, ctx, ls, lane, []byte("tx0"))
	size0 := dpSize(model.DataProposal{Txs: []model.Transaction{[]byte("tx0")}})
	c1 := appendChild(t, ctx, ls, lane, g, size0, []byte("tx1"))
	size1 := size0 + dpSize(model.DataProposal{Txs: []model.Transaction{[]byte("tx1")}})
	c2 := appendChild(t, ctx, ls, lane, c1, size1, []byte("tx2"))

	entries, err := ls.Chain(ctx, lane, nil, &c2)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, g, entries[0].Hash)
	assert.Equal(t, c1, entries[1].Hash)
	assert.Equal(t, c2, entries[2].Hash)
}

func TestChainExclusiveOfFrom(t *testing.T) {
	ctx := context.Background()
	ls := NewLaneStore(NewMemStore())
	lane := testLane(1)

	g := appendGenesis(t, ctx, ls, lane, []byte("tx0"))
	size0 := dpSize(model.DataProposal{Txs: []model.Transaction{[]byte("tx0")}})
	c1 := appendChild(t, ctx, ls, lane, g, size0, []byte("tx1"))
	size1 := size0 + dpSize(model.DataProposal{Txs: []model.Transaction{[]byte("tx1")}})
	c2 := appendChild(t, ctx, ls, lane, c1, size1, []byte("tx2"))

	entries, err := ls.Chain(ctx, lane, &g, &c2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, c1, entries[0].Hash)
	assert.Equal(t, c2, entries[1].Hash)
}

func TestPruneBeforeKeepsOneEntryBeforeCommitted(t *testing.T) {
	ctx := context.Background()
	ls := NewLaneStore(NewMemStore())
	lane := testLane(1)

	g := appendGenesis(t, ctx, ls, lane, []byte("tx0"))
	size0 := dpSize(model.DataProposal{Txs: []model.Transaction{[]byte("tx0")}})
	c1 := appendChild(t, ctx, ls, lane, g, size0, []byte("tx1"))
	size1 := size0 + dpSize(model.DataProposal{Txs: []model.Transaction{[]byte("tx1")}})
	c2 := appendChild(t, ctx, ls, lane, c1, size1, []byte("tx2"))

	// Committed entry is c2; keep one entry before it (c1), prune g.
	require.NoError(t, ls.PruneBefore(ctx, lane, c1))

	has, err := ls.Has(ctx, lane, g)
	require.NoError(t, err)
	assert.False(t, has)

	has, err = ls.Has(ctx, lane, c1)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = ls.Has(ctx, lane, c2)
	require.NoError(t, err)
	assert.True(t, has)
}
