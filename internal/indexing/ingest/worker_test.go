package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/indexing/indextest"
	"github.com/vietddude/blockindex/internal/infra/node/nodetest"
	"github.com/vietddude/blockindex/internal/infra/storage"
	"github.com/vietddude/blockindex/internal/infra/storage/memory"
)

func setup(t *testing.T, n int) (*Worker, *nodetest.Chain, *memory.MemoryStorage, *indexstate.State) {
	t.Helper()
	chain := nodetest.NewChain(1)
	chain.Extend(n)
	store := memory.NewMemoryStorage()
	state := indexstate.New()
	state.SetGenesisHeight(1)
	state.ObserveChainHeight(chain.Height())
	return NewWorker(chain, store, state, "test"), chain, store, state
}

func indexRange(t *testing.T, w *Worker, from, to uint64) {
	t.Helper()
	for h := from; h <= to; h++ {
		require.NoError(t, w.IndexHeight(context.Background(), h))
	}
}

func TestIndexHeight_Completeness(t *testing.T) {
	w, chain, store, _ := setup(t, 10)

	indexRange(t, w, 1, 10)

	indextest.AssertIndexed(t, store, chain.Blocks())
	indextest.AssertCounters(t, store, chain.Blocks())

	// Vote rows exist for every vote transaction.
	votes, err := store.Transactions().GetVotesByTransactionID(context.Background(), "vote-block-4-f0")
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, int64(40), votes[0].Amount)
	assert.Equal(t, nodetest.MustAddress(nodetest.VoterKey), votes[0].SentAddress)
}

func TestIndexHeight_Idempotent(t *testing.T) {
	w, chain, store, _ := setup(t, 10)

	indexRange(t, w, 1, 10)
	indexRange(t, w, 1, 10)
	indexRange(t, w, 4, 6)

	indextest.AssertIndexed(t, store, chain.Blocks())
	indextest.AssertCounters(t, store, chain.Blocks())
}

func TestIndexHeight_MarksFinalBelowFinalizedHeight(t *testing.T) {
	w, _, store, state := setup(t, 10)
	state.SetFinalizedHeight(7)

	indexRange(t, w, 1, 10)

	for h := uint64(1); h <= 10; h++ {
		b, err := store.Blocks().GetByHeight(context.Background(), h)
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, h <= 7, b.IsFinal, "isFinal at height %d", h)
	}
}

func TestIndexHeight_RefreshNeverClearsFinality(t *testing.T) {
	w, _, store, state := setup(t, 3)
	state.SetFinalizedHeight(3)
	indexRange(t, w, 1, 3)

	// A fresh state knows no finalized height yet; re-ingest must keep the flag.
	w.state = indexstate.New()
	indexRange(t, w, 1, 3)

	b, err := store.Blocks().GetByHeight(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, b.IsFinal)
}

func TestIndexHeight_ReplacesForkedBlock(t *testing.T) {
	w, chain, store, _ := setup(t, 10)
	indexRange(t, w, 1, 10)
	old := chain.Blocks()

	chain.Fork(8)
	require.NoError(t, w.IndexHeight(context.Background(), 8))

	// 1..7 and 9..10 are still the old blocks, 8 is the new one.
	want := append([]*domain.Block{}, old[:7]...)
	want = append(want, chain.Block(8))
	want = append(want, old[8:]...)

	indextest.AssertIndexed(t, store, want)
	indextest.AssertCounters(t, store, want)

	ctx := context.Background()
	tx, err := store.Transactions().GetByID(ctx, "vote-block-8-f0")
	require.NoError(t, err)
	assert.Nil(t, tx, "orphaned transaction must be removed")

	votes, err := store.Transactions().GetVotesByTransactionID(ctx, "vote-block-8-f0")
	require.NoError(t, err)
	assert.Empty(t, votes)

	tx, err = store.Transactions().GetByID(ctx, "vote-block-8-f1")
	require.NoError(t, err)
	assert.NotNil(t, tx)
}

func TestIndexHeight_RefusesToReplaceFinalBlock(t *testing.T) {
	w, chain, store, state := setup(t, 5)
	state.SetFinalizedHeight(5)
	indexRange(t, w, 1, 5)
	before := chain.Blocks()

	chain.Fork(4)
	err := w.IndexHeight(context.Background(), 4)
	require.ErrorIs(t, err, domain.ErrForkBelowFinality)

	indextest.AssertIndexed(t, store, before)
	indextest.AssertCounters(t, store, before)
}

func TestIndexHeight_MalformedBlockWritesNothing(t *testing.T) {
	w, chain, store, _ := setup(t, 3)
	bad := chain.Block(2)
	bad.GeneratorPublicKey = ""
	bad.GeneratorAddress = ""
	chain.SetBlock(bad)

	err := w.IndexHeight(context.Background(), 2)
	require.ErrorIs(t, err, domain.ErrMalformedBlock)

	n, err := store.Blocks().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndexHeight_NodeErrorIsReturned(t *testing.T) {
	w, chain, store, _ := setup(t, 3)
	chain.FailHeight(2, fmt.Errorf("connection refused"))

	err := w.IndexHeight(context.Background(), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	b, err := store.Blocks().GetByHeight(context.Background(), 2)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestIndexHeight_WaitsForRollbackFence(t *testing.T) {
	w, _, store, state := setup(t, 10)

	release, err := state.Fence().Lock(context.Background(), 5)
	require.NoError(t, err)

	// Below the fence: not blocked.
	require.NoError(t, w.IndexHeight(context.Background(), 4))

	done := make(chan error, 1)
	go func() { done <- w.IndexHeight(context.Background(), 6) }()

	select {
	case <-done:
		t.Fatal("ingest at a fenced height must wait for the rollback")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ingest did not resume after the fence was released")
	}

	b, err := store.Blocks().GetByHeight(context.Background(), 6)
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestIndexHeight_DerivedRows(t *testing.T) {
	w, chain, store, _ := setup(t, 2)

	sender := fmt.Sprintf("%064x", 0xc1)
	memberA := fmt.Sprintf("%064x", 0xd1)
	memberB := fmt.Sprintf("%064x", 0xd2)
	delegate := nodetest.MustAddress(nodetest.GeneratorKeys[0])

	b := chain.Block(2)
	b.Transactions = []*domain.Transaction{
		{
			ID:              "reg",
			ModuleAssetID:   domain.ModuleAssetRegisterDelegate,
			SenderPublicKey: sender,
			SenderAddress:   nodetest.MustAddress(sender),
			Asset:           domain.TransactionAsset{Username: "alice"},
		},
		{
			ID:              "multi",
			ModuleAssetID:   domain.ModuleAssetRegisterMultisignature,
			SenderPublicKey: sender,
			SenderAddress:   nodetest.MustAddress(sender),
			Asset: domain.TransactionAsset{
				MandatoryKeys:      []string{memberA},
				OptionalKeys:       []string{memberB},
				NumberOfSignatures: 2,
			},
		},
		{
			ID:              "votes",
			ModuleAssetID:   domain.ModuleAssetVoteDelegate,
			SenderPublicKey: sender,
			SenderAddress:   nodetest.MustAddress(sender),
			Asset: domain.TransactionAsset{Votes: []domain.VoteInstruction{
				{DelegateAddress: delegate, Amount: 100},
				{DelegateAddress: delegate, Amount: -30},
			}},
		},
	}
	chain.SetBlock(b)

	require.NoError(t, w.IndexHeight(context.Background(), 2))
	ctx := context.Background()

	acc, err := store.Accounts().GetByAddress(ctx, nodetest.MustAddress(sender))
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.True(t, acc.IsDelegate)
	assert.Equal(t, "alice", acc.Username)
	assert.Equal(t, sender, acc.PublicKey)

	ms, err := store.Transactions().GetMultisignaturesByTransactionID(ctx, "multi")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	mandatory := 0
	for _, m := range ms {
		assert.Equal(t, nodetest.MustAddress(sender), m.GroupAddress)
		assert.Equal(t, 2, m.NumberOfSignatures)
		if m.IsMandatory {
			mandatory++
			assert.Equal(t, nodetest.MustAddress(memberA), m.MemberAddress)
		}
	}
	assert.Equal(t, 1, mandatory)

	votes, err := store.Transactions().GetVotesByTransactionID(ctx, "votes")
	require.NoError(t, err)
	require.Len(t, votes, 1, "instructions for one delegate merge into one row")
	assert.Equal(t, int64(70), votes[0].Amount)

	agg, err := store.Accounts().GetVoteAggregate(ctx, nodetest.MustAddress(sender), delegate)
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, int64(70), agg.Amount)

	// Rolling the block back removes every derived row and counter.
	require.NoError(t, store.Atomic(ctx, func(tx storage.Tx) error {
		removed, err := Revert(ctx, tx, 2, 2)
		assert.Len(t, removed, 1)
		return err
	}))
	ms, err = store.Transactions().GetMultisignaturesByTransactionID(ctx, "multi")
	require.NoError(t, err)
	assert.Empty(t, ms)
	agg, err = store.Accounts().GetVoteAggregate(ctx, nodetest.MustAddress(sender), delegate)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.Amount)
	indextest.AssertCounters(t, store, chain.Blocks()[:1])
}
