// Package indextest holds assertions shared by the indexing package tests.
package indextest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/node/nodetest"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// Totals are the counters a set of blocks contributes.
type Totals struct {
	ProducedBlocks     map[string]int64
	Rewards            map[string]int64
	TotalVotesReceived map[string]int64
	Aggregates         map[[2]string]int64
}

// Sum computes the expected counters of blocks.
func Sum(blocks []*domain.Block) Totals {
	t := Totals{
		ProducedBlocks:     map[string]int64{},
		Rewards:            map[string]int64{},
		TotalVotesReceived: map[string]int64{},
		Aggregates:         map[[2]string]int64{},
	}
	for _, b := range blocks {
		t.ProducedBlocks[b.GeneratorAddress]++
		t.Rewards[b.GeneratorAddress] += b.Reward
		for _, tx := range b.Transactions {
			if tx.ModuleAssetID != domain.ModuleAssetVoteDelegate {
				continue
			}
			for _, v := range tx.Asset.Votes {
				t.TotalVotesReceived[v.DelegateAddress] += v.Amount
				t.Aggregates[[2]string{tx.SenderAddress, v.DelegateAddress}] += v.Amount
			}
		}
	}
	return t
}

// AssertCounters checks that the account and vote aggregate counters in store
// equal the contributions of exactly the given blocks.
func AssertCounters(t testing.TB, store storage.Store, blocks []*domain.Block) {
	t.Helper()
	ctx := context.Background()
	want := Sum(blocks)

	voter := nodetest.MustAddress(nodetest.VoterKey)
	for _, key := range nodetest.GeneratorKeys {
		addr := nodetest.MustAddress(key)

		acc, err := store.Accounts().GetByAddress(ctx, addr)
		require.NoError(t, err)
		var got domain.Account
		if acc != nil {
			got = *acc
		}
		assert.Equal(t, want.ProducedBlocks[addr], got.ProducedBlocks, "producedBlocks of %s", addr)
		assert.Equal(t, want.Rewards[addr], got.Rewards, "rewards of %s", addr)
		assert.Equal(t, want.TotalVotesReceived[addr], got.TotalVotesReceived, "totalVotesReceived of %s", addr)

		agg, err := store.Accounts().GetVoteAggregate(ctx, voter, addr)
		require.NoError(t, err)
		var amount int64
		if agg != nil {
			amount = agg.Amount
		}
		assert.Equal(t, want.Aggregates[[2]string{voter, addr}], amount, "vote aggregate %s->%s", voter, addr)
	}
}

// AssertIndexed checks that the store holds exactly blocks, by height and id.
func AssertIndexed(t testing.TB, store storage.Store, blocks []*domain.Block) {
	t.Helper()
	ctx := context.Background()

	count, err := store.Blocks().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(blocks)), count, "indexed block count")

	for _, b := range blocks {
		got, err := store.Blocks().GetByHeight(ctx, b.Height)
		require.NoError(t, err)
		if assert.NotNil(t, got, "block at height %d", b.Height) {
			assert.Equal(t, b.ID, got.ID, "block id at height %d", b.Height)
		}
		txs, err := store.Transactions().GetByHeight(ctx, b.Height)
		require.NoError(t, err)
		assert.Len(t, txs, len(b.Transactions), "transactions at height %d", b.Height)
	}
}
