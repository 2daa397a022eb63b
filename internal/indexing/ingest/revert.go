package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// Revert removes every indexed block in [from, to] inside tx and undoes its
// counter contributions: generator producedBlocks and rewards, vote
// aggregates and delegate totalVotesReceived. It returns the removed blocks,
// ascending.
func Revert(ctx context.Context, tx storage.Tx, from, to uint64) ([]*domain.Block, error) {
	blocks, err := tx.GetBlocksInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load blocks %d-%d: %w", from, to, err)
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	txIDs, err := tx.GetTransactionIDsInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load transaction ids %d-%d: %w", from, to, err)
	}
	votes, err := tx.GetVotesByTransactionIDs(ctx, txIDs)
	if err != nil {
		return nil, fmt.Errorf("load votes %d-%d: %w", from, to, err)
	}

	accounts := map[string]domain.AccountDelta{}
	subtract := func(d domain.AccountDelta) {
		cur, ok := accounts[d.Address]
		if !ok {
			cur = domain.AccountDelta{Address: d.Address}
		}
		accounts[d.Address] = cur.Add(d.Negate())
	}
	aggregates := map[string]*domain.VoteAggregate{}

	for _, b := range blocks {
		subtract(domain.AccountDelta{
			Address:        b.GeneratorAddress,
			ProducedBlocks: 1,
			Rewards:        b.Reward,
		})
	}
	for _, v := range votes {
		id := domain.VoteAggregateID(v.SentAddress, v.ReceivedAddress)
		agg, ok := aggregates[id]
		if !ok {
			agg = &domain.VoteAggregate{ID: id, SentAddress: v.SentAddress, ReceivedAddress: v.ReceivedAddress}
			aggregates[id] = agg
		}
		agg.Amount -= v.Amount
		subtract(domain.AccountDelta{Address: v.ReceivedAddress, TotalVotesReceived: v.Amount})
	}

	if err := applyAggregates(ctx, tx, sortedAggregates(aggregates)); err != nil {
		return nil, err
	}
	if err := applyAccounts(ctx, tx, sortedDeltas(accounts)); err != nil {
		return nil, err
	}

	if err := tx.DeleteVotesByTransactionIDs(ctx, txIDs); err != nil {
		return nil, fmt.Errorf("delete votes: %w", err)
	}
	if err := tx.DeleteMultisignaturesByTransactionIDs(ctx, txIDs); err != nil {
		return nil, fmt.Errorf("delete multisignatures: %w", err)
	}
	if err := tx.DeleteTransactionsByIDs(ctx, txIDs); err != nil {
		return nil, fmt.Errorf("delete transactions: %w", err)
	}
	if err := tx.DeleteBlocksInRange(ctx, from, to); err != nil {
		return nil, fmt.Errorf("delete blocks %d-%d: %w", from, to, err)
	}
	return blocks, nil
}

func applyAggregates(ctx context.Context, tx storage.Tx, aggs []*domain.VoteAggregate) error {
	for _, agg := range aggs {
		if agg.Amount == 0 {
			continue
		}
		if err := tx.ApplyVoteAggregate(ctx, agg); err != nil {
			return fmt.Errorf("apply vote aggregate %s->%s: %w", agg.SentAddress, agg.ReceivedAddress, err)
		}
	}
	return nil
}

func applyAccounts(ctx context.Context, tx storage.Tx, deltas []domain.AccountDelta) error {
	for _, d := range deltas {
		if d.IsZero() {
			continue
		}
		if err := tx.ApplyAccountDelta(ctx, d); err != nil {
			return fmt.Errorf("apply account delta %s: %w", d.Address, err)
		}
	}
	return nil
}

func sortedAggregates(m map[string]*domain.VoteAggregate) []*domain.VoteAggregate {
	out := make([]*domain.VoteAggregate, 0, len(m))
	for _, agg := range m {
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedDeltas(m map[string]domain.AccountDelta) []domain.AccountDelta {
	out := make([]domain.AccountDelta, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
