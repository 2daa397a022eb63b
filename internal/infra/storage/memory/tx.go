package memory

import (
	"context"
	"slices"
	"sort"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// Tx applies writes to the working copy of an Atomic call.
type Tx struct {
	st *state
}

var _ storage.Tx = (*Tx)(nil)

func (t *Tx) InsertBlock(ctx context.Context, b *domain.Block) (bool, error) {
	if _, ok := t.st.blocks[b.Height]; ok {
		return false, nil
	}
	row := *b
	row.Transactions = nil
	t.st.blocks[b.Height] = row
	return true, nil
}

func (t *Tx) GetBlockForUpdate(ctx context.Context, height uint64) (*domain.Block, error) {
	b, ok := t.st.blocks[height]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (t *Tx) RefreshBlock(ctx context.Context, b *domain.Block) error {
	existing, ok := t.st.blocks[b.Height]
	if !ok || existing.ID != b.ID {
		return nil
	}
	existing.Timestamp = b.Timestamp
	existing.Size = b.Size
	existing.TotalFee = b.TotalFee
	existing.NumberOfTransactions = b.NumberOfTransactions
	existing.IsFinal = existing.IsFinal || b.IsFinal
	t.st.blocks[b.Height] = existing
	return nil
}

func (t *Tx) UpsertTransactions(ctx context.Context, txs []*domain.Transaction) error {
	for _, tx := range txs {
		t.st.txs[tx.ID] = *tx
	}
	return nil
}

func (t *Tx) UpsertMultisignatures(ctx context.Context, rows []*domain.Multisignature) error {
	for _, m := range rows {
		t.st.multisignatures[m.ID] = *m
	}
	return nil
}

func (t *Tx) UpsertVotes(ctx context.Context, votes []*domain.Vote) error {
	for _, v := range votes {
		t.st.votes[v.TempID] = *v
	}
	return nil
}

func (t *Tx) ApplyVoteAggregate(ctx context.Context, agg *domain.VoteAggregate) error {
	id := agg.ID
	if id == "" {
		id = domain.VoteAggregateID(agg.SentAddress, agg.ReceivedAddress)
	}
	row, ok := t.st.aggregates[id]
	if !ok {
		row = domain.VoteAggregate{ID: id, SentAddress: agg.SentAddress, ReceivedAddress: agg.ReceivedAddress}
	}
	row.Amount += agg.Amount
	row.Timestamp = max(row.Timestamp, agg.Timestamp)
	t.st.aggregates[id] = row
	return nil
}

func (t *Tx) ApplyAccountDelta(ctx context.Context, d domain.AccountDelta) error {
	row, ok := t.st.accounts[d.Address]
	if !ok {
		row = domain.Account{Address: d.Address}
	}
	if d.PublicKey != "" {
		row.PublicKey = d.PublicKey
	}
	row.ProducedBlocks += d.ProducedBlocks
	row.Rewards += d.Rewards
	row.TotalVotesReceived += d.TotalVotesReceived
	t.st.accounts[d.Address] = row
	return nil
}

func (t *Tx) UpsertAccountInfo(ctx context.Context, a *domain.Account) error {
	row, ok := t.st.accounts[a.Address]
	if !ok {
		row = domain.Account{Address: a.Address}
	}
	if a.PublicKey != "" {
		row.PublicKey = a.PublicKey
	}
	row.IsDelegate = row.IsDelegate || a.IsDelegate
	if a.Balance != 0 {
		row.Balance = a.Balance
	}
	if a.Username != "" {
		row.Username = a.Username
	}
	t.st.accounts[a.Address] = row
	return nil
}

func (t *Tx) GetBlocksInRange(ctx context.Context, from, to uint64) ([]*domain.Block, error) {
	var out []*domain.Block
	for h, b := range t.st.blocks {
		if h >= from && h <= to {
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out, nil
}

func (t *Tx) GetTransactionIDsInRange(ctx context.Context, from, to uint64) ([]string, error) {
	var ids []string
	for id, tx := range t.st.txs {
		if tx.Height >= from && tx.Height <= to {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (t *Tx) GetVotesByTransactionIDs(ctx context.Context, ids []string) ([]*domain.Vote, error) {
	var out []*domain.Vote
	for _, v := range t.st.votes {
		if slices.Contains(ids, v.ID) {
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TempID < out[j].TempID })
	return out, nil
}

func (t *Tx) DeleteVotesByTransactionIDs(ctx context.Context, ids []string) error {
	for key, v := range t.st.votes {
		if slices.Contains(ids, v.ID) {
			delete(t.st.votes, key)
		}
	}
	return nil
}

func (t *Tx) DeleteMultisignaturesByTransactionIDs(ctx context.Context, ids []string) error {
	for key, m := range t.st.multisignatures {
		if slices.Contains(ids, m.TransactionID) {
			delete(t.st.multisignatures, key)
		}
	}
	return nil
}

func (t *Tx) DeleteTransactionsByIDs(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(t.st.txs, id)
	}
	return nil
}

func (t *Tx) DeleteBlocksInRange(ctx context.Context, from, to uint64) error {
	for h := range t.st.blocks {
		if h >= from && h <= to {
			delete(t.st.blocks, h)
		}
	}
	return nil
}
