package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// UnitOfWork bundles all persistence operations of one job into a single
// database transaction, ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	tx *sqlx.Tx
}

var _ storage.Tx = (*UnitOfWork)(nil)

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	return &UnitOfWork{tx: tx}, nil
}

// Atomic runs fn in a unit of work and commits it when fn succeeds.
func (db *DB) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	uow, err := db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = uow.Rollback() }()

	if err := fn(uow); err != nil {
		return err
	}
	return uow.Commit()
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	if err != nil {
		return fmt.Errorf("failed to commit: %w", classify(err))
	}
	return nil
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

func (u *UnitOfWork) InsertBlock(ctx context.Context, b *domain.Block) (bool, error) {
	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO blocks (`+blockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (height) DO NOTHING`,
		int64(b.Height), b.ID, b.Timestamp, b.GeneratorPublicKey, b.GeneratorAddress,
		b.Size, b.Reward, b.TotalFee, b.NumberOfTransactions, b.IsFinal,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert block %d: %w", b.Height, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (u *UnitOfWork) GetBlockForUpdate(ctx context.Context, height uint64) (*domain.Block, error) {
	block, err := getBlock(ctx, u.tx,
		`SELECT `+blockColumns+` FROM blocks WHERE height = $1 FOR UPDATE`, int64(height))
	if err != nil {
		return nil, fmt.Errorf("failed to lock block %d: %w", height, err)
	}
	return block, nil
}

func (u *UnitOfWork) RefreshBlock(ctx context.Context, b *domain.Block) error {
	_, err := u.tx.ExecContext(ctx, `
		UPDATE blocks SET
			timestamp = $3,
			size = $4,
			total_fee = $5,
			number_of_transactions = $6,
			is_final = is_final OR $7
		WHERE height = $1 AND id = $2`,
		int64(b.Height), b.ID, b.Timestamp, b.Size, b.TotalFee, b.NumberOfTransactions, b.IsFinal,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh block %d: %w", b.Height, classify(err))
	}
	return nil
}

// UpsertTransactions saves multiple transactions using a multi-row INSERT.
func (u *UnitOfWork) UpsertTransactions(ctx context.Context, txs []*domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	n := len(txs)
	ids := make([]string, n)
	heights := make([]int64, n)
	moduleAssetIDs := make([]string, n)
	nonces := make([]int64, n)
	blockIDs := make([]string, n)
	timestamps := make([]int64, n)
	senderPublicKeys := make([]string, n)
	senderAddresses := make([]string, n)
	recipientIDs := make([]string, n)
	amounts := make([]int64, n)
	datas := make([]string, n)
	sizes := make([]int64, n)
	fees := make([]int64, n)
	minFees := make([]int64, n)

	for i, tx := range txs {
		row := newTransactionRow(tx)
		ids[i] = row.ID
		heights[i] = row.Height
		moduleAssetIDs[i] = row.ModuleAssetID
		nonces[i] = row.Nonce
		blockIDs[i] = row.BlockID
		timestamps[i] = row.Timestamp
		senderPublicKeys[i] = row.SenderPublicKey
		senderAddresses[i] = row.SenderAddress
		recipientIDs[i] = row.RecipientID
		amounts[i] = row.Amount
		datas[i] = row.Data
		sizes[i] = int64(row.Size)
		fees[i] = row.Fee
		minFees[i] = row.MinFee
	}

	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		SELECT * FROM unnest(
			$1::text[], $2::bigint[], $3::text[], $4::bigint[], $5::text[], $6::bigint[], $7::text[],
			$8::text[], $9::text[], $10::bigint[], $11::text[], $12::bigint[], $13::bigint[], $14::bigint[]
		)
		ON CONFLICT (id) DO UPDATE SET
			height = EXCLUDED.height,
			block_id = EXCLUDED.block_id,
			timestamp = EXCLUDED.timestamp,
			sender_address = EXCLUDED.sender_address,
			recipient_id = EXCLUDED.recipient_id,
			amount = EXCLUDED.amount,
			data = EXCLUDED.data,
			size = EXCLUDED.size,
			fee = EXCLUDED.fee,
			min_fee = EXCLUDED.min_fee`,
		ids, heights, moduleAssetIDs, nonces, blockIDs, timestamps, senderPublicKeys,
		senderAddresses, recipientIDs, amounts, datas, sizes, fees, minFees,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert transactions: %w", classify(err))
	}
	return nil
}

func (u *UnitOfWork) UpsertMultisignatures(ctx context.Context, rows []*domain.Multisignature) error {
	for _, m := range rows {
		_, err := u.tx.ExecContext(ctx, `
			INSERT INTO multisignatures (id, transaction_id, group_address, member_address, is_mandatory, number_of_signatures)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				is_mandatory = EXCLUDED.is_mandatory,
				number_of_signatures = EXCLUDED.number_of_signatures`,
			m.ID, m.TransactionID, m.GroupAddress, m.MemberAddress, m.IsMandatory, m.NumberOfSignatures,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert multisignature %s: %w", m.ID, classify(err))
		}
	}
	return nil
}

// UpsertVotes saves multiple votes using a multi-row INSERT.
func (u *UnitOfWork) UpsertVotes(ctx context.Context, votes []*domain.Vote) error {
	if len(votes) == 0 {
		return nil
	}

	tempIDs := make([]string, len(votes))
	ids := make([]string, len(votes))
	sent := make([]string, len(votes))
	received := make([]string, len(votes))
	amounts := make([]int64, len(votes))
	timestamps := make([]int64, len(votes))
	for i, v := range votes {
		tempIDs[i] = v.TempID
		ids[i] = v.ID
		sent[i] = v.SentAddress
		received[i] = v.ReceivedAddress
		amounts[i] = v.Amount
		timestamps[i] = v.Timestamp
	}

	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO votes (temp_id, id, sent_address, received_address, amount, timestamp)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::bigint[], $6::bigint[])
		ON CONFLICT (temp_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			timestamp = EXCLUDED.timestamp`,
		tempIDs, ids, sent, received, amounts, timestamps,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert votes: %w", classify(err))
	}
	return nil
}

// ApplyVoteAggregate adds a delta to the running total in one upsert.
func (u *UnitOfWork) ApplyVoteAggregate(ctx context.Context, agg *domain.VoteAggregate) error {
	id := agg.ID
	if id == "" {
		id = domain.VoteAggregateID(agg.SentAddress, agg.ReceivedAddress)
	}
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO votes_aggregate (id, sent_address, received_address, amount, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			amount = votes_aggregate.amount + EXCLUDED.amount,
			timestamp = GREATEST(votes_aggregate.timestamp, EXCLUDED.timestamp)`,
		id, agg.SentAddress, agg.ReceivedAddress, agg.Amount, agg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to apply vote aggregate %s: %w", id, classify(err))
	}
	return nil
}

// ApplyAccountDelta adds a delta to the account counters in one upsert.
func (u *UnitOfWork) ApplyAccountDelta(ctx context.Context, d domain.AccountDelta) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO accounts (address, public_key, produced_blocks, rewards, total_votes_received)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			public_key = CASE WHEN EXCLUDED.public_key <> '' THEN EXCLUDED.public_key ELSE accounts.public_key END,
			produced_blocks = accounts.produced_blocks + EXCLUDED.produced_blocks,
			rewards = accounts.rewards + EXCLUDED.rewards,
			total_votes_received = accounts.total_votes_received + EXCLUDED.total_votes_received`,
		d.Address, d.PublicKey, d.ProducedBlocks, d.Rewards, d.TotalVotesReceived,
	)
	if err != nil {
		return fmt.Errorf("failed to apply account delta %s: %w", d.Address, classify(err))
	}
	return nil
}

func (u *UnitOfWork) UpsertAccountInfo(ctx context.Context, a *domain.Account) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO accounts (address, public_key, is_delegate, balance, username)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			public_key = CASE WHEN EXCLUDED.public_key <> '' THEN EXCLUDED.public_key ELSE accounts.public_key END,
			is_delegate = accounts.is_delegate OR EXCLUDED.is_delegate,
			balance = CASE WHEN EXCLUDED.balance <> 0 THEN EXCLUDED.balance ELSE accounts.balance END,
			username = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE accounts.username END`,
		a.Address, a.PublicKey, a.IsDelegate, a.Balance, a.Username,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", a.Address, classify(err))
	}
	return nil
}

func (u *UnitOfWork) GetBlocksInRange(ctx context.Context, from, to uint64) ([]*domain.Block, error) {
	var rows []blockRow
	err := u.tx.SelectContext(ctx, &rows, `
		SELECT `+blockColumns+` FROM blocks
		WHERE height BETWEEN $1 AND $2
		ORDER BY height
		FOR UPDATE`, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("failed to get blocks in range: %w", classify(err))
	}
	out := make([]*domain.Block, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (u *UnitOfWork) GetTransactionIDsInRange(ctx context.Context, from, to uint64) ([]string, error) {
	var ids []string
	err := u.tx.SelectContext(ctx, &ids,
		`SELECT id FROM transactions WHERE height BETWEEN $1 AND $2 ORDER BY id`, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction ids: %w", classify(err))
	}
	return ids, nil
}

func (u *UnitOfWork) GetVotesByTransactionIDs(ctx context.Context, ids []string) ([]*domain.Vote, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []voteRow
	err := u.tx.SelectContext(ctx, &rows, `
		SELECT temp_id, id, sent_address, received_address, amount, timestamp
		FROM votes WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get votes: %w", classify(err))
	}
	out := make([]*domain.Vote, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TempID < out[j].TempID })
	return out, nil
}

func (u *UnitOfWork) DeleteVotesByTransactionIDs(ctx context.Context, ids []string) error {
	return u.deleteByIDs(ctx, `DELETE FROM votes WHERE id = ANY($1)`, "votes", ids)
}

func (u *UnitOfWork) DeleteMultisignaturesByTransactionIDs(ctx context.Context, ids []string) error {
	return u.deleteByIDs(ctx, `DELETE FROM multisignatures WHERE transaction_id = ANY($1)`, "multisignatures", ids)
}

func (u *UnitOfWork) DeleteTransactionsByIDs(ctx context.Context, ids []string) error {
	return u.deleteByIDs(ctx, `DELETE FROM transactions WHERE id = ANY($1)`, "transactions", ids)
}

func (u *UnitOfWork) deleteByIDs(ctx context.Context, query, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := u.tx.ExecContext(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to delete %s: %w", table, classify(err))
	}
	return nil
}

// DeleteBlocksInRange deletes blocks in a range (for fork rollback).
func (u *UnitOfWork) DeleteBlocksInRange(ctx context.Context, from, to uint64) error {
	_, err := u.tx.ExecContext(ctx,
		`DELETE FROM blocks WHERE height BETWEEN $1 AND $2`, int64(from), int64(to))
	if err != nil {
		return fmt.Errorf("failed to delete blocks: %w", classify(err))
	}
	return nil
}
