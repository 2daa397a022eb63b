package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// AccountRepo implements storage.AccountRepository using PostgreSQL.
type AccountRepo struct {
	db *DB
}

var _ storage.AccountRepository = (*AccountRepo)(nil)

type accountRow struct {
	Address            string `db:"address"`
	PublicKey          string `db:"public_key"`
	IsDelegate         bool   `db:"is_delegate"`
	Balance            int64  `db:"balance"`
	Username           string `db:"username"`
	Rewards            int64  `db:"rewards"`
	ProducedBlocks     int64  `db:"produced_blocks"`
	TotalVotesReceived int64  `db:"total_votes_received"`
}

// GetByAddress retrieves an account.
func (r *AccountRepo) GetByAddress(ctx context.Context, address string) (*domain.Account, error) {
	var row accountRow
	err := r.db.GetContext(ctx, &row, `
		SELECT address, public_key, is_delegate, balance, username, rewards, produced_blocks, total_votes_received
		FROM accounts WHERE address = $1`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", classify(err))
	}
	return &domain.Account{
		Address:            row.Address,
		PublicKey:          row.PublicKey,
		IsDelegate:         row.IsDelegate,
		Balance:            row.Balance,
		Username:           row.Username,
		Rewards:            row.Rewards,
		ProducedBlocks:     row.ProducedBlocks,
		TotalVotesReceived: row.TotalVotesReceived,
	}, nil
}

// GetVoteAggregate retrieves the running vote total between two accounts.
func (r *AccountRepo) GetVoteAggregate(
	ctx context.Context,
	sentAddress, receivedAddress string,
) (*domain.VoteAggregate, error) {
	var row struct {
		ID              string `db:"id"`
		SentAddress     string `db:"sent_address"`
		ReceivedAddress string `db:"received_address"`
		Amount          int64  `db:"amount"`
		Timestamp       int64  `db:"timestamp"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT id, sent_address, received_address, amount, timestamp FROM votes_aggregate WHERE id = $1`,
		domain.VoteAggregateID(sentAddress, receivedAddress))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vote aggregate: %w", classify(err))
	}
	return &domain.VoteAggregate{
		ID:              row.ID,
		SentAddress:     row.SentAddress,
		ReceivedAddress: row.ReceivedAddress,
		Amount:          row.Amount,
		Timestamp:       row.Timestamp,
	}, nil
}
