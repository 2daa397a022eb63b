package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// TransactionRepo implements storage.TransactionRepository using PostgreSQL.
type TransactionRepo struct {
	db *DB
}

var _ storage.TransactionRepository = (*TransactionRepo)(nil)

const transactionColumns = `id, height, module_asset_id, nonce, block_id, timestamp, sender_public_key,
	sender_address, recipient_id, amount, data, size, fee, min_fee`

type transactionRow struct {
	ID              string `db:"id"`
	Height          int64  `db:"height"`
	ModuleAssetID   string `db:"module_asset_id"`
	Nonce           int64  `db:"nonce"`
	BlockID         string `db:"block_id"`
	Timestamp       int64  `db:"timestamp"`
	SenderPublicKey string `db:"sender_public_key"`
	SenderAddress   string `db:"sender_address"`
	RecipientID     string `db:"recipient_id"`
	Amount          int64  `db:"amount"`
	Data            string `db:"data"`
	Size            int    `db:"size"`
	Fee             int64  `db:"fee"`
	MinFee          int64  `db:"min_fee"`
}

func newTransactionRow(tx *domain.Transaction) transactionRow {
	return transactionRow{
		ID:              tx.ID,
		Height:          int64(tx.Height),
		ModuleAssetID:   tx.ModuleAssetID,
		Nonce:           int64(tx.Nonce),
		BlockID:         tx.BlockID,
		Timestamp:       tx.Timestamp,
		SenderPublicKey: tx.SenderPublicKey,
		SenderAddress:   tx.SenderAddress,
		RecipientID:     tx.RecipientID,
		Amount:          tx.Amount,
		Data:            tx.Data,
		Size:            tx.Size,
		Fee:             tx.Fee,
		MinFee:          tx.MinFee,
	}
}

func (t *transactionRow) toDomain() *domain.Transaction {
	return &domain.Transaction{
		ID:              t.ID,
		Height:          uint64(t.Height),
		ModuleAssetID:   t.ModuleAssetID,
		Nonce:           uint64(t.Nonce),
		BlockID:         t.BlockID,
		Timestamp:       t.Timestamp,
		SenderPublicKey: t.SenderPublicKey,
		SenderAddress:   t.SenderAddress,
		RecipientID:     t.RecipientID,
		Amount:          t.Amount,
		Data:            t.Data,
		Size:            t.Size,
		Fee:             t.Fee,
		MinFee:          t.MinFee,
	}
}

type voteRow struct {
	TempID          string `db:"temp_id"`
	ID              string `db:"id"`
	SentAddress     string `db:"sent_address"`
	ReceivedAddress string `db:"received_address"`
	Amount          int64  `db:"amount"`
	Timestamp       int64  `db:"timestamp"`
}

func (v *voteRow) toDomain() *domain.Vote {
	return &domain.Vote{
		TempID:          v.TempID,
		ID:              v.ID,
		SentAddress:     v.SentAddress,
		ReceivedAddress: v.ReceivedAddress,
		Amount:          v.Amount,
		Timestamp:       v.Timestamp,
	}
}

type multisignatureRow struct {
	ID                 string `db:"id"`
	TransactionID      string `db:"transaction_id"`
	GroupAddress       string `db:"group_address"`
	MemberAddress      string `db:"member_address"`
	IsMandatory        bool   `db:"is_mandatory"`
	NumberOfSignatures int    `db:"number_of_signatures"`
}

// GetByID retrieves a transaction by id.
func (r *TransactionRepo) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	var row transactionRow
	err := r.db.GetContext(ctx, &row, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", classify(err))
	}
	return row.toDomain(), nil
}

// GetByHeight retrieves all transactions of the block at height.
func (r *TransactionRepo) GetByHeight(ctx context.Context, height uint64) ([]*domain.Transaction, error) {
	var rows []transactionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+transactionColumns+` FROM transactions WHERE height = $1 ORDER BY id`, int64(height))
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", classify(err))
	}
	out := make([]*domain.Transaction, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (r *TransactionRepo) GetVotesByTransactionID(ctx context.Context, id string) ([]*domain.Vote, error) {
	var rows []voteRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT temp_id, id, sent_address, received_address, amount, timestamp
		FROM votes WHERE id = $1 ORDER BY received_address`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get votes: %w", classify(err))
	}
	out := make([]*domain.Vote, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (r *TransactionRepo) GetMultisignaturesByTransactionID(
	ctx context.Context,
	id string,
) ([]*domain.Multisignature, error) {
	var rows []multisignatureRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, transaction_id, group_address, member_address, is_mandatory, number_of_signatures
		FROM multisignatures WHERE transaction_id = $1 ORDER BY member_address`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get multisignatures: %w", classify(err))
	}
	out := make([]*domain.Multisignature, len(rows))
	for i, row := range rows {
		out[i] = &domain.Multisignature{
			ID:                 row.ID,
			TransactionID:      row.TransactionID,
			GroupAddress:       row.GroupAddress,
			MemberAddress:      row.MemberAddress,
			IsMandatory:        row.IsMandatory,
			NumberOfSignatures: row.NumberOfSignatures,
		}
	}
	return out, nil
}
