package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// BlockRepo implements storage.BlockRepository using PostgreSQL.
type BlockRepo struct {
	db *DB
}

var _ storage.BlockRepository = (*BlockRepo)(nil)

const blockColumns = `height, id, timestamp, generator_public_key, generator_address, size, reward,
	total_fee, number_of_transactions, is_final`

type blockRow struct {
	Height               int64  `db:"height"`
	ID                   string `db:"id"`
	Timestamp            int64  `db:"timestamp"`
	GeneratorPublicKey   string `db:"generator_public_key"`
	GeneratorAddress     string `db:"generator_address"`
	Size                 int    `db:"size"`
	Reward               int64  `db:"reward"`
	TotalFee             int64  `db:"total_fee"`
	NumberOfTransactions int    `db:"number_of_transactions"`
	IsFinal              bool   `db:"is_final"`
}

func (b *blockRow) toDomain() *domain.Block {
	return &domain.Block{
		Height:               uint64(b.Height),
		ID:                   b.ID,
		Timestamp:            b.Timestamp,
		GeneratorPublicKey:   b.GeneratorPublicKey,
		GeneratorAddress:     b.GeneratorAddress,
		Size:                 b.Size,
		Reward:               b.Reward,
		TotalFee:             b.TotalFee,
		NumberOfTransactions: b.NumberOfTransactions,
		IsFinal:              b.IsFinal,
	}
}

func getBlock(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*domain.Block, error) {
	var row blockRow
	err := sqlx.GetContext(ctx, q, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, classify(err)
	}
	return row.toDomain(), nil
}

// GetByHeight retrieves a block by height.
func (r *BlockRepo) GetByHeight(ctx context.Context, height uint64) (*domain.Block, error) {
	block, err := getBlock(ctx, r.db, `SELECT `+blockColumns+` FROM blocks WHERE height = $1`, int64(height))
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	return block, nil
}

// GetLatest retrieves the highest indexed block.
func (r *BlockRepo) GetLatest(ctx context.Context) (*domain.Block, error) {
	block, err := getBlock(ctx, r.db, `SELECT `+blockColumns+` FROM blocks ORDER BY height DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	return block, nil
}

func (r *BlockRepo) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM blocks`); err != nil {
		return 0, fmt.Errorf("failed to count blocks: %w", classify(err))
	}
	return uint64(n), nil
}

func (r *BlockRepo) CountInRange(ctx context.Context, from, to uint64) (uint64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM blocks WHERE height BETWEEN $1 AND $2`, int64(from), int64(to))
	if err != nil {
		return 0, fmt.Errorf("failed to count blocks in range: %w", classify(err))
	}
	return uint64(n), nil
}

func (r *BlockRepo) MaxHeightInRange(ctx context.Context, from, to uint64) (uint64, bool, error) {
	var maxHeight sql.NullInt64
	err := r.db.GetContext(ctx, &maxHeight,
		`SELECT MAX(height) FROM blocks WHERE height BETWEEN $1 AND $2`, int64(from), int64(to))
	if err != nil {
		return 0, false, fmt.Errorf("failed to get max height: %w", classify(err))
	}
	if !maxHeight.Valid {
		return 0, false, nil
	}
	return uint64(maxHeight.Int64), true, nil
}

// FindGaps finds heights whose predecessor is missing and reports the hole below each.
func (r *BlockRepo) FindGaps(ctx context.Context, from, to uint64) ([]domain.HeightRange, error) {
	query := `
		SELECT
			COALESCE(
				(SELECT MAX(p.height) FROM blocks p WHERE p.height < b.height AND p.height >= $1),
				$1 - 1
			) + 1 AS from_height,
			b.height - 1 AS to_height
		FROM blocks b
		WHERE b.height > $1 AND b.height <= $2
			AND NOT EXISTS (SELECT 1 FROM blocks p WHERE p.height = b.height - 1)
		ORDER BY b.height
	`

	var rows []struct {
		FromHeight int64 `db:"from_height"`
		ToHeight   int64 `db:"to_height"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, int64(from), int64(to)); err != nil {
		return nil, fmt.Errorf("failed to find gaps: %w", classify(err))
	}

	gaps := make([]domain.HeightRange, 0, len(rows))
	for _, row := range rows {
		gaps = append(gaps, domain.HeightRange{From: uint64(row.FromHeight), To: uint64(row.ToHeight)})
	}
	return gaps, nil
}

func (r *BlockRepo) GetNonFinalHeights(ctx context.Context, upTo uint64) ([]uint64, error) {
	var heights []int64
	err := r.db.SelectContext(ctx, &heights,
		`SELECT height FROM blocks WHERE NOT is_final AND height <= $1 ORDER BY height`, int64(upTo))
	if err != nil {
		return nil, fmt.Errorf("failed to get non-final heights: %w", classify(err))
	}
	out := make([]uint64, len(heights))
	for i, h := range heights {
		out[i] = uint64(h)
	}
	return out, nil
}

// MarkFinal flags every non-final block at or below upTo as final.
func (r *BlockRepo) MarkFinal(ctx context.Context, upTo uint64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE blocks SET is_final = TRUE WHERE NOT is_final AND height <= $1`, int64(upTo))
	if err != nil {
		return 0, fmt.Errorf("failed to mark blocks final: %w", classify(err))
	}
	return res.RowsAffected()
}
