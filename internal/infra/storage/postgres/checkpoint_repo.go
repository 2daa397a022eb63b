package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vietddude/blockindex/internal/infra/storage"
)

// CheckpointRepo implements storage.CheckpointRepository on the key_value_store table.
type CheckpointRepo struct {
	db *DB
}

var _ storage.CheckpointRepository = (*CheckpointRepo)(nil)

func (r *CheckpointRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM key_value_store WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get checkpoint %s: %w", key, classify(err))
	}
	return value, true, nil
}

func (r *CheckpointRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO key_value_store (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set checkpoint %s: %w", key, classify(err))
	}
	return nil
}

// Advance writes value only when it exceeds the stored number.
func (r *CheckpointRepo) Advance(ctx context.Context, key string, value uint64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO key_value_store (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		WHERE key_value_store.value::NUMERIC < EXCLUDED.value::NUMERIC`,
		key, strconv.FormatUint(value, 10), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint %s: %w", key, classify(err))
	}
	return nil
}
