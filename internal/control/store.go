package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/blockindex/internal/infra/storage"
	"github.com/vietddude/blockindex/internal/infra/storage/memory"
	"github.com/vietddude/blockindex/internal/infra/storage/postgres"
)

// OpenStore connects the configured store. An empty URL selects the
// in-memory store. Postgres migrations are applied before returning.
func OpenStore(ctx context.Context, cfg postgres.Config) (storage.Store, error) {
	if cfg.URL == "" {
		slog.Info("Using Memory storage")
		return memory.NewMemoryStorage(), nil
	}

	db, err := postgres.NewDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}
	slog.Info("Using PostgreSQL storage")
	return db, nil
}

// FailedJobLedger returns the failed-job ledger kept next to store, or nil
// when the store has none.
func FailedJobLedger(store storage.Store) storage.FailedJobRepository {
	switch s := store.(type) {
	case *postgres.DB:
		return s.FailedJobs()
	case *memory.MemoryStorage:
		return s.FailedJobs()
	default:
		return nil
	}
}
