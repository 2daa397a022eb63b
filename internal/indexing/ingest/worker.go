// Package ingest writes one block and everything derived from it into the
// index in a single store transaction.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/indexing/metrics"
	"github.com/vietddude/blockindex/internal/infra/node"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// Outcome of an IndexHeight call, used as a metric label.
const (
	OutcomeInserted  = "inserted"
	OutcomeRefreshed = "refreshed"
	OutcomeReplaced  = "replaced"
	OutcomeFailed    = "failed"
)

// Worker indexes blocks by height.
type Worker struct {
	client  node.Client
	store   storage.Store
	state   *indexstate.State
	network string
	logger  *slog.Logger
}

func NewWorker(client node.Client, store storage.Store, state *indexstate.State, network string) *Worker {
	return &Worker{
		client:  client,
		store:   store,
		state:   state,
		network: network,
		logger:  slog.Default().With("component", "ingest"),
	}
}

// IndexHeight fetches the canonical block at height and commits it. Running
// it again for an unchanged block leaves the counters untouched. A block with
// a new id replaces the indexed one after reverting its contributions.
func (w *Worker) IndexHeight(ctx context.Context, height uint64) error {
	release, err := w.state.Fence().Enter(ctx, height)
	if err != nil {
		return err
	}
	defer release()

	block, err := w.client.GetBlockByHeight(ctx, height)
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", height, err)
	}
	if err := block.Validate(); err != nil {
		metrics.BlocksIndexed.WithLabelValues(w.network, OutcomeFailed).Inc()
		return err
	}
	if block.Height != height {
		return fmt.Errorf("%w: requested height %d, got %d", domain.ErrMalformedBlock, height, block.Height)
	}
	if height <= w.state.FinalizedHeight() {
		block.IsFinal = true
	}

	contrib, err := Contribute(block)
	if err != nil {
		return err
	}

	var outcome string
	err = w.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		outcome, err = w.commit(ctx, tx, block, contrib)
		return err
	})
	if err != nil {
		metrics.BlocksIndexed.WithLabelValues(w.network, OutcomeFailed).Inc()
		return fmt.Errorf("index block %d: %w", height, err)
	}

	metrics.BlocksIndexed.WithLabelValues(w.network, outcome).Inc()
	w.logger.Debug("Block indexed",
		"height", height,
		"id", block.ID,
		"outcome", outcome,
		"txs", len(block.Transactions),
		"final", block.IsFinal,
	)
	return nil
}

func (w *Worker) commit(
	ctx context.Context,
	tx storage.Tx,
	block *domain.Block,
	contrib *Contribution,
) (string, error) {
	inserted, err := tx.InsertBlock(ctx, block)
	if err != nil {
		return "", fmt.Errorf("insert block: %w", err)
	}

	outcome := OutcomeInserted
	if !inserted {
		existing, err := tx.GetBlockForUpdate(ctx, block.Height)
		if err != nil {
			return "", fmt.Errorf("lock block: %w", err)
		}

		switch {
		case existing == nil:
			// Removed between insert and lock.
			if _, err := tx.InsertBlock(ctx, block); err != nil {
				return "", fmt.Errorf("insert block: %w", err)
			}

		case existing.ID == block.ID:
			if err := tx.RefreshBlock(ctx, block); err != nil {
				return "", fmt.Errorf("refresh block: %w", err)
			}
			if err := writeRows(ctx, tx, contrib); err != nil {
				return "", err
			}
			return OutcomeRefreshed, nil

		case existing.IsFinal:
			return "", fmt.Errorf("%w: final block %s at height %d, node returned %s",
				domain.ErrForkBelowFinality, existing.ID, block.Height, block.ID)

		default:
			w.logger.Info("Replacing indexed block",
				"height", block.Height,
				"old", existing.ID,
				"new", block.ID,
			)
			if _, err := Revert(ctx, tx, block.Height, block.Height); err != nil {
				return "", fmt.Errorf("revert block %s: %w", existing.ID, err)
			}
			if _, err := tx.InsertBlock(ctx, block); err != nil {
				return "", fmt.Errorf("insert block: %w", err)
			}
			outcome = OutcomeReplaced
		}
	}

	if err := writeRows(ctx, tx, contrib); err != nil {
		return "", err
	}
	if err := applyAggregates(ctx, tx, contrib.Aggregates); err != nil {
		return "", err
	}
	if err := applyAccounts(ctx, tx, contrib.Accounts); err != nil {
		return "", err
	}
	return outcome, nil
}

// writeRows upserts the child rows and descriptive account fields. It is
// idempotent and applies no counter deltas.
func writeRows(ctx context.Context, tx storage.Tx, c *Contribution) error {
	if err := tx.UpsertTransactions(ctx, c.Transactions); err != nil {
		return fmt.Errorf("upsert transactions: %w", err)
	}
	if err := tx.UpsertMultisignatures(ctx, c.Multisignatures); err != nil {
		return fmt.Errorf("upsert multisignatures: %w", err)
	}
	if err := tx.UpsertVotes(ctx, c.Votes); err != nil {
		return fmt.Errorf("upsert votes: %w", err)
	}
	for _, a := range c.AccountInfo {
		if err := tx.UpsertAccountInfo(ctx, a); err != nil {
			return fmt.Errorf("upsert account %s: %w", a.Address, err)
		}
	}
	return nil
}
