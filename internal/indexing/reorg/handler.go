package reorg

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/events"
	"github.com/vietddude/blockindex/internal/indexing/ingest"
	"github.com/vietddude/blockindex/internal/indexing/metrics"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// RollbackResult contains the result of a rollback operation.
type RollbackResult struct {
	FromHeight     uint64
	ToHeight       uint64
	OrphanedBlocks int
	Duration       time.Duration
}

// Rollback removes every indexed block at or above from and reverts their
// counter contributions, then schedules re-ingest of the removed heights that
// the chain still has.
func (r *Resolver) Rollback(ctx context.Context, from uint64) (*RollbackResult, error) {
	start := time.Now()

	release, err := r.state.Fence().Lock(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("take fence at %d: %w", from, err)
	}

	result, removed, err := r.rollbackLocked(ctx, from)
	release()
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	if result.OrphanedBlocks == 0 {
		r.queues.Ingest.Submit(from)
		return result, nil
	}

	metrics.ForksDetected.WithLabelValues(r.network).Inc()
	metrics.RollbackDepth.WithLabelValues(r.network).Observe(float64(result.OrphanedBlocks))
	r.logger.Info("Rolled back orphaned blocks",
		"from", result.FromHeight,
		"to", result.ToHeight,
		"blocks", result.OrphanedBlocks,
		"duration", result.Duration,
	)

	current := r.state.CurrentHeight()
	for _, b := range removed {
		if r.bus != nil {
			r.bus.Publish(events.DeleteBlockEvent(b))
		}
		if b.Height <= current {
			r.queues.Ingest.Submit(b.Height)
		}
	}
	return result, nil
}

// RollbackJob is the rollback queue job body.
func (r *Resolver) RollbackJob(ctx context.Context, from uint64) error {
	_, err := r.Rollback(ctx, from)
	return err
}

func (r *Resolver) rollbackLocked(ctx context.Context, from uint64) (*RollbackResult, []*domain.Block, error) {
	result := &RollbackResult{FromHeight: from}

	latest, err := r.store.Blocks().GetLatest(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load latest block: %w", err)
	}
	if latest == nil || latest.Height < from {
		return result, nil, nil
	}
	result.ToHeight = latest.Height

	var removed []*domain.Block
	err = r.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		removed, err = ingest.Revert(ctx, tx, from, latest.Height)
		if err != nil {
			return err
		}
		for _, b := range removed {
			if b.IsFinal {
				return fmt.Errorf("%w: rollback from %d reaches final block %s at %d",
					ErrForkBelowFinality, from, b.ID, b.Height)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("rollback from %d: %w", from, err)
	}

	result.OrphanedBlocks = len(removed)
	return result, removed, nil
}
