package reorg

import (
	"context"
	"fmt"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/indexing/metrics"
)

// MarkFinal flags every non-final indexed block at or below the finalized
// height and advances the finalizedHeight checkpoint.
func (r *Resolver) MarkFinal(ctx context.Context) error {
	finalized := r.state.FinalizedHeight()
	if finalized == 0 {
		return nil
	}

	n, err := r.store.Blocks().MarkFinal(ctx, finalized)
	if err != nil {
		return fmt.Errorf("mark blocks final up to %d: %w", finalized, err)
	}
	if err := r.store.Checkpoints().Advance(ctx, domain.CheckpointFinalizedHeight, finalized); err != nil {
		return fmt.Errorf("advance finalized checkpoint: %w", err)
	}

	if n > 0 {
		metrics.BlocksMarkedFinal.WithLabelValues(r.network).Add(float64(n))
		r.logger.Debug("Blocks marked final", "count", n, "upTo", finalized)
	}
	return nil
}

// MarkFinalJob is the mark-final queue job body.
func (r *Resolver) MarkFinalJob(ctx context.Context, _ struct{}) error {
	return r.MarkFinal(ctx)
}

// UpdateFinalizedHeight refreshes the chain and finalized heights from the
// node and marks blocks final synchronously.
func (r *Resolver) UpdateFinalizedHeight(ctx context.Context) error {
	status, err := r.status.GetNetworkStatus(ctx)
	if err != nil {
		return fmt.Errorf("get network status: %w", err)
	}

	r.state.ObserveChainHeight(status.Height)
	metrics.ChainHeight.WithLabelValues(r.network).Set(float64(status.Height))

	if r.state.SetFinalizedHeight(status.FinalizedHeight) {
		r.logger.Debug("Finalized height advanced", "height", status.FinalizedHeight)
	}
	metrics.FinalizedHeight.WithLabelValues(r.network).Set(float64(r.state.FinalizedHeight()))

	return r.MarkFinal(ctx)
}
