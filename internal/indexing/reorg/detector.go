package reorg

import (
	"context"
	"fmt"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/indexing/metrics"
	"github.com/vietddude/blockindex/internal/infra/node"
)

// Notice is the queue key of a block notification.
type Notice struct {
	Kind    node.NotificationKind
	Height  uint64
	BlockID string
	IsFinal bool
}

// NoticeFrom converts a node notification into a queue key.
func NoticeFrom(n node.Notification) Notice {
	return Notice{Kind: n.Kind, Height: n.Block.Height, BlockID: n.Block.ID, IsFinal: n.IsFinal}
}

// Handle is the fork-detection job body.
func (r *Resolver) Handle(ctx context.Context, n Notice) error {
	block := &domain.Block{Height: n.Height, ID: n.BlockID}
	switch n.Kind {
	case node.NotificationDeleteBlock:
		return r.OnDeleteBlock(ctx, block)
	default:
		return r.OnNewBlock(ctx, block, n.IsFinal)
	}
}

// OnNewBlock reconciles the index with a block the node reports as canonical.
//
// A non-final indexed block that disagrees with a final notification, or
// with a height already at or below finality, is rolled back before the
// finalized height moves, so mark-final never flags an orphan.
func (r *Resolver) OnNewBlock(ctx context.Context, block *domain.Block, isFinal bool) error {
	r.state.ObserveChainHeight(block.Height)

	indexed, err := r.store.Blocks().GetByHeight(ctx, block.Height)
	if err != nil {
		return fmt.Errorf("load indexed block %d: %w", block.Height, err)
	}

	orphan := indexed != nil && indexed.ID != block.ID && !indexed.IsFinal
	if orphan && (isFinal || block.Height <= r.state.FinalizedHeight()) {
		r.logger.Warn("Finalized block replaces indexed block",
			"height", block.Height,
			"indexed", indexed.ID,
			"canonical", block.ID,
		)
		if _, err := r.Rollback(ctx, block.Height); err != nil {
			return err
		}
		r.advanceFinality(block, isFinal)
		return nil
	}

	r.advanceFinality(block, isFinal)

	switch {
	case indexed == nil:
		r.queues.Ingest.Submit(block.Height)
		return nil

	case indexed.ID == block.ID:
		if isFinal && !indexed.IsFinal {
			r.queues.Ingest.Submit(block.Height)
		}
		return nil

	case indexed.IsFinal:
		return r.forkBelowFinality(indexed, block)

	default:
		r.logger.Warn("Fork detected",
			"height", block.Height,
			"indexed", indexed.ID,
			"canonical", block.ID,
		)
		r.queues.Rollback.Submit(block.Height)
		return nil
	}
}

// advanceFinality records a final notification and schedules mark-final.
func (r *Resolver) advanceFinality(block *domain.Block, isFinal bool) {
	if isFinal && r.state.SetFinalizedHeight(block.Height) {
		metrics.FinalizedHeight.WithLabelValues(r.network).Set(float64(block.Height))
	}
	r.queues.MarkFinal.Submit(struct{}{})
}

// OnDeleteBlock handles a block the node dropped from its chain.
func (r *Resolver) OnDeleteBlock(ctx context.Context, block *domain.Block) error {
	indexed, err := r.store.Blocks().GetByHeight(ctx, block.Height)
	if err != nil {
		return fmt.Errorf("load indexed block %d: %w", block.Height, err)
	}
	if indexed == nil || indexed.ID != block.ID {
		r.logger.Debug("Deleted block is not indexed", "height", block.Height, "id", block.ID)
		return nil
	}
	if indexed.IsFinal || block.Height <= r.state.FinalizedHeight() {
		return r.forkBelowFinality(indexed, block)
	}

	if block.Height > 0 {
		r.state.ResetChainHeight(block.Height - 1)
	}
	r.logger.Info("Block deleted by node", "height", block.Height, "id", block.ID)
	r.queues.Rollback.Submit(block.Height)
	return nil
}

func (r *Resolver) forkBelowFinality(indexed, incoming *domain.Block) error {
	metrics.ForksBelowFinality.WithLabelValues(r.network).Inc()
	r.logger.Error("CRITICAL: fork at or below finalized height, not rolling back",
		"height", incoming.Height,
		"indexed", indexed.ID,
		"incoming", incoming.ID,
		"indexedFinal", indexed.IsFinal,
		"finalizedHeight", r.state.FinalizedHeight(),
	)
	return fmt.Errorf("%w: height %d indexed %s, node %s",
		ErrForkBelowFinality, incoming.Height, indexed.ID, incoming.ID)
}
