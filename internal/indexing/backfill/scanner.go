package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/indexing/metrics"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// FindMissingBlocksInRange returns the missing height ranges of [from, to],
// ascending.
func (s *Scanner) FindMissingBlocksInRange(ctx context.Context, from, to uint64) ([]domain.HeightRange, error) {
	if to < from {
		return nil, nil
	}
	window := domain.HeightRange{From: from, To: to}

	blocks := s.store.Blocks()
	count, err := blocks.CountInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("count blocks in %s: %w", window, err)
	}
	if count >= window.Size() {
		return nil, nil
	}
	if count < s.config.MinIndexedThreshold {
		metrics.GapsFound.WithLabelValues(s.network).Inc()
		return []domain.HeightRange{window}, nil
	}

	gaps, err := blocks.FindGaps(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("find gaps in %s: %w", window, err)
	}
	highest, ok, err := blocks.MaxHeightInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("max height in %s: %w", window, err)
	}
	if ok && highest < to {
		gaps = append(gaps, domain.HeightRange{From: highest + 1, To: to})
	}

	metrics.GapsFound.WithLabelValues(s.network).Add(float64(len(gaps)))
	return gaps, nil
}

// BuildIndex ingests every height of [from, to], smallest first, in chunks
// of BatchSize. Each chunk is awaited before the next is submitted. Failed
// heights do not stop later chunks; their errors are joined.
func (s *Scanner) BuildIndex(ctx context.Context, from, to uint64) error {
	var errs []error
	for _, chunk := range (domain.HeightRange{From: from, To: to}).Split(s.config.BatchSize) {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		heights := make([]uint64, 0, chunk.Size())
		for h := chunk.From; h <= chunk.To; h++ {
			heights = append(heights, h)
		}
		if err := s.ingest.Process(ctx, heights); err != nil {
			errs = append(errs, fmt.Errorf("build index %s: %w", chunk, err))
		}
	}
	return errors.Join(errs...)
}

// IndexMissingBlocks walks the chain from the lower bound to the current
// height in ScanWindow chunks and backfills every gap it finds. The lower
// bound is the highest of genesis, the retention floor and the verified
// watermark, or genesis when force is set. After each clean chunk the
// watermark advances to min(chunk end, finalized height).
func (s *Scanner) IndexMissingBlocks(ctx context.Context, force bool) error {
	snap := s.state.Snapshot()
	current := snap.CurrentHeight
	if current == 0 || current < snap.GenesisHeight {
		return nil
	}

	lower, err := s.lowerBound(ctx, current, snap.GenesisHeight, force)
	if err != nil {
		return err
	}
	if lower > current {
		return nil
	}

	start := time.Now()
	var filled uint64
	for from := lower; from <= current; {
		if err := ctx.Err(); err != nil {
			return err
		}

		to := from + s.config.ScanWindow - 1
		if to > current || to < from {
			to = current
		}

		gaps, err := s.FindMissingBlocksInRange(ctx, from, to)
		if err != nil {
			s.logger.Error("Gap scan failed", "from", from, "to", to, "error", err)
			return err
		}
		for _, gap := range gaps {
			s.logger.Info("Backfilling missing blocks", "from", gap.From, "to", gap.To, "count", gap.Size())
			if err := s.BuildIndex(ctx, gap.From, gap.To); err != nil {
				s.logger.Error("Backfill failed", "from", gap.From, "to", gap.To, "error", err)
				return err
			}
			filled += gap.Size()
		}

		if err := s.advanceWatermark(ctx, to); err != nil {
			return err
		}

		if to == current {
			break
		}
		from = to + 1
	}

	if filled > 0 {
		s.logger.Info("Backfill complete",
			"from", lower,
			"to", current,
			"filled", filled,
			"forced", force,
			"duration", time.Since(start),
		)
	}
	return nil
}

func (s *Scanner) lowerBound(ctx context.Context, current, genesis uint64, force bool) (uint64, error) {
	lower := genesis
	if force {
		return lower, nil
	}

	if n := s.config.IndexNumOfBlocks; n > 0 && current >= n {
		lower = max(lower, current-n+1)
	}

	verified, ok, err := storage.GetUint(ctx, s.store.Checkpoints(), domain.CheckpointIndexVerifiedHeight)
	if err != nil {
		return 0, fmt.Errorf("read verified height: %w", err)
	}
	if ok {
		lower = max(lower, verified)
	}
	return lower, nil
}

func (s *Scanner) advanceWatermark(ctx context.Context, chunkTo uint64) error {
	finalized := s.state.FinalizedHeight()
	if finalized == 0 {
		return nil
	}
	watermark := min(chunkTo, finalized)
	if err := s.store.Checkpoints().Advance(ctx, domain.CheckpointIndexVerifiedHeight, watermark); err != nil {
		return fmt.Errorf("advance verified height: %w", err)
	}
	metrics.IndexVerifiedHeight.WithLabelValues(s.network).Set(float64(watermark))
	return nil
}
