package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/events"
	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/indexing/metrics"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// Backfiller runs a gap scan. backfill.Scanner satisfies it.
type Backfiller interface {
	IndexMissingBlocks(ctx context.Context, force bool) error
}

// Submitter queues an ingest job for a height.
type Submitter interface {
	Submit(height uint64) bool
}

type ReporterConfig struct {
	// TipTolerance is how many heights the index may trail the chain and
	// still be reported ready.
	TipTolerance uint64
	// SelfHealMaxDelta bounds the backlog that triggers a forced gap scan.
	SelfHealMaxDelta uint64
}

func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{
		TipTolerance:     1,
		SelfHealMaxDelta: 1000,
	}
}

// Reporter computes index coverage and drives readiness and self-healing.
type Reporter struct {
	cfg      ReporterConfig
	store    storage.Store
	state    *indexstate.State
	bus      *events.Bus
	backfill Backfiller
	ingest   Submitter
	network  string
	logger   *slog.Logger
}

func NewReporter(
	cfg ReporterConfig,
	store storage.Store,
	state *indexstate.State,
	bus *events.Bus,
	backfill Backfiller,
	ingest Submitter,
	network string,
) *Reporter {
	if cfg.SelfHealMaxDelta == 0 {
		cfg.SelfHealMaxDelta = DefaultReporterConfig().SelfHealMaxDelta
	}
	return &Reporter{
		cfg:      cfg,
		store:    store,
		state:    state,
		bus:      bus,
		backfill: backfill,
		ingest:   ingest,
		network:  network,
		logger:   slog.Default().With("component", "health"),
	}
}

// GetIndexStats counts indexed heights between genesis and the chain tip.
func (r *Reporter) GetIndexStats(ctx context.Context) (IndexStats, error) {
	snap := r.state.Snapshot()
	stats := IndexStats{
		CurrentChainHeight: snap.CurrentHeight,
		GenesisHeight:      snap.GenesisHeight,
		ChainLength:        snap.ChainLength(),
		FinalizedHeight:    snap.FinalizedHeight,
	}

	if stats.ChainLength > 0 {
		n, err := r.store.Blocks().CountInRange(ctx, snap.GenesisHeight, snap.CurrentHeight)
		if err != nil {
			return stats, fmt.Errorf("count indexed blocks: %w", err)
		}
		stats.NumBlocksIndexed = n
		stats.Percentage = math.Round(float64(n)/float64(stats.ChainLength)*10000) / 100
	}

	verified, _, err := storage.GetUint(ctx, r.store.Checkpoints(), domain.CheckpointIndexVerifiedHeight)
	if err != nil {
		return stats, err
	}
	stats.IndexVerifiedHeight = verified

	metrics.IndexCompletion.WithLabelValues(r.network).Set(stats.Percentage)
	return stats, nil
}

// CheckIndexReadiness publishes IndexReady the first time the index covers
// the chain up to TipTolerance heights. It reports whether the index is ready.
func (r *Reporter) CheckIndexReadiness(ctx context.Context) (bool, error) {
	if r.bus.Fired(events.IndexReady) {
		return true, nil
	}

	stats, err := r.GetIndexStats(ctx)
	if err != nil {
		return false, err
	}
	if stats.ChainLength == 0 {
		return false, nil
	}

	var threshold uint64
	if stats.ChainLength > r.cfg.TipTolerance {
		threshold = stats.ChainLength - r.cfg.TipTolerance
	}
	if stats.NumBlocksIndexed < threshold {
		r.logger.Debug("Index not ready",
			"indexed", stats.NumBlocksIndexed,
			"chain_length", stats.ChainLength,
			"percentage", stats.Percentage,
		)
		return false, nil
	}

	if r.bus.Publish(events.Event{Kind: events.IndexReady}) {
		metrics.IndexReady.WithLabelValues(r.network).Set(1)
		r.logger.Info("Index ready",
			"indexed", stats.NumBlocksIndexed,
			"chain_length", stats.ChainLength,
			"current", stats.CurrentChainHeight,
		)
	}
	return true, nil
}

// FixMissingBlocks forces a full gap scan when a small backlog of missing
// heights has not shrunk since the previous call. The indexed count seen by
// each call is kept in the indexStatus checkpoint.
func (r *Reporter) FixMissingBlocks(ctx context.Context) error {
	stats, err := r.GetIndexStats(ctx)
	if err != nil {
		return err
	}

	prev, hasPrev, err := r.loadIndexStatus(ctx)
	if err != nil {
		return err
	}
	if err := r.saveIndexStatus(ctx, stats); err != nil {
		return err
	}

	missing := stats.Missing()
	if missing == 0 || missing >= r.cfg.SelfHealMaxDelta {
		return nil
	}
	if !hasPrev || prev.NumBlocksIndexed != stats.NumBlocksIndexed {
		return nil
	}

	r.logger.Warn("Index stalled with missing blocks, forcing gap scan",
		"missing", missing,
		"indexed", stats.NumBlocksIndexed,
		"chain_length", stats.ChainLength,
	)
	if err := r.backfill.IndexMissingBlocks(ctx, true); err != nil {
		return fmt.Errorf("forced gap scan: %w", err)
	}
	return nil
}

// UpdateNonFinalBlocks queues an ingest job for every non-final indexed
// height up to the chain tip. It returns the number of heights queued.
func (r *Reporter) UpdateNonFinalBlocks(ctx context.Context) (int, error) {
	heights, err := r.store.Blocks().GetNonFinalHeights(ctx, r.state.CurrentHeight())
	if err != nil {
		return 0, fmt.Errorf("get non-final heights: %w", err)
	}

	queued := 0
	for _, h := range heights {
		if r.ingest.Submit(h) {
			queued++
		}
	}
	if queued > 0 {
		r.logger.Debug("Re-ingesting non-final blocks", "count", queued, "from", heights[0], "to", heights[len(heights)-1])
	}
	return queued, nil
}

func (r *Reporter) loadIndexStatus(ctx context.Context) (IndexStats, bool, error) {
	raw, ok, err := r.store.Checkpoints().Get(ctx, domain.CheckpointIndexStatus)
	if err != nil || !ok {
		return IndexStats{}, false, err
	}
	var stats IndexStats
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		r.logger.Warn("Discarding unreadable index status", "value", raw, "error", err)
		return IndexStats{}, false, nil
	}
	return stats, true, nil
}

func (r *Reporter) saveIndexStatus(ctx context.Context, stats IndexStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	if err := r.store.Checkpoints().Set(ctx, domain.CheckpointIndexStatus, string(raw)); err != nil {
		return fmt.Errorf("save index status: %w", err)
	}
	return nil
}
