// Package rescan re-ingests operator-requested height ranges. Ranges are
// queued in Redis, merged, split into chunks and fed to the ingest queue.
// Chunk locks keep several instances from working on the same heights and
// a per-range progress key lets a restarted worker resume mid-range.
package rescan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/blockindex/internal/core/domain"
)

// Queue is the range store. redis.Client satisfies it.
type Queue interface {
	PushRange(ctx context.Context, r domain.HeightRange) error
	PopRange(ctx context.Context) (domain.HeightRange, bool, error)
	GetAllRanges(ctx context.Context) ([]domain.HeightRange, error)
	ReplaceRanges(ctx context.Context, ranges []domain.HeightRange) error

	AcquireLock(ctx context.Context, r domain.HeightRange, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, r domain.HeightRange) error

	GetProgress(ctx context.Context, r domain.HeightRange) (uint64, error)
	SetProgress(ctx context.Context, r domain.HeightRange, next uint64, ttl time.Duration) error
	ClearProgress(ctx context.Context, r domain.HeightRange) error
}

// Processor runs a batch of ingest jobs and waits for them.
type Processor interface {
	Process(ctx context.Context, heights []uint64) error
}

// WorkerConfig holds configuration for the rescan worker.
type WorkerConfig struct {
	ChunkSize   uint64        // Max heights per chunk (default: 100)
	LockTTL     time.Duration // Lock TTL (default: 60s)
	ProgressTTL time.Duration // Progress TTL (default: 24h)
	EmptySleep  time.Duration // Sleep when queue empty (default: 10s)
}

// DefaultConfig returns default worker configuration.
func DefaultConfig() WorkerConfig {
	return WorkerConfig{
		ChunkSize:   100,
		LockTTL:     60 * time.Second,
		ProgressTTL: 24 * time.Hour,
		EmptySleep:  10 * time.Second,
	}
}

// Worker processes rescan ranges.
type Worker struct {
	cfg    WorkerConfig
	queue  Queue
	ingest Processor
	log    *slog.Logger
}

// NewWorker creates a new rescan worker.
func NewWorker(cfg WorkerConfig, queue Queue, ingest Processor) *Worker {
	d := DefaultConfig()
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = d.ChunkSize
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = d.LockTTL
	}
	if cfg.ProgressTTL == 0 {
		cfg.ProgressTTL = d.ProgressTTL
	}
	if cfg.EmptySleep == 0 {
		cfg.EmptySleep = d.EmptySleep
	}
	return &Worker{
		cfg:    cfg,
		queue:  queue,
		ingest: ingest,
		log:    slog.Default().With("component", "rescan"),
	}
}

// Enqueue adds operator ranges to the queue.
func Enqueue(ctx context.Context, queue Queue, ranges ...domain.HeightRange) error {
	for _, r := range MergeRanges(ranges) {
		if err := queue.PushRange(ctx, r); err != nil {
			return fmt.Errorf("enqueue %s: %w", r, err)
		}
	}
	return nil
}

// Run drains the queue until ctx ends, sleeping while it is empty.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Starting rescan worker")

	for {
		found, err := w.ProcessNext(ctx)
		if ctx.Err() != nil {
			w.log.Info("Rescan worker stopped")
			return nil
		}
		if err != nil {
			w.log.Error("Rescan failed", "error", err)
		}
		if found && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			w.log.Info("Rescan worker stopped")
			return nil
		case <-time.After(w.cfg.EmptySleep):
		}
	}
}

// ProcessNext merges the queue, pops the lowest range and processes it. It
// reports whether a range was found. A failed range is re-queued from the
// first unfinished chunk.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if err := w.mergeQueueRanges(ctx); err != nil {
		w.log.Warn("Failed to merge ranges", "error", err)
	}

	r, found, err := w.queue.PopRange(ctx)
	if err != nil {
		return false, fmt.Errorf("pop range: %w", err)
	}
	if !found {
		return false, nil
	}

	if err := w.processRange(ctx, r); err != nil {
		return true, fmt.Errorf("range %s: %w", r, err)
	}
	return true, nil
}

// processRange processes a single range chunk by chunk.
func (w *Worker) processRange(ctx context.Context, r domain.HeightRange) error {
	current, err := w.queue.GetProgress(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to get progress: %w", err)
	}
	if current > r.To {
		return w.queue.ClearProgress(ctx, r)
	}

	w.log.Info("Processing range", "range", r.String(), "resumeFrom", current)
	start := time.Now()

	remaining := domain.HeightRange{From: current, To: r.To}
	for _, chunk := range remaining.Split(w.cfg.ChunkSize) {
		if err := w.processChunk(ctx, chunk); err != nil {
			rest := domain.HeightRange{From: chunk.From, To: r.To}
			bg := context.WithoutCancel(ctx)
			if reqErr := w.queue.PushRange(bg, rest); reqErr != nil {
				w.log.Error("Failed to re-queue range", "range", rest.String(), "error", reqErr)
			} else if rest != r {
				_ = w.queue.ClearProgress(bg, r)
			}
			return err
		}
		if err := w.queue.SetProgress(ctx, r, chunk.To+1, w.cfg.ProgressTTL); err != nil {
			w.log.Warn("Failed to update progress", "range", r.String(), "error", err)
		}
	}

	if err := w.queue.ClearProgress(ctx, r); err != nil {
		w.log.Warn("Failed to clear progress", "range", r.String(), "error", err)
	}
	w.log.Info("Range completed", "range", r.String(), "duration", time.Since(start))
	return nil
}

// processChunk ingests a single chunk under its lock.
func (w *Worker) processChunk(ctx context.Context, chunk domain.HeightRange) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	locked, err := w.queue.AcquireLock(ctx, chunk, w.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		w.log.Debug("Chunk already locked by another worker", "chunk", chunk.String())
		return nil
	}
	defer func() {
		if err := w.queue.ReleaseLock(context.WithoutCancel(ctx), chunk); err != nil {
			w.log.Warn("Failed to release lock", "chunk", chunk.String(), "error", err)
		}
	}()

	heights := make([]uint64, 0, chunk.Size())
	for h := chunk.From; h <= chunk.To; h++ {
		heights = append(heights, h)
	}
	if err := w.ingest.Process(ctx, heights); err != nil {
		return err
	}

	w.log.Debug("Chunk processed", "chunk", chunk.String())
	return nil
}

// mergeQueueRanges merges overlapping/adjacent ranges in the queue.
func (w *Worker) mergeQueueRanges(ctx context.Context) error {
	ranges, err := w.queue.GetAllRanges(ctx)
	if err != nil {
		return err
	}
	if len(ranges) <= 1 {
		return nil
	}

	merged := MergeRanges(ranges)
	if len(merged) == len(ranges) {
		return nil
	}

	w.log.Info("Merging ranges", "before", len(ranges), "after", len(merged))
	return w.queue.ReplaceRanges(ctx, merged)
}
