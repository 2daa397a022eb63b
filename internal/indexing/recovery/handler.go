package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/indexing/metrics"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// Retrier re-runs the job recorded for a height.
type Retrier func(ctx context.Context, height uint64) error

// Handler owns the failed-job ledger: it records jobs that exhausted their
// queue retries and retries them later with backoff.
type Handler struct {
	repo     storage.FailedJobRepository
	retry    Retrier
	routes   map[string]Retrier
	strategy *ExponentialBackoff
	logger   *slog.Logger
}

// NewHandler creates a new failed job handler.
func NewHandler(repo storage.FailedJobRepository, retry Retrier, strategy *ExponentialBackoff) *Handler {
	if strategy == nil {
		strategy = DefaultBackoff(nil)
	}
	return &Handler{
		repo:     repo,
		retry:    retry,
		routes:   make(map[string]Retrier),
		strategy: strategy,
		logger:   slog.Default().With("component", "recovery"),
	}
}

// Route retries jobs recorded by queue with retry instead of the default
// Retrier. Call it before ProcessNext runs.
func (h *Handler) Route(queue string, retry Retrier) {
	h.routes[queue] = retry
}

func (h *Handler) retrierFor(queue string) Retrier {
	if r, ok := h.routes[queue]; ok {
		return r
	}
	return h.retry
}

// HandleFailure records a job that exhausted its retries.
func (h *Handler) HandleFailure(
	ctx context.Context,
	queue string,
	height uint64,
	attempts int,
	err error,
) error {
	now := time.Now().Unix()
	job := &domain.FailedJob{
		ID:          uuid.New().String(),
		Queue:       queue,
		Height:      height,
		FailureType: FailureType(err),
		Error:       err.Error(),
		RetryCount:  0,
		Status:      domain.FailedJobStatusPending,
		LastAttempt: now,
		CreatedAt:   now,
	}

	if err := h.repo.Add(ctx, job); err != nil {
		return fmt.Errorf("failed to add failed job: %w", err)
	}

	h.logger.Warn("Job recorded in failed ledger",
		"queue", queue,
		"height", height,
		"attempts", attempts,
		"type", job.FailureType,
		"error", err,
	)
	h.refreshGauge(ctx)
	return nil
}

// ProcessNext picks the next failed job and retries it if backoff allows.
// Jobs that used up MaxAttempts ledger retries stay pending for the operator.
func (h *Handler) ProcessNext(ctx context.Context) error {
	job, err := h.repo.GetNext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get next failed job: %w", err)
	}
	if job == nil || job.RetryCount >= h.strategy.MaxAttempts {
		return nil
	}

	delay := h.strategy.GetDelay(job.RetryCount)
	lastAttempt := time.Unix(job.LastAttempt, 0)
	if time.Now().Before(lastAttempt.Add(delay)) {
		return nil
	}

	retry := h.retrierFor(job.Queue)
	if retry == nil {
		return nil
	}
	if err := retry(ctx, job.Height); err == nil {
		if err := h.repo.MarkResolved(ctx, job.ID); err != nil {
			return fmt.Errorf("failed to resolve job %s: %w", job.ID, err)
		}
		h.logger.Info("Failed job resolved", "queue", job.Queue, "height", job.Height)
		h.refreshGauge(ctx)
		return nil
	}

	if err := h.repo.IncrementRetry(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}
	return nil
}

func (h *Handler) refreshGauge(ctx context.Context) {
	if n, err := h.repo.Count(ctx); err == nil {
		metrics.FailedJobs.Set(float64(n))
	}
}
