package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

const failedJobTTL = 7 * 24 * time.Hour

// FailedJobRepo implements storage.FailedJobRepository using Redis. Jobs are
// kept as JSON values and indexed by a sorted set scored by retry count.
type FailedJobRepo struct {
	rdb    *redis.Client
	prefix string
}

var _ storage.FailedJobRepository = (*FailedJobRepo)(nil)

// NewFailedJobRepo creates a new Redis-backed failed job ledger.
func NewFailedJobRepo(client *Client) *FailedJobRepo {
	return &FailedJobRepo{
		rdb:    client.rdb,
		prefix: client.prefix,
	}
}

// Key helpers
func (r *FailedJobRepo) queueKey() string {
	return r.prefix + ":failed_jobs"
}

func (r *FailedJobRepo) jobKey(id string) string {
	return fmt.Sprintf("%s:failed_job:%s", r.prefix, id)
}

// Add records a failed job.
func (r *FailedJobRepo) Add(ctx context.Context, job *domain.FailedJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = domain.FailedJobStatusPending
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = time.Now().Unix()
	}
	return r.save(ctx, job)
}

func (r *FailedJobRepo) save(ctx context.Context, job *domain.FailedJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal failed job: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.jobKey(job.ID), data, failedJobTTL)
		// Lower retry count = retried first
		pipe.ZAdd(ctx, r.queueKey(), redis.Z{Score: float64(job.RetryCount), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save failed job: %w", err)
	}
	return nil
}

func (r *FailedJobRepo) load(ctx context.Context, id string) (*domain.FailedJob, error) {
	data, err := r.rdb.Get(ctx, r.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Data expired but ID still in queue, remove it
		r.rdb.ZRem(ctx, r.queueKey(), id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed job: %w", err)
	}

	var job domain.FailedJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed job: %w", err)
	}
	return &job, nil
}

// GetNext retrieves the job with the fewest retries.
func (r *FailedJobRepo) GetNext(ctx context.Context) (*domain.FailedJob, error) {
	for {
		ids, err := r.rdb.ZRange(ctx, r.queueKey(), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("zrange failed: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		job, err := r.load(ctx, ids[0])
		if err != nil || job != nil {
			return job, err
		}
	}
}

// IncrementRetry increments the retry count and updates the last attempt.
func (r *FailedJobRepo) IncrementRetry(ctx context.Context, id string) error {
	job, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return storage.ErrFailedJobNotFound
	}

	job.RetryCount++
	job.LastAttempt = time.Now().Unix()
	return r.save(ctx, job)
}

// MarkResolved removes a job (successfully retried).
func (r *FailedJobRepo) MarkResolved(ctx context.Context, id string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.queueKey(), id)
		pipe.Del(ctx, r.jobKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to resolve failed job: %w", err)
	}
	return nil
}

// GetAll retrieves every job, fewest retries first.
func (r *FailedJobRepo) GetAll(ctx context.Context) ([]*domain.FailedJob, error) {
	ids, err := r.rdb.ZRange(ctx, r.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	jobs := make([]*domain.FailedJob, 0, len(ids))
	for _, id := range ids {
		job, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Count returns the number of jobs in the ledger.
func (r *FailedJobRepo) Count(ctx context.Context) (int, error) {
	count, err := r.rdb.ZCard(ctx, r.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
