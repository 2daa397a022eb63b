package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// FailedJobRepo implements storage.FailedJobRepository using PostgreSQL.
type FailedJobRepo struct {
	db *DB
}

var _ storage.FailedJobRepository = (*FailedJobRepo)(nil)

type failedJobRow struct {
	ID          string `db:"id"`
	Queue       string `db:"queue"`
	Height      int64  `db:"height"`
	FailureType string `db:"failure_type"`
	ErrorMsg    string `db:"error_msg"`
	RetryCount  int    `db:"retry_count"`
	Status      string `db:"status"`
	LastAttempt int64  `db:"last_attempt"`
	CreatedAt   int64  `db:"created_at"`
}

func (r *failedJobRow) toDomain() *domain.FailedJob {
	return &domain.FailedJob{
		ID:          r.ID,
		Queue:       r.Queue,
		Height:      uint64(r.Height),
		FailureType: domain.FailureType(r.FailureType),
		Error:       r.ErrorMsg,
		RetryCount:  r.RetryCount,
		Status:      domain.FailedJobStatus(r.Status),
		LastAttempt: r.LastAttempt,
		CreatedAt:   r.CreatedAt,
	}
}

const failedJobColumns = `id, queue, height, failure_type, error_msg, retry_count, status, last_attempt, created_at`

// Add adds a failed job.
func (r *FailedJobRepo) Add(ctx context.Context, job *domain.FailedJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = domain.FailedJobStatusPending
	}
	now := time.Now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.LastAttempt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failed_jobs (`+failedJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			error_msg = EXCLUDED.error_msg,
			retry_count = EXCLUDED.retry_count,
			status = EXCLUDED.status,
			last_attempt = EXCLUDED.last_attempt`,
		job.ID, job.Queue, int64(job.Height), string(job.FailureType), job.Error,
		job.RetryCount, string(job.Status), job.LastAttempt, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed job: %w", err)
	}
	return nil
}

// GetNext returns the next failed job to retry.
func (r *FailedJobRepo) GetNext(ctx context.Context) (*domain.FailedJob, error) {
	var row failedJobRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+failedJobColumns+`
		FROM failed_jobs
		WHERE status = 'pending'
		ORDER BY retry_count ASC, last_attempt ASC
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No pending failed jobs
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed job: %w", err)
	}
	return row.toDomain(), nil
}

// IncrementRetry increments retry count and updates timestamp.
func (r *FailedJobRepo) IncrementRetry(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE failed_jobs SET retry_count = retry_count + 1, last_attempt = $2 WHERE id = $1`,
		id, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrFailedJobNotFound
	}
	return nil
}

// MarkResolved marks a failed job as resolved.
func (r *FailedJobRepo) MarkResolved(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE failed_jobs SET status = 'resolved' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve failed job: %w", err)
	}
	return nil
}

// GetAll returns all pending failed jobs.
func (r *FailedJobRepo) GetAll(ctx context.Context) ([]*domain.FailedJob, error) {
	var rows []failedJobRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+failedJobColumns+`
		FROM failed_jobs
		WHERE status = 'pending'
		ORDER BY height`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all failed jobs: %w", err)
	}

	jobs := make([]*domain.FailedJob, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toDomain())
	}
	return jobs, nil
}

// Count returns the number of pending failed jobs.
func (r *FailedJobRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM failed_jobs WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed jobs: %w", err)
	}
	return count, nil
}
