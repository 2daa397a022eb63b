// Package jobqueue runs keyed jobs on bounded worker pools.
//
// # Design
//
// Each Queue owns one pond pool with a fixed concurrency. The ingest queue runs
// many workers; the fork-detection, mark-final and rollback queues run exactly
// one, which linearizes the decisions they make.
//
// A key is deduplicated while it waits in the queue and becomes submittable
// again as soon as its run starts, so an update that arrives while a job runs
// is never lost.
//
// Failed runs are retried in place following a recovery.ExponentialBackoff:
// lock and deadlock errors are retried until the context ends, other transient
// errors up to MaxAttempts, permanent errors not at all. A job that still fails
// is handed to the failure callback (the failed-job ledger).
//
// # Usage
//
//	q := jobqueue.New(ctx, jobqueue.Config{Name: "ingest", Concurrency: 20}, worker.IndexHeight)
//	q.OnFailure(ledger.Record)
//	q.Submit(42)                      // fire and forget
//	err := q.Process(ctx, heights)    // submit and wait
//	q.Stop()
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vietddude/blockindex/internal/indexing/metrics"
	"github.com/vietddude/blockindex/internal/indexing/recovery"
)

// ErrQueueStopped is returned when work is submitted to a stopped queue.
var ErrQueueStopped = errors.New("queue stopped")

// Handler processes one key.
type Handler[K comparable] func(ctx context.Context, key K) error

// FailureFunc receives jobs that failed after all retries.
type FailureFunc[K comparable] func(ctx context.Context, queue string, key K, attempts int, err error)

type Config struct {
	Name        string
	Concurrency int
	Strategy    *recovery.ExponentialBackoff
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Running   int64
	Waiting   uint64
	Completed uint64
	Failed    uint64
	Pending   int
}

type Queue[K comparable] struct {
	name     string
	pool     pond.Pool
	handler  Handler[K]
	strategy *recovery.ExponentialBackoff
	pending  *xsync.Map[K, struct{}]

	mu        sync.RWMutex
	onFailure FailureFunc[K]

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New creates a queue whose fire-and-forget jobs run under ctx.
func New[K comparable](ctx context.Context, cfg Config, handler Handler[K]) *Queue[K] {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Strategy == nil {
		cfg.Strategy = recovery.DefaultBackoff(nil)
	}
	qctx, cancel := context.WithCancel(ctx)

	return &Queue[K]{
		name:     cfg.Name,
		pool:     pond.NewPool(cfg.Concurrency, pond.WithContext(qctx)),
		handler:  handler,
		strategy: cfg.Strategy,
		pending:  xsync.NewMap[K, struct{}](),
		ctx:      qctx,
		cancel:   cancel,
		logger:   slog.Default().With("component", "jobqueue", "queue", cfg.Name),
	}
}

func (q *Queue[K]) Name() string { return q.name }

// OnFailure registers the callback for jobs that exhausted their retries.
func (q *Queue[K]) OnFailure(fn FailureFunc[K]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailure = fn
}

// Submit schedules key without waiting for it. It reports false when the key
// is already waiting or the queue is stopped.
func (q *Queue[K]) Submit(key K) bool {
	if q.ctx.Err() != nil {
		return false
	}
	if _, loaded := q.pending.LoadOrStore(key, struct{}{}); loaded {
		return false
	}
	if err := q.pool.Go(func() { _ = q.execute(q.ctx, key) }); err != nil {
		q.pending.Delete(key)
		q.logger.Warn("Failed to submit job", "key", key, "error", err)
		return false
	}
	metrics.QueueWaiting.WithLabelValues(q.name).Set(float64(q.pool.WaitingTasks()))
	return true
}

// Process runs every key on the pool and waits for all of them. It returns
// the joined errors of the keys that failed after retries.
func (q *Queue[K]) Process(ctx context.Context, keys []K) error {
	if len(keys) == 0 {
		return nil
	}
	if q.ctx.Err() != nil {
		return ErrQueueStopped
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	group := q.pool.NewGroup()
	for _, key := range keys {
		group.Submit(func() {
			if err := q.execute(ctx, key); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%v: %w", key, err))
				mu.Unlock()
			}
		})
	}
	metrics.QueueWaiting.WithLabelValues(q.name).Set(float64(q.pool.WaitingTasks()))

	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		errs = append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Run executes key on the calling goroutine with the queue's retry policy.
func (q *Queue[K]) Run(ctx context.Context, key K) error {
	return q.execute(ctx, key)
}

func (q *Queue[K]) execute(ctx context.Context, key K) error {
	q.pending.Delete(key)
	start := time.Now()
	defer func() {
		metrics.JobDuration.WithLabelValues(q.name).Observe(time.Since(start).Seconds())
	}()

	attempts := 0
	var err error
	for {
		attempts++
		err = q.handler(ctx, key)
		if err == nil {
			metrics.JobsTotal.WithLabelValues(q.name, "success").Inc()
			return nil
		}
		if ctx.Err() != nil || !q.strategy.ShouldRetry(err, attempts) {
			break
		}

		category := q.strategy.Classifier(err)
		delay := q.strategy.GetDelay(attempts - 1)
		metrics.JobRetries.WithLabelValues(q.name, category.String()).Inc()
		q.logger.Warn("Job failed, retrying",
			"key", key,
			"attempt", attempts,
			"category", category.String(),
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	metrics.JobsTotal.WithLabelValues(q.name, "failed").Inc()
	if ctx.Err() != nil {
		return err
	}
	q.logger.Error("Job failed", "key", key, "attempts", attempts, "error", err)

	q.mu.RLock()
	onFailure := q.onFailure
	q.mu.RUnlock()
	if onFailure != nil {
		onFailure(ctx, q.name, key, attempts, err)
	}
	return err
}

func (q *Queue[K]) Stats() Stats {
	return Stats{
		Running:   q.pool.RunningWorkers(),
		Waiting:   q.pool.WaitingTasks(),
		Completed: q.pool.CompletedTasks(),
		Failed:    q.pool.FailedTasks(),
		Pending:   q.pending.Size(),
	}
}

// Stop cancels running jobs and waits for the workers to exit.
func (q *Queue[K]) Stop() {
	q.cancel()
	q.pool.StopAndWait()
}
