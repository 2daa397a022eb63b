package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/indexing/recovery"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

func fastBackoff() *recovery.ExponentialBackoff {
	return &recovery.ExponentialBackoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  3,
		Classifier:   recovery.DefaultClassifier,
	}
}

func TestQueue_ProcessRunsEveryKey(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[uint64]int)
	)
	q := New(context.Background(), Config{Name: "ingest", Concurrency: 4, Strategy: fastBackoff()},
		func(ctx context.Context, h uint64) error {
			mu.Lock()
			seen[h]++
			mu.Unlock()
			return nil
		})
	defer q.Stop()

	keys := []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.NoError(t, q.Process(context.Background(), keys))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10)
	for _, h := range keys {
		assert.Equal(t, 1, seen[h], "height %d", h)
	}
}

func TestQueue_TransientErrorRetriedUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	q := New(context.Background(), Config{Name: "ingest", Concurrency: 1, Strategy: fastBackoff()},
		func(ctx context.Context, h uint64) error {
			if calls.Add(1) < 3 {
				return errors.New("node timeout")
			}
			return nil
		})
	defer q.Stop()

	require.NoError(t, q.Run(context.Background(), 5))
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueue_TransientErrorExhaustsAttempts(t *testing.T) {
	var (
		calls    atomic.Int32
		failedMu sync.Mutex
		failed   []string
	)
	q := New(context.Background(), Config{Name: "ingest", Concurrency: 1, Strategy: fastBackoff()},
		func(ctx context.Context, h uint64) error {
			calls.Add(1)
			return errors.New("node unreachable")
		})
	defer q.Stop()
	q.OnFailure(func(ctx context.Context, queue string, h uint64, attempts int, err error) {
		failedMu.Lock()
		defer failedMu.Unlock()
		failed = append(failed, fmt.Sprintf("%s/%d/%d", queue, h, attempts))
	})

	err := q.Process(context.Background(), []uint64{9})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node unreachable")
	assert.Equal(t, int32(3), calls.Load())

	failedMu.Lock()
	defer failedMu.Unlock()
	assert.Equal(t, []string{"ingest/9/3"}, failed)
}

func TestQueue_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	q := New(context.Background(), Config{Name: "ingest", Concurrency: 1, Strategy: fastBackoff()},
		func(ctx context.Context, h uint64) error {
			calls.Add(1)
			return fmt.Errorf("height %d: %w", h, domain.ErrMalformedBlock)
		})
	defer q.Stop()

	err := q.Run(context.Background(), 3)
	require.ErrorIs(t, err, domain.ErrMalformedBlock)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_DeadlockRetriedPastMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	q := New(context.Background(), Config{Name: "ingest", Concurrency: 1, Strategy: fastBackoff()},
		func(ctx context.Context, h uint64) error {
			if calls.Add(1) < 6 {
				return fmt.Errorf("%w: deadlock detected", storage.ErrTransient)
			}
			return nil
		})
	defer q.Stop()

	require.NoError(t, q.Run(context.Background(), 1))
	assert.Equal(t, int32(6), calls.Load())
}

func TestQueue_SubmitDeduplicatesWaitingKeys(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var calls atomic.Int32

	q := New(context.Background(), Config{Name: "rollback", Concurrency: 1, Strategy: fastBackoff()},
		func(ctx context.Context, h uint64) error {
			calls.Add(1)
			if h == 1 {
				started <- struct{}{}
				<-release
			}
			return nil
		})
	defer q.Stop()

	// Occupy the only worker so the next submissions stay queued.
	require.True(t, q.Submit(1))
	<-started

	assert.True(t, q.Submit(2))
	assert.False(t, q.Submit(2), "duplicate waiting key must be rejected")

	// Key 1 already started, so it can be queued again.
	assert.True(t, q.Submit(1))

	close(release)
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestQueue_StopRejectsSubmissions(t *testing.T) {
	q := New(context.Background(), Config{Name: "mark-final", Concurrency: 1},
		func(ctx context.Context, h uint64) error { return nil })
	q.Stop()

	assert.False(t, q.Submit(1))
	assert.ErrorIs(t, q.Process(context.Background(), []uint64{1}), ErrQueueStopped)
}
