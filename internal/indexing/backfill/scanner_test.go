package backfill

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/indexing/indextest"
	"github.com/vietddude/blockindex/internal/indexing/ingest"
	"github.com/vietddude/blockindex/internal/indexing/jobqueue"
	"github.com/vietddude/blockindex/internal/infra/node/nodetest"
	"github.com/vietddude/blockindex/internal/infra/storage"
	"github.com/vietddude/blockindex/internal/infra/storage/memory"
)

type harness struct {
	chain   *nodetest.Chain
	store   *memory.MemoryStorage
	state   *indexstate.State
	worker  *ingest.Worker
	scanner *Scanner
}

func newHarness(t *testing.T, n int, cfg Config) *harness {
	t.Helper()
	h := &harness{
		chain: nodetest.NewChain(1),
		store: memory.NewMemoryStorage(),
		state: indexstate.New(),
	}
	h.chain.Extend(n)
	h.state.SetGenesisHeight(1)
	h.state.ObserveChainHeight(h.chain.Height())
	h.worker = ingest.NewWorker(h.chain, h.store, h.state, "test")

	q := jobqueue.New[uint64](context.Background(), jobqueue.Config{Name: "ingest", Concurrency: 4}, h.worker.IndexHeight)
	t.Cleanup(q.Stop)
	h.scanner = NewScanner(cfg, h.store, h.state, q, "test")
	return h
}

func (h *harness) index(t *testing.T, heights ...uint64) {
	t.Helper()
	for _, height := range heights {
		require.NoError(t, h.worker.IndexHeight(context.Background(), height))
	}
}

func (h *harness) verified(t *testing.T) (uint64, bool) {
	t.Helper()
	v, ok, err := storage.GetUint(context.Background(), h.store.Checkpoints(), domain.CheckpointIndexVerifiedHeight)
	require.NoError(t, err)
	return v, ok
}

// batchRecorder is a Processor that records batches and fails chosen heights.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]uint64
	fail    map[uint64]bool
}

func (r *batchRecorder) Process(ctx context.Context, heights []uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, slices.Clone(heights))
	for _, h := range heights {
		if r.fail[h] {
			return errors.New("node unavailable")
		}
	}
	return nil
}

func TestFindMissingBlocksInRange(t *testing.T) {
	tests := []struct {
		name    string
		indexed []uint64
		want    []domain.HeightRange
	}{
		{
			name:    "interior and leading gaps",
			indexed: []uint64{3, 6, 7, 8, 9, 10},
			want:    []domain.HeightRange{{From: 1, To: 2}, {From: 4, To: 5}},
		},
		{
			name:    "missing top of window",
			indexed: []uint64{1, 2, 3, 4, 5},
			want:    []domain.HeightRange{{From: 6, To: 10}},
		},
		{
			name:    "leading interior and trailing",
			indexed: []uint64{2, 3, 5, 6},
			want:    []domain.HeightRange{{From: 1, To: 1}, {From: 4, To: 4}, {From: 7, To: 10}},
		},
		{
			name:    "below threshold backfills whole window",
			indexed: []uint64{4, 9},
			want:    []domain.HeightRange{{From: 1, To: 10}},
		},
		{
			name:    "empty window",
			indexed: nil,
			want:    []domain.HeightRange{{From: 1, To: 10}},
		},
		{
			name:    "fully indexed",
			indexed: []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10, DefaultConfig())
			h.index(t, tt.indexed...)

			got, err := h.scanner.FindMissingBlocksInRange(context.Background(), 1, 10)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindMissingBlocksInRange_EmptyRange(t *testing.T) {
	h := newHarness(t, 10, DefaultConfig())

	got, err := h.scanner.FindMissingBlocksInRange(context.Background(), 5, 4)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBuildIndex_ChunksByBatchSize(t *testing.T) {
	h := newHarness(t, 10, DefaultConfig())
	rec := &batchRecorder{fail: map[uint64]bool{6: true}}
	s := NewScanner(Config{BatchSize: 4}, h.store, h.state, rec, "test")

	err := s.BuildIndex(context.Background(), 1, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "5-8")

	// The failing chunk does not stop the ones after it.
	assert.Equal(t, [][]uint64{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10}}, rec.batches)
}

func TestBuildIndex_StopsOnCancel(t *testing.T) {
	h := newHarness(t, 10, DefaultConfig())
	rec := &batchRecorder{}
	s := NewScanner(Config{BatchSize: 4}, h.store, h.state, rec, "test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.BuildIndex(ctx, 1, 10)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.batches)
}

func TestIndexMissingBlocks_FillsGapsAndAdvancesWatermark(t *testing.T) {
	h := newHarness(t, 10, DefaultConfig())
	h.state.SetFinalizedHeight(7)
	h.index(t, 3, 6, 7, 8, 9, 10)

	require.NoError(t, h.scanner.IndexMissingBlocks(context.Background(), false))

	indextest.AssertIndexed(t, h.store, h.chain.Blocks())
	indextest.AssertCounters(t, h.store, h.chain.Blocks())

	verified, ok := h.verified(t)
	require.True(t, ok)
	assert.Equal(t, uint64(7), verified)
}

func TestIndexMissingBlocks_WalksSmallWindows(t *testing.T) {
	h := newHarness(t, 25, Config{ScanWindow: 4, BatchSize: 2})
	h.state.SetFinalizedHeight(25)
	h.index(t, 2, 9, 10, 11, 20)

	require.NoError(t, h.scanner.IndexMissingBlocks(context.Background(), false))

	indextest.AssertIndexed(t, h.store, h.chain.Blocks())
	indextest.AssertCounters(t, h.store, h.chain.Blocks())

	verified, _ := h.verified(t)
	assert.Equal(t, uint64(25), verified)
}

func TestIndexMissingBlocks_StartsAtWatermarkUnlessForced(t *testing.T) {
	h := newHarness(t, 10, DefaultConfig())
	h.state.SetFinalizedHeight(10)
	h.index(t, 5, 6, 7, 8, 9, 10)
	require.NoError(t, storage.SetUint(context.Background(), h.store.Checkpoints(), domain.CheckpointIndexVerifiedHeight, 6))

	require.NoError(t, h.scanner.IndexMissingBlocks(context.Background(), false))
	count, err := h.store.Blocks().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), count, "heights below the watermark are not rescanned")

	require.NoError(t, h.scanner.IndexMissingBlocks(context.Background(), true))
	indextest.AssertIndexed(t, h.store, h.chain.Blocks())
	indextest.AssertCounters(t, h.store, h.chain.Blocks())
}

func TestIndexMissingBlocks_RespectsRetention(t *testing.T) {
	h := newHarness(t, 10, Config{IndexNumOfBlocks: 4})

	require.NoError(t, h.scanner.IndexMissingBlocks(context.Background(), false))

	for height := uint64(1); height <= 10; height++ {
		b, err := h.store.Blocks().GetByHeight(context.Background(), height)
		require.NoError(t, err)
		if height >= 7 {
			assert.NotNil(t, b, "height %d", height)
		} else {
			assert.Nil(t, b, "height %d", height)
		}
	}

	// Without a finalized height the watermark stays unset.
	_, ok := h.verified(t)
	assert.False(t, ok)
}

func TestIndexMissingBlocks_ErrorLeavesWatermark(t *testing.T) {
	h := newHarness(t, 10, DefaultConfig())
	h.state.SetFinalizedHeight(10)
	rec := &batchRecorder{fail: map[uint64]bool{4: true}}
	s := NewScanner(DefaultConfig(), h.store, h.state, rec, "test")

	err := s.IndexMissingBlocks(context.Background(), false)
	require.Error(t, err)

	_, ok := h.verified(t)
	assert.False(t, ok)
}

func TestIndexMissingBlocks_NoChainHeight(t *testing.T) {
	store := memory.NewMemoryStorage()
	rec := &batchRecorder{}
	s := NewScanner(DefaultConfig(), store, indexstate.New(), rec, "test")

	require.NoError(t, s.IndexMissingBlocks(context.Background(), true))
	assert.Empty(t, rec.batches)
}

func TestIndexMissingBlocks_Cancelled(t *testing.T) {
	h := newHarness(t, 10, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.scanner.IndexMissingBlocks(ctx, false)
	require.ErrorIs(t, err, context.Canceled)
}
