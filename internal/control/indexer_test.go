package control

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindex/internal/core/config"
	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/events"
	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/indexing/health"
	"github.com/vietddude/blockindex/internal/indexing/indextest"
	"github.com/vietddude/blockindex/internal/infra/node"
	"github.com/vietddude/blockindex/internal/infra/node/nodetest"
	"github.com/vietddude/blockindex/internal/infra/storage"
	"github.com/vietddude/blockindex/internal/infra/storage/memory"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Server: config.ServerConfig{Port: 0},
		Node: config.NodeConfig{
			Network:      "nodetest",
			APIVersion:   "v3",
			PollInterval: 20 * time.Millisecond,
		},
		Indexing: config.IndexingConfig{
			IngestConcurrency:   4,
			ScanWindow:          1000,
			BatchSize:           100,
			MinIndexedThreshold: 3,
			GenesisPageSize:     100,
			RescanChunkSize:     100,
			SelfHealMaxDelta:    1000,
			MaxAttempts:         2,
			RetryInitialDelay:   10 * time.Millisecond,
			RetryMaxDelay:       50 * time.Millisecond,
			GapScanInterval:     time.Second,
			ReadinessInterval:   time.Second,
			SelfHealInterval:    time.Second,
			NonFinalInterval:    time.Second,
			FinalityInterval:    time.Second,
			FailedRetryInterval: time.Second,
			RescanInterval:      time.Second,
		},
	}
}

// chanSource delivers notifications pushed by the test.
type chanSource struct {
	ch chan node.Notification
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan node.Notification, 16)}
}

func (s *chanSource) Run(ctx context.Context, handle node.NotificationHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-s.ch:
			handle(ctx, n)
		}
	}
}

func startIndexer(t *testing.T, chain *nodetest.Chain, opts ...Option) (*Indexer, *memory.MemoryStorage) {
	t.Helper()
	store := memory.NewMemoryStorage()
	opts = append([]Option{WithStore(store), WithNodeClient(chain)}, opts...)

	idx, err := New(testConfig(), opts...)
	require.NoError(t, err)
	require.NoError(t, idx.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, idx.Stop(ctx))
	})
	return idx, store
}

// matches reports whether the store holds exactly the chain's blocks.
func matches(store storage.Store, chain *nodetest.Chain) bool {
	ctx := context.Background()
	want := chain.Blocks()
	count, err := store.Blocks().Count(ctx)
	if err != nil || count != uint64(len(want)) {
		return false
	}
	for _, b := range want {
		got, err := store.Blocks().GetByHeight(ctx, b.Height)
		if err != nil || got == nil || got.ID != b.ID {
			return false
		}
	}
	return true
}

func finalUpTo(store storage.Store, height uint64) bool {
	nonFinal, err := store.Blocks().GetNonFinalHeights(context.Background(), height)
	return err == nil && len(nonFinal) == 0
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestIndexer_IndexesChainAndBecomesReady(t *testing.T) {
	chain := nodetest.NewChain(1)
	chain.Extend(10)
	chain.SetFinalized(7)

	idx, store := startIndexer(t, chain)

	require.Eventually(t, func() bool { return matches(store, chain) }, waitFor, tick)
	require.Eventually(t, func() bool { return finalUpTo(store, 7) }, waitFor, tick)
	require.Eventually(t, func() bool { return idx.Bus().Fired(events.IndexReady) }, waitFor, tick)
	require.Eventually(t, func() bool { return idx.State().Phase() == indexstate.PhaseLive }, waitFor, tick)

	nonFinal, err := store.Blocks().GetNonFinalHeights(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{8, 9, 10}, nonFinal)
	assert.True(t, idx.Bus().Fired(events.SearchIndexInitialized))
	indextest.AssertCounters(t, store, chain.Blocks())

	// New blocks arrive through the status poller.
	chain.Extend(2)
	require.Eventually(t, func() bool { return matches(store, chain) }, waitFor, tick)
	indextest.AssertCounters(t, store, chain.Blocks())
}

func TestIndexer_ReplacesForkedNonFinalBlocks(t *testing.T) {
	chain := nodetest.NewChain(1)
	chain.Extend(10)
	chain.SetFinalized(7)

	_, store := startIndexer(t, chain)
	require.Eventually(t, func() bool { return matches(store, chain) }, waitFor, tick)

	chain.Fork(9)

	require.Eventually(t, func() bool { return matches(store, chain) }, waitFor, tick)
	indextest.AssertIndexed(t, store, chain.Blocks())
	indextest.AssertCounters(t, store, chain.Blocks())
}

func TestIndexer_NotificationsReachBusAndIndex(t *testing.T) {
	chain := nodetest.NewChain(1)
	chain.Extend(10)
	chain.SetFinalized(7)
	source := newChanSource()

	idx, store := startIndexer(t, chain, WithNotificationSource(source))
	require.Eventually(t, func() bool { return matches(store, chain) }, waitFor, tick)

	newBlocks, cancelNew := idx.Bus().Subscribe(events.NewBlock, 4)
	defer cancelNew()
	deleted, cancelDeleted := idx.Bus().Subscribe(events.DeleteBlock, 4)
	defer cancelDeleted()

	added := chain.Extend(1)
	source.ch <- node.Notification{Kind: node.NotificationNewBlock, Block: added[0]}

	evt := receive(t, newBlocks)
	assert.Equal(t, uint64(11), evt.Block.Height)
	assert.False(t, evt.IsFinal)
	require.Eventually(t, func() bool { return matches(store, chain) }, waitFor, tick)

	removed := chain.Truncate(11)
	require.Len(t, removed, 1)
	source.ch <- node.Notification{Kind: node.NotificationDeleteBlock, Block: removed[0]}

	evt = receive(t, deleted)
	assert.Equal(t, uint64(11), evt.Block.Height)
	assert.Equal(t, removed[0].ID, evt.Block.ID)
	require.Eventually(t, func() bool { return matches(store, chain) }, waitFor, tick)
	indextest.AssertCounters(t, store, chain.Blocks())
}

func TestIndexer_FailedJobsAreRetried(t *testing.T) {
	chain := nodetest.NewChain(1)
	chain.Extend(10)
	chain.SetFinalized(7)
	chain.FailHeight(5, fmt.Errorf("%w: bad payload", domain.ErrMalformedBlock))

	idx, store := startIndexer(t, chain)
	ledger := idx.FailedJobs()
	require.NotNil(t, ledger)

	require.Eventually(t, func() bool {
		n, err := ledger.Count(context.Background())
		return err == nil && n > 0
	}, waitFor, tick)

	jobs, err := ledger.GetAll(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	assert.Equal(t, QueueIngest, jobs[0].Queue)
	assert.Equal(t, uint64(5), jobs[0].Height)

	chain.FailHeight(5, nil)

	require.Eventually(t, func() bool { return matches(store, chain) }, waitFor, tick)
	require.Eventually(t, func() bool {
		n, err := ledger.Count(context.Background())
		return err == nil && n == 0
	}, waitFor, tick)
}

func TestIndexer_BootstrapErrorIsFatal(t *testing.T) {
	chain := nodetest.NewChain(1)
	chain.Extend(3)
	chain.FailStatus(errors.New("node unreachable"))

	idx, err := New(testConfig(), WithStore(memory.NewMemoryStorage()), WithNodeClient(chain))
	require.NoError(t, err)

	err = idx.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, idx.Stop(ctx))
}

func TestIndexer_Health(t *testing.T) {
	chain := nodetest.NewChain(1)
	chain.Extend(5)
	chain.SetFinalized(5)

	idx, store := startIndexer(t, chain)
	require.Eventually(t, func() bool { return matches(store, chain) }, waitFor, tick)

	h := idx.Health(context.Background())
	assert.Equal(t, health.StatusHealthy, h.Status)
	assert.Equal(t, "nodetest", h.Network)
	assert.Equal(t, uint64(5), h.ChainHeight)
	assert.Equal(t, uint64(5), h.IndexedHeight)
	assert.Zero(t, h.MissingBlocks)
}

func TestFailedJobLedger(t *testing.T) {
	assert.NotNil(t, FailedJobLedger(memory.NewMemoryStorage()))

	type otherStore struct{ storage.Store }
	assert.Nil(t, FailedJobLedger(otherStore{}))
}

func TestOpenStore_EmptyURLIsMemory(t *testing.T) {
	store, err := OpenStore(context.Background(), testConfig().Database)
	require.NoError(t, err)
	_, ok := store.(*memory.MemoryStorage)
	assert.True(t, ok)
}
