package reorg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/events"
	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/indexing/indextest"
	"github.com/vietddude/blockindex/internal/indexing/ingest"
	"github.com/vietddude/blockindex/internal/infra/node"
	"github.com/vietddude/blockindex/internal/infra/node/nodetest"
	"github.com/vietddude/blockindex/internal/infra/storage/memory"
)

// recorder is a Submitter that remembers keys instead of running them.
type recorder[K comparable] struct {
	mu   sync.Mutex
	keys []K
}

func (r *recorder[K]) Submit(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return true
}

func (r *recorder[K]) take() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.keys
	r.keys = nil
	return out
}

type fixture struct {
	chain     *nodetest.Chain
	store     *memory.MemoryStorage
	state     *indexstate.State
	bus       *events.Bus
	worker    *ingest.Worker
	resolver  *Resolver
	ingestQ   *recorder[uint64]
	markFinal *recorder[struct{}]
	rollbackQ *recorder[uint64]
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := &fixture{
		chain:     nodetest.NewChain(1),
		store:     memory.NewMemoryStorage(),
		state:     indexstate.New(),
		bus:       events.NewBus(),
		ingestQ:   &recorder[uint64]{},
		markFinal: &recorder[struct{}]{},
		rollbackQ: &recorder[uint64]{},
	}
	t.Cleanup(f.bus.Close)
	f.chain.Extend(n)
	f.state.SetGenesisHeight(1)
	f.state.ObserveChainHeight(f.chain.Height())
	f.worker = ingest.NewWorker(f.chain, f.store, f.state, "test")
	f.resolver = NewResolver(f.store, f.chain, f.state, f.bus, "test")
	f.resolver.Bind(Queues{Ingest: f.ingestQ, MarkFinal: f.markFinal, Rollback: f.rollbackQ})
	return f
}

func (f *fixture) index(t *testing.T, heights ...uint64) {
	t.Helper()
	for _, h := range heights {
		require.NoError(t, f.worker.IndexHeight(context.Background(), h))
	}
}

func (f *fixture) indexAll(t *testing.T) {
	t.Helper()
	for _, b := range f.chain.Blocks() {
		f.index(t, b.Height)
	}
}

// drainIngest runs every recorded ingest job.
func (f *fixture) drainIngest(t *testing.T) {
	t.Helper()
	f.index(t, f.ingestQ.take()...)
}

func TestOnNewBlock_UnindexedSchedulesIngest(t *testing.T) {
	f := newFixture(t, 3)

	require.NoError(t, f.resolver.OnNewBlock(context.Background(), f.chain.Block(3), false))

	assert.Equal(t, []uint64{3}, f.ingestQ.take())
	assert.Len(t, f.markFinal.take(), 1)
	assert.Empty(t, f.rollbackQ.take())
}

func TestOnNewBlock_SameBlockIsNoop(t *testing.T) {
	f := newFixture(t, 3)
	f.indexAll(t)

	require.NoError(t, f.resolver.OnNewBlock(context.Background(), f.chain.Block(2), false))

	assert.Empty(t, f.ingestQ.take())
	assert.Empty(t, f.rollbackQ.take())
}

func TestOnNewBlock_FinalNotificationReingestsNonFinalBlock(t *testing.T) {
	f := newFixture(t, 3)
	f.indexAll(t)

	require.NoError(t, f.resolver.OnNewBlock(context.Background(), f.chain.Block(2), true))

	assert.Equal(t, []uint64{2}, f.ingestQ.take())
	assert.Equal(t, uint64(2), f.state.FinalizedHeight())
}

func TestOnNewBlock_ForkSchedulesRollback(t *testing.T) {
	f := newFixture(t, 10)
	f.indexAll(t)

	f.chain.Fork(7)
	require.NoError(t, f.resolver.OnNewBlock(context.Background(), f.chain.Block(7), false))

	assert.Equal(t, []uint64{7}, f.rollbackQ.take())
	assert.Empty(t, f.ingestQ.take())
}

func TestOnNewBlock_ForkBelowFinalityIsRefused(t *testing.T) {
	f := newFixture(t, 10)
	f.state.SetFinalizedHeight(8)
	f.indexAll(t)
	before := f.chain.Blocks()

	f.chain.Fork(7)
	err := f.resolver.OnNewBlock(context.Background(), f.chain.Block(7), false)
	require.ErrorIs(t, err, ErrForkBelowFinality)

	assert.Empty(t, f.rollbackQ.take())
	indextest.AssertIndexed(t, f.store, before)
	indextest.AssertCounters(t, f.store, before)
}

// A final notification that disagrees with a non-final indexed block rolls
// the block back before finality advances over it.
func TestOnNewBlock_FinalNotificationReplacesNonFinalFork(t *testing.T) {
	f := newFixture(t, 10)
	f.state.SetFinalizedHeight(4)
	f.indexAll(t)
	ctx := context.Background()

	f.chain.Fork(5)
	require.NoError(t, f.resolver.OnNewBlock(ctx, f.chain.Block(5), true))

	assert.Equal(t, uint64(5), f.state.FinalizedHeight())
	assert.Equal(t, []uint64{5, 6, 7, 8, 9, 10}, f.ingestQ.take())
	assert.Len(t, f.markFinal.take(), 1)

	got, err := f.store.Blocks().GetByHeight(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, f.resolver.MarkFinal(ctx))
	f.index(t, 5, 6, 7, 8, 9, 10)

	got, err = f.store.Blocks().GetByHeight(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, f.chain.Block(5).ID, got.ID)
	assert.True(t, got.IsFinal)
	indextest.AssertIndexed(t, f.store, f.chain.Blocks())
	indextest.AssertCounters(t, f.store, f.chain.Blocks())
}

func TestOnNewBlock_NonFinalForkAtFinalizedHeightIsRolledBack(t *testing.T) {
	f := newFixture(t, 6)
	f.indexAll(t)
	f.state.SetFinalizedHeight(6)
	ctx := context.Background()

	f.chain.Fork(6)
	require.NoError(t, f.resolver.OnNewBlock(ctx, f.chain.Block(6), false))

	assert.Empty(t, f.rollbackQ.take())
	assert.Equal(t, []uint64{6}, f.ingestQ.take())
	f.index(t, 6)
	indextest.AssertIndexed(t, f.store, f.chain.Blocks())
}

// Index 1..10, fork at 7: after rollback and re-ingest the index equals the
// new canonical chain and every counter equals the sum over it.
func TestRollback_ForkAtSevenOnOneToTen(t *testing.T) {
	f := newFixture(t, 10)
	f.indexAll(t)

	deleted, unsubscribe := f.bus.Subscribe(events.DeleteBlock, 16)
	defer unsubscribe()

	f.chain.Fork(7)
	require.NoError(t, f.resolver.OnNewBlock(context.Background(), f.chain.Block(7), false))
	require.Equal(t, []uint64{7}, f.rollbackQ.take())

	result, err := f.resolver.Rollback(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 4, result.OrphanedBlocks)
	assert.Equal(t, uint64(10), result.ToHeight)

	// Between rollback and re-ingest only 1..6 remain.
	indextest.AssertIndexed(t, f.store, f.chain.Blocks()[:6])
	indextest.AssertCounters(t, f.store, f.chain.Blocks()[:6])

	for want := uint64(7); want <= 10; want++ {
		select {
		case evt := <-deleted:
			assert.Equal(t, want, evt.Block.Height)
			assert.Contains(t, evt.Block.ID, "-f0")
		case <-time.After(time.Second):
			t.Fatalf("missing delete event for height %d", want)
		}
	}

	assert.Equal(t, []uint64{7, 8, 9, 10}, f.ingestQ.take())
	f.index(t, 7, 8, 9, 10)

	indextest.AssertIndexed(t, f.store, f.chain.Blocks())
	indextest.AssertCounters(t, f.store, f.chain.Blocks())
}

func TestRollback_RefusesFinalBlocks(t *testing.T) {
	f := newFixture(t, 10)
	f.state.SetFinalizedHeight(8)
	f.indexAll(t)
	before := f.chain.Blocks()

	_, err := f.resolver.Rollback(context.Background(), 7)
	require.ErrorIs(t, err, ErrForkBelowFinality)

	indextest.AssertIndexed(t, f.store, before)
	indextest.AssertCounters(t, f.store, before)
}

func TestRollback_WaitsForInFlightIngest(t *testing.T) {
	f := newFixture(t, 10)
	f.indexAll(t)

	release, err := f.state.Fence().Enter(context.Background(), 9)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.resolver.Rollback(context.Background(), 7)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("rollback must wait for the in-flight job at height 9")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("rollback did not proceed after the ingest job finished")
	}
}

func TestOnDeleteBlock(t *testing.T) {
	f := newFixture(t, 10)
	f.indexAll(t)

	removed := f.chain.Truncate(10)
	require.Len(t, removed, 1)

	// Unknown id: ignored.
	require.NoError(t, f.resolver.OnDeleteBlock(context.Background(), &domain.Block{Height: 10, ID: "other"}))
	assert.Empty(t, f.rollbackQ.take())

	require.NoError(t, f.resolver.OnDeleteBlock(context.Background(), removed[0]))
	assert.Equal(t, []uint64{10}, f.rollbackQ.take())
	assert.Equal(t, uint64(9), f.state.CurrentHeight())

	_, err := f.resolver.Rollback(context.Background(), 10)
	require.NoError(t, err)

	// Height 10 is above the chain tip, so nothing is re-ingested.
	assert.Empty(t, f.ingestQ.take())
	indextest.AssertIndexed(t, f.store, f.chain.Blocks())
	indextest.AssertCounters(t, f.store, f.chain.Blocks())
}

func TestOnDeleteBlock_FinalBlockIsAnomaly(t *testing.T) {
	f := newFixture(t, 5)
	f.state.SetFinalizedHeight(5)
	f.indexAll(t)

	err := f.resolver.OnDeleteBlock(context.Background(), f.chain.Block(5))
	require.ErrorIs(t, err, ErrForkBelowFinality)
	assert.Empty(t, f.rollbackQ.take())
}

func TestHandle_DispatchesByKind(t *testing.T) {
	f := newFixture(t, 3)

	n := NoticeFrom(node.Notification{Kind: node.NotificationNewBlock, Block: f.chain.Block(3)})
	require.NoError(t, f.resolver.Handle(context.Background(), n))
	assert.Equal(t, []uint64{3}, f.ingestQ.take())
}

// chain=10, finalized=7: after ingest and the finality refresh 1..7 are
// final and 8..10 are not. Finality never moves backwards.
func TestUpdateFinalizedHeight(t *testing.T) {
	f := newFixture(t, 10)
	f.chain.SetFinalized(7)
	f.indexAll(t)

	require.NoError(t, f.resolver.UpdateFinalizedHeight(context.Background()))

	ctx := context.Background()
	for h := uint64(1); h <= 10; h++ {
		b, err := f.store.Blocks().GetByHeight(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, h <= 7, b.IsFinal, "isFinal at height %d", h)
	}
	v, ok, err := f.store.Checkpoints().Get(ctx, domain.CheckpointFinalizedHeight)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "7", v)

	// The node reporting a lower finalized height changes nothing.
	f.chain.SetFinalized(5)
	require.NoError(t, f.resolver.UpdateFinalizedHeight(ctx))
	assert.Equal(t, uint64(7), f.state.FinalizedHeight())
	b, err := f.store.Blocks().GetByHeight(ctx, 6)
	require.NoError(t, err)
	assert.True(t, b.IsFinal)
	v, _, err = f.store.Checkpoints().Get(ctx, domain.CheckpointFinalizedHeight)
	require.NoError(t, err)
	assert.Equal(t, "7", v)
}
