package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/indexing/ingest"
	"github.com/vietddude/blockindex/internal/infra/node/nodetest"
	"github.com/vietddude/blockindex/internal/infra/storage"
	"github.com/vietddude/blockindex/internal/infra/storage/memory"
)

// pagedChain records genesis account offsets and can fail one of them once.
type pagedChain struct {
	*nodetest.Chain

	mu      sync.Mutex
	offsets []int
	failAt  int
	failed  bool
}

func (c *pagedChain) GetGenesisAccounts(ctx context.Context, offset, limit int) ([]*domain.Account, error) {
	c.mu.Lock()
	c.offsets = append(c.offsets, offset)
	if offset == c.failAt && !c.failed {
		c.failed = true
		c.mu.Unlock()
		return nil, errors.New("gateway timeout")
	}
	c.mu.Unlock()
	return c.Chain.GetGenesisAccounts(ctx, offset, limit)
}

func (c *pagedChain) takeOffsets() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.offsets
	c.offsets = nil
	return out
}

func genesisAccounts(n int) []*domain.Account {
	out := make([]*domain.Account, 0, n)
	for i := range n {
		key := fmt.Sprintf("%064x", 0xc0+i)
		out = append(out, &domain.Account{
			Address:   nodetest.MustAddress(key),
			PublicKey: key,
			Balance:   int64(1000 * (i + 1)),
		})
	}
	return out
}

func newChain(accounts, delegates []*domain.Account) *pagedChain {
	chain := nodetest.NewChain(1)
	chain.Extend(10)
	chain.SetGenesisAccounts(accounts)
	chain.SetDelegates(delegates)
	return &pagedChain{Chain: chain, failAt: -1}
}

func TestRun_IndexesAccountsAndDelegates(t *testing.T) {
	ctx := context.Background()
	accounts := genesisAccounts(5)
	generator := nodetest.MustAddress(nodetest.GeneratorKeys[1])
	delegates := []*domain.Account{
		{Address: generator, PublicKey: nodetest.GeneratorKeys[1], IsDelegate: true, Username: "genesis_1"},
	}
	chain := newChain(accounts, delegates)
	store := memory.NewMemoryStorage()
	state := indexstate.New()

	// Height 1 is produced by GeneratorKeys[1] and credits its counters first.
	require.NoError(t, NewBootstrapper(chain, store, state, 2).InitHeights(ctx))
	require.NoError(t, ingest.NewWorker(chain, store, state, "test").IndexHeight(ctx, 1))

	b := NewBootstrapper(chain, store, state, 2)
	require.NoError(t, b.Run(ctx))

	assert.Equal(t, []int{0, 2, 4}, chain.takeOffsets())
	for _, want := range accounts {
		got, err := store.Accounts().GetByAddress(ctx, want.Address)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Balance, got.Balance)
		assert.Equal(t, want.PublicKey, got.PublicKey)
	}

	got, err := store.Accounts().GetByAddress(ctx, generator)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsDelegate)
	assert.Equal(t, "genesis_1", got.Username)
	assert.Equal(t, int64(1), got.ProducedBlocks, "account info never touches counters")
	assert.Equal(t, nodetest.Reward, got.Rewards)

	for _, key := range []string{domain.CheckpointGenesisAccountsIndexed, domain.CheckpointDelegatesIndexed} {
		done, err := storage.GetFlag(ctx, store.Checkpoints(), key)
		require.NoError(t, err)
		assert.True(t, done, key)
	}

	// Completed steps are skipped on restart.
	require.NoError(t, b.Run(ctx))
	assert.Empty(t, chain.takeOffsets())
}

func TestRun_ResumesFromPageCheckpoint(t *testing.T) {
	ctx := context.Background()
	chain := newChain(genesisAccounts(7), nil)
	chain.failAt = 4
	store := memory.NewMemoryStorage()
	b := NewBootstrapper(chain, store, indexstate.New(), 2)

	err := b.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway timeout")
	assert.Equal(t, []int{0, 2, 4}, chain.takeOffsets())

	page, ok, err := storage.GetUint(ctx, store.Checkpoints(), domain.CheckpointGenesisAccountsPage)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), page)

	done, err := storage.GetFlag(ctx, store.Checkpoints(), domain.CheckpointGenesisAccountsIndexed)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, b.Run(ctx))
	assert.Equal(t, []int{4, 6}, chain.takeOffsets())

	count := 0
	for _, acc := range genesisAccounts(7) {
		got, err := store.Accounts().GetByAddress(ctx, acc.Address)
		require.NoError(t, err)
		if got != nil {
			count++
		}
	}
	assert.Equal(t, 7, count)
}

func TestInitHeights(t *testing.T) {
	ctx := context.Background()
	chain := newChain(nil, nil)
	chain.SetFinalized(4)
	store := memory.NewMemoryStorage()
	require.NoError(t, storage.SetUint(ctx, store.Checkpoints(), domain.CheckpointFinalizedHeight, 6))

	state := indexstate.New()
	require.NoError(t, NewBootstrapper(chain, store, state, 0).InitHeights(ctx))

	snap := state.Snapshot()
	assert.Equal(t, uint64(1), snap.GenesisHeight)
	assert.Equal(t, uint64(10), snap.CurrentHeight)
	assert.Equal(t, uint64(6), snap.FinalizedHeight, "persisted finality is never lost")

	genesis, ok, err := storage.GetUint(ctx, store.Checkpoints(), domain.CheckpointGenesisHeight)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), genesis)
}

func TestInitHeights_StatusErrorIsFatal(t *testing.T) {
	chain := newChain(nil, nil)
	chain.FailStatus(errors.New("connection refused"))

	err := NewBootstrapper(chain, memory.NewMemoryStorage(), indexstate.New(), 0).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
