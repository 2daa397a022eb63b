package indexstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_HeightsNeverRegress(t *testing.T) {
	s := New()
	s.SetGenesisHeight(1)

	assert.True(t, s.ObserveChainHeight(10))
	assert.False(t, s.ObserveChainHeight(9))
	assert.Equal(t, uint64(10), s.CurrentHeight())

	assert.True(t, s.SetFinalizedHeight(7))
	assert.False(t, s.SetFinalizedHeight(5))
	assert.Equal(t, uint64(7), s.FinalizedHeight())

	assert.Equal(t, uint64(10), s.Snapshot().ChainLength())
}

func TestState_ResetChainHeightStopsAtFinalized(t *testing.T) {
	s := New()
	s.ObserveChainHeight(10)
	s.SetFinalizedHeight(7)

	s.ResetChainHeight(3)
	assert.Equal(t, uint64(7), s.CurrentHeight())
}

func TestState_PhaseTransitions(t *testing.T) {
	s := New()
	var seen []Transition
	s.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	require.NoError(t, s.SetPhase(PhaseBootstrap, "genesis"))
	require.NoError(t, s.SetPhase(PhaseBackfill, "gap scan"))
	require.NoError(t, s.SetPhase(PhaseLive, "caught up"))

	err := s.SetPhase(PhaseBootstrap, "again")
	require.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, PhaseLive, s.Phase())
	assert.Len(t, seen, 3)
	assert.Len(t, s.History(), 3)
}

func TestFence_RollbackWaitsForIngestAbove(t *testing.T) {
	f := NewFence()
	ctx := context.Background()

	release, err := f.Enter(ctx, 8)
	require.NoError(t, err)

	locked := make(chan func())
	go func() {
		unlock, err := f.Lock(ctx, 7)
		if err == nil {
			locked <- unlock
		}
	}()

	select {
	case <-locked:
		t.Fatal("rollback acquired the fence while height 8 was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case unlock := <-locked:
		assert.True(t, f.Locked(9))
		assert.False(t, f.Locked(6))
		unlock()
		assert.False(t, f.Locked(9))
	case <-time.After(time.Second):
		t.Fatal("rollback never acquired the fence")
	}
}

func TestFence_IngestBelowRollbackIsNotBlocked(t *testing.T) {
	f := NewFence()
	ctx := context.Background()

	unlock, err := f.Lock(ctx, 7)
	require.NoError(t, err)
	defer unlock()

	release, err := f.Enter(ctx, 6)
	require.NoError(t, err)
	release()
}

func TestFence_EnterHonoursCancellation(t *testing.T) {
	f := NewFence()
	unlock, err := f.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = f.Enter(ctx, 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
