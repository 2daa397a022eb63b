// Package indexstate owns the chain heights the indexer reasons about and the
// height fence that orders ingest jobs against fork rollbacks.
//
// One State is created at startup and injected into every component. Heights
// only move forward: the status refresher and the fork resolver write them,
// everyone else reads.
package indexstate

import (
	"fmt"
	"sync"
	"time"
)

// Snapshot is a consistent copy of the tracked heights.
type Snapshot struct {
	GenesisHeight   uint64
	CurrentHeight   uint64
	FinalizedHeight uint64
	Phase           Phase
	UpdatedAt       time.Time
}

// ChainLength is the number of heights from genesis to the current tip.
func (s Snapshot) ChainLength() uint64 {
	if s.CurrentHeight < s.GenesisHeight {
		return 0
	}
	return s.CurrentHeight - s.GenesisHeight + 1
}

// State holds genesis, current and finalized heights.
type State struct {
	mu       sync.RWMutex
	snap     Snapshot
	history  []Transition
	callback func(Transition)

	fence *Fence
}

const maxHistory = 32

func New() *State {
	return &State{
		snap:  Snapshot{Phase: PhaseInit, UpdatedAt: time.Now()},
		fence: NewFence(),
	}
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *State) GenesisHeight() uint64   { return s.Snapshot().GenesisHeight }
func (s *State) CurrentHeight() uint64   { return s.Snapshot().CurrentHeight }
func (s *State) FinalizedHeight() uint64 { return s.Snapshot().FinalizedHeight }
func (s *State) Phase() Phase            { return s.Snapshot().Phase }

// Fence returns the height fence shared by ingest and rollback.
func (s *State) Fence() *Fence { return s.fence }

// SetGenesisHeight records the chain's first height. It is set once at startup.
func (s *State) SetGenesisHeight(h uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.GenesisHeight = h
	s.snap.UpdatedAt = time.Now()
}

// ObserveChainHeight raises the current height. Lower values are ignored.
func (s *State) ObserveChainHeight(h uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h <= s.snap.CurrentHeight {
		return false
	}
	s.snap.CurrentHeight = h
	s.snap.UpdatedAt = time.Now()
	return true
}

// ResetChainHeight lowers the current height after a rollback shortened the chain.
func (s *State) ResetChainHeight(h uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h < s.snap.FinalizedHeight {
		h = s.snap.FinalizedHeight
	}
	s.snap.CurrentHeight = h
	s.snap.UpdatedAt = time.Now()
}

// SetFinalizedHeight raises the finalized height. It never regresses.
func (s *State) SetFinalizedHeight(h uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h <= s.snap.FinalizedHeight {
		return false
	}
	s.snap.FinalizedHeight = h
	if h > s.snap.CurrentHeight {
		s.snap.CurrentHeight = h
	}
	s.snap.UpdatedAt = time.Now()
	return true
}

// SetPhase moves to a new phase, validating the transition.
func (s *State) SetPhase(to Phase, reason string) error {
	s.mu.Lock()
	from := s.snap.Phase
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	t := Transition{From: from, To: to, Reason: reason, Timestamp: time.Now()}
	s.snap.Phase = to
	s.history = append(s.history, t)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	cb := s.callback
	s.mu.Unlock()

	if cb != nil {
		cb(t)
	}
	return nil
}

// History returns recent phase transitions, oldest first.
func (s *State) History() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

// OnTransition registers a callback for phase changes.
func (s *State) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = fn
}
