package indexstate

import (
	"errors"
	"slices"
	"time"
)

// Phase is the coarse lifecycle state of the indexer.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhaseBootstrap Phase = "bootstrap"
	PhaseBackfill  Phase = "backfill"
	PhaseLive      Phase = "live"
	PhaseRollback  Phase = "rollback"
)

// ErrInvalidTransition is returned when an invalid phase transition is attempted.
var ErrInvalidTransition = errors.New("invalid phase transition")

// ValidTransitions defines allowed phase transitions.
// Key is the current phase, value is the list of valid next phases.
var ValidTransitions = map[Phase][]Phase{
	PhaseInit:      {PhaseBootstrap, PhaseBackfill},
	PhaseBootstrap: {PhaseBackfill},
	PhaseBackfill:  {PhaseLive, PhaseRollback},
	PhaseLive:      {PhaseBackfill, PhaseRollback},
	PhaseRollback:  {PhaseLive, PhaseBackfill},
}

// CanTransition checks if a transition from one phase to another is valid.
func CanTransition(from, to Phase) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Transition represents a phase change with metadata.
type Transition struct {
	From      Phase
	To        Phase
	Reason    string
	Timestamp time.Time
}

// Description returns a human-readable description of a phase.
func (p Phase) Description() string {
	switch p {
	case PhaseInit:
		return "Initializing - schema ready, heights unknown"
	case PhaseBootstrap:
		return "Bootstrapping - indexing genesis accounts and delegates"
	case PhaseBackfill:
		return "Backfilling - filling missing height ranges"
	case PhaseLive:
		return "Live - following new blocks"
	case PhaseRollback:
		return "Rollback - removing orphaned blocks after a fork"
	default:
		return "Unknown phase"
	}
}
