// Package reorg resolves forks and finality.
//
// # Design
//
// Block notifications from the node are handled one at a time on the
// fork-detection queue. For each (block, isFinal) the Resolver compares the
// incoming id with the indexed one at the same height:
//
//   - nothing indexed, or indexed but not yet final while the node says final:
//     schedule an ingest job
//   - a different id: a fork. Heights above the finalized height are rolled
//     back on the rollback queue; a fork touching a final block is an anomaly
//     and is never rolled back
//
// Every notification also schedules the mark-final job, which flags every
// non-final block at or below the finalized height.
//
// # Rollback Process
//
//  1. Take the height fence for [from, ∞), draining in-flight ingest jobs
//  2. In one transaction revert generator and vote contributions of every
//     indexed block >= from and delete its rows
//  3. Release the fence and emit a DeleteBlock event per removed block
//  4. Schedule ingest jobs for the removed heights the chain still has
//
// # Usage
//
//	resolver := reorg.NewResolver(store, statusCache, state, bus, "mainnet")
//	resolver.Bind(reorg.Queues{Ingest: ingestQ, MarkFinal: markFinalQ, Rollback: rollbackQ})
//	forkQ := jobqueue.New(ctx, jobqueue.Config{Name: "fork-detection", Concurrency: 1}, resolver.Handle)
package reorg

import (
	"context"
	"log/slog"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/events"
	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// ErrForkBelowFinality is returned when a fork touches a final block.
var ErrForkBelowFinality = domain.ErrForkBelowFinality

// StatusSource provides the node's network status.
type StatusSource interface {
	GetNetworkStatus(ctx context.Context) (*domain.NetworkStatus, error)
}

// Submitter schedules a job without waiting for it.
type Submitter[K comparable] interface {
	Submit(key K) bool
}

// Queues are the job queues the Resolver feeds.
type Queues struct {
	Ingest    Submitter[uint64]
	MarkFinal Submitter[struct{}]
	Rollback  Submitter[uint64]
}

// Resolver detects forks and tracks finality.
type Resolver struct {
	store   storage.Store
	status  StatusSource
	state   *indexstate.State
	bus     *events.Bus
	network string
	queues  Queues
	logger  *slog.Logger
}

func NewResolver(
	store storage.Store,
	status StatusSource,
	state *indexstate.State,
	bus *events.Bus,
	network string,
) *Resolver {
	return &Resolver{
		store:   store,
		status:  status,
		state:   state,
		bus:     bus,
		network: network,
		logger:  slog.Default().With("component", "reorg"),
	}
}

// Bind sets the queues. The queues run Resolver methods, so they are created
// after the Resolver and bound before any notification is handled.
func (r *Resolver) Bind(q Queues) {
	r.queues = q
}
