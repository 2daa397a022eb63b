// Package backfill finds heights missing from the index and fills them.
//
// # Design: Database First
//
// Gap detection reads the store only. The node is called when a missing
// height is actually ingested:
//   - CountInRange short-circuits fully covered or nearly empty windows
//   - FindGaps returns interior and leading gaps of a window
//   - MaxHeightInRange finds a missing top of the window
//
// # Watermark
//
// The indexVerifiedHeight checkpoint marks the height below which the index
// is known to be gap free. It advances only after a window was backfilled and
// never past the finalized height, so a fork can never open a hole below it.
//
// # Usage
//
//	scanner := backfill.NewScanner(backfill.DefaultConfig(), store, state, ingestQueue, "mainnet")
//
//	// Periodic scan from the watermark
//	err := scanner.IndexMissingBlocks(ctx, false)
//
//	// Self-heal: rescan everything from genesis
//	err = scanner.IndexMissingBlocks(ctx, true)
package backfill

import (
	"context"
	"log/slog"

	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// Processor runs a batch of ingest jobs and waits for them.
// jobqueue.Queue[uint64] satisfies it.
type Processor interface {
	Process(ctx context.Context, heights []uint64) error
}

// Config tunes the scanner.
type Config struct {
	ScanWindow          uint64 // Heights examined per gap query (default: 1000)
	BatchSize           uint64 // Ingest jobs submitted per chunk (default: 100)
	MinIndexedThreshold uint64 // Below this count a window is backfilled whole (default: 3)
	IndexNumOfBlocks    uint64 // Retention in blocks, 0 keeps the full chain
}

// DefaultConfig returns the scanner defaults.
func DefaultConfig() Config {
	return Config{
		ScanWindow:          1000,
		BatchSize:           100,
		MinIndexedThreshold: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScanWindow == 0 {
		c.ScanWindow = d.ScanWindow
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MinIndexedThreshold == 0 {
		c.MinIndexedThreshold = d.MinIndexedThreshold
	}
	return c
}

// Scanner is the gap scanner and backfill driver.
type Scanner struct {
	config  Config
	store   storage.Store
	state   *indexstate.State
	ingest  Processor
	network string
	logger  *slog.Logger
}

func NewScanner(
	config Config,
	store storage.Store,
	state *indexstate.State,
	ingest Processor,
	network string,
) *Scanner {
	return &Scanner{
		config:  config.withDefaults(),
		store:   store,
		state:   state,
		ingest:  ingest,
		network: network,
		logger:  slog.Default().With("component", "backfill"),
	}
}
