// Package health reports how complete and current the index is, fires the
// one-time index ready signal and serves the health endpoints.
package health

import "time"

// SystemStatus represents the overall health state of the indexer.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// IndexStats describes index coverage of the chain.
type IndexStats struct {
	CurrentChainHeight  uint64  `json:"currentChainHeight"`
	GenesisHeight       uint64  `json:"genesisHeight"`
	NumBlocksIndexed    uint64  `json:"numBlocksIndexed"`
	ChainLength         uint64  `json:"chainLength"`
	Percentage          float64 `json:"percentage"`
	FinalizedHeight     uint64  `json:"finalizedHeight"`
	IndexVerifiedHeight uint64  `json:"indexVerifiedHeight"`
}

// Missing is the number of chain heights not in the index.
func (s IndexStats) Missing() uint64 {
	if s.NumBlocksIndexed >= s.ChainLength {
		return 0
	}
	return s.ChainLength - s.NumBlocksIndexed
}

// Health is the result of one health check.
type Health struct {
	Status          SystemStatus `json:"status"`
	Network         string       `json:"network"`
	Ready           bool         `json:"ready"`
	ChainHeight     uint64       `json:"chain_height"`
	IndexedHeight   uint64       `json:"indexed_height"`
	IndexLag        uint64       `json:"index_lag"`
	FinalizedHeight uint64       `json:"finalized_height"`
	FinalityLag     uint64       `json:"finality_lag"`
	MissingBlocks   uint64       `json:"missing_blocks"`
	FailedJobs      int          `json:"failed_jobs"`
	Stats           *IndexStats  `json:"stats,omitempty"`
	StoreError      string       `json:"store_error,omitempty"`
	NodeError       string       `json:"node_error,omitempty"`
	CheckedAt       time.Time    `json:"checked_at"`
}
