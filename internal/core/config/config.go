package config

import (
	"time"

	redisclient "github.com/vietddude/blockindex/internal/infra/redis"
	"github.com/vietddude/blockindex/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"` // empty url = in-memory store
	Redis    redisclient.Config `yaml:"redis"`    // empty url = rescan queue disabled
	Node     NodeConfig         `yaml:"node"`
	Indexing IndexingConfig     `yaml:"indexing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// NodeConfig holds settings for the upstream blockchain node.
type NodeConfig struct {
	Network      string        `yaml:"network"`
	Endpoints    []string      `yaml:"endpoints"`
	WebSocketURL string        `yaml:"websocket_url"` // empty = poll node status instead
	APIVersion   string        `yaml:"api_version"`   // v3 (default) or v2
	Timeout      time.Duration `yaml:"timeout"`
	StatusTTL    time.Duration `yaml:"status_ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
}

// IndexingConfig tunes queues, scans and periodic tasks.
type IndexingConfig struct {
	IngestConcurrency   int    `yaml:"ingest_concurrency"`
	ScanWindow          uint64 `yaml:"scan_window"`
	BatchSize           uint64 `yaml:"batch_size"`
	MinIndexedThreshold uint64 `yaml:"min_indexed_threshold"`
	IndexNumOfBlocks    uint64 `yaml:"index_num_of_blocks"` // 0 = full chain
	GenesisPageSize     int    `yaml:"genesis_page_size"`
	RescanChunkSize     uint64 `yaml:"rescan_chunk_size"`

	// ReadinessTipTolerance is how far the index may trail the tip and still
	// be ready. Unset means 1.
	ReadinessTipTolerance *uint64 `yaml:"readiness_tip_tolerance"`
	SelfHealMaxDelta      uint64  `yaml:"self_heal_max_delta"`

	MaxAttempts       int           `yaml:"max_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`

	GapScanInterval     time.Duration `yaml:"gap_scan_interval"`
	ReadinessInterval   time.Duration `yaml:"readiness_interval"`
	SelfHealInterval    time.Duration `yaml:"self_heal_interval"`
	NonFinalInterval    time.Duration `yaml:"non_final_interval"`
	FinalityInterval    time.Duration `yaml:"finality_interval"`
	FailedRetryInterval time.Duration `yaml:"failed_retry_interval"`
	RescanInterval      time.Duration `yaml:"rescan_interval"`
}

// TipTolerance returns the readiness tolerance with its default applied.
func (c IndexingConfig) TipTolerance() uint64 {
	if c.ReadinessTipTolerance == nil {
		return 1
	}
	return *c.ReadinessTipTolerance
}
