package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/events"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// StatusSource fetches the node's network status.
type StatusSource interface {
	GetNetworkStatus(ctx context.Context) (*domain.NetworkStatus, error)
}

// MonitorConfig holds the thresholds that turn lag into a status.
type MonitorConfig struct {
	DegradedLag        uint64        // Index lag above this is degraded (default: 10)
	CriticalLag        uint64        // Index lag above this is critical (default: 100)
	CriticalMissing    uint64        // Missing heights above this are critical (default: 10)
	CriticalFailedJobs int           // Failed jobs above this are critical (default: 50)
	CacheTTL           time.Duration // Minimum time between checks (default: 10s)
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		DegradedLag:        10,
		CriticalLag:        100,
		CriticalMissing:    10,
		CriticalFailedJobs: 50,
		CacheTTL:           10 * time.Second,
	}
}

// Monitor aggregates health status from the store, the node and the reporter.
type Monitor struct {
	cfg      MonitorConfig
	store    storage.Store
	node     StatusSource
	reporter *Reporter
	failed   storage.FailedJobRepository
	bus      *events.Bus
	network  string

	mu         sync.Mutex
	lastCheck  time.Time
	lastHealth *Health
}

// NewMonitor creates a health monitor. failed may be nil.
func NewMonitor(
	cfg MonitorConfig,
	store storage.Store,
	node StatusSource,
	reporter *Reporter,
	failed storage.FailedJobRepository,
	bus *events.Bus,
	network string,
) *Monitor {
	return &Monitor{
		cfg:      cfg,
		store:    store,
		node:     node,
		reporter: reporter,
		failed:   failed,
		bus:      bus,
		network:  network,
	}
}

// CheckHealth runs a health check. Results are cached for CacheTTL.
func (m *Monitor) CheckHealth(ctx context.Context) Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastHealth != nil && time.Since(m.lastCheck) < m.cfg.CacheTTL {
		return *m.lastHealth
	}

	h := Health{
		Status:    StatusHealthy,
		Network:   m.network,
		Ready:     m.bus.Fired(events.IndexReady),
		CheckedAt: time.Now(),
	}

	// 1. Store
	if err := m.store.Ping(ctx); err != nil {
		h.StoreError = err.Error()
		h.Status = StatusCritical
		m.remember(h)
		return h
	}

	// 2. Node
	status, err := m.node.GetNetworkStatus(ctx)
	if err != nil {
		h.NodeError = err.Error()
	} else {
		h.ChainHeight = status.Height
		h.FinalizedHeight = status.FinalizedHeight
	}

	// 3. Index coverage
	if stats, err := m.reporter.GetIndexStats(ctx); err == nil {
		h.Stats = &stats
		h.MissingBlocks = stats.Missing()
		if h.ChainHeight == 0 {
			h.ChainHeight = stats.CurrentChainHeight
		}
		if h.FinalizedHeight > stats.FinalizedHeight {
			h.FinalityLag = h.FinalizedHeight - stats.FinalizedHeight
		}
	} else {
		h.StoreError = err.Error()
	}

	if latest, err := m.store.Blocks().GetLatest(ctx); err == nil && latest != nil {
		h.IndexedHeight = latest.Height
	}
	if h.ChainHeight > h.IndexedHeight {
		h.IndexLag = h.ChainHeight - h.IndexedHeight
	}

	// 4. Failed jobs
	if m.failed != nil {
		if n, err := m.failed.Count(ctx); err == nil {
			h.FailedJobs = n
		}
	}

	h.Status = m.evaluate(h)
	m.remember(h)
	return h
}

func (m *Monitor) evaluate(h Health) SystemStatus {
	switch {
	case h.StoreError != "":
		return StatusCritical
	case h.IndexLag > m.cfg.CriticalLag, h.MissingBlocks > m.cfg.CriticalMissing, h.FailedJobs > m.cfg.CriticalFailedJobs:
		return StatusCritical
	case h.NodeError != "", h.IndexLag > m.cfg.DegradedLag, h.MissingBlocks > 0, h.FailedJobs > 0, h.FinalityLag > m.cfg.DegradedLag:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (m *Monitor) remember(h Health) {
	m.lastCheck = h.CheckedAt
	m.lastHealth = &h
}
