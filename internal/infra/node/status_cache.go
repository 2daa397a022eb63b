package node

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/blockindex/internal/core/domain"
)

// StatusCache caches GetNetworkStatus to reduce redundant node calls.
// Periodic tasks at the chain tip all ask for the status within the same
// second, one call serves them all.
type StatusCache struct {
	client Client
	ttl    time.Duration

	mu       sync.RWMutex
	cached   *domain.NetworkStatus
	cachedAt time.Time
}

// NewStatusCache creates a new status cache with the given TTL.
func NewStatusCache(client Client, ttl time.Duration) *StatusCache {
	return &StatusCache{
		client: client,
		ttl:    ttl,
	}
}

// GetNetworkStatus returns the cached status if within TTL, otherwise fetches fresh.
func (c *StatusCache) GetNetworkStatus(ctx context.Context) (*domain.NetworkStatus, error) {
	c.mu.RLock()
	if c.cached != nil && time.Since(c.cachedAt) < c.ttl {
		status := *c.cached
		c.mu.RUnlock()
		return &status, nil
	}
	c.mu.RUnlock()

	status, err := c.client.GetNetworkStatus(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cp := *status
	c.cached = &cp
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return status, nil
}

// Invalidate clears the cache, forcing the next call to fetch fresh data.
func (c *StatusCache) Invalidate() {
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}
