// Package redis holds the Redis-backed operator rescan queue and the
// failed-job ledger. Every key is namespaced by a prefix so several networks
// can share one Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/blockindex/internal/core/domain"
)

// Client wraps Redis operations for the rescan pipeline.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "blockindex"
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func (c *Client) queueKey() string {
	return c.prefix + ":rescan:queue"
}

func (c *Client) lockKey(r domain.HeightRange) string {
	return fmt.Sprintf("%s:rescan:lock:%s", c.prefix, r)
}

func (c *Client) progressKey(r domain.HeightRange) string {
	return fmt.Sprintf("%s:rescan:progress:%s", c.prefix, r)
}

// PopRange removes and returns the range with the lowest start height.
func (c *Client) PopRange(ctx context.Context) (domain.HeightRange, bool, error) {
	results, err := c.rdb.ZPopMin(ctx, c.queueKey(), 1).Result()
	if err != nil {
		return domain.HeightRange{}, false, fmt.Errorf("zpopmin failed: %w", err)
	}
	if len(results) == 0 {
		return domain.HeightRange{}, false, nil
	}

	member, ok := results[0].Member.(string)
	if !ok {
		return domain.HeightRange{}, false, fmt.Errorf("unexpected queue member %v", results[0].Member)
	}
	r, err := ParseRange(member)
	if err != nil {
		return domain.HeightRange{}, false, err
	}
	return r, true, nil
}

// PushRange adds a range to the queue, scored by its start height.
func (c *Client) PushRange(ctx context.Context, r domain.HeightRange) error {
	if err := c.rdb.ZAdd(ctx, c.queueKey(), redis.Z{Score: float64(r.From), Member: r.String()}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// GetAllRanges returns every queued range in start order. Unparseable
// members are skipped.
func (c *Client) GetAllRanges(ctx context.Context) ([]domain.HeightRange, error) {
	members, err := c.rdb.ZRange(ctx, c.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	out := make([]domain.HeightRange, 0, len(members))
	for _, m := range members {
		r, err := ParseRange(m)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ReplaceRanges swaps the queue content for ranges in one MULTI/EXEC.
func (c *Client) ReplaceRanges(ctx context.Context, ranges []domain.HeightRange) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.queueKey())
		for _, r := range ranges {
			pipe.ZAdd(ctx, c.queueKey(), redis.Z{Score: float64(r.From), Member: r.String()})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace ranges: %w", err)
	}
	return nil
}

// AcquireLock attempts to acquire a processing lock for a range.
func (c *Client) AcquireLock(ctx context.Context, r domain.HeightRange, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.lockKey(r), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases a processing lock.
func (c *Client) ReleaseLock(ctx context.Context, r domain.HeightRange) error {
	return c.rdb.Del(ctx, c.lockKey(r)).Err()
}

// RefreshLock extends the TTL of a lock.
func (c *Client) RefreshLock(ctx context.Context, r domain.HeightRange, ttl time.Duration) error {
	return c.rdb.Expire(ctx, c.lockKey(r), ttl).Err()
}

// GetProgress returns the next height to process in r, r.From when unset.
func (c *Client) GetProgress(ctx context.Context, r domain.HeightRange) (uint64, error) {
	val, err := c.rdb.Get(ctx, c.progressKey(r)).Result()
	if errors.Is(err, redis.Nil) {
		return r.From, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get failed: %w", err)
	}
	return strconv.ParseUint(val, 10, 64)
}

// SetProgress records the next height to process in r.
func (c *Client) SetProgress(ctx context.Context, r domain.HeightRange, next uint64, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.progressKey(r), strconv.FormatUint(next, 10), ttl).Err()
}

// ClearProgress removes progress tracking for a range.
func (c *Client) ClearProgress(ctx context.Context, r domain.HeightRange) error {
	return c.rdb.Del(ctx, c.progressKey(r)).Err()
}

// ParseRange parses "12000-12500" format. A single height "12000" is the
// range 12000-12000.
func ParseRange(s string) (domain.HeightRange, error) {
	s = strings.TrimSpace(s)
	startStr, endStr, found := strings.Cut(s, "-")
	if !found {
		endStr = startStr
	}

	start, err := strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return domain.HeightRange{}, fmt.Errorf("invalid range %q: bad start: %w", s, err)
	}
	end, err := strconv.ParseUint(endStr, 10, 64)
	if err != nil {
		return domain.HeightRange{}, fmt.Errorf("invalid range %q: bad end: %w", s, err)
	}
	if start > end {
		return domain.HeightRange{}, fmt.Errorf("invalid range %q: start > end", s)
	}
	return domain.HeightRange{From: start, To: end}, nil
}
